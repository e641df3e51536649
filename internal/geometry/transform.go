package geometry

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrSingular is returned when a transform cannot be inverted.
var ErrSingular = errors.New("geometry: singular transform")

// Transform is a 3x3 homogeneous 2D transform stored row-major.
//
//	[h0 h1 h2]
//	[h3 h4 h5]
//	[h6 h7 h8]
//
// Affine and Euclidean transforms have a bottom row of [0 0 1].
type Transform [9]float64

// Identity returns the 3x3 identity transform.
func Identity() Transform {
	return Transform{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// NewTransform builds a transform from three rows.
func NewTransform(rows [3][3]float64) Transform {
	var t Transform
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			t[r*3+c] = rows[r][c]
		}
	}
	return t
}

// FromDense copies a 3x3 gonum matrix into a Transform.
func FromDense(m mat.Matrix) (Transform, error) {
	r, c := m.Dims()
	if r != 3 || c != 3 {
		return Transform{}, fmt.Errorf("geometry: expected 3x3 matrix, got %dx%d", r, c)
	}
	var t Transform
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			t[i*3+j] = m.At(i, j)
		}
	}
	return t, nil
}

// At returns the element at row r, column c.
func (t Transform) At(r, c int) float64 {
	return t[r*3+c]
}

// Set assigns the element at row r, column c.
func (t *Transform) Set(r, c int, v float64) {
	t[r*3+c] = v
}

// Rows returns the transform as three rows.
func (t Transform) Rows() [3][3]float64 {
	var rows [3][3]float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			rows[r][c] = t[r*3+c]
		}
	}
	return rows
}

// Dense returns a gonum copy of the transform.
func (t Transform) Dense() *mat.Dense {
	data := make([]float64, 9)
	copy(data, t[:])
	return mat.NewDense(3, 3, data)
}

// Apply maps p through the transform with a homogeneous divide. The boolean
// is false when the point maps to infinity.
func (t Transform) Apply(p Point2D) (Point2D, bool) {
	x := t[0]*p.X + t[1]*p.Y + t[2]
	y := t[3]*p.X + t[4]*p.Y + t[5]
	w := t[6]*p.X + t[7]*p.Y + t[8]
	if math.Abs(w) < 1e-12 {
		return Point2D{}, false
	}
	return Point2D{X: x / w, Y: y / w}, true
}

// Compose returns t·o, the transform that applies o first and then t.
func (t Transform) Compose(o Transform) Transform {
	var out mat.Dense
	out.Mul(t.Dense(), o.Dense())
	res, _ := FromDense(&out)
	return res
}

// Inverse returns the inverse transform.
func (t Transform) Inverse() (Transform, error) {
	var inv mat.Dense
	if err := inv.Inverse(t.Dense()); err != nil {
		return Transform{}, fmt.Errorf("%w: %v", ErrSingular, err)
	}
	return FromDense(&inv)
}

// Det2x2 returns the determinant of the upper-left linear block. A negative
// value means the transform contains a reflection.
func (t Transform) Det2x2() float64 {
	return t[0]*t[4] - t[1]*t[3]
}

// Translation returns the right column of the first two rows.
func (t Transform) Translation() Point2D {
	return Point2D{X: t[2], Y: t[5]}
}

// IsAffine reports whether the bottom row is [0 0 1] within tol.
func (t Transform) IsAffine(tol float64) bool {
	return math.Abs(t[6]) <= tol && math.Abs(t[7]) <= tol && math.Abs(t[8]-1) <= tol
}

// ApproxEqual compares element-wise within tol.
func (t Transform) ApproxEqual(o Transform, tol float64) bool {
	for i := range t {
		if math.Abs(t[i]-o[i]) > tol {
			return false
		}
	}
	return true
}

// Normalized scales the transform so h8 == 1. Transforms with h8 near zero
// are returned unchanged.
func (t Transform) Normalized() Transform {
	if math.Abs(t[8]) < 1e-12 {
		return t
	}
	var out Transform
	for i := range t {
		out[i] = t[i] / t[8]
	}
	return out
}

// AffineArgs returns the ImageMagick AffineProjection coefficients
// sx, ry, rx, sy, tx, ty.
func (t Transform) AffineArgs() []float64 {
	return []float64{t[0], t[3], t[1], t[4], t[2], t[5]}
}

// PerspectiveArgs returns the eight ImageMagick PerspectiveProjection
// coefficients of the h8-normalized transform.
func (t Transform) PerspectiveArgs() []float64 {
	n := t.Normalized()
	return []float64{n[0], n[1], n[2], n[3], n[4], n[5], n[6], n[7]}
}

func (t Transform) String() string {
	return fmt.Sprintf("[[%g %g %g] [%g %g %g] [%g %g %g]]",
		t[0], t[1], t[2], t[3], t[4], t[5], t[6], t[7], t[8])
}
