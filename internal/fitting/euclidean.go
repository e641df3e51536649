package fitting

import (
	"context"
	"math"

	"gonum.org/v1/gonum/mat"

	"tiepoint/internal/geometry"
)

// DefaultDegenerateTolerance is the relative length below which two points
// are treated as coincident.
const DefaultDegenerateTolerance = 1e-12

// EuclideanSolver computes the rigid transform aligning the first two
// correspondences by orthogonal Procrustes. Additional pairs are ignored.
type EuclideanSolver struct {
	// Tolerance overrides DefaultDegenerateTolerance when positive.
	Tolerance float64
}

func (s EuclideanSolver) Name() string      { return "euclidean" }
func (s EuclideanSolver) Model() Model      { return ModelEuclidean }
func (s EuclideanSolver) IsAvailable() bool { return true }

func (s EuclideanSolver) Solve(ctx context.Context, source, target []geometry.Point2D) (geometry.Transform, error) {
	if err := ctx.Err(); err != nil {
		return geometry.Transform{}, err
	}
	return s.solve(source, target)
}

// SolveEuclidean fits a rotation plus translation to the first two
// correspondences with the default tolerance.
func SolveEuclidean(source, target []geometry.Point2D) (geometry.Transform, error) {
	return EuclideanSolver{}.solve(source, target)
}

func (s EuclideanSolver) solve(source, target []geometry.Point2D) (geometry.Transform, error) {
	if err := checkPairs(source, target, 2); err != nil {
		return geometry.Transform{}, err
	}
	tol := s.Tolerance
	if tol <= 0 {
		tol = DefaultDegenerateTolerance
	}

	src := source[:2]
	dst := target[:2]
	if coincident(src[0], src[1], tol) || coincident(dst[0], dst[1], tol) {
		return geometry.Transform{}, &DegenerateError{Model: ModelEuclidean, Rank: 0, Want: 1, Condition: math.Inf(1)}
	}

	meanSrc := src[0].Add(src[1]).Scale(0.5)
	meanDst := dst[0].Add(dst[1]).Scale(0.5)

	// H = sum (src_i - meanSrc)^T (dst_i - meanDst)
	h := mat.NewDense(2, 2, nil)
	for i := 0; i < 2; i++ {
		a := src[i].Sub(meanSrc)
		b := dst[i].Sub(meanDst)
		h.Set(0, 0, h.At(0, 0)+a.X*b.X)
		h.Set(0, 1, h.At(0, 1)+a.X*b.Y)
		h.Set(1, 0, h.At(1, 0)+a.Y*b.X)
		h.Set(1, 1, h.At(1, 1)+a.Y*b.Y)
	}

	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDFull) {
		return geometry.Transform{}, &DegenerateError{Model: ModelEuclidean, Rank: 0, Want: 1, Condition: math.Inf(1)}
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// Two pairs always give a rank-1 H, so the second singular vectors only
	// span the null space and their signs are arbitrary. Complete both bases
	// right-handed so the result is a proper rotation.
	values := svd.Values(nil)
	if values[1] <= tol*values[0] {
		completeBasis(&u)
		completeBasis(&v)
	}

	// R = V * U^T
	var r mat.Dense
	r.Mul(&v, u.T())

	tx := meanDst.X - (r.At(0, 0)*meanSrc.X + r.At(0, 1)*meanSrc.Y)
	ty := meanDst.Y - (r.At(1, 0)*meanSrc.X + r.At(1, 1)*meanSrc.Y)

	return geometry.NewTransform([3][3]float64{
		{r.At(0, 0), r.At(0, 1), tx},
		{r.At(1, 0), r.At(1, 1), ty},
		{0, 0, 1},
	}), nil
}

// completeBasis replaces the second column of a 2x2 orthonormal matrix with
// the first column rotated by +90 degrees.
func completeBasis(m *mat.Dense) {
	m.Set(0, 1, -m.At(1, 0))
	m.Set(1, 1, m.At(0, 0))
}

func coincident(a, b geometry.Point2D, tol float64) bool {
	scale := math.Max(1, math.Max(math.Hypot(a.X, a.Y), math.Hypot(b.X, b.Y)))
	return a.Distance(b) <= tol*scale
}
