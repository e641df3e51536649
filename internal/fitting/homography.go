package fitting

import (
	"context"
	"math"

	"gonum.org/v1/gonum/mat"

	"tiepoint/internal/geometry"
)

// NativeHomography fits an 8-parameter projective transform in-process with
// the normalized direct linear transform.
type NativeHomography struct {
	// RankTolerance overrides DefaultRankTolerance when positive.
	RankTolerance float64
}

func (s NativeHomography) Name() string      { return "native-homography" }
func (s NativeHomography) Model() Model      { return ModelHomography }
func (s NativeHomography) IsAvailable() bool { return true }

func (s NativeHomography) Solve(ctx context.Context, source, target []geometry.Point2D) (geometry.Transform, error) {
	if err := ctx.Err(); err != nil {
		return geometry.Transform{}, err
	}
	return s.solve(source, target)
}

// SolveHomography fits a homography to four or more correspondences.
func SolveHomography(source, target []geometry.Point2D) (geometry.Transform, error) {
	return NativeHomography{}.solve(source, target)
}

func (s NativeHomography) solve(source, target []geometry.Point2D) (geometry.Transform, error) {
	if err := checkPairs(source, target, ModelHomography.MinPairs()); err != nil {
		return geometry.Transform{}, err
	}
	rcond := s.RankTolerance
	if rcond <= 0 {
		rcond = DefaultRankTolerance
	}

	tSrc, ok := normalization(source)
	if !ok {
		return geometry.Transform{}, &DegenerateError{Model: ModelHomography, Rank: 0, Want: 8, Condition: math.Inf(1)}
	}
	tDst, ok := normalization(target)
	if !ok {
		return geometry.Transform{}, &DegenerateError{Model: ModelHomography, Rank: 0, Want: 8, Condition: math.Inf(1)}
	}

	n := len(source)
	a := mat.NewDense(2*n, 9, nil)
	for i := 0; i < n; i++ {
		p, _ := tSrc.Apply(source[i])
		q, _ := tDst.Apply(target[i])
		x, y, u, v := p.X, p.Y, q.X, q.Y

		a.SetRow(2*i, []float64{-x, -y, -1, 0, 0, 0, u * x, u * y, u})
		a.SetRow(2*i+1, []float64{0, 0, 0, -x, -y, -1, v * x, v * y, v})
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return geometry.Transform{}, &DegenerateError{Model: ModelHomography, Rank: 0, Want: 8, Condition: math.Inf(1)}
	}
	values := svd.Values(nil)
	rank := svd.Rank(rcond)
	if rank < 8 {
		cond := math.Inf(1)
		if len(values) >= 8 && values[7] > 0 {
			cond = values[0] / values[7]
		}
		return geometry.Transform{}, &DegenerateError{Model: ModelHomography, Rank: rank, Want: 8, Condition: cond}
	}

	// The solution is the right singular vector of the smallest singular value.
	var v mat.Dense
	svd.VTo(&v)
	var hn geometry.Transform
	for i := 0; i < 9; i++ {
		hn[i] = v.At(i, 8)
	}

	dstInv, err := tDst.Inverse()
	if err != nil {
		return geometry.Transform{}, &DegenerateError{Model: ModelHomography, Rank: rank, Want: 8, Condition: math.Inf(1)}
	}
	return dstInv.Compose(hn).Compose(tSrc).Normalized(), nil
}

// normalization returns the similarity that moves the centroid of pts to the
// origin and scales their mean distance from it to sqrt(2).
func normalization(pts []geometry.Point2D) (geometry.Transform, bool) {
	c := geometry.Centroid(pts)
	var mean float64
	for _, p := range pts {
		mean += p.Distance(c)
	}
	mean /= float64(len(pts))
	if mean <= 0 || math.IsNaN(mean) {
		return geometry.Transform{}, false
	}
	s := math.Sqrt2 / mean
	return geometry.NewTransform([3][3]float64{
		{s, 0, -s * c.X},
		{0, s, -s * c.Y},
		{0, 0, 1},
	}), true
}
