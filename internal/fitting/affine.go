package fitting

import (
	"context"
	"math"

	"gonum.org/v1/gonum/mat"

	"tiepoint/internal/geometry"
)

// DefaultRankTolerance is the singular-value cutoff, relative to the largest
// singular value, used to decide the numerical rank of a design matrix.
const DefaultRankTolerance = 1e-10

// AffineSolver fits x' = a*x + b*y + c, y' = d*x + e*y + f by linear least
// squares. Rank-deficient systems yield the minimum-norm solution together
// with a *DegenerateError.
type AffineSolver struct {
	// RankTolerance overrides DefaultRankTolerance when positive.
	RankTolerance float64
}

func (s AffineSolver) Name() string      { return "affine" }
func (s AffineSolver) Model() Model      { return ModelAffine }
func (s AffineSolver) IsAvailable() bool { return true }

func (s AffineSolver) Solve(ctx context.Context, source, target []geometry.Point2D) (geometry.Transform, error) {
	if err := ctx.Err(); err != nil {
		return geometry.Transform{}, err
	}
	return s.solve(source, target)
}

// SolveAffine fits a 6-parameter affine transform with the default rank
// tolerance.
func SolveAffine(source, target []geometry.Point2D) (geometry.Transform, error) {
	return AffineSolver{}.solve(source, target)
}

func (s AffineSolver) solve(source, target []geometry.Point2D) (geometry.Transform, error) {
	if err := checkPairs(source, target, ModelAffine.MinPairs()); err != nil {
		return geometry.Transform{}, err
	}
	rcond := s.RankTolerance
	if rcond <= 0 {
		rcond = DefaultRankTolerance
	}

	n := len(source)
	a := mat.NewDense(2*n, 6, nil)
	y := mat.NewVecDense(2*n, nil)
	for i := 0; i < n; i++ {
		x0, y0 := source[i].X, source[i].Y

		// x' = a*x + b*y + c
		a.Set(2*i, 0, x0)
		a.Set(2*i, 1, y0)
		a.Set(2*i, 2, 1)
		y.SetVec(2*i, target[i].X)

		// y' = d*x + e*y + f
		a.Set(2*i+1, 3, x0)
		a.Set(2*i+1, 4, y0)
		a.Set(2*i+1, 5, 1)
		y.SetVec(2*i+1, target[i].Y)
	}

	params, rank, cond, ok := leastSquares(a, y, rcond)
	if !ok {
		return geometry.Transform{}, &DegenerateError{Model: ModelAffine, Rank: 0, Want: 6, Condition: math.Inf(1)}
	}

	t := geometry.NewTransform([3][3]float64{
		{params.AtVec(0), params.AtVec(1), params.AtVec(2)},
		{params.AtVec(3), params.AtVec(4), params.AtVec(5)},
		{0, 0, 1},
	})
	if rank < 6 {
		return t, &DegenerateError{Model: ModelAffine, Rank: rank, Want: 6, Condition: cond}
	}
	return t, nil
}

// leastSquares returns the minimum-norm solution of min |A x - b| together
// with the numerical rank of A and its condition number over the columns.
func leastSquares(a *mat.Dense, b *mat.VecDense, rcond float64) (*mat.VecDense, int, float64, bool) {
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return nil, 0, math.Inf(1), false
	}
	_, cols := a.Dims()
	values := svd.Values(nil)
	rank := svd.Rank(rcond)
	if rank == 0 {
		return nil, 0, math.Inf(1), false
	}

	cond := math.Inf(1)
	if len(values) >= cols && values[cols-1] > 0 {
		cond = values[0] / values[cols-1]
	}

	var x mat.VecDense
	svd.SolveVecTo(&x, b, rank)
	return &x, rank, cond, true
}
