package fitting

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiepoint/internal/geometry"
)

func TestFitterAffine(t *testing.T) {
	f := NewFitter(NewManager(nil, nil), false, nil)
	want := geometry.NewTransform([3][3]float64{{1, 0.5, 2}, {0, 1, 3}, {0, 0, 1}})
	src := []geometry.Point2D{geometry.Pt(0, 0), geometry.Pt(4, 0), geometry.Pt(0, 4), geometry.Pt(4, 4)}

	res, err := f.Fit(context.Background(), Request{Model: ModelAffine, Source: src, Target: mapAll(t, want, src)})
	require.NoError(t, err)
	assert.Equal(t, "affine", res.Solver)
	assert.Equal(t, 4, res.Points)
	assert.False(t, res.Degenerate)
	assert.Empty(t, res.Warnings)
	assert.InDelta(t, 0, res.RMS, 1e-9)
	assert.InDelta(t, 0, res.MaxResidual, 1e-9)
	assert.True(t, res.Transform.ApproxEqual(want, 1e-9))
}

func TestFitterDegeneratePolicy(t *testing.T) {
	src := []geometry.Point2D{geometry.Pt(0, 0), geometry.Pt(1, 1), geometry.Pt(2, 2)}
	req := Request{Model: ModelAffine, Source: src, Target: src}

	res, err := NewFitter(NewManager(nil, nil), false, nil).Fit(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Degenerate)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "minimum-norm")

	_, err = NewFitter(NewManager(nil, nil), true, nil).Fit(context.Background(), req)
	assert.ErrorIs(t, err, ErrDegenerate)
}

func TestFitterEuclideanWarnsAboutIgnoredPoints(t *testing.T) {
	src := []geometry.Point2D{geometry.Pt(0, 0), geometry.Pt(1, 0), geometry.Pt(5, 5)}
	res, err := NewFitter(NewManager(nil, nil), false, nil).Fit(context.Background(),
		Request{Model: ModelEuclidean, Source: src, Target: src})
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "first 2 of 3")
	assert.Equal(t, 3, res.Points)
}

type mirrorSolver struct{}

func (mirrorSolver) Name() string      { return "mirror" }
func (mirrorSolver) Model() Model      { return ModelEuclidean }
func (mirrorSolver) IsAvailable() bool { return true }
func (mirrorSolver) Solve(ctx context.Context, source, target []geometry.Point2D) (geometry.Transform, error) {
	return geometry.NewTransform([3][3]float64{{-1, 0, 0}, {0, 1, 0}, {0, 0, 1}}), nil
}

func TestFitterWarnsAboutReflection(t *testing.T) {
	m := NewManager(nil, nil)
	m.Register(mirrorSolver{})
	src := []geometry.Point2D{geometry.Pt(1, 0), geometry.Pt(2, 3)}
	dst := []geometry.Point2D{geometry.Pt(-1, 0), geometry.Pt(-2, 3)}

	res, err := NewFitter(m, false, nil).Fit(context.Background(), Request{Model: ModelEuclidean, Solver: "mirror", Source: src, Target: dst})
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "reflection")
	assert.InDelta(t, 0, res.RMS, 1e-12)

	res, err = NewFitter(m, false, nil).Fit(context.Background(), Request{Model: ModelEuclidean, Source: src, Target: dst})
	require.NoError(t, err)
	assert.Equal(t, "euclidean", res.Solver)
	for _, w := range res.Warnings {
		assert.NotContains(t, w, "reflection")
	}
}

func TestFitterNamedSolver(t *testing.T) {
	f := NewFitter(NewManager(nil, nil), false, nil)
	pts := square()

	res, err := f.Fit(context.Background(), Request{Model: ModelHomography, Solver: "native-homography", Source: pts, Target: pts})
	require.NoError(t, err)
	assert.Equal(t, "native-homography", res.Solver)

	_, err = f.Fit(context.Background(), Request{Model: ModelAffine, Solver: "native-homography", Source: pts, Target: pts})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestFitterPropagatesInvalidInput(t *testing.T) {
	f := NewFitter(NewManager(nil, nil), false, nil)
	_, err := f.Fit(context.Background(), Request{Model: ModelHomography, Source: square()[:2], Target: square()[:2]})
	assert.ErrorIs(t, err, ErrInvalidInput)
}
