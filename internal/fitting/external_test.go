package fitting

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiepoint/internal/config"
	"tiepoint/internal/geometry"
	"tiepoint/internal/matchfile"
)

// writeSolver writes an executable shell script standing in for the
// homography_fit tool. The script records its argument in dir/args.
func writeSolver(t *testing.T, body string) (path, dir string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not executable on windows")
	}
	dir = t.TempDir()
	path = filepath.Join(dir, "homography_fit")
	script := "#!/bin/sh\necho \"$1\" > " + filepath.Join(dir, "args") + "\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path, dir
}

func square() []geometry.Point2D {
	return []geometry.Point2D{geometry.Pt(0, 0), geometry.Pt(1, 0), geometry.Pt(1, 1), geometry.Pt(0, 1)}
}

func recordedArg(t *testing.T, dir string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "args"))
	require.NoError(t, err)
	return strings.TrimSpace(string(data))
}

func TestExternalHomographySuccess(t *testing.T) {
	path, dir := writeSolver(t, `echo "Homography: Matrix3x3((2,0,1)(0,2,-1)(0,0,1))"`)
	tmp := t.TempDir()
	solver := NewExternalHomography(path, tmp, 5*time.Second, nil)
	require.True(t, solver.IsAvailable())

	got, err := solver.Solve(context.Background(), square(), square())
	require.NoError(t, err)
	assert.Equal(t, geometry.NewTransform([3][3]float64{{2, 0, 1}, {0, 2, -1}, {0, 0, 1}}), got)

	matchPath := recordedArg(t, dir)
	assert.True(t, strings.HasPrefix(matchPath, tmp), "match file %s outside temp dir", matchPath)
	_, err = os.Stat(matchPath)
	assert.True(t, errors.Is(err, os.ErrNotExist), "match file was not removed")
}

func TestExternalHomographyReceivesMatchFile(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not executable on windows")
	}
	dir := t.TempDir()
	copyPath := filepath.Join(dir, "copy.match")
	path, _ := writeSolver(t, "cp \"$1\" "+copyPath+"\necho 'result: ((1)(0)(0)(0)(1)(0)(0)(0)(1))'")

	src := square()
	dst := []geometry.Point2D{geometry.Pt(10, 10), geometry.Pt(11, 10), geometry.Pt(11, 11), geometry.Pt(10, 11)}
	_, err := NewExternalHomography(path, "", 0, nil).Solve(context.Background(), src, dst)
	require.NoError(t, err)

	gotSrc, gotDst, err := matchfile.ReadFile(copyPath)
	require.NoError(t, err)
	assert.Equal(t, src, gotSrc)
	assert.Equal(t, dst, gotDst)
}

func TestExternalHomographyMalformedOutput(t *testing.T) {
	path, dir := writeSolver(t, `echo "result: ((1)(0)(0)(0)(1)(0)(0)(0))"`)
	_, err := NewExternalHomography(path, t.TempDir(), 0, nil).Solve(context.Background(), square(), square())

	var extErr *ExternalSolverError
	require.ErrorAs(t, err, &extErr)
	assert.Equal(t, 0, extErr.ExitCode)
	assert.Contains(t, extErr.Output, "result:")
	assert.ErrorIs(t, err, ErrExternalSolver)
	assert.ErrorIs(t, err, ErrMalformedOutput)

	_, statErr := os.Stat(recordedArg(t, dir))
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestExternalHomographyNonZeroExit(t *testing.T) {
	path, _ := writeSolver(t, "echo 'cannot fit' >&2\nexit 3")
	_, err := NewExternalHomography(path, t.TempDir(), 0, nil).Solve(context.Background(), square(), square())

	var extErr *ExternalSolverError
	require.ErrorAs(t, err, &extErr)
	assert.Equal(t, 3, extErr.ExitCode)
	assert.Equal(t, "cannot fit", extErr.Output)
	assert.ErrorIs(t, err, ErrExternalSolver)
}

func TestExternalHomographyTimeout(t *testing.T) {
	path, _ := writeSolver(t, "exec sleep 10")
	start := time.Now()
	_, err := NewExternalHomography(path, t.TempDir(), 100*time.Millisecond, nil).Solve(context.Background(), square(), square())

	assert.ErrorIs(t, err, ErrExternalSolver)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExternalHomographyValidatesBeforeRunning(t *testing.T) {
	path, dir := writeSolver(t, "exit 0")
	_, err := NewExternalHomography(path, "", 0, nil).Solve(context.Background(), square()[:3], square()[:3])
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, statErr := os.Stat(filepath.Join(dir, "args"))
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "solver should not have run")
}

func TestExternalHomographyUnavailable(t *testing.T) {
	solver := NewExternalHomography(filepath.Join(t.TempDir(), "missing"), "", 0, nil)
	assert.False(t, solver.IsAvailable())
	assert.False(t, (&ExternalHomography{}).IsAvailable())
}

func TestManagerSelection(t *testing.T) {
	m := NewManager(nil, nil)
	assert.Equal(t, []string{"euclidean", "affine", "native-homography"}, m.Names())

	for model, want := range map[Model]string{
		ModelEuclidean:  "euclidean",
		ModelAffine:     "affine",
		ModelHomography: "native-homography",
	} {
		s, err := m.Select(model)
		require.NoError(t, err)
		assert.Equal(t, want, s.Name())
	}

	_, err := m.Get("nope")
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.NotErrorIs(t, err, ErrUnavailable)
}

func TestManagerPrefersExternal(t *testing.T) {
	path, _ := writeSolver(t, "exit 0")
	m := NewManager(&config.FittingConfig{HomographyFitPath: path, PreferExternal: true}, nil)
	s, err := m.Select(ModelHomography)
	require.NoError(t, err)
	assert.Equal(t, "external-homography", s.Name())

	m = NewManager(&config.FittingConfig{HomographyFitPath: path}, nil)
	s, err = m.Select(ModelHomography)
	require.NoError(t, err)
	assert.Equal(t, "native-homography", s.Name())

	m = NewManager(&config.FittingConfig{HomographyFitPath: filepath.Join(t.TempDir(), "missing"), PreferExternal: true}, nil)
	s, err = m.Select(ModelHomography)
	require.NoError(t, err)
	assert.Equal(t, "native-homography", s.Name(), "falls back when the executable is missing")
	_, err = m.Get("external-homography")
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = (&Manager{}).Select(ModelAffine)
	assert.ErrorIs(t, err, ErrUnavailable)
}
