package tasks

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"gopkg.in/gographics/imagick.v3/imagick"

	"tiepoint/internal/config"
	"tiepoint/internal/fitting"
	"tiepoint/internal/geometry"
	"tiepoint/internal/matchfile"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadTiePointsJSONForms(t *testing.T) {
	dir := t.TempDir()
	pairs := filepath.Join(dir, "pairs.json")
	writeFile(t, pairs, `{"source": [[0, 0], [1, 2]], "target": [[5, 5], [6, 7]]}`)
	objs := filepath.Join(dir, "objs.json")
	writeFile(t, objs, `{"name": "named", "source": [{"x": 0, "y": 0}], "target": [{"x": 3, "y": 4}]}`)

	set, err := LoadTiePoints(pairs)
	if err != nil {
		t.Fatalf("load pairs: %v", err)
	}
	if set.Name != "pairs" || len(set.Source) != 2 || set.Target[1] != geometry.Pt(6, 7) {
		t.Fatalf("unexpected set %+v", set)
	}

	set, err = LoadTiePoints(objs)
	if err != nil {
		t.Fatalf("load objects: %v", err)
	}
	if set.Name != "named" || set.Target[0] != geometry.Pt(3, 4) {
		t.Fatalf("unexpected set %+v", set)
	}
}

func TestLoadTiePointsRejectsBadJSON(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"three.json":   `{"source": [[0, 0, 1]], "target": [[1, 1]]}`,
		"unknown.json": `{"src": [[0, 0]], "target": [[1, 1]]}`,
		"empty.json":   `{}`,
		"broken.json":  `{"source": [`,
	}
	for name, body := range cases {
		path := filepath.Join(dir, name)
		writeFile(t, path, body)
		if _, err := LoadTiePoints(path); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadTiePointsMatchFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pair.match")
	src := []geometry.Point2D{geometry.Pt(1, 2), geometry.Pt(3, 4)}
	dst := []geometry.Point2D{geometry.Pt(5, 6), geometry.Pt(7, 8)}
	if err := matchfile.WriteFile(path, src, dst); err != nil {
		t.Fatal(err)
	}
	set, err := LoadTiePoints(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if set.Name != "pair" || set.Source[1] != src[1] || set.Target[0] != dst[0] {
		t.Fatalf("unexpected set %+v", set)
	}
}

func TestSaveTiePointsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	set := TiePointSet{Name: "x", Source: []geometry.Point2D{geometry.Pt(1, 1)}, Target: []geometry.Point2D{geometry.Pt(2, 2)}}
	for _, name := range []string{"x.json", "x.match"} {
		path := filepath.Join(dir, name)
		if err := SaveTiePoints(path, set); err != nil {
			t.Fatalf("save %s: %v", name, err)
		}
		got, err := LoadTiePoints(path)
		if err != nil {
			t.Fatalf("load %s: %v", name, err)
		}
		if got.Source[0] != set.Source[0] || got.Target[0] != set.Target[0] {
			t.Fatalf("%s: round trip mismatch %+v", name, got)
		}
	}
}

func realFitter() *fitting.Fitter {
	return fitting.NewFitter(fitting.NewManager(nil, nil), false, nil)
}

func TestFitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shift.json")
	writeFile(t, path, `{"source": [[0,0],[1,0],[0,1]], "target": [[2,3],[3,3],[2,4]]}`)

	fit, err := FitFile(context.Background(), realFitter(), path, fitting.ModelAffine, "")
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	want := geometry.NewTransform([3][3]float64{{1, 0, 2}, {0, 1, 3}, {0, 0, 1}})
	if !fit.Result.Transform.ApproxEqual(want, 1e-9) {
		t.Fatalf("unexpected transform %v", fit.Result.Transform)
	}
	if fit.Name != "shift" || fit.Error() != "" {
		t.Fatalf("unexpected fit %+v", fit)
	}

	_, err = FitFile(context.Background(), realFitter(), path, fitting.ModelHomography, "")
	if !errors.Is(err, fitting.ErrInvalidInput) {
		t.Fatalf("expected invalid input for 3-point homography, got %v", err)
	}
}

type countingFitter struct {
	calls    atomic.Int32
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (c *countingFitter) Fit(ctx context.Context, req fitting.Request) (fitting.Result, error) {
	c.calls.Add(1)
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	if len(req.Source) == 0 {
		return fitting.Result{}, fitting.ErrInvalidInput
	}
	return fitting.Result{Model: req.Model, RMS: float64(len(req.Source))}, nil
}

func TestFitDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.json"), `{"source": [[0,0]], "target": [[1,1]]}`)
	writeFile(t, filepath.Join(dir, "b.json"), `{"source": [[0,0],[1,1],[2,2]], "target": [[1,1],[2,2],[3,3]]}`)
	writeFile(t, filepath.Join(dir, "c.json"), `{"source": [[0,0]`)
	writeFile(t, filepath.Join(dir, "d.json"), `{"source": [[0,0]], "target": [[1,1]]}`)
	writeFile(t, filepath.Join(dir, "skip.txt"), `ignored`)

	f := &countingFitter{}
	res, err := FitDirectory(context.Background(), f, BatchRequest{Dir: dir, Model: fitting.ModelAffine, Parallel: 2})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(res.Fits) != 4 || res.Failed != 1 {
		t.Fatalf("unexpected batch result %+v", res)
	}
	if filepath.Base(res.Fits[2].Path) != "c.json" || res.Fits[2].Err == nil {
		t.Fatalf("expected c.json to fail in order, got %+v", res.Fits[2])
	}
	if res.MeanRMS != (1.0+3.0+1.0)/3 {
		t.Fatalf("unexpected mean rms %v", res.MeanRMS)
	}
	if f.calls.Load() != 3 {
		t.Fatalf("expected 3 fits, got %d", f.calls.Load())
	}
	if f.peak.Load() > 2 {
		t.Fatalf("parallel limit exceeded: %d", f.peak.Load())
	}
}

func TestFitDirectoryEmptyAndCancelled(t *testing.T) {
	dir := t.TempDir()
	if _, err := FitDirectory(context.Background(), &countingFitter{}, BatchRequest{Dir: dir}); err == nil {
		t.Fatalf("expected error for empty directory")
	}

	writeFile(t, filepath.Join(dir, "a.json"), `{"source": [[0,0]], "target": [[1,1]]}`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := FitDirectory(ctx, &countingFitter{}, BatchRequest{Dir: dir}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestCheckTool(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not executable on windows")
	}
	script := filepath.Join(t.TempDir(), "homography_fit")
	writeFile(t, script, "#!/bin/sh\necho 'homography_fit version 1.2'\n")
	if err := os.Chmod(script, 0755); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Fitting.HomographyFitPath = script
	tm := NewToolManager(cfg)

	st := tm.CheckTool("homography_fit")
	if !st.Available || st.Version != "homography_fit version 1.2" || st.Path != script {
		t.Fatalf("unexpected status %+v", st)
	}

	cfg.Fitting.HomographyFitPath = filepath.Join(t.TempDir(), "missing")
	if _, err := tm.RequireTool("homography_fit"); err == nil {
		t.Fatalf("expected missing tool error")
	}
	if len(tm.GetToolStatus()) != len(KnownTools) {
		t.Fatalf("expected a status per known tool")
	}
}

func TestExtractVersion(t *testing.T) {
	if got := extractVersion("Usage: x\nVersion: 7.1.0\n"); got != "Version: 7.1.0" {
		t.Fatalf("unexpected %q", got)
	}
	if got := extractVersion("tool 3\n"); got != "tool 3" {
		t.Fatalf("unexpected %q", got)
	}
	if got := extractVersion(""); got != "unknown" {
		t.Fatalf("unexpected %q", got)
	}
}

func TestFileSystemWatcherDebounces(t *testing.T) {
	dir := t.TempDir()
	w, err := NewFileSystemWatcher([]string{dir}, []string{".json"}, 50*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	path := filepath.Join(dir, "new.json")
	for i := 0; i < 3; i++ {
		writeFile(t, path, strings.Repeat("x", i+1))
	}
	writeFile(t, filepath.Join(dir, "ignored.txt"), "x")

	select {
	case ev := <-w.Events:
		if ev.Path != path || ev.Operation != "created" || ev.Size != 3 {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no event received")
	}

	select {
	case ev := <-w.Events:
		t.Fatalf("expected a single coalesced event, got extra %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDistortionFor(t *testing.T) {
	affine := geometry.NewTransform([3][3]float64{{1, 2, 3}, {4, 5, 6}, {0, 0, 1}})
	method, args, name := distortionFor(affine)
	if method != imagick.DISTORTION_AFFINE_PROJECTION || name != "affine" {
		t.Fatalf("expected affine projection, got %v %s", method, name)
	}
	want := []float64{1, 4, 2, 5, 3, 6}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("affine args %v, want %v", args, want)
		}
	}

	persp := geometry.NewTransform([3][3]float64{{2, 0, 0}, {0, 2, 0}, {0.01, 0, 2}})
	method, args, name = distortionFor(persp)
	if method != imagick.DISTORTION_PERSPECTIVE_PROJECTION || name != "perspective" || len(args) != 8 {
		t.Fatalf("expected perspective projection, got %v %s %v", method, name, args)
	}
	if args[0] != 1 || args[6] != 0.005 {
		t.Fatalf("perspective args not normalized: %v", args)
	}
}

func TestWarpImageValidates(t *testing.T) {
	if _, err := WarpImage(context.Background(), WarpRequest{Input: "a.png", Output: "b.png"}); err == nil {
		t.Fatalf("expected singular transform error")
	}
	if _, err := WarpImage(context.Background(), WarpRequest{Transform: geometry.Identity()}); err == nil {
		t.Fatalf("expected missing path error")
	}
	if _, err := WarpImage(context.Background(), WarpRequest{Input: "pairs.json", Output: "b.png", Transform: geometry.Identity()}); err == nil {
		t.Fatalf("expected unsupported image error")
	}
}
