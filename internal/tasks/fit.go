package tasks

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"tiepoint/internal/fitting"
	"tiepoint/internal/fsutil"
)

// Fitter is the part of *fitting.Fitter the file tasks need.
type Fitter interface {
	Fit(ctx context.Context, req fitting.Request) (fitting.Result, error)
}

// FileFit is the outcome of fitting one tie-point file. Err is set instead of
// Result when the file could not be loaded or fitted.
type FileFit struct {
	Path   string         `json:"path"`
	Name   string         `json:"name"`
	Result fitting.Result `json:"result"`
	Err    error          `json:"-"`
}

// Error returns the failure message or "".
func (f FileFit) Error() string {
	if f.Err == nil {
		return ""
	}
	return f.Err.Error()
}

// FitFile loads path and fits model to it.
func FitFile(ctx context.Context, f Fitter, path string, model fitting.Model, solver string) (FileFit, error) {
	set, err := LoadTiePoints(path)
	if err != nil {
		return FileFit{Path: path, Err: err}, err
	}
	res, err := f.Fit(ctx, fitting.Request{Model: model, Solver: solver, Source: set.Source, Target: set.Target})
	if err != nil {
		err = fmt.Errorf("%s: %w", path, err)
		return FileFit{Path: path, Name: set.Name, Err: err}, err
	}
	return FileFit{Path: path, Name: set.Name, Result: res}, nil
}

// BatchRequest describes a directory fit.
type BatchRequest struct {
	Dir        string
	Model      fitting.Model
	Solver     string
	Extensions []string
	Parallel   int
}

// BatchResult summarises a directory fit. Fits keeps the file order.
type BatchResult struct {
	Fits     []FileFit     `json:"fits"`
	Failed   int           `json:"failed"`
	MeanRMS  float64       `json:"mean_rms"`
	Duration time.Duration `json:"duration"`
}

// FitDirectory fits every tie-point file under req.Dir with at most
// req.Parallel fits in flight. Per-file failures are collected in the result;
// only cancellation aborts the batch.
func FitDirectory(ctx context.Context, f Fitter, req BatchRequest) (BatchResult, error) {
	start := time.Now()
	files, err := fsutil.ListTiePointFiles(req.Dir, req.Extensions)
	if err != nil {
		return BatchResult{}, err
	}
	if len(files) == 0 {
		return BatchResult{}, fmt.Errorf("no tie-point files found in %s", req.Dir)
	}

	fits := make([]FileFit, len(files))
	g, gctx := errgroup.WithContext(ctx)
	if req.Parallel > 0 {
		g.SetLimit(req.Parallel)
	}
	for i, path := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fits[i], _ = FitFile(gctx, f, path, req.Model, req.Solver)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return BatchResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return BatchResult{}, err
	}

	res := BatchResult{Fits: fits, Duration: time.Since(start)}
	var sum float64
	for _, fit := range fits {
		if fit.Err != nil {
			res.Failed++
			continue
		}
		sum += fit.Result.RMS
	}
	if ok := len(fits) - res.Failed; ok > 0 {
		res.MeanRMS = sum / float64(ok)
	}
	return res, nil
}
