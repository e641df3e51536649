package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"tiepoint/internal/fitting"
	"tiepoint/internal/fsutil"
	"tiepoint/internal/geometry"
	"tiepoint/internal/logging"
	"tiepoint/internal/storage"
	"tiepoint/internal/tasks"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log     *slog.Logger
	store   *storage.Store
	fitter  tasks.Fitter
	fitFile fitFileFunc
	fitDir  fitDirFunc
	warp    warpFunc
}

type fitFileFunc func(ctx context.Context, f tasks.Fitter, path string, model fitting.Model, solver string) (tasks.FileFit, error)

type fitDirFunc func(ctx context.Context, f tasks.Fitter, req tasks.BatchRequest) (tasks.BatchResult, error)

type warpFunc func(ctx context.Context, req tasks.WarpRequest) (tasks.WarpResult, error)

func newRouter(logger *slog.Logger, store *storage.Store, fitter *fitting.Fitter) Processor {
	return &router{
		log:     logger,
		store:   store,
		fitter:  fitter,
		fitFile: tasks.FitFile,
		fitDir:  tasks.FitDirectory,
		warp:    tasks.WarpImage,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	if r.fitter == nil && job.Type != JobWarp {
		return Result{Job: job, Error: errors.New("no fitter configured")}
	}
	switch job.Type {
	case JobFit:
		return r.handleFit(ctx, job)
	case JobBatch:
		return r.handleBatch(ctx, job)
	case JobWarp:
		return r.handleWarp(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleFit(ctx context.Context, job Job) Result {
	model, err := modelOption(job.Options)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	solver := getStringOption(job.Options, "solver")

	fit, err := r.fitFile(ctx, r.fitter, job.InputPath, model, solver)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	r.recordFit(job.ID, fit)
	logging.LogFit(r.log, fit.Result.Model.String(), fit.Result.Solver, fit.Result.Points, fit.Result.RMS, fit.Result.Duration, fit.Result.Warnings)

	if fit.Result.Degenerate && getBoolOption(job.Options, "strict") {
		err := fmt.Errorf("%w: fit of %s is degenerate", fitting.ErrDegenerate, job.InputPath)
		return Result{Job: job, Error: err, Meta: FitMeta(fit.Result)}
	}
	if job.Output != "" {
		if err := writeJSON(job.Output, fit.Result); err != nil {
			return Result{Job: job, Error: err, Meta: FitMeta(fit.Result)}
		}
	}
	return Result{Job: job, Meta: FitMeta(fit.Result)}
}

func (r *router) handleBatch(ctx context.Context, job Job) Result {
	model, err := modelOption(job.Options)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	req := tasks.BatchRequest{
		Dir:        job.InputPath,
		Model:      model,
		Solver:     getStringOption(job.Options, "solver"),
		Extensions: getStringsOption(job.Options, "extensions"),
		Parallel:   getIntOption(job.Options, "parallel"),
	}

	res, err := r.fitDir(ctx, r.fitter, req)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	files := make([]map[string]any, 0, len(res.Fits))
	for _, fit := range res.Fits {
		entry := map[string]any{"path": fit.Path}
		if fit.Err != nil {
			entry["error"] = fit.Error()
		} else {
			r.recordFit(job.ID, fit)
			entry["rms"] = fit.Result.RMS
			entry["solver"] = fit.Result.Solver
			entry["matrix"] = fit.Result.Transform.Rows()
			if len(fit.Result.Warnings) > 0 {
				entry["warnings"] = fit.Result.Warnings
			}
		}
		files = append(files, entry)
	}
	meta := map[string]any{
		"model":       model.String(),
		"files":       files,
		"file_count":  len(res.Fits),
		"failed":      res.Failed,
		"mean_rms":    res.MeanRMS,
		"duration_ms": res.Duration.Milliseconds(),
	}

	if job.Output != "" {
		if err := writeJSON(job.Output, res); err != nil {
			return Result{Job: job, Error: err, Meta: meta}
		}
	}
	if res.Failed == len(res.Fits) {
		return Result{Job: job, Error: fmt.Errorf("all %d fits failed", res.Failed), Meta: meta}
	}
	return Result{Job: job, Meta: meta}
}

// handleWarp resamples the image at job.InputPath. The transform comes from a
// "matrix" option (nine row-major values) or is fitted from the tie-point
// file named by the "tiepoints" option.
func (r *router) handleWarp(ctx context.Context, job Job) Result {
	var (
		t    geometry.Transform
		meta = map[string]any{}
	)
	if values, ok := getFloatsOption(job.Options, "matrix"); ok {
		if len(values) != 9 {
			return Result{Job: job, Error: fmt.Errorf("matrix option needs 9 values, got %d", len(values))}
		}
		copy(t[:], values)
	} else {
		tiePath := getStringOption(job.Options, "tiepoints")
		if tiePath == "" {
			return Result{Job: job, Error: errors.New("warp needs a matrix or a tiepoints option")}
		}
		if r.fitter == nil {
			return Result{Job: job, Error: errors.New("no fitter configured")}
		}
		model, err := modelOption(job.Options)
		if err != nil {
			return Result{Job: job, Error: err}
		}
		fit, err := r.fitFile(ctx, r.fitter, tiePath, model, getStringOption(job.Options, "solver"))
		if err != nil {
			return Result{Job: job, Error: err}
		}
		r.recordFit(job.ID, fit)
		t = fit.Result.Transform
		meta = FitMeta(fit.Result)
	}

	output := job.Output
	if output == "" {
		output = fsutil.SiblingPath(job.InputPath, "", ".warped"+filepath.Ext(job.InputPath))
	}
	res, err := r.warp(ctx, tasks.WarpRequest{
		Input:     job.InputPath,
		Output:    output,
		Transform: t,
		Bestfit:   getBoolOption(job.Options, "bestfit"),
	})
	meta["output"] = res.Output
	meta["projection"] = res.Projection
	meta["width"] = res.Width
	meta["height"] = res.Height
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) recordFit(jobID string, fit tasks.FileFit) {
	if r.store == nil {
		return
	}
	err := r.store.RecordFit(storage.FitRecord{
		JobID:       jobID,
		Source:      fit.Path,
		Model:       fit.Result.Model.String(),
		Solver:      fit.Result.Solver,
		Matrix:      fit.Result.Transform,
		Points:      fit.Result.Points,
		RMS:         fit.Result.RMS,
		MaxResidual: fit.Result.MaxResidual,
		Degenerate:  fit.Result.Degenerate,
		Warnings:    fit.Result.Warnings,
		Duration:    fit.Result.Duration,
	})
	if err != nil {
		r.log.Warn("failed to record fit", "job", jobID, "path", fit.Path, "error", err)
	}
}

// FitMeta flattens a fit result into job metadata.
func FitMeta(res fitting.Result) map[string]any {
	meta := map[string]any{
		"model":        res.Model.String(),
		"solver":       res.Solver,
		"matrix":       res.Transform.Rows(),
		"points":       res.Points,
		"rms":          res.RMS,
		"max_residual": res.MaxResidual,
		"degenerate":   res.Degenerate,
	}
	if len(res.Warnings) > 0 {
		meta["warnings"] = res.Warnings
	}
	return meta
}

func modelOption(options map[string]any) (fitting.Model, error) {
	switch v := options["model"].(type) {
	case nil:
		return fitting.ModelAffine, nil
	case fitting.Model:
		return v, nil
	case string:
		if v == "" {
			return fitting.ModelAffine, nil
		}
		return fitting.ParseModel(v)
	default:
		return 0, fmt.Errorf("%w: model option has type %T", fitting.ErrInvalidInput, v)
	}
}
