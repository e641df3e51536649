package fitting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tiepoint/internal/geometry"
)

// Request is one fit: a model, the correspondence pair and optionally a
// solver name overriding the manager's choice.
type Request struct {
	Model  Model              `json:"model"`
	Solver string             `json:"solver,omitempty"`
	Source []geometry.Point2D `json:"source"`
	Target []geometry.Point2D `json:"target"`
}

// Result is a fitted transform plus its fit statistics.
type Result struct {
	Model       Model              `json:"model"`
	Solver      string             `json:"solver"`
	Transform   geometry.Transform `json:"transform"`
	Points      int                `json:"points"`
	RMS         float64            `json:"rms"`
	MaxResidual float64            `json:"max_residual"`
	Degenerate  bool               `json:"degenerate"`
	Warnings    []string           `json:"warnings,omitempty"`
	Duration    time.Duration      `json:"duration"`
}

// Fitter runs requests through the manager's solvers and applies the
// degeneracy policy: with strict unset a minimum-norm affine fit is kept and
// reported as a warning, otherwise every degenerate fit is an error.
type Fitter struct {
	mgr    *Manager
	strict bool
	log    *slog.Logger
}

// NewFitter creates a Fitter.
func NewFitter(mgr *Manager, strict bool, log *slog.Logger) *Fitter {
	if log == nil {
		log = slog.Default()
	}
	return &Fitter{mgr: mgr, strict: strict, log: log}
}

// Manager returns the solver registry.
func (f *Fitter) Manager() *Manager {
	return f.mgr
}

// Fit solves req.
func (f *Fitter) Fit(ctx context.Context, req Request) (Result, error) {
	var (
		solver Solver
		err    error
	)
	if req.Solver != "" {
		solver, err = f.mgr.Get(req.Solver)
		if err == nil && solver.Model() != req.Model {
			err = fmt.Errorf("%w: solver %q fits %s, not %s", ErrInvalidInput, req.Solver, solver.Model(), req.Model)
		}
	} else {
		solver, err = f.mgr.Select(req.Model)
	}
	if err != nil {
		return Result{}, err
	}

	start := time.Now()
	t, err := solver.Solve(ctx, req.Source, req.Target)
	res := Result{
		Model:  req.Model,
		Solver: solver.Name(),
		Points: len(req.Source),
	}
	if err != nil {
		var degenerate *DegenerateError
		if f.strict || !errors.As(err, &degenerate) || t == (geometry.Transform{}) {
			return Result{}, fmt.Errorf("%s fit: %w", req.Model, err)
		}
		res.Degenerate = true
		res.Warnings = append(res.Warnings, degenerate.Error()+"; using minimum-norm solution")
		f.log.Warn("degenerate configuration", "model", req.Model, "rank", degenerate.Rank, "condition", degenerate.Condition)
	}
	res.Transform = t
	res.Duration = time.Since(start)

	if req.Model == ModelEuclidean {
		if len(req.Source) > 2 {
			res.Warnings = append(res.Warnings, fmt.Sprintf("euclidean fit uses the first 2 of %d correspondences", len(req.Source)))
		}
		// The built-in solver always yields a proper rotation; this catches
		// euclidean solvers registered by callers.
		if t.Det2x2() < 0 {
			res.Warnings = append(res.Warnings, "rotation block has determinant -1 (reflection)")
		}
	}

	res.RMS = geometry.RMS(t, req.Source, req.Target)
	res.MaxResidual = geometry.MaxResidual(t, req.Source, req.Target)
	return res, nil
}
