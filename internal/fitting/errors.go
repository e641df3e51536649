package fitting

import (
	"errors"
	"fmt"

	"tiepoint/internal/geometry"
)

// Sentinel errors. Callers match them with errors.Is; the typed errors below
// match their sentinel through Is.
var (
	// ErrInvalidInput covers mismatched sequence lengths and too few pairs.
	ErrInvalidInput = errors.New("fitting: invalid input")

	// ErrDegenerate signals a singular or rank-deficient configuration
	// (coincident, duplicate or collinear points).
	ErrDegenerate = errors.New("fitting: degenerate configuration")

	// ErrExternalSolver signals that the external fitting executable failed.
	ErrExternalSolver = errors.New("fitting: external solver failed")

	// ErrMalformedOutput signals output that does not follow the matrix grammar.
	ErrMalformedOutput = errors.New("fitting: malformed solver output")

	// ErrUnavailable signals that no usable solver is installed for a request.
	ErrUnavailable = errors.New("fitting: solver unavailable")
)

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// checkPairs validates the shared preconditions of every solver.
func checkPairs(source, target []geometry.Point2D, minPairs int) error {
	if len(source) != len(target) {
		return invalidInput("source has %d points, target has %d", len(source), len(target))
	}
	if len(source) < minPairs {
		return invalidInput("need at least %d correspondences, got %d", minPairs, len(source))
	}
	for i := range source {
		if !source[i].IsFinite() || !target[i].IsFinite() {
			return invalidInput("correspondence %d has a non-finite coordinate", i)
		}
	}
	return nil
}

// DegenerateError reports a numerically singular configuration. Rank is the
// numerical rank of the system that was solved and Condition the ratio of its
// largest to smallest singular value (+Inf when singular).
type DegenerateError struct {
	Model     Model
	Rank      int
	Want      int
	Condition float64
}

func (e *DegenerateError) Error() string {
	return fmt.Sprintf("fitting: degenerate %s configuration (rank %d of %d, condition %.3g)",
		e.Model, e.Rank, e.Want, e.Condition)
}

func (e *DegenerateError) Is(target error) bool {
	return target == ErrDegenerate
}

// ExternalSolverError carries the diagnosis of a failed external fit: the
// executable, its exit status (-1 when it never ran or was killed) and the
// raw output it produced.
type ExternalSolverError struct {
	Path     string
	ExitCode int
	Output   string
	Err      error
}

func (e *ExternalSolverError) Error() string {
	msg := fmt.Sprintf("fitting: external solver %s failed (exit %d)", e.Path, e.ExitCode)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExternalSolverError) Is(target error) bool {
	return target == ErrExternalSolver
}

func (e *ExternalSolverError) Unwrap() error {
	return e.Err
}
