package fitting

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"tiepoint/internal/geometry"
	"tiepoint/internal/matchfile"
)

// ExternalHomography delegates homography fitting to an external executable.
// The executable is invoked as `<Path> <match-file>` and must print one line
// in the ParseHomographyLine grammar.
type ExternalHomography struct {
	Path    string
	TempDir string
	Timeout time.Duration
	Log     *slog.Logger
}

// NewExternalHomography returns a solver for the executable at path.
func NewExternalHomography(path, tempDir string, timeout time.Duration, log *slog.Logger) *ExternalHomography {
	if log == nil {
		log = slog.Default()
	}
	return &ExternalHomography{Path: path, TempDir: tempDir, Timeout: timeout, Log: log}
}

func (e *ExternalHomography) Name() string { return "external-homography" }
func (e *ExternalHomography) Model() Model { return ModelHomography }

// IsAvailable reports whether Path resolves to an executable.
func (e *ExternalHomography) IsAvailable() bool {
	if e.Path == "" {
		return false
	}
	_, err := exec.LookPath(e.Path)
	return err == nil
}

func (e *ExternalHomography) Solve(ctx context.Context, source, target []geometry.Point2D) (geometry.Transform, error) {
	if err := checkPairs(source, target, ModelHomography.MinPairs()); err != nil {
		return geometry.Transform{}, err
	}
	if e.Path == "" {
		return geometry.Transform{}, &ExternalSolverError{ExitCode: -1, Err: errors.New("no executable configured")}
	}

	if e.TempDir != "" {
		if err := os.MkdirAll(e.TempDir, 0755); err != nil {
			return geometry.Transform{}, fmt.Errorf("create temp dir: %w", err)
		}
	}
	f, err := os.CreateTemp(e.TempDir, "tiepoint-*.match")
	if err != nil {
		return geometry.Transform{}, fmt.Errorf("create match file: %w", err)
	}
	matchPath := f.Name()
	defer os.Remove(matchPath)

	if err := matchfile.Write(f, source, target); err != nil {
		f.Close()
		return geometry.Transform{}, fmt.Errorf("write match file: %w", err)
	}
	if err := f.Close(); err != nil {
		return geometry.Transform{}, fmt.Errorf("write match file: %w", err)
	}

	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.Path, matchPath)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	output := combineOutput(stdout.String(), stderr.String())
	e.Log.Debug("external solver finished",
		"path", e.Path,
		"points", len(source),
		"duration_ms", time.Since(start).Milliseconds(),
		"error", runErr,
	)

	if runErr != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			runErr = fmt.Errorf("%w (%v)", ctxErr, runErr)
		}
		return geometry.Transform{}, &ExternalSolverError{Path: e.Path, ExitCode: exitCode, Output: output, Err: runErr}
	}

	t, err := ParseHomographyLine(firstLine(stdout.String()))
	if err != nil {
		return geometry.Transform{}, &ExternalSolverError{Path: e.Path, ExitCode: 0, Output: output, Err: err}
	}
	return t, nil
}

// firstLine returns the first non-blank line of out.
func firstLine(out string) string {
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

func combineOutput(stdout, stderr string) string {
	stdout = strings.TrimSpace(stdout)
	stderr = strings.TrimSpace(stderr)
	switch {
	case stderr == "":
		return stdout
	case stdout == "":
		return stderr
	default:
		return stdout + "\n" + stderr
	}
}
