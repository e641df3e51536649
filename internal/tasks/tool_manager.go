package tasks

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"tiepoint/internal/config"
)

const toolProbeTimeout = 5 * time.Second

// ToolManager reports on the external programs the fitting jobs can use.
type ToolManager struct {
	cfg *config.Config
}

// NewToolManager creates a new tool manager with configuration
func NewToolManager(cfg *config.Config) *ToolManager {
	if cfg == nil {
		cfg = config.Default()
	}
	return &ToolManager{cfg: cfg}
}

// ToolStatus represents the availability of a tool
type ToolStatus struct {
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Path      string `json:"path,omitempty"`
	Error     error  `json:"-"`
}

// KnownTools lists the tools CheckTool understands.
var KnownTools = []string{"homography_fit", "imagemagick"}

// CheckTool verifies if a tool is available and working
func (tm *ToolManager) CheckTool(toolName string) ToolStatus {
	var (
		candidates []string
		versionArg string
	)
	switch toolName {
	case "homography_fit":
		if p := tm.cfg.Fitting.HomographyFitPath; p != "" {
			candidates = []string{p}
		} else {
			candidates = []string{"homography_fit"}
		}
		versionArg = "--version"
	case "imagemagick":
		candidates = []string{"magick", "convert"}
		versionArg = "-version"
	default:
		candidates = []string{toolName}
	}

	var (
		path string
		err  error
	)
	for _, c := range candidates {
		if path, err = exec.LookPath(c); err == nil {
			break
		}
	}
	if err != nil {
		return ToolStatus{Available: false, Error: err}
	}
	if versionArg == "" {
		return ToolStatus{Available: true, Path: path}
	}

	ctx, cancel := context.WithTimeout(context.Background(), toolProbeTimeout)
	defer cancel()
	output, err := exec.CommandContext(ctx, path, versionArg).CombinedOutput()
	if err != nil {
		// A non-zero exit with output still proves the binary runs.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(output) > 0 {
			return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
		}
		return ToolStatus{Available: false, Path: path, Error: err}
	}
	return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
}

// GetToolStatus checks every known tool.
func (tm *ToolManager) GetToolStatus() map[string]ToolStatus {
	status := make(map[string]ToolStatus, len(KnownTools))
	for _, tool := range KnownTools {
		status[tool] = tm.CheckTool(tool)
	}
	return status
}

// RequireTool returns an error naming the tool when it is unavailable.
func (tm *ToolManager) RequireTool(toolName string) (ToolStatus, error) {
	st := tm.CheckTool(toolName)
	if !st.Available {
		return st, fmt.Errorf("%s is not available: %v", toolName, st.Error)
	}
	return st, nil
}

// extractVersion extracts version information from tool output
func extractVersion(output string) string {
	lines := strings.Split(output, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.Contains(line, "version") || strings.Contains(line, "Version") {
			return line
		}
	}
	if len(lines) > 0 && strings.TrimSpace(lines[0]) != "" {
		return strings.TrimSpace(lines[0])
	}
	return "unknown"
}
