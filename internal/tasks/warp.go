package tasks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/gographics/imagick.v3/imagick"

	"tiepoint/internal/fsutil"
	"tiepoint/internal/geometry"
)

// WarpRequest resamples Input through Transform into Output.
type WarpRequest struct {
	Input     string
	Output    string
	Transform geometry.Transform
	// Bestfit grows the canvas to hold the whole warped image instead of
	// keeping the input geometry.
	Bestfit bool
}

// WarpResult describes the written image.
type WarpResult struct {
	Output     string        `json:"output"`
	Projection string        `json:"projection"`
	Width      uint          `json:"width"`
	Height     uint          `json:"height"`
	Duration   time.Duration `json:"duration"`
}

var imagickOnce sync.Once

// distortionFor picks the ImageMagick projection for t. Transforms with a
// [0 0 1] bottom row use the six-term affine projection, everything else the
// eight-term perspective projection.
func distortionFor(t geometry.Transform) (imagick.DistortImageMethod, []float64, string) {
	if t.IsAffine(1e-12) {
		return imagick.DISTORTION_AFFINE_PROJECTION, t.AffineArgs(), "affine"
	}
	return imagick.DISTORTION_PERSPECTIVE_PROJECTION, t.PerspectiveArgs(), "perspective"
}

// WarpImage applies req.Transform to the input image with ImageMagick and
// writes the result.
func WarpImage(ctx context.Context, req WarpRequest) (WarpResult, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return WarpResult{}, err
	}
	if req.Input == "" || req.Output == "" {
		return WarpResult{}, fmt.Errorf("warp needs an input and an output path")
	}
	if !fsutil.IsImageFile(req.Input) {
		return WarpResult{}, fmt.Errorf("warp: %s is not a supported image", req.Input)
	}
	if _, err := req.Transform.Inverse(); err != nil {
		return WarpResult{}, fmt.Errorf("warp: %w", err)
	}

	// Initialization is process-wide; the teardown is left to process exit
	// since other warps may be running.
	imagickOnce.Do(imagick.Initialize)

	wand := imagick.NewMagickWand()
	defer wand.Destroy()

	if err := wand.ReadImage(req.Input); err != nil {
		return WarpResult{}, fmt.Errorf("read %s: %w", req.Input, err)
	}

	method, args, name := distortionFor(req.Transform)
	if err := wand.DistortImage(method, args, req.Bestfit); err != nil {
		return WarpResult{}, fmt.Errorf("distort %s: %w", req.Input, err)
	}

	if dir := filepath.Dir(req.Output); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return WarpResult{}, err
		}
	}
	if err := wand.WriteImage(req.Output); err != nil {
		return WarpResult{}, fmt.Errorf("write %s: %w", req.Output, err)
	}

	return WarpResult{
		Output:     req.Output,
		Projection: name,
		Width:      wand.GetImageWidth(),
		Height:     wand.GetImageHeight(),
		Duration:   time.Since(start),
	}, nil
}
