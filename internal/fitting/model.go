package fitting

import (
	"context"
	"fmt"
	"strings"

	"tiepoint/internal/geometry"
)

// Model enumerates the supported transform families.
type Model int

const (
	ModelEuclidean Model = iota
	ModelAffine
	ModelHomography
)

var modelNames = map[Model]string{
	ModelEuclidean:  "euclidean",
	ModelAffine:     "affine",
	ModelHomography: "homography",
}

func (m Model) String() string {
	if name, ok := modelNames[m]; ok {
		return name
	}
	return fmt.Sprintf("model(%d)", int(m))
}

// MinPairs is the fewest correspondences the model accepts.
func (m Model) MinPairs() int {
	switch m {
	case ModelEuclidean:
		return 2
	case ModelAffine:
		return 1
	default:
		return 4
	}
}

// Unknowns is the number of free parameters of the model.
func (m Model) Unknowns() int {
	switch m {
	case ModelEuclidean:
		return 3
	case ModelAffine:
		return 6
	default:
		return 8
	}
}

// ParseModel accepts the model names plus a few common aliases.
func ParseModel(s string) (Model, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "euclidean", "rigid", "euclid":
		return ModelEuclidean, nil
	case "affine":
		return ModelAffine, nil
	case "homography", "projective", "perspective":
		return ModelHomography, nil
	default:
		return 0, fmt.Errorf("%w: unknown model %q", ErrInvalidInput, s)
	}
}

func (m Model) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Model) UnmarshalText(b []byte) error {
	parsed, err := ParseModel(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Solver fits one transform model to a correspondence pair.
type Solver interface {
	Name() string
	Model() Model
	IsAvailable() bool
	Solve(ctx context.Context, source, target []geometry.Point2D) (geometry.Transform, error)
}
