package tasks

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"tiepoint/internal/geometry"
	"tiepoint/internal/matchfile"
)

// TiePointSet is a named correspondence pair: Source[i] matches Target[i].
type TiePointSet struct {
	Name   string             `json:"name,omitempty"`
	Source []geometry.Point2D `json:"source"`
	Target []geometry.Point2D `json:"target"`
}

// pointList decodes either [[x, y], ...] or [{"x": .., "y": ..}, ...].
type pointList []geometry.Point2D

func (p *pointList) UnmarshalJSON(data []byte) error {
	var pairs [][]float64
	if err := json.Unmarshal(data, &pairs); err == nil {
		out := make([]geometry.Point2D, len(pairs))
		for i, pair := range pairs {
			if len(pair) != 2 {
				return fmt.Errorf("point %d has %d coordinates, want 2", i, len(pair))
			}
			out[i] = geometry.Pt(pair[0], pair[1])
		}
		*p = out
		return nil
	}
	var objs []geometry.Point2D
	if err := json.Unmarshal(data, &objs); err != nil {
		return fmt.Errorf("points must be [x, y] pairs or {x, y} objects: %w", err)
	}
	*p = objs
	return nil
}

type tiePointDoc struct {
	Name   string    `json:"name"`
	Source pointList `json:"source"`
	Target pointList `json:"target"`
}

// DecodeTiePoints reads a JSON tie-point document.
func DecodeTiePoints(r io.Reader) (TiePointSet, error) {
	var doc tiePointDoc
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return TiePointSet{}, fmt.Errorf("decode tie points: %w", err)
	}
	if len(doc.Source) == 0 && len(doc.Target) == 0 {
		return TiePointSet{}, errors.New("decode tie points: no source or target points")
	}
	return TiePointSet{Name: doc.Name, Source: doc.Source, Target: doc.Target}, nil
}

// LoadTiePoints reads a tie-point file: JSON documents or binary .match
// files. Length mismatches are left for the solvers to report.
func LoadTiePoints(path string) (TiePointSet, error) {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	switch strings.ToLower(filepath.Ext(path)) {
	case ".match":
		src, dst, err := matchfile.ReadFile(path)
		if err != nil {
			return TiePointSet{}, err
		}
		return TiePointSet{Name: name, Source: src, Target: dst}, nil
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return TiePointSet{}, err
		}
		set, err := DecodeTiePoints(bytes.NewReader(data))
		if err != nil {
			return TiePointSet{}, fmt.Errorf("%s: %w", path, err)
		}
		if set.Name == "" {
			set.Name = name
		}
		return set, nil
	}
}

// SaveTiePoints writes set as JSON, or as a .match file when path ends in
// .match.
func SaveTiePoints(path string, set TiePointSet) error {
	if strings.EqualFold(filepath.Ext(path), ".match") {
		return matchfile.WriteFile(path, set.Source, set.Target)
	}
	data, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}
