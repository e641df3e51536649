// Package matchfile reads and writes the binary match files consumed by the
// homography_fit executable: two counts followed by the interest points of
// the first image and then those of the second, all little-endian.
package matchfile

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"tiepoint/internal/geometry"
)

const (
	maxPoints     = 1 << 24
	maxDescriptor = 1 << 16
)

// ErrLengthMismatch is returned when the two point lists differ in length.
var ErrLengthMismatch = errors.New("matchfile: point lists differ in length")

// InterestPoint is one match-file record.
type InterestPoint struct {
	X, Y        float32
	IX, IY      int32
	Orientation float32
	Scale       float32
	Interest    float32
	Polarity    bool
	Octave      uint32
	ScaleLevel  uint32
	Descriptor  []float32
}

// record is the fixed-size prefix of an interest point on disk.
type record struct {
	X, Y        float32
	IX, IY      int32
	Orientation float32
	Scale       float32
	Interest    float32
	Polarity    uint8
	Octave      uint32
	ScaleLevel  uint32
	DescLen     uint64
}

// FromPoint builds a descriptor-less interest point at p.
func FromPoint(p geometry.Point2D) InterestPoint {
	return InterestPoint{
		X:     float32(p.X),
		Y:     float32(p.Y),
		IX:    int32(math.Round(p.X)),
		IY:    int32(math.Round(p.Y)),
		Scale: 1,
	}
}

// Location returns the subpixel position of the point.
func (ip InterestPoint) Location() geometry.Point2D {
	return geometry.Point2D{X: float64(ip.X), Y: float64(ip.Y)}
}

// Locations extracts the positions of ips in order.
func Locations(ips []InterestPoint) []geometry.Point2D {
	out := make([]geometry.Point2D, len(ips))
	for i, ip := range ips {
		out[i] = ip.Location()
	}
	return out
}

// Write serializes the correspondence pair source[i] <-> target[i].
func Write(w io.Writer, source, target []geometry.Point2D) error {
	if len(source) != len(target) {
		return fmt.Errorf("%w: %d vs %d", ErrLengthMismatch, len(source), len(target))
	}
	ip1 := make([]InterestPoint, len(source))
	ip2 := make([]InterestPoint, len(target))
	for i := range source {
		ip1[i] = FromPoint(source[i])
		ip2[i] = FromPoint(target[i])
	}
	return WriteInterestPoints(w, ip1, ip2)
}

// WriteInterestPoints serializes two matched interest point lists.
func WriteInterestPoints(w io.Writer, ip1, ip2 []InterestPoint) error {
	if len(ip1) != len(ip2) {
		return fmt.Errorf("%w: %d vs %d", ErrLengthMismatch, len(ip1), len(ip2))
	}
	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, [2]uint64{uint64(len(ip1)), uint64(len(ip2))}); err != nil {
		return err
	}
	for _, list := range [][]InterestPoint{ip1, ip2} {
		for _, ip := range list {
			if err := writePoint(bw, ip); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

func writePoint(w io.Writer, ip InterestPoint) error {
	rec := record{
		X: ip.X, Y: ip.Y,
		IX: ip.IX, IY: ip.IY,
		Orientation: ip.Orientation,
		Scale:       ip.Scale,
		Interest:    ip.Interest,
		Octave:      ip.Octave,
		ScaleLevel:  ip.ScaleLevel,
		DescLen:     uint64(len(ip.Descriptor)),
	}
	if ip.Polarity {
		rec.Polarity = 1
	}
	if err := binary.Write(w, binary.LittleEndian, rec); err != nil {
		return err
	}
	if len(ip.Descriptor) == 0 {
		return nil
	}
	return binary.Write(w, binary.LittleEndian, ip.Descriptor)
}

// WriteFile writes the correspondence pair to path.
func WriteFile(path string, source, target []geometry.Point2D) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, source, target); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Read parses a match file into its two interest point lists.
func Read(r io.Reader) ([]InterestPoint, []InterestPoint, error) {
	br := bufio.NewReader(r)
	var counts [2]uint64
	if err := binary.Read(br, binary.LittleEndian, &counts); err != nil {
		return nil, nil, fmt.Errorf("matchfile: read header: %w", err)
	}
	if counts[0] > maxPoints || counts[1] > maxPoints {
		return nil, nil, fmt.Errorf("matchfile: implausible point counts %d/%d", counts[0], counts[1])
	}
	if counts[0] != counts[1] {
		return nil, nil, fmt.Errorf("%w: %d vs %d", ErrLengthMismatch, counts[0], counts[1])
	}

	// The header is untrusted; lists grow only as records actually arrive.
	lists := make([][]InterestPoint, 2)
	for l := range lists {
		lists[l] = make([]InterestPoint, 0, min(counts[l], 1024))
		for i := uint64(0); i < counts[l]; i++ {
			ip, err := readPoint(br)
			if err != nil {
				return nil, nil, fmt.Errorf("matchfile: point %d of list %d: %w", i, l+1, err)
			}
			lists[l] = append(lists[l], ip)
		}
	}
	return lists[0], lists[1], nil
}

func readPoint(r io.Reader) (InterestPoint, error) {
	var rec record
	if err := binary.Read(r, binary.LittleEndian, &rec); err != nil {
		return InterestPoint{}, err
	}
	if rec.DescLen > maxDescriptor {
		return InterestPoint{}, fmt.Errorf("descriptor length %d too large", rec.DescLen)
	}
	ip := InterestPoint{
		X: rec.X, Y: rec.Y,
		IX: rec.IX, IY: rec.IY,
		Orientation: rec.Orientation,
		Scale:       rec.Scale,
		Interest:    rec.Interest,
		Polarity:    rec.Polarity != 0,
		Octave:      rec.Octave,
		ScaleLevel:  rec.ScaleLevel,
	}
	if rec.DescLen > 0 {
		ip.Descriptor = make([]float32, rec.DescLen)
		if err := binary.Read(r, binary.LittleEndian, ip.Descriptor); err != nil {
			return InterestPoint{}, err
		}
	}
	return ip, nil
}

// ReadFile reads the match file at path and returns the point locations of
// both images.
func ReadFile(path string) ([]geometry.Point2D, []geometry.Point2D, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	ip1, ip2, err := Read(f)
	if err != nil {
		return nil, nil, err
	}
	return Locations(ip1), Locations(ip2), nil
}
