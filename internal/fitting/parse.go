package fitting

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"tiepoint/internal/geometry"
)

// ParseHomographyLine parses one line of external solver output:
//
//	line   := label ':' [ident] '(' group+ ')'
//	group  := '(' number { (',' | ws) number } ')'
//
// Exactly nine numbers must appear across the groups; they fill the matrix
// row-major. Both "result: ((1)(0)(0)(0)(1)(0)(0)(0)(1))" and
// "Homography: Matrix3x3((1,0,0)(0,1,0)(0,0,1))" are accepted.
func ParseHomographyLine(line string) (geometry.Transform, error) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return geometry.Transform{}, fmt.Errorf("%w: no ':' delimiter in %q", ErrMalformedOutput, line)
	}
	sc := &matrixScanner{src: line[idx+1:]}
	values, err := sc.parse()
	if err != nil {
		return geometry.Transform{}, fmt.Errorf("%w: %v in %q", ErrMalformedOutput, err, line)
	}
	if len(values) != 9 {
		return geometry.Transform{}, fmt.Errorf("%w: expected 9 values, got %d in %q", ErrMalformedOutput, len(values), line)
	}
	var t geometry.Transform
	copy(t[:], values)
	return t, nil
}

type matrixScanner struct {
	src string
	pos int
}

func (s *matrixScanner) parse() ([]float64, error) {
	s.skipSpace()
	s.skipIdent()
	s.skipSpace()
	if !s.consume('(') {
		return nil, s.errorf("expected '('")
	}

	var values []float64
	groups := 0
	for {
		s.skipSpace()
		if s.consume(')') {
			break
		}
		if !s.consume('(') {
			return nil, s.errorf("expected '(' or ')'")
		}
		group, err := s.group()
		if err != nil {
			return nil, err
		}
		values = append(values, group...)
		groups++
	}
	if groups == 0 {
		return nil, s.errorf("no value groups")
	}
	s.skipSpace()
	if s.pos != len(s.src) {
		return nil, s.errorf("trailing text %q", s.src[s.pos:])
	}
	return values, nil
}

// group reads numbers up to and including the closing ')'.
func (s *matrixScanner) group() ([]float64, error) {
	var out []float64
	for {
		s.skipSeparators()
		if s.consume(')') {
			if len(out) == 0 {
				return nil, s.errorf("empty group")
			}
			return out, nil
		}
		if s.pos >= len(s.src) {
			return nil, s.errorf("unterminated group")
		}
		start := s.pos
		for s.pos < len(s.src) && !isDelimiter(s.src[s.pos]) {
			s.pos++
		}
		tok := s.src[start:s.pos]
		if tok == "" {
			return nil, s.errorf("unexpected %q", s.src[s.pos])
		}
		if !isDecimal(tok) {
			return nil, fmt.Errorf("invalid number %q", tok)
		}
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("invalid number %q", tok)
		}
		out = append(out, v)
	}
}

// isDecimal reports whether tok uses only plain decimal notation. It keeps
// ParseFloat from accepting hex floats, digit underscores, Inf and NaN.
func isDecimal(tok string) bool {
	for i := 0; i < len(tok); i++ {
		switch c := tok[i]; {
		case c >= '0' && c <= '9', c == '+', c == '-', c == '.', c == 'e', c == 'E':
		default:
			return false
		}
	}
	return true
}

func (s *matrixScanner) skipSpace() {
	for s.pos < len(s.src) && unicode.IsSpace(rune(s.src[s.pos])) {
		s.pos++
	}
}

func (s *matrixScanner) skipSeparators() {
	for s.pos < len(s.src) && (s.src[s.pos] == ',' || unicode.IsSpace(rune(s.src[s.pos]))) {
		s.pos++
	}
}

func (s *matrixScanner) skipIdent() {
	if s.pos >= len(s.src) || !isLetter(s.src[s.pos]) {
		return
	}
	for s.pos < len(s.src) && (isLetter(s.src[s.pos]) || (s.src[s.pos] >= '0' && s.src[s.pos] <= '9')) {
		s.pos++
	}
}

func (s *matrixScanner) consume(c byte) bool {
	if s.pos < len(s.src) && s.src[s.pos] == c {
		s.pos++
		return true
	}
	return false
}

func (s *matrixScanner) errorf(format string, args ...any) error {
	return fmt.Errorf("at offset %d: %s", s.pos, fmt.Sprintf(format, args...))
}

func isDelimiter(c byte) bool {
	return c == '(' || c == ')' || c == ',' || unicode.IsSpace(rune(c))
}

func isLetter(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
