package geometry

import "math"

// Residuals returns |t(src[i]) - dst[i]| for every pair. Pairs that map to
// infinity get +Inf. The shorter slice bounds the result.
func Residuals(t Transform, src, dst []Point2D) []float64 {
	n := min(len(src), len(dst))
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		p, ok := t.Apply(src[i])
		if !ok {
			out[i] = math.Inf(1)
			continue
		}
		out[i] = p.Distance(dst[i])
	}
	return out
}

// RMS returns the root-mean-square residual of t over the pairs.
func RMS(t Transform, src, dst []Point2D) float64 {
	res := Residuals(t, src, dst)
	if len(res) == 0 {
		return 0
	}
	var sum float64
	for _, r := range res {
		sum += r * r
	}
	return math.Sqrt(sum / float64(len(res)))
}

// MaxResidual returns the largest residual of t over the pairs.
func MaxResidual(t Transform, src, dst []Point2D) float64 {
	var m float64
	for _, r := range Residuals(t, src, dst) {
		if r > m {
			m = r
		}
	}
	return m
}
