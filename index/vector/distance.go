package vector

import (
	"fmt"
	"math"
)

// Metric selects the distance function.
type Metric uint8

const (
	// Cosine distance is 1 - cos(a, b). Vectors are normalized on insert.
	Cosine Metric = iota
	// Euclidean distance is the squared L2 distance.
	Euclidean
)

func (m Metric) String() string {
	switch m {
	case Cosine:
		return "cosine"
	case Euclidean:
		return "euclidean"
	default:
		return fmt.Sprintf("metric(%d)", m)
	}
}

// ParseMetric maps a configuration name to a Metric.
func ParseMetric(s string) (Metric, error) {
	switch s {
	case "", "cosine":
		return Cosine, nil
	case "euclidean", "l2":
		return Euclidean, nil
	default:
		return 0, fmt.Errorf("unknown metric %q", s)
	}
}

func (m Metric) distance(a, b []float32) float32 {
	if m == Euclidean {
		return squaredL2(a, b)
	}
	return 1 - dot(a, b)
}

// Similarity converts a distance into a score where larger is closer. Cosine
// similarity lies in [-1, 1]; Euclidean similarity in (0, 1].
func (m Metric) Similarity(distance float32) float32 {
	if m == Euclidean {
		return 1 / (1 + float32(math.Sqrt(float64(distance))))
	}
	return 1 - distance
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func squaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// Normalize scales v to unit length in place. Zero vectors are left unchanged
// and reported as false.
func Normalize(v []float32) bool {
	n := float32(math.Sqrt(float64(dot(v, v))))
	if n == 0 {
		return false
	}
	for i := range v {
		v[i] /= n
	}
	return true
}
