package grouping

import (
	"github.com/kozaktomas/face-grouper/internal/apperr"
	"github.com/m-mizutani/goerr/v2"
)

// Centroid returns the element-wise mean of vectors.
// Only used for inspection; membership decisions use nearest-member distance.
func Centroid(vectors [][]float32) ([]float32, error) {
	if len(vectors) == 0 {
		return nil, goerr.Wrap(apperr.ErrInvalidInput, "no vectors")
	}

	dim := len(vectors[0])
	sum := make([]float64, dim)
	for _, v := range vectors {
		if len(v) != dim {
			return nil, goerr.Wrap(apperr.ErrInvalidInput, "vector length mismatch",
				goerr.V(apperr.WantDimKey, dim),
				goerr.V(apperr.GotDimKey, len(v)),
			)
		}
		for i, f := range v {
			sum[i] += float64(f)
		}
	}

	out := make([]float32, dim)
	n := float64(len(vectors))
	for i := range sum {
		out[i] = float32(sum[i] / n)
	}
	return out, nil
}
