// Package grouping decides which identity group a face embedding belongs to.
package grouping

import (
	"github.com/kozaktomas/face-grouper/internal/apperr"
	"github.com/kozaktomas/face-grouper/internal/database"
	"github.com/m-mizutani/goerr/v2"
)

// ZeroVectorDistance is the distance reported when either vector has zero magnitude.
const ZeroVectorDistance = database.ZeroVectorDistance

// CosineDistance computes 1 - cosine similarity of two equal-length vectors.
// The result lies in [0, 2]; a zero vector on either side yields ZeroVectorDistance.
func CosineDistance(a, b []float32) (float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, goerr.Wrap(apperr.ErrInvalidInput, "empty vector")
	}
	if len(a) != len(b) {
		return 0, goerr.Wrap(apperr.ErrInvalidInput, "vector length mismatch",
			goerr.V(apperr.WantDimKey, len(b)),
			goerr.V(apperr.GotDimKey, len(a)),
		)
	}
	return database.CosineDistance(a, b), nil
}
