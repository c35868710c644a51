package grouping

import (
	"math"

	"github.com/kozaktomas/face-grouper/internal/apperr"
	"github.com/kozaktomas/face-grouper/internal/database"
	"github.com/m-mizutani/goerr/v2"
)

// DefaultDistanceThreshold is the cosine distance below which a face joins a group.
const DefaultDistanceThreshold = 0.6

// Decision is the outcome of Engine.Assign.
type Decision struct {
	// NewGroup is true when no group was close enough and a new one must be created.
	NewGroup bool
	// GroupID is the matched group; empty when NewGroup is true.
	GroupID string
	// Distance is the smallest member distance seen across all groups,
	// +Inf when there was nothing to compare against.
	Distance float64
}

// Engine assigns vectors to groups by nearest-member (single-linkage) cosine distance.
// It holds no state besides the threshold and is safe for concurrent use.
type Engine struct {
	threshold float64
}

// NewEngine creates an engine with the given distance threshold.
func NewEngine(threshold float64) (*Engine, error) {
	if math.IsNaN(threshold) || threshold <= 0 {
		return nil, goerr.Wrap(apperr.ErrInvalidInput, "distance threshold must be positive",
			goerr.V("threshold", threshold),
		)
	}
	return &Engine{threshold: threshold}, nil
}

// Threshold returns the configured distance threshold.
func (e *Engine) Threshold() float64 {
	return e.threshold
}

// Assign decides where vector belongs given a snapshot of existing groups.
// Every member of every group is compared (full scan). The group holding the
// globally nearest member wins if that distance is strictly below the threshold;
// on an exact tie the group that comes first in the snapshot wins.
func (e *Engine) Assign(vector []float32, groups []database.GroupMembers) (Decision, error) {
	if len(vector) == 0 {
		return Decision{}, goerr.Wrap(apperr.ErrInvalidInput, "empty vector")
	}

	best := Decision{NewGroup: true, Distance: math.Inf(1)}
	bestGroup := ""

	for _, g := range groups {
		groupMin := math.Inf(1)
		for _, member := range g.Vectors {
			if len(member) != len(vector) {
				return Decision{}, goerr.Wrap(apperr.ErrInvalidInput, "vector length does not match stored vectors",
					goerr.V(apperr.GroupIDKey, g.GroupID),
					goerr.V(apperr.WantDimKey, len(member)),
					goerr.V(apperr.GotDimKey, len(vector)),
				)
			}
			d, err := CosineDistance(vector, member)
			if err != nil {
				return Decision{}, err
			}
			groupMin = min(groupMin, d)
		}
		if groupMin < best.Distance {
			best.Distance = groupMin
			bestGroup = g.GroupID
		}
	}

	if bestGroup != "" && best.Distance < e.threshold {
		return Decision{GroupID: bestGroup, Distance: best.Distance}, nil
	}
	return best, nil
}
