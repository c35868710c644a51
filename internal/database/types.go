package database

import (
	"encoding/json"
	"time"
)

// StoredGroup represents a face group (one presumed identity).
type StoredGroup struct {
	GroupID   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StoredEmbedding represents one submitted face embedding and the group it was assigned to.
type StoredEmbedding struct {
	ImageID   string
	GroupID   string
	Embedding []float32
	Metadata  json.RawMessage // free-form caller metadata, nil when absent
	CreatedAt time.Time
}

// GroupMembers is one entry of an assignment snapshot: a group and the
// vectors of all of its members, in insertion order.
type GroupMembers struct {
	GroupID string
	Vectors [][]float32
}

// GroupSummary is the monitoring view of a group.
type GroupSummary struct {
	GroupID   string
	Count     int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// GroupDetail is a group together with its members.
type GroupDetail struct {
	StoredGroup
	Members []StoredEmbedding
}

// Vectors returns the member vectors in insertion order.
func (d *GroupDetail) Vectors() [][]float32 {
	out := make([][]float32, len(d.Members))
	for i := range d.Members {
		out[i] = d.Members[i].Embedding
	}
	return out
}

// Stats summarizes store contents.
type Stats struct {
	Groups     int
	Embeddings int
	Dim        int // length of stored vectors, 0 when the store is empty
}
