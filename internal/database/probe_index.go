package database

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/hnsw"
)

// ProbeHit is one approximate neighbour returned by the probe index.
type ProbeHit struct {
	ImageID  string
	GroupID  string
	Distance float64
}

// ProbeIndex wraps an HNSW graph over every stored face for fast,
// approximate inspection queries. It is never used to decide group membership.
type ProbeIndex struct {
	graph      *hnsw.Graph[string]
	imageToGrp map[string]string // Maps HNSW node key (image ID) to group ID
	dim        int
	mu         sync.RWMutex
}

// NewProbeIndex creates a new empty probe index.
func NewProbeIndex() *ProbeIndex {
	return &ProbeIndex{
		imageToGrp: make(map[string]string),
	}
}

func newProbeGraph() *hnsw.Graph[string] {
	g := hnsw.NewGraph[string]()
	g.M = HNSWMaxNeighbors
	g.Ml = 1.0 / float64(HNSWMaxNeighbors) // Standard HNSW formula
	g.EfSearch = HNSWEfSearch
	g.Distance = probeDistance
	return g
}

// Add indexes one stored embedding. Vectors whose length differs from the
// first indexed vector are rejected.
func (p *ProbeIndex) Add(emb StoredEmbedding) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addLocked(emb)
}

func (p *ProbeIndex) addLocked(emb StoredEmbedding) error {
	if len(emb.Embedding) == 0 {
		return nil
	}
	if p.graph == nil {
		p.graph = newProbeGraph()
		p.dim = len(emb.Embedding)
	}
	if len(emb.Embedding) != p.dim {
		return fmt.Errorf("probe index: vector length %d, index holds %d", len(emb.Embedding), p.dim)
	}
	if _, exists := p.imageToGrp[emb.ImageID]; exists {
		return nil
	}

	p.graph.Add(hnsw.MakeNode(emb.ImageID, emb.Embedding))
	p.imageToGrp[emb.ImageID] = emb.GroupID
	return nil
}

// Search returns up to k approximate nearest stored faces.
func (p *ProbeIndex) Search(query []float32, k int) ([]ProbeHit, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.graph == nil {
		return nil, nil
	}
	if len(query) != p.dim {
		return nil, fmt.Errorf("probe index: query length %d, index holds %d", len(query), p.dim)
	}
	if k <= 0 {
		return nil, errors.New("probe index: k must be positive")
	}

	neighbors := p.graph.Search(query, k)
	hits := make([]ProbeHit, 0, len(neighbors))
	for _, n := range neighbors {
		hits = append(hits, ProbeHit{
			ImageID:  n.Key,
			GroupID:  p.imageToGrp[n.Key],
			Distance: CosineDistance(query, n.Value),
		})
	}
	return hits, nil
}

// Count returns the number of indexed faces.
func (p *ProbeIndex) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.imageToGrp)
}

// BuildProbeIndex loads every stored embedding from reader into a new index.
func BuildProbeIndex(ctx context.Context, reader GroupReader) (*ProbeIndex, error) {
	idx := NewProbeIndex()
	idx.mu.Lock()
	defer idx.mu.Unlock()

	err := reader.ListEmbeddings(ctx, func(emb StoredEmbedding) error {
		return idx.addLocked(emb)
	})
	if err != nil {
		return nil, fmt.Errorf("building probe index: %w", err)
	}
	return idx, nil
}
