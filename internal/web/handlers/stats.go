package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/kozaktomas/face-grouper/internal/grouping"
)

const statsCacheTTL = 10 * time.Second

// statsCache holds cached stats with expiry
type statsCache struct {
	mu        sync.RWMutex
	data      *StatsResponse
	expiresAt time.Time
}

func (c *statsCache) get() (*StatsResponse, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.data == nil || time.Now().After(c.expiresAt) {
		return nil, false
	}
	return c.data, true
}

func (c *statsCache) set(data *StatsResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = data
	c.expiresAt = time.Now().Add(statsCacheTTL)
}

func (c *statsCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = nil
}

// StatsHandler handles statistics endpoints
type StatsHandler struct {
	service *grouping.Service
	backend string
	cache   statsCache
}

// NewStatsHandler creates a new stats handler
func NewStatsHandler(svc *grouping.Service, backend string) *StatsHandler {
	return &StatsHandler{
		service: svc,
		backend: backend,
	}
}

// InvalidateCache clears the cached stats so the next request fetches fresh data
func (h *StatsHandler) InvalidateCache() {
	h.cache.invalidate()
}

// StatsResponse represents the statistics response
type StatsResponse struct {
	TotalGroups       int     `json:"total_groups"`
	TotalEmbeddings   int     `json:"total_embeddings"`
	EmbeddingDim      int     `json:"embedding_dim"`
	DistanceThreshold float64 `json:"distance_threshold"`
	Backend           string  `json:"backend"`
	ProbeIndexEnabled bool    `json:"probe_index_enabled"`
	ProbeIndexSize    int     `json:"probe_index_size"`
}

// Get returns store counts and engine settings.
func (h *StatsHandler) Get(w http.ResponseWriter, r *http.Request) {
	if cached, ok := h.cache.get(); ok {
		respondJSON(w, http.StatusOK, cached)
		return
	}

	st, err := h.service.Stats(r.Context())
	if err != nil {
		handleError(w, r, err)
		return
	}

	resp := &StatsResponse{
		TotalGroups:       st.Groups,
		TotalEmbeddings:   st.Embeddings,
		EmbeddingDim:      st.Dim,
		DistanceThreshold: st.Threshold,
		Backend:           h.backend,
		ProbeIndexEnabled: st.ProbeEnabled,
		ProbeIndexSize:    st.ProbeCount,
	}
	h.cache.set(resp)
	respondJSON(w, http.StatusOK, resp)
}
