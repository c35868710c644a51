package handlers

import (
	"encoding/json"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-grouper/internal/apperr"
	"github.com/kozaktomas/face-grouper/internal/constants"
	"github.com/kozaktomas/face-grouper/internal/grouping"
)

// ClustersHandler serves assignment and group inspection endpoints.
type ClustersHandler struct {
	service  *grouping.Service
	onChange func()
}

// NewClustersHandler creates a clusters handler. onChange, if non-nil, runs
// after every successful assignment.
func NewClustersHandler(svc *grouping.Service, onChange func()) *ClustersHandler {
	return &ClustersHandler{service: svc, onChange: onChange}
}

// AddRequest is the body of POST /cluster/add.
type AddRequest struct {
	ImageID   string          `json:"image_id"`
	Embedding []float32       `json:"embedding"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// AddResponse reports where a face was assigned.
type AddResponse struct {
	ImageID    string   `json:"image_id"`
	GroupID    string   `json:"group_id"`
	IsNewGroup bool     `json:"is_new_group"`
	Distance   *float64 `json:"distance,omitempty"`
}

// GroupSummaryResponse is one entry of the cluster listing.
type GroupSummaryResponse struct {
	GroupID   string    `json:"group_id"`
	Count     int       `json:"count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListResponse is the body of GET /clusters.
type ListResponse struct {
	TotalGroups int                    `json:"total_groups"`
	Groups      []GroupSummaryResponse `json:"groups"`
}

// MemberResponse is one face in a group detail.
type MemberResponse struct {
	ImageID   string          `json:"image_id"`
	CreatedAt time.Time       `json:"created_at"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// GroupDetailResponse is the body of GET /clusters/{id}.
type GroupDetailResponse struct {
	GroupID   string           `json:"group_id"`
	Count     int              `json:"count"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
	Members   []MemberResponse `json:"members"`
	Centroid  []float32        `json:"centroid"`
}

// ProbeRequest is the body of POST /clusters/probe.
type ProbeRequest struct {
	Embedding []float32 `json:"embedding"`
	K         int       `json:"k"`
}

// ProbeHitResponse is one approximate neighbour.
type ProbeHitResponse struct {
	ImageID  string  `json:"image_id"`
	GroupID  string  `json:"group_id"`
	Distance float64 `json:"distance"`
}

// ProbeResponse is the body of a probe reply.
type ProbeResponse struct {
	Approximate bool               `json:"approximate"`
	Results     []ProbeHitResponse `json:"results"`
}

// Add assigns one face embedding to a group.
func (h *ClustersHandler) Add(w http.ResponseWriter, r *http.Request) {
	var req AddRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if string(req.Metadata) == "null" {
		req.Metadata = nil
	}

	result, err := h.service.Add(r.Context(), grouping.AddRequest{
		ImageID:   req.ImageID,
		Embedding: req.Embedding,
		Metadata:  req.Metadata,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}

	if h.onChange != nil {
		h.onChange()
	}

	resp := AddResponse{
		ImageID:    result.ImageID,
		GroupID:    result.GroupID,
		IsNewGroup: result.IsNewGroup,
	}
	if !math.IsInf(result.Distance, 0) && !math.IsNaN(result.Distance) {
		d := result.Distance
		resp.Distance = &d
	}
	respondJSON(w, http.StatusOK, resp)
}

// List returns every group with its member count.
func (h *ClustersHandler) List(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.service.Groups(r.Context())
	if err != nil {
		handleError(w, r, err)
		return
	}

	groups := make([]GroupSummaryResponse, 0, len(summaries))
	for _, s := range summaries {
		groups = append(groups, GroupSummaryResponse{
			GroupID:   s.GroupID,
			Count:     s.Count,
			CreatedAt: s.CreatedAt,
			UpdatedAt: s.UpdatedAt,
		})
	}

	respondJSON(w, http.StatusOK, ListResponse{
		TotalGroups: len(groups),
		Groups:      groups,
	})
}

// Get returns one group with its members and centroid.
func (h *ClustersHandler) Get(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "id")
	if groupID == "" {
		respondError(w, http.StatusBadRequest, apperr.KindInvalidInput, "group id is required")
		return
	}

	view, err := h.service.Group(r.Context(), groupID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if view == nil {
		respondError(w, http.StatusNotFound, "not_found", "group not found")
		return
	}

	members := make([]MemberResponse, 0, len(view.Members))
	for _, m := range view.Members {
		members = append(members, MemberResponse{
			ImageID:   m.ImageID,
			CreatedAt: m.CreatedAt,
			Metadata:  m.Metadata,
		})
	}

	respondJSON(w, http.StatusOK, GroupDetailResponse{
		GroupID:   view.GroupID,
		Count:     len(members),
		CreatedAt: view.CreatedAt,
		UpdatedAt: view.UpdatedAt,
		Members:   members,
		Centroid:  view.Centroid,
	})
}

// Probe returns approximate nearest stored faces from the HNSW index.
func (h *ClustersHandler) Probe(w http.ResponseWriter, r *http.Request) {
	var req ProbeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.K == 0 {
		req.K = constants.DefaultProbeK
	}

	hits, err := h.service.Probe(r.Context(), req.Embedding, req.K)
	if err != nil {
		handleError(w, r, err)
		return
	}

	results := make([]ProbeHitResponse, 0, len(hits))
	for _, hit := range hits {
		results = append(results, ProbeHitResponse{
			ImageID:  hit.ImageID,
			GroupID:  hit.GroupID,
			Distance: hit.Distance,
		})
	}
	respondJSON(w, http.StatusOK, ProbeResponse{Approximate: true, Results: results})
}
