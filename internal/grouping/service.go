package grouping

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/kozaktomas/face-grouper/internal/apperr"
	"github.com/kozaktomas/face-grouper/internal/database"
	"github.com/kozaktomas/face-grouper/internal/logging"
	"github.com/m-mizutani/goerr/v2"
)

// ErrProbeDisabled is returned by Probe when no probe index is attached.
var ErrProbeDisabled = errors.New("probe index disabled")

// AddRequest is one face submitted for assignment.
type AddRequest struct {
	ImageID   string
	Embedding []float32
	Metadata  json.RawMessage
}

// AddResult is the outcome of a successful Add.
type AddResult struct {
	ImageID    string
	GroupID    string
	IsNewGroup bool
	// Distance to the nearest stored member; +Inf when the store was empty.
	Distance float64
}

// GroupView is a group detail plus its centroid.
type GroupView struct {
	database.GroupDetail
	Centroid []float32
}

// ServiceStats extends store counts with engine settings.
type ServiceStats struct {
	database.Stats
	Threshold    float64
	ProbeEnabled bool
	ProbeCount   int
}

// Service applies engine decisions to a group store.
type Service struct {
	store  database.GroupWriter
	engine *Engine
	probe  *database.ProbeIndex
	dim    int
	now    func() time.Time
	newID  func() string
}

// Option configures a Service.
type Option func(*Service)

// WithProbeIndex keeps idx updated after each committed assignment and enables Probe.
func WithProbeIndex(idx *database.ProbeIndex) Option {
	return func(s *Service) { s.probe = idx }
}

// WithEmbeddingDim pins the accepted vector length. Zero accepts any length
// consistent with what is already stored.
func WithEmbeddingDim(dim int) Option {
	return func(s *Service) { s.dim = dim }
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides the group ID generator.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// NewService creates a service over store using engine for decisions.
func NewService(store database.GroupWriter, engine *Engine, opts ...Option) *Service {
	s := &Service{
		store:  store,
		engine: engine,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxImageIDLength is the longest accepted source identifier in bytes.
// It fits every backend key and column.
const MaxImageIDLength = 255

func (s *Service) validate(req AddRequest) error {
	if req.ImageID == "" {
		return goerr.Wrap(apperr.ErrInvalidInput, "image_id is required")
	}
	if len(req.ImageID) > MaxImageIDLength {
		return goerr.Wrap(apperr.ErrInvalidInput, "image_id is too long",
			goerr.V("length", len(req.ImageID)),
			goerr.V("max", MaxImageIDLength),
		)
	}
	if len(req.Embedding) == 0 {
		return goerr.Wrap(apperr.ErrInvalidInput, "embedding is empty", goerr.V(apperr.ImageIDKey, req.ImageID))
	}
	if s.dim > 0 && len(req.Embedding) != s.dim {
		return goerr.Wrap(apperr.ErrInvalidInput, "embedding has wrong length",
			goerr.V(apperr.ImageIDKey, req.ImageID),
			goerr.V(apperr.WantDimKey, s.dim),
			goerr.V(apperr.GotDimKey, len(req.Embedding)),
		)
	}
	for i, f := range req.Embedding {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return goerr.Wrap(apperr.ErrInvalidInput, "embedding contains a non-finite value",
				goerr.V(apperr.ImageIDKey, req.ImageID),
				goerr.V("index", i),
			)
		}
	}
	if len(req.Metadata) > 0 && !json.Valid(req.Metadata) {
		return goerr.Wrap(apperr.ErrInvalidInput, "metadata is not valid JSON", goerr.V(apperr.ImageIDKey, req.ImageID))
	}
	return nil
}

// Add assigns one embedding to a group and persists the outcome. The
// snapshot read, the decision and the write run as one atomic store section,
// so concurrent near-duplicates never found two groups.
func (s *Service) Add(ctx context.Context, req AddRequest) (*AddResult, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	now := s.now()
	emb := database.StoredEmbedding{
		ImageID:   req.ImageID,
		Embedding: req.Embedding,
		Metadata:  req.Metadata,
		CreatedAt: now,
	}

	var result AddResult
	err := s.store.Atomically(ctx, func(ctx context.Context, tx database.GroupTx) error {
		exists, err := tx.HasEmbedding(ctx, req.ImageID)
		if err != nil {
			return err
		}
		if exists {
			return goerr.Wrap(apperr.ErrDuplicateSourceID, "image already assigned", goerr.V(apperr.ImageIDKey, req.ImageID))
		}

		groups, err := tx.ListGroups(ctx)
		if err != nil {
			return err
		}

		decision, err := s.engine.Assign(req.Embedding, groups)
		if err != nil {
			return goerr.Wrap(err, "assign", goerr.V(apperr.ImageIDKey, req.ImageID))
		}

		result = AddResult{ImageID: req.ImageID, Distance: decision.Distance}
		if decision.NewGroup {
			group := database.StoredGroup{GroupID: s.newID(), CreatedAt: now, UpdatedAt: now}
			if err := tx.CreateGroup(ctx, group, emb); err != nil {
				return err
			}
			result.GroupID = group.GroupID
			result.IsNewGroup = true
			return nil
		}

		if err := tx.AppendMember(ctx, decision.GroupID, emb); err != nil {
			return err
		}
		result.GroupID = decision.GroupID
		return nil
	})
	if err != nil {
		return nil, err
	}

	emb.GroupID = result.GroupID
	if s.probe != nil {
		if err := s.probe.Add(emb); err != nil {
			logging.Default().Warn("probe index update failed", "image_id", req.ImageID, "error", err)
		}
	}

	attrs := []any{
		slog.String("image_id", result.ImageID),
		slog.String("group_id", result.GroupID),
		slog.Bool("new_group", result.IsNewGroup),
	}
	if !math.IsInf(result.Distance, 1) {
		attrs = append(attrs, slog.Float64("distance", result.Distance))
	}
	logging.Default().Debug("face assigned", attrs...)

	return &result, nil
}

// Groups returns the monitoring listing of every group.
func (s *Service) Groups(ctx context.Context) ([]database.GroupSummary, error) {
	return s.store.ListSummaries(ctx)
}

// Group returns one group with its members and centroid, or nil if it does not exist.
func (s *Service) Group(ctx context.Context, groupID string) (*GroupView, error) {
	detail, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if detail == nil {
		return nil, nil
	}

	view := &GroupView{GroupDetail: *detail}
	if len(detail.Members) > 0 {
		centroid, err := Centroid(detail.Vectors())
		if err != nil {
			return nil, goerr.Wrap(err, "group centroid", goerr.V(apperr.GroupIDKey, groupID))
		}
		view.Centroid = centroid
	}
	return view, nil
}

// Stats returns store counts together with the engine threshold.
func (s *Service) Stats(ctx context.Context) (*ServiceStats, error) {
	st, err := s.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	out := &ServiceStats{Stats: st, Threshold: s.engine.Threshold()}
	if s.probe != nil {
		out.ProbeEnabled = true
		out.ProbeCount = s.probe.Count()
	}
	return out, nil
}

// Probe returns up to k approximate nearest stored faces. Results come from
// the HNSW index and may miss the exact nearest member.
func (s *Service) Probe(ctx context.Context, vector []float32, k int) ([]database.ProbeHit, error) {
	if s.probe == nil {
		return nil, ErrProbeDisabled
	}
	if len(vector) == 0 {
		return nil, goerr.Wrap(apperr.ErrInvalidInput, "embedding is empty")
	}
	if k <= 0 || k > database.HNSWMaxProbeResults {
		return nil, goerr.Wrap(apperr.ErrInvalidInput, "k out of range",
			goerr.V("k", k), goerr.V("max", database.HNSWMaxProbeResults))
	}
	hits, err := s.probe.Search(vector, k)
	if err != nil {
		return nil, goerr.Wrap(apperr.ErrInvalidInput, err.Error())
	}
	return hits, nil
}
