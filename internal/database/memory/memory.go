// Package memory provides a process-local group store for tests and development.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/kozaktomas/face-grouper/internal/apperr"
	"github.com/kozaktomas/face-grouper/internal/database"
	"github.com/m-mizutani/goerr/v2"
)

const backendName = "memory"

type group struct {
	database.StoredGroup
	members []database.StoredEmbedding
}

// Store is an in-memory implementation of database.GroupWriter.
// One mutex guards all state; Atomically holds it for the whole section.
type Store struct {
	mu     sync.Mutex
	groups map[string]*group
	images map[string]string // image ID -> group ID
	closed bool

	// Error injection
	ListGroupsError error
	WriteError      error
}

// New creates an empty store.
func New() *Store {
	return &Store{
		groups: make(map[string]*group),
		images: make(map[string]string),
	}
}

// orderedLocked returns groups in snapshot order (creation time, then ID).
func (s *Store) orderedLocked() []*group {
	out := make([]*group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	slices.SortFunc(out, func(a, b *group) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.GroupID, b.GroupID)
	})
	return out
}

func (s *Store) checkOpenLocked() error {
	if s.closed {
		return goerr.Wrap(apperr.ErrStoreUnavailable, "memory store closed")
	}
	return nil
}

func (s *Store) listGroupsLocked() ([]database.GroupMembers, error) {
	if err := s.checkOpenLocked(); err != nil {
		return nil, err
	}
	if s.ListGroupsError != nil {
		return nil, apperr.Unavailable(s.ListGroupsError, backendName, "list groups")
	}
	ordered := s.orderedLocked()
	out := make([]database.GroupMembers, 0, len(ordered))
	for _, g := range ordered {
		vectors := make([][]float32, len(g.members))
		for i := range g.members {
			vectors[i] = g.members[i].Embedding
		}
		out = append(out, database.GroupMembers{GroupID: g.GroupID, Vectors: vectors})
	}
	return out, nil
}

// ListGroups returns a snapshot of every group and its member vectors.
func (s *Store) ListGroups(ctx context.Context) ([]database.GroupMembers, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listGroupsLocked()
}

// ListSummaries returns member counts and timestamps for every group.
func (s *Store) ListSummaries(ctx context.Context) ([]database.GroupSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpenLocked(); err != nil {
		return nil, err
	}
	ordered := s.orderedLocked()
	out := make([]database.GroupSummary, 0, len(ordered))
	for _, g := range ordered {
		out = append(out, database.GroupSummary{
			GroupID:   g.GroupID,
			Count:     len(g.members),
			CreatedAt: g.CreatedAt,
			UpdatedAt: g.UpdatedAt,
		})
	}
	return out, nil
}

// GetGroup returns a group with its members, or nil if it does not exist.
func (s *Store) GetGroup(ctx context.Context, groupID string) (*database.GroupDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpenLocked(); err != nil {
		return nil, err
	}
	g, ok := s.groups[groupID]
	if !ok {
		return nil, nil
	}
	return &database.GroupDetail{
		StoredGroup: g.StoredGroup,
		Members:     slices.Clone(g.members),
	}, nil
}

func (s *Store) hasEmbeddingLocked(imageID string) (bool, error) {
	if err := s.checkOpenLocked(); err != nil {
		return false, err
	}
	_, ok := s.images[imageID]
	return ok, nil
}

// HasEmbedding checks whether an embedding with the given image ID exists.
func (s *Store) HasEmbedding(ctx context.Context, imageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasEmbeddingLocked(imageID)
}

// ListEmbeddings streams every stored embedding in snapshot order.
func (s *Store) ListEmbeddings(ctx context.Context, fn func(emb database.StoredEmbedding) error) error {
	s.mu.Lock()
	if err := s.checkOpenLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	var all []database.StoredEmbedding
	for _, g := range s.orderedLocked() {
		all = append(all, g.members...)
	}
	s.mu.Unlock()

	for _, emb := range all {
		if err := fn(emb); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns group and embedding counts.
func (s *Store) Stats(ctx context.Context) (database.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpenLocked(); err != nil {
		return database.Stats{}, err
	}
	st := database.Stats{Groups: len(s.groups), Embeddings: len(s.images)}
	for _, g := range s.groups {
		if len(g.members) > 0 {
			st.Dim = len(g.members[0].Embedding)
			break
		}
	}
	return st, nil
}

// Ping reports whether the store is open.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkOpenLocked()
}

// Close marks the store closed; later calls fail with ErrStoreUnavailable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Atomically runs fn while holding the store lock. Writes made by fn are
// undone if fn returns an error.
func (s *Store) Atomically(ctx context.Context, fn func(ctx context.Context, tx database.GroupTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpenLocked(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return goerr.Wrap(apperr.ErrStoreUnavailable, err.Error())
	}

	tx := &memTx{store: s}
	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// memTx applies writes directly and keeps an undo log for rollback.
type memTx struct {
	store *Store
	undo  []func()
}

func (t *memTx) ListGroups(ctx context.Context) ([]database.GroupMembers, error) {
	return t.store.listGroupsLocked()
}

func (t *memTx) HasEmbedding(ctx context.Context, imageID string) (bool, error) {
	return t.store.hasEmbeddingLocked(imageID)
}

func (t *memTx) checkWrite(emb database.StoredEmbedding) error {
	if t.store.WriteError != nil {
		return apperr.Unavailable(t.store.WriteError, backendName, "write")
	}
	if _, exists := t.store.images[emb.ImageID]; exists {
		return goerr.Wrap(apperr.ErrDuplicateSourceID, "image already stored",
			goerr.V(apperr.ImageIDKey, emb.ImageID))
	}
	return nil
}

func (t *memTx) CreateGroup(ctx context.Context, g database.StoredGroup, first database.StoredEmbedding) error {
	if err := t.checkWrite(first); err != nil {
		return err
	}
	if _, exists := t.store.groups[g.GroupID]; exists {
		return goerr.New("group already exists", goerr.V(apperr.GroupIDKey, g.GroupID))
	}

	first.GroupID = g.GroupID
	first.Embedding = slices.Clone(first.Embedding)
	t.store.groups[g.GroupID] = &group{StoredGroup: g, members: []database.StoredEmbedding{first}}
	t.store.images[first.ImageID] = g.GroupID

	t.undo = append(t.undo, func() {
		delete(t.store.groups, g.GroupID)
		delete(t.store.images, first.ImageID)
	})
	return nil
}

func (t *memTx) AppendMember(ctx context.Context, groupID string, emb database.StoredEmbedding) error {
	if err := t.checkWrite(emb); err != nil {
		return err
	}
	g, ok := t.store.groups[groupID]
	if !ok {
		return goerr.New("group not found", goerr.V(apperr.GroupIDKey, groupID))
	}

	emb.GroupID = groupID
	emb.Embedding = slices.Clone(emb.Embedding)
	prevUpdated := g.UpdatedAt
	g.members = append(g.members, emb)
	g.UpdatedAt = latest(g.UpdatedAt, emb.CreatedAt)
	t.store.images[emb.ImageID] = groupID

	t.undo = append(t.undo, func() {
		g.members = g.members[:len(g.members)-1]
		g.UpdatedAt = prevUpdated
		delete(t.store.images, emb.ImageID)
	})
	return nil
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
