package database

import (
	"context"
)

// GroupReader provides read-only access to face groups.
type GroupReader interface {
	// ListGroups returns a consistent snapshot of every group with all member vectors.
	// Groups are ordered by creation time, then group ID.
	ListGroups(ctx context.Context) ([]GroupMembers, error)
	// ListSummaries returns member counts and timestamps for every group, in snapshot order.
	ListSummaries(ctx context.Context) ([]GroupSummary, error)
	// GetGroup returns a group with its members, or nil if it does not exist.
	GetGroup(ctx context.Context, groupID string) (*GroupDetail, error)
	// HasEmbedding checks whether an embedding with the given source identifier exists.
	HasEmbedding(ctx context.Context, imageID string) (bool, error)
	// ListEmbeddings streams every stored embedding, group by group in snapshot order.
	ListEmbeddings(ctx context.Context, fn func(emb StoredEmbedding) error) error
	// Stats returns group and embedding counts.
	Stats(ctx context.Context) (Stats, error)
	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error
}

// GroupTx is the view of the store inside an atomic assignment section.
type GroupTx interface {
	ListGroups(ctx context.Context) ([]GroupMembers, error)
	HasEmbedding(ctx context.Context, imageID string) (bool, error)
	// CreateGroup stores a new group together with its first member.
	CreateGroup(ctx context.Context, group StoredGroup, first StoredEmbedding) error
	// AppendMember adds an embedding to an existing group and refreshes its update time.
	AppendMember(ctx context.Context, groupID string, emb StoredEmbedding) error
}

// GroupWriter provides write access to face groups.
type GroupWriter interface {
	GroupReader

	// Atomically runs fn as one read-decide-write unit: everything fn writes
	// commits together or not at all, and no two sections on the same store
	// interleave. A non-nil error from fn rolls the section back.
	Atomically(ctx context.Context, fn func(ctx context.Context, tx GroupTx) error) error

	// Close releases the underlying connection or file.
	Close() error
}
