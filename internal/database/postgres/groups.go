package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kozaktomas/face-grouper/internal/apperr"
	"github.com/kozaktomas/face-grouper/internal/database"
	"github.com/lib/pq"
	"github.com/m-mizutani/goerr/v2"
	"github.com/pgvector/pgvector-go"
)

// assignLockKey is the transaction-scoped advisory lock taken by every
// assignment section.
const assignLockKey int64 = 0x66616365 // "face"

const uniqueImageConstraint = "embeddings_image_id_key"

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// GroupRepository provides PostgreSQL-backed group storage.
type GroupRepository struct {
	pool *Pool
}

// NewGroupRepository creates a new PostgreSQL group repository.
func NewGroupRepository(pool *Pool) *GroupRepository {
	return &GroupRepository{pool: pool}
}

// classify maps driver errors onto the apperr kinds.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == uniqueImageConstraint {
		return goerr.Wrap(apperr.ErrDuplicateSourceID, "image already stored",
			goerr.V("detail", pqErr.Detail))
	}
	return apperr.Unavailable(err, backendName, op)
}

func listGroups(ctx context.Context, q querier) ([]database.GroupMembers, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT g.group_id, e.embedding
		FROM face_groups g
		JOIN embeddings e ON e.group_id = g.group_id
		ORDER BY g.created_at, g.group_id, e.id
	`)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	var out []database.GroupMembers
	for rows.Next() {
		var groupID string
		var vec pgvector.Vector
		if err := rows.Scan(&groupID, &vec); err != nil {
			return nil, fmt.Errorf("scan group member: %w", err)
		}
		if n := len(out); n == 0 || out[n-1].GroupID != groupID {
			out = append(out, database.GroupMembers{GroupID: groupID})
		}
		last := &out[len(out)-1]
		last.Vectors = append(last.Vectors, vec.Slice())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group members: %w", err)
	}
	return out, nil
}

func hasEmbedding(ctx context.Context, q querier, imageID string) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM embeddings WHERE image_id = $1)", imageID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check embedding exists: %w", err)
	}
	return exists, nil
}

// ListGroups returns every group with its member vectors as of one statement snapshot.
func (r *GroupRepository) ListGroups(ctx context.Context) ([]database.GroupMembers, error) {
	groups, err := listGroups(ctx, r.pool.db)
	if err != nil {
		return nil, classify(err, "list groups")
	}
	return groups, nil
}

// ListSummaries returns member counts and timestamps for every group.
func (r *GroupRepository) ListSummaries(ctx context.Context) ([]database.GroupSummary, error) {
	rows, err := r.pool.db.QueryContext(ctx, `
		SELECT g.group_id, COUNT(e.id), g.created_at, g.updated_at
		FROM face_groups g
		LEFT JOIN embeddings e ON e.group_id = g.group_id
		GROUP BY g.group_id, g.created_at, g.updated_at
		ORDER BY g.created_at, g.group_id
	`)
	if err != nil {
		return nil, classify(fmt.Errorf("query summaries: %w", err), "list summaries")
	}
	defer rows.Close()

	var out []database.GroupSummary
	for rows.Next() {
		var s database.GroupSummary
		if err := rows.Scan(&s.GroupID, &s.Count, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, classify(fmt.Errorf("scan summary: %w", err), "list summaries")
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate summaries: %w", err), "list summaries")
	}
	return out, nil
}

// GetGroup returns a group with its members, or nil if not found.
func (r *GroupRepository) GetGroup(ctx context.Context, groupID string) (*database.GroupDetail, error) {
	tx, err := r.pool.BeginTx(ctx, &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return nil, classify(err, "get group")
	}
	defer tx.Rollback()

	detail := &database.GroupDetail{}
	err = tx.QueryRowContext(ctx,
		"SELECT group_id, created_at, updated_at FROM face_groups WHERE group_id = $1", groupID,
	).Scan(&detail.GroupID, &detail.CreatedAt, &detail.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("query group: %w", err), "get group")
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT image_id, group_id, embedding, metadata, created_at
		FROM embeddings
		WHERE group_id = $1
		ORDER BY id
	`, groupID)
	if err != nil {
		return nil, classify(fmt.Errorf("query members: %w", err), "get group")
	}
	defer rows.Close()

	for rows.Next() {
		emb, err := scanEmbedding(rows)
		if err != nil {
			return nil, classify(err, "get group")
		}
		detail.Members = append(detail.Members, emb)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate members: %w", err), "get group")
	}
	return detail, nil
}

func scanEmbedding(rows *sql.Rows) (database.StoredEmbedding, error) {
	var emb database.StoredEmbedding
	var vec pgvector.Vector
	var metadata []byte
	if err := rows.Scan(&emb.ImageID, &emb.GroupID, &vec, &metadata, &emb.CreatedAt); err != nil {
		return emb, fmt.Errorf("scan embedding: %w", err)
	}
	emb.Embedding = vec.Slice()
	if len(metadata) > 0 {
		emb.Metadata = json.RawMessage(metadata)
	}
	return emb, nil
}

// HasEmbedding checks if an embedding exists for the given image ID.
func (r *GroupRepository) HasEmbedding(ctx context.Context, imageID string) (bool, error) {
	ok, err := hasEmbedding(ctx, r.pool.db, imageID)
	if err != nil {
		return false, classify(err, "has embedding")
	}
	return ok, nil
}

// ListEmbeddings streams every stored embedding in snapshot order.
func (r *GroupRepository) ListEmbeddings(ctx context.Context, fn func(emb database.StoredEmbedding) error) error {
	rows, err := r.pool.db.QueryContext(ctx, `
		SELECT e.image_id, e.group_id, e.embedding, e.metadata, e.created_at
		FROM embeddings e
		JOIN face_groups g ON g.group_id = e.group_id
		ORDER BY g.created_at, g.group_id, e.id
	`)
	if err != nil {
		return classify(fmt.Errorf("query embeddings: %w", err), "list embeddings")
	}
	defer rows.Close()

	for rows.Next() {
		emb, err := scanEmbedding(rows)
		if err != nil {
			return classify(err, "list embeddings")
		}
		if err := fn(emb); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return classify(fmt.Errorf("iterate embeddings: %w", err), "list embeddings")
	}
	return nil
}

// Stats returns group and embedding counts.
func (r *GroupRepository) Stats(ctx context.Context) (database.Stats, error) {
	var st database.Stats
	err := r.pool.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM face_groups),
			(SELECT COUNT(*) FROM embeddings),
			COALESCE((SELECT vector_dims(embedding) FROM embeddings LIMIT 1), 0)
	`).Scan(&st.Groups, &st.Embeddings, &st.Dim)
	if err != nil {
		return database.Stats{}, classify(fmt.Errorf("query stats: %w", err), "stats")
	}
	return st, nil
}

// Ping checks the database is reachable.
func (r *GroupRepository) Ping(ctx context.Context) error {
	return classify(r.pool.Ping(ctx), "ping")
}

// Close closes the connection pool.
func (r *GroupRepository) Close() error {
	return r.pool.Close()
}

// Atomically runs fn in a transaction holding a transaction-scoped advisory
// lock, so assignment sections from every process run one at a time.
func (r *GroupRepository) Atomically(ctx context.Context, fn func(ctx context.Context, tx database.GroupTx) error) error {
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "begin")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", assignLockKey); err != nil {
		return classify(fmt.Errorf("acquire assignment lock: %w", err), "lock")
	}

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err), "commit")
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) ListGroups(ctx context.Context) ([]database.GroupMembers, error) {
	groups, err := listGroups(ctx, t.tx)
	if err != nil {
		return nil, classify(err, "list groups")
	}
	return groups, nil
}

func (t *pgTx) HasEmbedding(ctx context.Context, imageID string) (bool, error) {
	ok, err := hasEmbedding(ctx, t.tx, imageID)
	if err != nil {
		return false, classify(err, "has embedding")
	}
	return ok, nil
}

func nullJSON(m json.RawMessage) any {
	if len(m) == 0 {
		return nil
	}
	return string(m)
}

func (t *pgTx) insertEmbedding(ctx context.Context, groupID string, emb database.StoredEmbedding) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO embeddings (image_id, group_id, embedding, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, emb.ImageID, groupID, pgvector.NewVector(emb.Embedding), nullJSON(emb.Metadata), emb.CreatedAt)
	if err != nil {
		return classify(fmt.Errorf("insert embedding: %w", err), "insert embedding")
	}
	return nil
}

func (t *pgTx) CreateGroup(ctx context.Context, g database.StoredGroup, first database.StoredEmbedding) error {
	_, err := t.tx.ExecContext(ctx,
		"INSERT INTO face_groups (group_id, created_at, updated_at) VALUES ($1, $2, $3)",
		g.GroupID, g.CreatedAt, g.UpdatedAt,
	)
	if err != nil {
		return classify(fmt.Errorf("insert group: %w", err), "create group")
	}
	return t.insertEmbedding(ctx, g.GroupID, first)
}

func (t *pgTx) AppendMember(ctx context.Context, groupID string, emb database.StoredEmbedding) error {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE face_groups SET updated_at = GREATEST(updated_at, $2) WHERE group_id = $1",
		groupID, emb.CreatedAt,
	)
	if err != nil {
		return classify(fmt.Errorf("touch group: %w", err), "append member")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return goerr.New("group not found", goerr.V(apperr.GroupIDKey, groupID))
	}
	return t.insertEmbedding(ctx, groupID, emb)
}
