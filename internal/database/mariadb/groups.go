package mariadb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/kozaktomas/face-grouper/internal/apperr"
	"github.com/kozaktomas/face-grouper/internal/database"
	"github.com/m-mizutani/goerr/v2"
)

// erDupEntry is the server error number for a unique key violation.
const erDupEntry = 1062

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// GroupRepository provides MariaDB-backed group storage. Vectors are kept as
// little-endian float32 blobs.
type GroupRepository struct {
	pool *Pool
}

// NewGroupRepository creates a new MariaDB group repository.
func NewGroupRepository(pool *Pool) *GroupRepository {
	return &GroupRepository{pool: pool}
}

func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == erDupEntry {
		return goerr.Wrap(apperr.ErrDuplicateSourceID, "image already stored",
			goerr.V("detail", myErr.Message))
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
		var blob []byte
		if err := rows.Scan(&groupID, &blob); err != nil {
			return nil, fmt.Errorf("scan group member: %w", err)
		}
		vec, err := database.DecodeVector(blob)
		if err != nil {
			return nil, err
		}
		if n := len(out); n == 0 || out[n-1].GroupID != groupID {
			out = append(out, database.GroupMembers{GroupID: groupID})
		}
		last := &out[len(out)-1]
		last.Vectors = append(last.Vectors, vec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group members: %w", err)
	}
	return out, nil
}

func hasEmbedding(ctx context.Context, q querier, imageID string) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM embeddings WHERE image_id = ?)", imageID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check embedding exists: %w", err)
	}
	return exists, nil
}

// ListGroups returns every group with its member vectors.
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

func scanEmbedding(rows *sql.Rows) (database.StoredEmbedding, error) {
	var emb database.StoredEmbedding
	var blob []byte
	var metadata sql.NullString
	if err := rows.Scan(&emb.ImageID, &emb.GroupID, &blob, &metadata, &emb.CreatedAt); err != nil {
		return emb, fmt.Errorf("scan embedding: %w", err)
	}
	vec, err := database.DecodeVector(blob)
	if err != nil {
		return emb, err
	}
	emb.Embedding = vec
	if metadata.Valid && metadata.String != "" {
		emb.Metadata = json.RawMessage(metadata.String)
	}
	return emb, nil
}

// GetGroup returns a group with its members, or nil if not found.
func (r *GroupRepository) GetGroup(ctx context.Context, groupID string) (*database.GroupDetail, error) {
	tx, err := r.pool.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, classify(err, "get group")
	}
	defer tx.Rollback()

	detail := &database.GroupDetail{}
	err = tx.QueryRowContext(ctx,
		"SELECT group_id, created_at, updated_at FROM face_groups WHERE group_id = ?", groupID,
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
		WHERE group_id = ?
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
			COALESCE((SELECT LENGTH(embedding) DIV 4 FROM embeddings LIMIT 1), 0)
	`).Scan(&st.Groups, &st.Embeddings, &st.Dim)
	if err != nil {
		return database.Stats{}, classify(fmt.Errorf("query stats: %w", err), "stats")
	}
	return st, nil
}

// Ping checks the database is reachable.
func (r *GroupRepository) Ping(ctx context.Context) error {
	return classify(r.pool.db.PingContext(ctx), "ping")
}

// Close closes the connection pool.
func (r *GroupRepository) Close() error {
	return r.pool.Close()
}

// Atomically runs fn in a transaction that first locks the single
// assignment_lock row, so sections from every process run one at a time.
func (r *GroupRepository) Atomically(ctx context.Context, fn func(ctx context.Context, tx database.GroupTx) error) error {
	tx, err := r.pool.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("beginning transaction: %w", err), "begin")
	}
	defer tx.Rollback()

	// The locking read runs before any consistent read, so the snapshot
	// taken afterwards includes every section committed before ours.
	var id int
	if err := tx.QueryRowContext(ctx, "SELECT id FROM assignment_lock WHERE id = 1 FOR UPDATE").Scan(&id); err != nil {
		return classify(fmt.Errorf("acquire assignment lock: %w", err), "lock")
	}

	if err := fn(ctx, &myTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err), "commit")
	}
	return nil
}

type myTx struct {
	tx *sql.Tx
}

func (t *myTx) ListGroups(ctx context.Context) ([]database.GroupMembers, error) {
	groups, err := listGroups(ctx, t.tx)
	if err != nil {
		return nil, classify(err, "list groups")
	}
	return groups, nil
}

func (t *myTx) HasEmbedding(ctx context.Context, imageID string) (bool, error) {
	ok, err := hasEmbedding(ctx, t.tx, imageID)
	if err != nil {
		return false, classify(err, "has embedding")
	}
	return ok, nil
}

func (t *myTx) insertEmbedding(ctx context.Context, groupID string, emb database.StoredEmbedding) error {
	var metadata sql.NullString
	if len(emb.Metadata) > 0 {
		metadata = sql.NullString{String: string(emb.Metadata), Valid: true}
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO embeddings (image_id, group_id, embedding, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, emb.ImageID, groupID, database.EncodeVector(emb.Embedding), metadata, emb.CreatedAt.UTC())
	if err != nil {
		return classify(fmt.Errorf("insert embedding: %w", err), "insert embedding")
	}
	return nil
}

func (t *myTx) CreateGroup(ctx context.Context, g database.StoredGroup, first database.StoredEmbedding) error {
	_, err := t.tx.ExecContext(ctx,
		"INSERT INTO face_groups (group_id, created_at, updated_at) VALUES (?, ?, ?)",
		g.GroupID, g.CreatedAt.UTC(), g.UpdatedAt.UTC(),
	)
	if err != nil {
		// A colliding group ID is not a duplicate image.
		return apperr.Unavailable(fmt.Errorf("insert group: %w", err), backendName, "create group")
	}
	return t.insertEmbedding(ctx, g.GroupID, first)
}

func (t *myTx) AppendMember(ctx context.Context, groupID string, emb database.StoredEmbedding) error {
	var exists bool
	err := t.tx.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM face_groups WHERE group_id = ?)", groupID).Scan(&exists)
	if err != nil {
		return classify(fmt.Errorf("check group: %w", err), "append member")
	}
	if !exists {
		return goerr.New("group not found", goerr.V(apperr.GroupIDKey, groupID))
	}

	if err := t.insertEmbedding(ctx, groupID, emb); err != nil {
		return err
	}

	// MySQL reports zero affected rows when the value is unchanged, so
	// existence is checked above rather than through RowsAffected.
	_, err = t.tx.ExecContext(ctx,
		"UPDATE face_groups SET updated_at = GREATEST(updated_at, ?) WHERE group_id = ?",
		emb.CreatedAt.UTC(), groupID,
	)
	if err != nil {
		return classify(fmt.Errorf("touch group: %w", err), "append member")
	}
	return nil
}
