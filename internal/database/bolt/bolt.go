// Package bolt implements the group store on an embedded bbolt file.
package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kozaktomas/face-grouper/internal/apperr"
	"github.com/kozaktomas/face-grouper/internal/database"
	"github.com/m-mizutani/goerr/v2"
	"go.etcd.io/bbolt"
)

const backendName = "bolt"

var (
	bucketGroups     = []byte("groups")      // group ID -> groupRecord
	bucketGroupOrder = []byte("group_order") // created_at + group ID -> group ID
	bucketMembers    = []byte("members")     // group ID + 0x00 + seq -> image ID
	bucketEmbeddings = []byte("embeddings")  // image ID -> embeddingRecord
	bucketVectors    = []byte("vectors")     // image ID -> little-endian float32 bytes
)

type groupRecord struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Count     int       `json:"count"`
}

// embeddingRecord keeps metadata as a string so the submitted bytes are
// stored verbatim; a RawMessage field would be compacted on marshal.
type embeddingRecord struct {
	GroupID   string    `json:"group_id"`
	Metadata  string    `json:"metadata,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is a bbolt-backed database.GroupWriter. bbolt allows a single
// writer at a time, which makes every Atomically section serial.
type Store struct {
	db *bbolt.DB
}

// Open opens (or creates) the store file at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, apperr.Unavailable(fmt.Errorf("failed to open bolt db: %w", err), backendName, "open")
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketGroups, bucketGroupOrder, bucketMembers, bucketEmbeddings, bucketVectors} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, apperr.Unavailable(err, backendName, "open")
	}

	return &Store{db: db}, nil
}

// Path returns the file backing the store.
func (s *Store) Path() string {
	return s.db.Path()
}

// Close closes the underlying file.
func (s *Store) Close() error {
	return s.db.Close()
}

func orderKey(createdAt time.Time, groupID string) []byte {
	key := make([]byte, 8, 8+len(groupID))
	// Flip the sign bit so negative nanos sort before positive ones.
	binary.BigEndian.PutUint64(key, uint64(createdAt.UnixNano())^(1<<63))
	return append(key, groupID...)
}

func memberPrefix(groupID string) []byte {
	return append([]byte(groupID), 0)
}

func memberKey(groupID string, seq uint64) []byte {
	key := memberPrefix(groupID)
	return binary.BigEndian.AppendUint64(key, seq)
}

// view runs a read transaction; fn errors pass through untouched.
func (s *Store) view(op string, fn func(tx *bbolt.Tx) error) error {
	var fnErr error
	err := s.db.View(func(tx *bbolt.Tx) error {
		fnErr = fn(tx)
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	return apperr.Unavailable(err, backendName, op)
}

func groupIDsInOrder(tx *bbolt.Tx) []string {
	var ids []string
	c := tx.Bucket(bucketGroupOrder).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		ids = append(ids, string(v))
	}
	return ids
}

// forEachMember visits the image IDs of a group in insertion order.
func forEachMember(tx *bbolt.Tx, groupID string, fn func(imageID string) error) error {
	prefix := memberPrefix(groupID)
	c := tx.Bucket(bucketMembers).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if err := fn(string(v)); err != nil {
			return err
		}
	}
	return nil
}

func loadVector(tx *bbolt.Tx, imageID string) ([]float32, error) {
	raw := tx.Bucket(bucketVectors).Get([]byte(imageID))
	if raw == nil {
		return nil, goerr.New("vector missing", goerr.V(apperr.ImageIDKey, imageID))
	}
	// DecodeVector copies, so the result outlives the transaction.
	return database.DecodeVector(raw)
}

func loadGroup(tx *bbolt.Tx, groupID string) (*groupRecord, error) {
	raw := tx.Bucket(bucketGroups).Get([]byte(groupID))
	if raw == nil {
		return nil, nil
	}
	var rec groupRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, goerr.Wrap(err, "decode group", goerr.V(apperr.GroupIDKey, groupID))
	}
	return &rec, nil
}

func loadEmbedding(tx *bbolt.Tx, imageID string) (database.StoredEmbedding, error) {
	var rec embeddingRecord
	raw := tx.Bucket(bucketEmbeddings).Get([]byte(imageID))
	if raw == nil {
		return database.StoredEmbedding{}, goerr.New("embedding missing", goerr.V(apperr.ImageIDKey, imageID))
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return database.StoredEmbedding{}, goerr.Wrap(err, "decode embedding", goerr.V(apperr.ImageIDKey, imageID))
	}
	vec, err := loadVector(tx, imageID)
	if err != nil {
		return database.StoredEmbedding{}, err
	}
	emb := database.StoredEmbedding{
		ImageID:   imageID,
		GroupID:   rec.GroupID,
		Embedding: vec,
		CreatedAt: rec.CreatedAt,
	}
	if rec.Metadata != "" {
		emb.Metadata = json.RawMessage(rec.Metadata)
	}
	return emb, nil
}

func listGroups(tx *bbolt.Tx) ([]database.GroupMembers, error) {
	ids := groupIDsInOrder(tx)
	out := make([]database.GroupMembers, 0, len(ids))
	for _, id := range ids {
		gm := database.GroupMembers{GroupID: id}
		err := forEachMember(tx, id, func(imageID string) error {
			vec, err := loadVector(tx, imageID)
			if err != nil {
				return err
			}
			gm.Vectors = append(gm.Vectors, vec)
			return nil
		})
		if err != nil {
			return nil, err
		}
		out = append(out, gm)
	}
	return out, nil
}

// ListGroups returns every group with its member vectors.
func (s *Store) ListGroups(ctx context.Context) ([]database.GroupMembers, error) {
	var out []database.GroupMembers
	err := s.view("list groups", func(tx *bbolt.Tx) error {
		var err error
		out, err = listGroups(tx)
		return err
	})
	return out, err
}

// ListSummaries returns member counts and timestamps for every group.
func (s *Store) ListSummaries(ctx context.Context) ([]database.GroupSummary, error) {
	var out []database.GroupSummary
	err := s.view("list summaries", func(tx *bbolt.Tx) error {
		for _, id := range groupIDsInOrder(tx) {
			rec, err := loadGroup(tx, id)
			if err != nil {
				return err
			}
			if rec == nil {
				continue
			}
			out = append(out, database.GroupSummary{
				GroupID:   id,
				Count:     rec.Count,
				CreatedAt: rec.CreatedAt,
				UpdatedAt: rec.UpdatedAt,
			})
		}
		return nil
	})
	return out, err
}

// GetGroup returns a group with its members, or nil if it does not exist.
func (s *Store) GetGroup(ctx context.Context, groupID string) (*database.GroupDetail, error) {
	var detail *database.GroupDetail
	err := s.view("get group", func(tx *bbolt.Tx) error {
		rec, err := loadGroup(tx, groupID)
		if err != nil || rec == nil {
			return err
		}
		detail = &database.GroupDetail{
			StoredGroup: database.StoredGroup{GroupID: groupID, CreatedAt: rec.CreatedAt, UpdatedAt: rec.UpdatedAt},
		}
		return forEachMember(tx, groupID, func(imageID string) error {
			emb, err := loadEmbedding(tx, imageID)
			if err != nil {
				return err
			}
			detail.Members = append(detail.Members, emb)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return detail, nil
}

// HasEmbedding checks whether an embedding with the given image ID exists.
func (s *Store) HasEmbedding(ctx context.Context, imageID string) (bool, error) {
	var ok bool
	err := s.view("has embedding", func(tx *bbolt.Tx) error {
		ok = tx.Bucket(bucketEmbeddings).Get([]byte(imageID)) != nil
		return nil
	})
	return ok, err
}

// ListEmbeddings streams every stored embedding in snapshot order.
// fn runs inside a read transaction and must not call back into the store for writes.
func (s *Store) ListEmbeddings(ctx context.Context, fn func(emb database.StoredEmbedding) error) error {
	return s.view("list embeddings", func(tx *bbolt.Tx) error {
		for _, id := range groupIDsInOrder(tx) {
			err := forEachMember(tx, id, func(imageID string) error {
				if err := ctx.Err(); err != nil {
					return err
				}
				emb, err := loadEmbedding(tx, imageID)
				if err != nil {
					return err
				}
				return fn(emb)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Stats returns group and embedding counts.
func (s *Store) Stats(ctx context.Context) (database.Stats, error) {
	var st database.Stats
	err := s.view("stats", func(tx *bbolt.Tx) error {
		st.Groups = tx.Bucket(bucketGroups).Stats().KeyN
		vectors := tx.Bucket(bucketVectors)
		st.Embeddings = vectors.Stats().KeyN
		if _, v := vectors.Cursor().First(); v != nil {
			st.Dim = len(v) / 4
		}
		return nil
	})
	return st, err
}

// Ping checks the file is still open.
func (s *Store) Ping(ctx context.Context) error {
	return s.view("ping", func(tx *bbolt.Tx) error { return nil })
}

// Atomically runs fn inside a single bbolt write transaction.
func (s *Store) Atomically(ctx context.Context, fn func(ctx context.Context, tx database.GroupTx) error) error {
	if err := ctx.Err(); err != nil {
		return goerr.Wrap(apperr.ErrStoreUnavailable, err.Error())
	}

	var fnErr error
	err := s.db.Update(func(tx *bbolt.Tx) error {
		fnErr = fn(ctx, &boltTx{tx: tx})
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	return apperr.Unavailable(err, backendName, "atomically")
}

type boltTx struct {
	tx *bbolt.Tx
}

func (t *boltTx) ListGroups(ctx context.Context) ([]database.GroupMembers, error) {
	return listGroups(t.tx)
}

func (t *boltTx) HasEmbedding(ctx context.Context, imageID string) (bool, error) {
	return t.tx.Bucket(bucketEmbeddings).Get([]byte(imageID)) != nil, nil
}

func (t *boltTx) putGroup(groupID string, rec groupRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return t.tx.Bucket(bucketGroups).Put([]byte(groupID), raw)
}

func (t *boltTx) putMember(groupID string, emb database.StoredEmbedding) error {
	key := []byte(emb.ImageID)
	if t.tx.Bucket(bucketEmbeddings).Get(key) != nil {
		return goerr.Wrap(apperr.ErrDuplicateSourceID, "image already stored",
			goerr.V(apperr.ImageIDKey, emb.ImageID))
	}

	raw, err := json.Marshal(embeddingRecord{
		GroupID:   groupID,
		Metadata:  string(emb.Metadata),
		CreatedAt: emb.CreatedAt,
	})
	if err != nil {
		return err
	}
	if err := t.tx.Bucket(bucketEmbeddings).Put(key, raw); err != nil {
		return err
	}
	if err := t.tx.Bucket(bucketVectors).Put(key, database.EncodeVector(emb.Embedding)); err != nil {
		return err
	}

	members := t.tx.Bucket(bucketMembers)
	seq, err := members.NextSequence()
	if err != nil {
		return err
	}
	return members.Put(memberKey(groupID, seq), key)
}

func (t *boltTx) CreateGroup(ctx context.Context, g database.StoredGroup, first database.StoredEmbedding) error {
	existing, err := loadGroup(t.tx, g.GroupID)
	if err != nil {
		return err
	}
	if existing != nil {
		return goerr.New("group already exists", goerr.V(apperr.GroupIDKey, g.GroupID))
	}

	if err := t.putMember(g.GroupID, first); err != nil {
		return apperr.Unavailable(err, backendName, "create group")
	}
	if err := t.putGroup(g.GroupID, groupRecord{CreatedAt: g.CreatedAt, UpdatedAt: g.UpdatedAt, Count: 1}); err != nil {
		return apperr.Unavailable(err, backendName, "create group")
	}
	if err := t.tx.Bucket(bucketGroupOrder).Put(orderKey(g.CreatedAt, g.GroupID), []byte(g.GroupID)); err != nil {
		return apperr.Unavailable(err, backendName, "create group")
	}
	return nil
}

func (t *boltTx) AppendMember(ctx context.Context, groupID string, emb database.StoredEmbedding) error {
	rec, err := loadGroup(t.tx, groupID)
	if err != nil {
		return err
	}
	if rec == nil {
		return goerr.New("group not found", goerr.V(apperr.GroupIDKey, groupID))
	}

	if err := t.putMember(groupID, emb); err != nil {
		return apperr.Unavailable(err, backendName, "append member")
	}
	rec.Count++
	if emb.CreatedAt.After(rec.UpdatedAt) {
		rec.UpdatedAt = emb.CreatedAt
	}
	if err := t.putGroup(groupID, *rec); err != nil {
		return apperr.Unavailable(err, backendName, "append member")
	}
	return nil
}
