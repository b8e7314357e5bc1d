package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/armanisadeghi/matrx-sandbox/pkg/errdefs"
	"github.com/armanisadeghi/matrx-sandbox/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketSandboxes = []byte("sandboxes")
	bucketUsers     = []byte("users")
)

// BoltStore implements Store using an embedded BoltDB file. It keeps
// single-binary deployments durable without a postgres dependency.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketSandboxes, bucketUsers} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Save(ctx context.Context, sb *types.Sandbox) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSandboxes)
		if b.Get([]byte(sb.ID)) != nil {
			return errdefs.Conflict("sandbox %s already exists", sb.ID)
		}

		data, err := json.Marshal(sb)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(sb.ID), data); err != nil {
			return err
		}
		return indexUser(tx, sb.UserID, sb.ID, true)
	})
}

func (s *BoltStore) Get(ctx context.Context, id string) (*types.Sandbox, error) {
	var sb types.Sandbox
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSandboxes)
		data := b.Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("sandbox %s", id)
		}
		return json.Unmarshal(data, &sb)
	})
	if err != nil {
		return nil, err
	}
	return &sb, nil
}

func (s *BoltStore) List(ctx context.Context, userID string) ([]*types.Sandbox, error) {
	var out []*types.Sandbox
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSandboxes)
		if userID == "" {
			return b.ForEach(func(k, v []byte) error {
				var sb types.Sandbox
				if err := json.Unmarshal(v, &sb); err != nil {
					return err
				}
				out = append(out, &sb)
				return nil
			})
		}

		// User-scoped listing goes through the users index instead of
		// scanning every record.
		var ids []string
		if data := tx.Bucket(bucketUsers).Get([]byte(userID)); data != nil {
			if err := json.Unmarshal(data, &ids); err != nil {
				return err
			}
		}
		for _, id := range ids {
			data := b.Get([]byte(id))
			if data == nil {
				continue
			}
			var sb types.Sandbox
			if err := json.Unmarshal(data, &sb); err != nil {
				return err
			}
			out = append(out, &sb)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortByCreation(out)
	return out, nil
}

func (s *BoltStore) Update(ctx context.Context, sb *types.Sandbox) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSandboxes)
		data := b.Get([]byte(sb.ID))
		if data == nil {
			return errdefs.NotFound("sandbox %s", sb.ID)
		}

		var stored types.Sandbox
		if err := json.Unmarshal(data, &stored); err != nil {
			return err
		}
		if !stored.UpdatedAt.Equal(sb.UpdatedAt) {
			return errdefs.Conflict("sandbox %s was modified concurrently", sb.ID)
		}

		sb.UpdatedAt = nextUpdate(stored.UpdatedAt)
		updated, err := json.Marshal(sb)
		if err != nil {
			return err
		}
		return b.Put([]byte(sb.ID), updated)
	})
}

func (s *BoltStore) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSandboxes)
		data := b.Get([]byte(id))
		if data == nil {
			return nil
		}

		var sb types.Sandbox
		if err := json.Unmarshal(data, &sb); err != nil {
			return err
		}
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		return indexUser(tx, sb.UserID, id, false)
	})
}

func (s *BoltStore) ListExpired(ctx context.Context, now time.Time) ([]*types.Sandbox, error) {
	var out []*types.Sandbox
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSandboxes)
		return b.ForEach(func(k, v []byte) error {
			var sb types.Sandbox
			if err := json.Unmarshal(v, &sb); err != nil {
				return err
			}
			if sb.Expired(now) {
				out = append(out, &sb)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortByCreation(out)
	return out, nil
}

// indexUser maintains the users bucket: userID -> JSON array of sandbox
// IDs. The index keeps per-user lookups cheap when the sandboxes bucket
// grows large.
func indexUser(tx *bolt.Tx, userID, sandboxID string, add bool) error {
	b := tx.Bucket(bucketUsers)

	var ids []string
	if data := b.Get([]byte(userID)); data != nil {
		if err := json.Unmarshal(data, &ids); err != nil {
			return err
		}
	}

	if add {
		ids = append(ids, sandboxID)
	} else {
		kept := ids[:0]
		for _, id := range ids {
			if id != sandboxID {
				kept = append(kept, id)
			}
		}
		ids = kept
	}

	if len(ids) == 0 {
		return b.Delete([]byte(userID))
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return b.Put([]byte(userID), data)
}
