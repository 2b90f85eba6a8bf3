package connections

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/camber-io/camber/pkg/log"
	"github.com/camber-io/camber/pkg/storage"
	"github.com/camber-io/camber/pkg/types"
)

var connectionsBucket = []byte("connections")

// FileStore is a bbolt-backed connection store for development machines
// without Postgres. Construction is refused in production; the caller must
// also set ALLOW_FILE_CONNECTION_STORE. Rows carry the same encrypted
// payloads as the database store; the encryption path is identical.
type FileStore struct {
	db *bolt.DB
}

// NewFileStore opens (or creates) the bbolt file at path
func NewFileStore(path string, allowed, production bool) (*FileStore, error) {
	if production {
		return nil, fmt.Errorf("file connection store is forbidden in production")
	}
	if !allowed {
		return nil, fmt.Errorf("file connection store requires ALLOW_FILE_CONNECTION_STORE=true")
	}

	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open connection store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(connectionsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init connection store: %w", err)
	}

	log.WithComponent("connections").Warn().Str("path", path).
		Msg("using file-backed connection store")
	return &FileStore{db: db}, nil
}

// Close releases the underlying file
func (f *FileStore) Close() error {
	return f.db.Close()
}

func (f *FileStore) CreateConnection(ctx context.Context, c *types.Connection) error {
	return f.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(connectionsBucket)
		if b.Get([]byte(c.ID)) != nil {
			return storage.ErrDuplicate
		}
		raw, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("marshal connection: %w", err)
		}
		return b.Put([]byte(c.ID), raw)
	})
}

func (f *FileStore) GetConnection(ctx context.Context, orgID, id string) (*types.Connection, error) {
	var c *types.Connection
	err := f.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(connectionsBucket).Get([]byte(id))
		if raw == nil {
			return storage.ErrNotFound
		}
		var decoded types.Connection
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return fmt.Errorf("unmarshal connection: %w", err)
		}
		if decoded.OrganizationID != orgID {
			return storage.ErrNotFound
		}
		c = &decoded
		return nil
	})
	return c, err
}

func (f *FileStore) ListConnections(ctx context.Context, orgID, userID, provider string) ([]*types.Connection, error) {
	var out []*types.Connection
	err := f.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(connectionsBucket).ForEach(func(_, raw []byte) error {
			var c types.Connection
			if err := json.Unmarshal(raw, &c); err != nil {
				return fmt.Errorf("unmarshal connection: %w", err)
			}
			if c.OrganizationID != orgID || c.UserID != userID || !c.IsActive {
				return nil
			}
			if provider != "" && c.Provider != provider {
				return nil
			}
			out = append(out, &c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *FileStore) GetConnectionByProvider(ctx context.Context, orgID, userID, provider string) (*types.Connection, error) {
	list, err := f.ListConnections(ctx, orgID, userID, provider)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, storage.ErrNotFound
	}
	return list[len(list)-1], nil
}

func (f *FileStore) UpdateConnection(ctx context.Context, c *types.Connection) error {
	return f.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(connectionsBucket)
		raw := b.Get([]byte(c.ID))
		if raw == nil {
			return storage.ErrNotFound
		}
		var existing types.Connection
		if err := json.Unmarshal(raw, &existing); err != nil {
			return fmt.Errorf("unmarshal connection: %w", err)
		}
		if existing.OrganizationID != c.OrganizationID {
			return storage.ErrNotFound
		}
		updated, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("marshal connection: %w", err)
		}
		return b.Put([]byte(c.ID), updated)
	})
}

var _ Persistence = (*FileStore)(nil)
