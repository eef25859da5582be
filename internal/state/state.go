// Package state wraps a bbolt database holding all durable application
// state: the library item records, the pending sync-task queue and the
// per-path reconciliation watermarks.
package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/hearkenapp/hearken/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.hearken/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	itemsBucket = []byte("items")
	tasksBucket = []byte("tasks")
	metaBucket  = []byte("meta")
)

// lastSyncKey returns the meta key holding the reconciliation watermark
// for a list path. The empty path (library root) gets its own key.
func lastSyncKey(path string) []byte {
	return []byte("lastsync:" + path)
}

// Store wraps a bbolt database for all persistent application state.
type Store struct {
	db *bolt.DB
}

// Load opens the state database at ~/.hearken/state.db, creating it
// if it does not exist. All buckets are created on open.
func Load() (*Store, error) {
	return LoadAt(dbPath())
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(itemsBucket); err != nil {
			return err
		}

		if _, err := tx.CreateBucketIfNotExists(tasksBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(metaBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveItem persists a single item record, keyed by its relative path.
func (s *Store) SaveItem(it models.Item) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putItem(tx.Bucket(itemsBucket), it)
	})
}

// ApplyItems commits a batch of item upserts and deletions in a single
// transaction. Subtree moves and folder renames rewrite every affected
// descendant through this so no partially re-pathed state is ever
// observable on disk: either the whole batch commits or none of it.
func (s *Store) ApplyItems(upserts []models.Item, deletePaths []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(itemsBucket)

		for _, path := range deletePaths {
			if err := b.Delete([]byte(path)); err != nil {
				return err
			}
		}

		for _, it := range upserts {
			if err := putItem(b, it); err != nil {
				return err
			}
		}

		return nil
	})
}

// GetItem returns the item record for a path, or nil if not found.
func (s *Store) GetItem(path string) (*models.Item, error) {
	var it *models.Item

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(itemsBucket).Get([]byte(path))
		if v == nil {
			return nil
		}

		it = &models.Item{}

		return json.Unmarshal(v, it)
	})

	return it, err
}

// DeleteItem removes the item record for a path.
func (s *Store) DeleteItem(path string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(itemsBucket).Delete([]byte(path))
	})
}

// AllItems returns every item record, keyed by relative path.
func (s *Store) AllItems() (map[string]models.Item, error) {
	result := make(map[string]models.Item)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(itemsBucket).ForEach(func(k, v []byte) error {
			var it models.Item
			if err := json.Unmarshal(v, &it); err != nil {
				return err
			}

			result[string(k)] = it

			return nil
		})
	})

	return result, err
}

func putItem(b *bolt.Bucket, it models.Item) error {
	data, err := json.Marshal(it)
	if err != nil {
		return err
	}

	return b.Put([]byte(it.RelativePath), data)
}

// SaveTask persists a queued sync task. When the task has no sequence
// number yet, one is assigned from the bucket sequence; the assigned
// value is written back to the passed task. Tasks iterate in sequence
// order, which is enqueue order.
func (s *Store) SaveTask(t *models.SyncTask) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tasksBucket)

		if t.Seq == 0 {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}

			t.Seq = seq
		}

		data, err := json.Marshal(t)
		if err != nil {
			return err
		}

		return b.Put(taskKey(t.Seq), data)
	})
}

// DeleteTask removes a task by sequence number.
func (s *Store) DeleteTask(seq uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tasksBucket).Delete(taskKey(seq))
	})
}

// AllTasks returns every pending task in enqueue order.
func (s *Store) AllTasks() ([]models.SyncTask, error) {
	var tasks []models.SyncTask

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(tasksBucket).ForEach(func(k, v []byte) error {
			var t models.SyncTask
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}

			tasks = append(tasks, t)

			return nil
		})
	})

	return tasks, err
}

// ClearTasks removes every pending task. Used by cancelAllJobs.
func (s *Store) ClearTasks() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(tasksBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucket(tasksBucket)

		return err
	})
}

func taskKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)

	return key
}

// LastSynced returns the time of the last successful reconciliation for
// a list path, or the zero time if the path has never been reconciled.
func (s *Store) LastSynced(path string) (time.Time, error) {
	var ts time.Time

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(lastSyncKey(path))
		if v == nil {
			return nil
		}

		return ts.UnmarshalText(v)
	})

	return ts, err
}

// SetLastSynced records a successful reconciliation for a list path.
func (s *Store) SetLastSynced(path string, ts time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := ts.MarshalText()
		if err != nil {
			return err
		}

		return tx.Bucket(metaBucket).Put(lastSyncKey(path), data)
	})
}

func dbPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		// Fail loudly rather than silently writing to the current directory
		// where the database might end up with wrong permissions or inside
		// a source-controlled tree.
		fmt.Fprintf(os.Stderr, "fatal: cannot determine home directory: %v\n", err)
		os.Exit(1)
	}

	return filepath.Join(dir, ".hearken", "state.db")
}
