// Package bolt implements the substrate.Store contract on top of
// go.etcd.io/bbolt, an embedded single-file B+tree with its own
// write-ahead/mmap commit protocol. One bbolt bucket backs each logical
// partition ("meta", "chunks"); a bbolt transaction already spans every
// bucket in the file, which is what gives Commit atomicity across both
// partitions for free.
package bolt

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"wfldb/internal/logging"
	"wfldb/internal/substrate"
)

// Config configures a Store.
type Config struct {
	// DataDir is the directory containing the bbolt database file.
	// Required.
	DataDir string

	// FileName overrides the database file name within DataDir.
	// Defaults to "wfldb.db".
	FileName string

	// OpenTimeout bounds how long to wait for the bbolt file lock before
	// giving up. Defaults to 1 second.
	OpenTimeout time.Duration

	// Logger for structured logging. If nil, logging is disabled.
	// Scoped with component="substrate-bolt".
	Logger *slog.Logger
}

// Store is a bbolt-backed substrate.Store.
type Store struct {
	db     *bolt.DB
	logger *slog.Logger
}

var partitions = [2]string{substrate.Meta, substrate.Chunks}

// Open creates or opens the bbolt database under cfg.DataDir, creating
// the meta and chunks buckets if this is a fresh file.
func Open(cfg Config) (*Store, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("bolt: DataDir is required")
	}
	cfg.FileName = cmp.Or(cfg.FileName, "wfldb.db")
	cfg.OpenTimeout = cmp.Or(cfg.OpenTimeout, time.Second)

	logger := logging.Default(cfg.Logger).With("component", "substrate-bolt")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("bolt: create data dir: %w", err)
	}

	path := filepath.Join(cfg.DataDir, cfg.FileName)
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: cfg.OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", substrate.ErrUnavailable, path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, p := range partitions {
			if _, err := tx.CreateBucketIfNotExists([]byte(p)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: init buckets: %v", substrate.ErrUnavailable, err)
	}

	logger.Info("substrate opened", "path", path)
	return &Store{db: db, logger: logger}, nil
}

// Get implements substrate.Store.
func (s *Store) Get(partition string, key []byte) ([]byte, bool, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(partition))
		if b == nil {
			return fmt.Errorf("bolt: unknown partition %q", partition)
		}
		if v := b.Get(key); v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("%w: get: %v", substrate.ErrUnavailable, err)
	}
	return value, value != nil, nil
}

// Scan implements substrate.Store. Results are strictly ascending by key,
// restricted to keys sharing prefix, starting after startAfter.
func (s *Store) Scan(partition string, prefix, startAfter []byte, limit int) ([]substrate.Entry, error) {
	var entries []substrate.Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(partition))
		if b == nil {
			return fmt.Errorf("bolt: unknown partition %q", partition)
		}
		c := b.Cursor()

		var k, v []byte
		if startAfter != nil && bytes.Compare(startAfter, prefix) >= 0 {
			k, v = c.Seek(startAfter)
			if k != nil && bytes.Equal(k, startAfter) {
				k, v = c.Next()
			}
		} else {
			// A startAfter below prefix sorts before every key sharing
			// prefix, so the scan starts at prefix itself.
			k, v = c.Seek(prefix)
		}

		for ; k != nil; k, v = c.Next() {
			if !bytes.HasPrefix(k, prefix) {
				break
			}
			if limit >= 0 && len(entries) >= limit {
				break
			}
			entries = append(entries, substrate.Entry{
				Key:   append([]byte(nil), k...),
				Value: append([]byte(nil), v...),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: scan: %v", substrate.ErrUnavailable, err)
	}
	return entries, nil
}

// NewBatch implements substrate.Store.
func (s *Store) NewBatch() *substrate.Batch { return &substrate.Batch{} }

// Commit implements substrate.Store. bbolt transactions already span all
// buckets in one file, so a single db.Update gives atomicity across the
// meta and chunks partitions without any extra coordination.
func (s *Store) Commit(batch *substrate.Batch, durability substrate.Durability) error {
	ops := batch.Ops()
	if len(ops) == 0 {
		return nil
	}

	noSync := s.db.NoSync
	s.db.NoSync = durability == substrate.Buffered
	defer func() { s.db.NoSync = noSync }()

	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, o := range ops {
			b := tx.Bucket([]byte(o.Partition))
			if b == nil {
				return fmt.Errorf("bolt: unknown partition %q", o.Partition)
			}
			if o.Remove {
				if err := b.Delete(o.Key); err != nil {
					return err
				}
				continue
			}
			if err := b.Put(o.Key, o.Value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: commit: %v", substrate.ErrUnavailable, err)
	}
	return nil
}

// Close implements substrate.Store.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", substrate.ErrUnavailable, err)
	}
	return nil
}

var _ substrate.Store = (*Store)(nil)
