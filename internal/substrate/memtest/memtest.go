// Package memtest provides an in-memory substrate.Store for exercising the
// object, batch, scan and gc layers without touching disk. It follows the
// teacher's in-memory store idiom: plain maps guarded by a single mutex,
// with sorted-key iteration standing in for an LSM's natural key order.
package memtest

import (
	"bytes"
	"slices"
	"sync"

	"wfldb/internal/substrate"
)

// Store is an in-memory substrate.Store. Safe for concurrent use.
type Store struct {
	mu         sync.RWMutex
	partitions map[string]map[string][]byte
}

// New returns an empty Store with the meta and chunks partitions created.
func New() *Store {
	return &Store{
		partitions: map[string]map[string][]byte{
			substrate.Meta:   {},
			substrate.Chunks: {},
		},
	}
}

func (s *Store) Get(partition string, key []byte) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.partitions[partition]
	if !ok {
		return nil, false, nil
	}
	v, ok := p[string(key)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *Store) Scan(partition string, prefix, startAfter []byte, limit int) ([]substrate.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.partitions[partition]
	if !ok {
		return nil, nil
	}

	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var entries []substrate.Entry
	for _, k := range keys {
		kb := []byte(k)
		if !bytes.HasPrefix(kb, prefix) {
			continue
		}
		if startAfter != nil && bytes.Compare(kb, startAfter) <= 0 {
			continue
		}
		if limit >= 0 && len(entries) >= limit {
			break
		}
		entries = append(entries, substrate.Entry{
			Key:   kb,
			Value: append([]byte(nil), p[k]...),
		})
	}
	return entries, nil
}

func (s *Store) NewBatch() *substrate.Batch { return &substrate.Batch{} }

func (s *Store) Commit(batch *substrate.Batch, _ substrate.Durability) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range batch.Ops() {
		p, ok := s.partitions[o.Partition]
		if !ok {
			p = map[string][]byte{}
			s.partitions[o.Partition] = p
		}
		if o.Remove {
			delete(p, string(o.Key))
			continue
		}
		p[string(o.Key)] = append([]byte(nil), o.Value...)
	}
	return nil
}

func (s *Store) Close() error { return nil }

var _ substrate.Store = (*Store)(nil)
