// Package chunkstore implements the content-addressed chunk store: chunk
// bytes keyed by their BLAKE3-256 digest, reference counted, deleted only
// once their refcount drops to zero. It owns the chunks partition of the
// substrate exclusively; nothing outside this package writes to it.
package chunkstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"lukechampine.com/blake3"

	"wfldb/internal/substrate"
)

// DigestSize is the length in bytes of a ChunkDigest (BLAKE3-256 output).
const DigestSize = 32

// Digest is a content address: the BLAKE3-256 hash of a chunk's bytes.
type Digest [DigestSize]byte

// Sum computes the Digest of bytes.
func Sum(bytes []byte) Digest {
	return Digest(blake3.Sum256(bytes))
}

var (
	// ErrChunkMissing is returned when a digest referenced by a manifest
	// has no corresponding record — violates data-model invariant 1, fatal
	// for the read that hit it.
	ErrChunkMissing = errors.New("chunkstore: chunk missing")

	// ErrDigestMismatch is returned when a stored chunk's bytes no longer
	// hash to its own key — storage corruption, fatal for that read.
	ErrDigestMismatch = errors.New("chunkstore: digest mismatch")

	// errRefcountOverflow is wrapped into substrate.ErrInvariantViolation;
	// refcount saturates at math.MaxUint64 and must never silently wrap.
	errRefcountOverflow = errors.New("chunkstore: refcount overflow")
)

// record is the decoded form of a chunks-partition value:
// refcount(8, LE) || len(4, LE) || bytes.
type record struct {
	refcount uint64
	data     []byte
}

func encodeRecord(r record) []byte {
	buf := make([]byte, 8+4+len(r.data))
	binary.LittleEndian.PutUint64(buf[0:8], r.refcount)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(r.data)))
	copy(buf[12:], r.data)
	return buf
}

func decodeRecord(buf []byte) (record, error) {
	if len(buf) < 12 {
		return record{}, fmt.Errorf("%w: chunk record too short", ErrDigestMismatch)
	}
	refcount := binary.LittleEndian.Uint64(buf[0:8])
	n := binary.LittleEndian.Uint32(buf[8:12])
	if uint32(len(buf)-12) != n {
		return record{}, fmt.Errorf("%w: chunk record length mismatch", ErrDigestMismatch)
	}
	return record{refcount: refcount, data: buf[12:]}, nil
}

// Store is the chunk store. It reads through the substrate directly and
// writes by buffering mutations into a caller-supplied substrate.Batch,
// since every chunk mutation must commit atomically alongside the object
// metadata mutation that caused it.
type Store struct {
	substrate substrate.Store
}

// New returns a chunk store reading and writing through sub's chunks
// partition.
func New(sub substrate.Store) *Store {
	return &Store{substrate: sub}
}

func key(d Digest) []byte { return d[:] }

// Ops accumulates chunk mutations for a single logical commit (one
// object.Put/Delete, or one batch.Coordinator.Commit spanning several
// keys) into one substrate.Batch, caching each digest's resulting record
// so that a later PutChunk/Addref/Release call touching a digest already
// mutated earlier in the same Ops sees the pending value instead of
// stale on-disk state. Without this, e.g. re-Putting a key whose new
// body shares a chunk digest with its own prior manifest entry would
// have the increment (new manifest) and the decrement (released old
// manifest) both computed from the same stale on-disk refcount, and only
// the last of the two writes would survive the commit.
type Ops struct {
	store *Store
	batch *substrate.Batch
	cache map[Digest]record
}

// NewOps returns an Ops writing into batch.
func (s *Store) NewOps(batch *substrate.Batch) *Ops {
	return &Ops{store: s, batch: batch, cache: make(map[Digest]record)}
}

func (o *Ops) read(d Digest) (record, bool, error) {
	if rec, ok := o.cache[d]; ok {
		return rec, true, nil
	}
	return o.store.read(d)
}

func (o *Ops) write(d Digest, rec record) {
	o.cache[d] = rec
	o.batch.Insert(substrate.Chunks, key(d), encodeRecord(rec))
}

// PutChunk is Ops' cache-aware equivalent of Store.PutChunk.
func (o *Ops) PutChunk(data []byte) (Digest, error) {
	d := Sum(data)
	existing, ok, err := o.read(d)
	if err != nil {
		return Digest{}, err
	}
	if ok {
		next, err := incref(existing.refcount, 1)
		if err != nil {
			return Digest{}, err
		}
		o.write(d, record{refcount: next, data: existing.data})
		return d, nil
	}
	o.write(d, record{refcount: 1, data: data})
	return d, nil
}

// Addref is Ops' cache-aware equivalent of Store.Addref.
func (o *Ops) Addref(d Digest) error {
	rec, ok, err := o.read(d)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: addref %x", ErrChunkMissing, d)
	}
	next, err := incref(rec.refcount, 1)
	if err != nil {
		return err
	}
	o.write(d, record{refcount: next, data: rec.data})
	return nil
}

// Release is Ops' cache-aware equivalent of Store.Release.
func (o *Ops) Release(d Digest) error {
	rec, ok, err := o.read(d)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: release %x", ErrChunkMissing, d)
	}
	next := rec.refcount
	if next > 0 {
		next--
	}
	o.write(d, record{refcount: next, data: rec.data})
	return nil
}

// read loads the current record for digest, if any. It does not consult
// batch-pending writes; callers that issue more than one chunk mutation
// against the same batch must go through Ops instead, which caches
// pending writes so later reads within the same logical commit observe
// them.
func (s *Store) read(d Digest) (record, bool, error) {
	raw, ok, err := s.substrate.Get(substrate.Chunks, key(d))
	if err != nil {
		return record{}, false, fmt.Errorf("%w: %v", substrate.ErrUnavailable, err)
	}
	if !ok {
		return record{}, false, nil
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return record{}, false, err
	}
	return rec, true, nil
}

// PutChunk computes digest = BLAKE3(data). If a record already exists for
// that digest, its refcount is incremented by one in batch and the bytes
// are not rewritten (dedup). Otherwise a fresh record with refcount = 1 is
// inserted in batch.
func (s *Store) PutChunk(data []byte, batch *substrate.Batch) (Digest, error) {
	d := Sum(data)

	existing, ok, err := s.read(d)
	if err != nil {
		return Digest{}, err
	}
	if ok {
		next, err := incref(existing.refcount, 1)
		if err != nil {
			return Digest{}, err
		}
		batch.Insert(substrate.Chunks, key(d), encodeRecord(record{refcount: next, data: existing.data}))
		return d, nil
	}

	batch.Insert(substrate.Chunks, key(d), encodeRecord(record{refcount: 1, data: data}))
	return d, nil
}

// Addref increments digest's refcount by one in batch. The chunk must
// already exist; callers only addref digests they have already observed
// via a manifest or a prior PutChunk in the same logical operation.
func (s *Store) Addref(d Digest, batch *substrate.Batch) error {
	rec, ok, err := s.read(d)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: addref %x", ErrChunkMissing, d)
	}
	next, err := incref(rec.refcount, 1)
	if err != nil {
		return err
	}
	batch.Insert(substrate.Chunks, key(d), encodeRecord(record{refcount: next, data: rec.data}))
	return nil
}

// Release decrements digest's refcount by one in batch. A record whose
// refcount reaches zero is left in place (not removed) for the GC sweep to
// collect; Release never deletes directly.
func (s *Store) Release(d Digest, batch *substrate.Batch) error {
	rec, ok, err := s.read(d)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: release %x", ErrChunkMissing, d)
	}
	next := rec.refcount
	if next > 0 {
		next--
	}
	batch.Insert(substrate.Chunks, key(d), encodeRecord(record{refcount: next, data: rec.data}))
	return nil
}

// GetChunk reads and verifies the bytes for digest. Returns ErrChunkMissing
// if absent, ErrDigestMismatch if the stored bytes no longer hash to
// digest.
func (s *Store) GetChunk(d Digest) ([]byte, error) {
	rec, ok, err := s.read(d)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %x", ErrChunkMissing, d)
	}
	if Sum(rec.data) != d {
		return nil, fmt.Errorf("%w: %x", ErrDigestMismatch, d)
	}
	return rec.data, nil
}

// Sweep removes digest's record in batch if its current refcount is zero.
// It is a no-op (not an error) if the record is absent or still
// referenced.
func (s *Store) Sweep(d Digest, batch *substrate.Batch) error {
	rec, ok, err := s.read(d)
	if err != nil {
		return err
	}
	if !ok || rec.refcount != 0 {
		return nil
	}
	batch.Remove(substrate.Chunks, key(d))
	return nil
}

// incref adds delta to refcount, saturating at math.MaxUint64. Overflow
// past the saturation point is a fatal invariant violation, never a silent
// wraparound.
func incref(refcount, delta uint64) (uint64, error) {
	if refcount > math.MaxUint64-delta {
		return 0, fmt.Errorf("%w: %v", substrate.ErrInvariantViolation, errRefcountOverflow)
	}
	return refcount + delta, nil
}
