// Package substrate defines the capability-set contract the object store
// is built on: two partitions ("meta" and "chunks"), atomic cross-partition
// batches, and prefix iteration. It is the single seam to the underlying
// embedded LSM/KV engine — callers above this package never see engine
// specific types, only the partition names, Batch and Durability.
package substrate

import "errors"

var (
	// ErrUnavailable signals an I/O or corruption failure in the underlying
	// engine. Propagate; do not retry blindly.
	ErrUnavailable = errors.New("substrate: unavailable")

	// ErrBatchTooLarge names the substrate's batch-size error. The bundled
	// stores (bolt, memtest) enforce no cap and never return it from
	// Commit; operation-count and byte caps are enforced above the
	// substrate by internal/batch, which returns batch.ErrBatchTooLarge.
	ErrBatchTooLarge = errors.New("substrate: batch too large")

	// ErrInvariantViolation is raised only by higher layers performing
	// consistency checks against substrate-returned data; the substrate
	// itself never constructs this error.
	ErrInvariantViolation = errors.New("substrate: invariant violation")
)

// Durability selects how aggressively Commit persists a batch before
// returning control to the caller.
type Durability int

const (
	// Sync fsyncs the write-ahead log before Commit returns.
	Sync Durability = iota
	// Buffered returns once the batch is applied in memory; it becomes
	// durable on the next group flush.
	Buffered
)

// Partition names. The substrate exposes exactly these two.
const (
	Meta   = "meta"
	Chunks = "chunks"
)

// Entry is one (key, value) pair returned by a Scan.
type Entry struct {
	Key   []byte
	Value []byte
}

// Store is the capability set every upper layer depends on. Concrete
// engines (bolt-backed, in-memory) implement this interface; nothing above
// this package imports an engine-specific type.
type Store interface {
	// Get reads the current value for key in partition. A nil value with
	// ok == false means the key is absent.
	Get(partition string, key []byte) (value []byte, ok bool, err error)

	// Scan iterates keys in partition lexicographically, starting strictly
	// after startAfter (nil means "from the beginning"), stopping once
	// limit entries have been yielded or prefix no longer matches. A
	// negative limit means unbounded.
	Scan(partition string, prefix, startAfter []byte, limit int) ([]Entry, error)

	// NewBatch returns an empty mutation accumulator spanning both
	// partitions.
	NewBatch() *Batch

	// Commit applies batch atomically: all mutations across both
	// partitions land, or none do. durability controls whether Commit
	// blocks on an fsync.
	Commit(batch *Batch, durability Durability) error

	// Close releases the engine's resources (file handles, locks).
	Close() error
}

// Op is one buffered mutation inside a Batch.
type Op struct {
	Partition string
	Key       []byte
	Value     []byte // nil for a remove
	Remove    bool
}

// Batch accumulates put/remove operations across both partitions for a
// single atomic Commit. A Batch is not safe for concurrent use; callers
// build it up on one goroutine before handing it to Commit.
type Batch struct {
	ops       []Op
	byteTotal int
}

// Insert buffers a put of key/value into partition.
func (b *Batch) Insert(partition string, key, value []byte) {
	b.ops = append(b.ops, Op{Partition: partition, Key: key, Value: value})
	b.byteTotal += len(key) + len(value)
}

// Remove buffers a delete of key from partition.
func (b *Batch) Remove(partition string, key []byte) {
	b.ops = append(b.ops, Op{Partition: partition, Key: key, Remove: true})
	b.byteTotal += len(key)
}

// Len reports the number of buffered operations.
func (b *Batch) Len() int { return len(b.ops) }

// Bytes reports the approximate total byte footprint of buffered
// operations (sum of key and value lengths), used for batch_max_bytes
// enforcement.
func (b *Batch) Bytes() int { return b.byteTotal }

// Ops exposes the buffered operations in insertion order for engines to
// apply; engine packages are the only intended callers.
func (b *Batch) Ops() []Op { return b.ops }
