// Package batch implements the Batch Coordinator: it assembles multiple
// object mutations into a single atomic substrate batch, resolving
// refcount deltas, tombstones and version stamps up front so the whole
// call either commits or has no effect at all.
package batch

import (
	"cmp"
	"errors"
	"fmt"
	"time"

	"wfldb/internal/chunkstore"
	"wfldb/internal/object"
	"wfldb/internal/substrate"
)

var (
	// ErrPreconditionFailed is returned when a ConditionalPut's expected
	// version does not match the version observed at batch start.
	ErrPreconditionFailed = errors.New("batch: precondition failed")

	// ErrBatchTooLarge is returned when the operation count or byte total
	// of a batch exceeds the configured caps.
	ErrBatchTooLarge = errors.New("batch: too large")

	// ErrLargeObjectUnsupported is returned for a Put whose body exceeds
	// what is allowed inside a batch; large-object puts must go through
	// object.Layer.Put directly, outside any batch.
	ErrLargeObjectUnsupported = errors.New("batch: large object unsupported in batch")
)

// Kind identifies a BatchOp's operation type.
type Kind int

const (
	OpPut Kind = iota
	OpDelete
	OpConditionalPut
)

// Op is one operation within a Coordinator.Commit call.
type Op struct {
	Kind Kind
	Key  string

	// Body is the inline payload for OpPut and OpConditionalPut.
	Body []byte

	// ExpectedVersion is consulted only for OpConditionalPut. A nil value
	// means "key must not currently exist".
	ExpectedVersion *object.Version
}

// Result reports the outcome of one operation within a successful batch.
type Result struct {
	Key     string
	Deleted bool
	Version object.Version
}

// Config bounds batch size.
type Config struct {
	// MaxOps is the maximum number of operations per batch. Defaults to
	// 1024.
	MaxOps int
	// MaxBytes is the maximum total batch byte footprint. Defaults to
	// 16 MiB.
	MaxBytes int

	// Now returns the current time, used to stamp CreatedAt on every
	// batch-written object. Defaults to time.Now; tests inject a fixed
	// clock the same way object.Config does.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	c.MaxOps = cmp.Or(c.MaxOps, 1024)
	c.MaxBytes = cmp.Or(c.MaxBytes, 16*1024*1024)
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Coordinator commits batches of object mutations atomically.
type Coordinator struct {
	substrate substrate.Store
	chunks    *chunkstore.Store
	versions  *object.Generator
	cfg       Config
}

// New returns a Coordinator sharing sub, cs and the Version generator
// versions. internal/engine passes the object.Layer's own generator
// (object.Layer.VersionGenerator), so per-key version monotonicity holds
// across both write paths; a Coordinator given a separate generator
// orders versions only among its own writes.
func New(sub substrate.Store, cs *chunkstore.Store, versions *object.Generator, cfg Config) *Coordinator {
	return &Coordinator{substrate: sub, chunks: cs, versions: versions, cfg: cfg.withDefaults()}
}

// Commit applies ops to bucket atomically: all operations succeed
// together, or the precondition/size failure is returned and the
// substrate is left untouched. Operations on the same key apply in the
// order given; the last operation's effect wins. ConditionalPut
// preconditions are evaluated against the state observed at the start of
// this call, never against intermediate effects of earlier ops in the
// same batch.
func (c *Coordinator) Commit(bucket string, ops []Op, durability substrate.Durability) ([]Result, error) {
	if len(ops) > c.cfg.MaxOps {
		return nil, fmt.Errorf("%w: %d operations exceeds max %d", ErrBatchTooLarge, len(ops), c.cfg.MaxOps)
	}

	// Snapshot current metadata for every distinct key up front: this is
	// "the state at batch start" that ConditionalPut checks against.
	snapshot := make(map[string]object.Metadata)
	snapshotPresent := make(map[string]bool)
	seen := make(map[string]bool)
	for _, op := range ops {
		if seen[op.Key] {
			continue
		}
		seen[op.Key] = true
		m, ok, err := c.readMeta(bucket, op.Key)
		if err != nil {
			return nil, err
		}
		snapshot[op.Key] = m
		snapshotPresent[op.Key] = ok && !m.Tombstone
	}

	for _, op := range ops {
		if op.Kind != OpConditionalPut {
			continue
		}
		present := snapshotPresent[op.Key]
		cur := snapshot[op.Key]
		switch {
		case op.ExpectedVersion == nil && present:
			return nil, fmt.Errorf("%w: key %q exists", ErrPreconditionFailed, op.Key)
		case op.ExpectedVersion != nil && (!present || cur.Version != *op.ExpectedVersion):
			return nil, fmt.Errorf("%w: key %q version mismatch", ErrPreconditionFailed, op.Key)
		}
	}

	sub := c.substrate
	batch := sub.NewBatch()
	chunkOps := c.chunks.NewOps(batch)

	// last[key] tracks the final op index per key so earlier ops on the
	// same key are skipped (their effect is fully superseded), as spec'd.
	last := make(map[string]int)
	for i, op := range ops {
		last[op.Key] = i
	}

	results := make([]Result, 0, len(ops))
	resultIdx := make(map[string]int)

	for i, op := range ops {
		if last[op.Key] != i {
			continue
		}
		res, err := c.applyOp(bucket, op, snapshot[op.Key], snapshotPresent[op.Key], batch, chunkOps)
		if err != nil {
			return nil, err
		}
		if idx, ok := resultIdx[op.Key]; ok {
			results[idx] = res
		} else {
			resultIdx[op.Key] = len(results)
			results = append(results, res)
		}
	}

	if batch.Bytes() > c.cfg.MaxBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds max %d", ErrBatchTooLarge, batch.Bytes(), c.cfg.MaxBytes)
	}

	if err := sub.Commit(batch, durability); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Coordinator) readMeta(bucket, key string) (object.Metadata, bool, error) {
	raw, ok, err := c.substrate.Get(substrate.Meta, object.MetaKey(bucket, key))
	if err != nil {
		return object.Metadata{}, false, fmt.Errorf("%w: %v", substrate.ErrUnavailable, err)
	}
	if !ok {
		return object.Metadata{}, false, nil
	}
	m, err := object.DecodeFrame(raw)
	if err != nil {
		return object.Metadata{}, false, err
	}
	return m, true, nil
}

// applyOp buffers op's effect into batch. snapshot/present describe
// op.Key's state at batch start, used both for the precondition check
// already performed in Commit and for computing chunk-release deltas.
// chunkOps is shared across every op in the same Commit call so that
// chunk mutations for different keys touching the same digest (e.g. two
// deduplicated keys deleted in the same batch) don't clobber each other.
func (c *Coordinator) applyOp(bucket string, op Op, snapshot object.Metadata, present bool, batch *substrate.Batch, chunkOps *chunkstore.Ops) (Result, error) {
	switch op.Kind {
	case OpDelete:
		if !present {
			return Result{Key: op.Key}, nil
		}
		if snapshot.Storage.Chunked {
			if err := releaseManifest(chunkOps, snapshot.Storage.Manifest); err != nil {
				return Result{}, err
			}
		}
		version := c.versions.Next(bucket, op.Key)
		tomb := object.Metadata{Version: version, CreatedAt: uint64(c.cfg.Now().UnixMilli()), Tombstone: true}
		batch.Insert(substrate.Meta, object.MetaKey(bucket, op.Key), object.EncodeFrame(tomb))
		return Result{Key: op.Key, Deleted: true, Version: version}, nil

	case OpPut, OpConditionalPut:
		if len(op.Body) >= maxBatchPutBytes {
			return Result{}, fmt.Errorf("%w: key %q body %d bytes", ErrLargeObjectUnsupported, op.Key, len(op.Body))
		}
		if present && snapshot.Storage.Chunked {
			if err := releaseManifest(chunkOps, snapshot.Storage.Manifest); err != nil {
				return Result{}, err
			}
		}
		digest := chunkstore.Sum(op.Body)
		version := c.versions.Next(bucket, op.Key)
		meta := object.Metadata{
			Version:       version,
			Size:          uint64(len(op.Body)),
			CreatedAt:     uint64(c.cfg.Now().UnixMilli()),
			ContentDigest: digest,
			Storage:       object.Storage{Inline: op.Body},
		}
		batch.Insert(substrate.Meta, object.MetaKey(bucket, op.Key), object.EncodeFrame(meta))
		return Result{Key: op.Key, Version: version}, nil

	default:
		return Result{}, fmt.Errorf("batch: unknown op kind %d", op.Kind)
	}
}

// maxBatchPutBytes matches the inline threshold: large-object puts are
// never permitted inside a batch regardless of the configured inline
// threshold elsewhere, since a batch never drives the chunker.
const maxBatchPutBytes = 65536

func releaseManifest(ops *chunkstore.Ops, manifest []object.ManifestEntry) error {
	for _, e := range manifest {
		if err := ops.Release(e.Digest); err != nil {
			return err
		}
	}
	return nil
}
