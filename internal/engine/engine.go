// Package engine wires the substrate, chunk store, object layer, batch
// coordinator and GC sweeper into the operational contract the transport
// collaborator calls into, and exposes the corruption read-only latch
// described in spec §7.
package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"wfldb/internal/batch"
	"wfldb/internal/chunkstore"
	"wfldb/internal/epoch"
	"wfldb/internal/gc"
	"wfldb/internal/logging"
	"wfldb/internal/object"
	"wfldb/internal/scan"
	"wfldb/internal/substrate"
	boltstore "wfldb/internal/substrate/bolt"
)

// Config assembles an Engine. It mirrors spec §6's configuration options
// consumed at construction.
type Config struct {
	// DataDir is the filesystem path for the substrate's database file.
	// Required.
	DataDir string

	InlineThresholdBytes int
	ChunkSizeBytes       int
	BatchMaxOps          int
	BatchMaxBytes        int
	GCGraceMs            int64
	GCIntervalMs         int64

	// Logger for structured logging. If nil, logging is disabled, scoped
	// per component the way the teacher's orchestrator scopes its
	// wired subsystems.
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	c.InlineThresholdBytes = cmp.Or(c.InlineThresholdBytes, 65536)
	c.ChunkSizeBytes = cmp.Or(c.ChunkSizeBytes, 4*1024*1024)
	c.BatchMaxOps = cmp.Or(c.BatchMaxOps, 1024)
	c.BatchMaxBytes = cmp.Or(c.BatchMaxBytes, 16*1024*1024)
	c.GCGraceMs = cmp.Or(c.GCGraceMs, 60_000)
	c.GCIntervalMs = cmp.Or(c.GCIntervalMs, 30_000)
	return c
}

// ErrReadOnly is returned by every mutating operation once a corruption
// error has tripped the read-only latch.
var ErrReadOnly = errors.New("engine: read-only after corruption, operator intervention required")

// Engine is the assembled storage engine: the single entry point the
// transport collaborator talks to.
type Engine struct {
	substrate substrate.Store
	chunks    *chunkstore.Store
	objects   *object.Layer
	batches   *batch.Coordinator
	sweeper   *gc.Sweeper
	guard     *epoch.Guard
	logger    *slog.Logger

	readOnly atomic.Bool
}

// Open constructs an Engine against cfg.DataDir, wiring substrate → chunk
// store → object layer → batch coordinator → scan/GC, and starts the GC
// sweeper on a schedule.
func Open(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("engine: DataDir is required")
	}
	cfg = cfg.withDefaults()
	logger := logging.Default(cfg.Logger).With("component", "engine")

	sub, err := boltstore.Open(boltstore.Config{DataDir: cfg.DataDir, Logger: cfg.Logger})
	if err != nil {
		return nil, fmt.Errorf("engine: open substrate: %w", err)
	}

	guard := epoch.NewGuard()
	chunks := chunkstore.New(sub)
	objects := object.New(sub, chunks, object.Config{
		InlineThresholdBytes: cfg.InlineThresholdBytes,
		ChunkSizeBytes:       cfg.ChunkSizeBytes,
		Epoch:                guard,
		Logger:               cfg.Logger,
	})
	coordinator := batch.New(sub, chunks, objects.VersionGenerator(), batch.Config{
		MaxOps:   cfg.BatchMaxOps,
		MaxBytes: cfg.BatchMaxBytes,
	})
	sweeper := gc.New(sub, chunks, guard, gc.Config{
		GraceMs:    cfg.GCGraceMs,
		IntervalMs: cfg.GCIntervalMs,
		Logger:     cfg.Logger,
	})

	e := &Engine{
		substrate: sub,
		chunks:    chunks,
		objects:   objects,
		batches:   coordinator,
		sweeper:   sweeper,
		guard:     guard,
		logger:    logger,
	}

	if err := sweeper.Start(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("engine: start gc: %w", err)
	}

	logger.Info("engine opened", "data_dir", cfg.DataDir)
	return e, nil
}

// Close stops the GC sweeper and closes the underlying substrate.
func (e *Engine) Close() error {
	if err := e.sweeper.Stop(); err != nil {
		e.logger.Error("gc stop failed", "error", err)
	}
	return e.substrate.Close()
}

// Healthy reports whether the engine still accepts writes.
func (e *Engine) Healthy() bool { return !e.readOnly.Load() }

// Status returns a human-readable status string, following the teacher's
// convention of exposing state via predicates rather than panicking.
func (e *Engine) Status() string {
	if e.readOnly.Load() {
		return "read-only: corruption detected, awaiting operator intervention"
	}
	return "ok"
}

func (e *Engine) checkWritable() error {
	if e.readOnly.Load() {
		return ErrReadOnly
	}
	return nil
}

// latch trips the read-only latch if err is a corruption-class error
// (DigestMismatch, ChunkMissing, InvariantViolation), per spec §7.
func (e *Engine) latch(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, chunkstore.ErrDigestMismatch) ||
		errors.Is(err, chunkstore.ErrChunkMissing) ||
		errors.Is(err, substrate.ErrInvariantViolation) {
		if e.readOnly.CompareAndSwap(false, true) {
			e.logger.Error("read-only latch tripped", "error", err)
		}
	}
	return err
}

// Put implements the operational contract's put.
func (e *Engine) Put(bucket, key string, body io.Reader, durability substrate.Durability) (object.Version, error) {
	if err := e.checkWritable(); err != nil {
		return object.Version{}, err
	}
	v, err := e.objects.Put(bucket, key, body, durability)
	return v, e.latch(err)
}

// Get implements the operational contract's get. Errors surfaced while
// streaming a chunked body (digest mismatch, missing chunk) are latched
// the same as errors from the initial metadata lookup, since a corrupt
// chunk discovered mid-read is just as fatal per §7.
func (e *Engine) Get(bucket, key string) (object.Metadata, io.Reader, error) {
	m, r, err := e.objects.Get(bucket, key)
	if err != nil {
		return m, r, e.latch(err)
	}
	return m, &latchingReader{r: r, e: e}, nil
}

// latchingReader wraps a Get body reader so that any error surfacing
// during streaming (rather than at the initial metadata lookup) still
// passes through the engine's corruption read-only latch.
type latchingReader struct {
	r io.Reader
	e *Engine
}

func (lr *latchingReader) Read(p []byte) (int, error) {
	n, err := lr.r.Read(p)
	if err != nil && err != io.EOF {
		err = lr.e.latch(err)
	}
	return n, err
}

// Delete implements the operational contract's delete.
func (e *Engine) Delete(bucket, key string, durability substrate.Durability) (bool, error) {
	if err := e.checkWritable(); err != nil {
		return false, err
	}
	ok, err := e.objects.Delete(bucket, key, durability)
	return ok, e.latch(err)
}

// Head implements the operational contract's head.
func (e *Engine) Head(bucket, key string) (object.Metadata, bool, error) {
	m, ok, err := e.objects.Head(bucket, key)
	return m, ok, e.latch(err)
}

// Scan implements the operational contract's scan.
func (e *Engine) Scan(bucket, prefix string, startAfter []byte, limit int) ([]scan.Entry, error) {
	entries, err := scan.Scan(e.substrate, bucket, prefix, startAfter, limit)
	return entries, e.latch(err)
}

// Batch implements the operational contract's batch.
func (e *Engine) Batch(bucket string, ops []batch.Op, durability substrate.Durability) ([]batch.Result, error) {
	if err := e.checkWritable(); err != nil {
		return nil, err
	}
	results, err := e.batches.Commit(bucket, ops, durability)
	return results, e.latch(err)
}

// Sweep runs one GC pass synchronously, outside the scheduled interval.
// Useful for tests and operator-triggered collection.
func (e *Engine) Sweep(ctx context.Context) error {
	return e.sweeper.Sweep(ctx)
}
