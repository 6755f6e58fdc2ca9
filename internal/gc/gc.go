// Package gc implements the background sweep that finalizes tombstoned
// metadata records and collects zero-refcount chunks. It runs on a
// gocron schedule, mirroring the teacher's internal/orchestrator
// scheduler, and waits out in-flight readers via an epoch.Guard barrier
// before physically removing a tombstone.
package gc

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"wfldb/internal/chunkstore"
	"wfldb/internal/epoch"
	"wfldb/internal/logging"
	"wfldb/internal/object"
	"wfldb/internal/substrate"
)

// Config configures a Sweeper.
type Config struct {
	// GraceMs is how long a tombstone must sit before it is eligible for
	// physical removal. Defaults to 60_000.
	GraceMs int64
	// IntervalMs is the period between scheduled sweeps. Defaults to
	// 30_000.
	IntervalMs int64
	// BatchSize bounds how many records one sweep pass removes per
	// substrate commit, keeping GC resumable and bounded. Defaults to 256.
	BatchSize int
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
	// Logger for structured logging. If nil, logging is disabled. Scoped
	// with component="gc".
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	c.GraceMs = cmp.Or(c.GraceMs, 60_000)
	c.IntervalMs = cmp.Or(c.IntervalMs, 30_000)
	c.BatchSize = cmp.Or(c.BatchSize, 256)
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Sweeper runs the background GC sweep: finalize tombstones past their
// grace period, then collect chunk records whose refcount has reached
// zero.
type Sweeper struct {
	substrate substrate.Store
	chunks    *chunkstore.Store
	guard     *epoch.Guard
	cfg       Config
	logger    *slog.Logger

	scheduler gocron.Scheduler
}

// New returns a Sweeper. guard may be nil to disable the epoch barrier
// (only safe when nothing reads concurrently with GC, e.g. in tests).
func New(sub substrate.Store, cs *chunkstore.Store, guard *epoch.Guard, cfg Config) *Sweeper {
	cfg = cfg.withDefaults()
	return &Sweeper{
		substrate: sub,
		chunks:    cs,
		guard:     guard,
		cfg:       cfg,
		logger:    logging.Default(cfg.Logger).With("component", "gc"),
	}
}

// Start schedules the sweep to run every cfg.IntervalMs on a gocron
// scheduler. Call Stop to shut the scheduler down.
func (s *Sweeper) Start(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("gc: new scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(time.Duration(s.cfg.IntervalMs)*time.Millisecond),
		gocron.NewTask(func() {
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep failed", "error", err)
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("gc: schedule job: %w", err)
	}
	s.scheduler = sched
	sched.Start()
	s.logger.Info("gc scheduler started", "interval_ms", s.cfg.IntervalMs)
	return nil
}

// Stop shuts down the scheduler, if Start was called.
func (s *Sweeper) Stop() error {
	if s.scheduler == nil {
		return nil
	}
	return s.scheduler.Shutdown()
}

// Sweep runs one GC pass: it is idempotent and safe to interrupt (e.g.
// via ctx cancellation) and resume on the next scheduled tick without
// violating any invariant, since every removal is a committed batch
// against records it has just reconfirmed are eligible.
func (s *Sweeper) Sweep(ctx context.Context) error {
	if err := s.sweepTombstones(ctx); err != nil {
		return fmt.Errorf("gc: sweep tombstones: %w", err)
	}
	if err := s.sweepChunks(ctx); err != nil {
		return fmt.Errorf("gc: sweep chunks: %w", err)
	}
	return nil
}

// sweepTombstones finds tombstoned metadata records older than the grace
// period, waits for pre-tombstone readers to drain via the epoch guard,
// then removes the metadata records in bounded batches. Chunk refcounts
// are not touched here: the delete that wrote the tombstone already
// released the manifest's chunks.
func (s *Sweeper) sweepTombstones(ctx context.Context) error {
	cutoff := uint64(s.cfg.Now().UnixMilli() - s.cfg.GraceMs)

	var startAfter []byte
	for {
		entries, err := s.substrate.Scan(substrate.Meta, nil, startAfter, s.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("%w: %v", substrate.ErrUnavailable, err)
		}
		if len(entries) == 0 {
			return nil
		}
		startAfter = entries[len(entries)-1].Key

		var eligible [][]byte
		for _, e := range entries {
			m, err := object.DecodeFrame(e.Value)
			if err != nil {
				return err
			}
			if !m.Tombstone || m.CreatedAt > cutoff {
				continue
			}
			eligible = append(eligible, e.Key)
		}

		removed := 0
		if len(eligible) > 0 {
			// One barrier wait per page, not per row: every reader that
			// entered before this page's removals were decided is safe to
			// wait out once, rather than re-advancing the epoch and
			// re-polling for every eligible tombstone in the page.
			barrier := s.currentBarrier()
			if s.guard != nil {
				if err := s.guard.WaitBelow(ctx, barrier); err != nil {
					return err
				}
			}

			batch := s.substrate.NewBatch()
			for _, key := range eligible {
				batch.Remove(substrate.Meta, key)
			}
			removed = len(eligible)
			if err := s.substrate.Commit(batch, substrate.Buffered); err != nil {
				return err
			}
			s.logger.Info("finalized tombstones", "count", removed)
		}

		if len(entries) < s.cfg.BatchSize {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// currentBarrier advances the epoch guard's generation and returns the
// generation that was just closed: every reader that entered before this
// call is safe to wait out, and every reader entering after it observes
// the new generation instead.
func (s *Sweeper) currentBarrier() uint64 {
	if s.guard == nil {
		return 0
	}
	return s.guard.Advance()
}

// sweepChunks removes chunk records whose refcount has reached zero. A
// chunk can reach zero refcount because a concurrent Put/Delete released
// the last manifest referencing it while a reader that started earlier
// is still streaming it (object.manifestReader holds an epoch token for
// exactly this reason), so this waits out pre-page readers via the
// epoch guard before removing anything, the same as sweepTombstones.
func (s *Sweeper) sweepChunks(ctx context.Context) error {
	var startAfter []byte
	for {
		entries, err := s.substrate.Scan(substrate.Chunks, nil, startAfter, s.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("%w: %v", substrate.ErrUnavailable, err)
		}
		if len(entries) == 0 {
			return nil
		}
		startAfter = entries[len(entries)-1].Key

		barrier := s.currentBarrier()
		if s.guard != nil {
			if err := s.guard.WaitBelow(ctx, barrier); err != nil {
				return err
			}
		}

		batch := s.substrate.NewBatch()
		for _, e := range entries {
			var d chunkstore.Digest
			copy(d[:], e.Key)
			if err := s.chunks.Sweep(d, batch); err != nil {
				return err
			}
		}
		if batch.Len() > 0 {
			if err := s.substrate.Commit(batch, substrate.Buffered); err != nil {
				return err
			}
			s.logger.Info("collected chunks", "count", batch.Len())
		}

		if len(entries) < s.cfg.BatchSize {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}
