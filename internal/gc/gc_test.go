package gc

import (
	"bytes"
	"context"
	"testing"
	"time"

	"wfldb/internal/chunkstore"
	"wfldb/internal/epoch"
	"wfldb/internal/object"
	"wfldb/internal/substrate"
	"wfldb/internal/substrate/memtest"
)

func TestSweepFinalizesTombstoneAfterGrace(t *testing.T) {
	sub := memtest.New()
	cs := chunkstore.New(sub)

	clock := time.UnixMilli(1_000_000)
	now := func() time.Time { return clock }

	l := object.New(sub, cs, object.Config{Now: now})
	if _, err := l.Put("b", "k1", bytes.NewReader(bytes.Repeat([]byte{0x00}, 8*1024*1024)), substrate.Sync); err != nil {
		t.Fatalf("Put k1: %v", err)
	}
	if _, err := l.Put("b", "k2", bytes.NewReader(bytes.Repeat([]byte{0x00}, 8*1024*1024)), substrate.Sync); err != nil {
		t.Fatalf("Put k2: %v", err)
	}

	if ok, err := l.Delete("b", "k1", substrate.Sync); err != nil || !ok {
		t.Fatalf("Delete: ok=%v err=%v", ok, err)
	}

	m2, _, err := l.Get("b", "k2")
	if err != nil {
		t.Fatalf("Get k2: %v", err)
	}
	sharedDigest := m2.Storage.Manifest[0].Digest

	rec, ok, _ := sub.Get(substrate.Chunks, sharedDigest[:])
	if !ok {
		t.Fatal("expected shared chunk present")
	}
	if rec[0] != 1 {
		t.Fatalf("refcount after delete = %d, want 1 (still referenced by k2)", rec[0])
	}

	clock = clock.Add(2 * time.Minute)

	sweeper := New(sub, cs, nil, Config{GraceMs: 60_000, Now: now})
	if err := sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if _, ok, _ := sub.Get(substrate.Meta, object.MetaKey("b", "k1")); ok {
		t.Fatal("expected tombstone physically removed after grace+sweep")
	}

	if _, ok, _ := sub.Get(substrate.Chunks, sharedDigest[:]); !ok {
		t.Fatal("expected shared chunk to survive sweep: still referenced by live k2")
	}

	body2, err := readAllBody(t, l, "b", "k2")
	if err != nil {
		t.Fatalf("Get k2 after sweep: %v", err)
	}
	if len(body2) != 8*1024*1024 {
		t.Fatalf("k2 body length = %d, want 8MiB", len(body2))
	}
}

func readAllBody(t *testing.T, l *object.Layer, bucket, key string) ([]byte, error) {
	t.Helper()
	_, r, err := l.Get(bucket, key)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 8*1024*1024)
	tmp := make([]byte, 32*1024)
	for {
		n, err := r.Read(tmp)
		buf = append(buf, tmp[:n]...)
		if err != nil {
			break
		}
	}
	return buf, nil
}

func TestSweepDoesNotTouchUnexpiredTombstone(t *testing.T) {
	sub := memtest.New()
	cs := chunkstore.New(sub)

	clock := time.UnixMilli(1_000_000)
	now := func() time.Time { return clock }

	l := object.New(sub, cs, object.Config{Now: now})
	if _, err := l.Put("b", "k1", bytes.NewReader([]byte("v")), substrate.Sync); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ok, err := l.Delete("b", "k1", substrate.Sync); err != nil || !ok {
		t.Fatalf("Delete: ok=%v err=%v", ok, err)
	}

	sweeper := New(sub, cs, nil, Config{GraceMs: 60_000, Now: now})
	if err := sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if _, ok, _ := sub.Get(substrate.Meta, object.MetaKey("b", "k1")); !ok {
		t.Fatal("expected tombstone to survive sweep before grace period elapses")
	}
}

func TestSweepChunksRemovesZeroRefcount(t *testing.T) {
	sub := memtest.New()
	cs := chunkstore.New(sub)

	b := sub.NewBatch()
	d, err := cs.PutChunk([]byte("orphan"), b)
	if err != nil {
		t.Fatalf("PutChunk: %v", err)
	}
	if err := sub.Commit(b, substrate.Sync); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	b2 := sub.NewBatch()
	if err := cs.Release(d, b2); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := sub.Commit(b2, substrate.Sync); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	sweeper := New(sub, cs, nil, Config{})
	if err := sweeper.sweepChunks(context.Background()); err != nil {
		t.Fatalf("sweepChunks: %v", err)
	}

	if _, ok, _ := sub.Get(substrate.Chunks, d[:]); ok {
		t.Fatal("expected zero-refcount chunk removed")
	}
}

func TestSweepChunksRespectsEpochGuard(t *testing.T) {
	sub := memtest.New()
	cs := chunkstore.New(sub)
	guard := epoch.NewGuard()

	b := sub.NewBatch()
	d, err := cs.PutChunk([]byte("orphan"), b)
	if err != nil {
		t.Fatalf("PutChunk: %v", err)
	}
	if err := sub.Commit(b, substrate.Sync); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	b2 := sub.NewBatch()
	if err := cs.Release(d, b2); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := sub.Commit(b2, substrate.Sync); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	token := guard.Enter()
	defer guard.Exit(token)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	sweeper := New(sub, cs, guard, Config{})
	err = sweeper.sweepChunks(ctx)
	if err == nil {
		t.Fatal("expected sweepChunks to block on the held epoch and time out")
	}

	if _, ok, _ := sub.Get(substrate.Chunks, d[:]); !ok {
		t.Fatal("expected zero-refcount chunk to survive while a reader holds an epoch token")
	}
}

func TestSweepRespectsEpochGuard(t *testing.T) {
	sub := memtest.New()
	cs := chunkstore.New(sub)
	guard := epoch.NewGuard()

	clock := time.UnixMilli(1_000_000)
	now := func() time.Time { return clock }

	l := object.New(sub, cs, object.Config{Now: now, Epoch: guard})
	if _, err := l.Put("b", "k1", bytes.NewReader([]byte("v")), substrate.Sync); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ok, err := l.Delete("b", "k1", substrate.Sync); err != nil || !ok {
		t.Fatalf("Delete: ok=%v err=%v", ok, err)
	}

	clock = clock.Add(2 * time.Minute)

	token := guard.Enter()
	defer guard.Exit(token)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	sweeper := New(sub, cs, guard, Config{GraceMs: 60_000, Now: now})
	err := sweeper.Sweep(ctx)
	if err == nil {
		t.Fatal("expected sweep to block on the held epoch and time out")
	}
}
