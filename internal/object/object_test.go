package object

import (
	"bytes"
	"io"
	"testing"

	"lukechampine.com/blake3"

	"wfldb/internal/chunkstore"
	"wfldb/internal/substrate"
	"wfldb/internal/substrate/memtest"
)

func newTestLayer(t *testing.T) *Layer {
	t.Helper()
	sub := memtest.New()
	cs := chunkstore.New(sub)
	return New(sub, cs, Config{})
}

func readAll(t *testing.T, r io.Reader) []byte {
	t.Helper()
	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return b
}

func TestInlineRoundTrip(t *testing.T) {
	l := newTestLayer(t)

	v, err := l.Put("photos", "a.txt", bytes.NewReader([]byte("hello")), substrate.Sync)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if v == (Version{}) {
		t.Fatal("expected non-zero version")
	}

	m, body, err := l.Get("photos", "a.txt")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got := readAll(t, body)
	if !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("got %q, want %q", got, "hello")
	}
	if m.Size != 5 {
		t.Fatalf("Size = %d, want 5", m.Size)
	}
	if m.Storage.Chunked {
		t.Fatal("expected inline storage")
	}
	want := blake3.Sum256([]byte("hello"))
	if !bytes.Equal(m.ContentDigest[:], want[:]) {
		t.Fatalf("content digest mismatch")
	}
}

func TestChunkedRoundTrip(t *testing.T) {
	l := newTestLayer(t)

	body := bytes.Repeat([]byte{0xAB}, 10*1024*1024)
	_, err := l.Put("big", "k", bytes.NewReader(body), substrate.Sync)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	m, r, err := l.Get("big", "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got := readAll(t, r)
	if !bytes.Equal(got, body) {
		t.Fatal("reassembled body mismatch")
	}
	if !m.Storage.Chunked {
		t.Fatal("expected chunked storage")
	}
	if len(m.Storage.Manifest) != 3 {
		t.Fatalf("manifest entries = %d, want 3", len(m.Storage.Manifest))
	}
	wantSizes := []uint32{4 * 1024 * 1024, 4 * 1024 * 1024, 2 * 1024 * 1024}
	for i, e := range m.Storage.Manifest {
		if e.Size != wantSizes[i] {
			t.Fatalf("entry %d size = %d, want %d", i, e.Size, wantSizes[i])
		}
		want := blake3.Sum256(body[sumBefore(wantSizes, i):sumBefore(wantSizes, i)+int(e.Size)])
		if !bytes.Equal(e.Digest[:], want[:]) {
			t.Fatalf("entry %d digest mismatch", i)
		}
	}
}

// eofWithDataReader returns the last bytes of its payload together with
// io.EOF on the same Read call, which the io.Reader contract explicitly
// permits but bytes.Reader never exercises (it always reports EOF on a
// separate, zero-byte call).
type eofWithDataReader struct {
	data []byte
}

func (r *eofWithDataReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	if len(r.data) == 0 {
		return n, io.EOF
	}
	return n, nil
}

func TestPutClassifiesByTotalSizeEvenOnCombinedEOFRead(t *testing.T) {
	l := newTestLayer(t)

	body := bytes.Repeat([]byte{0xCD}, l.cfg.InlineThresholdBytes+1024)
	_, err := l.Put("big", "k", &eofWithDataReader{data: body}, substrate.Sync)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	m, r, err := l.Get("big", "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got := readAll(t, r)
	if !bytes.Equal(got, body) {
		t.Fatal("reassembled body mismatch")
	}
	if !m.Storage.Chunked {
		t.Fatal("expected a body at/over the inline threshold to be chunked, even when read in one EOF-terminated call")
	}
	if m.Storage.Inline != nil {
		t.Fatal("expected no inline body for an over-threshold object")
	}
}

func sumBefore(sizes []uint32, i int) int {
	var n int
	for j := 0; j < i; j++ {
		n += int(sizes[j])
	}
	return n
}

func TestManifestStability(t *testing.T) {
	l := newTestLayer(t)
	body := bytes.Repeat([]byte{0x42}, 9*1024*1024)

	_, err := l.Put("b", "k1", bytes.NewReader(body), substrate.Sync)
	if err != nil {
		t.Fatalf("Put k1: %v", err)
	}
	_, err = l.Put("b", "k2", bytes.NewReader(body), substrate.Sync)
	if err != nil {
		t.Fatalf("Put k2: %v", err)
	}

	m1, _, err := l.Get("b", "k1")
	if err != nil {
		t.Fatalf("Get k1: %v", err)
	}
	m2, _, err := l.Get("b", "k2")
	if err != nil {
		t.Fatalf("Get k2: %v", err)
	}
	if m1.ContentDigest != m2.ContentDigest {
		t.Fatal("expected identical content digests")
	}
	if len(m1.Storage.Manifest) != len(m2.Storage.Manifest) {
		t.Fatal("expected identical manifest lengths")
	}
	for i := range m1.Storage.Manifest {
		if m1.Storage.Manifest[i] != m2.Storage.Manifest[i] {
			t.Fatalf("manifest entry %d differs", i)
		}
	}
}

func TestDedupRefcount(t *testing.T) {
	sub := memtest.New()
	cs := chunkstore.New(sub)
	l := New(sub, cs, Config{})

	shared := bytes.Repeat([]byte{0x00}, 8*1024*1024)

	if _, err := l.Put("b", "k1", bytes.NewReader(shared), substrate.Sync); err != nil {
		t.Fatalf("Put k1: %v", err)
	}
	if _, err := l.Put("b", "k2", bytes.NewReader(shared), substrate.Sync); err != nil {
		t.Fatalf("Put k2: %v", err)
	}

	m1, _, err := l.Get("b", "k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	digest := m1.Storage.Manifest[0].Digest

	raw, ok, err := sub.Get(substrate.Chunks, digest[:])
	if err != nil || !ok {
		t.Fatalf("Get chunk record: ok=%v err=%v", ok, err)
	}
	refcount := raw[0] // little-endian u64, low byte suffices for small counts
	if refcount != 2 {
		t.Fatalf("refcount byte = %d, want 2", refcount)
	}
}

// Re-Putting k1 with identical content both adds a fresh reference to the
// shared chunk (new manifest) and releases k1's own prior manifest entry
// for the same digest, in the same commit. The net effect must be a
// no-op on that digest's refcount: k2's reference plus k1's still must
// equal 2, never collapse to 1 from the two writes racing each other
// within one batch.
func TestOverwriteWithSharedChunkPreservesRefcount(t *testing.T) {
	sub := memtest.New()
	cs := chunkstore.New(sub)
	l := New(sub, cs, Config{})

	shared := bytes.Repeat([]byte{0x00}, 8*1024*1024)

	if _, err := l.Put("b", "k1", bytes.NewReader(shared), substrate.Sync); err != nil {
		t.Fatalf("Put k1: %v", err)
	}
	if _, err := l.Put("b", "k2", bytes.NewReader(shared), substrate.Sync); err != nil {
		t.Fatalf("Put k2: %v", err)
	}

	// Re-Put k1 with the same body: its old manifest entry (shared with
	// k2) is released while the new manifest entry re-references the same
	// digest, both within this one Put's commit.
	if _, err := l.Put("b", "k1", bytes.NewReader(shared), substrate.Sync); err != nil {
		t.Fatalf("Put k1 again: %v", err)
	}

	m1, _, err := l.Get("b", "k1")
	if err != nil {
		t.Fatalf("Get k1: %v", err)
	}
	digest := m1.Storage.Manifest[0].Digest

	raw, ok, err := sub.Get(substrate.Chunks, digest[:])
	if err != nil || !ok {
		t.Fatalf("Get chunk record: ok=%v err=%v", ok, err)
	}
	refcount := raw[0]
	if refcount != 2 {
		t.Fatalf("refcount byte = %d, want 2 (one for k1's current manifest, one for k2's)", refcount)
	}

	// Both keys must still read back correctly afterward.
	if _, _, err := l.Get("b", "k2"); err != nil {
		t.Fatalf("Get k2 after k1 overwrite: %v", err)
	}
}

func TestDeleteThenGetNotFound(t *testing.T) {
	l := newTestLayer(t)

	if _, err := l.Put("b", "k", bytes.NewReader([]byte("v")), substrate.Sync); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ok, err := l.Delete("b", "k", substrate.Sync)
	if err != nil || !ok {
		t.Fatalf("Delete: ok=%v err=%v", ok, err)
	}

	_, _, err = l.Get("b", "k")
	if err == nil {
		t.Fatal("expected NotFound after delete")
	}

	_, head, err := l.Head("b", "k")
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head {
		t.Fatal("expected Head to report absent after delete")
	}
}

func TestDeleteAbsentReturnsFalse(t *testing.T) {
	l := newTestLayer(t)
	ok, err := l.Delete("b", "missing", substrate.Sync)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok {
		t.Fatal("expected false deleting an absent key")
	}
}

func TestVersionMonotonicity(t *testing.T) {
	l := newTestLayer(t)
	var last Version
	for i := 0; i < 50; i++ {
		v, err := l.Put("b", "k", bytes.NewReader([]byte("x")), substrate.Buffered)
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		if i > 0 && !last.Less(v) {
			t.Fatalf("version did not increase: %x -> %x", last, v)
		}
		last = v
	}
}

func TestInvalidBucketAndKey(t *testing.T) {
	l := newTestLayer(t)

	if _, err := l.Put("bad bucket!", "k", bytes.NewReader(nil), substrate.Sync); err == nil {
		t.Fatal("expected error for invalid bucket")
	}
	if _, err := l.Put("ok", "", bytes.NewReader(nil), substrate.Sync); err == nil {
		t.Fatal("expected error for empty key")
	}
}
