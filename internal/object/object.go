// Package object implements the Object Layer: the semantic heart of the
// store. It decides inline vs chunked storage, reads and writes object
// metadata and manifests, and orchestrates the chunk store and substrate
// underneath it.
package object

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"time"

	"lukechampine.com/blake3"

	"wfldb/internal/chunkstore"
	"wfldb/internal/epoch"
	"wfldb/internal/logging"
	"wfldb/internal/substrate"
)

var (
	ErrNotFound      = errors.New("object: not found")
	ErrBucketInvalid = errors.New("object: bucket invalid")
	ErrKeyInvalid    = errors.New("object: key invalid")
	ErrBodyTooLarge  = errors.New("object: body too large")
)

var bucketPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

const (
	maxKeyBytes = 1024
	// defaultInlineThresholdBytes is the default boundary below which a
	// body is stored inline rather than chunked (invariant 6).
	defaultInlineThresholdBytes = 65536
	// defaultChunkSizeBytes is the default fixed chunk boundary.
	defaultChunkSizeBytes = 4 * 1024 * 1024
)

// Config configures a Layer.
type Config struct {
	// InlineThresholdBytes: bodies strictly smaller than this are stored
	// inline. Defaults to 65536; must be positive and <= 16 MiB.
	InlineThresholdBytes int

	// ChunkSizeBytes: fixed chunk boundary for chunked storage. Defaults
	// to 4 MiB; must be a power of two between 64 KiB and 64 MiB.
	ChunkSizeBytes int

	// MaxObjectBytes bounds the total accepted body size; 0 means
	// unbounded. Exceeding it fails ErrBodyTooLarge.
	MaxObjectBytes int64

	// Epoch, if set, is entered for the duration of every Get's chunk
	// reads so a concurrent GC sweep knows not to remove a tombstone
	// until readers that started before it have finished. Nil disables
	// the guard (reads proceed without coordination, fine for tests that
	// never run GC concurrently with reads).
	Epoch *epoch.Guard

	// Now returns the current time, used to stamp CreatedAt. Defaults to
	// time.Now.
	Now func() time.Time

	// Logger for structured logging. If nil, logging is disabled. Scoped
	// with component="object".
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	c.InlineThresholdBytes = cmp.Or(c.InlineThresholdBytes, defaultInlineThresholdBytes)
	c.ChunkSizeBytes = cmp.Or(c.ChunkSizeBytes, defaultChunkSizeBytes)
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Layer is the Object Layer.
type Layer struct {
	substrate substrate.Store
	chunks    *chunkstore.Store
	versions  *Generator
	cfg       Config
	logger    *slog.Logger
}

// Epoch returns the guard this Layer was configured with, or nil.
func (l *Layer) Epoch() *epoch.Guard { return l.cfg.Epoch }

// VersionGenerator returns the Generator backing this Layer's Put/Delete
// calls, so internal/engine can hand the same Generator to the Batch
// Coordinator and keep per-key version monotonicity meaningful across
// both write paths.
func (l *Layer) VersionGenerator() *Generator { return l.versions }

// New returns an Object Layer reading and writing through sub and cs.
func New(sub substrate.Store, cs *chunkstore.Store, cfg Config) *Layer {
	cfg = cfg.withDefaults()
	return &Layer{
		substrate: sub,
		chunks:    cs,
		versions:  NewGenerator(),
		cfg:       cfg,
		logger:    logging.Default(cfg.Logger).With("component", "object"),
	}
}

func validateBucket(bucket string) error {
	if !bucketPattern.MatchString(bucket) {
		return fmt.Errorf("%w: %q", ErrBucketInvalid, bucket)
	}
	return nil
}

func validateKey(key string) error {
	if len(key) < 1 || len(key) > maxKeyBytes {
		return fmt.Errorf("%w: length %d", ErrKeyInvalid, len(key))
	}
	return nil
}

// lookupRaw reads the stored metadata for (bucket, key), tombstoned or
// not. ok is false only when no record exists; callers that want live
// objects only check Metadata.Tombstone themselves (see Head).
func (l *Layer) lookupRaw(bucket, key string) (Metadata, bool, error) {
	raw, ok, err := l.substrate.Get(substrate.Meta, MetaKey(bucket, key))
	if err != nil {
		return Metadata{}, false, fmt.Errorf("%w: %v", substrate.ErrUnavailable, err)
	}
	if !ok {
		return Metadata{}, false, nil
	}
	m, err := DecodeFrame(raw)
	if err != nil {
		return Metadata{}, false, err
	}
	return m, true, nil
}

// Head returns the live metadata for (bucket, key), or ok == false if
// absent or tombstoned.
func (l *Layer) Head(bucket, key string) (Metadata, bool, error) {
	if err := validateBucket(bucket); err != nil {
		return Metadata{}, false, err
	}
	if err := validateKey(key); err != nil {
		return Metadata{}, false, err
	}
	m, ok, err := l.lookupRaw(bucket, key)
	if err != nil || !ok || m.Tombstone {
		return Metadata{}, false, err
	}
	return m, true, nil
}

// Get returns the live metadata and a reader over its body. The reader
// fetches and verifies one chunk at a time for chunked storage; it never
// buffers the whole object.
func (l *Layer) Get(bucket, key string) (Metadata, io.Reader, error) {
	m, ok, err := l.Head(bucket, key)
	if err != nil {
		return Metadata{}, nil, err
	}
	if !ok {
		return Metadata{}, nil, fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, key)
	}
	if !m.Storage.Chunked {
		return m, bytes.NewReader(m.Storage.Inline), nil
	}

	r := &manifestReader{chunks: l.chunks, manifest: m.Storage.Manifest, guard: l.cfg.Epoch}
	if r.guard != nil {
		r.token = r.guard.Enter()
		r.held = true
	}
	return m, r, nil
}

// manifestReader streams a chunked object one chunk at a time, verifying
// each chunk's digest against its manifest entry as it is fetched. While
// any chunk remains unread it holds an epoch token so a concurrent GC
// sweep will not collect a chunk this reader has not gotten to yet.
type manifestReader struct {
	chunks   *chunkstore.Store
	manifest []ManifestEntry
	idx      int
	cur      *bytes.Reader

	guard *epoch.Guard
	token uint64
	held  bool
}

func (r *manifestReader) release() {
	if r.held {
		r.guard.Exit(r.token)
		r.held = false
	}
}

func (r *manifestReader) Read(p []byte) (int, error) {
	for {
		if r.cur != nil {
			n, err := r.cur.Read(p)
			if err != io.EOF {
				return n, err
			}
			if n > 0 {
				return n, nil
			}
			r.cur = nil
		}
		if r.idx >= len(r.manifest) {
			r.release()
			return 0, io.EOF
		}
		entry := r.manifest[r.idx]
		r.idx++
		data, err := r.chunks.GetChunk(entry.Digest)
		if err != nil {
			r.release()
			return 0, err
		}
		r.cur = bytes.NewReader(data)
	}
}

// Put consumes body, decides inline vs chunked storage by the 64 KiB
// threshold, assigns a fresh Version, releases the prior manifest's
// chunks (if any), and commits the new metadata atomically with all
// chunk mutations.
func (l *Layer) Put(bucket, key string, body io.Reader, durability substrate.Durability) (Version, error) {
	var zero Version
	if err := validateBucket(bucket); err != nil {
		return zero, err
	}
	if err := validateKey(key); err != nil {
		return zero, err
	}

	batch := l.substrate.NewBatch()
	ops := l.chunks.NewOps(batch)
	hasher := blake3.New(32, nil)
	storage, size, err := l.consume(body, hasher, ops)
	if err != nil {
		return zero, err
	}

	var digest chunkstore.Digest
	copy(digest[:], hasher.Sum(nil))

	prior, ok, err := l.lookupRaw(bucket, key)
	if err != nil {
		return zero, err
	}
	if ok && prior.Storage.Chunked && !prior.Tombstone {
		if err := releaseManifest(ops, prior.Storage.Manifest); err != nil {
			return zero, err
		}
	}

	version := l.versions.Next(bucket, key)
	meta := Metadata{
		Version:       version,
		Size:          size,
		CreatedAt:     uint64(l.cfg.Now().UnixMilli()),
		ContentDigest: digest,
		Storage:       storage,
	}
	batch.Insert(substrate.Meta, MetaKey(bucket, key), EncodeFrame(meta))

	if err := l.substrate.Commit(batch, durability); err != nil {
		return zero, err
	}
	return version, nil
}

// consume reads body into memory while it stays below the inline
// threshold; once it reaches it, the buffered prefix plus the rest
// of body are fed through the fixed-size chunker. Either way, every byte
// read passes through hasher exactly once and in order.
func (l *Layer) consume(body io.Reader, hasher io.Writer, ops *chunkstore.Ops) (Storage, uint64, error) {
	threshold := l.cfg.InlineThresholdBytes
	buf := make([]byte, 0, threshold+1)
	tmp := make([]byte, 32*1024)

	for len(buf) < threshold {
		n, err := body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			if l.cfg.MaxObjectBytes > 0 && int64(len(buf)) > l.cfg.MaxObjectBytes {
				return Storage{}, 0, fmt.Errorf("%w: exceeds %d bytes", ErrBodyTooLarge, l.cfg.MaxObjectBytes)
			}
		}
		if err == io.EOF {
			if len(buf) < threshold {
				hasher.Write(buf)
				return Storage{Inline: buf}, uint64(len(buf)), nil
			}
			return l.chunkRest(bytes.NewReader(buf), hasher, ops, int64(len(buf)))
		}
		if err != nil {
			return Storage{}, 0, fmt.Errorf("%w: read body: %v", substrate.ErrUnavailable, err)
		}
	}

	// Threshold exceeded: chunk the buffered prefix, then continue
	// chunking the rest of the stream.
	return l.chunkRest(io.MultiReader(bytes.NewReader(buf), body), hasher, ops, int64(len(buf)))
}

func (l *Layer) chunkRest(r io.Reader, hasher io.Writer, ops *chunkstore.Ops, knownSoFar int64) (Storage, uint64, error) {
	chunkSize := l.cfg.ChunkSizeBytes
	var manifest []ManifestEntry
	var total uint64
	chunkBuf := make([]byte, chunkSize)

	for {
		n, err := io.ReadFull(r, chunkBuf)
		if n > 0 {
			chunk := chunkBuf[:n]
			hasher.Write(chunk)
			total += uint64(n)
			if l.cfg.MaxObjectBytes > 0 && int64(total) > l.cfg.MaxObjectBytes {
				return Storage{}, 0, fmt.Errorf("%w: exceeds %d bytes", ErrBodyTooLarge, l.cfg.MaxObjectBytes)
			}
			digest, putErr := ops.PutChunk(chunk)
			if putErr != nil {
				return Storage{}, 0, putErr
			}
			manifest = append(manifest, ManifestEntry{Digest: digest, Size: uint32(n)})
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return Storage{}, 0, fmt.Errorf("%w: read body: %v", substrate.ErrUnavailable, err)
		}
	}

	return Storage{Chunked: true, Manifest: manifest}, total, nil
}

// releaseManifest releases every chunk referenced by manifest through ops.
func releaseManifest(ops *chunkstore.Ops, manifest []ManifestEntry) error {
	for _, e := range manifest {
		if err := ops.Release(e.Digest); err != nil {
			return err
		}
	}
	return nil
}

// Delete logically deletes (bucket, key): it writes a tombstone metadata
// record under a fresh version and releases the current manifest's
// chunks, all in one batch. Returns false if the key was already absent
// or already tombstoned.
func (l *Layer) Delete(bucket, key string, durability substrate.Durability) (bool, error) {
	if err := validateBucket(bucket); err != nil {
		return false, err
	}
	if err := validateKey(key); err != nil {
		return false, err
	}

	prior, ok, err := l.lookupRaw(bucket, key)
	if err != nil {
		return false, err
	}
	if !ok || prior.Tombstone {
		return false, nil
	}

	batch := l.substrate.NewBatch()
	if prior.Storage.Chunked {
		ops := l.chunks.NewOps(batch)
		if err := releaseManifest(ops, prior.Storage.Manifest); err != nil {
			return false, err
		}
	}

	version := l.versions.Next(bucket, key)
	tombstone := Metadata{
		Version:   version,
		CreatedAt: uint64(l.cfg.Now().UnixMilli()),
		Tombstone: true,
		Storage:   Storage{Inline: nil},
	}
	batch.Insert(substrate.Meta, MetaKey(bucket, key), EncodeFrame(tombstone))

	if err := l.substrate.Commit(batch, durability); err != nil {
		return false, err
	}
	return true, nil
}
