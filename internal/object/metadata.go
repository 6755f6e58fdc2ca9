package object

import (
	"encoding/binary"
	"fmt"

	"wfldb/internal/chunkstore"
	"wfldb/internal/format"
)

const (
	storageTagInline  = 0x00
	storageTagChunked = 0x01
)

// ManifestEntry is one (digest, size) pair in a ChunkManifest. The
// concatenation of chunk bytes across all entries, in order, equals the
// full object body.
type ManifestEntry struct {
	Digest chunkstore.Digest
	Size   uint32
}

// Storage is the tagged union of an object's body representation.
type Storage struct {
	Chunked  bool
	Inline   []byte
	Manifest []ManifestEntry
}

// Metadata is the value stored in the meta partition for one
// (bucket, key, version).
type Metadata struct {
	Version       Version
	Size          uint64
	CreatedAt     uint64 // milliseconds since epoch
	ContentDigest chunkstore.Digest
	Tombstone     bool
	Storage       Storage
}

// encodeMetadata lays out an ObjectMetadata exactly as spec'd:
// version(16) || size(8, LE) || created_at(8, LE) || content_digest(32) ||
// tombstone(1) || storage_tag(1) || storage_body.
func encodeMetadata(m Metadata) []byte {
	var body []byte
	tag := byte(storageTagInline)
	if m.Storage.Chunked {
		tag = storageTagChunked
		body = make([]byte, 4+len(m.Storage.Manifest)*(chunkstore.DigestSize+4))
		binary.LittleEndian.PutUint32(body[0:4], uint32(len(m.Storage.Manifest)))
		off := 4
		for _, e := range m.Storage.Manifest {
			copy(body[off:off+chunkstore.DigestSize], e.Digest[:])
			off += chunkstore.DigestSize
			binary.LittleEndian.PutUint32(body[off:off+4], e.Size)
			off += 4
		}
	} else {
		body = make([]byte, 4+len(m.Storage.Inline))
		binary.LittleEndian.PutUint32(body[0:4], uint32(len(m.Storage.Inline)))
		copy(body[4:], m.Storage.Inline)
	}

	buf := make([]byte, VersionSize+8+8+chunkstore.DigestSize+1+1+len(body))
	off := 0
	copy(buf[off:off+VersionSize], m.Version[:])
	off += VersionSize
	binary.LittleEndian.PutUint64(buf[off:off+8], m.Size)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:off+8], m.CreatedAt)
	off += 8
	copy(buf[off:off+chunkstore.DigestSize], m.ContentDigest[:])
	off += chunkstore.DigestSize
	if m.Tombstone {
		buf[off] = 1
	}
	off++
	buf[off] = tag
	off++
	copy(buf[off:], body)
	return buf
}

// decodeMetadata reverses encodeMetadata, validating the fixed-size
// regions and every variable-length body against its declared count.
func decodeMetadata(buf []byte) (Metadata, error) {
	const fixed = VersionSize + 8 + 8 + chunkstore.DigestSize + 1 + 1
	if len(buf) < fixed {
		return Metadata{}, fmt.Errorf("object: metadata too short (%d bytes)", len(buf))
	}

	var m Metadata
	off := 0
	copy(m.Version[:], buf[off:off+VersionSize])
	off += VersionSize
	m.Size = binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	m.CreatedAt = binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	copy(m.ContentDigest[:], buf[off:off+chunkstore.DigestSize])
	off += chunkstore.DigestSize
	m.Tombstone = buf[off] != 0
	off++
	tag := buf[off]
	off++

	body := buf[off:]
	switch tag {
	case storageTagInline:
		if len(body) < 4 {
			return Metadata{}, fmt.Errorf("object: truncated inline body")
		}
		n := binary.LittleEndian.Uint32(body[0:4])
		if uint32(len(body)-4) != n {
			return Metadata{}, fmt.Errorf("object: inline body length mismatch")
		}
		m.Storage = Storage{Inline: append([]byte(nil), body[4:]...)}
	case storageTagChunked:
		if len(body) < 4 {
			return Metadata{}, fmt.Errorf("object: truncated manifest")
		}
		count := binary.LittleEndian.Uint32(body[0:4])
		entrySize := chunkstore.DigestSize + 4
		want := 4 + int(count)*entrySize
		if len(body) != want {
			return Metadata{}, fmt.Errorf("object: manifest length mismatch")
		}
		manifest := make([]ManifestEntry, count)
		off := 4
		for i := range manifest {
			var e ManifestEntry
			copy(e.Digest[:], body[off:off+chunkstore.DigestSize])
			off += chunkstore.DigestSize
			e.Size = binary.LittleEndian.Uint32(body[off : off+4])
			off += 4
			manifest[i] = e
		}
		m.Storage = Storage{Chunked: true, Manifest: manifest}
	default:
		return Metadata{}, fmt.Errorf("object: unknown storage tag 0x%02x", tag)
	}
	return m, nil
}

// EncodeFrame prefixes the encoded metadata with the shared format.Header
// so the meta-partition value is self-describing on disk.
func EncodeFrame(m Metadata) []byte {
	h := format.Header{Magic: format.Magic, Version: format.Version}
	hdr := h.Encode()
	body := encodeMetadata(m)
	buf := make([]byte, len(hdr)+len(body))
	copy(buf, hdr[:])
	copy(buf[len(hdr):], body)
	return buf
}

// DecodeFrame validates and strips the format.Header before decoding the
// ObjectMetadata body.
func DecodeFrame(buf []byte) (Metadata, error) {
	if _, err := format.DecodeAndValidate(buf); err != nil {
		return Metadata{}, fmt.Errorf("object: %w", err)
	}
	return decodeMetadata(buf[format.HeaderSize:])
}

// MetaKeyPrefix returns bucket_id_len:u8 || bucket_id || 0x00, the shared
// prefix of every key belonging to bucket.
func MetaKeyPrefix(bucket string) []byte {
	buf := make([]byte, 1+len(bucket)+1)
	buf[0] = byte(len(bucket))
	copy(buf[1:], bucket)
	buf[1+len(bucket)] = 0x00
	return buf
}

// MetaKey returns the full meta-partition key for (bucket, key):
// bucket_id_len:u8 || bucket_id || 0x00 || key_bytes.
func MetaKey(bucket, key string) []byte {
	prefix := MetaKeyPrefix(bucket)
	buf := make([]byte, len(prefix)+len(key))
	copy(buf, prefix)
	copy(buf[len(prefix):], key)
	return buf
}

// SplitMetaKey strips a bucket's prefix from a meta-partition key,
// returning the user-visible key bytes. ok is false if raw does not
// belong to bucket.
func SplitMetaKey(bucket string, raw []byte) (key []byte, ok bool) {
	prefix := MetaKeyPrefix(bucket)
	if len(raw) < len(prefix) {
		return nil, false
	}
	for i, b := range prefix {
		if raw[i] != b {
			return nil, false
		}
	}
	return raw[len(prefix):], true
}
