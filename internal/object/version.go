package object

import (
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// VersionSize is the encoded length of a Version: a 48-bit millisecond
// timestamp followed by an 80-bit tail.
const VersionSize = 16

// Version is a 128-bit ULID-shaped monotonic identifier: a 48-bit
// millisecond timestamp (big-endian) followed by an 80-bit tail. Versions
// for the same key sort lexicographically by time; Version itself sorts
// byte-for-byte, matching substrate key ordering.
type Version [VersionSize]byte

func newVersion(ms uint64, tail [10]byte) Version {
	var v Version
	v[0] = byte(ms >> 40)
	v[1] = byte(ms >> 32)
	v[2] = byte(ms >> 24)
	v[3] = byte(ms >> 16)
	v[4] = byte(ms >> 8)
	v[5] = byte(ms)
	copy(v[6:], tail[:])
	return v
}

// timestampMs returns the embedded millisecond timestamp.
func (v Version) timestampMs() uint64 {
	var buf [8]byte
	copy(buf[2:], v[0:6])
	return binary.BigEndian.Uint64(buf[:])
}

// tail returns the embedded 80-bit tail.
func (v Version) tail() [10]byte {
	var t [10]byte
	copy(t[:], v[6:])
	return t
}

// Less reports whether v sorts strictly before other.
func (v Version) Less(other Version) bool {
	for i := range v {
		if v[i] != other[i] {
			return v[i] < other[i]
		}
	}
	return false
}

// String renders v as hex, for logs and CLI output.
func (v Version) String() string {
	return hex.EncodeToString(v[:])
}

// incrementTail treats tail as an 80-bit big-endian counter and adds one,
// reporting overflow if every bit was already set.
func incrementTail(tail [10]byte) (next [10]byte, overflowed bool) {
	next = tail
	for i := len(next) - 1; i >= 0; i-- {
		next[i]++
		if next[i] != 0 {
			return next, false
		}
	}
	// every byte wrapped to zero: the counter was all-ones and overflowed.
	return tail, true
}

func randomTail() [10]byte {
	var t [10]byte
	id := uuid.New()
	copy(t[:], id[6:16])
	return t
}

// Generator assigns strictly increasing Versions per (bucket, key). When
// the wall clock has not advanced since the last version issued for a
// key, the tail is incremented in place to preserve ordering instead of
// drawing fresh randomness; if the tail is exhausted, Next blocks until
// the clock advances to the next millisecond.
type Generator struct {
	mu   chan struct{} // 1-buffered mutex, see Next
	last map[string]Version
	now  func() time.Time
}

// NewGenerator returns a Generator using the system clock.
func NewGenerator() *Generator {
	g := &Generator{
		mu:   make(chan struct{}, 1),
		last: make(map[string]Version),
		now:  time.Now,
	}
	g.mu <- struct{}{}
	return g
}

func versionKey(bucket, key string) string {
	return bucket + "\x00" + key
}

// Next returns the next Version for (bucket, key). Safe for concurrent
// use; the short-held lock spans only the compare-and-advance step, never
// any I/O.
func (g *Generator) Next(bucket, key string) Version {
	<-g.mu
	defer func() { g.mu <- struct{}{} }()

	k := versionKey(bucket, key)
	prev, ok := g.last[k]
	nowMs := uint64(g.now().UnixMilli())

	var v Version
	if !ok || nowMs > prev.timestampMs() {
		v = newVersion(nowMs, randomTail())
		g.last[k] = v
		return v
	}

	// Clock has not advanced: increment the tail to stay monotonic. If the
	// tail is exhausted, wait for the clock to advance instead.
	for {
		next, overflowed := incrementTail(prev.tail())
		if !overflowed {
			v = newVersion(prev.timestampMs(), next)
			break
		}
		time.Sleep(time.Millisecond)
		nowMs = uint64(g.now().UnixMilli())
		if nowMs > prev.timestampMs() {
			v = newVersion(nowMs, randomTail())
			break
		}
	}

	g.last[k] = v
	return v
}
