// Package format provides the shared binary frame header used to prefix
// persisted metadata values so stored bytes are self-describing on disk.
package format

import (
	"encoding/binary"
	"errors"
)

// Frame layout (5 bytes), prefixed to every meta-partition value:
//
//	magic   (4 bytes, big-endian, 0x77464442 = "wFDB")
//	version (1 byte)
const (
	Magic      uint32 = 0x77464442
	Version    byte   = 0x01
	HeaderSize        = 5
)

var (
	ErrHeaderTooSmall  = errors.New("format: header too small")
	ErrMagicMismatch   = errors.New("format: magic mismatch")
	ErrVersionMismatch = errors.New("format: version mismatch")
)

// Header is the fixed 5-byte frame prefix for persisted metadata values.
type Header struct {
	Magic   uint32
	Version byte
}

// Encode writes the header to a 5-byte array.
func (h Header) Encode() [HeaderSize]byte {
	var buf [HeaderSize]byte
	h.EncodeInto(buf[:])
	return buf
}

// EncodeInto writes the header into buf at offset 0.
// Returns the number of bytes written (always HeaderSize).
func (h Header) EncodeInto(buf []byte) int {
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	return HeaderSize
}

// Decode reads a header from the front of buf.
// Returns ErrHeaderTooSmall if buf is shorter than HeaderSize.
func Decode(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrHeaderTooSmall
	}
	return Header{
		Magic:   binary.BigEndian.Uint32(buf[0:4]),
		Version: buf[4],
	}, nil
}

// DecodeAndValidate reads a header and checks it against the current
// on-disk format's magic and version.
func DecodeAndValidate(buf []byte) (Header, error) {
	h, err := Decode(buf)
	if err != nil {
		return Header{}, err
	}
	if h.Magic != Magic {
		return Header{}, ErrMagicMismatch
	}
	if h.Version != Version {
		return Header{}, ErrVersionMismatch
	}
	return h, nil
}
