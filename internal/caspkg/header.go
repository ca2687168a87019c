// Package caspkg is the content-addressed chunk store of spec §4.4: it
// owns chunk bytes on disk, sharded by digest prefix, and leaves refcount
// bookkeeping to the metadata store.
package caspkg

import (
	"encoding/binary"
	"errors"

	"justsyncit/internal/hashpkg"
)

// Header layout (60 bytes):
//
//	magic        (4 bytes, "JSCK")
//	version      (1 byte)
//	compression  (1 byte, CompressionTag)
//	flags        (2 bytes, reserved)
//	originalSize (8 bytes, big-endian)
//	storedSize   (8 bytes, big-endian)
//	crc32        (4 bytes, big-endian, of the stored payload)
//	digest       (32 bytes, raw content digest)
const (
	magic      = "JSCK"
	Version    = 1
	HeaderSize = 4 + 1 + 1 + 2 + 8 + 8 + 4 + hashpkg.Size
)

// CompressionTag identifies the stage pipeline applied before storage
// (spec §4.3: chunk bytes are stored post compress/encrypt).
type CompressionTag byte

const (
	CompressionNone CompressionTag = 0
	CompressionZstd CompressionTag = 1
)

var (
	ErrHeaderTooSmall  = errors.New("chunk header too small")
	ErrMagicMismatch   = errors.New("chunk header magic mismatch")
	ErrVersionMismatch = errors.New("chunk header version mismatch")
)

// Header is the fixed-size record prefixed to every stored chunk file.
type Header struct {
	Version      byte
	Compression  CompressionTag
	Flags        uint16
	OriginalSize uint64
	StoredSize   uint64
	CRC32        uint32
	Digest       hashpkg.Digest
}

// Encode serializes the header into a fresh HeaderSize-byte slice.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	h.EncodeInto(buf)
	return buf
}

// EncodeInto writes the header into buf, which must be at least HeaderSize bytes.
func (h Header) EncodeInto(buf []byte) {
	copy(buf[0:4], magic)
	buf[4] = h.Version
	buf[5] = byte(h.Compression)
	binary.BigEndian.PutUint16(buf[6:8], h.Flags)
	binary.BigEndian.PutUint64(buf[8:16], h.OriginalSize)
	binary.BigEndian.PutUint64(buf[16:24], h.StoredSize)
	binary.BigEndian.PutUint32(buf[24:28], h.CRC32)
	copy(buf[28:28+hashpkg.Size], h.Digest[:])
}

// DecodeHeader parses a HeaderSize-byte prefix.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrHeaderTooSmall
	}
	if string(buf[0:4]) != magic {
		return Header{}, ErrMagicMismatch
	}
	version := buf[4]
	if version != Version {
		return Header{}, ErrVersionMismatch
	}

	var h Header
	h.Version = version
	h.Compression = CompressionTag(buf[5])
	h.Flags = binary.BigEndian.Uint16(buf[6:8])
	h.OriginalSize = binary.BigEndian.Uint64(buf[8:16])
	h.StoredSize = binary.BigEndian.Uint64(buf[16:24])
	h.CRC32 = binary.BigEndian.Uint32(buf[24:28])
	copy(h.Digest[:], buf[28:28+hashpkg.Size])
	return h, nil
}
