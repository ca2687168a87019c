// Package hashpkg computes the content digests that name every chunk and
// file in JustSyncIt. A single algorithm is mandatory (BLAKE3, per spec
// §4.1); the store persists an algorithm tag so a store opened with a
// mismatched build refuses rather than silently mis-comparing digests.
package hashpkg

import (
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"

	"justsyncit/internal/corepkg"
)

// Size is the digest width in bytes (256 bits).
const Size = 32

// Algorithm is the persisted algorithm tag written into the metadata header.
const Algorithm = "blake3-256"

// Digest is a fixed-width content digest, comparable as a byte string.
type Digest [Size]byte

// Empty is the digest of the zero-length byte sequence, used as the
// content_digest of empty files (spec §3, Chunker Empty files clause).
var Empty = Sum(nil)

// String hex-encodes the digest for display and persistence.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d is the zero value (never a valid digest).
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Prefix returns the first n hex characters of the digest (all of them if n
// exceeds the hex length).
func (d Digest) Prefix(n int) string {
	s := d.String()
	if n > len(s) {
		n = len(s)
	}
	return s[:n]
}

// ParseDigest decodes a hex string produced by Digest.String.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, corepkg.Wrap(corepkg.KindInvalidArgument, fmt.Sprintf("parse digest %q", s), err)
	}
	if len(b) != Size {
		return d, corepkg.New(corepkg.KindInvalidArgument, fmt.Sprintf("digest %q has %d bytes, want %d", s, len(b), Size))
	}
	copy(d[:], b)
	return d, nil
}

// Sum computes the one-shot digest of b.
func Sum(b []byte) Digest {
	var d Digest
	sum := blake3.Sum256(b)
	copy(d[:], sum[:])
	return d
}

// Hasher is an incremental digest accumulator. Create one with NewHasher;
// the zero value has no underlying hasher and must not be used. Hasher is
// not safe for concurrent use by multiple goroutines.
type Hasher struct {
	h *blake3.Hasher
}

// NewHasher returns a ready-to-use incremental hasher.
func NewHasher() *Hasher {
	return &Hasher{h: blake3.New(Size, nil)}
}

// Write implements io.Writer, feeding more bytes into the running digest.
func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// Update is a Write alias kept for readability at call sites that mirror
// the spec's update()/finalize() vocabulary (spec §4.1).
func (h *Hasher) Update(p []byte) {
	_, _ = h.h.Write(p)
}

// Finalize returns the digest of everything written so far. Finalize may be
// called multiple times; it does not reset the accumulator.
func (h *Hasher) Finalize() Digest {
	var d Digest
	sum := h.h.Sum(nil)
	copy(d[:], sum)
	return d
}

// Reset clears the accumulator so the Hasher can be reused.
func (h *Hasher) Reset() {
	h.h.Reset()
}
