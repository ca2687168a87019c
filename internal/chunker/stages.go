// Stages implement the pluggable compress -> encrypt -> persist pipeline of
// spec §4.3. Each stage defaults to identity. When encryption is active the
// stored chunk's digest is taken over the ciphertext, so dedup still
// operates over stable on-disk bytes; the plaintext content_digest recorded
// on the file row is unaffected (spec §4.3, §9 Open Question).
package chunker

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"justsyncit/internal/corepkg"
	"justsyncit/internal/hashpkg"
)

// Stage transforms chunk bytes before they reach the chunk store, and
// reverses the transform on read.
type Stage interface {
	Name() string
	Forward(plaintext []byte) ([]byte, error)
	Reverse(stored []byte) ([]byte, error)
}

// IdentityStage is the default no-op stage for both compress and encrypt.
type IdentityStage struct{}

func (IdentityStage) Name() string                          { return "identity" }
func (IdentityStage) Forward(b []byte) ([]byte, error)       { return b, nil }
func (IdentityStage) Reverse(b []byte) ([]byte, error)       { return b, nil }

// Pipeline applies a sequence of stages in order before persistence, and in
// reverse order on read, per spec §4.3's fixed compress -> encrypt ->
// persist ordering.
type Pipeline struct {
	Stages []Stage
}

// NewPipeline builds a pipeline; a nil or empty stage list is the identity
// pipeline (spec §4.3 "implementers MAY omit these stages entirely").
func NewPipeline(stages ...Stage) Pipeline {
	return Pipeline{Stages: stages}
}

// ToStored runs the forward direction: compress, then encrypt, returning
// the exact bytes that should be written to the chunk store and the digest
// those stored bytes should be named by.
func (p Pipeline) ToStored(plaintext []byte) (stored []byte, storedDigest hashpkg.Digest, err error) {
	stored = plaintext
	for _, s := range p.Stages {
		stored, err = s.Forward(stored)
		if err != nil {
			return nil, hashpkg.Digest{}, corepkg.Wrap(corepkg.KindInvalidArgument, fmt.Sprintf("stage %s forward", s.Name()), err)
		}
	}
	return stored, hashpkg.Sum(stored), nil
}

// FromStored reverses the pipeline: decrypt, then decompress, recovering
// the original plaintext chunk bytes.
func (p Pipeline) FromStored(stored []byte) (plaintext []byte, err error) {
	plaintext = stored
	for i := len(p.Stages) - 1; i >= 0; i-- {
		s := p.Stages[i]
		plaintext, err = s.Reverse(plaintext)
		if err != nil {
			return nil, corepkg.Wrap(corepkg.KindCorruption, fmt.Sprintf("stage %s reverse", s.Name()), err)
		}
	}
	return plaintext, nil
}

// AEADStage encrypts chunk bytes with ChaCha20-Poly1305 under a fixed key,
// prefixing the stored payload with a random nonce. It is the optional
// encrypt stage referenced in spec §4.3.
type AEADStage struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
	}
}

// NewAEADStage builds an encrypt stage from a 32-byte key.
func NewAEADStage(key [32]byte) (*AEADStage, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, corepkg.Wrap(corepkg.KindInvalidArgument, "build aead cipher", err)
	}
	return &AEADStage{aead: aead}, nil
}

func (s *AEADStage) Name() string { return "chacha20poly1305" }

func (s *AEADStage) Forward(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	out := s.aead.Seal(nonce, nonce, plaintext, nil)
	return out, nil
}

func (s *AEADStage) Reverse(stored []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(stored) < n {
		return nil, corepkg.New(corepkg.KindCorruption, "encrypted chunk shorter than nonce")
	}
	nonce, ciphertext := stored[:n], stored[n:]
	return s.aead.Open(nil, nonce, ciphertext, nil)
}
