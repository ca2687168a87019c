package caspkg

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"justsyncit/internal/corepkg"
	"justsyncit/internal/hashpkg"
	"justsyncit/internal/logging"
)

const (
	dataDirName   = "data"
	shardPrefixLen = 2
)

// Config configures a Store.
type Config struct {
	// Dir is the root of the chunk store; chunk files live under Dir/data.
	Dir string

	// Logger for structured logging. If nil, logging is disabled.
	// The store scopes this logger with component="chunk-store".
	Logger *slog.Logger
}

// Store is the file-based content-addressed chunk store (spec §4.4).
//
// Layout: data/<first-2-hex-chars-of-digest>/<full-hex-digest>, each file
// prefixed with a fixed HeaderSize header (see header.go).
//
// Writes go to a temp file in the shard directory and are renamed into
// place atomically, so two concurrent Put calls for the same digest never
// observe a partially written file (spec §4.4 "put is idempotent: a
// digest already present is a no-op").
type Store struct {
	dir    string
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[hashpkg.Digest]*sync.WaitGroup
}

// Open creates (if missing) the chunk store directory layout and returns a
// ready-to-use Store.
func Open(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, corepkg.New(corepkg.KindInvalidArgument, "chunk store dir is required")
	}
	if err := os.MkdirAll(filepath.Join(cfg.Dir, dataDirName), 0o750); err != nil {
		return nil, corepkg.Wrap(corepkg.KindIoError, "create chunk store directory", err)
	}

	logger := logging.Default(cfg.Logger).With("component", "chunk-store")
	return &Store{
		dir:      cfg.Dir,
		logger:   logger,
		inflight: make(map[hashpkg.Digest]*sync.WaitGroup),
	}, nil
}

func (s *Store) shardDir(digest hashpkg.Digest) string {
	hexDigest := digest.String()
	return filepath.Join(s.dir, dataDirName, hexDigest[:shardPrefixLen])
}

func (s *Store) chunkPath(digest hashpkg.Digest) string {
	return filepath.Join(s.shardDir(digest), digest.String())
}

// Has reports whether digest is already stored.
func (s *Store) Has(digest hashpkg.Digest) (bool, error) {
	_, err := os.Stat(s.chunkPath(digest))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, corepkg.Wrap(corepkg.KindIoError, "stat chunk", err)
}

// Put persists stored bytes under digest, which must be the digest of
// stored (post compress/encrypt) content (spec §4.3, §4.9: dedup keys on
// stored bytes). originalSize is the pre-pipeline size, recorded in the
// header for diagnostics. Put is idempotent: concurrent Put calls racing
// on the same digest converge on one winner and all return success.
func (s *Store) Put(digest hashpkg.Digest, stored []byte, originalSize int64, compression CompressionTag) error {
	wg, first := s.claim(digest)
	if !first {
		wg.Wait()
		return nil
	}
	defer s.release(digest, wg)

	if exists, err := s.Has(digest); err != nil {
		return err
	} else if exists {
		return nil
	}

	shardDir := s.shardDir(digest)
	if err := os.MkdirAll(shardDir, 0o750); err != nil {
		return corepkg.Wrap(corepkg.KindIoError, "create shard directory", err)
	}

	tmp, err := os.CreateTemp(shardDir, ".put-*.tmp")
	if err != nil {
		return corepkg.Wrap(corepkg.KindIoError, "create temp chunk file", err)
	}
	tmpPath := tmp.Name()
	succeeded := false
	defer func() {
		if !succeeded {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	header := Header{
		Version:      Version,
		Compression:  compression,
		OriginalSize: uint64(originalSize),
		StoredSize:   uint64(len(stored)),
		CRC32:        crc32.ChecksumIEEE(stored),
		Digest:       digest,
	}
	if _, err := tmp.Write(header.Encode()); err != nil {
		return corepkg.Wrap(corepkg.KindIoError, "write chunk header", err)
	}
	if _, err := tmp.Write(stored); err != nil {
		return corepkg.Wrap(corepkg.KindIoError, "write chunk body", err)
	}
	if err := tmp.Sync(); err != nil {
		return corepkg.Wrap(corepkg.KindIoError, "sync chunk file", err)
	}
	if err := tmp.Close(); err != nil {
		return corepkg.Wrap(corepkg.KindIoError, "close chunk file", err)
	}

	if err := os.Rename(tmpPath, s.chunkPath(digest)); err != nil {
		return corepkg.Wrap(corepkg.KindIoError, "rename chunk into place", err)
	}
	succeeded = true
	return nil
}

// claim registers this goroutine as the writer for digest, or returns the
// existing writer's WaitGroup if another Put for the same digest is
// already in flight (spec §4.4: per-digest inflight latch).
func (s *Store) claim(digest hashpkg.Digest) (wg *sync.WaitGroup, first bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.inflight[digest]; ok {
		return existing, false
	}
	wg = &sync.WaitGroup{}
	wg.Add(1)
	s.inflight[digest] = wg
	return wg, true
}

func (s *Store) release(digest hashpkg.Digest, wg *sync.WaitGroup) {
	s.mu.Lock()
	delete(s.inflight, digest)
	s.mu.Unlock()
	wg.Done()
}

// Get reads a chunk's stored bytes and validates the header digest, CRC,
// and stored size against the on-disk content (spec §4.9 restore
// verification step starts from this guarantee).
func (s *Store) Get(digest hashpkg.Digest) (stored []byte, header Header, err error) {
	path := s.chunkPath(digest)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, Header{}, corepkg.New(corepkg.KindNotFound, fmt.Sprintf("chunk %s not found", digest))
		}
		return nil, Header{}, corepkg.Wrap(corepkg.KindIoError, "open chunk", err)
	}
	defer f.Close()

	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(f, headerBuf); err != nil {
		return nil, Header{}, corepkg.Wrap(corepkg.KindCorruption, "read chunk header", err)
	}
	header, err = DecodeHeader(headerBuf)
	if err != nil {
		return nil, Header{}, corepkg.Wrap(corepkg.KindCorruption, "decode chunk header", err)
	}
	if header.Digest != digest {
		return nil, Header{}, corepkg.New(corepkg.KindCorruption,
			fmt.Sprintf("chunk %s header names digest %s", digest, header.Digest))
	}

	body := make([]byte, header.StoredSize)
	if _, err := io.ReadFull(f, body); err != nil {
		return nil, Header{}, corepkg.Wrap(corepkg.KindCorruption, "read chunk body", err)
	}
	if crc32.ChecksumIEEE(body) != header.CRC32 {
		return nil, Header{}, corepkg.New(corepkg.KindCorruption, fmt.Sprintf("chunk %s fails CRC check", digest))
	}

	return body, header, nil
}

// GetRaw reads a chunk's complete on-disk representation (header bytes
// followed by stored body), unvalidated beyond existence. It is used by the
// transfer sender, which ships the framed blob verbatim so the receiver can
// persist it with PutRaw without recompressing or re-encrypting (spec
// §4.10 ChunkData payload).
func (s *Store) GetRaw(digest hashpkg.Digest) ([]byte, error) {
	raw, err := os.ReadFile(s.chunkPath(digest))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, corepkg.New(corepkg.KindNotFound, fmt.Sprintf("chunk %s not found", digest))
		}
		return nil, corepkg.Wrap(corepkg.KindIoError, "read raw chunk", err)
	}
	return raw, nil
}

// PutRaw persists an already-framed chunk blob (as produced by GetRaw)
// under digest, validating that the embedded header names digest and
// passes its CRC check before writing. Like Put, it is idempotent and
// protected by the same per-digest inflight latch.
func (s *Store) PutRaw(digest hashpkg.Digest, raw []byte) error {
	if len(raw) < HeaderSize {
		return corepkg.New(corepkg.KindCorruption, fmt.Sprintf("raw chunk %s shorter than header", digest))
	}
	header, err := DecodeHeader(raw[:HeaderSize])
	if err != nil {
		return corepkg.Wrap(corepkg.KindCorruption, "decode raw chunk header", err)
	}
	if header.Digest != digest {
		return corepkg.New(corepkg.KindCorruption, fmt.Sprintf("raw chunk %s header names digest %s", digest, header.Digest))
	}
	body := raw[HeaderSize:]
	if uint64(len(body)) != header.StoredSize {
		return corepkg.New(corepkg.KindCorruption, fmt.Sprintf("raw chunk %s stored size mismatch", digest))
	}
	if crc32.ChecksumIEEE(body) != header.CRC32 {
		return corepkg.New(corepkg.KindCorruption, fmt.Sprintf("raw chunk %s fails CRC check", digest))
	}

	wg, first := s.claim(digest)
	if !first {
		wg.Wait()
		return nil
	}
	defer s.release(digest, wg)

	if exists, err := s.Has(digest); err != nil {
		return err
	} else if exists {
		return nil
	}

	shardDir := s.shardDir(digest)
	if err := os.MkdirAll(shardDir, 0o750); err != nil {
		return corepkg.Wrap(corepkg.KindIoError, "create shard directory", err)
	}
	tmp, err := os.CreateTemp(shardDir, ".put-*.tmp")
	if err != nil {
		return corepkg.Wrap(corepkg.KindIoError, "create temp chunk file", err)
	}
	tmpPath := tmp.Name()
	succeeded := false
	defer func() {
		if !succeeded {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(raw); err != nil {
		return corepkg.Wrap(corepkg.KindIoError, "write raw chunk", err)
	}
	if err := tmp.Sync(); err != nil {
		return corepkg.Wrap(corepkg.KindIoError, "sync chunk file", err)
	}
	if err := tmp.Close(); err != nil {
		return corepkg.Wrap(corepkg.KindIoError, "close chunk file", err)
	}
	if err := os.Rename(tmpPath, s.chunkPath(digest)); err != nil {
		return corepkg.Wrap(corepkg.KindIoError, "rename chunk into place", err)
	}
	succeeded = true
	return nil
}

// Delete removes a chunk file. Used by the garbage collector once the
// metadata store confirms the chunk is unreferenced (spec §4.4).
func (s *Store) Delete(digest hashpkg.Digest) error {
	err := os.Remove(s.chunkPath(digest))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return corepkg.Wrap(corepkg.KindIoError, "delete chunk", err)
	}
	return nil
}

// IterDigests walks the shard directories and invokes fn for every stored
// digest, used by the verifier to enumerate chunks independently of the
// metadata store (spec §4.10 scenario F: "cross-check the chunk store
// against the metadata store").
func (s *Store) IterDigests(fn func(hashpkg.Digest) error) error {
	dataDir := filepath.Join(s.dir, dataDirName)
	shards, err := os.ReadDir(dataDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return corepkg.Wrap(corepkg.KindIoError, "list shard directories", err)
	}

	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		shardPath := filepath.Join(dataDir, shard.Name())
		entries, err := os.ReadDir(shardPath)
		if err != nil {
			return corepkg.Wrap(corepkg.KindIoError, "list shard contents", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
				continue
			}
			digest, err := hashpkg.ParseDigest(entry.Name())
			if err != nil {
				s.logger.Warn("skipping malformed chunk filename", "shard", shard.Name(), "name", entry.Name())
				continue
			}
			if err := fn(digest); err != nil {
				return err
			}
		}
	}
	return nil
}
