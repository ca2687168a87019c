// Package config provides configuration persistence for the JustSyncIt
// core: the store's home directory, chunking and worker/queue parameters,
// GC grace period, and the transfer listen address. This is control-plane
// state, not the data-plane state owned by the metadata store.
//
// Config is not accessed on the ingest/restore hot path. Persistence must
// not block backup or restore operations.
package config

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Store persists and loads the desired configuration across restarts.
type Store interface {
	// Load reads the configuration. Returns nil config if none exists.
	Load(ctx context.Context) (*Config, error)

	// Save persists the configuration.
	Save(ctx context.Context, cfg *Config) error
}

// Config describes one JustSyncIt store's shape.
type Config struct {
	// Home is the store's root directory (contains data/, metadata/).
	Home string `yaml:"home"`

	// ChunkSize is the target chunk size in bytes for fixed-size chunking.
	ChunkSize uint64 `yaml:"chunk_size"`

	// WalkQueueDepth bounds the scanner -> read/chunk queue (Q_walk, spec §4.7).
	WalkQueueDepth int `yaml:"walk_queue_depth"`
	// ChunkQueueDepth bounds the read/chunk -> dedup/persist queue (Q_chunks).
	ChunkQueueDepth int `yaml:"chunk_queue_depth"`
	// ReadWorkers is the read/chunk/hash fan-out (W_read).
	ReadWorkers int `yaml:"read_workers"`
	// StoreWorkers is the dedup/persist fan-out (W_store).
	StoreWorkers int `yaml:"store_workers"`

	// BufferPoolCeiling bounds outstanding pool buffers.
	BufferPoolCeiling int `yaml:"buffer_pool_ceiling"`

	// GCGraceSeconds is the minimum age of a zero-refcount chunk before GC
	// may reap it (spec §3 GC grace).
	GCGraceSeconds int64 `yaml:"gc_grace_seconds"`

	// Compression enables the zstd compress stage on stored chunk bytes.
	Compression bool `yaml:"compression"`

	// TransferListenAddr is the address `serve` binds for peer transfer.
	TransferListenAddr string `yaml:"transfer_listen_addr"`
	// TransferIdleTimeoutSeconds disconnects a peer that misses a Pong.
	TransferIdleTimeoutSeconds int64 `yaml:"transfer_idle_timeout_seconds"`
	// TransferMaxRetries bounds per-chunk retry attempts (R, spec §4.10).
	TransferMaxRetries int `yaml:"transfer_max_retries"`
}

// Default returns a Config with the reference defaults used throughout the
// spec's scenarios: 4 MiB chunks, modest worker/queue sizes.
func Default(home string) Config {
	return Config{
		Home:                       home,
		ChunkSize:                  4 << 20,
		WalkQueueDepth:             64,
		ChunkQueueDepth:            256,
		ReadWorkers:                4,
		StoreWorkers:               8,
		BufferPoolCeiling:          32,
		GCGraceSeconds:             3600,
		Compression:                false,
		TransferListenAddr:         ":9443",
		TransferIdleTimeoutSeconds: 30,
		TransferMaxRetries:         5,
	}
}

// ParseBytes parses a human size string ("64MB", "1GB", "100") into bytes.
func ParseBytes(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	upper := strings.ToUpper(s)
	mult := uint64(1)
	suffixes := []struct {
		suf  string
		mult uint64
	}{
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	}
	numPart := upper
	for _, suf := range suffixes {
		if strings.HasSuffix(upper, suf.suf) {
			mult = suf.mult
			numPart = strings.TrimSuffix(upper, suf.suf)
			break
		}
	}
	numPart = strings.TrimSpace(numPart)
	n, err := strconv.ParseUint(numPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", s, err)
	}
	return n * mult, nil
}
