// Package core wires the concrete components (chunk store, metadata
// store, buffer pool, pipeline stages) into one owned Handle from a
// config.Config, the way internal/orchestrator/factory.go turns a parsed
// configuration into a running set of stores without the caller knowing
// about concrete implementation types.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"justsyncit/internal/bufpool"
	"justsyncit/internal/caspkg"
	"justsyncit/internal/chunker"
	"justsyncit/internal/config"
	"justsyncit/internal/config/file"
	"justsyncit/internal/ingest"
	"justsyncit/internal/logging"
	"justsyncit/internal/metastore"
	"justsyncit/internal/restore"
	"justsyncit/internal/scanner"
	"justsyncit/internal/transfer"
	"justsyncit/internal/verify"
)

// Handle owns every long-lived component for one JustSyncIt store: the
// chunk store, the metadata store, the shared buffer pool, and the
// compress/encrypt pipeline built from config. It is the single
// construction point cmd/justsyncit depends on.
type Handle struct {
	Config   config.Config
	Chunks   *caspkg.Store
	Meta     *metastore.Store
	Pool     *bufpool.Pool
	Pipeline chunker.Pipeline
	Logger   *slog.Logger

	configStore config.Store
}

// Wire constructs a Handle from cfg. It does not start any background
// work; callers invoke Backup/Restore/Verify/GC/Serve explicitly.
func Wire(cfg config.Config, logger *slog.Logger) (*Handle, error) {
	logger = logging.Default(logger).With("component", "core")

	chunks, err := caspkg.Open(caspkg.Config{
		Dir:    filepath.Join(cfg.Home, "data"),
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open chunk store: %w", err)
	}

	meta, err := metastore.Open(filepath.Join(cfg.Home, "metadata", "justsyncit.db"))
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}

	pool := bufpool.New(int(cfg.ChunkSize), cfg.BufferPoolCeiling, bufpool.PolicyBlock)

	stages := []chunker.Stage{}
	if cfg.Compression {
		zstd, err := chunker.NewZstdStage()
		if err != nil {
			return nil, fmt.Errorf("build zstd stage: %w", err)
		}
		stages = append(stages, zstd)
	}
	pipeline := chunker.NewPipeline(stages...)

	return &Handle{
		Config:      cfg,
		Chunks:      chunks,
		Meta:        meta,
		Pool:        pool,
		Pipeline:    pipeline,
		Logger:      logger,
		configStore: file.NewStore(filepath.Join(cfg.Home, "config.yaml")),
	}, nil
}

// Load reads a config.Config from home's config.yaml, falling back to
// config.Default(home) when no file exists yet.
func Load(ctx context.Context, home string) (config.Config, error) {
	store := file.NewStore(filepath.Join(home, "config.yaml"))
	cfg, err := store.Load(ctx)
	if err != nil {
		return config.Config{}, err
	}
	if cfg == nil {
		return config.Default(home), nil
	}
	return *cfg, nil
}

// SaveConfig persists h.Config back to its config.yaml.
func (h *Handle) SaveConfig(ctx context.Context) error {
	return h.configStore.Save(ctx, &h.Config)
}

// Close releases the metadata store's database handle. The chunk store
// holds no persistent handle to release.
func (h *Handle) Close() error {
	return h.Meta.Close()
}

// WithEncryption returns a copy of h whose Pipeline additionally applies
// AEAD encryption with key after any configured compression stage (spec
// §4.2/§4.12 AEADStage: "encrypt is the last stage before persist, so the
// chunk store never sees plaintext").
func (h *Handle) WithEncryption(key [chacha20poly1305.KeySize]byte) (*Handle, error) {
	aead, err := chunker.NewAEADStage(key)
	if err != nil {
		return nil, fmt.Errorf("build AEAD stage: %w", err)
	}
	clone := *h
	clone.Pipeline = chunker.NewPipeline(append(append([]chunker.Stage{}, h.Pipeline.Stages...), aead)...)
	return &clone, nil
}

// Backup runs the ingestion pipeline against cfg's scanner options,
// producing a new completed snapshot.
func (h *Handle) Backup(ctx context.Context, name, description string, scanOpts scanner.Options) (ingest.Summary, error) {
	ip := &ingest.Pipeline{Chunks: h.Chunks, Meta: h.Meta, Pool: h.Pool, Logger: h.Logger}
	return ip.Run(ctx, ingest.Options{
		SnapshotName:    name,
		Description:     description,
		ScanOptions:     scanOpts,
		ChunkSize:       int(h.Config.ChunkSize),
		ReadWorkers:     h.Config.ReadWorkers,
		StoreWorkers:    h.Config.StoreWorkers,
		WalkQueueDepth:  h.Config.WalkQueueDepth,
		ChunkQueueDepth: h.Config.ChunkQueueDepth,
		Pipeline:        h.Pipeline,
	})
}

// Restore reconstructs snapshotID's files under opts.Destination.
func (h *Handle) Restore(ctx context.Context, opts restore.Options) (restore.Summary, error) {
	opts.Pipeline = h.Pipeline
	rp := &restore.Pipeline{Chunks: h.Chunks, Meta: h.Meta, Logger: h.Logger}
	return rp.Run(ctx, opts)
}

// VerifyChunks re-validates every stored chunk's digest and CRC.
func (h *Handle) VerifyChunks(ctx context.Context) (verify.ChunkReport, error) {
	v := &verify.Verifier{Chunks: h.Chunks, Meta: h.Meta, Logger: h.Logger}
	return v.VerifyChunks(ctx)
}

// VerifySnapshot re-validates one snapshot's recorded content digests.
func (h *Handle) VerifySnapshot(ctx context.Context, snapshotID string) (verify.SnapshotReport, error) {
	v := &verify.Verifier{Chunks: h.Chunks, Meta: h.Meta, Logger: h.Logger}
	return v.VerifySnapshot(ctx, snapshotID, h.Pipeline)
}

// GCResult summarizes one garbage collection pass.
type GCResult struct {
	Candidates int
	Reaped     int
	BytesFreed int64
}

// GC runs the two-phase collector of spec §4.4: list zero-refcount chunks
// past the grace period, then re-verify and delete each one inside its own
// short metadata transaction before removing its bytes from the chunk
// store. A chunk that gained a new reference between listing and reaping
// survives (ReapChunkRow reports removed=false) and its bytes are left in
// place.
func (h *Handle) GC(ctx context.Context) (GCResult, error) {
	candidates, err := h.Meta.GCCandidates(ctx, h.Config.GCGraceSeconds)
	if err != nil {
		return GCResult{}, fmt.Errorf("list gc candidates: %w", err)
	}

	result := GCResult{Candidates: len(candidates)}
	for _, digest := range candidates {
		removed, size, err := h.Meta.ReapChunkRow(ctx, digest)
		if err != nil {
			h.Logger.Warn("gc: failed to reap chunk row", "digest", digest, "error", err)
			continue
		}
		if !removed {
			continue
		}
		if err := h.Chunks.Delete(digest); err != nil {
			h.Logger.Warn("gc: failed to delete chunk bytes", "digest", digest, "error", err)
			continue
		}
		result.Reaped++
		result.BytesFreed += size
	}
	h.Logger.Info("gc complete", "candidates", result.Candidates, "reaped", result.Reaped, "bytes_freed", result.BytesFreed)
	return result, nil
}

// Serve runs a transfer.Receiver bound to cfg.TransferListenAddr until ctx
// is cancelled.
func (h *Handle) Serve(ctx context.Context, nodeID string) error {
	receiver := &transfer.Receiver{
		Transport:         transfer.TCPTransport{},
		Chunks:            h.Chunks,
		Meta:              h.Meta,
		Pipeline:          h.Pipeline,
		NodeID:            nodeID,
		Version:           "1",
		IdleTimeout:       time.Duration(h.Config.TransferIdleTimeoutSeconds) * time.Second,
		KeepaliveInterval: transfer.DefaultKeepaliveInterval,
		Logger:            h.Logger,
	}
	return receiver.Serve(ctx, h.Config.TransferListenAddr)
}

// Push streams every file of snapshotID to a peer at addr.
func (h *Handle) Push(ctx context.Context, nodeID, addr, snapshotID string) error {
	files, err := h.Meta.ListFiles(ctx, snapshotID)
	if err != nil {
		return fmt.Errorf("list files for push: %w", err)
	}

	sender := &transfer.Sender{
		Transport:  transfer.TCPTransport{},
		Chunks:     h.Chunks,
		NodeID:     nodeID,
		Version:    "1",
		MaxRetries: h.Config.TransferMaxRetries,
		Logger:     h.Logger,
	}

	for i, rec := range files {
		transferID := fmt.Sprintf("%s-%d", snapshotID, i)
		file := transfer.FileFromRecord(transferID, rec, int64(h.Config.ChunkSize))
		if _, err := sender.Send(ctx, addr, file); err != nil {
			return fmt.Errorf("push %s: %w", rec.Path, err)
		}
	}
	return nil
}

// Pull fetches snapshotID from a peer at addr, installing each of its files
// as a local snapshot (spec §6 pull(snapshot_id, peer)).
func (h *Handle) Pull(ctx context.Context, nodeID, addr, snapshotID string) error {
	puller := &transfer.Puller{
		Transport: transfer.TCPTransport{},
		Chunks:    h.Chunks,
		Meta:      h.Meta,
		NodeID:    nodeID,
		Version:   "1",
		Logger:    h.Logger,
	}
	return puller.Pull(ctx, addr, snapshotID)
}
