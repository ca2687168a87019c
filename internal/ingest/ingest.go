// Package ingest drives the backup pipeline of spec §4.7: scan -> read,
// chunk, hash -> dedup/persist -> commit -> finalize.
package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"justsyncit/internal/bufpool"
	"justsyncit/internal/caspkg"
	"justsyncit/internal/chunker"
	"justsyncit/internal/corepkg"
	"justsyncit/internal/hashpkg"
	"justsyncit/internal/logging"
	"justsyncit/internal/metastore"
	"justsyncit/internal/scanner"
)

// Options configures one ingestion run (spec §4.7).
type Options struct {
	SnapshotName string
	Description  string
	ScanOptions  scanner.Options

	ChunkSize       int
	ReadWorkers     int
	StoreWorkers    int
	WalkQueueDepth  int
	ChunkQueueDepth int

	Pipeline chunker.Pipeline
}

// Pipeline wires the chunk store, metadata store, and buffer pool into a
// runnable ingestion pipeline. One Pipeline is shared across runs.
type Pipeline struct {
	Chunks *caspkg.Store
	Meta   *metastore.Store
	Pool   *bufpool.Pool
	Logger *slog.Logger
}

// Summary reports the outcome of one ingestion run (spec §4.7).
type Summary struct {
	Snapshot     metastore.Snapshot
	FilesOK      int
	FilesFailed  int
	ChunksNew    int
	ChunksReused int
	Failed       map[string]error
}

type chunkedFile struct {
	entry         scanner.Entry
	contentDigest hashpkg.Digest
	chunks        []hashpkg.Digest
	sizes         map[hashpkg.Digest]int64
	newChunks     []chunkToPersist
	err           error
}

type chunkToPersist struct {
	digest       hashpkg.Digest
	stored       []byte
	originalSize int64
	compression  caspkg.CompressionTag
}

// Run executes one full ingestion (spec §4.7 Scenario A).
func (p *Pipeline) Run(ctx context.Context, opts Options) (Summary, error) {
	logger := logging.Default(p.Logger).With("component", "ingest")

	scanResult, err := scanner.Scan(opts.ScanOptions)
	if err != nil {
		return Summary{}, err
	}
	for _, serr := range scanResult.Errors {
		logger.Warn("scan error, entry skipped", "path", serr.Path, "error", serr.Err)
	}

	snap, err := p.Meta.CreateSnapshotPending(ctx, opts.SnapshotName, opts.Description)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{Snapshot: snap, Failed: make(map[string]error)}

	entryCh := make(chan scanner.Entry, opts.WalkQueueDepth)
	chunkedCh := make(chan chunkedFile, opts.ChunkQueueDepth)
	persistedCh := make(chan chunkedFile, opts.ChunkQueueDepth)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(entryCh)
		for _, e := range scanResult.Entries {
			select {
			case entryCh <- e:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	var readWG sync.WaitGroup
	readWorkers := opts.ReadWorkers
	if readWorkers <= 0 {
		readWorkers = 1
	}
	for i := 0; i < readWorkers; i++ {
		readWG.Add(1)
		g.Go(func() error {
			defer readWG.Done()
			for entry := range entryCh {
				select {
				case chunkedCh <- p.processEntry(entry, opts):
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}
	go func() {
		readWG.Wait()
		close(chunkedCh)
	}()

	// Dedup + persist stage (spec §4.7 stage 3): StoreWorkers goroutines
	// fan out caspkg.Store.Put calls for newly seen chunks, independent of
	// the read/chunk/hash fan-out above. caspkg.Store.Put is safe under
	// concurrent callers (per-digest inflight latch), so this stage can run
	// at its own worker count rather than inherit ReadWorkers'.
	var storeWG sync.WaitGroup
	storeWorkers := opts.StoreWorkers
	if storeWorkers <= 0 {
		storeWorkers = 1
	}
	for i := 0; i < storeWorkers; i++ {
		storeWG.Add(1)
		g.Go(func() error {
			defer storeWG.Done()
			for cf := range chunkedCh {
				if err := p.persistChunks(cf); err != nil {
					cf.err = err
				}
				select {
				case persistedCh <- cf:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}
	go func() {
		storeWG.Wait()
		close(persistedCh)
	}()

	commitErr := p.commitLoop(gctx, persistedCh, snap.SnapshotID, &summary, logger)

	if err := g.Wait(); err != nil {
		p.Meta.FailSnapshot(ctx, snap.SnapshotID)
		return summary, err
	}
	if commitErr != nil {
		p.Meta.FailSnapshot(ctx, snap.SnapshotID)
		return summary, commitErr
	}

	agg := metastore.Aggregates{
		FileCount:  int64(summary.FilesOK),
		TotalSize:  totalSize(scanResult.Entries, summary.Failed),
		ChunkCount: int64(summary.ChunksNew + summary.ChunksReused),
	}
	if err := p.Meta.CompleteSnapshot(ctx, snap.SnapshotID, agg); err != nil {
		return summary, err
	}
	summary.Snapshot, err = p.Meta.GetSnapshot(ctx, snap.SnapshotID)
	return summary, err
}

func totalSize(entries []scanner.Entry, failed map[string]error) int64 {
	var total int64
	for _, e := range entries {
		if _, bad := failed[e.Path]; bad {
			continue
		}
		total += e.Size
	}
	return total
}

// processEntry reads, chunks, and hashes one entry, recording which of its
// chunks are new against the chunk store (spec §4.7 read/chunk/hash stage).
// Persisting the new chunks happens later, in persistChunks, on a separate
// StoreWorkers fan-out.
func (p *Pipeline) processEntry(entry scanner.Entry, opts Options) chunkedFile {
	if entry.Kind == scanner.KindSymlink {
		return chunkedFile{entry: entry, contentDigest: hashpkg.Empty}
	}

	f, err := os.Open(entry.AbsPath)
	if err != nil {
		return chunkedFile{entry: entry, err: corepkg.Wrap(corepkg.KindIoError, "open file", err)}
	}
	defer f.Close()

	c := chunker.New(f, opts.ChunkSize, p.Pool)
	sizes := make(map[hashpkg.Digest]int64)
	var digests []hashpkg.Digest
	var newChunks []chunkToPersist

	for {
		chunk, err := c.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return chunkedFile{entry: entry, err: corepkg.Wrap(corepkg.KindIoError, "chunk file", err)}
		}

		stored, storedDigest, err := opts.Pipeline.ToStored(chunk.Bytes)
		if err != nil {
			return chunkedFile{entry: entry, err: err}
		}

		digests = append(digests, storedDigest)
		sizes[storedDigest] = int64(len(stored))

		has, err := p.Chunks.Has(storedDigest)
		if err != nil {
			return chunkedFile{entry: entry, err: err}
		}
		if !has {
			newChunks = append(newChunks, chunkToPersist{
				digest:       storedDigest,
				stored:       stored,
				originalSize: chunk.Size,
				compression:  compressionTag(opts.Pipeline),
			})
		}
	}

	return chunkedFile{
		entry:         entry,
		contentDigest: c.ContentDigest(),
		chunks:        digests,
		sizes:         sizes,
		newChunks:     newChunks,
	}
}

// persistChunks writes cf's newly discovered chunks to the chunk store. It
// runs on one of StoreWorkers goroutines, concurrently with persistChunks
// calls for other files in flight (spec §4.7 stage 3 dedup/persist fan-out).
func (p *Pipeline) persistChunks(cf chunkedFile) error {
	if cf.err != nil {
		return nil
	}
	for _, nc := range cf.newChunks {
		if err := p.Chunks.Put(nc.digest, nc.stored, nc.originalSize, nc.compression); err != nil {
			return fmt.Errorf("persist chunk %s: %w", nc.digest, err)
		}
	}
	return nil
}

func compressionTag(p chunker.Pipeline) caspkg.CompressionTag {
	for _, s := range p.Stages {
		if _, ok := s.(*chunker.ZstdStage); ok {
			return caspkg.CompressionZstd
		}
	}
	return caspkg.CompressionNone
}

// commitLoop is the single serialized writer against the metadata store
// (spec §4.5: sqlite access is single-connection, so commits happen on one
// goroutine even though chunking fans out across readWorkers).
func (p *Pipeline) commitLoop(ctx context.Context, results <-chan chunkedFile, snapshotID string, summary *Summary, logger *slog.Logger) error {
	for {
		select {
		case cf, ok := <-results:
			if !ok {
				return nil
			}
			if err := p.commitOne(ctx, cf, snapshotID, summary); err != nil {
				summary.FilesFailed++
				summary.Failed[cf.entry.Path] = err
				logger.Warn("file commit failed", "path", cf.entry.Path, "error", err)
				continue
			}
			summary.FilesOK++
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Pipeline) commitOne(ctx context.Context, cf chunkedFile, snapshotID string, summary *Summary) error {
	if cf.err != nil {
		return cf.err
	}

	seen := make(map[hashpkg.Digest]bool, len(cf.chunks))
	for _, d := range cf.chunks {
		refs, err := p.Meta.ChunkRefcount(ctx, d)
		if err != nil {
			return err
		}
		if refs > 0 || seen[d] {
			summary.ChunksReused++
		} else {
			summary.ChunksNew++
		}
		seen[d] = true
	}

	rec := metastore.FileRecord{
		SnapshotID:    snapshotID,
		Path:          cf.entry.Path,
		Size:          cf.entry.Size,
		MtimeNs:       cf.entry.MtimeNs,
		Mode:          fmt.Sprintf("%o", cf.entry.Mode.Perm()),
		Kind:          metastore.Kind(cf.entry.Kind),
		SymlinkTarget: cf.entry.SymlinkTarget,
		ContentDigest: cf.contentDigest,
		Chunks:        cf.chunks,
	}
	return p.Meta.AddFile(ctx, rec, cf.sizes)
}
