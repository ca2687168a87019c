package verify

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"justsyncit/internal/bufpool"
	"justsyncit/internal/caspkg"
	"justsyncit/internal/chunker"
	"justsyncit/internal/ingest"
	"justsyncit/internal/metastore"
	"justsyncit/internal/scanner"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func newTestSnapshot(t *testing.T) (*caspkg.Store, *metastore.Store, string) {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "verify me please")

	chunks, err := caspkg.Open(caspkg.Config{Dir: filepath.Join(t.TempDir(), "chunks")})
	if err != nil {
		t.Fatalf("caspkg.Open: %v", err)
	}
	meta, err := metastore.Open(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("metastore.Open: %v", err)
	}
	t.Cleanup(func() { meta.Close() })

	ip := &ingest.Pipeline{
		Chunks: chunks,
		Meta:   meta,
		Pool:   bufpool.New(64<<10, 8, bufpool.PolicyBlock),
	}
	summary, err := ip.Run(context.Background(), ingest.Options{
		SnapshotName:    "verify-me",
		ScanOptions:     scanner.Options{Root: root},
		ChunkSize:       1 << 20,
		ReadWorkers:     1,
		StoreWorkers:    1,
		WalkQueueDepth:  4,
		ChunkQueueDepth: 4,
		Pipeline:        chunker.NewPipeline(),
	})
	if err != nil {
		t.Fatalf("ingest Run: %v", err)
	}
	return chunks, meta, summary.Snapshot.SnapshotID
}

func TestVerifyChunksClean(t *testing.T) {
	chunks, meta, _ := newTestSnapshot(t)
	v := &Verifier{Chunks: chunks, Meta: meta}

	report, err := v.VerifyChunks(context.Background())
	if err != nil {
		t.Fatalf("VerifyChunks: %v", err)
	}
	if report.Scanned == 0 {
		t.Fatal("expected at least one chunk scanned")
	}
	if len(report.Issues) != 0 {
		t.Fatalf("expected no issues, got %+v", report.Issues)
	}
}

func TestVerifySnapshotClean(t *testing.T) {
	chunks, meta, snapshotID := newTestSnapshot(t)
	v := &Verifier{Chunks: chunks, Meta: meta}

	report, err := v.VerifySnapshot(context.Background(), snapshotID, chunker.NewPipeline())
	if err != nil {
		t.Fatalf("VerifySnapshot: %v", err)
	}
	if report.FilesChecked != 1 {
		t.Fatalf("expected 1 file checked, got %d", report.FilesChecked)
	}
	if len(report.Issues) != 0 {
		t.Fatalf("expected no issues, got %+v", report.Issues)
	}
}

func TestVerifySnapshotReportsMissingChunk(t *testing.T) {
	chunks, meta, snapshotID := newTestSnapshot(t)

	files, err := meta.ListFiles(context.Background(), snapshotID)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) == 0 || len(files[0].Chunks) == 0 {
		t.Fatal("expected at least one chunk to delete")
	}
	digest := files[0].Chunks[0]
	if err := chunks.Delete(digest); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	v := &Verifier{Chunks: chunks, Meta: meta}
	report, err := v.VerifySnapshot(context.Background(), snapshotID, chunker.NewPipeline())
	if err != nil {
		t.Fatalf("VerifySnapshot: %v", err)
	}
	if len(report.Issues) == 0 {
		t.Fatal("expected a missing-chunk issue after deleting a referenced chunk")
	}
}

func TestVerifySnapshotNotCompleted(t *testing.T) {
	_, meta, _ := newTestSnapshot(t)
	pending, err := meta.CreateSnapshotPending(context.Background(), "still-pending", "")
	if err != nil {
		t.Fatalf("CreateSnapshotPending: %v", err)
	}

	v := &Verifier{Meta: meta}
	_, err = v.VerifySnapshot(context.Background(), pending.SnapshotID, chunker.NewPipeline())
	if err == nil {
		t.Fatal("expected error verifying a pending snapshot")
	}
}
