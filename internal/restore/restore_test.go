package restore

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
	writeFile(t, filepath.Join(root, "docs", "readme.txt"), "hello world")
	writeFile(t, filepath.Join(root, "bin.dat"), "some binary-ish content")

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
		SnapshotName:    "for-restore",
		ScanOptions:     scanner.Options{Root: root},
		ChunkSize:       1 << 20,
		ReadWorkers:     2,
		StoreWorkers:    2,
		WalkQueueDepth:  8,
		ChunkQueueDepth: 8,
		Pipeline:        chunker.NewPipeline(),
	})
	if err != nil {
		t.Fatalf("ingest Run: %v", err)
	}

	return chunks, meta, summary.Snapshot.SnapshotID
}

func TestRunRestoresFiles(t *testing.T) {
	chunks, meta, snapshotID := newTestSnapshot(t)
	dest := t.TempDir()

	rp := &Pipeline{Chunks: chunks, Meta: meta}
	summary, err := rp.Run(context.Background(), Options{
		SnapshotID:   snapshotID,
		Destination:  dest,
		Overwrite:    true,
		Pipeline:     chunker.NewPipeline(),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Restored != 2 {
		t.Fatalf("expected 2 restored files, got %d", summary.Restored)
	}

	got, err := os.ReadFile(filepath.Join(dest, "docs", "readme.txt"))
	if err != nil {
		t.Fatalf("read restored file: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("expected %q, got %q", "hello world", got)
	}
}

func TestRunRefusesOverwriteByDefault(t *testing.T) {
	chunks, meta, snapshotID := newTestSnapshot(t)
	dest := t.TempDir()
	writeFile(t, filepath.Join(dest, "bin.dat"), "pre-existing")

	rp := &Pipeline{Chunks: chunks, Meta: meta}
	summary, err := rp.Run(context.Background(), Options{
		SnapshotID:  snapshotID,
		Destination: dest,
		Pipeline:    chunker.NewPipeline(),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, failed := summary.Failed["bin.dat"]; !failed {
		t.Fatal("expected bin.dat restore to fail without --overwrite")
	}
}

func TestRunIncludeGlobFiltersFiles(t *testing.T) {
	chunks, meta, snapshotID := newTestSnapshot(t)
	dest := t.TempDir()

	rp := &Pipeline{Chunks: chunks, Meta: meta}
	summary, err := rp.Run(context.Background(), Options{
		SnapshotID:   snapshotID,
		Destination:  dest,
		Overwrite:    true,
		IncludeGlobs: []string{"docs/**"},
		Pipeline:     chunker.NewPipeline(),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Restored != 1 {
		t.Fatalf("expected 1 restored file, got %d", summary.Restored)
	}
	if _, err := os.Stat(filepath.Join(dest, "bin.dat")); !os.IsNotExist(err) {
		t.Fatal("expected bin.dat to be skipped by include glob")
	}
}

func TestRunBackupExistingTimestampsBackup(t *testing.T) {
	chunks, meta, snapshotID := newTestSnapshot(t)
	dest := t.TempDir()
	writeFile(t, filepath.Join(dest, "bin.dat"), "pre-existing")

	rp := &Pipeline{Chunks: chunks, Meta: meta}
	_, err := rp.Run(context.Background(), Options{
		SnapshotID:     snapshotID,
		Destination:    dest,
		Overwrite:      true,
		BackupExisting: true,
		Pipeline:       chunker.NewPipeline(),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(dest, "bin.dat.bak.*"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected exactly one timestamped backup, got %v", matches)
	}
	got, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if string(got) != "pre-existing" {
		t.Fatalf("expected backup to preserve original content, got %q", got)
	}
}

func TestRunUnknownSnapshot(t *testing.T) {
	chunks, meta, _ := newTestSnapshot(t)
	rp := &Pipeline{Chunks: chunks, Meta: meta}
	_, err := rp.Run(context.Background(), Options{SnapshotID: "does-not-exist", Destination: t.TempDir()})
	if err == nil {
		t.Fatal("expected error for unknown snapshot")
	}
}
