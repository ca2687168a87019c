package transfer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

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

func newSourceSnapshot(t *testing.T) (*caspkg.Store, *metastore.Store, metastore.FileRecord) {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "payload.txt"), "transfer me across the wire please")

	chunks, err := caspkg.Open(caspkg.Config{Dir: filepath.Join(t.TempDir(), "chunks")})
	if err != nil {
		t.Fatalf("caspkg.Open: %v", err)
	}
	meta, err := metastore.Open(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("metastore.Open: %v", err)
	}
	t.Cleanup(func() { meta.Close() })

	ip := &ingest.Pipeline{Chunks: chunks, Meta: meta, Pool: bufpool.New(64<<10, 8, bufpool.PolicyBlock)}
	summary, err := ip.Run(context.Background(), ingest.Options{
		SnapshotName:    "source",
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

	files, err := meta.ListFiles(context.Background(), summary.Snapshot.SnapshotID)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(files))
	}
	return chunks, meta, files[0]
}

func TestSendReceiveInstallsFile(t *testing.T) {
	srcChunks, _, rec := newSourceSnapshot(t)

	dstChunks, err := caspkg.Open(caspkg.Config{Dir: filepath.Join(t.TempDir(), "dst-chunks")})
	if err != nil {
		t.Fatalf("caspkg.Open: %v", err)
	}
	dstMeta, err := metastore.Open(filepath.Join(t.TempDir(), "dst-meta.db"))
	if err != nil {
		t.Fatalf("metastore.Open: %v", err)
	}
	t.Cleanup(func() { dstMeta.Close() })

	receiver := &Receiver{
		Transport:         TCPTransport{},
		Chunks:            dstChunks,
		Meta:              dstMeta,
		Pipeline:          chunker.NewPipeline(),
		NodeID:            "peer-b",
		Version:           "1",
		KeepaliveInterval: 50 * time.Millisecond,
		IdleTimeout:       time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := (TCPTransport{}).Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- receiver.Serve(ctx, addr)
	}()
	time.Sleep(50 * time.Millisecond)

	sender := &Sender{
		Transport:  TCPTransport{},
		Chunks:     srcChunks,
		NodeID:     "peer-a",
		Version:    "1",
		MaxRetries: 2,
	}

	file := FileFromRecord("transfer-1", rec, 1<<20)
	state, err := sender.Send(context.Background(), addr, file)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if state != SendIdle {
		t.Fatalf("expected SendIdle after success, got %v", state)
	}

	time.Sleep(100 * time.Millisecond)

	snaps, err := dstMeta.ListSnapshots(context.Background(), metastore.SortCreatedAtDesc)
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("expected 1 installed snapshot, got %d", len(snaps))
	}

	files, err := dstMeta.ListFiles(context.Background(), snaps[0].SnapshotID)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 1 || files[0].Path != rec.Path {
		t.Fatalf("unexpected installed files: %+v", files)
	}
	for _, digest := range rec.Chunks {
		if _, _, err := dstChunks.Get(digest); err != nil {
			t.Fatalf("expected chunk %s installed on destination: %v", digest, err)
		}
	}

	cancel()
	<-serveErrCh
}

func TestPullFetchesSnapshotFiles(t *testing.T) {
	srcChunks, srcMeta, rec := newSourceSnapshot(t)

	dstChunks, err := caspkg.Open(caspkg.Config{Dir: filepath.Join(t.TempDir(), "pull-dst-chunks")})
	if err != nil {
		t.Fatalf("caspkg.Open: %v", err)
	}
	dstMeta, err := metastore.Open(filepath.Join(t.TempDir(), "pull-dst-meta.db"))
	if err != nil {
		t.Fatalf("metastore.Open: %v", err)
	}
	t.Cleanup(func() { dstMeta.Close() })

	source := &Receiver{
		Transport:         TCPTransport{},
		Chunks:            srcChunks,
		Meta:              srcMeta,
		NodeID:            "peer-a",
		Version:           "1",
		MaxRetries:        2,
		KeepaliveInterval: 50 * time.Millisecond,
		IdleTimeout:       time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := (TCPTransport{}).Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- source.Serve(ctx, addr)
	}()
	time.Sleep(50 * time.Millisecond)

	snaps, err := srcMeta.ListSnapshots(context.Background(), metastore.SortCreatedAtDesc)
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("expected 1 source snapshot, got %d", len(snaps))
	}

	puller := &Puller{
		Transport: TCPTransport{},
		Chunks:    dstChunks,
		Meta:      dstMeta,
		NodeID:    "peer-b",
		Version:   "1",
	}
	if err := puller.Pull(context.Background(), addr, snaps[0].SnapshotID); err != nil {
		t.Fatalf("Pull: %v", err)
	}

	installed, err := dstMeta.ListSnapshots(context.Background(), metastore.SortCreatedAtDesc)
	if err != nil {
		t.Fatalf("ListSnapshots (dst): %v", err)
	}
	if len(installed) != 1 {
		t.Fatalf("expected 1 installed snapshot, got %d", len(installed))
	}

	files, err := dstMeta.ListFiles(context.Background(), installed[0].SnapshotID)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 1 || files[0].Path != rec.Path {
		t.Fatalf("unexpected pulled files: %+v", files)
	}
	for _, digest := range rec.Chunks {
		if _, _, err := dstChunks.Get(digest); err != nil {
			t.Fatalf("expected chunk %s installed on destination: %v", digest, err)
		}
	}

	cancel()
	<-serveErrCh
}

func TestResumeEncodingRoundTrip(t *testing.T) {
	if got := parseResume(encodeResume(7)); got != 7 {
		t.Fatalf("got %d, want 7", got)
	}
	if got := parseResume(""); got != 0 {
		t.Fatalf("expected 0 for empty reason, got %d", got)
	}
	if got := parseResume("not-a-resume-tag"); got != 0 {
		t.Fatalf("expected 0 for unrelated reason, got %d", got)
	}
}

func TestTransferStateHighestContiguous(t *testing.T) {
	ts := newTransferState()
	if ts.resumePoint() != 0 {
		t.Fatalf("expected resume point 0 initially")
	}
	ts.ackChunk(1)
	if ts.resumePoint() != 0 {
		t.Fatalf("expected resume point 0 with a gap at 0, got %d", ts.resumePoint())
	}
	ts.ackChunk(0)
	if ts.resumePoint() != 2 {
		t.Fatalf("expected resume point 2 after filling the gap, got %d", ts.resumePoint())
	}
}
