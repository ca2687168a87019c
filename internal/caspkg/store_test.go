package caspkg

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"justsyncit/internal/hashpkg"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	body := []byte("hello, chunk")
	digest := hashpkg.Sum(body)

	if err := s.Put(digest, body, int64(len(body)), CompressionNone); err != nil {
		t.Fatalf("Put: %v", err)
	}

	has, err := s.Has(digest)
	if err != nil {
		t.Fatalf("Has: %v", err)
	}
	if !has {
		t.Fatal("expected chunk to exist after Put")
	}

	got, header, err := s.Get(digest)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(body) {
		t.Fatalf("got %q, want %q", got, body)
	}
	if header.OriginalSize != uint64(len(body)) {
		t.Fatalf("expected original size %d, got %d", len(body), header.OriginalSize)
	}
}

func TestPutIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	body := []byte("idempotent payload")
	digest := hashpkg.Sum(body)

	for i := 0; i < 3; i++ {
		if err := s.Put(digest, body, int64(len(body)), CompressionNone); err != nil {
			t.Fatalf("Put iteration %d: %v", i, err)
		}
	}

	got, _, err := s.Get(digest)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(body) {
		t.Fatalf("got %q, want %q", got, body)
	}
}

func TestPutConcurrentSameDigest(t *testing.T) {
	s := openTestStore(t)
	body := []byte("racing writers")
	digest := hashpkg.Sum(body)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Put(digest, body, int64(len(body)), CompressionNone)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Put: %v", err)
		}
	}

	got, _, err := s.Get(digest)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(body) {
		t.Fatalf("got %q, want %q", got, body)
	}
}

func TestGetMissing(t *testing.T) {
	s := openTestStore(t)
	_, _, err := s.Get(hashpkg.Sum([]byte("never written")))
	if err == nil {
		t.Fatal("expected error for missing chunk")
	}
}

func TestGetCorruptedBody(t *testing.T) {
	s := openTestStore(t)
	body := []byte("will be corrupted")
	digest := hashpkg.Sum(body)
	if err := s.Put(digest, body, int64(len(body)), CompressionNone); err != nil {
		t.Fatalf("Put: %v", err)
	}

	path := filepath.Join(s.dir, dataDirName, digest.String()[:shardPrefixLen], digest.String())
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read chunk file: %v", err)
	}
	data[len(data)-1] ^= 0xFF
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("rewrite chunk file: %v", err)
	}

	_, _, err = s.Get(digest)
	if err == nil {
		t.Fatal("expected corruption error")
	}
}

func TestIterDigests(t *testing.T) {
	s := openTestStore(t)
	want := map[hashpkg.Digest]bool{}
	for _, payload := range [][]byte{[]byte("one"), []byte("two"), []byte("three")} {
		d := hashpkg.Sum(payload)
		if err := s.Put(d, payload, int64(len(payload)), CompressionNone); err != nil {
			t.Fatalf("Put: %v", err)
		}
		want[d] = true
	}

	got := map[hashpkg.Digest]bool{}
	if err := s.IterDigests(func(d hashpkg.Digest) error {
		got[d] = true
		return nil
	}); err != nil {
		t.Fatalf("IterDigests: %v", err)
	}

	if len(got) != len(want) {
		t.Fatalf("expected %d digests, got %d", len(want), len(got))
	}
	for d := range want {
		if !got[d] {
			t.Fatalf("missing digest %s from iteration", d)
		}
	}
}

func TestDeleteThenMissing(t *testing.T) {
	s := openTestStore(t)
	body := []byte("to be deleted")
	digest := hashpkg.Sum(body)
	if err := s.Put(digest, body, int64(len(body)), CompressionNone); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete(digest); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	has, err := s.Has(digest)
	if err != nil {
		t.Fatalf("Has: %v", err)
	}
	if has {
		t.Fatal("expected chunk to be gone after Delete")
	}
	if err := s.Delete(digest); err != nil {
		t.Fatalf("Delete on missing chunk should be a no-op, got: %v", err)
	}
}
