package scanner

import (
	"os"
	"path/filepath"
	"testing"
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

func TestScanOrdersLexicographically(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "b.txt"), "b")
	writeFile(t, filepath.Join(root, "a.txt"), "a")
	writeFile(t, filepath.Join(root, "sub", "c.txt"), "c")

	res, err := Scan(Options{Root: root})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(res.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(res.Entries))
	}
	want := []string{"a.txt", "b.txt", "sub/c.txt"}
	for i, e := range res.Entries {
		if e.Path != want[i] {
			t.Fatalf("entry %d: expected path %q, got %q", i, want[i], e.Path)
		}
	}
}

func TestScanHiddenExcludedByDefault(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ".hidden"), "x")
	writeFile(t, filepath.Join(root, "visible.txt"), "x")

	res, err := Scan(Options{Root: root})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(res.Entries) != 1 || res.Entries[0].Path != "visible.txt" {
		t.Fatalf("expected only visible.txt, got %+v", res.Entries)
	}
}

func TestScanIncludeHidden(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ".hidden"), "x")

	res, err := Scan(Options{Root: root, IncludeHidden: true})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(res.Entries) != 1 {
		t.Fatalf("expected hidden file to be included, got %+v", res.Entries)
	}
}

func TestScanExcludeGlob(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "keep.txt"), "x")
	writeFile(t, filepath.Join(root, "skip.log"), "x")

	res, err := Scan(Options{Root: root, ExcludeGlobs: []string{"*.log"}})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(res.Entries) != 1 || res.Entries[0].Path != "keep.txt" {
		t.Fatalf("expected only keep.txt, got %+v", res.Entries)
	}
}

func TestScanIncludeGlob(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.go"), "x")
	writeFile(t, filepath.Join(root, "b.txt"), "x")

	res, err := Scan(Options{Root: root, IncludeGlobs: []string{"**/*.go"}})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(res.Entries) != 1 || res.Entries[0].Path != "a.go" {
		t.Fatalf("expected only a.go, got %+v", res.Entries)
	}
}

func TestScanSymlinkRecordByDefault(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "real.txt")
	writeFile(t, target, "real")
	link := filepath.Join(root, "link.txt")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	res, err := Scan(Options{Root: root})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	var found bool
	for _, e := range res.Entries {
		if e.Path == "link.txt" {
			found = true
			if e.Kind != KindSymlink {
				t.Fatalf("expected symlink kind, got %v", e.Kind)
			}
			if e.SymlinkTarget != target {
				t.Fatalf("expected target %q, got %q", target, e.SymlinkTarget)
			}
		}
	}
	if !found {
		t.Fatal("expected link.txt entry")
	}
}

func TestScanSymlinkSkip(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "real.txt")
	writeFile(t, target, "real")
	link := filepath.Join(root, "link.txt")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	res, err := Scan(Options{Root: root, SymlinkPolicy: SymlinkSkip})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	for _, e := range res.Entries {
		if e.Path == "link.txt" {
			t.Fatal("expected link.txt to be skipped")
		}
	}
}

func TestScanMissingRootErrors(t *testing.T) {
	_, err := Scan(Options{Root: filepath.Join(t.TempDir(), "does-not-exist")})
	if err == nil {
		t.Fatal("expected error for missing root")
	}
}

func TestScanCollectsPerEntryErrorsWithoutAborting(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "ok.txt"), "x")
	unreadableDir := filepath.Join(root, "locked")
	if err := os.MkdirAll(unreadableDir, 0o000); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	t.Cleanup(func() { os.Chmod(unreadableDir, 0o755) })
	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply when running as root")
	}

	res, err := Scan(Options{Root: root})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(res.Errors) == 0 {
		t.Fatal("expected a scan error for the unreadable directory")
	}
	found := false
	for _, e := range res.Entries {
		if e.Path == "ok.txt" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected ok.txt to still be scanned despite the sibling error")
	}
}
