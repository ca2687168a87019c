// Package scanner walks a source directory tree into a deterministic,
// ordered sequence of entries for the ingestion pipeline (spec §4.6).
package scanner

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"justsyncit/internal/corepkg"
)

// SymlinkPolicy controls how the walk treats symbolic links (spec §4.6).
type SymlinkPolicy string

const (
	// SymlinkFollow dereferences symlinks and walks into their targets.
	SymlinkFollow SymlinkPolicy = "follow"
	// SymlinkRecord stores the link target as a symlink file record without
	// following it.
	SymlinkRecord SymlinkPolicy = "record"
	// SymlinkSkip omits symlinks from the scan entirely.
	SymlinkSkip SymlinkPolicy = "skip"
)

// Options configures a scan (spec §4.6).
type Options struct {
	Root           string
	IncludeGlobs   []string
	ExcludeGlobs   []string
	IncludeHidden  bool
	SymlinkPolicy  SymlinkPolicy
	MaxDepth       int // 0 means unlimited
}

// Kind mirrors metastore.Kind without importing it, to keep scanner free of
// a dependency on the metadata store.
type Kind string

const (
	KindRegular Kind = "regular"
	KindSymlink Kind = "symlink"
)

// Entry is one scanned filesystem object, ready to be handed to the
// ingestion pipeline.
type Entry struct {
	// Path is slash-separated and relative to Options.Root.
	Path          string
	AbsPath       string
	Size          int64
	MtimeNs       int64
	Mode          fs.FileMode
	Kind          Kind
	SymlinkTarget string
}

// ScanError records a single path that could not be scanned, without
// aborting the rest of the walk (spec §4.6 "the walk collects per-entry
// errors rather than aborting on the first one").
type ScanError struct {
	Path string
	Err  error
}

func (e ScanError) Error() string {
	return fmt.Sprintf("scan %s: %v", e.Path, e.Err)
}

// Result is the outcome of a full scan.
type Result struct {
	Entries []Entry
	Errors  []ScanError
}

// Scan walks opts.Root and returns entries in deterministic lexicographic
// path order (spec §4.6, relied on by spec §5 ordering guarantee (a)).
func Scan(opts Options) (Result, error) {
	if opts.SymlinkPolicy == "" {
		opts.SymlinkPolicy = SymlinkRecord
	}

	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return Result{}, corepkg.Wrap(corepkg.KindInvalidArgument, "resolve scan root", err)
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return Result{}, corepkg.New(corepkg.KindInvalidArgument, fmt.Sprintf("scan root %q is not a directory", root))
	}

	w := &walker{
		opts:     opts,
		root:     root,
		ancestry: make(map[string]bool),
	}
	if err := w.walk(root, 0); err != nil {
		return Result{}, err
	}

	sort.Slice(w.entries, func(i, j int) bool {
		return w.entries[i].Path < w.entries[j].Path
	})

	return Result{Entries: w.entries, Errors: w.errors}, nil
}

type walker struct {
	opts     Options
	root     string
	entries  []Entry
	errors   []ScanError
	ancestry map[string]bool // resolved targets of the directory symlinks followed on the current descent path, for cycle detection
}

func (w *walker) walk(dir string, depth int) error {
	if w.opts.MaxDepth > 0 && depth > w.opts.MaxDepth {
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		w.errors = append(w.errors, ScanError{Path: dir, Err: err})
		return nil
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, de := range entries {
		name := de.Name()
		if !w.opts.IncludeHidden && strings.HasPrefix(name, ".") {
			continue
		}

		absPath := filepath.Join(dir, name)
		relPath, err := filepath.Rel(w.root, absPath)
		if err != nil {
			w.errors = append(w.errors, ScanError{Path: absPath, Err: err})
			continue
		}
		relSlash := filepath.ToSlash(relPath)

		if !w.included(relSlash) {
			continue
		}

		if err := w.visit(de, absPath, relSlash, depth); err != nil {
			w.errors = append(w.errors, ScanError{Path: absPath, Err: err})
		}
	}
	return nil
}

func (w *walker) included(relSlash string) bool {
	if len(w.opts.IncludeGlobs) > 0 {
		matched := false
		for _, g := range w.opts.IncludeGlobs {
			if ok, _ := doublestar.Match(g, relSlash); ok {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, g := range w.opts.ExcludeGlobs {
		if ok, _ := doublestar.Match(g, relSlash); ok {
			return false
		}
	}
	return true
}

func (w *walker) visit(de os.DirEntry, absPath, relSlash string, depth int) error {
	info, err := de.Info()
	if err != nil {
		return err
	}

	if info.Mode()&os.ModeSymlink != 0 {
		return w.visitSymlink(absPath, relSlash, depth)
	}

	if info.IsDir() {
		return w.walk(absPath, depth+1)
	}

	w.entries = append(w.entries, Entry{
		Path:    relSlash,
		AbsPath: absPath,
		Size:    info.Size(),
		MtimeNs: info.ModTime().UnixNano(),
		Mode:    info.Mode(),
		Kind:    KindRegular,
	})
	return nil
}

func (w *walker) visitSymlink(absPath, relSlash string, depth int) error {
	switch w.opts.SymlinkPolicy {
	case SymlinkSkip:
		return nil
	case SymlinkFollow:
		target, err := filepath.EvalSymlinks(absPath)
		if err != nil {
			return err
		}
		if w.ancestry[target] {
			return fmt.Errorf("symlink cycle detected at %s", absPath)
		}
		info, err := os.Stat(target)
		if err != nil {
			return err
		}
		if info.IsDir() {
			w.ancestry[target] = true
			defer delete(w.ancestry, target)
			return w.walk(target, depth+1)
		}
		w.entries = append(w.entries, Entry{
			Path:    relSlash,
			AbsPath: target,
			Size:    info.Size(),
			MtimeNs: info.ModTime().UnixNano(),
			Mode:    info.Mode(),
			Kind:    KindRegular,
		})
		return nil
	default: // SymlinkRecord
		target, err := os.Readlink(absPath)
		if err != nil {
			return err
		}
		w.entries = append(w.entries, Entry{
			Path:          relSlash,
			AbsPath:       absPath,
			Kind:          KindSymlink,
			SymlinkTarget: target,
		})
		return nil
	}
}
