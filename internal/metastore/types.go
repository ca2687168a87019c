// Package metastore is the transactional metadata store of spec §4.5: it
// records snapshots, file records, and file-to-chunk edges, and owns chunk
// refcounts (the chunk store owns only bytes, per spec §4.4's ownership
// split).
package metastore

import (
	"time"

	"justsyncit/internal/hashpkg"
)

// Status is a snapshot's lifecycle state (spec §3).
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Kind distinguishes file records (spec §3).
type Kind string

const (
	KindRegular Kind = "regular"
	KindSymlink Kind = "symlink"
)

// Snapshot is the spec §3 Snapshot entity.
type Snapshot struct {
	SnapshotID string
	Name       string
	Description string
	CreatedAt  time.Time
	Status     Status
	FileCount  int64
	TotalSize  int64
	ChunkCount int64
}

// FileRecord is the spec §3 File record entity.
type FileRecord struct {
	FileID        string
	SnapshotID    string
	Path          string
	Size          int64
	MtimeNs       int64
	Mode          string
	Kind          Kind
	SymlinkTarget string
	ContentDigest hashpkg.Digest
	Chunks        []hashpkg.Digest
}

// ChunkRow is the spec §3 Chunk entity as persisted by the metadata store
// (the chunk store persists bytes separately; this row is the
// authoritative refcount/first_seen_at record).
type ChunkRow struct {
	Digest             hashpkg.Digest
	Size               int64
	FirstSeenAt        time.Time
	Refcount           int64
	LastRefcountChange time.Time
}

// Aggregates are the totals computed at the end of ingestion and written
// onto the snapshot row by CompleteSnapshot.
type Aggregates struct {
	FileCount  int64
	TotalSize  int64
	ChunkCount int64
}

// SortOrder selects snapshot listing order.
type SortOrder string

const (
	SortCreatedAtDesc SortOrder = "created_at_desc"
	SortCreatedAtAsc  SortOrder = "created_at_asc"
	SortName          SortOrder = "name"
)

// Stats summarizes the whole store for callers (spec §6 `stats()`).
type Stats struct {
	SnapshotCount int64
	FileCount     int64
	ChunkCount    int64
	TotalRefBytes int64
}
