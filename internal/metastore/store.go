package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"justsyncit/internal/corepkg"
	"justsyncit/internal/hashpkg"
)

const timeFormat = time.RFC3339Nano

// Store is the sqlite-backed metadata store (spec §4.5).
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the metadata database at path, runs
// migrations, and verifies the persisted hash algorithm tag matches this
// build's algorithm (spec §4.1: "the store persists an algorithm tag in the
// metadata header to refuse mismatches at open time").
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, corepkg.Wrap(corepkg.KindIoError, "create metadata directory", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, corepkg.Wrap(corepkg.KindIoError, "open metadata db", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, corepkg.Wrap(corepkg.KindIoError, "set journal_mode", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, corepkg.Wrap(corepkg.KindIoError, "set foreign_keys", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, corepkg.Wrap(corepkg.KindIoError, "run migrations", err)
	}

	s := &Store{db: db, path: path}
	if err := s.checkOrWriteAlgorithm(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) checkOrWriteAlgorithm() error {
	var algo string
	err := s.db.QueryRow("SELECT algorithm FROM schema ORDER BY version DESC LIMIT 1").Scan(&algo)
	if errors.Is(err, sql.ErrNoRows) {
		_, err := s.db.Exec("INSERT INTO schema (version, algorithm, applied_at) VALUES (1, ?, ?)",
			hashpkg.Algorithm, time.Now().UTC().Format(timeFormat))
		if err != nil {
			return corepkg.Wrap(corepkg.KindIoError, "record hash algorithm", err)
		}
		return nil
	}
	if err != nil {
		return corepkg.Wrap(corepkg.KindIoError, "read hash algorithm", err)
	}
	if algo != hashpkg.Algorithm {
		return corepkg.New(corepkg.KindInvalidArgument,
			fmt.Sprintf("store was created with hash algorithm %q, this build uses %q", algo, hashpkg.Algorithm))
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSnapshotPending inserts a new snapshot row in the pending state
// (spec §4.5 create_snapshot_pending). name must be unique.
func (s *Store) CreateSnapshotPending(ctx context.Context, name, description string) (Snapshot, error) {
	snap := Snapshot{
		SnapshotID:  uuid.NewString(),
		Name:        name,
		Description: description,
		CreatedAt:   time.Now().UTC(),
		Status:      StatusPending,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (snapshot_id, name, description, created_at, status, file_count, total_size, chunk_count)
		VALUES (?, ?, ?, ?, ?, 0, 0, 0)
	`, snap.SnapshotID, snap.Name, snap.Description, snap.CreatedAt.Format(timeFormat), string(StatusPending))
	if err != nil {
		return Snapshot{}, corepkg.Wrap(corepkg.KindIoError, fmt.Sprintf("create snapshot %q", name), err)
	}
	return snap, nil
}

// AddFile inserts a file row plus its ordered chunk edges inside a single
// transaction, increfs every referenced chunk, and upserts chunk rows for
// newly observed digests (spec §4.5 add_file).
//
// sizes maps a chunk digest to its byte size; it must contain an entry for
// every digest that does not already exist in the chunks table (new
// chunks). Digests already present in chunks may be omitted.
func (s *Store) AddFile(ctx context.Context, rec FileRecord, sizes map[hashpkg.Digest]int64) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return corepkg.Wrap(corepkg.KindIoError, "begin add-file tx", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if rec.FileID == "" {
		rec.FileID = uuid.NewString()
	}

	var symlinkTarget *string
	if rec.Kind == KindSymlink {
		symlinkTarget = &rec.SymlinkTarget
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO files (file_id, snapshot_id, path, size, mtime_ns, mode, kind, symlink_target, content_digest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.FileID, rec.SnapshotID, rec.Path, rec.Size, rec.MtimeNs, rec.Mode, string(rec.Kind),
		derefOr(symlinkTarget, ""), rec.ContentDigest.String())
	if err != nil {
		return corepkg.Wrap(corepkg.KindIoError, fmt.Sprintf("insert file %q", rec.Path), err)
	}

	now := time.Now().UTC().Format(timeFormat)
	for i, digest := range rec.Chunks {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO file_chunks (file_id, order_index, chunk_digest) VALUES (?, ?, ?)
		`, rec.FileID, i, digest.String()); err != nil {
			return corepkg.Wrap(corepkg.KindIoError, "insert file_chunks edge", err)
		}

		if _, err = tx.ExecContext(ctx, `
			INSERT INTO chunks (digest, size, first_seen_at, refcount, last_refcount_change)
			VALUES (?, ?, ?, 0, ?)
			ON CONFLICT(digest) DO NOTHING
		`, digest.String(), sizes[digest], now, now); err != nil {
			return corepkg.Wrap(corepkg.KindIoError, "upsert chunk row", err)
		}

		res, err2 := tx.ExecContext(ctx, `
			UPDATE chunks SET refcount = refcount + 1, last_refcount_change = ? WHERE digest = ?
		`, now, digest.String())
		if err2 != nil {
			err = corepkg.Wrap(corepkg.KindIoError, "incref chunk", err2)
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			err = corepkg.New(corepkg.KindNotFound, fmt.Sprintf("chunk %s missing during incref", digest))
			return err
		}
	}

	return tx.Commit()
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}

// CompleteSnapshot writes the final aggregates and flips status to
// completed (spec §4.5 complete_snapshot). This is the only point at which
// a snapshot becomes visible to list_snapshots/restore (spec §3).
func (s *Store) CompleteSnapshot(ctx context.Context, snapshotID string, agg Aggregates) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE snapshots SET status = ?, file_count = ?, total_size = ?, chunk_count = ?
		WHERE snapshot_id = ?
	`, string(StatusCompleted), agg.FileCount, agg.TotalSize, agg.ChunkCount, snapshotID)
	if err != nil {
		return corepkg.Wrap(corepkg.KindIoError, "complete snapshot", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return corepkg.New(corepkg.KindNotFound, fmt.Sprintf("snapshot %s not found", snapshotID))
	}
	return nil
}

// FailSnapshot marks a pending snapshot as failed (spec §4.7 cancellation:
// "the pending snapshot is marked failed").
func (s *Store) FailSnapshot(ctx context.Context, snapshotID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE snapshots SET status = ? WHERE snapshot_id = ?", string(StatusFailed), snapshotID)
	if err != nil {
		return corepkg.Wrap(corepkg.KindIoError, "fail snapshot", err)
	}
	return nil
}

// DeleteSnapshot cascades: delete edges, decref each referenced chunk,
// delete file rows, delete the snapshot row (spec §4.5 delete_snapshot,
// spec §3 Lifecycle cascade).
func (s *Store) DeleteSnapshot(ctx context.Context, snapshotID string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return corepkg.Wrap(corepkg.KindIoError, "begin delete-snapshot tx", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx, `
		SELECT fc.chunk_digest
		FROM file_chunks fc
		JOIN files f ON f.file_id = fc.file_id
		WHERE f.snapshot_id = ?
	`, snapshotID)
	if err != nil {
		return corepkg.Wrap(corepkg.KindIoError, "list edges for delete", err)
	}
	var digests []string
	for rows.Next() {
		var d string
		if err = rows.Scan(&d); err != nil {
			rows.Close()
			return corepkg.Wrap(corepkg.KindIoError, "scan edge digest", err)
		}
		digests = append(digests, d)
	}
	if err = rows.Err(); err != nil {
		rows.Close()
		return corepkg.Wrap(corepkg.KindIoError, "iterate edges", err)
	}
	rows.Close()

	now := time.Now().UTC().Format(timeFormat)
	for _, d := range digests {
		res, err2 := tx.ExecContext(ctx, `
			UPDATE chunks SET refcount = refcount - 1, last_refcount_change = ?
			WHERE digest = ? AND refcount > 0
		`, now, d)
		if err2 != nil {
			err = corepkg.Wrap(corepkg.KindIoError, "decref chunk", err2)
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			err = corepkg.New(corepkg.KindRefcountUnderflow, fmt.Sprintf("decref would underflow chunk %s", d))
			return err
		}
	}

	if _, err = tx.ExecContext(ctx, `
		DELETE FROM files WHERE snapshot_id = ?
	`, snapshotID); err != nil {
		return corepkg.Wrap(corepkg.KindIoError, "delete files", err)
	}

	res, err2 := tx.ExecContext(ctx, "DELETE FROM snapshots WHERE snapshot_id = ?", snapshotID)
	if err2 != nil {
		err = corepkg.Wrap(corepkg.KindIoError, "delete snapshot row", err2)
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = corepkg.New(corepkg.KindNotFound, fmt.Sprintf("snapshot %s not found", snapshotID))
		return err
	}

	return tx.Commit()
}

func scanSnapshot(row interface{ Scan(...any) error }) (Snapshot, error) {
	var snap Snapshot
	var createdAt, status string
	err := row.Scan(&snap.SnapshotID, &snap.Name, &snap.Description, &createdAt, &status,
		&snap.FileCount, &snap.TotalSize, &snap.ChunkCount)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Status = Status(status)
	snap.CreatedAt, err = time.Parse(timeFormat, createdAt)
	return snap, err
}

const snapshotColumns = "snapshot_id, name, description, created_at, status, file_count, total_size, chunk_count"

// GetSnapshot returns a snapshot by ID regardless of status (callers that
// need only completed snapshots should check Status themselves, matching
// spec §4.5's "reader listing snapshots ... never see partial file sets").
func (s *Store) GetSnapshot(ctx context.Context, snapshotID string) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+snapshotColumns+" FROM snapshots WHERE snapshot_id = ?", snapshotID)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, corepkg.New(corepkg.KindNotFound, fmt.Sprintf("snapshot %s not found", snapshotID))
	}
	if err != nil {
		return Snapshot{}, corepkg.Wrap(corepkg.KindIoError, "get snapshot", err)
	}
	return snap, nil
}

// ListSnapshots returns only completed snapshots (spec §3: "A snapshot is
// visible to list/restore only in completed state").
func (s *Store) ListSnapshots(ctx context.Context, sort SortOrder) ([]Snapshot, error) {
	order := "created_at DESC"
	switch sort {
	case SortCreatedAtAsc:
		order = "created_at ASC"
	case SortName:
		order = "name ASC"
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+snapshotColumns+" FROM snapshots WHERE status = ? ORDER BY "+order, string(StatusCompleted))
	if err != nil {
		return nil, corepkg.Wrap(corepkg.KindIoError, "list snapshots", err)
	}
	defer rows.Close()

	var result []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, corepkg.Wrap(corepkg.KindIoError, "scan snapshot", err)
		}
		result = append(result, snap)
	}
	return result, rows.Err()
}

// ListFiles returns every file in a snapshot, in the order the scanner
// emitted them (spec §5 ordering guarantee (a), tested by property 9).
// The scanner emits entries sorted bytewise by path, so ordering on path
// reproduces that order whatever order the files were committed in.
func (s *Store) ListFiles(ctx context.Context, snapshotID string) ([]FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT file_id, snapshot_id, path, size, mtime_ns, mode, kind, symlink_target, content_digest
		FROM files WHERE snapshot_id = ? ORDER BY path
	`, snapshotID)
	if err != nil {
		return nil, corepkg.Wrap(corepkg.KindIoError, "list files", err)
	}
	defer rows.Close()

	var result []FileRecord
	for rows.Next() {
		var rec FileRecord
		var kind, digestHex string
		if err := rows.Scan(&rec.FileID, &rec.SnapshotID, &rec.Path, &rec.Size, &rec.MtimeNs,
			&rec.Mode, &kind, &rec.SymlinkTarget, &digestHex); err != nil {
			return nil, corepkg.Wrap(corepkg.KindIoError, "scan file", err)
		}
		rec.Kind = Kind(kind)
		digest, err := hashpkg.ParseDigest(digestHex)
		if err != nil {
			return nil, err
		}
		rec.ContentDigest = digest
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, corepkg.Wrap(corepkg.KindIoError, "iterate files", err)
	}

	for i := range result {
		chunks, err := s.fileChunks(ctx, result[i].FileID)
		if err != nil {
			return nil, err
		}
		result[i].Chunks = chunks
	}
	return result, nil
}

func (s *Store) fileChunks(ctx context.Context, fileID string) ([]hashpkg.Digest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_digest FROM file_chunks WHERE file_id = ? ORDER BY order_index
	`, fileID)
	if err != nil {
		return nil, corepkg.Wrap(corepkg.KindIoError, "list file chunks", err)
	}
	defer rows.Close()

	var chunks []hashpkg.Digest
	for rows.Next() {
		var hexDigest string
		if err := rows.Scan(&hexDigest); err != nil {
			return nil, corepkg.Wrap(corepkg.KindIoError, "scan chunk edge", err)
		}
		digest, err := hashpkg.ParseDigest(hexDigest)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, digest)
	}
	return chunks, rows.Err()
}

// Stats summarizes the store (spec §6 stats()).
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT count(*) FROM snapshots WHERE status = 'completed'),
		       (SELECT count(*) FROM files),
		       (SELECT count(*) FROM chunks),
		       (SELECT coalesce(sum(size), 0) FROM chunks)
	`).Scan(&st.SnapshotCount, &st.FileCount, &st.ChunkCount, &st.TotalRefBytes)
	if err != nil {
		return Stats{}, corepkg.Wrap(corepkg.KindIoError, "compute stats", err)
	}
	return st, nil
}

// GCCandidates returns chunks with refcount 0 whose last_refcount_change is
// at least graceSeconds in the past (spec §4.4 gc phase 1).
func (s *Store) GCCandidates(ctx context.Context, graceSeconds int64) ([]hashpkg.Digest, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(graceSeconds) * time.Second).Format(timeFormat)
	rows, err := s.db.QueryContext(ctx, `
		SELECT digest FROM chunks WHERE refcount = 0 AND last_refcount_change <= ?
	`, cutoff)
	if err != nil {
		return nil, corepkg.Wrap(corepkg.KindIoError, "list gc candidates", err)
	}
	defer rows.Close()

	var digests []hashpkg.Digest
	for rows.Next() {
		var hexDigest string
		if err := rows.Scan(&hexDigest); err != nil {
			return nil, corepkg.Wrap(corepkg.KindIoError, "scan gc candidate", err)
		}
		d, err := hashpkg.ParseDigest(hexDigest)
		if err != nil {
			return nil, err
		}
		digests = append(digests, d)
	}
	return digests, rows.Err()
}

// ReapChunkRow removes a chunk row inside its own short transaction,
// re-checking that it is still unreferenced (spec §4.4 gc phase 2: "for
// each, re-check inside a transaction that no new edges reference it").
// Returns (removed=true, size) if the row was deleted, (false, 0) if a new
// edge appeared in the meantime and the chunk survives.
func (s *Store) ReapChunkRow(ctx context.Context, digest hashpkg.Digest) (removed bool, size int64, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, corepkg.Wrap(corepkg.KindIoError, "begin reap tx", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var refcount int64
	err = tx.QueryRowContext(ctx, "SELECT size, refcount FROM chunks WHERE digest = ?", digest.String()).
		Scan(&size, &refcount)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
		return false, 0, nil
	}
	if err != nil {
		err = corepkg.Wrap(corepkg.KindIoError, "reread chunk for gc", err)
		return false, 0, err
	}
	if refcount != 0 {
		return false, 0, tx.Commit()
	}

	if _, err = tx.ExecContext(ctx, "DELETE FROM chunks WHERE digest = ?", digest.String()); err != nil {
		err = corepkg.Wrap(corepkg.KindIoError, "delete chunk row", err)
		return false, 0, err
	}
	if err = tx.Commit(); err != nil {
		return false, 0, corepkg.Wrap(corepkg.KindIoError, "commit reap", err)
	}
	return true, size, nil
}

// ChunkRefcount returns a single chunk's refcount, used by tests that check
// property 4 (refcount correctness).
func (s *Store) ChunkRefcount(ctx context.Context, digest hashpkg.Digest) (int64, error) {
	var rc int64
	err := s.db.QueryRowContext(ctx, "SELECT refcount FROM chunks WHERE digest = ?", digest.String()).Scan(&rc)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, corepkg.Wrap(corepkg.KindIoError, "read refcount", err)
	}
	return rc, nil
}
