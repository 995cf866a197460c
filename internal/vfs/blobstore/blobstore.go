// Package blobstore implements content-addressed storage for file data:
// every blob lives under blobs_dir/<hash[:2]>/<hash[2:]>.<ext>, named by the
// SHA-256 of its bytes, and is reference-counted so multiple resources can
// share one copy on disk.
package blobstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Blob is one stored content-addressed object.
type Blob struct {
	Hash     string
	Ext      string
	Size     int64
	RefCount int
}

// Store writes blobs to disk under BaseDir and tracks refcounts in the
// "blobs" SQLite table via the *sql.DB (or *sql.Tx, both satisfy DBTX).
type Store struct {
	BaseDir string
}

func New(baseDir string) *Store {
	return &Store{BaseDir: baseDir}
}

// DBTX is satisfied by both *sql.DB and *sql.Tx, so callers can run Store
// inside their own transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (s *Store) pathFor(hash, ext string) string {
	dir := filepath.Join(s.BaseDir, hash[:2])
	name := hash[2:]
	if ext != "" {
		name += "." + ext
	}
	return filepath.Join(dir, name)
}

// Store hashes data, writes it to disk (atomically, via a temp file plus
// rename, mirroring the session manager's save pattern) if not already
// present, and upserts the blobs row. Returns the resulting Blob whether
// this call created it or a concurrent writer won the race.
func (s *Store) Store(ctx context.Context, db DBTX, data []byte, ext string) (Blob, error) {
	hash := hashOf(data)
	path := s.pathFor(hash, ext)

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return Blob{}, fmt.Errorf("create blob dir: %w", err)
		}

		tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
		if err != nil {
			return Blob{}, fmt.Errorf("create temp blob file: %w", err)
		}
		tmpName := tmp.Name()

		if _, werr := tmp.Write(data); werr != nil {
			tmp.Close()
			os.Remove(tmpName)
			return Blob{}, fmt.Errorf("write temp blob file: %w", werr)
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmpName)
			return Blob{}, fmt.Errorf("close temp blob file: %w", err)
		}

		if err := os.Rename(tmpName, path); err != nil {
			os.Remove(tmpName)
			// Another writer may have won the race and already created
			// the file at the destination; that's fine.
			if _, statErr := os.Stat(path); statErr != nil {
				return Blob{}, fmt.Errorf("rename temp blob file: %w", err)
			}
		}
	} else if err != nil {
		return Blob{}, fmt.Errorf("stat blob path: %w", err)
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO blobs (hash, ext, size, ref_count)
		VALUES (?, ?, ?, 0)
		ON CONFLICT(hash) DO NOTHING
	`, hash, ext, len(data))
	if err != nil {
		return Blob{}, fmt.Errorf("upsert blob row: %w", err)
	}

	return Blob{Hash: hash, Ext: ext, Size: int64(len(data))}, nil
}

// IncrementRef bumps a blob's reference count by one. Run inside the
// caller's transaction so it commits atomically with whatever created the
// new reference (a resource row, an attachment, etc.).
func (s *Store) IncrementRef(ctx context.Context, db DBTX, hash string) error {
	_, err := db.ExecContext(ctx, `UPDATE blobs SET ref_count = ref_count + 1 WHERE hash = ?`, hash)
	if err != nil {
		return fmt.Errorf("increment blob ref: %w", err)
	}
	return nil
}

// DecrementRef drops a blob's reference count by one. When it reaches
// zero, the row and the on-disk file are removed in the same transaction.
func (s *Store) DecrementRef(ctx context.Context, db DBTX, hash, ext string) error {
	_, err := db.ExecContext(ctx, `UPDATE blobs SET ref_count = ref_count - 1 WHERE hash = ?`, hash)
	if err != nil {
		return fmt.Errorf("decrement blob ref: %w", err)
	}

	var refCount int
	row := db.QueryRowContext(ctx, `SELECT ref_count FROM blobs WHERE hash = ?`, hash)
	if err := row.Scan(&refCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("read blob ref_count: %w", err)
	}
	if refCount > 0 {
		return nil
	}

	if _, err := db.ExecContext(ctx, `DELETE FROM blobs WHERE hash = ?`, hash); err != nil {
		return fmt.Errorf("delete blob row: %w", err)
	}
	if err := os.Remove(s.pathFor(hash, ext)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("unlink blob file: %w", err)
	}
	return nil
}

// Read loads a blob's bytes from disk.
func (s *Store) Read(hash, ext string) ([]byte, error) {
	data, err := os.ReadFile(s.pathFor(hash, ext))
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}
