package blobstore

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE blobs (
		hash TEXT PRIMARY KEY,
		ext TEXT NOT NULL,
		size INTEGER NOT NULL,
		ref_count INTEGER NOT NULL DEFAULT 0
	)`)
	require.NoError(t, err)
	return db
}

func TestStorePathFanOut(t *testing.T) {
	s := New(t.TempDir())
	hash := hashOf([]byte("hello world"))
	path := s.pathFor(hash, "txt")

	assert := require.New(t)
	assert.Equal(filepath.Join(s.BaseDir, hash[:2], hash[2:]+".txt"), path)
}

func TestStoreWritesFileAndRow(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	s := New(t.TempDir())

	blob, err := s.Store(ctx, db, []byte("hello world"), "txt")
	require.NoError(t, err)
	require.Equal(t, hashOf([]byte("hello world")), blob.Hash)

	data, err := os.ReadFile(s.pathFor(blob.Hash, "txt"))
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))

	var ext string
	require.NoError(t, db.QueryRow(`SELECT ext FROM blobs WHERE hash = ?`, blob.Hash).Scan(&ext))
	require.Equal(t, "txt", ext)
}

func TestStoreIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	s := New(t.TempDir())

	b1, err := s.Store(ctx, db, []byte("same content"), "bin")
	require.NoError(t, err)
	b2, err := s.Store(ctx, db, []byte("same content"), "bin")
	require.NoError(t, err)
	require.Equal(t, b1.Hash, b2.Hash)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM blobs WHERE hash = ?`, b1.Hash).Scan(&count))
	require.Equal(t, 1, count)
}

func TestIncrementAndDecrementRefDeletesAtZero(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	s := New(t.TempDir())

	blob, err := s.Store(ctx, db, []byte("ref counted"), "dat")
	require.NoError(t, err)

	require.NoError(t, s.IncrementRef(ctx, db, blob.Hash))
	require.NoError(t, s.IncrementRef(ctx, db, blob.Hash))

	var refCount int
	require.NoError(t, db.QueryRow(`SELECT ref_count FROM blobs WHERE hash = ?`, blob.Hash).Scan(&refCount))
	require.Equal(t, 2, refCount)

	require.NoError(t, s.DecrementRef(ctx, db, blob.Hash, "dat"))
	require.NoError(t, db.QueryRow(`SELECT ref_count FROM blobs WHERE hash = ?`, blob.Hash).Scan(&refCount))
	require.Equal(t, 1, refCount)

	_, statErr := os.Stat(s.pathFor(blob.Hash, "dat"))
	require.NoError(t, statErr)

	require.NoError(t, s.DecrementRef(ctx, db, blob.Hash, "dat"))

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM blobs WHERE hash = ?`, blob.Hash).Scan(&count))
	require.Equal(t, 0, count)

	_, statErr = os.Stat(s.pathFor(blob.Hash, "dat"))
	require.Error(t, statErr)
}

func TestReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	s := New(t.TempDir())

	blob, err := s.Store(ctx, db, []byte("round trip"), "txt")
	require.NoError(t, err)

	data, err := s.Read(blob.Hash, "txt")
	require.NoError(t, err)
	require.Equal(t, "round trip", string(data))
}
