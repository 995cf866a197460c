package resources

import (
	"bytes"
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/chatpipe/internal/config"
	"github.com/nextlevelbuilder/chatpipe/internal/vfs/blobstore"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE blobs (
		hash TEXT PRIMARY KEY,
		ext TEXT NOT NULL DEFAULT '',
		size INTEGER NOT NULL,
		ref_count INTEGER NOT NULL DEFAULT 0
	)`)
	require.NoError(t, err)

	_, err = db.Exec(`CREATE TABLE resources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		hash TEXT NOT NULL,
		size INTEGER NOT NULL,
		data TEXT,
		blob_hash TEXT REFERENCES blobs(hash),
		UNIQUE(type, hash)
	)`)
	require.NoError(t, err)
	return db
}

func TestCreateOrReuseInlineUnderThreshold(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	reg := New(blobstore.New(t.TempDir()))

	small := []byte("small payload")
	res, err := reg.CreateOrReuse(ctx, db, "note", small, "txt")
	require.NoError(t, err)
	require.Equal(t, small, res.Data)
	require.Empty(t, res.BlobHash)
}

func TestCreateOrReuseExternalAtThreshold(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	reg := New(blobstore.New(t.TempDir()))

	large := bytes.Repeat([]byte("x"), config.InlineSizeThreshold)
	res, err := reg.CreateOrReuse(ctx, db, "attachment", large, "bin")
	require.NoError(t, err)
	require.Empty(t, res.Data)
	require.NotEmpty(t, res.BlobHash)

	var refCount int
	require.NoError(t, db.QueryRow(`SELECT ref_count FROM blobs WHERE hash = ?`, res.BlobHash).Scan(&refCount))
	require.Equal(t, 1, refCount)
}

func TestCreateOrReuseJustUnderThresholdStaysInline(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	reg := New(blobstore.New(t.TempDir()))

	justUnder := bytes.Repeat([]byte("y"), config.InlineSizeThreshold-1)
	res, err := reg.CreateOrReuse(ctx, db, "attachment", justUnder, "bin")
	require.NoError(t, err)
	require.Equal(t, justUnder, res.Data)
	require.Empty(t, res.BlobHash)
}

func TestCreateOrReuseDedupsSameKindAndHash(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	reg := New(blobstore.New(t.TempDir()))

	data := []byte("dedup me")
	first, err := reg.CreateOrReuse(ctx, db, "note", data, "txt")
	require.NoError(t, err)
	second, err := reg.CreateOrReuse(ctx, db, "note", data, "txt")
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM resources WHERE type = ? AND hash = ?`, "note", first.Hash).Scan(&count))
	require.Equal(t, 1, count)
}

func TestReadRoundTripsBothModes(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	reg := New(blobstore.New(t.TempDir()))

	inline, err := reg.CreateOrReuse(ctx, db, "note", []byte("inline content"), "txt")
	require.NoError(t, err)
	data, err := reg.Read(inline)
	require.NoError(t, err)
	require.Equal(t, "inline content", string(data))

	external, err := reg.CreateOrReuse(ctx, db, "attachment", bytes.Repeat([]byte("z"), config.InlineSizeThreshold+10), "bin")
	require.NoError(t, err)
	data, err = reg.Read(external)
	require.NoError(t, err)
	require.Len(t, data, config.InlineSizeThreshold+10)
}

func TestLookupByIDReturnsSameResourceAsCreate(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	reg := New(blobstore.New(t.TempDir()))

	created, err := reg.CreateOrReuse(ctx, db, "note", []byte("lookup me"), "txt")
	require.NoError(t, err)

	found, err := reg.Lookup(ctx, db, created.ID)
	require.NoError(t, err)
	require.Equal(t, created.ID, found.ID)
	require.Equal(t, created.Hash, found.Hash)
}

func TestLookupWithinTransactionSeesUncommittedRow(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	reg := New(blobstore.New(t.TempDir()))

	created, err := reg.CreateOrReuse(ctx, db, "attachment", bytes.Repeat([]byte("q"), config.InlineSizeThreshold+5), "bin")
	require.NoError(t, err)

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	found, err := reg.Lookup(ctx, tx, created.ID)
	require.NoError(t, err)
	require.Equal(t, created.BlobHash, found.BlobHash)
}

func TestDecrementBlobRefDeletesAtZero(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	reg := New(blobstore.New(t.TempDir()))

	created, err := reg.CreateOrReuse(ctx, db, "attachment", bytes.Repeat([]byte("w"), config.InlineSizeThreshold+5), "bin")
	require.NoError(t, err)
	require.NotEmpty(t, created.BlobHash)

	require.NoError(t, reg.DecrementBlobRef(ctx, db, created.BlobHash, created.Ext))

	var count int
	err = db.QueryRow(`SELECT COUNT(*) FROM blobs WHERE hash = ?`, created.BlobHash).Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}
