package folders

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE folder_items (
		folder_id TEXT, item_type TEXT NOT NULL, item_id TEXT NOT NULL,
		sort_order INTEGER NOT NULL DEFAULT 0, deleted_at DATETIME
	)`)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE UNIQUE INDEX idx_folder_items_active ON folder_items(item_type, item_id) WHERE deleted_at IS NULL`)
	require.NoError(t, err)
	return db
}

func strPtr(s string) *string { return &s }

func TestPlaceThenListReturnsItem(t *testing.T) {
	ctx := context.Background()
	r := New(openTestDB(t))

	require.NoError(t, r.Place(ctx, strPtr("folder-1"), "file", "file-1", 0))

	items, err := r.List(ctx, strPtr("folder-1"))
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "file", items[0].ItemType)
	require.Equal(t, "file-1", items[0].ItemID)
}

func TestPlaceTwiceRetiresPriorPlacement(t *testing.T) {
	ctx := context.Background()
	r := New(openTestDB(t))

	require.NoError(t, r.Place(ctx, strPtr("folder-1"), "file", "file-1", 0))
	require.NoError(t, r.Place(ctx, strPtr("folder-2"), "file", "file-1", 5))

	inOld, err := r.List(ctx, strPtr("folder-1"))
	require.NoError(t, err)
	require.Empty(t, inOld)

	inNew, err := r.List(ctx, strPtr("folder-2"))
	require.NoError(t, err)
	require.Len(t, inNew, 1)
	require.Equal(t, 5, inNew[0].SortOrder)
}

func TestRemoveSoftDeletesActivePlacement(t *testing.T) {
	ctx := context.Background()
	r := New(openTestDB(t))

	require.NoError(t, r.Place(ctx, nil, "question", "q-1", 0))
	require.NoError(t, r.Remove(ctx, "question", "q-1"))

	items, err := r.List(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestRemoveUnknownItemReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	r := New(openTestDB(t))

	err := r.Remove(ctx, "file", "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListRootOnlyReturnsNilFolderItems(t *testing.T) {
	ctx := context.Background()
	r := New(openTestDB(t))

	require.NoError(t, r.Place(ctx, nil, "file", "root-file", 0))
	require.NoError(t, r.Place(ctx, strPtr("folder-1"), "file", "nested-file", 0))

	rootItems, err := r.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, rootItems, 1)
	require.Equal(t, "root-file", rootItems[0].ItemID)
}
