// Package folders implements FolderItem placement: a thin join table that
// decouples a VFS entity's identity (a file, a qbank question, anything
// else addressable by item_type/item_id) from where it's organized in the
// UI. An item has at most one active placement at a time, enforced by the
// folder_items table's partial unique index on (item_type, item_id) among
// non-deleted rows.
package folders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Item is one row in folder_items. FolderID is nil for items placed at
// the root (no folder).
type Item struct {
	FolderID  *string
	ItemType  string
	ItemID    string
	SortOrder int
	DeletedAt *time.Time
}

var ErrNotFound = errors.New("folder item not found")

// Repo places, moves, and lists FolderItems against a single folder_items
// table, grounded on the same *sql.DB-holding, narrow-interface pattern
// every other VFS repo in this module follows.
type Repo struct {
	db *sql.DB
}

func New(db *sql.DB) *Repo {
	return &Repo{db: db}
}

// Place assigns (or reassigns) an item's folder and sort order. Because
// the partial unique index only covers non-deleted rows, a prior
// placement is soft-deleted and a fresh row inserted rather than updated
// in place — this keeps a full placement history available for undo/sync
// without needing a separate audit table.
func (r *Repo) Place(ctx context.Context, folderID *string, itemType, itemID string, sortOrder int) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin place tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE folder_items SET deleted_at = ?
		WHERE item_type = ? AND item_id = ? AND deleted_at IS NULL
	`, now, itemType, itemID); err != nil {
		return fmt.Errorf("retire prior placement: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO folder_items (folder_id, item_type, item_id, sort_order, deleted_at)
		VALUES (?, ?, ?, ?, NULL)
	`, folderID, itemType, itemID, sortOrder); err != nil {
		return fmt.Errorf("insert placement: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit place: %w", err)
	}
	return nil
}

// Remove soft-deletes an item's active placement; the item itself is
// untouched, only its organization entry.
func (r *Repo) Remove(ctx context.Context, itemType, itemID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE folder_items SET deleted_at = ?
		WHERE item_type = ? AND item_id = ? AND deleted_at IS NULL
	`, time.Now(), itemType, itemID)
	if err != nil {
		return fmt.Errorf("remove placement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check remove result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns every active (non-deleted) item in a folder, ordered for
// display. A nil folderID lists root-level items.
func (r *Repo) List(ctx context.Context, folderID *string) ([]Item, error) {
	var rows *sql.Rows
	var err error
	if folderID == nil {
		rows, err = r.db.QueryContext(ctx, `
			SELECT folder_id, item_type, item_id, sort_order
			FROM folder_items WHERE folder_id IS NULL AND deleted_at IS NULL
			ORDER BY sort_order ASC
		`)
	} else {
		rows, err = r.db.QueryContext(ctx, `
			SELECT folder_id, item_type, item_id, sort_order
			FROM folder_items WHERE folder_id = ? AND deleted_at IS NULL
			ORDER BY sort_order ASC
		`, *folderID)
	}
	if err != nil {
		return nil, fmt.Errorf("list folder items: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var fid sql.NullString
		var it Item
		if err := rows.Scan(&fid, &it.ItemType, &it.ItemID, &it.SortOrder); err != nil {
			return nil, fmt.Errorf("scan folder item: %w", err)
		}
		if fid.Valid {
			v := fid.String
			it.FolderID = &v
		}
		out = append(out, it)
	}
	return out, rows.Err()
}
