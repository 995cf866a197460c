package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chatpipe/internal/chatpipe/variant"
	"github.com/nextlevelbuilder/chatpipe/internal/vfs/blobstore"
)

// Persistence implements the multi-variant commit transaction described in
// spec §4.10: one immediate transaction writes the user message and its
// content block, every variant's accumulated thinking/content/tool blocks,
// the assistant message row with its assembled block_ids and
// active_variant_id, then bumps the ref count of every blob the turn's
// context snapshot referenced. Any single failure rolls the whole thing
// back, leaving the database exactly as it was before the commit started.
type Persistence struct {
	db    *sql.DB
	blobs *blobstore.Store
}

func NewPersistence(db *sql.DB, blobs *blobstore.Store) *Persistence {
	return &Persistence{db: db, blobs: blobs}
}

// VariantCommit is one variant's final state as handed to the commit by
// the orchestrator: its rendered content/thinking (kept for the variants
// table's flat columns, which crash-recovery tooling reads without
// joining blocks) and its ordered Block slice (the authoritative
// per-message record).
type VariantCommit struct {
	VariantID uuid.UUID
	Model     string
	Status    string
	Content   string
	Thinking  string
	Blocks    []variant.Block
}

// ResourceRef is one blob a turn's context snapshot or attachment set
// referenced; its ref count is incremented atomically with the rest of
// the commit, per spec §4.10's final step.
type ResourceRef struct {
	BlobHash string
}

// CommitTurn writes one full user-turn outcome — the user message, all
// variants and their blocks, and the assistant message envelope — in a
// single transaction.
func (p *Persistence) CommitTurn(
	ctx context.Context,
	sessionID, userMessageID, assistantMessageID uuid.UUID,
	userContent string,
	variants []VariantCommit,
	contextResources []ResourceRef,
) error {
	tx, err := BeginWriter(ctx, p.db)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at
	`, sessionID.String(), now, now); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	if err := p.insertUserMessage(ctx, tx, sessionID, userMessageID, userContent, now); err != nil {
		return err
	}

	allBlockIDs := make([]string, 0)
	activeVariantID := ""
	for _, vc := range variants {
		if err := p.upsertVariant(ctx, tx, sessionID, assistantMessageID, vc, now); err != nil {
			return err
		}
		for _, b := range vc.Blocks {
			if err := p.insertBlock(ctx, tx, assistantMessageID, vc.VariantID, b); err != nil {
				return err
			}
			allBlockIDs = append(allBlockIDs, b.ID.String())
		}
		if vc.Status == "completed" && activeVariantID == "" {
			activeVariantID = vc.VariantID.String()
		}
	}

	if err := p.upsertAssistantMessage(ctx, tx, sessionID, assistantMessageID, allBlockIDs, activeVariantID, now); err != nil {
		return err
	}

	if p.blobs != nil {
		for _, ref := range contextResources {
			if ref.BlobHash == "" {
				continue
			}
			if err := p.blobs.IncrementRef(ctx, tx, ref.BlobHash); err != nil {
				return fmt.Errorf("increment context resource ref %s: %w", ref.BlobHash, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit turn: %w", err)
	}
	return nil
}

func (p *Persistence) insertUserMessage(ctx context.Context, tx *sql.Tx, sessionID, messageID uuid.UUID, content string, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, created_at, block_ids_json, meta_json)
		VALUES (?, ?, 'user', ?, '[]', '{}')
		ON CONFLICT(id) DO NOTHING
	`, messageID.String(), sessionID.String(), now); err != nil {
		return fmt.Errorf("insert user message: %w", err)
	}

	blockID := uuid.New()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO blocks (id, message_id, type, status, content, block_index, started_at, ended_at)
		VALUES (?, ?, 'content', 'success', ?, 0, ?, ?)
	`, blockID.String(), messageID.String(), content, now, now); err != nil {
		return fmt.Errorf("insert user content block: %w", err)
	}

	idsJSON, err := json.Marshal([]string{blockID.String()})
	if err != nil {
		return fmt.Errorf("marshal user block ids: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE messages SET block_ids_json = ? WHERE id = ?`, string(idsJSON), messageID.String()); err != nil {
		return fmt.Errorf("set user message block ids: %w", err)
	}
	return nil
}

func (p *Persistence) upsertVariant(ctx context.Context, tx *sql.Tx, sessionID, messageID uuid.UUID, vc VariantCommit, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO variants (id, session_id, message_id, model, status, content, thinking, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			content = excluded.content,
			thinking = excluded.thinking,
			completed_at = excluded.completed_at
	`, vc.VariantID.String(), sessionID.String(), messageID.String(), vc.Model, vc.Status, vc.Content, vc.Thinking, now, now)
	if err != nil {
		return fmt.Errorf("upsert variant %s: %w", vc.VariantID, err)
	}
	return nil
}

func (p *Persistence) insertBlock(ctx context.Context, tx *sql.Tx, messageID, variantID uuid.UUID, b variant.Block) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO blocks (
			id, message_id, variant_id, type, status, content,
			tool_name, tool_input, tool_output, block_index,
			started_at, first_chunk_at, ended_at, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			content = excluded.content,
			tool_output = excluded.tool_output,
			ended_at = excluded.ended_at,
			error = excluded.error
	`,
		b.ID.String(), messageID.String(), variantID.String(), string(b.Type), string(b.Status), b.Content,
		b.ToolName, b.ToolInput, b.ToolOutput, b.Index,
		nullTime(b.StartedAt), nullTime(b.FirstChunkAt), nullTime(b.EndedAt), b.Error,
	)
	if err != nil {
		return fmt.Errorf("insert block %s: %w", b.ID, err)
	}
	return nil
}

func (p *Persistence) upsertAssistantMessage(ctx context.Context, tx *sql.Tx, sessionID, messageID uuid.UUID, blockIDs []string, activeVariantID string, now time.Time) error {
	idsJSON, err := json.Marshal(blockIDs)
	if err != nil {
		return fmt.Errorf("marshal assistant block ids: %w", err)
	}

	var active sql.NullString
	if activeVariantID != "" {
		active = sql.NullString{String: activeVariantID, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, created_at, block_ids_json, active_variant_id)
		VALUES (?, ?, 'assistant', ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			block_ids_json = excluded.block_ids_json,
			active_variant_id = excluded.active_variant_id
	`, messageID.String(), sessionID.String(), now, string(idsJSON), active)
	if err != nil {
		return fmt.Errorf("upsert assistant message: %w", err)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

// LoadMessageBlockIDs returns a message's block_ids in persisted order,
// used to verify the "block_ids is the authoritative display order"
// invariant from spec §8 (block_ids == ordered concatenation by
// block_index).
func LoadMessageBlockIDs(ctx context.Context, db *sql.DB, messageID uuid.UUID) ([]string, error) {
	var raw string
	row := db.QueryRowContext(ctx, `SELECT block_ids_json FROM messages WHERE id = ?`, messageID.String())
	if err := row.Scan(&raw); err != nil {
		return nil, fmt.Errorf("load message block ids: %w", err)
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("unmarshal block ids: %w", err)
	}
	return ids, nil
}

// LoadBlocksByIndex returns a message's blocks ordered by block_index, the
// order they should be rendered/returned to the UI.
func LoadBlocksByIndex(ctx context.Context, db *sql.DB, messageID uuid.UUID) ([]variant.Block, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, type, status, content, tool_name, tool_input, tool_output, block_index, error
		FROM blocks WHERE message_id = ? ORDER BY block_index ASC
	`, messageID.String())
	if err != nil {
		return nil, fmt.Errorf("query blocks: %w", err)
	}
	defer rows.Close()

	var out []variant.Block
	for rows.Next() {
		var idStr, typ, status, content, toolName, toolInput, toolOutput, errMsg string
		var index int
		if err := rows.Scan(&idStr, &typ, &status, &content, &toolName, &toolInput, &toolOutput, &index, &errMsg); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		id, _ := uuid.Parse(idStr)
		out = append(out, variant.Block{
			ID:         id,
			Type:       variant.BlockType(typ),
			Status:     variant.BlockStatus(status),
			Content:    content,
			ToolName:   toolName,
			ToolInput:  toolInput,
			ToolOutput: toolOutput,
			Index:      index,
			Error:      errMsg,
		})
	}
	return out, rows.Err()
}
