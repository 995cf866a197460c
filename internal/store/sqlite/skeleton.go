package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SkeletonStore implements orchestrator.SkeletonStore: an upsert
// (INSERT ... ON CONFLICT(id) DO UPDATE) row is written before a variant's first LLM call, then updated in place
// as the variant completes or fails, so a crash leaves a recoverable
// skeleton rather than nothing at all.
type SkeletonStore struct {
	db *sql.DB
}

func NewSkeletonStore(db *sql.DB) *SkeletonStore {
	return &SkeletonStore{db: db}
}

func (s *SkeletonStore) SaveSkeleton(ctx context.Context, sessionID, messageID, variantID uuid.UUID, model string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO variants (id, session_id, message_id, model, status, content, thinking, created_at)
		VALUES (?, ?, ?, ?, 'pending', '', '', ?)
		ON CONFLICT(id) DO UPDATE SET model = excluded.model
	`, variantID.String(), sessionID.String(), messageID.String(), model, time.Now())
	if err != nil {
		return fmt.Errorf("save variant skeleton: %w", err)
	}
	return nil
}

func (s *SkeletonStore) CommitVariant(ctx context.Context, variantID uuid.UUID, content, thinking, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE variants SET content = ?, thinking = ?, status = ?, completed_at = ?
		WHERE id = ?
	`, content, thinking, status, time.Now(), variantID.String())
	if err != nil {
		return fmt.Errorf("commit variant: %w", err)
	}
	return nil
}

// RecoverIncomplete returns every variant row left in a non-terminal
// status, for crash-recovery on startup.
func (s *SkeletonStore) RecoverIncomplete(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM variants WHERE status NOT IN ('completed', 'failed', 'cancelled')
	`)
	if err != nil {
		return nil, fmt.Errorf("query incomplete variants: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return nil, fmt.Errorf("scan incomplete variant: %w", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
