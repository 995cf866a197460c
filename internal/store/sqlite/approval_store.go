package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nextlevelbuilder/chatpipe/internal/tools/approval"
)

// ApprovalStore implements approval.Store: persisted always-allow/deny
// scopes keyed by (tool_name, scope_key).
type ApprovalStore struct {
	db *sql.DB
}

func NewApprovalStore(db *sql.DB) *ApprovalStore {
	return &ApprovalStore{db: db}
}

func (a *ApprovalStore) GetScope(ctx context.Context, toolName, scopeKey string) (approval.Decision, bool, error) {
	var decision int
	row := a.db.QueryRowContext(ctx, `
		SELECT decision FROM tool_approval_scopes WHERE tool_name = ? AND scope_key = ?
	`, toolName, scopeKey)
	if err := row.Scan(&decision); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return approval.DecisionAsk, false, nil
		}
		return approval.DecisionAsk, false, fmt.Errorf("query approval scope: %w", err)
	}
	return approval.Decision(decision), true, nil
}

func (a *ApprovalStore) SetScope(ctx context.Context, toolName, scopeKey string, decision approval.Decision) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO tool_approval_scopes (tool_name, scope_key, decision)
		VALUES (?, ?, ?)
		ON CONFLICT(tool_name, scope_key) DO UPDATE SET decision = excluded.decision
	`, toolName, scopeKey, int(decision))
	if err != nil {
		return fmt.Errorf("set approval scope: %w", err)
	}
	return nil
}
