package tools

import (
	"context"

	"github.com/google/uuid"
)

// Tool execution context keys.
//
// The orchestrator's tool loop injects the ExecContext identifiers (via
// WithExecContext) into the context passed to Executor.Execute so
// that executors stay stateless and safe for concurrent calls — the same
// "no mutable setter fields on the tool instance" discipline the teacher
// package used for channel/workspace routing, generalized to the chat
// pipeline's session/message/variant/block identifiers (spec §4.6).

type toolContextKey string

const (
	ctxSessionID    toolContextKey = "tool_session_id"
	ctxMessageID    toolContextKey = "tool_message_id"
	ctxVariantID    toolContextKey = "tool_variant_id"
	ctxBlockID      toolContextKey = "tool_block_id"
	ctxSkillAllowed toolContextKey = "tool_skill_allowed"
	ctxActiveSkills toolContextKey = "tool_active_skills"
)

// ExecContext carries the identifiers an executor needs: session/message/
// block identifiers, per spec §4.6 ("ctx provides session/message/block
// identifiers, emitter, cancellation, database handles...").
type ExecContext struct {
	SessionID uuid.UUID
	MessageID uuid.UUID
	VariantID uuid.UUID
	BlockID   uuid.UUID
}

func WithExecContext(ctx context.Context, ec ExecContext) context.Context {
	ctx = context.WithValue(ctx, ctxSessionID, ec.SessionID)
	ctx = context.WithValue(ctx, ctxMessageID, ec.MessageID)
	ctx = context.WithValue(ctx, ctxVariantID, ec.VariantID)
	ctx = context.WithValue(ctx, ctxBlockID, ec.BlockID)
	return ctx
}

func SessionIDFromCtx(ctx context.Context) uuid.UUID {
	v, _ := ctx.Value(ctxSessionID).(uuid.UUID)
	return v
}

func MessageIDFromCtx(ctx context.Context) uuid.UUID {
	v, _ := ctx.Value(ctxMessageID).(uuid.UUID)
	return v
}

func VariantIDFromCtx(ctx context.Context) uuid.UUID {
	v, _ := ctx.Value(ctxVariantID).(uuid.UUID)
	return v
}

func BlockIDFromCtx(ctx context.Context) uuid.UUID {
	v, _ := ctx.Value(ctxBlockID).(uuid.UUID)
	return v
}

// WithSkillAllowedTools stores the session's skill_allowed_tools whitelist.
// nil = no active skills (whitelist does not apply); a non-nil empty slice
// means active skills are present but nothing is whitelisted. The
// orchestrator does not set this value; the fail-closed whitelist is applied
// when the offered tool list is built, in PolicyEngine.FilterTools.
func WithSkillAllowedTools(ctx context.Context, allowed []string) context.Context {
	return context.WithValue(ctx, ctxSkillAllowed, allowed)
}

// SkillAllowedToolsFromCtx returns (allowed, hasActiveSkills).
func SkillAllowedToolsFromCtx(ctx context.Context) ([]string, bool) {
	v := ctx.Value(ctxSkillAllowed)
	if v == nil {
		return nil, false
	}
	allowed, _ := v.([]string)
	return allowed, true
}

func WithActiveSkillIDs(ctx context.Context, ids []string) context.Context {
	return context.WithValue(ctx, ctxActiveSkills, ids)
}

func ActiveSkillIDsFromCtx(ctx context.Context) []string {
	v, _ := ctx.Value(ctxActiveSkills).([]string)
	return v
}
