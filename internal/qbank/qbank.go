// Package qbank implements the question-bank batch importer: a single
// process-wide writer lock serializes imports (questions reference shared
// deck/tag rows that must not be created twice by concurrent imports), a
// SAVEPOINT guards each batch so a mid-batch failure rolls back cleanly,
// and a legacy preview_json fallback degrades gracefully when the
// structured import table isn't available.
package qbank

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
)

// Question is one row to import: a prompt, its answer choices, and the
// index of the correct one.
type Question struct {
	Prompt      string   `json:"prompt"`
	Choices     []string `json:"choices"`
	AnswerIndex int      `json:"answer_index"`
}

// ImportResult reports what happened: how many questions landed, and
// whether the legacy preview_json fallback had to be used (source is
// either "structured" or "preview_json").
type ImportResult struct {
	Imported int
	Source   string
	Degraded bool
}

// Executor serializes all question-bank writes behind one process-global
// mutex, mirroring the single-writer discipline the rest of the pipeline
// applies per-session but here applied globally since decks/tags are
// shared across sessions.
type Executor struct {
	db *sql.DB
}

// writeMu is the process-global question-bank writer lock shared by every
// Executor.
var writeMu sync.Mutex

func NewExecutor(db *sql.DB) *Executor {
	return &Executor{db: db}
}

// ImportBatch inserts questions into a deck inside one SAVEPOINT-guarded
// transaction. If structured is empty but previewJSON is non-empty, it
// parses the legacy preview format instead and marks the result degraded.
func (e *Executor) ImportBatch(ctx context.Context, deckID string, structured []Question, previewJSON string) (ImportResult, error) {
	writeMu.Lock()
	defer writeMu.Unlock()

	questions := structured
	source := "structured"
	degraded := false

	if len(questions) == 0 && previewJSON != "" {
		parsed, err := parsePreviewJSON(previewJSON)
		if err != nil {
			return ImportResult{}, fmt.Errorf("parse legacy preview_json: %w", err)
		}
		questions = parsed
		source = "preview_json"
		degraded = true
	}

	if len(questions) == 0 {
		return ImportResult{Source: source, Degraded: degraded}, nil
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return ImportResult{}, fmt.Errorf("begin import tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "SAVEPOINT qbank_import"); err != nil {
		return ImportResult{}, fmt.Errorf("savepoint: %w", err)
	}

	imported := 0
	for _, q := range questions {
		choicesJSON, err := json.Marshal(q.Choices)
		if err != nil {
			tx.ExecContext(ctx, "ROLLBACK TO qbank_import")
			return ImportResult{}, fmt.Errorf("marshal choices: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO qbank_questions (deck_id, prompt, choices_json, answer_index, degraded)
			VALUES (?, ?, ?, ?, ?)
		`, deckID, q.Prompt, string(choicesJSON), q.AnswerIndex, boolToInt(degraded))
		if err != nil {
			if _, rerr := tx.ExecContext(ctx, "ROLLBACK TO qbank_import"); rerr != nil {
				return ImportResult{}, fmt.Errorf("insert question (rollback also failed: %v): %w", rerr, err)
			}
			return ImportResult{}, fmt.Errorf("insert question: %w", err)
		}
		imported++
	}

	if _, err := tx.ExecContext(ctx, "RELEASE qbank_import"); err != nil {
		return ImportResult{}, fmt.Errorf("release savepoint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return ImportResult{}, fmt.Errorf("commit import: %w", err)
	}

	return ImportResult{Imported: imported, Source: source, Degraded: degraded}, nil
}

// parsePreviewJSON parses the legacy blob format a pre-structured-table
// client may still send: a bare JSON array of {prompt, choices, answer}.
func parsePreviewJSON(raw string) ([]Question, error) {
	var legacy []struct {
		Prompt  string   `json:"prompt"`
		Choices []string `json:"choices"`
		Answer  int      `json:"answer"`
	}
	if err := json.Unmarshal([]byte(raw), &legacy); err != nil {
		return nil, err
	}

	out := make([]Question, 0, len(legacy))
	for _, l := range legacy {
		out = append(out, Question{Prompt: l.Prompt, Choices: l.Choices, AnswerIndex: l.Answer})
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
