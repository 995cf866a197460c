package qbank

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

	_, err = db.Exec(`CREATE TABLE qbank_questions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		deck_id TEXT NOT NULL,
		prompt TEXT NOT NULL,
		choices_json TEXT NOT NULL,
		answer_index INTEGER NOT NULL CHECK(answer_index >= 0),
		degraded INTEGER NOT NULL DEFAULT 0
	)`)
	require.NoError(t, err)
	return db
}

func TestImportBatchStructured(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	e := NewExecutor(db)

	result, err := e.ImportBatch(ctx, "deck-1", []Question{
		{Prompt: "2+2?", Choices: []string{"3", "4"}, AnswerIndex: 1},
	}, "")
	require.NoError(t, err)
	require.Equal(t, 1, result.Imported)
	require.Equal(t, "structured", result.Source)
	require.False(t, result.Degraded)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM qbank_questions WHERE deck_id = ?`, "deck-1").Scan(&count))
	require.Equal(t, 1, count)
}

func TestImportBatchFallsBackToPreviewJSON(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	e := NewExecutor(db)

	result, err := e.ImportBatch(ctx, "deck-2", nil, `[{"prompt":"capital of France?","choices":["Paris","Lyon"],"answer":0}]`)
	require.NoError(t, err)
	require.Equal(t, 1, result.Imported)
	require.Equal(t, "preview_json", result.Source)
	require.True(t, result.Degraded)

	var degraded int
	require.NoError(t, db.QueryRow(`SELECT degraded FROM qbank_questions WHERE deck_id = ?`, "deck-2").Scan(&degraded))
	require.Equal(t, 1, degraded)
}

func TestImportBatchEmptyIsNoOp(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	e := NewExecutor(db)

	result, err := e.ImportBatch(ctx, "deck-3", nil, "")
	require.NoError(t, err)
	require.Equal(t, 0, result.Imported)
}

func TestImportBatchRollsBackEntireBatchOnMidBatchFailure(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	e := NewExecutor(db)

	_, err := e.ImportBatch(ctx, "deck-4", []Question{
		{Prompt: "ok question", Choices: []string{"a", "b"}, AnswerIndex: 0},
		{Prompt: "bad question", Choices: []string{"a", "b"}, AnswerIndex: -1},
	}, "")
	require.Error(t, err)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM qbank_questions WHERE deck_id = ?`, "deck-4").Scan(&count))
	require.Equal(t, 0, count, "SAVEPOINT rollback should undo the first insert too")
}

func TestParsePreviewJSONInvalidReturnsError(t *testing.T) {
	_, err := parsePreviewJSON("not json")
	require.Error(t, err)
}
