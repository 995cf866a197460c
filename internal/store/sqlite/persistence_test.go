package sqlite

import (
	"context"
	"database/sql"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/chatpipe/internal/chatpipe/variant"
	"github.com/nextlevelbuilder/chatpipe/internal/vfs/blobstore"

	_ "modernc.org/sqlite"
)

func openPersistenceTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE blobs (
		hash TEXT PRIMARY KEY, ext TEXT NOT NULL DEFAULT '', size INTEGER NOT NULL, ref_count INTEGER NOT NULL DEFAULT 0
	)`)
	require.NoError(t, err)

	_, err = db.Exec(`CREATE TABLE sessions (
		id TEXT PRIMARY KEY, created_at DATETIME NOT NULL, updated_at DATETIME NOT NULL
	)`)
	require.NoError(t, err)

	_, err = db.Exec(`CREATE TABLE messages (
		id TEXT PRIMARY KEY, session_id TEXT NOT NULL, role TEXT NOT NULL, created_at DATETIME NOT NULL,
		block_ids_json TEXT NOT NULL DEFAULT '[]', meta_json TEXT NOT NULL DEFAULT '{}', active_variant_id TEXT
	)`)
	require.NoError(t, err)

	_, err = db.Exec(`CREATE TABLE variants (
		id TEXT PRIMARY KEY, session_id TEXT NOT NULL, message_id TEXT NOT NULL, model TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL, content TEXT NOT NULL DEFAULT '', thinking TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL, completed_at DATETIME
	)`)
	require.NoError(t, err)

	_, err = db.Exec(`CREATE TABLE blocks (
		id TEXT PRIMARY KEY, message_id TEXT NOT NULL, variant_id TEXT, type TEXT NOT NULL, status TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '', tool_name TEXT NOT NULL DEFAULT '', tool_input TEXT NOT NULL DEFAULT '',
		tool_output TEXT NOT NULL DEFAULT '', block_index INTEGER NOT NULL,
		started_at DATETIME, first_chunk_at DATETIME, ended_at DATETIME, error TEXT NOT NULL DEFAULT ''
	)`)
	require.NoError(t, err)

	return db
}

func TestCommitTurnWritesUserMessageAndBlock(t *testing.T) {
	ctx := context.Background()
	db := openPersistenceTestDB(t)
	p := NewPersistence(db, nil)

	sessionID, userMsgID, asstMsgID := uuid.New(), uuid.New(), uuid.New()
	require.NoError(t, p.CommitTurn(ctx, sessionID, userMsgID, asstMsgID, "hi", nil, nil))

	ids, err := LoadMessageBlockIDs(ctx, db, userMsgID)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	blocks, err := LoadBlocksByIndex(ctx, db, userMsgID)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	require.Equal(t, "hi", blocks[0].Content)
}

func TestCommitTurnAssemblesBlockIDsInIndexOrder(t *testing.T) {
	ctx := context.Background()
	db := openPersistenceTestDB(t)
	p := NewPersistence(db, nil)

	sessionID, userMsgID, asstMsgID := uuid.New(), uuid.New(), uuid.New()
	variantID := uuid.New()

	thinkingID, contentID, toolID := uuid.New(), uuid.New(), uuid.New()
	blocks := []variant.Block{
		{ID: thinkingID, Type: variant.BlockThinking, Status: variant.BlockSuccess, Content: "thinking...", Index: 0},
		{ID: toolID, Type: variant.BlockMCPTool, Status: variant.BlockSuccess, ToolName: "search", Index: 1},
		{ID: contentID, Type: variant.BlockContent, Status: variant.BlockSuccess, Content: "hello", Index: 2},
	}

	vc := VariantCommit{VariantID: variantID, Model: "gpt-5", Status: "completed", Content: "hello", Thinking: "thinking...", Blocks: blocks}
	require.NoError(t, p.CommitTurn(ctx, sessionID, userMsgID, asstMsgID, "hi", []VariantCommit{vc}, nil))

	ids, err := LoadMessageBlockIDs(ctx, db, asstMsgID)
	require.NoError(t, err)
	require.Equal(t, []string{thinkingID.String(), toolID.String(), contentID.String()}, ids)

	loaded, err := LoadBlocksByIndex(ctx, db, asstMsgID)
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	require.Equal(t, variant.BlockThinking, loaded[0].Type)
	require.Equal(t, variant.BlockMCPTool, loaded[1].Type)
	require.Equal(t, "search", loaded[1].ToolName)
	require.Equal(t, variant.BlockContent, loaded[2].Type)

	var activeVariant sql.NullString
	require.NoError(t, db.QueryRow(`SELECT active_variant_id FROM messages WHERE id = ?`, asstMsgID.String()).Scan(&activeVariant))
	require.True(t, activeVariant.Valid)
	require.Equal(t, variantID.String(), activeVariant.String)
}

func TestCommitTurnPicksFirstCompletedVariantAsActive(t *testing.T) {
	ctx := context.Background()
	db := openPersistenceTestDB(t)
	p := NewPersistence(db, nil)

	sessionID, userMsgID, asstMsgID := uuid.New(), uuid.New(), uuid.New()
	failed := VariantCommit{VariantID: uuid.New(), Model: "a", Status: "failed"}
	succeeded := VariantCommit{VariantID: uuid.New(), Model: "b", Status: "completed"}

	require.NoError(t, p.CommitTurn(ctx, sessionID, userMsgID, asstMsgID, "compare", []VariantCommit{failed, succeeded}, nil))

	var activeVariant string
	require.NoError(t, db.QueryRow(`SELECT active_variant_id FROM messages WHERE id = ?`, asstMsgID.String()).Scan(&activeVariant))
	require.Equal(t, succeeded.VariantID.String(), activeVariant)
}

func TestCommitTurnIncrementsContextResourceRefs(t *testing.T) {
	ctx := context.Background()
	db := openPersistenceTestDB(t)
	blobs := blobstore.New(t.TempDir())
	p := NewPersistence(db, blobs)

	_, err := blobs.Store(ctx, db, []byte("shared attachment bytes"), "bin")
	require.NoError(t, err)
	hash, err := blobs.Store(ctx, db, []byte("shared attachment bytes"), "bin")
	require.NoError(t, err)

	sessionID, userMsgID, asstMsgID := uuid.New(), uuid.New(), uuid.New()
	require.NoError(t, p.CommitTurn(ctx, sessionID, userMsgID, asstMsgID, "with attachment", nil, []ResourceRef{{BlobHash: hash.Hash}}))

	var refCount int
	require.NoError(t, db.QueryRow(`SELECT ref_count FROM blobs WHERE hash = ?`, hash.Hash).Scan(&refCount))
	require.Equal(t, 1, refCount)
}
