package variant

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func newTestContext() *Context {
	return New(uuid.New(), uuid.New(), func() {})
}

func TestNewStartsPending(t *testing.T) {
	c := newTestContext()
	assert.Equal(t, StatusPending, c.Status())
}

func TestStreamingThenToolCallThenComplete(t *testing.T) {
	c := newTestContext()
	c.StartStreaming()
	assert.Equal(t, StatusStreaming, c.Status())

	c.AppendContent("hello ")
	c.AppendContent("world")
	assert.Equal(t, "hello world", c.Content())

	blockID := c.EnterToolCall()
	assert.NotEqual(t, uuid.Nil, blockID)
	assert.Equal(t, StatusToolCall, c.Status())

	c.AddToolResult("tool output")
	c.Complete()
	assert.Equal(t, StatusCompleted, c.Status())
}

func TestTerminalStatusIsMonotonic(t *testing.T) {
	c := newTestContext()
	c.Fail("boom")
	assert.Equal(t, StatusFailed, c.Status())
	assert.Equal(t, "boom", c.FailReason())

	// further transitions are no-ops once terminal
	c.StartStreaming()
	assert.Equal(t, StatusFailed, c.Status())
	c.Complete()
	assert.Equal(t, StatusFailed, c.Status())
	c.AppendContent("should not be recorded")
	assert.Empty(t, c.Content())
}

func TestCancelInvokesCancelFuncOnce(t *testing.T) {
	calls := 0
	c := New(uuid.New(), uuid.New(), func() { calls++ })
	c.Cancel()
	c.Cancel()
	assert.Equal(t, 1, calls)
	assert.True(t, c.IsCancelled())
}

func TestRecursionDepthIncrements(t *testing.T) {
	c := newTestContext()
	assert.Equal(t, 1, c.IncRecursionDepth())
	assert.Equal(t, 2, c.IncRecursionDepth())
	assert.Equal(t, 2, c.RecursionDepth())
}

func TestHeartbeatRecordAndReset(t *testing.T) {
	c := newTestContext()
	assert.Equal(t, 1, c.RecordHeartbeat())
	assert.Equal(t, 2, c.RecordHeartbeat())
	c.ResetHeartbeats()
	assert.Equal(t, 0, c.HeartbeatCount())
}

func TestPendingReasoningTakeClears(t *testing.T) {
	c := newTestContext()
	c.SetPendingReasoning("because X")
	assert.Equal(t, "because X", c.TakePendingReasoning())
	assert.Equal(t, "", c.TakePendingReasoning())
}

func TestBlocksRecordThinkingContentAndToolInOrder(t *testing.T) {
	c := newTestContext()
	c.StartStreaming()
	c.AppendThinking("pondering")
	c.AppendContent("partial answer")

	blockID := c.EnterToolCall()
	c.CompleteToolBlock(blockID, "search", `{"q":"x"}`, `{"results":[]}`, "")

	c.AppendContent("final answer")
	c.Complete()

	blocks := c.Blocks()
	assert.Len(t, blocks, 4)
	assert.Equal(t, BlockThinking, blocks[0].Type)
	assert.Equal(t, "pondering", blocks[0].Content)
	assert.Equal(t, BlockSuccess, blocks[0].Status)
	assert.Equal(t, BlockContent, blocks[1].Type)
	assert.Equal(t, "partial answer", blocks[1].Content)
	assert.Equal(t, BlockSuccess, blocks[1].Status)
	assert.Equal(t, BlockMCPTool, blocks[2].Type)
	assert.Equal(t, blockID, blocks[2].ID)
	assert.Equal(t, "search", blocks[2].ToolName)
	assert.Equal(t, BlockSuccess, blocks[2].Status)
	assert.Equal(t, BlockContent, blocks[3].Type)
	assert.Equal(t, "final answer", blocks[3].Content)
	assert.Equal(t, BlockSuccess, blocks[3].Status)

	ids := c.BlockIDs()
	assert.Len(t, ids, 4)
	assert.Equal(t, blockID, ids[2])
}

func TestCompleteToolBlockMarksErrorStatus(t *testing.T) {
	c := newTestContext()
	c.StartStreaming()
	blockID := c.EnterToolCall()
	c.CompleteToolBlock(blockID, "search", "{}", "", "boom")

	blocks := c.Blocks()
	assert.Len(t, blocks, 1)
	assert.Equal(t, BlockError, blocks[0].Status)
	assert.Equal(t, "boom", blocks[0].Error)
}

func TestToolLimitBlockClosesPriorRoundBlocks(t *testing.T) {
	c := newTestContext()
	c.StartStreaming()
	c.AppendContent("still thinking")
	c.AppendToolLimitBlock("reached the recursion limit")

	blocks := c.Blocks()
	assert.Len(t, blocks, 2)
	assert.Equal(t, BlockContent, blocks[0].Type)
	assert.Equal(t, BlockSuccess, blocks[0].Status)
	assert.Equal(t, BlockToolLimit, blocks[1].Type)
	assert.Equal(t, "reached the recursion limit", blocks[1].Content)
}

func TestCancelPreservesPartialContentBlock(t *testing.T) {
	c := newTestContext()
	c.StartStreaming()
	c.AppendContent("partial")
	c.Cancel()

	blocks := c.Blocks()
	assert.Len(t, blocks, 1)
	assert.Equal(t, "partial", blocks[0].Content)
	assert.Equal(t, BlockSuccess, blocks[0].Status)
	assert.True(t, c.IsCancelled())
}
