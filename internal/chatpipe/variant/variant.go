// Package variant holds the per-attempt streaming state for one model
// response within a multi-variant message: buffers, block bookkeeping, and
// the monotonic status machine each variant moves through.
package variant

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// BlockType is one of the persisted block kinds a variant's output is split
// into; blocks are rendered in BlockIndex order.
type BlockType string

const (
	BlockContent   BlockType = "content"
	BlockThinking  BlockType = "thinking"
	BlockMCPTool   BlockType = "mcp_tool"
	BlockToolLimit BlockType = "tool_limit"
)

// BlockStatus is a block's own lifecycle, independent of the owning
// variant's status.
type BlockStatus string

const (
	BlockRunning BlockStatus = "running"
	BlockSuccess BlockStatus = "success"
	BlockError   BlockStatus = "error"
)

// Block is one semantic chunk of a variant's output: thinking, content, or
// a tool call, in the order it is rendered.
type Block struct {
	ID           uuid.UUID
	Type         BlockType
	Status       BlockStatus
	Content      string
	ToolName     string
	ToolInput    string
	ToolOutput   string
	StartedAt    time.Time
	FirstChunkAt time.Time
	EndedAt      time.Time
	Index        int
	Error        string
}

// Status is a variant's lifecycle stage. Transitions are monotonic: once
// Completed/Failed/Cancelled, a variant never moves again.
type Status int

const (
	StatusPending Status = iota
	StatusStreaming
	StatusToolCall
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusStreaming:
		return "streaming"
	case StatusToolCall:
		return "tool_call"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Context is one variant's mutable streaming state. All fields are guarded
// by mu; exported methods take the lock so callers never touch fields
// directly.
type Context struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	MessageID uuid.UUID

	cancel context.CancelFunc

	mu               sync.Mutex
	status           Status
	thinking         strings.Builder
	content          strings.Builder
	pendingReasoning string
	toolResults      []string
	blockIDs         []uuid.UUID
	blocks           []Block
	thinkingBlockIdx int
	contentBlockIdx  int
	failReason       string
	recursionDepth   int
	heartbeatCount   int
}

func New(sessionID, messageID uuid.UUID, cancel context.CancelFunc) *Context {
	return &Context{
		ID:               uuid.New(),
		SessionID:        sessionID,
		MessageID:        messageID,
		cancel:           cancel,
		status:           StatusPending,
		thinkingBlockIdx: -1,
		contentBlockIdx:  -1,
	}
}

// StartStreaming transitions Pending/ToolCall -> Streaming. A no-op once
// terminal.
func (c *Context) StartStreaming() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.terminal() {
		return
	}
	c.status = StatusStreaming
}

// AppendContent appends a streamed content chunk, allocating the single
// per-round content block on first use and recording FirstChunkAt as the
// real start of visible output per spec §3.
func (c *Context) AppendContent(chunk string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.terminal() {
		return
	}
	c.content.WriteString(chunk)
	if c.contentBlockIdx == -1 {
		c.contentBlockIdx = c.allocateBlock(BlockContent)
	}
	b := &c.blocks[c.contentBlockIdx]
	if b.FirstChunkAt.IsZero() {
		b.FirstChunkAt = time.Now()
	}
	b.Content += chunk
}

// AppendThinking appends a streamed reasoning/thinking chunk, allocating
// the single per-round thinking block on first use.
func (c *Context) AppendThinking(chunk string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.terminal() {
		return
	}
	c.thinking.WriteString(chunk)
	if c.thinkingBlockIdx == -1 {
		c.thinkingBlockIdx = c.allocateBlock(BlockThinking)
	}
	b := &c.blocks[c.thinkingBlockIdx]
	if b.FirstChunkAt.IsZero() {
		b.FirstChunkAt = time.Now()
	}
	b.Content += chunk
}

// allocateBlock appends a new running block of the given type at the next
// block_index and mirrors its id into blockIDs, the authoritative display
// order. Caller must hold mu.
func (c *Context) allocateBlock(t BlockType) int {
	now := time.Now()
	id := uuid.New()
	c.blockIDs = append(c.blockIDs, id)
	c.blocks = append(c.blocks, Block{
		ID:        id,
		Type:      t,
		Status:    BlockRunning,
		StartedAt: now,
		Index:     len(c.blocks),
	})
	return len(c.blocks) - 1
}

// SetPendingReasoning stashes a reasoning block awaiting the tool calls it
// justified, so it can be attached to the next assistant message turn.
func (c *Context) SetPendingReasoning(reasoning string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingReasoning = reasoning
}

func (c *Context) TakePendingReasoning() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.pendingReasoning
	c.pendingReasoning = ""
	return r
}

// EnterToolCall transitions Streaming -> ToolCall and allocates a new
// mcp_tool block, closing the running thinking/content blocks of the
// round that led up to it so the next round starts a fresh pair.
func (c *Context) EnterToolCall() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.terminal() {
		return uuid.New()
	}
	c.status = StatusToolCall
	c.closeRoundBlocksLocked()
	idx := c.allocateBlock(BlockMCPTool)
	return c.blocks[idx].ID
}

// closeRoundBlocksLocked marks the current round's thinking/content blocks
// success (if any content was ever written to them) and resets the
// allocation slots so the next round gets its own pair. Caller holds mu.
func (c *Context) closeRoundBlocksLocked() {
	now := time.Now()
	if c.thinkingBlockIdx != -1 {
		c.blocks[c.thinkingBlockIdx].Status = BlockSuccess
		c.blocks[c.thinkingBlockIdx].EndedAt = now
		c.thinkingBlockIdx = -1
	}
	if c.contentBlockIdx != -1 {
		c.blocks[c.contentBlockIdx].Status = BlockSuccess
		c.blocks[c.contentBlockIdx].EndedAt = now
		c.contentBlockIdx = -1
	}
}

// CompleteToolBlock records a finished tool call's name/input/output onto
// its previously-allocated block and marks it success or error.
func (c *Context) CompleteToolBlock(blockID uuid.UUID, toolName, input, output, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.blocks {
		if c.blocks[i].ID != blockID {
			continue
		}
		c.blocks[i].ToolName = toolName
		c.blocks[i].ToolInput = input
		c.blocks[i].ToolOutput = output
		c.blocks[i].EndedAt = time.Now()
		if errMsg != "" {
			c.blocks[i].Status = BlockError
			c.blocks[i].Error = errMsg
		} else {
			c.blocks[i].Status = BlockSuccess
		}
		return
	}
}

// AppendToolLimitBlock records the user-visible tool_limit block emitted
// when recursion depth is exhausted without a task-complete signal.
func (c *Context) AppendToolLimitBlock(message string) uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeRoundBlocksLocked()
	idx := c.allocateBlock(BlockToolLimit)
	c.blocks[idx].Content = message
	c.blocks[idx].Status = BlockSuccess
	c.blocks[idx].EndedAt = time.Now()
	return c.blocks[idx].ID
}

// FinalizeOpenBlocks closes out any still-running thinking/content blocks
// at variant termination (success, failure, or cancellation), preserving
// whatever partial content had streamed so far.
func (c *Context) FinalizeOpenBlocks() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeRoundBlocksLocked()
}

// Blocks returns a copy of the variant's accumulated blocks in
// block_index order, the authoritative persistence order for this
// variant's contribution to the message.
func (c *Context) Blocks() []Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Block, len(c.blocks))
	copy(out, c.blocks)
	return out
}

// BlockIDs returns a copy of the block id list in display order.
func (c *Context) BlockIDs() []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uuid.UUID, len(c.blockIDs))
	copy(out, c.blockIDs)
	return out
}

// AddToolResult records one tool's textual result for the transcript.
func (c *Context) AddToolResult(forLLM string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.terminal() {
		return
	}
	c.toolResults = append(c.toolResults, forLLM)
}

// IncRecursionDepth increments and returns the new recursion depth.
func (c *Context) IncRecursionDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recursionDepth++
	return c.recursionDepth
}

func (c *Context) RecursionDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recursionDepth
}

// RecordHeartbeat increments the heartbeat counter and returns the new
// count (the orchestrator enforces the cap on that returned value); the
// orchestrator calls ResetHeartbeats to clear it whenever a batch is not
// made up entirely of heartbeat tool calls.
func (c *Context) RecordHeartbeat() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heartbeatCount++
	return c.heartbeatCount
}

func (c *Context) ResetHeartbeats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heartbeatCount = 0
}

func (c *Context) HeartbeatCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heartbeatCount
}

// Complete transitions to Completed. No-op if already terminal.
func (c *Context) Complete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.terminal() {
		return
	}
	c.status = StatusCompleted
	c.closeRoundBlocksLocked()
}

// Fail transitions to Failed, recording reason. Per spec §5 cancellation
// semantics are shared with failure here: whatever content/thinking had
// already streamed into the open blocks is preserved, not discarded.
func (c *Context) Fail(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.terminal() {
		return
	}
	c.status = StatusFailed
	c.failReason = reason
	c.closeRoundBlocksLocked()
}

// Cancel transitions to Cancelled and invokes the variant's cancel func.
// The currently streaming block finalizes as success with its partial
// content preserved, per spec §5 ("content is preserved").
func (c *Context) Cancel() {
	c.mu.Lock()
	alreadyTerminal := c.status.terminal()
	if !alreadyTerminal {
		c.status = StatusCancelled
		c.closeRoundBlocksLocked()
	}
	c.mu.Unlock()
	if !alreadyTerminal && c.cancel != nil {
		c.cancel()
	}
}

func (c *Context) IsCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == StatusCancelled
}

func (c *Context) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Context) Content() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.content.String()
}

func (c *Context) Thinking() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.thinking.String()
}

func (c *Context) FailReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failReason
}

func (c *Context) String() string {
	return fmt.Sprintf("variant(%s, status=%s, depth=%d)", c.ID, c.Status(), c.RecursionDepth())
}
