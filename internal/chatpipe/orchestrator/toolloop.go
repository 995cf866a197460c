package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chatpipe/internal/chatpipe/events"
	"github.com/nextlevelbuilder/chatpipe/internal/chatpipe/variant"
	"github.com/nextlevelbuilder/chatpipe/internal/config"
	"github.com/nextlevelbuilder/chatpipe/internal/providers"
	"github.com/nextlevelbuilder/chatpipe/internal/tools"
	"github.com/nextlevelbuilder/chatpipe/internal/tools/approval"
	"github.com/nextlevelbuilder/chatpipe/internal/tools/fixup"
	"github.com/nextlevelbuilder/chatpipe/internal/tools/reorder"
)

const approvalTimeout = 2 * time.Minute

const heartbeatToolName = "heartbeat"

// toolCallOutcome is one dispatched tool call's result, tagged with its
// position in the dispatched (post-reorder) batch so parallel dispatch can
// rejoin in that order.
type toolCallOutcome struct {
	index   int
	call    providers.ToolCall
	blockID uuid.UUID
	result  *tools.Result
	err     error
}

// loopState detects same-tool thrash within a single variant: a tool
// called repeatedly with the same (name, scopeKey) logs a warning once its
// count reaches the warning threshold; from the critical threshold on, the
// call is short-circuited with an error result. This guards against
// infinite tool loops that the recursion-depth cap alone wouldn't catch
// quickly (a model can exhaust hundreds of iterations thrashing one tool).
type loopState struct {
	mu     sync.Mutex
	counts map[string]int
}

const (
	loopWarnThreshold     = 3
	loopCriticalThreshold = 6
)

func newLoopState() *loopState { return &loopState{counts: make(map[string]int)} }

func (l *loopState) record(toolName, scopeKey string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := toolName + "\x00" + scopeKey
	l.counts[key]++
	return l.counts[key]
}

// runToolLoop drives the recursive call/execute/respond cycle for one
// variant until the model stops requesting tools or a hard limit is hit.
func (o *Orchestrator) runToolLoop(ctx context.Context, v *variant.Context, req RunRequest) (string, string, error) {
	messages := append([]providers.Message(nil), req.History...)
	loop := newLoopState()
	maxDepth := req.Config.EffectiveMaxRecursion()
	var lastReasoning, lastThoughtSignature string

	skillAllowed, hasActiveSkills := resolveSkillAllowlist(req.Config)

	for {
		v.StartStreaming()

		if err := o.limiter.Wait(ctx); err != nil {
			return v.Content(), v.Thinking(), fmt.Errorf("rate limit wait: %w", err)
		}

		var toolDefs []providers.ToolDefinition
		if !req.Config.DisableTools {
			toolDefs = o.deps.Policy.FilterTools(o.deps.Registry, o.deps.Provider.Name(), nil, nil, skillAllowed, hasActiveSkills)
		}

		resp, err := o.deps.Provider.ChatStream(ctx, providers.ChatRequest{
			Messages: messages,
			Tools:    toolDefs,
		}, func(chunk providers.StreamChunk) {
			if chunk.Content != "" {
				v.AppendContent(chunk.Content)
				if req.Emitter != nil {
					req.Emitter.Emit(ctx, events.ContentDelta, ids(req, v), chunk.Content)
				}
			}
			if chunk.Thinking != "" {
				v.AppendThinking(chunk.Thinking)
				if req.Emitter != nil {
					req.Emitter.Emit(ctx, events.ThinkingDelta, ids(req, v), chunk.Thinking)
				}
			}
		})
		if err != nil {
			return v.Content(), v.Thinking(), fmt.Errorf("llm call: %w", err)
		}

		if req.Emitter != nil {
			req.Emitter.Emit(ctx, events.ContentDone, ids(req, v), nil)
		}

		if resp.ReasoningContent != "" {
			lastReasoning = resp.ReasoningContent
		}
		if resp.ThoughtSignature != "" {
			lastThoughtSignature = resp.ThoughtSignature
		}

		if len(resp.ToolCalls) == 0 || resp.FinishReason != "tool_calls" {
			return v.Content(), v.Thinking(), nil
		}

		heartbeatBatch := allHeartbeats(resp.ToolCalls)
		var depth int
		if heartbeatBatch {
			count := v.RecordHeartbeat()
			if count > config.MaxHeartbeatCount {
				return v.Content(), v.Thinking(), fmt.Errorf("heartbeat extension exhausted at %d beats", count)
			}
			depth = v.RecursionDepth()
		} else {
			v.ResetHeartbeats()
			depth = v.IncRecursionDepth()
		}

		// The absolute cap is a hard error regardless of heartbeat
		// whitelisting; it exists to bound worst-case runaway loops, not
		// to be extendable.
		if depth > config.AbsoluteMaxRecursion {
			return v.Content(), v.Thinking(), fmt.Errorf("absolute recursion limit exceeded: %d > %d", depth, config.AbsoluteMaxRecursion)
		}

		// The user-configured cap is NOT an error: a tool_limit block is
		// recorded and the variant completes successfully so the user
		// sees a graceful "I've reached my step limit" message instead
		// of a failed bubble.
		if depth > maxDepth {
			msg := fmt.Sprintf("Reached the tool-call recursion limit (%d) without a task-complete signal.", maxDepth)
			v.AppendToolLimitBlock(msg)
			if req.Emitter != nil {
				req.Emitter.Emit(ctx, events.ToolLimit, ids(req, v), map[string]int{"depth": depth, "max": maxDepth})
			}
			return v.Content(), v.Thinking(), nil
		}

		assistantMsg := providers.Message{
			Role:             "assistant",
			Content:          resp.Content,
			ToolCalls:        resp.ToolCalls,
			ReasoningContent: lastReasoning,
			ThoughtSignature: lastThoughtSignature,
		}
		messages = append(messages, assistantMsg)

		ordered := reorder.Reorder(resp.ToolCalls,
			func(c providers.ToolCall) string { return c.Name },
			func(c providers.ToolCall) int { return indexOf(resp.ToolCalls, c) },
			o.deps.Reorder)

		fixupTracker := fixup.NewTracker(o.deps.Resolver)

		outcomes := o.dispatchToolCalls(ctx, v, ordered, loop, fixupTracker)
		sortToolCallsByIndex(outcomes)

		var taskCompleted bool
		for _, oc := range outcomes {
			result := oc.result
			if result == nil {
				result = tools.ErrorResult(fmt.Sprintf("internal error: %v", oc.err))
			}

			v.AddToolResult(result.ForLLM)
			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    result.ForLLM,
				ToolCallID: oc.call.ID,
			})

			if req.Emitter != nil {
				evIDs := ids(req, v)
				evIDs.BlockID = oc.blockID
				req.Emitter.Emit(ctx, events.ToolCallResult, evIDs, map[string]interface{}{
					"tool":     oc.call.Name,
					"is_error": result.IsError,
				})
			}

			if !result.IsError && sentinelBool(result.ForLLM, "task_completed") {
				taskCompleted = true
			}
		}

		// §4.5 step 6(a): a tool reporting task_completed ends the turn
		// immediately, same as the model stopping on its own.
		if taskCompleted {
			return v.Content(), v.Thinking(), nil
		}
	}
}

// sentinelBool reads a boolean sentinel field out of a tool's opaque JSON
// output, checked at the top level and, since some executors nest their
// payload, under a "result" key too.
func sentinelBool(raw, field string) bool {
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return false
	}
	if v, ok := obj[field].(bool); ok {
		return v
	}
	if nested, ok := obj["result"].(map[string]interface{}); ok {
		if v, ok := nested[field].(bool); ok {
			return v
		}
	}
	return false
}

// sentinelString reads a string sentinel field the same way sentinelBool
// reads a boolean one.
func sentinelString(raw, field string) string {
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return ""
	}
	if v, ok := obj[field].(string); ok {
		return v
	}
	if nested, ok := obj["result"].(map[string]interface{}); ok {
		if v, ok := nested[field].(string); ok {
			return v
		}
	}
	return ""
}

// ids builds the event envelope identifiers common to every event a
// variant's tool loop emits.
func ids(req RunRequest, v *variant.Context) events.IDs {
	return events.IDs{MessageID: req.MessageID, VariantID: v.ID}
}

func indexOf(calls []providers.ToolCall, target providers.ToolCall) int {
	for i, c := range calls {
		if c.ID == target.ID {
			return i
		}
	}
	return -1
}

func allHeartbeats(calls []providers.ToolCall) bool {
	if len(calls) == 0 {
		return false
	}
	for _, c := range calls {
		if c.Name != heartbeatToolName {
			return false
		}
	}
	return true
}

// resolveSkillAllowlist implements spec's fail-closed skill whitelist: no
// active skills means no restriction; active skills with an empty allow
// list means nothing is offered at all. DisableToolWhitelist is an explicit
// session-level escape hatch that forces the unrestricted case regardless
// of active skills.
func resolveSkillAllowlist(cfg config.SessionConfig) ([]string, bool) {
	if cfg.DisableToolWhitelist || len(cfg.ActiveSkillIDs) == 0 {
		return nil, false
	}
	return []string(cfg.SkillAllowedTools), true
}

// dispatchToolCalls executes a batch of tool calls: sequentially, in batch
// order, if there's only one or if any call belongs to a reorder family (so
// dependency-ordered calls and argument fixup see earlier calls' results);
// otherwise concurrently via a WaitGroup and a buffered result channel,
// recovering any single executor's panic so it can't take down the rest of
// the batch or the process.
func (o *Orchestrator) dispatchToolCalls(ctx context.Context, v *variant.Context, calls []providers.ToolCall, loop *loopState, fixupTracker *fixup.Tracker) []toolCallOutcome {
	sequential := len(calls) == 1
	for _, c := range calls {
		if o.deps.Reorder != nil {
			if _, ok := o.deps.Reorder.GroupPriority[c.Name]; ok {
				sequential = true
			}
		}
	}
	if sequential {
		outcomes := make([]toolCallOutcome, 0, len(calls))
		for i, c := range calls {
			outcomes = append(outcomes, o.executeOne(ctx, v, i, c, loop, fixupTracker))
		}
		return outcomes
	}

	results := make(chan toolCallOutcome, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, c providers.ToolCall) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results <- toolCallOutcome{index: idx, call: c, err: fmt.Errorf("tool executor panic: %v", r)}
				}
			}()
			results <- o.executeOne(ctx, v, idx, c, loop, fixupTracker)
		}(i, call)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	outcomes := make([]toolCallOutcome, 0, len(calls))
	for oc := range results {
		outcomes = append(outcomes, oc)
	}
	return outcomes
}

func (o *Orchestrator) executeOne(ctx context.Context, v *variant.Context, idx int, call providers.ToolCall, loop *loopState, fixupTracker *fixup.Tracker) toolCallOutcome {
	if truncated, msg, argsLen := truncationSentinel(call.Arguments); truncated {
		blockID := v.EnterToolCall()
		argsJSON, _ := json.Marshal(call.Arguments)
		errMsg := truncationRetryHint(call.Name, msg, argsLen)
		v.CompleteToolBlock(blockID, call.Name, string(argsJSON), "", errMsg)
		return toolCallOutcome{index: idx, call: call, blockID: blockID, result: tools.ErrorResult(errMsg)}
	}

	tool, ok := o.deps.Registry.Get(call.Name)
	if !ok {
		return toolCallOutcome{index: idx, call: call, result: tools.ErrorResult(tools.ErrToolNotFound{Name: call.Name}.Error())}
	}

	scopeKey := approval.ScopeKey(call.Arguments)
	if repeats := loop.record(call.Name, scopeKey); repeats >= loopCriticalThreshold {
		return toolCallOutcome{index: idx, call: call, result: tools.ErrorResult(fmt.Sprintf(
			"tool %q has been called with identical arguments %d times in this response; stop retrying and change approach", call.Name, repeats))}
	} else if repeats >= loopWarnThreshold {
		slog.Warn("chatpipe.tool_loop_warning", "tool", call.Name, "repeats", repeats)
	}

	sensitivity := tool.Sensitivity()
	if o.deps.Policy != nil {
		sensitivity = o.deps.Policy.EffectiveSensitivity(call.Name, sensitivity)
	}
	if sensitivity != tools.SensitivityLow && o.deps.Approval != nil {
		decision, err := o.deps.Approval.CheckCommand(ctx, call.Name, scopeKey)
		if err == nil && decision == approval.DecisionDeny {
			return toolCallOutcome{index: idx, call: call, result: tools.ErrorResult(fmt.Sprintf("tool %q denied by standing approval scope", call.Name))}
		}
		if err == nil && decision == approval.DecisionAsk {
			if aerr := o.deps.Approval.RequestApproval(ctx, call.ID, v.SessionID.String(), approvalTimeout); aerr != nil {
				reason := "not approved"
				if errors.Is(aerr, approval.ErrApprovalTimeout) {
					reason = "approval request timed out"
				}
				return toolCallOutcome{index: idx, call: call, result: tools.ErrorResult(fmt.Sprintf("tool %q was %s: %v", call.Name, reason, aerr))}
			}
		}
	}

	blockID := v.EnterToolCall()
	execCtx := tools.WithExecContext(ctx, tools.ExecContext{
		SessionID: v.SessionID,
		MessageID: v.MessageID,
		VariantID: v.ID,
		BlockID:   blockID,
	})

	if fixupTracker != nil {
		fixupTracker.Fixup(call.Name, call.Arguments)
	}

	argsJSON, _ := json.Marshal(call.Arguments)

	result, err := tool.Execute(execCtx, call.Arguments)
	if err != nil {
		v.CompleteToolBlock(blockID, call.Name, string(argsJSON), "", err.Error())
		return toolCallOutcome{index: idx, call: call, blockID: blockID, result: tools.ErrorResult(err.Error()), err: err}
	}

	errMsg := ""
	if result.IsError {
		errMsg = result.ForLLM
	}
	v.CompleteToolBlock(blockID, call.Name, string(argsJSON), result.ForLLM, errMsg)

	if fixupTracker != nil && !result.IsError && strings.HasSuffix(call.Name, "_create") {
		// The id a *_create call produces is only known from its output,
		// never its input — the model can't have fabricated the right
		// resource_id argument for a call that hasn't run yet.
		if rid := sentinelString(result.ForLLM, "file_id"); rid != "" {
			fixupTracker.RecordCreate(call.Name, rid)
		}
	}

	return toolCallOutcome{index: idx, call: call, blockID: blockID, result: result}
}

// truncationSentinel reports whether the LLM's tool-call JSON was cut off
// mid-argument (the provider layer sets these fields when it detects that),
// per spec's "the tool is NOT executed" truncation contract.
func truncationSentinel(args map[string]interface{}) (truncated bool, message string, argsLen int) {
	t, _ := args["_truncation_error"].(bool)
	if !t {
		return false, "", 0
	}
	message, _ = args["_error_message"].(string)
	if message == "" {
		message = "tool call arguments were truncated"
	}
	if n, ok := args["_args_len"].(float64); ok {
		argsLen = int(n)
	}
	return true, message, argsLen
}

func truncationRetryHint(toolName, message string, argsLen int) string {
	return fmt.Sprintf(
		"Tool call %q failed: its arguments were truncated at %d characters and the JSON could not be parsed, so it was not executed (%s). "+
			"Retry with the argument payload reduced to under half its previous size — split large content across multiple smaller calls instead of one large one.",
		toolName, argsLen, message,
	)
}
