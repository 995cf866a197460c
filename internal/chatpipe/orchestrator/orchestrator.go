// Package orchestrator drives one streamed model response end to end:
// the recursive tool-call loop, multi-variant fan-out with shared-context
// reuse, retry classification, and skeleton-before-execution crash
// recovery.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/chatpipe/internal/chatpipe/events"
	"github.com/nextlevelbuilder/chatpipe/internal/chatpipe/variant"
	"github.com/nextlevelbuilder/chatpipe/internal/config"
	"github.com/nextlevelbuilder/chatpipe/internal/providers"
	"github.com/nextlevelbuilder/chatpipe/internal/tools"
	"github.com/nextlevelbuilder/chatpipe/internal/tools/approval"
	"github.com/nextlevelbuilder/chatpipe/internal/tools/fixup"
	"github.com/nextlevelbuilder/chatpipe/internal/tools/reorder"
)

var tracer = otel.Tracer("chatpipe/orchestrator")

// SkeletonStore persists the "skeleton" row for a variant before its first
// LLM call executes, and updates it as the variant progresses, so a crash
// mid-stream leaves a recoverable record rather than a half-written one.
type SkeletonStore interface {
	SaveSkeleton(ctx context.Context, sessionID, messageID, variantID uuid.UUID, model string) error
	CommitVariant(ctx context.Context, variantID uuid.UUID, content, thinking string, status string) error
}

// Deps bundles the orchestrator's external collaborators.
type Deps struct {
	Provider  providers.Provider
	Registry  *tools.Registry
	Policy    *tools.PolicyEngine
	Approval  *approval.Manager
	Skeletons SkeletonStore
	Resolver  fixup.Resolver
	Reorder   *reorder.PriorityTable
}

// Orchestrator runs streamed variants against one session's Deps.
type Orchestrator struct {
	deps    Deps
	limiter *rate.Limiter
	cancels *CancelRegistry
}

func New(deps Deps) *Orchestrator {
	if deps.Reorder == nil {
		deps.Reorder = reorder.NewPriorityTable(reorder.DefaultFamilies)
	}
	return &Orchestrator{
		deps:    deps,
		limiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 4),
		cancels: NewCancelRegistry(),
	}
}

// CancelVariant cancels the running variant registered under
// {sessionID}:{variantID}, e.g. in response to a UI-initiated stop. Reports
// false if no such variant is currently running.
func (o *Orchestrator) CancelVariant(sessionID, variantID uuid.UUID) bool {
	return o.cancels.Cancel(sessionID, variantID)
}

// RunRequest carries everything one variant run needs: identifiers,
// initial history, the session's effective configuration, and the emitter
// to stream through.
type RunRequest struct {
	SessionID uuid.UUID
	MessageID uuid.UUID
	History   []providers.Message
	Config    config.SessionConfig
	Emitter   *events.Emitter
}

// RunResult is one variant's final outcome.
type RunResult struct {
	VariantID uuid.UUID
	Content   string
	Thinking  string
	Blocks    []variant.Block
	Status    variant.Status
	Err       error
}

// RunSingleVariant executes exactly one model attempt end to end,
// including its full recursive tool-call loop.
func (o *Orchestrator) RunSingleVariant(ctx context.Context, req RunRequest) RunResult {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	v := variant.New(req.SessionID, req.MessageID, cancel)
	o.cancels.register(req.SessionID, v.ID, v.Cancel)
	defer o.cancels.unregister(req.SessionID, v.ID)

	ctx, span := tracer.Start(ctx, "chatpipe.variant.run",
		trace.WithAttributes(
			attribute.String("session_id", req.SessionID.String()),
			attribute.String("variant_id", v.ID.String()),
		))
	defer span.End()

	if o.deps.Skeletons != nil {
		if err := o.deps.Skeletons.SaveSkeleton(ctx, req.SessionID, req.MessageID, v.ID, o.deps.Provider.DefaultModel()); err != nil {
			slog.Warn("chatpipe.skeleton_save_failed", "variant", v.ID, "error", err)
		}
	}

	if req.Emitter != nil {
		req.Emitter.Emit(ctx, events.VariantStart, events.IDs{MessageID: req.MessageID, VariantID: v.ID}, nil)
	}

	content, thinking, err := o.runToolLoop(ctx, v, req)

	status := variant.StatusCompleted
	if err != nil {
		status = variant.StatusFailed
		v.Fail(err.Error())
	} else {
		v.Complete()
	}

	if o.deps.Skeletons != nil {
		if cerr := o.deps.Skeletons.CommitVariant(ctx, v.ID, content, thinking, status.String()); cerr != nil {
			slog.Warn("chatpipe.skeleton_commit_failed", "variant", v.ID, "error", cerr)
		}
	}

	if req.Emitter != nil {
		name := events.VariantComplete
		if err != nil {
			name = events.VariantFailed
		}
		req.Emitter.Emit(ctx, name, events.IDs{MessageID: req.MessageID, VariantID: v.ID}, map[string]string{"reason": v.FailReason()})
	}

	return RunResult{VariantID: v.ID, Content: content, Thinking: thinking, Blocks: v.Blocks(), Status: v.Status(), Err: err}
}

// RunMultiVariant fans out N independent model attempts over the same
// shared history, each in its own goroutine with its own cancellation,
// recovering from any single variant panicking so the others still
// complete.
func (o *Orchestrator) RunMultiVariant(ctx context.Context, req RunRequest, n int) []RunResult {
	if n <= 0 {
		n = 1
	}
	if n > req.Config.MaxVariantsPerMessage && req.Config.MaxVariantsPerMessage > 0 {
		n = req.Config.MaxVariantsPerMessage
	}

	results := make([]RunResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[idx] = RunResult{Err: fmt.Errorf("variant panic: %v", r)}
				}
			}()
			results[idx] = o.RunSingleVariant(ctx, req)
		}(i)
	}
	wg.Wait()
	return results
}

// RetryVariants re-runs only the variants whose result classifies as
// retryable (network error, 429, 5xx), waiting the fixed {1000,2000}ms
// backoff schedule between attempts.
func (o *Orchestrator) RetryVariants(ctx context.Context, req RunRequest, prior []RunResult) []RunResult {
	backoffs := []time.Duration{1000 * time.Millisecond, 2000 * time.Millisecond}

	out := make([]RunResult, len(prior))
	copy(out, prior)

	for i, r := range prior {
		if r.Err == nil || !isRetryable(r.Err) {
			continue
		}
		for attempt, wait := range backoffs {
			select {
			case <-ctx.Done():
				return out
			case <-time.After(wait):
			}
			retried := o.RunSingleVariant(ctx, req)
			out[i] = retried
			if retried.Err == nil || !isRetryable(retried.Err) {
				break
			}
			if attempt == len(backoffs)-1 {
				slog.Warn("chatpipe.retry_exhausted", "variant_index", i)
			}
		}
	}
	return out
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"timeout", "connection reset", "429", "500", "502", "503", "504"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// sortToolCallsByIndex restores deterministic ordering after parallel
// dispatch: concurrently executed calls finish in any order, and results
// are rejoined in the order of the dispatched (post-reorder) batch.
func sortToolCallsByIndex(results []toolCallOutcome) {
	sort.Slice(results, func(i, j int) bool { return results[i].index < results[j].index })
}
