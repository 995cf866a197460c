package orchestrator

import (
	"sync"

	"github.com/google/uuid"
)

// CancelRegistry holds the live cancel handle for every currently running
// variant, keyed by "{session}:{variant}" so a UI can target one variant
// of a multi-variant message without affecting its siblings.
type CancelRegistry struct {
	mu      sync.Mutex
	cancels map[string]func()
}

// NewCancelRegistry returns an empty registry.
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{cancels: make(map[string]func())}
}

func cancelKey(sessionID, variantID uuid.UUID) string {
	return sessionID.String() + ":" + variantID.String()
}

func (r *CancelRegistry) register(sessionID, variantID uuid.UUID, cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[cancelKey(sessionID, variantID)] = cancel
}

func (r *CancelRegistry) unregister(sessionID, variantID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, cancelKey(sessionID, variantID))
}

// Cancel invokes the registered cancel handle for {session}:{variant}, if
// the variant is still running, and reports whether one was found.
func (r *CancelRegistry) Cancel(sessionID, variantID uuid.UUID) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[cancelKey(sessionID, variantID)]
	r.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}
