// Package cancel implements the process-local Cancellation Registry: a
// guarded map from job ID to a cancellation signal, polled cooperatively by
// long-running agent loops at well-defined safe points (before an LLM call,
// before each tool invocation, between turn-loop iterations).
//
// Grounded on the teacher's mutex-protected-map idiom used elsewhere for
// per-session locks (internal/agent/tool_registry.go's sessionLock), and on
// the Python original's cancellation.py for the exact operation set.
package cancel

import (
	"errors"
	"sync"
)

// ErrCancelled is returned by Check when a cancellation was pending for the
// given job. Check clears the signal before returning, so a second Check
// call for the same job does not raise again unless request_cancel is
// called once more.
var ErrCancelled = errors.New("operation cancelled")

// Registry is a thread-safe job_id -> cancel_signal map. It is
// process-local and its lifecycle is bound to the host process; there is
// no persistence and no cross-process coordination.
type Registry struct {
	mu      sync.Mutex
	pending map[string]bool
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{pending: make(map[string]bool)}
}

// Create registers a job ID with no pending cancellation. Idempotent: a
// second Create for the same job ID is a no-op and never clears an
// already-pending signal.
func (r *Registry) Create(jobID string) {
	if jobID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[jobID]; !ok {
		r.pending[jobID] = false
	}
}

// RequestCancel marks jobID as cancelled. Returns true if an entry existed
// for jobID (whether or not it was already marked cancelled), false if the
// job is unknown to the registry.
func (r *Registry) RequestCancel(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[jobID]; !ok {
		return false
	}
	r.pending[jobID] = true
	return true
}

// Check raises ErrCancelled exactly once per RequestCancel call: if jobID
// has a pending cancellation it is cleared and ErrCancelled is returned: a
// subsequent Check for the same job returns nil until RequestCancel is
// called again. Unknown job IDs never raise.
func (r *Registry) Check(jobID string) error {
	if jobID == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancelled, ok := r.pending[jobID]; ok && cancelled {
		r.pending[jobID] = false
		return ErrCancelled
	}
	return nil
}

// Clear removes jobID from the registry entirely.
func (r *Registry) Clear(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, jobID)
}
