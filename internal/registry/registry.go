// Package registry maps mutation type strings to the replay handlers supplied
// by feature code. Registrations live only in memory for the session: handlers
// are closures over live backend clients and cannot be serialized.
package registry

import (
	"context"
	"sync"

	"github.com/opsdeck/offline/internal/model"
)

type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultRetry   ResultStatus = "retry"
	ResultDiscard ResultStatus = "discard"
)

// Result is a handler's verdict on one replay attempt.
type Result struct {
	Status  ResultStatus
	Message string
}

func Success() Result {
	return Result{Status: ResultSuccess}
}

func Retry(message string) Result {
	return Result{Status: ResultRetry, Message: message}
}

func Discard(message string) Result {
	return Result{Status: ResultDiscard, Message: message}
}

// Handler replays one mutation against the backend. It is the only code that
// understands the payload's shape; the engine treats it as opaque.
type Handler func(ctx context.Context, m model.Mutation) Result

// Registry holds at most one active handler per mutation type.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	// epoch distinguishes registrations so a stale disposer from a replaced
	// registration cannot tear down its successor.
	epoch map[string]uint64
}

func New() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		epoch:    make(map[string]uint64),
	}
}

// Register associates handler with mutType, replacing any previous handler
// for that type (feature modules re-register on hot navigation). The returned
// disposer restores the no-handler state, and is a no-op once a newer
// registration has taken over.
func (r *Registry) Register(mutType string, handler Handler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.epoch[mutType]++
	epoch := r.epoch[mutType]
	r.handlers[mutType] = handler

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		if r.epoch[mutType] != epoch {
			return
		}
		delete(r.handlers, mutType)
	}
}

// Lookup resolves the handler for mutType. The engine calls this once per
// invocation; registration changes mid-call do not affect an in-progress
// handler.
func (r *Registry) Lookup(mutType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[mutType]
	return h, ok
}

// Types returns the mutation types that currently have a handler.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}
