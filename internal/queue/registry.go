// Package queue moves jobs between submitters and workers through the
// shared store. Work and callback functions cannot cross a process
// boundary, so jobs carry registered names instead; both the worker and
// the server resolve names through a Registry populated at startup.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scrutor/internal/models"
)

// JobFunc performs the work of one job and returns its result payload.
type JobFunc func(ctx context.Context, job *models.Job) (interface{}, error)

// CallbackFunc runs after a job finishes, with the stored result. The same
// callback runs again on a cache replay, so it must be idempotent.
type CallbackFunc func(ctx context.Context, job *models.Job, result json.RawMessage) error

// FailureFunc runs after a job fails or times out.
type FailureFunc func(ctx context.Context, job *models.Job, jobErr error) error

// Registry resolves job, success and failure handlers by name.
type Registry struct {
	work      map[string]JobFunc
	successes map[string]CallbackFunc
	failures  map[string]FailureFunc
	logger    arbor.ILogger
	mu        sync.RWMutex
}

// NewRegistry creates an empty handler registry.
func NewRegistry(logger arbor.ILogger) *Registry {
	return &Registry{
		work:      make(map[string]JobFunc),
		successes: make(map[string]CallbackFunc),
		failures:  make(map[string]FailureFunc),
		logger:    logger,
	}
}

// RegisterWork binds a work function to a job kind.
func (r *Registry) RegisterWork(kind string, fn JobFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if kind == "" {
		return fmt.Errorf("job kind cannot be empty")
	}
	if fn == nil {
		return fmt.Errorf("work function cannot be nil")
	}
	if _, exists := r.work[kind]; exists {
		return fmt.Errorf("work already registered for kind %s", kind)
	}

	r.work[kind] = fn
	if r.logger != nil {
		r.logger.Debug().Str("kind", kind).Msg("Work function registered")
	}
	return nil
}

// RegisterSuccess binds a success callback to a name.
func (r *Registry) RegisterSuccess(name string, fn CallbackFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" {
		return fmt.Errorf("callback name cannot be empty")
	}
	if fn == nil {
		return fmt.Errorf("callback cannot be nil")
	}
	if _, exists := r.successes[name]; exists {
		return fmt.Errorf("success callback %s already registered", name)
	}

	r.successes[name] = fn
	return nil
}

// RegisterFailure binds a failure callback to a name.
func (r *Registry) RegisterFailure(name string, fn FailureFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" {
		return fmt.Errorf("callback name cannot be empty")
	}
	if fn == nil {
		return fmt.Errorf("callback cannot be nil")
	}
	if _, exists := r.failures[name]; exists {
		return fmt.Errorf("failure callback %s already registered", name)
	}

	r.failures[name] = fn
	return nil
}

// Work resolves the work function for a job kind.
func (r *Registry) Work(kind string) (JobFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.work[kind]
	if !ok {
		return nil, fmt.Errorf("no work registered for kind %s", kind)
	}
	return fn, nil
}

// Success resolves a success callback by name.
func (r *Registry) Success(name string) (CallbackFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.successes[name]
	if !ok {
		return nil, fmt.Errorf("success callback %s not found", name)
	}
	return fn, nil
}

// Failure resolves a failure callback by name.
func (r *Registry) Failure(name string) (FailureFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.failures[name]
	if !ok {
		return nil, fmt.Errorf("failure callback %s not found", name)
	}
	return fn, nil
}

// Kinds returns the registered job kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.work))
	for kind := range r.work {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
