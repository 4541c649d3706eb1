package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Common errors returned by the task package.
var (
	// ErrNoHandler is returned when no handler is registered for a task's
	// type. This is a configuration error: retrying cannot fix it.
	ErrNoHandler = errors.New("no handler registered")

	// ErrHandlerExists is returned when registering a second handler for a
	// type that already has one.
	ErrHandlerExists = errors.New("handler already registered")

	// ErrEmptyInput is returned by Enqueue when the input payload is empty.
	ErrEmptyInput = errors.New("task input is empty")
)

// Handler processes one task's input and returns its output payload.
// Handlers run I/O-bound work (vendor API calls, file processing) and must
// honor ctx for their own internal timeouts; the queue does not interrupt a
// running handler. A returned error marks the attempt failed and schedules a
// retry; a panic is treated the same way.
type Handler func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// HandlerRegistry maps task types to their handlers. It is an explicit
// object constructed once at process startup and passed into the Executor.
// Registrations are process-local and must be repeated identically on every
// worker process for a type to be executable anywhere.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a task type.
// Returns ErrHandlerExists if the type already has a handler.
func (r *HandlerRegistry) Register(taskType string, handler Handler) error {
	if taskType == "" {
		return errors.New("task type cannot be empty")
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[taskType]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerExists, taskType)
	}
	r.handlers[taskType] = handler
	return nil
}

// Get returns the handler for the given task type.
// Returns ErrNoHandler if none is registered.
func (r *HandlerRegistry) Get(taskType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[taskType]
	if !ok {
		return nil, fmt.Errorf("%w for task type: %s", ErrNoHandler, taskType)
	}
	return handler, nil
}

// Types returns the registered task types in sorted order.
func (r *HandlerRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
