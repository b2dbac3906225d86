package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/teranos/pulsejob/pulse/jobstore"
)

// Result is the outcome of running a job handler. Handlers report failure by
// value; the executor turns a failed Result into a retry or a dead letter.
type Result struct {
	Failed  bool
	Message string
	Details string
}

// Success reports a completed job.
func Success() Result {
	return Result{}
}

// Failure reports a failed job with a message and optional details such as a stack trace.
func Failure(message, details string) Result {
	return Result{Failed: true, Message: message, Details: details}
}

// FailureFromError reports a failed job from an error, keeping the verbose form as details.
func FailureFromError(err error) Result {
	return Failure(err.Error(), fmt.Sprintf("%+v", err))
}

// JobHandler executes jobs of one handler type.
//
// The executor gives no cancellation signal when a lease expires, so a
// handler that outlives its lease may see its job re-acquired elsewhere.
// Handlers must be idempotent or detect the stale lock before committing
// side effects.
type JobHandler interface {
	Execute(ctx context.Context, job *jobstore.Job) Result
}

// HandlerFunc adapts a function to JobHandler.
type HandlerFunc func(ctx context.Context, job *jobstore.Job) Result

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, job *jobstore.Job) Result {
	return f(ctx, job)
}

// HandlerRegistry maps handler types to handlers.
// Thread-safe for concurrent registration and lookup.
type HandlerRegistry struct {
	handlers map[string]JobHandler
	mu       sync.RWMutex
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]JobHandler),
	}
}

// Register adds a handler for handlerType.
// Panics if a handler is already registered for that type.
func (r *HandlerRegistry) Register(handlerType string, handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[handlerType]; exists {
		panic(fmt.Sprintf("handler already registered for handler type: %s", handlerType))
	}
	r.handlers[handlerType] = handler
}

// Get retrieves the handler for a handler type, or nil.
func (r *HandlerRegistry) Get(handlerType string) JobHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[handlerType]
}

// Has checks if a handler is registered for a type.
func (r *HandlerRegistry) Has(handlerType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[handlerType]
	return exists
}

// Types returns all registered handler types, sorted.
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

// Dispatch runs the handler registered for the job's handler type. A missing
// handler and a panicking handler both yield a failed Result.
func (r *HandlerRegistry) Dispatch(ctx context.Context, job *jobstore.Job) (result Result) {
	handler := r.Get(job.HandlerType)
	if handler == nil {
		return Failure(fmt.Sprintf("no handler registered for handler type: %s", job.HandlerType), "")
	}

	defer func() {
		if p := recover(); p != nil {
			result = Failure(fmt.Sprintf("handler %s panicked: %v", job.HandlerType, p), string(debug.Stack()))
		}
	}()
	return handler.Execute(ctx, job)
}
