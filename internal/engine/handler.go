package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/causa/internal/interfaces"
	"github.com/ternarybob/causa/internal/models"
)

// PhaseContext carries everything a handler may use during one phase
// invocation. Handlers must be idempotent under at-least-once re-invocation:
// a crash between an external side effect and the persisted cursor replays
// the phase.
type PhaseContext struct {
	Job      *models.Job
	Phase    models.PhaseDescriptor
	Tools    interfaces.ToolCaller
	Deadline time.Duration // Per provider call, not per phase
	Logger   arbor.ILogger

	// ReportProgress publishes fraction-within-phase (0..1). Optional; a
	// handler that never calls it contributes weight only on completion.
	// Call from the handler goroutine, not from fan-out workers.
	ReportProgress func(fraction float64, detail string)
}

// Handler implements one named phase
type Handler interface {
	Handle(ctx context.Context, pc *PhaseContext) Outcome
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(ctx context.Context, pc *PhaseContext) Outcome

func (f HandlerFunc) Handle(ctx context.Context, pc *PhaseContext) Outcome {
	return f(ctx, pc)
}

// HandlerRegistry is the closed mapping from phase name to implementation,
// populated at startup and rejected-at-registration rather than at run time.
type HandlerRegistry struct {
	handlers map[string]Handler
}

// NewHandlerRegistry creates an empty handler registry
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

// Register adds a handler for a phase name
func (r *HandlerRegistry) Register(name string, handler Handler) error {
	if name == "" {
		return fmt.Errorf("phase name is required")
	}
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("phase %s already registered", name)
	}
	r.handlers[name] = handler
	return nil
}

// HandlerFor resolves a phase name to its handler
func (r *HandlerRegistry) HandlerFor(name string) (Handler, error) {
	handler, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("no handler registered for phase %s", name)
	}
	return handler, nil
}

// Has reports whether a phase name has a registered handler
func (r *HandlerRegistry) Has(name string) bool {
	_, ok := r.handlers[name]
	return ok
}
