package dataexport

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// ExportOutcome classifies how a provider's Export call ended.
type ExportOutcome int

const (
	// ExportCompleted: the module is fully exported.
	ExportCompleted ExportOutcome = iota
	// ExportIncomplete: the provider yielded cooperatively; a savepoint
	// describes where to resume.
	ExportIncomplete
	// ExportInterrupted: the provider observed context cancellation while a
	// cooperative stop was already in progress; the stop path owns the
	// pause bookkeeping.
	ExportInterrupted
	// ExportAborted: the provider itself detected that the task was aborted.
	ExportAborted
)

// ExportResult is what a provider returns from Export.
type ExportResult struct {
	Outcome   ExportOutcome
	Savepoint json.RawMessage // set for ExportIncomplete

	// PauseReason optionally explains a cooperative pause (e.g. a temporary
	// downstream failure). Informational only.
	PauseReason error
}

func Completed() ExportResult   { return ExportResult{Outcome: ExportCompleted} }
func Interrupted() ExportResult { return ExportResult{Outcome: ExportInterrupted} }
func Aborted() ExportResult     { return ExportResult{Outcome: ExportAborted} }

func Incomplete(sp json.RawMessage, reason error) ExportResult {
	return ExportResult{Outcome: ExportIncomplete, Savepoint: sp, PauseReason: reason}
}

// PauseResult is what a provider returns from Pause.
type PauseResult struct {
	Paused    bool
	Savepoint json.RawMessage
}

// Sink receives a module's exported artifacts. Implementations write entries
// into a per-module archive in the file store; nothing is persisted until the
// execution finishes or pauses the item.
type Sink interface {
	// Export streams one named entry into the module's artifact. Returns
	// false (without error) when the sink no longer accepts data because the
	// item was finished or revoked concurrently.
	Export(ctx context.Context, name string, r io.Reader) (bool, error)

	// Message appends a diagnostics line to the task's report (no-op when
	// diagnostics are disabled).
	Message(m Message)
}

// Provider performs the actual export for one data module.
//
// Export must honor ctx: on cancellation it either returns Interrupted()
// promptly or finishes its current unit and returns. Pause may be called
// concurrently with Export (from the stop path) and asks the provider to
// yield at its current position.
type Provider interface {
	Module() string

	// CheckArguments reports whether this module applies to the given
	// submission (e.g. the user has any data of this kind at all).
	CheckArguments(ctx context.Context, args Arguments, acct Account) (bool, error)

	Export(ctx context.Context, processingID uuid.UUID, sink Sink, savepoint json.RawMessage, task *Task) (ExportResult, error)

	Pause(ctx context.Context, processingID uuid.UUID, sink Sink, task *Task) (PauseResult, error)
}

// Registry holds the registered providers, one per module identifier.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds or replaces the provider for its module.
func (r *Registry) Register(p Provider) {
	if p == nil {
		return
	}
	r.mu.Lock()
	r.providers[p.Module()] = p
	r.mu.Unlock()
}

func (r *Registry) Get(module string) (Provider, bool) {
	r.mu.RLock()
	p, ok := r.providers[module]
	r.mu.RUnlock()
	return p, ok
}

// Modules returns all registered module identifiers, sorted.
func (r *Registry) Modules() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.providers))
	for m := range r.providers {
		out = append(out, m)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
