package dataexport

import (
	"encoding/json"
	"sync"
	"time"
)

// Savepoint is the resumability payload of a paused work item. The Payload is
// provider-defined and opaque to the core, which only persists and retrieves
// it keyed by (task, module).
type Savepoint struct {
	Payload json.RawMessage
	Report  []Message
}

// Message is one human-readable diagnostics line produced during an export.
type Message struct {
	Module string    `json:"module,omitempty"`
	Text   string    `json:"text"`
	Time   time.Time `json:"time"`
}

// ReportOptions controls whether and how a diagnostics report is collected.
type ReportOptions struct {
	Enabled bool

	// IncludePermissionDenied also records permission-denied messages, which
	// are noisy enough to be opt-in.
	IncludePermissionDenied bool
}

// Report accumulates diagnostics messages across work items and across
// pause/resume cycles. Append-only; safe for concurrent use since providers
// may emit messages from their own goroutines.
type Report struct {
	Options ReportOptions

	mu       sync.Mutex
	messages []Message
}

func NewReport(opts ReportOptions) *Report {
	return &Report{Options: opts}
}

func (r *Report) Add(m Message) {
	if r == nil {
		return
	}
	if m.Time.IsZero() {
		m.Time = time.Now()
	}
	r.mu.Lock()
	r.messages = append(r.messages, m)
	r.mu.Unlock()
}

func (r *Report) AddAll(ms []Message) {
	if r == nil || len(ms) == 0 {
		return
	}
	r.mu.Lock()
	r.messages = append(r.messages, ms...)
	r.mu.Unlock()
}

func (r *Report) Messages() []Message {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

func (r *Report) Empty() bool {
	if r == nil {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages) == 0
}
