package dataexport

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Account identifies the owning user of a task within a tenant context.
type Account struct {
	UserID    int
	ContextID int
}

// HostInfo carries the host a download link should point at. It is opaque to
// the scheduling core and only handed through to notifications.
type HostInfo struct {
	Host   string
	Secure bool
}

// Arguments are the user-supplied parameters of an export request.
type Arguments struct {
	// Modules lists the module identifiers to export, in submission order.
	Modules []string

	// MaxFileSize caps the size of a single result archive part in bytes.
	// 0 means the configured default; a positive value below MinFileSize is
	// rejected at submission.
	MaxFileSize int64

	Locale string
	Host   HostInfo
}

// MinFileSize is the smallest accepted MaxFileSize (512 KiB).
const MinFileSize int64 = 512 * 1024

// WorkItem is one module's export sub-task within a Task.
type WorkItem struct {
	ID     uuid.UUID
	Module string
	Status Status

	// Location is the file-store location of the item's intermediate
	// artifact, empty when the module exported no data (or nothing yet).
	Location string

	// Failure holds the serialized failure detail for a failed item.
	Failure json.RawMessage
}

// Task is a user's end-to-end export request.
type Task struct {
	ID        uuid.UUID
	Account   Account
	Status    Status
	CreatedAt time.Time
	Arguments Arguments
	WorkItems []WorkItem
}

// RepairStatus corrects a task that claims to be DONE while one of its work
// items is not: the task takes the status of the first non-done item. The
// correction is in-memory; the store record heals on the next claim.
func (t *Task) RepairStatus() {
	if t == nil || t.Status != StatusDone || len(t.WorkItems) == 0 {
		return
	}
	for _, item := range t.WorkItems {
		if item.Status != StatusDone {
			t.Status = item.Status
			return
		}
	}
}

// TaskInfo is the slim view returned by expiry sweeps: enough to decide and
// address a user notification.
type TaskInfo struct {
	TaskID  uuid.UUID
	Account Account
	Status  Status
	Host    HostInfo
}

// ResultFile points at one size-bounded part of the final export archive.
type ResultFile struct {
	Number   int
	Location string
}
