package dataexport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Job is the runtime pairing of a claimed task with a cursor over its
// remaining work items. A Job is owned by exactly one execution and is not
// safe for concurrent use.
type Job interface {
	Task() *Task

	// NextWorkItem returns the next unfinished work item in submission
	// order, or nil when none remain.
	NextWorkItem(ctx context.Context) (*WorkItem, error)
}

// Storage is the persistent source of truth for tasks, work items, savepoints
// and result files. Implementations must provide atomic ClaimNextJob and
// CreateIfAbsent semantics; the scheduling core assumes but does not enforce
// that atomicity.
type Storage interface {
	// CreateIfAbsent persists the task unless the account already has one.
	CreateIfAbsent(ctx context.Context, t *Task) (bool, error)

	// ClaimNextJob atomically picks the next eligible task (pending, paused
	// and due, or running but expired) and marks it running. Returns nil
	// when nothing is eligible.
	ClaimNextJob(ctx context.Context) (Job, error)

	// Task returns the account's task with its work items, or nil.
	Task(ctx context.Context, acct Account) (*Task, error)
	TasksForContext(ctx context.Context, contextID int) ([]Task, error)
	Status(ctx context.Context, acct Account) (Status, error)

	MarkAborted(ctx context.Context, taskID uuid.UUID, acct Account) (bool, error)
	MarkPaused(ctx context.Context, taskID uuid.UUID, acct Account) error
	MarkDone(ctx context.Context, taskID uuid.UUID, acct Account) error
	MarkFailed(ctx context.Context, taskID uuid.UUID, acct Account) error

	MarkWorkItemDone(ctx context.Context, location string, taskID uuid.UUID, module string, acct Account) error
	MarkWorkItemPaused(ctx context.Context, location string, taskID uuid.UUID, module string, acct Account) error
	MarkWorkItemFailed(ctx context.Context, failure json.RawMessage, taskID uuid.UUID, module string, acct Account) error

	Savepoint(ctx context.Context, taskID uuid.UUID, module string, acct Account) (Savepoint, error)
	SetSavepoint(ctx context.Context, taskID uuid.UUID, module string, sp Savepoint, acct Account) error

	// DeleteTask removes the task with its work items, savepoints and all
	// artifact registrations. Reports whether a task existed.
	DeleteTask(ctx context.Context, acct Account) (bool, error)

	// DropIntermediateArtifacts clears the per-item artifact locations after
	// the result archive has been assembled and returns the dropped
	// locations so the caller can delete the underlying files.
	DropIntermediateArtifacts(ctx context.Context, taskID uuid.UUID, acct Account) ([]string, error)

	// Touch refreshes the task's last-touched timestamp (proof of liveness
	// to other nodes' reapers).
	Touch(ctx context.Context, acct Account) error
	LastAccessed(ctx context.Context, acct Account) (time.Time, error)

	AddResultFile(ctx context.Context, taskID uuid.UUID, number int, location string, acct Account) error
	ResultFiles(ctx context.Context, acct Account) ([]ResultFile, error)

	// DeleteExpiredTasks removes aborted tasks and terminal tasks past their
	// time-to-live. The returned records carry whatever the caller still has
	// to do: notify the user, delete orphaned blobs.
	DeleteExpiredTasks(ctx context.Context) ([]Expired, error)
	MarkNotificationSent(ctx context.Context, taskID uuid.UUID, acct Account) error
}

// Expired is one task removed by the expiry sweep.
type Expired struct {
	Info TaskInfo

	// LastAccessed is the removed task's last touch/download timestamp,
	// zero when unknown.
	LastAccessed time.Time

	// NeedsNotification is set when no notification was sent before removal.
	NeedsNotification bool

	// Locations are the artifact and result-file locations the removed rows
	// pointed at; the underlying blobs still exist.
	Locations []string
}

// Acquisition is the token returned by a successful CleanupLock acquisition.
type Acquisition struct {
	Acquired bool
	Token    int64
}

// CleanupLock is the cluster-wide mutual exclusion gating dispatch and
// housekeeping. TryAcquire never blocks; losing the race is a normal outcome.
type CleanupLock interface {
	TryAcquire(ctx context.Context) (Acquisition, error)
	Release(ctx context.Context, a Acquisition) error
}

// Reason tells a user why they are being notified about their export.
type Reason string

const (
	ReasonSuccess Reason = "SUCCESS"
	ReasonFailed  Reason = "FAILED"
	ReasonAborted Reason = "ABORTED"
)

// Notification is one user-facing message about a finished/failed/aborted
// export task.
type Notification struct {
	Reason    Reason
	TaskID    uuid.UUID
	Account   Account
	CreatedAt time.Time
	ExpiresAt time.Time // zero unless Reason is SUCCESS
	Host      HostInfo

	// MarkSent asks the dispatcher to set the notification-sent marker in
	// storage after delivery.
	MarkSent bool
}

// Notifier dispatches user notifications. Implementations are expected to be
// asynchronous and best-effort; the core only logs dispatch failures.
type Notifier interface {
	SendAndMark(ctx context.Context, n Notification) error
}
