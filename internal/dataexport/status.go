package dataexport

// Status is the lifecycle state of a task or of a single work item.
//
// Terminal states are Done, Failed and Aborted. Only a Running task may be
// paused or aborted; Done/Failed tasks are immutable except for deletion.
type Status string

const (
	// StatusNone means "no such task" on status reads.
	StatusNone Status = ""

	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusPaused  Status = "PAUSED"
	StatusDone    Status = "DONE"
	StatusFailed  Status = "FAILED"
	StatusAborted Status = "ABORTED"
)

func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusAborted
}

func (s Status) Aborted() bool { return s == StatusAborted }
func (s Status) Done() bool    { return s == StatusDone }
func (s Status) Failed() bool  { return s == StatusFailed }
