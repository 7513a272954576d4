package dataexport

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

var (
	// ErrNoModules: a submission named no modules to export.
	ErrNoModules = errors.New("no modules specified")

	// ErrNoSuchTask: the account has no export task.
	ErrNoSuchTask = errors.New("no such data export task")

	// ErrTaskTerminal: the requested transition is not allowed on a
	// DONE/FAILED task.
	ErrTaskTerminal = errors.New("data export task already terminated")

	// ErrFileStoreUnreachable: the destination artifact store could not be
	// verified at submission time.
	ErrFileStoreUnreachable = errors.New("file store unreachable")

	// ErrNoResultFiles: archive assembly found no artifact from any module.
	ErrNoResultFiles = errors.New("no result file generated")

	// ErrAborted signals that the current job was aborted; it is control
	// flow, not a failure, and must end the job with deletion + ABORTED
	// notification.
	ErrAborted = errors.New("data export task aborted")
)

// ErrInvalidFileSize rejects a max-file-size below MinFileSize.
var ErrInvalidFileSize = fmt.Errorf("max file size below minimum of %s", humanize.IBytes(uint64(MinFileSize)))

// FailureDetails serializes an error into the failure payload stored on a
// failed work item.
func FailureDetails(err error) json.RawMessage {
	if err == nil {
		return nil
	}
	b, merr := json.Marshal(struct {
		Message string    `json:"message"`
		Time    time.Time `json:"time"`
	}{Message: err.Error(), Time: time.Now().UTC()})
	if merr != nil {
		return nil
	}
	return b
}

// NoSuchProviderError: no provider is registered for a requested module.
type NoSuchProviderError struct {
	Module string
}

func (e *NoSuchProviderError) Error() string {
	return fmt.Sprintf("no data export provider for module %q", e.Module)
}
