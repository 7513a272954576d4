package service

import (
	"time"

	"exportd/internal/dataexport"
)

// Config holds the scheduler knobs. Zero values are replaced by defaults at
// Start.
type Config struct {
	Enabled bool

	// Concurrency caps how many executions this node runs at once.
	Concurrency int

	// CheckFrequency is the dispatch tick interval.
	CheckFrequency time.Duration

	// AbortCheckFrequency is the housekeeping tick interval (stop aborted
	// executions, expiry sweep, pending notifications).
	AbortCheckFrequency time.Duration

	// ExpirationTime is how long a running task may go untouched before other
	// nodes treat it as orphaned. Executions re-touch at half this interval.
	ExpirationTime time.Duration

	// MaxProcessingTime pauses an execution that has run this long so the
	// task rotates to another node. <= 0 disables the limit.
	MaxProcessingTime time.Duration

	// MaxTimeToLive is how long finished tasks and their artifacts are kept.
	MaxTimeToLive time.Duration

	// DefaultMaxFileSize is used when a submission does not cap the result
	// archive part size.
	DefaultMaxFileSize int64

	// Schedule restricts dispatch to ranges of the week, e.g.
	// "Mon-Fri 22:00-24:00; Sat,Sun". Empty means always.
	Schedule string

	// AllowPausingRunningTasks also stops running executions when the
	// schedule window closes, instead of only blocking new dispatch.
	AllowPausingRunningTasks bool

	// AddDiagnosticsReport collects provider messages into a report entry of
	// the result archive.
	AddDiagnosticsReport bool

	// IncludePermissionDenied keeps permission-denied diagnostics, which are
	// dropped by default.
	IncludePermissionDenied bool
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.CheckFrequency <= 0 {
		c.CheckFrequency = 5 * time.Minute
	}
	if c.AbortCheckFrequency <= 0 {
		c.AbortCheckFrequency = 2 * time.Minute
	}
	if c.ExpirationTime <= 0 {
		c.ExpirationTime = 10 * time.Minute
	}
	if c.MaxTimeToLive <= 0 {
		c.MaxTimeToLive = 14 * 24 * time.Hour
	}
	if c.DefaultMaxFileSize <= 0 {
		c.DefaultMaxFileSize = 1 << 30
	}
	if c.DefaultMaxFileSize < dataexport.MinFileSize {
		c.DefaultMaxFileSize = dataexport.MinFileSize
	}
	return c
}
