package config

// Config is the daemon configuration. Accepted as YAML or JSON; unknown keys
// are rejected so typos surface at load time instead of silently defaulting.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	FileStore FileStoreConfig `json:"filestore"`

	DataExport DataExportConfig `json:"data_export"`

	// Notifier controls the async notification pipeline. Omitted means
	// runtime defaults.
	Notifier *NotifierConfig `json:"notifier,omitempty"`

	Providers ProvidersConfig `json:"providers,omitempty"`

	Pprof PprofConfig `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig locates the SQLite task store.
type StorageConfig struct {
	Path string `json:"path"`
	// BusyTimeout is a Go duration string (e.g. "5s").
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// FileStoreConfig locates the artifact blob store.
type FileStoreConfig struct {
	Dir string `json:"dir"`
}

// DataExportConfig controls the export scheduler.
//
// All durations are Go duration strings (e.g. "10s", "5m", "336h").
type DataExportConfig struct {
	Enabled     bool `json:"enabled"`
	Concurrency int  `json:"concurrency,omitempty"`

	CheckFrequency      string `json:"check_frequency,omitempty"`
	AbortCheckFrequency string `json:"abort_check_frequency,omitempty"`
	ExpirationTime      string `json:"expiration_time,omitempty"`
	MaxProcessingTime   string `json:"max_processing_time,omitempty"`
	MaxTimeToLive       string `json:"max_time_to_live,omitempty"`

	// DefaultMaxFileSize caps one result archive part in bytes when a
	// submission does not choose its own cap.
	DefaultMaxFileSize int64 `json:"default_max_file_size,omitempty"`

	// Schedule restricts dispatch to ranges of the week, e.g.
	// "Mon-Fri 22:00-24:00; Sat,Sun". Empty means always.
	Schedule                 string `json:"schedule,omitempty"`
	AllowPausingRunningTasks bool   `json:"allow_pausing_running_tasks,omitempty"`

	AddDiagnosticsReport    bool `json:"add_diagnostics_report,omitempty"`
	IncludePermissionDenied bool `json:"include_permission_denied,omitempty"`

	// NodeID identifies this node as a cleanup-lock holder. Defaults to
	// hostname-pid.
	NodeID string `json:"node_id,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
//
// All durations are Go duration strings.
type NotifierConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

// ProvidersConfig enables the built-in export providers.
type ProvidersConfig struct {
	LocalDir *LocalDirConfig `json:"localdir,omitempty"`
}

// LocalDirConfig configures the local-directory provider.
type LocalDirConfig struct {
	// Root holds per-account data under <root>/<context_id>/<user_id>/.
	Root string `json:"root"`
	// BatchSize makes the provider yield with a savepoint after this many
	// files. 0 exports everything in one go.
	BatchSize int `json:"batch_size,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}
