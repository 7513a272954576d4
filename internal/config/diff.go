package config

import (
	"reflect"
	"sort"
	"strings"

	logx "exportd/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus safe
// structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	if oldCfg.FileStore != newCfg.FileStore {
		changed = append(changed, "filestore")
		attrs = append(attrs,
			logx.Bool("filestore.dir_set", strings.TrimSpace(newCfg.FileStore.Dir) != ""),
		)
	}

	if oldCfg.DataExport != newCfg.DataExport {
		changed = append(changed, "data_export")
		attrs = append(attrs,
			logx.Bool("data_export.enabled", newCfg.DataExport.Enabled),
			logx.Int("data_export.concurrency", newCfg.DataExport.Concurrency),
			logx.String("data_export.check_frequency", strings.TrimSpace(newCfg.DataExport.CheckFrequency)),
			logx.String("data_export.schedule", strings.TrimSpace(newCfg.DataExport.Schedule)),
			logx.Bool("data_export.allow_pausing", newCfg.DataExport.AllowPausingRunningTasks),
		)
	}

	// Notifier section may be nil (omitted); nil means runtime defaults.
	oldN, newN := oldCfg.Notifier, newCfg.Notifier
	if (oldN == nil) != (newN == nil) || (oldN != nil && !reflect.DeepEqual(*oldN, *newN)) {
		changed = append(changed, "notifier")
		if newN != nil {
			attrs = append(attrs,
				logx.Int("notifier.workers", newN.Workers),
				logx.Int("notifier.queue_size", newN.QueueSize),
				logx.Int("notifier.rate_per_sec", newN.RatePerSec),
				logx.Int("notifier.retry_max", newN.RetryMax),
			)
		}
	}

	// Pprof (never log token)
	if oldCfg.Pprof != newCfg.Pprof {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
			logx.Bool("pprof.allow_insecure", newCfg.Pprof.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
