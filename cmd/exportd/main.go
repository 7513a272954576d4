// Command exportd runs the data export scheduler daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"exportd/internal/config"
	"exportd/internal/dataexport"
	"exportd/internal/dataexport/service"
	"exportd/internal/dataexport/sqlite"
	"exportd/internal/eventbus"
	"exportd/internal/filestore"
	"exportd/internal/notify"
	obspprof "exportd/internal/observability/pprof"
	"exportd/internal/providers/localdir"
	logx "exportd/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./exportd.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	mgr := config.NewConfigManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(loggingConfig(cfg))
	defer logSvc.Close()
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	svcCfg, err := schedulerConfig(cfg.DataExport)
	if err != nil {
		return err
	}
	storeOpts, err := storeOptions(cfg, svcCfg)
	if err != nil {
		return err
	}

	store, err := sqlite.Open(storeOpts, log.With(logx.String("comp", "store")))
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	defer store.Close()

	files, err := filestore.OpenDisk(cfg.FileStore.Dir, log.With(logx.String("comp", "filestore")))
	if err != nil {
		return fmt.Errorf("open file store: %w", err)
	}

	bus := eventbus.New()

	registry := dataexport.NewRegistry()
	if lc := cfg.Providers.LocalDir; lc != nil {
		registry.Register(localdir.New(lc.Root, lc.BatchSize, log.With(logx.String("comp", "localdir"))))
	}

	noteCfg, err := notifierConfig(cfg.Notifier)
	if err != nil {
		return err
	}
	dispatcher := notify.New(noteCfg, nil, store, bus, log.With(logx.String("comp", "notify")))
	dispatcher.Start(ctx)

	sched, err := service.New(svcCfg, service.Deps{
		Store:     store,
		Lock:      store.CleanupLock(),
		Files:     files,
		Providers: registry,
		Notifier:  dispatcher,
		Bus:       bus,
		Log:       log.With(logx.String("comp", "scheduler")),
	})
	if err != nil {
		return err
	}
	sched.Start(ctx)

	pprofCfg, err := pprofConfig(cfg.Pprof)
	if err != nil {
		return err
	}
	pprofSvc := obspprof.New(pprofCfg, log.With(logx.String("comp", "pprof")))
	pprofSvc.Start(ctx)

	// Hot-reload: logging and pprof apply live; scheduler and store changes
	// need a restart and are only reported.
	go func() { _ = mgr.Watch(ctx) }()
	sub := mgr.Subscribe(4)
	defer mgr.Unsubscribe(sub)
	go func() {
		prev := cfg
		for next := range sub {
			changed, attrs := config.SummarizeConfigChange(prev, next)
			if len(changed) == 0 {
				continue
			}
			log.Info("config reloaded", append(attrs, logx.Any("sections", changed))...)
			logSvc.Apply(loggingConfig(next))
			if pc, perr := pprofConfig(next.Pprof); perr == nil {
				pprofSvc.Reconfigure(ctx, pc)
			} else {
				log.Warn("pprof config rejected", logx.Err(perr))
			}
			prev = next
		}
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	startWatchdog(ctx, log)

	log.Info("exportd running",
		logx.Bool("export_enabled", svcCfg.Enabled),
		logx.Any("modules", registry.Modules()),
	)

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	sched.Stop(stopCtx)
	dispatcher.Stop(stopCtx)
	pprofSvc.Stop(stopCtx)
	return nil
}

// startWatchdog pings the systemd watchdog at half its interval when enabled.
func startWatchdog(ctx context.Context, log logx.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	log.Debug("systemd watchdog enabled", logx.Duration("interval", interval))
	go func() {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()
}

func loggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func schedulerConfig(dc config.DataExportConfig) (service.Config, error) {
	out := service.Config{
		Enabled:                  dc.Enabled,
		Concurrency:              dc.Concurrency,
		DefaultMaxFileSize:       dc.DefaultMaxFileSize,
		Schedule:                 dc.Schedule,
		AllowPausingRunningTasks: dc.AllowPausingRunningTasks,
		AddDiagnosticsReport:     dc.AddDiagnosticsReport,
		IncludePermissionDenied:  dc.IncludePermissionDenied,
	}
	var err error
	if out.CheckFrequency, err = config.ParseDurationField("data_export.check_frequency", dc.CheckFrequency); err != nil {
		return out, err
	}
	if out.AbortCheckFrequency, err = config.ParseDurationField("data_export.abort_check_frequency", dc.AbortCheckFrequency); err != nil {
		return out, err
	}
	if out.ExpirationTime, err = config.ParseDurationField("data_export.expiration_time", dc.ExpirationTime); err != nil {
		return out, err
	}
	if out.MaxProcessingTime, err = config.ParseDurationField("data_export.max_processing_time", dc.MaxProcessingTime); err != nil {
		return out, err
	}
	if out.MaxTimeToLive, err = config.ParseDurationField("data_export.max_time_to_live", dc.MaxTimeToLive); err != nil {
		return out, err
	}
	return out, nil
}

func storeOptions(cfg *config.Config, svcCfg service.Config) (sqlite.Options, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return sqlite.Options{}, err
	}
	return sqlite.Options{
		Path:             cfg.Storage.Path,
		BusyTimeout:      busy,
		MaxTimeToLive:    svcCfg.MaxTimeToLive,
		ProcessingExpiry: svcCfg.ExpirationTime,
		NodeID:           cfg.DataExport.NodeID,
	}, nil
}

func notifierConfig(nc *config.NotifierConfig) (notify.Config, error) {
	if nc == nil {
		return notify.Config{}, nil
	}
	out := notify.Config{
		Workers:    nc.Workers,
		QueueSize:  nc.QueueSize,
		RatePerSec: nc.RatePerSec,
		RetryMax:   nc.RetryMax,
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", nc.RetryBase); err != nil {
		return out, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay); err != nil {
		return out, err
	}
	return out, nil
}

func pprofConfig(pc config.PprofConfig) (obspprof.Config, error) {
	out := obspprof.Config{
		Enabled:              pc.Enabled,
		Addr:                 pc.Addr,
		Prefix:               pc.Prefix,
		Token:                pc.Token,
		AllowInsecure:        pc.AllowInsecure,
		MutexProfileFraction: pc.MutexProfileFraction,
		BlockProfileRate:     pc.BlockProfileRate,
		MemProfileRate:       pc.MemProfileRate,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationField("pprof.read_timeout", pc.ReadTimeout); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("pprof.write_timeout", pc.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationField("pprof.idle_timeout", pc.IdleTimeout); err != nil {
		return out, err
	}
	return out, nil
}
