// Package service runs the data export scheduler: it claims submitted tasks
// under the cluster cleanup lock, drives their work items through registered
// providers, and owns the pause/abort and expiry housekeeping.
package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"exportd/internal/dataexport"
	"exportd/internal/dataexport/archive"
	"exportd/internal/eventbus"
	"exportd/internal/filestore"
	logx "exportd/pkg/logx"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

var ErrDisabled = errors.New("data export disabled")

// Deps are the scheduler's collaborators.
type Deps struct {
	Store     dataexport.Storage
	Lock      dataexport.CleanupLock
	Files     filestore.Store
	Providers *dataexport.Registry
	Notifier  dataexport.Notifier
	Bus       eventbus.Bus
	Log       logx.Logger
}

// Scheduler is the cluster-aware dispatch loop plus the user-facing task API.
type Scheduler struct {
	mu      sync.Mutex
	cfg     Config
	windows Windows

	store     dataexport.Storage
	lock      dataexport.CleanupLock
	files     filestore.Store
	providers *dataexport.Registry
	notifier  dataexport.Notifier
	bus       eventbus.Bus
	log       logx.Logger
	assembler *archive.Assembler

	c         *cron.Cron
	stopCh    chan struct{}
	stopDone  chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc

	execMu     sync.Mutex
	executions map[uuid.UUID]*execution
	execWG     sync.WaitGroup
}

func New(cfg Config, d Deps) (*Scheduler, error) {
	cfg = cfg.withDefaults()
	w, err := ParseWindows(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse schedule: %w", err)
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return &Scheduler{
		cfg:        cfg,
		windows:    w,
		store:      d.Store,
		lock:       d.Lock,
		files:      d.Files,
		providers:  d.Providers,
		notifier:   d.Notifier,
		bus:        d.Bus,
		log:        d.Log,
		assembler:  archive.NewAssembler(d.Files, d.Log),
		executions: map[uuid.UUID]*execution{},
	}, nil
}

// Enabled reports the config flag.
func (s *Scheduler) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Scheduler) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start begins the dispatch and housekeeping ticks. Idempotent; if a Stop is
// in progress it waits for it first.
func (s *Scheduler) Start(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		if done == nil {
			// already running
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()

	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	cfg := s.cfg

	s.c = cron.New()
	s.addTick(cfg.CheckFrequency, "dispatch", s.tick)
	s.addTick(cfg.AbortCheckFrequency, "housekeeping", s.abortTick)
	s.c.Start()

	s.log.Info("scheduler started",
		logx.Bool("enabled", cfg.Enabled),
		logx.Int("concurrency", cfg.Concurrency),
		logx.Duration("check_frequency", cfg.CheckFrequency),
		logx.Bool("windowed", !s.windows.Always()),
	)
}

func (s *Scheduler) addTick(every time.Duration, name string, fn func()) {
	_, err := s.c.AddFunc(fmt.Sprintf("@every %s", every), func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in scheduler tick",
					logx.String("tick", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		fn()
	})
	if err != nil {
		// "@every <duration>" cannot fail to parse for a positive duration.
		s.log.Error("could not register tick", logx.String("tick", name), logx.Err(err))
	}
}

// Stop halts the ticks, pauses running executions and waits for them until
// ctx expires.
func (s *Scheduler) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	c := s.c
	s.c = nil
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
	if c != nil {
		<-c.Stop().Done()
	}

	// Pause live executions so their tasks become claimable elsewhere, then
	// force-interrupt whatever does not yield in time.
	s.stopAll(stopPause, "scheduler stopping")

	go func() {
		s.execWG.Wait()
		if cancel != nil {
			cancel()
		}
		s.mu.Lock()
		s.stopCh = nil
		s.runCtx = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
	}
}

// tick is the dispatch pass: gated by the schedule window, serialized across
// the cluster by the cleanup lock.
func (s *Scheduler) tick() {
	s.mu.Lock()
	cfg := s.cfg
	w := s.windows
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil || !cfg.Enabled {
		return
	}

	if !w.Open(time.Now()) {
		if cfg.AllowPausingRunningTasks {
			s.stopAll(stopPause, "schedule window closed")
		}
		return
	}

	acq, err := s.lock.TryAcquire(ctx)
	if err != nil {
		s.log.Warn("cleanup lock acquisition failed", logx.Err(err))
		return
	}
	if !acq.Acquired {
		s.log.Debug("cleanup lock held elsewhere; skipping tick")
		return
	}
	defer func() {
		if err := s.lock.Release(ctx, acq); err != nil {
			s.log.Warn("cleanup lock release failed", logx.Err(err))
		}
	}()

	for s.liveCount() < cfg.Concurrency {
		job, err := s.store.ClaimNextJob(ctx)
		if err != nil {
			s.log.Warn("claim failed", logx.Err(err))
			return
		}
		if job == nil {
			return
		}
		s.startExecution(ctx, job)
	}
}

// abortTick is the housekeeping pass: stop executions whose tasks were
// aborted, sweep expired tasks, send the notifications the sweep surfaced.
func (s *Scheduler) abortTick() {
	s.mu.Lock()
	cfg := s.cfg
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil || !cfg.Enabled {
		return
	}

	for _, e := range s.liveExecutions() {
		t := e.currentTask()
		if t == nil {
			continue
		}
		st, err := s.store.Status(ctx, t.Account)
		if err != nil {
			s.log.Warn("status check failed", logx.Int("user", t.Account.UserID), logx.Err(err))
			continue
		}
		if st.Aborted() {
			e.stop(stopAbort, "task aborted")
		}
	}

	acq, err := s.lock.TryAcquire(ctx)
	if err != nil || !acq.Acquired {
		return
	}
	defer func() { _ = s.lock.Release(ctx, acq) }()

	expired, err := s.store.DeleteExpiredTasks(ctx)
	if err != nil {
		s.log.Warn("expiry sweep failed", logx.Err(err))
		return
	}
	for _, ex := range expired {
		s.deleteBlobs(ctx, ex.Locations)
		s.log.Info("expired task removed",
			logx.String("task", ex.Info.TaskID.String()),
			logx.Int("user", ex.Info.Account.UserID),
			logx.String("status", string(ex.Info.Status)),
		)
		if !ex.NeedsNotification {
			continue
		}
		reason := dataexport.ReasonAborted
		var expiresAt time.Time
		switch {
		case ex.Info.Status.Done():
			reason = dataexport.ReasonSuccess
			expiresAt = time.Now().Add(cfg.MaxTimeToLive)
			if !ex.LastAccessed.IsZero() {
				expiresAt = ex.LastAccessed.Add(cfg.MaxTimeToLive)
			}
		case ex.Info.Status.Failed():
			reason = dataexport.ReasonFailed
		}
		s.notify(ctx, dataexport.Notification{
			Reason:    reason,
			TaskID:    ex.Info.TaskID,
			Account:   ex.Info.Account,
			CreatedAt: time.Now(),
			ExpiresAt: expiresAt,
			Host:      ex.Info.Host,
		})
	}
}

// SubmitIfAbsent validates and persists a new export task unless the account
// already has one; the existing task is returned with created=false then.
// A leftover ABORTED task is removed and replaced.
func (s *Scheduler) SubmitIfAbsent(ctx context.Context, args dataexport.Arguments, acct dataexport.Account) (*dataexport.Task, bool, error) {
	cfg := s.config()
	if !cfg.Enabled {
		return nil, false, ErrDisabled
	}
	if len(args.Modules) == 0 {
		return nil, false, dataexport.ErrNoModules
	}
	if args.MaxFileSize == 0 {
		args.MaxFileSize = cfg.DefaultMaxFileSize
	}
	if args.MaxFileSize < dataexport.MinFileSize {
		return nil, false, dataexport.ErrInvalidFileSize
	}
	if err := s.files.Ping(ctx); err != nil {
		return nil, false, fmt.Errorf("%w: %v", dataexport.ErrFileStoreUnreachable, err)
	}

	// Keep only the modules that apply to this account.
	modules := make([]string, 0, len(args.Modules))
	for _, m := range args.Modules {
		p, ok := s.providers.Get(m)
		if !ok {
			return nil, false, &dataexport.NoSuchProviderError{Module: m}
		}
		applies, err := p.CheckArguments(ctx, args, acct)
		if err != nil {
			return nil, false, fmt.Errorf("check arguments for module %s: %w", m, err)
		}
		if applies {
			modules = append(modules, m)
		}
	}
	if len(modules) == 0 {
		return nil, false, dataexport.ErrNoModules
	}
	args.Modules = modules

	t := s.newTask(args, acct)
	created, err := s.store.CreateIfAbsent(ctx, t)
	if err != nil {
		return nil, false, err
	}
	if !created {
		existing, err := s.store.Task(ctx, acct)
		if err != nil {
			return nil, false, err
		}
		if existing == nil || !existing.Status.Aborted() {
			if existing != nil {
				existing.RepairStatus()
			}
			return existing, false, nil
		}
		// The previous task was aborted but not yet swept; replace it.
		if err := s.removeTask(ctx, existing); err != nil {
			return nil, false, err
		}
		t = s.newTask(args, acct)
		if created, err = s.store.CreateIfAbsent(ctx, t); err != nil {
			return nil, false, err
		}
		if !created {
			existing, err := s.store.Task(ctx, acct)
			return existing, false, err
		}
	}
	s.publish("export.task.submitted", t.ID, acct, nil)
	s.log.Info("task submitted",
		logx.String("task", t.ID.String()),
		logx.Int("user", acct.UserID), logx.Int("context", acct.ContextID),
		logx.Any("modules", args.Modules),
	)
	return t, true, nil
}

func (s *Scheduler) newTask(args dataexport.Arguments, acct dataexport.Account) *dataexport.Task {
	t := &dataexport.Task{
		ID:        uuid.New(),
		Account:   acct,
		Status:    dataexport.StatusPending,
		CreatedAt: time.Now(),
		Arguments: args,
	}
	for _, m := range args.Modules {
		t.WorkItems = append(t.WorkItems, dataexport.WorkItem{
			ID:     uuid.New(),
			Module: m,
			Status: dataexport.StatusPending,
		})
	}
	return t
}

// Cancel aborts the account's task. A task that already completed or failed
// cannot be aborted.
func (s *Scheduler) Cancel(ctx context.Context, acct dataexport.Account) error {
	t, err := s.store.Task(ctx, acct)
	if err != nil {
		return err
	}
	if t == nil {
		return dataexport.ErrNoSuchTask
	}
	if t.Status.Done() || t.Status.Failed() {
		return dataexport.ErrTaskTerminal
	}
	if t.Status.Aborted() {
		return nil
	}
	prior := t.Status
	aborted, err := s.store.MarkAborted(ctx, t.ID, acct)
	if err != nil {
		return err
	}
	if !aborted {
		return nil
	}
	s.publish("export.task.aborted", t.ID, acct, nil)

	if e := s.executionForTask(t.ID); e != nil {
		// The execution notices and finalizes: delete + ABORTED notification.
		e.stop(stopAbort, "canceled by user")
		return nil
	}
	if prior == dataexport.StatusPending || prior == dataexport.StatusPaused {
		// Nothing is running it anywhere; finalize here.
		t.Status = dataexport.StatusAborted
		s.finalizeAborted(ctx, t)
	}
	return nil
}

// CancelAll aborts every non-terminal task of the context.
func (s *Scheduler) CancelAll(ctx context.Context, contextID int) error {
	tasks, err := s.store.TasksForContext(ctx, contextID)
	if err != nil {
		return err
	}
	var firstErr error
	for i := range tasks {
		if tasks[i].Status.Terminal() {
			continue
		}
		if err := s.Cancel(ctx, tasks[i].Account); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GetTask returns the account's task, or ErrNoSuchTask.
func (s *Scheduler) GetTask(ctx context.Context, acct dataexport.Account) (*dataexport.Task, error) {
	t, err := s.store.Task(ctx, acct)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, dataexport.ErrNoSuchTask
	}
	t.RepairStatus()
	return t, nil
}

// GetTasks returns all tasks of a context.
func (s *Scheduler) GetTasks(ctx context.Context, contextID int) ([]dataexport.Task, error) {
	tasks, err := s.store.TasksForContext(ctx, contextID)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		tasks[i].RepairStatus()
	}
	return tasks, nil
}

// Status returns the account's task status, StatusNone when there is none.
func (s *Scheduler) Status(ctx context.Context, acct dataexport.Account) (dataexport.Status, error) {
	return s.store.Status(ctx, acct)
}

// ResultFiles lists the parts of a completed export.
func (s *Scheduler) ResultFiles(ctx context.Context, acct dataexport.Account) ([]dataexport.ResultFile, error) {
	return s.store.ResultFiles(ctx, acct)
}

// OpenResult opens one result part for download and refreshes the task's
// retention clock.
func (s *Scheduler) OpenResult(ctx context.Context, acct dataexport.Account, number int) (filestore.Blob, error) {
	t, err := s.store.Task(ctx, acct)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, dataexport.ErrNoSuchTask
	}
	if !t.Status.Done() {
		return nil, fmt.Errorf("task is %s, not %s", t.Status, dataexport.StatusDone)
	}
	files, err := s.store.ResultFiles(ctx, acct)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if f.Number != number {
			continue
		}
		blob, err := s.files.Open(ctx, f.Location)
		if err != nil {
			return nil, err
		}
		if err := s.store.Touch(ctx, acct); err != nil {
			s.log.Warn("touch on download failed", logx.Int("user", acct.UserID), logx.Err(err))
		}
		return blob, nil
	}
	return nil, fmt.Errorf("no result file %d", number)
}

// DeleteTask removes a terminal task with all its blobs.
func (s *Scheduler) DeleteTask(ctx context.Context, acct dataexport.Account) error {
	t, err := s.store.Task(ctx, acct)
	if err != nil {
		return err
	}
	if t == nil {
		return dataexport.ErrNoSuchTask
	}
	if !t.Status.Terminal() {
		return dataexport.ErrTaskTerminal
	}
	return s.removeTask(ctx, t)
}

// AvailableModules lists the registered provider modules.
func (s *Scheduler) AvailableModules() []string {
	return s.providers.Modules()
}

// removeTask deletes the task's rows and blobs without notifying. The
// caller's snapshot may predate work items finishing, so the artifact
// locations are re-read from the store before the rows go away.
func (s *Scheduler) removeTask(ctx context.Context, t *dataexport.Task) error {
	fresh, err := s.store.Task(ctx, t.Account)
	if err != nil {
		return err
	}
	if fresh == nil || fresh.ID != t.ID {
		// Already gone, or replaced by a newer task.
		return nil
	}
	locations := make([]string, 0, len(fresh.WorkItems))
	for _, item := range fresh.WorkItems {
		if item.Location != "" {
			locations = append(locations, item.Location)
		}
	}
	if files, err := s.store.ResultFiles(ctx, t.Account); err == nil {
		for _, f := range files {
			locations = append(locations, f.Location)
		}
	}
	if _, err := s.store.DeleteTask(ctx, t.Account); err != nil {
		return err
	}
	s.deleteBlobs(ctx, locations)
	return nil
}

// finalizeAborted removes an aborted task and sends its ABORTED notification.
func (s *Scheduler) finalizeAborted(ctx context.Context, t *dataexport.Task) {
	if err := s.removeTask(ctx, t); err != nil {
		s.log.Warn("could not remove aborted task",
			logx.String("task", t.ID.String()), logx.Err(err))
		return
	}
	s.notify(ctx, dataexport.Notification{
		Reason:    dataexport.ReasonAborted,
		TaskID:    t.ID,
		Account:   t.Account,
		CreatedAt: time.Now(),
		Host:      t.Arguments.Host,
	})
}

func (s *Scheduler) deleteBlobs(ctx context.Context, locations []string) {
	for _, loc := range locations {
		if err := s.files.Delete(ctx, loc); err != nil && !errors.Is(err, filestore.ErrNotFound) {
			s.log.Warn("could not delete blob", logx.String("location", loc), logx.Err(err))
		}
	}
}

// notify is best-effort; delivery failures are logged, never propagated.
func (s *Scheduler) notify(ctx context.Context, n dataexport.Notification) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.SendAndMark(ctx, n); err != nil {
		s.log.Warn("notification dispatch failed",
			logx.String("task", n.TaskID.String()), logx.String("reason", string(n.Reason)), logx.Err(err))
	}
}

func (s *Scheduler) publish(typ string, taskID uuid.UUID, acct dataexport.Account, extra map[string]any) {
	if s.bus == nil {
		return
	}
	data := map[string]any{
		"task":    taskID.String(),
		"user":    acct.UserID,
		"context": acct.ContextID,
	}
	for k, v := range extra {
		data[k] = v
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

func (s *Scheduler) startExecution(ctx context.Context, job dataexport.Job) {
	e := newExecution(s, job)
	s.execMu.Lock()
	s.executions[e.id] = e
	s.execMu.Unlock()
	s.execWG.Add(1)
	go func() {
		defer s.execWG.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in execution",
					logx.String("processing", e.id.String()), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
			s.removeExecution(e)
		}()
		// Desynchronize starts across nodes sharing the store.
		if !sleepCtx(ctx, jitter(25*time.Millisecond, 250*time.Millisecond)) {
			return
		}
		e.run(ctx)
	}()
}

func (s *Scheduler) removeExecution(e *execution) {
	s.execMu.Lock()
	delete(s.executions, e.id)
	s.execMu.Unlock()
}

func (s *Scheduler) liveCount() int {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	return len(s.executions)
}

func (s *Scheduler) liveExecutions() []*execution {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	out := make([]*execution, 0, len(s.executions))
	for _, e := range s.executions {
		out = append(out, e)
	}
	return out
}

func (s *Scheduler) executionForTask(taskID uuid.UUID) *execution {
	for _, e := range s.liveExecutions() {
		if t := e.currentTask(); t != nil && t.ID == taskID {
			return e
		}
	}
	return nil
}

// stopAll asks every live execution to yield.
func (s *Scheduler) stopAll(reason stopReason, why string) {
	for _, e := range s.liveExecutions() {
		e.stop(reason, why)
	}
}
