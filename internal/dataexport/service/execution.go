package service

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"exportd/internal/dataexport"
	"exportd/internal/dataexport/archive"
	logx "exportd/pkg/logx"

	"github.com/google/uuid"
)

type stopReason int

const (
	stopNone stopReason = iota
	stopPause
	stopAbort
)

// errYielded ends a job early after the stop path has already done the
// pause/abort bookkeeping.
var errYielded = errors.New("execution yielded")

// activeItem is the provider call currently in flight, published so the stop
// path can reach the sink and provider of the running item.
type activeItem struct {
	provider dataexport.Provider
	sink     *archive.Sink
	task     *dataexport.Task
	module   string
}

// execution drives claimed jobs on one goroutine. After finishing a job it
// keeps draining further claimable tasks until none remain.
type execution struct {
	id  uuid.UUID // processing ID, passed to providers
	s   *Scheduler
	log logx.Logger

	ctx    context.Context
	cancel context.CancelFunc

	report *dataexport.Report

	stopMu sync.Mutex
	reason stopReason

	taskMu sync.Mutex
	task   *dataexport.Task
	cur    *activeItem

	job dataexport.Job
}

func newExecution(s *Scheduler, job dataexport.Job) *execution {
	id := uuid.New()
	return &execution{
		id:  id,
		s:   s,
		log: s.log.With(logx.String("processing", id.String())),
		job: job,
	}
}

func (e *execution) run(parent context.Context) {
	e.ctx, e.cancel = context.WithCancel(parent)
	defer e.cancel()

	job := e.job
	for job != nil {
		e.handleJob(job)
		if e.stopReason() != stopNone || e.ctx.Err() != nil {
			return
		}
		// Brief jittered pause between claims so concurrent executions do
		// not hammer the store in lockstep.
		if !sleepCtx(e.ctx, jitter(time.Second, 6*time.Second)) {
			return
		}
		next, err := e.s.store.ClaimNextJob(e.ctx)
		if err != nil {
			e.log.Warn("drain claim failed", logx.Err(err))
			return
		}
		job = next
	}
}

func (e *execution) handleJob(job dataexport.Job) {
	t := job.Task()
	cfg := e.s.config()
	log := e.log.With(
		logx.String("task", t.ID.String()),
		logx.Int("user", t.Account.UserID),
		logx.Int("context", t.Account.ContextID),
	)
	e.setTask(t)
	defer e.setTask(nil)

	e.report = dataexport.NewReport(dataexport.ReportOptions{
		Enabled:                 cfg.AddDiagnosticsReport,
		IncludePermissionDenied: cfg.IncludePermissionDenied,
	})

	stopTimers := e.startTimers(t.Account, cfg)
	defer stopTimers()

	e.s.publish("export.task.started", t.ID, t.Account, map[string]any{"processing": e.id.String()})
	log.Info("task execution started", logx.Int("work_items", len(t.WorkItems)))

	// The task may have been aborted between claim and start.
	if st, err := e.s.store.Status(e.ctx, t.Account); err == nil && st.Aborted() {
		e.finalizeAborted(t)
		return
	}

	for {
		item, err := e.job.NextWorkItem(e.ctx)
		if err != nil {
			e.fail(log, t, err)
			return
		}
		if item == nil {
			e.complete(log, t, cfg)
			return
		}
		if err := e.handleWorkItem(log, t, item); err != nil {
			switch {
			case errors.Is(err, dataexport.ErrAborted):
				e.finalizeAborted(t)
			case errors.Is(err, errYielded):
				if e.stopReason() == stopAbort {
					e.finalizeAborted(t)
				}
				log.Info("task execution yielded")
			default:
				e.fail(log, t, err)
			}
			return
		}
		// Re-read the status after every item: aborts must win promptly.
		st, serr := e.s.store.Status(e.ctx, t.Account)
		if serr == nil && st.Aborted() {
			e.finalizeAborted(t)
			return
		}
		if r := e.stopReason(); r != stopNone {
			if r == stopAbort {
				e.finalizeAborted(t)
			}
			return
		}
	}
}

// finalizeAborted runs off the execution context: an abort stop cancels e.ctx,
// and the delete + notification must still go through.
func (e *execution) finalizeAborted(t *dataexport.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	e.s.finalizeAborted(ctx, t)
}

// handleWorkItem runs one module export. A nil return means "continue with
// the next item", also after an isolated item failure; a non-nil return ends
// the job.
func (e *execution) handleWorkItem(log logx.Logger, t *dataexport.Task, item *dataexport.WorkItem) error {
	acct := t.Account
	p, ok := e.s.providers.Get(item.Module)
	if !ok {
		// A missing provider is a deployment fault, not a data problem: fail
		// the item and the whole job.
		err := &dataexport.NoSuchProviderError{Module: item.Module}
		if merr := e.s.store.MarkWorkItemFailed(e.ctx, dataexport.FailureDetails(err), t.ID, item.Module, acct); merr != nil {
			log.Warn("could not mark work item failed", logx.String("module", item.Module), logx.Err(merr))
		}
		e.dropPriorArtifact(item)
		return err
	}

	sp, err := e.s.store.Savepoint(e.ctx, t.ID, item.Module, acct)
	if err != nil {
		return err
	}
	e.report.AddAll(sp.Report)

	sink := archive.NewSink(e.s.files, e.report, item.Module, item.Location, log)
	e.setCur(&activeItem{provider: p, sink: sink, task: t, module: item.Module})
	res, err := p.Export(e.ctx, e.id, sink, sp.Payload, t)
	e.setCur(nil)

	if err != nil {
		// Item isolation: record the failure and keep going.
		sink.Revoke()
		log.Warn("module export failed", logx.String("module", item.Module), logx.Err(err))
		if merr := e.s.store.MarkWorkItemFailed(e.ctx, dataexport.FailureDetails(err), t.ID, item.Module, acct); merr != nil {
			return merr
		}
		e.dropPriorArtifact(item)
		sink.Message(dataexport.Message{Module: item.Module, Text: "module export failed: " + err.Error()})
		return nil
	}

	switch res.Outcome {
	case dataexport.ExportCompleted:
		location, ferr := sink.Finish(e.ctx)
		if ferr != nil {
			log.Warn("could not finish artifact", logx.String("module", item.Module), logx.Err(ferr))
			if merr := e.s.store.MarkWorkItemFailed(e.ctx, dataexport.FailureDetails(ferr), t.ID, item.Module, acct); merr != nil {
				return merr
			}
			e.dropPriorArtifact(item)
			return nil
		}
		if location == "" {
			log.Info("module exported no data", logx.String("module", item.Module))
			e.report.Add(dataexport.Message{Module: item.Module, Text: "exported no data"})
		}
		if err := e.s.store.MarkWorkItemDone(e.ctx, location, t.ID, item.Module, acct); err != nil {
			return err
		}
		// Drop a now-consumed savepoint from an earlier pause cycle.
		return e.s.store.SetSavepoint(e.ctx, t.ID, item.Module, dataexport.Savepoint{}, acct)

	case dataexport.ExportIncomplete:
		// The provider yielded on its own; park the whole task.
		location, ferr := sink.Finish(e.ctx)
		if ferr != nil {
			return ferr
		}
		if err := e.persistPause(e.ctx, t, item.Module, location, res.Savepoint); err != nil {
			return err
		}
		if res.PauseReason != nil {
			log.Info("module paused itself",
				logx.String("module", item.Module), logx.Err(res.PauseReason))
		}
		e.s.publish("export.task.paused", t.ID, acct, map[string]any{"module": item.Module})
		return errYielded

	case dataexport.ExportInterrupted:
		// The stop path persisted a pause if one was taken; if it did, the
		// sink is already finished and Revoke is a no-op. Otherwise the
		// open artifact must not outlive the item.
		sink.Revoke()
		return errYielded

	case dataexport.ExportAborted:
		sink.Revoke()
		return dataexport.ErrAborted
	}
	return nil
}

// dropPriorArtifact deletes the partial artifact a failed item carried over
// from an earlier pause; once the item is FAILED no row points at it anymore.
func (e *execution) dropPriorArtifact(item *dataexport.WorkItem) {
	if item.Location != "" {
		e.s.deleteBlobs(e.ctx, []string{item.Location})
	}
}

// persistPause writes savepoint, item and task state for a pause. A partial
// write must not leave a savepoint behind that the item state does not match,
// so failures roll the savepoint back.
func (e *execution) persistPause(ctx context.Context, t *dataexport.Task, module, location string, payload []byte) error {
	acct := t.Account
	sp := dataexport.Savepoint{Payload: payload, Report: e.report.Messages()}
	if err := e.s.store.SetSavepoint(ctx, t.ID, module, sp, acct); err != nil {
		return err
	}
	if err := e.s.store.MarkWorkItemPaused(ctx, location, t.ID, module, acct); err != nil {
		_ = e.s.store.SetSavepoint(ctx, t.ID, module, dataexport.Savepoint{}, acct)
		return err
	}
	if err := e.s.store.MarkPaused(ctx, t.ID, acct); err != nil {
		_ = e.s.store.SetSavepoint(ctx, t.ID, module, dataexport.Savepoint{}, acct)
		return err
	}
	return nil
}

// complete assembles the result archive and finishes the task.
func (e *execution) complete(log logx.Logger, t *dataexport.Task, cfg Config) {
	// Re-read for the artifact locations the items produced.
	fresh, err := e.s.store.Task(e.ctx, t.Account)
	if err != nil {
		e.fail(log, t, err)
		return
	}
	if fresh == nil {
		log.Warn("task vanished before completion")
		return
	}

	maxSize := fresh.Arguments.MaxFileSize
	if maxSize <= 0 {
		maxSize = cfg.DefaultMaxFileSize
	}
	results, err := e.s.assembler.Assemble(e.ctx, fresh, e.report, maxSize)
	if err != nil {
		if errors.Is(err, dataexport.ErrNoResultFiles) {
			log.Info("no module produced data; failing task")
		}
		e.fail(log, fresh, err)
		return
	}
	for _, rf := range results {
		if err := e.s.store.AddResultFile(e.ctx, fresh.ID, rf.Number, rf.Location, fresh.Account); err != nil {
			for _, r := range results {
				_ = e.s.files.Delete(e.ctx, r.Location)
			}
			e.fail(log, fresh, err)
			return
		}
	}
	if err := e.s.store.MarkDone(e.ctx, fresh.ID, fresh.Account); err != nil {
		e.fail(log, fresh, err)
		return
	}
	dropped, err := e.s.store.DropIntermediateArtifacts(e.ctx, fresh.ID, fresh.Account)
	if err != nil {
		log.Warn("could not drop intermediate artifacts", logx.Err(err))
	}
	e.s.deleteBlobs(e.ctx, dropped)

	log.Info("task completed", logx.Int("result_files", len(results)))
	e.s.publish("export.task.done", fresh.ID, fresh.Account, map[string]any{"result_files": len(results)})
	e.s.notify(e.ctx, dataexport.Notification{
		Reason:    dataexport.ReasonSuccess,
		TaskID:    fresh.ID,
		Account:   fresh.Account,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(cfg.MaxTimeToLive),
		Host:      fresh.Arguments.Host,
		MarkSent:  true,
	})
}

func (e *execution) fail(log logx.Logger, t *dataexport.Task, cause error) {
	log.Error("task failed", logx.Err(cause))
	if err := e.s.store.MarkFailed(e.ctx, t.ID, t.Account); err != nil {
		log.Warn("could not mark task failed", logx.Err(err))
	}
	e.s.publish("export.task.failed", t.ID, t.Account, map[string]any{"error": cause.Error()})
	e.s.notify(e.ctx, dataexport.Notification{
		Reason:    dataexport.ReasonFailed,
		TaskID:    t.ID,
		Account:   t.Account,
		CreatedAt: time.Now(),
		Host:      t.Arguments.Host,
		MarkSent:  true,
	})
}

// stop asks the execution to yield. For a pause with an item in flight the
// provider is asked to hand over its position first, so the savepoint is
// persisted before the export call is interrupted. Only the first stop wins.
func (e *execution) stop(reason stopReason, why string) {
	e.stopMu.Lock()
	defer e.stopMu.Unlock()
	if e.reason != stopNone {
		return
	}
	e.reason = reason
	e.log.Info("stopping execution",
		logx.String("why", why), logx.Bool("abort", reason == stopAbort))

	if reason == stopPause {
		e.pauseCurrent()
	}
	if e.cancel != nil {
		e.cancel()
	}
}

// pauseCurrent persists the in-flight item's position, if any. Runs off the
// execution context since that is about to be canceled.
func (e *execution) pauseCurrent() {
	e.taskMu.Lock()
	cur := e.cur
	t := e.task
	e.taskMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if cur == nil {
		// Between items: just park the task so it is claimable again.
		if t != nil {
			if err := e.s.store.MarkPaused(ctx, t.ID, t.Account); err != nil {
				e.log.Warn("could not pause idle task", logx.Err(err))
			}
		}
		return
	}

	pr, err := cur.provider.Pause(ctx, e.id, cur.sink, cur.task)
	if err != nil {
		e.log.Warn("provider pause failed", logx.String("module", cur.module), logx.Err(err))
		return
	}
	if !pr.Paused {
		// The provider will run its current call to completion instead.
		return
	}
	location, err := cur.sink.Finish(ctx)
	if err != nil {
		e.log.Warn("could not finish artifact on pause", logx.String("module", cur.module), logx.Err(err))
		return
	}
	if err := e.persistPause(ctx, cur.task, cur.module, location, pr.Savepoint); err != nil {
		e.log.Warn("could not persist pause", logx.String("module", cur.module), logx.Err(err))
		return
	}
	e.s.publish("export.task.paused", cur.task.ID, cur.task.Account, map[string]any{"module": cur.module})
}

func (e *execution) stopReason() stopReason {
	e.stopMu.Lock()
	defer e.stopMu.Unlock()
	return e.reason
}

func (e *execution) setTask(t *dataexport.Task) {
	e.taskMu.Lock()
	e.task = t
	e.taskMu.Unlock()
}

func (e *execution) currentTask() *dataexport.Task {
	e.taskMu.Lock()
	defer e.taskMu.Unlock()
	return e.task
}

func (e *execution) setCur(c *activeItem) {
	e.taskMu.Lock()
	e.cur = c
	e.taskMu.Unlock()
}

func jitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
