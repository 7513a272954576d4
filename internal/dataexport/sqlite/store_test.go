package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"exportd/internal/dataexport"
	logx "exportd/pkg/logx"

	"github.com/google/uuid"
)

func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	opts.Path = filepath.Join(t.TempDir(), "tasks.db")
	s, err := Open(opts, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTask(acct dataexport.Account, modules ...string) *dataexport.Task {
	t := &dataexport.Task{
		ID:      uuid.New(),
		Account: acct,
		Status:  dataexport.StatusPending,
		Arguments: dataexport.Arguments{
			Modules:     modules,
			MaxFileSize: 1 << 20,
			Host:        dataexport.HostInfo{Host: "example.test", Secure: true},
		},
	}
	for _, m := range modules {
		t.WorkItems = append(t.WorkItems, dataexport.WorkItem{
			ID: uuid.New(), Module: m, Status: dataexport.StatusPending,
		})
	}
	return t
}

func TestCreateIfAbsentAndTaskRoundtrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, Options{})
	ctx := context.Background()
	acct := dataexport.Account{UserID: 7, ContextID: 1}

	task := newTask(acct, "mail", "calendar")
	created, err := s.CreateIfAbsent(ctx, task)
	if err != nil || !created {
		t.Fatalf("CreateIfAbsent = %v, %v; want true, nil", created, err)
	}

	// Same account again: no second task, even with different modules.
	created, err = s.CreateIfAbsent(ctx, newTask(acct, "contacts"))
	if err != nil || created {
		t.Fatalf("second CreateIfAbsent = %v, %v; want false, nil", created, err)
	}

	got, err := s.Task(ctx, acct)
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	if got == nil || got.ID != task.ID {
		t.Fatalf("Task = %+v, want id %s", got, task.ID)
	}
	if got.Status != dataexport.StatusPending {
		t.Fatalf("Status = %s, want PENDING", got.Status)
	}
	if got.Arguments.Host.Host != "example.test" || got.Arguments.MaxFileSize != 1<<20 {
		t.Fatalf("Arguments not preserved: %+v", got.Arguments)
	}
	if len(got.WorkItems) != 2 || got.WorkItems[0].Module != "mail" || got.WorkItems[1].Module != "calendar" {
		t.Fatalf("WorkItems out of order: %+v", got.WorkItems)
	}

	st, err := s.Status(ctx, dataexport.Account{UserID: 99, ContextID: 1})
	if err != nil || st != dataexport.StatusNone {
		t.Fatalf("Status(unknown) = %s, %v; want none, nil", st, err)
	}
}

func TestClaimNextJobWalksItemsInOrder(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, Options{})
	ctx := context.Background()
	acct := dataexport.Account{UserID: 1, ContextID: 1}

	if _, err := s.CreateIfAbsent(ctx, newTask(acct, "a", "b")); err != nil {
		t.Fatalf("CreateIfAbsent: %v", err)
	}

	job, err := s.ClaimNextJob(ctx)
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if job == nil {
		t.Fatal("ClaimNextJob returned nil, want job")
	}
	if job.Task().Status != dataexport.StatusRunning {
		t.Fatalf("claimed task status = %s, want RUNNING", job.Task().Status)
	}

	// A freshly claimed task must not be claimable again.
	if other, err := s.ClaimNextJob(ctx); err != nil || other != nil {
		t.Fatalf("second claim = %v, %v; want nil, nil", other, err)
	}

	item, err := job.NextWorkItem(ctx)
	if err != nil || item == nil || item.Module != "a" {
		t.Fatalf("NextWorkItem = %+v, %v; want module a", item, err)
	}
	if err := s.MarkWorkItemDone(ctx, "loc-a", job.Task().ID, "a", acct); err != nil {
		t.Fatalf("MarkWorkItemDone: %v", err)
	}

	item, err = job.NextWorkItem(ctx)
	if err != nil || item == nil || item.Module != "b" {
		t.Fatalf("NextWorkItem = %+v, %v; want module b", item, err)
	}
	if err := s.MarkWorkItemDone(ctx, "", job.Task().ID, "b", acct); err != nil {
		t.Fatalf("MarkWorkItemDone: %v", err)
	}

	if item, err = job.NextWorkItem(ctx); err != nil || item != nil {
		t.Fatalf("NextWorkItem after all done = %+v, %v; want nil, nil", item, err)
	}
}

func TestClaimNextJobReclaimsStaleRunning(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, Options{ProcessingExpiry: time.Millisecond})
	ctx := context.Background()

	if _, err := s.CreateIfAbsent(ctx, newTask(dataexport.Account{UserID: 2, ContextID: 1}, "a")); err != nil {
		t.Fatalf("CreateIfAbsent: %v", err)
	}
	if job, err := s.ClaimNextJob(ctx); err != nil || job == nil {
		t.Fatalf("first claim = %v, %v", job, err)
	}

	// Once last_touched falls behind the expiry, the task is orphaned and
	// claimable again.
	time.Sleep(5 * time.Millisecond)
	job, err := s.ClaimNextJob(ctx)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if job == nil {
		t.Fatal("stale RUNNING task was not reclaimed")
	}
}

func TestClaimNextJobOldestFirst(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, Options{})
	ctx := context.Background()

	older := newTask(dataexport.Account{UserID: 1, ContextID: 1}, "a")
	older.CreatedAt = time.Now().Add(-time.Hour)
	newer := newTask(dataexport.Account{UserID: 2, ContextID: 1}, "a")
	for _, task := range []*dataexport.Task{newer, older} {
		if _, err := s.CreateIfAbsent(ctx, task); err != nil {
			t.Fatalf("CreateIfAbsent: %v", err)
		}
	}

	job, err := s.ClaimNextJob(ctx)
	if err != nil || job == nil {
		t.Fatalf("ClaimNextJob = %v, %v", job, err)
	}
	if job.Task().ID != older.ID {
		t.Fatalf("claimed %s, want oldest task %s", job.Task().ID, older.ID)
	}
}

func TestMarkAbortedGuardsAndCascades(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, Options{})
	ctx := context.Background()
	acct := dataexport.Account{UserID: 3, ContextID: 1}

	task := newTask(acct, "a", "b")
	if _, err := s.CreateIfAbsent(ctx, task); err != nil {
		t.Fatalf("CreateIfAbsent: %v", err)
	}
	if err := s.MarkWorkItemDone(ctx, "loc", task.ID, "a", acct); err != nil {
		t.Fatalf("MarkWorkItemDone: %v", err)
	}

	ok, err := s.MarkAborted(ctx, task.ID, acct)
	if err != nil || !ok {
		t.Fatalf("MarkAborted = %v, %v; want true, nil", ok, err)
	}

	got, err := s.Task(ctx, acct)
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	if got.Status != dataexport.StatusAborted {
		t.Fatalf("task status = %s, want ABORTED", got.Status)
	}
	// Finished items keep their status; the pending one is aborted.
	if got.WorkItems[0].Status != dataexport.StatusDone {
		t.Fatalf("done item status = %s, want DONE", got.WorkItems[0].Status)
	}
	if got.WorkItems[1].Status != dataexport.StatusAborted {
		t.Fatalf("pending item status = %s, want ABORTED", got.WorkItems[1].Status)
	}

	// Aborting again (or after terminal) is a no-op.
	if ok, err = s.MarkAborted(ctx, task.ID, acct); err != nil || ok {
		t.Fatalf("repeat MarkAborted = %v, %v; want false, nil", ok, err)
	}
}

func TestMarkPausedRequiresRunning(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, Options{})
	ctx := context.Background()
	acct := dataexport.Account{UserID: 4, ContextID: 1}

	task := newTask(acct, "a")
	if _, err := s.CreateIfAbsent(ctx, task); err != nil {
		t.Fatalf("CreateIfAbsent: %v", err)
	}
	if err := s.MarkPaused(ctx, task.ID, acct); !errors.Is(err, dataexport.ErrNoSuchTask) {
		t.Fatalf("MarkPaused on PENDING = %v, want ErrNoSuchTask", err)
	}

	if job, err := s.ClaimNextJob(ctx); err != nil || job == nil {
		t.Fatalf("claim: %v, %v", job, err)
	}
	if err := s.MarkPaused(ctx, task.ID, acct); err != nil {
		t.Fatalf("MarkPaused on RUNNING: %v", err)
	}
	if st, _ := s.Status(ctx, acct); st != dataexport.StatusPaused {
		t.Fatalf("status = %s, want PAUSED", st)
	}
}

func TestSavepointRoundtripAndDelete(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, Options{})
	ctx := context.Background()
	acct := dataexport.Account{UserID: 5, ContextID: 1}

	task := newTask(acct, "a")
	if _, err := s.CreateIfAbsent(ctx, task); err != nil {
		t.Fatalf("CreateIfAbsent: %v", err)
	}

	want := dataexport.Savepoint{
		Payload: json.RawMessage(`{"after":"x/y.txt"}`),
		Report:  []dataexport.Message{{Module: "a", Text: "partial"}},
	}
	if err := s.SetSavepoint(ctx, task.ID, "a", want, acct); err != nil {
		t.Fatalf("SetSavepoint: %v", err)
	}
	got, err := s.Savepoint(ctx, task.ID, "a", acct)
	if err != nil {
		t.Fatalf("Savepoint: %v", err)
	}
	if string(got.Payload) != string(want.Payload) {
		t.Fatalf("payload = %s, want %s", got.Payload, want.Payload)
	}
	if len(got.Report) != 1 || got.Report[0].Text != "partial" {
		t.Fatalf("report = %+v", got.Report)
	}

	// A zero savepoint removes the row.
	if err := s.SetSavepoint(ctx, task.ID, "a", dataexport.Savepoint{}, acct); err != nil {
		t.Fatalf("SetSavepoint(zero): %v", err)
	}
	got, err = s.Savepoint(ctx, task.ID, "a", acct)
	if err != nil {
		t.Fatalf("Savepoint after delete: %v", err)
	}
	if len(got.Payload) != 0 || len(got.Report) != 0 {
		t.Fatalf("savepoint not deleted: %+v", got)
	}
}

func TestDropIntermediateArtifacts(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, Options{})
	ctx := context.Background()
	acct := dataexport.Account{UserID: 6, ContextID: 1}

	task := newTask(acct, "a", "b", "c")
	if _, err := s.CreateIfAbsent(ctx, task); err != nil {
		t.Fatalf("CreateIfAbsent: %v", err)
	}
	if err := s.MarkWorkItemDone(ctx, "loc-a", task.ID, "a", acct); err != nil {
		t.Fatalf("MarkWorkItemDone: %v", err)
	}
	if err := s.MarkWorkItemDone(ctx, "loc-b", task.ID, "b", acct); err != nil {
		t.Fatalf("MarkWorkItemDone: %v", err)
	}
	// "c" exported no data: no location.
	if err := s.MarkWorkItemDone(ctx, "", task.ID, "c", acct); err != nil {
		t.Fatalf("MarkWorkItemDone: %v", err)
	}

	dropped, err := s.DropIntermediateArtifacts(ctx, task.ID, acct)
	if err != nil {
		t.Fatalf("DropIntermediateArtifacts: %v", err)
	}
	if len(dropped) != 2 {
		t.Fatalf("dropped = %v, want 2 locations", dropped)
	}

	// Second drop finds nothing.
	if dropped, err = s.DropIntermediateArtifacts(ctx, task.ID, acct); err != nil || len(dropped) != 0 {
		t.Fatalf("second drop = %v, %v; want empty", dropped, err)
	}
}

func TestResultFilesOrdered(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, Options{})
	ctx := context.Background()
	acct := dataexport.Account{UserID: 8, ContextID: 1}

	task := newTask(acct, "a")
	if _, err := s.CreateIfAbsent(ctx, task); err != nil {
		t.Fatalf("CreateIfAbsent: %v", err)
	}
	for _, rf := range []dataexport.ResultFile{{Number: 2, Location: "part2"}, {Number: 1, Location: "part1"}} {
		if err := s.AddResultFile(ctx, task.ID, rf.Number, rf.Location, acct); err != nil {
			t.Fatalf("AddResultFile: %v", err)
		}
	}
	got, err := s.ResultFiles(ctx, acct)
	if err != nil {
		t.Fatalf("ResultFiles: %v", err)
	}
	if len(got) != 2 || got[0].Location != "part1" || got[1].Location != "part2" {
		t.Fatalf("ResultFiles = %+v, want ordered by number", got)
	}
}

func TestDeleteExpiredTasks(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, Options{MaxTimeToLive: time.Millisecond, ProcessingExpiry: time.Millisecond})
	ctx := context.Background()

	doneAcct := dataexport.Account{UserID: 1, ContextID: 9}
	abortedAcct := dataexport.Account{UserID: 2, ContextID: 9}
	freshAcct := dataexport.Account{UserID: 3, ContextID: 9}

	done := newTask(doneAcct, "a")
	aborted := newTask(abortedAcct, "a")
	fresh := newTask(freshAcct, "a")
	for _, task := range []*dataexport.Task{done, aborted, fresh} {
		if _, err := s.CreateIfAbsent(ctx, task); err != nil {
			t.Fatalf("CreateIfAbsent: %v", err)
		}
	}

	if err := s.MarkDone(ctx, done.ID, doneAcct); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	if err := s.MarkNotificationSent(ctx, done.ID, doneAcct); err != nil {
		t.Fatalf("MarkNotificationSent: %v", err)
	}
	if err := s.AddResultFile(ctx, done.ID, 1, "done-part1", doneAcct); err != nil {
		t.Fatalf("AddResultFile: %v", err)
	}
	if ok, err := s.MarkAborted(ctx, aborted.ID, abortedAcct); err != nil || !ok {
		t.Fatalf("MarkAborted: %v, %v", ok, err)
	}

	time.Sleep(5 * time.Millisecond)
	// Keep the fresh task untouchable by the sweep.
	if err := s.Touch(ctx, freshAcct); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	expired, err := s.DeleteExpiredTasks(ctx)
	if err != nil {
		t.Fatalf("DeleteExpiredTasks: %v", err)
	}
	if len(expired) != 2 {
		t.Fatalf("expired = %+v, want 2 victims", expired)
	}
	byID := map[uuid.UUID]dataexport.Expired{}
	for _, e := range expired {
		byID[e.Info.TaskID] = e
	}
	de, ok := byID[done.ID]
	if !ok {
		t.Fatal("done task not swept")
	}
	if de.NeedsNotification {
		t.Fatal("done task was already notified; sweep wants to notify again")
	}
	if len(de.Locations) != 1 || de.Locations[0] != "done-part1" {
		t.Fatalf("done locations = %v", de.Locations)
	}
	ae, ok := byID[aborted.ID]
	if !ok {
		t.Fatal("aborted task not swept")
	}
	if !ae.NeedsNotification {
		t.Fatal("aborted task should still need its notification")
	}
	if ae.Info.Host.Host != "example.test" {
		t.Fatalf("host not carried through sweep: %+v", ae.Info)
	}

	if st, _ := s.Status(ctx, freshAcct); st != dataexport.StatusPending {
		t.Fatalf("fresh task status = %s, want untouched PENDING", st)
	}
	if st, _ := s.Status(ctx, doneAcct); st != dataexport.StatusNone {
		t.Fatalf("swept task still present: %s", st)
	}
}

func TestCleanupLockFencing(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, Options{LockStaleAfter: time.Hour})
	ctx := context.Background()
	lock := s.CleanupLock()

	a, err := lock.TryAcquire(ctx)
	if err != nil || !a.Acquired {
		t.Fatalf("TryAcquire = %+v, %v; want acquired", a, err)
	}

	if b, err := lock.TryAcquire(ctx); err != nil || b.Acquired {
		t.Fatalf("second TryAcquire = %+v, %v; want not acquired", b, err)
	}

	// Release with a stale token must not unlock.
	if err := lock.Release(ctx, dataexport.Acquisition{Acquired: true, Token: a.Token - 1}); err != nil {
		t.Fatalf("Release(stale): %v", err)
	}
	if b, err := lock.TryAcquire(ctx); err != nil || b.Acquired {
		t.Fatalf("acquire after stale release = %+v, %v; want still held", b, err)
	}

	if err := lock.Release(ctx, a); err != nil {
		t.Fatalf("Release: %v", err)
	}
	b, err := lock.TryAcquire(ctx)
	if err != nil || !b.Acquired {
		t.Fatalf("reacquire = %+v, %v; want acquired", b, err)
	}
	if b.Token <= a.Token {
		t.Fatalf("token did not advance: %d then %d", a.Token, b.Token)
	}
}

func TestCleanupLockStaleTakeover(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, Options{LockStaleAfter: time.Millisecond})
	ctx := context.Background()
	lock := s.CleanupLock()

	a, err := lock.TryAcquire(ctx)
	if err != nil || !a.Acquired {
		t.Fatalf("TryAcquire = %+v, %v", a, err)
	}
	time.Sleep(5 * time.Millisecond)

	b, err := lock.TryAcquire(ctx)
	if err != nil || !b.Acquired {
		t.Fatalf("stale takeover = %+v, %v; want acquired", b, err)
	}
	// The old holder's release must now be a no-op.
	if err := lock.Release(ctx, a); err != nil {
		t.Fatalf("Release(old): %v", err)
	}
	if c, err := lock.TryAcquire(ctx); err != nil || c.Acquired {
		t.Fatalf("acquire after fenced release = %+v, %v; want still held", c, err)
	}
}

func TestDeleteTask(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, Options{})
	ctx := context.Background()
	acct := dataexport.Account{UserID: 10, ContextID: 1}

	if existed, err := s.DeleteTask(ctx, acct); err != nil || existed {
		t.Fatalf("DeleteTask(missing) = %v, %v; want false, nil", existed, err)
	}

	task := newTask(acct, "a")
	if _, err := s.CreateIfAbsent(ctx, task); err != nil {
		t.Fatalf("CreateIfAbsent: %v", err)
	}
	if existed, err := s.DeleteTask(ctx, acct); err != nil || !existed {
		t.Fatalf("DeleteTask = %v, %v; want true, nil", existed, err)
	}
	if st, _ := s.Status(ctx, acct); st != dataexport.StatusNone {
		t.Fatalf("status after delete = %s, want none", st)
	}
}
