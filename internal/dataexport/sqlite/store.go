// Package sqlite persists export tasks, work items, savepoints and result
// files in a single SQLite database, and backs the cluster cleanup lock with
// a fenced single-row table.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"exportd/internal/dataexport"
	logx "exportd/pkg/logx"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Options configures the store.
type Options struct {
	Path        string
	BusyTimeout time.Duration // 0 means 5s

	// MaxTimeToLive is how long DONE/FAILED tasks are retained before the
	// expiry sweep removes them.
	MaxTimeToLive time.Duration

	// ProcessingExpiry is how long a RUNNING task may go untouched before it
	// is considered orphaned and becomes claimable again.
	ProcessingExpiry time.Duration

	// LockStaleAfter bounds how long a dead node can hold the cleanup lock.
	LockStaleAfter time.Duration

	// NodeID identifies this process as a lock holder.
	NodeID string
}

type Store struct {
	db   *sql.DB
	log  logx.Logger
	opts Options
}

func Open(opts Options, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	if opts.MaxTimeToLive <= 0 {
		opts.MaxTimeToLive = 14 * 24 * time.Hour
	}
	if opts.ProcessingExpiry <= 0 {
		opts.ProcessingExpiry = time.Hour
	}
	if opts.LockStaleAfter <= 0 {
		opts.LockStaleAfter = time.Hour
	}
	if opts.NodeID == "" {
		host, _ := os.Hostname()
		opts.NodeID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", opts.BusyTimeout.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &Store{db: db, log: log, opts: opts}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) CreateIfAbsent(ctx context.Context, t *dataexport.Task) (created bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var one int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM tasks WHERE user_id = ? AND context_id = ?`,
		t.Account.UserID, t.Account.ContextID).Scan(&one)
	if err == nil {
		_ = tx.Rollback()
		return false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}

	args, err := json.Marshal(t.Arguments)
	if err != nil {
		return false, err
	}
	now := t.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO tasks(id, user_id, context_id, status, created_at, last_touched, arguments)
		 VALUES(?,?,?,?,?,?,?)`,
		t.ID.String(), t.Account.UserID, t.Account.ContextID, string(t.Status),
		now.UnixMilli(), now.UnixMilli(), string(args),
	); err != nil {
		return false, err
	}
	for i, item := range t.WorkItems {
		id := item.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO work_items(id, task_id, ord, module, status) VALUES(?,?,?,?,?)`,
			id.String(), t.ID.String(), i, item.Module, string(item.Status),
		); err != nil {
			return false, err
		}
	}
	if err = tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) ClaimNextJob(ctx context.Context) (dataexport.Job, error) {
	now := time.Now().UnixMilli()
	stale := now - s.opts.ProcessingExpiry.Milliseconds()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	var id string
	var acct dataexport.Account
	err = tx.QueryRowContext(ctx,
		`SELECT id, user_id, context_id FROM tasks
		 WHERE status IN (?, ?) OR (status = ? AND last_touched < ?)
		 ORDER BY created_at LIMIT 1`,
		string(dataexport.StatusPending), string(dataexport.StatusPaused),
		string(dataexport.StatusRunning), stale,
	).Scan(&id, &acct.UserID, &acct.ContextID)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return nil, nil
	}
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, last_touched = ? WHERE id = ?`,
		string(dataexport.StatusRunning), now, id,
	); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	t, err := s.Task(ctx, acct)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, nil
	}
	t.Status = dataexport.StatusRunning
	return &job{store: s, task: t}, nil
}

func (s *Store) Task(ctx context.Context, acct dataexport.Account) (*dataexport.Task, error) {
	var (
		t       dataexport.Task
		id      string
		args    string
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, created_at, arguments FROM tasks WHERE user_id = ? AND context_id = ?`,
		acct.UserID, acct.ContextID,
	).Scan(&id, (*string)(&t.Status), &created, &args)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if t.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	t.Account = acct
	t.CreatedAt = time.UnixMilli(created)
	if err := json.Unmarshal([]byte(args), &t.Arguments); err != nil {
		return nil, err
	}
	if t.WorkItems, err = s.workItems(ctx, id); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) TasksForContext(ctx context.Context, contextID int) ([]dataexport.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM tasks WHERE context_id = ? ORDER BY created_at`, contextID)
	if err != nil {
		return nil, err
	}
	var users []int
	for rows.Next() {
		var u int
		if err := rows.Scan(&u); err != nil {
			rows.Close()
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	out := make([]dataexport.Task, 0, len(users))
	for _, u := range users {
		t, err := s.Task(ctx, dataexport.Account{UserID: u, ContextID: contextID})
		if err != nil {
			return nil, err
		}
		if t != nil {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *Store) Status(ctx context.Context, acct dataexport.Account) (dataexport.Status, error) {
	var st string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM tasks WHERE user_id = ? AND context_id = ?`,
		acct.UserID, acct.ContextID).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return dataexport.StatusNone, nil
	}
	if err != nil {
		return dataexport.StatusNone, err
	}
	return dataexport.Status(st), nil
}

func (s *Store) MarkAborted(ctx context.Context, taskID uuid.UUID, acct dataexport.Account) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, last_touched = ?
		 WHERE id = ? AND user_id = ? AND context_id = ? AND status NOT IN (?, ?, ?)`,
		string(dataexport.StatusAborted), time.Now().UnixMilli(),
		taskID.String(), acct.UserID, acct.ContextID,
		string(dataexport.StatusDone), string(dataexport.StatusFailed), string(dataexport.StatusAborted),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE work_items SET status = ? WHERE task_id = ? AND status NOT IN (?, ?)`,
		string(dataexport.StatusAborted), taskID.String(),
		string(dataexport.StatusDone), string(dataexport.StatusFailed),
	)
	return true, err
}

func (s *Store) MarkPaused(ctx context.Context, taskID uuid.UUID, acct dataexport.Account) error {
	return s.setTaskStatus(ctx, taskID, acct, dataexport.StatusPaused, dataexport.StatusRunning)
}

func (s *Store) MarkDone(ctx context.Context, taskID uuid.UUID, acct dataexport.Account) error {
	return s.setTaskStatus(ctx, taskID, acct, dataexport.StatusDone, "")
}

func (s *Store) MarkFailed(ctx context.Context, taskID uuid.UUID, acct dataexport.Account) error {
	return s.setTaskStatus(ctx, taskID, acct, dataexport.StatusFailed, "")
}

// setTaskStatus transitions the task, optionally guarded by a required
// current status.
func (s *Store) setTaskStatus(ctx context.Context, taskID uuid.UUID, acct dataexport.Account, to, from dataexport.Status) error {
	q := `UPDATE tasks SET status = ?, last_touched = ? WHERE id = ? AND user_id = ? AND context_id = ?`
	args := []any{string(to), time.Now().UnixMilli(), taskID.String(), acct.UserID, acct.ContextID}
	if from != dataexport.StatusNone {
		q += ` AND status = ?`
		args = append(args, string(from))
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return dataexport.ErrNoSuchTask
	}
	return nil
}

func (s *Store) MarkWorkItemDone(ctx context.Context, location string, taskID uuid.UUID, module string, acct dataexport.Account) error {
	_ = acct
	return s.setItem(ctx, taskID, module, dataexport.StatusDone, nullStr(location), nil)
}

func (s *Store) MarkWorkItemPaused(ctx context.Context, location string, taskID uuid.UUID, module string, acct dataexport.Account) error {
	_ = acct
	return s.setItem(ctx, taskID, module, dataexport.StatusPaused, nullStr(location), nil)
}

func (s *Store) MarkWorkItemFailed(ctx context.Context, failure json.RawMessage, taskID uuid.UUID, module string, acct dataexport.Account) error {
	_ = acct
	var f any
	if len(failure) > 0 {
		f = string(failure)
	}
	return s.setItem(ctx, taskID, module, dataexport.StatusFailed, nil, f)
}

func (s *Store) setItem(ctx context.Context, taskID uuid.UUID, module string, to dataexport.Status, location, failure any) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE work_items SET status = ?, location = ?, failure = ? WHERE task_id = ? AND module = ?`,
		string(to), location, failure, taskID.String(), module,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no work item %s for task %s", module, taskID)
	}
	return nil
}

func (s *Store) Savepoint(ctx context.Context, taskID uuid.UUID, module string, acct dataexport.Account) (dataexport.Savepoint, error) {
	_ = acct
	var sp dataexport.Savepoint
	var payload, report sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, report FROM savepoints WHERE task_id = ? AND module = ?`,
		taskID.String(), module).Scan(&payload, &report)
	if errors.Is(err, sql.ErrNoRows) {
		return sp, nil
	}
	if err != nil {
		return sp, err
	}
	if payload.Valid {
		sp.Payload = json.RawMessage(payload.String)
	}
	if report.Valid && report.String != "" {
		if err := json.Unmarshal([]byte(report.String), &sp.Report); err != nil {
			return sp, err
		}
	}
	return sp, nil
}

func (s *Store) SetSavepoint(ctx context.Context, taskID uuid.UUID, module string, sp dataexport.Savepoint, acct dataexport.Account) error {
	_ = acct
	if len(sp.Payload) == 0 && len(sp.Report) == 0 {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM savepoints WHERE task_id = ? AND module = ?`, taskID.String(), module)
		return err
	}
	var report any
	if len(sp.Report) > 0 {
		b, err := json.Marshal(sp.Report)
		if err != nil {
			return err
		}
		report = string(b)
	}
	var payload any
	if len(sp.Payload) > 0 {
		payload = string(sp.Payload)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO savepoints(task_id, module, payload, report) VALUES(?,?,?,?)
		 ON CONFLICT(task_id, module) DO UPDATE SET payload=excluded.payload, report=excluded.report`,
		taskID.String(), module, payload, report,
	)
	return err
}

func (s *Store) DeleteTask(ctx context.Context, acct dataexport.Account) (existed bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM tasks WHERE user_id = ? AND context_id = ?`,
		acct.UserID, acct.ContextID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err = deleteTaskRows(ctx, tx, id); err != nil {
		return false, err
	}
	if err = tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func deleteTaskRows(ctx context.Context, tx *sql.Tx, id string) error {
	for _, q := range []string{
		`DELETE FROM work_items WHERE task_id = ?`,
		`DELETE FROM savepoints WHERE task_id = ?`,
		`DELETE FROM result_files WHERE task_id = ?`,
		`DELETE FROM tasks WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) DropIntermediateArtifacts(ctx context.Context, taskID uuid.UUID, acct dataexport.Account) (dropped []string, err error) {
	_ = acct
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	rows, err := tx.QueryContext(ctx,
		`SELECT location FROM work_items WHERE task_id = ? AND location IS NOT NULL`,
		taskID.String())
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var loc string
		if err = rows.Scan(&loc); err != nil {
			rows.Close()
			return nil, err
		}
		dropped = append(dropped, loc)
	}
	if err = rows.Close(); err != nil {
		return nil, err
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE work_items SET location = NULL WHERE task_id = ?`, taskID.String()); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return dropped, nil
}

func (s *Store) Touch(ctx context.Context, acct dataexport.Account) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET last_touched = ? WHERE user_id = ? AND context_id = ?`,
		time.Now().UnixMilli(), acct.UserID, acct.ContextID)
	return err
}

func (s *Store) LastAccessed(ctx context.Context, acct dataexport.Account) (time.Time, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_touched FROM tasks WHERE user_id = ? AND context_id = ?`,
		acct.UserID, acct.ContextID).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, dataexport.ErrNoSuchTask
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

func (s *Store) AddResultFile(ctx context.Context, taskID uuid.UUID, number int, location string, acct dataexport.Account) error {
	_ = acct
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO result_files(task_id, number, location) VALUES(?,?,?)
		 ON CONFLICT(task_id, number) DO UPDATE SET location=excluded.location`,
		taskID.String(), number, location)
	return err
}

func (s *Store) ResultFiles(ctx context.Context, acct dataexport.Account) ([]dataexport.ResultFile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rf.number, rf.location FROM result_files rf
		 JOIN tasks t ON t.id = rf.task_id
		 WHERE t.user_id = ? AND t.context_id = ?
		 ORDER BY rf.number`,
		acct.UserID, acct.ContextID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []dataexport.ResultFile
	for rows.Next() {
		var f dataexport.ResultFile
		if err := rows.Scan(&f.Number, &f.Location); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) DeleteExpiredTasks(ctx context.Context) (expired []dataexport.Expired, err error) {
	now := time.Now().UnixMilli()
	cutoff := now - s.opts.MaxTimeToLive.Milliseconds()
	// Aborted tasks get a grace period: the owning execution deletes and
	// notifies itself, the sweep only picks up strays.
	stale := now - s.opts.ProcessingExpiry.Milliseconds()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, user_id, context_id, status, notified, arguments, last_touched FROM tasks
		 WHERE (status = ? AND last_touched < ?) OR (status IN (?, ?) AND last_touched < ?)`,
		string(dataexport.StatusAborted), stale,
		string(dataexport.StatusDone), string(dataexport.StatusFailed), cutoff,
	)
	if err != nil {
		return nil, err
	}
	type row struct {
		id       string
		rec      dataexport.Expired
		notified bool
	}
	var victims []row
	for rows.Next() {
		var (
			r        row
			status   string
			notified int
			args     string
			touched  int64
		)
		if err = rows.Scan(&r.id, &r.rec.Info.Account.UserID, &r.rec.Info.Account.ContextID, &status, &notified, &args, &touched); err != nil {
			rows.Close()
			return nil, err
		}
		if touched > 0 {
			r.rec.LastAccessed = time.UnixMilli(touched)
		}
		if r.rec.Info.TaskID, err = uuid.Parse(r.id); err != nil {
			rows.Close()
			return nil, err
		}
		r.rec.Info.Status = dataexport.Status(status)
		r.notified = notified != 0
		var a dataexport.Arguments
		if jerr := json.Unmarshal([]byte(args), &a); jerr == nil {
			r.rec.Info.Host = a.Host
		}
		victims = append(victims, r)
	}
	if err = rows.Close(); err != nil {
		return nil, err
	}

	for i := range victims {
		r := &victims[i]
		if r.rec.Locations, err = taskLocations(ctx, tx, r.id); err != nil {
			return nil, err
		}
		if err = deleteTaskRows(ctx, tx, r.id); err != nil {
			return nil, err
		}
		r.rec.NeedsNotification = !r.notified
		expired = append(expired, r.rec)
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return expired, nil
}

// taskLocations collects every blob location the task still references.
func taskLocations(ctx context.Context, tx *sql.Tx, id string) ([]string, error) {
	var out []string
	for _, q := range []string{
		`SELECT location FROM work_items WHERE task_id = ? AND location IS NOT NULL`,
		`SELECT location FROM result_files WHERE task_id = ?`,
	} {
		rows, err := tx.QueryContext(ctx, q, id)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var loc string
			if err := rows.Scan(&loc); err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, loc)
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) MarkNotificationSent(ctx context.Context, taskID uuid.UUID, acct dataexport.Account) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET notified = 1 WHERE id = ? AND user_id = ? AND context_id = ?`,
		taskID.String(), acct.UserID, acct.ContextID)
	return err
}

func (s *Store) workItems(ctx context.Context, taskID string) ([]dataexport.WorkItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, module, status, location, failure FROM work_items WHERE task_id = ? ORDER BY ord`,
		taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []dataexport.WorkItem
	for rows.Next() {
		var (
			item              dataexport.WorkItem
			id                string
			location, failure sql.NullString
		)
		if err := rows.Scan(&id, &item.Module, (*string)(&item.Status), &location, &failure); err != nil {
			return nil, err
		}
		if item.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		item.Location = location.String
		if failure.Valid {
			item.Failure = json.RawMessage(failure.String)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// job walks a claimed task's unfinished work items in submission order.
type job struct {
	store *Store
	task  *dataexport.Task
}

func (j *job) Task() *dataexport.Task { return j.task }

func (j *job) NextWorkItem(ctx context.Context) (*dataexport.WorkItem, error) {
	var (
		item              dataexport.WorkItem
		id                string
		location, failure sql.NullString
	)
	err := j.store.db.QueryRowContext(ctx,
		`SELECT id, module, status, location, failure FROM work_items
		 WHERE task_id = ? AND status IN (?, ?, ?)
		 ORDER BY ord LIMIT 1`,
		j.task.ID.String(),
		string(dataexport.StatusPending), string(dataexport.StatusPaused), string(dataexport.StatusRunning),
	).Scan(&id, &item.Module, (*string)(&item.Status), &location, &failure)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if item.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	item.Location = location.String
	if failure.Valid {
		item.Failure = json.RawMessage(failure.String)
	}
	if item.Status != dataexport.StatusRunning {
		if _, err := j.store.db.ExecContext(ctx,
			`UPDATE work_items SET status = ? WHERE id = ?`,
			string(dataexport.StatusRunning), id); err != nil {
			return nil, err
		}
	}
	return &item, nil
}

// CleanupLock returns the store-backed cluster lock.
func (s *Store) CleanupLock() dataexport.CleanupLock { return &cleanupLock{s: s} }

type cleanupLock struct{ s *Store }

func (l *cleanupLock) TryAcquire(ctx context.Context) (dataexport.Acquisition, error) {
	now := time.Now().UnixMilli()
	stale := now - l.s.opts.LockStaleAfter.Milliseconds()
	res, err := l.s.db.ExecContext(ctx,
		`UPDATE cleanup_lock SET token = token + 1, holder = ?, acquired_at = ?
		 WHERE id = 1 AND (holder IS NULL OR acquired_at < ?)`,
		l.s.opts.NodeID, now, stale,
	)
	if err != nil {
		return dataexport.Acquisition{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dataexport.Acquisition{}, err
	}
	if n == 0 {
		return dataexport.Acquisition{}, nil
	}
	var token int64
	if err := l.s.db.QueryRowContext(ctx, `SELECT token FROM cleanup_lock WHERE id = 1`).Scan(&token); err != nil {
		return dataexport.Acquisition{}, err
	}
	return dataexport.Acquisition{Acquired: true, Token: token}, nil
}

func (l *cleanupLock) Release(ctx context.Context, a dataexport.Acquisition) error {
	if !a.Acquired {
		return nil
	}
	_, err := l.s.db.ExecContext(ctx,
		`UPDATE cleanup_lock SET holder = NULL, acquired_at = NULL WHERE id = 1 AND token = ?`,
		a.Token)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
