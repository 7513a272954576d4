package localdir

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"exportd/internal/dataexport"
	logx "exportd/pkg/logx"

	"github.com/google/uuid"
)

// memSink records exported entries in order.
type memSink struct {
	names    []string
	contents map[string]string
	messages []dataexport.Message
}

func newMemSink() *memSink { return &memSink{contents: map[string]string{}} }

func (s *memSink) Export(_ context.Context, name string, r io.Reader) (bool, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return false, err
	}
	s.names = append(s.names, name)
	s.contents[name] = string(b)
	return true, nil
}

func (s *memSink) Message(m dataexport.Message) { s.messages = append(s.messages, m) }

func seedAccount(t *testing.T, root string, acct dataexport.Account, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, strconv.Itoa(acct.ContextID), strconv.Itoa(acct.UserID), filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
}

func testTask(acct dataexport.Account) *dataexport.Task {
	return &dataexport.Task{ID: uuid.New(), Account: acct}
}

func TestExportAllFiles(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	acct := dataexport.Account{UserID: 7, ContextID: 1}
	seedAccount(t, root, acct, map[string]string{
		"docs/b.txt": "bee",
		"docs/a.txt": "ay",
		"notes.md":   "top",
	})

	p := New(root, 0, logx.Nop())
	sink := newMemSink()
	res, err := p.Export(context.Background(), uuid.New(), sink, nil, testTask(acct))
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if res.Outcome != dataexport.ExportCompleted {
		t.Fatalf("Outcome = %v, want completed", res.Outcome)
	}
	want := []string{"localdir/docs/a.txt", "localdir/docs/b.txt", "localdir/notes.md"}
	if len(sink.names) != len(want) {
		t.Fatalf("exported %v, want %v", sink.names, want)
	}
	for i, n := range want {
		if sink.names[i] != n {
			t.Fatalf("exported %v, want sorted %v", sink.names, want)
		}
	}
	if sink.contents["localdir/docs/a.txt"] != "ay" {
		t.Fatalf("content = %q", sink.contents["localdir/docs/a.txt"])
	}
	if len(sink.messages) != 1 {
		t.Fatalf("messages = %+v, want a summary line", sink.messages)
	}
}

func TestExportResumesFromSavepoint(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	acct := dataexport.Account{UserID: 7, ContextID: 1}
	seedAccount(t, root, acct, map[string]string{
		"a.txt": "1", "b.txt": "2", "c.txt": "3", "d.txt": "4",
	})

	p := New(root, 2, logx.Nop())
	task := testTask(acct)

	first := newMemSink()
	res, err := p.Export(context.Background(), uuid.New(), first, nil, task)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if res.Outcome != dataexport.ExportIncomplete || len(res.Savepoint) == 0 {
		t.Fatalf("first batch: outcome %v, savepoint %q", res.Outcome, res.Savepoint)
	}
	if len(first.names) != 2 {
		t.Fatalf("first batch exported %v, want 2 files", first.names)
	}

	second := newMemSink()
	res, err = p.Export(context.Background(), uuid.New(), second, res.Savepoint, task)
	if err != nil {
		t.Fatalf("resumed Export: %v", err)
	}
	if res.Outcome != dataexport.ExportIncomplete {
		t.Fatalf("second batch outcome = %v, want incomplete", res.Outcome)
	}

	third := newMemSink()
	res, err = p.Export(context.Background(), uuid.New(), third, res.Savepoint, task)
	if err != nil {
		t.Fatalf("final Export: %v", err)
	}
	if res.Outcome != dataexport.ExportCompleted {
		t.Fatalf("final outcome = %v, want completed", res.Outcome)
	}
	if len(third.names) != 0 {
		t.Fatalf("final batch exported %v, want nothing left", third.names)
	}

	seen := append(append([]string{}, first.names...), second.names...)
	if len(seen) != 4 {
		t.Fatalf("batches exported %v, want all 4 files exactly once", seen)
	}
}

func TestExportInterruptedOnCancel(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	acct := dataexport.Account{UserID: 7, ContextID: 1}
	seedAccount(t, root, acct, map[string]string{"a.txt": "1"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New(root, 0, logx.Nop())
	res, err := p.Export(ctx, uuid.New(), newMemSink(), nil, testTask(acct))
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if res.Outcome != dataexport.ExportInterrupted {
		t.Fatalf("Outcome = %v, want interrupted", res.Outcome)
	}
}

func TestExportEmptyAccount(t *testing.T) {
	t.Parallel()
	p := New(t.TempDir(), 0, logx.Nop())
	acct := dataexport.Account{UserID: 42, ContextID: 1}

	sink := newMemSink()
	res, err := p.Export(context.Background(), uuid.New(), sink, nil, testTask(acct))
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if res.Outcome != dataexport.ExportCompleted || len(sink.names) != 0 {
		t.Fatalf("empty account: outcome %v, exported %v", res.Outcome, sink.names)
	}
}

func TestCheckArguments(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	acct := dataexport.Account{UserID: 7, ContextID: 1}
	seedAccount(t, root, acct, map[string]string{"a.txt": "1"})

	p := New(root, 0, logx.Nop())
	ok, err := p.CheckArguments(context.Background(), dataexport.Arguments{}, acct)
	if err != nil || !ok {
		t.Fatalf("CheckArguments(existing) = %v, %v; want true", ok, err)
	}
	ok, err = p.CheckArguments(context.Background(), dataexport.Arguments{}, dataexport.Account{UserID: 99, ContextID: 1})
	if err != nil || ok {
		t.Fatalf("CheckArguments(missing) = %v, %v; want false", ok, err)
	}
}
