package archive

import (
	"archive/zip"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"exportd/internal/dataexport"
	"exportd/internal/filestore"
	logx "exportd/pkg/logx"

	"github.com/google/uuid"
)

func openTestFiles(t *testing.T) filestore.Store {
	t.Helper()
	store, err := filestore.OpenDisk(t.TempDir(), logx.Nop())
	if err != nil {
		t.Fatalf("OpenDisk: %v", err)
	}
	return store
}

// writeArtifact builds a zip blob with the given entries and returns its
// location.
func writeArtifact(t *testing.T, store filestore.Store, entries map[string]string) string {
	t.Helper()
	ctx := context.Background()
	f, err := store.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	zw := zip.NewWriter(f)
	for name, content := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := io.WriteString(w, content); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	location, err := f.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return location
}

// readArchive returns entry name -> content of the zip blob at location.
func readArchive(t *testing.T, store filestore.Store, location string) map[string]string {
	t.Helper()
	blob, err := store.Open(context.Background(), location)
	if err != nil {
		t.Fatalf("Open(%s): %v", location, err)
	}
	defer blob.Close()
	zr, err := zip.NewReader(blob, blob.Size())
	if err != nil {
		t.Fatalf("zip reader: %v", err)
	}
	out := map[string]string{}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("entry open: %v", err)
		}
		b, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("entry read: %v", err)
		}
		out[f.Name] = string(b)
	}
	return out
}

func TestSinkExportAndFinish(t *testing.T) {
	t.Parallel()
	store := openTestFiles(t)
	ctx := context.Background()

	sink := NewSink(store, nil, "mail", "", logx.Nop())
	if sink.Touched() {
		t.Fatal("fresh sink reports touched")
	}
	for _, e := range []struct{ name, content string }{
		{"mail/inbox/1.eml", "hello"},
		{"mail/inbox/2.eml", "world"},
	} {
		ok, err := sink.Export(ctx, e.name, strings.NewReader(e.content))
		if err != nil || !ok {
			t.Fatalf("Export(%s) = %v, %v", e.name, ok, err)
		}
	}
	if !sink.Touched() {
		t.Fatal("sink not touched after exports")
	}

	location, err := sink.Finish(ctx)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if location == "" {
		t.Fatal("Finish returned empty location for non-empty artifact")
	}

	got := readArchive(t, store, location)
	if got["mail/inbox/1.eml"] != "hello" || got["mail/inbox/2.eml"] != "world" {
		t.Fatalf("archive content = %v", got)
	}

	// Closed sink accepts no more entries, without error.
	if ok, err := sink.Export(ctx, "late", strings.NewReader("x")); err != nil || ok {
		t.Fatalf("Export after Finish = %v, %v; want false, nil", ok, err)
	}
}

func TestSinkFinishWithoutDataIsEmpty(t *testing.T) {
	t.Parallel()
	store := openTestFiles(t)
	sink := NewSink(store, nil, "mail", "", logx.Nop())
	location, err := sink.Finish(context.Background())
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if location != "" {
		t.Fatalf("Finish = %q, want empty location for untouched sink", location)
	}
}

func TestSinkResumeCopiesPriorEntries(t *testing.T) {
	t.Parallel()
	store := openTestFiles(t)
	ctx := context.Background()

	prior := writeArtifact(t, store, map[string]string{"mail/old.eml": "before pause"})

	sink := NewSink(store, nil, "mail", prior, logx.Nop())
	if ok, err := sink.Export(ctx, "mail/new.eml", strings.NewReader("after resume")); err != nil || !ok {
		t.Fatalf("Export = %v, %v", ok, err)
	}
	location, err := sink.Finish(ctx)
	if err != nil || location == "" {
		t.Fatalf("Finish = %q, %v", location, err)
	}

	got := readArchive(t, store, location)
	if len(got) != 2 || got["mail/old.eml"] != "before pause" || got["mail/new.eml"] != "after resume" {
		t.Fatalf("resumed archive = %v", got)
	}
}

func TestSinkRevoke(t *testing.T) {
	t.Parallel()
	store := openTestFiles(t)
	ctx := context.Background()

	sink := NewSink(store, nil, "mail", "", logx.Nop())
	if ok, err := sink.Export(ctx, "a", strings.NewReader("x")); err != nil || !ok {
		t.Fatalf("Export = %v, %v", ok, err)
	}
	sink.Revoke()
	if ok, err := sink.Export(ctx, "b", strings.NewReader("y")); err != nil || ok {
		t.Fatalf("Export after Revoke = %v, %v; want false, nil", ok, err)
	}
	if _, err := sink.Finish(ctx); err == nil {
		t.Fatal("Finish after Revoke should fail")
	}
}

func TestSinkMessageDefaultsModule(t *testing.T) {
	t.Parallel()
	report := dataexport.NewReport(dataexport.ReportOptions{Enabled: true})
	sink := NewSink(openTestFiles(t), report, "mail", "", logx.Nop())

	sink.Message(dataexport.Message{Text: "skipped broken folder"})
	msgs := report.Messages()
	if len(msgs) != 1 || msgs[0].Module != "mail" {
		t.Fatalf("messages = %+v, want module defaulted to mail", msgs)
	}

	// Disabled report drops messages.
	off := NewSink(openTestFiles(t), dataexport.NewReport(dataexport.ReportOptions{}), "mail", "", logx.Nop())
	off.Message(dataexport.Message{Text: "dropped"})
}

func assembleTask(locations ...string) *dataexport.Task {
	task := &dataexport.Task{ID: uuid.New(), Account: dataexport.Account{UserID: 1, ContextID: 1}}
	for i, loc := range locations {
		task.WorkItems = append(task.WorkItems, dataexport.WorkItem{
			Module: string(rune('a' + i)), Status: dataexport.StatusDone, Location: loc,
		})
	}
	return task
}

func TestAssembleSinglePart(t *testing.T) {
	t.Parallel()
	store := openTestFiles(t)
	ctx := context.Background()

	locA := writeArtifact(t, store, map[string]string{"a/1": "one", "a/2": "two"})
	locB := writeArtifact(t, store, map[string]string{"b/1": "three"})

	report := dataexport.NewReport(dataexport.ReportOptions{Enabled: true})
	report.Add(dataexport.Message{Module: "a", Text: "exported 2 files"})

	files, err := NewAssembler(store, logx.Nop()).Assemble(ctx, assembleTask(locA, locB), report, dataexport.MinFileSize)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(files) != 1 || files[0].Number != 1 {
		t.Fatalf("files = %+v, want one part", files)
	}

	got := readArchive(t, store, files[0].Location)
	for _, name := range []string{"a/1", "a/2", "b/1", reportEntryName} {
		if _, ok := got[name]; !ok {
			t.Errorf("entry %s missing from result archive: %v", name, got)
		}
	}
}

func TestAssembleSplitsAtMaxSize(t *testing.T) {
	t.Parallel()
	store := openTestFiles(t)
	ctx := context.Background()

	locA := writeArtifact(t, store, map[string]string{"a/1": strings.Repeat("x", 100)})
	locB := writeArtifact(t, store, map[string]string{"b/1": strings.Repeat("y", 100), "b/2": strings.Repeat("z", 100)})

	// A cap far below one entry forces one entry per part, never an empty part.
	files, err := NewAssembler(store, logx.Nop()).Assemble(ctx, assembleTask(locA, locB), nil, 10)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("files = %+v, want 3 parts", files)
	}
	total := 0
	for i, f := range files {
		if f.Number != i+1 {
			t.Fatalf("part numbers not sequential: %+v", files)
		}
		entries := readArchive(t, store, f.Location)
		if len(entries) != 1 {
			t.Fatalf("part %d holds %d entries, want 1", f.Number, len(entries))
		}
		total += len(entries)
	}
	if total != 3 {
		t.Fatalf("total entries = %d, want 3", total)
	}
}

func TestAssembleNoData(t *testing.T) {
	t.Parallel()
	store := openTestFiles(t)
	task := assembleTask() // no items with a location
	task.WorkItems = append(task.WorkItems, dataexport.WorkItem{Module: "a", Status: dataexport.StatusDone})

	_, err := NewAssembler(store, logx.Nop()).Assemble(context.Background(), task, nil, 0)
	if !errors.Is(err, dataexport.ErrNoResultFiles) {
		t.Fatalf("Assemble = %v, want ErrNoResultFiles", err)
	}
}

func TestAssembleMissingArtifactCleansUp(t *testing.T) {
	t.Parallel()
	store := openTestFiles(t)
	ctx := context.Background()

	locA := writeArtifact(t, store, map[string]string{"a/1": "one"})
	task := assembleTask(locA, "no-such-location")

	_, err := NewAssembler(store, logx.Nop()).Assemble(ctx, task, nil, 0)
	if err == nil {
		t.Fatal("Assemble with missing artifact should fail")
	}
}

func TestResultFileName(t *testing.T) {
	t.Parallel()
	if got := ResultFileName(1, 1); got != "archive.zip" {
		t.Fatalf("ResultFileName(1,1) = %s", got)
	}
	if got := ResultFileName(2, 3); got != "archive-2-of-3.zip" {
		t.Fatalf("ResultFileName(2,3) = %s", got)
	}
}
