package filestore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	logx "exportd/pkg/logx"
)

func TestDiskCreateCommitOpen(t *testing.T) {
	t.Parallel()
	d, err := OpenDisk(t.TempDir(), logx.Nop())
	if err != nil {
		t.Fatalf("OpenDisk: %v", err)
	}
	ctx := context.Background()

	f, err := d.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := io.WriteString(f, "payload"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	location, err := f.Commit()
	if err != nil || location == "" {
		t.Fatalf("Commit = %q, %v", location, err)
	}

	blob, err := d.Open(ctx, location)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer blob.Close()
	if blob.Size() != int64(len("payload")) {
		t.Fatalf("Size = %d", blob.Size())
	}
	b, err := io.ReadAll(blob)
	if err != nil || string(b) != "payload" {
		t.Fatalf("ReadAll = %q, %v", b, err)
	}

	if err := d.Delete(ctx, location); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := d.Open(ctx, location); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Open after delete = %v, want ErrNotFound", err)
	}
	if err := d.Delete(ctx, location); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Delete = %v, want ErrNotFound", err)
	}
}

func TestDiskAbortLeavesNothing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	d, err := OpenDisk(dir, logx.Nop())
	if err != nil {
		t.Fatalf("OpenDisk: %v", err)
	}

	f, err := d.Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := io.WriteString(f, "discard me"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("store dir not empty after abort: %v", entries)
	}
}

func TestDiskUncommittedInvisible(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	d, err := OpenDisk(dir, logx.Nop())
	if err != nil {
		t.Fatalf("OpenDisk: %v", err)
	}
	ctx := context.Background()

	f, err := d.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := io.WriteString(f, "pending"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// Only a .tmp sibling exists until Commit.
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".tmp") {
			t.Fatalf("unexpected committed file before Commit: %s", e.Name())
		}
	}
	if _, err := f.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestDiskRejectsEscapingLocations(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "secret"), []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	d, err := OpenDisk(filepath.Join(dir, "store"), logx.Nop())
	if err != nil {
		t.Fatalf("OpenDisk: %v", err)
	}
	for _, loc := range []string{"", "../secret", "a/b", "..", "./x"} {
		if _, err := d.Open(context.Background(), loc); !errors.Is(err, ErrNotFound) {
			t.Errorf("Open(%q) = %v, want ErrNotFound", loc, err)
		}
	}
}

func TestDiskPing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	d, err := OpenDisk(dir, logx.Nop())
	if err != nil {
		t.Fatalf("OpenDisk: %v", err)
	}
	if err := d.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	// Probe files do not linger.
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("probe leftovers: %v", entries)
	}
}
