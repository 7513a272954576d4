// Package archive turns provider output into zip artifacts in the file store:
// one intermediate artifact per work item while exporting, then a chunked
// result archive once every item is done.
package archive

import (
	"archive/zip"
	"context"
	"errors"
	"io"
	"sync"

	"exportd/internal/dataexport"
	"exportd/internal/filestore"
	logx "exportd/pkg/logx"
)

// Sink collects one module's entries into a zip blob. The blob is created
// lazily on the first Export call; resuming a paused item copies the entries
// of the previous artifact before new ones are appended.
//
// Safe for concurrent use: the provider exports from its goroutine while the
// stop path may finish or revoke the sink.
type Sink struct {
	store  filestore.Store
	report *dataexport.Report
	module string
	prior  string // previous artifact location when resuming, else ""
	log    logx.Logger

	mu      sync.Mutex
	file    filestore.File
	zw      *zip.Writer
	entries int
	closed  bool
}

func NewSink(store filestore.Store, report *dataexport.Report, module, prior string, log logx.Logger) *Sink {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sink{store: store, report: report, module: module, prior: prior, log: log}
}

// Export streams one entry into the module's artifact. Returns false without
// error once the sink has been finished or revoked.
func (s *Sink) Export(ctx context.Context, name string, r io.Reader) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, nil
	}
	if err := s.ensureOpenLocked(ctx); err != nil {
		return false, err
	}
	w, err := s.zw.Create(name)
	if err != nil {
		return false, err
	}
	if _, err := io.Copy(w, r); err != nil {
		return false, err
	}
	s.entries++
	return true, nil
}

// Message appends a diagnostics line to the task report. Dropped when
// diagnostics are disabled.
func (s *Sink) Message(m dataexport.Message) {
	if s.report == nil || !s.report.Options.Enabled {
		return
	}
	if m.Module == "" {
		m.Module = s.module
	}
	s.report.Add(m)
}

// Touched reports whether the provider exported at least one entry.
func (s *Sink) Touched() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries > 0
}

// Finish closes the artifact and returns its location. The location is empty
// when the module exported no data; a spurious empty blob is deleted rather
// than handed on.
func (s *Sink) Finish(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", errors.New("archive sink already closed")
	}
	s.closed = true
	if s.file == nil {
		return "", nil
	}
	if err := s.zw.Close(); err != nil {
		_ = s.file.Abort()
		return "", err
	}
	location, err := s.file.Commit()
	if err != nil {
		return "", err
	}
	if s.entries == 0 {
		if derr := s.store.Delete(ctx, location); derr != nil && !errors.Is(derr, filestore.ErrNotFound) {
			s.log.Warn("could not drop empty artifact",
				logx.String("module", s.module), logx.String("location", location), logx.Err(derr))
		}
		return "", nil
	}
	return location, nil
}

// Revoke discards the artifact. No-op after Finish.
func (s *Sink) Revoke() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.file == nil {
		return
	}
	_ = s.zw.Close()
	_ = s.file.Abort()
}

func (s *Sink) ensureOpenLocked(ctx context.Context) error {
	if s.file != nil {
		return nil
	}
	f, err := s.store.Create(ctx)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(f)
	if s.prior != "" {
		if err := s.copyPriorLocked(ctx, zw); err != nil {
			_ = zw.Close()
			_ = f.Abort()
			return err
		}
	}
	s.file, s.zw = f, zw
	return nil
}

// copyPriorLocked carries the entries exported before a pause into the new
// artifact so the provider can keep appending where it left off.
func (s *Sink) copyPriorLocked(ctx context.Context, zw *zip.Writer) error {
	blob, err := s.store.Open(ctx, s.prior)
	if err != nil {
		return err
	}
	defer blob.Close()
	zr, err := zip.NewReader(blob, blob.Size())
	if err != nil {
		return err
	}
	for _, f := range zr.File {
		if err := zw.Copy(f); err != nil {
			return err
		}
		s.entries++
	}
	return nil
}
