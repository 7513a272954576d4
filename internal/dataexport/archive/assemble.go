package archive

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"exportd/internal/dataexport"
	"exportd/internal/filestore"
	logx "exportd/pkg/logx"
)

// reportEntryName is the archive entry holding the diagnostics report.
const reportEntryName = "export-report.json"

// ResultFileName is the user-visible download name for part n of m.
func ResultFileName(n, m int) string {
	if m <= 1 {
		return "archive.zip"
	}
	return fmt.Sprintf("archive-%d-of-%d.zip", n, m)
}

// Assembler merges the intermediate per-item artifacts of a finished task into
// size-bounded result archive parts.
type Assembler struct {
	store filestore.Store
	log   logx.Logger
}

func NewAssembler(store filestore.Store, log logx.Logger) *Assembler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Assembler{store: store, log: log}
}

// Assemble copies every entry of every item artifact into result parts no
// larger than maxSize (a part holding a single oversized entry may exceed it)
// and appends the diagnostics report to the last part. Committed parts are
// deleted again on error. Returns ErrNoResultFiles when no item produced data.
func (a *Assembler) Assemble(ctx context.Context, task *dataexport.Task, report *dataexport.Report, maxSize int64) (files []dataexport.ResultFile, err error) {
	if maxSize <= 0 {
		maxSize = dataexport.MinFileSize
	}

	var cur *part
	defer func() {
		if err == nil {
			return
		}
		if cur != nil {
			cur.abort()
		}
		for _, f := range files {
			if derr := a.store.Delete(ctx, f.Location); derr != nil {
				a.log.Warn("could not delete partial result file",
					logx.String("location", f.Location), logx.Err(derr))
			}
		}
		files = nil
	}()

	for _, item := range task.WorkItems {
		if item.Location == "" {
			continue
		}
		if cur, files, err = a.copyItem(ctx, cur, files, item, maxSize); err != nil {
			return nil, err
		}
	}

	if cur == nil {
		return nil, dataexport.ErrNoResultFiles
	}

	if report != nil && report.Options.Enabled && !report.Empty() {
		if err = writeReport(cur.zw, report); err != nil {
			return nil, err
		}
	}

	if files, err = cur.commit(files); err != nil {
		cur = nil
		return nil, err
	}
	cur = nil
	return files, nil
}

func (a *Assembler) copyItem(ctx context.Context, cur *part, files []dataexport.ResultFile, item dataexport.WorkItem, maxSize int64) (*part, []dataexport.ResultFile, error) {
	blob, err := a.store.Open(ctx, item.Location)
	if err != nil {
		return cur, files, fmt.Errorf("open artifact of module %s: %w", item.Module, err)
	}
	defer blob.Close()

	zr, err := zip.NewReader(blob, blob.Size())
	if err != nil {
		return cur, files, fmt.Errorf("read artifact of module %s: %w", item.Module, err)
	}
	for _, f := range zr.File {
		// Roll over before the entry, never mid-entry, and only if the
		// current part already holds something.
		if cur != nil && cur.entries > 0 && cur.cw.n+int64(f.CompressedSize64) > maxSize {
			if files, err = cur.commit(files); err != nil {
				return nil, files, err
			}
			cur = nil
		}
		if cur == nil {
			if cur, err = a.newPart(ctx, len(files)+1); err != nil {
				return nil, files, err
			}
		}
		if err := cur.zw.Copy(f); err != nil {
			return cur, files, err
		}
		cur.entries++
	}
	return cur, files, nil
}

func (a *Assembler) newPart(ctx context.Context, number int) (*part, error) {
	f, err := a.store.Create(ctx)
	if err != nil {
		return nil, err
	}
	cw := &countWriter{w: f}
	return &part{file: f, cw: cw, zw: zip.NewWriter(cw), number: number}, nil
}

type part struct {
	file    filestore.File
	cw      *countWriter
	zw      *zip.Writer
	number  int
	entries int
}

func (p *part) commit(files []dataexport.ResultFile) ([]dataexport.ResultFile, error) {
	if err := p.zw.Close(); err != nil {
		_ = p.file.Abort()
		return files, err
	}
	location, err := p.file.Commit()
	if err != nil {
		return files, err
	}
	return append(files, dataexport.ResultFile{Number: p.number, Location: location}), nil
}

func (p *part) abort() {
	_ = p.zw.Close()
	_ = p.file.Abort()
}

func writeReport(zw *zip.Writer, report *dataexport.Report) error {
	w, err := zw.Create(reportEntryName)
	if err != nil {
		return err
	}
	payload := struct {
		GeneratedAt time.Time            `json:"generatedAt"`
		Messages    []dataexport.Message `json:"messages"`
	}{GeneratedAt: time.Now().UTC(), Messages: report.Messages()}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

type countWriter struct {
	w io.Writer
	n int64
}

func (c *countWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	c.n += int64(n)
	return n, err
}
