// Package localdir is a built-in export provider that walks a per-account
// directory tree and streams every file into the export sink. It exists both
// as a usable provider for file-backed deployments and as the reference
// implementation of the provider contract (resumable via savepoint, abortable
// via context).
package localdir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"exportd/internal/dataexport"
	logx "exportd/pkg/logx"

	"github.com/google/uuid"
)

const moduleName = "localdir"

// savepoint records the last fully exported file; resumption continues with
// the first path sorting after it.
type savepoint struct {
	After string `json:"after"`
}

type Provider struct {
	root string
	log  logx.Logger

	// batchSize bounds how many files one Export call handles before
	// yielding with a savepoint. 0 means no voluntary yield.
	batchSize int
}

func New(root string, batchSize int, log logx.Logger) *Provider {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Provider{root: root, log: log, batchSize: batchSize}
}

func (p *Provider) Module() string { return moduleName }

// CheckArguments reports whether the account has a data directory at all.
func (p *Provider) CheckArguments(ctx context.Context, args dataexport.Arguments, acct dataexport.Account) (bool, error) {
	_ = ctx
	_ = args
	fi, err := os.Stat(p.dir(acct))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return fi.IsDir(), nil
}

func (p *Provider) Export(ctx context.Context, processingID uuid.UUID, sink dataexport.Sink, sp json.RawMessage, task *dataexport.Task) (dataexport.ExportResult, error) {
	_ = processingID
	after := ""
	if len(sp) > 0 {
		var s savepoint
		if err := json.Unmarshal(sp, &s); err != nil {
			return dataexport.ExportResult{}, fmt.Errorf("decode savepoint: %w", err)
		}
		after = s.After
	}

	paths, err := p.listFiles(task.Account)
	if err != nil {
		return dataexport.ExportResult{}, err
	}

	exported := 0
	for _, rel := range paths {
		if rel <= after {
			continue
		}
		if ctx.Err() != nil {
			return dataexport.Interrupted(), nil
		}
		if err := p.exportOne(ctx, sink, task.Account, rel); err != nil {
			return dataexport.ExportResult{}, err
		}
		exported++
		after = rel
		if p.batchSize > 0 && exported >= p.batchSize {
			b, err := json.Marshal(savepoint{After: after})
			if err != nil {
				return dataexport.ExportResult{}, err
			}
			return dataexport.Incomplete(b, nil), nil
		}
	}
	if exported > 0 {
		sink.Message(dataexport.Message{Text: "exported " + strconv.Itoa(exported) + " files"})
	}
	return dataexport.Completed(), nil
}

// Pause hands back the current position; Export tracks it per call so the
// savepoint is simply "everything up to the last file the context allowed".
// Since exportOne is atomic per file, pausing always succeeds.
func (p *Provider) Pause(ctx context.Context, processingID uuid.UUID, sink dataexport.Sink, task *dataexport.Task) (dataexport.PauseResult, error) {
	_ = ctx
	_ = processingID
	_ = sink
	_ = task
	// Position is only known inside Export; let the interrupted Export call
	// finish its current file and re-run from the persisted savepoint.
	return dataexport.PauseResult{Paused: false}, nil
}

func (p *Provider) dir(acct dataexport.Account) string {
	return filepath.Join(p.root, strconv.Itoa(acct.ContextID), strconv.Itoa(acct.UserID))
}

// listFiles returns the account's files as sorted slash-separated relative
// paths, the order the savepoint cursor relies on.
func (p *Provider) listFiles(acct dataexport.Account) ([]string, error) {
	root := p.dir(acct)
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (p *Provider) exportOne(ctx context.Context, sink dataexport.Sink, acct dataexport.Account, rel string) error {
	f, err := os.Open(filepath.Join(p.dir(acct), filepath.FromSlash(rel)))
	if err != nil {
		return err
	}
	defer f.Close()
	ok, err := sink.Export(ctx, moduleName+"/"+rel, f)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("sink closed")
	}
	return nil
}
