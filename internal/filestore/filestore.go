// Package filestore stores export artifacts as opaque blobs addressed by
// generated locations. The scheduling core never interprets locations; it only
// round-trips them through task records.
package filestore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	logx "exportd/pkg/logx"

	"github.com/google/uuid"
)

// ErrNotFound: no blob exists at the given location.
var ErrNotFound = errors.New("filestore: no such location")

// File is a pending blob being written. Nothing is visible in the store until
// Commit; Abort discards the data.
type File interface {
	io.Writer

	// Commit finalizes the blob and returns its location.
	Commit() (string, error)

	// Abort discards the pending blob. No-op after Commit.
	Abort() error
}

// Blob is a stored artifact opened for reading. ReaderAt is required so
// archive readers can walk the central directory.
type Blob interface {
	io.ReaderAt
	io.ReadCloser

	Size() int64
}

// Store is the artifact backend.
type Store interface {
	Create(ctx context.Context) (File, error)
	Open(ctx context.Context, location string) (Blob, error)
	Delete(ctx context.Context, location string) error

	// Ping verifies the store is reachable and writable.
	Ping(ctx context.Context) error
}

// Disk is a local-filesystem Store. Blobs are flat files named by random
// UUIDs; writes go to a .tmp sibling and are renamed into place on Commit.
type Disk struct {
	dir string
	log logx.Logger
}

func OpenDisk(dir string, log logx.Logger) (*Disk, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("filestore: directory is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Disk{dir: dir, log: log}, nil
}

func (d *Disk) Create(ctx context.Context) (File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	location := uuid.NewString()
	path := filepath.Join(d.dir, location)
	f, err := os.OpenFile(path+".tmp", os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &diskFile{f: f, path: path, location: location}, nil
}

func (d *Disk) Open(ctx context.Context, location string) (Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := d.resolve(location)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &diskBlob{File: f, size: fi.Size()}, nil
}

func (d *Disk) Delete(ctx context.Context, location string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := d.resolve(location)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

// Ping writes and removes a probe file.
func (d *Disk) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	probe := filepath.Join(d.dir, ".probe-"+uuid.NewString())
	if err := os.WriteFile(probe, nil, 0o600); err != nil {
		return err
	}
	return os.Remove(probe)
}

// resolve rejects locations that would escape the store directory.
func (d *Disk) resolve(location string) (string, error) {
	if location == "" || location != filepath.Base(location) {
		return "", ErrNotFound
	}
	return filepath.Join(d.dir, location), nil
}

type diskFile struct {
	f        *os.File
	path     string
	location string
	done     bool
}

func (p *diskFile) Write(b []byte) (int, error) { return p.f.Write(b) }

func (p *diskFile) Commit() (string, error) {
	if p.done {
		return p.location, nil
	}
	if err := p.f.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(p.path+".tmp", p.path); err != nil {
		return "", err
	}
	p.done = true
	return p.location, nil
}

func (p *diskFile) Abort() error {
	if p.done {
		return nil
	}
	p.done = true
	_ = p.f.Close()
	return os.Remove(p.path + ".tmp")
}

type diskBlob struct {
	*os.File
	size int64
}

func (b *diskBlob) Size() int64 { return b.size }
