// Package storage reads and writes fixed-size pages on a durable medium.
package storage

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/alexhholmes/crabtree/internal/base"
)

var ErrLocked = errors.New("file is locked by another process")

// Storage is a page-addressed medium.
type Storage interface {
	ReadPage(id base.PageID, page *base.Page) error
	WritePage(id base.PageID, page *base.Page) error
	Sync() error
	Empty() (bool, error)
	Close() error
	Stats() Stats
}

// Stats counts page I/O.
type Stats struct {
	Reads  uint64
	Writes uint64
	Syncs  uint64
}

type counters struct {
	reads  atomic.Uint64
	writes atomic.Uint64
	syncs  atomic.Uint64
}

func (c *counters) Stats() Stats {
	return Stats{Reads: c.reads.Load(), Writes: c.writes.Load(), Syncs: c.syncs.Load()}
}

// File stores pages in a regular file at offset id*PageSize. The file is
// locked exclusively while open.
type File struct {
	counters
	file *os.File
}

// Open opens or creates the page file at path.
func Open(path string) (*File, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	if err := lock(file); err != nil {
		_ = file.Close()
		return nil, err
	}
	return &File{file: file}, nil
}

// ReadPage reads one page
func (f *File) ReadPage(id base.PageID, page *base.Page) error {
	f.reads.Add(1)
	n, err := f.file.ReadAt(page.Data[:], int64(id)*base.PageSize)
	if err != nil {
		return fmt.Errorf("read page %d: %w", id, err)
	}
	if n != base.PageSize {
		return fmt.Errorf("short read: got %d bytes, expected %d", n, base.PageSize)
	}
	return nil
}

// WritePage writes one page
func (f *File) WritePage(id base.PageID, page *base.Page) error {
	f.writes.Add(1)
	n, err := f.file.WriteAt(page.Data[:], int64(id)*base.PageSize)
	if err != nil {
		return fmt.Errorf("write page %d: %w", id, err)
	}
	if n != base.PageSize {
		return fmt.Errorf("short write: wrote %d bytes, expected %d", n, base.PageSize)
	}
	return nil
}

// Sync flushes written pages to stable storage.
func (f *File) Sync() error {
	f.syncs.Add(1)
	return fsync(f.file)
}

// Empty reports whether the file holds no pages yet.
func (f *File) Empty() (bool, error) {
	info, err := f.file.Stat()
	if err != nil {
		return false, err
	}
	return info.Size() == 0, nil
}

// Close releases the lock and closes the file.
func (f *File) Close() error {
	unlockErr := unlock(f.file)
	if err := f.file.Close(); err != nil {
		return err
	}
	return unlockErr
}
