// Package disk implements page-granular file I/O: synchronous reads and
// writes of fixed-size pages plus page id allocation.
package disk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/sushant-115/kurodb/core/storage/page"
)

var (
	ErrIO              = errors.New("i/o error")
	ErrInvalidPageID   = errors.New("invalid page id")
	ErrShortPageBuffer = errors.New("page buffer size does not match page size")
)

// Manager performs synchronous page-sized reads and writes against a
// single database file. Page ids map directly to file offsets; page 0 is
// reserved for the header page and is materialized when the file is
// created.
type Manager struct {
	mu       sync.Mutex
	filePath string
	file     *os.File
	nextPage page.PageID
	logger   *zap.Logger
}

// NewManager opens the database file at filePath, creating it (with a
// zeroed header page) if it does not exist.
func NewManager(filePath string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, fmt.Errorf("%w: opening file %s: %v", ErrIO, filePath, err)
	}

	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: stating file %s: %v", ErrIO, filePath, err)
	}

	dm := &Manager{
		filePath: filePath,
		file:     file,
		logger:   logger,
	}

	if fi.Size() == 0 {
		// Fresh file: materialize the header page so page 0 is always readable.
		zero := make([]byte, page.PageSize)
		if _, err := file.WriteAt(zero, 0); err != nil {
			file.Close()
			return nil, fmt.Errorf("%w: initializing header page: %v", ErrIO, err)
		}
		dm.nextPage = 1
	} else {
		dm.nextPage = page.PageID(fi.Size() / page.PageSize)
		if dm.nextPage < 1 {
			dm.nextPage = 1
		}
	}

	logger.Info("disk manager opened",
		zap.String("path", filePath),
		zap.Int32("next_page_id", int32(dm.nextPage)))
	return dm, nil
}

// ReadPage reads the page's bytes from disk into buf.
func (dm *Manager) ReadPage(pid page.PageID, buf []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if pid < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPageID, pid)
	}
	if len(buf) != page.PageSize {
		return fmt.Errorf("%w: got %d", ErrShortPageBuffer, len(buf))
	}
	offset := int64(pid) * page.PageSize
	n, err := dm.file.ReadAt(buf, offset)
	if err != nil {
		if err == io.EOF {
			return fmt.Errorf("%w: EOF reading page %d at offset %d", ErrIO, pid, offset)
		}
		return fmt.Errorf("%w: reading page %d: %v", ErrIO, pid, err)
	}
	if n != page.PageSize {
		return fmt.Errorf("%w: short read for page %d, got %d", ErrIO, pid, n)
	}
	return nil
}

// WritePage writes the page's bytes to its slot in the file. Durability
// is the caller's concern; Sync flushes the file when needed.
func (dm *Manager) WritePage(pid page.PageID, buf []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if pid < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPageID, pid)
	}
	if len(buf) != page.PageSize {
		return fmt.Errorf("%w: got %d", ErrShortPageBuffer, len(buf))
	}
	offset := int64(pid) * page.PageSize
	if _, err := dm.file.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("%w: writing page %d: %v", ErrIO, pid, err)
	}
	return nil
}

// AllocatePage extends the file by one zeroed page and returns its id.
// Ids are monotonically increasing for the life of the file.
func (dm *Manager) AllocatePage() (page.PageID, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	pid := dm.nextPage
	empty := make([]byte, page.PageSize)
	offset := int64(pid) * page.PageSize
	if _, err := dm.file.WriteAt(empty, offset); err != nil {
		return page.InvalidPageID, fmt.Errorf("%w: extending file for page %d: %v", ErrIO, pid, err)
	}
	dm.nextPage++
	dm.logger.Debug("allocated page", zap.Int32("page_id", int32(pid)))
	return pid, nil
}

// DeallocatePage releases a page id back to the file. Free-space
// management is a no-op for this engine; the slot stays in the file.
func (dm *Manager) DeallocatePage(pid page.PageID) error {
	dm.logger.Debug("deallocated page", zap.Int32("page_id", int32(pid)))
	return nil
}

// Sync flushes all buffered writes to stable storage.
func (dm *Manager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file != nil {
		return dm.file.Sync()
	}
	return nil
}

// Close syncs and closes the underlying file handle.
func (dm *Manager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	if err := dm.file.Sync(); err != nil {
		dm.logger.Warn("sync on close failed", zap.Error(err))
	}
	err := dm.file.Close()
	dm.file = nil
	return err
}
