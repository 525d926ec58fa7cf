package buffer

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	internaltelemetry "github.com/sushant-115/kurodb/internal/telemetry"

	"github.com/sushant-115/kurodb/core/storage/disk"
	"github.com/sushant-115/kurodb/core/storage/page"
)

var (
	ErrNoEvictableFrame = errors.New("buffer pool is full and no frame can be evicted")
	ErrPageNotResident  = errors.New("page not resident in buffer pool")
)

// BufferPoolManager maps page ids to frames, pins and unpins pages on
// behalf of callers, and writes dirty frames back to disk before their
// frame is reused. All operations serialize on a single pool latch; the
// pool is the sole owner of page memory.
type BufferPoolManager struct {
	mu          sync.Mutex
	poolSize    int
	diskManager *disk.Manager
	pages       []*page.Page
	pageTable   map[page.PageID]FrameID
	freeList    *list.List
	replacer    *LRUReplacer
	logger      *zap.Logger
	metrics     *internaltelemetry.BufferPoolMetrics
}

// NewBufferPoolManager creates a pool of poolSize frames backed by the
// given disk manager. metrics may be nil.
func NewBufferPoolManager(poolSize int, diskManager *disk.Manager, logger *zap.Logger, metrics *internaltelemetry.BufferPoolMetrics) *BufferPoolManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	bpm := &BufferPoolManager{
		poolSize:    poolSize,
		diskManager: diskManager,
		pages:       make([]*page.Page, poolSize),
		pageTable:   make(map[page.PageID]FrameID),
		freeList:    list.New(),
		replacer:    NewLRUReplacer(poolSize, logger),
		logger:      logger,
		metrics:     metrics,
	}
	// Initially every frame is free.
	for i := 0; i < poolSize; i++ {
		bpm.pages[i] = page.NewPage()
		bpm.freeList.PushBack(FrameID(i))
	}
	return bpm
}

// PoolSize returns the number of frames.
func (bpm *BufferPoolManager) PoolSize() int { return bpm.poolSize }

// findFrame picks a frame for a new resident page: free list first,
// then an LRU victim. Caller holds the pool latch.
func (bpm *BufferPoolManager) findFrame() (FrameID, error) {
	if front := bpm.freeList.Front(); front != nil {
		bpm.freeList.Remove(front)
		return front.Value.(FrameID), nil
	}
	fid, ok := bpm.replacer.Victim()
	if !ok {
		return 0, ErrNoEvictableFrame
	}
	if bpm.metrics != nil {
		bpm.metrics.EvictionsCounter.Add(context.Background(), 1)
	}
	return fid, nil
}

// evictFrame writes the frame's current page back if dirty and drops it
// from the page table. Caller holds the pool latch.
func (bpm *BufferPoolManager) evictFrame(fid FrameID) error {
	victim := bpm.pages[fid]
	if victim.ID() == page.InvalidPageID {
		return nil
	}
	if victim.IsDirty() {
		if err := bpm.diskManager.WritePage(victim.ID(), victim.Data()); err != nil {
			return fmt.Errorf("failed to write back victim page %d: %w", victim.ID(), err)
		}
		if bpm.metrics != nil {
			bpm.metrics.FlushesCounter.Add(context.Background(), 1)
		}
		victim.SetDirty(false)
	}
	delete(bpm.pageTable, victim.ID())
	return nil
}

// FetchPage returns the page pinned. A resident page is returned
// directly; otherwise a victim frame is reclaimed, written back if
// dirty, and the page is read from disk into it.
func (bpm *BufferPoolManager) FetchPage(pid page.PageID) (*page.Page, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	if pid < 0 {
		return nil, fmt.Errorf("%w: fetch of page %d", disk.ErrInvalidPageID, pid)
	}

	if fid, ok := bpm.pageTable[pid]; ok {
		p := bpm.pages[fid]
		p.Pin()
		bpm.replacer.Pin(fid)
		if bpm.metrics != nil {
			bpm.metrics.HitsCounter.Add(context.Background(), 1)
			bpm.metrics.PinnedPagesCounter.Add(context.Background(), 1)
		}
		return p, nil
	}

	fid, err := bpm.findFrame()
	if err != nil {
		bpm.logger.Warn("no frame available for fetch", zap.Int32("page_id", int32(pid)))
		return nil, err
	}
	if err := bpm.evictFrame(fid); err != nil {
		// The frame still holds its old page; put it back in rotation.
		bpm.replacer.Unpin(fid)
		return nil, err
	}

	p := bpm.pages[fid]
	p.Reset()
	if err := bpm.diskManager.ReadPage(pid, p.Data()); err != nil {
		// Frame is empty and untracked; return it to the free list.
		bpm.freeList.PushBack(fid)
		return nil, fmt.Errorf("failed to read page %d: %w", pid, err)
	}

	p.SetID(pid)
	p.SetPinCount(1)
	p.SetDirty(false)
	bpm.pageTable[pid] = fid
	if bpm.metrics != nil {
		bpm.metrics.MissesCounter.Add(context.Background(), 1)
		bpm.metrics.PinnedPagesCounter.Add(context.Background(), 1)
	}
	bpm.logger.Debug("page loaded into frame",
		zap.Int32("page_id", int32(pid)), zap.Int("frame_id", int(fid)))
	return p, nil
}

// NewPage allocates a fresh page on disk and pins it into a frame with
// zeroed memory. It fails iff no frame is free or evictable.
func (bpm *BufferPoolManager) NewPage() (*page.Page, page.PageID, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	fid, err := bpm.findFrame()
	if err != nil {
		return nil, page.InvalidPageID, err
	}
	if err := bpm.evictFrame(fid); err != nil {
		bpm.replacer.Unpin(fid)
		return nil, page.InvalidPageID, err
	}

	pid, err := bpm.diskManager.AllocatePage()
	if err != nil {
		bpm.freeList.PushBack(fid)
		return nil, page.InvalidPageID, err
	}

	p := bpm.pages[fid]
	p.Reset()
	p.SetID(pid)
	p.SetPinCount(1)
	p.SetDirty(false)
	bpm.pageTable[pid] = fid
	if bpm.metrics != nil {
		bpm.metrics.PinnedPagesCounter.Add(context.Background(), 1)
	}
	bpm.logger.Debug("new page pinned",
		zap.Int32("page_id", int32(pid)), zap.Int("frame_id", int(fid)))
	return p, pid, nil
}

// UnpinPage decrements the page's pin count and ORs the dirty flag into
// the frame. When the count reaches zero the frame becomes evictable.
// Returns false when the page is not resident or already unpinned.
func (bpm *BufferPoolManager) UnpinPage(pid page.PageID, isDirty bool) bool {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	fid, ok := bpm.pageTable[pid]
	if !ok {
		bpm.logger.Warn("unpin of non-resident page", zap.Int32("page_id", int32(pid)))
		return false
	}
	p := bpm.pages[fid]
	if p.PinCount() <= 0 {
		bpm.logger.Warn("unpin of page with zero pin count", zap.Int32("page_id", int32(pid)))
		return false
	}
	if isDirty {
		p.SetDirty(true)
	}
	p.Unpin()
	if bpm.metrics != nil {
		bpm.metrics.PinnedPagesCounter.Add(context.Background(), -1)
	}
	if p.PinCount() == 0 {
		bpm.replacer.Unpin(fid)
	}
	return true
}

// FlushPage writes the resident page's bytes to disk and clears the
// dirty bit. Returns false when the page is not resident.
func (bpm *BufferPoolManager) FlushPage(pid page.PageID) bool {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	return bpm.flushLocked(pid)
}

func (bpm *BufferPoolManager) flushLocked(pid page.PageID) bool {
	fid, ok := bpm.pageTable[pid]
	if !ok {
		return false
	}
	p := bpm.pages[fid]
	if err := bpm.diskManager.WritePage(pid, p.Data()); err != nil {
		bpm.logger.Error("flush failed", zap.Int32("page_id", int32(pid)), zap.Error(err))
		return false
	}
	if bpm.metrics != nil {
		bpm.metrics.FlushesCounter.Add(context.Background(), 1)
	}
	p.SetDirty(false)
	return true
}

// FlushAllPages writes every resident page to disk.
func (bpm *BufferPoolManager) FlushAllPages() {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	for pid := range bpm.pageTable {
		bpm.flushLocked(pid)
	}
	if err := bpm.diskManager.Sync(); err != nil {
		bpm.logger.Error("disk sync failed during flush all", zap.Error(err))
	}
}

// DeletePage removes a page from the pool and deallocates it on disk.
// A non-resident page deletes trivially; a pinned page cannot be
// deleted and returns false.
func (bpm *BufferPoolManager) DeletePage(pid page.PageID) bool {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	fid, ok := bpm.pageTable[pid]
	if !ok {
		return true
	}
	p := bpm.pages[fid]
	if p.PinCount() > 0 {
		bpm.logger.Warn("delete of pinned page refused",
			zap.Int32("page_id", int32(pid)), zap.Int("pin_count", p.PinCount()))
		return false
	}

	delete(bpm.pageTable, pid)
	if err := bpm.diskManager.DeallocatePage(pid); err != nil {
		bpm.logger.Warn("deallocate failed", zap.Int32("page_id", int32(pid)), zap.Error(err))
	}
	p.Reset()
	// The frame moves to the free list; take it out of the evictable set
	// so it is never tracked by both.
	bpm.replacer.Pin(fid)
	bpm.freeList.PushBack(fid)
	return true
}
