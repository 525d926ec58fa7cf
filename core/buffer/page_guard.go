package buffer

import (
	"github.com/sushant-115/kurodb/core/storage/page"
)

type latchMode int

const (
	latchNone latchMode = iota
	latchRead
	latchWrite
)

// PageGuard is a scoped page acquisition: while the guard is live the
// frame stays pinned, and any latch taken through the guard is held.
// Release drops the latch and unpins exactly once with the accumulated
// dirty flag. It replaces explicit FetchPage/UnpinPage pairing.
type PageGuard struct {
	bpm      *BufferPoolManager
	page     *page.Page
	dirty    bool
	latch    latchMode
	released bool
}

// FetchGuard fetches a page and wraps it in a guard.
func (bpm *BufferPoolManager) FetchGuard(pid page.PageID) (*PageGuard, error) {
	p, err := bpm.FetchPage(pid)
	if err != nil {
		return nil, err
	}
	return &PageGuard{bpm: bpm, page: p}, nil
}

// NewGuard allocates a new page and wraps it in a guard.
func (bpm *BufferPoolManager) NewGuard() (*PageGuard, page.PageID, error) {
	p, pid, err := bpm.NewPage()
	if err != nil {
		return nil, page.InvalidPageID, err
	}
	return &PageGuard{bpm: bpm, page: p}, pid, nil
}

// Page returns the pinned page. Only valid before Release.
func (g *PageGuard) Page() *page.Page { return g.page }

// RLatch takes a shared latch on the page contents; Release lets it go.
func (g *PageGuard) RLatch() {
	g.page.RLatch()
	g.latch = latchRead
}

// WLatch takes an exclusive latch on the page contents; Release lets it go.
func (g *PageGuard) WLatch() {
	g.page.WLatch()
	g.latch = latchWrite
}

// MarkDirty records that the caller modified the page; the flag is
// passed to UnpinPage on Release.
func (g *PageGuard) MarkDirty() { g.dirty = true }

// Release unlatches (if a latch was taken through the guard) and unpins
// the page. Safe to call more than once; only the first call takes
// effect.
func (g *PageGuard) Release() {
	if g.released {
		return
	}
	g.released = true
	switch g.latch {
	case latchRead:
		g.page.RUnlatch()
	case latchWrite:
		g.page.WUnlatch()
	}
	g.bpm.UnpinPage(g.page.ID(), g.dirty)
}
