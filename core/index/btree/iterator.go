package btree

import (
	"errors"

	"github.com/sushant-115/kurodb/core/storage/page"
)

var ErrIteratorEnd = errors.New("iterator is past the last entry")

// IndexIterator is a lazy forward cursor over the leaf chain. Its state
// is just (leaf page id, slot index); every access acquires and
// releases a guard on the leaf, so long scans never hold a pin across
// steps and tolerate interleaved modifications.
type IndexIterator[K any] struct {
	tree    *BPlusTree[K]
	leafPID page.PageID
	index   int
}

// Begin positions an iterator on the first entry of the leftmost leaf.
func (t *BPlusTree[K]) Begin() (*IndexIterator[K], error) {
	var zero K
	lg, err := t.findLeafGuard(zero, true, false)
	if err != nil {
		return nil, err
	}
	if lg == nil {
		return &IndexIterator[K]{tree: t, leafPID: page.InvalidPageID}, nil
	}
	pid := lg.Page().ID()
	lg.Release()
	return &IndexIterator[K]{tree: t, leafPID: pid}, nil
}

// BeginAt positions an iterator on the first entry with a key >= key.
func (t *BPlusTree[K]) BeginAt(key K) (*IndexIterator[K], error) {
	lg, err := t.findLeafGuard(key, false, false)
	if err != nil {
		return nil, err
	}
	if lg == nil {
		return &IndexIterator[K]{tree: t, leafPID: page.InvalidPageID}, nil
	}
	lf := t.leaf(lg.Page())
	idx := lf.keyIndex(key)
	pid := lg.Page().ID()
	// A probe between two leaves lands one past the end of the left
	// one; the first qualifying entry is the head of its successor.
	if idx >= lf.size() && lf.next() != page.InvalidPageID {
		pid = lf.next()
		idx = 0
	}
	lg.Release()
	return &IndexIterator[K]{tree: t, leafPID: pid, index: idx}, nil
}

// End positions an iterator one past the last entry of the tail leaf.
func (t *BPlusTree[K]) End() (*IndexIterator[K], error) {
	var zero K
	lg, err := t.findLeafGuard(zero, false, true)
	if err != nil {
		return nil, err
	}
	if lg == nil {
		return &IndexIterator[K]{tree: t, leafPID: page.InvalidPageID}, nil
	}
	lf := t.leaf(lg.Page())
	pid := lg.Page().ID()
	idx := lf.size()
	lg.Release()
	return &IndexIterator[K]{tree: t, leafPID: pid, index: idx}, nil
}

// IsEnd reports whether the iterator sits one past the final entry:
// on the tail leaf with the index at its size.
func (it *IndexIterator[K]) IsEnd() (bool, error) {
	if it.leafPID == page.InvalidPageID {
		return true, nil
	}
	lg, err := it.tree.bpm.FetchGuard(it.leafPID)
	if err != nil {
		return false, err
	}
	lf := it.tree.leaf(lg.Page())
	end := lf.next() == page.InvalidPageID && it.index >= lf.size()
	lg.Release()
	return end, nil
}

// Entry returns the (key, value) at the current position.
func (it *IndexIterator[K]) Entry() (K, page.RID, error) {
	var zero K
	if it.leafPID == page.InvalidPageID {
		return zero, page.RID{}, ErrIteratorEnd
	}
	lg, err := it.tree.bpm.FetchGuard(it.leafPID)
	if err != nil {
		return zero, page.RID{}, err
	}
	lf := it.tree.leaf(lg.Page())
	if it.index >= lf.size() {
		lg.Release()
		return zero, page.RID{}, ErrIteratorEnd
	}
	k := lf.keyAt(it.index)
	rid := lf.ridAt(it.index)
	lg.Release()
	return k, rid, nil
}

// Next advances one slot, moving to the head of the next leaf after the
// last slot of a non-tail leaf. Advancing past the end is a no-op.
func (it *IndexIterator[K]) Next() error {
	end, err := it.IsEnd()
	if err != nil {
		return err
	}
	if end {
		return nil
	}
	lg, err := it.tree.bpm.FetchGuard(it.leafPID)
	if err != nil {
		return err
	}
	lf := it.tree.leaf(lg.Page())
	next := lf.next()
	size := lf.size()
	lg.Release()

	switch {
	case next == page.InvalidPageID:
		it.index++
	case it.index < size-1:
		it.index++
	default:
		it.index = 0
		it.leafPID = next
	}
	return nil
}
