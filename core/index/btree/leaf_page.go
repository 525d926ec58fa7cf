package btree

import (
	"encoding/binary"

	"github.com/sushant-115/kurodb/core/storage/page"
)

// leafNode is a typed view over a leaf page: a sorted array of
// (key, RID) entries plus the sibling link.
type leafNode[K any] struct {
	node
	codec KeyCodec[K]
	order Order[K]
}

const leafValueLen = 8 // rid.page_id:4 | rid.slot:4

func (l leafNode[K]) entrySize() int { return l.codec.Size() + leafValueLen }

func (l leafNode[K]) entryOffset(i int) int { return leafDataStart + i*l.entrySize() }

// init stamps a fresh page as an empty leaf.
func (l leafNode[K]) init(id, parent page.PageID, maxSize int) {
	l.setKind(kindLeaf)
	l.setLSN(page.InvalidLSN)
	l.setSize(0)
	l.setMaxSize(maxSize)
	l.setParent(parent)
	l.setID(id)
	l.setNext(page.InvalidPageID)
}

func (l leafNode[K]) next() page.PageID       { return page.PageID(l.getInt32(offNextPage)) }
func (l leafNode[K]) setNext(pid page.PageID) { l.putInt32(offNextPage, int32(pid)) }

func (l leafNode[K]) keyAt(i int) K {
	return l.codec.Decode(l.p.Data()[l.entryOffset(i):])
}

func (l leafNode[K]) setKeyAt(i int, k K) {
	l.codec.Encode(l.p.Data()[l.entryOffset(i):], k)
}

func (l leafNode[K]) ridAt(i int) page.RID {
	off := l.entryOffset(i) + l.codec.Size()
	data := l.p.Data()
	return page.RID{
		PageID: page.PageID(int32(binary.LittleEndian.Uint32(data[off:]))),
		Slot:   binary.LittleEndian.Uint32(data[off+4:]),
	}
}

func (l leafNode[K]) setRIDAt(i int, rid page.RID) {
	off := l.entryOffset(i) + l.codec.Size()
	data := l.p.Data()
	binary.LittleEndian.PutUint32(data[off:], uint32(rid.PageID))
	binary.LittleEndian.PutUint32(data[off+4:], rid.Slot)
}

// keyIndex returns the first index i with keyAt(i) >= key, or size when
// every entry is strictly less than key.
func (l leafNode[K]) keyIndex(key K) int {
	lo, hi := 0, l.size()
	for lo < hi {
		mid := (lo + hi) / 2
		if l.order(l.keyAt(mid), key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// lookup returns the value stored under key, if present.
func (l leafNode[K]) lookup(key K) (page.RID, bool) {
	i := l.keyIndex(key)
	if i == l.size() || l.order(l.keyAt(i), key) != 0 {
		return page.RID{}, false
	}
	return l.ridAt(i), true
}

// shiftEntries moves entries [from, size) to position to.
func (l leafNode[K]) shiftEntries(to, from int) {
	data := l.p.Data()
	copy(data[l.entryOffset(to):], data[l.entryOffset(from):l.entryOffset(l.size())])
}

// insert places (key, rid) at its sorted position and returns the new
// size. Duplicate detection happens in the tree before calling this.
func (l leafNode[K]) insert(key K, rid page.RID) int {
	i := l.keyIndex(key)
	l.shiftEntries(i+1, i)
	l.setSize(l.size() + 1)
	l.setKeyAt(i, key)
	l.setRIDAt(i, rid)
	return l.size()
}

// remove deletes the entry for key if present and returns the new size.
func (l leafNode[K]) remove(key K) int {
	i := l.keyIndex(key)
	if i == l.size() || l.order(l.keyAt(i), key) != 0 {
		return l.size()
	}
	l.shiftEntries(i, i+1)
	l.setSize(l.size() - 1)
	return l.size()
}

// moveHalfTo moves the upper half of the entries into recipient, which
// must be empty. The lower size/2 entries stay.
func (l leafNode[K]) moveHalfTo(recipient leafNode[K]) {
	n := l.size()
	keep := n / 2
	moved := n - keep
	copy(recipient.p.Data()[recipient.entryOffset(0):],
		l.p.Data()[l.entryOffset(keep):l.entryOffset(n)])
	recipient.setSize(moved)
	l.setSize(keep)
}

// moveAllTo appends every entry to recipient and hands over the sibling
// link. Used when this leaf coalesces away.
func (l leafNode[K]) moveAllTo(recipient leafNode[K]) {
	n := l.size()
	copy(recipient.p.Data()[recipient.entryOffset(recipient.size()):],
		l.p.Data()[l.entryOffset(0):l.entryOffset(n)])
	recipient.setSize(recipient.size() + n)
	recipient.setNext(l.next())
	l.setSize(0)
}

// moveFirstToEndOf shifts this leaf's first entry to the tail of
// recipient (the left sibling during redistribution).
func (l leafNode[K]) moveFirstToEndOf(recipient leafNode[K]) {
	recipient.setSize(recipient.size() + 1)
	recipient.setKeyAt(recipient.size()-1, l.keyAt(0))
	recipient.setRIDAt(recipient.size()-1, l.ridAt(0))
	l.shiftEntries(0, 1)
	l.setSize(l.size() - 1)
}

// moveLastToFrontOf shifts this leaf's last entry to the head of
// recipient (the right sibling during redistribution).
func (l leafNode[K]) moveLastToFrontOf(recipient leafNode[K]) {
	k := l.keyAt(l.size() - 1)
	rid := l.ridAt(l.size() - 1)
	l.setSize(l.size() - 1)
	recipient.shiftEntries(1, 0)
	recipient.setSize(recipient.size() + 1)
	recipient.setKeyAt(0, k)
	recipient.setRIDAt(0, rid)
}
