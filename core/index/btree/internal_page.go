package btree

import (
	"encoding/binary"

	"github.com/sushant-115/kurodb/core/storage/page"
)

// internalNode is a typed view over an internal page: an array of
// (key, child_page_id) entries. Entry 0's key bytes are present but
// unused; only its child pointer matters.
type internalNode[K any] struct {
	node
	codec KeyCodec[K]
	order Order[K]
}

const internalValueLen = 4 // child_page_id:4

func (in internalNode[K]) entrySize() int { return in.codec.Size() + internalValueLen }

func (in internalNode[K]) entryOffset(i int) int { return nodeHeaderLen + i*in.entrySize() }

// init stamps a fresh page as an empty internal node.
func (in internalNode[K]) init(id, parent page.PageID, maxSize int) {
	in.setKind(kindInternal)
	in.setLSN(page.InvalidLSN)
	in.setSize(0)
	in.setMaxSize(maxSize)
	in.setParent(parent)
	in.setID(id)
}

func (in internalNode[K]) keyAt(i int) K {
	return in.codec.Decode(in.p.Data()[in.entryOffset(i):])
}

func (in internalNode[K]) setKeyAt(i int, k K) {
	in.codec.Encode(in.p.Data()[in.entryOffset(i):], k)
}

func (in internalNode[K]) childAt(i int) page.PageID {
	off := in.entryOffset(i) + in.codec.Size()
	return page.PageID(int32(binary.LittleEndian.Uint32(in.p.Data()[off:])))
}

func (in internalNode[K]) setChildAt(i int, pid page.PageID) {
	off := in.entryOffset(i) + in.codec.Size()
	binary.LittleEndian.PutUint32(in.p.Data()[off:], uint32(pid))
}

// childIndex returns the index whose child pointer equals pid, or -1.
func (in internalNode[K]) childIndex(pid page.PageID) int {
	for i := 0; i < in.size(); i++ {
		if in.childAt(i) == pid {
			return i
		}
	}
	return -1
}

// lookup returns the child whose subtree must contain key: the child
// left of the first key strictly greater than key, child 0 for keys
// below every separator.
func (in internalNode[K]) lookup(key K) page.PageID {
	for i := 1; i < in.size(); i++ {
		if in.order(key, in.keyAt(i)) < 0 {
			return in.childAt(i - 1)
		}
	}
	return in.childAt(in.size() - 1)
}

func (in internalNode[K]) shiftEntries(to, from int) {
	data := in.p.Data()
	copy(data[in.entryOffset(to):], data[in.entryOffset(from):in.entryOffset(in.size())])
}

// populateNewRoot fills an empty node with the two children produced by
// a root split.
func (in internalNode[K]) populateNewRoot(left page.PageID, key K, right page.PageID) {
	in.setSize(2)
	in.setChildAt(0, left)
	in.setKeyAt(1, key)
	in.setChildAt(1, right)
}

// insertNodeAfter places (key, newChild) immediately after the entry
// pointing at oldChild and returns the new size.
func (in internalNode[K]) insertNodeAfter(oldChild page.PageID, key K, newChild page.PageID) int {
	i := in.childIndex(oldChild) + 1
	in.shiftEntries(i+1, i)
	in.setSize(in.size() + 1)
	in.setKeyAt(i, key)
	in.setChildAt(i, newChild)
	return in.size()
}

// remove deletes entry i.
func (in internalNode[K]) remove(i int) {
	in.shiftEntries(i, i+1)
	in.setSize(in.size() - 1)
}

// removeAndReturnOnlyChild empties the node and returns its sole child.
func (in internalNode[K]) removeAndReturnOnlyChild() page.PageID {
	child := in.childAt(0)
	in.setSize(0)
	return child
}

// moveHalfTo moves the entries from the middle onward into recipient,
// which must be empty. The promoted separator is the caller's to read
// before the move (keyAt(size/2)); its child pointer lands in
// recipient's unused slot 0. reparent is applied to every moved child.
func (in internalNode[K]) moveHalfTo(recipient internalNode[K], reparent func(page.PageID) error) error {
	n := in.size()
	keep := n / 2
	moved := n - keep
	copy(recipient.p.Data()[recipient.entryOffset(0):],
		in.p.Data()[in.entryOffset(keep):in.entryOffset(n)])
	recipient.setSize(moved)
	in.setSize(keep)
	for i := 0; i < moved; i++ {
		if err := reparent(recipient.childAt(i)); err != nil {
			return err
		}
	}
	return nil
}

// moveAllTo appends this node's entries to recipient, pulling the
// separator key from the parent down into the formerly-unused slot 0
// key. Used when this node coalesces away into its left sibling.
func (in internalNode[K]) moveAllTo(recipient internalNode[K], middleKey K, reparent func(page.PageID) error) error {
	n := in.size()
	base := recipient.size()
	copy(recipient.p.Data()[recipient.entryOffset(base):],
		in.p.Data()[in.entryOffset(0):in.entryOffset(n)])
	recipient.setSize(base + n)
	recipient.setKeyAt(base, middleKey)
	in.setSize(0)
	for i := 0; i < n; i++ {
		if err := reparent(recipient.childAt(base + i)); err != nil {
			return err
		}
	}
	return nil
}

// moveFirstToEndOf rotates this node's first child to the tail of
// recipient (the left sibling), keyed by the parent separator.
func (in internalNode[K]) moveFirstToEndOf(recipient internalNode[K], middleKey K, reparent func(page.PageID) error) error {
	child := in.childAt(0)
	recipient.setSize(recipient.size() + 1)
	recipient.setKeyAt(recipient.size()-1, middleKey)
	recipient.setChildAt(recipient.size()-1, child)
	in.shiftEntries(0, 1)
	in.setSize(in.size() - 1)
	return reparent(child)
}

// moveLastToFrontOf rotates this node's last child to the head of
// recipient (the right sibling). The moved key lands in slot 0 where
// the caller reads it as the new parent separator; the old separator
// drops into slot 1.
func (in internalNode[K]) moveLastToFrontOf(recipient internalNode[K], middleKey K, reparent func(page.PageID) error) error {
	k := in.keyAt(in.size() - 1)
	child := in.childAt(in.size() - 1)
	in.setSize(in.size() - 1)
	recipient.shiftEntries(1, 0)
	recipient.setSize(recipient.size() + 1)
	recipient.setKeyAt(0, k)
	recipient.setChildAt(0, child)
	recipient.setKeyAt(1, middleKey)
	return reparent(child)
}
