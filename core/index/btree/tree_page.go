package btree

import (
	"encoding/binary"

	"github.com/sushant-115/kurodb/core/storage/page"
)

// pageKind discriminates the two node variants sharing the common header.
type pageKind int32

const (
	kindInvalid pageKind = iota
	kindLeaf
	kindInternal
)

// On-disk node layout, little-endian. The first 24 bytes are the common
// header shared by both node kinds:
//
//	page_type:4 | lsn:4 | size:4 | max_size:4 | parent_page_id:4 | page_id:4
//
// Leaf pages continue with next_page_id:4 and then the sorted
// (key, rid) array; internal pages store the (key, child) array directly
// after the common header.
const (
	offPageType   = 0
	offLSN        = 4
	offSize       = 8
	offMaxSize    = 12
	offParent     = 16
	offPageID     = 20
	nodeHeaderLen = 24

	offNextPage   = 24
	leafDataStart = 28
)

// node is a typed view over the common header of a pinned tree page.
// It is only valid while the page stays pinned.
type node struct {
	p *page.Page
}

func asNode(p *page.Page) node { return node{p: p} }

func (n node) getInt32(off int) int32 {
	return int32(binary.LittleEndian.Uint32(n.p.Data()[off:]))
}

func (n node) putInt32(off int, v int32) {
	binary.LittleEndian.PutUint32(n.p.Data()[off:], uint32(v))
}

func (n node) kind() pageKind     { return pageKind(n.getInt32(offPageType)) }
func (n node) setKind(k pageKind) { n.putInt32(offPageType, int32(k)) }
func (n node) isLeaf() bool       { return n.kind() == kindLeaf }

func (n node) size() int      { return int(n.getInt32(offSize)) }
func (n node) setSize(s int)  { n.putInt32(offSize, int32(s)) }
func (n node) maxSize() int   { return int(n.getInt32(offMaxSize)) }
func (n node) setMaxSize(s int) {
	n.putInt32(offMaxSize, int32(s))
}

// minSize is the minimum occupancy of a non-root node: ceil(max/2).
func (n node) minSize() int { return (n.maxSize() + 1) / 2 }

func (n node) parent() page.PageID        { return page.PageID(n.getInt32(offParent)) }
func (n node) setParent(pid page.PageID)  { n.putInt32(offParent, int32(pid)) }
func (n node) id() page.PageID            { return page.PageID(n.getInt32(offPageID)) }
func (n node) setID(pid page.PageID)      { n.putInt32(offPageID, int32(pid)) }
func (n node) lsn() page.LSN              { return page.LSN(n.getInt32(offLSN)) }
func (n node) setLSN(lsn page.LSN)        { n.putInt32(offLSN, int32(lsn)) }
