package btree

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	internaltelemetry "github.com/sushant-115/kurodb/internal/telemetry"

	"github.com/sushant-115/kurodb/core/buffer"
	"github.com/sushant-115/kurodb/core/storage/page"
)

var (
	ErrKeyTooWide = errors.New("key width leaves no room for node entries")
)

// BPlusTree is an ordered key to RID store over paged storage. Keys are
// unique; lookups descend with shared latches, writes descend with
// exclusive latch crabbing so a thread holds at most one contiguous
// chain of ancestor latches. Every page acquisition goes through a
// buffer.PageGuard, which owns both the pin and the latch for its
// scope.
type BPlusTree[K any] struct {
	name  string
	bpm   *buffer.BufferPoolManager
	codec KeyCodec[K]
	order Order[K]

	leafMaxSize     int
	internalMaxSize int

	// rootMu acts as the virtual parent of the root during write
	// descents: it is released exactly when the crab releases the rest
	// of the ancestor chain. The root page id itself is read on paths
	// that may run after the chain let go of rootMu, so it lives in an
	// atomic.
	rootMu sync.Mutex
	root   atomic.Int32

	logger  *zap.Logger
	metrics *internaltelemetry.IndexMetrics
}

// Config carries the optional knobs of a tree. Zero max sizes derive
// the largest node that fits a page, minus the transient overflow slot.
type Config struct {
	LeafMaxSize     int `yaml:"leaf_max_size"`
	InternalMaxSize int `yaml:"internal_max_size"`
}

// New opens (or registers) the named index on the buffer pool. The root
// page id is read from the header page; a new index starts empty.
// metrics may be nil.
func New[K any](name string, bpm *buffer.BufferPoolManager, codec KeyCodec[K], order Order[K], cfg Config, logger *zap.Logger, metrics *internaltelemetry.IndexMetrics) (*BPlusTree[K], error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	leafMax := cfg.LeafMaxSize
	if leafMax == 0 {
		leafMax = (page.PageSize-leafDataStart)/(codec.Size()+leafValueLen) - 1
	}
	internalMax := cfg.InternalMaxSize
	if internalMax == 0 {
		internalMax = (page.PageSize-nodeHeaderLen)/(codec.Size()+internalValueLen) - 1
	}
	if leafMax < 2 || internalMax < 3 {
		return nil, fmt.Errorf("%w: leaf_max_size=%d internal_max_size=%d", ErrKeyTooWide, leafMax, internalMax)
	}

	t := &BPlusTree[K]{
		name:            name,
		bpm:             bpm,
		codec:           codec,
		order:           order,
		leafMaxSize:     leafMax,
		internalMaxSize: internalMax,
		logger:          logger,
		metrics:         metrics,
	}
	t.setRootID(page.InvalidPageID)

	hg, err := bpm.FetchGuard(page.HeaderPageID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch header page: %w", err)
	}
	header := page.AsHeaderPage(hg.Page())
	if root, ok := header.RootID(name); ok {
		t.setRootID(root)
	} else {
		header.InsertRecord(name, page.InvalidPageID)
		hg.MarkDirty()
	}
	hg.Release()

	logger.Info("b+-tree opened",
		zap.String("index", name),
		zap.Int32("root_page_id", int32(t.rootID())),
		zap.Int("leaf_max_size", leafMax),
		zap.Int("internal_max_size", internalMax))
	return t, nil
}

func (t *BPlusTree[K]) leaf(p *page.Page) leafNode[K] {
	return leafNode[K]{node: asNode(p), codec: t.codec, order: t.order}
}

func (t *BPlusTree[K]) internal(p *page.Page) internalNode[K] {
	return internalNode[K]{node: asNode(p), codec: t.codec, order: t.order}
}

// rootID reads the current root page id. Writers change it only while
// holding rootMu and the exclusive latches of the old root chain.
func (t *BPlusTree[K]) rootID() page.PageID {
	return page.PageID(t.root.Load())
}

func (t *BPlusTree[K]) setRootID(pid page.PageID) {
	t.root.Store(int32(pid))
}

// updateRootRecord writes the current root page id through the header
// page. Callers hold rootMu.
func (t *BPlusTree[K]) updateRootRecord() error {
	hg, err := t.bpm.FetchGuard(page.HeaderPageID)
	if err != nil {
		return fmt.Errorf("failed to fetch header page: %w", err)
	}
	page.AsHeaderPage(hg.Page()).UpdateRecord(t.name, t.rootID())
	hg.MarkDirty()
	hg.Release()
	return nil
}

// reparentTo returns a callback that repoints a child's parent link.
// The child pages touched here sit under an exclusively latched parent,
// so an unlatched guard suffices.
func (t *BPlusTree[K]) reparentTo(parent page.PageID) func(page.PageID) error {
	return func(child page.PageID) error {
		cg, err := t.bpm.FetchGuard(child)
		if err != nil {
			return err
		}
		asNode(cg.Page()).setParent(parent)
		cg.MarkDirty()
		cg.Release()
		return nil
	}
}

// IsEmpty reports whether the tree holds no keys.
func (t *BPlusTree[K]) IsEmpty() bool {
	return t.rootID() == page.InvalidPageID
}

// GetValue looks up the unique value under key. The descent crabs with
// shared latches: the child is latched before the parent is released.
func (t *BPlusTree[K]) GetValue(key K) (page.RID, bool, error) {
	t.rootMu.Lock()
	if t.rootID() == page.InvalidPageID {
		t.rootMu.Unlock()
		return page.RID{}, false, nil
	}
	cur, err := t.bpm.FetchGuard(t.rootID())
	if err != nil {
		t.rootMu.Unlock()
		return page.RID{}, false, err
	}
	cur.RLatch()
	t.rootMu.Unlock()

	for !asNode(cur.Page()).isLeaf() {
		childPID := t.internal(cur.Page()).lookup(key)
		child, err := t.bpm.FetchGuard(childPID)
		if err != nil {
			cur.Release()
			return page.RID{}, false, err
		}
		child.RLatch()
		cur.Release()
		cur = child
	}

	rid, found := t.leaf(cur.Page()).lookup(key)
	cur.Release()
	return rid, found, nil
}

// crab tracks the chain of exclusively latched ancestor guards during a
// write descent, including the virtual root latch.
type crab struct {
	guards      []*buffer.PageGuard
	holdingRoot bool
	releaseRoot func()
}

func (c *crab) push(g *buffer.PageGuard) { c.guards = append(c.guards, g) }

// releaseAncestors drops every held guard. dirtyLast marks only the
// deepest page dirty; structural updates above it go through their own
// guards and the pool's sticky dirty bit.
func (c *crab) releaseAncestors(dirtyLast bool) {
	for i, g := range c.guards {
		if dirtyLast && i == len(c.guards)-1 {
			g.MarkDirty()
		}
		g.Release()
	}
	c.guards = c.guards[:0]
	if c.holdingRoot {
		c.holdingRoot = false
		c.releaseRoot()
	}
}

// Insert adds (key, value) to the tree. It returns false iff the key is
// already present. Latches crab down: ancestors release as soon as the
// child cannot split.
func (t *BPlusTree[K]) Insert(key K, value page.RID) (bool, error) {
	t.rootMu.Lock()
	c := &crab{holdingRoot: true, releaseRoot: t.rootMu.Unlock}

	if t.rootID() == page.InvalidPageID {
		err := t.startNewTree(key, value)
		c.releaseAncestors(false)
		return err == nil, err
	}

	cur, err := t.bpm.FetchGuard(t.rootID())
	if err != nil {
		c.releaseAncestors(false)
		return false, err
	}
	cur.WLatch()
	c.push(cur)

	for !asNode(cur.Page()).isLeaf() {
		childPID := t.internal(cur.Page()).lookup(key)
		child, err := t.bpm.FetchGuard(childPID)
		if err != nil {
			c.releaseAncestors(false)
			return false, err
		}
		child.WLatch()
		// A child that cannot split on this insert frees the whole
		// ancestor chain.
		if asNode(child.Page()).size() < asNode(child.Page()).maxSize() {
			c.releaseAncestors(false)
		}
		c.push(child)
		cur = child
	}

	lf := t.leaf(cur.Page())
	if _, exists := lf.lookup(key); exists {
		c.releaseAncestors(false)
		return false, nil
	}

	if lf.size() < lf.maxSize() {
		lf.insert(key, value)
		c.releaseAncestors(true)
		return true, nil
	}

	// Full leaf: insert into the overflow slot, split, and propagate the
	// separator upward.
	lf.insert(key, value)
	if err := t.splitLeaf(lf); err != nil {
		c.releaseAncestors(true)
		return false, err
	}
	c.releaseAncestors(true)
	return true, nil
}

// startNewTree creates the first leaf as the root. Caller holds rootMu.
func (t *BPlusTree[K]) startNewTree(key K, value page.RID) error {
	g, pid, err := t.bpm.NewGuard()
	if err != nil {
		return fmt.Errorf("failed to allocate root page: %w", err)
	}
	defer g.Release()
	g.MarkDirty()

	lf := t.leaf(g.Page())
	lf.init(pid, page.InvalidPageID, t.leafMaxSize)
	lf.insert(key, value)
	t.setRootID(pid)
	if err := t.updateRootRecord(); err != nil {
		return err
	}
	t.logger.Debug("started new tree", zap.String("index", t.name), zap.Int32("root", int32(pid)))
	return nil
}

// splitLeaf allocates a sibling, moves the upper half of the entries to
// it, relinks the sibling chain, and inserts the separator upward.
func (t *BPlusTree[K]) splitLeaf(lf leafNode[K]) error {
	ng, npid, err := t.bpm.NewGuard()
	if err != nil {
		return fmt.Errorf("failed to allocate leaf during split: %w", err)
	}
	defer ng.Release()
	ng.MarkDirty()

	newLeaf := t.leaf(ng.Page())
	newLeaf.init(npid, lf.parent(), t.leafMaxSize)
	newLeaf.setNext(lf.next())
	lf.moveHalfTo(newLeaf)
	lf.setNext(npid)
	if t.metrics != nil {
		t.metrics.SplitsCounter.Add(context.Background(), 1)
	}

	sep := newLeaf.keyAt(0)
	return t.insertIntoParent(lf.node, sep, newLeaf.node)
}

// insertIntoParent hooks a freshly split right node into the tree: a
// new root when old was the root, otherwise an entry in old's parent,
// splitting the parent recursively when it overflows. Callers hold the
// exclusive latches of every node on the unsafe chain, so parent pages
// acquired here are already protected.
func (t *BPlusTree[K]) insertIntoParent(old node, key K, newNode node) error {
	if old.id() == t.rootID() {
		rg, rpid, err := t.bpm.NewGuard()
		if err != nil {
			return fmt.Errorf("failed to allocate new root: %w", err)
		}
		defer rg.Release()
		rg.MarkDirty()

		root := t.internal(rg.Page())
		root.init(rpid, page.InvalidPageID, t.internalMaxSize)
		root.populateNewRoot(old.id(), key, newNode.id())
		old.setParent(rpid)
		newNode.setParent(rpid)
		t.setRootID(rpid)
		if err := t.updateRootRecord(); err != nil {
			return err
		}
		t.logger.Debug("root split", zap.String("index", t.name), zap.Int32("new_root", int32(rpid)))
		return nil
	}

	pg, err := t.bpm.FetchGuard(old.parent())
	if err != nil {
		return err
	}
	defer pg.Release()
	pg.MarkDirty()

	parent := t.internal(pg.Page())
	parent.insertNodeAfter(old.id(), key, newNode.id())

	if parent.size() > parent.maxSize() {
		// The separator promoted from an internal split is the middle
		// key, captured before the move empties its slot.
		mid := parent.size() / 2
		midKey := parent.keyAt(mid)

		ng, npid, err := t.bpm.NewGuard()
		if err != nil {
			return fmt.Errorf("failed to allocate internal node during split: %w", err)
		}
		defer ng.Release()
		ng.MarkDirty()

		newInternal := t.internal(ng.Page())
		newInternal.init(npid, parent.parent(), t.internalMaxSize)
		if err := parent.moveHalfTo(newInternal, t.reparentTo(npid)); err != nil {
			return err
		}
		if t.metrics != nil {
			t.metrics.SplitsCounter.Add(context.Background(), 1)
		}
		return t.insertIntoParent(parent.node, midKey, newInternal.node)
	}

	return nil
}

// Remove deletes key from the tree; absent keys are a no-op. The write
// descent crabs like Insert, with safety meaning "cannot underflow".
func (t *BPlusTree[K]) Remove(key K) error {
	t.rootMu.Lock()
	c := &crab{holdingRoot: true, releaseRoot: t.rootMu.Unlock}

	if t.rootID() == page.InvalidPageID {
		c.releaseAncestors(false)
		return nil
	}

	cur, err := t.bpm.FetchGuard(t.rootID())
	if err != nil {
		c.releaseAncestors(false)
		return err
	}
	cur.WLatch()
	c.push(cur)

	for !asNode(cur.Page()).isLeaf() {
		childPID := t.internal(cur.Page()).lookup(key)
		child, err := t.bpm.FetchGuard(childPID)
		if err != nil {
			c.releaseAncestors(false)
			return err
		}
		child.WLatch()
		// A child that cannot underflow frees the ancestor chain.
		if asNode(child.Page()).size() > asNode(child.Page()).minSize() {
			c.releaseAncestors(false)
		}
		c.push(child)
		cur = child
	}

	lf := t.leaf(cur.Page())
	before := lf.size()
	if lf.remove(key) == before {
		c.releaseAncestors(false)
		return nil
	}

	// Pages merged away stay pinned by the latch chain until release;
	// they are deleted after every latch is dropped.
	var pendingDeletes []page.PageID
	if err := t.coalesceOrRedistribute(lf.node, &pendingDeletes); err != nil {
		c.releaseAncestors(true)
		return err
	}
	c.releaseAncestors(true)

	for _, pid := range pendingDeletes {
		if !t.bpm.DeletePage(pid) {
			t.logger.Warn("failed to delete emptied tree page", zap.Int32("page_id", int32(pid)))
		}
	}
	return nil
}

// coalesceOrRedistribute restores minimum occupancy for node after a
// removal, borrowing from or merging with a sibling and recursing up
// when the parent loses a separator.
func (t *BPlusTree[K]) coalesceOrRedistribute(n node, pendingDeletes *[]page.PageID) error {
	if n.id() == t.rootID() {
		return t.adjustRoot(n, pendingDeletes)
	}
	if n.size() >= n.minSize() {
		return nil
	}

	pg, err := t.bpm.FetchGuard(n.parent())
	if err != nil {
		return err
	}
	defer pg.Release()
	pg.MarkDirty()
	parent := t.internal(pg.Page())

	arrID := parent.childIndex(n.id())
	// Left sibling when one exists, else the right one.
	siblingOnRight := arrID == 0
	var nbrIdx int
	if siblingOnRight {
		nbrIdx = 1
	} else {
		nbrIdx = arrID - 1
	}

	ng, err := t.bpm.FetchGuard(parent.childAt(nbrIdx))
	if err != nil {
		return err
	}
	defer ng.Release()
	ng.MarkDirty()
	nbr := asNode(ng.Page())

	if n.size()+nbr.size() > n.maxSize() {
		return t.redistribute(ng.Page(), n, parent, siblingOnRight)
	}

	if err := t.coalesce(ng.Page(), n, parent, siblingOnRight, pendingDeletes); err != nil {
		return err
	}
	if t.metrics != nil {
		t.metrics.MergesCounter.Add(context.Background(), 1)
	}

	return t.coalesceOrRedistribute(parent.node, pendingDeletes)
}

// coalesce merges node and sibling into one page: the node into its
// left sibling, or the right sibling into the node when the node sits
// at position 0. The emptied page is scheduled for deletion and its
// separator is removed from the parent.
func (t *BPlusTree[K]) coalesce(np *page.Page, n node, parent internalNode[K], siblingOnRight bool, pendingDeletes *[]page.PageID) error {
	var emptied page.PageID
	if n.isLeaf() {
		if siblingOnRight {
			// node <- sibling
			t.leaf(np).moveAllTo(leafNode[K]{node: n, codec: t.codec, order: t.order})
			emptied = np.ID()
		} else {
			// sibling <- node
			lf := leafNode[K]{node: n, codec: t.codec, order: t.order}
			lf.moveAllTo(t.leaf(np))
			emptied = n.id()
		}
	} else {
		if siblingOnRight {
			middleKey := parent.keyAt(parent.childIndex(np.ID()))
			src := t.internal(np)
			dst := internalNode[K]{node: n, codec: t.codec, order: t.order}
			if err := src.moveAllTo(dst, middleKey, t.reparentTo(n.id())); err != nil {
				return err
			}
			emptied = np.ID()
		} else {
			middleKey := parent.keyAt(parent.childIndex(n.id()))
			src := internalNode[K]{node: n, codec: t.codec, order: t.order}
			if err := src.moveAllTo(t.internal(np), middleKey, t.reparentTo(np.ID())); err != nil {
				return err
			}
			emptied = n.id()
		}
	}
	parent.remove(parent.childIndex(emptied))
	*pendingDeletes = append(*pendingDeletes, emptied)
	return nil
}

// redistribute shifts one entry across the sibling boundary and patches
// the separator key in the parent.
func (t *BPlusTree[K]) redistribute(np *page.Page, n node, parent internalNode[K], siblingOnRight bool) error {
	if n.isLeaf() {
		nbr := t.leaf(np)
		this := leafNode[K]{node: n, codec: t.codec, order: t.order}
		if siblingOnRight {
			nbr.moveFirstToEndOf(this)
			parent.setKeyAt(parent.childIndex(nbr.id()), nbr.keyAt(0))
		} else {
			nbr.moveLastToFrontOf(this)
			parent.setKeyAt(parent.childIndex(this.id()), this.keyAt(0))
		}
		return nil
	}

	nbr := t.internal(np)
	this := internalNode[K]{node: n, codec: t.codec, order: t.order}
	if siblingOnRight {
		aid := parent.childIndex(nbr.id())
		middleKey := parent.keyAt(aid)
		if err := nbr.moveFirstToEndOf(this, middleKey, t.reparentTo(this.id())); err != nil {
			return err
		}
		parent.setKeyAt(aid, nbr.keyAt(0))
	} else {
		aid := parent.childIndex(this.id())
		middleKey := parent.keyAt(aid)
		if err := nbr.moveLastToFrontOf(this, middleKey, t.reparentTo(this.id())); err != nil {
			return err
		}
		parent.setKeyAt(aid, this.keyAt(0))
	}
	return nil
}

// adjustRoot handles underflow at the root: an internal root left with
// a single child promotes that child; an emptied leaf root leaves the
// tree empty. Caller holds rootMu.
func (t *BPlusTree[K]) adjustRoot(root node, pendingDeletes *[]page.PageID) error {
	if !root.isLeaf() && root.size() == 1 {
		child := internalNode[K]{node: root, codec: t.codec, order: t.order}.removeAndReturnOnlyChild()
		t.setRootID(child)
		if err := t.updateRootRecord(); err != nil {
			return err
		}
		if err := t.reparentTo(page.InvalidPageID)(child); err != nil {
			return err
		}
		*pendingDeletes = append(*pendingDeletes, root.id())
		t.logger.Debug("root collapsed", zap.String("index", t.name), zap.Int32("new_root", int32(child)))
		return nil
	}

	if root.isLeaf() && root.size() == 0 {
		t.setRootID(page.InvalidPageID)
		if err := t.updateRootRecord(); err != nil {
			return err
		}
		*pendingDeletes = append(*pendingDeletes, root.id())
		t.logger.Debug("tree emptied", zap.String("index", t.name))
	}
	return nil
}

// findLeafGuard descends to the leaf that owns key (or the leftmost or
// rightmost leaf) without latching; iterator access tolerates
// interleaved modification. The returned guard is nil for an empty
// tree.
func (t *BPlusTree[K]) findLeafGuard(key K, leftmost, rightmost bool) (*buffer.PageGuard, error) {
	root := t.rootID()
	if root == page.InvalidPageID {
		return nil, nil
	}

	cur, err := t.bpm.FetchGuard(root)
	if err != nil {
		return nil, err
	}
	for !asNode(cur.Page()).isLeaf() {
		in := t.internal(cur.Page())
		var childPID page.PageID
		switch {
		case leftmost:
			childPID = in.childAt(0)
		case rightmost:
			childPID = in.childAt(in.size() - 1)
		default:
			childPID = in.lookup(key)
		}
		cur.Release()
		cur, err = t.bpm.FetchGuard(childPID)
		if err != nil {
			return nil, err
		}
	}
	return cur, nil
}
