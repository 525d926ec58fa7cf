package btree

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sushant-115/kurodb/core/buffer"
	"github.com/sushant-115/kurodb/core/storage/disk"
	"github.com/sushant-115/kurodb/core/storage/page"
)

// setupTree creates a uint64-keyed tree over a fresh file with small
// node sizes so splits and merges trigger quickly.
func setupTree(t *testing.T, leafMax, internalMax int) *BPlusTree[uint64] {
	t.Helper()
	dm, err := disk.NewManager(filepath.Join(t.TempDir(), "index.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })
	bpm := buffer.NewBufferPoolManager(64, dm, zap.NewNop(), nil)

	tree, err := New[uint64]("numbers", bpm, Uint64Codec{}, OrderUint64, Config{LeafMaxSize: leafMax, InternalMaxSize: internalMax}, zap.NewNop(), nil)
	require.NoError(t, err)
	return tree
}

func ridFor(k uint64) page.RID {
	return page.RID{PageID: page.PageID(k), Slot: uint32(k)}
}

// collectKeys walks the iterator from the leftmost leaf to the end.
func collectKeys(t *testing.T, tree *BPlusTree[uint64]) []uint64 {
	t.Helper()
	it, err := tree.Begin()
	require.NoError(t, err)
	var keys []uint64
	for {
		end, err := it.IsEnd()
		require.NoError(t, err)
		if end {
			break
		}
		k, rid, err := it.Entry()
		require.NoError(t, err)
		require.Equal(t, ridFor(k), rid)
		keys = append(keys, k)
		require.NoError(t, it.Next())
	}
	return keys
}

// TestBPlusTree_EmptyTree covers the trivial operations on an index
// with no keys.
func TestBPlusTree_EmptyTree(t *testing.T) {
	tree := setupTree(t, 4, 4)

	require.True(t, tree.IsEmpty())
	_, found, err := tree.GetValue(1)
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, tree.Remove(1))

	it, err := tree.Begin()
	require.NoError(t, err)
	end, err := it.IsEnd()
	require.NoError(t, err)
	require.True(t, end)
}

// TestBPlusTree_SequentialSplit inserts 1..5 with leaf_max_size=4 and
// checks the exact post-split shape: separator 3 in the root, leaves
// {1,2} and {3,4,5}, chained in key order.
func TestBPlusTree_SequentialSplit(t *testing.T) {
	tree := setupTree(t, 4, 4)

	for k := uint64(1); k <= 5; k++ {
		inserted, err := tree.Insert(k, ridFor(k))
		require.NoError(t, err)
		require.True(t, inserted)
	}

	rg, err := tree.bpm.FetchGuard(tree.rootID())
	require.NoError(t, err)
	root := tree.internal(rg.Page())
	require.False(t, root.isLeaf())
	require.Equal(t, 2, root.size())
	require.Equal(t, uint64(3), root.keyAt(1))

	leftPID := root.childAt(0)
	rightPID := root.childAt(1)
	rg.Release()

	lg, err := tree.bpm.FetchGuard(leftPID)
	require.NoError(t, err)
	left := tree.leaf(lg.Page())
	require.True(t, left.isLeaf())
	require.Equal(t, 2, left.size())
	require.Equal(t, uint64(1), left.keyAt(0))
	require.Equal(t, uint64(2), left.keyAt(1))
	require.Equal(t, rightPID, left.next())
	require.Equal(t, tree.rootID(), left.parent())
	lg.Release()

	rlg, err := tree.bpm.FetchGuard(rightPID)
	require.NoError(t, err)
	right := tree.leaf(rlg.Page())
	require.Equal(t, 3, right.size())
	require.Equal(t, uint64(3), right.keyAt(0))
	require.Equal(t, uint64(5), right.keyAt(2))
	require.Equal(t, page.InvalidPageID, right.next())
	rlg.Release()

	require.Equal(t, []uint64{1, 2, 3, 4, 5}, collectKeys(t, tree))
}

// TestBPlusTree_CoalesceToSingleLeaf continues from the split shape and
// deletes 5 and 4: the leaves merge and the tree height returns to 1.
func TestBPlusTree_CoalesceToSingleLeaf(t *testing.T) {
	tree := setupTree(t, 4, 4)
	for k := uint64(1); k <= 5; k++ {
		_, err := tree.Insert(k, ridFor(k))
		require.NoError(t, err)
	}

	require.NoError(t, tree.Remove(5))
	require.NoError(t, tree.Remove(4))

	rg, err := tree.bpm.FetchGuard(tree.rootID())
	require.NoError(t, err)
	root := tree.leaf(rg.Page())
	require.True(t, root.isLeaf(), "tree height must return to 1 after coalesce")
	require.Equal(t, 3, root.size())
	require.Equal(t, page.InvalidPageID, root.parent())
	require.Equal(t, page.InvalidPageID, root.next())
	rg.Release()

	require.Equal(t, []uint64{1, 2, 3}, collectKeys(t, tree))
}

// TestBPlusTree_RandomRoundTrip inserts a shuffled key set, verifies
// point lookups and sorted iteration, then deletes everything and
// expects an empty tree.
func TestBPlusTree_RandomRoundTrip(t *testing.T) {
	tree := setupTree(t, 4, 4)
	rng := rand.New(rand.NewSource(42))

	const n = 200
	keys := rng.Perm(n)
	for _, k := range keys {
		inserted, err := tree.Insert(uint64(k+1), ridFor(uint64(k+1)))
		require.NoError(t, err)
		require.True(t, inserted)
	}

	for k := uint64(1); k <= n; k++ {
		rid, found, err := tree.GetValue(k)
		require.NoError(t, err)
		require.True(t, found, "key %d must be present", k)
		require.Equal(t, ridFor(k), rid)
	}

	got := collectKeys(t, tree)
	require.Len(t, got, n)
	for i, k := range got {
		require.Equal(t, uint64(i+1), k, "iteration must yield the sorted key set")
	}

	for _, k := range rng.Perm(n) {
		require.NoError(t, tree.Remove(uint64(k+1)))
	}
	require.True(t, tree.IsEmpty())

	_, found, err := tree.GetValue(1)
	require.NoError(t, err)
	require.False(t, found)
}

// TestBPlusTree_DuplicateInsert verifies duplicate keys are refused
// without error.
func TestBPlusTree_DuplicateInsert(t *testing.T) {
	tree := setupTree(t, 4, 4)

	inserted, err := tree.Insert(7, ridFor(7))
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = tree.Insert(7, page.RID{PageID: 99, Slot: 99})
	require.NoError(t, err)
	require.False(t, inserted)

	rid, found, err := tree.GetValue(7)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, ridFor(7), rid, "losing insert must not overwrite the value")
}

// TestBPlusTree_IteratorBeginAt verifies the keyed iterator starts at
// the first key >= the probe.
func TestBPlusTree_IteratorBeginAt(t *testing.T) {
	tree := setupTree(t, 4, 4)
	for k := uint64(2); k <= 40; k += 2 {
		_, err := tree.Insert(k, ridFor(k))
		require.NoError(t, err)
	}

	it, err := tree.BeginAt(21)
	require.NoError(t, err)
	k, _, err := it.Entry()
	require.NoError(t, err)
	require.Equal(t, uint64(22), k)

	it, err = tree.BeginAt(22)
	require.NoError(t, err)
	k, _, err = it.Entry()
	require.NoError(t, err)
	require.Equal(t, uint64(22), k)

	// Probing past the maximum lands on the end position.
	it, err = tree.BeginAt(41)
	require.NoError(t, err)
	end, err := it.IsEnd()
	require.NoError(t, err)
	require.True(t, end)
}

// TestBPlusTree_PersistenceAcrossReopen flushes the pool, reopens the
// file with a fresh pool, and expects the header page to resolve the
// same root.
func TestBPlusTree_PersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.db")

	dm, err := disk.NewManager(path, zap.NewNop())
	require.NoError(t, err)
	bpm := buffer.NewBufferPoolManager(16, dm, zap.NewNop(), nil)
	tree, err := New[uint64]("numbers", bpm, Uint64Codec{}, OrderUint64, Config{LeafMaxSize: 4, InternalMaxSize: 4}, zap.NewNop(), nil)
	require.NoError(t, err)

	for k := uint64(1); k <= 50; k++ {
		_, err := tree.Insert(k, ridFor(k))
		require.NoError(t, err)
	}
	bpm.FlushAllPages()
	require.NoError(t, dm.Close())

	dm2, err := disk.NewManager(path, zap.NewNop())
	require.NoError(t, err)
	defer dm2.Close()
	bpm2 := buffer.NewBufferPoolManager(16, dm2, zap.NewNop(), nil)
	tree2, err := New[uint64]("numbers", bpm2, Uint64Codec{}, OrderUint64, Config{LeafMaxSize: 4, InternalMaxSize: 4}, zap.NewNop(), nil)
	require.NoError(t, err)

	for k := uint64(1); k <= 50; k++ {
		rid, found, err := tree2.GetValue(k)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, ridFor(k), rid)
	}
}

// TestBPlusTree_ConcurrentInserts runs writers over disjoint key ranges
// and checks the final tree holds exactly the union, in order.
func TestBPlusTree_ConcurrentInserts(t *testing.T) {
	tree := setupTree(t, 4, 4)

	const (
		writers      = 4
		keysPerRange = 50
	)
	var g errgroup.Group
	for w := 0; w < writers; w++ {
		base := uint64(w * keysPerRange)
		g.Go(func() error {
			for i := uint64(1); i <= keysPerRange; i++ {
				if _, err := tree.Insert(base+i, ridFor(base+i)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	got := collectKeys(t, tree)
	require.Len(t, got, writers*keysPerRange)
	for i, k := range got {
		require.Equal(t, uint64(i+1), k)
	}
}

// TestBPlusTree_ConcurrentReadersAndWriters interleaves point lookups
// with inserts; readers must always see a consistent node path.
func TestBPlusTree_ConcurrentReadersAndWriters(t *testing.T) {
	tree := setupTree(t, 4, 4)
	for k := uint64(1); k <= 100; k++ {
		_, err := tree.Insert(k, ridFor(k))
		require.NoError(t, err)
	}

	var g errgroup.Group
	g.Go(func() error {
		for k := uint64(101); k <= 200; k++ {
			if _, err := tree.Insert(k, ridFor(k)); err != nil {
				return err
			}
		}
		return nil
	})
	for r := 0; r < 3; r++ {
		g.Go(func() error {
			for round := 0; round < 5; round++ {
				for k := uint64(1); k <= 100; k++ {
					rid, found, err := tree.GetValue(k)
					if err != nil {
						return err
					}
					if !found || rid != ridFor(k) {
						return fmt.Errorf("lookup of key %d returned found=%v rid=%v", k, found, rid)
					}
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	got := collectKeys(t, tree)
	require.Len(t, got, 200)
}
