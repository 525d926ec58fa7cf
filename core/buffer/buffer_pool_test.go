package buffer

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/kurodb/core/storage/disk"
	"github.com/sushant-115/kurodb/core/storage/page"
)

// setupPool creates a buffer pool over a fresh database file in a
// temporary directory.
func setupPool(t *testing.T, poolSize int) *BufferPoolManager {
	t.Helper()
	dm, err := disk.NewManager(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })
	return NewBufferPoolManager(poolSize, dm, zap.NewNop(), nil)
}

// TestBufferPool_NewPageAndFetch verifies the basic pin/unpin cycle and
// that the first allocated page id follows the header page.
func TestBufferPool_NewPageAndFetch(t *testing.T) {
	bpm := setupPool(t, 3)

	p, pid, err := bpm.NewPage()
	require.NoError(t, err)
	require.Equal(t, page.PageID(1), pid, "page 0 is the header page")
	require.Equal(t, 1, p.PinCount())

	copy(p.Data(), "hello kurodb")
	require.True(t, bpm.UnpinPage(pid, true))

	fetched, err := bpm.FetchPage(pid)
	require.NoError(t, err)
	require.Equal(t, []byte("hello kurodb"), fetched.Data()[:12])
	require.True(t, bpm.UnpinPage(pid, false))
}

// TestBufferPool_EvictionWritesBackDirty fills the pool, forces
// evictions, and verifies every page's bytes survive the round trip
// through disk.
func TestBufferPool_EvictionWritesBackDirty(t *testing.T) {
	bpm := setupPool(t, 3)

	pids := make([]page.PageID, 0, 6)
	for i := 0; i < 6; i++ {
		p, pid, err := bpm.NewPage()
		require.NoError(t, err)
		p.Data()[0] = byte(100 + i)
		require.True(t, bpm.UnpinPage(pid, true))
		pids = append(pids, pid)
	}

	for i, pid := range pids {
		p, err := bpm.FetchPage(pid)
		require.NoError(t, err)
		require.Equal(t, byte(100+i), p.Data()[0], "page %d lost its data across eviction", pid)
		require.True(t, bpm.UnpinPage(pid, false))
	}
}

// TestBufferPool_NoEvictableFrame verifies that a fully pinned pool
// refuses both NewPage and FetchPage.
func TestBufferPool_NoEvictableFrame(t *testing.T) {
	bpm := setupPool(t, 3)

	var pids []page.PageID
	for i := 0; i < 3; i++ {
		_, pid, err := bpm.NewPage()
		require.NoError(t, err)
		pids = append(pids, pid)
	}

	_, _, err := bpm.NewPage()
	require.ErrorIs(t, err, ErrNoEvictableFrame)

	// Unpinning a single page makes a frame reclaimable again.
	require.True(t, bpm.UnpinPage(pids[0], false))
	_, pid, err := bpm.NewPage()
	require.NoError(t, err)
	require.True(t, bpm.UnpinPage(pid, false))
}

// TestBufferPool_EvictsOldestUnpinned verifies the LRU choice: the
// first page unpinned is the first one evicted.
func TestBufferPool_EvictsOldestUnpinned(t *testing.T) {
	bpm := setupPool(t, 3)

	var pids []page.PageID
	for i := 0; i < 3; i++ {
		p, pid, err := bpm.NewPage()
		require.NoError(t, err)
		p.Data()[0] = byte(i + 1)
		require.True(t, bpm.UnpinPage(pid, true))
		pids = append(pids, pid)
	}

	// Re-pin pages 2 and 3 so only page 1's frame ages at the front.
	for _, pid := range pids[1:] {
		_, err := bpm.FetchPage(pid)
		require.NoError(t, err)
		require.True(t, bpm.UnpinPage(pid, false))
	}

	// A fourth page must claim page 1's frame.
	_, pid4, err := bpm.NewPage()
	require.NoError(t, err)
	require.True(t, bpm.UnpinPage(pid4, false))

	// Page 1 comes back from disk with its written byte.
	p, err := bpm.FetchPage(pids[0])
	require.NoError(t, err)
	require.Equal(t, byte(1), p.Data()[0])
	require.True(t, bpm.UnpinPage(pids[0], false))
}

// TestBufferPool_UnpinIdempotence verifies that unpinning past zero
// fails and that the dirty flag is sticky-ORed.
func TestBufferPool_UnpinIdempotence(t *testing.T) {
	bpm := setupPool(t, 3)

	p, pid, err := bpm.NewPage()
	require.NoError(t, err)

	// Two pins, dirty on only one unpin: the frame stays dirty.
	fetched, err := bpm.FetchPage(pid)
	require.NoError(t, err)
	require.Equal(t, 2, fetched.PinCount())

	require.True(t, bpm.UnpinPage(pid, true))
	require.True(t, bpm.UnpinPage(pid, false))
	require.True(t, p.IsDirty())

	require.False(t, bpm.UnpinPage(pid, false), "unpin past zero must fail")
	require.False(t, bpm.UnpinPage(page.PageID(9999), false), "unpin of non-resident page must fail")
}

// TestBufferPool_FlushClearsDirty verifies FlushPage writes back and
// resets the dirty bit.
func TestBufferPool_FlushClearsDirty(t *testing.T) {
	bpm := setupPool(t, 3)

	p, pid, err := bpm.NewPage()
	require.NoError(t, err)
	copy(p.Data(), "dirty bytes")
	require.True(t, bpm.UnpinPage(pid, true))
	require.True(t, p.IsDirty())

	require.True(t, bpm.FlushPage(pid))
	require.False(t, p.IsDirty())

	require.False(t, bpm.FlushPage(page.PageID(9999)), "flush of non-resident page must fail")
}

// TestBufferPool_DeletePage verifies deletion semantics: trivial for
// non-resident pages, refused while pinned, and frame reuse afterwards.
func TestBufferPool_DeletePage(t *testing.T) {
	bpm := setupPool(t, 3)

	_, pid, err := bpm.NewPage()
	require.NoError(t, err)

	require.False(t, bpm.DeletePage(pid), "pinned page must not be deletable")
	require.True(t, bpm.UnpinPage(pid, false))
	require.True(t, bpm.DeletePage(pid))
	require.True(t, bpm.DeletePage(page.PageID(9999)), "non-resident delete is trivially true")

	// The freed frame is reusable.
	_, pid2, err := bpm.NewPage()
	require.NoError(t, err)
	require.True(t, bpm.UnpinPage(pid2, false))
}

// TestBufferPool_PageGuard verifies the scoped guard unpins once with
// the accumulated dirty flag.
func TestBufferPool_PageGuard(t *testing.T) {
	bpm := setupPool(t, 3)

	g, pid, err := bpm.NewGuard()
	require.NoError(t, err)
	copy(g.Page().Data(), "guarded")
	g.MarkDirty()
	g.Release()
	g.Release() // second release is a no-op

	fetched, err := bpm.FetchPage(pid)
	require.NoError(t, err)
	require.Equal(t, 1, fetched.PinCount())
	require.Equal(t, []byte("guarded"), fetched.Data()[:7])
	require.True(t, bpm.UnpinPage(pid, false))
}

// TestBufferPool_PageGuardLatch verifies a latch taken through the
// guard is dropped on release: a writer blocked on the page proceeds
// once the reading guard goes out of scope.
func TestBufferPool_PageGuardLatch(t *testing.T) {
	bpm := setupPool(t, 3)

	g, pid, err := bpm.NewGuard()
	require.NoError(t, err)
	g.Release()

	rg, err := bpm.FetchGuard(pid)
	require.NoError(t, err)
	rg.RLatch()

	acquired := make(chan struct{})
	go func() {
		wg, err := bpm.FetchGuard(pid)
		if err == nil {
			wg.WLatch()
			wg.Release()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("write latch acquired while a read guard was live")
	case <-time.After(30 * time.Millisecond):
	}

	rg.Release()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("write latch not released by guard")
	}
}

// TestBufferPool_FlushAllPages verifies every resident page reaches
// disk and survives a reopen of the pool.
func TestBufferPool_FlushAllPages(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	dm, err := disk.NewManager(path, zap.NewNop())
	require.NoError(t, err)
	bpm := NewBufferPoolManager(3, dm, zap.NewNop(), nil)

	var pids []page.PageID
	for i := 0; i < 3; i++ {
		p, pid, err := bpm.NewPage()
		require.NoError(t, err)
		p.Data()[0] = byte(i + 10)
		require.True(t, bpm.UnpinPage(pid, true))
		pids = append(pids, pid)
	}
	bpm.FlushAllPages()
	require.NoError(t, dm.Close())

	dm2, err := disk.NewManager(path, zap.NewNop())
	require.NoError(t, err)
	defer dm2.Close()
	bpm2 := NewBufferPoolManager(3, dm2, zap.NewNop(), nil)
	for i, pid := range pids {
		p, err := bpm2.FetchPage(pid)
		require.NoError(t, err)
		require.Equal(t, byte(i+10), p.Data()[0])
		require.True(t, bpm2.UnpinPage(pid, false))
	}
}
