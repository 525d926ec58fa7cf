package disk

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/kurodb/core/storage/page"
)

func setupManager(t *testing.T) (*Manager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	dm, err := NewManager(path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })
	return dm, path
}

// TestDiskManager_AllocateMonotonic verifies page ids start after the
// header page and increase monotonically.
func TestDiskManager_AllocateMonotonic(t *testing.T) {
	dm, _ := setupManager(t)

	for want := page.PageID(1); want <= 5; want++ {
		pid, err := dm.AllocatePage()
		require.NoError(t, err)
		require.Equal(t, want, pid)
	}
}

// TestDiskManager_WriteReadRoundTrip verifies page bytes survive a
// write/read cycle.
func TestDiskManager_WriteReadRoundTrip(t *testing.T) {
	dm, _ := setupManager(t)

	pid, err := dm.AllocatePage()
	require.NoError(t, err)

	out := make([]byte, page.PageSize)
	copy(out, "the quick brown fox")
	require.NoError(t, dm.WritePage(pid, out))

	in := make([]byte, page.PageSize)
	require.NoError(t, dm.ReadPage(pid, in))
	require.Equal(t, out, in)
}

// TestDiskManager_ReopenKeepsAllocation verifies a reopened file keeps
// allocating past the existing pages.
func TestDiskManager_ReopenKeepsAllocation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	dm, err := NewManager(path, zap.NewNop())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := dm.AllocatePage()
		require.NoError(t, err)
	}
	require.NoError(t, dm.Close())

	dm2, err := NewManager(path, zap.NewNop())
	require.NoError(t, err)
	defer dm2.Close()

	pid, err := dm2.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, page.PageID(4), pid)
}

// TestDiskManager_Errors verifies invalid page ids and short buffers
// are rejected.
func TestDiskManager_Errors(t *testing.T) {
	dm, _ := setupManager(t)

	buf := make([]byte, page.PageSize)
	require.ErrorIs(t, dm.ReadPage(page.InvalidPageID, buf), ErrInvalidPageID)
	require.ErrorIs(t, dm.WritePage(page.InvalidPageID, buf), ErrInvalidPageID)
	require.ErrorIs(t, dm.ReadPage(1, buf[:10]), ErrShortPageBuffer)

	// Reading a page past the end of the file is an I/O error.
	require.ErrorIs(t, dm.ReadPage(99, buf), ErrIO)
}
