package buffer

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestLRUReplacer_VictimOrder verifies that victims come out in the
// order the frames were unpinned, oldest first.
func TestLRUReplacer_VictimOrder(t *testing.T) {
	r := NewLRUReplacer(7, zap.NewNop())

	for _, fid := range []FrameID{1, 2, 3, 4, 5, 6} {
		r.Unpin(fid)
	}
	require.Equal(t, 6, r.Size())

	for _, want := range []FrameID{1, 2, 3, 4, 5, 6} {
		fid, ok := r.Victim()
		require.True(t, ok)
		require.Equal(t, want, fid)
	}

	_, ok := r.Victim()
	require.False(t, ok, "empty replacer must not produce a victim")
	require.Equal(t, 0, r.Size())
}

// TestLRUReplacer_PinRemoves verifies that pinning takes a frame out of
// the evictable set and that pinning an absent frame is a no-op.
func TestLRUReplacer_PinRemoves(t *testing.T) {
	r := NewLRUReplacer(7, zap.NewNop())

	r.Unpin(1)
	r.Unpin(2)
	r.Unpin(3)

	r.Pin(2)
	r.Pin(42) // not present
	require.Equal(t, 2, r.Size())

	fid, ok := r.Victim()
	require.True(t, ok)
	require.Equal(t, FrameID(1), fid)
	fid, ok = r.Victim()
	require.True(t, ok)
	require.Equal(t, FrameID(3), fid)
}

// TestLRUReplacer_UnpinDuplicate verifies that re-unpinning a frame does
// not move it or add it twice.
func TestLRUReplacer_UnpinDuplicate(t *testing.T) {
	r := NewLRUReplacer(7, zap.NewNop())

	r.Unpin(1)
	r.Unpin(2)
	r.Unpin(1)
	require.Equal(t, 2, r.Size())

	fid, ok := r.Victim()
	require.True(t, ok)
	require.Equal(t, FrameID(1), fid)
}

// TestLRUReplacer_CapacityLimit verifies that unpins beyond the frame
// capacity are dropped.
func TestLRUReplacer_CapacityLimit(t *testing.T) {
	r := NewLRUReplacer(2, zap.NewNop())

	r.Unpin(1)
	r.Unpin(2)
	r.Unpin(3)
	require.Equal(t, 2, r.Size())
}
