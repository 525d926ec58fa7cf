// Package buffer implements the buffer pool: fixed frames brokered
// between callers and the disk manager, with LRU eviction.
package buffer

import (
	"container/list"
	"sync"

	"go.uber.org/zap"
)

// FrameID indexes a slot in the buffer pool.
type FrameID int

// LRUReplacer tracks evictable frames (pin count zero) and hands out the
// least recently used one as a victim. Recency is the insertion order of
// Unpin calls: oldest at the front.
type LRUReplacer struct {
	mu        sync.Mutex
	numFrames int
	frames    *list.List
	elements  map[FrameID]*list.Element
	logger    *zap.Logger
}

// NewLRUReplacer creates a replacer that holds at most numFrames frames.
func NewLRUReplacer(numFrames int, logger *zap.Logger) *LRUReplacer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LRUReplacer{
		numFrames: numFrames,
		frames:    list.New(),
		elements:  make(map[FrameID]*list.Element),
		logger:    logger,
	}
}

// Victim removes and returns the oldest evictable frame. The bool is
// false when no frame is evictable.
func (r *LRUReplacer) Victim() (FrameID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	front := r.frames.Front()
	if front == nil {
		return 0, false
	}
	fid := front.Value.(FrameID)
	r.frames.Remove(front)
	delete(r.elements, fid)
	return fid, true
}

// Pin removes a frame from the evictable set. A frame that is not
// present is a no-op.
func (r *LRUReplacer) Pin(fid FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	elem, ok := r.elements[fid]
	if !ok {
		return
	}
	r.frames.Remove(elem)
	delete(r.elements, fid)
}

// Unpin inserts a frame at the most-recent end of the evictable set.
// A frame that is already present stays at its position; exceeding the
// replacer capacity is a programming error and is dropped with a log.
func (r *LRUReplacer) Unpin(fid FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frames.Len() >= r.numFrames {
		r.logger.Error("replacer capacity exceeded on unpin", zap.Int("frame_id", int(fid)))
		return
	}
	if _, ok := r.elements[fid]; ok {
		return
	}
	r.elements[fid] = r.frames.PushBack(fid)
}

// Size returns the number of evictable frames.
func (r *LRUReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames.Len()
}
