// Package concurrency implements a strict two-phase-locking lock manager
// over record identifiers, with shared/exclusive modes, FIFO request
// queues, and a background wait-for-graph cycle detector that aborts the
// youngest transaction in any deadlock.
package concurrency

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	internaltelemetry "github.com/sushant-115/kurodb/internal/telemetry"

	"github.com/sushant-115/kurodb/core/storage/page"
	"github.com/sushant-115/kurodb/core/transaction"
)

// LockMode is the mode of a lock request.
type LockMode int

const (
	LockShared LockMode = iota
	LockExclusive
)

func (m LockMode) String() string {
	if m == LockExclusive {
		return "X"
	}
	return "S"
}

type lockRequest struct {
	txnID   uint64
	mode    LockMode
	granted bool
}

// lockRequestQueue holds the FIFO request queue for one RID plus the
// condition its waiters block on. Granted requests stay in the queue
// until unlocked; that is how holders are represented.
type lockRequestQueue struct {
	requests []*lockRequest
	cond     *sync.Cond
}

// LockManager is the lock table. A single latch guards the queues, the
// wait-for graph, and the state transitions signalled on the per-RID
// conditions.
type LockManager struct {
	mu        sync.Mutex
	lockTable map[page.RID]*lockRequestQueue
	waitsFor  map[uint64][]uint64

	txns     *transaction.Manager
	interval time.Duration
	logger   *zap.Logger
	metrics  *internaltelemetry.LockMetrics

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewLockManager creates a lock manager whose cycle detector, once
// started, runs every interval. metrics may be nil.
func NewLockManager(txns *transaction.Manager, interval time.Duration, logger *zap.Logger, metrics *internaltelemetry.LockMetrics) *LockManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LockManager{
		lockTable: make(map[page.RID]*lockRequestQueue),
		waitsFor:  make(map[uint64][]uint64),
		txns:      txns,
		interval:  interval,
		logger:    logger,
		metrics:   metrics,
	}
}

// queueLocked returns the request queue for rid, creating it on first
// use. Lock table entries live for the life of the process.
func (lm *LockManager) queueLocked(rid page.RID) *lockRequestQueue {
	q, ok := lm.lockTable[rid]
	if !ok {
		q = &lockRequestQueue{cond: sync.NewCond(&lm.mu)}
		lm.lockTable[rid] = q
	}
	return q
}

func (lm *LockManager) removeRequestLocked(q *lockRequestQueue, txnID uint64) {
	kept := q.requests[:0]
	for _, r := range q.requests {
		if r.txnID != txnID {
			kept = append(kept, r)
		}
	}
	q.requests = kept
}

// checkRequestStateLocked applies the 2PL admission rules shared by all
// lock requests. ok=false with a nil error means the caller should
// return false without aborting anything further.
func (lm *LockManager) checkRequestStateLocked(txn *transaction.Transaction) (bool, error) {
	switch txn.State() {
	case transaction.StateAborted:
		return false, nil
	case transaction.StateShrinking:
		txn.SetState(transaction.StateAborted)
		return false, &TransactionAbortError{TxnID: txn.ID(), Reason: AbortReasonLockOnShrinking}
	}
	return true, nil
}

// sharedGrantableLocked reports whether the shared request of txnID is
// grantable: no exclusive request sits ahead of it in the queue.
func sharedGrantableLocked(q *lockRequestQueue, txnID uint64) bool {
	for _, r := range q.requests {
		if r.txnID == txnID {
			return true
		}
		if r.mode == LockExclusive {
			return false
		}
	}
	return true
}

// exclusiveGrantableLocked reports whether the exclusive request of
// txnID is grantable: it is at the head of the queue.
func exclusiveGrantableLocked(q *lockRequestQueue, txnID uint64) bool {
	return len(q.requests) > 0 && q.requests[0].txnID == txnID
}

// LockShared takes a shared lock on rid for txn, blocking while an
// exclusive request sits ahead in the queue. Returns false when the
// transaction is or becomes aborted.
func (lm *LockManager) LockShared(txn *transaction.Transaction, rid page.RID) (bool, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if ok, err := lm.checkRequestStateLocked(txn); !ok {
		return false, err
	}
	if txn.IsSharedLocked(rid) || txn.IsExclusiveLocked(rid) {
		return true, nil
	}

	q := lm.queueLocked(rid)
	req := &lockRequest{txnID: txn.ID(), mode: LockShared}
	q.requests = append(q.requests, req)

	waited := false
	for !sharedGrantableLocked(q, txn.ID()) && txn.State() != transaction.StateAborted {
		waited = true
		q.cond.Wait()
	}
	if waited && lm.metrics != nil {
		lm.metrics.WaitsCounter.Add(context.Background(), 1)
	}
	if txn.State() == transaction.StateAborted {
		lm.removeRequestLocked(q, txn.ID())
		q.cond.Broadcast()
		return false, nil
	}

	req.granted = true
	txn.AddSharedLock(rid)
	if lm.metrics != nil {
		lm.metrics.GrantedCounter.Add(context.Background(), 1)
	}
	q.cond.Broadcast()
	return true, nil
}

// LockExclusive takes an exclusive lock on rid for txn, blocking until
// its request is at the head of the queue. Returns false when the
// transaction is or becomes aborted.
func (lm *LockManager) LockExclusive(txn *transaction.Transaction, rid page.RID) (bool, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if ok, err := lm.checkRequestStateLocked(txn); !ok {
		return false, err
	}
	if txn.IsExclusiveLocked(rid) {
		return true, nil
	}

	q := lm.queueLocked(rid)
	req := &lockRequest{txnID: txn.ID(), mode: LockExclusive}
	q.requests = append(q.requests, req)

	waited := false
	for !exclusiveGrantableLocked(q, txn.ID()) && txn.State() != transaction.StateAborted {
		waited = true
		q.cond.Wait()
	}
	if waited && lm.metrics != nil {
		lm.metrics.WaitsCounter.Add(context.Background(), 1)
	}
	if txn.State() == transaction.StateAborted {
		lm.removeRequestLocked(q, txn.ID())
		q.cond.Broadcast()
		return false, nil
	}

	req.granted = true
	txn.AddExclusiveLock(rid)
	if lm.metrics != nil {
		lm.metrics.GrantedCounter.Add(context.Background(), 1)
	}
	q.cond.Broadcast()
	return true, nil
}

// LockUpgrade promotes txn's shared lock on rid to exclusive. The
// upgrade succeeds only when txn is the sole transaction in the RID's
// queue; any other holder or waiter aborts the requester with
// UPGRADE_CONFLICT.
func (lm *LockManager) LockUpgrade(txn *transaction.Transaction, rid page.RID) (bool, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if ok, err := lm.checkRequestStateLocked(txn); !ok {
		return false, err
	}
	if txn.IsExclusiveLocked(rid) {
		return true, nil
	}
	if !txn.IsSharedLocked(rid) {
		return false, nil
	}

	q := lm.queueLocked(rid)
	for _, r := range q.requests {
		if r.txnID != txn.ID() {
			txn.SetState(transaction.StateAborted)
			lm.removeRequestLocked(q, txn.ID())
			txn.RemoveLock(rid)
			q.cond.Broadcast()
			return false, &TransactionAbortError{TxnID: txn.ID(), Reason: AbortReasonUpgradeConflict}
		}
	}

	for _, r := range q.requests {
		if r.txnID == txn.ID() {
			r.mode = LockExclusive
			r.granted = true
		}
	}
	txn.RemoveLock(rid)
	txn.AddExclusiveLock(rid)
	if lm.metrics != nil {
		lm.metrics.GrantedCounter.Add(context.Background(), 1)
	}
	return true, nil
}

// Unlock releases txn's lock on rid and moves a growing transaction
// into its shrinking phase. Returns false when txn holds no lock on rid.
func (lm *LockManager) Unlock(txn *transaction.Transaction, rid page.RID) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.unlockLocked(txn, rid)
}

func (lm *LockManager) unlockLocked(txn *transaction.Transaction, rid page.RID) bool {
	if !txn.HoldsLock(rid) {
		return false
	}
	q := lm.queueLocked(rid)
	lm.removeRequestLocked(q, txn.ID())
	txn.RemoveLock(rid)
	if txn.State() == transaction.StateGrowing {
		txn.SetState(transaction.StateShrinking)
	}
	q.cond.Broadcast()
	return true
}

// UnlockAll releases every lock txn still holds. Used on commit and
// abort cleanup.
func (lm *LockManager) UnlockAll(txn *transaction.Transaction) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	for _, rid := range txn.LockedRIDs() {
		lm.unlockLocked(txn, rid)
	}
}

// AddEdge records that t1 waits for t2 in the wait-for graph.
func (lm *LockManager) AddEdge(t1, t2 uint64) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.addEdgeLocked(t1, t2)
}

func (lm *LockManager) addEdgeLocked(t1, t2 uint64) {
	for _, existing := range lm.waitsFor[t1] {
		if existing == t2 {
			return
		}
	}
	lm.waitsFor[t1] = append(lm.waitsFor[t1], t2)
}

// RemoveEdge deletes the edge t1 -> t2 if present.
func (lm *LockManager) RemoveEdge(t1, t2 uint64) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	kept := lm.waitsFor[t1][:0]
	for _, v := range lm.waitsFor[t1] {
		if v != t2 {
			kept = append(kept, v)
		}
	}
	lm.waitsFor[t1] = kept
}

// GetEdgeList returns a snapshot of the wait-for graph edges, sorted
// for deterministic inspection.
func (lm *LockManager) GetEdgeList() [][2]uint64 {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	var edges [][2]uint64
	for t1, targets := range lm.waitsFor {
		for _, t2 := range targets {
			edges = append(edges, [2]uint64{t1, t2})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i][0] != edges[j][0] {
			return edges[i][0] < edges[j][0]
		}
		return edges[i][1] < edges[j][1]
	})
	return edges
}

// StartCycleDetection launches the background deadlock detector.
func (lm *LockManager) StartCycleDetection() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.running {
		return
	}
	lm.running = true
	lm.stopCh = make(chan struct{})
	lm.wg.Add(1)
	go lm.runCycleDetection(lm.stopCh)
}

// StopCycleDetection stops the detector and waits for it to exit.
func (lm *LockManager) StopCycleDetection() {
	lm.mu.Lock()
	if !lm.running {
		lm.mu.Unlock()
		return
	}
	lm.running = false
	stopCh := lm.stopCh
	lm.mu.Unlock()

	close(stopCh)
	lm.wg.Wait()
}

// runCycleDetection sleeps outside the latch and scans for deadlocks on
// every tick.
func (lm *LockManager) runCycleDetection(stopCh chan struct{}) {
	defer lm.wg.Done()
	ticker := time.NewTicker(lm.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			lm.detectOnce()
		}
	}
}

// detectOnce rebuilds the wait-for graph from the request queues and
// aborts victims until no cycle remains.
func (lm *LockManager) detectOnce() {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.buildWaitsForLocked()
	for {
		victim, ok := lm.findCycleLocked()
		if !ok {
			return
		}
		lm.abortVictimLocked(victim)
	}
}

// buildWaitsForLocked derives edges from queue order: every request
// waits for every request ahead of it on the same RID.
func (lm *LockManager) buildWaitsForLocked() {
	lm.waitsFor = make(map[uint64][]uint64)
	for _, q := range lm.lockTable {
		var earlier []uint64
		for _, r := range q.requests {
			for _, prev := range earlier {
				if prev != r.txnID {
					lm.addEdgeLocked(r.txnID, prev)
				}
			}
			earlier = append(earlier, r.txnID)
		}
	}
}

// findCycleLocked runs a DFS over vertices in ascending id order and
// reports the maximum transaction id on the first cycle found.
func (lm *LockManager) findCycleLocked() (uint64, bool) {
	ids := make([]uint64, 0, len(lm.waitsFor))
	for id := range lm.waitsFor {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	visited := make(map[uint64]bool)
	for _, id := range ids {
		if visited[id] {
			continue
		}
		onPath := make(map[uint64]bool)
		var path []uint64
		if victim, ok := lm.dfsLocked(id, visited, onPath, &path); ok {
			return victim, true
		}
	}
	return 0, false
}

func (lm *LockManager) dfsLocked(id uint64, visited, onPath map[uint64]bool, path *[]uint64) (uint64, bool) {
	visited[id] = true
	onPath[id] = true
	*path = append(*path, id)

	neighbors := append([]uint64(nil), lm.waitsFor[id]...)
	sort.Slice(neighbors, func(i, j int) bool { return neighbors[i] < neighbors[j] })
	for _, next := range neighbors {
		if onPath[next] {
			// Cycle: victim is the youngest (maximum id) on it.
			victim := next
			inCycle := false
			for _, t := range *path {
				if t == next {
					inCycle = true
				}
				if inCycle && t > victim {
					victim = t
				}
			}
			return victim, true
		}
		if !visited[next] {
			if victim, ok := lm.dfsLocked(next, visited, onPath, path); ok {
				return victim, true
			}
		}
	}

	onPath[id] = false
	*path = (*path)[:len(*path)-1]
	return 0, false
}

// abortVictimLocked marks the victim aborted, drops its outgoing edges,
// purges its requests from every queue, and wakes all waiters so they
// re-evaluate their predicates.
func (lm *LockManager) abortVictimLocked(victimID uint64) {
	lm.logger.Info("deadlock victim aborted", zap.Uint64("txn_id", victimID))
	if lm.metrics != nil {
		lm.metrics.DeadlocksCounter.Add(context.Background(), 1)
	}
	if txn := lm.txns.Get(victimID); txn != nil {
		txn.SetState(transaction.StateAborted)
	}
	delete(lm.waitsFor, victimID)
	for _, q := range lm.lockTable {
		lm.removeRequestLocked(q, victimID)
		q.cond.Broadcast()
	}
}
