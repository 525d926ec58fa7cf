// Package transaction tracks transaction identity, two-phase state, and
// the sets of record locks each transaction holds.
package transaction

import (
	"sync"

	"github.com/sushant-115/kurodb/core/storage/page"
)

// State is the two-phase-locking state of a transaction.
type State int

const (
	StateGrowing State = iota // acquiring locks
	StateShrinking
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateGrowing:
		return "GROWING"
	case StateShrinking:
		return "SHRINKING"
	case StateCommitted:
		return "COMMITTED"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Transaction is an in-memory record of one transaction: its id, its
// 2PL state, and the RIDs it holds shared and exclusive locks on.
type Transaction struct {
	id uint64

	mu        sync.Mutex
	state     State
	shared    map[page.RID]struct{}
	exclusive map[page.RID]struct{}
}

// ID returns the transaction id. Ids increase monotonically; the
// deadlock detector relies on that to pick the youngest victim.
func (t *Transaction) ID() uint64 { return t.id }

// State returns the current 2PL state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetState transitions the transaction to the given state.
func (t *Transaction) SetState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

// IsSharedLocked reports whether the transaction holds a shared lock on rid.
func (t *Transaction) IsSharedLocked(rid page.RID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.shared[rid]
	return ok
}

// IsExclusiveLocked reports whether the transaction holds an exclusive lock on rid.
func (t *Transaction) IsExclusiveLocked(rid page.RID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.exclusive[rid]
	return ok
}

// AddSharedLock records a granted shared lock.
func (t *Transaction) AddSharedLock(rid page.RID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.shared[rid] = struct{}{}
}

// AddExclusiveLock records a granted exclusive lock.
func (t *Transaction) AddExclusiveLock(rid page.RID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exclusive[rid] = struct{}{}
}

// RemoveLock forgets any lock held on rid.
func (t *Transaction) RemoveLock(rid page.RID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.shared, rid)
	delete(t.exclusive, rid)
}

// HoldsLock reports whether the transaction holds any lock on rid.
func (t *Transaction) HoldsLock(rid page.RID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.shared[rid]; ok {
		return true
	}
	_, ok := t.exclusive[rid]
	return ok
}

// LockedRIDs returns a snapshot of every RID the transaction holds a
// lock on, shared or exclusive.
func (t *Transaction) LockedRIDs() []page.RID {
	t.mu.Lock()
	defer t.mu.Unlock()
	rids := make([]page.RID, 0, len(t.shared)+len(t.exclusive))
	for rid := range t.shared {
		rids = append(rids, rid)
	}
	for rid := range t.exclusive {
		if _, ok := t.shared[rid]; !ok {
			rids = append(rids, rid)
		}
	}
	return rids
}

// Manager issues transactions with monotonically increasing ids and
// resolves ids back to transactions for the deadlock detector.
type Manager struct {
	mu     sync.Mutex
	nextID uint64
	txns   map[uint64]*Transaction
}

// NewManager creates an empty transaction manager.
func NewManager() *Manager {
	return &Manager{txns: make(map[uint64]*Transaction)}
}

// Begin starts a new transaction in the growing phase.
func (m *Manager) Begin() *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	txn := &Transaction{
		id:        m.nextID,
		state:     StateGrowing,
		shared:    make(map[page.RID]struct{}),
		exclusive: make(map[page.RID]struct{}),
	}
	m.txns[txn.id] = txn
	return txn
}

// Get resolves a transaction id; nil when unknown.
func (m *Manager) Get(id uint64) *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txns[id]
}

// Commit marks the transaction committed. Lock release is the lock
// manager's job; callers unlock before or after as their protocol allows.
func (m *Manager) Commit(txn *Transaction) {
	if txn.State() != StateAborted {
		txn.SetState(StateCommitted)
	}
}

// Abort marks the transaction aborted.
func (m *Manager) Abort(txn *Transaction) {
	txn.SetState(StateAborted)
}
