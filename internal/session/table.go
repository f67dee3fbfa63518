package session

import (
	"errors"
	"sync"
	"time"
)

// ReservedID is the transaction id used for hello and search exchanges.
const ReservedID uint32 = 0

// ErrTransactionPending indicates the reserved id is already in use.
var ErrTransactionPending = errors.New("TRANSACTION_PENDING")

// Result is what a continuation receives.
type Result struct {
	Payload  string
	TimedOut bool
}

// Continuation is fulfilled once with the outcome of a transaction.
type Continuation func(Result)

type entry struct {
	fn    Continuation
	timer *time.Timer
}

// Table maps transaction ids to pending continuations.
type Table struct {
	mu      sync.Mutex
	next    uint32
	pending map[uint32]*entry
}

// NewTable creates an empty table whose first allocated id is 1.
func NewTable() *Table {
	return &Table{
		next:    1,
		pending: make(map[uint32]*entry),
	}
}

// Open allocates the next transaction id, stores fn under it and arms a timer
// that expires the transaction after timeout.
func (t *Table) Open(fn Continuation, timeout time.Duration) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.allocate()
	t.install(id, fn, timeout)
	return id
}

// OpenReserved stores fn under a caller-chosen id. It fails if that id is
// still pending.
func (t *Table) OpenReserved(id uint32, fn Continuation, timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.pending[id]; exists {
		return ErrTransactionPending
	}
	t.install(id, fn, timeout)
	return nil
}

// Resolve fulfils the continuation for id with payload. It reports false for
// ids that already expired, were already resolved, or were never opened.
func (t *Table) Resolve(id uint32, payload string) bool {
	e := t.remove(id)
	if e == nil {
		return false
	}
	e.fn(Result{Payload: payload})
	return true
}

// Expire fulfils the continuation for id with a timeout result ahead of its
// timer.
func (t *Table) Expire(id uint32) bool {
	e := t.remove(id)
	if e == nil {
		return false
	}
	e.fn(Result{TimedOut: true})
	return true
}

// Pending returns the number of open transactions.
func (t *Table) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// allocate returns the next free id, skipping the reserved id on wrap.
// Caller must hold t.mu.
func (t *Table) allocate() uint32 {
	for {
		id := t.next
		t.next++
		if t.next == ReservedID {
			t.next = 1
		}
		if _, busy := t.pending[id]; !busy {
			return id
		}
	}
}

// install must be called with t.mu held, which also keeps the timer callback
// from observing a half-built entry.
func (t *Table) install(id uint32, fn Continuation, timeout time.Duration) {
	e := &entry{fn: fn}
	t.pending[id] = e
	e.timer = time.AfterFunc(timeout, func() { t.expireEntry(id, e) })
}

func (t *Table) remove(id uint32) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.pending[id]
	if !ok {
		return nil
	}
	delete(t.pending, id)
	e.timer.Stop()
	return e
}

// expireEntry only removes e itself; a later transaction reusing the id is
// left alone.
func (t *Table) expireEntry(id uint32, e *entry) {
	t.mu.Lock()
	cur, ok := t.pending[id]
	if !ok || cur != e {
		t.mu.Unlock()
		return
	}
	delete(t.pending, id)
	t.mu.Unlock()

	e.fn(Result{TimedOut: true})
}
