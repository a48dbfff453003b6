package scheduler

import (
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// pendingPayment captures everything needed to settle an indeterminate
// submission later without re-reading dispatch-time state.
type pendingPayment struct {
	SubscriptionID snowflake.ID
	PlanID         string
	TxHash         string
	Amount         decimal.Decimal
	Token          string
	PrevDue        time.Time
	Interval       time.Duration
	Since          time.Time
}

type inflightEntry struct {
	source       Source
	dispatchedAt time.Time
	pending      *pendingPayment
}

// inflightTable is the per-subscription ownership map behind the
// at-most-one-in-flight invariant. Acquire wins exactly once per
// subscription until Release.
type inflightTable struct {
	mu      sync.Mutex
	entries map[snowflake.ID]*inflightEntry
}

func newInflightTable() *inflightTable {
	return &inflightTable{entries: map[snowflake.ID]*inflightEntry{}}
}

// Acquire claims the subscription for dispatch. It returns false when an
// execution is already in flight, which is the signal to drop the entry.
func (t *inflightTable) Acquire(id snowflake.ID, source Source, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, held := t.entries[id]; held {
		return false
	}
	t.entries[id] = &inflightEntry{source: source, dispatchedAt: now}
	return true
}

func (t *inflightTable) Release(id snowflake.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

func (t *inflightTable) Held(id snowflake.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, held := t.entries[id]
	return held
}

// MarkPending keeps the gate held and attaches the unresolved submission.
func (t *inflightTable) MarkPending(id snowflake.ID, payment pendingPayment) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, held := t.entries[id]
	if !held {
		return
	}
	payment.SubscriptionID = id
	entry.pending = &payment
}

// Pending snapshots all unresolved submissions for receipt polling.
func (t *inflightTable) Pending() []pendingPayment {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]pendingPayment, 0, len(t.entries))
	for _, entry := range t.entries {
		if entry.pending != nil {
			out = append(out, *entry.pending)
		}
	}
	return out
}

func (t *inflightTable) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
