// Package trigger implements the per-session table of in-flight
// transactions (component E): one Trigger per outstanding `transact`
// request, keyed by hash+equality of its request id.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dantte-lp/ovsdb-server/internal/txn"
)

// ErrDuplicateRequestID is returned when a session submits a `transact`
// whose request id collides with one already pending on that session
// (spec.md §4.E / §8 "duplicate request ID").
var ErrDuplicateRequestID = errors.New("duplicate request ID")

// Canceled is the sentinel error value used as the `error` body of a
// REPLY for a Trigger completed by `cancel` (spec.md §4.E, §8 scenario 6).
const Canceled = "canceled"

// Trigger represents one in-flight `transact` request.
type Trigger struct {
	ReqID  json.RawMessage
	DB     string
	handle txn.Handle
	db     txn.Database
}

// Table is one session's trigger table. A session may transact against
// several databases; the table tracks, per request id, which database's
// Transactor owns the pending handle, and polls every database it has
// ever submitted to on Drain.
type Table struct {
	mu       sync.Mutex
	byID     map[string]*Trigger
	byHandle map[txn.Handle]*Trigger
	dbs      map[string]txn.Database // db name -> db, every db ever used
}

// NewTable creates an empty trigger table.
func NewTable() *Table {
	return &Table{
		byID:     make(map[string]*Trigger),
		byHandle: make(map[txn.Handle]*Trigger),
		dbs:      make(map[string]txn.Database),
	}
}

// Submit creates a Trigger for reqID, handing (params, now) to db's
// transaction executor. Returns ErrDuplicateRequestID without creating a
// trigger if reqID is already pending on this table.
func (t *Table) Submit(ctx context.Context, db txn.Database, params []any, reqID json.RawMessage, now time.Time) (*Trigger, error) {
	key := string(reqID)

	t.mu.Lock()
	if _, exists := t.byID[key]; exists {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequestID, key)
	}
	t.mu.Unlock()

	h, err := db.Submit(ctx, db.Name(), params, now)
	if err != nil {
		return nil, fmt.Errorf("trigger: submit: %w", err)
	}

	trig := &Trigger{ReqID: reqID, DB: db.Name(), handle: h, db: db}
	t.mu.Lock()
	t.byID[key] = trig
	t.byHandle[h] = trig
	t.dbs[db.Name()] = db
	t.mu.Unlock()
	return trig, nil
}

// Completed pairs a finished Trigger with its outcome. CommitSeq is the
// commit sequence number the transaction produced (0 if it produced no
// commit), carried through from txn.Completion so the core can withhold
// the reply until that commit's monitor fan-out has cleared (spec.md §8
// ordering invariant).
type Completed struct {
	Trigger   *Trigger
	Result    txn.Result
	CommitSeq uint64
}

// Drain polls every database this table has ever submitted to and
// returns every Trigger in this table that has completed since the last
// Drain, removing them from the table. Completions for handles this
// table does not own are ignored (they belong to some other session's
// table sharing the same database).
func (t *Table) Drain() []Completed {
	t.mu.Lock()
	dbs := make([]txn.Database, 0, len(t.dbs))
	for _, db := range t.dbs {
		dbs = append(dbs, db)
	}
	t.mu.Unlock()

	var out []Completed
	for _, db := range dbs {
		for _, c := range db.Poll() {
			t.mu.Lock()
			trig, ok := t.byHandle[c.Handle]
			if ok {
				delete(t.byHandle, c.Handle)
				delete(t.byID, string(trig.ReqID))
			}
			t.mu.Unlock()
			if ok {
				out = append(out, Completed{Trigger: trig, Result: c.Result, CommitSeq: c.CommitSeq})
			}
		}
	}
	return out
}

// Cancel removes the Trigger named by reqID (a marshaled JSON scalar),
// best-effort cancels it in the executor, and returns it so the caller
// can synthesize the `canceled` reply. Returns ok=false if no such
// Trigger is pending (silent, per spec.md §4.G NOTIFY dispatch table).
func (t *Table) Cancel(reqID json.RawMessage) (trig *Trigger, ok bool) {
	key := string(reqID)
	t.mu.Lock()
	trig, ok = t.byID[key]
	if ok {
		delete(t.byID, key)
		delete(t.byHandle, trig.handle)
	}
	t.mu.Unlock()
	if ok {
		trig.db.Cancel(trig.handle)
	}
	return trig, ok
}

// TeardownAll removes every pending Trigger from the table, best-effort
// cancels each in its executor, and returns them so the caller can drop
// their replies (the session is gone; spec.md §4.E "On session close all
// Triggers are completed in place (reply is dropped since transport is
// gone)").
func (t *Table) TeardownAll() []*Trigger {
	t.mu.Lock()
	all := make([]*Trigger, 0, len(t.byID))
	for _, trig := range t.byID {
		all = append(all, trig)
	}
	t.byID = make(map[string]*Trigger)
	t.byHandle = make(map[txn.Handle]*Trigger)
	t.mu.Unlock()

	for _, trig := range all {
		trig.db.Cancel(trig.handle)
	}
	return all
}

// Len reports the number of currently pending triggers (used for memory
// accounting / diagnostics).
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}
