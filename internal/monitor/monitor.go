// Package monitor implements the table-subscription engine (component
// F): per-session subscriptions to database tables, snapshot
// construction, and per-commit incremental JSON deltas.
package monitor

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/dantte-lp/ovsdb-server/internal/txn"
)

// Kind is a bitmask of the four monitorable event kinds (spec.md §4.F).
type Kind uint8

const (
	// KindInitial fires only during initial snapshot construction.
	KindInitial Kind = 1 << iota
	// KindInsert fires when a prior row is absent and the new row is present.
	KindInsert
	// KindDelete fires when a prior row is present and the new row is absent.
	KindDelete
	// KindModify fires when both prior and new rows are present.
	KindModify
)

// SessionID identifies the owning session of a Monitor. Opaque to this
// package, same convention as lockmgr.SessionID.
type SessionID string

// ErrDuplicateColumn is a syntax error: the same column named twice
// within one table's subscription (spec.md §3 Monitor invariant).
var ErrDuplicateColumn = errors.New("monitor: duplicate column in table subscription")

// ErrDuplicateMonitorID is a syntax error: the monitor id is already in
// use within this session (spec.md §3 "monitor ids are unique within a
// session").
var ErrDuplicateMonitorID = errors.New("monitor: duplicate monitor id")

// ErrUnknownMonitor is returned by Cancel for an id with no subscription.
var ErrUnknownMonitor = errors.New("monitor: unknown monitor")

// ColumnSub is one monitored column and the event kinds selected for it.
type ColumnSub struct {
	Name string
	Mask Kind
}

// TableSub is one table's subscription: the union mask over its columns,
// plus the ordered per-column masks (spec.md §3 MonitorTable).
type TableSub struct {
	Table   string
	Mask    Kind
	Columns []ColumnSub
}

// Monitor is one client subscription, bound to one database.
type Monitor struct {
	RawID   json.RawMessage
	DB      string
	Session SessionID
	Tables  map[string]*TableSub
}

type monitorKey struct {
	session SessionID
	id      string
}

// Engine owns every Monitor across every session, indexed both by
// (session, id) for lifecycle operations and by database for commit
// fan-out (spec.md §2 "Data flow": "F walks the change set for every
// subscribed session").
type Engine struct {
	mu    sync.Mutex
	byKey map[monitorKey]*Monitor
	byDB  map[string]map[monitorKey]*Monitor
}

// NewEngine creates an empty monitor engine.
func NewEngine() *Engine {
	return &Engine{
		byKey: make(map[monitorKey]*Monitor),
		byDB:  make(map[string]map[monitorKey]*Monitor),
	}
}

// Subscribe parses tablesRaw (the third `monitor` param), installs the
// subscription, and returns its initial snapshot JSON (spec.md §4.F
// "Subscribe"). db must already be resolved by the caller (§4.G looks the
// database up before calling here).
func (e *Engine) Subscribe(
	session SessionID, rawID json.RawMessage, dbName string, db txn.Database,
	tablesRaw map[string]json.RawMessage,
) (map[string]any, error) {
	key := monitorKey{session: session, id: string(rawID)}

	e.mu.Lock()
	if _, exists := e.byKey[key]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateMonitorID, rawID)
	}
	e.mu.Unlock()

	tables, err := parseSubscription(db, tablesRaw)
	if err != nil {
		return nil, err
	}

	mon := &Monitor{RawID: rawID, DB: dbName, Session: session, Tables: tables}

	snapshot, err := buildSnapshot(db, tables)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.byKey[key] = mon
	if e.byDB[dbName] == nil {
		e.byDB[dbName] = make(map[monitorKey]*Monitor)
	}
	e.byDB[dbName][key] = mon
	e.mu.Unlock()

	return snapshot, nil
}

// Cancel removes the named monitor. Returns ErrUnknownMonitor if no such
// subscription exists on this session (spec.md §4.F "Cancel and
// teardown": reply is `unknown monitor` in that case).
func (e *Engine) Cancel(session SessionID, rawID json.RawMessage) error {
	key := monitorKey{session: session, id: string(rawID)}
	e.mu.Lock()
	defer e.mu.Unlock()
	mon, ok := e.byKey[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMonitor, rawID)
	}
	delete(e.byKey, key)
	delete(e.byDB[mon.DB], key)
	return nil
}

// TeardownSession removes every monitor owned by session (on session
// close, spec.md §3 Session lifecycle).
func (e *Engine) TeardownSession(session SessionID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, mon := range e.byKey {
		if key.session != session {
			continue
		}
		delete(e.byKey, key)
		delete(e.byDB[mon.DB], key)
	}
}

// Update is one `update` notification destined for one session, produced
// by ProcessCommit. DB and CommitSeq identify the commit it was produced
// from, so the core can tell when a commit's fan-out has fully cleared
// (spec.md §8 ordering invariant).
type Update struct {
	Session   SessionID
	RawID     json.RawMessage
	TableDiff map[string]any
	DB        string
	CommitSeq uint64
}

// ProcessCommit walks c's change set against every monitor subscribed to
// c.DB and returns the set of `update` notifications to deliver (spec.md
// §4.F "Update delivery").
func (e *Engine) ProcessCommit(c txn.Commit) []Update {
	e.mu.Lock()
	targets := make([]*Monitor, 0, len(e.byDB[c.DB]))
	for _, mon := range e.byDB[c.DB] {
		targets = append(targets, mon)
	}
	e.mu.Unlock()

	var updates []Update
	for _, mon := range targets {
		diff := diffForMonitor(mon, c.Changes)
		if len(diff) == 0 {
			continue
		}
		updates = append(updates, Update{Session: mon.Session, RawID: mon.RawID, TableDiff: diff, DB: c.DB, CommitSeq: c.Seq})
	}
	return updates
}

// diffForMonitor computes one monitor's `update` table diff from a
// commit's change set.
func diffForMonitor(mon *Monitor, changes txn.ChangeSet) map[string]any {
	out := make(map[string]any)
	for table, tc := range changes {
		ts, subscribed := mon.Tables[table]
		if !subscribed {
			continue
		}
		rows := make(map[string]any)
		for rowID, delta := range tc {
			kind := classify(delta)
			if ts.Mask&kind == 0 {
				continue
			}
			entry, emit := rowEntry(ts, kind, delta)
			if emit {
				rows[rowID] = entry
			}
		}
		if len(rows) > 0 {
			out[table] = rows
		}
	}
	return out
}

func classify(d txn.RowDelta) Kind {
	switch {
	case d.Old == nil && d.New != nil:
		return KindInsert
	case d.Old != nil && d.New == nil:
		return KindDelete
	default:
		return KindModify
	}
}

// rowEntry builds the {old?, new?} JSON object for one row's delta, or
// reports emit=false if MODIFY filtering determines nothing changed among
// monitored columns.
func rowEntry(ts *TableSub, kind Kind, d txn.RowDelta) (map[string]any, bool) {
	switch kind {
	case KindInsert:
		return map[string]any{"new": projectForKind(d.New, ts, KindInsert)}, true
	case KindDelete:
		return map[string]any{"old": projectAll(d.Old, ts)}, true
	case KindModify:
		changed := changedModifyColumns(ts, d.Old, d.New)
		if len(changed) == 0 {
			return nil, false
		}
		return map[string]any{
			"old": projectCols(d.Old, changed),
			"new": projectForKind(d.New, ts, KindModify),
		}, true
	default:
		return nil, false
	}
}

func changedModifyColumns(ts *TableSub, old, newRow map[string]any) []string {
	var changed []string
	for _, c := range ts.Columns {
		if c.Mask&KindModify == 0 {
			continue
		}
		if !reflect.DeepEqual(old[c.Name], newRow[c.Name]) {
			changed = append(changed, c.Name)
		}
	}
	return changed
}

func projectForKind(row map[string]any, ts *TableSub, kind Kind) map[string]any {
	out := make(map[string]any)
	for _, c := range ts.Columns {
		if c.Mask&kind == 0 {
			continue
		}
		if v, ok := row[c.Name]; ok {
			out[c.Name] = v
		}
	}
	return out
}

func projectAll(row map[string]any, ts *TableSub) map[string]any {
	out := make(map[string]any)
	for _, c := range ts.Columns {
		if v, ok := row[c.Name]; ok {
			out[c.Name] = v
		}
	}
	return out
}

func projectCols(row map[string]any, cols []string) map[string]any {
	out := make(map[string]any, len(cols))
	for _, c := range cols {
		if v, ok := row[c]; ok {
			out[c] = v
		}
	}
	return out
}

// buildSnapshot constructs the INITIAL snapshot JSON for a freshly
// subscribed Monitor (spec.md §4.F "Subscribe" result shape).
func buildSnapshot(db txn.Database, tables map[string]*TableSub) (map[string]any, error) {
	out := make(map[string]any)
	for table, ts := range tables {
		if ts.Mask&KindInitial == 0 {
			continue
		}
		rows, err := db.Snapshot(table)
		if err != nil {
			return nil, fmt.Errorf("monitor: snapshot %q: %w", table, err)
		}
		rowsOut := make(map[string]any, len(rows))
		for rowID, row := range rows {
			rowsOut[rowID] = map[string]any{"new": projectForKind(row, ts, KindInitial)}
		}
		if len(rowsOut) > 0 {
			out[table] = rowsOut
		}
	}
	return out, nil
}
