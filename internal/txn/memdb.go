package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ovn-org/libovsdb/ovsdb"
)

// ErrUnknownTable is returned when an operation names a table the
// database does not have.
var ErrUnknownTable = errors.New("txn: unknown table")

// ErrBadOp is returned for a malformed mutation op.
var ErrBadOp = errors.New("txn: malformed operation")

// MemDB is a minimal in-memory reference database + Transactor. It is a
// stand-in for the real log-structured executor (out of scope per
// spec.md §1) — just enough to drive `transact`, `monitor`, `get_schema`,
// and `list_dbs` end to end in tests.
//
// Mutations are submitted synchronously inside Submit (there is no real
// asynchrony to wait on), but the Completion and Commit are only made
// visible through Poll/DrainCommits, preserving the tick-driven contract
// the core depends on.
type MemDB struct {
	name    string
	schema  map[string]any
	columns map[string][]string

	mu     sync.Mutex
	tables map[string]map[string]map[string]any // table -> rowID -> row

	nextSeq            uint64
	pendingCompletions []Completion
	pendingCommits     []Commit
}

// NewMemDB creates an empty in-memory database named name, with the given
// tables (each starting empty) and a trivial schema document listing them.
// Column names for each table default to empty until SetColumns is
// called; Snapshot/monitor default-column resolution then falls back to
// whatever keys are present on existing rows.
func NewMemDB(name string, tables ...string) *MemDB {
	db := &MemDB{
		name:    name,
		tables:  make(map[string]map[string]map[string]any),
		columns: make(map[string][]string),
	}
	tableSchema := make(map[string]any, len(tables))
	for _, t := range tables {
		db.tables[t] = make(map[string]map[string]any)
		tableSchema[t] = map[string]any{"columns": map[string]any{}}
	}
	db.schema = map[string]any{"name": name, "tables": tableSchema}
	return db
}

// SetColumns declares table's data column names (excluding the row-id
// column), used to resolve a `monitor` request's default "all columns"
// selection. Returns db for chaining.
func (db *MemDB) SetColumns(table string, cols []string) *MemDB {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.columns[table] = cols
	return db
}

// Columns implements Database.
func (db *MemDB) Columns(table string) ([]string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.tables[table]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	if cols, ok := db.columns[table]; ok && len(cols) > 0 {
		return cols, nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, row := range db.tables[table] {
		for col := range row {
			if !seen[col] {
				seen[col] = true
				out = append(out, col)
			}
		}
	}
	return out, nil
}

// Name implements Database.
func (db *MemDB) Name() string { return db.name }

// Schema implements Database.
func (db *MemDB) Schema() map[string]any { return db.schema }

// Tables implements Database.
func (db *MemDB) Tables() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	names := make([]string, 0, len(db.tables))
	for t := range db.tables {
		names = append(names, t)
	}
	return names
}

// Snapshot implements Database.
func (db *MemDB) Snapshot(table string) (map[string]map[string]any, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	rows, ok := db.tables[table]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	out := make(map[string]map[string]any, len(rows))
	for id, row := range rows {
		out[id] = cloneRow(row)
	}
	return out, nil
}

// memHandle is the Handle returned by Submit; MemDB resolves it
// synchronously, so the handle carries only an identity and the Result
// is queued as a Completion for Poll.
type memHandle struct {
	id int64
}

// Submit implements Transactor. params is a slice of operation maps, each
// shaped like:
//
//	{"op": "insert", "table": "T", "row": {...}}
//	{"op": "update", "table": "T", "uuid": "<id>", "row": {...}}
//	{"op": "delete", "table": "T", "uuid": "<id>"}
//
// The whole batch commits atomically; a malformed op aborts the batch and
// returns its error as the transaction's Result.Err rather than an error
// from Submit itself (mirroring how a real executor reports txn-level
// errors in the reply body, not as a control-plane failure).
func (db *MemDB) Submit(_ context.Context, _ string, params []any, _ time.Time) (Handle, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	changes := make(ChangeSet)
	results := make([]any, 0, len(params))

	// applyOp replaces row maps rather than mutating them, so a per-table
	// copy of the row index is enough to roll a failed batch back.
	backup := make(map[string]map[string]map[string]any, len(db.tables))
	for t, rows := range db.tables {
		cp := make(map[string]map[string]any, len(rows))
		for id, row := range rows {
			cp[id] = row
		}
		backup[t] = cp
	}

	applyErr := func() error {
		for _, raw := range params {
			op, ok := raw.(map[string]any)
			if !ok {
				return fmt.Errorf("%w: operation must be an object", ErrBadOp)
			}
			res, err := db.applyOp(op, changes)
			if err != nil {
				return err
			}
			results = append(results, res)
		}
		return nil
	}()

	h := &memHandle{id: time.Now().UnixNano()}
	var result Result
	var seq uint64
	if applyErr != nil {
		db.tables = backup
		result = Result{Err: applyErr}
	} else {
		result = Result{Value: results}
		if len(changes) > 0 {
			db.nextSeq++
			seq = db.nextSeq
			db.pendingCommits = append(db.pendingCommits, Commit{DB: db.name, Changes: changes, Seq: seq})
		}
	}
	db.pendingCompletions = append(db.pendingCompletions, Completion{Handle: h, Result: result, CommitSeq: seq})
	return h, nil
}

func (db *MemDB) applyOp(op map[string]any, changes ChangeSet) (any, error) {
	opName, _ := op["op"].(string)
	table, _ := op["table"].(string)
	rows, ok := db.tables[table]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}

	switch opName {
	case "insert":
		row, _ := op["row"].(map[string]any)
		// Row identity is an ovsdb.UUID (spec.md §4.F "rows are keyed by
		// the canonical 36-char UUID form"); this module's wire bodies
		// pass that identity around as its GoUUID string form.
		id := ovsdb.UUID{GoUUID: uuid.NewString()}.GoUUID
		rows[id] = cloneRow(row)
		recordDelta(changes, table, id, nil, cloneRow(row))
		return map[string]any{"uuid": id}, nil

	case "update":
		id, _ := op["uuid"].(string)
		old, exists := rows[id]
		if !exists {
			return nil, fmt.Errorf("%w: no row %s in %q", ErrBadOp, id, table)
		}
		patch, _ := op["row"].(map[string]any)
		newRow := cloneRow(old)
		for k, v := range patch {
			newRow[k] = v
		}
		rows[id] = newRow
		recordDelta(changes, table, id, cloneRow(old), cloneRow(newRow))
		return map[string]any{}, nil

	case "delete":
		id, _ := op["uuid"].(string)
		old, exists := rows[id]
		if !exists {
			return nil, fmt.Errorf("%w: no row %s in %q", ErrBadOp, id, table)
		}
		delete(rows, id)
		recordDelta(changes, table, id, cloneRow(old), nil)
		return map[string]any{}, nil

	default:
		return nil, fmt.Errorf("%w: unknown op %q", ErrBadOp, opName)
	}
}

func recordDelta(changes ChangeSet, table, id string, before, after map[string]any) {
	tc, ok := changes[table]
	if !ok {
		tc = make(TableChange)
		changes[table] = tc
	}
	tc[id] = RowDelta{Old: before, New: after}
}

func cloneRow(row map[string]any) map[string]any {
	if row == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

// Poll implements Transactor.
func (db *MemDB) Poll() []Completion {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := db.pendingCompletions
	db.pendingCompletions = nil
	return out
}

// Cancel implements Transactor. MemDB's Submit is synchronous, so by the
// time Cancel could be called the transaction has already completed —
// this is a no-op, matching "canceling an already-completed handle is a
// no-op".
func (db *MemDB) Cancel(Handle) {}

// DrainCommits implements Transactor.
func (db *MemDB) DrainCommits() []Commit {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := db.pendingCommits
	db.pendingCommits = nil
	return out
}

// MemRegistry is a Registry backed by a fixed set of MemDBs.
type MemRegistry struct {
	mu sync.RWMutex
	db map[string]*MemDB
}

// NewMemRegistry builds a Registry from the given databases.
func NewMemRegistry(dbs ...*MemDB) *MemRegistry {
	r := &MemRegistry{db: make(map[string]*MemDB, len(dbs))}
	for _, d := range dbs {
		r.db[d.Name()] = d
	}
	return r
}

// Lookup implements Registry.
func (r *MemRegistry) Lookup(name string) (Database, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.db[name]
	return d, ok
}

// Names implements Registry.
func (r *MemRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.db))
	for n := range r.db {
		out = append(out, n)
	}
	return out
}

// Add registers db at runtime.
func (r *MemRegistry) Add(db *MemDB) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.db[db.Name()] = db
}

// Remove unregisters the named database.
func (r *MemRegistry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.db, name)
}
