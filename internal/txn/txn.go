// Package txn declares the interfaces through which the core (this
// module) talks to its external collaborators: the transaction executor
// and the set of open databases. Per spec.md §1 these are out of scope —
// the on-disk log-structured database file, the executor that turns a
// parsed request into a result or a pending-wait state, and schema
// storage are implemented elsewhere. This package also ships a minimal
// in-memory reference implementation (memdb.go) sufficient to exercise
// the core end to end in tests.
package txn

import (
	"context"
	"time"
)

// Handle is an opaque reference to one in-flight transaction, owned by
// the Transactor. The core never inspects it — only compares it for
// identity when matching a Completion back to its Trigger.
type Handle any

// Result is the outcome of a completed transaction: either a JSON-able
// value (the `result` body of a `transact` reply) or an error (the
// `error` body).
type Result struct {
	Value any
	Err   error
}

// Completion pairs a Handle with its Result, as drained from the
// executor's completion list on each server tick (spec.md §4.E).
// CommitSeq is the Seq of the Commit this transaction produced, or 0 if
// it produced no commit (a no-op or failed transact) — the core uses it
// to withhold a trigger's reply until the monitor engine has finished
// fanning out that commit (spec.md §8 ordering invariant).
type Completion struct {
	Handle    Handle
	Result    Result
	CommitSeq uint64
}

// RowDelta is one row's before/after state within a committed change set.
// Old is nil for an insert, New is nil for a delete; both are non-nil,
// and differ, for a modify (spec.md §4.F).
type RowDelta struct {
	Old map[string]any
	New map[string]any
}

// TableChange maps row id (canonical UUID string) to its delta.
type TableChange map[string]RowDelta

// ChangeSet maps table name to its TableChange for one commit.
type ChangeSet map[string]TableChange

// Commit is one committed transaction's change set, scoped to a database.
// The monitor engine (component F) walks this for every subscribed
// session (spec.md §4.F "Update delivery"). Seq is monotonically
// increasing per database, starting at 1, and lets the core correlate a
// trigger's reply with the monitor updates its own commit produced
// (spec.md §8 ordering invariant).
type Commit struct {
	DB      string
	Changes ChangeSet
	Seq     uint64
}

// Transactor is the transaction executor's interface to the core.
// Implementations serialize writers across all callers (spec.md §5,
// "Shared-resource policy").
type Transactor interface {
	// Submit hands a parsed `transact` request to the executor and
	// returns immediately with a Handle representing the pending
	// operation; the result arrives later via Poll.
	Submit(ctx context.Context, db string, params []any, at time.Time) (Handle, error)

	// Poll drains and returns every transaction that has completed since
	// the last call. Must not block.
	Poll() []Completion

	// Cancel best-effort cancels a still-pending transaction. Submitting
	// a cancel for an already-completed or unknown Handle is a no-op.
	Cancel(h Handle)

	// DrainCommits drains and returns every commit produced since the
	// last call, in commit order. Must not block. Polled by the monitor
	// engine on each server tick (spec.md §2 "Data flow").
	DrainCommits() []Commit
}

// Database is the subset of an open database's surface the core needs:
// its name, its JSON schema document, a row-level view used by the
// monitor engine to build initial snapshots (spec.md §4.F), and the
// Transactor that executes `transact` requests scoped to it — a
// transaction is always scoped to exactly one database (spec.md §4.G
// dispatch table: "Look up db by params[0]").
type Database interface {
	Transactor

	// Name returns the database's unique name.
	Name() string

	// Schema returns the database's JSON schema document, as served by
	// the `get_schema` request.
	Schema() map[string]any

	// Tables returns the set of table names this database exposes.
	Tables() []string

	// Columns returns the data column names of table, excluding the
	// implicit row-id column. Used to resolve a `monitor` request's
	// default "all columns" column list (spec.md §4.F).
	Columns(table string) ([]string, error)

	// Snapshot returns every current row of table, keyed by the
	// canonical 36-char UUID row id, each value a column-name-to-value
	// map. Used to build `monitor` INITIAL snapshots.
	Snapshot(table string) (map[string]map[string]any, error)
}

// Registry is the set of open databases, keyed by name (spec.md §3,
// Server "Owns: set of named databases").
type Registry interface {
	// Lookup returns the Database named name, or false if it is not open.
	Lookup(name string) (Database, bool)

	// Names returns every open database's name (for `list_dbs`).
	Names() []string
}
