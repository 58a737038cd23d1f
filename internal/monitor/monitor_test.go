package monitor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dantte-lp/ovsdb-server/internal/txn"
)

func insert(t *testing.T, db *txn.MemDB, table string, row map[string]any) string {
	t.Helper()
	h, err := db.Submit(context.Background(), db.Name(), []any{
		map[string]any{"op": "insert", "table": table, "row": row},
	}, time.Now())
	require.NoError(t, err)
	completions := db.Poll()
	require.Len(t, completions, 1)
	require.Same(t, h, completions[0].Handle)
	result, ok := completions[0].Result.Value.([]any)
	require.True(t, ok)
	rowResult, ok := result[0].(map[string]any)
	require.True(t, ok)
	id, ok := rowResult["uuid"].(string)
	require.True(t, ok)
	// Drain the matching commit so later ProcessCommit tests don't see it.
	db.DrainCommits()
	return id
}

func TestSubscribeInitialSnapshot(t *testing.T) {
	db := txn.NewMemDB("a", "T").SetColumns("T", []string{"c"})
	id := insert(t, db, "T", map[string]any{"c": "x"})

	e := NewEngine()
	snap, err := e.Subscribe("s1", json.RawMessage(`"M"`), "a", db, map[string]json.RawMessage{
		"T": json.RawMessage(`{"columns":["c"],"select":{"initial":true,"insert":true,"delete":false,"modify":false}}`),
	})
	require.NoError(t, err)

	tbl, ok := snap["T"].(map[string]any)
	require.True(t, ok)
	row, ok := tbl[id].(map[string]any)
	require.True(t, ok)
	newVal, ok := row["new"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "x", newVal["c"])
}

func TestDuplicateMonitorID(t *testing.T) {
	db := txn.NewMemDB("a", "T").SetColumns("T", []string{"c"})
	e := NewEngine()
	_, err := e.Subscribe("s1", json.RawMessage(`1`), "a", db, map[string]json.RawMessage{
		"T": json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	_, err = e.Subscribe("s1", json.RawMessage(`1`), "a", db, map[string]json.RawMessage{
		"T": json.RawMessage(`{}`),
	})
	require.ErrorIs(t, err, ErrDuplicateMonitorID)
}

func TestDuplicateColumnIsSyntaxError(t *testing.T) {
	db := txn.NewMemDB("a", "T").SetColumns("T", []string{"c"})
	e := NewEngine()
	_, err := e.Subscribe("s1", json.RawMessage(`1`), "a", db, map[string]json.RawMessage{
		"T": json.RawMessage(`[{"columns":["c"]},{"columns":["c"]}]`),
	})
	require.ErrorIs(t, err, ErrDuplicateColumn)
}

func TestModifyOnlyOnMonitoredColumnChange(t *testing.T) {
	db := txn.NewMemDB("a", "T").SetColumns("T", []string{"c", "other"})
	id := insert(t, db, "T", map[string]any{"c": "x", "other": "y"})

	e := NewEngine()
	_, err := e.Subscribe("s1", json.RawMessage(`"M"`), "a", db, map[string]json.RawMessage{
		"T": json.RawMessage(`{"columns":["c"],"select":{"initial":false,"insert":false,"delete":false,"modify":true}}`),
	})
	require.NoError(t, err)

	// Commit that changes only the non-monitored column: no update.
	_, err = db.Submit(context.Background(), "a", []any{
		map[string]any{"op": "update", "table": "T", "uuid": id, "row": map[string]any{"other": "z"}},
	}, time.Now())
	require.NoError(t, err)
	db.Poll()
	commits := db.DrainCommits()
	require.Len(t, commits, 1)
	updates := e.ProcessCommit(commits[0])
	require.Empty(t, updates)

	// Commit that changes the monitored column: one update.
	_, err = db.Submit(context.Background(), "a", []any{
		map[string]any{"op": "update", "table": "T", "uuid": id, "row": map[string]any{"c": "y"}},
	}, time.Now())
	require.NoError(t, err)
	db.Poll()
	commits = db.DrainCommits()
	require.Len(t, commits, 1)
	updates = e.ProcessCommit(commits[0])
	require.Len(t, updates, 1)

	tdiff := updates[0].TableDiff["T"].(map[string]any)
	row := tdiff[id].(map[string]any)
	require.Equal(t, map[string]any{"c": "x"}, row["old"])
	require.Equal(t, map[string]any{"c": "y"}, row["new"])
}

func TestCancelStopsFurtherUpdates(t *testing.T) {
	db := txn.NewMemDB("a", "T").SetColumns("T", []string{"c"})
	id := insert(t, db, "T", map[string]any{"c": "x"})

	e := NewEngine()
	rawID := json.RawMessage(`"M"`)
	_, err := e.Subscribe("s1", rawID, "a", db, map[string]json.RawMessage{
		"T": json.RawMessage(`{"select":{"modify":true}}`),
	})
	require.NoError(t, err)

	require.NoError(t, e.Cancel("s1", rawID))

	_, err = db.Submit(context.Background(), "a", []any{
		map[string]any{"op": "update", "table": "T", "uuid": id, "row": map[string]any{"c": "y"}},
	}, time.Now())
	require.NoError(t, err)
	db.Poll()
	commits := db.DrainCommits()
	updates := e.ProcessCommit(commits[0])
	require.Empty(t, updates)
}
