package monitor

import (
	"encoding/json"
	"fmt"

	"github.com/dantte-lp/ovsdb-server/internal/txn"
)

// selectSpec mirrors the `select` object of a monitor-request. A nil
// pointer field means "not specified" and defaults to true, matching
// spec.md §4.F: "each defaults to true if select absent, else to true
// individually."
type selectSpec struct {
	Initial *bool `json:"initial"`
	Insert  *bool `json:"insert"`
	Delete  *bool `json:"delete"`
	Modify  *bool `json:"modify"`
}

func (s *selectSpec) mask() Kind {
	var m Kind
	if boolOr(s.fieldInitial(), true) {
		m |= KindInitial
	}
	if boolOr(s.fieldInsert(), true) {
		m |= KindInsert
	}
	if boolOr(s.fieldDelete(), true) {
		m |= KindDelete
	}
	if boolOr(s.fieldModify(), true) {
		m |= KindModify
	}
	return m
}

func (s *selectSpec) fieldInitial() *bool {
	if s == nil {
		return nil
	}
	return s.Initial
}
func (s *selectSpec) fieldInsert() *bool {
	if s == nil {
		return nil
	}
	return s.Insert
}
func (s *selectSpec) fieldDelete() *bool {
	if s == nil {
		return nil
	}
	return s.Delete
}
func (s *selectSpec) fieldModify() *bool {
	if s == nil {
		return nil
	}
	return s.Modify
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// monitorRequest is one element of a table's monitor-request(s), per
// spec.md §4.F "Subscribe": optional `columns`, optional `select`.
type monitorRequest struct {
	Columns []string    `json:"columns"`
	Select  *selectSpec `json:"select"`
}

// decodeMonitorRequests normalizes a table's raw JSON value — a single
// monitor-request object or an array of them (spec.md §9 "Heterogeneous
// monitor-request shape") — into a list, discarding the source form.
func decodeMonitorRequests(raw json.RawMessage) ([]monitorRequest, error) {
	trimmed := raw
	var asArray []monitorRequest
	if err := json.Unmarshal(trimmed, &asArray); err == nil {
		return asArray, nil
	}
	var single monitorRequest
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return nil, fmt.Errorf("monitor: malformed monitor-request: %w", err)
	}
	return []monitorRequest{single}, nil
}

// parseSubscription builds the per-table subscription state for a
// `monitor` request's table map, resolving default column lists against
// db's schema and rejecting duplicate columns within one table.
func parseSubscription(db txn.Database, tablesRaw map[string]json.RawMessage) (map[string]*TableSub, error) {
	out := make(map[string]*TableSub, len(tablesRaw))

	for table, raw := range tablesRaw {
		allColumns, err := db.Columns(table)
		if err != nil {
			return nil, fmt.Errorf("monitor: %w", err)
		}

		reqs, err := decodeMonitorRequests(raw)
		if err != nil {
			return nil, err
		}

		ts := &TableSub{Table: table}
		seen := make(map[string]bool)

		for _, req := range reqs {
			cols := req.Columns
			if cols == nil {
				cols = allColumns
			}
			mask := req.Select.mask()
			for _, c := range cols {
				if seen[c] {
					return nil, fmt.Errorf("%w: %q.%q", ErrDuplicateColumn, table, c)
				}
				seen[c] = true
				ts.Columns = append(ts.Columns, ColumnSub{Name: c, Mask: mask})
				ts.Mask |= mask
			}
		}

		out[table] = ts
	}

	return out, nil
}
