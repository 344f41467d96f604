// Package region models the portion of a database which a statement or
// observation touches: a set of tables, crossed with column and row
// selections. Regions form a small algebra (union, intersection test)
// which the observation engine uses to decide whether a committed write
// may have invalidated a previously fetched value.
package region

import (
	"sort"
	"strconv"
	"strings"
)

// Region is a set of (table, column selection, row selection) entries.
// The zero value is the empty Region, which intersects nothing.
// Regions are immutable once built; Union returns a new Region and never
// mutates its receiver or argument. Table name comparison is case-sensitive,
// which differs from SQLite's own identifier matching (a deliberate caveat:
// callers must use a consistent casing).
type Region struct {
	full   bool
	tables map[string]tableRegion
}

// tableRegion crosses a row selection with a column selection.
// Either selection being empty makes the entry vacuous: it selects nothing
// and intersects nothing, including another vacuous entry for the same table.
type tableRegion struct {
	rows rowSelection
	cols columnSelection
}

// rowSelection is None (zero value), Some(ids), or All.
type rowSelection struct {
	all bool
	ids map[int64]struct{}
}

// columnSelection is None (zero value), Some(names), or All.
type columnSelection struct {
	all   bool
	names map[string]struct{}
}

// Full returns the region covering the entire database.
// It intersects every region other than the empty one.
func Full() Region { return Region{full: true} }

// Empty returns the empty region. It intersects nothing,
// including itself and the full region.
func Empty() Region { return Region{} }

// Table returns a region covering all rows and all columns of |table|.
func Table(table string) Region {
	return Region{tables: map[string]tableRegion{
		table: {rows: rowSelection{all: true}, cols: columnSelection{all: true}},
	}}
}

// Columns returns a region covering the named columns of |table|, across
// all rows. With no columns it is equivalent to Table(table).
func Columns(table string, columns ...string) Region {
	var cols = columnSelection{all: true}
	if len(columns) != 0 {
		cols = columnSelection{names: make(map[string]struct{}, len(columns))}
		for _, c := range columns {
			cols.names[c] = struct{}{}
		}
	}
	return Region{tables: map[string]tableRegion{
		table: {rows: rowSelection{all: true}, cols: cols},
	}}
}

// Rows returns a region covering the given rowids of |table|, across all
// columns. With no rowids it returns the empty region.
func Rows(table string, rowids ...int64) Region {
	if len(rowids) == 0 {
		return Region{}
	}
	var rows = rowSelection{ids: make(map[int64]struct{}, len(rowids))}
	for _, id := range rowids {
		rows.ids[id] = struct{}{}
	}
	return Region{tables: map[string]tableRegion{
		table: {rows: rows, cols: columnSelection{all: true}},
	}}
}

// Span returns a region covering the named |columns| of the given |rowids|
// of |table|. A nil |columns| selects all columns, and a nil |rowids| selects
// all rows. An empty (non-nil) slice on either axis yields the empty region.
func Span(table string, columns []string, rowids []int64) Region {
	var cols = columnSelection{all: columns == nil}
	if len(columns) != 0 {
		cols.names = make(map[string]struct{}, len(columns))
		for _, c := range columns {
			cols.names[c] = struct{}{}
		}
	}
	var rows = rowSelection{all: rowids == nil}
	if len(rowids) != 0 {
		rows.ids = make(map[int64]struct{}, len(rowids))
		for _, id := range rowids {
			rows.ids[id] = struct{}{}
		}
	}
	return Region{tables: map[string]tableRegion{table: {rows: rows, cols: cols}}}
}

// IsEmpty is true if the region selects nothing.
func (r Region) IsEmpty() bool {
	if r.full {
		return false
	}
	for _, t := range r.tables {
		if !t.vacuous() {
			return false
		}
	}
	return true
}

// IsFull is true if the region covers the entire database.
func (r Region) IsFull() bool { return r.full }

// Union returns the region covering everything selected by |r| or |other|.
// Union is commutative, associative and idempotent, and wildcard selections
// absorb more specific ones.
func (r Region) Union(other Region) Region {
	if r.full || other.full {
		return Region{full: true}
	}
	var out = Region{tables: make(map[string]tableRegion, len(r.tables)+len(other.tables))}
	for n, t := range r.tables {
		out.tables[n] = t
	}
	for n, t := range other.tables {
		if prior, ok := out.tables[n]; ok {
			out.tables[n] = prior.union(t)
		} else {
			out.tables[n] = t
		}
	}
	return out
}

// Intersects is true if some table, column and row is selected by both
// |r| and |other|. The empty region intersects nothing; the full region
// intersects everything except the empty region.
func (r Region) Intersects(other Region) bool {
	if r.full {
		return !other.IsEmpty()
	}
	if other.full {
		return !r.IsEmpty()
	}
	for n, t := range r.tables {
		if o, ok := other.tables[n]; ok && t.intersects(o) {
			return true
		}
	}
	return false
}

// String renders the region in a stable, human-readable form, eg
// "player(name,score)[1,2]" or "*" for the full database.
func (r Region) String() string {
	if r.full {
		return "*"
	}
	var names = make([]string, 0, len(r.tables))
	for n, t := range r.tables {
		if t.vacuous() {
			continue
		}
		names = append(names, n)
	}
	if len(names) == 0 {
		return "∅"
	}
	sort.Strings(names)

	var b strings.Builder
	for i, n := range names {
		if i != 0 {
			b.WriteByte(',')
		}
		var t = r.tables[n]
		b.WriteString(n)
		b.WriteString(t.cols.render())
		b.WriteString(t.rows.render())
	}
	return b.String()
}

func (t tableRegion) vacuous() bool {
	return t.rows.none() || t.cols.none()
}

func (t tableRegion) union(o tableRegion) tableRegion {
	// A vacuous entry contributes nothing.
	if t.vacuous() {
		return o
	} else if o.vacuous() {
		return t
	}
	return tableRegion{rows: t.rows.union(o.rows), cols: t.cols.union(o.cols)}
}

func (t tableRegion) intersects(o tableRegion) bool {
	if t.vacuous() || o.vacuous() {
		return false
	}
	return t.rows.intersects(o.rows) && t.cols.intersects(o.cols)
}

func (s rowSelection) none() bool { return !s.all && len(s.ids) == 0 }

func (s rowSelection) union(o rowSelection) rowSelection {
	switch {
	case s.all || o.all:
		return rowSelection{all: true}
	case s.none():
		return o
	case o.none():
		return s
	}
	var ids = make(map[int64]struct{}, len(s.ids)+len(o.ids))
	for id := range s.ids {
		ids[id] = struct{}{}
	}
	for id := range o.ids {
		ids[id] = struct{}{}
	}
	return rowSelection{ids: ids}
}

func (s rowSelection) intersects(o rowSelection) bool {
	switch {
	case s.none() || o.none():
		return false
	case s.all || o.all:
		return true
	case len(o.ids) < len(s.ids):
		s, o = o, s
	}
	for id := range s.ids {
		if _, ok := o.ids[id]; ok {
			return true
		}
	}
	return false
}

func (s rowSelection) render() string {
	if s.all {
		return ""
	}
	var ids = make([]int64, 0, len(s.ids))
	for id := range s.ids {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var parts = make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func (s columnSelection) none() bool { return !s.all && len(s.names) == 0 }

func (s columnSelection) union(o columnSelection) columnSelection {
	switch {
	case s.all || o.all:
		return columnSelection{all: true}
	case s.none():
		return o
	case o.none():
		return s
	}
	var names = make(map[string]struct{}, len(s.names)+len(o.names))
	for n := range s.names {
		names[n] = struct{}{}
	}
	for n := range o.names {
		names[n] = struct{}{}
	}
	return columnSelection{names: names}
}

func (s columnSelection) intersects(o columnSelection) bool {
	switch {
	case s.none() || o.none():
		return false
	case s.all || o.all:
		return true
	case len(o.names) < len(s.names):
		s, o = o, s
	}
	for n := range s.names {
		if _, ok := o.names[n]; ok {
			return true
		}
	}
	return false
}

func (s columnSelection) render() string {
	if s.all {
		return ""
	}
	var names = make([]string, 0, len(s.names))
	for n := range s.names {
		names = append(names, n)
	}
	sort.Strings(names)
	return "(" + strings.Join(names, ",") + ")"
}
