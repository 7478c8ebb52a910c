package core

// dataset.go holds the in-memory result of a load: accepted rows per table,
// indexed by primary key and on demand by referenced columns.

import (
	"strings"
	"sync"

	"github.com/glottolab/cldfload/internal/cldf"
)

// TableData is the accepted content of one table.
type TableData struct {
	Table  *cldf.Table
	Header []string // header record as read from the source
	Rows   []*Row   // accepted rows, in source order

	// Rejected counts rows excluded by validation or duplicate keys.
	Rejected int

	byKey map[string]*Row

	// valueIdx indexes rows by the joined values of a column set,
	// built lazily for the column sets foreign keys reference.
	// idxMu serializes the builds so concurrent post-load readers
	// need no locking of their own.
	idxMu    sync.Mutex
	valueIdx map[string]map[string][]*Row
}

func newTableData(table *cldf.Table, header []string) *TableData {
	return &TableData{
		Table:  table,
		Header: header,
		byKey:  make(map[string]*Row),
	}
}

// add indexes an accepted row. It reports false when the primary key is
// already taken, in which case the earlier row stays and the new one is
// not stored.
func (t *TableData) add(row *Row) bool {
	if _, taken := t.byKey[row.Key]; taken {
		return false
	}
	t.byKey[row.Key] = row
	t.Rows = append(t.Rows, row)
	return true
}

// RowByKey returns the row with the given primary-key value.
func (t *TableData) RowByKey(key string) (*Row, bool) {
	r, ok := t.byKey[key]
	return r, ok
}

// Len returns the number of accepted rows.
func (t *TableData) Len() int { return len(t.Rows) }

// RowsByValue returns the rows whose values in the given columns equal the
// given values, in source order. Used both by the reference checker and by
// the cross-table lookup API.
func (t *TableData) RowsByValue(columns []string, values []string) []*Row {
	idx := t.indexFor(columns)
	return idx[strings.Join(values, "|")]
}

// HasValue reports whether any row carries the given values in the given
// columns.
func (t *TableData) HasValue(columns []string, values []string) bool {
	return len(t.RowsByValue(columns, values)) > 0
}

// indexFor returns (building if needed) the row index keyed by the joined
// values of a column set. A finished index is never mutated, so callers may
// read the returned map without holding the lock.
func (t *TableData) indexFor(columns []string) map[string][]*Row {
	t.idxMu.Lock()
	defer t.idxMu.Unlock()

	key := strings.Join(columns, "|")
	if t.valueIdx == nil {
		t.valueIdx = make(map[string]map[string][]*Row)
	}
	if idx, ok := t.valueIdx[key]; ok {
		return idx
	}

	idx := make(map[string][]*Row, len(t.Rows))
	parts := make([]string, len(columns))
	for _, row := range t.Rows {
		complete := true
		for i, col := range columns {
			v, ok := row.Value(col)
			if !ok {
				complete = false
				break
			}
			parts[i] = v.Raw
		}
		if !complete {
			continue
		}
		k := strings.Join(parts, "|")
		idx[k] = append(idx[k], row)
	}
	t.valueIdx[key] = idx
	return idx
}

// Dataset is a fully loaded dataset: the schema plus the accepted rows of
// every table, ready for reference checking, querying and export.
type Dataset struct {
	Schema *cldf.Schema

	tables map[string]*TableData // keyed by csv url
}

// NewDataset returns an empty dataset for a resolved schema.
func NewDataset(schema *cldf.Schema) *Dataset {
	return &Dataset{
		Schema: schema,
		tables: make(map[string]*TableData, len(schema.Tables)),
	}
}

// Table returns the loaded data for a csv url.
func (d *Dataset) Table(url string) (*TableData, bool) {
	t, ok := d.tables[url]
	return t, ok
}

// TableByComponent returns the loaded data for a semantic component.
func (d *Dataset) TableByComponent(c cldf.Component) (*TableData, bool) {
	t, ok := d.Schema.TableByComponent(c)
	if !ok {
		return nil, false
	}
	return d.Table(t.URL)
}

// Tables returns the loaded tables in schema order.
func (d *Dataset) Tables() []*TableData {
	out := make([]*TableData, 0, len(d.tables))
	for _, t := range d.Schema.Tables {
		if td, ok := d.tables[t.URL]; ok {
			out = append(out, td)
		}
	}
	return out
}

// RowsAccepted returns the total accepted row count across tables.
func (d *Dataset) RowsAccepted() int {
	n := 0
	for _, t := range d.tables {
		n += len(t.Rows)
	}
	return n
}

// RowsRejected returns the total rejected row count across tables.
func (d *Dataset) RowsRejected() int {
	n := 0
	for _, t := range d.tables {
		n += t.Rejected
	}
	return n
}

// Related follows a foreign key from one row to the rows it references.
// Multi-valued columns fan out to one lookup per token.
func (d *Dataset) Related(from *TableData, row *Row, fk *cldf.ForeignKey) []*Row {
	target, ok := d.Table(fk.Target.URL)
	if !ok {
		return nil
	}

	// A single multi-valued local column references one target row per token.
	if len(fk.Columns) == 1 {
		col, _ := from.Table.Column(fk.Columns[0])
		v, ok := row.Value(fk.Columns[0])
		if !ok {
			return nil
		}
		if col != nil && col.Separator != "" {
			var out []*Row
			for _, tok := range v.Tokens {
				if tok == "" {
					continue
				}
				out = append(out, target.RowsByValue(fk.Reference.Columns, []string{tok})...)
			}
			return out
		}
		return target.RowsByValue(fk.Reference.Columns, []string{v.Raw})
	}

	values := make([]string, len(fk.Columns))
	for i, name := range fk.Columns {
		v, ok := row.Value(name)
		if !ok {
			return nil
		}
		values[i] = v.Raw
	}
	return target.RowsByValue(fk.Reference.Columns, values)
}
