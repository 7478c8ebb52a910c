package core

// refcheck.go verifies referential integrity across a fully loaded dataset.
// It runs only after every table has finished loading, so every accepted row
// of every table is visible when foreign keys are checked.

import (
	"fmt"
	"strings"

	"github.com/glottolab/cldfload/internal/cldf"
)

// CheckReferences checks every declared foreign key of every loaded table
// and returns one ReferenceViolation per dangling value. Rows with dangling
// references are retained; the violation records the row so callers can
// locate it.
//
// The schema must be resolved before loading, so fk.Target is always set.
func CheckReferences(ds *Dataset) []Violation {
	var out []Violation
	for _, td := range ds.Tables() {
		for _, fk := range td.Table.ForeignKeys {
			out = append(out, checkForeignKey(ds, td, fk)...)
		}
	}
	return out
}

func checkForeignKey(ds *Dataset, td *TableData, fk *cldf.ForeignKey) []Violation {
	target, ok := ds.Table(fk.Target.URL)
	if !ok {
		// Target table loaded no rows at all; every non-null reference dangles.
		target = newTableData(fk.Target, nil)
	}

	var out []Violation

	// Single-column keys check each token of multi-valued columns.
	if len(fk.Columns) == 1 {
		local := fk.Columns[0]
		col, _ := td.Table.Column(local)
		multi := col != nil && col.Separator != ""

		for _, row := range td.Rows {
			v, ok := row.Value(local)
			if !ok {
				continue // null reference, nothing to check
			}
			tokens := []string{v.Raw}
			if multi {
				tokens = v.Tokens
			}
			for _, tok := range tokens {
				if tok == "" {
					continue
				}
				if !target.HasValue(fk.Reference.Columns, []string{tok}) {
					out = append(out, referenceViolation(td, row, local, tok, fk))
				}
			}
		}
		return out
	}

	// Composite keys are checked as a whole and skipped when any part is null.
	for _, row := range td.Rows {
		values := make([]string, len(fk.Columns))
		complete := true
		for i, name := range fk.Columns {
			v, ok := row.Value(name)
			if !ok {
				complete = false
				break
			}
			values[i] = v.Raw
		}
		if !complete {
			continue
		}
		if !target.HasValue(fk.Reference.Columns, values) {
			out = append(out, referenceViolation(td, row,
				strings.Join(fk.Columns, ","), strings.Join(values, "|"), fk))
		}
	}
	return out
}

func referenceViolation(td *TableData, row *Row, column, value string, fk *cldf.ForeignKey) Violation {
	return Violation{
		Table:  td.Table.URL,
		Line:   row.Line,
		RowID:  row.Key,
		Column: column,
		Kind:   ReferenceViolation,
		Value:  value,
		Message: fmt.Sprintf("no row in %s has %s = %q",
			fk.Reference.Resource, strings.Join(fk.Reference.Columns, ","), value),
	}
}
