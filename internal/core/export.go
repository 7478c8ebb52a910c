package core

// export.go serializes accepted rows back to CSV. Rows keep their original
// field slices, so a clean table exports with the same cells it arrived
// with, in the same column order.

import (
	"encoding/csv"
	"io"
)

// WriteCSV writes a table's header and accepted rows to w in source order.
// Rejected rows are absent; they were never stored.
func WriteCSV(w io.Writer, td *TableData) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(td.Header); err != nil {
		return err
	}
	for _, row := range td.Rows {
		if err := cw.Write(row.Fields); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
