package core

// validation.go provides row-level validation for CSV data against the
// table's column definitions.
//
// Validation happens cell by cell: required checks, then datatype parsing,
// then format and range constraints. Separator columns are split first and
// every token is checked independently. A row is rejected when it records
// at least one violation; rejected rows never enter the table index.

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/glottolab/cldfload/internal/cldf"
)

// RowValidator validates rows of one table against its column definitions.
// Build one per CSV source after reading the header.
type RowValidator struct {
	table *cldf.Table

	// headerIdx maps declared physical column names to their position in
	// the CSV header. Columns absent from the header map to -1 and read
	// as null on every row.
	headerIdx map[string]int
}

// NewRowValidator creates a validator bound to the table definition and the
// CSV header actually present in the source. Header names match declared
// column names exactly; unknown header columns are ignored.
func NewRowValidator(table *cldf.Table, header []string) *RowValidator {
	pos := make(map[string]int, len(header))
	for i, name := range header {
		if _, dup := pos[name]; !dup {
			pos[name] = i
		}
	}

	idx := make(map[string]int, len(table.Columns))
	for _, col := range table.PhysicalColumns() {
		if p, ok := pos[col.Name]; ok {
			idx[col.Name] = p
		} else {
			idx[col.Name] = -1
		}
	}
	return &RowValidator{table: table, headerIdx: idx}
}

// ValidateRow validates one CSV record and returns the parsed row together
// with every violation it recorded. The row is accepted only when the
// violation list is empty.
//
// line is the 1-based line number in the source file.
func (v *RowValidator) ValidateRow(line int, record []string) (*Row, []Violation) {
	row := &Row{
		Line:   line,
		Fields: record,
		Values: make(map[string]Value, len(v.table.Columns)),
	}
	var violations []Violation

	for _, col := range v.table.Columns {
		if col.Virtual {
			// Virtual columns carry a constant; nothing to validate.
			row.Values[col.Name] = Value{Raw: col.ValueURL}
			continue
		}

		raw := ""
		if pos := v.headerIdx[col.Name]; pos >= 0 && pos < len(record) {
			raw = strings.TrimSpace(record[pos])
		}

		if raw == "" {
			if col.Required {
				violations = append(violations, Violation{
					Table:   v.table.URL,
					Line:    line,
					Column:  col.Name,
					Kind:    MissingRequiredField,
					Message: "required field is empty",
				})
			}
			// Null: no value recorded, no datatype checks.
			continue
		}

		val := Value{Raw: raw}
		if col.Separator != "" {
			val.Tokens = splitList(raw, col.Separator)
			for _, tok := range val.Tokens {
				violations = append(violations, v.checkToken(line, col, tok)...)
			}
		} else {
			violations = append(violations, v.checkToken(line, col, raw)...)
		}
		row.Values[col.Name] = val
	}

	if len(violations) == 0 {
		row.Key = v.keyOf(row)
	}
	return row, violations
}

// keyOf builds the primary-key value of an accepted row. Composite keys are
// joined with "|".
func (v *RowValidator) keyOf(row *Row) string {
	if len(v.table.PrimaryKey) == 1 {
		return row.Values[v.table.PrimaryKey[0]].Raw
	}
	parts := make([]string, len(v.table.PrimaryKey))
	for i, name := range v.table.PrimaryKey {
		parts[i] = row.Values[name].Raw
	}
	return strings.Join(parts, "|")
}

// checkToken validates one scalar value (a whole cell, or one token of a
// list cell) against the column's datatype.
func (v *RowValidator) checkToken(line int, col *cldf.Column, value string) []Violation {
	if value == "" {
		// Empty list tokens carry no datatype constraints.
		return nil
	}

	violation := func(kind ViolationKind, msg string) []Violation {
		return []Violation{{
			Table:   v.table.URL,
			Line:    line,
			Column:  col.Name,
			Kind:    kind,
			Value:   value,
			Message: msg,
		}}
	}

	dt := col.Datatype

	// A declared format constrains the lexical form for every base kind.
	// Boolean formats name a literal pair instead and never compile here.
	if dt.Format != nil && !dt.Format.MatchString(value) {
		return violation(FormatViolation,
			fmt.Sprintf("value does not match format %s", dt.Format))
	}

	switch dt.Base {
	case cldf.BaseInteger:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return violation(TypeViolation, "value is not an integer")
		}
		if out := checkBounds(decimal.NewFromInt(n), dt); out != "" {
			return violation(RangeViolation, out)
		}

	case cldf.BaseDecimal:
		d, err := decimal.NewFromString(value)
		if err != nil {
			return violation(TypeViolation, "value is not a decimal number")
		}
		if out := checkBounds(d, dt); out != "" {
			return violation(RangeViolation, out)
		}

	case cldf.BaseBoolean:
		if !validBool(value, dt) {
			if dt.TrueLiteral != "" {
				return violation(TypeViolation,
					fmt.Sprintf("value must be %s or %s", dt.TrueLiteral, dt.FalseLiteral))
			}
			return violation(TypeViolation, "value must be true/false or 1/0")
		}
	}
	return nil
}

// checkBounds returns a message when d falls outside the inclusive bounds,
// or "" when in range.
func checkBounds(d decimal.Decimal, dt cldf.Datatype) string {
	if dt.Minimum != nil && d.LessThan(*dt.Minimum) {
		return fmt.Sprintf("value is below minimum %s", dt.Minimum)
	}
	if dt.Maximum != nil && d.GreaterThan(*dt.Maximum) {
		return fmt.Sprintf("value is above maximum %s", dt.Maximum)
	}
	return ""
}

// validBool reports whether value is an accepted boolean spelling for the
// column. A declared literal pair replaces the default set entirely.
func validBool(value string, dt cldf.Datatype) bool {
	if dt.TrueLiteral != "" || dt.FalseLiteral != "" {
		return value == dt.TrueLiteral || value == dt.FalseLiteral
	}
	switch value {
	case "true", "false", "1", "0":
		return true
	}
	return false
}

// splitList splits a multi-value cell on the column separator and trims
// each token. Token order is preserved; empty tokens are kept so that
// positional alignment between parallel list columns survives.
func splitList(raw, sep string) []string {
	parts := strings.Split(raw, sep)
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}
