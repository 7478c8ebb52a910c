package core

// violations.go defines the violation taxonomy recorded while loading a
// dataset. Violations are never silently dropped: every rejected row, every
// duplicate key and every dangling reference leaves a record in the report.
//
// Only schema-level problems abort a load (see internal/cldf); everything
// here is recoverable and accumulated.

import "fmt"

// ViolationKind classifies a single violation.
type ViolationKind string

const (
	// MissingRequiredField: a required column is null or empty on a row.
	MissingRequiredField ViolationKind = "missing_required_field"

	// FormatViolation: a value does not fully match the column's format regex.
	FormatViolation ViolationKind = "format_violation"

	// TypeViolation: a value failed to parse as the column's datatype.
	TypeViolation ViolationKind = "type_violation"

	// RangeViolation: a numeric value is outside the declared inclusive bounds.
	RangeViolation ViolationKind = "range_violation"

	// DuplicateKeyViolation: a row repeats an earlier primary-key value.
	// The first occurrence wins; the later row is excluded from the index.
	DuplicateKeyViolation ViolationKind = "duplicate_key_violation"

	// ReferenceViolation: a foreign-key value does not resolve to any row
	// in the referenced table. The row is retained.
	ReferenceViolation ViolationKind = "reference_violation"
)

// Violation is a single recorded problem, tagged with enough context to
// locate the offending cell.
type Violation struct {
	Table   string        `json:"table"`
	Line    int           `json:"line,omitempty"`   // 1-based csv line, 0 when unknown
	RowID   string        `json:"row_id,omitempty"` // primary-key value when available
	Column  string        `json:"column,omitempty"`
	Kind    ViolationKind `json:"kind"`
	Value   string        `json:"value,omitempty"`
	Message string        `json:"message"`
}

func (v Violation) String() string {
	loc := v.Table
	if v.Line > 0 {
		loc = fmt.Sprintf("%s:%d", v.Table, v.Line)
	}
	if v.Column != "" {
		loc += "." + v.Column
	}
	return fmt.Sprintf("%s: %s: %s", loc, v.Kind, v.Message)
}

// ValidationReport aggregates all violations from a load: row-level,
// key-level and reference-level, with a summary count per kind.
type ValidationReport struct {
	Violations []Violation           `json:"violations"`
	Summary    map[ViolationKind]int `json:"summary"`
}

// NewReport returns an empty report.
func NewReport() *ValidationReport {
	return &ValidationReport{Summary: make(map[ViolationKind]int)}
}

// Add appends violations and updates the summary counts.
func (r *ValidationReport) Add(vs ...Violation) {
	for _, v := range vs {
		r.Violations = append(r.Violations, v)
		r.Summary[v.Kind]++
	}
}

// Empty reports whether the load recorded no violations at all.
func (r *ValidationReport) Empty() bool { return len(r.Violations) == 0 }

// Len returns the total number of recorded violations.
func (r *ValidationReport) Len() int { return len(r.Violations) }

// Count returns the number of violations of one kind.
func (r *ValidationReport) Count(kind ViolationKind) int { return r.Summary[kind] }
