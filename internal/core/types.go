package core

import "time"

// Value is the logical value of one field on a row: the raw cell content
// plus, for separator columns, the ordered list of trimmed tokens. Tokens
// is nil for scalar columns.
type Value struct {
	Raw    string   `json:"raw"`
	Tokens []string `json:"tokens,omitempty"`
}

// List reports whether the value is a separator-delimited list.
func (v Value) List() bool { return v.Tokens != nil }

// Row is a single accepted CSV row. Fields preserves the raw record exactly
// as read, in source column order, so accepted rows re-serialize the same
// way they arrived. Values maps column names (including virtual columns)
// to logical values.
type Row struct {
	Line   int              `json:"line"` // 1-based line in the source file
	Key    string           `json:"key"`  // primary-key value, composite parts joined with "|"
	Fields []string         `json:"fields"`
	Values map[string]Value `json:"values"`
}

// Value returns the logical value for a column name.
func (r *Row) Value(column string) (Value, bool) {
	v, ok := r.Values[column]
	return v, ok
}

// RunPhase indicates the current stage of a validation run.
type RunPhase string

const (
	PhaseStarting  RunPhase = "starting"
	PhaseLoading   RunPhase = "loading"
	PhaseChecking  RunPhase = "checking"
	PhaseComplete  RunPhase = "complete"
	PhaseFailed    RunPhase = "failed"
	PhaseCancelled RunPhase = "cancelled"
)

// RunProgress is a snapshot of an in-flight validation run.
type RunProgress struct {
	RunID       string   `json:"run_id"`
	Phase       RunPhase `json:"phase"`
	Table       string   `json:"table,omitempty"` // table most recently reported on
	TablesTotal int      `json:"tables_total"`
	TablesDone  int      `json:"tables_done"`
	RowsRead    int      `json:"rows_read"`
	Error       string   `json:"error,omitempty"` // non-empty when Phase is PhaseFailed
}

// Percent returns the run progress as a rough percentage (0-100). Progress
// is table-granular since row totals are unknown while streaming.
func (p RunProgress) Percent() int {
	if p.Phase == PhaseComplete {
		return 100
	}
	if p.TablesTotal == 0 {
		return 0
	}
	return (p.TablesDone * 100) / p.TablesTotal
}

// RunResult is the final outcome of a validation run. Dataset stays in
// memory for querying and export and is never serialized.
type RunResult struct {
	RunID        string            `json:"run_id"`
	Name         string            `json:"name"`
	Dataset      *Dataset          `json:"-"`
	Report       *ValidationReport `json:"report"`
	TablesLoaded int               `json:"tables_loaded"`
	RowsAccepted int               `json:"rows_accepted"`
	RowsRejected int               `json:"rows_rejected"`
	Duration     time.Duration     `json:"duration"`
	Error        string            `json:"error,omitempty"` // non-empty when the load aborted
}

// ProgressCallback is called periodically while a run advances.
type ProgressCallback func(RunProgress)

// RunRecord is the persisted summary of a completed run, consumed by the
// optional history store.
type RunRecord struct {
	ID             string
	Name           string
	StartedAt      time.Time
	Duration       time.Duration
	TablesLoaded   int
	RowsAccepted   int
	RowsRejected   int
	ViolationCount int
	Error          string
	Violations     []Violation
}
