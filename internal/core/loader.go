package core

// loader.go streams every table of a dataset through validation and then
// checks referential integrity. Tables load concurrently, one goroutine per
// table; reference checking starts only after every table has finished, so
// forward and circular references resolve regardless of table order.

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/glottolab/cldfload/internal/cldf"
)

// Default limits, overridable through LoadOptions.
const (
	DefaultMaxFileSize = 512 << 20 // 512 MB per table source
	progressInterval   = 500       // rows between progress callbacks
	cancelCheckRows    = 512       // rows between context checks
)

// ErrFileTooLarge is returned when a table source exceeds the size limit.
var ErrFileTooLarge = errors.New("source exceeds maximum file size")

// LoadOptions tunes a load. The zero value uses the defaults above with no
// per-table timeout and no progress reporting.
type LoadOptions struct {
	// MaxFileSize caps each table source in bytes. 0 means DefaultMaxFileSize.
	MaxFileSize int64

	// SourceTimeout bounds the wall-clock time spent on a single table.
	// 0 means no per-table limit; the caller's ctx still applies.
	SourceTimeout time.Duration

	// Progress, when set, receives periodic snapshots while loading.
	Progress ProgressCallback
}

// Load reads, validates and cross-checks every table the schema declares.
//
// Row-level problems (bad values, duplicate keys, dangling references) are
// recorded in the report and never abort the load. The returned error is
// non-nil only for fatal conditions: an unresolved schema, an unreadable or
// oversized source, malformed CSV framing, or context cancellation.
func Load(ctx context.Context, schema *cldf.Schema, src SourceSet, opts LoadOptions) (*Dataset, *ValidationReport, error) {
	if !schema.Resolved() {
		if err := schema.Resolve(); err != nil {
			return nil, nil, err
		}
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}

	ds := NewDataset(schema)
	prog := newProgressTracker(len(schema.Tables), opts.Progress)

	results := make([]*tableResult, len(schema.Tables))
	g, gctx := errgroup.WithContext(ctx)
	for i, table := range schema.Tables {
		g.Go(func() error {
			tctx := gctx
			if opts.SourceTimeout > 0 {
				var cancel context.CancelFunc
				tctx, cancel = context.WithTimeout(gctx, opts.SourceTimeout)
				defer cancel()
			}
			res, err := loadTable(tctx, table, src, opts, prog)
			if err != nil {
				return fmt.Errorf("table %s: %w", table.URL, err)
			}
			results[i] = res
			prog.tableDone(table.Name())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	// Barrier passed: every table is loaded, merge in schema order.
	report := NewReport()
	for i, table := range schema.Tables {
		ds.tables[table.URL] = results[i].data
		report.Add(results[i].violations...)
	}

	prog.checking()
	report.Add(CheckReferences(ds)...)
	prog.finished()

	return ds, report, nil
}

type tableResult struct {
	data       *TableData
	violations []Violation
}

// loadTable streams one CSV source through the row validator.
func loadTable(ctx context.Context, table *cldf.Table, src SourceSet, opts LoadOptions, prog *progressTracker) (*tableResult, error) {
	rc, size, err := src.Open(table.URL)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	if size > opts.MaxFileSize {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrFileTooLarge, size, opts.MaxFileSize)
	}

	// The extra byte past the limit distinguishes at-limit from over-limit
	// when the source size is unknown.
	limited := io.LimitReader(rc, opts.MaxFileSize+1)
	counted := wrapSource(limited, size)

	r := csv.NewReader(counted)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.ReuseRecord = false

	header, err := r.Read()
	if err == io.EOF {
		return nil, errors.New("source is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	validator := NewRowValidator(table, header)
	res := &tableResult{data: newTableData(table, header)}

	line := 1 // header occupies line 1
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line+1, err)
		}
		line++

		if line%cancelCheckRows == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if counted.BytesRead() > opts.MaxFileSize {
				return nil, fmt.Errorf("%w: limit %d", ErrFileTooLarge, opts.MaxFileSize)
			}
		}

		if emptyRecord(record) {
			continue
		}

		row, violations := validator.ValidateRow(line, record)
		if len(violations) > 0 {
			res.violations = append(res.violations, violations...)
			res.data.Rejected++
		} else if !res.data.add(row) {
			first, _ := res.data.RowByKey(row.Key)
			res.violations = append(res.violations, Violation{
				Table:   table.URL,
				Line:    line,
				RowID:   row.Key,
				Kind:    DuplicateKeyViolation,
				Value:   row.Key,
				Message: fmt.Sprintf("primary key already used on line %d", first.Line),
			})
			res.data.Rejected++
		}

		if line%progressInterval == 0 {
			prog.rows(table.Name(), progressInterval)
		}
	}
	prog.rows(table.Name(), (line-1)%progressInterval)

	if counted.BytesRead() > opts.MaxFileSize {
		return nil, fmt.Errorf("%w: limit %d", ErrFileTooLarge, opts.MaxFileSize)
	}
	return res, ctx.Err()
}

// emptyRecord reports whether every field of a record is blank. Blank lines
// in sources are skipped without a violation.
func emptyRecord(record []string) bool {
	for _, f := range record {
		if f != "" {
			return false
		}
	}
	return true
}

// progressTracker aggregates per-goroutine progress into callback snapshots.
type progressTracker struct {
	mu sync.Mutex
	cb ProgressCallback

	total    int
	done     int
	rowsRead int
}

func newProgressTracker(total int, cb ProgressCallback) *progressTracker {
	t := &progressTracker{cb: cb, total: total}
	t.emit(PhaseLoading, "")
	return t
}

func (t *progressTracker) rows(table string, n int) {
	if t.cb == nil || n == 0 {
		return
	}
	t.mu.Lock()
	t.rowsRead += n
	t.mu.Unlock()
	t.emit(PhaseLoading, table)
}

func (t *progressTracker) tableDone(table string) {
	if t.cb == nil {
		return
	}
	t.mu.Lock()
	t.done++
	t.mu.Unlock()
	t.emit(PhaseLoading, table)
}

func (t *progressTracker) checking() { t.emit(PhaseChecking, "") }
func (t *progressTracker) finished() { t.emit(PhaseComplete, "") }

func (t *progressTracker) emit(phase RunPhase, table string) {
	if t.cb == nil {
		return
	}
	t.mu.Lock()
	p := RunProgress{
		Phase:       phase,
		Table:       table,
		TablesTotal: t.total,
		TablesDone:  t.done,
		RowsRead:    t.rowsRead,
	}
	t.mu.Unlock()
	t.cb(p)
}
