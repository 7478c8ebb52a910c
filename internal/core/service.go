package core

// service.go coordinates asynchronous validation runs. A run parses the
// metadata document synchronously, so callers learn about fatal schema
// problems immediately, then loads and checks the dataset in the background
// while listeners stream progress.

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glottolab/cldfload/internal/cldf"
)

// RunRecorder persists a completed run. The store package implements it;
// a nil recorder disables history.
type RunRecorder interface {
	RecordRun(ctx context.Context, rec RunRecord) error
}

// ServiceOptions tunes the run service. Zero values select the defaults.
type ServiceOptions struct {
	MaxConcurrentRuns int
	QueueWait         time.Duration // how long StartRun waits for a free slot
	RunTimeout        time.Duration // wall-clock budget per run
	Retention         time.Duration // how long finished runs stay queryable
	Load              LoadOptions
}

const (
	defaultRunTimeout = 10 * time.Minute
	defaultRetention  = 30 * time.Minute
	recordTimeout     = 15 * time.Second
)

// Service runs dataset validations and tracks their lifecycle.
type Service struct {
	log      *slog.Logger
	recorder RunRecorder
	limiter  *RunLimiter

	loadOpts   LoadOptions
	runTimeout time.Duration
	retention  time.Duration

	mu   sync.RWMutex
	runs map[string]*activeRun
}

type activeRun struct {
	ID        string
	Name      string
	StartedAt time.Time
	Cancel    context.CancelFunc
	Done      chan struct{}
	Result    *RunResult

	listenerMu sync.Mutex
	progress   RunProgress
	listeners  []chan RunProgress
}

// NewService creates a run service. recorder may be nil.
func NewService(log *slog.Logger, recorder RunRecorder, opts ServiceOptions) *Service {
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = defaultRunTimeout
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	return &Service{
		log:        log,
		recorder:   recorder,
		limiter:    NewRunLimiter(opts.MaxConcurrentRuns, opts.QueueWait),
		loadOpts:   opts.Load,
		runTimeout: opts.RunTimeout,
		retention:  opts.Retention,
		runs:       make(map[string]*activeRun),
	}
}

// Limiter exposes the run limiter for monitoring and shutdown draining.
func (s *Service) Limiter() *RunLimiter { return s.limiter }

// StartRun validates the metadata document, acquires a run slot and kicks
// off the dataset load in the background. It returns the run ID as soon as
// the load is underway.
//
// Schema problems are fatal and reported synchronously: a malformed
// document returns a *cldf.SchemaError, a foreign key against an undeclared
// table a *cldf.UnresolvedReferenceError.
func (s *Service) StartRun(ctx context.Context, name string, metadata []byte, src SourceSet) (string, error) {
	schema, err := cldf.LoadSchema(bytes.NewReader(metadata))
	if err != nil {
		return "", err
	}
	if err := schema.Resolve(); err != nil {
		return "", err
	}

	if err := s.limiter.Acquire(ctx); err != nil {
		return "", err
	}

	runID := uuid.New().String()
	runCtx, cancel := context.WithTimeout(context.Background(), s.runTimeout)

	run := &activeRun{
		ID:        runID,
		Name:      name,
		StartedAt: time.Now(),
		Cancel:    cancel,
		Done:      make(chan struct{}),
		progress: RunProgress{
			RunID:       runID,
			Phase:       PhaseStarting,
			TablesTotal: len(schema.Tables),
		},
	}

	s.mu.Lock()
	s.runs[runID] = run
	s.mu.Unlock()

	s.log.Info("run started",
		slog.String("run_id", runID),
		slog.String("dataset", name),
		slog.Int("tables", len(schema.Tables)))

	go s.process(runCtx, run, schema, src)

	return runID, nil
}

// process executes one run to completion.
func (s *Service) process(ctx context.Context, run *activeRun, schema *cldf.Schema, src SourceSet) {
	defer s.limiter.Release()
	defer run.Cancel()

	opts := s.loadOpts
	opts.Progress = func(p RunProgress) {
		p.RunID = run.ID
		run.setProgress(p)
	}

	start := time.Now()
	ds, report, err := Load(ctx, schema, src, opts)

	result := &RunResult{
		RunID:    run.ID,
		Name:     run.Name,
		Duration: time.Since(start),
	}

	switch {
	case err != nil && ctx.Err() != nil:
		result.Error = "run cancelled"
		run.finish(result, PhaseCancelled)
		s.log.Warn("run cancelled", slog.String("run_id", run.ID))
	case err != nil:
		result.Error = err.Error()
		run.finish(result, PhaseFailed)
		s.log.Error("run failed",
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()))
	default:
		result.Dataset = ds
		result.Report = report
		result.TablesLoaded = len(ds.Tables())
		result.RowsAccepted = ds.RowsAccepted()
		result.RowsRejected = ds.RowsRejected()
		run.finish(result, PhaseComplete)
		s.log.Info("run complete",
			slog.String("run_id", run.ID),
			slog.Int("rows_accepted", result.RowsAccepted),
			slog.Int("rows_rejected", result.RowsRejected),
			slog.Int("violations", report.Len()),
			slog.Duration("duration", result.Duration))
	}

	s.record(run, result)
	s.cleanup(run.ID, s.retention)
}

// record persists the run summary when a recorder is configured. Recording
// failures are logged and never affect the run outcome.
func (s *Service) record(run *activeRun, result *RunResult) {
	if s.recorder == nil {
		return
	}

	rec := RunRecord{
		ID:           result.RunID,
		Name:         result.Name,
		StartedAt:    run.StartedAt,
		Duration:     result.Duration,
		TablesLoaded: result.TablesLoaded,
		RowsAccepted: result.RowsAccepted,
		RowsRejected: result.RowsRejected,
		Error:        result.Error,
	}
	if result.Report != nil {
		rec.ViolationCount = result.Report.Len()
		rec.Violations = result.Report.Violations
	}

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := s.recorder.RecordRun(ctx, rec); err != nil {
		s.log.Error("record run",
			slog.String("run_id", result.RunID),
			slog.String("error", err.Error()))
	}
}

// SubscribeProgress returns a channel of progress snapshots for a run. The
// channel closes when the run finishes. Slow subscribers miss intermediate
// updates rather than blocking the run.
func (s *Service) SubscribeProgress(runID string) (<-chan RunProgress, error) {
	run, ok := s.get(runID)
	if !ok {
		return nil, fmt.Errorf("run not found: %s", runID)
	}

	ch := make(chan RunProgress, 10)
	run.listenerMu.Lock()
	if run.Result != nil {
		// Already finished: deliver the final snapshot and close.
		ch <- run.progress
		close(ch)
	} else {
		run.listeners = append(run.listeners, ch)
		select {
		case ch <- run.progress:
		default:
		}
	}
	run.listenerMu.Unlock()
	return ch, nil
}

// CancelRun cancels an in-progress run.
func (s *Service) CancelRun(runID string) error {
	run, ok := s.get(runID)
	if !ok {
		return fmt.Errorf("run not found: %s", runID)
	}
	run.Cancel()
	return nil
}

// GetRunProgress returns the current progress without blocking.
func (s *Service) GetRunProgress(runID string) (RunProgress, error) {
	run, ok := s.get(runID)
	if !ok {
		return RunProgress{}, fmt.Errorf("run not found: %s", runID)
	}
	run.listenerMu.Lock()
	p := run.progress
	run.listenerMu.Unlock()
	return p, nil
}

// GetRunResult blocks until the run finishes and returns its result.
func (s *Service) GetRunResult(ctx context.Context, runID string) (*RunResult, error) {
	run, ok := s.get(runID)
	if !ok {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	select {
	case <-run.Done:
		return run.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryGetRunResult returns the result when the run has finished, without
// blocking. ok is false while the run is still going.
func (s *Service) TryGetRunResult(runID string) (*RunResult, bool, error) {
	run, found := s.get(runID)
	if !found {
		return nil, false, fmt.Errorf("run not found: %s", runID)
	}
	select {
	case <-run.Done:
		return run.Result, true, nil
	default:
		return nil, false, nil
	}
}

func (s *Service) get(runID string) (*activeRun, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	return run, ok
}

// cleanup drops a finished run from tracking after the retention window.
func (s *Service) cleanup(runID string, delay time.Duration) {
	time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.runs, runID)
		s.mu.Unlock()
	})
}

// setProgress stores a snapshot and fans it out to listeners. Listeners
// with full buffers skip the update.
func (run *activeRun) setProgress(p RunProgress) {
	run.listenerMu.Lock()
	defer run.listenerMu.Unlock()
	run.progress = p
	for _, ch := range run.listeners {
		select {
		case ch <- p:
		default:
		}
	}
}

// finish stores the result, emits the terminal snapshot and closes every
// listener channel.
func (run *activeRun) finish(result *RunResult, phase RunPhase) {
	run.listenerMu.Lock()
	defer run.listenerMu.Unlock()

	run.Result = result
	run.progress.Phase = phase
	run.progress.Error = result.Error
	if phase == PhaseComplete {
		run.progress.TablesDone = run.progress.TablesTotal
	}
	for _, ch := range run.listeners {
		select {
		case ch <- run.progress:
		default:
		}
		close(ch)
	}
	run.listeners = nil
	close(run.Done)
}
