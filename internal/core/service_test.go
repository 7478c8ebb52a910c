package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/glottolab/cldfload/internal/cldf"
)

func testService(recorder RunRecorder) *Service {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(log, recorder, ServiceOptions{})
}

func TestServiceRunLifecycle(t *testing.T) {
	svc := testService(nil)

	runID, err := svc.StartRun(context.Background(), "abui", []byte(wordlistMetadata), cleanSource())
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if runID == "" {
		t.Fatal("empty run ID")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := svc.GetRunResult(ctx, runID)
	if err != nil {
		t.Fatalf("GetRunResult: %v", err)
	}

	if result.Error != "" {
		t.Fatalf("run failed: %s", result.Error)
	}
	if result.RowsAccepted != 7 {
		t.Errorf("RowsAccepted = %d, want 7", result.RowsAccepted)
	}
	if result.TablesLoaded != 3 {
		t.Errorf("TablesLoaded = %d, want 3", result.TablesLoaded)
	}
	if result.Dataset == nil {
		t.Error("Dataset should be kept on the result")
	}

	progress, err := svc.GetRunProgress(runID)
	if err != nil {
		t.Fatalf("GetRunProgress: %v", err)
	}
	if progress.Phase != PhaseComplete {
		t.Errorf("Phase = %q, want %q", progress.Phase, PhaseComplete)
	}
	if progress.Percent() != 100 {
		t.Errorf("Percent = %d, want 100", progress.Percent())
	}
}

func TestServiceRejectsBadSchema(t *testing.T) {
	svc := testService(nil)

	_, err := svc.StartRun(context.Background(), "bad", []byte(`{"tables": []}`), MapSource{})
	if err == nil {
		t.Fatal("expected schema error")
	}
	var schemaErr *cldf.SchemaError
	if !errors.As(err, &schemaErr) {
		t.Errorf("expected *cldf.SchemaError, got %T", err)
	}
}

func TestServiceRejectsUnresolvedReference(t *testing.T) {
	svc := testService(nil)

	meta := `{
	  "tables": [{
	    "url": "forms.csv",
	    "tableSchema": {
	      "columns": [{"name": "ID"}, {"name": "Language_ID"}],
	      "foreignKeys": [{"columnReference": "Language_ID",
	        "reference": {"resource": "missing.csv", "columnReference": "ID"}}],
	      "primaryKey": "ID"
	    }
	  }]
	}`
	_, err := svc.StartRun(context.Background(), "bad", []byte(meta), MapSource{})
	if err == nil {
		t.Fatal("expected unresolved reference error")
	}
	var refErr *cldf.UnresolvedReferenceError
	if !errors.As(err, &refErr) {
		t.Errorf("expected *cldf.UnresolvedReferenceError, got %T", err)
	}
}

func TestServiceSubscribeProgress(t *testing.T) {
	svc := testService(nil)

	runID, err := svc.StartRun(context.Background(), "abui", []byte(wordlistMetadata), cleanSource())
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	ch, err := svc.SubscribeProgress(runID)
	if err != nil {
		t.Fatalf("SubscribeProgress: %v", err)
	}

	var phases []RunPhase
	for p := range ch {
		phases = append(phases, p.Phase)
	}
	if len(phases) == 0 {
		t.Fatal("no progress received")
	}
	if phases[len(phases)-1] != PhaseComplete {
		t.Errorf("final phase = %q, want %q", phases[len(phases)-1], PhaseComplete)
	}
}

func TestServiceRunNotFound(t *testing.T) {
	svc := testService(nil)

	if _, err := svc.GetRunProgress("nope"); err == nil {
		t.Error("GetRunProgress should fail for unknown run")
	}
	if err := svc.CancelRun("nope"); err == nil {
		t.Error("CancelRun should fail for unknown run")
	}
	if _, err := svc.SubscribeProgress("nope"); err == nil {
		t.Error("SubscribeProgress should fail for unknown run")
	}
}

type memRecorder struct {
	mu   sync.Mutex
	recs []RunRecord
}

func (m *memRecorder) RecordRun(_ context.Context, rec RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func TestServiceRecordsRun(t *testing.T) {
	rec := &memRecorder{}
	svc := testService(rec)

	src := cleanSource()
	src["forms.csv"] = append(src["forms.csv"], []byte("f4,ghost999,hand,xo,x o\n")...)

	runID, err := svc.StartRun(context.Background(), "abui", []byte(wordlistMetadata), src)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := svc.GetRunResult(ctx, runID); err != nil {
		t.Fatalf("GetRunResult: %v", err)
	}

	// Recording happens after the result is published; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec.mu.Lock()
		n := len(rec.recs)
		rec.mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.recs) != 1 {
		t.Fatalf("recorded %d runs, want 1", len(rec.recs))
	}
	got := rec.recs[0]
	if got.ID != runID {
		t.Errorf("recorded ID = %q, want %q", got.ID, runID)
	}
	if got.ViolationCount != 1 {
		t.Errorf("ViolationCount = %d, want 1", got.ViolationCount)
	}
}
