package web

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/glottolab/cldfload/internal/config"
	"github.com/glottolab/cldfload/internal/core"
)

const testMetadata = `{
	"dc:conformsTo": "http://cldf.clld.org/v1.0/terms.rdf#Wordlist",
	"tables": [
		{
			"url": "languages.csv",
			"dc:conformsTo": "http://cldf.clld.org/v1.0/terms.rdf#LanguageTable",
			"tableSchema": {
				"columns": [
					{"name": "ID", "required": true, "datatype": {"base": "string", "format": "[a-z0-9]+"}},
					{"name": "Name", "datatype": "string"},
					{"name": "Glottocode", "datatype": {"base": "string", "format": "[a-z0-9]{4}[0-9]{4}"}}
				],
				"primaryKey": ["ID"]
			}
		},
		{
			"url": "forms.csv",
			"dc:conformsTo": "http://cldf.clld.org/v1.0/terms.rdf#FormTable",
			"tableSchema": {
				"columns": [
					{"name": "ID", "required": true, "datatype": "string"},
					{"name": "Language_ID", "required": true, "datatype": "string"},
					{"name": "Form", "required": true, "datatype": "string"}
				],
				"foreignKeys": [
					{"columnReference": "Language_ID", "reference": {"resource": "languages.csv", "columnReference": "ID"}}
				],
				"primaryKey": ["ID"]
			}
		}
	]
}`

const (
	languagesCSV = "ID,Name,Glottocode\nabui1241,Abui,abui1241\nkamang12,Kamang,kama1365\n"
	formsCSV     = "ID,Language_ID,Form\nf1,abui1241,balʔ\nf2,kamang12,bel\n"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 8080},
		Run: config.RunConfig{
			MaxFileSize:   64 << 20,
			MaxConcurrent: 2,
			MaxWaitTime:   time.Second,
			Timeout:       time.Minute,
			SourceTimeout: time.Minute,
			Retention:     time.Minute,
		},
		Rate:     config.RateLimitConfig{Enabled: false},
		Security: config.SecurityConfig{EnableCSP: true},
		Logging:  config.LoggingConfig{Level: "info", Format: "text"},
	}
}

func testServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := core.NewService(log, nil, core.ServiceOptions{
		MaxConcurrentRuns: cfg.Run.MaxConcurrent,
		QueueWait:         cfg.Run.MaxWaitTime,
		RunTimeout:        cfg.Run.Timeout,
		Retention:         cfg.Run.Retention,
	})
	return NewServer(cfg, svc, nil)
}

// buildSubmission assembles a multipart dataset submission.
func buildSubmission(t *testing.T, metadata string, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("metadata", "wordlist-metadata.json")
	if err != nil {
		t.Fatalf("create metadata part: %v", err)
	}
	part.Write([]byte(metadata))

	for name, content := range files {
		p, err := mw.CreateFormFile("tables", name)
		if err != nil {
			t.Fatalf("create table part %s: %v", name, err)
		}
		p.Write([]byte(content))
	}

	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

// submitDataset posts a clean two-table dataset and returns the run ID.
func submitDataset(t *testing.T, s *Server) string {
	t.Helper()
	body, contentType := buildSubmission(t, testMetadata, map[string]string{
		"languages.csv": languagesCSV,
		"forms.csv":     formsCSV,
	})

	req := httptest.NewRequest(http.MethodPost, "/api/datasets", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d, want %d: %s", rec.Code, http.StatusAccepted, rec.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["run_id"] == "" {
		t.Fatal("response missing run_id")
	}
	return resp["run_id"]
}

// waitForReport blocks on the report endpoint until the run finishes.
func waitForReport(t *testing.T, s *Server, runID string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/runs/"+runID+"/report", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestSubmitDatasetLifecycle(t *testing.T) {
	s := testServer(t, testConfig())
	runID := submitDataset(t, s)

	rec := waitForReport(t, s, runID)
	if rec.Code != http.StatusOK {
		t.Fatalf("report status = %d: %s", rec.Code, rec.Body.String())
	}

	var result struct {
		RunID        string `json:"run_id"`
		TablesLoaded int    `json:"tables_loaded"`
		RowsAccepted int    `json:"rows_accepted"`
		RowsRejected int    `json:"rows_rejected"`
		Error        string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.RunID != runID {
		t.Errorf("RunID = %q, want %q", result.RunID, runID)
	}
	if result.Error != "" {
		t.Errorf("Error = %q, want empty", result.Error)
	}
	if result.TablesLoaded != 2 {
		t.Errorf("TablesLoaded = %d, want 2", result.TablesLoaded)
	}
	if result.RowsAccepted != 4 {
		t.Errorf("RowsAccepted = %d, want 4", result.RowsAccepted)
	}
}

func TestSubmitDatasetMissingMetadata(t *testing.T) {
	s := testServer(t, testConfig())

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	p, _ := mw.CreateFormFile("tables", "languages.csv")
	p.Write([]byte(languagesCSV))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/datasets", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestSubmitDatasetBadSchema(t *testing.T) {
	s := testServer(t, testConfig())
	body, contentType := buildSubmission(t, `{"tables": []}`, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/datasets", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if resp.Code != "schema_error" {
		t.Errorf("Code = %q, want %q", resp.Code, "schema_error")
	}
}

// writeLocalDataset lays out a complete dataset directory under root.
func writeLocalDataset(t *testing.T, root, dir string) {
	t.Helper()
	path := filepath.Join(root, dir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	files := map[string]string{
		"wordlist-metadata.json": testMetadata,
		"languages.csv":          languagesCSV,
		"forms.csv":              formsCSV,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(path, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

func postLocalDataset(t *testing.T, s *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/datasets/local", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestSubmitLocalDataset(t *testing.T) {
	cfg := testConfig()
	cfg.Run.LocalDataDir = t.TempDir()
	writeLocalDataset(t, cfg.Run.LocalDataDir, "abui")
	s := testServer(t, cfg)

	rec := postLocalDataset(t, s, `{"dir": "abui", "metadata": "wordlist-metadata.json"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusAccepted, rec.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["run_id"] == "" {
		t.Fatal("response missing run_id")
	}

	report := waitForReport(t, s, resp["run_id"])
	if report.Code != http.StatusOK {
		t.Fatalf("report status = %d: %s", report.Code, report.Body.String())
	}
	var result struct {
		RowsAccepted int    `json:"rows_accepted"`
		Error        string `json:"error"`
	}
	if err := json.Unmarshal(report.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Error != "" {
		t.Errorf("Error = %q, want empty", result.Error)
	}
	if result.RowsAccepted != 4 {
		t.Errorf("RowsAccepted = %d, want 4", result.RowsAccepted)
	}
}

func TestSubmitLocalDatasetDisabled(t *testing.T) {
	s := testServer(t, testConfig())

	rec := postLocalDataset(t, s, `{"dir": "abui", "metadata": "wordlist-metadata.json"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestSubmitLocalDatasetEscape(t *testing.T) {
	cfg := testConfig()
	cfg.Run.LocalDataDir = t.TempDir()
	writeLocalDataset(t, cfg.Run.LocalDataDir, "abui")
	s := testServer(t, cfg)

	for _, body := range []string{
		`{"dir": "../outside", "metadata": "wordlist-metadata.json"}`,
		`{"dir": "abui", "metadata": "../abui/wordlist-metadata.json"}`,
		`{"dir": "abui", "metadata": ""}`,
	} {
		rec := postLocalDataset(t, s, body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want %d", body, rec.Code, http.StatusBadRequest)
		}
	}
}

func TestRunNotFound(t *testing.T) {
	s := testServer(t, testConfig())

	for _, path := range []string{
		"/api/runs/nope/",
		"/api/runs/nope/report",
		"/api/runs/nope/progress",
	} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want %d", path, rec.Code, http.StatusNotFound)
		}
	}
}

func TestCancelUnknownRun(t *testing.T) {
	s := testServer(t, testConfig())

	req := httptest.NewRequest(http.MethodPost, "/api/runs/nope/cancel", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestTableRowsPagination(t *testing.T) {
	s := testServer(t, testConfig())
	runID := submitDataset(t, s)
	waitForReport(t, s, runID)

	req := httptest.NewRequest(http.MethodGet,
		"/api/runs/"+runID+"/tables/languages.csv/rows?page=1&page_size=1", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var resp tableRowsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Total != 2 {
		t.Errorf("Total = %d, want 2", resp.Total)
	}
	if len(resp.Rows) != 1 {
		t.Fatalf("len(Rows) = %d, want 1", len(resp.Rows))
	}
	if resp.Rows[0].Key != "abui1241" {
		t.Errorf("Rows[0].Key = %q, want %q", resp.Rows[0].Key, "abui1241")
	}
}

func TestTableRowsByComponent(t *testing.T) {
	s := testServer(t, testConfig())
	runID := submitDataset(t, s)
	waitForReport(t, s, runID)

	req := httptest.NewRequest(http.MethodGet,
		"/api/runs/"+runID+"/tables/FormTable/rows", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp tableRowsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Table != "forms.csv" {
		t.Errorf("Table = %q, want %q", resp.Table, "forms.csv")
	}
}

func TestTableRowsUnknownTable(t *testing.T) {
	s := testServer(t, testConfig())
	runID := submitDataset(t, s)
	waitForReport(t, s, runID)

	req := httptest.NewRequest(http.MethodGet,
		"/api/runs/"+runID+"/tables/cognates.csv/rows", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestExportTable(t *testing.T) {
	s := testServer(t, testConfig())
	runID := submitDataset(t, s)
	waitForReport(t, s, runID)

	req := httptest.NewRequest(http.MethodGet, "/api/runs/"+runID+"/export/languages.csv", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("Content-Type = %q, want %q", ct, "text/csv")
	}
	if got := rec.Body.String(); got != languagesCSV {
		t.Errorf("body = %q, want %q", got, languagesCSV)
	}
}

func TestProgressStreamCompletes(t *testing.T) {
	s := testServer(t, testConfig())
	runID := submitDataset(t, s)
	waitForReport(t, s, runID)

	req := httptest.NewRequest(http.MethodGet, "/api/runs/"+runID+"/progress", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want %q", ct, "text/event-stream")
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: complete") {
		t.Errorf("stream missing completion event: %q", body)
	}
}

func TestHistoryDisabled(t *testing.T) {
	s := testServer(t, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/api/history", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHealthz(t *testing.T) {
	s := testServer(t, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
}

func TestSecurityHeaders(t *testing.T) {
	s := testServer(t, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
	if got := rec.Header().Get("Content-Security-Policy"); got == "" {
		t.Error("Content-Security-Policy header missing")
	}
}

func TestDatasetRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Rate = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 100, DatasetLimit: 1}
	s := testServer(t, cfg)

	submitDataset(t, s)

	body, contentType := buildSubmission(t, testMetadata, map[string]string{
		"languages.csv": languagesCSV,
		"forms.csv":     formsCSV,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/datasets", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("second submission status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
}
