package web

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/glottolab/cldfload/internal/cldf"
	"github.com/glottolab/cldfload/internal/core"
	"github.com/glottolab/cldfload/internal/logging"
)

// handleSubmitDataset accepts a multipart dataset submission and starts a
// validation run. The form must carry the metadata document in a "metadata"
// part; every other file part is a table source, keyed by its filename so
// the schema's csv urls resolve against it.
func (s *Server) handleSubmitDataset(w http.ResponseWriter, r *http.Request) {
	maxSize := s.cfg.Run.MaxFileSize
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "submission too large or invalid form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	metaFile, metaHeader, err := r.FormFile("metadata")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no metadata document provided")
		return
	}
	defer metaFile.Close()

	metadata, err := io.ReadAll(metaFile)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read metadata document")
		return
	}

	src := make(core.MapSource)
	for field, headers := range r.MultipartForm.File {
		if field == "metadata" {
			continue
		}
		for _, fh := range headers {
			f, err := fh.Open()
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to open %s", fh.Filename))
				return
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to read %s", fh.Filename))
				return
			}
			src[fh.Filename] = data
		}
	}

	name := r.FormValue("name")
	if name == "" {
		name = metaHeader.Filename
	}

	runID, err := s.service.StartRun(r.Context(), name, metadata, src)
	if err != nil {
		respondError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"run_id": runID})
}

// localDatasetRequest asks for a validation run over a dataset that already
// sits on disk under the configured data root.
type localDatasetRequest struct {
	Name     string `json:"name"`
	Dir      string `json:"dir"`      // dataset directory, relative to the data root
	Metadata string `json:"metadata"` // metadata filename inside the directory
}

// handleSubmitLocalDataset starts a run over a dataset directory on disk.
// The directory is resolved under RUN_LOCAL_DATA_DIR; the endpoint is
// disabled when no data root is configured.
func (s *Server) handleSubmitLocalDataset(w http.ResponseWriter, r *http.Request) {
	root := s.cfg.Run.LocalDataDir
	if root == "" {
		writeError(w, http.StatusNotFound, "local dataset loading is not configured")
		return
	}

	var req localDatasetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Metadata == "" {
		writeError(w, http.StatusBadRequest, "no metadata filename provided")
		return
	}

	dir := filepath.Clean(filepath.FromSlash(req.Dir))
	if filepath.IsAbs(dir) || strings.HasPrefix(dir, "..") {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("dataset directory %q escapes the data root", req.Dir))
		return
	}

	src := core.NewDirSource(filepath.Join(root, dir))
	rc, _, err := src.Open(req.Metadata)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	metadata, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read metadata document")
		return
	}

	name := req.Name
	if name == "" {
		name = req.Dir
	}
	if name == "" {
		name = req.Metadata
	}

	runID, err := s.service.StartRun(r.Context(), name, metadata, src)
	if err != nil {
		respondError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"run_id": runID})
}

// runStatusResponse combines the live progress snapshot with the result,
// present once the run has finished.
type runStatusResponse struct {
	Progress core.RunProgress `json:"progress"`
	Result   *core.RunResult  `json:"result,omitempty"`
}

// handleRunStatus returns the current state of a run without blocking.
func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	progress, err := s.service.GetRunProgress(runID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	resp := runStatusResponse{Progress: progress}
	if result, done, _ := s.service.TryGetRunResult(runID); done {
		resp.Result = result
	}
	writeJSON(w, resp)
}

// handleRunReport blocks until the run finishes and returns its full
// validation report.
func (s *Server) handleRunReport(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	result, err := s.service.GetRunResult(r.Context(), runID)
	if err != nil {
		if r.Context().Err() != nil {
			writeError(w, http.StatusServiceUnavailable, "client disconnected before run finished")
			return
		}
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	writeJSON(w, result)
}

// handleRunProgress streams run progress via Server-Sent Events.
// Supports resumption via lastEventId query parameter for reconnection.
func (s *Server) handleRunProgress(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	// The event ID is the progress percentage, allowing clients to skip
	// already-received events after reconnection.
	lastEventIDStr := r.URL.Query().Get("lastEventId")
	var lastEventID int
	if lastEventIDStr != "" {
		lastEventID, _ = strconv.Atoi(lastEventIDStr)
	}

	progressCh, err := s.service.SubscribeProgress(runID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	for {
		select {
		case progress, ok := <-progressCh:
			if !ok {
				// Channel closed - run finished one way or another.
				fmt.Fprintf(w, "event: complete\ndata: {}\n\n")
				flusher.Flush()
				return
			}

			currentPercent := progress.Percent()

			// Skip events the client already received before reconnecting.
			if lastEventIDStr != "" && currentPercent <= lastEventID {
				continue
			}

			data, _ := json.Marshal(progress)
			fmt.Fprintf(w, "id: %d\nevent: progress\ndata: %s\n\n", currentPercent, data)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// handleCancelRun cancels an in-progress run.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	if err := s.service.CancelRun(runID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	writeJSON(w, map[string]string{"status": "cancelled"})
}

// tableRowsResponse is one page of accepted rows from a loaded table.
type tableRowsResponse struct {
	Table    string      `json:"table"`
	Total    int         `json:"total"`
	Rejected int         `json:"rejected"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	Rows     []*core.Row `json:"rows"`
}

// handleTableRows returns a page of accepted rows from one table of a
// finished run. The table may be addressed by csv url or component name.
func (s *Server) handleTableRows(w http.ResponseWriter, r *http.Request) {
	td, ok := s.finishedTable(w, r)
	if !ok {
		return
	}

	page := parseIntParam(r, "page", 1)
	pageSize := parseIntParam(r, "page_size", 50)
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 500 {
		pageSize = 50
	}

	start := (page - 1) * pageSize
	end := start + pageSize
	if start > td.Len() {
		start = td.Len()
	}
	if end > td.Len() {
		end = td.Len()
	}

	writeJSON(w, tableRowsResponse{
		Table:    td.Table.URL,
		Total:    td.Len(),
		Rejected: td.Rejected,
		Page:     page,
		PageSize: pageSize,
		Rows:     td.Rows[start:end],
	})
}

// handleExportTable streams the accepted rows of one table back out as CSV.
// Accepted rows round-trip: the output carries the original header and raw
// field values.
func (s *Server) handleExportTable(w http.ResponseWriter, r *http.Request) {
	td, ok := s.finishedTable(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, td.Table.URL))

	// Headers are already sent, so write errors can only be logged.
	if err := core.WriteCSV(w, td); err != nil {
		logging.FromContext(r.Context()).Error("csv export", "table", td.Table.URL, "error", err.Error())
	}
}

// finishedTable resolves the {runID} and {table} URL parameters to the
// loaded table data of a completed run, writing the error response itself
// when resolution fails.
func (s *Server) finishedTable(w http.ResponseWriter, r *http.Request) (*core.TableData, bool) {
	runID := chi.URLParam(r, "runID")
	tableName := chi.URLParam(r, "table")

	result, done, err := s.service.TryGetRunResult(runID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	if !done {
		writeError(w, http.StatusConflict, "run still in progress")
		return nil, false
	}
	if result.Dataset == nil {
		writeError(w, http.StatusConflict, "run did not produce a dataset: "+result.Error)
		return nil, false
	}

	td, ok := result.Dataset.Table(tableName)
	if !ok {
		td, ok = result.Dataset.TableByComponent(cldf.Component(tableName))
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("table not found: %s", tableName))
		return nil, false
	}
	return td, true
}

// handleHistory lists recent persisted runs, newest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "run history is not configured")
		return
	}

	limit := parseIntParam(r, "limit", 50)
	runs, err := s.history.RecentRuns(r.Context(), limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, runs)
}

// handleHistoryViolations returns the stored violations of one past run.
func (s *Server) handleHistoryViolations(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "run history is not configured")
		return
	}

	runID := chi.URLParam(r, "runID")
	limit := parseIntParam(r, "limit", 1000)

	violations, err := s.history.RunViolations(r.Context(), runID, limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, violations)
}

// handleHealth reports service liveness and run-slot occupancy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status": "ok",
		"runs":   s.service.Limiter().Status(),
	})
}

// parseIntParam reads an integer query parameter, falling back to a default.
func parseIntParam(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
