package web

// errors.go provides unified error response handling for the API.
//
// Every error is logged server-side with the request ID for correlation,
// then returned to the client as a JSON body. Fatal dataset problems map
// to 400 with a machine-readable code so clients can distinguish a broken
// metadata document from a broken upload.

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/glottolab/cldfload/internal/cldf"
	"github.com/glottolab/cldfload/internal/core"
)

// ErrorResponse is the JSON structure for API error responses.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// respondError logs the technical error and writes a JSON response with a
// status and code derived from the error type.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classifyError(err)

	slog.Error("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"code", code,
		"request_id", middleware.GetReqID(r.Context()),
	)

	// Internal errors keep their detail server-side only.
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal server error"
	}
	writeErrorCode(w, status, message, code)
}

// classifyError maps domain errors to HTTP status codes.
func classifyError(err error) (status int, code string) {
	var schemaErr *cldf.SchemaError
	var refErr *cldf.UnresolvedReferenceError
	switch {
	case errors.As(err, &schemaErr):
		return http.StatusBadRequest, "schema_error"
	case errors.As(err, &refErr):
		return http.StatusBadRequest, "unresolved_reference"
	case errors.Is(err, core.ErrTooManyRuns):
		return http.StatusTooManyRequests, "too_many_runs"
	case errors.Is(err, core.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge, "file_too_large"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// writeError writes a JSON error response with a bare message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeErrorCode(w, status, message, "")
}

func writeErrorCode(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message, Code: code})
}

// writeJSON encodes v as JSON. Encoding errors are logged since headers
// are already sent.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode", "error", err.Error())
	}
}
