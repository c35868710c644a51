package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/kozaktomas/face-grouper/internal/apperr"
	"github.com/kozaktomas/face-grouper/internal/grouping"
	"github.com/kozaktomas/face-grouper/internal/logging"
	"github.com/m-mizutani/goerr/v2"
)

// errInvalidRequestBody is a shared error message for invalid JSON request bodies.
const errInvalidRequestBody = "invalid request body"

// maxBodyBytes caps request bodies; a 4096-dim embedding is about 80KB of JSON.
const maxBodyBytes = 4 << 20

// retryAfterSeconds is advertised on 503 responses.
const retryAfterSeconds = "5"

// kindProbeDisabled is reported when the probe endpoint is called without an index.
const kindProbeDisabled = "probe_disabled"

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// sanitizeForLog removes newlines and carriage returns to prevent log injection.
func sanitizeForLog(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}

// respondJSON sends a JSON response. The body is encoded before the status
// is written, so an unencodable value becomes a 500 instead of an empty 200.
func respondJSON(w http.ResponseWriter, status int, data any) {
	var buf bytes.Buffer
	if data != nil {
		if err := json.NewEncoder(&buf).Encode(data); err != nil {
			logging.Default().Error("failed to encode response", "error", err)
			buf.Reset()
			json.NewEncoder(&buf).Encode(ErrorResponse{Error: "internal error", Kind: apperr.KindInternal})
			status = http.StatusInternalServerError
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, kind, message string) {
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	respondJSON(w, status, ErrorResponse{Error: message, Kind: kind})
}

// statusForKind maps an apperr kind to its HTTP status.
func statusForKind(kind string) int {
	switch kind {
	case apperr.KindInvalidInput:
		return http.StatusBadRequest
	case apperr.KindDuplicateSourceID:
		return http.StatusConflict
	case apperr.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleError classifies err, logs server-side failures with their goerr
// values and writes the error reply.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, grouping.ErrProbeDisabled) {
		respondError(w, http.StatusServiceUnavailable, kindProbeDisabled, err.Error())
		return
	}

	kind := apperr.Kind(err)
	status := statusForKind(kind)

	if status >= http.StatusInternalServerError {
		attrs := []any{
			"status", status,
			"path", sanitizeForLog(r.URL.Path),
			"error", err.Error(),
		}
		var ge *goerr.Error
		if errors.As(err, &ge) {
			attrs = append(attrs, "values", ge.Values())
		}
		logging.Default().Error("request failed", attrs...)
	}

	message := err.Error()
	if kind == apperr.KindInternal {
		message = "internal error"
	}
	respondError(w, status, kind, message)
}

// decodeJSON reads a size-limited JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, apperr.KindInvalidInput, errInvalidRequestBody)
		return false
	}
	return true
}

// HealthCheck handles the health check endpoint.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}
