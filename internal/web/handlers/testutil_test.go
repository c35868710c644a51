package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-grouper/internal/database"
	"github.com/kozaktomas/face-grouper/internal/database/memory"
	"github.com/kozaktomas/face-grouper/internal/grouping"
	"github.com/kozaktomas/face-grouper/internal/logging"
)

func TestMain(m *testing.M) {
	logging.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.Run()
}

// newTestService creates a service over a fresh in-memory store with
// deterministic group IDs and timestamps.
func newTestService(t *testing.T, opts ...grouping.Option) (*grouping.Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	engine, err := grouping.NewEngine(grouping.DefaultDistanceThreshold)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	var seq atomic.Int64
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	defaults := []grouping.Option{
		grouping.WithIDGenerator(func() string {
			return fmt.Sprintf("group-%03d", seq.Add(1))
		}),
		grouping.WithClock(func() time.Time {
			return base.Add(time.Duration(seq.Load()) * time.Second)
		}),
	}
	return grouping.NewService(store, engine, append(defaults, opts...)...), store
}

// newTestProbeIndex creates an empty probe index for handler tests.
func newTestProbeIndex() *database.ProbeIndex {
	return database.NewProbeIndex()
}

// jsonRequest creates a request with body encoded as JSON
func jsonRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
		t.Fatalf("failed to encode request body: %v", err)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// requestWithChiParams creates a request with chi URL parameters
func requestWithChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// parseJSONResponse parses a JSON response body into the target type
func parseJSONResponse(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse JSON response: %v\nBody: %s", err, recorder.Body.String())
	}
}

// assertStatusCode checks if the response has the expected status code
func assertStatusCode(t *testing.T, recorder *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if recorder.Code != expected {
		t.Errorf("expected status %d, got %d\nBody: %s", expected, recorder.Code, recorder.Body.String())
	}
}

// assertContentType checks if the response has the expected content type
func assertContentType(t *testing.T, recorder *httptest.ResponseRecorder, expected string) {
	t.Helper()
	ct := recorder.Header().Get("Content-Type")
	if ct != expected {
		t.Errorf("expected Content-Type '%s', got '%s'", expected, ct)
	}
}

// assertJSONError checks if the response is a JSON error of the expected kind
func assertJSONError(t *testing.T, recorder *httptest.ResponseRecorder, expectedKind string) {
	t.Helper()
	var result ErrorResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse error response: %v\nBody: %s", err, recorder.Body.String())
	}
	if result.Kind != expectedKind {
		t.Errorf("expected error kind '%s', got '%s' (%s)", expectedKind, result.Kind, result.Error)
	}
}
