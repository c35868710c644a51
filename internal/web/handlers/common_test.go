package handlers

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kozaktomas/face-grouper/internal/apperr"
	"github.com/kozaktomas/face-grouper/internal/grouping"
	"github.com/m-mizutani/goerr/v2"
)

func TestRespondJSON_SetsStatusAndContentType(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
	}{
		{"OK", http.StatusOK},
		{"BadRequest", http.StatusBadRequest},
		{"Conflict", http.StatusConflict},
		{"ServiceUnavailable", http.StatusServiceUnavailable},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			respondJSON(recorder, tc.statusCode, map[string]string{"status": "ok"})

			assertStatusCode(t, recorder, tc.statusCode)
			assertContentType(t, recorder, "application/json")
		})
	}
}

func TestRespondJSON_NilData(t *testing.T) {
	recorder := httptest.NewRecorder()

	respondJSON(recorder, http.StatusOK, nil)

	if recorder.Body.Len() != 0 {
		t.Errorf("expected empty body for nil data, got '%s'", recorder.Body.String())
	}
}

func TestRespondJSON_UnencodableValue(t *testing.T) {
	recorder := httptest.NewRecorder()

	respondJSON(recorder, http.StatusOK, map[string]float64{"distance": math.NaN()})

	assertStatusCode(t, recorder, http.StatusInternalServerError)
	assertContentType(t, recorder, "application/json")
	assertJSONError(t, recorder, apperr.KindInternal)
}

func TestRespondError_IncludesKind(t *testing.T) {
	recorder := httptest.NewRecorder()

	respondError(recorder, http.StatusBadRequest, apperr.KindInvalidInput, "bad vector")

	var result ErrorResponse
	parseJSONResponse(t, recorder, &result)
	if result.Error != "bad vector" {
		t.Errorf("expected error 'bad vector', got '%s'", result.Error)
	}
	if result.Kind != apperr.KindInvalidInput {
		t.Errorf("expected kind '%s', got '%s'", apperr.KindInvalidInput, result.Kind)
	}
	if recorder.Header().Get("Retry-After") != "" {
		t.Error("expected no Retry-After on 400")
	}
}

func TestRespondError_RetryAfterOnUnavailable(t *testing.T) {
	recorder := httptest.NewRecorder()

	respondError(recorder, http.StatusServiceUnavailable, apperr.KindStoreUnavailable, "down")

	if got := recorder.Header().Get("Retry-After"); got != retryAfterSeconds {
		t.Errorf("expected Retry-After '%s', got '%s'", retryAfterSeconds, got)
	}
}

func TestHandleError_MapsKinds(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   string
	}{
		{
			name:       "invalid input",
			err:        goerr.Wrap(apperr.ErrInvalidInput, "dimension mismatch"),
			wantStatus: http.StatusBadRequest,
			wantKind:   apperr.KindInvalidInput,
		},
		{
			name:       "duplicate",
			err:        goerr.Wrap(apperr.ErrDuplicateSourceID, "already stored"),
			wantStatus: http.StatusConflict,
			wantKind:   apperr.KindDuplicateSourceID,
		},
		{
			name:       "unavailable",
			err:        apperr.Unavailable(errors.New("connection refused"), "postgres", "list groups"),
			wantStatus: http.StatusServiceUnavailable,
			wantKind:   apperr.KindStoreUnavailable,
		},
		{
			name:       "probe disabled",
			err:        grouping.ErrProbeDisabled,
			wantStatus: http.StatusServiceUnavailable,
			wantKind:   kindProbeDisabled,
		},
		{
			name:       "internal",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantKind:   apperr.KindInternal,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			req := httptest.NewRequest("POST", "/api/v1/cluster/add", nil)

			handleError(recorder, req, tc.err)

			assertStatusCode(t, recorder, tc.wantStatus)
			assertJSONError(t, recorder, tc.wantKind)
		})
	}
}

func TestHandleError_HidesInternalMessage(t *testing.T) {
	recorder := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/v1/clusters", nil)

	handleError(recorder, req, errors.New("secret connection string leaked"))

	if strings.Contains(recorder.Body.String(), "secret") {
		t.Errorf("internal error message leaked: %s", recorder.Body.String())
	}
}

func TestDecodeJSON(t *testing.T) {
	t.Run("valid body", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		req := jsonRequest(t, "POST", "/", `{"image_id":"a"}`)

		var body AddRequest
		if !decodeJSON(recorder, req, &body) {
			t.Fatalf("expected decode to succeed, body: %s", recorder.Body.String())
		}
		if body.ImageID != "a" {
			t.Errorf("expected image_id 'a', got '%s'", body.ImageID)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		req := jsonRequest(t, "POST", "/", `{"image_id":`)

		var body AddRequest
		if decodeJSON(recorder, req, &body) {
			t.Fatal("expected decode to fail")
		}
		assertStatusCode(t, recorder, http.StatusBadRequest)
		assertJSONError(t, recorder, apperr.KindInvalidInput)
	})

	t.Run("oversized body", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		huge := `{"image_id":"` + strings.Repeat("x", maxBodyBytes+1) + `"}`
		req := jsonRequest(t, "POST", "/", huge)

		var body AddRequest
		if decodeJSON(recorder, req, &body) {
			t.Fatal("expected decode to fail")
		}
		assertStatusCode(t, recorder, http.StatusBadRequest)
	})
}

func TestSanitizeForLog(t *testing.T) {
	if got := sanitizeForLog("a\nb\rc"); got != "abc" {
		t.Errorf("expected 'abc', got '%s'", got)
	}
}

func TestHealthCheck_ReturnsStatusOk(t *testing.T) {
	req := httptest.NewRequest("GET", "/health", nil)
	recorder := httptest.NewRecorder()

	HealthCheck(recorder, req)

	assertStatusCode(t, recorder, http.StatusOK)
	assertContentType(t, recorder, "application/json")

	var result map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if result["status"] != "ok" {
		t.Errorf("expected status 'ok', got '%s'", result["status"])
	}
}
