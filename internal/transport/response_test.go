package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pitabwire/careflow/model"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusOK, map[string]string{"hello": "world"})

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if xct := w.Header().Get("X-Content-Type-Options"); xct != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", xct)
	}

	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["hello"] != "world" {
		t.Errorf("body = %v", body)
	}
}

func TestWriteError_envelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, model.NewNotFoundError("instance not found"))

	if w.Code != 404 {
		t.Errorf("status = %d, want 404", w.Code)
	}

	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Error.Code != "NOT_FOUND" {
		t.Errorf("code = %q, want NOT_FOUND", resp.Error.Code)
	}
}

func TestWriteError_wrappedEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, fmt.Errorf("complete: %w", model.NewInvalidStateError("step is not pending")))

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409 for wrapped INVALID_STATE", w.Code)
	}
}

func TestWriteError_non_envelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, fmt.Errorf("something went wrong"))

	if w.Code != 500 {
		t.Errorf("status = %d, want 500 for non-envelope error", w.Code)
	}
	if strings.Contains(w.Body.String(), "something went wrong") {
		t.Error("internal error text should not leak into the response")
	}
}

func TestWriteNotFound(t *testing.T) {
	w := httptest.NewRecorder()
	WriteNotFound(w, "resource missing")
	if w.Code != 404 {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestStatusForCode_coverage(t *testing.T) {
	codes := []struct {
		code   string
		status int
	}{
		{model.ErrBadRequest, 400},
		{model.ErrNotFound, 404},
		{model.ErrConflict, 409},
		{model.ErrInvalidState, 409},
		{model.ErrChainLimit, 409},
		{model.ErrValidationError, 422},
		{model.ErrExpressionError, 422},
		{model.ErrResolutionFailure, 422},
		{model.ErrDispatchFailure, 502},
		{model.ErrInternalError, 500},
		{"SOMETHING_NEW", 500},
	}
	for _, tc := range codes {
		t.Run(tc.code, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, &model.ErrorEnvelope{Code: tc.code, Message: "test"})
			if w.Code != tc.status {
				t.Errorf("status for %s = %d, want %d", tc.code, w.Code, tc.status)
			}
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		Reason string `json:"reason"`
	}

	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"reason":"discharged"}`))
	if err := decodeJSON(r, &v, false); err != nil {
		t.Fatalf("decodeJSON() error = %v", err)
	}
	if v.Reason != "discharged" {
		t.Errorf("reason = %q, want discharged", v.Reason)
	}

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	if err := decodeJSON(r, &v, true); err != nil {
		t.Errorf("optional empty body error = %v, want nil", err)
	}
	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	if err := decodeJSON(r, &v, false); !model.IsCode(err, model.ErrBadRequest) {
		t.Errorf("required empty body error = %v, want BAD_REQUEST", err)
	}
	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{"))
	if err := decodeJSON(r, &v, true); !model.IsCode(err, model.ErrBadRequest) {
		t.Errorf("malformed body error = %v, want BAD_REQUEST", err)
	}
}

func TestQueryInt(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 20},
		{"?page_size=50", 50},
		{"?page_size=abc", 20},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/v1/instances"+tt.query, nil)
		if got := queryInt(r, "page_size", 20); got != tt.want {
			t.Errorf("queryInt(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}
