package httpx

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	apperrors "github.com/louisbranch/cloudlabs/internal/platform/errors"
)

func TestChainAppliesMiddlewareInOrder(t *testing.T) {
	t.Parallel()

	called := ""
	mw1 := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called += "1"
			next.ServeHTTP(w, r)
		})
	}
	mw2 := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called += "2"
			next.ServeHTTP(w, r)
		})
	}

	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called += "h"
		w.WriteHeader(http.StatusNoContent)
	}), mw1, nil, mw2)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNoContent)
	}
	if called != "12h" {
		t.Fatalf("call order = %q, want %q", called, "12h")
	}
}

func TestRequestIDGeneratesAndEchoes(t *testing.T) {
	t.Parallel()

	var seen string
	h := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("X-Request-ID")
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if !strings.HasPrefix(seen, "labs-") || rr.Header().Get("X-Request-ID") != seen {
		t.Fatalf("generated id = %q, echoed %q", seen, rr.Header().Get("X-Request-ID"))
	}

	rr = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	h.ServeHTTP(rr, req)
	if seen != "abc" || rr.Header().Get("X-Request-ID") != "abc" {
		t.Fatalf("expected caller id kept, got %q", seen)
	}
}

func TestRecoverPanicWritesInternalServerError(t *testing.T) {
	var logs bytes.Buffer
	previous := log.Writer()
	log.SetOutput(&logs)
	t.Cleanup(func() { log.SetOutput(previous) })

	h := RecoverPanic()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/labs/credits", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusInternalServerError)
	}
	if !strings.Contains(logs.String(), "path=/v1/labs/credits") {
		t.Fatalf("expected panic log with path, got %q", logs.String())
	}
}

func TestWriteErrorLocalizesDomainErrors(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/v1/labs/sessions", nil)
	req.Header.Set("Accept-Language", "pt-BR,pt;q=0.9")
	rr := httptest.NewRecorder()
	WriteError(rr, req, apperrors.WithMetadata(apperrors.CodeActiveSessionExists, "active", map[string]string{"SessionID": "s-1"}))

	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusConflict)
	}
	var body ErrorBody
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error.Code != "ACTIVE_SESSION_EXISTS" || body.Error.Locale != "pt-BR" {
		t.Fatalf("unexpected body %+v", body)
	}
	if !strings.Contains(body.Error.Message, "s-1") || body.Error.Metadata["SessionID"] != "s-1" {
		t.Fatalf("expected session id in message, got %+v", body.Error)
	}
}

func TestWriteErrorHidesUnknownErrors(t *testing.T) {
	var logs bytes.Buffer
	previous := log.Writer()
	log.SetOutput(&logs)
	t.Cleanup(func() { log.SetOutput(previous) })

	rr := httptest.NewRecorder()
	WriteError(rr, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("disk on fire"))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusInternalServerError)
	}
	if strings.Contains(rr.Body.String(), "disk on fire") {
		t.Fatalf("expected internal error hidden, got %q", rr.Body.String())
	}
	if !strings.Contains(logs.String(), "disk on fire") {
		t.Fatalf("expected internal error logged, got %q", logs.String())
	}
}

func TestDecodeJSON(t *testing.T) {
	t.Parallel()

	type payload struct {
		OSType string `json:"os_type"`
	}
	tests := []struct {
		name string
		body string
		ok   bool
	}{
		{name: "valid", body: `{"os_type":"Ubuntu"}`, ok: true},
		{name: "empty", body: ``},
		{name: "unknown field", body: `{"os":"Ubuntu"}`},
		{name: "trailing object", body: `{"os_type":"Ubuntu"}{}`},
		{name: "malformed", body: `{"os_type":`},
	}
	for _, tc := range tests {
		var dst payload
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
		err := DecodeJSON(httptest.NewRecorder(), req, &dst)
		if tc.ok {
			if err != nil || dst.OSType != "Ubuntu" {
				t.Fatalf("%s: unexpected result %+v %v", tc.name, dst, err)
			}
			continue
		}
		if !apperrors.HasCode(err, apperrors.CodeInvalidRequest) {
			t.Fatalf("%s: expected invalid request, got %v", tc.name, err)
		}
	}
}
