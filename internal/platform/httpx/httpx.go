// Package httpx provides HTTP middleware and JSON response helpers for the
// labs API.
package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	apperrors "github.com/louisbranch/cloudlabs/internal/platform/errors"
)

const (
	requestIDHeader = "X-Request-ID"
	maxBodyBytes    = 1 << 20
)

// Middleware wraps an HTTP handler.
type Middleware func(http.Handler) http.Handler

var requestIDCounter atomic.Uint64

// Chain applies middleware in declaration order.
func Chain(handler http.Handler, middleware ...Middleware) http.Handler {
	if handler == nil {
		handler = http.NotFoundHandler()
	}
	wrapped := handler
	for idx := len(middleware) - 1; idx >= 0; idx-- {
		if middleware[idx] == nil {
			continue
		}
		wrapped = middleware[idx](wrapped)
	}
	return wrapped
}

// RequestID injects and echoes a request id for correlation.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
			if requestID == "" {
				requestID = fmt.Sprintf("labs-%d-%d", time.Now().UnixNano(), requestIDCounter.Add(1))
				r.Header.Set(requestIDHeader, requestID)
			}
			w.Header().Set(requestIDHeader, requestID)
			next.ServeHTTP(w, r)
		})
	}
}

// RecoverPanic converts panics into HTTP 500 responses.
func RecoverPanic() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if recovered := recover(); recovered != nil {
					log.Printf(
						"panic recovered method=%s path=%s request_id=%s panic=%v stack=%s",
						r.Method,
						r.URL.Path,
						r.Header.Get(requestIDHeader),
						recovered,
						strings.TrimSpace(string(debug.Stack())),
					)
					w.WriteHeader(http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// WriteJSON writes a JSON response with the provided status code.
func WriteJSON(w http.ResponseWriter, status int, payload any) error {
	if w == nil {
		return fmt.Errorf("response writer is required")
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(payload)
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the machine code and the localized message.
type ErrorDetail struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Locale   string            `json:"locale"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// WriteError maps err to its HTTP status and writes a localized error body
// negotiated from the request's Accept-Language header. Errors without a
// domain code are logged and reported as unavailable.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	domainErr, ok := apperrors.As(err)
	if !ok {
		domainErr = apperrors.Wrap(apperrors.CodeInfrastructureUnavailable, "unexpected error", err)
	}
	status := domainErr.Code.HTTPStatus()
	if status >= http.StatusInternalServerError {
		log.Printf("%s %s: %v", r.Method, r.URL.Path, err)
	}
	locale, message := domainErr.Localize(r.Header.Get("Accept-Language"))
	w.Header().Set("Content-Language", locale)
	if writeErr := WriteJSON(w, status, ErrorBody{Error: ErrorDetail{
		Code:     string(domainErr.Code),
		Message:  message,
		Locale:   locale,
		Metadata: domainErr.Metadata,
	}}); writeErr != nil {
		log.Printf("write error response: %v", writeErr)
	}
}

// DecodeJSON reads a single JSON object from the request body into dst.
// Malformed bodies become INVALID_REQUEST errors.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperrors.Wrap(apperrors.CodeInvalidRequest, "request body is required", err)
		}
		return apperrors.Wrap(apperrors.CodeInvalidRequest, "decode request body", err)
	}
	if decoder.More() {
		return apperrors.New(apperrors.CodeInvalidRequest, "request body must hold a single object")
	}
	return nil
}
