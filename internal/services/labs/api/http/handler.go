// Package httpapi exposes the lab orchestrator as a JSON HTTP API.
package httpapi

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/louisbranch/cloudlabs/internal/platform/errors"
	"github.com/louisbranch/cloudlabs/internal/platform/httpx"
	"github.com/louisbranch/cloudlabs/internal/services/labs/auth"
	"github.com/louisbranch/cloudlabs/internal/services/labs/domain"
	"github.com/louisbranch/cloudlabs/internal/services/labs/orchestrator"
)

const (
	defaultHistoryLimit = 20
	defaultLogLimit     = 100
)

// Service is the orchestrator surface the API serves.
type Service interface {
	StartSession(ctx context.Context, req orchestrator.StartRequest) (orchestrator.StartResult, error)
	GetActiveSession(ctx context.Context, userID string) (orchestrator.SessionView, error)
	ConnectToSession(ctx context.Context, sessionID, userID string) (orchestrator.SessionView, error)
	TerminateSession(ctx context.Context, sessionID, userID string) (orchestrator.SessionView, error)
	GetSessionStatus(ctx context.Context, sessionID, userID string) (orchestrator.SessionView, error)
	AdminTerminateSession(ctx context.Context, sessionID, adminID string) (orchestrator.SessionView, error)
	AdminCredit(ctx context.Context, adminID, userID string, amount int64, description string) (int64, error)
	CreditSummary(ctx context.Context, userID string, limit int) (orchestrator.CreditSummary, error)
	SessionLogs(ctx context.Context, sessionID string, limit int) ([]domain.LogEntry, error)
}

// Authenticator resolves a bearer token to a caller.
type Authenticator interface {
	Verify(token string) (auth.Identity, error)
}

// URLVerifier checks a signed gateway URL.
type URLVerifier interface {
	Verify(connectionID, timestamp, token string, now time.Time) error
}

// Config wires the handler's collaborators.
type Config struct {
	Service       Service
	Authenticator Authenticator
	URLVerifier   URLVerifier
	Clock         func() time.Time
}

type handler struct {
	svc      Service
	authn    Authenticator
	verifier URLVerifier
	clock    func() time.Time
}

// NewHandler builds the routed API handler.
func NewHandler(cfg Config) (http.Handler, error) {
	if cfg.Service == nil {
		return nil, errors.New("orchestrator service is required")
	}
	if cfg.Authenticator == nil {
		return nil, errors.New("authenticator is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	h := &handler{svc: cfg.Service, authn: cfg.Authenticator, verifier: cfg.URLVerifier, clock: cfg.Clock}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.healthz)
	mux.Handle("POST /v1/labs/sessions", h.user(h.startSession))
	mux.Handle("GET /v1/labs/sessions/active", h.user(h.activeSession))
	mux.Handle("GET /v1/labs/sessions/{id}", h.user(h.sessionStatus))
	mux.Handle("POST /v1/labs/sessions/{id}/connect", h.user(h.connect))
	mux.Handle("POST /v1/labs/sessions/{id}/terminate", h.user(h.terminate))
	mux.Handle("GET /v1/labs/credits", h.user(h.credits))
	mux.Handle("POST /v1/admin/users/{id}/credits", h.admin(h.adminCredit))
	mux.Handle("POST /v1/admin/sessions/{id}/terminate", h.admin(h.adminTerminate))
	mux.Handle("GET /v1/admin/sessions/{id}/logs", h.admin(h.adminLogs))
	if h.verifier != nil {
		mux.HandleFunc("GET /v1/gateway/verify", h.verifyURL)
	}

	return httpx.Chain(mux, httpx.RecoverPanic(), httpx.RequestID()), nil
}

type identityHandler func(w http.ResponseWriter, r *http.Request, identity auth.Identity)

func (h *handler) user(next identityHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := h.authn.Verify(bearerToken(r))
		if err != nil {
			httpx.WriteError(w, r, err)
			return
		}
		r = r.WithContext(auth.WithIdentity(r.Context(), identity))
		next(w, r, identity)
	})
}

func (h *handler) admin(next identityHandler) http.Handler {
	return h.user(func(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
		if !identity.Admin {
			httpx.WriteError(w, r, apperrors.New(apperrors.CodePermissionDenied, "admin role required"))
			return
		}
		next(w, r, identity)
	})
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

type startSessionRequest struct {
	OSType string `json:"os_type"`
}

type startSessionResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

func (h *handler) startSession(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	var req startSessionRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	result, err := h.svc.StartSession(r.Context(), orchestrator.StartRequest{
		UserID:       identity.UserID,
		OSType:       req.OSType,
		ContactEmail: identity.Email,
	})
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, startSessionResponse{SessionID: result.SessionID, Status: string(result.Status)})
}

func (h *handler) activeSession(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	view, err := h.svc.GetActiveSession(r.Context(), identity.UserID)
	h.writeSession(w, r, view, err)
}

func (h *handler) sessionStatus(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	view, err := h.svc.GetSessionStatus(r.Context(), r.PathValue("id"), identity.UserID)
	h.writeSession(w, r, view, err)
}

func (h *handler) connect(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	view, err := h.svc.ConnectToSession(r.Context(), r.PathValue("id"), identity.UserID)
	h.writeSession(w, r, view, err)
}

func (h *handler) terminate(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	view, err := h.svc.TerminateSession(r.Context(), r.PathValue("id"), identity.UserID)
	h.writeSession(w, r, view, err)
}

func (h *handler) adminTerminate(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	view, err := h.svc.AdminTerminateSession(r.Context(), r.PathValue("id"), identity.UserID)
	h.writeSession(w, r, view, err)
}

func (h *handler) writeSession(w http.ResponseWriter, r *http.Request, view orchestrator.SessionView, err error) {
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, sessionResponseFrom(view))
}

type creditsResponse struct {
	Balance      int64                 `json:"balance"`
	Transactions []transactionResponse `json:"transactions"`
}

func (h *handler) credits(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	limit, err := queryLimit(r, defaultHistoryLimit)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	summary, err := h.svc.CreditSummary(r.Context(), identity.UserID, limit)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	resp := creditsResponse{Balance: summary.Balance, Transactions: make([]transactionResponse, 0, len(summary.Transactions))}
	for _, tx := range summary.Transactions {
		resp.Transactions = append(resp.Transactions, transactionResponseFrom(tx))
	}
	writeJSON(w, r, http.StatusOK, resp)
}

type adminCreditRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

type adminCreditResponse struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

func (h *handler) adminCredit(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	var req adminCreditRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	userID := r.PathValue("id")
	balance, err := h.svc.AdminCredit(r.Context(), identity.UserID, userID, req.Amount, req.Description)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, adminCreditResponse{UserID: userID, Balance: balance})
}

type logsResponse struct {
	Logs []logResponse `json:"logs"`
}

func (h *handler) adminLogs(w http.ResponseWriter, r *http.Request, _ auth.Identity) {
	limit, err := queryLimit(r, defaultLogLimit)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	entries, err := h.svc.SessionLogs(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	resp := logsResponse{Logs: make([]logResponse, 0, len(entries))}
	for _, entry := range entries {
		resp.Logs = append(resp.Logs, logResponseFrom(entry))
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func (h *handler) verifyURL(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if err := h.verifier.Verify(query.Get("connection"), query.Get("timestamp"), query.Get("token"), h.clock()); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]bool{"valid": true})
}

func queryLimit(r *http.Request, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return fallback, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, apperrors.New(apperrors.CodeInvalidRequest, "limit must be a positive integer")
	}
	return limit, nil
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	if err := httpx.WriteJSON(w, status, payload); err != nil {
		log.Printf("write %s %s response: %v", r.Method, r.URL.Path, err)
	}
}
