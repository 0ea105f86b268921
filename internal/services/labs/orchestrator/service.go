// Package orchestrator drives the lab session lifecycle: credit reservation,
// asynchronous provisioning, connection, termination and the background sweep
// that expires and cleans up sessions.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/cloudlabs/internal/platform/errors"
	"github.com/louisbranch/cloudlabs/internal/platform/id"
	platformotel "github.com/louisbranch/cloudlabs/internal/platform/otel"
	"github.com/louisbranch/cloudlabs/internal/platform/timeouts"
	"github.com/louisbranch/cloudlabs/internal/services/labs/compute"
	"github.com/louisbranch/cloudlabs/internal/services/labs/domain"
	"github.com/louisbranch/cloudlabs/internal/services/labs/gateway"
	"github.com/louisbranch/cloudlabs/internal/services/labs/notify"
	"github.com/louisbranch/cloudlabs/internal/services/labs/storage"
)

const tracerName = "github.com/louisbranch/cloudlabs/internal/services/labs/orchestrator"

const (
	defaultSettleInterval    = 60 * time.Second
	defaultReadinessInterval = 2 * time.Second
	defaultExpiryWarning     = 5 * time.Minute
	defaultStaleAfter        = 10 * time.Minute
	defaultSweepInterval     = 30 * time.Second
	defaultStartCost         = 1
	sweepBatch               = 500
)

// Ledger is the credit boundary the orchestrator charges sessions against.
type Ledger interface {
	Deduct(ctx context.Context, userID string, amount int64, description, reference string) (int64, error)
	Credit(ctx context.Context, userID string, amount int64, description, reference string) (int64, error)
	Balance(ctx context.Context, userID string) (int64, error)
	History(ctx context.Context, userID string, limit int) ([]storage.CreditTransaction, error)
}

// Prober reports whether a machine's remote desktop port answers.
type Prober interface {
	Probe(ctx context.Context, address string) error
}

// Deps are the collaborators a Service drives.
type Deps struct {
	Sessions  storage.SessionStore
	Ledger    Ledger
	Compute   compute.Provider
	Gateway   gateway.Gateway
	Templates compute.Templates
	// Prober is optional. When set, provisioning waits for the desktop port
	// after the settle interval.
	Prober   Prober
	Notifier notify.Notifier

	Clock func() time.Time
	NewID func() (string, error)
	// Sleep waits for d or until ctx ends.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Config tunes session lifecycle timing and policy. Zero values use defaults.
type Config struct {
	SessionDuration   time.Duration
	SettleInterval    time.Duration
	ReadinessInterval time.Duration
	ReadinessTimeout  time.Duration
	ComputeTimeout    time.Duration
	GatewayTimeout    time.Duration
	// RefundOnFailure returns the start credit when provisioning fails.
	RefundOnFailure bool
	StartCost       int64
	ExpiryWarning   time.Duration
	// StaleAfter is how long a pending or provisioning session may go without
	// progress before the sweep treats its workflow as lost.
	StaleAfter    time.Duration
	SweepInterval time.Duration
	// FrontendURL is linked from expiry notices.
	FrontendURL string
}

func (c Config) normalized() Config {
	if c.SessionDuration <= 0 {
		c.SessionDuration = domain.SessionDuration
	}
	if c.SettleInterval <= 0 {
		c.SettleInterval = defaultSettleInterval
	}
	if c.ReadinessInterval <= 0 {
		c.ReadinessInterval = defaultReadinessInterval
	}
	if c.ReadinessTimeout <= 0 {
		c.ReadinessTimeout = timeouts.Readiness
	}
	if c.ComputeTimeout <= 0 {
		c.ComputeTimeout = timeouts.ComputeCreate
	}
	if c.GatewayTimeout <= 0 {
		c.GatewayTimeout = timeouts.GatewayRequest
	}
	if c.StartCost <= 0 {
		c.StartCost = defaultStartCost
	}
	if c.ExpiryWarning <= 0 {
		c.ExpiryWarning = defaultExpiryWarning
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = defaultStaleAfter
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	c.FrontendURL = strings.TrimRight(strings.TrimSpace(c.FrontendURL), "/")
	return c
}

// Service orchestrates lab sessions. It owns no state beyond the workflows it
// has in flight.
type Service struct {
	deps   Deps
	cfg    Config
	tracer trace.Tracer

	// background outlives requests; Close cancels it once draining times out.
	background context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	inflight map[string]struct{}
}

// New validates deps and returns a Service.
func New(deps Deps, cfg Config) (*Service, error) {
	switch {
	case deps.Sessions == nil:
		return nil, errors.New("session store is required")
	case deps.Ledger == nil:
		return nil, errors.New("credit ledger is required")
	case deps.Compute == nil:
		return nil, errors.New("compute provider is required")
	case deps.Gateway == nil:
		return nil, errors.New("remote desktop gateway is required")
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Log{}
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = id.NewID
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepContext
	}
	background, cancel := context.WithCancel(context.Background())
	return &Service{
		deps:       deps,
		cfg:        cfg.normalized(),
		tracer:     otel.Tracer(tracerName),
		background: background,
		cancel:     cancel,
		inflight:   make(map[string]struct{}),
	}, nil
}

// StartRequest asks for a new lab session.
type StartRequest struct {
	UserID       string
	OSType       string
	ContactEmail string
}

// StartResult identifies the session whose provisioning has begun.
type StartResult struct {
	SessionID string
	Status    domain.Status
}

// SessionView is a session plus the values derived from it at read time.
type SessionView struct {
	Session          domain.Session
	ExpiresAt        time.Time
	RemainingSeconds int64
	// ConnectURL is a freshly signed gateway link, set only while running.
	ConnectURL string
}

// CreditSummary is a user's balance and recent transactions.
type CreditSummary struct {
	Balance      int64
	Transactions []storage.CreditTransaction
}

// StartSession reserves a credit, records a pending session and launches its
// provisioning workflow. It returns before any cloud resource is created.
func (s *Service) StartSession(ctx context.Context, req StartRequest) (StartResult, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return StartResult{}, apperrors.New(apperrors.CodeLabUserRequired, "user id is required")
	}
	variant, ok := domain.ParseOSVariant(req.OSType)
	if !ok {
		return StartResult{}, apperrors.WithMetadata(apperrors.CodeLabInvalidOSVariant,
			fmt.Sprintf("unsupported os variant %q", req.OSType),
			map[string]string{"OSType": strings.TrimSpace(req.OSType)})
	}
	if s.isClosed() {
		return StartResult{}, apperrors.New(apperrors.CodeInfrastructureUnavailable, "orchestrator is shutting down")
	}

	existing, err := s.deps.Sessions.GetActiveSessionForUser(ctx, userID)
	switch {
	case err == nil:
		return StartResult{}, activeSessionConflict(existing.ID, nil)
	case !errors.Is(err, storage.ErrNotFound):
		return StartResult{}, infrastructure("get active session", err)
	}

	balance, err := s.deps.Ledger.Balance(ctx, userID)
	if err != nil {
		return StartResult{}, infrastructure("get balance", err)
	}
	if balance < s.cfg.StartCost {
		return StartResult{}, apperrors.New(apperrors.CodeInsufficientCredits, "insufficient credits to start a session")
	}

	sessionID, err := s.deps.NewID()
	if err != nil {
		return StartResult{}, infrastructure("generate session id", err)
	}
	if _, err := s.deps.Ledger.Deduct(ctx, userID, s.cfg.StartCost,
		fmt.Sprintf("Started %s lab session", variant), startReference(sessionID)); err != nil {
		if apperrors.HasCode(err, apperrors.CodeInsufficientCredits) {
			return StartResult{}, err
		}
		return StartResult{}, infrastructure("deduct start credit", err)
	}

	now := s.now()
	session := domain.Session{
		ID:           sessionID,
		UserID:       userID,
		Variant:      variant,
		Status:       domain.StatusPending,
		ContactEmail: strings.TrimSpace(req.ContactEmail),
		StartedAt:    now,
		UpdatedAt:    now,
		InstanceName: domain.InstanceName(sessionID, variant),
	}
	if err := s.deps.Sessions.CreateSession(ctx, session); err != nil {
		s.refund(ctx, session, "Refund for lab session that could not be created")
		if errors.Is(err, storage.ErrActiveSessionExists) {
			var existingID string
			if existing, getErr := s.deps.Sessions.GetActiveSessionForUser(ctx, userID); getErr == nil {
				existingID = existing.ID
			}
			return StartResult{}, activeSessionConflict(existingID, err)
		}
		return StartResult{}, infrastructure("create session", err)
	}
	s.audit(ctx, sessionID, domain.LogCreated, fmt.Sprintf("Started %s lab session", variant))

	s.goWorkflow(sessionID, func(ctx context.Context) { s.provision(ctx, session) })
	return StartResult{SessionID: sessionID, Status: domain.StatusProvisioning}, nil
}

// GetActiveSession returns the user's non-terminal session.
func (s *Service) GetActiveSession(ctx context.Context, userID string) (SessionView, error) {
	if strings.TrimSpace(userID) == "" {
		return SessionView{}, apperrors.New(apperrors.CodeLabUserRequired, "user id is required")
	}
	session, err := s.deps.Sessions.GetActiveSessionForUser(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return SessionView{}, apperrors.Wrap(apperrors.CodeNotFound, "no active session", err)
		}
		return SessionView{}, infrastructure("get active session", err)
	}
	return s.view(session), nil
}

// ConnectToSession issues a fresh signed URL for the user's running session.
func (s *Service) ConnectToSession(ctx context.Context, sessionID, userID string) (SessionView, error) {
	session, err := s.ownedSession(ctx, sessionID, userID)
	if err != nil {
		return SessionView{}, err
	}
	if session.Status.Terminal() {
		return SessionView{}, apperrors.New(apperrors.CodeSessionNotActive, "session has ended")
	}
	if session.Status != domain.StatusRunning || session.ConnectionID == "" {
		return SessionView{}, apperrors.New(apperrors.CodeSessionNotRunning, "session is not running")
	}
	s.audit(ctx, session.ID, domain.LogConnected, "User reconnected to session")
	return s.view(session), nil
}

// GetSessionStatus returns the user's session with its remaining time.
func (s *Service) GetSessionStatus(ctx context.Context, sessionID, userID string) (SessionView, error) {
	session, err := s.ownedSession(ctx, sessionID, userID)
	if err != nil {
		return SessionView{}, err
	}
	return s.view(session), nil
}

// TerminateSession ends the user's session and releases its resources.
func (s *Service) TerminateSession(ctx context.Context, sessionID, userID string) (SessionView, error) {
	session, err := s.ownedSession(ctx, sessionID, userID)
	if err != nil {
		return SessionView{}, err
	}
	return s.terminate(ctx, session.ID, domain.LogTerminated, "User terminated session")
}

// AdminTerminateSession ends any session regardless of owner.
func (s *Service) AdminTerminateSession(ctx context.Context, sessionID, adminID string) (SessionView, error) {
	session, err := s.session(ctx, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	return s.terminate(ctx, session.ID, domain.LogTerminated, fmt.Sprintf("Admin %s terminated session", strings.TrimSpace(adminID)))
}

// AdminCredit grants credits to a user.
func (s *Service) AdminCredit(ctx context.Context, adminID, userID string, amount int64, description string) (int64, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		description = fmt.Sprintf("Admin credit allocation by %s", strings.TrimSpace(adminID))
	}
	balance, err := s.deps.Ledger.Credit(ctx, userID, amount, description, "")
	if err != nil {
		if _, ok := apperrors.As(err); ok {
			return 0, err
		}
		return 0, infrastructure("credit user", err)
	}
	return balance, nil
}

// CreditSummary returns the user's balance and most recent transactions.
func (s *Service) CreditSummary(ctx context.Context, userID string, limit int) (CreditSummary, error) {
	balance, err := s.deps.Ledger.Balance(ctx, userID)
	if err != nil {
		if _, ok := apperrors.As(err); ok {
			return CreditSummary{}, err
		}
		return CreditSummary{}, infrastructure("get balance", err)
	}
	history, err := s.deps.Ledger.History(ctx, userID, limit)
	if err != nil {
		return CreditSummary{}, infrastructure("list credit history", err)
	}
	return CreditSummary{Balance: balance, Transactions: history}, nil
}

// SessionLogs returns the activity log of any session, oldest first.
func (s *Service) SessionLogs(ctx context.Context, sessionID string, limit int) ([]domain.LogEntry, error) {
	if _, err := s.session(ctx, sessionID); err != nil {
		return nil, err
	}
	entries, err := s.deps.Sessions.ListSessionLogs(ctx, sessionID, limit)
	if err != nil {
		return nil, infrastructure("list session logs", err)
	}
	return entries, nil
}

// Wait blocks until every workflow and cleanup task has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Close stops accepting sessions and waits for background work. When ctx ends
// first the remaining workflows are cancelled; they still record the failure.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return fmt.Errorf("drain workflows: %w", ctx.Err())
	}
}

func (s *Service) terminate(ctx context.Context, sessionID string, action domain.LogAction, detail string) (SessionView, error) {
	row, err := s.deps.Sessions.UpdateSession(ctx, sessionID, storage.SessionUpdate{
		Status:    domain.StatusTerminated,
		UpdatedAt: s.now(),
	})
	if err != nil {
		if errors.Is(err, storage.ErrSessionTerminal) {
			return SessionView{}, apperrors.Wrap(apperrors.CodeSessionNotActive, "session has already ended", err)
		}
		if errors.Is(err, storage.ErrNotFound) {
			return SessionView{}, apperrors.Wrap(apperrors.CodeNotFound, "session not found", err)
		}
		return SessionView{}, infrastructure("terminate session", err)
	}
	s.audit(ctx, row.ID, action, detail)

	// The workflow deletes anything it creates after this point; only the
	// resources recorded on the row are ours to remove.
	if row.InstanceID != "" || row.ConnectionID != "" {
		s.goTask(func(ctx context.Context) {
			s.releaseResources(ctx, row, row.InstanceID, row.ConnectionID)
		})
	}
	return s.view(row), nil
}

func (s *Service) ownedSession(ctx context.Context, sessionID, userID string) (domain.Session, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.Session{}, apperrors.New(apperrors.CodeLabUserRequired, "user id is required")
	}
	session, err := s.session(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if session.UserID != userID {
		return domain.Session{}, apperrors.New(apperrors.CodeNotFound, "session not found")
	}
	return session, nil
}

func (s *Service) session(ctx context.Context, sessionID string) (domain.Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.Session{}, apperrors.New(apperrors.CodeNotFound, "session not found")
	}
	session, err := s.deps.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Session{}, apperrors.Wrap(apperrors.CodeNotFound, "session not found", err)
		}
		return domain.Session{}, infrastructure("get session", err)
	}
	return session, nil
}

func (s *Service) view(session domain.Session) SessionView {
	now := s.now()
	v := SessionView{
		Session:          session,
		ExpiresAt:        session.ExpiresAt(s.cfg.SessionDuration),
		RemainingSeconds: int64(session.RemainingTime(now, s.cfg.SessionDuration) / time.Second),
	}
	if session.Status == domain.StatusRunning && session.ConnectionID != "" {
		v.ConnectURL = s.deps.Gateway.SignURL(session.ConnectionID, now)
	}
	return v
}

func (s *Service) refund(ctx context.Context, session domain.Session, detail string) {
	if _, err := s.deps.Ledger.Credit(ctx, session.UserID, s.cfg.StartCost, detail, refundReference(session.ID)); err != nil {
		log.Printf("refund session %s: %v", session.ID, err)
	}
}

// audit appends to the session log. Failures are logged and swallowed.
func (s *Service) audit(ctx context.Context, sessionID string, action domain.LogAction, detail string) {
	if traceID, spanID := platformotel.SpanIdentifiers(ctx); traceID != "" {
		detail = fmt.Sprintf("%s (trace %s span %s)", detail, traceID, spanID)
	}
	if err := s.deps.Sessions.AppendSessionLog(ctx, domain.LogEntry{
		SessionID: sessionID,
		Action:    action,
		Detail:    detail,
		CreatedAt: s.now(),
	}); err != nil {
		log.Printf("audit session %s %s: %v", sessionID, action, err)
	}
}

// goWorkflow runs fn for sessionID in the background, marking it in flight.
func (s *Service) goWorkflow(sessionID string, fn func(context.Context)) {
	s.mu.Lock()
	s.inflight[sessionID] = struct{}{}
	s.mu.Unlock()
	s.goTask(func(ctx context.Context) {
		defer func() {
			s.mu.Lock()
			delete(s.inflight, sessionID)
			s.mu.Unlock()
		}()
		fn(ctx)
	})
}

func (s *Service) goTask(fn func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.background)
	}()
}

func (s *Service) isInflight(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[sessionID]
	return ok
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Service) now() time.Time {
	return s.deps.Clock().UTC()
}

func startReference(sessionID string) string {
	return "session-start:" + sessionID
}

func refundReference(sessionID string) string {
	return "session-start-refund:" + sessionID
}

func activeSessionConflict(sessionID string, cause error) error {
	return apperrors.WrapWithMetadata(apperrors.CodeActiveSessionExists, "user already has an active session",
		map[string]string{"SessionID": sessionID}, cause)
}

func infrastructure(action string, err error) error {
	return apperrors.Wrap(apperrors.CodeInfrastructureUnavailable, fmt.Sprintf("%s: %v", action, err), err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
