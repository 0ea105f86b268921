package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/louisbranch/cloudlabs/internal/services/labs/domain"
	"github.com/louisbranch/cloudlabs/internal/services/labs/notify"
	"github.com/louisbranch/cloudlabs/internal/services/labs/storage"
)

// SweepResult counts what one sweep pass did.
type SweepResult struct {
	Expired   int
	Notified  int
	Cleaned   int
	Recovered int
}

// Run sweeps on the configured interval until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			log.Printf("sweep sessions: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep expires sessions past their duration, warns sessions close to it,
// retries failed cleanups and recovers stalled workflows.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	ctx, span := s.tracer.Start(ctx, "labs.sweep")
	defer span.End()

	var result SweepResult
	var errs []error

	running, err := s.deps.Sessions.ListSessionsByStatus(ctx, []domain.Status{domain.StatusRunning}, sweepBatch)
	if err != nil {
		errs = append(errs, fmt.Errorf("list running sessions: %w", err))
	}
	now := s.now()
	for _, session := range running {
		remaining := session.RemainingTime(now, s.cfg.SessionDuration)
		if remaining <= 0 {
			if _, err := s.terminate(ctx, session.ID, domain.LogExpired,
				fmt.Sprintf("Session expired after %s", s.cfg.SessionDuration)); err != nil {
				log.Printf("expire session %s: %v", session.ID, err)
				continue
			}
			result.Expired++
			continue
		}
		if remaining <= s.cfg.ExpiryWarning && session.ExpiryNotifiedAt == nil {
			if s.warnExpiring(ctx, session, remaining) {
				result.Notified++
			}
		}
	}

	pending, err := s.deps.Sessions.ListCleanupPending(ctx, sweepBatch)
	if err != nil {
		errs = append(errs, fmt.Errorf("list cleanup pending sessions: %w", err))
	}
	for _, session := range pending {
		if !session.Status.Terminal() || s.isInflight(session.ID) {
			continue
		}
		if s.releaseResources(ctx, session, session.InstanceID, session.ConnectionID) {
			if err := s.deps.Sessions.ClearCleanupPending(ctx, session.ID, s.now()); err != nil {
				log.Printf("clear cleanup pending for session %s: %v", session.ID, err)
				continue
			}
			s.audit(ctx, session.ID, domain.LogCleanupDone, "Leftover resources deleted")
			result.Cleaned++
		}
	}

	recovered, err := s.recover(ctx, s.cfg.StaleAfter)
	if err != nil {
		errs = append(errs, err)
	}
	result.Recovered = recovered

	span.SetAttributes(
		attribute.Int("lab.sweep.expired", result.Expired),
		attribute.Int("lab.sweep.notified", result.Notified),
		attribute.Int("lab.sweep.cleaned", result.Cleaned),
		attribute.Int("lab.sweep.recovered", result.Recovered),
	)
	return result, errors.Join(errs...)
}

// RecoverStuck fails every pending or provisioning session without a
// workflow in this process. It runs once at startup, before new sessions are
// accepted.
func (s *Service) RecoverStuck(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "labs.recover")
	defer span.End()
	return s.recover(ctx, 0)
}

func (s *Service) recover(ctx context.Context, staleAfter time.Duration) (int, error) {
	stuck, err := s.deps.Sessions.ListSessionsByStatus(ctx,
		[]domain.Status{domain.StatusPending, domain.StatusProvisioning}, sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list provisioning sessions: %w", err)
	}
	now := s.now()
	recovered := 0
	for _, session := range stuck {
		if s.isInflight(session.ID) || now.Sub(session.UpdatedAt) < staleAfter {
			continue
		}
		if s.recoverSession(ctx, session) {
			recovered++
		}
	}
	return recovered, nil
}

// recoverSession compensates an interrupted workflow. Resuming is unsafe
// because the provider call that was in flight may or may not have landed.
func (s *Service) recoverSession(ctx context.Context, session domain.Session) bool {
	ctx, span := s.tracer.Start(ctx, "labs.recover_session", trace.WithAttributes(
		attribute.String("lab.session_id", session.ID),
	))
	defer span.End()

	row, err := s.deps.Sessions.UpdateSession(ctx, session.ID, storage.SessionUpdate{
		Status:    domain.StatusError,
		UpdatedAt: s.now(),
	})
	if err != nil {
		if !errors.Is(err, storage.ErrSessionTerminal) {
			log.Printf("recover session %s: %v", session.ID, err)
		}
		return false
	}
	s.audit(ctx, row.ID, domain.LogRecovered, fmt.Sprintf("Interrupted %s workflow marked error", session.Status))

	if instanceID := instanceRef(row); instanceID != "" || row.ConnectionID != "" {
		s.releaseResources(ctx, row, instanceID, row.ConnectionID)
	}
	if s.cfg.RefundOnFailure {
		s.refund(ctx, row, "Refund for interrupted lab session")
		s.audit(ctx, row.ID, domain.LogRefunded, "Start credit refunded after recovery")
	}
	return true
}

// warnExpiring sends the single expiry warning for session.
func (s *Service) warnExpiring(ctx context.Context, session domain.Session, remaining time.Duration) bool {
	marked, err := s.deps.Sessions.MarkExpiryNotified(ctx, session.ID, s.now())
	if err != nil {
		log.Printf("mark session %s expiry notified: %v", session.ID, err)
		return false
	}
	if !marked {
		return false
	}
	minutes := int((remaining + time.Minute - 1) / time.Minute)
	if session.ContactEmail != "" {
		if err := s.deps.Notifier.NotifySessionExpiring(ctx, notify.ExpiryNotice{
			SessionID:        session.ID,
			UserID:           session.UserID,
			Email:            session.ContactEmail,
			Variant:          string(session.Variant),
			MinutesRemaining: minutes,
			ReconnectURL:     s.reconnectURL(),
		}); err != nil {
			log.Printf("notify session %s expiring: %v", session.ID, err)
		}
	}
	s.audit(ctx, session.ID, domain.LogExpiryNotified, fmt.Sprintf("Session ends in %d minutes", minutes))
	return true
}

func (s *Service) reconnectURL() string {
	if s.cfg.FrontendURL == "" {
		return ""
	}
	return s.cfg.FrontendURL + "/labs"
}

// instanceRef names the instance to delete for a session. The instance name
// is recorded before creation and doubles as the provider id, so it covers a
// create that landed without being recorded.
func instanceRef(session domain.Session) string {
	if session.InstanceID != "" {
		return session.InstanceID
	}
	return session.InstanceName
}
