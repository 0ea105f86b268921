package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/louisbranch/cloudlabs/internal/platform/timeouts"
	"github.com/louisbranch/cloudlabs/internal/services/labs/compute"
	"github.com/louisbranch/cloudlabs/internal/services/labs/domain"
	"github.com/louisbranch/cloudlabs/internal/services/labs/storage"
)

// provisionRun tracks what one workflow run created, so a failure or a
// concurrent termination deletes exactly those resources.
type provisionRun struct {
	session      domain.Session
	instanceID   string
	connectionID string
}

// provision walks a pending session to running. Every step is recorded on the
// session row before the next begins. If the row turns terminal underneath
// the workflow it stops and removes what the terminating call could not see.
func (s *Service) provision(ctx context.Context, session domain.Session) {
	ctx, span := s.tracer.Start(ctx, "labs.provision", trace.WithAttributes(
		attribute.String("lab.session_id", session.ID),
		attribute.String("lab.os_variant", string(session.Variant)),
	))
	defer span.End()

	run := &provisionRun{session: session}

	if _, stop := s.advance(ctx, run, "mark provisioning", storage.SessionUpdate{Status: domain.StatusProvisioning}); stop {
		return
	}
	s.audit(ctx, session.ID, domain.LogProvisioning, fmt.Sprintf("Provisioning %s instance %s", session.Variant, session.InstanceName))

	template, err := s.deps.Templates.For(session.Variant)
	if err != nil {
		s.fail(ctx, run, "select template", err)
		return
	}
	name := session.InstanceName
	if name == "" {
		name = domain.InstanceName(session.ID, session.Variant)
		if _, stop := s.advance(ctx, run, "record instance name", storage.SessionUpdate{InstanceName: name}); stop {
			return
		}
	}

	createCtx, cancel := context.WithTimeout(ctx, s.cfg.ComputeTimeout)
	instance, err := s.deps.Compute.Create(createCtx, compute.CreateRequest{
		Name:     name,
		Template: template,
		Metadata: map[string]string{"session-id": session.ID, "user-id": session.UserID},
	})
	cancel()
	run.instanceID = instance.ID
	if err != nil && run.instanceID == "" {
		// The insert may have reached the provider before the call failed.
		// Instance ids are names, and deleting a missing one succeeds.
		run.instanceID = name
	}
	if err == nil && instance.Address == "" {
		err = compute.ErrNoAddress
	}
	if err != nil {
		s.fail(ctx, run, "create instance", err)
		return
	}
	if _, stop := s.advance(ctx, run, "record instance", storage.SessionUpdate{
		InstanceID: instance.ID,
		Address:    instance.Address,
	}); stop {
		return
	}

	if err := s.deps.Sleep(ctx, s.cfg.SettleInterval); err != nil {
		s.fail(ctx, run, "wait for instance to settle", err)
		return
	}
	if s.deps.Prober != nil {
		if err := s.awaitReady(ctx, instance.Address); err != nil {
			s.fail(ctx, run, "wait for remote desktop", err)
			return
		}
	}

	if stop := s.stopIfTerminal(ctx, run); stop {
		return
	}
	gatewayCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	connectionID, err := s.deps.Gateway.CreateConnection(gatewayCtx, name, instance.Address, session.Variant)
	cancel()
	if err != nil {
		run.connectionID = s.lostConnection(ctx, run.session.ID, name)
		s.fail(ctx, run, "create gateway connection", err)
		return
	}
	run.connectionID = connectionID

	if _, stop := s.advance(ctx, run, "mark running", storage.SessionUpdate{
		Status:       domain.StatusRunning,
		ConnectionID: connectionID,
	}); stop {
		return
	}
	s.audit(ctx, session.ID, domain.LogProvisioned, fmt.Sprintf("Instance %s reachable at %s", name, instance.Address))
	log.Printf("session %s running on %s", session.ID, name)
}

// advance applies update. It reports stop when the workflow must not
// continue, having already handled the reason.
func (s *Service) advance(ctx context.Context, run *provisionRun, step string, update storage.SessionUpdate) (domain.Session, bool) {
	update.UpdatedAt = s.now()
	row, err := s.deps.Sessions.UpdateSession(ctx, run.session.ID, update)
	switch {
	case err == nil:
		run.session = row
		return row, false
	case errors.Is(err, storage.ErrSessionTerminal):
		s.abandon(ctx, run, row)
		return row, true
	default:
		s.fail(ctx, run, step, err)
		return row, true
	}
}

// stopIfTerminal re-reads the session before a commit.
func (s *Service) stopIfTerminal(ctx context.Context, run *provisionRun) bool {
	row, err := s.deps.Sessions.GetSession(ctx, run.session.ID)
	if err != nil {
		s.fail(ctx, run, "reload session", err)
		return true
	}
	if row.Status.Terminal() {
		s.abandon(ctx, run, row)
		return true
	}
	return false
}

// abandon stops a workflow whose session was ended by someone else. The
// terminating call owns the resources recorded on row.
func (s *Service) abandon(ctx context.Context, run *provisionRun, row domain.Session) {
	log.Printf("session %s became %s during provisioning", run.session.ID, row.Status)
	instanceID, connectionID := unrecorded(run, row)
	if instanceID != "" || connectionID != "" {
		s.releaseResources(ctx, row, instanceID, connectionID)
	}
}

// fail records a provisioning failure and reverses the run.
func (s *Service) fail(ctx context.Context, run *provisionRun, step string, cause error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(cause)
	span.SetStatus(codes.Error, step)
	log.Printf("provision session %s: %s: %v", run.session.ID, step, cause)

	// Failure bookkeeping must finish even when shutdown cancelled ctx.
	ctx = context.WithoutCancel(ctx)
	s.audit(ctx, run.session.ID, domain.LogError, fmt.Sprintf("Provisioning failed at %s: %v", step, cause))

	row, err := s.deps.Sessions.UpdateSession(ctx, run.session.ID, storage.SessionUpdate{
		Status:    domain.StatusError,
		UpdatedAt: s.now(),
	})
	switch {
	case errors.Is(err, storage.ErrSessionTerminal):
		s.abandon(ctx, run, row)
		return
	case err != nil:
		log.Printf("mark session %s error: %v", run.session.ID, err)
		row = run.session
	}

	if run.instanceID != "" || run.connectionID != "" {
		s.releaseResources(ctx, row, run.instanceID, run.connectionID)
	}
	if err == nil && s.cfg.RefundOnFailure {
		s.refund(ctx, run.session, "Refund for failed lab session")
		s.audit(ctx, run.session.ID, domain.LogRefunded, "Start credit refunded after provisioning failure")
	}
}

// lostConnection finds a profile the gateway may have created before
// CreateConnection failed.
func (s *Service) lostConnection(ctx context.Context, sessionID, name string) string {
	findCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.GatewayTimeout)
	defer cancel()
	connectionID, err := s.deps.Gateway.FindConnection(findCtx, name)
	if err != nil {
		log.Printf("find connection %s for session %s: %v", name, sessionID, err)
		return ""
	}
	return connectionID
}

// unrecorded returns the run's resources that row does not know about.
func unrecorded(run *provisionRun, row domain.Session) (instanceID, connectionID string) {
	if run.instanceID != "" && run.instanceID != row.InstanceID {
		instanceID = run.instanceID
	}
	if run.connectionID != "" && run.connectionID != row.ConnectionID {
		connectionID = run.connectionID
	}
	return instanceID, connectionID
}

func (s *Service) awaitReady(ctx context.Context, address string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ReadinessTimeout)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.ReadinessInterval
	policy.MaxInterval = 5 * s.cfg.ReadinessInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, s.deps.Prober.Probe(ctx, address)
	}, backoff.WithBackOff(policy), backoff.WithMaxElapsedTime(s.cfg.ReadinessTimeout))
	if err != nil {
		return fmt.Errorf("probe %s: %w", address, err)
	}
	return nil
}

// releaseResources deletes the named resources, connection first. Anything
// that cannot be deleted is flagged for the cleanup retry. It returns true
// when nothing is left behind.
func (s *Service) releaseResources(ctx context.Context, session domain.Session, instanceID, connectionID string) bool {
	ctx = context.WithoutCancel(ctx)
	var failedInstance, failedConnection string

	if connectionID != "" {
		deleteCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
		err := s.deps.Gateway.DeleteConnection(deleteCtx, connectionID)
		cancel()
		if err != nil {
			failedConnection = connectionID
			log.Printf("delete connection %s for session %s: %v", connectionID, session.ID, err)
			s.audit(ctx, session.ID, domain.LogCleanupFailed, fmt.Sprintf("Delete connection %s: %v", connectionID, err))
		}
	}
	if instanceID != "" {
		deleteCtx, cancel := context.WithTimeout(ctx, timeouts.ComputeDelete)
		err := s.deps.Compute.Delete(deleteCtx, instanceID)
		cancel()
		if err != nil {
			failedInstance = instanceID
			log.Printf("delete instance %s for session %s: %v", instanceID, session.ID, err)
			s.audit(ctx, session.ID, domain.LogCleanupFailed, fmt.Sprintf("Delete instance %s: %v", instanceID, err))
		}
	}

	if failedInstance == "" && failedConnection == "" {
		return true
	}
	if err := s.deps.Sessions.MarkCleanupPending(ctx, session.ID, storage.CleanupUpdate{
		InstanceID:   failedInstance,
		ConnectionID: failedConnection,
		UpdatedAt:    s.now(),
	}); err != nil {
		log.Printf("mark session %s cleanup pending: %v", session.ID, err)
	}
	return false
}
