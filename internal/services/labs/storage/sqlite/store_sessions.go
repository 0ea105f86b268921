package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/cloudlabs/internal/services/labs/domain"
	"github.com/louisbranch/cloudlabs/internal/services/labs/storage"
)

const sessionColumns = `id, user_id, os_variant, status, contact_email, instance_name, instance_id, address,
connection_id, started_at, updated_at, ended_at, expiry_notified_at, cleanup_pending`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (domain.Session, error) {
	var (
		session        domain.Session
		variant        string
		status         string
		startedAt      int64
		updatedAt      int64
		endedAt        sql.NullInt64
		notifiedAt     sql.NullInt64
		cleanupPending int
	)
	if err := row.Scan(
		&session.ID,
		&session.UserID,
		&variant,
		&status,
		&session.ContactEmail,
		&session.InstanceName,
		&session.InstanceID,
		&session.Address,
		&session.ConnectionID,
		&startedAt,
		&updatedAt,
		&endedAt,
		&notifiedAt,
		&cleanupPending,
	); err != nil {
		return domain.Session{}, err
	}
	session.Variant = domain.OSVariant(variant)
	session.Status = domain.Status(status)
	session.StartedAt = fromMillis(startedAt)
	session.UpdatedAt = fromMillis(updatedAt)
	session.EndedAt = timePtr(endedAt)
	session.ExpiryNotifiedAt = timePtr(notifiedAt)
	session.CleanupPending = cleanupPending == 1
	return session, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// CreateSession inserts a new lab session.
func (s *Store) CreateSession(ctx context.Context, session domain.Session) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(session.ID) == "" {
		return fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(session.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	if !session.Status.Valid() {
		return fmt.Errorf("invalid session status %q", session.Status)
	}
	if session.StartedAt.IsZero() {
		return fmt.Errorf("session start time is required")
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = session.StartedAt
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO lab_sessions (`+sessionColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID,
		session.UserID,
		string(session.Variant),
		string(session.Status),
		session.ContactEmail,
		session.InstanceName,
		session.InstanceID,
		session.Address,
		session.ConnectionID,
		toMillis(session.StartedAt),
		toMillis(session.UpdatedAt),
		nullableMillis(session.EndedAt),
		nullableMillis(session.ExpiryNotifiedAt),
		boolToInt(session.CleanupPending),
	)
	if err != nil {
		if isUniqueViolation(err, "lab_sessions.user_id") {
			return storage.ErrActiveSessionExists
		}
		if isPrimaryKeyViolation(err) || isUniqueViolation(err, "lab_sessions.id") {
			return fmt.Errorf("session %s already exists", session.ID)
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession loads one session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Session{}, err
	}
	return getSession(ctx, s.sqlDB, sessionID)
}

func getSession(ctx context.Context, q queryer, sessionID string) (domain.Session, error) {
	session, err := scanSession(q.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM lab_sessions WHERE id = ?`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// GetActiveSessionForUser loads the user's pending, provisioning or running session.
func (s *Store) GetActiveSessionForUser(ctx context.Context, userID string) (domain.Session, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Session{}, err
	}
	session, err := scanSession(s.sqlDB.QueryRowContext(ctx, `
SELECT `+sessionColumns+` FROM lab_sessions
WHERE user_id = ? AND status IN ('pending', 'provisioning', 'running')
ORDER BY started_at DESC
LIMIT 1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("get active session: %w", err)
	}
	return session, nil
}

// UpdateSession applies a conditional update to a non-terminal session.
func (s *Store) UpdateSession(ctx context.Context, sessionID string, update storage.SessionUpdate) (domain.Session, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Session{}, err
	}
	if update.Status != "" && !update.Status.Valid() {
		return domain.Session{}, fmt.Errorf("invalid session status %q", update.Status)
	}
	at := update.UpdatedAt
	if at.IsZero() {
		at = s.now()
	}
	at = fromMillis(toMillis(at))

	var (
		result   domain.Session
		terminal bool
	)
	err := s.withTx(ctx, "update session", func(tx *sql.Tx) error {
		current, err := getSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			result = current
			terminal = true
			return nil
		}

		next := current
		if update.Status != "" {
			if !domain.CanTransition(current.Status, update.Status) {
				return fmt.Errorf("%w: %s -> %s", storage.ErrInvalidTransition, current.Status, update.Status)
			}
			next.Status = update.Status
		}
		if update.InstanceName != "" {
			next.InstanceName = update.InstanceName
		}
		if update.InstanceID != "" {
			next.InstanceID = update.InstanceID
		}
		if update.Address != "" {
			next.Address = update.Address
		}
		if update.ConnectionID != "" {
			next.ConnectionID = update.ConnectionID
		}
		next.UpdatedAt = at
		if next.Status.Terminal() {
			ended := at
			next.EndedAt = &ended
		}

		res, err := tx.ExecContext(ctx, `
UPDATE lab_sessions
SET status = ?, instance_name = ?, instance_id = ?, address = ?, connection_id = ?, updated_at = ?, ended_at = ?
WHERE id = ? AND status = ?`,
			string(next.Status),
			next.InstanceName,
			next.InstanceID,
			next.Address,
			next.ConnectionID,
			toMillis(next.UpdatedAt),
			nullableMillis(next.EndedAt),
			sessionID,
			string(current.Status),
		)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		if affected, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("update session rows affected: %w", err)
		} else if affected != 1 {
			return fmt.Errorf("update session: status changed concurrently")
		}
		result = next
		return nil
	})
	if err != nil {
		return domain.Session{}, err
	}
	if terminal {
		return result, storage.ErrSessionTerminal
	}
	return result, nil
}

// MarkCleanupPending flags a session for the orphan cleanup retry.
func (s *Store) MarkCleanupPending(ctx context.Context, sessionID string, update storage.CleanupUpdate) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	at := update.UpdatedAt
	if at.IsZero() {
		at = s.now()
	}
	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE lab_sessions
SET cleanup_pending = 1,
    instance_id = CASE WHEN instance_id = '' THEN ? ELSE instance_id END,
    connection_id = CASE WHEN connection_id = '' THEN ? ELSE connection_id END,
    updated_at = ?
WHERE id = ?`,
		update.InstanceID,
		update.ConnectionID,
		toMillis(at),
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("mark cleanup pending: %w", err)
	}
	return requireAffected(res, "mark cleanup pending")
}

// ClearCleanupPending removes the cleanup flag once every resource is gone.
func (s *Store) ClearCleanupPending(ctx context.Context, sessionID string, at time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if at.IsZero() {
		at = s.now()
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE lab_sessions SET cleanup_pending = 0, updated_at = ? WHERE id = ?`,
		toMillis(at), sessionID)
	if err != nil {
		return fmt.Errorf("clear cleanup pending: %w", err)
	}
	return requireAffected(res, "clear cleanup pending")
}

// MarkExpiryNotified records the expiry warning for a running session once.
func (s *Store) MarkExpiryNotified(ctx context.Context, sessionID string, at time.Time) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE lab_sessions SET expiry_notified_at = ?
WHERE id = ? AND status = 'running' AND expiry_notified_at IS NULL`,
		toMillis(at), sessionID)
	if err != nil {
		return false, fmt.Errorf("mark expiry notified: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark expiry notified rows affected: %w", err)
	}
	return affected == 1, nil
}

// ListSessionsByStatus returns sessions in any of statuses, oldest first.
func (s *Store) ListSessionsByStatus(ctx context.Context, statuses []domain.Status, limit int) ([]domain.Session, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+1)
	for i, status := range statuses {
		placeholders[i] = "?"
		args = append(args, string(status))
	}
	args = append(args, normalizeLimit(limit))

	return querySessions(ctx, s.sqlDB, `
SELECT `+sessionColumns+` FROM lab_sessions
WHERE status IN (`+strings.Join(placeholders, ", ")+`)
ORDER BY started_at, id
LIMIT ?`, args...)
}

// ListCleanupPending returns sessions whose resources still need deleting.
func (s *Store) ListCleanupPending(ctx context.Context, limit int) ([]domain.Session, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	return querySessions(ctx, s.sqlDB, `
SELECT `+sessionColumns+` FROM lab_sessions
WHERE cleanup_pending = 1
ORDER BY updated_at, id
LIMIT ?`, normalizeLimit(limit))
}

func querySessions(ctx context.Context, q queryer, query string, args ...any) ([]domain.Session, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// AppendSessionLog appends one activity entry.
func (s *Store) AppendSessionLog(ctx context.Context, entry domain.LogEntry) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(entry.SessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(string(entry.Action)) == "" {
		return fmt.Errorf("log action is required")
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO lab_session_logs (session_id, action, detail, created_at) VALUES (?, ?, ?, ?)`,
		entry.SessionID, string(entry.Action), entry.Detail, toMillis(createdAt))
	if err != nil {
		if isForeignKeyViolation(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("append session log: %w", err)
	}
	return nil
}

// ListSessionLogs returns a session's activity in insertion order.
func (s *Store) ListSessionLogs(ctx context.Context, sessionID string, limit int) ([]domain.LogEntry, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, session_id, action, detail, created_at FROM lab_session_logs
WHERE session_id = ?
ORDER BY id
LIMIT ?`, sessionID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list session logs: %w", err)
	}
	defer rows.Close()

	var entries []domain.LogEntry
	for rows.Next() {
		var (
			entry     domain.LogEntry
			action    string
			createdAt int64
		)
		if err := rows.Scan(&entry.ID, &entry.SessionID, &action, &entry.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan session log: %w", err)
		}
		entry.Action = domain.LogAction(action)
		entry.CreatedAt = fromMillis(createdAt)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session logs: %w", err)
	}
	return entries, nil
}

func requireAffected(res sql.Result, label string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", label, err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}
