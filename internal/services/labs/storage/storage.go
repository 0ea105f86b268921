// Package storage defines the persistence contracts for lab sessions and the
// credit ledger.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/louisbranch/cloudlabs/internal/services/labs/domain"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrActiveSessionExists indicates the user already holds an active session.
	ErrActiveSessionExists = errors.New("active session exists")
	// ErrSessionTerminal indicates the session already reached a terminal status.
	ErrSessionTerminal = errors.New("session is terminal")
	// ErrInvalidTransition indicates a status change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrInsufficientBalance indicates a debit larger than the current balance.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrReferenceConflict indicates an idempotency reference owned by another user.
	ErrReferenceConflict = errors.New("credit reference belongs to another user")
)

// SessionUpdate describes one conditional change to a non-terminal session.
// Empty fields keep their stored value.
type SessionUpdate struct {
	Status       domain.Status
	InstanceName string
	InstanceID   string
	Address      string
	ConnectionID string
	UpdatedAt    time.Time
}

// CleanupUpdate flags a session whose cloud resources still need deleting.
// Resource ids fill only columns that are still empty, so resources created by
// an interrupted workflow become visible to the cleanup retry.
type CleanupUpdate struct {
	InstanceID   string
	ConnectionID string
	UpdatedAt    time.Time
}

// SessionStore persists lab sessions and their activity log.
type SessionStore interface {
	// CreateSession inserts a new session. It returns ErrActiveSessionExists
	// when the user already holds a pending, provisioning or running session.
	CreateSession(ctx context.Context, session domain.Session) error
	GetSession(ctx context.Context, sessionID string) (domain.Session, error)
	GetActiveSessionForUser(ctx context.Context, userID string) (domain.Session, error)
	// UpdateSession applies update atomically. When the stored row is already
	// terminal it returns that row together with ErrSessionTerminal. Moving to
	// a terminal status sets the end time.
	UpdateSession(ctx context.Context, sessionID string, update SessionUpdate) (domain.Session, error)
	MarkCleanupPending(ctx context.Context, sessionID string, update CleanupUpdate) error
	ClearCleanupPending(ctx context.Context, sessionID string, at time.Time) error
	// MarkExpiryNotified records the expiry warning once. It reports false
	// when the warning was already recorded or the session is not running.
	MarkExpiryNotified(ctx context.Context, sessionID string, at time.Time) (bool, error)
	ListSessionsByStatus(ctx context.Context, statuses []domain.Status, limit int) ([]domain.Session, error)
	ListCleanupPending(ctx context.Context, limit int) ([]domain.Session, error)
	AppendSessionLog(ctx context.Context, entry domain.LogEntry) error
	ListSessionLogs(ctx context.Context, sessionID string, limit int) ([]domain.LogEntry, error)
}

// CreditTransaction is one immutable ledger row. Positive amounts credit the
// user, negative amounts debit.
type CreditTransaction struct {
	ID          string
	UserID      string
	Amount      int64
	Description string
	// Reference is an optional idempotency key, unique across the ledger.
	Reference string
	CreatedAt time.Time
}

// LedgerStore persists credit balances and their transaction log.
type LedgerStore interface {
	// ApplyCreditTransaction writes the transaction and adjusts the cached
	// balance in one SQL transaction. A transaction whose reference was
	// already applied is a no-op reported with applied=false. Debits that
	// would make the balance negative return ErrInsufficientBalance.
	ApplyCreditTransaction(ctx context.Context, tx CreditTransaction) (balance int64, applied bool, err error)
	GetBalance(ctx context.Context, userID string) (int64, error)
	SumCreditTransactions(ctx context.Context, userID string) (int64, error)
	ListCreditTransactions(ctx context.Context, userID string, limit int) ([]CreditTransaction, error)
}
