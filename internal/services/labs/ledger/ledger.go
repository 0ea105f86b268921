// Package ledger maintains per-user prepaid credit balances.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/louisbranch/cloudlabs/internal/platform/errors"
	"github.com/louisbranch/cloudlabs/internal/platform/id"
	"github.com/louisbranch/cloudlabs/internal/services/labs/storage"
)

// MaxAmount bounds a single credit or debit so balances stay within SQLite's
// integer range.
const MaxAmount int64 = 1_000_000

// Ledger applies credit mutations through a LedgerStore.
type Ledger struct {
	store storage.LedgerStore
	clock func() time.Time
	newID func() (string, error)
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithClock overrides the transaction timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithIDGenerator overrides transaction id generation.
func WithIDGenerator(newID func() (string, error)) Option {
	return func(l *Ledger) {
		if newID != nil {
			l.newID = newID
		}
	}
}

// New creates a ledger backed by store.
func New(store storage.LedgerStore, opts ...Option) *Ledger {
	l := &Ledger{store: store, clock: time.Now, newID: id.NewID}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Deduct removes amount credits from userID. It fails with an
// INSUFFICIENT_CREDITS error, writing nothing, when the balance is too small.
// Replaying a reference returns the current balance without a second debit.
func (l *Ledger) Deduct(ctx context.Context, userID string, amount int64, description, reference string) (int64, error) {
	if err := validate(userID, amount); err != nil {
		return 0, err
	}
	return l.apply(ctx, userID, -amount, description, reference)
}

// Credit adds amount credits to userID.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64, description, reference string) (int64, error) {
	if err := validate(userID, amount); err != nil {
		return 0, err
	}
	return l.apply(ctx, userID, amount, description, reference)
}

// Balance returns the user's current balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	if err := l.ready(); err != nil {
		return 0, err
	}
	if strings.TrimSpace(userID) == "" {
		return 0, apperrors.New(apperrors.CodeLabUserRequired, "user id is required")
	}
	balance, err := l.store.GetBalance(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// History returns the user's most recent transactions, newest first.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]storage.CreditTransaction, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(userID) == "" {
		return nil, apperrors.New(apperrors.CodeLabUserRequired, "user id is required")
	}
	history, err := l.store.ListCreditTransactions(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list credit history: %w", err)
	}
	return history, nil
}

func (l *Ledger) apply(ctx context.Context, userID string, amount int64, description, reference string) (int64, error) {
	if err := l.ready(); err != nil {
		return 0, err
	}
	txID, err := l.newID()
	if err != nil {
		return 0, fmt.Errorf("generate transaction id: %w", err)
	}
	balance, _, err := l.store.ApplyCreditTransaction(ctx, storage.CreditTransaction{
		ID:          txID,
		UserID:      userID,
		Amount:      amount,
		Description: strings.TrimSpace(description),
		Reference:   strings.TrimSpace(reference),
		CreatedAt:   l.clock().UTC(),
	})
	switch {
	case err == nil:
		return balance, nil
	case errors.Is(err, storage.ErrInsufficientBalance):
		return 0, apperrors.WrapWithMetadata(apperrors.CodeInsufficientCredits, "insufficient credits",
			map[string]string{"Required": strconv.FormatInt(-amount, 10)}, err)
	default:
		return 0, fmt.Errorf("apply credit transaction: %w", err)
	}
}

func (l *Ledger) ready() error {
	if l == nil || l.store == nil {
		return fmt.Errorf("ledger store is not configured")
	}
	return nil
}

func validate(userID string, amount int64) error {
	if strings.TrimSpace(userID) == "" {
		return apperrors.New(apperrors.CodeLabUserRequired, "user id is required")
	}
	if amount <= 0 {
		return apperrors.WithMetadata(apperrors.CodeCreditInvalidAmount, "credit amount must be positive",
			map[string]string{"Amount": strconv.FormatInt(amount, 10)})
	}
	if amount > MaxAmount {
		return apperrors.WithMetadata(apperrors.CodeCreditInvalidAmount,
			fmt.Sprintf("credit amount must not exceed %d", MaxAmount),
			map[string]string{"Amount": strconv.FormatInt(amount, 10), "Max": strconv.FormatInt(MaxAmount, 10)})
	}
	return nil
}
