package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/cloudlabs/internal/services/labs/storage"
)

// ApplyCreditTransaction appends one ledger row and moves the cached balance
// in the same transaction.
func (s *Store) ApplyCreditTransaction(ctx context.Context, credit storage.CreditTransaction) (int64, bool, error) {
	if err := s.ready(ctx); err != nil {
		return 0, false, err
	}
	if strings.TrimSpace(credit.ID) == "" {
		return 0, false, fmt.Errorf("transaction id is required")
	}
	if strings.TrimSpace(credit.UserID) == "" {
		return 0, false, fmt.Errorf("user id is required")
	}
	if credit.Amount == 0 {
		return 0, false, fmt.Errorf("transaction amount must be non-zero")
	}
	createdAt := credit.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	reference := sql.NullString{String: strings.TrimSpace(credit.Reference)}
	reference.Valid = reference.String != ""

	var (
		balance int64
		applied bool
	)
	err := s.withTx(ctx, "credit transaction", func(tx *sql.Tx) error {
		if reference.Valid {
			var owner string
			err := tx.QueryRowContext(ctx,
				`SELECT user_id FROM credit_transactions WHERE reference = ?`, reference.String).Scan(&owner)
			switch {
			case err == nil:
				if owner != credit.UserID {
					return storage.ErrReferenceConflict
				}
				current, err := balanceOf(ctx, tx, credit.UserID)
				if err != nil {
					return err
				}
				balance = current
				return nil
			case !errors.Is(err, sql.ErrNoRows):
				return fmt.Errorf("lookup credit reference: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
INSERT INTO credit_accounts (user_id, balance, updated_at) VALUES (?, 0, ?)
ON CONFLICT (user_id) DO NOTHING`, credit.UserID, toMillis(createdAt)); err != nil {
			return fmt.Errorf("ensure credit account: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
UPDATE credit_accounts SET balance = balance + ?, updated_at = ?
WHERE user_id = ? AND balance + ? >= 0`,
			credit.Amount, toMillis(createdAt), credit.UserID, credit.Amount)
		if err != nil {
			return fmt.Errorf("update credit balance: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update credit balance rows affected: %w", err)
		}
		if affected == 0 {
			return storage.ErrInsufficientBalance
		}

		if _, err := tx.ExecContext(ctx, `
INSERT INTO credit_transactions (id, user_id, amount, description, reference, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
			credit.ID, credit.UserID, credit.Amount, credit.Description, reference, toMillis(createdAt)); err != nil {
			return fmt.Errorf("insert credit transaction: %w", err)
		}

		current, err := balanceOf(ctx, tx, credit.UserID)
		if err != nil {
			return err
		}
		balance = current
		applied = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return balance, applied, nil
}

// GetBalance returns the cached balance, zero for users without an account.
func (s *Store) GetBalance(ctx context.Context, userID string) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	return balanceOf(ctx, s.sqlDB, userID)
}

func balanceOf(ctx context.Context, q queryer, userID string) (int64, error) {
	var balance int64
	err := q.QueryRowContext(ctx, `SELECT balance FROM credit_accounts WHERE user_id = ?`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get credit balance: %w", err)
	}
	return balance, nil
}

// SumCreditTransactions recomputes the balance from the transaction log.
func (s *Store) SumCreditTransactions(ctx context.Context, userID string) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	var sum int64
	if err := s.sqlDB.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM credit_transactions WHERE user_id = ?`, userID).Scan(&sum); err != nil {
		return 0, fmt.Errorf("sum credit transactions: %w", err)
	}
	return sum, nil
}

// ListCreditTransactions returns the user's transactions, newest first.
func (s *Store) ListCreditTransactions(ctx context.Context, userID string, limit int) ([]storage.CreditTransaction, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, user_id, amount, description, reference, created_at FROM credit_transactions
WHERE user_id = ?
ORDER BY created_at DESC, rowid DESC
LIMIT ?`, userID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list credit transactions: %w", err)
	}
	defer rows.Close()

	var out []storage.CreditTransaction
	for rows.Next() {
		var (
			credit    storage.CreditTransaction
			reference sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&credit.ID, &credit.UserID, &credit.Amount, &credit.Description, &reference, &createdAt); err != nil {
			return nil, fmt.Errorf("scan credit transaction: %w", err)
		}
		credit.Reference = reference.String
		credit.CreatedAt = fromMillis(createdAt)
		out = append(out, credit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credit transactions: %w", err)
	}
	return out, nil
}
