package httpapi

import (
	"time"

	"github.com/louisbranch/cloudlabs/internal/services/labs/domain"
	"github.com/louisbranch/cloudlabs/internal/services/labs/orchestrator"
	"github.com/louisbranch/cloudlabs/internal/services/labs/storage"
)

type sessionResponse struct {
	ID               string     `json:"id"`
	OSType           string     `json:"os_type"`
	Status           string     `json:"status"`
	StartedAt        time.Time  `json:"started_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	ExpiresAt        time.Time  `json:"expires_at"`
	RemainingSeconds int64      `json:"remaining_seconds"`
	ConnectURL       string     `json:"connect_url,omitempty"`
}

func sessionResponseFrom(view orchestrator.SessionView) sessionResponse {
	return sessionResponse{
		ID:               view.Session.ID,
		OSType:           string(view.Session.Variant),
		Status:           string(view.Session.Status),
		StartedAt:        view.Session.StartedAt,
		EndedAt:          view.Session.EndedAt,
		ExpiresAt:        view.ExpiresAt,
		RemainingSeconds: view.RemainingSeconds,
		ConnectURL:       view.ConnectURL,
	}
}

type transactionResponse struct {
	ID          string    `json:"id"`
	Amount      int64     `json:"amount"`
	Description string    `json:"description"`
	Reference   string    `json:"reference,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func transactionResponseFrom(tx storage.CreditTransaction) transactionResponse {
	return transactionResponse{
		ID:          tx.ID,
		Amount:      tx.Amount,
		Description: tx.Description,
		Reference:   tx.Reference,
		CreatedAt:   tx.CreatedAt,
	}
}

type logResponse struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

func logResponseFrom(entry domain.LogEntry) logResponse {
	return logResponse{
		ID:        entry.ID,
		Action:    string(entry.Action),
		Detail:    entry.Detail,
		CreatedAt: entry.CreatedAt,
	}
}
