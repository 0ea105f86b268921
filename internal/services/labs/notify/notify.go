// Package notify sends best-effort messages about lab sessions to users.
package notify

import (
	"context"
	"log"
)

// ExpiryNotice describes a running session close to its time limit.
type ExpiryNotice struct {
	SessionID        string
	UserID           string
	Email            string
	Variant          string
	MinutesRemaining int
	ReconnectURL     string
}

// Notifier delivers session notices. Failures are reported to the caller,
// which decides whether they matter.
type Notifier interface {
	NotifySessionExpiring(ctx context.Context, notice ExpiryNotice) error
}

// Log writes notices to the process log instead of delivering them.
type Log struct{}

// NotifySessionExpiring logs the notice.
func (Log) NotifySessionExpiring(_ context.Context, notice ExpiryNotice) error {
	log.Printf("session %s expiring in %d minutes for user %s", notice.SessionID, notice.MinutesRemaining, notice.UserID)
	return nil
}
