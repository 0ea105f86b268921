// Package domain defines lab session state and the rules that govern it.
package domain

import (
	"strings"
	"time"
)

// SessionDuration is how long a running lab session may live.
const SessionDuration = 45 * time.Minute

// maxInstanceNameLength is the compute provider's resource name limit.
const maxInstanceNameLength = 63

// Status is the lifecycle state of a lab session.
type Status string

const (
	StatusPending      Status = "pending"
	StatusProvisioning Status = "provisioning"
	StatusRunning      Status = "running"
	StatusError        Status = "error"
	StatusTerminated   Status = "terminated"
)

// ActiveStatuses are the statuses that count toward the one-session-per-user limit.
var ActiveStatuses = []Status{StatusPending, StatusProvisioning, StatusRunning}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusError || s == StatusTerminated
}

// Active reports whether the session holds the user's single active slot.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusProvisioning || s == StatusRunning
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.Active() || s.Terminal()
}

// CanTransition reports whether a session in from may move to to.
// Re-applying the current non-terminal status is allowed.
func CanTransition(from, to Status) bool {
	if from.Terminal() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	switch to {
	case StatusProvisioning:
		return from == StatusPending
	case StatusRunning:
		return from == StatusProvisioning
	case StatusError, StatusTerminated:
		return true
	default:
		return false
	}
}

// OSVariant is one of the supported lab operating systems.
type OSVariant string

const (
	OSUbuntu     OSVariant = "Ubuntu"
	OSRockyLinux OSVariant = "Rocky Linux"
	OSOpenSUSE   OSVariant = "OpenSUSE"
)

// Variants lists every supported operating system in display order.
func Variants() []OSVariant {
	return []OSVariant{OSUbuntu, OSRockyLinux, OSOpenSUSE}
}

// ParseOSVariant resolves a display name or slug, ignoring case and
// surrounding space.
func ParseOSVariant(raw string) (OSVariant, bool) {
	value := strings.TrimSpace(raw)
	for _, v := range Variants() {
		if strings.EqualFold(value, string(v)) || strings.EqualFold(value, v.Slug()) {
			return v, true
		}
	}
	return "", false
}

// Slug returns the lowercase resource-name form of the variant.
func (v OSVariant) Slug() string {
	switch v {
	case OSUbuntu:
		return "ubuntu"
	case OSRockyLinux:
		return "rocky-linux"
	case OSOpenSUSE:
		return "opensuse"
	default:
		return ""
	}
}

// Session is the persisted record of one lab session.
type Session struct {
	ID           string
	UserID       string
	Variant      OSVariant
	Status       Status
	ContactEmail string

	StartedAt time.Time
	UpdatedAt time.Time
	EndedAt   *time.Time

	// Provisioning progress. Each field is recorded as soon as it is known so
	// recovery can find the resources of an interrupted workflow.
	InstanceName string
	InstanceID   string
	Address      string
	ConnectionID string

	ExpiryNotifiedAt *time.Time
	CleanupPending   bool
}

// ExpiresAt is when the session reaches its maximum duration.
func (s Session) ExpiresAt(duration time.Duration) time.Time {
	return s.StartedAt.Add(duration)
}

// RemainingTime returns whole seconds left before expiry. Only running
// sessions have time remaining; the result is never negative.
func (s Session) RemainingTime(now time.Time, duration time.Duration) time.Duration {
	if s.Status != StatusRunning {
		return 0
	}
	left := duration - now.Sub(s.StartedAt)
	if left <= 0 {
		return 0
	}
	return left.Truncate(time.Second)
}

// InstanceName derives the deterministic compute resource name for a session.
func InstanceName(sessionID string, variant OSVariant) string {
	raw := "lab-" + variant.Slug() + "-" + strings.ToLower(strings.TrimSpace(sessionID))
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	name := b.String()
	if len(name) > maxInstanceNameLength {
		name = name[:maxInstanceNameLength]
	}
	return strings.TrimRight(name, "-")
}

// LogAction tags an entry in a session's activity log.
type LogAction string

const (
	LogCreated        LogAction = "created"
	LogProvisioning   LogAction = "provisioning"
	LogProvisioned    LogAction = "provisioned"
	LogConnected      LogAction = "connected"
	LogTerminated     LogAction = "terminated"
	LogError          LogAction = "error"
	LogCleanupFailed  LogAction = "cleanup_failed"
	LogCleanupDone    LogAction = "cleanup_done"
	LogExpired        LogAction = "expired"
	LogExpiryNotified LogAction = "expiry_notified"
	LogRecovered      LogAction = "recovered"
	LogRefunded       LogAction = "refunded"
)

// LogEntry is one append-only activity record for a session.
type LogEntry struct {
	ID        int64
	SessionID string
	Action    LogAction
	Detail    string
	CreatedAt time.Time
}
