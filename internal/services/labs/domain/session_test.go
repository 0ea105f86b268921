package domain

import (
	"strings"
	"testing"
	"time"
)

func TestParseOSVariant(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want OSVariant
		ok   bool
	}{
		{raw: "Ubuntu", want: OSUbuntu, ok: true},
		{raw: " rocky linux ", want: OSRockyLinux, ok: true},
		{raw: "rocky-linux", want: OSRockyLinux, ok: true},
		{raw: "OPENSUSE", want: OSOpenSUSE, ok: true},
		{raw: "Windows", ok: false},
		{raw: "", ok: false},
	}
	for _, tt := range tests {
		got, ok := ParseOSVariant(tt.raw)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseOSVariant(%q) = (%q, %v), want (%q, %v)", tt.raw, got, ok, tt.want, tt.ok)
		}
	}
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	allowed := [][2]Status{
		{StatusPending, StatusProvisioning},
		{StatusPending, StatusError},
		{StatusPending, StatusTerminated},
		{StatusProvisioning, StatusProvisioning},
		{StatusProvisioning, StatusRunning},
		{StatusProvisioning, StatusError},
		{StatusRunning, StatusTerminated},
		{StatusRunning, StatusError},
	}
	for _, pair := range allowed {
		if !CanTransition(pair[0], pair[1]) {
			t.Errorf("expected %s -> %s to be allowed", pair[0], pair[1])
		}
	}

	denied := [][2]Status{
		{StatusPending, StatusRunning},
		{StatusRunning, StatusProvisioning},
		{StatusTerminated, StatusTerminated},
		{StatusTerminated, StatusRunning},
		{StatusError, StatusTerminated},
		{StatusRunning, Status("paused")},
	}
	for _, pair := range denied {
		if CanTransition(pair[0], pair[1]) {
			t.Errorf("expected %s -> %s to be denied", pair[0], pair[1])
		}
	}
}

func TestRemainingTime(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	session := Session{Status: StatusRunning, StartedAt: start}

	if got := session.RemainingTime(start.Add(44*time.Minute), SessionDuration); got != time.Minute {
		t.Fatalf("remaining at 44m = %s, want 1m", got)
	}
	if got := session.RemainingTime(start.Add(44*time.Minute+500*time.Millisecond), SessionDuration); got != 59*time.Second {
		t.Fatalf("remaining is floored to seconds, got %s", got)
	}
	if got := session.RemainingTime(start.Add(46*time.Minute), SessionDuration); got != 0 {
		t.Fatalf("remaining after expiry = %s, want 0", got)
	}

	session.Status = StatusProvisioning
	if got := session.RemainingTime(start.Add(time.Minute), SessionDuration); got != 0 {
		t.Fatalf("non-running session remaining = %s, want 0", got)
	}
}

func TestInstanceName(t *testing.T) {
	t.Parallel()

	if got := InstanceName("abcd1234", OSRockyLinux); got != "lab-rocky-linux-abcd1234" {
		t.Fatalf("unexpected instance name %q", got)
	}
	if got := InstanceName("ABC_def", OSUbuntu); got != "lab-ubuntu-abc-def" {
		t.Fatalf("expected sanitized name, got %q", got)
	}

	long := InstanceName(strings.Repeat("a", 80), OSOpenSUSE)
	if len(long) > maxInstanceNameLength {
		t.Fatalf("instance name length %d exceeds %d", len(long), maxInstanceNameLength)
	}
	if InstanceName("same", OSUbuntu) != InstanceName("same", OSUbuntu) {
		t.Fatal("expected deterministic instance names")
	}
}
