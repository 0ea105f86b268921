package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/cloudlabs/internal/services/labs/compute"
	"github.com/louisbranch/cloudlabs/internal/services/labs/domain"
	"github.com/louisbranch/cloudlabs/internal/services/labs/ledger"
	"github.com/louisbranch/cloudlabs/internal/services/labs/notify"
	labsqlite "github.com/louisbranch/cloudlabs/internal/services/labs/storage/sqlite"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeCompute struct {
	mu        sync.Mutex
	creates   []compute.CreateRequest
	deletes   []string
	createErr error
	noAddress bool
	deleteErr error
	// started receives once per Create call; release gates its return.
	started chan struct{}
	release chan struct{}
}

func (f *fakeCompute) Create(ctx context.Context, req compute.CreateRequest) (compute.Instance, error) {
	f.mu.Lock()
	f.creates = append(f.creates, req)
	started, release := f.started, f.release
	createErr, noAddress := f.createErr, f.noAddress
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return compute.Instance{}, ctx.Err()
		}
	}
	if createErr != nil {
		return compute.Instance{}, createErr
	}
	instance := compute.Instance{ID: req.Name, Name: req.Name, Address: "203.0.113.10"}
	if noAddress {
		instance.Address = ""
		return instance, compute.ErrNoAddress
	}
	return instance, nil
}

func (f *fakeCompute) Delete(_ context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, instanceID)
	return f.deleteErr
}

func (f *fakeCompute) setDeleteErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteErr = err
}

func (f *fakeCompute) snapshot() (creates []compute.CreateRequest, deletes []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]compute.CreateRequest(nil), f.creates...), append([]string(nil), f.deletes...)
}

type fakeGateway struct {
	mu        sync.Mutex
	created   []string
	deletes   []string
	names     map[string]string
	createErr error
	// hang creates the profile, then withholds the response until ctx ends.
	hang bool
	next int
}

func (f *fakeGateway) CreateConnection(ctx context.Context, name, address string, _ domain.OSVariant) (string, error) {
	f.mu.Lock()
	if f.createErr != nil {
		f.mu.Unlock()
		return "", f.createErr
	}
	f.next++
	id := fmt.Sprintf("conn-%d", f.next)
	f.created = append(f.created, address)
	if f.names == nil {
		f.names = make(map[string]string)
	}
	f.names[name] = id
	hang := f.hang
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return id, nil
}

func (f *fakeGateway) FindConnection(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.names[name], nil
}

func (f *fakeGateway) DeleteConnection(_ context.Context, connectionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, connectionID)
	return nil
}

func (f *fakeGateway) SignURL(connectionID string, at time.Time) string {
	return fmt.Sprintf("https://desktop.test/#/client/%s?timestamp=%d", connectionID, at.Unix())
}

func (f *fakeGateway) snapshot() (created, deletes []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.created...), append([]string(nil), f.deletes...)
}

type fakeNotifier struct {
	mu      sync.Mutex
	notices []notify.ExpiryNotice
}

func (f *fakeNotifier) NotifySessionExpiring(_ context.Context, notice notify.ExpiryNotice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, notice)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notices)
}

type fakeProber struct {
	mu       sync.Mutex
	calls    int
	failures int
}

func (f *fakeProber) Probe(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures < 0 || f.calls <= f.failures {
		return errors.New("connection refused")
	}
	return nil
}

type recordedSleep struct {
	mu        sync.Mutex
	durations []time.Duration
}

func (r *recordedSleep) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.durations = append(r.durations, d)
	r.mu.Unlock()
	return ctx.Err()
}

type harness struct {
	svc      *Service
	store    *labsqlite.Store
	ledger   *ledger.Ledger
	compute  *fakeCompute
	gateway  *fakeGateway
	notifier *fakeNotifier
	sleep    *recordedSleep
	clock    *testClock
}

func newHarness(t *testing.T, cfg Config, customize ...func(*Deps)) *harness {
	t.Helper()
	store, err := labsqlite.Open(filepath.Join(t.TempDir(), "labs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})

	h := &harness{
		store:    store,
		compute:  &fakeCompute{},
		gateway:  &fakeGateway{},
		notifier: &fakeNotifier{},
		sleep:    &recordedSleep{},
		clock:    &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	h.ledger = ledger.New(store, ledger.WithClock(h.clock.Now))
	deps := Deps{
		Sessions:  store,
		Ledger:    h.ledger,
		Compute:   h.compute,
		Gateway:   h.gateway,
		Templates: compute.DefaultTemplates(),
		Notifier:  h.notifier,
		Clock:     h.clock.Now,
		Sleep:     h.sleep.Sleep,
	}
	for _, fn := range customize {
		fn(&deps)
	}
	svc, err := New(deps, cfg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() {
		if err := svc.Close(context.Background()); err != nil {
			t.Fatalf("close service: %v", err)
		}
	})
	h.svc = svc
	return h
}

func (h *harness) fund(t *testing.T, userID string, amount int64) {
	t.Helper()
	if _, err := h.ledger.Credit(context.Background(), userID, amount, "Initial credits", ""); err != nil {
		t.Fatalf("fund %s: %v", userID, err)
	}
}

func (h *harness) balance(t *testing.T, userID string) int64 {
	t.Helper()
	ctx := context.Background()
	balance, err := h.ledger.Balance(ctx, userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	sum, err := h.store.SumCreditTransactions(ctx, userID)
	if err != nil {
		t.Fatalf("sum transactions: %v", err)
	}
	if sum != balance {
		t.Fatalf("balance %d does not match transaction sum %d", balance, sum)
	}
	return balance
}

func (h *harness) session(t *testing.T, sessionID string) domain.Session {
	t.Helper()
	session, err := h.store.GetSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("get session %s: %v", sessionID, err)
	}
	return session
}

func (h *harness) actions(t *testing.T, sessionID string) []domain.LogAction {
	t.Helper()
	entries, err := h.store.ListSessionLogs(context.Background(), sessionID, 0)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	actions := make([]domain.LogAction, 0, len(entries))
	for _, entry := range entries {
		actions = append(actions, entry.Action)
	}
	return actions
}

func (h *harness) start(t *testing.T, userID string) string {
	t.Helper()
	result, err := h.svc.StartSession(context.Background(), StartRequest{UserID: userID, OSType: "Ubuntu", ContactEmail: userID + "@example.com"})
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	return result.SessionID
}

func hasAction(actions []domain.LogAction, want domain.LogAction) bool {
	for _, action := range actions {
		if action == want {
			return true
		}
	}
	return false
}
