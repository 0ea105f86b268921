package app

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	platformgrpc "github.com/louisbranch/cloudlabs/internal/platform/grpc"
	"github.com/louisbranch/cloudlabs/internal/services/labs/compute"
	"github.com/louisbranch/cloudlabs/internal/services/labs/gateway"
	"github.com/louisbranch/cloudlabs/internal/services/labs/notify"
)

func testRuntimeConfig(t *testing.T) RuntimeConfig {
	t.Helper()
	return RuntimeConfig{
		HTTPAddr:      "127.0.0.1:0",
		HealthAddr:    "127.0.0.1:0",
		DBPath:        filepath.Join(t.TempDir(), "nested", "labs.db"),
		GCE:           compute.GCEConfig{Project: "labs-test", Zone: "us-central1-a", BaseURL: "http://127.0.0.1:1"},
		Templates:     compute.DefaultTemplates(),
		Guacamole:     gateway.GuacamoleConfig{BaseURL: "http://127.0.0.1:1/guacamole", Username: "guacadmin", Password: "guacadmin"},
		SigningSecret: strings.Repeat("ab", 32),
		JWTSecret:     strings.Repeat("j", 32),
	}
}

func TestRunStartsAndStops(t *testing.T) {
	cfg := testRuntimeConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, cfg) }()

	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
	if _, err := os.Stat(cfg.DBPath); err != nil {
		t.Fatalf("expected database file: %v", err)
	}
}

func TestRunServesHealth(t *testing.T) {
	cfg := testRuntimeConfig(t)
	cfg.HealthAddr = freeAddr(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, cfg) }()
	defer func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("run did not stop after cancel")
		}
	}()

	conn, err := gogrpc.NewClient(cfg.HealthAddr, gogrpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial health: %v", err)
	}
	defer conn.Close()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	if err := platformgrpc.WaitForHealth(waitCtx, conn, healthService, t.Logf); err != nil {
		t.Fatalf("wait for health: %v", err)
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := listener.Addr().String()
	if err := listener.Close(); err != nil {
		t.Fatalf("close listener: %v", err)
	}
	return addr
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	tests := map[string]func(*RuntimeConfig){
		"signing secret not hex":   func(c *RuntimeConfig) { c.SigningSecret = "not-hex" },
		"signing secret too short": func(c *RuntimeConfig) { c.SigningSecret = "abcd" },
		"missing gateway url":      func(c *RuntimeConfig) { c.Guacamole.BaseURL = "" },
		"short jwt secret":         func(c *RuntimeConfig) { c.JWTSecret = "short" },
		"missing project":          func(c *RuntimeConfig) { c.GCE.Project = "" },
		"missing credentials file": func(c *RuntimeConfig) { c.CredentialsFile = filepath.Join(t.TempDir(), "missing.json") },
		"smtp without sender":      func(c *RuntimeConfig) { c.SMTP = notify.SMTPConfig{Host: "smtp.example.com"} },
	}
	for name, mutate := range tests {
		cfg := testRuntimeConfig(t)
		mutate(&cfg)
		if err := Run(context.Background(), cfg); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestNewNotifier(t *testing.T) {
	t.Parallel()

	n, err := newNotifier(notify.SMTPConfig{})
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	if _, ok := n.(notify.Log); !ok {
		t.Fatalf("expected log notifier, got %T", n)
	}
	n, err = newNotifier(notify.SMTPConfig{Host: "smtp.example.com", From: "labs@example.com"})
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	if _, ok := n.(*notify.SMTP); !ok {
		t.Fatalf("expected smtp notifier, got %T", n)
	}
}

func TestRuntimeConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := RuntimeConfig{}.normalized()
	if cfg.HTTPAddr != ":8080" || cfg.HealthAddr != ":8081" || cfg.DBPath != "data/labs.db" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}
