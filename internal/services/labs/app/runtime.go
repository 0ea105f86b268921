// Package app wires the labs service: storage, cloud adapters, the
// orchestrator, its HTTP API and the health server.
package app

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	platformgrpc "github.com/louisbranch/cloudlabs/internal/platform/grpc"
	"github.com/louisbranch/cloudlabs/internal/platform/timeouts"
	httpapi "github.com/louisbranch/cloudlabs/internal/services/labs/api/http"
	"github.com/louisbranch/cloudlabs/internal/services/labs/auth"
	"github.com/louisbranch/cloudlabs/internal/services/labs/compute"
	"github.com/louisbranch/cloudlabs/internal/services/labs/gateway"
	"github.com/louisbranch/cloudlabs/internal/services/labs/ledger"
	"github.com/louisbranch/cloudlabs/internal/services/labs/notify"
	"github.com/louisbranch/cloudlabs/internal/services/labs/orchestrator"
	labsqlite "github.com/louisbranch/cloudlabs/internal/services/labs/storage/sqlite"
)

const (
	defaultHTTPAddr   = ":8080"
	defaultHealthAddr = ":8081"
	defaultDBPath     = "data/labs.db"
	healthService     = "labs.orchestrator"
)

// RuntimeConfig controls labs startup and its dependencies.
type RuntimeConfig struct {
	HTTPAddr   string
	HealthAddr string
	DBPath     string

	GCE compute.GCEConfig
	// CredentialsFile is a service account JSON key. Without it requests go
	// out unauthenticated, which only suits a local emulator.
	CredentialsFile string
	Templates       compute.Templates
	ProbeDesktop    bool

	Guacamole gateway.GuacamoleConfig
	// SigningSecret is the hex encoded gateway URL signing key.
	SigningSecret   string
	SignatureWindow time.Duration

	SMTP notify.SMTPConfig

	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	Orchestrator orchestrator.Config
}

func (c RuntimeConfig) normalized() RuntimeConfig {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		c.HTTPAddr = defaultHTTPAddr
	}
	if strings.TrimSpace(c.HealthAddr) == "" {
		c.HealthAddr = defaultHealthAddr
	}
	if strings.TrimSpace(c.DBPath) == "" {
		c.DBPath = defaultDBPath
	}
	return c
}

// Run starts the labs service and blocks until ctx ends or a server fails.
// In-flight provisioning workflows are drained before it returns.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg = cfg.normalized()

	signingSecret, err := hex.DecodeString(strings.TrimSpace(cfg.SigningSecret))
	if err != nil {
		return fmt.Errorf("decode gateway signing secret: %w", err)
	}
	signer, err := gateway.NewSigner(signingSecret, cfg.Guacamole.BaseURL, cfg.SignatureWindow)
	if err != nil {
		return fmt.Errorf("create url signer: %w", err)
	}
	verifier, err := auth.NewVerifier(auth.Config{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
	})
	if err != nil {
		return fmt.Errorf("create token verifier: %w", err)
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create labs storage dir: %w", err)
		}
	}
	store, err := labsqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open labs sqlite store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Printf("close labs sqlite store: %v", closeErr)
		}
	}()

	computeClient, err := computeHTTPClient(ctx, cfg.CredentialsFile)
	if err != nil {
		return err
	}
	provider, err := compute.NewGCE(cfg.GCE, computeClient)
	if err != nil {
		return fmt.Errorf("create compute provider: %w", err)
	}
	guacamole, err := gateway.NewGuacamole(cfg.Guacamole, signer, &http.Client{Timeout: timeouts.GatewayRequest})
	if err != nil {
		return fmt.Errorf("create gateway client: %w", err)
	}
	notifier, err := newNotifier(cfg.SMTP)
	if err != nil {
		return err
	}

	deps := orchestrator.Deps{
		Sessions:  store,
		Ledger:    ledger.New(store),
		Compute:   provider,
		Gateway:   guacamole,
		Templates: cfg.Templates,
		Notifier:  notifier,
	}
	if cfg.ProbeDesktop {
		deps.Prober = &compute.TCPProber{Port: cfg.Guacamole.VNCPort}
	}
	svc, err := orchestrator.New(deps, cfg.Orchestrator)
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), timeouts.WorkflowDrain)
		defer cancel()
		if err := svc.Close(drainCtx); err != nil {
			log.Printf("close orchestrator: %v", err)
		}
	}()

	if recovered, err := svc.RecoverStuck(ctx); err != nil {
		log.Printf("recover stuck sessions: %v", err)
	} else if recovered > 0 {
		log.Printf("recovered %d interrupted sessions", recovered)
	}

	handler, err := httpapi.NewHandler(httpapi.Config{
		Service:       svc,
		Authenticator: verifier,
		URLVerifier:   signer,
	})
	if err != nil {
		return fmt.Errorf("create http handler: %w", err)
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen on http addr %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()
	healthListener, err := net.Listen("tcp", cfg.HealthAddr)
	if err != nil {
		return fmt.Errorf("listen on health addr %s: %w", cfg.HealthAddr, err)
	}
	defer healthListener.Close()

	httpServer := &http.Server{Handler: handler, ReadHeaderTimeout: timeouts.ReadHeader}
	grpcServer, healthServer := platformgrpc.NewHealthServer(healthService)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Printf("labs http server listening at %v", httpListener.Addr())
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		log.Printf("labs health server listening at %v", healthListener.Addr())
		if err := grpcServer.Serve(healthListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("serve health: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		return svc.Run(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		healthServer.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	})
	return group.Wait()
}

func computeHTTPClient(ctx context.Context, credentialsFile string) (*http.Client, error) {
	base := &http.Client{Timeout: timeouts.ComputeDelete}
	if strings.TrimSpace(credentialsFile) == "" {
		log.Printf("no compute credentials configured; sending unauthenticated requests")
		return base, nil
	}
	key, err := compute.LoadServiceAccountKey(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("load compute credentials: %w", err)
	}
	return key.HTTPClient(context.WithoutCancel(ctx), base), nil
}

func newNotifier(cfg notify.SMTPConfig) (notify.Notifier, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return notify.Log{}, nil
	}
	mailer, err := notify.NewSMTP(cfg)
	if err != nil {
		return nil, fmt.Errorf("create smtp notifier: %w", err)
	}
	return mailer, nil
}
