// Package labs parses labs command flags and launches the labs runtime.
package labs

import (
	"context"
	"flag"
	"time"

	entrypoint "github.com/louisbranch/cloudlabs/internal/platform/cmd"
	"github.com/louisbranch/cloudlabs/internal/services/labs/app"
	"github.com/louisbranch/cloudlabs/internal/services/labs/compute"
	"github.com/louisbranch/cloudlabs/internal/services/labs/gateway"
	"github.com/louisbranch/cloudlabs/internal/services/labs/notify"
	"github.com/louisbranch/cloudlabs/internal/services/labs/orchestrator"
)

// GCEConfig holds Compute Engine settings.
type GCEConfig struct {
	Project          string        `env:"PROJECT"`
	Zone             string        `env:"ZONE" envDefault:"us-central1-a"`
	BaseURL          string        `env:"BASE_URL"`
	CredentialsFile  string        `env:"CREDENTIALS_FILE"`
	Preemptible      bool          `env:"PREEMPTIBLE" envDefault:"true"`
	PollInterval     time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`
	OperationTimeout time.Duration `env:"OPERATION_TIMEOUT" envDefault:"5m"`
}

// GuacamoleConfig holds remote desktop gateway settings.
type GuacamoleConfig struct {
	BaseURL     string `env:"BASE_URL" envDefault:"http://localhost:8085/guacamole"`
	Username    string `env:"USERNAME" envDefault:"guacadmin"`
	Password    string `env:"PASSWORD"`
	DataSource  string `env:"DATA_SOURCE" envDefault:"postgresql"`
	VNCPassword string `env:"VNC_PASSWORD"`
	VNCPort     int    `env:"VNC_PORT" envDefault:"5901"`
}

// SMTPConfig holds mail relay settings. An empty host logs notices instead.
type SMTPConfig struct {
	Host     string `env:"HOST"`
	Port     int    `env:"PORT" envDefault:"587"`
	Username string `env:"USERNAME"`
	Password string `env:"PASSWORD"`
	From     string `env:"FROM"`
}

// JWTConfig holds bearer token verification settings.
type JWTConfig struct {
	Secret   string `env:"SECRET"`
	Issuer   string `env:"ISSUER"`
	Audience string `env:"AUDIENCE"`
}

// Config holds labs command configuration. Every variable is read with the
// CLOUDLABS_ prefix.
type Config struct {
	HTTPAddr   string `env:"HTTP_ADDR" envDefault:":8080"`
	HealthAddr string `env:"HEALTH_ADDR" envDefault:":8081"`
	DBPath     string `env:"DB_PATH" envDefault:"data/labs.db"`

	GCE          GCEConfig         `envPrefix:"GCE_"`
	Templates    compute.Templates `envPrefix:"TEMPLATE_"`
	ProbeDesktop bool              `env:"PROBE_DESKTOP" envDefault:"false"`

	Guacamole       GuacamoleConfig `envPrefix:"GUACAMOLE_"`
	SigningSecret   string          `env:"GATEWAY_SIGNING_SECRET"`
	SignatureWindow time.Duration   `env:"GATEWAY_SIGNATURE_WINDOW" envDefault:"5m"`

	SMTP SMTPConfig `envPrefix:"SMTP_"`
	JWT  JWTConfig  `envPrefix:"JWT_"`

	SessionDuration time.Duration `env:"SESSION_DURATION" envDefault:"45m"`
	SettleInterval  time.Duration `env:"SETTLE_INTERVAL" envDefault:"60s"`
	ExpiryWarning   time.Duration `env:"EXPIRY_WARNING" envDefault:"5m"`
	SweepInterval   time.Duration `env:"SWEEP_INTERVAL" envDefault:"30s"`
	StaleAfter      time.Duration `env:"STALE_AFTER" envDefault:"10m"`
	RefundOnFailure bool          `env:"REFUND_ON_FAILURE" envDefault:"false"`
	FrontendURL     string        `env:"FRONTEND_URL" envDefault:"http://localhost:3000"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "The labs HTTP API listen address")
	fs.StringVar(&cfg.HealthAddr, "health-addr", cfg.HealthAddr, "The gRPC health server listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The labs SQLite database path")
	fs.StringVar(&cfg.GCE.Project, "gce-project", cfg.GCE.Project, "Compute Engine project id")
	fs.StringVar(&cfg.GCE.Zone, "gce-zone", cfg.GCE.Zone, "Compute Engine zone")
	fs.StringVar(&cfg.GCE.CredentialsFile, "gce-credentials", cfg.GCE.CredentialsFile, "Service account JSON key file")
	fs.StringVar(&cfg.Guacamole.BaseURL, "guacamole-url", cfg.Guacamole.BaseURL, "Guacamole base URL")
	fs.BoolVar(&cfg.ProbeDesktop, "probe-desktop", cfg.ProbeDesktop, "Wait for the VNC port before creating the gateway connection")
	fs.DurationVar(&cfg.SettleInterval, "settle-interval", cfg.SettleInterval, "Wait after instance creation before connecting")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "Session expiry and cleanup sweep interval")
	fs.BoolVar(&cfg.RefundOnFailure, "refund-on-failure", cfg.RefundOnFailure, "Refund the start credit when provisioning fails")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// RuntimeConfig converts cfg into the runtime configuration.
func (cfg Config) RuntimeConfig() app.RuntimeConfig {
	return app.RuntimeConfig{
		HTTPAddr:   cfg.HTTPAddr,
		HealthAddr: cfg.HealthAddr,
		DBPath:     cfg.DBPath,
		GCE: compute.GCEConfig{
			Project:          cfg.GCE.Project,
			Zone:             cfg.GCE.Zone,
			BaseURL:          cfg.GCE.BaseURL,
			Preemptible:      cfg.GCE.Preemptible,
			PollInterval:     cfg.GCE.PollInterval,
			OperationTimeout: cfg.GCE.OperationTimeout,
		},
		CredentialsFile: cfg.GCE.CredentialsFile,
		Templates:       cfg.Templates,
		ProbeDesktop:    cfg.ProbeDesktop,
		Guacamole: gateway.GuacamoleConfig{
			BaseURL:     cfg.Guacamole.BaseURL,
			Username:    cfg.Guacamole.Username,
			Password:    cfg.Guacamole.Password,
			DataSource:  cfg.Guacamole.DataSource,
			VNCPassword: cfg.Guacamole.VNCPassword,
			VNCPort:     cfg.Guacamole.VNCPort,
		},
		SigningSecret:   cfg.SigningSecret,
		SignatureWindow: cfg.SignatureWindow,
		SMTP: notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		},
		JWTSecret:   cfg.JWT.Secret,
		JWTIssuer:   cfg.JWT.Issuer,
		JWTAudience: cfg.JWT.Audience,
		Orchestrator: orchestrator.Config{
			SessionDuration: cfg.SessionDuration,
			SettleInterval:  cfg.SettleInterval,
			ExpiryWarning:   cfg.ExpiryWarning,
			SweepInterval:   cfg.SweepInterval,
			StaleAfter:      cfg.StaleAfter,
			RefundOnFailure: cfg.RefundOnFailure,
			FrontendURL:     cfg.FrontendURL,
		},
	}
}

// Run starts the labs runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceLabs, func(ctx context.Context) error {
		return app.Run(ctx, cfg.RuntimeConfig())
	})
}
