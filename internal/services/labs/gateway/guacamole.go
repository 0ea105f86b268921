// Package gateway manages remote desktop connection profiles and the signed
// URLs users open them with.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/cloudlabs/internal/services/labs/domain"
)

const (
	defaultDataSource = "postgresql"
	defaultVNCPort    = 5901
	maxErrorBody      = 4 << 10
)

// Gateway creates connection profiles for lab machines.
type Gateway interface {
	// CreateConnection registers a profile under name, which should be
	// unique per session so FindConnection can recover a lost identifier.
	CreateConnection(ctx context.Context, name, address string, variant domain.OSVariant) (string, error)
	// FindConnection returns the identifier of the profile called name, or
	// "" when there is none.
	FindConnection(ctx context.Context, name string) (string, error)
	// DeleteConnection treats a missing profile as success.
	DeleteConnection(ctx context.Context, connectionID string) error
	SignURL(connectionID string, at time.Time) string
}

// GuacamoleConfig configures the Guacamole REST client.
type GuacamoleConfig struct {
	BaseURL     string
	Username    string
	Password    string
	DataSource  string
	VNCPassword string
	VNCPort     int
}

// Guacamole talks to the Apache Guacamole REST API. The admin auth token is
// cached and refreshed once when the server rejects it.
type Guacamole struct {
	cfg    GuacamoleConfig
	client *http.Client
	signer *Signer
	clock  func() time.Time

	mu    sync.Mutex
	token string
}

// StatusError is a non-2xx response from the gateway API.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

func statusCode(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

// NewGuacamole creates a client. client may be nil to use a default client.
func NewGuacamole(cfg GuacamoleConfig, signer *Signer, client *http.Client) (*Guacamole, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("guacamole base url is required")
	}
	if strings.TrimSpace(cfg.Username) == "" {
		return nil, fmt.Errorf("guacamole username is required")
	}
	if signer == nil {
		return nil, fmt.Errorf("url signer is required")
	}
	if strings.TrimSpace(cfg.DataSource) == "" {
		cfg.DataSource = defaultDataSource
	}
	if cfg.VNCPort <= 0 {
		cfg.VNCPort = defaultVNCPort
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Guacamole{cfg: cfg, client: client, signer: signer, clock: time.Now}, nil
}

type connectionRequest struct {
	ParentIdentifier string            `json:"parentIdentifier"`
	Name             string            `json:"name"`
	Protocol         string            `json:"protocol"`
	Parameters       map[string]string `json:"parameters"`
	Attributes       map[string]string `json:"attributes"`
}

type connectionResponse struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
}

// CreateConnection registers a single-user VNC profile pointing at address.
// An empty name falls back to the variant and the current time.
func (g *Guacamole) CreateConnection(ctx context.Context, name, address string, variant domain.OSVariant) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", fmt.Errorf("connection address is required")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = fmt.Sprintf("%s-%d", variant, g.clock().UnixMilli())
	}
	body := connectionRequest{
		ParentIdentifier: "ROOT",
		Name:             name,
		Protocol:         "vnc",
		Parameters: map[string]string{
			"hostname":    address,
			"port":        strconv.Itoa(g.cfg.VNCPort),
			"password":    g.cfg.VNCPassword,
			"security":    "none",
			"ignore-cert": "true",
		},
		Attributes: map[string]string{
			"max-connections":          "1",
			"max-connections-per-user": "1",
		},
	}
	var created connectionResponse
	if err := g.authorized(ctx, http.MethodPost, g.connectionsURL(), body, &created); err != nil {
		return "", fmt.Errorf("create connection: %w", err)
	}
	if strings.TrimSpace(created.Identifier) == "" {
		return "", fmt.Errorf("create connection: response missing identifier")
	}
	return created.Identifier, nil
}

// FindConnection looks a profile up by name among the data source's
// connections.
func (g *Guacamole) FindConnection(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil
	}
	var connections map[string]connectionResponse
	if err := g.authorized(ctx, http.MethodGet, g.connectionsURL(), nil, &connections); err != nil {
		return "", fmt.Errorf("list connections: %w", err)
	}
	for id, connection := range connections {
		if connection.Name != name {
			continue
		}
		if connection.Identifier != "" {
			return connection.Identifier, nil
		}
		return id, nil
	}
	return "", nil
}

// DeleteConnection removes a connection profile.
func (g *Guacamole) DeleteConnection(ctx context.Context, connectionID string) error {
	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" {
		return nil
	}
	err := g.authorized(ctx, http.MethodDelete, g.connectionsURL()+"/"+url.PathEscape(connectionID), nil, nil)
	if statusCode(err) == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete connection %s: %w", connectionID, err)
	}
	return nil
}

// SignURL returns a fresh signed client URL.
func (g *Guacamole) SignURL(connectionID string, at time.Time) string {
	return g.signer.SignURL(connectionID, at)
}

func (g *Guacamole) connectionsURL() string {
	return g.cfg.BaseURL + "/api/session/data/" + url.PathEscape(g.cfg.DataSource) + "/connections"
}

func (g *Guacamole) authorized(ctx context.Context, method, endpoint string, in, out any) error {
	token, err := g.authToken(ctx, false)
	if err != nil {
		return err
	}
	err = g.do(ctx, method, endpoint, token, in, out)
	if code := statusCode(err); code == http.StatusUnauthorized || code == http.StatusForbidden {
		if token, err = g.authToken(ctx, true); err != nil {
			return err
		}
		err = g.do(ctx, method, endpoint, token, in, out)
	}
	return err
}

type tokenResponse struct {
	AuthToken  string `json:"authToken"`
	DataSource string `json:"dataSource"`
}

func (g *Guacamole) authToken(ctx context.Context, refresh bool) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.token != "" && !refresh {
		return g.token, nil
	}

	form := url.Values{}
	form.Set("username", g.cfg.Username)
	form.Set("password", g.cfg.Password)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/api/tokens", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var resp tokenResponse
	if err := g.send(req, &resp); err != nil {
		return "", fmt.Errorf("authenticate gateway: %w", err)
	}
	if strings.TrimSpace(resp.AuthToken) == "" {
		return "", fmt.Errorf("authenticate gateway: response missing token")
	}
	g.token = resp.AuthToken
	return g.token, nil
}

func (g *Guacamole) do(ctx context.Context, method, endpoint, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Guacamole-Token", token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return g.send(req, out)
}

func (g *Guacamole) send(req *http.Request, out any) error {
	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Op: req.Method + " " + req.URL.Path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
