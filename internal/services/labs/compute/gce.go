package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultGCEBaseURL       = "https://compute.googleapis.com/compute/v1"
	defaultPollInterval     = 2 * time.Second
	defaultOperationTimeout = 5 * time.Minute
	maxErrorBody            = 4 << 10
)

var errOperationPending = errors.New("operation still running")

// GCEConfig configures the Compute Engine adapter.
type GCEConfig struct {
	Project string
	Zone    string
	// BaseURL overrides the Compute Engine REST root, mainly for tests.
	BaseURL string
	// Preemptible requests spot-priced machines that the platform may reclaim.
	Preemptible      bool
	PollInterval     time.Duration
	OperationTimeout time.Duration
}

// GCE creates lab machines from instance templates through the Compute
// Engine REST API. Instances are addressed by name, so Instance.ID is the
// instance name.
type GCE struct {
	cfg    GCEConfig
	client *http.Client
}

// StatusError is a non-2xx response from a REST API.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 StatusError.
func IsNotFound(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound
}

// NewGCE creates a Compute Engine adapter. client must attach credentials,
// see ServiceAccountKey.HTTPClient.
func NewGCE(cfg GCEConfig, client *http.Client) (*GCE, error) {
	cfg.Project = strings.TrimSpace(cfg.Project)
	cfg.Zone = strings.TrimSpace(cfg.Zone)
	if cfg.Project == "" {
		return nil, fmt.Errorf("gce project is required")
	}
	if cfg.Zone == "" {
		return nil, fmt.Errorf("gce zone is required")
	}
	if client == nil {
		return nil, fmt.Errorf("gce http client is required")
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultGCEBaseURL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = defaultOperationTimeout
	}
	return &GCE{cfg: cfg, client: client}, nil
}

type metadataItem struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type insertInstanceRequest struct {
	Name     string `json:"name"`
	Metadata struct {
		Items []metadataItem `json:"items,omitempty"`
	} `json:"metadata"`
	Scheduling struct {
		Preemptible       bool   `json:"preemptible"`
		AutomaticRestart  bool   `json:"automaticRestart"`
		OnHostMaintenance string `json:"onHostMaintenance,omitempty"`
	} `json:"scheduling"`
}

type operationErrorItem struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type operationError struct {
	Errors []operationErrorItem `json:"errors"`
}

type operation struct {
	Name   string          `json:"name"`
	Status string          `json:"status"`
	Error  *operationError `json:"error,omitempty"`
}

func (o operation) failure() error {
	if o.Error == nil || len(o.Error.Errors) == 0 {
		return nil
	}
	parts := make([]string, 0, len(o.Error.Errors))
	for _, e := range o.Error.Errors {
		parts = append(parts, e.Code+": "+e.Message)
	}
	return fmt.Errorf("operation %s failed: %s", o.Name, strings.Join(parts, "; "))
}

type accessConfig struct {
	NatIP string `json:"natIP"`
}

type networkInterface struct {
	AccessConfigs []accessConfig `json:"accessConfigs"`
}

type instanceResource struct {
	ID                string             `json:"id"`
	Name              string             `json:"name"`
	Status            string             `json:"status"`
	NetworkInterfaces []networkInterface `json:"networkInterfaces"`
}

func (r instanceResource) externalAddress() string {
	for _, nic := range r.NetworkInterfaces {
		for _, ac := range nic.AccessConfigs {
			if ip := strings.TrimSpace(ac.NatIP); ip != "" {
				return ip
			}
		}
	}
	return ""
}

// Create inserts an instance from req.Template and waits until it exists.
func (g *GCE) Create(ctx context.Context, req CreateRequest) (Instance, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return Instance{}, fmt.Errorf("instance name is required")
	}
	if strings.TrimSpace(req.Template) == "" {
		return Instance{}, fmt.Errorf("instance template is required")
	}

	var body insertInstanceRequest
	body.Name = name
	body.Scheduling.Preemptible = g.cfg.Preemptible
	body.Scheduling.AutomaticRestart = false
	if g.cfg.Preemptible {
		body.Scheduling.OnHostMaintenance = "TERMINATE"
	}
	keys := make([]string, 0, len(req.Metadata))
	for key := range req.Metadata {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		body.Metadata.Items = append(body.Metadata.Items, metadataItem{Key: key, Value: req.Metadata[key]})
	}

	query := url.Values{"sourceInstanceTemplate": {g.templatePath(req.Template)}}
	var op operation
	if err := g.do(ctx, http.MethodPost, g.zoneURL("instances")+"?"+query.Encode(), body, &op); err != nil {
		return Instance{ID: name, Name: name}, fmt.Errorf("insert instance %s: %w", name, err)
	}
	if err := g.wait(ctx, op); err != nil {
		return Instance{ID: name, Name: name}, fmt.Errorf("insert instance %s: %w", name, err)
	}

	var resource instanceResource
	if err := g.do(ctx, http.MethodGet, g.zoneURL("instances", name), nil, &resource); err != nil {
		return Instance{ID: name, Name: name}, fmt.Errorf("get instance %s: %w", name, err)
	}
	instance := Instance{ID: name, Name: name, Address: resource.externalAddress()}
	if instance.Address == "" {
		return instance, fmt.Errorf("instance %s: %w", name, ErrNoAddress)
	}
	return instance, nil
}

// Delete removes an instance by name and waits for the operation.
func (g *GCE) Delete(ctx context.Context, instanceID string) error {
	name := strings.TrimSpace(instanceID)
	if name == "" {
		return nil
	}
	var op operation
	err := g.do(ctx, http.MethodDelete, g.zoneURL("instances", name), nil, &op)
	if IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete instance %s: %w", name, err)
	}
	if err := g.wait(ctx, op); err != nil {
		return fmt.Errorf("delete instance %s: %w", name, err)
	}
	return nil
}

func (g *GCE) wait(ctx context.Context, op operation) error {
	if op.Status == "DONE" {
		return op.failure()
	}
	if op.Name == "" {
		return fmt.Errorf("operation name missing from response")
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = g.cfg.PollInterval
	policy.MaxInterval = 5 * g.cfg.PollInterval

	_, err := backoff.Retry(ctx, func() (operation, error) {
		var current operation
		if err := g.do(ctx, http.MethodGet, g.zoneURL("operations", op.Name), nil, &current); err != nil {
			var statusErr *StatusError
			if errors.As(err, &statusErr) && statusErr.StatusCode < http.StatusInternalServerError {
				return current, backoff.Permanent(err)
			}
			return current, err
		}
		if current.Status != "DONE" {
			return current, errOperationPending
		}
		if err := current.failure(); err != nil {
			return current, backoff.Permanent(err)
		}
		return current, nil
	}, backoff.WithBackOff(policy), backoff.WithMaxElapsedTime(g.cfg.OperationTimeout))
	if err != nil {
		return fmt.Errorf("wait for operation %s: %w", op.Name, err)
	}
	return nil
}

func (g *GCE) templatePath(template string) string {
	template = strings.TrimSpace(template)
	if strings.Contains(template, "/") {
		return template
	}
	return "global/instanceTemplates/" + template
}

func (g *GCE) zoneURL(parts ...string) string {
	escaped := make([]string, 0, len(parts))
	for _, p := range parts {
		escaped = append(escaped, url.PathEscape(p))
	}
	return g.cfg.BaseURL + "/projects/" + url.PathEscape(g.cfg.Project) +
		"/zones/" + url.PathEscape(g.cfg.Zone) + "/" + strings.Join(escaped, "/")
}

func (g *GCE) do(ctx context.Context, method, endpoint string, in, out any) error {
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
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Op: method + " " + req.URL.Path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
