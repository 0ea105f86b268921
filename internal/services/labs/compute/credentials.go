package compute

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/jwt"
)

const (
	// ComputeScope grants read/write access to Compute Engine.
	ComputeScope    = "https://www.googleapis.com/auth/compute"
	defaultTokenURL = "https://oauth2.googleapis.com/token"
)

// ServiceAccountKey is the subset of a service account JSON key file used to
// mint access tokens.
type ServiceAccountKey struct {
	Type         string `json:"type"`
	ProjectID    string `json:"project_id"`
	PrivateKeyID string `json:"private_key_id"`
	PrivateKey   string `json:"private_key"`
	ClientEmail  string `json:"client_email"`
	TokenURI     string `json:"token_uri"`
}

// LoadServiceAccountKey reads and validates a JSON key file.
func LoadServiceAccountKey(path string) (ServiceAccountKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ServiceAccountKey{}, fmt.Errorf("read service account key: %w", err)
	}
	return ParseServiceAccountKey(data)
}

// ParseServiceAccountKey decodes and validates JSON key material.
func ParseServiceAccountKey(data []byte) (ServiceAccountKey, error) {
	var key ServiceAccountKey
	if err := json.Unmarshal(data, &key); err != nil {
		return ServiceAccountKey{}, fmt.Errorf("decode service account key: %w", err)
	}
	if key.Type != "" && key.Type != "service_account" {
		return ServiceAccountKey{}, fmt.Errorf("unsupported credential type %q", key.Type)
	}
	if strings.TrimSpace(key.ClientEmail) == "" {
		return ServiceAccountKey{}, fmt.Errorf("service account key is missing client_email")
	}
	if strings.TrimSpace(key.PrivateKey) == "" {
		return ServiceAccountKey{}, fmt.Errorf("service account key is missing private_key")
	}
	return key, nil
}

// JWTConfig returns the two-legged OAuth flow for this key.
func (k ServiceAccountKey) JWTConfig(scopes ...string) *jwt.Config {
	if len(scopes) == 0 {
		scopes = []string{ComputeScope}
	}
	tokenURL := strings.TrimSpace(k.TokenURI)
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}
	return &jwt.Config{
		Email:        k.ClientEmail,
		PrivateKey:   []byte(k.PrivateKey),
		PrivateKeyID: k.PrivateKeyID,
		Scopes:       scopes,
		TokenURL:     tokenURL,
	}
}

// HTTPClient returns a client that attaches cached access tokens. base, when
// non-nil, is used for the token exchange and the API calls.
func (k ServiceAccountKey) HTTPClient(ctx context.Context, base *http.Client) *http.Client {
	if base != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	}
	return k.JWTConfig().Client(ctx)
}
