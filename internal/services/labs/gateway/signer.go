package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/louisbranch/cloudlabs/internal/platform/errors"
)

// DefaultSignatureWindow is how long a signed URL stays valid.
const DefaultSignatureWindow = 5 * time.Minute

// minSecretLength rejects secrets too short to resist guessing.
const minSecretLength = 16

// Signer issues and checks time-stamped connection URLs. The token is the
// hex HMAC-SHA256 of the connection id followed by the unix timestamp.
type Signer struct {
	secret  []byte
	baseURL string
	window  time.Duration
}

// NewSigner creates a signer for URLs rooted at baseURL.
func NewSigner(secret []byte, baseURL string, window time.Duration) (*Signer, error) {
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("signing secret must be at least %d bytes", minSecretLength)
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("gateway base url is required")
	}
	if window <= 0 {
		window = DefaultSignatureWindow
	}
	cloned := make([]byte, len(secret))
	copy(cloned, secret)
	return &Signer{secret: cloned, baseURL: baseURL, window: window}, nil
}

// Token returns the signature for connectionID at unix second ts.
func (s *Signer) Token(connectionID string, ts int64) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(connectionID + strconv.FormatInt(ts, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignURL returns the client URL for connectionID stamped with at.
func (s *Signer) SignURL(connectionID string, at time.Time) string {
	ts := at.Unix()
	query := url.Values{}
	query.Set("token", s.Token(connectionID, ts))
	query.Set("timestamp", strconv.FormatInt(ts, 10))
	return s.baseURL + "/#/client/" + url.PathEscape(connectionID) + "?" + query.Encode()
}

// Verify checks token against connectionID and timestamp, rejecting
// signatures older than the window or stamped in the future beyond it.
func (s *Signer) Verify(connectionID, timestamp, token string, now time.Time) error {
	ts, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil || strings.TrimSpace(connectionID) == "" {
		return apperrors.New(apperrors.CodeSignatureInvalid, "malformed signed url")
	}
	want := s.Token(connectionID, ts)
	got := strings.ToLower(strings.TrimSpace(token))
	if !hmac.Equal([]byte(want), []byte(got)) {
		return apperrors.New(apperrors.CodeSignatureInvalid, "signature mismatch")
	}
	age := now.Sub(time.Unix(ts, 0))
	if age > s.window || age < -s.window {
		return apperrors.WithMetadata(apperrors.CodeSignatureExpired, "signature outside freshness window",
			map[string]string{"Age": age.Truncate(time.Second).String()})
	}
	return nil
}
