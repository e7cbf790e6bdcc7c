package live

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Audience for self-signed service-account tokens.
const tokenAudience = "https://aiplatform.googleapis.com/"

// Tokens are reminted this long before their expiry.
const tokenRefreshMargin = 5 * time.Minute

// ServiceAccount holds the remote AI provider's service-account credentials.
type ServiceAccount struct {
	Type         string `json:"type"`
	ProjectID    string `json:"project_id"`
	PrivateKeyID string `json:"private_key_id"`
	PrivateKey   string `json:"private_key"`
	ClientEmail  string `json:"client_email"`
	TokenURI     string `json:"token_uri"`
}

// CredentialSource fetches raw service-account JSON from wherever the
// deployment keeps it (file, environment, secrets manager).
type CredentialSource interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// FileSource reads credentials from a JSON file on disk.
type FileSource struct {
	Path string
}

// Fetch reads the credential file.
func (s FileSource) Fetch(context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read credential file: %w", err)
	}
	return data, nil
}

// EnvSource reads credential JSON from an environment variable.
type EnvSource struct {
	Var string
}

// Fetch reads the environment variable.
func (s EnvSource) Fetch(context.Context) ([]byte, error) {
	raw := os.Getenv(s.Var)
	if raw == "" {
		return nil, fmt.Errorf("credential variable %s not set", s.Var)
	}
	return []byte(raw), nil
}

// CredentialCache fetches service-account credentials once and caches them
// for the process lifetime, minting short-lived bearer tokens on demand.
// Invalidate forces a refetch on the next use.
type CredentialCache struct {
	mu       sync.Mutex
	source   CredentialSource
	account  *ServiceAccount
	token    string
	tokenExp time.Time
	now      func() time.Time
}

// NewCredentialCache creates a cache over the given source.
func NewCredentialCache(source CredentialSource) *CredentialCache {
	return &CredentialCache{source: source, now: time.Now}
}

// Account returns the cached service account, fetching it on first use.
func (c *CredentialCache) Account(ctx context.Context) (*ServiceAccount, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accountLocked(ctx)
}

func (c *CredentialCache) accountLocked(ctx context.Context) (*ServiceAccount, error) {
	if c.account != nil {
		return c.account, nil
	}

	raw, err := c.source.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch credentials: %w", err)
	}

	var account ServiceAccount
	if err := json.Unmarshal(raw, &account); err != nil {
		return nil, fmt.Errorf("parse service account JSON: %w", err)
	}
	if account.ClientEmail == "" || account.PrivateKey == "" {
		return nil, fmt.Errorf("service account JSON missing client_email or private_key")
	}

	c.account = &account
	slog.Info("Service account credentials loaded", "project", account.ProjectID)
	return c.account, nil
}

// BearerToken returns a self-signed service-account JWT usable as a bearer
// token, reusing the cached token until shortly before it expires.
func (c *CredentialCache) BearerToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExp.Add(-tokenRefreshMargin)) {
		return c.token, nil
	}

	account, err := c.accountLocked(ctx)
	if err != nil {
		return "", err
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(account.PrivateKey))
	if err != nil {
		return "", fmt.Errorf("parse service account private key: %w", err)
	}

	now := c.now()
	expiry := now.Add(time.Hour)
	claims := jwt.MapClaims{
		"iss": account.ClientEmail,
		"sub": account.ClientEmail,
		"aud": tokenAudience,
		"iat": now.Unix(),
		"exp": expiry.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = account.PrivateKeyID

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign service account token: %w", err)
	}

	c.token = signed
	c.tokenExp = expiry
	return signed, nil
}

// Invalidate drops the cached account and token, forcing a refetch.
func (c *CredentialCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.account = nil
	c.token = ""
	c.tokenExp = time.Time{}
}
