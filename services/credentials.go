package services

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v61/github"

	"github.com/forgeci/hookhub/utils"
)

// expiryMargin keeps us from handing out a token that expires while a
// caller is still using it.
const expiryMargin = 5 * time.Minute

type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

type CachedToken struct {
	Token     string
	ExpiresAt time.Time
}

// TokenCache stores installation tokens between requests. The default
// is in-memory; a shared deployment can swap in something else.
type TokenCache interface {
	Get(installationId int64) (CachedToken, bool)
	Set(installationId int64, token CachedToken)
	Invalidate(installationId int64)
}

type MemoryTokenCache struct {
	mu     sync.RWMutex
	tokens map[int64]CachedToken
}

func NewMemoryTokenCache() *MemoryTokenCache {
	return &MemoryTokenCache{tokens: make(map[int64]CachedToken)}
}

func (c *MemoryTokenCache) Get(installationId int64) (CachedToken, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	token, ok := c.tokens[installationId]
	return token, ok
}

func (c *MemoryTokenCache) Set(installationId int64, token CachedToken) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[installationId] = token
}

func (c *MemoryTokenCache) Invalidate(installationId int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, installationId)
}

// CredentialManager mints short-lived installation tokens for a GitHub
// App. Tokens are cached until shortly before expiry so repeated hook
// processing does not hammer the token endpoint.
type CredentialManager struct {
	AppId      int64
	PrivateKey *rsa.PrivateKey
	Cache      TokenCache
	Clock      Clock

	// AppsClient issues the token exchange. Overridable in tests.
	AppsClient *github.Client
}

func NewCredentialManager(appId int64, privateKeyPem []byte) (*CredentialManager, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPem)
	if err != nil {
		return nil, fmt.Errorf("could not parse app private key: %v", err)
	}
	return &CredentialManager{
		AppId:      appId,
		PrivateKey: key,
		Cache:      NewMemoryTokenCache(),
		Clock:      RealClock{},
	}, nil
}

// AppJwt mints the app-level assertion used to authenticate as the
// GitHub App itself. Issued-at is backdated 60s to ride out clock skew
// between us and the API.
func (m *CredentialManager) AppJwt() (string, error) {
	now := m.Clock.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
		Issuer:    fmt.Sprintf("%d", m.AppId),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(m.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("could not sign app jwt: %v", err)
	}
	return signed, nil
}

// InstallationToken returns a valid token for the installation,
// exchanging a fresh one only when the cached token is missing or
// within the expiry margin.
func (m *CredentialManager) InstallationToken(ctx context.Context, installationId int64) (string, error) {
	if cached, ok := m.Cache.Get(installationId); ok {
		if m.Clock.Now().Before(cached.ExpiresAt.Add(-expiryMargin)) {
			return cached.Token, nil
		}
		m.Cache.Invalidate(installationId)
	}

	appJwt, err := m.AppJwt()
	if err != nil {
		return "", err
	}

	client := m.AppsClient
	if client == nil {
		client = github.NewClient(&http.Client{Transport: &bearerTransport{token: appJwt}})
	}

	token, _, err := client.Apps.CreateInstallationToken(ctx, installationId, nil)
	if err != nil {
		return "", fmt.Errorf("could not create installation token: %v", err)
	}

	m.Cache.Set(installationId, CachedToken{
		Token:     token.GetToken(),
		ExpiresAt: token.GetExpiresAt().Time,
	})
	return token.GetToken(), nil
}

// Client returns a go-github client authenticated as the installation,
// or (nil, error) when no token could be obtained. Callers treat a nil
// client as "degrade gracefully", not a fatal condition.
func (m *CredentialManager) Client(ctx context.Context, installationId int64) (*github.Client, error) {
	token, err := m.InstallationToken(ctx, installationId)
	if err != nil {
		slog.Warn("could not obtain installation token", "installationId", installationId, "error", err)
		return nil, err
	}
	return utils.NewTokenClient(ctx, token), nil
}

type bearerTransport struct {
	token string
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+t.token)
	return http.DefaultTransport.RoundTrip(clone)
}
