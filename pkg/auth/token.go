// Package auth owns the bearer token shared by every Graph request.
//
// The token is acquired lazily with the OAuth2 client-credentials grant and
// replaced once it is within RefreshMargin of expiry. Concurrent callers that
// race on a stale token trigger a single acquisition.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// RefreshMargin is how long before expiry a token is replaced.
const RefreshMargin = time.Minute

// DefaultScope requests the application permissions granted to the client.
const DefaultScope = "https://graph.microsoft.com/.default"

var tokenAcquisitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "graph_export_token_acquisitions_total",
	Help: "Total bearer token acquisitions by source",
}, []string{"source"})

// ErrEmptyToken is returned when the token endpoint answers without a token.
var ErrEmptyToken = errors.New("token endpoint returned no access token")

// FetchFunc acquires a fresh token from the identity provider.
type FetchFunc func(ctx context.Context) (*oauth2.Token, error)

// Cache stores tokens between processes. Load returns nil, nil on a miss.
type Cache interface {
	Load(ctx context.Context) (*oauth2.Token, error)
	Store(ctx context.Context, token *oauth2.Token) error
}

// Config holds the client-credentials settings.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string

	// TokenURL overrides the tenant token endpoint.
	TokenURL string

	// Scopes defaults to DefaultScope.
	Scopes []string
}

// Endpoint returns the token URL for the configured tenant.
func (c Config) Endpoint() string {
	if c.TokenURL != "" {
		return c.TokenURL
	}
	return fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", c.TenantID)
}

// Provider hands out the shared bearer token.
type Provider struct {
	fetch  FetchFunc
	cache  Cache
	logger zerolog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	token *oauth2.Token
}

// NewClientCredentials creates a Provider backed by the client-credentials
// grant. cache may be nil.
func NewClientCredentials(cfg Config, cache Cache, logger zerolog.Logger) *Provider {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{DefaultScope}
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.Endpoint(),
		Scopes:       scopes,
	}
	return NewProvider(cc.Token, cache, logger)
}

// NewProvider creates a Provider around an arbitrary fetch function.
func NewProvider(fetch FetchFunc, cache Cache, logger zerolog.Logger) *Provider {
	return &Provider{
		fetch:  fetch,
		cache:  cache,
		logger: logger,
		now:    time.Now,
	}
}

// Token returns a bearer token valid for at least RefreshMargin.
func (p *Provider) Token(ctx context.Context) (string, error) {
	p.mu.RLock()
	tok := p.token
	p.mu.RUnlock()
	if p.fresh(tok) {
		return tok.AccessToken, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Another caller may have refreshed while we waited for the lock.
	if p.fresh(p.token) {
		return p.token.AccessToken, nil
	}

	if p.cache != nil {
		cached, err := p.cache.Load(ctx)
		if err != nil {
			p.logger.Warn().Err(err).Msg("Token cache lookup failed")
		} else if p.fresh(cached) {
			tokenAcquisitionsTotal.WithLabelValues("cache").Inc()
			p.token = cached
			return cached.AccessToken, nil
		}
	}

	fetched, err := p.fetch(ctx)
	if err != nil {
		return "", fmt.Errorf("acquire token: %w", err)
	}
	if fetched == nil || fetched.AccessToken == "" {
		return "", ErrEmptyToken
	}
	tokenAcquisitionsTotal.WithLabelValues("identity").Inc()
	p.token = fetched

	p.logger.Info().Time("expires_at", fetched.Expiry).Msg("Acquired bearer token")

	if p.cache != nil {
		if err := p.cache.Store(ctx, fetched); err != nil {
			p.logger.Warn().Err(err).Msg("Token cache store failed")
		}
	}
	return fetched.AccessToken, nil
}

// Expired reports whether the held token has passed its expiry. A provider
// without a token counts as expired.
func (p *Provider) Expired() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.token == nil {
		return true
	}
	if p.token.Expiry.IsZero() {
		return false
	}
	return !p.now().Before(p.token.Expiry)
}

func (p *Provider) fresh(tok *oauth2.Token) bool {
	if tok == nil || tok.AccessToken == "" {
		return false
	}
	if tok.Expiry.IsZero() {
		return true
	}
	return p.now().Add(RefreshMargin).Before(tok.Expiry)
}
