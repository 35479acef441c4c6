package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
)

// RedisCache shares tokens between exporter processes using the same
// application registration.
type RedisCache struct {
	client *redis.Client
	key    string
}

// NewRedisCache creates a cache keyed by tenant and client.
func NewRedisCache(client *redis.Client, tenantID, clientID string) *RedisCache {
	return &RedisCache{
		client: client,
		key:    fmt.Sprintf("graph:token:%s:%s", tenantID, clientID),
	}
}

type cachedToken struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	Expiry      time.Time `json:"expiry"`
}

// Load implements Cache.
func (c *RedisCache) Load(ctx context.Context) (*oauth2.Token, error) {
	data, err := c.client.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cached token: %w", err)
	}

	var ct cachedToken
	if err := json.Unmarshal(data, &ct); err != nil {
		return nil, fmt.Errorf("decode cached token: %w", err)
	}
	return &oauth2.Token{
		AccessToken: ct.AccessToken,
		TokenType:   ct.TokenType,
		Expiry:      ct.Expiry,
	}, nil
}

// Store implements Cache. Tokens already inside the refresh margin are not
// written.
func (c *RedisCache) Store(ctx context.Context, token *oauth2.Token) error {
	ttl := time.Until(token.Expiry) - RefreshMargin
	if token.Expiry.IsZero() || ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(cachedToken{
		AccessToken: token.AccessToken,
		TokenType:   token.TokenType,
		Expiry:      token.Expiry,
	})
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err := c.client.Set(ctx, c.key, data, ttl).Err(); err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	return nil
}
