// Package toggle manages the "use the hosted NVIDIA API" switch: a Redis-backed
// store on the server side and a REST client that mirrors it.
package toggle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultAPIKeyKey holds the NVIDIA API key in Redis.
	DefaultAPIKeyKey = "nims:nvidia_api_key"
	// DefaultToggleKey holds "true" or "false".
	DefaultToggleKey = "nims:nvidia_api_toggle"
	// APIKeyEnv is consulted when Redis has no key.
	APIKeyEnv = "NVIDIA_API_KEY"

	apiKeyPrefix = "nvapi-"
	noKeyPreview = "No API key configured"
	noKeyReason  = "No NVIDIA API key configured"
)

var (
	// ErrNoAPIKey is returned when enabling the toggle without a configured key.
	ErrNoAPIKey = errors.New("cannot enable NVIDIA API without a configured API key")
	// ErrInvalidAPIKey is returned for empty keys or keys without the nvapi- prefix.
	ErrInvalidAPIKey = errors.New("API key must start with 'nvapi-'")
)

// KeySource describes where the active API key comes from.
type KeySource string

const (
	SourceRedis       KeySource = "redis"
	SourceEnvironment KeySource = "environment"
	SourceNone        KeySource = "none"
)

// State is the toggle as reported by the server.
type State struct {
	Enabled   bool   `json:"enabled"`
	CanEnable bool   `json:"can_enable"`
	Reason    string `json:"reason,omitempty"`
}

// KeyStatus is the redacted view of the configured API key.
type KeyStatus struct {
	Preview string    `json:"preview"`
	HasKey  bool      `json:"has_key"`
	Source  KeySource `json:"source"`
}

// Store persists the API key and toggle in Redis.
type Store struct {
	client    redis.UniversalClient
	keyKey    string
	toggleKey string
	lookupEnv func(string) (string, bool)
}

// StoreOptions configures a Store. Zero values fall back to the defaults.
type StoreOptions struct {
	APIKeyKey string
	ToggleKey string
	LookupEnv func(string) (string, bool)
}

// NewStore wraps a Redis client.
func NewStore(client redis.UniversalClient, opts StoreOptions) *Store {
	if opts.APIKeyKey == "" {
		opts.APIKeyKey = DefaultAPIKeyKey
	}
	if opts.ToggleKey == "" {
		opts.ToggleKey = DefaultToggleKey
	}
	if opts.LookupEnv == nil {
		opts.LookupEnv = os.LookupEnv
	}
	return &Store{
		client:    client,
		keyKey:    opts.APIKeyKey,
		toggleKey: opts.ToggleKey,
		lookupEnv: opts.LookupEnv,
	}
}

// APIKey returns the active key and where it came from. Redis wins over the
// environment.
func (s *Store) APIKey(ctx context.Context) (string, KeySource, error) {
	key, err := s.client.Get(ctx, s.keyKey).Result()
	switch {
	case err == nil && strings.TrimSpace(key) != "":
		return key, SourceRedis, nil
	case err != nil && !errors.Is(err, redis.Nil):
		return "", SourceNone, fmt.Errorf("read api key: %w", err)
	}
	if env, ok := s.lookupEnv(APIKeyEnv); ok && strings.TrimSpace(env) != "" {
		return env, SourceEnvironment, nil
	}
	return "", SourceNone, nil
}

// KeyStatus reports a redacted preview of the active key.
func (s *Store) KeyStatus(ctx context.Context) (KeyStatus, error) {
	key, source, err := s.APIKey(ctx)
	if err != nil {
		return KeyStatus{}, err
	}
	if key == "" {
		return KeyStatus{Preview: noKeyPreview, Source: SourceNone}, nil
	}
	return KeyStatus{Preview: preview(key), HasKey: true, Source: source}, nil
}

func preview(key string) string {
	if len(key) <= 10 {
		return key[:len(key)/2] + "..."
	}
	return key[:10] + "..."
}

// SetAPIKey validates and stores a key, returning its preview.
func (s *Store) SetAPIKey(ctx context.Context, key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || !strings.HasPrefix(key, apiKeyPrefix) {
		return "", ErrInvalidAPIKey
	}
	if err := s.client.Set(ctx, s.keyKey, key, 0).Err(); err != nil {
		return "", fmt.Errorf("store api key: %w", err)
	}
	return preview(key), nil
}

// DeleteAPIKey removes the stored key. The environment fallback is unaffected.
func (s *Store) DeleteAPIKey(ctx context.Context) error {
	if err := s.client.Del(ctx, s.keyKey).Err(); err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	return nil
}

// State reports the toggle. Without an API key it is always disabled.
func (s *Store) State(ctx context.Context) (State, error) {
	key, _, err := s.APIKey(ctx)
	if err != nil {
		return State{}, err
	}
	if key == "" {
		return State{Enabled: false, CanEnable: false, Reason: noKeyReason}, nil
	}
	raw, err := s.client.Get(ctx, s.toggleKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return State{}, fmt.Errorf("read toggle: %w", err)
	}
	return State{Enabled: raw == "true", CanEnable: true}, nil
}

// SetEnabled stores the toggle. It fails with ErrNoAPIKey when no key is configured.
func (s *Store) SetEnabled(ctx context.Context, enabled bool) (State, error) {
	key, _, err := s.APIKey(ctx)
	if err != nil {
		return State{}, err
	}
	if key == "" {
		return State{}, ErrNoAPIKey
	}
	value := "false"
	if enabled {
		value = "true"
	}
	if err := s.client.Set(ctx, s.toggleKey, value, 0).Err(); err != nil {
		return State{}, fmt.Errorf("store toggle: %w", err)
	}
	return State{Enabled: enabled, CanEnable: true}, nil
}
