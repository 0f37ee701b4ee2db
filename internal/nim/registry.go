// Package nim resolves NIM instances to their base URLs and forwards OpenAI
// style chat and completion calls to them.
package nim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces NIM records in Redis.
const DefaultKeyPrefix = "nim:"

// ErrUnknownNIM is returned when no source knows the requested id.
var ErrUnknownNIM = errors.New("nim not found")

// Instance is the record a NIM registers under nim:<id>.
type Instance struct {
	ID   string `json:"nim_id"`
	Host string `json:"host"`
	Port int    `json:"port"`
	Type string `json:"nim_type,omitempty"`
}

// BaseURL is the http://host:port root of the instance.
func (i Instance) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", i.Host, i.Port)
}

// Registry looks a NIM up in Redis first, then in the static endpoint map,
// then falls back to the default base URL.
type Registry struct {
	client     redis.UniversalClient
	prefix     string
	static     map[string]string
	defaultURL string
}

// RegistryOptions configures a Registry. All fields are optional.
type RegistryOptions struct {
	Client     redis.UniversalClient
	KeyPrefix  string
	// Endpoints maps nim ids to base URLs.
	Endpoints  map[string]string
	DefaultURL string
}

func NewRegistry(opts RegistryOptions) *Registry {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultKeyPrefix
	}
	static := make(map[string]string, len(opts.Endpoints))
	for id, url := range opts.Endpoints {
		static[id] = strings.TrimRight(url, "/")
	}
	return &Registry{
		client:     opts.Client,
		prefix:     opts.KeyPrefix,
		static:     static,
		defaultURL: strings.TrimRight(opts.DefaultURL, "/"),
	}
}

// Resolve returns the base URL for id.
func (r *Registry) Resolve(ctx context.Context, id string) (string, error) {
	if r.client != nil {
		raw, err := r.client.Get(ctx, r.prefix+id).Result()
		switch {
		case err == nil:
			var inst Instance
			if err := json.Unmarshal([]byte(raw), &inst); err != nil {
				return "", fmt.Errorf("decode nim %s: %w", id, err)
			}
			if inst.Host == "" || inst.Port <= 0 {
				return "", fmt.Errorf("nim %s has no host and port", id)
			}
			return inst.BaseURL(), nil
		case !errors.Is(err, redis.Nil):
			return "", fmt.Errorf("read nim %s: %w", id, err)
		}
	}
	if url, ok := r.static[id]; ok && url != "" {
		return url, nil
	}
	if r.defaultURL != "" {
		return r.defaultURL, nil
	}
	return "", ErrUnknownNIM
}

// ParseEndpoints reads "id=url,id=url". Malformed entries are skipped.
func ParseEndpoints(raw string) map[string]string {
	out := map[string]string{}
	for _, entry := range strings.Split(raw, ",") {
		id, url, ok := strings.Cut(strings.TrimSpace(entry), "=")
		id, url = strings.TrimSpace(id), strings.TrimSpace(url)
		if !ok || id == "" || url == "" {
			continue
		}
		out[id] = url
	}
	return out
}
