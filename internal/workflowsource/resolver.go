package workflowsource

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/animus-labs/flowgate/internal/domain"
)

// HTTPResolver builds one HTTPClient per environment from its source URL and
// the API key held in the environment variable the environment names.
type HTTPResolver struct {
	base HTTPClientOptions

	mu      sync.Mutex
	clients map[string]*HTTPClient
}

func NewHTTPResolver(base HTTPClientOptions) *HTTPResolver {
	return &HTTPResolver{base: base, clients: map[string]*HTTPClient{}}
}

func (r *HTTPResolver) SourceFor(_ context.Context, env domain.Environment) (Source, error) {
	if strings.TrimSpace(env.SourceURL) == "" {
		return nil, fmt.Errorf("environment %s has no source url", env.ID)
	}
	key := env.TenantID + "/" + env.ID + "@" + env.SourceURL

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[key]; ok {
		return c, nil
	}
	opts := r.base
	opts.BaseURL = env.SourceURL
	if name := strings.TrimSpace(env.SourceAPIKeyEnv); name != "" {
		opts.APIKey = os.Getenv(name)
	}
	c, err := NewHTTPClient(opts)
	if err != nil {
		return nil, fmt.Errorf("environment %s source: %w", env.ID, err)
	}
	r.clients[key] = c
	return c, nil
}
