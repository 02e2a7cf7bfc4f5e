package secclient

import (
	"context"
	"fmt"
	"net/http"

	"github.com/fivetwenty-io/secapi/internal/auth"
	"github.com/fivetwenty-io/secapi/internal/client"
	"github.com/fivetwenty-io/secapi/internal/config"
	"github.com/fivetwenty-io/secapi/pkg/secapi"
)

// TokenCache shares bearer tokens between clients built from the same
// identity (token endpoint, audience, client id and credential). Pass one
// cache to every New call that should reuse tokens.
type TokenCache struct {
	registry *auth.Registry
}

// NewTokenCache creates an empty token cache.
func NewTokenCache() *TokenCache {
	return &TokenCache{registry: auth.NewRegistry()}
}

// Len returns the number of distinct identities holding a token manager.
func (c *TokenCache) Len() int {
	return c.registry.Len()
}

// Option configures New.
type Option func(*[]client.Option)

// WithTokenCache shares tokens through cache.
func WithTokenCache(cache *TokenCache) Option {
	return func(opts *[]client.Option) {
		if cache != nil {
			*opts = append(*opts, client.WithRegistry(cache.registry))
		}
	}
}

// WithServices replaces the default service table.
func WithServices(services *secapi.ServiceRegistry) Option {
	return func(opts *[]client.Option) {
		*opts = append(*opts, client.WithServices(services))
	}
}

// WithCache uses backend as the read cache. The caller keeps ownership.
func WithCache(backend secapi.Cache) Option {
	return func(opts *[]client.Option) {
		*opts = append(*opts, client.WithCacheBackend(backend))
	}
}

// WithRequestInterceptor runs interceptor before every attempt.
func WithRequestInterceptor(interceptor secapi.RequestInterceptor) Option {
	return func(opts *[]client.Option) {
		*opts = append(*opts, client.WithRequestInterceptor(interceptor))
	}
}

// WithResponseInterceptor runs interceptor after every attempt.
func WithResponseInterceptor(interceptor secapi.ResponseInterceptor) Option {
	return func(opts *[]client.Option) {
		*opts = append(*opts, client.WithResponseInterceptor(interceptor))
	}
}

// WithTokenHTTPClient replaces the HTTP client used for token exchanges.
func WithTokenHTTPClient(httpClient *http.Client) Option {
	return func(opts *[]client.Option) {
		*opts = append(*opts, client.WithTokenHTTPClient(httpClient))
	}
}

// New validates config and returns a client. No request is sent until the
// first call.
func New(ctx context.Context, config *secapi.Config, opts ...Option) (secapi.Client, error) {
	if config == nil {
		return nil, &secapi.ConfigurationError{Reason: secapi.ErrConfigRequired.Error()}
	}

	clientOpts := make([]client.Option, 0, len(opts))
	for _, opt := range opts {
		opt(&clientOpts)
	}

	c, err := client.New(ctx, config, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create new client: %w", err)
	}

	return c, nil
}

// NewFromFile loads configuration from a YAML file and SECAPI_ environment
// variables. An empty path reads the environment only.
func NewFromFile(ctx context.Context, path string, opts ...Option) (secapi.Client, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	return New(ctx, cfg, opts...)
}

// NewWithClientSecret creates a production client using the shared-secret flow.
func NewWithClientSecret(ctx context.Context, vanityDomain, clientID, clientSecret string, opts ...Option) (secapi.Client, error) {
	cfg := secapi.DefaultConfig()
	cfg.VanityDomain = vanityDomain
	cfg.ClientID = clientID
	cfg.ClientSecret = clientSecret

	return New(ctx, cfg, opts...)
}

// NewWithPrivateKey creates a production client using a signed client
// assertion. keyPEMOrPath holds PEM content or a path to a PEM file.
func NewWithPrivateKey(ctx context.Context, vanityDomain, clientID, keyPEMOrPath string, opts ...Option) (secapi.Client, error) {
	cfg := secapi.DefaultConfig()
	cfg.VanityDomain = vanityDomain
	cfg.ClientID = clientID
	cfg.PrivateKey = keyPEMOrPath

	return New(ctx, cfg, opts...)
}
