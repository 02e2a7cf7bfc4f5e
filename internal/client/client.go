// Package client wires the token manager, rate limiter, executor, read
// cache and interceptors into a secapi.Client.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fivetwenty-io/secapi/internal/auth"
	internalhttp "github.com/fivetwenty-io/secapi/internal/http"
	"github.com/fivetwenty-io/secapi/internal/ratelimit"
	"github.com/fivetwenty-io/secapi/pkg/secapi"
)

// Static errors for err113 compliance.
var (
	ErrNoTokenManagerConfigured = errors.New("no token manager configured")
)

// Client implements the secapi.Client interface.
type Client struct {
	httpClient   *internalhttp.Client
	tokenManager *auth.OAuth2TokenManager
	services     *secapi.ServiceRegistry
	limiter      *ratelimit.Limiter
	cache        *secapi.CacheManager
	interceptors *secapi.InterceptorChain
	logger       secapi.Logger
	sharedToken  bool
	stopCleanup  context.CancelFunc
	ownsCache    bool
}

// Option configures New.
type Option func(*options)

type options struct {
	registry     *auth.Registry
	services     *secapi.ServiceRegistry
	transport    internalhttp.Transport
	interceptors []interceptorPair
	cache        secapi.Cache
	tokenClient  *http.Client
	httpOpts     []internalhttp.Option
}

type interceptorPair struct {
	request  secapi.RequestInterceptor
	response secapi.ResponseInterceptor
}

// WithRegistry shares token managers between clients of the same identity.
func WithRegistry(registry *auth.Registry) Option {
	return func(o *options) {
		o.registry = registry
	}
}

// WithServices replaces the default service table.
func WithServices(services *secapi.ServiceRegistry) Option {
	return func(o *options) {
		o.services = services
	}
}

// WithTransport replaces the API transport.
func WithTransport(transport internalhttp.Transport) Option {
	return func(o *options) {
		o.transport = transport
	}
}

// WithTokenHTTPClient replaces the HTTP client used for token exchanges.
func WithTokenHTTPClient(httpClient *http.Client) Option {
	return func(o *options) {
		o.tokenClient = httpClient
	}
}

// WithCacheBackend uses backend for the read cache regardless of Config.Cache.
// The caller keeps ownership of backend.
func WithCacheBackend(backend secapi.Cache) Option {
	return func(o *options) {
		o.cache = backend
	}
}

// WithRequestInterceptor appends a request interceptor.
func WithRequestInterceptor(interceptor secapi.RequestInterceptor) Option {
	return func(o *options) {
		o.interceptors = append(o.interceptors, interceptorPair{request: interceptor})
	}
}

// WithResponseInterceptor appends a response interceptor.
func WithResponseInterceptor(interceptor secapi.ResponseInterceptor) Option {
	return func(o *options) {
		o.interceptors = append(o.interceptors, interceptorPair{response: interceptor})
	}
}

// WithHTTPOptions passes options straight to the executor.
func WithHTTPOptions(opts ...internalhttp.Option) Option {
	return func(o *options) {
		o.httpOpts = append(o.httpOpts, opts...)
	}
}

// New validates config and builds a client. No network call is made until
// the first request.
func New(ctx context.Context, config *secapi.Config, opts ...Option) (*Client, error) {
	if config == nil {
		return nil, &secapi.ConfigurationError{Reason: secapi.ErrConfigRequired.Error()}
	}

	config.ApplyDefaults()

	err := config.Validate()
	if err != nil {
		return nil, err
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	creds, err := auth.LoadCredentials(config)
	if err != nil {
		return nil, err
	}

	tokenManager, shared := createTokenManager(config, creds, o)

	client := &Client{
		tokenManager: tokenManager,
		services:     o.services,
		limiter:      ratelimit.New(config.RateLimit),
		interceptors: secapi.NewInterceptorChain(),
		logger:       config.Logger,
		sharedToken:  shared,
	}

	if client.services == nil {
		client.services = secapi.DefaultServices()
	}

	err = client.setupCache(ctx, config, o)
	if err != nil {
		return nil, err
	}

	client.setupInterceptors(config, o)

	client.httpClient = internalhttp.NewClient(config.APIBaseURL(), tokenManager, createHTTPClientOptions(config, client, o)...)
	tokenManager.AddHeaderSink(client.httpClient)

	return client, nil
}

// createTokenManager returns the manager for config's identity, reusing one
// from the registry when present.
func createTokenManager(config *secapi.Config, creds *auth.Credentials, o *options) (*auth.OAuth2TokenManager, bool) {
	oauthConfig := &auth.OAuth2Config{
		TokenURL:    config.TokenEndpoint(),
		Audience:    config.Audience,
		Credentials: creds,
		UserAgent:   config.UserAgent,
		HTTPClient:  o.tokenClient,
		Logger:      config.Logger,
	}

	if o.registry != nil {
		return o.registry.GetOrCreate(oauthConfig)
	}

	return auth.NewOAuth2TokenManager(oauthConfig), false
}

func (c *Client) setupCache(ctx context.Context, config *secapi.Config, o *options) error {
	backend := o.cache

	var cacheOptions *secapi.CacheOptions

	if config.Cache != nil {
		cacheOptions = config.Cache.Options
	}

	if backend == nil {
		if config.Cache == nil || config.Cache.Type == secapi.CacheTypeNone {
			return nil
		}

		created, err := secapi.NewCacheFromConfig(config.Cache)
		if err != nil {
			return fmt.Errorf("creating cache: %w", err)
		}

		backend = created
		c.ownsCache = true

		if sweeper, ok := created.(interface {
			StartCleanup(ctx context.Context, interval time.Duration)
		}); ok && config.Cache.Memory != nil {
			cleanupCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			c.stopCleanup = cancel

			sweeper.StartCleanup(cleanupCtx, config.Cache.Memory.CleanupInterval)
		}
	}

	c.cache = secapi.NewCacheManager(backend, cacheOptions)

	return nil
}

func (c *Client) setupInterceptors(config *secapi.Config, o *options) {
	if config.RequestsPerSecond > 0 {
		c.interceptors.AddRequestInterceptor(secapi.RateLimitInterceptor(config.RequestsPerSecond))
	}

	if config.Logger != nil {
		c.interceptors.AddResponseInterceptor(secapi.LoggingResponseInterceptor(config.Logger))
	}

	for _, pair := range o.interceptors {
		if pair.request != nil {
			c.interceptors.AddRequestInterceptor(pair.request)
		}

		if pair.response != nil {
			c.interceptors.AddResponseInterceptor(pair.response)
		}
	}
}

// createHTTPClientOptions builds executor options from config.
func createHTTPClientOptions(config *secapi.Config, c *Client, o *options) []internalhttp.Option {
	httpOpts := []internalhttp.Option{
		internalhttp.WithServices(c.services),
		internalhttp.WithRetryConfig(config.MaxRetries, config.RetryWaitMin, config.RetryWaitMax),
		internalhttp.WithMaxRetryWait(config.MaxRetryWait),
		internalhttp.WithTimeout(config.Timeout),
		internalhttp.WithHTTPTimeout(config.HTTPTimeout),
		internalhttp.WithRateLimiter(c.limiter),
		internalhttp.WithInterceptors(c.interceptors),
		internalhttp.WithSandbox(config.SandboxBaseURL(), config.SandboxToken),
		internalhttp.WithDefaultHeaders(config.DefaultHeaders),
	}

	if config.Logger != nil {
		httpOpts = append(httpOpts, internalhttp.WithLogger(config.Logger))
	}

	if config.Debug {
		httpOpts = append(httpOpts, internalhttp.WithDebug(true))
	}

	if config.UserAgent != "" {
		httpOpts = append(httpOpts, internalhttp.WithUserAgent(config.UserAgent))
	}

	if config.Proxy != nil {
		httpOpts = append(httpOpts, internalhttp.WithProxy(config.Proxy))
	}

	switch {
	case config.DisableFieldCasing:
		httpOpts = append(httpOpts, internalhttp.WithFieldNamer(nil))
	case config.FieldNamer != nil:
		httpOpts = append(httpOpts, internalhttp.WithFieldNamer(config.FieldNamer))
	}

	if c.cache != nil {
		httpOpts = append(httpOpts, internalhttp.WithCache(c.cache, nil))
	}

	if o.transport != nil {
		httpOpts = append(httpOpts, internalhttp.WithTransport(o.transport))
	}

	return append(httpOpts, o.httpOpts...)
}

// Do implements secapi.Doer.
func (c *Client) Do(ctx context.Context, req *secapi.Request) (*secapi.Response, error) {
	return c.httpClient.Do(ctx, req)
}

// Get implements secapi.Client.Get.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (*secapi.Response, error) {
	return c.httpClient.Get(ctx, path, query)
}

// Post implements secapi.Client.Post.
func (c *Client) Post(ctx context.Context, path string, body interface{}) (*secapi.Response, error) {
	return c.httpClient.Post(ctx, path, body)
}

// Put implements secapi.Client.Put.
func (c *Client) Put(ctx context.Context, path string, body interface{}) (*secapi.Response, error) {
	return c.httpClient.Put(ctx, path, body)
}

// Patch implements secapi.Client.Patch.
func (c *Client) Patch(ctx context.Context, path string, body interface{}) (*secapi.Response, error) {
	return c.httpClient.Patch(ctx, path, body)
}

// Delete implements secapi.Client.Delete.
func (c *Client) Delete(ctx context.Context, path string) (*secapi.Response, error) {
	return c.httpClient.Delete(ctx, path)
}

// List implements secapi.Client.List.
func (c *Client) List(ctx context.Context, path string, params *secapi.QueryParams) (*secapi.PagedResult, error) {
	svc, err := c.services.Resolve(path)
	if err != nil {
		return nil, err
	}

	if params == nil {
		params = secapi.NewQueryParams()
	}

	req := &secapi.Request{
		Method: http.MethodGet,
		Path:   path,
		Query:  params.ToValues(svc),
	}

	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", path, err)
	}

	return secapi.NewPagedResult(c, svc, req, resp)
}

// GetToken implements secapi.Client.GetToken.
func (c *Client) GetToken(ctx context.Context) (string, error) {
	if c.tokenManager == nil {
		return "", ErrNoTokenManagerConfigured
	}

	token, err := c.tokenManager.GetToken(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get token: %w", err)
	}

	return token, nil
}

// Services implements secapi.Client.Services.
func (c *Client) Services() *secapi.ServiceRegistry {
	return c.services
}

// TokenManager returns the token manager for this client.
func (c *Client) TokenManager() *auth.OAuth2TokenManager {
	return c.tokenManager
}

// SharesToken reports whether the token manager came from a registry.
func (c *Client) SharesToken() bool {
	return c.sharedToken
}

// Limiter returns the client-side rate limiter.
func (c *Client) Limiter() *ratelimit.Limiter {
	return c.limiter
}

// CacheStats returns read cache counters, or nil without a cache.
func (c *Client) CacheStats() *secapi.CacheStats {
	if c.cache == nil {
		return nil
	}

	return c.cache.GetStats()
}

// Close implements secapi.Client.Close.
func (c *Client) Close() error {
	if c.stopCleanup != nil {
		c.stopCleanup()
	}

	c.httpClient.Close()

	if c.cache == nil || !c.ownsCache {
		return nil
	}

	if closer, ok := c.cache.Backend().(io.Closer); ok {
		err := closer.Close()
		if err != nil {
			return fmt.Errorf("closing cache: %w", err)
		}
	}

	return nil
}
