// Package http implements the request executor: it builds the outbound
// request, paces it through the rate limiter, attaches the bearer token and
// retries throttled or transient failures within a bounded budget.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fivetwenty-io/secapi/internal/constants"
	"github.com/fivetwenty-io/secapi/internal/ratelimit"
	"github.com/fivetwenty-io/secapi/pkg/secapi"
)

// Static errors for err113 compliance.
var (
	ErrNilRequest  = errors.New("request is nil")
	ErrInvalidPath = errors.New("invalid request path")
)

// TokenManager supplies bearer tokens to the executor.
type TokenManager interface {
	GetToken(ctx context.Context) (string, error)
	RefreshToken(ctx context.Context) error
}

// Client executes requests against the platform.
type Client struct {
	baseURL      string
	sandboxURL   string
	sandboxToken string
	services     *secapi.ServiceRegistry
	tokenManager TokenManager
	transport    Transport
	limiter      *ratelimit.Limiter
	cache        *secapi.CacheManager
	cachePolicy  *secapi.CachingPolicy
	interceptors *secapi.InterceptorChain
	fieldNamer   secapi.FieldNamer
	logger       secapi.Logger
	debug        bool
	userAgent    string

	maxRetries   int
	retryWaitMin time.Duration
	retryWaitMax time.Duration
	maxRetryWait time.Duration
	timeout      time.Duration
	httpTimeout  time.Duration
	proxy        *secapi.ProxyConfig

	clock func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	headersMu      sync.RWMutex
	defaultHeaders http.Header
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger secapi.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithDebug enables request and response debug lines.
func WithDebug(debug bool) Option {
	return func(c *Client) {
		c.debug = debug
	}
}

// WithRetryConfig sets the retry budget and the exponential backoff bounds.
func WithRetryConfig(maxRetries int, waitMin, waitMax time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.retryWaitMin = waitMin
		c.retryWaitMax = waitMax
	}
}

// WithMaxRetryWait bounds any single wait, server-guided or local.
func WithMaxRetryWait(wait time.Duration) Option {
	return func(c *Client) {
		c.maxRetryWait = wait
	}
}

// WithTimeout bounds the wall time of one logical call across retries.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithHTTPTimeout bounds a single HTTP exchange.
func WithHTTPTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpTimeout = timeout
	}
}

// WithProxy routes requests through an explicit proxy.
func WithProxy(proxy *secapi.ProxyConfig) Option {
	return func(c *Client) {
		c.proxy = proxy
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(userAgent string) Option {
	return func(c *Client) {
		c.userAgent = userAgent
	}
}

// WithServices replaces the service table.
func WithServices(services *secapi.ServiceRegistry) Option {
	return func(c *Client) {
		c.services = services
	}
}

// WithSandbox sets the sandbox host and its api_token.
func WithSandbox(baseURL, token string) Option {
	return func(c *Client) {
		c.sandboxURL = baseURL
		c.sandboxToken = token
	}
}

// WithRateLimiter sets the client-side limiter.
func WithRateLimiter(limiter *ratelimit.Limiter) Option {
	return func(c *Client) {
		c.limiter = limiter
	}
}

// WithCache enables the read cache. A nil policy uses the default.
func WithCache(cache *secapi.CacheManager, policy *secapi.CachingPolicy) Option {
	return func(c *Client) {
		c.cache = cache
		c.cachePolicy = policy
	}
}

// WithInterceptors runs chain around every attempt.
func WithInterceptors(chain *secapi.InterceptorChain) Option {
	return func(c *Client) {
		c.interceptors = chain
	}
}

// WithFieldNamer sets the outbound field name transform. Nil disables it.
func WithFieldNamer(namer secapi.FieldNamer) Option {
	return func(c *Client) {
		c.fieldNamer = namer
	}
}

// WithDefaultHeaders adds headers sent with every request.
func WithDefaultHeaders(headers map[string]string) Option {
	return func(c *Client) {
		for key, value := range headers {
			c.defaultHeaders.Set(key, value)
		}
	}
}

// WithTransport replaces the HTTP transport.
func WithTransport(transport Transport) Option {
	return func(c *Client) {
		c.transport = transport
	}
}

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option {
	return func(c *Client) {
		c.clock = clock
	}
}

// WithSleeper replaces the context-aware sleep used between attempts.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		c.sleep = sleep
	}
}

// NewClient creates a new executor. A nil tokenManager sends requests
// without an Authorization header.
func NewClient(baseURL string, tokenManager TokenManager, opts ...Option) *Client {
	client := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		services:       secapi.DefaultServices(),
		tokenManager:   tokenManager,
		fieldNamer:     secapi.SnakeToCamel,
		userAgent:      constants.UserAgent(),
		maxRetries:     constants.DefaultRetryMax,
		retryWaitMin:   constants.DefaultRetryWaitMin,
		retryWaitMax:   constants.DefaultRetryWaitMax,
		maxRetryWait:   constants.DefaultMaxRetryWait,
		timeout:        constants.DefaultRequestTimeout,
		httpTimeout:    constants.DefaultHTTPTimeout,
		clock:          time.Now,
		sleep:          sleepContext,
		defaultHeaders: make(http.Header),
	}

	for _, opt := range opts {
		opt(client)
	}

	if client.retryWaitMin <= 0 {
		client.retryWaitMin = constants.DefaultRetryWaitMin
	}

	if client.retryWaitMax < client.retryWaitMin {
		client.retryWaitMax = client.retryWaitMin
	}

	if client.maxRetryWait <= 0 {
		client.maxRetryWait = constants.DefaultMaxRetryWait
	}

	if client.cache != nil && client.cachePolicy == nil {
		client.cachePolicy = secapi.DefaultCachingPolicy()
	}

	if client.transport == nil {
		transport, err := NewTransport(TransportOptions{
			Timeout:  client.httpTimeout,
			Proxy:    client.proxy,
			Logger:   client.logger,
			LogDebug: client.debug,
		})
		if err != nil {
			client.logWarn("ignoring configured proxy, using environment proxy settings", map[string]interface{}{
				"error": err.Error(),
			})

			transport, _ = NewTransport(TransportOptions{
				Timeout:  client.httpTimeout,
				Logger:   client.logger,
				LogDebug: client.debug,
			})
		}

		client.transport = transport
	}

	return client
}

// SetDefaultHeader sets a header sent with every request.
func (c *Client) SetDefaultHeader(key, value string) {
	c.headersMu.Lock()
	defer c.headersMu.Unlock()

	c.defaultHeaders.Set(key, value)
}

// DeleteDefaultHeader removes a default header.
func (c *Client) DeleteDefaultHeader(key string) {
	c.headersMu.Lock()
	defer c.headersMu.Unlock()

	c.defaultHeaders.Del(key)
}

// DefaultHeader returns the current value of a default header.
func (c *Client) DefaultHeader(key string) string {
	c.headersMu.RLock()
	defer c.headersMu.RUnlock()

	return c.defaultHeaders.Get(key)
}

// Services returns the service table used for routing.
func (c *Client) Services() *secapi.ServiceRegistry {
	return c.services
}

// Limiter returns the client-side rate limiter, or nil.
func (c *Client) Limiter() *ratelimit.Limiter {
	return c.limiter
}

// Cache returns the read cache, or nil.
func (c *Client) Cache() *secapi.CacheManager {
	return c.cache
}

// Close releases idle connections.
func (c *Client) Close() {
	c.transport.CloseIdleConnections()
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (*secapi.Response, error) {
	return c.Do(ctx, &secapi.Request{Method: http.MethodGet, Path: path, Query: query})
}

// Post performs a POST request.
func (c *Client) Post(ctx context.Context, path string, body interface{}) (*secapi.Response, error) {
	return c.Do(ctx, &secapi.Request{Method: http.MethodPost, Path: path, Body: body})
}

// Put performs a PUT request.
func (c *Client) Put(ctx context.Context, path string, body interface{}) (*secapi.Response, error) {
	return c.Do(ctx, &secapi.Request{Method: http.MethodPut, Path: path, Body: body})
}

// Patch performs a PATCH request.
func (c *Client) Patch(ctx context.Context, path string, body interface{}) (*secapi.Response, error) {
	return c.Do(ctx, &secapi.Request{Method: http.MethodPatch, Path: path, Body: body})
}

// Delete performs a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) (*secapi.Response, error) {
	return c.Do(ctx, &secapi.Request{Method: http.MethodDelete, Path: path})
}

// call is the per-request state shared by all attempts.
type call struct {
	req       *secapi.Request
	service   *secapi.Service
	class     ratelimit.Class
	target    string
	body      []byte
	requestID string
	cacheKey  string
	start     time.Time
}

// Do executes req. Non-2xx responses are returned together with an error;
// the response is nil only when no response was received.
func (c *Client) Do(ctx context.Context, req *secapi.Request) (*secapi.Response, error) {
	if req == nil {
		return nil, ErrNilRequest
	}

	call, err := c.prepare(req)
	if err != nil {
		return nil, err
	}

	if cached := c.fromCache(ctx, call); cached != nil {
		return cached, nil
	}

	if call.req.Method != http.MethodGet && c.cache != nil {
		err = c.cache.Delete(ctx, call.cacheKey)
		if err != nil {
			c.logWarn("cache invalidation failed", map[string]interface{}{
				"request_id": call.requestID,
				"key":        call.cacheKey,
				"error":      err.Error(),
			})
		}
	}

	var lastResp *secapi.Response

	for attempt := 0; ; attempt++ {
		err = c.waitForSlot(ctx, call)
		if err != nil {
			return lastResp, err
		}

		resp, err := c.attempt(ctx, call)
		if err != nil {
			return resp, err
		}

		lastResp = resp

		if resp.IsSuccess() {
			c.store(ctx, call, resp)

			return resp, nil
		}

		httpErr := secapi.ParseHTTPError(resp.StatusCode, resp.Body)
		resp.Error = httpErr
		canRetry := attempt < c.maxRetries

		switch {
		case resp.StatusCode == http.StatusUnauthorized && c.authenticates(call.service):
			if !canRetry {
				return resp, &secapi.AuthenticationError{
					StatusCode: resp.StatusCode,
					Code:       httpErr.Code,
					Message:    httpErr.Message,
					Err:        secapi.ErrAuthExhausted,
				}
			}

			if elapsed := c.clock().Sub(call.start); c.timedOut(elapsed, 0) {
				return resp, timeoutError(elapsed, httpErr)
			}

			c.logWarn("refreshing token after 401", map[string]interface{}{
				"request_id": call.requestID,
				"attempt":    attempt + 1,
			})

			err = c.tokenManager.RefreshToken(ctx)
			if err != nil {
				return resp, err
			}

		case constants.RetryableStatusCodes[resp.StatusCode]:
			if !canRetry {
				return resp, httpErr
			}

			delay, source := RetryDelay(resp.StatusCode, resp.Headers, attempt, c.retryWaitMin, c.retryWaitMax, c.clock())
			if delay > c.maxRetryWait {
				return resp, &secapi.RetryTooLongError{StatusCode: resp.StatusCode, Wait: delay, MaxWait: c.maxRetryWait}
			}

			if elapsed := c.clock().Sub(call.start); c.timedOut(elapsed, delay) {
				return resp, timeoutError(elapsed, httpErr)
			}

			c.logWarn("retrying request", map[string]interface{}{
				"request_id":  call.requestID,
				"status_code": resp.StatusCode,
				"attempt":     attempt + 1,
				"delay":       delay.String(),
				"source":      source,
			})

			err = c.sleep(ctx, delay)
			if err != nil {
				return resp, fmt.Errorf("waiting to retry: %w", err)
			}

		default:
			return resp, httpErr
		}
	}
}

func (c *Client) prepare(req *secapi.Request) (*call, error) {
	clone := req.Clone()
	clone.FoldPathQuery()

	if clone.Method == "" {
		clone.Method = http.MethodGet
	}

	clone.Method = strings.ToUpper(clone.Method)

	// Unknown prefixes are sent as plain authenticated calls.
	service, _ := c.services.Resolve(clone.Path)

	target, err := c.resolveURL(clone, service)
	if err != nil {
		return nil, err
	}

	var body []byte

	if clone.Body != nil {
		payload := clone.Body
		if c.fieldNamer != nil {
			payload = secapi.RenameBody(payload, c.fieldNamer)
		}

		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	return &call{
		req:       clone,
		service:   service,
		class:     ratelimit.ClassForMethod(clone.Method),
		target:    target,
		body:      body,
		requestID: uuid.NewString(),
		cacheKey:  secapi.CacheKey(strings.SplitN(target, "?", 2)[0], c.cacheQuery(target)),
		start:     c.clock(),
	}, nil
}

func (c *Client) resolveURL(req *secapi.Request, service *secapi.Service) (string, error) {
	var (
		target *url.URL
		err    error
	)

	if isAbsolute(req.Path) {
		target, err = url.Parse(req.Path)
	} else {
		base := c.baseURL
		if service != nil && service.Sandbox && c.sandboxURL != "" {
			base = strings.TrimRight(c.sandboxURL, "/")
		}

		target, err = url.Parse(base + "/" + strings.TrimLeft(req.Path, "/"))
	}

	if err != nil {
		return "", fmt.Errorf("%w %q: %w", ErrInvalidPath, req.Path, err)
	}

	// Absolute URLs are server-issued continuation links; their query is
	// opaque and goes out unchanged.
	query := req.Query
	if c.fieldNamer != nil && !isAbsolute(req.Path) {
		query = secapi.RenameValues(query, c.fieldNamer)
	}

	// Added after casing so the parameter keeps its wire name.
	if service != nil && service.Sandbox && c.sandboxToken != "" {
		if query == nil {
			query = url.Values{}
		}

		query.Set(constants.SandboxTokenParam, c.sandboxToken)
	}

	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}

	return target.String(), nil
}

// cacheQuery returns the query of target without credentials.
func (c *Client) cacheQuery(target string) url.Values {
	parsed, err := url.Parse(target)
	if err != nil {
		return nil
	}

	query := parsed.Query()
	query.Del(constants.SandboxTokenParam)

	return query
}

func (c *Client) attempt(ctx context.Context, call *call) (*secapi.Response, error) {
	attemptReq := call.req.Clone()
	if attemptReq.Headers == nil {
		attemptReq.Headers = make(http.Header)
	}

	if c.interceptors != nil {
		err := c.interceptors.ExecuteRequestInterceptors(ctx, attemptReq)
		if err != nil {
			return nil, err
		}
	}

	httpReq, err := c.newHTTPRequest(ctx, call, attemptReq)
	if err != nil {
		return nil, err
	}

	c.logRequest(call, httpReq)

	started := c.clock()

	resp, err := c.transport.RoundTrip(ctx, httpReq)
	if err != nil {
		c.logWarn("request failed", map[string]interface{}{
			"request_id": call.requestID,
			"method":     call.req.Method,
			"error":      err.Error(),
		})

		return nil, err
	}

	if c.limiter != nil {
		c.limiter.UpdateFromHeaders(call.class, resp.Headers)
	}

	c.logResponse(call, resp, c.clock().Sub(started))

	if c.interceptors != nil {
		err = c.interceptors.ExecuteResponseInterceptors(ctx, attemptReq, resp)
		if err != nil {
			return resp, err
		}
	}

	return resp, nil
}

func (c *Client) newHTTPRequest(ctx context.Context, call *call, attemptReq *secapi.Request) (*http.Request, error) {
	var body io.Reader
	if call.body != nil {
		body = bytes.NewReader(call.body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, call.req.Method, call.target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(constants.HeaderAccept, constants.ContentTypeJSON)
	httpReq.Header.Set(constants.HeaderUserAgent, c.userAgent)
	httpReq.Header.Set(constants.HeaderRequestID, call.requestID)

	if call.body != nil {
		httpReq.Header.Set(constants.HeaderContentType, constants.ContentTypeJSON)
	}

	c.headersMu.RLock()
	for key, values := range c.defaultHeaders {
		httpReq.Header[key] = append([]string(nil), values...)
	}
	c.headersMu.RUnlock()

	for key, values := range attemptReq.Headers {
		httpReq.Header[http.CanonicalHeaderKey(key)] = append([]string(nil), values...)
	}

	switch {
	case call.service != nil && !call.service.Authenticated:
		httpReq.Header.Del(constants.HeaderAuthorization)
	case c.tokenManager != nil && attemptReq.Headers.Get(constants.HeaderAuthorization) == "":
		token, err := c.tokenManager.GetToken(ctx)
		if err != nil {
			return nil, err
		}

		httpReq.Header.Set(constants.HeaderAuthorization, "Bearer "+token)
	}

	return httpReq, nil
}

// authenticates reports whether calls to service carry a bearer token.
func (c *Client) authenticates(service *secapi.Service) bool {
	if c.tokenManager == nil {
		return false
	}

	return service == nil || service.Authenticated
}

// waitForSlot blocks until the limiter admits the call. A wait longer than
// the retry wait bound or the remaining call budget fails instead.
func (c *Client) waitForSlot(ctx context.Context, call *call) error {
	if c.limiter == nil {
		return nil
	}

	for {
		wait, delay := c.limiter.ShouldWait(call.class)
		if !wait {
			return nil
		}

		if delay > c.maxRetryWait {
			return &secapi.RateLimitError{Wait: delay, MaxWait: c.maxRetryWait}
		}

		if elapsed := c.clock().Sub(call.start); c.timedOut(elapsed, delay) {
			return &secapi.RateLimitError{Wait: delay, MaxWait: c.timeout - elapsed}
		}

		c.logDebug("waiting for rate limit", map[string]interface{}{
			"request_id": call.requestID,
			"class":      call.class.String(),
			"delay":      delay.String(),
		})

		err := c.sleep(ctx, delay)
		if err != nil {
			return fmt.Errorf("waiting for rate limit: %w", err)
		}
	}
}

func (c *Client) timedOut(elapsed, next time.Duration) bool {
	return c.timeout > 0 && elapsed+next > c.timeout
}

func timeoutError(elapsed time.Duration, httpErr *secapi.HTTPError) error {
	return fmt.Errorf("%w after %s: %w", secapi.ErrRequestTimeout, elapsed.Round(time.Millisecond), httpErr)
}

func (c *Client) cacheable(call *call) bool {
	return c.cache != nil && call.req.Method == http.MethodGet &&
		c.cachePolicy.ShouldCache(call.req.Method, call.req.Path, http.StatusOK)
}

func (c *Client) fromCache(ctx context.Context, call *call) *secapi.Response {
	if !c.cacheable(call) {
		return nil
	}

	entry, err := c.cache.GetEntry(ctx, call.cacheKey)
	if err != nil {
		return nil
	}

	c.logDebug("cache hit", map[string]interface{}{"request_id": call.requestID, "key": call.cacheKey})

	return &secapi.Response{
		StatusCode: entry.StatusCode,
		Headers:    entry.Headers,
		Body:       entry.Data,
		Cached:     true,
	}
}

func (c *Client) store(ctx context.Context, call *call, resp *secapi.Response) {
	if !c.cacheable(call) || !c.cachePolicy.ShouldCache(call.req.Method, call.req.Path, resp.StatusCode) {
		return
	}

	err := c.cache.SetEntry(ctx, call.cacheKey, &secapi.CacheEntry{
		Data:       resp.Body,
		StatusCode: resp.StatusCode,
		Headers:    resp.Headers,
		ETag:       resp.Headers.Get("ETag"),
	})
	if err != nil {
		c.logDebug("cache store skipped", map[string]interface{}{"key": call.cacheKey, "error": err.Error()})
	}
}

func (c *Client) logRequest(call *call, httpReq *http.Request) {
	if !c.debug || c.logger == nil {
		return
	}

	c.logger.Debug("HTTP Request", map[string]interface{}{
		"request_id": call.requestID,
		"method":     httpReq.Method,
		"url":        redactURL(httpReq.URL),
		"headers":    maskHeaders(httpReq.Header),
	})
}

func (c *Client) logResponse(call *call, resp *secapi.Response, duration time.Duration) {
	if !c.debug || c.logger == nil {
		return
	}

	c.logger.Debug("HTTP Response", map[string]interface{}{
		"request_id":  call.requestID,
		"status_code": resp.StatusCode,
		"duration":    duration.String(),
		"size":        len(resp.Body),
	})
}

func (c *Client) logDebug(msg string, fields map[string]interface{}) {
	if c.debug && c.logger != nil {
		c.logger.Debug(msg, fields)
	}
}

func (c *Client) logWarn(msg string, fields map[string]interface{}) {
	if c.logger != nil {
		c.logger.Warn(msg, fields)
	}
}

func maskHeaders(headers http.Header) map[string]string {
	masked := make(map[string]string, len(headers))

	for key, values := range headers {
		if strings.EqualFold(key, constants.HeaderAuthorization) {
			masked[key] = constants.MaskedSecret

			continue
		}

		masked[key] = strings.Join(values, ", ")
	}

	return masked
}

func isAbsolute(path string) bool {
	return strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
