package constants

import (
	"runtime"
	"strings"
	"time"
)

// Version is the client release, overridden at build time with -ldflags.
//
//nolint:gochecknoglobals // set by the linker
var Version = "0.1.0"

// ClientName prefixes the User-Agent header.
const ClientName = "secapi-go"

// UserAgent returns the default User-Agent header value.
func UserAgent() string {
	return ClientName + "/" + Version + " go/" + strings.TrimPrefix(runtime.Version(), "go") + " " + runtime.GOOS + "/" + runtime.GOARCH
}

// ConfigFilePerm is the permission for configuration and key files.
const ConfigFilePerm = 0600

// HTTP and network timeouts.
const (
	// DefaultHTTPTimeout is the per-attempt timeout of the underlying HTTP client.
	DefaultHTTPTimeout = 30 * time.Second

	// DefaultRequestTimeout bounds the wall time of one logical call including retries.
	DefaultRequestTimeout = 240 * time.Second

	// ShortHTTPTimeout is used for quick operations such as token exchanges.
	ShortHTTPTimeout = 10 * time.Second
)

// Retry and backoff limits.
const (
	// DefaultRetryMax is the default maximum number of retries after the first attempt.
	DefaultRetryMax = 5

	// DefaultRetryWaitMin is the base delay of exponential backoff.
	DefaultRetryWaitMin = 1 * time.Second

	// DefaultRetryWaitMax caps a single exponential backoff delay.
	DefaultRetryWaitMax = 30 * time.Second

	// DefaultMaxRetryWait is the longest server-requested wait the client will honor.
	DefaultMaxRetryWait = 60 * time.Second

	// RetryPadding is added to every server-guided delay to avoid racing the server clock.
	RetryPadding = 1 * time.Second

	// RateLimitFallbackWait is used for a 429 response carrying no timing headers.
	RateLimitFallbackWait = 2 * time.Second

	// RelativeResetThreshold separates relative reset values (seconds) from epoch timestamps.
	RelativeResetThreshold = 1_000_000_000
)

// Rate limiter defaults.
const (
	// DefaultReadLimit is the number of GET calls allowed per DefaultReadPeriod.
	DefaultReadLimit = 20

	// DefaultReadPeriod is the sliding window for read calls.
	DefaultReadPeriod = 10 * time.Second

	// DefaultWriteLimit is the number of mutating calls allowed per DefaultWritePeriod.
	DefaultWriteLimit = 10

	// DefaultWritePeriod is the sliding window for mutating calls.
	DefaultWritePeriod = 10 * time.Second

	// RateLimitRounding is the granularity delays are rounded up to.
	RateLimitRounding = 10 * time.Millisecond
)

// Token handling.
const (
	// TokenExpirationBuffer is subtracted from the server-advertised lifetime.
	TokenExpirationBuffer = 30 * time.Second

	// AssertionLifetime is the validity of a signed client assertion.
	AssertionLifetime = 10 * time.Minute

	// MinRSAKeyBits is the minimum accepted private key size.
	MinRSAKeyBits = 2048

	// GrantTypeClientCredentials is the only grant used by the platform.
	GrantTypeClientCredentials = "client_credentials"

	// ClientAssertionType identifies a JWT bearer client assertion.
	ClientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

	// TokenPath is the token endpoint path on the login host.
	TokenPath = "/oauth2/v1/token"
)

// Platform hosts.
const (
	// ProductionCloud names the production environment.
	ProductionCloud = "production"

	// PlatformDomain is the apex domain of the platform.
	PlatformDomain = "cloudsecapi.net"

	// DefaultAudience is the audience requested for every token.
	DefaultAudience = "https://api.cloudsecapi.net"

	// SandboxTokenParam carries the sandbox API token.
	SandboxTokenParam = "api_token"
)

// Header names.
const (
	HeaderAuthorization = "Authorization"
	HeaderUserAgent     = "User-Agent"
	HeaderAccept        = "Accept"
	HeaderContentType   = "Content-Type"
	HeaderRequestID     = "X-Request-ID"

	ContentTypeJSON = "application/json"
	ContentTypeForm = "application/x-www-form-urlencoded"
)

// RetryAfterHeaders lists headers carrying a relative wait in seconds, in priority order.
//
//nolint:gochecknoglobals // read-only lookup tables
var RetryAfterHeaders = []string{
	"Retry-After",
	"X-Rate-Limit-Retry-After-Seconds",
	"X-RateLimit-Retry-After",
}

// ResetHeaders lists headers carrying a rate limit reset time, in priority order.
//
//nolint:gochecknoglobals // read-only lookup tables
var ResetHeaders = []string{
	"X-RateLimit-Reset",
	"RateLimit-Reset",
	"X-Rate-Limit-Reset",
}

// RetryableStatusCodes are retried by the executor while budget remains.
//
//nolint:gochecknoglobals // read-only lookup tables
var RetryableStatusCodes = map[int]bool{
	408: true,
	409: true,
	412: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// Cache sizes and lifetimes.
const (
	// DefaultCacheSize is the default cache size limit.
	DefaultCacheSize = 1000

	// DefaultCacheTTL is the default cache time-to-live.
	DefaultCacheTTL = 5 * time.Minute

	// CacheShardCount is the number of lock shards of the memory cache.
	CacheShardCount = 16

	// MaxCacheValueSize is the maximum size for cached values (1MB).
	MaxCacheValueSize = 1024 * 1024
)

// Circuit breaker defaults.
const (
	// CircuitBreakerThreshold is the failure threshold for circuit breaker.
	CircuitBreakerThreshold = 5

	// CircuitBreakerSuccessThreshold is the success threshold for circuit breaker.
	CircuitBreakerSuccessThreshold = 2

	// CircuitBreakerTimeout is the timeout for circuit breaker.
	CircuitBreakerTimeout = 30 * time.Second
)

// State constants.
const (
	StatusClosed   = "closed"
	StatusOpen     = "open"
	StatusHalfOpen = "half-open"
)

// Pagination limits.
const (
	// MaxPages is used to prevent infinite loops in pagination.
	MaxPages = 1000
)

// Batch execution.
const (
	// DefaultBatchConcurrency is the number of batch operations in flight.
	DefaultBatchConcurrency = 5
)

// Display constants.
const (
	// MaskedSecret is used to hide sensitive information.
	MaskedSecret = "***"

	// JSONIndentSize is the number of spaces for JSON indentation.
	JSONIndentSize = 2

	// FormatJSON for JSON output format.
	FormatJSON = "json"

	// FormatYAML for YAML output format.
	FormatYAML = "yaml"
)

// Proxy bounds.
const (
	MinPort = 1
	MaxPort = 65535
)
