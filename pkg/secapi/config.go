package secapi

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fivetwenty-io/secapi/internal/constants"
)

// Config represents client configuration for building a secapi.Client.
//
// # Authentication
//
// Exactly one of ClientSecret or PrivateKey must be provided together with
// ClientID. With a secret the client uses the client_credentials grant
// directly. With a private key it signs a short lived RS256 client assertion.
// PrivateKey accepts either PEM content or a path to a PEM file. RSA keys
// shorter than 2048 bits are rejected.
//
// # Hosts
//
// The token endpoint is derived from VanityDomain and Cloud:
//
//	https://{vanity}.login.cloudsecapi.net/oauth2/v1/token        (production)
//	https://{vanity}.login.{cloud}.cloudsecapi.net/oauth2/v1/token (other clouds)
//
// TokenURL, BaseURL and SandboxURL override the derived hosts, which is how
// tests point the client at a local server.
//
// # Timeouts and retries
//
// Timeout bounds the wall time of one logical call including every retry.
// HTTPTimeout bounds one exchange. MaxRetries is the retry budget after the
// first attempt; zero disables retries. Server requested waits longer than
// MaxRetryWait fail with ErrRetryTooLong instead of sleeping. Start from
// DefaultConfig to get the documented defaults.
type Config struct {
	// ClientID: OAuth2 client identifier.
	ClientID string `mapstructure:"client_id" validate:"required"`
	// ClientSecret: shared secret for the client_credentials grant.
	ClientSecret string `mapstructure:"client_secret"`
	// PrivateKey: PEM encoded RSA key, or a path to one.
	PrivateKey string `mapstructure:"private_key"`
	// VanityDomain: tenant label used in the login host.
	VanityDomain string `mapstructure:"vanity_domain" validate:"omitempty,hostname_rfc1123"`
	// Cloud: platform environment; "production" unless stated.
	Cloud string `mapstructure:"cloud" validate:"omitempty,hostname_rfc1123"`
	// TokenURL: full token endpoint, overriding the derived one.
	TokenURL string `mapstructure:"token_url" validate:"omitempty,url"`
	// BaseURL: API host, overriding the derived one.
	BaseURL string `mapstructure:"base_url" validate:"omitempty,url"`
	// SandboxURL: sandbox host. Defaults to BaseURL when that is set.
	SandboxURL string `mapstructure:"sandbox_url" validate:"omitempty,url"`
	// Audience: token audience. Fixed by the platform; rarely changed.
	Audience string `mapstructure:"audience"`
	// SandboxToken: API token sent as a query parameter to sandbox endpoints.
	SandboxToken string `mapstructure:"sandbox_token"`

	// Timeout: overall time budget of one logical call.
	Timeout time.Duration `mapstructure:"timeout" validate:"gte=0"`
	// HTTPTimeout: time budget of one HTTP exchange.
	HTTPTimeout time.Duration `mapstructure:"http_timeout" validate:"gte=0"`
	// MaxRetries: retries after the first attempt, shared by 401 re-authentication
	// and transient failures.
	MaxRetries int `mapstructure:"max_retries" validate:"gte=0,lte=20"`
	// RetryWaitMin: base of exponential backoff.
	RetryWaitMin time.Duration `mapstructure:"retry_wait_min" validate:"gte=0"`
	// RetryWaitMax: cap of one exponential backoff delay.
	RetryWaitMax time.Duration `mapstructure:"retry_wait_max" validate:"gte=0"`
	// MaxRetryWait: longest wait the client accepts, whether server requested
	// or imposed by the local rate limiter.
	MaxRetryWait time.Duration `mapstructure:"max_retry_wait" validate:"gte=0"`

	// RateLimit: local sliding window limits per method class.
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	// RequestsPerSecond: optional steady pacing on top of the sliding window. Zero disables it.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"gte=0"`

	// Cache: read cache for GET responses. Nil disables caching.
	Cache *CacheConfig `mapstructure:"cache"`
	// Proxy: explicit proxy. Nil falls back to the proxy environment variables.
	Proxy *ProxyConfig `mapstructure:"proxy"`

	// UserAgent: overrides the default User-Agent header.
	UserAgent string `mapstructure:"user_agent"`
	// DefaultHeaders: sent with every request before caller headers.
	DefaultHeaders map[string]string `mapstructure:"default_headers"`
	// DisableFieldCasing: send query and body keys exactly as given.
	DisableFieldCasing bool `mapstructure:"disable_field_casing"`
	// FieldNamer: custom key transform. Defaults to SnakeToCamel.
	FieldNamer FieldNamer `mapstructure:"-" validate:"-"`

	// Debug: enables request/response logging when a Logger is provided.
	Debug bool `mapstructure:"debug"`
	// Logger: optional structured logger.
	Logger Logger `mapstructure:"-" validate:"-"`
}

// RateLimitConfig holds the sliding window limits. A non-positive limit or
// period disables limiting for that class.
type RateLimitConfig struct {
	ReadLimit   int           `mapstructure:"read_limit"   validate:"gte=0"`
	ReadPeriod  time.Duration `mapstructure:"read_period"  validate:"gte=0"`
	WriteLimit  int           `mapstructure:"write_limit"  validate:"gte=0"`
	WritePeriod time.Duration `mapstructure:"write_period" validate:"gte=0"`
}

// DefaultConfig returns a configuration carrying every documented default.
// Credentials and the vanity domain still have to be filled in.
func DefaultConfig() *Config {
	return &Config{
		Cloud:        constants.ProductionCloud,
		Audience:     constants.DefaultAudience,
		Timeout:      constants.DefaultRequestTimeout,
		HTTPTimeout:  constants.DefaultHTTPTimeout,
		MaxRetries:   constants.DefaultRetryMax,
		RetryWaitMin: constants.DefaultRetryWaitMin,
		RetryWaitMax: constants.DefaultRetryWaitMax,
		MaxRetryWait: constants.DefaultMaxRetryWait,
		RateLimit: RateLimitConfig{
			ReadLimit:   constants.DefaultReadLimit,
			ReadPeriod:  constants.DefaultReadPeriod,
			WriteLimit:  constants.DefaultWriteLimit,
			WritePeriod: constants.DefaultWritePeriod,
		},
	}
}

// ApplyDefaults fills unset hosts and durations. Retry budget and rate
// limits are left alone since zero is meaningful for them.
func (c *Config) ApplyDefaults() {
	if c.Cloud == "" {
		c.Cloud = constants.ProductionCloud
	}

	if c.Audience == "" {
		c.Audience = constants.DefaultAudience
	}

	if c.Timeout == 0 {
		c.Timeout = constants.DefaultRequestTimeout
	}

	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = constants.DefaultHTTPTimeout
	}

	if c.RetryWaitMin == 0 {
		c.RetryWaitMin = constants.DefaultRetryWaitMin
	}

	if c.RetryWaitMax == 0 {
		c.RetryWaitMax = constants.DefaultRetryWaitMax
	}

	if c.MaxRetryWait == 0 {
		c.MaxRetryWait = constants.DefaultMaxRetryWait
	}

	c.TokenURL = strings.TrimSuffix(c.TokenURL, "/")
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")
	c.SandboxURL = strings.TrimSuffix(c.SandboxURL, "/")
}

// Validate checks the configuration and returns a *ConfigurationError
// describing the first problem found.
func (c *Config) Validate() error {
	if c == nil {
		return &ConfigurationError{Reason: ErrConfigRequired.Error()}
	}

	err := validator.New().Struct(c)
	if err != nil {
		return toConfigurationError(err)
	}

	hasSecret := c.ClientSecret != ""
	hasKey := c.PrivateKey != ""

	switch {
	case hasSecret && hasKey:
		return &ConfigurationError{Field: "ClientSecret", Reason: "client secret and private key are mutually exclusive"}
	case !hasSecret && !hasKey:
		return &ConfigurationError{Field: "ClientSecret", Reason: "one of client secret or private key is required"}
	}

	if c.VanityDomain == "" && c.TokenURL == "" {
		return &ConfigurationError{Field: "VanityDomain", Reason: "is required unless TokenURL is set"}
	}

	if c.RetryWaitMax > 0 && c.RetryWaitMin > c.RetryWaitMax {
		return &ConfigurationError{Field: "RetryWaitMin", Reason: "must not exceed RetryWaitMax"}
	}

	if c.Proxy != nil {
		err = c.Proxy.Validate()
		if err != nil {
			return err
		}
	}

	if c.Cache != nil {
		return c.Cache.validate()
	}

	return nil
}

// TokenEndpoint returns the OAuth token URL for this tenant.
func (c *Config) TokenEndpoint() string {
	if c.TokenURL != "" {
		return c.TokenURL
	}

	return "https://" + c.VanityDomain + ".login." + c.domain() + constants.TokenPath
}

// APIBaseURL returns the API host.
func (c *Config) APIBaseURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}

	return "https://api." + c.domain()
}

// SandboxBaseURL returns the sandbox host.
func (c *Config) SandboxBaseURL() string {
	switch {
	case c.SandboxURL != "":
		return c.SandboxURL
	case c.BaseURL != "":
		return c.BaseURL
	default:
		return "https://sandbox." + c.domain()
	}
}

func (c *Config) domain() string {
	if c.Cloud == "" || c.Cloud == constants.ProductionCloud {
		return constants.PlatformDomain
	}

	return c.Cloud + "." + constants.PlatformDomain
}

func toConfigurationError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) || len(validationErrs) == 0 {
		return &ConfigurationError{Reason: err.Error()}
	}

	first := validationErrs[0]
	field := strings.TrimPrefix(first.Namespace(), "Config.")

	reason := "failed " + first.Tag() + " check"
	if first.Param() != "" {
		reason = fmt.Sprintf("failed %s=%s check", first.Tag(), first.Param())
	}

	if first.Tag() == "required" {
		reason = "is required"
	}

	return &ConfigurationError{Field: field, Reason: reason}
}
