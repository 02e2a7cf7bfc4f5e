package secapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Sentinel errors. Typed errors below unwrap to one of these so callers can
// branch with errors.Is.
var (
	ErrInvalidConfig        = errors.New("invalid configuration")
	ErrConfigRequired       = errors.New("config is required")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrAuthExhausted        = errors.New("authentication retries exhausted")
	ErrWeakPrivateKey       = errors.New("private key is too weak")
	ErrTransport            = errors.New("transport error")
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrRetryTooLong         = errors.New("server requested a retry wait longer than allowed")
	ErrRequestTimeout       = errors.New("request timeout exceeded")
	ErrPaginationExhausted  = errors.New("no more pages")
	ErrUnknownService       = errors.New("unknown service")
	ErrCircuitBreakerOpen   = errors.New("circuit breaker is open")
	ErrEmptyResponse        = errors.New("empty response")
	ErrInvalidResponseBody  = errors.New("response body is not valid JSON")
)

// ConfigurationError reports an invalid or missing configuration value.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "invalid configuration: " + e.Reason
	}

	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// Unwrap returns ErrInvalidConfig.
func (e *ConfigurationError) Unwrap() error {
	return ErrInvalidConfig
}

// AuthenticationError is returned when the token endpoint rejects the client
// or the retry budget for 401 responses is spent.
type AuthenticationError struct {
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *AuthenticationError) Error() string {
	var b strings.Builder

	b.WriteString("authentication failed")

	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}

	if e.Code != "" {
		b.WriteString(": " + e.Code)
	}

	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}

	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}

	return b.String()
}

// Unwrap exposes both the cause and ErrAuthenticationFailed.
func (e *AuthenticationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrAuthenticationFailed, e.Err}
	}

	return []error{ErrAuthenticationFailed}
}

// TransportError wraps a network level failure where no response was received.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

// Unwrap exposes both the cause and ErrTransport.
func (e *TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}

// RateLimitError is returned when the local limiter would have to block
// longer than the caller tolerates.
type RateLimitError struct {
	Wait    time.Duration
	MaxWait time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: would wait %s (max %s)", e.Wait, e.MaxWait)
}

// Unwrap returns ErrRateLimitExceeded.
func (e *RateLimitError) Unwrap() error {
	return ErrRateLimitExceeded
}

// RetryTooLongError is returned instead of sleeping when the server asks for
// a wait beyond the configured maximum.
type RetryTooLongError struct {
	StatusCode int
	Wait       time.Duration
	MaxWait    time.Duration
}

func (e *RetryTooLongError) Error() string {
	return fmt.Sprintf("status %d: server requested retry after %s, exceeds max retry wait %s",
		e.StatusCode, e.Wait, e.MaxWait)
}

// Unwrap returns ErrRetryTooLong.
func (e *RetryTooLongError) Unwrap() error {
	return ErrRetryTooLong
}

// HTTPError represents a terminal non-2xx response.
type HTTPError struct {
	StatusCode int    `json:"status_code" yaml:"status_code"`
	Code       string `json:"code"        yaml:"code"`
	Message    string `json:"message"     yaml:"message"`
	Body       []byte `json:"-"           yaml:"-"`
}

func (e *HTTPError) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("%s: %s (status: %d)", e.Code, e.Message, e.StatusCode)
	case e.Message != "":
		return fmt.Sprintf("%s (status: %d)", e.Message, e.StatusCode)
	case e.Code != "":
		return fmt.Sprintf("%s (status: %d)", e.Code, e.StatusCode)
	default:
		return fmt.Sprintf("%s (status: %d)", http.StatusText(e.StatusCode), e.StatusCode)
	}
}

// PaginationError is returned by PagedResult.Next once iteration is over.
type PaginationError struct {
	Service string
	Pages   int
}

func (e *PaginationError) Error() string {
	return fmt.Sprintf("%s: no more pages after %d page(s)", e.Service, e.Pages)
}

// Unwrap returns ErrPaginationExhausted.
func (e *PaginationError) Unwrap() error {
	return ErrPaginationExhausted
}

// errorCodePaths and errorMessagePaths are the body fields checked, in order,
// for a machine readable code and a human readable message.
//
//nolint:gochecknoglobals // read-only lookup tables
var (
	errorCodePaths    = []string{"code", "id", "error", "errors.0.code"}
	errorMessagePaths = []string{"message", "reason", "error_description", "errors.0.message"}
)

// ParseHTTPError builds an HTTPError from a status code and a response body.
// Non-JSON bodies are kept verbatim as the message.
func ParseHTTPError(statusCode int, body []byte) *HTTPError {
	httpErr := &HTTPError{StatusCode: statusCode, Body: body}

	if !gjson.ValidBytes(body) {
		httpErr.Message = strings.TrimSpace(string(body))

		return httpErr
	}

	parsed := gjson.ParseBytes(body)
	httpErr.Code = firstString(parsed, errorCodePaths)
	httpErr.Message = firstString(parsed, errorMessagePaths)

	return httpErr
}

func firstString(parsed gjson.Result, paths []string) string {
	for _, path := range paths {
		value := parsed.Get(path)
		if value.Exists() && value.Type != gjson.JSON && value.String() != "" {
			return value.String()
		}
	}

	return ""
}

// IsNotFound checks if the error is a 404 response.
func IsNotFound(err error) bool {
	return hasStatus(err, http.StatusNotFound)
}

// IsUnauthorized checks if the error is a 401 response or an exhausted re-authentication.
func IsUnauthorized(err error) bool {
	if hasStatus(err, http.StatusUnauthorized) {
		return true
	}

	return errors.Is(err, ErrAuthExhausted)
}

// IsForbidden checks if the error is a 403 response.
func IsForbidden(err error) bool {
	return hasStatus(err, http.StatusForbidden)
}

// IsRateLimited checks if the error stems from throttling, locally or server side.
func IsRateLimited(err error) bool {
	if errors.Is(err, ErrRateLimitExceeded) || errors.Is(err, ErrRetryTooLong) {
		return true
	}

	return hasStatus(err, http.StatusTooManyRequests)
}

func hasStatus(err error, status int) bool {
	httpErr := &HTTPError{}
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == status
	}

	authErr := &AuthenticationError{}
	if errors.As(err, &authErr) {
		return authErr.StatusCode == status
	}

	return false
}
