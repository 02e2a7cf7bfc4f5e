package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/fivetwenty-io/secapi/internal/constants"
	"github.com/fivetwenty-io/secapi/pkg/secapi"
)

// Transport performs exactly one HTTP exchange. Retries are the executor's job.
type Transport interface {
	RoundTrip(ctx context.Context, req *http.Request) (*secapi.Response, error)
	CloseIdleConnections()
}

// TransportOptions configures NewTransport.
type TransportOptions struct {
	Timeout time.Duration
	Proxy   *secapi.ProxyConfig
	Logger  secapi.Logger
	// LogDebug forwards the underlying client's per-request debug lines.
	LogDebug bool
	// HTTPClient replaces the pooled client, mainly for tests.
	HTTPClient *http.Client
}

type retryableTransport struct {
	client *retryablehttp.Client
}

// NewTransport builds a Transport on a pooled connection set. The proxy is
// taken from opts.Proxy when set, otherwise from the environment.
func NewTransport(opts TransportOptions) (Transport, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = cleanhttp.DefaultPooledClient()

		if opts.Proxy != nil {
			proxyURL, err := opts.Proxy.URL()
			if err != nil {
				return nil, err
			}

			if pooled, ok := httpClient.Transport.(*http.Transport); ok {
				pooled.Proxy = http.ProxyURL(proxyURL)
			}
		}
	}

	if opts.Timeout > 0 {
		httpClient.Timeout = opts.Timeout
	} else if httpClient.Timeout == 0 {
		httpClient.Timeout = constants.DefaultHTTPTimeout
	}

	client := retryablehttp.NewClient()
	client.HTTPClient = httpClient
	client.RetryMax = 0
	client.CheckRetry = neverRetry
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	if opts.Logger != nil {
		client.Logger = &leveledLogger{logger: opts.Logger, debug: opts.LogDebug}
	} else {
		client.Logger = nil
	}

	return &retryableTransport{client: client}, nil
}

func neverRetry(context.Context, *http.Response, error) (bool, error) {
	return false, nil
}

// RoundTrip sends req and reads the whole body.
func (t *retryableTransport) RoundTrip(ctx context.Context, req *http.Request) (*secapi.Response, error) {
	rreq, err := retryablehttp.FromRequest(req.WithContext(ctx))
	if err != nil {
		return nil, &secapi.TransportError{Method: req.Method, URL: redactURL(req.URL), Err: err}
	}

	resp, err := t.client.Do(rreq)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}

		return nil, &secapi.TransportError{Method: req.Method, URL: redactURL(req.URL), Err: redactError(err)}
	}

	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &secapi.TransportError{
			Method: req.Method,
			URL:    redactURL(req.URL),
			Err:    fmt.Errorf("reading response body: %w", err),
		}
	}

	return &secapi.Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       body,
	}, nil
}

func (t *retryableTransport) CloseIdleConnections() {
	t.client.HTTPClient.CloseIdleConnections()
}

// redactURL masks credentials carried in the query string or userinfo.
func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}

	clone := *u
	clone.User = nil

	query := clone.Query()
	if query.Has(constants.SandboxTokenParam) {
		query.Set(constants.SandboxTokenParam, constants.MaskedSecret)
		clone.RawQuery = query.Encode()
	}

	return clone.String()
}

// redactError masks credentials in the URL that net/http embeds in its errors.
func redactError(err error) error {
	var urlErr *url.Error
	if !errors.As(err, &urlErr) {
		return err
	}

	parsed, parseErr := url.Parse(urlErr.URL)
	if parseErr != nil {
		return err
	}

	redacted := *urlErr
	redacted.URL = redactURL(parsed)

	return &redacted
}

// leveledLogger adapts secapi.Logger to retryablehttp.LeveledLogger.
type leveledLogger struct {
	logger secapi.Logger
	debug  bool
}

func (l *leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, kvFields(keysAndValues))
}

func (l *leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg, kvFields(keysAndValues))
}

func (l *leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	if l.debug {
		l.logger.Debug(msg, kvFields(keysAndValues))
	}
}

func (l *leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn(msg, kvFields(keysAndValues))
}

func kvFields(keysAndValues []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(keysAndValues)/2)

	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprint(keysAndValues[i])
		}

		switch value := keysAndValues[i+1].(type) {
		case error:
			fields[key] = redactError(value).Error()

			continue
		case *url.URL:
			fields[key] = redactURL(value)

			continue
		case string:
			if parsed, err := url.Parse(value); err == nil && parsed.Scheme != "" {
				fields[key] = redactURL(parsed)

				continue
			}
		}

		fields[key] = keysAndValues[i+1]
	}

	return fields
}
