package secapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Request describes one logical API call. Path is either an endpoint path
// beginning with a service prefix ("/access/...") or an absolute URL, as
// found in link-style pagination. Query parameters embedded in Path are
// folded into Query by the executor.
type Request struct {
	Method   string
	Path     string
	Query    url.Values
	Headers  http.Header
	Body     interface{}
	Metadata map[string]interface{}
}

// Clone returns a deep copy of the request suitable for mutation during
// retries or page advancement.
func (r *Request) Clone() *Request {
	clone := &Request{
		Method: r.Method,
		Path:   r.Path,
		Body:   r.Body,
	}

	if r.Query != nil {
		clone.Query = make(url.Values, len(r.Query))
		for key, values := range r.Query {
			clone.Query[key] = append([]string(nil), values...)
		}
	}

	if r.Headers != nil {
		clone.Headers = r.Headers.Clone()
	}

	if r.Metadata != nil {
		clone.Metadata = make(map[string]interface{}, len(r.Metadata))
		for key, value := range r.Metadata {
			clone.Metadata[key] = value
		}
	}

	return clone
}

// FoldPathQuery moves a query string embedded in Path into Query. Values
// already present in Query take precedence.
func (r *Request) FoldPathQuery() {
	path, rawQuery, found := strings.Cut(r.Path, "?")
	if !found {
		return
	}

	r.Path = path

	embedded, err := url.ParseQuery(rawQuery)
	if err != nil {
		return
	}

	if r.Query == nil {
		r.Query = make(url.Values, len(embedded))
	}

	for key, values := range embedded {
		if _, exists := r.Query[key]; !exists {
			r.Query[key] = values
		}
	}
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Error      error
	// Cached is true when the response was served from the read cache.
	Cached bool
}

// IsSuccess reports a 2xx status.
func (r *Response) IsSuccess() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v interface{}) error {
	if r == nil || len(r.Body) == 0 {
		return nil
	}

	err := json.Unmarshal(r.Body, v)
	if err != nil {
		return fmt.Errorf("parsing response body: %w", err)
	}

	return nil
}

// Doer executes a request through the full auth, rate limit and retry cycle.
type Doer interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// Client is the surface exposed to resource packages and applications.
type Client interface {
	Doer

	Get(ctx context.Context, path string, query url.Values) (*Response, error)
	Post(ctx context.Context, path string, body interface{}) (*Response, error)
	Put(ctx context.Context, path string, body interface{}) (*Response, error)
	Patch(ctx context.Context, path string, body interface{}) (*Response, error)
	Delete(ctx context.Context, path string) (*Response, error)

	// List issues a GET against a paginated endpoint and wraps the first page.
	List(ctx context.Context, path string, params *QueryParams) (*PagedResult, error)

	// GetToken returns the current bearer token, authenticating if required.
	GetToken(ctx context.Context) (string, error)

	// Services returns the service strategy table used for routing and paging.
	Services() *ServiceRegistry

	// Close releases idle connections and cache backends.
	Close() error
}

// Logger interface for logging.
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
}
