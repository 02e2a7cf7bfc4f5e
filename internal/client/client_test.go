package client_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/fivetwenty-io/secapi/internal/auth"
	. "github.com/fivetwenty-io/secapi/internal/client"
	"github.com/fivetwenty-io/secapi/internal/ratelimit"
	"github.com/fivetwenty-io/secapi/internal/testserver"
	"github.com/fivetwenty-io/secapi/pkg/secapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(server *testserver.Server) *secapi.Config {
	config := secapi.DefaultConfig()
	config.ClientID = "client-id"
	config.ClientSecret = "client-secret"
	config.TokenURL = server.TokenURL()
	config.BaseURL = server.URL
	config.SandboxToken = "sandbox-token"
	config.RetryWaitMin = 10 * time.Millisecond
	config.RetryWaitMax = 50 * time.Millisecond
	config.RateLimit = secapi.RateLimitConfig{}

	return config
}

func newClient(t *testing.T, config *secapi.Config, opts ...Option) *Client {
	t.Helper()

	client, err := New(context.Background(), config, opts...)
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close() })

	return client
}

//nolint:funlen // Test functions can be longer for comprehensive testing
func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("requires config", func(t *testing.T) {
		t.Parallel()

		_, err := New(context.Background(), nil)
		require.ErrorIs(t, err, secapi.ErrInvalidConfig)
	})

	t.Run("requires client id", func(t *testing.T) {
		t.Parallel()

		config := secapi.DefaultConfig()
		config.ClientSecret = "secret"
		config.VanityDomain = "acme"

		_, err := New(context.Background(), config)

		var configErr *secapi.ConfigurationError
		require.ErrorAs(t, err, &configErr)
		assert.Equal(t, "ClientID", configErr.Field)
	})

	t.Run("rejects secret and key together", func(t *testing.T) {
		t.Parallel()

		config := secapi.DefaultConfig()
		config.ClientID = "client-id"
		config.ClientSecret = "secret"
		config.PrivateKey = "/does/not/matter.pem"
		config.VanityDomain = "acme"

		_, err := New(context.Background(), config)
		require.ErrorIs(t, err, secapi.ErrInvalidConfig)
		assert.Contains(t, err.Error(), "mutually exclusive")
	})

	t.Run("requires vanity domain without token url", func(t *testing.T) {
		t.Parallel()

		config := secapi.DefaultConfig()
		config.ClientID = "client-id"
		config.ClientSecret = "secret"

		_, err := New(context.Background(), config)

		var configErr *secapi.ConfigurationError
		require.ErrorAs(t, err, &configErr)
		assert.Equal(t, "VanityDomain", configErr.Field)
	})

	t.Run("makes no network call", func(t *testing.T) {
		t.Parallel()

		server := testserver.New(t)
		client := newClient(t, testConfig(server))

		assert.NotNil(t, client.TokenManager())
		assert.Equal(t, 0, server.TokenCalls())
		assert.Nil(t, client.CacheStats())
	})

	t.Run("rejects missing key file", func(t *testing.T) {
		t.Parallel()

		config := secapi.DefaultConfig()
		config.ClientID = "client-id"
		config.PrivateKey = "/nonexistent/key.pem"
		config.VanityDomain = "acme"

		_, err := New(context.Background(), config)
		require.Error(t, err)
	})
}

//nolint:funlen // Test functions can be longer for comprehensive testing
func TestClient_List(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		path     string
		pageSize int
		requests int
	}{
		{name: "flat array", path: "/policy/rules", requests: 1},
		{name: "page counter with total", path: "/access/users", pageSize: 10, requests: 3},
		{name: "page counter without total", path: "/device/devices", pageSize: 10, requests: 3},
		{name: "cursor", path: "/analytics/events", pageSize: 10, requests: 3},
		{name: "next link", path: "/workflow/executions", pageSize: 10, requests: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := testserver.New(t, testserver.WithItems(25))
			client := newClient(t, testConfig(server))

			params := secapi.NewQueryParams()
			if tt.pageSize > 0 {
				params.WithPageSize(tt.pageSize)
			}

			result, err := client.List(context.Background(), tt.path, params)
			require.NoError(t, err)

			type item struct {
				ID string `json:"id"`
			}

			items, err := secapi.ListAll[item](context.Background(), result)
			require.NoError(t, err)
			require.Len(t, items, 25)

			for i, it := range items {
				assert.Equal(t, fmt.Sprintf("item-%d", i), it.ID)
			}

			assert.False(t, result.HasNext())
			assert.Equal(t, tt.requests, server.Requests(http.MethodGet, tt.path))
			assert.Equal(t, 1, server.TokenCalls())

			err = result.Next(context.Background())
			require.ErrorIs(t, err, secapi.ErrPaginationExhausted)
		})
	}
}

func TestClient_ListUnknownService(t *testing.T) {
	t.Parallel()

	server := testserver.New(t)
	client := newClient(t, testConfig(server))

	_, err := client.List(context.Background(), "/billing/invoices", nil)
	require.ErrorIs(t, err, secapi.ErrUnknownService)
	assert.Equal(t, 0, server.TokenCalls())
}

func TestClient_Reauthentication(t *testing.T) {
	t.Parallel()

	server := testserver.New(t)
	client := newClient(t, testConfig(server))

	_, err := client.Get(context.Background(), "/policy/rules", nil)
	require.NoError(t, err)

	server.RevokeTokens()

	resp, err := client.Get(context.Background(), "/policy/rules", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, server.TokenCalls())
	assert.Equal(t, 3, server.Requests(http.MethodGet, "/policy/rules"))
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	server := testserver.New(t)
	server.Script(http.MethodGet, "/policy/rules",
		testserver.Scripted{Status: http.StatusServiceUnavailable},
		testserver.Scripted{Status: http.StatusBadGateway, Body: `{"message":"upstream"}`},
	)

	client := newClient(t, testConfig(server))

	resp, err := client.Get(context.Background(), "/policy/rules", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, server.Requests(http.MethodGet, "/policy/rules"))
}

func TestClient_HTTPError(t *testing.T) {
	t.Parallel()

	server := testserver.New(t)
	server.Script(http.MethodGet, "/access/users",
		testserver.Scripted{Status: http.StatusNotFound, Body: `{"code":"NOT_FOUND","message":"no such user"}`},
	)

	client := newClient(t, testConfig(server))

	resp, err := client.Get(context.Background(), "/access/users", nil)
	require.Error(t, err)
	assert.True(t, secapi.IsNotFound(err))
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, 1, server.Requests(http.MethodGet, "/access/users"))
}

func TestClient_TokenRejected(t *testing.T) {
	t.Parallel()

	server := testserver.New(t)

	config := testConfig(server)
	config.ClientSecret = "wrong"

	client := newClient(t, config)

	_, err := client.Get(context.Background(), "/policy/rules", nil)
	require.ErrorIs(t, err, secapi.ErrAuthenticationFailed)

	var authErr *secapi.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, http.StatusUnauthorized, authErr.StatusCode)
	assert.Equal(t, "invalid_client", authErr.Code)
	assert.Equal(t, 0, server.Requests(http.MethodGet, "/policy/rules"))
}

func TestClient_PrivateKey(t *testing.T) {
	t.Parallel()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	server := testserver.New(t, testserver.WithPublicKey("client-id", &key.PublicKey))

	config := testConfig(server)
	config.ClientSecret = ""
	config.PrivateKey = string(keyPEM)

	client := newClient(t, config)

	token, err := client.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", token)
}

func TestClient_Sandbox(t *testing.T) {
	t.Parallel()

	server := testserver.New(t)
	client := newClient(t, testConfig(server))

	resp, err := client.Get(context.Background(), "/sandbox/reports/42", nil)
	require.NoError(t, err)

	var body map[string]string
	require.NoError(t, resp.Decode(&body))
	assert.Equal(t, "complete", body["status"])
	assert.Equal(t, 0, server.TokenCalls())
}

func TestClient_BodyCasing(t *testing.T) {
	t.Parallel()

	server := testserver.New(t)
	client := newClient(t, testConfig(server))

	resp, err := client.Post(context.Background(), "/echo/rules", map[string]interface{}{"rule_name": "block-all"})
	require.NoError(t, err)

	var echoed struct {
		Method string                 `json:"method"`
		Body   map[string]interface{} `json:"body"`
	}

	require.NoError(t, json.Unmarshal(resp.Body, &echoed))
	assert.Equal(t, http.MethodPost, echoed.Method)
	assert.Equal(t, "block-all", echoed.Body["ruleName"])
}

func TestClient_SharedRegistry(t *testing.T) {
	t.Parallel()

	server := testserver.New(t)
	registry := auth.NewRegistry()

	first := newClient(t, testConfig(server), WithRegistry(registry))
	second := newClient(t, testConfig(server), WithRegistry(registry))

	assert.False(t, first.SharesToken())
	assert.True(t, second.SharesToken())
	assert.Same(t, first.TokenManager(), second.TokenManager())

	_, err := first.Get(context.Background(), "/policy/rules", nil)
	require.NoError(t, err)

	_, err = second.Get(context.Background(), "/policy/rules", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, server.TokenCalls())
	assert.Equal(t, 1, registry.Len())
}

func TestClient_Cache(t *testing.T) {
	t.Parallel()

	server := testserver.New(t)

	config := testConfig(server)
	config.Cache = secapi.DefaultCacheConfig()

	client, err := New(context.Background(), config)
	require.NoError(t, err)

	first, err := client.Get(context.Background(), "/policy/rules", nil)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := client.Get(context.Background(), "/policy/rules", nil)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Body, second.Body)

	assert.Equal(t, 1, server.Requests(http.MethodGet, "/policy/rules"))

	stats := client.CacheStats()
	require.NotNil(t, stats)
	assert.Equal(t, int64(1), stats.Hits)

	require.NoError(t, client.Close())
}

func TestClient_Interceptors(t *testing.T) {
	t.Parallel()

	server := testserver.New(t)
	collector := secapi.NewMetricsCollector()

	client := newClient(t, testConfig(server),
		WithRequestInterceptor(secapi.MetricsRequestInterceptor(collector)),
		WithResponseInterceptor(secapi.MetricsResponseInterceptor(collector)),
	)

	_, err := client.Get(context.Background(), "/device/devices", nil)
	require.NoError(t, err)

	metrics := collector.GetMetrics("GET /device/devices")
	require.NotNil(t, metrics)
	assert.Equal(t, int64(1), metrics.TotalRequests)
	assert.Equal(t, int64(0), metrics.TotalErrors)
}

func TestClient_RateLimiterUpdatedFromHeaders(t *testing.T) {
	t.Parallel()

	server := testserver.New(t)
	server.Script(http.MethodGet, "/policy/rules", testserver.Scripted{
		Status:  http.StatusOK,
		Headers: map[string]string{"X-RateLimit-Limit-Second": "5"},
		Body:    `[]`,
	})

	client := newClient(t, testConfig(server))

	_, err := client.Get(context.Background(), "/policy/rules", nil)
	require.NoError(t, err)

	snapshot := client.Limiter().Snapshot(ratelimit.ClassRead)
	assert.Equal(t, 5, snapshot.Limit)
	assert.Equal(t, time.Second, snapshot.Period)
}
