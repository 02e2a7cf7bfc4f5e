package auth_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fivetwenty-io/secapi/internal/auth"
	"github.com/fivetwenty-io/secapi/internal/constants"
	"github.com/fivetwenty-io/secapi/pkg/secapi"
)

type recordingSink struct {
	mu      sync.Mutex
	headers map[string]string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{headers: make(map[string]string)}
}

func (s *recordingSink) SetDefaultHeader(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.headers[key] = value
}

func (s *recordingSink) DeleteDefaultHeader(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.headers, key)
}

func (s *recordingSink) get(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.headers[key]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

func tokenServer(t *testing.T, calls *atomic.Int32, accessToken string) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": accessToken,
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	t.Cleanup(server.Close)

	return server
}

func secretCredentials(t *testing.T) *auth.Credentials {
	t.Helper()

	creds, err := auth.NewSecretCredentials("client-id", "client-secret")
	require.NoError(t, err)

	return creds
}

//nolint:funlen // Test functions can be longer for detailed testing
func TestOAuth2TokenManager_GetToken(t *testing.T) {
	t.Parallel()

	t.Run("returns existing valid token", func(t *testing.T) {
		t.Parallel()

		manager := auth.NewOAuth2TokenManager(&auth.OAuth2Config{TokenURL: "http://127.0.0.1:1/token"})
		manager.SetToken("existing-token", time.Now().Add(time.Hour))

		token, err := manager.GetToken(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "existing-token", token)
	})

	t.Run("uses client secret flow", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, constants.TokenPath, r.URL.Path)
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, constants.ContentTypeJSON, r.Header.Get("Accept"))
			assert.Equal(t, constants.ContentTypeForm, r.Header.Get("Content-Type"))
			assert.True(t, strings.HasPrefix(r.Header.Get("User-Agent"), "secapi-go/"))

			err := r.ParseForm()
			assert.NoError(t, err)
			assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
			assert.Equal(t, "client-id", r.Form.Get("client_id"))
			assert.Equal(t, "client-secret", r.Form.Get("client_secret"))
			assert.Equal(t, constants.DefaultAudience, r.Form.Get("audience"))
			assert.Empty(t, r.Form.Get("client_assertion"))

			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token": "client-token",
				"expires_in":   3600,
				"token_type":   "Bearer",
			})
		}))
		defer server.Close()

		manager := auth.NewOAuth2TokenManager(&auth.OAuth2Config{
			TokenURL:    server.URL + constants.TokenPath,
			Credentials: secretCredentials(t),
		})

		token, err := manager.GetToken(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "client-token", token)
	})

	t.Run("uses private key flow", func(t *testing.T) {
		t.Parallel()

		keyPEM := generateKeyPEM(t, 2048)
		privateKey, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(keyPEM))
		require.NoError(t, err)

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.NoError(t, r.ParseForm())
			assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
			assert.Equal(t, constants.ClientAssertionType, r.Form.Get("client_assertion_type"))
			assert.Empty(t, r.Form.Get("client_secret"))

			claims := &jwt.RegisteredClaims{}
			parsed, parseErr := jwt.ParseWithClaims(r.Form.Get("client_assertion"), claims,
				func(token *jwt.Token) (interface{}, error) {
					return &privateKey.PublicKey, nil
				},
				jwt.WithValidMethods([]string{"RS256"}),
				jwt.WithAudience(constants.DefaultAudience),
			)
			assert.NoError(t, parseErr)
			assert.True(t, parsed.Valid)
			assert.Equal(t, "client-id", claims.Issuer)
			assert.Equal(t, "client-id", claims.Subject)
			assert.NotEmpty(t, claims.ID)
			assert.Equal(t, constants.AssertionLifetime, claims.ExpiresAt.Sub(claims.IssuedAt.Time))

			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token": "key-token",
				"expires_in":   3600,
			})
		}))
		defer server.Close()

		creds, err := auth.NewKeyCredentials("client-id", keyPEM)
		require.NoError(t, err)

		manager := auth.NewOAuth2TokenManager(&auth.OAuth2Config{
			TokenURL:    server.URL + constants.TokenPath,
			Credentials: creds,
		})

		token, err := manager.GetToken(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "key-token", token)
	})

	t.Run("handles token request error", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":             "invalid_client",
				"error_description": "Client authentication failed",
			})
		}))
		defer server.Close()

		manager := auth.NewOAuth2TokenManager(&auth.OAuth2Config{
			TokenURL:    server.URL + constants.TokenPath,
			Credentials: secretCredentials(t),
		})

		token, err := manager.GetToken(context.Background())
		require.Error(t, err)
		assert.Empty(t, token)
		assert.Contains(t, err.Error(), "invalid_client")
		assert.Contains(t, err.Error(), "Client authentication failed")
		require.ErrorIs(t, err, secapi.ErrAuthenticationFailed)

		var authErr *secapi.AuthenticationError
		require.True(t, errors.As(err, &authErr))
		assert.Equal(t, http.StatusUnauthorized, authErr.StatusCode)
		assert.Equal(t, "invalid_client", authErr.Code)
	})

	t.Run("no credentials available", func(t *testing.T) {
		t.Parallel()

		manager := auth.NewOAuth2TokenManager(&auth.OAuth2Config{TokenURL: "http://127.0.0.1:1/token"})

		token, err := manager.GetToken(context.Background())
		require.ErrorIs(t, err, auth.ErrNoCredentials)
		assert.Empty(t, token)
	})

	t.Run("transport failure", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.NotFoundHandler())
		tokenURL := server.URL + constants.TokenPath
		server.Close()

		manager := auth.NewOAuth2TokenManager(&auth.OAuth2Config{
			TokenURL:    tokenURL,
			Credentials: secretCredentials(t),
		})

		_, err := manager.GetToken(context.Background())
		require.ErrorIs(t, err, secapi.ErrTransport)
		require.ErrorIs(t, err, secapi.ErrAuthenticationFailed)
	})

	t.Run("missing access token", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"token_type":"Bearer"}`))
		}))
		defer server.Close()

		manager := auth.NewOAuth2TokenManager(&auth.OAuth2Config{
			TokenURL:    server.URL,
			Credentials: secretCredentials(t),
		})

		_, err := manager.GetToken(context.Background())
		require.ErrorIs(t, err, auth.ErrMissingAccessToken)
	})
}

func TestOAuth2TokenManager_CachesToken(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	server := tokenServer(t, &calls, "cached-token")
	manager := auth.NewOAuth2TokenManager(&auth.OAuth2Config{
		TokenURL:    server.URL,
		Credentials: secretCredentials(t),
	})

	first, err := manager.GetToken(context.Background())
	require.NoError(t, err)

	second, err := manager.GetToken(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())
}

func TestOAuth2TokenManager_SingleFlight(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	release := make(chan struct{})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "shared-token",
			"expires_in":   3600,
		})
	}))
	defer server.Close()

	manager := auth.NewOAuth2TokenManager(&auth.OAuth2Config{
		TokenURL:    server.URL,
		Credentials: secretCredentials(t),
	})

	const callers = 20

	var wg sync.WaitGroup

	tokens := make([]string, callers)
	errs := make([]error, callers)

	for i := range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			tokens[i], errs[i] = manager.GetToken(context.Background())
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared-token", tokens[i])
	}

	assert.Equal(t, int32(1), calls.Load())
}

func TestOAuth2TokenManager_ExpiryUsesBuffer(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	server := tokenServer(t, &calls, "expiring-token")
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}

	manager := auth.NewOAuth2TokenManager(&auth.OAuth2Config{
		TokenURL:    server.URL,
		Credentials: secretCredentials(t),
		Clock:       clock.Now,
	})

	_, err := manager.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(3600*time.Second-constants.TokenExpirationBuffer), manager.TokenExpiry())

	clock.Advance(3600*time.Second - constants.TokenExpirationBuffer - time.Second)

	_, err = manager.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	clock.Advance(time.Second)

	_, err = manager.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestOAuth2TokenManager_RefreshAndInvalidate(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	server := tokenServer(t, &calls, "refreshed-token")
	manager := auth.NewOAuth2TokenManager(&auth.OAuth2Config{
		TokenURL:    server.URL,
		Credentials: secretCredentials(t),
	})

	sink := newRecordingSink()
	manager.AddHeaderSink(sink)

	manager.SetToken("current-token", time.Now().Add(time.Hour))
	assert.Equal(t, "Bearer current-token", sink.get("Authorization"))

	err := manager.RefreshToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "Bearer refreshed-token", sink.get("Authorization"))

	token, err := manager.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "refreshed-token", token)

	manager.Invalidate()
	assert.Empty(t, sink.get("Authorization"))
	assert.True(t, manager.TokenExpiry().IsZero())
}

func TestOAuth2TokenManager_SetToken(t *testing.T) {
	t.Parallel()

	manager := auth.NewOAuth2TokenManager(&auth.OAuth2Config{})

	expiresAt := time.Now().Add(1 * time.Hour)
	manager.SetToken("manual-token", expiresAt)

	token, err := manager.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "manual-token", token)
	assert.Equal(t, expiresAt.Unix(), manager.TokenExpiry().Unix())
}

func TestOAuth2TokenManager_CancelledWait(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	manager := auth.NewOAuth2TokenManager(&auth.OAuth2Config{
		TokenURL:    server.URL,
		Credentials: secretCredentials(t),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := manager.GetToken(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRegistry_SharesManagers(t *testing.T) {
	t.Parallel()

	registry := auth.NewRegistry()
	creds := secretCredentials(t)

	first, reused := registry.GetOrCreate(&auth.OAuth2Config{TokenURL: "https://acme.login.cloudsecapi.net/oauth2/v1/token", Credentials: creds})
	assert.False(t, reused)

	second, reused := registry.GetOrCreate(&auth.OAuth2Config{
		TokenURL:    "https://acme.login.cloudsecapi.net/oauth2/v1/token",
		Audience:    constants.DefaultAudience,
		Credentials: secretCredentials(t),
	})
	assert.True(t, reused)
	assert.Same(t, first, second)

	otherSecret, err := auth.NewSecretCredentials("client-id", "rotated-secret")
	require.NoError(t, err)

	third, reused := registry.GetOrCreate(&auth.OAuth2Config{TokenURL: "https://acme.login.cloudsecapi.net/oauth2/v1/token", Credentials: otherSecret})
	assert.False(t, reused)
	assert.NotSame(t, first, third)
	assert.Equal(t, 2, registry.Len())

	registry.Forget(&auth.OAuth2Config{
		TokenURL:    "https://acme.login.cloudsecapi.net/oauth2/v1/token",
		Audience:    constants.DefaultAudience,
		Credentials: otherSecret,
	})
	assert.Equal(t, 1, registry.Len())
}
