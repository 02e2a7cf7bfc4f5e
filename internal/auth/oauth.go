package auth

import (
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

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/sync/singleflight"

	"github.com/fivetwenty-io/secapi/internal/constants"
	"github.com/fivetwenty-io/secapi/pkg/secapi"
)

// Static errors for err113 compliance.
var (
	ErrNoCredentials      = errors.New("no valid credentials available")
	ErrMissingAccessToken = errors.New("token response did not contain an access token")
)

// HeaderSink receives the Authorization header whenever the token changes.
type HeaderSink interface {
	SetDefaultHeader(key, value string)
	DeleteDefaultHeader(key string)
}

// OAuth2Config configures an OAuth2TokenManager.
type OAuth2Config struct {
	TokenURL    string
	Audience    string
	Credentials *Credentials
	UserAgent   string
	HTTPClient  *http.Client
	Logger      secapi.Logger
	Clock       func() time.Time
}

// OAuth2TokenManager obtains and caches bearer tokens for one credential
// set. Concurrent callers that find the token missing or expired share one
// token exchange.
type OAuth2TokenManager struct {
	config     *OAuth2Config
	store      *TokenStore
	group      singleflight.Group
	httpClient *http.Client

	sinksMu sync.Mutex
	sinks   []HeaderSink
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
}

// NewOAuth2TokenManager creates a new OAuth2 token manager.
func NewOAuth2TokenManager(config *OAuth2Config) *OAuth2TokenManager {
	if config.Audience == "" {
		config.Audience = constants.DefaultAudience
	}

	if config.UserAgent == "" {
		config.UserAgent = constants.UserAgent()
	}

	if config.Clock == nil {
		config.Clock = time.Now
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = cleanhttp.DefaultPooledClient()
		httpClient.Timeout = constants.ShortHTTPTimeout
	}

	return &OAuth2TokenManager{
		config:     config,
		store:      NewTokenStore(),
		httpClient: httpClient,
	}
}

// AddHeaderSink registers a receiver for the Authorization header.
func (m *OAuth2TokenManager) AddHeaderSink(sink HeaderSink) {
	m.sinksMu.Lock()
	m.sinks = append(m.sinks, sink)
	token := m.store.Get()
	m.sinksMu.Unlock()

	if token.ValidAt(m.config.Clock()) {
		sink.SetDefaultHeader(constants.HeaderAuthorization, "Bearer "+token.AccessToken)
	}
}

// GetToken returns a valid access token, authenticating if necessary.
func (m *OAuth2TokenManager) GetToken(ctx context.Context) (string, error) {
	token, err := m.Token(ctx)
	if err != nil {
		return "", err
	}

	return token.AccessToken, nil
}

// Token returns the current valid token, authenticating if necessary.
func (m *OAuth2TokenManager) Token(ctx context.Context) (*Token, error) {
	if token := m.store.Get(); token.ValidAt(m.config.Clock()) {
		return token, nil
	}

	return m.Authenticate(ctx)
}

// Authenticate performs a token exchange unless one is already in flight,
// in which case it waits for that exchange's outcome. The exchange itself is
// detached from ctx so one caller giving up does not fail the others.
func (m *OAuth2TokenManager) Authenticate(ctx context.Context) (*Token, error) {
	flight := m.group.DoChan("token", func() (interface{}, error) {
		if token := m.store.Get(); token.ValidAt(m.config.Clock()) {
			return token, nil
		}

		return m.exchange(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for token: %w", ctx.Err())
	case result := <-flight:
		if result.Err != nil {
			return nil, result.Err
		}

		token, _ := result.Val.(*Token)

		return token, nil
	}
}

// Invalidate drops the cached token and the Authorization default header.
func (m *OAuth2TokenManager) Invalidate() {
	m.store.Clear()

	for _, sink := range m.headerSinks() {
		sink.DeleteDefaultHeader(constants.HeaderAuthorization)
	}
}

// RefreshToken forces a new token exchange.
func (m *OAuth2TokenManager) RefreshToken(ctx context.Context) error {
	m.Invalidate()

	_, err := m.Authenticate(ctx)

	return err
}

// SetToken installs a pre-issued token.
func (m *OAuth2TokenManager) SetToken(token string, expiresAt time.Time) {
	issued := &Token{
		AccessToken: token,
		TokenType:   "bearer",
		IssuedAt:    m.config.Clock(),
		ExpiresAt:   expiresAt,
	}

	m.store.Set(issued)
	m.publish(issued)
}

// TokenExpiry returns the expiry of the cached token, or the zero time.
func (m *OAuth2TokenManager) TokenExpiry() time.Time {
	token := m.store.Get()
	if token == nil {
		return time.Time{}
	}

	return token.ExpiresAt
}

// TokenURL returns the token endpoint in use.
func (m *OAuth2TokenManager) TokenURL() string {
	return m.config.TokenURL
}

func (m *OAuth2TokenManager) exchange(ctx context.Context) (*Token, error) {
	creds := m.config.Credentials
	if creds == nil {
		return nil, &secapi.AuthenticationError{Err: ErrNoCredentials}
	}

	form := url.Values{}
	form.Set("grant_type", constants.GrantTypeClientCredentials)
	form.Set("client_id", creds.clientID)
	form.Set("audience", m.config.Audience)

	if creds.UsesPrivateKey() {
		assertion, err := m.signAssertion(creds)
		if err != nil {
			return nil, err
		}

		form.Set("client_assertion", assertion)
		form.Set("client_assertion_type", constants.ClientAssertionType)
	} else {
		form.Set("client_secret", creds.clientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.config.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &secapi.AuthenticationError{Err: fmt.Errorf("creating token request: %w", err)}
	}

	req.Header.Set(constants.HeaderAccept, constants.ContentTypeJSON)
	req.Header.Set(constants.HeaderContentType, constants.ContentTypeForm)
	req.Header.Set(constants.HeaderUserAgent, m.config.UserAgent)

	issuedAt := m.config.Clock()

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, &secapi.AuthenticationError{
			Err: &secapi.TransportError{Method: http.MethodPost, URL: m.config.TokenURL, Err: err},
		}
	}

	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &secapi.AuthenticationError{
			StatusCode: resp.StatusCode,
			Err:        &secapi.TransportError{Method: http.MethodPost, URL: m.config.TokenURL, Err: err},
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		parsed := secapi.ParseHTTPError(resp.StatusCode, body)
		m.logWarn("token request rejected", map[string]interface{}{
			"status_code": resp.StatusCode,
			"code":        parsed.Code,
			"client_id":   creds.clientID,
		})

		return nil, &secapi.AuthenticationError{
			StatusCode: resp.StatusCode,
			Code:       parsed.Code,
			Message:    parsed.Message,
		}
	}

	var payload tokenResponse

	err = json.Unmarshal(body, &payload)
	if err != nil {
		return nil, &secapi.AuthenticationError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("decoding token response: %w", err),
		}
	}

	if payload.AccessToken == "" {
		return nil, &secapi.AuthenticationError{StatusCode: resp.StatusCode, Err: ErrMissingAccessToken}
	}

	token := newToken(payload.AccessToken, payload.TokenType, payload.Scope, payload.ExpiresIn, issuedAt)
	m.store.Set(token)
	m.publish(token)

	m.logDebug("token acquired", map[string]interface{}{
		"client_id":  creds.clientID,
		"expires_at": token.ExpiresAt,
		"flow":       flowName(creds),
	})

	return token, nil
}

func (m *OAuth2TokenManager) signAssertion(creds *Credentials) (string, error) {
	now := m.config.Clock()

	claims := jwt.RegisteredClaims{
		Issuer:    creds.clientID,
		Subject:   creds.clientID,
		Audience:  jwt.ClaimStrings{m.config.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(constants.AssertionLifetime)),
		ID:        uuid.NewString(),
	}

	if bits := creds.privateKey.N.BitLen(); bits < constants.MinRSAKeyBits {
		return "", &secapi.AuthenticationError{
			Message: fmt.Sprintf("RSA key has %d bits, minimum is %d", bits, constants.MinRSAKeyBits),
			Err:     secapi.ErrWeakPrivateKey,
		}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(creds.privateKey)
	if err != nil {
		return "", &secapi.AuthenticationError{Err: fmt.Errorf("signing client assertion: %w", err)}
	}

	return signed, nil
}

func (m *OAuth2TokenManager) publish(token *Token) {
	for _, sink := range m.headerSinks() {
		sink.SetDefaultHeader(constants.HeaderAuthorization, "Bearer "+token.AccessToken)
	}
}

func (m *OAuth2TokenManager) headerSinks() []HeaderSink {
	m.sinksMu.Lock()
	defer m.sinksMu.Unlock()

	return append([]HeaderSink(nil), m.sinks...)
}

func (m *OAuth2TokenManager) logDebug(msg string, fields map[string]interface{}) {
	if m.config.Logger != nil {
		m.config.Logger.Debug(msg, fields)
	}
}

func (m *OAuth2TokenManager) logWarn(msg string, fields map[string]interface{}) {
	if m.config.Logger != nil {
		m.config.Logger.Warn(msg, fields)
	}
}

func flowName(creds *Credentials) string {
	if creds.UsesPrivateKey() {
		return "private_key"
	}

	return "client_secret"
}

