package auth

import (
	"sync"
	"time"

	"github.com/fivetwenty-io/secapi/internal/constants"
)

// Token represents an OAuth2 access token. Stored tokens are never mutated;
// a refresh replaces the whole value.
type Token struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int       `json:"expires_in"`
	Scope       string    `json:"scope,omitempty"`
	IssuedAt    time.Time `json:"-"`
	ExpiresAt   time.Time `json:"-"`
}

// newToken stamps a token response with its issue time and an expiry that
// already accounts for the expiration buffer.
func newToken(accessToken, tokenType, scope string, expiresIn int, issuedAt time.Time) *Token {
	token := &Token{
		AccessToken: accessToken,
		TokenType:   tokenType,
		ExpiresIn:   expiresIn,
		Scope:       scope,
		IssuedAt:    issuedAt,
	}

	if token.TokenType == "" {
		token.TokenType = "bearer"
	}

	if expiresIn > 0 {
		token.ExpiresAt = issuedAt.Add(time.Duration(expiresIn)*time.Second - constants.TokenExpirationBuffer)
	}

	return token
}

// Valid reports whether the token can be used now.
func (t *Token) Valid() bool {
	return t.ValidAt(time.Now())
}

// ValidAt reports whether the token can be used at now. A token without an
// expiry stays valid until the server rejects it.
func (t *Token) ValidAt(now time.Time) bool {
	if t == nil || t.AccessToken == "" {
		return false
	}

	if t.ExpiresAt.IsZero() {
		return true
	}

	return now.Before(t.ExpiresAt)
}

// TokenStore holds the current token of one credential set.
type TokenStore struct {
	mu    sync.RWMutex
	token *Token
}

// NewTokenStore creates an empty store.
func NewTokenStore() *TokenStore {
	return &TokenStore{}
}

// Get returns the current token or nil.
func (s *TokenStore) Get() *Token {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.token
}

// Set replaces the current token.
func (s *TokenStore) Set(token *Token) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = token
}

// Clear drops the current token.
func (s *TokenStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = nil
}
