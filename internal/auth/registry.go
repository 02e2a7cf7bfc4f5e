package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/fivetwenty-io/secapi/internal/constants"
)

// Registry shares token managers between clients built from the same
// configuration identity, so they reuse one token instead of each
// authenticating separately.
type Registry struct {
	mu       sync.Mutex
	managers map[string]*OAuth2TokenManager
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{managers: make(map[string]*OAuth2TokenManager)}
}

// IdentityKey hashes the fields that decide which token a manager obtains.
func IdentityKey(config *OAuth2Config) string {
	parts := []string{config.TokenURL, config.Audience}
	if config.Credentials != nil {
		parts = append(parts, config.Credentials.clientID, config.Credentials.fingerprint)
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))

	return hex.EncodeToString(sum[:])
}

// GetOrCreate returns the manager for config's identity, creating it on
// first use. The boolean reports whether an existing manager was reused.
func (r *Registry) GetOrCreate(config *OAuth2Config) (*OAuth2TokenManager, bool) {
	if config.Audience == "" {
		config.Audience = constants.DefaultAudience
	}

	key := IdentityKey(config)

	r.mu.Lock()
	defer r.mu.Unlock()

	if manager, ok := r.managers[key]; ok {
		return manager, true
	}

	manager := NewOAuth2TokenManager(config)
	r.managers[key] = manager

	return manager, false
}

// Len returns the number of distinct identities.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.managers)
}

// Forget drops the manager of an identity. Clients already holding it keep working.
func (r *Registry) Forget(config *OAuth2Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.managers, IdentityKey(config))
}
