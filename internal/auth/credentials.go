package auth

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fivetwenty-io/secapi/internal/constants"
	"github.com/fivetwenty-io/secapi/pkg/secapi"
)

// Credentials identify one API client. They are immutable once loaded and
// never render their secret material.
type Credentials struct {
	clientID     string
	clientSecret string
	privateKey   *rsa.PrivateKey
	fingerprint  string
}

// NewSecretCredentials builds shared-secret credentials.
func NewSecretCredentials(clientID, clientSecret string) (*Credentials, error) {
	if clientID == "" {
		return nil, &secapi.ConfigurationError{Field: "ClientID", Reason: "is required"}
	}

	if clientSecret == "" {
		return nil, &secapi.ConfigurationError{Field: "ClientSecret", Reason: "is required"}
	}

	sum := sha256.Sum256([]byte(clientSecret))

	return &Credentials{
		clientID:     clientID,
		clientSecret: clientSecret,
		fingerprint:  "secret:" + hex.EncodeToString(sum[:]),
	}, nil
}

// NewKeyCredentials builds private-key credentials. keyPEMOrPath holds PEM
// content or the path of a PEM file. RSA keys shorter than 2048 bits are
// rejected.
func NewKeyCredentials(clientID, keyPEMOrPath string) (*Credentials, error) {
	if clientID == "" {
		return nil, &secapi.ConfigurationError{Field: "ClientID", Reason: "is required"}
	}

	pemBytes, err := readKeyMaterial(keyPEMOrPath)
	if err != nil {
		return nil, err
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", constants.ErrPrivateKeyUnreadable, err)
	}

	if bits := key.N.BitLen(); bits < constants.MinRSAKeyBits {
		return nil, &secapi.AuthenticationError{
			Message: fmt.Sprintf("RSA key has %d bits, minimum is %d", bits, constants.MinRSAKeyBits),
			Err:     secapi.ErrWeakPrivateKey,
		}
	}

	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", constants.ErrPrivateKeyUnreadable, err)
	}

	sum := sha256.Sum256(publicDER)

	return &Credentials{
		clientID:    clientID,
		privateKey:  key,
		fingerprint: "key:" + hex.EncodeToString(sum[:]),
	}, nil
}

// LoadCredentials picks the credential flow configured in cfg.
func LoadCredentials(cfg *secapi.Config) (*Credentials, error) {
	if cfg.PrivateKey != "" {
		return NewKeyCredentials(cfg.ClientID, cfg.PrivateKey)
	}

	return NewSecretCredentials(cfg.ClientID, cfg.ClientSecret)
}

func readKeyMaterial(keyPEMOrPath string) ([]byte, error) {
	if strings.Contains(keyPEMOrPath, "-----BEGIN") {
		return []byte(keyPEMOrPath), nil
	}

	data, err := os.ReadFile(keyPEMOrPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", constants.ErrPrivateKeyUnreadable, err)
	}

	return data, nil
}

// ClientID returns the client identifier.
func (c *Credentials) ClientID() string {
	return c.clientID
}

// UsesPrivateKey reports whether the private-key flow applies.
func (c *Credentials) UsesPrivateKey() bool {
	return c.privateKey != nil
}

// Fingerprint identifies the secret material without revealing it.
func (c *Credentials) Fingerprint() string {
	return c.fingerprint
}

func (c *Credentials) String() string {
	kind := "secret"
	if c.UsesPrivateKey() {
		kind = "private_key"
	}

	return fmt.Sprintf("Credentials{ClientID: %s, %s: %s}", c.clientID, kind, constants.MaskedSecret)
}

// GoString keeps %#v from printing secrets.
func (c *Credentials) GoString() string {
	return c.String()
}
