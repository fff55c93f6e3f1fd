// Package secret generates the random values used by the authorization flow
// and hashes refresh tokens for the denylist.
package secret

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// StateBytes is the amount of entropy in an authorization state value.
const StateBytes = 32

// PKCEPair is a code verifier and its S256 challenge.
type PKCEPair struct {
	Verifier  string
	Challenge string
}

// Provider produces unguessable values. Implementations must be safe for concurrent use.
type Provider interface {
	NewState() (string, error)
	NewPKCE() (PKCEPair, error)
	NewSessionID() (string, error)
}

// CryptoProvider is the crypto/rand backed Provider.
type CryptoProvider struct{}

var _ Provider = CryptoProvider{}

// NewProvider returns the default Provider.
func NewProvider() CryptoProvider {
	return CryptoProvider{}
}

// NewState returns 32 random bytes encoded as unpadded URL-safe base64.
func (CryptoProvider) NewState() (string, error) {
	return RandomString(StateBytes)
}

// NewPKCE returns a fresh verifier (32 random bytes) and its S256 challenge.
func (CryptoProvider) NewPKCE() (PKCEPair, error) {
	verifier := oauth2.GenerateVerifier()
	return PKCEPair{Verifier: verifier, Challenge: Challenge(verifier)}, nil
}

// NewSessionID returns 32 lowercase hex characters backed by a random UUID.
func (CryptoProvider) NewSessionID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return hex.EncodeToString(id[:]), nil
}

// Challenge computes base64url(sha256(verifier)) without padding.
func Challenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// HashToken is the denylist key for a plaintext refresh token: base64(sha256(token)).
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Fingerprint is a short, non-reversible reference to a bearer value such as a
// session id, safe to put in logs and traces.
func Fingerprint(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:6])
}

// RandomString returns size random bytes as unpadded URL-safe base64.
func RandomString(size int) (string, error) {
	if size <= 0 {
		size = StateBytes
	}
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
