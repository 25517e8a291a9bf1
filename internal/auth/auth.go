// Package auth mints short-lived bearer tokens for signed requests to the
// exchange, from each account's own RSA key material.
package auth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"sync"
	"time"
)

// TokenTTL is the validity window stamped into every minted token.
const TokenTTL = 10 * time.Minute

// Credentials holds one account's signing key material.
type Credentials struct {
	AccountID   int
	APIKeyIndex int
	PrivateKey  *rsa.PrivateKey
	PublicKey   string // opaque, published to the exchange out of band
}

// ParsePrivateKeyPEM decodes a PEM-encoded RSA private key, accepting either
// PKCS#8 or PKCS#1 encoding.
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("auth: failed to decode PEM block")
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("auth: key is not an RSA private key")
		}
		return rsaKey, nil
	}

	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse private key: %w", err)
	}
	return rsaKey, nil
}

// TokenMinter is the opaque signed-auth capability: mint(account_id) →
// (token, error). It must be safe to call concurrently from both the REST
// and WebSocket connectors for the same or different accounts.
type TokenMinter interface {
	Mint(accountID int) (string, error)
}

// Minter implements TokenMinter over a fixed set of in-memory Credentials,
// one per configured account. It holds no mutable state after construction
// beyond the mutex guarding the lookup map, so Mint is safe for concurrent
// use.
type Minter struct {
	mu    sync.RWMutex
	creds map[int]*Credentials
	now   func() time.Time
}

// NewMinter constructs a Minter over the given per-account credentials.
func NewMinter(creds []*Credentials) *Minter {
	m := &Minter{
		creds: make(map[int]*Credentials, len(creds)),
		now:   time.Now,
	}
	for _, c := range creds {
		m.creds[c.AccountID] = c
	}
	return m
}

// Mint produces a bearer token for accountID: base64 of
// "<accountID>.<apiKeyIndex>.<expiresAtUnix>.<signature>", where signature
// is an RSA-PSS/SHA-256 signature over "<accountID>.<apiKeyIndex>.<expiresAtUnix>"
// under that account's private key.
func (m *Minter) Mint(accountID int) (string, error) {
	m.mu.RLock()
	cred, ok := m.creds[accountID]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("auth: no credentials for account %d", accountID)
	}

	expiresAt := m.now().Add(TokenTTL).Unix()
	payload := fmt.Sprintf("%d.%d.%d", accountID, cred.APIKeyIndex, expiresAt)

	hashed := sha256.Sum256([]byte(payload))
	sig, err := rsa.SignPSS(rand.Reader, cred.PrivateKey, crypto.SHA256, hashed[:],
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}

	token := payload + "." + base64.RawURLEncoding.EncodeToString(sig)
	return base64.RawURLEncoding.EncodeToString([]byte(token)), nil
}
