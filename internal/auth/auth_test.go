package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"strings"
	"testing"
	"time"
)

func generateTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func TestParsePrivateKeyPEM_PKCS8(t *testing.T) {
	key := generateTestKey(t)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal pkcs8: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	got, err := ParsePrivateKeyPEM(pemBytes)
	if err != nil {
		t.Fatalf("ParsePrivateKeyPEM: %v", err)
	}
	if got.N.Cmp(key.N) != 0 {
		t.Error("parsed key does not match original")
	}
}

func TestParsePrivateKeyPEM_PKCS1(t *testing.T) {
	key := generateTestKey(t)
	der := x509.MarshalPKCS1PrivateKey(key)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der})

	got, err := ParsePrivateKeyPEM(pemBytes)
	if err != nil {
		t.Fatalf("ParsePrivateKeyPEM: %v", err)
	}
	if got.N.Cmp(key.N) != 0 {
		t.Error("parsed key does not match original")
	}
}

func TestParsePrivateKeyPEM_Invalid(t *testing.T) {
	if _, err := ParsePrivateKeyPEM([]byte("not pem")); err == nil {
		t.Error("expected error for non-PEM input")
	}
}

func TestMintUnknownAccount(t *testing.T) {
	m := NewMinter(nil)
	if _, err := m.Mint(1); err == nil {
		t.Error("expected error for unknown account")
	}
}

func TestMintProducesToken(t *testing.T) {
	key := generateTestKey(t)
	m := NewMinter([]*Credentials{{AccountID: 7, APIKeyIndex: 2, PrivateKey: key}})

	tok, err := m.Mint(7)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if strings.TrimSpace(tok) == "" {
		t.Fatal("expected non-empty token")
	}
}

func TestMintConcurrentSafe(t *testing.T) {
	key := generateTestKey(t)
	m := NewMinter([]*Credentials{
		{AccountID: 1, APIKeyIndex: 0, PrivateKey: key},
		{AccountID: 2, APIKeyIndex: 1, PrivateKey: key},
	})

	done := make(chan error, 20)
	for i := 0; i < 20; i++ {
		id := (i % 2) + 1
		go func(id int) {
			_, err := m.Mint(id)
			done <- err
		}(id)
	}
	for i := 0; i < 20; i++ {
		if err := <-done; err != nil {
			t.Errorf("concurrent Mint failed: %v", err)
		}
	}
}

func TestTokenTTLConstant(t *testing.T) {
	if TokenTTL != 10*time.Minute {
		t.Errorf("TokenTTL = %v, want 10m", TokenTTL)
	}
}
