package supervisor

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lighterfeed/lighterfeed/internal/broadcast"
	"github.com/lighterfeed/lighterfeed/internal/cache"
	"github.com/lighterfeed/lighterfeed/internal/config"
	"github.com/lighterfeed/lighterfeed/internal/errorlog"
	"github.com/lighterfeed/lighterfeed/internal/registry"
	"github.com/lighterfeed/lighterfeed/internal/telemetry"
)

func testPrivateKeyPEM(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

var upgrader = websocket.Upgrader{}

func TestSupervisorStartStopAndForceReconnect(t *testing.T) {
	restSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"accounts":[{"collateral":1,"positions":[]}]}`))
	}))
	defer restSrv.Close()

	wsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 0; i < 3; i++ {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer wsSrv.Close()

	reg := registry.New([]config.AccountConfig{
		{AccountID: 1, AccountName: "acct-1", PrivateKeyPEM: testPrivateKeyPEM(t)},
	})

	s, err := New(Config{
		Registry:       reg,
		Cache:          cache.New(),
		Telemetry:      telemetry.New(),
		ErrorLog:       errorlog.New(),
		Hub:            broadcast.New(),
		LighterBaseURL: restSrv.URL,
		LighterWSURL:   "ws" + strings.TrimPrefix(wsSrv.URL, "http"),
		PollInterval:   20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := s.RestState(1); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := s.ForceReconnect(1); err != nil {
		t.Errorf("ForceReconnect: %v", err)
	}
	if err := s.ForceReconnect(999); err == nil {
		t.Error("expected error for unknown account")
	}
	s.ForceReconnectAll()

	cancel()
	s.Stop()
}
