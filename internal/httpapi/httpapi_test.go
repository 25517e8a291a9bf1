package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lighterfeed/lighterfeed/internal/broadcast"
	"github.com/lighterfeed/lighterfeed/internal/cache"
	"github.com/lighterfeed/lighterfeed/internal/config"
	"github.com/lighterfeed/lighterfeed/internal/errorlog"
	"github.com/lighterfeed/lighterfeed/internal/model"
	"github.com/lighterfeed/lighterfeed/internal/registry"
	"github.com/lighterfeed/lighterfeed/internal/telemetry"
)

type stubReconnector struct {
	allCalled      bool
	oneCalled      int
	connectedCount int
}

func (s *stubReconnector) ForceReconnect(accountID int) error {
	s.oneCalled = accountID
	return nil
}

func (s *stubReconnector) ForceReconnectAll() {
	s.allCalled = true
}

func (s *stubReconnector) ConnectedAccountCount() int {
	return s.connectedCount
}

type stubSink struct{ enabled bool }

func (s stubSink) Enabled() bool { return s.enabled }

func newTestServer(t *testing.T) (*Server, *stubReconnector) {
	t.Helper()
	c := cache.New()
	reg := registry.New([]config.AccountConfig{{AccountID: 1, AccountName: "acct-1"}})
	rec := &stubReconnector{}
	s := New(Config{
		Cache:      c,
		Telemetry:  telemetry.New(),
		ErrorLog:   errorlog.New(),
		Hub:        broadcast.New(),
		Registry:   reg,
		Supervisor: rec,
		Sink:       stubSink{enabled: false},
		RatePerSec: 1000,
		RateBurst:  1000,
	})
	c.Set("account:1", model.AccountSnapshot{
		AccountID:   1,
		AccountName: "acct-1",
		LastUpdate:  float64(time.Now().Unix()),
	}, 0)
	return s, rec
}

func do(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(w, req)
	return w
}

func TestPortfolioEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(t, s, http.MethodGet, "/api/portfolio")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestAccountsEndpointRedactsKeyMaterial(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(t, s, http.MethodGet, "/api/accounts")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "BEGIN") || strings.Contains(w.Body.String(), "private") {
		t.Errorf("response leaked key material: %s", w.Body.String())
	}
}

func TestAccountByIDUnknownReturns404(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(t, s, http.MethodGet, "/api/accounts/999")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(t, s, http.MethodGet, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"1":true`) {
		t.Errorf("expected account 1 live in health response, got %s", w.Body.String())
	}
}

func TestReconnectAllCallsSupervisor(t *testing.T) {
	s, rec := newTestServer(t)
	w := do(t, s, http.MethodPost, "/api/reconnect")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !rec.allCalled {
		t.Error("expected ForceReconnectAll to be called")
	}
}

func TestReconnectOneCallsSupervisor(t *testing.T) {
	s, rec := newTestServer(t)
	w := do(t, s, http.MethodPost, "/api/reconnect/1")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if rec.oneCalled != 1 {
		t.Errorf("ForceReconnect called with %d, want 1", rec.oneCalled)
	}
}

func TestStatusEndpointReportsAccountStats(t *testing.T) {
	s, rec := newTestServer(t)
	rec.connectedCount = 1
	w := do(t, s, http.MethodGet, "/api/status")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, `"active_accounts":1`) {
		t.Errorf("expected active_accounts:1 in status response, got %s", body)
	}
	if !strings.Contains(body, `"total_accounts":1`) {
		t.Errorf("expected total_accounts:1 in status response, got %s", body)
	}
}

func TestRateLimitReturns429(t *testing.T) {
	c := cache.New()
	reg := registry.New(nil)
	s := New(Config{
		Cache:      c,
		Telemetry:  telemetry.New(),
		ErrorLog:   errorlog.New(),
		Hub:        broadcast.New(),
		Registry:   reg,
		Supervisor: &stubReconnector{},
		Sink:       stubSink{},
		RatePerSec: 1,
		RateBurst:  1,
	})

	first := do(t, s, http.MethodGet, "/api/cache")
	if first.Code != http.StatusOK {
		t.Fatalf("first request status = %d", first.Code)
	}
	second := do(t, s, http.MethodGet, "/api/cache")
	if second.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", second.Code)
	}
}
