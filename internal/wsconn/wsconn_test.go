package wsconn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lighterfeed/lighterfeed/internal/errorlog"
	"github.com/lighterfeed/lighterfeed/internal/model"
	"github.com/lighterfeed/lighterfeed/internal/telemetry"
)

type stubMinter struct{}

func (stubMinter) Mint(accountID int) (string, error) { return "token", nil }

type recordingHandler struct {
	mu      sync.Mutex
	frames  []string
}

func (h *recordingHandler) Handle(accountID int, channel string, frame model.RawValue) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, channel)
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.frames)
}

var upgrader = websocket.Upgrader{}

// echoSubscribeServer accepts the connection, reads (and discards) the
// three subscribe frames, then holds the socket open without sending
// anything else until the test closes it.
func echoSubscribeServer(t *testing.T, onConn func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for i := 0; i < 3; i++ {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
		if onConn != nil {
			onConn(conn)
		}
	}))
}

func wsURL(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSubscribeAndDispatch(t *testing.T) {
	handler := &recordingHandler{}
	var wg sync.WaitGroup
	wg.Add(1)
	srv := echoSubscribeServer(t, func(conn *websocket.Conn) {
		defer wg.Done()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"account_all_orders/1","orders":[]}`))
		time.Sleep(200 * time.Millisecond)
	})
	defer srv.Close()

	c, err := New(Config{
		AccountID:   1,
		AccountName: "acct-1",
		WSURL:       wsURL(t, srv),
		Minter:      stubMinter{},
		Handler:     handler,
		ErrorLog:    errorlog.New(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	defer func() {
		cancel()
		c.Stop()
	}()

	wg.Wait()
	deadline := time.Now().Add(time.Second)
	for handler.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if handler.count() == 0 {
		t.Fatal("expected at least one dispatched frame")
	}
}

func TestTelemetryReflectsConnectionAndMessages(t *testing.T) {
	handler := &recordingHandler{}
	var wg sync.WaitGroup
	wg.Add(1)
	srv := echoSubscribeServer(t, func(conn *websocket.Conn) {
		defer wg.Done()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"account_all_orders/4","orders":[]}`))
		time.Sleep(200 * time.Millisecond)
	})
	defer srv.Close()

	tel := telemetry.New()
	c, err := New(Config{
		AccountID:   4,
		AccountName: "acct-4",
		WSURL:       wsURL(t, srv),
		Minter:      stubMinter{},
		Handler:     handler,
		ErrorLog:    errorlog.New(),
		Telemetry:   tel,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	defer func() {
		cancel()
		c.Stop()
	}()

	deadline := time.Now().Add(time.Second)
	for tel.Metrics().WsMessageCount == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	m := tel.Metrics()
	if !m.WsConnected {
		t.Error("expected ws_connected=true while the socket is open")
	}
	if m.WsMessageCount == 0 {
		t.Error("expected at least one recorded ws message")
	}
	wg.Wait()
}

func TestHeartbeatClosesStaleConnectionAndReconnects(t *testing.T) {
	// The staleness check runs on a real-time ticker; shorten it so the
	// fake clock advance below is observed within the test's deadline.
	defer func(prev time.Duration) { heartbeatInterval = prev }(heartbeatInterval)
	heartbeatInterval = 20 * time.Millisecond

	handler := &recordingHandler{}
	srv := echoSubscribeServer(t, nil)
	defer srv.Close()

	c, err := New(Config{
		AccountID:   2,
		AccountName: "acct-2",
		WSURL:       wsURL(t, srv),
		Minter:      stubMinter{},
		Handler:     handler,
		ErrorLog:    errorlog.New(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	fakeNow := time.Now()
	var mu sync.Mutex
	c.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return fakeNow
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	defer func() {
		cancel()
		c.Stop()
	}()

	deadline := time.Now().Add(time.Second)
	for c.State().ReconnectCount == 0 && !c.State().Connected && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	for !c.State().Connected && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	fakeNow = fakeNow.Add(61 * time.Second)
	mu.Unlock()

	deadline = time.Now().Add(2 * time.Second)
	for c.State().ReconnectCount == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}

	if c.State().ReconnectCount == 0 {
		t.Fatal("expected reconnect_count to increment after 61s without frames/pongs")
	}
}

func TestForceReconnectClosesSocket(t *testing.T) {
	handler := &recordingHandler{}
	srv := echoSubscribeServer(t, nil)
	defer srv.Close()

	c, err := New(Config{
		AccountID:   3,
		AccountName: "acct-3",
		WSURL:       wsURL(t, srv),
		Minter:      stubMinter{},
		Handler:     handler,
		ErrorLog:    errorlog.New(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	defer func() {
		cancel()
		c.Stop()
	}()

	deadline := time.Now().Add(time.Second)
	for !c.State().Connected && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	before := c.State().ReconnectCount
	c.ForceReconnect()

	deadline = time.Now().Add(time.Second)
	for c.State().ReconnectCount == before && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if c.State().ReconnectCount == before {
		t.Error("expected ForceReconnect to trigger a reconnect")
	}
}
