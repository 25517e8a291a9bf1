// Package wsconn implements the per-account WebSocket connector: dial,
// authenticate, subscribe to the account's positions/orders/trades
// channels, read and dispatch frames, and keep the connection alive with
// a ping/pong heartbeat, reconnecting under the shared backoff machine on
// any failure.
package wsconn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lighterfeed/lighterfeed/internal/auth"
	"github.com/lighterfeed/lighterfeed/internal/errorlog"
	"github.com/lighterfeed/lighterfeed/internal/model"
	"github.com/lighterfeed/lighterfeed/internal/retry"
	"github.com/lighterfeed/lighterfeed/internal/telemetry"
)

// heartbeatInterval is a variable so tests can shorten the real-time tick.
var heartbeatInterval = 30 * time.Second

const (
	staleAfter        = 60 * time.Second
	handshakeTimeout  = 10 * time.Second
	writeTimeout      = 5 * time.Second
	userAgent         = "lighterfeed/1.0"
)

// Handler is the single callback invoked on every frame, in the order the
// connector produced them for this account. It never errors the read loop:
// a non-nil return is logged and the connection stays open.
type Handler interface {
	Handle(accountID int, channel string, frame model.RawValue) error
}

// Config bundles the dependencies needed to construct a Connector.
type Config struct {
	AccountID   int
	AccountName string
	WSURL       string
	ProxyURL    string
	Origin      string
	Minter      auth.TokenMinter
	Handler     Handler
	ErrorLog    *errorlog.ErrorLog
	Telemetry   *telemetry.Telemetry
	Logger      *slog.Logger
}

// Connector is the per-account WebSocket connector (C6).
type Connector struct {
	accountID   int
	accountName string
	wsURL       string
	origin      string
	dialer      websocket.Dialer

	minter  auth.TokenMinter
	handler Handler
	errs    *errorlog.ErrorLog
	tel     *telemetry.Telemetry
	logger  *slog.Logger

	retry *retry.Machine

	mu                     sync.Mutex
	conn                   *websocket.Conn
	connected              bool
	lastMessageTs          time.Time
	lastPongTs             time.Time
	totalMessages          int64
	reconnectCount         int64
	connectionStartTs      time.Time
	lastSuccessfulConnect  time.Time

	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Connector from cfg.
func New(cfg Config) (*Connector, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("wsconn: parse proxy url: %w", err)
		}
		dialer.Proxy = http.ProxyURL(proxyURL)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	origin := cfg.Origin
	if origin == "" {
		origin = defaultOrigin(cfg.WSURL)
	}

	return &Connector{
		accountID:   cfg.AccountID,
		accountName: cfg.AccountName,
		wsURL:       cfg.WSURL,
		origin:      origin,
		dialer:      dialer,
		minter:      cfg.Minter,
		handler:     cfg.Handler,
		errs:        cfg.ErrorLog,
		tel:         cfg.Telemetry,
		logger:      logger,
		retry:       retry.New(time.Now),
		now:         time.Now,
	}, nil
}

func defaultOrigin(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		return ""
	}
	scheme := "https"
	if u.Scheme == "ws" {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s", scheme, u.Host)
}

// State is the subset of connector state exposed for telemetry/status.
type State struct {
	Connected             bool
	TotalMessages         int64
	ReconnectCount        int64
	ConnectionStartTs     time.Time
	LastSuccessfulConnect time.Time
	Retry                 retry.State
}

// State returns a snapshot of the connector's current status.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Connected:             c.connected,
		TotalMessages:         c.totalMessages,
		ReconnectCount:        c.reconnectCount,
		ConnectionStartTs:     c.connectionStartTs,
		LastSuccessfulConnect: c.lastSuccessfulConnect,
		Retry:                 c.retry.Snapshot(),
	}
}

// Start launches the dial/subscribe/read/reconnect loop.
func (c *Connector) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.loop()
}

// Stop cancels the connector's loop and waits for it to exit, closing the
// socket unconditionally.
func (c *Connector) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
}

// ForceReconnect resets the backoff machine and force-closes the current
// socket, causing the loop to redial immediately.
func (c *Connector) ForceReconnect() {
	c.retry.Reset()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// loop drives DIALING -> AUTHENTICATING -> SUBSCRIBED -> READING -> CLOSED
// -> WAIT -> DIALING until the context is cancelled.
func (c *Connector) loop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		if c.retry.ShouldSkip() {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}

		err := c.connectAndRead()
		c.recordExit(err)

		select {
		case <-c.ctx.Done():
			return
		default:
		}
	}
}

func (c *Connector) connectAndRead() error {
	conn, err := c.dial(c.ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.connectionStartTs = c.now()
	c.lastMessageTs = c.now()
	c.lastPongTs = c.now()
	c.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.lastPongTs = c.now()
		c.mu.Unlock()
		return nil
	})

	if err := c.subscribeAll(); err != nil {
		conn.Close()
		return err
	}

	c.retry.RecordSuccess()
	c.mu.Lock()
	c.lastSuccessfulConnect = c.now()
	c.mu.Unlock()
	if c.tel != nil {
		c.tel.SetWsConnected(true)
	}

	heartbeatDone := make(chan struct{})
	go c.heartbeat(conn, heartbeatDone)
	defer func() {
		close(heartbeatDone)
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		if c.tel != nil {
			c.tel.SetWsConnected(false)
		}
		conn.Close()
	}()

	return c.readLoop(conn)
}

func (c *Connector) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("User-Agent", userAgent)
	if c.origin != "" {
		header.Set("Origin", c.origin)
	}

	conn, _, err := c.dialer.DialContext(ctx, c.wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("wsconn: dial: %w", err)
	}
	return conn, nil
}

type subscribeFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Auth    string `json:"auth"`
}

func (c *Connector) subscribeAll() error {
	token, err := c.minter.Mint(c.accountID)
	if err != nil {
		return fmt.Errorf("wsconn: mint token: %w", err)
	}

	channels := []string{
		fmt.Sprintf("account_all_positions/%d", c.accountID),
		fmt.Sprintf("account_all_orders/%d", c.accountID),
		fmt.Sprintf("account_all_trades/%d", c.accountID),
	}

	for _, ch := range channels {
		frame := subscribeFrame{Type: "subscribe", Channel: ch, Auth: token}
		data, err := json.Marshal(frame)
		if err != nil {
			return fmt.Errorf("wsconn: marshal subscribe frame: %w", err)
		}
		if err := c.writeMessage(data); err != nil {
			return fmt.Errorf("wsconn: send subscribe frame %s: %w", ch, err)
		}
	}
	return nil
}

func (c *Connector) writeMessage(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return websocket.ErrCloseSent
	}
	conn.SetWriteDeadline(c.now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop reads frames until the connection errors or closes. A malformed
// frame is logged and dropped; it never closes the connection.
func (c *Connector) readLoop(conn *websocket.Conn) error {
	for {
		select {
		case <-c.ctx.Done():
			return nil
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		c.mu.Lock()
		prev := c.lastMessageTs
		now := c.now()
		c.lastMessageTs = now
		c.totalMessages++
		c.mu.Unlock()

		if c.tel != nil {
			var intervalMs float64
			if !prev.IsZero() {
				intervalMs = now.Sub(prev).Seconds() * 1000
			}
			c.tel.RecordWsMessage(intervalMs)
		}

		raw, err := model.ParseRawValue(data)
		if err != nil {
			c.logger.Warn("wsconn: malformed frame dropped", "account_id", c.accountID, "error", err)
			continue
		}

		channel := channelOf(raw)
		if channel == "pong" || channel == "" && isPongFrame(raw) {
			c.mu.Lock()
			c.lastPongTs = c.now()
			c.mu.Unlock()
			continue
		}

		if err := c.handler.Handle(c.accountID, channel, raw); err != nil {
			c.logger.Warn("wsconn: handler error", "account_id", c.accountID, "channel", channel, "error", err)
		}
	}
}

func channelOf(raw model.RawValue) string {
	if v, ok := raw.Path("channel"); ok {
		if s, ok := v.String(); ok {
			return s
		}
	}
	return ""
}

func isPongFrame(raw model.RawValue) bool {
	if v, ok := raw.Path("type"); ok {
		if s, ok := v.String(); ok {
			return strings.EqualFold(s, "pong")
		}
	}
	return false
}

// heartbeat sends a PING every 30s and force-closes the socket if no
// message or pong has been observed within the last 60s.
func (c *Connector) heartbeat(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			last := c.lastMessageTs
			if c.lastPongTs.After(last) {
				last = c.lastPongTs
			}
			c.mu.Unlock()

			if c.now().Sub(last) > staleAfter {
				c.logger.Warn("wsconn: connection stale, closing", "account_id", c.accountID)
				conn.Close()
				return
			}

			conn.SetWriteDeadline(c.now().Add(writeTimeout))
			if err := conn.WriteControl(websocket.PingMessage, nil, c.now().Add(writeTimeout)); err != nil {
				c.logger.Warn("wsconn: ping failed", "account_id", c.accountID, "error", err)
				return
			}
		}
	}
}

func (c *Connector) recordExit(err error) {
	c.mu.Lock()
	c.reconnectCount++
	c.connected = false
	c.mu.Unlock()

	c.retry.RecordFailure()

	kind := "connection"
	code := ""
	if err != nil {
		msg := err.Error()
		if strings.Contains(msg, "429") {
			kind = "429"
			code = "429"
		} else if strings.Contains(msg, "connection") {
			kind = "connection"
		} else {
			kind = "exception"
		}
	}
	message := "connection closed"
	if err != nil {
		message = err.Error()
	}
	c.errs.Add(c.accountID, c.accountName, kind, code, message, errorlog.SourceWebsocket)
}
