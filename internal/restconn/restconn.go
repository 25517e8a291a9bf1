// Package restconn implements the per-account REST connector: a timed poll
// of the account snapshot plus a parallel active-order fan-out, gated by a
// two-phase failure backoff shared between both.
package restconn

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lighterfeed/lighterfeed/internal/auth"
	"github.com/lighterfeed/lighterfeed/internal/cache"
	"github.com/lighterfeed/lighterfeed/internal/errorlog"
	"github.com/lighterfeed/lighterfeed/internal/model"
	"github.com/lighterfeed/lighterfeed/internal/retry"
	"github.com/lighterfeed/lighterfeed/internal/telemetry"
)

const (
	requestTimeout       = 30 * time.Second
	snapshotWriteThrough = 60 * time.Second
	maxIdleConnsPerHost  = 10
)

// Sink is the narrow interface the durable sink exposes to RestConnector.
type Sink interface {
	Enabled() bool
	SubmitSnapshot(accountID int, snapshot model.AccountSnapshot)
	SubmitPositions(accountID int, positions []model.Position)
	SubmitOrders(accountID int, orders []model.RawValue)
}

// Connector is the per-account REST connector (C5).
type Connector struct {
	accountID   int
	accountName string
	baseURL     string
	minter      auth.TokenMinter
	httpClient  *http.Client

	cache *cache.Cache
	tel   *telemetry.Telemetry
	errs  *errorlog.ErrorLog
	sink  Sink

	pollInterval time.Duration
	logger       *slog.Logger

	retry *retry.Machine

	mu                sync.Mutex
	activeOrders      []model.RawValue
	lastSnapshotWrite time.Time

	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config bundles the dependencies needed to construct a Connector.
type Config struct {
	AccountID    int
	AccountName  string
	BaseURL      string
	ProxyURL     string
	Minter       auth.TokenMinter
	Cache        *cache.Cache
	Telemetry    *telemetry.Telemetry
	ErrorLog     *errorlog.ErrorLog
	Sink         Sink
	PollInterval time.Duration
	Logger       *slog.Logger
}

// New constructs a Connector from cfg.
func New(cfg Config) (*Connector, error) {
	transport := &http.Transport{MaxIdleConnsPerHost: maxIdleConnsPerHost}
	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("restconn: parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Connector{
		accountID:    cfg.AccountID,
		accountName:  cfg.AccountName,
		baseURL:      cfg.BaseURL,
		minter:       cfg.Minter,
		httpClient:   &http.Client{Transport: transport},
		cache:        cfg.Cache,
		tel:          cfg.Telemetry,
		errs:         cfg.ErrorLog,
		sink:         cfg.Sink,
		pollInterval: cfg.PollInterval,
		logger:       logger,
		retry:        retry.New(time.Now),
		now:          time.Now,
	}, nil
}

// Start launches the account poller loop.
func (c *Connector) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.run()
}

// Stop cancels the poller loop and waits for it to exit.
func (c *Connector) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Connector) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.PollOnce(c.ctx)
		}
	}
}

// State returns a copy of the connector's current retry state.
func (c *Connector) State() retry.State {
	return c.retry.Snapshot()
}

// ShouldSkipRequest reports whether the connector is in a backoff window
// that should suppress the next network call.
func (c *Connector) ShouldSkipRequest() bool {
	return c.retry.ShouldSkip()
}

// ForceReset unconditionally clears the connector's backoff state, as used
// by the operator reconnect command.
func (c *Connector) ForceReset() {
	c.retry.Reset()
}

// PollOnce runs a single poll cycle: the backoff check, the signed account
// GET, and the active-order fan-out. It never returns an error to the
// caller; all failures are recorded on connector state and the error log.
func (c *Connector) PollOnce(ctx context.Context) {
	if c.retry.ShouldSkip() {
		return
	}

	start := c.now()
	body, status, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/api/v1/account?account_index=%d", c.accountID))
	c.tel.RecordRestPoll(float64(c.now().Sub(start).Milliseconds()))

	if err != nil || status != http.StatusOK {
		c.recordFailure(classifyError(err, status))
		return
	}

	raw, err := model.ParseRawValue(body)
	if err != nil {
		c.recordFailure(failure{kind: "exception"})
		return
	}

	c.mu.Lock()
	orders := c.activeOrders
	c.mu.Unlock()

	snapshot := model.AccountSnapshot{
		AccountID:    c.accountID,
		AccountName:  c.accountName,
		Raw:          raw,
		ActiveOrders: orders,
		LastUpdate:   float64(c.now().Unix()),
	}
	c.cache.Set(fmt.Sprintf("account:%d", c.accountID), snapshot, 0)
	c.retry.RecordSuccess()
	c.writeThrough(snapshot, raw)

	markets := positionMarkets(raw)
	if len(markets) > 0 {
		newOrders := c.FetchAllActiveOrders(ctx, markets)
		c.mu.Lock()
		c.activeOrders = newOrders
		c.mu.Unlock()
		snapshot.ActiveOrders = newOrders
		c.cache.Set(fmt.Sprintf("account:%d", c.accountID), snapshot, 0)
	}
}

func (c *Connector) writeThrough(snapshot model.AccountSnapshot, raw model.RawValue) {
	if c.sink == nil || !c.sink.Enabled() {
		return
	}
	c.mu.Lock()
	due := c.now().Sub(c.lastSnapshotWrite) >= snapshotWriteThrough
	if due {
		c.lastSnapshotWrite = c.now()
	}
	c.mu.Unlock()
	if !due {
		return
	}

	c.sink.SubmitSnapshot(c.accountID, snapshot)
	if positions := extractPositions(raw); len(positions) > 0 {
		c.sink.SubmitPositions(c.accountID, positions)
	}
	if len(snapshot.ActiveOrders) > 0 {
		c.sink.SubmitOrders(c.accountID, snapshot.ActiveOrders)
	}
}

// FetchActiveOrders fetches the active orders for a single market, sharing
// this connector's retry state with the account poller.
func (c *Connector) FetchActiveOrders(ctx context.Context, marketID int) ([]model.RawValue, error) {
	if c.retry.ShouldSkip() {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.activeOrders, nil
	}

	path := fmt.Sprintf("/api/v1/account/active_orders?account_index=%d&market_id=%d", c.accountID, marketID)
	body, status, err := c.doRequest(ctx, http.MethodGet, path)
	if err != nil || status != http.StatusOK {
		c.recordFailure(classifyError(err, status))
		return nil, fmt.Errorf("restconn: fetch active orders market %d: status=%d err=%w", marketID, status, err)
	}

	raw, err := model.ParseRawValue(body)
	if err != nil {
		c.recordFailure(failure{kind: "exception"})
		return nil, fmt.Errorf("restconn: parse active orders market %d: %w", marketID, err)
	}
	c.retry.RecordSuccess()

	items, _ := raw.Array()
	out := make([]model.RawValue, len(items))
	for i, it := range items {
		out[i] = model.NewRawValue(it)
	}
	return out, nil
}

// FetchAllActiveOrders issues per-market fetches in parallel, bounded only
// by the pooled HTTP connections, and concatenates the non-error results.
// An empty markets list yields empty orders without any I/O.
func (c *Connector) FetchAllActiveOrders(ctx context.Context, markets []int) []model.RawValue {
	if len(markets) == 0 {
		return nil
	}

	results := make([][]model.RawValue, len(markets))
	var g errgroup.Group
	for i, marketID := range markets {
		i, marketID := i, marketID
		g.Go(func() error {
			orders, err := c.FetchActiveOrders(ctx, marketID)
			if err != nil {
				return nil
			}
			results[i] = orders
			return nil
		})
	}
	g.Wait()

	var all []model.RawValue
	for _, r := range results {
		all = append(all, r...)
	}
	return all
}

func positionMarkets(raw model.RawValue) []int {
	positions := extractPositionsRaw(raw)
	var markets []int
	for _, p := range positions {
		size, _ := firstFloat(p, "position", "signed_size")
		if size == 0 {
			continue
		}
		if mid, ok := p.Path("market_id"); ok {
			if f, ok := mid.Float(); ok {
				markets = append(markets, int(f))
			}
		}
	}
	return markets
}

func extractPositionsRaw(raw model.RawValue) []model.RawValue {
	accounts, ok := raw.Path("accounts")
	if !ok {
		if positions, ok := raw.Path("positions"); ok {
			arr, _ := positions.Array()
			out := make([]model.RawValue, len(arr))
			for i, a := range arr {
				out[i] = model.NewRawValue(a)
			}
			return out
		}
		return nil
	}
	arr, _ := accounts.Array()
	if len(arr) == 0 {
		return nil
	}
	first := model.NewRawValue(arr[0])
	positions, ok := first.Path("positions")
	if !ok {
		return nil
	}
	parr, _ := positions.Array()
	out := make([]model.RawValue, len(parr))
	for i, p := range parr {
		out[i] = model.NewRawValue(p)
	}
	return out
}

func extractPositions(raw model.RawValue) []model.Position {
	var out []model.Position
	for _, p := range extractPositionsRaw(raw) {
		pos := model.Position{}
		if v, ok := p.Path("market_id"); ok {
			if f, ok := v.Float(); ok {
				pos.MarketID = int(f)
			}
		}
		if v, ok := p.Path("position"); ok {
			pos.Size, _ = v.Float()
		}
		if v, ok := p.Path("avg_entry_price"); ok {
			pos.AvgEntryPrice, _ = v.Float()
		}
		if v, ok := p.Path("unrealized_pnl"); ok {
			pos.UnrealizedPnl, _ = v.Float()
		}
		if v, ok := p.Path("liquidation_price"); ok {
			pos.LiquidationPrice, _ = v.Float()
		}
		out = append(out, pos)
	}
	return out
}

func firstFloat(v model.RawValue, keys ...string) (float64, bool) {
	for _, k := range keys {
		if fv, ok := v.Path(k); ok {
			if f, ok := fv.Float(); ok {
				return f, true
			}
		}
	}
	return 0, false
}

type failure struct {
	kind string
	code string
}

func classifyError(err error, status int) failure {
	if err != nil {
		var netErr net.Error
		if ok := asNetError(err, &netErr); ok && netErr.Timeout() {
			return failure{kind: "timeout"}
		}
		return failure{kind: "exception"}
	}
	if status == http.StatusTooManyRequests {
		return failure{kind: "429", code: "429"}
	}
	return failure{kind: fmt.Sprintf("HTTP_%d", status), code: fmt.Sprintf("%d", status)}
}

func asNetError(err error, target *net.Error) bool {
	ne, ok := err.(net.Error)
	if ok {
		*target = ne
	}
	return ok
}

func (c *Connector) recordFailure(f failure) {
	c.retry.RecordFailure()
	c.errs.Add(c.accountID, c.accountName, f.kind, f.code, f.kind, errorlog.SourceRest)
}

func (c *Connector) doRequest(ctx context.Context, method, path string) ([]byte, int, error) {
	token, err := c.minter.Mint(c.accountID)
	if err != nil {
		return nil, 0, fmt.Errorf("restconn: mint token: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("restconn: build request: %w", err)
	}
	req.Header.Set("Authorization", token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("restconn: read body: %w", err)
	}
	return body, resp.StatusCode, nil
}
