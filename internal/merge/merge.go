// Package merge applies WebSocket connector frames to the cache: it routes
// each frame by channel, merges and deduplicates trade buckets, and
// forwards every frame to the broadcast hub.
package merge

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lighterfeed/lighterfeed/internal/broadcast"
	"github.com/lighterfeed/lighterfeed/internal/cache"
	"github.com/lighterfeed/lighterfeed/internal/model"
)

const (
	wsEntryTTL    = 120 * time.Second
	tradesTTL     = time.Hour
	defaultTTL    = 5 * time.Second
)

// SinkSubmitter is the narrow interface the durable sink exposes to
// MergeLayer: a non-blocking, best-effort enqueue of one new trade.
type SinkSubmitter interface {
	SubmitTrade(accountID int, trade model.Trade)
}

// Layer is the single callback invoked on every WS frame, in the order the
// owning WsConnector produced them for one account.
type Layer struct {
	cache *cache.Cache
	hub   *broadcast.Hub
	sink  SinkSubmitter
	now   func() time.Time
}

// New constructs a Layer. sink may be nil when the durable sink is
// disabled.
func New(c *cache.Cache, hub *broadcast.Hub, sink SinkSubmitter) *Layer {
	return &Layer{cache: c, hub: hub, sink: sink, now: time.Now}
}

// Handle routes one WS frame for accountID. It never returns an error to
// the caller's read loop: a malformed frame is swallowed (logged by the
// caller) rather than killing the connection, matching the source's
// "callback exceptions never kill the reader" policy. The returned error
// is purely informational for tests and logging.
func (l *Layer) Handle(accountID int, channel string, frame model.RawValue) error {
	defer l.forward(frame)

	norm := strings.NewReplacer(":", "/").Replace(channel)

	switch {
	case strings.HasPrefix(norm, "account_all_orders"):
		return l.handleOrders(accountID, frame)
	case strings.HasPrefix(norm, "account_all_positions"):
		return l.handlePositions(accountID, frame)
	case strings.HasPrefix(norm, "account_all_trades"):
		return l.handleTrades(accountID, frame)
	default:
		if v, ok := frame.Path("account_index"); ok {
			if idx, ok := accountIndexOf(v); ok {
				l.cache.Set(fmt.Sprintf("ws_update:%d", idx), frame, defaultTTL)
			}
		}
		return nil
	}
}

func accountIndexOf(v model.RawValue) (int, bool) {
	if f, ok := v.Float(); ok {
		return int(f), true
	}
	if s, ok := v.String(); ok {
		n, err := strconv.Atoi(s)
		if err == nil {
			return n, true
		}
	}
	return 0, false
}

func (l *Layer) handleOrders(accountID int, frame model.RawValue) error {
	arr, _ := frame.Path("orders")
	items, _ := arr.Array()
	orders := make([]model.RawValue, len(items))
	for i, it := range items {
		orders[i] = model.NewRawValue(it)
	}
	l.cache.Set(fmt.Sprintf("ws_orders:%d", accountID), model.WsOrders{
		Orders:    orders,
		Timestamp: nowSeconds(l.now),
	}, wsEntryTTL)
	return nil
}

func (l *Layer) handlePositions(accountID int, frame model.RawValue) error {
	arr, _ := frame.Path("positions")
	items, _ := arr.Array()
	positions := make([]model.RawValue, len(items))
	for i, it := range items {
		positions[i] = model.NewRawValue(it)
	}
	l.cache.Set(fmt.Sprintf("ws_positions:%d", accountID), model.WsPositions{
		Positions: positions,
		Timestamp: nowSeconds(l.now),
	}, wsEntryTTL)
	return nil
}

func (l *Layer) handleTrades(accountID int, frame model.RawValue) error {
	key := fmt.Sprintf("ws_trades:%d", accountID)

	existing := map[int][]model.RawValue{}
	if cached, ok := l.cache.Get(key); ok {
		if wt, ok := cached.(model.WsTrades); ok && wt.Trades != nil {
			existing = wt.Trades
		}
	}

	tradesField, _ := frame.Path("trades")
	incoming := normalizeIncomingTrades(tradesField)

	merged := make(map[int][]model.RawValue, len(existing))
	for marketID, bucket := range existing {
		merged[marketID] = bucket
	}

	for marketID, newItems := range incoming {
		if existingBucket, ok := existing[marketID]; ok {
			seen := make(map[string]struct{}, len(existingBucket))
			for _, e := range existingBucket {
				if id := model.TradeIdentity(e); id != "" {
					seen[id] = struct{}{}
				}
			}

			bucket := append([]model.RawValue{}, existingBucket...)
			for _, ni := range newItems {
				nv := model.NewRawValue(ni)
				id := model.TradeIdentity(nv)
				if id != "" {
					if _, dup := seen[id]; dup {
						continue
					}
					seen[id] = struct{}{}
				}
				bucket = append(bucket, nv)
				if l.sink != nil && id != "" {
					l.sink.SubmitTrade(accountID, tradeFromRaw(marketID, nv))
				}
			}
			merged[marketID] = capTrades(bucket)
		} else {
			bucket := make([]model.RawValue, 0, len(newItems))
			for _, ni := range newItems {
				nv := model.NewRawValue(ni)
				bucket = append(bucket, nv)
				if l.sink != nil {
					l.sink.SubmitTrade(accountID, tradeFromRaw(marketID, nv))
				}
			}
			merged[marketID] = capTrades(bucket)
		}
	}

	volumes := model.Volumes{}
	if v, ok := frame.Path("total_volume"); ok {
		volumes.Total, _ = v.Float()
	}
	if v, ok := frame.Path("monthly_volume"); ok {
		volumes.Monthly, _ = v.Float()
	}
	if v, ok := frame.Path("weekly_volume"); ok {
		volumes.Weekly, _ = v.Float()
	}
	if v, ok := frame.Path("daily_volume"); ok {
		volumes.Daily, _ = v.Float()
	}

	l.cache.Set(key, model.WsTrades{
		Trades:    merged,
		Volumes:   volumes,
		Timestamp: nowSeconds(l.now),
	}, tradesTTL)
	return nil
}

// normalizeIncomingTrades accepts the "trades" field of an
// account_all_trades frame in either shape the exchange has been observed
// to send it in: an object keyed by market id (market id -> list of raw
// trade objects), or a flat array of raw trade objects each carrying its
// own market_id. Either way the result is a market id -> raw trade list
// map ready for dedup against the cached buckets.
func normalizeIncomingTrades(tradesField model.RawValue) map[int][]any {
	out := map[int][]any{}

	if obj, ok := tradesField.Object(); ok {
		for marketIDStr, rawList := range obj {
			marketID, err := strconv.Atoi(marketIDStr)
			if err != nil {
				continue
			}
			items, _ := rawList.([]any)
			out[marketID] = append(out[marketID], items...)
		}
		return out
	}

	if arr, ok := tradesField.Array(); ok {
		for _, item := range arr {
			nv := model.NewRawValue(item)
			marketID := 0
			if v, ok := nv.Path("market_id"); ok {
				if id, ok := accountIndexOf(v); ok {
					marketID = id
				}
			}
			out[marketID] = append(out[marketID], item)
		}
	}

	return out
}

func capTrades(bucket []model.RawValue) []model.RawValue {
	if len(bucket) > model.MaxTradesPerMarket {
		return bucket[len(bucket)-model.MaxTradesPerMarket:]
	}
	return bucket
}

func tradeFromRaw(marketID int, raw model.RawValue) model.Trade {
	t := model.Trade{MarketID: marketID, Raw: raw, Identity: model.TradeIdentity(raw)}
	if p, ok := raw.Path("price"); ok {
		t.Price, _ = p.Float()
	}
	if s, ok := raw.Path("size"); ok {
		t.Size, _ = s.Float()
	}
	if side, ok := raw.Path("side"); ok {
		t.Side, _ = side.String()
	}
	if ts, ok := raw.Path("timestamp"); ok {
		t.Ts, _ = ts.Float()
	}
	return t
}

func (l *Layer) forward(frame model.RawValue) {
	_ = l.hub.Broadcast(broadcast.Frame{Type: "lighter_update", Data: frame})
}

func nowSeconds(now func() time.Time) float64 {
	return float64(now().UnixNano()) / 1e9
}
