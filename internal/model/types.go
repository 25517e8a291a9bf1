package model

import (
	"encoding/json"
	"fmt"
)

// RawValue is a loose sum type over a JSON value: object, array, string,
// number, bool, or null. The exchange returns dynamically shaped payloads;
// rather than model every field, callers decode into RawValue and extract
// only what they depend on, while the full structure is preserved verbatim
// for pass-through to subscribers.
type RawValue struct {
	v any
}

// NewRawValue wraps an already-decoded value (map[string]any, []any, or a
// JSON primitive) as a RawValue.
func NewRawValue(v any) RawValue { return RawValue{v: v} }

// ParseRawValue decodes raw JSON bytes into a RawValue.
func ParseRawValue(data []byte) (RawValue, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return RawValue{}, fmt.Errorf("model: parse raw value: %w", err)
	}
	return RawValue{v: v}, nil
}

// Interface returns the underlying decoded value.
func (r RawValue) Interface() any { return r.v }

// MarshalJSON re-emits the wrapped value verbatim.
func (r RawValue) MarshalJSON() ([]byte, error) {
	if r.v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(r.v)
}

// UnmarshalJSON decodes into the loose sum type.
func (r *RawValue) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	r.v = v
	return nil
}

// Object returns the value as a map, if it is one.
func (r RawValue) Object() (map[string]any, bool) {
	m, ok := r.v.(map[string]any)
	return m, ok
}

// Array returns the value as a slice, if it is one.
func (r RawValue) Array() (arr []any, ok bool) {
	arr, ok = r.v.([]any)
	return
}

// Path walks a sequence of keys like ("accounts", 0, "collateral") through
// nested objects (string keys) and arrays (int indices), returning the
// RawValue at that path.
func (r RawValue) Path(keys ...any) (RawValue, bool) {
	cur := r.v
	for _, k := range keys {
		switch key := k.(type) {
		case string:
			m, ok := cur.(map[string]any)
			if !ok {
				return RawValue{}, false
			}
			cur, ok = m[key]
			if !ok {
				return RawValue{}, false
			}
		case int:
			arr, ok := cur.([]any)
			if !ok || key < 0 || key >= len(arr) {
				return RawValue{}, false
			}
			cur = arr[key]
		default:
			return RawValue{}, false
		}
	}
	return RawValue{v: cur}, true
}

// Float returns the value as a float64, treating any JSON number or a
// numeric string (the exchange sometimes stringifies amounts).
func (r RawValue) Float() (float64, bool) {
	switch v := r.v.(type) {
	case float64:
		return v, true
	case string:
		var f float64
		if _, err := fmt.Sscanf(v, "%g", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}

// String returns the value as a string.
func (r RawValue) String() (string, bool) {
	s, ok := r.v.(string)
	return s, ok
}

// AccountSnapshot is the normalized view of one account's REST-polled state,
// cached under key "account:<id>". Raw preserves the exchange's returned
// structure verbatim; ActiveOrders is populated separately by the order
// fan-out and carried forward across polls.
type AccountSnapshot struct {
	AccountID    int       `json:"account_id"`
	AccountName  string    `json:"account_name"`
	Raw          RawValue  `json:"raw"`
	ActiveOrders []RawValue `json:"active_orders"`
	LastUpdate   float64   `json:"last_update"`
}

// Position is an extracted, typed view over an account's raw positions,
// used by the sink and the query-surface rollup.
type Position struct {
	MarketID         int     `json:"market_id"`
	Sign             int     `json:"sign"`
	Size             float64 `json:"position"`
	AvgEntryPrice    float64 `json:"avg_entry_price"`
	UnrealizedPnl    float64 `json:"unrealized_pnl"`
	LiquidationPrice float64 `json:"liquidation_price"`
}

// Trade is a single execution as carried in a ws_trades bucket. Identity is
// the dedup key: the first of id, trade_id, or timestamp that the frame
// actually supplied.
type Trade struct {
	MarketID int      `json:"market_id"`
	Identity string   `json:"-"`
	Price    float64  `json:"price"`
	Size     float64  `json:"size"`
	Side     string   `json:"side,omitempty"`
	Ts       float64  `json:"timestamp"`
	Raw      RawValue `json:"-"`
}

// TradeIdentity extracts the dedup identity key from a raw trade object,
// preferring "id", then "trade_id", then "timestamp", matching the upstream
// frame's own fallback order.
func TradeIdentity(raw RawValue) string {
	for _, key := range []string{"id", "trade_id", "timestamp"} {
		if v, ok := raw.Path(key); ok {
			if s, ok := v.String(); ok {
				return s
			}
			if f, ok := v.Float(); ok {
				return fmt.Sprintf("%v", f)
			}
		}
	}
	return ""
}

// Volumes carries the cumulative volume fields the exchange reports on a
// trades frame. These are overwritten wholesale on each frame, not merged;
// see the design notes on the ambiguity of delta-vs-cumulative semantics.
type Volumes struct {
	Total   float64 `json:"total"`
	Monthly float64 `json:"monthly"`
	Weekly  float64 `json:"weekly"`
	Daily   float64 `json:"daily"`
}

// WsOrders is the cache payload for key ws_orders:<id>.
type WsOrders struct {
	Orders    []RawValue `json:"orders"`
	Timestamp float64    `json:"timestamp"`
}

// WsPositions is the cache payload for key ws_positions:<id>.
type WsPositions struct {
	Positions []RawValue `json:"positions"`
	Timestamp float64    `json:"timestamp"`
}

// WsTrades is the cache payload for key ws_trades:<id>. Trades is keyed by
// market id; MaxTradesPerMarket bounds each bucket.
type WsTrades struct {
	Trades    map[int][]RawValue `json:"trades"`
	Volumes   Volumes            `json:"volumes"`
	Timestamp float64            `json:"timestamp"`
}

// MaxTradesPerMarket is the retention bound on a single market's trade
// bucket within WsTrades.
const MaxTradesPerMarket = 500

// PortfolioRollup is a read-time aggregation across all accounts, served by
// the query surface. It is never cached or persisted.
type PortfolioRollup struct {
	Accounts []AccountRollup `json:"accounts"`
	Total    AccountRollup   `json:"total"`
}

// AccountRollup is one account's row within PortfolioRollup.
type AccountRollup struct {
	AccountID       int     `json:"account_id,omitempty"`
	AccountName     string  `json:"account_name,omitempty"`
	IsLive          bool    `json:"is_live"`
	Collateral      float64 `json:"collateral"`
	AvailableBal    float64 `json:"available_balance"`
	PositionCount   int     `json:"position_count"`
	OrderCount      int     `json:"order_count"`
}
