// Package errorlog implements the bounded ring of recent connector errors
// with aggregate counters, consumed by the query surface's /api/status
// endpoint.
package errorlog

import (
	"sync"
	"time"

	"github.com/lighterfeed/lighterfeed/internal/ringbuf"
)

// Source distinguishes which connector produced an error.
type Source string

const (
	SourceRest      Source = "rest"
	SourceWebsocket Source = "websocket"
)

const (
	capacity     = 100
	maxMsgLen    = 200
	window1m     = time.Minute
	window5m     = 5 * time.Minute
)

// Entry is one recorded error.
type Entry struct {
	Timestamp   time.Time `json:"timestamp"`
	AccountID   int       `json:"account_id"`
	AccountName string    `json:"account_name"`
	Kind        string    `json:"kind"`
	Code        string    `json:"code,omitempty"`
	Message     string    `json:"message"`
	Source      Source    `json:"source"`
}

// ErrorLog is a bounded ring of the most recent errors plus a per
// "source:kind" aggregate counter.
type ErrorLog struct {
	mu      sync.Mutex
	ring    *ringbuf.Ring[Entry]
	counts  map[string]int
	started time.Time
	now     func() time.Time
}

// New constructs an empty ErrorLog.
func New() *ErrorLog {
	now := time.Now
	return &ErrorLog{
		ring:    ringbuf.New[Entry](capacity),
		counts:  make(map[string]int),
		started: now(),
		now:     now,
	}
}

// Add records an error, truncating the message to 200 characters and
// incrementing the "source:kind" aggregate counter.
func (l *ErrorLog) Add(accountID int, accountName, kind, code, message string, source Source) {
	if len(message) > maxMsgLen {
		message = message[:maxMsgLen]
	}
	e := Entry{
		Timestamp:   l.now(),
		AccountID:   accountID,
		AccountName: accountName,
		Kind:        kind,
		Code:        code,
		Message:     message,
		Source:      source,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.ring.Push(e)
	l.counts[string(source)+":"+kind]++
}

// Recent returns up to limit entries, newest first, optionally filtered by
// source. A limit <= 0 returns every stored entry.
func (l *ErrorLog) Recent(limit int, source Source) []Entry {
	items := l.ring.ItemsNewestFirst()
	if source == "" {
		if limit > 0 && limit < len(items) {
			return items[:limit]
		}
		return items
	}

	out := make([]Entry, 0, len(items))
	for _, e := range items {
		if e.Source == source {
			out = append(out, e)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Summary is the aggregate view returned by Summary().
type Summary struct {
	Total            int            `json:"total"`
	LastMinute       int            `json:"last_minute"`
	Last5Minutes     int            `json:"last_5_minutes"`
	ByAccount5m      map[string]int `json:"by_account_5m"`
	ByKind5m         map[string]int `json:"by_kind_5m"`
	Counts           map[string]int `json:"counts"`
	UptimeSeconds    float64        `json:"uptime_seconds"`
}

// Summary returns totals, recent-window counts, and per-account/per-kind
// 5-minute histograms, plus process uptime.
func (l *ErrorLog) Summary() Summary {
	l.mu.Lock()
	counts := make(map[string]int, len(l.counts))
	for k, v := range l.counts {
		counts[k] = v
	}
	l.mu.Unlock()

	items := l.ring.Items()
	now := l.now()

	s := Summary{
		Total:         len(items),
		ByAccount5m:   make(map[string]int),
		ByKind5m:      make(map[string]int),
		Counts:        counts,
		UptimeSeconds: now.Sub(l.started).Seconds(),
	}

	for _, e := range items {
		age := now.Sub(e.Timestamp)
		if age <= window1m {
			s.LastMinute++
		}
		if age <= window5m {
			s.Last5Minutes++
			s.ByAccount5m[e.AccountName]++
			s.ByKind5m[e.Kind]++
		}
	}
	return s
}
