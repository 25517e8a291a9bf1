// Package httpapi exposes the read-only query surface over the cache,
// telemetry, error log, broadcast hub, and account registry, plus the
// operator reconnect commands, rate-limited per the configured budget.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/lighterfeed/lighterfeed/internal/broadcast"
	"github.com/lighterfeed/lighterfeed/internal/cache"
	"github.com/lighterfeed/lighterfeed/internal/errorlog"
	"github.com/lighterfeed/lighterfeed/internal/model"
	"github.com/lighterfeed/lighterfeed/internal/registry"
	"github.com/lighterfeed/lighterfeed/internal/telemetry"
)

const liveThreshold = 10 * time.Second

// Reconnector is the subset of the supervisor the query surface can drive.
type Reconnector interface {
	ForceReconnect(accountID int) error
	ForceReconnectAll()
	ConnectedAccountCount() int
}

// SinkStatus reports whether the durable sink is enabled, for /api/status.
type SinkStatus interface {
	Enabled() bool
}

// Config bundles the dependencies needed to construct a Server.
type Config struct {
	Cache      *cache.Cache
	Telemetry  *telemetry.Telemetry
	ErrorLog   *errorlog.ErrorLog
	Hub        *broadcast.Hub
	Registry   *registry.Registry
	Supervisor Reconnector
	Sink       SinkStatus
	RatePerSec float64
	RateBurst  int
	Logger     *slog.Logger
}

// Server is the HTTP query surface (S4).
type Server struct {
	cache      *cache.Cache
	tel        *telemetry.Telemetry
	errs       *errorlog.ErrorLog
	hub        *broadcast.Hub
	registry   *registry.Registry
	supervisor Reconnector
	sink       SinkStatus
	limiter    *rate.Limiter
	logger     *slog.Logger

	httpServer *http.Server
}

// New constructs a Server and wires its routes onto an internal mux.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cache:      cfg.Cache,
		tel:        cfg.Telemetry,
		errs:       cfg.ErrorLog,
		hub:        cfg.Hub,
		registry:   cfg.Registry,
		supervisor: cfg.Supervisor,
		sink:       cfg.Sink,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RateBurst),
		logger:     logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/portfolio", s.withRateLimit(s.handlePortfolio))
	mux.HandleFunc("/api/cache", s.withRateLimit(s.handleCache))
	mux.HandleFunc("/api/accounts", s.withRateLimit(s.handleAccounts))
	mux.HandleFunc("/api/accounts/", s.withRateLimit(s.handleAccountByID))
	mux.HandleFunc("/api/status", s.withRateLimit(s.handleStatus))
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/reconnect", s.withRateLimit(s.handleReconnectAll))
	mux.HandleFunc("/api/reconnect/", s.withRateLimit(s.handleReconnectOne))
	mux.HandleFunc("/ws", s.handleWS)

	s.httpServer = &http.Server{Handler: mux}
	return s
}

// Start listens on addr in a background goroutine.
func (s *Server) Start(addr string) {
	s.httpServer.Addr = addr
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("httpapi: server error", "error", err)
		}
	}()
}

// Stop gracefully shuts down the HTTP server, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) withRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.buildRollup())
}

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cache.Snapshot())
}

// accountView is the key-material-free projection of AccountConfig served
// by /api/accounts.
type accountView struct {
	AccountID   int    `json:"account_id"`
	AccountName string `json:"account_name"`
	APIKeyIndex int    `json:"api_key_index"`
	HasProxy    bool   `json:"has_proxy"`
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	accounts := s.registry.All()
	views := make([]accountView, len(accounts))
	for i, a := range accounts {
		views[i] = accountView{
			AccountID:   a.AccountID,
			AccountName: a.AccountName,
			APIKeyIndex: a.APIKeyIndex,
			HasProxy:    a.ProxyURL != "",
		}
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAccountByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseTrailingInt(r.URL.Path, "/api/accounts/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	if _, ok := s.registry.Get(id); !ok {
		http.Error(w, "unknown account", http.StatusNotFound)
		return
	}

	out := map[string]any{}
	if v, ok := s.cache.Get(fmt.Sprintf("account:%d", id)); ok {
		out["account"] = v
	}
	if v, ok := s.cache.Get(fmt.Sprintf("ws_orders:%d", id)); ok {
		out["ws_orders"] = v
	}
	if v, ok := s.cache.Get(fmt.Sprintf("ws_positions:%d", id)); ok {
		out["ws_positions"] = v
	}
	if v, ok := s.cache.Get(fmt.Sprintf("ws_trades:%d", id)); ok {
		out["ws_trades"] = v
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sinkEnabled := false
	if s.sink != nil {
		sinkEnabled = s.sink.Enabled()
	}
	s.tel.SetAccountStats(s.supervisor.ConnectedAccountCount(), s.registry.Len(), s.hub.Count())
	writeJSON(w, http.StatusOK, map[string]any{
		"telemetry":    s.tel.Metrics(),
		"errors":       s.errs.Summary(),
		"sink_enabled": sinkEnabled,
		"accounts":     s.accountHealth(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"accounts": s.accountHealth(),
	})
}

func (s *Server) handleReconnectAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.supervisor.ForceReconnectAll()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reconnecting"})
}

func (s *Server) handleReconnectOne(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, ok := parseTrailingInt(r.URL.Path, "/api/reconnect/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	if err := s.supervisor.ForceReconnect(id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reconnecting"})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sub, err := upgradeToSubscriber(w, r, s.logger)
	if err != nil {
		s.logger.Warn("httpapi: ws upgrade failed", "error", err)
		return
	}
	s.hub.Attach(sub)
	_ = s.hub.SendOne(sub, broadcast.Frame{Type: "initial_data", Data: s.cache.Snapshot()})
	sub.readUntilClosed(s.hub)
}

func (s *Server) accountHealth() map[string]bool {
	out := make(map[string]bool)
	now := time.Now()
	for _, acc := range s.registry.All() {
		out[fmt.Sprintf("%d", acc.AccountID)] = s.isLive(acc.AccountID, now)
	}
	return out
}

func (s *Server) isLive(accountID int, now time.Time) bool {
	v, ok := s.cache.Get(fmt.Sprintf("account:%d", accountID))
	if !ok {
		return false
	}
	snapshot, ok := v.(model.AccountSnapshot)
	if !ok {
		return false
	}
	age := now.Sub(time.Unix(int64(snapshot.LastUpdate), 0))
	return age < liveThreshold
}

func parseTrailingInt(path, prefix string) (int, bool) {
	if len(path) <= len(prefix) {
		return 0, false
	}
	var id int
	_, err := fmt.Sscanf(path[len(prefix):], "%d", &id)
	return id, err == nil
}
