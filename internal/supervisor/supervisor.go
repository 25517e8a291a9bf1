// Package supervisor owns the per-account connector pairs: it builds one
// RestConnector and one WsConnector per configured account, wires the merge
// layer as the WS callback, and drives their combined startup and shutdown.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lighterfeed/lighterfeed/internal/auth"
	"github.com/lighterfeed/lighterfeed/internal/broadcast"
	"github.com/lighterfeed/lighterfeed/internal/cache"
	"github.com/lighterfeed/lighterfeed/internal/errorlog"
	"github.com/lighterfeed/lighterfeed/internal/merge"
	"github.com/lighterfeed/lighterfeed/internal/registry"
	"github.com/lighterfeed/lighterfeed/internal/restconn"
	"github.com/lighterfeed/lighterfeed/internal/retry"
	"github.com/lighterfeed/lighterfeed/internal/telemetry"
	"github.com/lighterfeed/lighterfeed/internal/wsconn"
)

// account bundles one configured account's pair of connectors.
type account struct {
	rest *restconn.Connector
	ws   *wsconn.Connector
}

// Supervisor is the lifecycle owner of every account's connector pair
// (C9).
type Supervisor struct {
	registry *registry.Registry
	accounts map[int]*account

	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// Config bundles the dependencies needed to construct a Supervisor.
type Config struct {
	Registry       *registry.Registry
	Cache          *cache.Cache
	Telemetry      *telemetry.Telemetry
	ErrorLog       *errorlog.ErrorLog
	Hub            *broadcast.Hub
	RestSink       restconn.Sink
	MergeSink      merge.SinkSubmitter
	LighterBaseURL string
	LighterWSURL   string
	PollInterval   time.Duration
	Logger         *slog.Logger
}

// New builds a Supervisor with one RestConnector+WsConnector pair per
// configured account, sharing a single AuthMinter and MergeLayer.
func New(cfg Config) (*Supervisor, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var creds []*auth.Credentials
	for _, acc := range cfg.Registry.All() {
		key, err := auth.ParsePrivateKeyPEM(acc.PrivateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("supervisor: parse private key for account %d: %w", acc.AccountID, err)
		}
		creds = append(creds, &auth.Credentials{
			AccountID:   acc.AccountID,
			APIKeyIndex: acc.APIKeyIndex,
			PrivateKey:  key,
			PublicKey:   acc.PublicKey,
		})
	}
	minter := auth.NewMinter(creds)
	layer := merge.New(cfg.Cache, cfg.Hub, cfg.MergeSink)

	accounts := make(map[int]*account, cfg.Registry.Len())
	for _, acc := range cfg.Registry.All() {
		restConn, err := restconn.New(restconn.Config{
			AccountID:    acc.AccountID,
			AccountName:  acc.AccountName,
			BaseURL:      cfg.LighterBaseURL,
			ProxyURL:     acc.ProxyURL,
			Minter:       minter,
			Cache:        cfg.Cache,
			Telemetry:    cfg.Telemetry,
			ErrorLog:     cfg.ErrorLog,
			Sink:         cfg.RestSink,
			PollInterval: cfg.PollInterval,
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("supervisor: build rest connector for account %d: %w", acc.AccountID, err)
		}

		wsConn, err := wsconn.New(wsconn.Config{
			AccountID:   acc.AccountID,
			AccountName: acc.AccountName,
			WSURL:       cfg.LighterWSURL,
			ProxyURL:    acc.ProxyURL,
			Minter:      minter,
			Handler:     layer,
			ErrorLog:    cfg.ErrorLog,
			Telemetry:   cfg.Telemetry,
			Logger:      logger,
		})
		if err != nil {
			return nil, fmt.Errorf("supervisor: build ws connector for account %d: %w", acc.AccountID, err)
		}

		accounts[acc.AccountID] = &account{rest: restConn, ws: wsConn}
	}

	return &Supervisor{registry: cfg.Registry, accounts: accounts, logger: logger}, nil
}

// Start launches every account's connector pair.
func (s *Supervisor) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	for _, acc := range s.accounts {
		acc.rest.Start(s.ctx)
		acc.ws.Start(s.ctx)
	}
}

// Stop cancels every connector's task and waits for clean shutdown.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	var g errgroup.Group
	for _, acc := range s.accounts {
		acc := acc
		g.Go(func() error { acc.rest.Stop(); return nil })
		g.Go(func() error { acc.ws.Stop(); return nil })
	}
	g.Wait()
}

// ForceReconnect resets both connectors for one account.
func (s *Supervisor) ForceReconnect(accountID int) error {
	acc, ok := s.accounts[accountID]
	if !ok {
		return fmt.Errorf("supervisor: unknown account %d", accountID)
	}
	acc.rest.ForceReset()
	acc.ws.ForceReconnect()
	return nil
}

// ForceReconnectAll resets every account's connector pair.
func (s *Supervisor) ForceReconnectAll() {
	for id := range s.accounts {
		_ = s.ForceReconnect(id)
	}
}

// RestState returns the retry state of one account's REST connector, for
// status reporting.
func (s *Supervisor) RestState(accountID int) (retry.State, bool) {
	acc, ok := s.accounts[accountID]
	if !ok {
		return retry.State{}, false
	}
	return acc.rest.State(), true
}

// WsState returns the status of one account's WS connector, for status
// reporting.
func (s *Supervisor) WsState(accountID int) (wsconn.State, bool) {
	acc, ok := s.accounts[accountID]
	if !ok {
		return wsconn.State{}, false
	}
	return acc.ws.State(), true
}

// ConnectedAccountCount reports how many accounts currently have a live WS
// connection, for the aggregate telemetry gauges.
func (s *Supervisor) ConnectedAccountCount() int {
	count := 0
	for _, acc := range s.accounts {
		if acc.ws.State().Connected {
			count++
		}
	}
	return count
}
