// Package sink implements the durable write-through for account snapshots,
// positions, orders, and trades: an opt-in, best-effort batched writer over
// a pooled Postgres/TimescaleDB connection. Sink failures never affect the
// primary cache path.
package sink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lighterfeed/lighterfeed/internal/model"
)

const (
	defaultBatchSize     = 200
	defaultFlushInterval = 2 * time.Second
	submitBufferSize     = 10000
)

// Table identifies which records table a record belongs to.
type Table string

const (
	TableSnapshots Table = "account_snapshots"
	TablePositions Table = "positions"
	TableOrders    Table = "orders"
	TableTrades    Table = "trades"
)

// SinkRecord is one row queued for write-through, tagged by destination
// table.
type SinkRecord struct {
	Table       Table
	AccountID   int
	CapturedAt  time.Time
	MarketID    int
	TradeIdent  string
	Payload     any
}

// Sink is the durable write-through surface consumed by RestConnector and
// MergeLayer.
type Sink struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	records chan SinkRecord

	batchSize     int
	flushInterval time.Duration

	batchMu sync.Mutex
	batch   []SinkRecord

	metrics metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type metrics struct {
	mu        sync.Mutex
	inserts   int64
	conflicts int64
	dropped   int64
	errors    int64
}

// Metrics is a snapshot of the sink's write-through counters.
type Metrics struct {
	Inserts   int64
	Conflicts int64
	Dropped   int64
	Errors    int64
}

// Connect opens the pooled connection and constructs a Sink. An empty
// databaseURL means the sink is disabled; Connect returns a non-nil,
// Enabled()==false Sink in that case so callers never need a nil check.
func Connect(ctx context.Context, databaseURL string, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if databaseURL == "" {
		return &Sink{logger: logger}, nil
	}

	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("sink: parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("sink: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sink: ping: %w", err)
	}

	return &Sink{
		pool:          pool,
		logger:        logger,
		records:       make(chan SinkRecord, submitBufferSize),
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		batch:         make([]SinkRecord, 0, defaultBatchSize),
	}, nil
}

// Enabled reports whether a live database connection backs this sink.
func (s *Sink) Enabled() bool {
	return s != nil && s.pool != nil
}

// Start launches the consume and flush loops. A no-op when disabled.
func (s *Sink) Start(ctx context.Context) {
	if !s.Enabled() {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(2)
	go s.consumeLoop()
	go s.flushLoop()
}

// Close flushes any pending records and closes the pool. A no-op when
// disabled.
func (s *Sink) Close(ctx context.Context) {
	if !s.Enabled() {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("sink: close timed out waiting for loops")
	}
	s.flush()
	s.pool.Close()
}

// Submit enqueues a record for asynchronous write-through. Non-blocking: a
// full buffer drops the record and logs, never blocking the caller.
func (s *Sink) Submit(rec SinkRecord) {
	if !s.Enabled() {
		return
	}
	select {
	case s.records <- rec:
	default:
		s.metrics.mu.Lock()
		s.metrics.dropped++
		s.metrics.mu.Unlock()
		s.logger.Warn("sink: submit buffer full, dropping record", "table", rec.Table)
	}
}

// SubmitSnapshot satisfies restconn.Sink.
func (s *Sink) SubmitSnapshot(accountID int, snapshot model.AccountSnapshot) {
	s.Submit(SinkRecord{
		Table:      TableSnapshots,
		AccountID:  accountID,
		CapturedAt: time.Now(),
		Payload:    snapshot,
	})
}

// SubmitPositions satisfies restconn.Sink.
func (s *Sink) SubmitPositions(accountID int, positions []model.Position) {
	for _, p := range positions {
		s.Submit(SinkRecord{
			Table:      TablePositions,
			AccountID:  accountID,
			CapturedAt: time.Now(),
			MarketID:   p.MarketID,
			Payload:    p,
		})
	}
}

// SubmitOrders satisfies restconn.Sink.
func (s *Sink) SubmitOrders(accountID int, orders []model.RawValue) {
	s.Submit(SinkRecord{
		Table:      TableOrders,
		AccountID:  accountID,
		CapturedAt: time.Now(),
		Payload:    orders,
	})
}

// SubmitTrade satisfies merge.SinkSubmitter.
func (s *Sink) SubmitTrade(accountID int, trade model.Trade) {
	s.Submit(SinkRecord{
		Table:      TableTrades,
		AccountID:  accountID,
		MarketID:   trade.MarketID,
		TradeIdent: trade.Identity,
		Payload:    trade,
	})
}

// Metrics returns a snapshot of the write-through counters.
func (s *Sink) Metrics() Metrics {
	s.metrics.mu.Lock()
	defer s.metrics.mu.Unlock()
	return Metrics{
		Inserts:   s.metrics.inserts,
		Conflicts: s.metrics.conflicts,
		Dropped:   s.metrics.dropped,
		Errors:    s.metrics.errors,
	}
}

func (s *Sink) consumeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case rec := <-s.records:
			s.batchMu.Lock()
			s.batch = append(s.batch, rec)
			shouldFlush := len(s.batch) >= s.batchSize
			s.batchMu.Unlock()
			if shouldFlush {
				s.flush()
			}
		}
	}
}

func (s *Sink) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.flush()
		}
	}
}

func (s *Sink) flush() {
	s.batchMu.Lock()
	if len(s.batch) == 0 {
		s.batchMu.Unlock()
		return
	}
	batch := s.batch
	s.batch = make([]SinkRecord, 0, s.batchSize)
	s.batchMu.Unlock()

	conflicts, err := s.batchInsert(batch)
	if err != nil {
		s.logger.Error("sink: batch insert failed", "error", err, "count", len(batch))
		s.metrics.mu.Lock()
		s.metrics.errors++
		s.metrics.mu.Unlock()
		return
	}

	s.metrics.mu.Lock()
	s.metrics.inserts += int64(len(batch) - conflicts)
	s.metrics.conflicts += int64(conflicts)
	s.metrics.mu.Unlock()
}

// batchInsert writes a mixed-table batch using pgx.Batch with
// ON CONFLICT DO NOTHING, keyed per §4.12's natural keys.
func (s *Sink) batchInsert(records []SinkRecord) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range records {
		switch r.Table {
		case TableSnapshots:
			batch.Queue(`
				INSERT INTO account_snapshots (account_id, captured_at, payload)
				VALUES ($1, $2, $3)
				ON CONFLICT (account_id, captured_at) DO NOTHING
			`, r.AccountID, r.CapturedAt, r.Payload)
		case TablePositions:
			batch.Queue(`
				INSERT INTO positions (account_id, market_id, captured_at, payload)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (account_id, market_id, captured_at) DO NOTHING
			`, r.AccountID, r.MarketID, r.CapturedAt, r.Payload)
		case TableOrders:
			batch.Queue(`
				INSERT INTO orders (account_id, captured_at, payload)
				VALUES ($1, $2, $3)
				ON CONFLICT (account_id, captured_at) DO NOTHING
			`, r.AccountID, r.CapturedAt, r.Payload)
		case TableTrades:
			batch.Queue(`
				INSERT INTO trades (account_id, market_id, trade_identity, payload)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (account_id, market_id, trade_identity) DO NOTHING
			`, r.AccountID, r.MarketID, r.TradeIdent, r.Payload)
		}
	}

	results := s.pool.SendBatch(s.ctx, batch)
	defer results.Close()

	for range records {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}
	return conflicts, nil
}
