package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"pm-arb-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

type FillRow struct {
	Time     time.Time
	RoundID  string
	Strategy string
	Leg      int
	Side     string
	Shares   float64
	Price    float64
	Venue    string
	OrderID  string
	Reason   string
	Error    string
}

type EquitySnapshot struct {
	Time             time.Time
	RoundID          string
	Strategy         string
	Mode             string
	SecondsRemaining int
	UpShares         float64
	DownShares       float64
	TotalCost        float64
	PnL              float64
	UpAsk            float64
	DownAsk          float64
	Paused           bool
}

type Writer struct {
	db         *sql.DB
	log        *zap.Logger
	schema     string
	fills      chan FillRow
	equity     chan EquitySnapshot
	started    atomic.Bool
	dropFill   atomic.Uint64
	dropEquity atomic.Uint64
}

// New returns a nil writer when the sink is disabled; every method is
// safe on a nil receiver.
func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("timescale ping: %w", err)
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:     db,
		log:    log,
		schema: schema,
		fills:  make(chan FillRow, queueSize),
		equity: make(chan EquitySnapshot, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueFill(row FillRow) {
	if w == nil {
		return
	}
	select {
	case w.fills <- row:
	default:
		if w.dropFill.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale fill queue full")
		}
	}
}

func (w *Writer) EnqueueEquity(snap EquitySnapshot) {
	if w == nil {
		return
	}
	select {
	case w.equity <- snap:
	default:
		if w.dropEquity.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale equity queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case row := <-w.fills:
			w.writeFill(ctx, row)
		case snap := <-w.equity:
			w.writeEquity(ctx, snap)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		round_id TEXT NOT NULL,
		strategy TEXT NOT NULL,
		leg SMALLINT NOT NULL,
		side TEXT NOT NULL,
		shares DOUBLE PRECISION NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		venue TEXT NOT NULL,
		order_id TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT ''
	)`, w.table("fills"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		round_id TEXT NOT NULL,
		strategy TEXT NOT NULL,
		mode TEXT NOT NULL,
		seconds_remaining INTEGER NOT NULL,
		up_shares DOUBLE PRECISION NOT NULL,
		down_shares DOUBLE PRECISION NOT NULL,
		total_cost DOUBLE PRECISION NOT NULL,
		pnl DOUBLE PRECISION NOT NULL,
		up_ask DOUBLE PRECISION NOT NULL,
		down_ask DOUBLE PRECISION NOT NULL,
		paused BOOLEAN NOT NULL
	)`, w.table("equity"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	for _, name := range []string{"fills", "equity"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil && w.log != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeFill(ctx context.Context, row FillRow) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, round_id, strategy, leg, side, shares, price, venue, order_id, reason, error
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`, w.table("fills"))
	if _, err := w.db.ExecContext(ctx, query,
		row.Time,
		row.RoundID,
		row.Strategy,
		row.Leg,
		row.Side,
		row.Shares,
		row.Price,
		row.Venue,
		row.OrderID,
		row.Reason,
		row.Error,
	); err != nil && w.log != nil {
		w.log.Warn("timescale fill insert failed", zap.Error(err))
	}
}

func (w *Writer) writeEquity(ctx context.Context, snap EquitySnapshot) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, round_id, strategy, mode, seconds_remaining, up_shares, down_shares,
		total_cost, pnl, up_ask, down_ask, paused
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`, w.table("equity"))
	if _, err := w.db.ExecContext(ctx, query,
		snap.Time,
		snap.RoundID,
		snap.Strategy,
		snap.Mode,
		snap.SecondsRemaining,
		snap.UpShares,
		snap.DownShares,
		snap.TotalCost,
		snap.PnL,
		snap.UpAsk,
		snap.DownAsk,
		snap.Paused,
	); err != nil && w.log != nil {
		w.log.Warn("timescale equity insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
