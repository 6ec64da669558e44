package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pm-arb-bot/internal/alerts"
	"pm-arb-bot/internal/config"
	"pm-arb-bot/internal/exec"
	"pm-arb-bot/internal/market"
	"pm-arb-bot/internal/metrics"
	"pm-arb-bot/internal/recorder"
	"pm-arb-bot/internal/router"
	"pm-arb-bot/internal/state"
	"pm-arb-bot/internal/state/sqlite"
	"pm-arb-bot/internal/timescale"
	"pm-arb-bot/internal/ws"

	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     state.Store
	market    *market.MarketData
	router    *router.Client
	engine    *Engine
	recorder  *recorder.Recorder
	timescale *timescale.Writer
	prom      *metrics.Prometheus
	alerts    *alerts.Telegram

	operatorWarned bool
	feedWarned     bool
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	outcomeWS := ws.New(ws.Options{
		Name:           "outcome",
		URL:            cfg.Feeds.OutcomeURL,
		ReconnectDelay: cfg.Feeds.ReconnectDelay,
		PingInterval:   cfg.Feeds.PingInterval,
		PingText:       "PING",
	}, log)
	referenceWS := ws.New(ws.Options{
		Name:           "reference",
		URL:            market.ReferenceStreamURL(cfg.Feeds.ReferenceURL, cfg.Feeds.ReferenceSymbol),
		ReconnectDelay: cfg.Feeds.ReconnectDelay,
	}, log)
	tokens := market.Tokens{Up: cfg.Market.UpTokenID, Down: cfg.Market.DownTokenID}
	marketData := market.New(outcomeWS, referenceWS, tokens, log)

	a := &App{
		cfg:    cfg,
		log:    log,
		store:  store,
		market: marketData,
		alerts: alerts.NewTelegram(cfg.Telegram, log),
	}

	var sink exec.Sink = exec.NewPaper()
	if cfg.Exec.Venue == config.VenueLive {
		live, client, err := newLiveSink(cfg, store, log)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		sink = live
		a.router = client
	}

	m := metrics.NewNoop()
	if cfg.Metrics.EnabledValue() {
		a.prom = metrics.NewPrometheus()
		m = a.prom.Metrics
	}

	a.recorder = recorder.New(cfg.Recorder.Dir, cfg.Recorder.QueueSize, log)
	a.recorder.OnDrop(m.RecorderDrops.Inc)

	tsWriter, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.timescale = tsWriter

	engine, err := NewEngine(EngineDeps{
		Config:      cfg,
		Log:         log,
		Feed:        marketData,
		Sink:        sink,
		Store:       store,
		Recorder:    a.recorder,
		Timescale:   tsWriter,
		Metrics:     m,
		OnProposals: a.notifyProposals,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.engine = engine
	return a, nil
}

func newLiveSink(cfg *config.Config, store state.Store, log *zap.Logger) (*exec.Live, *router.Client, error) {
	signer, err := router.NewSigner(cfg.Router.PrivateKey, cfg.Router.ChainID, cfg.Router.Verifier, cfg.Router.Source)
	if err != nil {
		return nil, nil, err
	}
	client, err := router.NewClient(cfg.Router.BaseURL, cfg.Router.Timeout, signer)
	if err != nil {
		return nil, nil, err
	}
	client.SetLogger(log)
	live := exec.NewLive(client, store, exec.LiveOptions{
		Tif:            router.Tif(strings.ToUpper(cfg.Exec.Tif)),
		RatePerSecond:  cfg.Exec.RatePerSecond,
		Burst:          cfg.Exec.Burst,
		RetryAttempts:  cfg.Exec.RetryAttempts,
		InitialBackoff: cfg.Exec.InitialBackoff,
	}, log)
	log.Info("live venue enabled", zap.String("router", cfg.Router.BaseURL), zap.String("signer", signer.Address().Hex()))
	return live, client, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	if a.router != nil {
		if err := a.router.InitNonceStore(ctx, a.store); err != nil {
			a.log.Warn("nonce store init failed", zap.Error(err))
		} else if ns, ok := a.router.NonceState(); ok {
			a.log.Info("nonce persistence enabled", zap.String("nonce_key", ns.Key), zap.Uint64("nonce_seed", ns.Last))
		}
	}
	if a.cfg.Engine.RestoreSnapshotValue() {
		if err := a.engine.Restore(ctx); err != nil {
			a.log.Warn("engine snapshot restore failed", zap.Error(err))
		}
	}

	a.recorder.Run(ctx)
	if a.cfg.Recorder.Enabled {
		a.recorder.StartRecording()
	}
	a.timescale.Start(ctx)
	if err := a.market.Start(ctx); err != nil {
		return err
	}
	srv := a.startAPI()
	a.startOperator(ctx)

	status := a.engine.Status()
	a.log.Info("engine started",
		zap.String("strategy", status.ActiveStrategy),
		zap.String("mode", string(status.Mode)),
		zap.String("venue", status.Venue),
		zap.Bool("paused", status.Paused),
		zap.Duration("tick_interval", a.cfg.Engine.TickInterval()),
	)

	ticker := time.NewTicker(a.cfg.Engine.TickInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.shutdown(srv)
			return ctx.Err()
		case <-ticker.C:
			a.checkFeeds()
			if err := a.engine.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("engine tick failed", zap.Error(err))
			}
		}
	}
}

func (a *App) startAPI() *http.Server {
	if !a.cfg.API.EnabledValue() {
		return nil
	}
	var metricsHandler http.Handler
	if a.prom != nil {
		metricsHandler = a.prom.Handler()
	}
	api := NewAPI(a.engine, metricsHandler, a.cfg.Recorder.Dir, a.log)
	srv := &http.Server{
		Addr:              a.cfg.API.Addr,
		Handler:           api.Router(a.cfg.Metrics.Path),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.log.Info("control api listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("control api stopped", zap.Error(err))
		}
	}()
	return srv
}

func (a *App) shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			a.log.Warn("control api shutdown failed", zap.Error(err))
		}
	}
	if err := a.engine.Shutdown(ctx); err != nil {
		a.log.Warn("engine snapshot persist failed", zap.Error(err))
	}
	a.recorder.Wait()
	if err := a.timescale.Close(); err != nil {
		a.log.Warn("timescale close failed", zap.Error(err))
	}
}

// checkFeeds warns once when either feed goes quiet and once when both
// recover.
func (a *App) checkFeeds() {
	outcome, reference := a.market.FeedAge(time.Now())
	limit := a.cfg.Feeds.StaleAfter
	stale := outcome > limit || reference > limit
	switch {
	case stale && !a.feedWarned:
		a.feedWarned = true
		a.log.Warn("market feed stale", zap.Duration("outcome_age", outcome), zap.Duration("reference_age", reference))
	case !stale && a.feedWarned:
		a.feedWarned = false
		a.log.Info("market feed recovered")
	}
}
