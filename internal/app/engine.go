package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"pm-arb-bot/internal/config"
	"pm-arb-bot/internal/exec"
	"pm-arb-bot/internal/fusion"
	"pm-arb-bot/internal/hitl"
	"pm-arb-bot/internal/market"
	"pm-arb-bot/internal/metrics"
	"pm-arb-bot/internal/recorder"
	"pm-arb-bot/internal/risk"
	"pm-arb-bot/internal/round"
	"pm-arb-bot/internal/state"
	"pm-arb-bot/internal/strategy"
	"pm-arb-bot/internal/timescale"

	"go.uber.org/zap"
)

const defaultHistorySize = 200

var (
	ErrProposalNotApproved = errors.New("proposal not approved")
	ErrKillSwitchBlocked   = errors.New("kill switch blocked execution")
)

// Feed is the read side of the market data collaborator.
type Feed interface {
	Book(leg market.Leg) market.BookSnapshot
	Reference() market.ReferenceSignals
}

type phaser interface {
	Phase() strategy.Phase
}

// DecisionRecord is one entry of the decision history, newest first.
type DecisionRecord struct {
	Ts        int64            `json:"ts"`
	RoundID   string           `json:"round_id"`
	Strategy  string           `json:"strategy"`
	Mode      strategy.Mode    `json:"mode"`
	Decision  strategy.Modern  `json:"decision"`
	Legacy    *strategy.Legacy `json:"legacy,omitempty"`
	Proposals []string         `json:"proposals,omitempty"`
	Risk      []string         `json:"risk,omitempty"`
	Blocked   bool             `json:"blocked,omitempty"`
	Fills     []exec.Fill      `json:"fills,omitempty"`
}

// EngineDeps wires the engine. OnProposals receives the proposals a tick
// created and must not block.
type EngineDeps struct {
	Config      *config.Config
	Log         *zap.Logger
	Feed        Feed
	Sink        exec.Sink
	Store       state.Store
	Proposals   *hitl.Store
	Risk        *risk.Manager
	Recorder    *recorder.Recorder
	Timescale   *timescale.Writer
	Metrics     *metrics.Metrics
	Now         func() time.Time
	OnProposals func(ps []hitl.Proposal)
}

// Engine owns everything the tick driver mutates. Ticks, control commands
// and proposal approvals all serialize on mu.
type Engine struct {
	mu sync.Mutex

	cfg       *config.Config
	log       *zap.Logger
	feed      Feed
	sink      exec.Sink
	store     state.Store
	proposals *hitl.Store
	gate      *hitl.Gate
	risk      *risk.Manager
	rec       *recorder.Recorder
	ts        *timescale.Writer
	metrics   *metrics.Metrics
	now       func() time.Time
	notify    func([]hitl.Proposal)
	fusion    fusion.Params
	tokens    market.Tokens

	strategy         strategy.Strategy
	params           map[string]string
	mode             strategy.Mode
	paused           bool
	agentEnabled     bool
	agentAutoApprove bool
	killSwitchMode   string
	riskOverride     *risk.Limits

	roundID     string
	roundPnLRef float64
	last        *fusion.State
	history     []DecisionRecord
	historySize int
}

func NewEngine(deps EngineDeps) (*Engine, error) {
	cfg := deps.Config
	if cfg == nil {
		return nil, errors.New("engine config is required")
	}
	if deps.Feed == nil || deps.Sink == nil {
		return nil, errors.New("engine feed and sink are required")
	}
	s, err := strategy.Build(cfg.Strategy.Name, cfg.Strategy.Params)
	if err != nil {
		return nil, err
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.NewNoop()
	}
	proposals := deps.Proposals
	if proposals == nil {
		proposals = hitl.NewStore(cfg.HITL.Capacity, now)
	}
	riskManager := deps.Risk
	if riskManager == nil {
		riskManager = risk.NewManager(riskLimits(cfg.Risk), now)
	}
	historySize := cfg.Engine.HistorySize
	if historySize <= 0 {
		historySize = defaultHistorySize
	}
	return &Engine{
		cfg:              cfg,
		log:              log,
		feed:             deps.Feed,
		sink:             deps.Sink,
		store:            deps.Store,
		proposals:        proposals,
		gate:             hitl.NewGate(proposals, cfg.HITL.TTL, cfg.HITL.MinTTL, now),
		risk:             riskManager,
		rec:              deps.Recorder,
		ts:               deps.Timescale,
		metrics:          m,
		now:              now,
		notify:           deps.OnProposals,
		fusion:           fusionParams(cfg.Fusion),
		tokens:           market.Tokens{Up: cfg.Market.UpTokenID, Down: cfg.Market.DownTokenID},
		strategy:         s,
		params:           copyParams(cfg.Strategy.Params),
		mode:             parseMode(cfg.Engine.Mode),
		paused:           cfg.Engine.StartPaused,
		agentEnabled:     cfg.Engine.AgentEnabled,
		agentAutoApprove: cfg.Engine.AgentAutoApprove,
		killSwitchMode:   cfg.Risk.KillSwitchMode,
		historySize:      historySize,
	}, nil
}

// Restore applies the persisted operator state. A snapshot naming a strategy
// that no longer builds is ignored with a warning.
func (e *Engine) Restore(ctx context.Context) error {
	snap, ok, err := state.LoadEngineSnapshot(ctx, e.store)
	if err != nil || !ok {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if snap.Strategy != "" {
		s, err := strategy.Build(snap.Strategy, snap.Params)
		if err != nil {
			e.log.Warn("engine snapshot strategy rejected", zap.String("strategy", snap.Strategy), zap.Error(err))
		} else {
			e.strategy = s
			e.params = copyParams(snap.Params)
		}
	}
	if snap.Mode != "" {
		e.mode = parseMode(snap.Mode)
	}
	e.paused = snap.Paused
	e.agentEnabled = snap.AgentEnabled
	e.agentAutoApprove = snap.AgentAutoApprove
	e.log.Info("engine snapshot restored",
		zap.String("strategy", e.strategy.Name()),
		zap.String("mode", string(e.mode)),
		zap.Bool("paused", e.paused),
	)
	return nil
}

// Shutdown persists the operator state for the next start.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.persistLocked(ctx)
}

// Tick runs one pass of fusion, strategy, gate, risk and execution. It only
// fails on context cancellation; data and execution faults are absorbed.
func (e *Engine) Tick(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused {
		e.metrics.TicksSkipped.Inc()
		return nil
	}
	upBook := e.feed.Book(market.LegUp)
	downBook := e.feed.Book(market.LegDown)
	now := e.now()
	ts := now.UnixMilli()
	info := round.At(e.cfg.Market.Slug, ts)
	if !tradable(upBook) || !tradable(downBook) {
		reason := "book empty: " + emptySides(upBook, downBook)
		e.metrics.TicksSkipped.Inc()
		e.log.Debug("tick skipped", zap.String("reason", reason))
		e.pushHistoryLocked(DecisionRecord{
			Ts:       ts,
			RoundID:  info.ID,
			Strategy: e.strategy.Name(),
			Mode:     e.mode,
			Decision: strategy.Modern{Actions: []strategy.Action{strategy.Noop(reason)}},
		})
		return nil
	}
	if info.ID != e.roundID {
		e.rollRoundLocked(info.ID)
	}

	ledger := e.sink.Ledger()
	up := fusion.Quote(upBook, e.tokens.Up)
	down := fusion.Quote(downBook, e.tokens.Down)
	ledger.Mark(up.Mid(), down.Mid())
	st := fusion.Build(ts, info, up, down, e.feed.Reference(), ledger.Portfolio(), e.fusion)
	e.last = &st
	e.metrics.Ticks.Inc()
	e.metrics.CombinedAsk.Set(st.Derived.CombinedAsk)
	e.metrics.PortfolioPnL.Set(st.Portfolio.PnL)

	name := e.strategy.Name()
	if e.rec != nil {
		e.rec.WriteTick(recorder.TickFrom(st, name, e.phaseLocked()))
	}

	sctx := e.contextLocked()
	raw := e.strategy.OnTick(st, sctx)
	e.metrics.Decisions.Inc()
	resolved := strategy.Resolve(raw, st, name)

	for range e.proposals.ExpireNow(now) {
		e.metrics.ProposalsExpired.Inc()
	}
	gated, created := e.gate.Apply(resolved, sctx, info.SecondsRemaining)
	for range created {
		e.metrics.ProposalsCreated.Inc()
	}

	rec := DecisionRecord{
		Ts:       ts,
		RoundID:  info.ID,
		Strategy: name,
		Mode:     e.mode,
		Decision: gated,
	}
	if l, ok := raw.(strategy.Legacy); ok {
		rec.Legacy = &l
	}
	for _, p := range created {
		rec.Proposals = append(rec.Proposals, p.ID)
	}

	rec.Risk, rec.Blocked = e.admitLocked(buyShares(gated))
	if !rec.Blocked {
		for _, a := range gated.Actions {
			if !a.IsBuy() {
				continue
			}
			fill, _ := e.executeLocked(ctx, a, ts)
			rec.Fills = append(rec.Fills, fill)
		}
	}

	for _, c := range gated.Control {
		switch c.Type {
		case strategy.ControlPause:
			e.paused = true
		case strategy.ControlResume:
			e.paused = false
		}
		e.log.Info("strategy control applied", zap.String("type", string(c.Type)), zap.String("reason", c.Reason))
	}

	e.pushHistoryLocked(rec)
	e.recordEquityLocked(st)
	if len(created) > 0 && e.notify != nil {
		e.notify(created)
	}
	return nil
}

// admitLocked runs the risk check for shares about to be bought. It reports
// the raised flags and whether a blocking kill switch withholds execution.
func (e *Engine) admitLocked(shares float64) ([]string, bool) {
	flags := e.risk.Check(shares)
	if flags.Any() {
		e.metrics.RiskFlags.Inc()
	}
	if !flags.KillSwitch || shares <= 0 {
		return flags.Messages, false
	}
	if e.killSwitchMode == config.KillSwitchBlocking {
		e.metrics.KillSwitchBlocks.Inc()
		e.log.Warn("kill switch blocked execution", zap.Strings("flags", flags.Messages))
		return flags.Messages, true
	}
	e.log.Warn("kill switch active (advisory)", zap.Strings("flags", flags.Messages))
	return flags.Messages, false
}

// executeLocked sends one buy to the sink. Only a successful fill moves risk
// counters and strategy memory.
func (e *Engine) executeLocked(ctx context.Context, a strategy.Action, ts int64) (exec.Fill, error) {
	token := e.tokens.Up
	if a.Side == strategy.SideDown {
		token = e.tokens.Down
	}
	fill, err := e.sink.Buy(ctx, exec.RequestFromAction(a, token, ts))
	e.recordFillLocked(fill)
	if err != nil {
		e.metrics.ExecFailures.Inc()
		e.log.Warn("buy failed",
			zap.String("strategy", a.Strategy),
			zap.Int("leg", a.Leg),
			zap.String("side", string(a.Side)),
			zap.Error(err),
		)
		return fill, err
	}
	e.metrics.ActionsExecuted.Inc()
	e.risk.RecordTrade(fill.Shares)
	if e.rec != nil {
		e.rec.WriteTrade(recorder.TradeFrom(fill))
	}
	if obs, ok := e.strategy.(strategy.FillObserver); ok && fill.Strategy == e.strategy.Name() {
		obs.OnFill(fill.StrategyFill())
	}
	return fill, nil
}

// ApproveProposal approves a pending proposal and executes its action. A
// proposal that is not APPROVED after the call (expired, rejected) yields
// ErrProposalNotApproved together with its current record. A blocking kill
// switch leaves the proposal PENDING and yields ErrKillSwitchBlocked.
func (e *Engine) ApproveProposal(ctx context.Context, id string, actor Actor) (hitl.Proposal, exec.Fill, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	before, _ := e.proposals.Get(id)
	if before.Status == hitl.StatusPending && e.now().UnixMilli() < before.ExpiresMs {
		if flags, blocked := e.admitLocked(before.Action.Shares); blocked {
			return before, exec.Fill{}, fmt.Errorf("%w: %s", ErrKillSwitchBlocked, strings.Join(flags, "; "))
		}
	}
	p, err := e.proposals.Approve(id)
	if err != nil {
		return hitl.Proposal{}, exec.Fill{}, err
	}
	if p.Status != hitl.StatusApproved || before.Status != hitl.StatusPending {
		if before.Status == hitl.StatusPending && p.Status == hitl.StatusExpired {
			e.metrics.ProposalsExpired.Inc()
		}
		return p, exec.Fill{}, fmt.Errorf("%w: %s", ErrProposalNotApproved, p.Status)
	}
	e.metrics.ProposalsApproved.Inc()
	e.auditLocked(ctx, actor, "hitl_approve", map[string]any{"proposal": p.ID, "summary": p.Summary})
	fill, err := e.executeLocked(ctx, p.Action, e.now().UnixMilli())
	return p, fill, err
}

func (e *Engine) RejectProposal(ctx context.Context, id, reason string, actor Actor) (hitl.Proposal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	before, ok := e.proposals.Get(id)
	p, err := e.proposals.Reject(id, reason)
	if err != nil {
		return hitl.Proposal{}, err
	}
	if ok && before.Status == hitl.StatusPending && p.Status == hitl.StatusRejected {
		e.metrics.ProposalsRejected.Inc()
		e.auditLocked(ctx, actor, "hitl_reject", map[string]any{"proposal": p.ID, "reason": reason})
	}
	return p, nil
}

func (e *Engine) Proposals() *hitl.Store {
	return e.proposals
}

func (e *Engine) Sink() exec.Sink {
	return e.sink
}

func (e *Engine) Recorder() *recorder.Recorder {
	return e.rec
}

// Decisions returns up to limit history entries, newest first.
func (e *Engine) Decisions(limit int) []DecisionRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	if limit <= 0 || limit > len(e.history) {
		limit = len(e.history)
	}
	out := make([]DecisionRecord, limit)
	copy(out, e.history[:limit])
	return out
}

type Status struct {
	State          *fusion.State    `json:"state"`
	ActiveStrategy string           `json:"activeStrategy"`
	Phase          string           `json:"phase,omitempty"`
	Params         map[string]any   `json:"params,omitempty"`
	Mode           strategy.Mode    `json:"mode"`
	Paused         bool             `json:"isPaused"`
	AgentEnabled   bool             `json:"agentEnabled"`
	AutoApprove    bool             `json:"agentAutoApprove"`
	KillSwitchMode string           `json:"killSwitchMode"`
	RiskOverride   bool             `json:"riskOverride"`
	Risk           risk.Stats       `json:"risk"`
	Flags          []string         `json:"flags,omitempty"`
	Venue          string           `json:"venue"`
	Summary        exec.Summary     `json:"summary"`
	Portfolio      fusion.Portfolio `json:"portfolio"`
	Recording      bool             `json:"recording"`
	Pending        int              `json:"pendingProposals"`
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		ActiveStrategy: e.strategy.Name(),
		Phase:          e.phaseLocked(),
		Mode:           e.mode,
		Paused:         e.paused,
		AgentEnabled:   e.agentEnabled,
		AutoApprove:    e.agentAutoApprove,
		KillSwitchMode: e.killSwitchMode,
		RiskOverride:   e.riskOverride != nil,
		Risk:           e.risk.Stats(),
		Flags:          e.risk.Check(0).Messages,
		Venue:          e.sink.Name(),
		Summary:        e.sink.Ledger().Summary(),
		Portfolio:      e.sink.Ledger().Portfolio(),
		Recording:      e.rec != nil && e.rec.Recording(),
	}
	if e.last != nil {
		last := *e.last
		st.State = &last
	}
	if r, ok := e.strategy.(strategy.ParamReporter); ok {
		st.Params = r.Params()
	}
	for _, p := range e.proposals.List(hitl.MaxListLimit) {
		if p.Status == hitl.StatusPending {
			st.Pending++
		}
	}
	return st
}

func (e *Engine) rollRoundLocked(id string) {
	pnl := e.sink.Ledger().Portfolio().PnL
	if e.roundID != "" {
		e.metrics.RoundRollovers.Inc()
		e.risk.RecordPnL(pnl - e.roundPnLRef)
		e.log.Info("round rollover", zap.String("from", e.roundID), zap.String("to", id))
	}
	e.roundPnLRef = pnl
	e.roundID = id
	e.strategy.OnRoundReset(id)
	e.risk.ResetRound()
}

func (e *Engine) contextLocked() strategy.Context {
	return strategy.Context{
		Mode:             e.mode,
		AgentEnabled:     e.agentEnabled,
		AgentAutoApprove: e.agentAutoApprove,
	}
}

func (e *Engine) phaseLocked() string {
	if p, ok := e.strategy.(phaser); ok {
		return string(p.Phase())
	}
	return ""
}

func (e *Engine) pushHistoryLocked(rec DecisionRecord) {
	e.history = append(e.history, DecisionRecord{})
	copy(e.history[1:], e.history)
	e.history[0] = rec
	if len(e.history) > e.historySize {
		e.history = e.history[:e.historySize]
	}
}

func (e *Engine) persistLocked(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	return state.SaveEngineSnapshot(ctx, e.store, state.EngineSnapshot{
		Strategy:         e.strategy.Name(),
		Params:           copyParams(e.params),
		Mode:             string(e.mode),
		Paused:           e.paused,
		AgentEnabled:     e.agentEnabled,
		AgentAutoApprove: e.agentAutoApprove,
		RoundID:          e.roundID,
		UpdatedAtMS:      e.now().UnixMilli(),
	})
}

func tradable(b market.BookSnapshot) bool {
	return len(b.Bids) > 0 && len(b.Asks) > 0
}

func emptySides(up, down market.BookSnapshot) string {
	var sides []string
	for _, s := range []struct {
		name string
		book market.BookSnapshot
	}{{"up", up}, {"down", down}} {
		if len(s.book.Bids) == 0 {
			sides = append(sides, s.name+" bids")
		}
		if len(s.book.Asks) == 0 {
			sides = append(sides, s.name+" asks")
		}
	}
	return strings.Join(sides, ", ")
}

func buyShares(d strategy.Modern) float64 {
	var total float64
	for _, a := range d.Actions {
		if a.IsBuy() {
			total += a.Shares
		}
	}
	return total
}

func parseMode(raw string) strategy.Mode {
	if raw == config.ModeHITL {
		return strategy.ModeHITL
	}
	return strategy.ModeAuto
}

func riskLimits(cfg config.RiskConfig) risk.Limits {
	return risk.Limits{
		MaxSharesPerRound: cfg.MaxSharesPerRound,
		MaxTradesPerDay:   cfg.MaxTradesPerDay,
		MaxDailyDrawdown:  cfg.MaxDailyDrawdown,
		KillSwitch:        cfg.KillSwitchValue(),
	}
}

func fusionParams(cfg config.FusionConfig) fusion.Params {
	p := fusion.DefaultParams()
	if cfg.SpreadWeight+cfg.DepthWeight+cfg.FlowWeight > 0 {
		p.SpreadWeight = cfg.SpreadWeight
		p.DepthWeight = cfg.DepthWeight
		p.FlowWeight = cfg.FlowWeight
	}
	if cfg.SpreadThreshold > 0 {
		p.SpreadThreshold = cfg.SpreadThreshold
	}
	if cfg.TargetDepth > 0 {
		p.TargetDepth = cfg.TargetDepth
	}
	if cfg.DepthLevels > 0 {
		p.DepthLevels = cfg.DepthLevels
	}
	return p
}

func copyParams(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
