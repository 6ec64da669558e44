package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"pm-arb-bot/internal/exec"
	"pm-arb-bot/internal/hitl"
	"pm-arb-bot/internal/replay"
	"pm-arb-bot/internal/strategy"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultDecisionLimit = 200
	defaultTradeHours    = 24
	defaultAuditLimit    = 50
)

type controlRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type proposalRequest struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

type replayRequest struct {
	File     string         `json:"file"`
	Strategy string         `json:"strategy"`
	Params   map[string]any `json:"params"`
	Mode     string         `json:"mode"`
}

type cancelRequest struct {
	OrderID string `json:"orderId"`
}

// API serves the control, HITL and replay surface over HTTP.
type API struct {
	engine  *Engine
	log     *zap.Logger
	metrics http.Handler
	dataDir string
}

func NewAPI(engine *Engine, metricsHandler http.Handler, dataDir string, log *zap.Logger) *API {
	if log == nil {
		log = zap.NewNop()
	}
	return &API{engine: engine, log: log, metrics: metricsHandler, dataDir: dataDir}
}

func (a *API) Router(metricsPath string) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", a.handleHealth)
	r.GET("/state", a.handleState)
	r.GET("/decisions", a.handleDecisions)
	r.GET("/trades", a.handleTrades)
	r.GET("/audit", a.handleAudit)
	r.POST("/control", a.handleControl)

	h := r.Group("/hitl")
	h.GET("/list", a.handleHITLList)
	h.GET("/:id", a.handleHITLGet)
	h.POST("/approve", a.handleHITLApprove)
	h.POST("/reject", a.handleHITLReject)

	r.POST("/recorder/start", a.handleRecorderStart)
	r.POST("/recorder/stop", a.handleRecorderStop)
	r.POST("/replay/run", a.handleReplayRun)

	if _, ok := a.engine.Sink().(*exec.Live); ok {
		r.POST("/live/cancel", a.handleLiveCancel)
	}
	if a.metrics != nil && metricsPath != "" {
		r.GET(metricsPath, gin.WrapH(a.metrics))
	}
	return r
}

func (a *API) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "ts": time.Now().UnixMilli()})
}

func (a *API) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, a.engine.Status())
}

func (a *API) handleDecisions(c *gin.Context) {
	limit := queryInt(c, "limit", defaultDecisionLimit)
	c.JSON(http.StatusOK, gin.H{"decisions": a.engine.Decisions(limit)})
}

func (a *API) handleTrades(c *gin.Context) {
	hours, err := strconv.ParseFloat(c.DefaultQuery("hours", strconv.Itoa(defaultTradeHours)), 64)
	if err != nil || hours <= 0 {
		hours = defaultTradeHours
	}
	cutoff := time.Now().Add(-time.Duration(hours * float64(time.Hour)))
	trades := a.engine.Sink().Ledger().FillsSince(cutoff)
	if trades == nil {
		trades = []exec.Fill{}
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (a *API) handleAudit(c *gin.Context) {
	entries, err := a.engine.AuditLog(c.Request.Context(), queryInt(c, "limit", defaultAuditLimit))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (a *API) handleControl(c *gin.Context) {
	var req controlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
		return
	}
	cmd, err := ParseControl(req.Type, req.Payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
		return
	}
	if err := a.engine.Control(c.Request.Context(), cmd, a.actor(c)); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (a *API) handleHITLList(c *gin.Context) {
	limit := hitl.ClampLimit(queryInt(c, "limit", hitl.DefaultListLimit))
	c.JSON(http.StatusOK, gin.H{"ok": true, "proposals": a.engine.Proposals().List(limit)})
}

func (a *API) handleHITLGet(c *gin.Context) {
	p, ok := a.engine.Proposals().Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": hitl.ErrNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "proposal": p})
}

func (a *API) handleHITLApprove(c *gin.Context) {
	var req proposalRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.ID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "id required"})
		return
	}
	p, fill, err := a.engine.ApproveProposal(c.Request.Context(), req.ID, a.actor(c))
	switch {
	case errors.Is(err, hitl.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": err.Error()})
	case errors.Is(err, ErrProposalNotApproved), errors.Is(err, ErrKillSwitchBlocked):
		c.JSON(http.StatusConflict, gin.H{"ok": false, "error": err.Error(), "proposal": p})
	case err != nil:
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": err.Error(), "proposal": p, "action": p.Action, "fill": fill})
	default:
		c.JSON(http.StatusOK, gin.H{"ok": true, "proposal": p, "action": p.Action, "fill": fill})
	}
}

func (a *API) handleHITLReject(c *gin.Context) {
	var req proposalRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.ID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "id required"})
		return
	}
	p, err := a.engine.RejectProposal(c.Request.Context(), req.ID, req.Reason, a.actor(c))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "proposal": p})
}

func (a *API) handleRecorderStart(c *gin.Context) {
	rec := a.engine.Recorder()
	if rec == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "recorder not configured"})
		return
	}
	rec.StartRecording()
	c.JSON(http.StatusOK, gin.H{"ok": true, "file": rec.Dir()})
}

func (a *API) handleRecorderStop(c *gin.Context) {
	rec := a.engine.Recorder()
	if rec == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "recorder not configured"})
		return
	}
	rec.StopRecording()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (a *API) handleReplayRun(c *gin.Context) {
	var req replayRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.File) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "file path required"})
		return
	}
	if req.Strategy == "" {
		req.Strategy = a.engine.Status().ActiveStrategy
	}
	report, err := runReplay(c.Request.Context(), a.resolveDataPath(req.File), req.Strategy, req.Mode, stringifyParams(req.Params))
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "reportId": fmt.Sprintf("replay_%d", time.Now().UnixMilli()), "report": report})
}

func (a *API) handleLiveCancel(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.OrderID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "orderId required"})
		return
	}
	live := a.engine.Sink().(*exec.Live)
	if err := live.Cancel(c.Request.Context(), req.OrderID); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (a *API) actor(c *gin.Context) Actor {
	return Actor{Source: "api", Raw: c.Request.Method + " " + c.Request.URL.Path + " from " + c.ClientIP()}
}

func (a *API) resolveDataPath(file string) string {
	if filepath.IsAbs(file) || a.dataDir == "" {
		return file
	}
	return filepath.Join(a.dataDir, file)
}

// runReplay uses the pair reducer for the open-leg strategy and the general
// backtest for everything else.
func runReplay(ctx context.Context, path, name, mode string, params map[string]string) (any, error) {
	if name == strategy.NameOpenLegDislocation {
		p := replay.DefaultPairParams()
		if v, ok := envFloat("OPEN_LEG_TARGET_PAIR_COST"); ok {
			p.PairTarget = v
		}
		if v, ok := envFloat("OPEN_LEG_MAX_UNPAIRED_SEC"); ok {
			p.MaxUnpairedSec = v
		}
		if v, ok := firstFloat(params, "pairTarget", "pair_target", "target_pair_cost"); ok {
			p.PairTarget = v
		}
		if v, ok := firstFloat(params, "maxUnpairedSec", "max_unpaired_sec"); ok {
			p.MaxUnpairedSec = v
		}
		return replay.ReducePairMetricsFile(path, p)
	}
	s, err := strategy.Build(name, params)
	if err != nil {
		return nil, err
	}
	bp := replay.DefaultBacktestParams()
	if strings.EqualFold(mode, string(strategy.ModeHITL)) {
		bp.Mode = strategy.ModeHITL
	}
	return replay.BacktestFile(ctx, path, s, bp)
}

func firstFloat(params map[string]string, keys ...string) (float64, bool) {
	for _, k := range keys {
		raw, ok := params[k]
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err == nil {
			return v, true
		}
	}
	return 0, false
}

func envFloat(key string) (float64, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	return v, err == nil
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
