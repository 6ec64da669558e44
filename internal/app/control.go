package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pm-arb-bot/internal/config"
	"pm-arb-bot/internal/risk"
	"pm-arb-bot/internal/round"
	"pm-arb-bot/internal/state"
	"pm-arb-bot/internal/strategy"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const auditPrefix = "ops:audit:"

var ErrInvalidControl = errors.New("invalid control command")

type ControlType string

const (
	ControlPause       ControlType = "PAUSE"
	ControlResume      ControlType = "RESUME"
	ControlSetStrategy ControlType = "SET_STRATEGY"
	ControlSetMode     ControlType = "SET_MODE"
	ControlSetParam    ControlType = "SET_PARAM"
	ControlSetRisk     ControlType = "SET_RISK"
	ControlResetRisk   ControlType = "RESET_RISK"
)

// ControlCommand is the transport-neutral form of an operator mutation.
type ControlCommand struct {
	Type     ControlType
	Strategy string
	Params   map[string]string
	Mode     strategy.Mode
	Risk     map[string]string
}

// Actor identifies who issued a command, for the audit trail.
type Actor struct {
	Source   string `json:"source"`
	UserID   int64  `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	UpdateID int64  `json:"update_id,omitempty"`
	Raw      string `json:"raw,omitempty"`
}

type engineView struct {
	Strategy       string            `json:"strategy"`
	Params         map[string]string `json:"params,omitempty"`
	Mode           strategy.Mode     `json:"mode"`
	Paused         bool              `json:"paused"`
	Limits         risk.Limits       `json:"limits"`
	KillSwitchMode string            `json:"kill_switch_mode"`
}

type auditEvent struct {
	ID     string         `json:"id"`
	Time   time.Time      `json:"time"`
	Action string         `json:"action"`
	Actor  Actor          `json:"actor"`
	Before *engineView    `json:"before,omitempty"`
	After  *engineView    `json:"after,omitempty"`
	Detail map[string]any `json:"detail,omitempty"`
}

// ParseControl decodes the {type, payload} body of the control endpoint.
// SET_STRATEGY takes a name or {name, params}; SET_MODE a mode or {mode};
// SET_PARAM {key, value}; SET_RISK a flat object of limit keys.
func ParseControl(kind string, payload json.RawMessage) (ControlCommand, error) {
	cmd := ControlCommand{Type: ControlType(strings.ToUpper(strings.TrimSpace(kind)))}
	switch cmd.Type {
	case ControlPause, ControlResume, ControlResetRisk:
		return cmd, nil
	case ControlSetStrategy:
		var name string
		if err := json.Unmarshal(payload, &name); err == nil {
			cmd.Strategy = name
			return cmd, nil
		}
		var body struct {
			Name   string         `json:"name"`
			Params map[string]any `json:"params"`
		}
		if err := json.Unmarshal(payload, &body); err != nil || body.Name == "" {
			return cmd, fmt.Errorf("%w: SET_STRATEGY needs a name", ErrInvalidControl)
		}
		cmd.Strategy = body.Name
		cmd.Params = stringifyParams(body.Params)
		return cmd, nil
	case ControlSetMode:
		var mode string
		if err := json.Unmarshal(payload, &mode); err != nil {
			var body struct {
				Mode string `json:"mode"`
			}
			if err := json.Unmarshal(payload, &body); err != nil {
				return cmd, fmt.Errorf("%w: SET_MODE needs a mode", ErrInvalidControl)
			}
			mode = body.Mode
		}
		m, err := ParseModeArg(mode)
		if err != nil {
			return cmd, err
		}
		cmd.Mode = m
		return cmd, nil
	case ControlSetParam:
		var body struct {
			Key   string `json:"key"`
			Value any    `json:"value"`
		}
		if err := json.Unmarshal(payload, &body); err != nil || body.Key == "" {
			return cmd, fmt.Errorf("%w: SET_PARAM needs key and value", ErrInvalidControl)
		}
		cmd.Params = stringifyParams(map[string]any{body.Key: body.Value})
		return cmd, nil
	case ControlSetRisk:
		var body map[string]any
		if err := json.Unmarshal(payload, &body); err != nil || len(body) == 0 {
			return cmd, fmt.Errorf("%w: SET_RISK needs limit keys", ErrInvalidControl)
		}
		cmd.Risk = stringifyParams(body)
		return cmd, nil
	}
	return cmd, fmt.Errorf("%w: unknown type %q", ErrInvalidControl, kind)
}

// ParseModeArg accepts AUTO, HITL and AUTONOMOUS in any case.
func ParseModeArg(raw string) (strategy.Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "AUTO", "AUTONOMOUS":
		return strategy.ModeAuto, nil
	case "HITL":
		return strategy.ModeHITL, nil
	}
	return "", fmt.Errorf("%w: mode %q", ErrInvalidControl, raw)
}

// Control applies one operator mutation, audits it and persists the engine
// snapshot. Strategy and param errors are returned unchanged.
func (e *Engine) Control(ctx context.Context, cmd ControlCommand, actor Actor) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	before := e.viewLocked()
	detail := map[string]any{}
	switch cmd.Type {
	case ControlPause:
		e.paused = true
	case ControlResume:
		e.paused = false
	case ControlSetStrategy:
		s, err := strategy.Build(cmd.Strategy, cmd.Params)
		if err != nil {
			return err
		}
		roundID := e.roundID
		if roundID == "" {
			roundID = e.currentRoundIDLocked()
		}
		s.OnRoundReset(roundID)
		e.strategy = s
		e.params = copyParams(cmd.Params)
	case ControlSetMode:
		if cmd.Mode != strategy.ModeAuto && cmd.Mode != strategy.ModeHITL {
			return fmt.Errorf("%w: mode %q", ErrInvalidControl, cmd.Mode)
		}
		e.mode = cmd.Mode
	case ControlSetParam:
		setter, ok := e.strategy.(strategy.ParamSetter)
		if !ok {
			return fmt.Errorf("%w: %s takes no params", strategy.ErrInvalidParam, e.strategy.Name())
		}
		if err := setter.SetParams(cmd.Params); err != nil {
			return err
		}
		if e.params == nil {
			e.params = make(map[string]string, len(cmd.Params))
		}
		for k, v := range cmd.Params {
			e.params[k] = v
			detail[k] = v
		}
	case ControlSetRisk:
		limits, mode, err := applyRiskOverrides(e.risk.Limits(), e.killSwitchMode, cmd.Risk)
		if err != nil {
			return err
		}
		base := riskLimits(e.cfg.Risk)
		if limits == base && mode == e.cfg.Risk.KillSwitchMode {
			e.riskOverride = nil
		} else {
			e.riskOverride = &limits
		}
		e.risk.SetLimits(limits)
		e.killSwitchMode = mode
	case ControlResetRisk:
		e.riskOverride = nil
		e.risk.SetLimits(riskLimits(e.cfg.Risk))
		e.killSwitchMode = e.cfg.Risk.KillSwitchMode
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidControl, cmd.Type)
	}
	after := e.viewLocked()
	if len(detail) == 0 {
		detail = nil
	}
	e.auditEventLocked(ctx, auditEvent{
		Action: strings.ToLower(string(cmd.Type)),
		Actor:  actor,
		Before: &before,
		After:  &after,
		Detail: detail,
	})
	if err := e.persistLocked(ctx); err != nil {
		e.log.Warn("engine snapshot save failed", zap.Error(err))
	}
	e.log.Info("control applied", zap.String("type", string(cmd.Type)), zap.String("source", actor.Source))
	return nil
}

func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// AuditLog lists the most recent audit entries when the store can scan.
func (e *Engine) AuditLog(ctx context.Context, limit int) ([]state.Entry, error) {
	lister, ok := e.store.(state.Lister)
	if !ok {
		return nil, nil
	}
	return lister.ListPrefix(ctx, auditPrefix, limit)
}

func (e *Engine) auditLocked(ctx context.Context, actor Actor, action string, detail map[string]any) {
	e.auditEventLocked(ctx, auditEvent{Action: action, Actor: actor, Detail: detail})
}

func (e *Engine) auditEventLocked(ctx context.Context, event auditEvent) {
	if e.store == nil {
		return
	}
	event.ID = uuid.NewString()
	event.Time = e.now().UTC()
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	key := fmt.Sprintf("%s%d:%s", auditPrefix, event.Time.UnixNano(), event.ID)
	if err := e.store.Set(ctx, key, string(payload)); err != nil {
		e.log.Warn("audit write failed", zap.String("action", event.Action), zap.Error(err))
	}
}

func (e *Engine) viewLocked() engineView {
	return engineView{
		Strategy:       e.strategy.Name(),
		Params:         copyParams(e.params),
		Mode:           e.mode,
		Paused:         e.paused,
		Limits:         e.risk.Limits(),
		KillSwitchMode: e.killSwitchMode,
	}
}

func (e *Engine) currentRoundIDLocked() string {
	return round.ID(e.cfg.Market.Slug, e.now().UnixMilli())
}

func applyRiskOverrides(base risk.Limits, killMode string, overrides map[string]string) (risk.Limits, string, error) {
	next := base
	for key, val := range overrides {
		switch strings.ToLower(key) {
		case "max_shares_per_round":
			parsed, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return risk.Limits{}, "", fmt.Errorf("max_shares_per_round: %w", err)
			}
			next.MaxSharesPerRound = parsed
		case "max_trades_per_day":
			parsed, err := strconv.Atoi(val)
			if err != nil {
				return risk.Limits{}, "", fmt.Errorf("max_trades_per_day: %w", err)
			}
			next.MaxTradesPerDay = parsed
		case "max_daily_drawdown":
			parsed, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return risk.Limits{}, "", fmt.Errorf("max_daily_drawdown: %w", err)
			}
			next.MaxDailyDrawdown = parsed
		case "kill_switch":
			parsed, err := strconv.ParseBool(val)
			if err != nil {
				return risk.Limits{}, "", fmt.Errorf("kill_switch: %w", err)
			}
			next.KillSwitch = parsed
		case "kill_switch_mode":
			killMode = strings.ToLower(val)
		default:
			return risk.Limits{}, "", fmt.Errorf("%w: unknown risk key %s", ErrInvalidControl, key)
		}
	}
	if next.MaxSharesPerRound < 0 {
		return risk.Limits{}, "", errors.New("max_shares_per_round must be >= 0")
	}
	if next.MaxTradesPerDay < 0 {
		return risk.Limits{}, "", errors.New("max_trades_per_day must be >= 0")
	}
	if next.MaxDailyDrawdown > 0 {
		return risk.Limits{}, "", errors.New("max_daily_drawdown must be <= 0")
	}
	if killMode != config.KillSwitchAdvisory && killMode != config.KillSwitchBlocking {
		return risk.Limits{}, "", fmt.Errorf("kill_switch_mode must be %s or %s", config.KillSwitchAdvisory, config.KillSwitchBlocking)
	}
	return next, killMode, nil
}

// parseKeyValues splits key=value arguments from the operator chat.
func parseKeyValues(args []string) (map[string]string, error) {
	if len(args) == 0 {
		return nil, errors.New("expected key=value pairs")
	}
	out := make(map[string]string, len(args))
	for _, arg := range args {
		parts := strings.SplitN(arg, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid setting: %s", arg)
		}
		key := strings.ToLower(strings.TrimSpace(parts[0]))
		val := strings.TrimSpace(parts[1])
		if key == "" || val == "" {
			return nil, fmt.Errorf("invalid setting: %s", arg)
		}
		out[key] = val
	}
	return out, nil
}

func stringifyParams(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case string:
			out[k] = val
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(val)
		case nil:
			out[k] = ""
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}
