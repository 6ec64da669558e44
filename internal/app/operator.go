package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pm-arb-bot/internal/alerts"
	"pm-arb-bot/internal/hitl"

	"go.uber.org/zap"
)

const operatorOffsetKey = "telegram:operator:last_update_id"

func (a *App) startOperator(ctx context.Context) {
	if a.cfg == nil || a.alerts == nil || !a.alerts.Enabled() {
		return
	}
	if !a.cfg.Telegram.OperatorEnabled {
		return
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.cfg.Telegram.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return
	}
	pollInterval := a.cfg.Telegram.PollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	allowedUsers := make(map[int64]struct{}, len(a.cfg.Telegram.AllowedUserIDs))
	for _, id := range a.cfg.Telegram.AllowedUserIDs {
		allowedUsers[id] = struct{}{}
	}
	go a.operatorLoop(ctx, chatID, allowedUsers, pollInterval)
}

func (a *App) operatorLoop(ctx context.Context, chatID int64, allowedUsers map[int64]struct{}, pollInterval time.Duration) {
	offset := a.loadOperatorOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.alerts.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			a.logOperatorError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		if a.operatorWarned {
			a.log.Info("telegram operator recovered")
			a.operatorWarned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowedUsers)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowedUsers map[int64]struct{}) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil || msg.From == nil {
		return
	}
	if msg.Chat.ID != chatID {
		return
	}
	if len(allowedUsers) > 0 {
		if _, ok := allowedUsers[msg.From.ID]; !ok {
			return
		}
	}
	cmd, args, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	actor := Actor{
		Source:   "telegram",
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	}
	resp, err := a.handleOperatorCommand(ctx, cmd, args, actor)
	if err != nil {
		resp = fmt.Sprintf("command failed: %v", err)
	}
	if resp == "" {
		return
	}
	if err := a.alerts.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

// parseOperatorCommand strips the leading slash and any @botname suffix.
func parseOperatorCommand(text string) (string, []string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	fields := strings.Fields(trimmed)
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	if cmd == "" {
		return "", nil, false
	}
	return cmd, fields[1:], true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, args []string, actor Actor) (string, error) {
	switch cmd {
	case "status":
		return a.operatorStatus(), nil
	case "pause":
		if a.engine.Paused() {
			return "trading already paused", nil
		}
		if err := a.engine.Control(ctx, ControlCommand{Type: ControlPause}, actor); err != nil {
			return "", err
		}
		return "trading paused", nil
	case "resume":
		if !a.engine.Paused() {
			return "trading already active", nil
		}
		if err := a.engine.Control(ctx, ControlCommand{Type: ControlResume}, actor); err != nil {
			return "", err
		}
		return "trading resumed", nil
	case "mode":
		if len(args) != 1 {
			return "", errors.New("usage: /mode auto|hitl")
		}
		mode, err := ParseModeArg(args[0])
		if err != nil {
			return "", err
		}
		if err := a.engine.Control(ctx, ControlCommand{Type: ControlSetMode, Mode: mode}, actor); err != nil {
			return "", err
		}
		return fmt.Sprintf("mode set to %s", mode), nil
	case "strategy":
		if len(args) == 0 {
			return "", errors.New("usage: /strategy <name> [key=value ...]")
		}
		var params map[string]string
		if len(args) > 1 {
			parsed, err := parseKeyValues(args[1:])
			if err != nil {
				return "", err
			}
			params = parsed
		}
		if err := a.engine.Control(ctx, ControlCommand{Type: ControlSetStrategy, Strategy: args[0], Params: params}, actor); err != nil {
			return "", err
		}
		return fmt.Sprintf("strategy set to %s", args[0]), nil
	case "set":
		params, err := parseKeyValues(args)
		if err != nil {
			return "", err
		}
		if err := a.engine.Control(ctx, ControlCommand{Type: ControlSetParam, Params: params}, actor); err != nil {
			return "", err
		}
		return "params updated", nil
	case "risk":
		return a.handleRiskCommand(ctx, args, actor)
	case "proposals":
		return a.operatorProposals(), nil
	case "approve":
		if len(args) != 1 {
			return "", errors.New("usage: /approve <id>")
		}
		p, fill, err := a.engine.ApproveProposal(ctx, args[0], actor)
		if err != nil {
			if errors.Is(err, hitl.ErrNotFound) || errors.Is(err, ErrProposalNotApproved) || errors.Is(err, ErrKillSwitchBlocked) {
				return "", err
			}
			return fmt.Sprintf("approved %s but execution failed: %v", p.ID, err), nil
		}
		return fmt.Sprintf("approved %s: filled %g %s @%.4f", p.ID, fill.Shares, fill.Side, fill.Price), nil
	case "reject":
		if len(args) == 0 {
			return "", errors.New("usage: /reject <id> [reason]")
		}
		reason := strings.Join(args[1:], " ")
		if reason == "" {
			reason = "operator"
		}
		p, err := a.engine.RejectProposal(ctx, args[0], reason, actor)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("proposal %s is %s", p.ID, p.Status), nil
	default:
		return operatorHelpText(), nil
	}
}

func (a *App) handleRiskCommand(ctx context.Context, args []string, actor Actor) (string, error) {
	if len(args) == 0 || strings.EqualFold(args[0], "show") {
		return a.riskStatus(), nil
	}
	switch strings.ToLower(args[0]) {
	case "reset":
		if err := a.engine.Control(ctx, ControlCommand{Type: ControlResetRisk}, actor); err != nil {
			return "", err
		}
		return "risk override cleared", nil
	case "set":
		overrides, err := parseKeyValues(args[1:])
		if err != nil {
			return "", err
		}
		if err := a.engine.Control(ctx, ControlCommand{Type: ControlSetRisk, Risk: overrides}, actor); err != nil {
			return "", err
		}
		return "risk override updated", nil
	default:
		return "", errors.New("unknown risk command: use /risk show|set|reset")
	}
}

func (a *App) operatorStatus() string {
	st := a.engine.Status()
	lines := []string{
		fmt.Sprintf("strategy: %s", st.ActiveStrategy),
		fmt.Sprintf("mode: %s", st.Mode),
		fmt.Sprintf("paused: %t", st.Paused),
		fmt.Sprintf("venue: %s", st.Venue),
	}
	if st.Phase != "" {
		lines = append(lines, fmt.Sprintf("phase: %s", st.Phase))
	}
	if st.State != nil {
		lines = append(lines,
			fmt.Sprintf("round: %s (%ds left)", st.State.Round.ID, st.State.Round.SecondsRemaining),
			fmt.Sprintf("asks: up %.4f down %.4f sum %.4f", st.State.Up.Ask, st.State.Down.Ask, st.State.Derived.CombinedAsk),
			fmt.Sprintf("dislocation: %.3f", st.State.Derived.DislocationScore),
		)
	}
	lines = append(lines,
		fmt.Sprintf("position: up %g down %g pairs %g", st.Portfolio.Up.Shares, st.Portfolio.Down.Shares, st.Summary.Pairs),
		fmt.Sprintf("pnl: %.4f cost %.4f", st.Summary.PnL, st.Summary.TotalCost),
		fmt.Sprintf("pending proposals: %d", st.Pending),
		fmt.Sprintf("recording: %t", st.Recording),
	)
	if len(st.Flags) > 0 {
		lines = append(lines, "risk flags: "+strings.Join(st.Flags, ", "))
	}
	return strings.Join(lines, "\n")
}

func (a *App) riskStatus() string {
	st := a.engine.Status()
	l := st.Risk.Limits
	lines := []string{
		fmt.Sprintf("risk limits: max_shares_per_round=%g max_trades_per_day=%d max_daily_drawdown=%g kill_switch=%t kill_switch_mode=%s",
			l.MaxSharesPerRound, l.MaxTradesPerDay, l.MaxDailyDrawdown, l.KillSwitch, st.KillSwitchMode),
		fmt.Sprintf("today: shares_this_round=%g trades=%d pnl=%.2f", st.Risk.SharesThisRound, st.Risk.TradesToday, st.Risk.DailyPnL),
	}
	if st.RiskOverride {
		lines = append(lines, "risk override: active")
	} else {
		lines = append(lines, "risk override: none")
	}
	return strings.Join(lines, "\n")
}

func (a *App) operatorProposals() string {
	var lines []string
	for _, p := range a.engine.Proposals().List(hitl.DefaultListLimit) {
		if p.Status != hitl.StatusPending {
			continue
		}
		left := time.Until(time.UnixMilli(p.ExpiresMs)).Truncate(time.Second)
		lines = append(lines, fmt.Sprintf("%s %s (expires in %s)", p.ID, p.Summary, left))
	}
	if len(lines) == 0 {
		return "no pending proposals"
	}
	return strings.Join(lines, "\n")
}

// notifyProposals pushes new proposals to the operator chat off the tick
// path.
func (a *App) notifyProposals(ps []hitl.Proposal) {
	if a.alerts == nil || !a.alerts.Enabled() || !a.cfg.Telegram.NotifyProposalsValue() {
		return
	}
	lines := make([]string, 0, len(ps)+1)
	lines = append(lines, "new proposals (reply /approve <id> or /reject <id>):")
	for _, p := range ps {
		lines = append(lines, fmt.Sprintf("%s %s", p.ID, p.Summary))
	}
	msg := strings.Join(lines, "\n")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.alerts.Send(ctx, msg); err != nil {
			a.log.Warn("proposal notification failed", zap.Error(err))
		}
	}()
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - engine status",
		"/pause - pause the tick driver",
		"/resume - resume the tick driver",
		"/mode auto|hitl - switch execution mode",
		"/strategy <name> [key=value ...] - switch strategy",
		"/set key=value ... - update strategy params",
		"/risk show|set key=value ...|reset - risk limits (keys: max_shares_per_round, max_trades_per_day, max_daily_drawdown, kill_switch, kill_switch_mode)",
		"/proposals - pending HITL proposals",
		"/approve <id> - approve and execute a proposal",
		"/reject <id> [reason] - reject a proposal",
	}, "\n")
}

func (a *App) logOperatorError(err error) {
	if a.operatorWarned {
		return
	}
	a.operatorWarned = true
	a.log.Warn("telegram operator failed", zap.Error(err))
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	if a.store == nil {
		return 0
	}
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if a.store == nil {
		return
	}
	_ = a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10))
}
