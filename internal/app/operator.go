package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"rwa-exposure-bundle/internal/alerts"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const operatorOffsetKey = "telegram:operator:last_update_id"

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

type operatorAuditEvent struct {
	UpdateID        int64     `json:"update_id"`
	Time            time.Time `json:"time"`
	Action          string    `json:"action"`
	Command         string    `json:"command"`
	UserID          int64     `json:"user_id"`
	Username        string    `json:"username,omitempty"`
	ChatID          int64     `json:"chat_id"`
	EmergencyBefore bool      `json:"emergency_before"`
	EmergencyAfter  bool      `json:"emergency_after"`
	Result          string    `json:"result,omitempty"`
	Error           string    `json:"error,omitempty"`
}

func (a *App) startOperator(ctx context.Context) {
	if a.cfg == nil || a.alerts == nil || a.log == nil {
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
	pollInterval := a.cfg.Telegram.OperatorPollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	allowedUsers := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorAllowedUserIDs))
	for _, id := range a.cfg.Telegram.OperatorAllowedUserIDs {
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
	if upd.Message == nil {
		return
	}
	msg := upd.Message
	if msg.Chat == nil || msg.From == nil {
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
	meta := operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	}
	resp, err := a.handleOperatorCommand(ctx, cmd, args, meta)
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

func parseOperatorCommand(text string) (string, []string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", nil, false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// Group chats address commands as /status@botname.
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	if cmd == "" {
		return "", nil, false
	}
	return cmd, fields[1:], true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, args []string, meta operatorMeta) (string, error) {
	switch cmd {
	case "status":
		return a.operatorStatus(ctx), nil
	case "emergency":
		return a.audited(ctx, "emergency", meta, func() (string, error) {
			recovered, err := a.bundle.ActivateEmergency(ctx, a.operator)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("emergency mode active, recovered %s", recovered.StringFixed(2)), nil
		})
	case "exit":
		return a.audited(ctx, "emergency_exit", meta, func() (string, error) {
			recovered, err := a.bundle.EmergencyExit(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("emergency exit recovered %s", recovered.StringFixed(2)), nil
		})
	case "clear", "resume":
		return a.audited(ctx, "emergency_clear", meta, func() (string, error) {
			if err := a.bundle.ClearEmergency(ctx, a.operator); err != nil {
				return "", err
			}
			return "emergency mode cleared", nil
		})
	case "optimize":
		return a.audited(ctx, "optimize", meta, func() (string, error) {
			res, err := a.bundle.OptimizeAllocations(ctx)
			if err != nil {
				return "", err
			}
			if !res.Executed {
				return fmt.Sprintf("optimize skipped (saving %s)", res.Saving.StringFixed(2)), nil
			}
			return fmt.Sprintf("optimize executed %d moves (saving %s)", len(res.Moves), res.Saving.StringFixed(2)), nil
		})
	case "rebalance":
		return a.audited(ctx, "rebalance", meta, func() (string, error) {
			res, err := a.bundle.RebalanceStrategies(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("rebalance executed %d moves", len(res.Moves)), nil
		})
	case "harvest":
		return a.audited(ctx, "harvest", meta, func() (string, error) {
			amount, err := a.bundle.HarvestYield(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("harvested %s", amount.StringFixed(2)), nil
		})
	case "deposit":
		amount, err := parseAmount(args)
		if err != nil {
			return "", err
		}
		return a.audited(ctx, "deposit", meta, func() (string, error) {
			if err := a.bundle.AllocateCapital(ctx, amount); err != nil {
				return "", err
			}
			return fmt.Sprintf("allocated %s", amount.String()), nil
		})
	case "withdraw":
		amount, err := parseAmount(args)
		if err != nil {
			return "", err
		}
		return a.audited(ctx, "withdraw", meta, func() (string, error) {
			got, err := a.bundle.WithdrawCapital(ctx, amount)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("withdrew %s", got.StringFixed(2)), nil
		})
	case "target":
		if len(args) != 2 {
			return "", errors.New("usage: /target <strategy> <bps>")
		}
		bps, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return "", fmt.Errorf("target bps: %w", err)
		}
		return a.audited(ctx, "target", meta, func() (string, error) {
			if err := a.bundle.SetTargetAllocation(ctx, args[0], bps); err != nil {
				return "", err
			}
			return fmt.Sprintf("%s target set to %d bps", args[0], bps), nil
		})
	case "activate", "deactivate":
		if len(args) != 1 {
			return "", fmt.Errorf("usage: /%s <strategy>", cmd)
		}
		active := cmd == "activate"
		return a.audited(ctx, cmd, meta, func() (string, error) {
			if err := a.bundle.SetStrategyActive(ctx, args[0], active); err != nil {
				return "", err
			}
			return fmt.Sprintf("%s %sd", args[0], cmd), nil
		})
	default:
		return operatorHelpText(), nil
	}
}

func parseAmount(args []string) (decimal.Decimal, error) {
	if len(args) != 1 {
		return decimal.Zero, errors.New("amount is required")
	}
	amount, err := decimal.NewFromString(args[0])
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", args[0])
	}
	if !amount.IsPositive() {
		return decimal.Zero, errors.New("amount must be positive")
	}
	return amount, nil
}

// audited runs a state-changing command and records it under ops:audit.
func (a *App) audited(ctx context.Context, action string, meta operatorMeta, fn func() (string, error)) (string, error) {
	before := a.bundle.InEmergency()
	resp, err := fn()
	event := operatorAuditEvent{
		UpdateID:        meta.UpdateID,
		Time:            a.clock(),
		Action:          action,
		Command:         meta.Raw,
		UserID:          meta.UserID,
		Username:        meta.Username,
		ChatID:          meta.ChatID,
		EmergencyBefore: before,
		EmergencyAfter:  a.bundle.InEmergency(),
		Result:          resp,
	}
	if err != nil {
		event.Error = err.Error()
	}
	a.auditOperatorEvent(ctx, event)
	return resp, err
}

func (a *App) operatorStatus(ctx context.Context) string {
	st, err := a.Status(ctx)
	if err != nil {
		return fmt.Sprintf("status unavailable: %v", err)
	}
	lines := []string{
		fmt.Sprintf("value: %s", st.Value.StringFixed(2)),
		fmt.Sprintf("idle: %s", st.Idle.StringFixed(2)),
		fmt.Sprintf("emergency: %t", st.Emergency),
	}
	for _, alloc := range st.Allocations {
		lines = append(lines, fmt.Sprintf("%s [%s] %s: %d/%d bps (target %d) value %s",
			alloc.Name,
			alloc.Type,
			alloc.State,
			alloc.CurrentBps,
			alloc.MaxBps,
			alloc.TargetBps,
			alloc.Value.StringFixed(2),
		))
	}
	return strings.Join(lines, "\n")
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - bundle value and allocations",
		"/emergency - block allocations and unwind every strategy",
		"/exit - repeat the emergency unwind",
		"/clear - leave emergency mode",
		"/optimize - run the optimizer now",
		"/rebalance - move capital toward current targets",
		"/harvest - harvest yield from every strategy",
		"/deposit <amount> - allocate new capital",
		"/withdraw <amount> - withdraw capital",
		"/target <strategy> <bps> - set a strategy's target allocation",
		"/activate <strategy> - include a strategy in allocations",
		"/deactivate <strategy> - exclude a strategy from new allocations",
	}, "\n")
}

func (a *App) logOperatorError(err error) {
	if a.log == nil {
		return
	}
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

func (a *App) auditOperatorEvent(ctx context.Context, event operatorAuditEvent) {
	if a.store == nil {
		return
	}
	key := fmt.Sprintf("ops:audit:%d:%d", event.Time.UnixNano(), event.UpdateID)
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = a.store.Set(ctx, key, string(payload))
}
