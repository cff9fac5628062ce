package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kevinfb92/ibkr-strategy-builder-backend/internal/config"
)

// HandleCommand serves the operator chat commands. It returns the reply text;
// unknown commands get the help text.
func (e *Engine) HandleCommand(ctx context.Context, text string) string {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return e.helpText()
	}

	switch strings.ToLower(fields[0]) {
	case "/ping":
		return "pong 🏓"

	case "/status":
		return e.statusText()

	case "/positions":
		return e.positionsText()

	case "/reconcile":
		e.ForceReconcile(ctx)
		return "🔄 Reconcile pass complete."

	case "/untrack":
		if len(fields) < 2 {
			return "Usage: /untrack <tracking-key>"
		}
		if e.Untrack(ctx, fields[1]) {
			return fmt.Sprintf("Stopped tracking %s.", fields[1])
		}
		return fmt.Sprintf("Unknown tracking key %s.", fields[1])

	case "/help":
		return e.helpText()

	default:
		return e.helpText()
	}
}

func (e *Engine) statusText() string {
	records := e.Snapshot()
	open, closed := 0, 0
	live := len(e.exits.Live())
	for _, rec := range records {
		if rec.Open {
			open++
		} else {
			closed++
		}
	}
	var b strings.Builder
	b.WriteString("📊 Engine status\n")
	fmt.Fprintf(&b, "Tracked: %d (%d open, %d closed)\n", len(records), open, closed)
	fmt.Fprintf(&b, "Live exit orders: %d\n", live)
	fmt.Fprintf(&b, "Tick: %s active / %s idle\n", e.activeTick, e.idleTick)
	fmt.Fprintf(&b, "Time: %s", time.Now().In(config.EasternLoc).Format("2006-01-02 15:04:05 MST"))
	return b.String()
}

func (e *Engine) positionsText() string {
	records := e.Snapshot()
	var b strings.Builder
	n := 0
	for _, rec := range records {
		if !rec.Open || rec.Position == nil {
			continue
		}
		n++
		fired := 0
		for _, t := range rec.Targets {
			if t.Fired {
				fired++
			}
		}
		fmt.Fprintf(&b, "• %s: %s %s qty=%s entry=%s targets=%d/%d realized=%s\n",
			rec.TrackingKey, rec.Details.Symbol, rec.Details.Side,
			rec.Position.Quantity, rec.Position.EntryPrice,
			fired, len(rec.Targets), rec.RealizedPnL)
	}
	if n == 0 {
		return "No open positions."
	}
	return fmt.Sprintf("📈 Open positions (%d)\n%s", n, b.String())
}

func (e *Engine) helpText() string {
	return strings.Join([]string{
		"Commands:",
		"/ping - liveness check",
		"/status - engine summary",
		"/positions - open positions and ladder progress",
		"/reconcile - force an order/position reconcile pass",
		"/untrack <key> - stop tracking a position",
		"/help - this text",
	}, "\n")
}
