package telegram

import (
	"fmt"
	"strings"

	"github.com/kevinfb92/ibkr-strategy-builder-backend/internal/models"
)

// RunSink drains the engine's position event stream and pushes one chat
// message per event. Blocking; run it in a goroutine for the life of the
// process.
func (c *Client) RunSink(events <-chan models.PositionEvent) {
	for ev := range events {
		c.Notify(formatEvent(ev))
	}
}

func formatEvent(ev models.PositionEvent) string {
	header := map[models.PositionEventKind]string{
		models.EventOpened:           "🟢 *Position opened*",
		models.EventPartialClose:     "🟡 *Partial close*",
		models.EventClosed:           "🔴 *Position closed*",
		models.EventTargetHit:        "🎯 *Target hit*",
		models.EventStopAdjusted:     "🛡 *Stop adjusted*",
		models.EventProtectionFailed: "🚨 *PROTECTION FAILED*",
	}[ev.Kind]
	if header == "" {
		header = fmt.Sprintf("*%s*", ev.Kind)
	}

	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n")
	fmt.Fprintf(&b, "`%s` %s %s\n", ev.TrackingKey, ev.Snapshot.Details.Symbol, ev.Snapshot.Details.Side)
	if ev.Note != "" {
		b.WriteString(ev.Note)
		b.WriteString("\n")
	}

	if ev.Kind == models.EventClosed || ev.Kind == models.EventPartialClose {
		fmt.Fprintf(&b, "Realized PnL: %s", ev.Snapshot.RealizedPnL.StringFixed(2))
	}
	return strings.TrimRight(b.String(), "\n")
}
