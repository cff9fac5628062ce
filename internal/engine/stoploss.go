package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kevinfb92/ibkr-strategy-builder-backend/internal/models"
)

// StopLossAdjuster moves the stop to breakeven once unrealized profit crosses
// a percentage threshold, independently of the target ladder. It never fires
// twice: once the live exit sits at breakeven the check becomes a no-op.
type StopLossAdjuster struct {
	exits        *exitManager
	thresholdPct decimal.Decimal // e.g. 5 for 5%
	events       chan<- models.PositionEvent
}

func newStopLossAdjuster(exits *exitManager, thresholdPct decimal.Decimal, events chan<- models.PositionEvent) *StopLossAdjuster {
	return &StopLossAdjuster{exits: exits, thresholdPct: thresholdPct, events: events}
}

// pnlPercent is the direction-adjusted unrealized profit as a percent of the
// entry price. Positive means the position is winning regardless of side.
func pnlPercent(pos *models.Position, current decimal.Decimal) decimal.Decimal {
	if pos.EntryPrice.IsZero() {
		return decimal.Zero
	}
	move := current.Sub(pos.EntryPrice)
	if !pos.IsLong() {
		move = move.Neg()
	}
	return move.Div(pos.EntryPrice).Mul(decimal.NewFromInt(100))
}

// CheckAndAdjust moves the stop to breakeven when the position's unrealized
// PnL meets the threshold. Caller holds the key lock.
func (a *StopLossAdjuster) CheckAndAdjust(ctx context.Context, rec *models.AlertRecord, current decimal.Decimal) error {
	if rec.Position == nil || !rec.Open {
		return nil
	}
	if a.exits.Get(rec.TrackingKey).AtBreakeven(rec.Position.EntryPrice) {
		return nil
	}

	pct := pnlPercent(rec.Position, current)
	if pct.LessThan(a.thresholdPct) {
		return nil
	}

	log.Printf("[stoploss] %s pnl %s%% >= %s%%, moving stop to breakeven",
		rec.TrackingKey, pct.StringFixed(2), a.thresholdPct)

	if err := a.exits.MoveStopToBreakeven(ctx, rec.Position); err != nil {
		a.emit(rec, models.EventProtectionFailed, fmt.Sprintf("breakeven stop failed: %v", err))
		return err
	}

	a.emit(rec, models.EventStopAdjusted, fmt.Sprintf("pnl %s%% crossed %s%%, stop at breakeven %s",
		pct.StringFixed(2), a.thresholdPct, rec.Position.EntryPrice))
	return nil
}

func (a *StopLossAdjuster) emit(rec *models.AlertRecord, kind models.PositionEventKind, note string) {
	if a.events == nil {
		return
	}
	ev := models.PositionEvent{
		TrackingKey: rec.TrackingKey,
		Kind:        kind,
		Note:        note,
		Snapshot:    *rec,
		At:          time.Now(),
	}
	select {
	case a.events <- ev:
	default:
		log.Printf("[stoploss] event channel full, dropping %s for %s", kind, rec.TrackingKey)
	}
}
