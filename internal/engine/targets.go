package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kevinfb92/ibkr-strategy-builder-backend/internal/models"
)

// PriceTargetMonitor walks a record's target ladder against the current price
// and fires the bound action for every newly-reached rung. Rungs fire in
// ascending price order for longs (descending for shorts) and each rung fires
// exactly once; a later retrace never un-fires it.
type PriceTargetMonitor struct {
	exits            *exitManager
	fallbackTrailPct decimal.Decimal // trail as % of price when the runner has no gain
	events           chan<- models.PositionEvent
}

func newPriceTargetMonitor(exits *exitManager, fallbackTrailPct decimal.Decimal, events chan<- models.PositionEvent) *PriceTargetMonitor {
	return &PriceTargetMonitor{exits: exits, fallbackTrailPct: fallbackTrailPct, events: events}
}

// reached reports whether price has touched the target for the position's
// direction. For longs a target is reached at or above it; shorts mirror.
func reached(pos *models.Position, target, current decimal.Decimal) bool {
	if pos.IsLong() {
		return current.GreaterThanOrEqual(target)
	}
	return current.LessThanOrEqual(target)
}

// Evaluate fires all unfired targets the current price has reached, in ladder
// order, applying each action before looking at the next rung. A gap-up (or
// gap-down for shorts) past several rungs fires them all in one pass.
//
// Caller holds the key lock for rec's tracking key. rec is mutated in place;
// the caller persists it afterwards.
func (m *PriceTargetMonitor) Evaluate(ctx context.Context, rec *models.AlertRecord, current decimal.Decimal) error {
	if rec.Position == nil || !rec.Open {
		return nil
	}

	for i := range rec.Targets {
		t := &rec.Targets[i]
		if t.Fired || !reached(rec.Position, t.Price, current) {
			continue
		}

		if err := m.apply(ctx, rec, t, current); err != nil {
			// Leave the rung unfired so the next tick retries the action.
			return fmt.Errorf("target %s at %s: %w", t.Action, t.Price, err)
		}

		t.Fired = true
		log.Printf("[targets] %s hit target %s (%s) at last=%s", rec.TrackingKey, t.Price, t.Action, current)
		m.emit(rec, models.EventTargetHit, fmt.Sprintf("target %s reached, action %s", t.Price, t.Action))
	}
	return nil
}

func (m *PriceTargetMonitor) apply(ctx context.Context, rec *models.AlertRecord, t *models.PriceTarget, current decimal.Decimal) error {
	switch t.Action {
	case models.ActionMoveStopToBreakeven:
		if err := m.exits.MoveStopToBreakeven(ctx, rec.Position); err != nil {
			m.emit(rec, models.EventProtectionFailed, fmt.Sprintf("breakeven stop failed: %v", err))
			return err
		}
		m.emit(rec, models.EventStopAdjusted, fmt.Sprintf("stop moved to breakeven at %s", rec.Position.EntryPrice))
		return nil

	case models.ActionActivateTrailingRunner:
		err := m.exits.ActivateRunner(ctx, rec.Position, current)
		if errors.Is(err, ErrNoGain) {
			// Price touched the target but slipped back below entry before
			// the order went out. Trail a fixed share of the price instead so
			// the runner still gets armed.
			trail := current.Mul(m.fallbackTrailPct).Div(decimal.NewFromInt(100))
			log.Printf("[targets] %s runner target reached but no gain at last=%s, using %s%% fallback trail",
				rec.TrackingKey, current, m.fallbackTrailPct)
			err = m.exits.ActivateRunnerWithAmount(ctx, rec.Position, current, trail)
		}
		if err != nil {
			m.emit(rec, models.EventProtectionFailed, fmt.Sprintf("trailing runner failed: %v", err))
			return err
		}
		return nil

	default:
		log.Printf("[targets] %s: unknown target action %q, marking fired", rec.TrackingKey, t.Action)
		return nil
	}
}

func (m *PriceTargetMonitor) emit(rec *models.AlertRecord, kind models.PositionEventKind, note string) {
	if m.events == nil {
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
	case m.events <- ev:
	default:
		log.Printf("[targets] event channel full, dropping %s for %s", kind, rec.TrackingKey)
	}
}
