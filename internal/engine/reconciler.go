package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kevinfb92/ibkr-strategy-builder-backend/internal/broker"
	"github.com/kevinfb92/ibkr-strategy-builder-backend/internal/models"
	"github.com/kevinfb92/ibkr-strategy-builder-backend/internal/storage"
)

// OrderReconciler folds broker order events into alert records. It consumes
// the push stream when available and falls back to polling order statuses and
// the position snapshot so a lost stream never loses a fill.
//
// Idempotence contract: fills carry a cumulative filled quantity per broker
// order id and only the unapplied delta transitions state. Replays and
// duplicates only refresh the record's LastOrderUpdate marker.
type OrderReconciler struct {
	gateway  broker.Gateway
	store    *storage.Store
	exits    *exitManager
	keys     *keyedMutex
	events   chan<- models.PositionEvent
	pollTick time.Duration

	mu        sync.Mutex
	processed map[string]struct{}        // broker order ids fully applied
	applied   map[string]decimal.Decimal // cumulative filled qty folded in, per order id
	openedBy  map[string]string          // tracking key -> order id that opened the position
}

func newOrderReconciler(gateway broker.Gateway, store *storage.Store, exits *exitManager, keys *keyedMutex, events chan<- models.PositionEvent, pollTick time.Duration) *OrderReconciler {
	if pollTick <= 0 {
		pollTick = 30 * time.Second
	}
	return &OrderReconciler{
		gateway:   gateway,
		store:     store,
		exits:     exits,
		keys:      keys,
		events:    events,
		pollTick:  pollTick,
		processed: make(map[string]struct{}),
		applied:   make(map[string]decimal.Decimal),
		openedBy:  make(map[string]string),
	}
}

// Run blocks until ctx is cancelled, draining the order stream and running
// the poll fallback on a fixed cadence.
func (r *OrderReconciler) Run(ctx context.Context) {
	stream, err := r.gateway.StreamOrderUpdates(ctx)
	if err != nil {
		log.Printf("[reconciler] order stream unavailable, poll-only mode: %v", err)
	}

	ticker := time.NewTicker(r.pollTick)
	defer ticker.Stop()

	log.Printf("[reconciler] started (poll every %s)", r.pollTick)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[reconciler] stopped")
			return
		case ev, ok := <-stream:
			if !ok {
				stream = nil // stream closed for good, keep polling
				continue
			}
			r.HandleEvent(ctx, ev)
		case <-ticker.C:
			r.Poll(ctx)
		}
	}
}

// markProcessed records an id as fully applied; returns false if it was
// already there.
func (r *OrderReconciler) markProcessed(brokerOrderID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.processed[brokerOrderID]; dup {
		return false
	}
	r.processed[brokerOrderID] = struct{}{}
	delete(r.applied, brokerOrderID)
	return true
}

func (r *OrderReconciler) alreadyProcessed(brokerOrderID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.processed[brokerOrderID]
	return ok
}

// appliedQty returns the cumulative filled quantity already folded into the
// record for an order id.
func (r *OrderReconciler) appliedQty(brokerOrderID string) decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applied[brokerOrderID]
}

func (r *OrderReconciler) noteApplied(brokerOrderID string, cumulative decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied[brokerOrderID] = cumulative
}

func (r *OrderReconciler) openerFor(key string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.openedBy[key]
}

func (r *OrderReconciler) noteOpener(key, brokerOrderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openedBy[key] = brokerOrderID
}

// HandleEvent applies one order observation. Malformed events are logged and
// dropped. Duplicate fills (same broker order id) refresh LastOrderUpdate and
// nothing else.
func (r *OrderReconciler) HandleEvent(ctx context.Context, ev models.OrderUpdateEvent) {
	if ev.BrokerOrderID == "" {
		log.Printf("[reconciler] dropping malformed event (no order id): %+v", ev)
		return
	}

	key, found := r.matchRecord(ev)
	if !found {
		// Activity on the account outside this engine's scope.
		log.Printf("[reconciler] %v: order %s (%s %s), dropping", ErrUnmatchedEvent, ev.BrokerOrderID, ev.Symbol, ev.Status)
		return
	}

	r.keys.Lock(key)
	defer r.keys.Unlock(key)

	// Always refresh the observability marker, duplicates included.
	r.touchLastUpdate(key, ev)

	if !ev.IsFill() {
		r.applyTerminalStatus(key, ev)
		return
	}

	if r.alreadyProcessed(ev.BrokerOrderID) {
		log.Printf("[reconciler] duplicate fill for order %s on %s, ignoring", ev.BrokerOrderID, key)
		return
	}

	// FilledQty is cumulative per order; only the unapplied delta transitions
	// state. A replayed partial fill has no delta and changes nothing.
	delta := ev.FilledQty.Sub(r.appliedQty(ev.BrokerOrderID))
	if !delta.IsPositive() {
		log.Printf("[reconciler] replayed fill for order %s on %s, ignoring", ev.BrokerOrderID, key)
		return
	}

	if err := r.applyFill(ctx, key, ev, delta); err != nil {
		log.Printf("[reconciler] fill for %s not applied: %v", key, err)
		return
	}
	r.noteApplied(ev.BrokerOrderID, ev.FilledQty)
	if ev.Status == models.StatusFilled {
		r.markProcessed(ev.BrokerOrderID)
	}
}

// matchRecord resolves an event to a tracking key. Tracked intents match by
// broker order id; everything else falls back to (symbol, strike, side)
// against open records.
func (r *OrderReconciler) matchRecord(ev models.OrderUpdateEvent) (string, bool) {
	if in := r.exits.FindByBrokerID(ev.BrokerOrderID); in != nil {
		return in.TrackingKey, true
	}

	if ev.Symbol == "" {
		return "", false
	}
	for _, rec := range r.store.Snapshot() {
		// Skip fully closed records; a record without a position is still
		// waiting for its opening fill.
		if !rec.Open && rec.Position != nil {
			continue
		}
		if rec.Details.Symbol != ev.Symbol {
			continue
		}
		if ev.Side != "" && rec.Details.Side != ev.Side {
			continue
		}
		if !ev.Strike.IsZero() && !rec.Details.Strike.Equal(ev.Strike) {
			continue
		}
		return rec.TrackingKey, true
	}
	return "", false
}

func (r *OrderReconciler) touchLastUpdate(key string, ev models.OrderUpdateEvent) {
	_ = r.store.Update(key, func(rec *models.AlertRecord) error {
		rec.LastOrderUpdate = &models.OrderUpdateRef{
			BrokerOrderID: ev.BrokerOrderID,
			Status:        ev.Status,
			FilledQty:     ev.FilledQty,
			UpdatedAt:     ev.ObservedAt,
		}
		return nil
	})
}

// applyTerminalStatus handles cancels and rejections of tracked exits.
func (r *OrderReconciler) applyTerminalStatus(key string, ev models.OrderUpdateEvent) {
	switch ev.Status {
	case models.StatusCancelled, models.StatusInactive:
		r.exits.MarkTerminal(ev.BrokerOrderID, models.IntentCancelled)
	case models.StatusRejected:
		r.exits.MarkTerminal(ev.BrokerOrderID, models.IntentRejected)
		log.Printf("[reconciler] exit order %s for %s rejected by broker", ev.BrokerOrderID, key)
		r.emitFor(key, models.EventProtectionFailed, "exit order rejected by broker")
	}
}

// applyFill folds the unapplied fill quantity into the record: a fill on a
// record without a position opens it (later fills on the same order grow it);
// a fill on the closing side reduces it and realizes PnL.
func (r *OrderReconciler) applyFill(ctx context.Context, key string, ev models.OrderUpdateEvent, delta decimal.Decimal) error {
	var kind models.PositionEventKind
	var note string

	opener := r.openerFor(key)
	err := r.store.Update(key, func(rec *models.AlertRecord) error {
		if rec.Position == nil || ev.BrokerOrderID == opener {
			// Opening fill.
			qty := delta
			if ev.SellSide {
				qty = qty.Neg() // sell-to-open = short
			}
			if rec.Position == nil {
				rec.Position = &models.Position{
					TrackingKey:      key,
					Symbol:           rec.Details.Symbol,
					Strike:           rec.Details.Strike,
					Side:             rec.Details.Side,
					Quantity:         qty,
					OriginalQuantity: qty,
					EntryPrice:       ev.AvgFillPrice,
					BrokerPositionID: rec.OptionConid,
				}
			} else {
				rec.Position.Quantity = rec.Position.Quantity.Add(qty)
				rec.Position.OriginalQuantity = rec.Position.OriginalQuantity.Add(qty)
				rec.Position.EntryPrice = ev.AvgFillPrice
			}
			rec.Open = true
			kind = models.EventOpened
			note = fmt.Sprintf("opened %s @ %s", qty, ev.AvgFillPrice)
			return nil
		}

		// Closing fill: shrink toward zero.
		pos := rec.Position
		closed := delta
		if closed.GreaterThan(pos.Quantity.Abs()) {
			closed = pos.Quantity.Abs()
		}

		realized := ev.AvgFillPrice.Sub(pos.EntryPrice).Mul(closed).Mul(pos.Direction())
		rec.RealizedPnL = rec.RealizedPnL.Add(realized)

		if pos.IsLong() {
			pos.Quantity = pos.Quantity.Sub(closed)
		} else {
			pos.Quantity = pos.Quantity.Add(closed)
		}

		if pos.Quantity.IsZero() {
			rec.Open = false
			kind = models.EventClosed
			note = fmt.Sprintf("closed %s @ %s, realized %s total", closed, ev.AvgFillPrice, rec.RealizedPnL)
		} else {
			kind = models.EventPartialClose
			note = fmt.Sprintf("partial close %s @ %s, %s remaining", closed, ev.AvgFillPrice, pos.Quantity)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if kind == models.EventOpened {
		r.noteOpener(key, ev.BrokerOrderID)
	}

	// A partially-filled exit still works its remainder at the broker; keep
	// the intent live (with the remaining quantity) so no second exit is
	// placed on top of it and the completing fill can still match.
	if ev.Status == models.StatusFilled {
		r.exits.MarkTerminal(ev.BrokerOrderID, models.IntentFilled)
	} else {
		r.exits.ShrinkQuantity(ev.BrokerOrderID, delta)
	}
	if kind == models.EventClosed {
		r.exits.CancelAll(ctx, key)
	}

	log.Printf("[reconciler] %s: %s", key, note)
	r.emitFor(key, kind, note)
	return nil
}

// Poll is the stream fallback: check the status of every live exit order,
// then sweep the broker position snapshot for externally-closed positions.
// Also callable on demand for a forced reconcile.
func (r *OrderReconciler) Poll(ctx context.Context) {
	r.pollIntents(ctx)
	r.sweepPositions(ctx)
}

func (r *OrderReconciler) pollIntents(ctx context.Context) {
	for _, in := range r.exits.Live() {
		if in.BrokerOrderID == "" || r.alreadyProcessed(in.BrokerOrderID) {
			continue
		}
		st, err := r.gateway.GetOrderStatus(ctx, in.BrokerOrderID)
		if err != nil {
			log.Printf("[reconciler] poll status %s: %v", in.BrokerOrderID, err)
			continue
		}
		r.HandleEvent(ctx, models.OrderUpdateEvent{
			BrokerOrderID: st.BrokerOrderID,
			Status:        st.Status,
			FilledQty:     st.FilledQty,
			RemainingQty:  st.RemainingQty,
			AvgFillPrice:  st.AvgFillPrice,
			SellSide:      in.Params.Sell,
			ObservedAt:    time.Now(),
		})
	}
}

// sweepPositions closes records whose broker position vanished without any
// order event we saw, e.g. a manual close in the broker UI.
func (r *OrderReconciler) sweepPositions(ctx context.Context) {
	open := make(map[string]models.AlertRecord)
	for _, rec := range r.store.Snapshot() {
		if rec.Open && rec.Position != nil {
			open[rec.TrackingKey] = rec
		}
	}
	if len(open) == 0 {
		return
	}

	positions, err := r.gateway.GetPositions(ctx)
	if err != nil {
		log.Printf("[reconciler] poll positions: %v", err)
		return
	}
	held := make(map[string]decimal.Decimal, len(positions))
	for _, p := range positions {
		held[p.Conid] = p.Quantity
	}

	for key, rec := range open {
		if qty, ok := held[rec.Position.BrokerPositionID]; ok && !qty.IsZero() {
			continue
		}

		r.keys.Lock(key)
		last, priceErr := r.gateway.GetLastPrice(ctx, rec.Position.BrokerPositionID)
		_ = r.store.Update(key, func(cur *models.AlertRecord) error {
			if cur.Position == nil || !cur.Open {
				return nil
			}
			remaining := cur.Position.Quantity.Abs()
			if priceErr == nil && !remaining.IsZero() {
				realized := last.Sub(cur.Position.EntryPrice).Mul(remaining).Mul(cur.Position.Direction())
				cur.RealizedPnL = cur.RealizedPnL.Add(realized)
			}
			cur.Position.Quantity = decimal.Zero
			cur.Open = false
			return nil
		})
		r.exits.CancelAll(ctx, key)
		r.keys.Unlock(key)

		log.Printf("[reconciler] %s closed externally (no broker position), marking closed", key)
		r.emitFor(key, models.EventClosed, "position closed outside the engine")
	}
}

func (r *OrderReconciler) emitFor(key string, kind models.PositionEventKind, note string) {
	if r.events == nil {
		return
	}
	rec, ok := r.store.Get(key)
	if !ok {
		return
	}
	ev := models.PositionEvent{
		TrackingKey: key,
		Kind:        kind,
		Note:        note,
		Snapshot:    rec,
		At:          time.Now(),
	}
	select {
	case r.events <- ev:
	default:
		log.Printf("[reconciler] event channel full, dropping %s for %s", kind, key)
	}
}
