// Package engine ties the risk-management pieces together: it tracks alert
// positions, walks their target ladders against live prices, adjusts stops,
// places trailing runner exits, and reconciles broker fills back into the
// persisted records.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kevinfb92/ibkr-strategy-builder-backend/internal/broker"
	"github.com/kevinfb92/ibkr-strategy-builder-backend/internal/config"
	"github.com/kevinfb92/ibkr-strategy-builder-backend/internal/models"
	"github.com/kevinfb92/ibkr-strategy-builder-backend/internal/storage"
)

// Engine is the long-running coordinator. One instance per process.
type Engine struct {
	cfg        *config.Config
	gateway    broker.Gateway
	store      *storage.Store
	keys       *keyedMutex
	exits      *exitManager
	placer     *TrailingOrderPlacer
	targets    *PriceTargetMonitor
	stoploss   *StopLossAdjuster
	reconciler *OrderReconciler

	fallbackTrailPct decimal.Decimal
	activeTick       time.Duration
	idleTick         time.Duration

	events chan models.PositionEvent
}

// New wires the engine from configuration. The events channel carries state
// change notifications for the messaging layer; it is buffered and emission
// never blocks a tick.
func New(cfg *config.Config, gateway broker.Gateway, store *storage.Store) *Engine {
	events := make(chan models.PositionEvent, 64)
	keys := newKeyedMutex()
	callTimeout := time.Duration(cfg.BrokerTimeoutSec) * time.Second

	negotiator := NewConfirmationNegotiator(gateway, cfg.MaxConfirmRounds, cfg.BrokerRetries, callTimeout)
	placer := NewTrailingOrderPlacer(negotiator,
		decimal.NewFromFloat(cfg.TrailRatio),
		decimal.NewFromFloat(cfg.RunnerLimitOffset))
	exits := newExitManager(gateway, placer, decimal.NewFromFloat(cfg.BreakevenOffset), callTimeout)
	fallbackTrail := decimal.NewFromFloat(cfg.FallbackTrailPct)

	e := &Engine{
		cfg:              cfg,
		gateway:          gateway,
		store:            store,
		keys:             keys,
		exits:            exits,
		placer:           placer,
		targets:          newPriceTargetMonitor(exits, fallbackTrail, events),
		stoploss:         newStopLossAdjuster(exits, decimal.NewFromFloat(cfg.StopPnLThresholdPct), events),
		fallbackTrailPct: fallbackTrail,
		activeTick:       time.Duration(cfg.ActiveTickSec) * time.Second,
		idleTick:         time.Duration(cfg.IdleTickSec) * time.Second,
		events:           events,
	}
	e.reconciler = newOrderReconciler(gateway, store, exits, keys, events,
		time.Duration(cfg.ReconcilePollSec)*time.Second)
	return e
}

// Events is the notification stream consumed by the messaging layer.
func (e *Engine) Events() <-chan models.PositionEvent { return e.events }

// Register tracks a new alert. The record starts without a position; the
// reconciler attaches one when the opening fill arrives. Re-registering an
// existing open key is rejected.
func (e *Engine) Register(intent models.AlertIntent) error {
	if err := intent.Validate(); err != nil {
		return err
	}

	e.keys.Lock(intent.TrackingKey)
	defer e.keys.Unlock(intent.TrackingKey)

	if existing, ok := e.store.Get(intent.TrackingKey); ok && existing.Open {
		return fmt.Errorf("tracking key %s already open", intent.TrackingKey)
	}

	ratio := intent.TrailRatio
	if ratio.IsZero() {
		ratio = decimal.NewFromFloat(e.cfg.TrailRatio)
	}

	rec := models.AlertRecord{
		TrackingKey: intent.TrackingKey,
		Open:        false,
		CreatedAt:   time.Now(),
		OptionConid: intent.Conid,
		Details: models.AlertDetails{
			Symbol: intent.Symbol,
			Strike: intent.Strike,
			Side:   intent.Side,
		},
		Targets:     intent.Targets,
		FreeRunner:  intent.FreeRunner,
		TrailRatio:  ratio,
		RealizedPnL: decimal.Zero,
	}

	// An alert arriving with a known entry price and quantity is treated as
	// already holding: some intake paths confirm the fill before registration.
	if !intent.EntryPrice.IsZero() && !intent.Quantity.IsZero() {
		rec.Position = &models.Position{
			TrackingKey:      intent.TrackingKey,
			Symbol:           intent.Symbol,
			Strike:           intent.Strike,
			Side:             intent.Side,
			Quantity:         intent.Quantity,
			OriginalQuantity: intent.Quantity,
			EntryPrice:       intent.EntryPrice,
			BrokerPositionID: intent.Conid,
		}
		rec.Open = true
	}

	e.store.Put(rec)
	log.Printf("[engine] registered %s (%s %s %s), %d target(s), free_runner=%v",
		intent.TrackingKey, intent.Symbol, intent.Strike, intent.Side, len(intent.Targets), intent.FreeRunner)
	return nil
}

// Untrack drops a record and cancels its live exit. Used by operator
// commands; fills already applied stay applied.
func (e *Engine) Untrack(ctx context.Context, trackingKey string) bool {
	e.keys.Lock(trackingKey)
	defer e.keys.Unlock(trackingKey)

	if _, ok := e.store.Get(trackingKey); !ok {
		return false
	}
	e.exits.CancelAll(ctx, trackingKey)
	e.store.Delete(trackingKey)
	log.Printf("[engine] untracked %s", trackingKey)
	return true
}

// ForceReconcile runs the poll fallback immediately.
func (e *Engine) ForceReconcile(ctx context.Context) {
	log.Printf("[engine] forced reconcile")
	e.reconciler.Poll(ctx)
}

// Snapshot returns all tracked records.
func (e *Engine) Snapshot() []models.AlertRecord { return e.store.Snapshot() }

// Run blocks until ctx is cancelled: it drives the evaluation tick loop and
// the reconciler. The tick cadence adapts: fast while any open position has
// unfinished targets or a pending breakeven check, slow when everything is
// settled.
func (e *Engine) Run(ctx context.Context) {
	// Re-arm exits persisted from a previous run.
	e.restoreExits()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.reconciler.Run(ctx)
	}()

	log.Printf("[engine] started (tick %s active / %s idle)", e.activeTick, e.idleTick)
	timer := time.NewTimer(e.activeTick)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[engine] stopping")
			wg.Wait()
			return
		case <-timer.C:
			active := e.tick(ctx)
			if active {
				timer.Reset(e.activeTick)
			} else {
				timer.Reset(e.idleTick)
			}
		}
	}
}

// restoreExits rebuilds the live-exit map from persisted LastOrderUpdate
// markers after a restart. Orders that died while we were down are cleaned up
// by the first reconcile poll.
func (e *Engine) restoreExits() {
	for _, rec := range e.store.Snapshot() {
		if !rec.Open || rec.LastOrderUpdate == nil {
			continue
		}
		lu := rec.LastOrderUpdate
		if lu.Status == models.StatusFilled || lu.Status == models.StatusCancelled || lu.Status == models.StatusRejected {
			continue
		}
		e.exits.Restore(&models.OrderIntent{
			BrokerOrderID: lu.BrokerOrderID,
			TrackingKey:   rec.TrackingKey,
			Conid:         rec.OptionConid,
			State:         models.IntentSubmitted,
			CreatedAt:     lu.UpdatedAt,
			UpdatedAt:     lu.UpdatedAt,
		})
	}
}

// tick evaluates every open position once. Returns true when at least one
// position still has pending risk work, which keeps the fast cadence.
func (e *Engine) tick(ctx context.Context) bool {
	var open []models.AlertRecord
	for _, rec := range e.store.Snapshot() {
		if rec.Open && rec.Position != nil {
			open = append(open, rec)
		}
	}
	if len(open) == 0 {
		return false
	}

	active := false
	var wg sync.WaitGroup
	for _, rec := range open {
		if e.needsWork(rec) {
			active = true
		}
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			if err := e.evaluateOne(ctx, key); err != nil {
				log.Printf("[engine] evaluate %s: %v", key, err)
			}
		}(rec.TrackingKey)
	}
	wg.Wait()
	return active
}

// needsWork reports whether a position still has risk actions ahead of it.
func (e *Engine) needsWork(rec models.AlertRecord) bool {
	if !rec.LadderExhausted() {
		return true
	}
	if rec.FreeRunner && e.exits.Get(rec.TrackingKey) == nil {
		return true
	}
	if rec.Position != nil && !e.exits.Get(rec.TrackingKey).AtBreakeven(rec.Position.EntryPrice) {
		return true
	}
	return false
}

// evaluateOne runs one position through the full risk pipeline under its key
// lock: price fetch, target ladder, PnL stop check, free-runner fallback.
func (e *Engine) evaluateOne(ctx context.Context, key string) error {
	e.keys.Lock(key)
	defer e.keys.Unlock(key)

	rec, ok := e.store.Get(key)
	if !ok || !rec.Open || rec.Position == nil {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.BrokerTimeoutSec)*time.Second)
	last, err := e.gateway.GetLastPrice(callCtx, rec.Position.BrokerPositionID)
	cancel()
	if err != nil {
		return fmt.Errorf("last price for %s: %w", rec.Position.BrokerPositionID, err)
	}

	if err := e.targets.Evaluate(ctx, &rec, last); err != nil {
		// Fired rungs before the failure still persist.
		e.store.Put(rec)
		return err
	}
	e.store.Put(rec)

	if err := e.stoploss.CheckAndAdjust(ctx, &rec, last); err != nil {
		return err
	}

	return e.maybeStartFreeRunner(ctx, &rec, last)
}

// maybeStartFreeRunner arms the trailing runner for free-runner positions
// once the ladder is done and no exit is live. With no gain to derive the
// trail from, the distance falls back to a fixed percentage of the price.
func (e *Engine) maybeStartFreeRunner(ctx context.Context, rec *models.AlertRecord, last decimal.Decimal) error {
	if !rec.FreeRunner || !rec.LadderExhausted() {
		return nil
	}
	if e.exits.Get(rec.TrackingKey) != nil {
		return nil
	}

	err := e.exits.ActivateRunner(ctx, rec.Position, last)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNoGain) {
		return err
	}

	trail := last.Mul(e.fallbackTrailPct).Div(decimal.NewFromInt(100))
	log.Printf("[engine] %s free runner has no gain, using %s%% fallback trail (%s)",
		rec.TrackingKey, e.fallbackTrailPct, trail)
	return e.exits.ActivateRunnerWithAmount(ctx, rec.Position, last, trail)
}
