package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kevinfb92/ibkr-strategy-builder-backend/internal/broker"
	"github.com/kevinfb92/ibkr-strategy-builder-backend/internal/models"
)

// keyedMutex serializes all work on a single tracking key. Target evaluation,
// stop adjustment, and reconciliation for one position never overlap.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) Lock(key string) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
}

func (k *keyedMutex) Unlock(key string) {
	k.mu.Lock()
	m := k.locks[key]
	k.mu.Unlock()
	m.Unlock()
}

// exitManager owns the live exit order for each tracked position. At most one
// non-terminal exit exists per tracking key; replacing it is always
// cancel-then-place.
//
// Every method assumes the caller already holds the key lock for the tracking
// key it touches. Methods never take the lock themselves.
type exitManager struct {
	gateway         broker.Gateway
	placer          *TrailingOrderPlacer
	breakevenOffset decimal.Decimal
	callTimeout     time.Duration

	mu      sync.Mutex // guards intents map shape only
	intents map[string]*models.OrderIntent
}

func newExitManager(gateway broker.Gateway, placer *TrailingOrderPlacer, breakevenOffset decimal.Decimal, callTimeout time.Duration) *exitManager {
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	return &exitManager{
		gateway:         gateway,
		placer:          placer,
		breakevenOffset: breakevenOffset,
		callTimeout:     callTimeout,
		intents:         make(map[string]*models.OrderIntent),
	}
}

// Get returns the live exit intent for a tracking key, or nil.
func (m *exitManager) Get(trackingKey string) *models.OrderIntent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.intents[trackingKey]
}

func (m *exitManager) set(trackingKey string, intent *models.OrderIntent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if intent == nil {
		delete(m.intents, trackingKey)
		return
	}
	m.intents[trackingKey] = intent
}

// Restore seeds an intent from persisted state on startup.
func (m *exitManager) Restore(intent *models.OrderIntent) {
	if intent == nil || intent.State.Terminal() {
		return
	}
	m.set(intent.TrackingKey, intent)
}

// Live returns a snapshot of all non-terminal exit intents.
func (m *exitManager) Live() []*models.OrderIntent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.OrderIntent, 0, len(m.intents))
	for _, in := range m.intents {
		out = append(out, in)
	}
	return out
}

// FindByBrokerID looks an intent up by broker order id across all keys.
func (m *exitManager) FindByBrokerID(brokerOrderID string) *models.OrderIntent {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, in := range m.intents {
		if in.BrokerOrderID == brokerOrderID {
			return in
		}
	}
	return nil
}

// MarkTerminal transitions the tracked intent for a broker order id into a
// terminal state and drops it from the live set. No-op for unknown ids.
func (m *exitManager) MarkTerminal(brokerOrderID string, state models.OrderIntentState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, in := range m.intents {
		if in.BrokerOrderID == brokerOrderID {
			in.State = state
			in.UpdatedAt = time.Now()
			delete(m.intents, key)
			return
		}
	}
}

// ShrinkQuantity reduces a live intent's working quantity after a partial
// fill so a later replacement order covers only the remainder. No-op for
// unknown ids.
func (m *exitManager) ShrinkQuantity(brokerOrderID string, by decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, in := range m.intents {
		if in.BrokerOrderID != brokerOrderID {
			continue
		}
		q := in.Params.Quantity.Sub(by)
		if q.IsNegative() {
			q = decimal.Zero
		}
		in.Params.Quantity = q
		in.UpdatedAt = time.Now()
		return
	}
}

// MoveStopToBreakeven replaces whatever exit protects the position with a
// stop-limit pinned at the entry price. Idempotent: if the live exit is
// already a breakeven stop nothing happens.
func (m *exitManager) MoveStopToBreakeven(ctx context.Context, pos *models.Position) error {
	existing := m.Get(pos.TrackingKey)
	if existing.AtBreakeven(pos.EntryPrice) {
		return nil
	}

	if err := m.cancelExisting(ctx, pos.TrackingKey, existing); err != nil {
		return err
	}

	stop := pos.EntryPrice
	var limit decimal.Decimal
	if pos.IsLong() {
		limit = stop.Sub(m.breakevenOffset)
	} else {
		limit = stop.Add(m.breakevenOffset)
	}

	spec := broker.OrderSpec{
		Conid:      pos.BrokerPositionID,
		LocalID:    uuid.NewString(),
		Type:       models.OrderStopLimit,
		Sell:       pos.IsLong(),
		Quantity:   pos.Quantity.Abs(),
		StopPrice:  stop,
		LimitPrice: limit,
		TIF:        "GTC",
	}

	log.Printf("[exits] moving stop to breakeven for %s: stop=%s limit=%s", pos.TrackingKey, stop, limit)

	brokerID, err := m.placer.negotiator.Negotiate(ctx, spec)
	if err != nil {
		return fmt.Errorf("breakeven stop for %s: %w", pos.TrackingKey, err)
	}

	now := time.Now()
	m.set(pos.TrackingKey, &models.OrderIntent{
		LocalID:       spec.LocalID,
		BrokerOrderID: brokerID,
		TrackingKey:   pos.TrackingKey,
		Conid:         pos.BrokerPositionID,
		Type:          models.OrderStopLimit,
		State:         models.IntentSubmitted,
		CreatedAt:     now,
		UpdatedAt:     now,
		Params: models.OrderParams{
			Quantity:   spec.Quantity,
			Sell:       spec.Sell,
			StopPrice:  stop,
			LimitPrice: limit,
		},
	})
	return nil
}

// ActivateRunner swaps the position's protection for a trailing exit derived
// from the current gain. Falls back to ErrNoGain handling at the caller.
func (m *exitManager) ActivateRunner(ctx context.Context, pos *models.Position, current decimal.Decimal) error {
	existing := m.Get(pos.TrackingKey)

	intent, err := m.placer.PlaceTrailingExit(ctx, pos, current)
	if errors.Is(err, ErrNoGain) {
		// Keep the existing protection untouched.
		return err
	}
	if err != nil {
		return fmt.Errorf("trailing runner for %s: %w", pos.TrackingKey, err)
	}

	// Cancel the old protection only after the replacement is live so the
	// position is never unprotected.
	if cancelErr := m.cancelExisting(ctx, pos.TrackingKey, existing); cancelErr != nil {
		log.Printf("[exits] WARNING: replaced exit for %s but old order not cancelled: %v", pos.TrackingKey, cancelErr)
	}
	m.set(pos.TrackingKey, intent)
	return nil
}

// ActivateRunnerWithAmount is ActivateRunner with an explicit trail distance,
// used for the fixed-percentage fallback runner.
func (m *exitManager) ActivateRunnerWithAmount(ctx context.Context, pos *models.Position, current, trailAmount decimal.Decimal) error {
	existing := m.Get(pos.TrackingKey)

	intent, err := m.placer.PlaceTrailingExitWithAmount(ctx, pos, current, trailAmount)
	if err != nil {
		return fmt.Errorf("fallback runner for %s: %w", pos.TrackingKey, err)
	}

	if cancelErr := m.cancelExisting(ctx, pos.TrackingKey, existing); cancelErr != nil {
		log.Printf("[exits] WARNING: replaced exit for %s but old order not cancelled: %v", pos.TrackingKey, cancelErr)
	}
	m.set(pos.TrackingKey, intent)
	return nil
}

// CancelAll cancels and forgets the live exit for a key, if any. Used when the
// position closes externally.
func (m *exitManager) CancelAll(ctx context.Context, trackingKey string) {
	existing := m.Get(trackingKey)
	if err := m.cancelExisting(ctx, trackingKey, existing); err != nil {
		log.Printf("[exits] cancel for closed position %s failed: %v", trackingKey, err)
	}
}

func (m *exitManager) cancelExisting(ctx context.Context, trackingKey string, existing *models.OrderIntent) error {
	if existing == nil || existing.State.Terminal() {
		m.set(trackingKey, nil)
		return nil
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.callTimeout)
	defer cancel()

	err := m.gateway.CancelOrder(callCtx, existing.BrokerOrderID)
	if err != nil && !errors.Is(err, broker.ErrOrderNotFound) {
		return fmt.Errorf("cancel %s: %w", existing.BrokerOrderID, err)
	}

	existing.State = models.IntentCancelled
	existing.UpdatedAt = time.Now()
	m.set(trackingKey, nil)
	return nil
}
