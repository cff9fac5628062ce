package engine

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kevinfb92/ibkr-strategy-builder-backend/internal/broker"
	"github.com/kevinfb92/ibkr-strategy-builder-backend/internal/models"
)

// TrailingOrderPlacer derives trailing-exit parameters from the unrealized
// gain of a position and submits the order through the confirmation dialog.
type TrailingOrderPlacer struct {
	negotiator  *ConfirmationNegotiator
	trailRatio  decimal.Decimal // share of gain to preserve, e.g. 0.90
	limitOffset decimal.Decimal // TRAILLMT offset; zero means plain TRAIL
}

// NewTrailingOrderPlacer builds a placer. trailRatio is the fraction of the
// current gain to lock in; limitOffset selects TRAILLMT when positive.
func NewTrailingOrderPlacer(negotiator *ConfirmationNegotiator, trailRatio, limitOffset decimal.Decimal) *TrailingOrderPlacer {
	return &TrailingOrderPlacer{
		negotiator:  negotiator,
		trailRatio:  trailRatio,
		limitOffset: limitOffset,
	}
}

// TrailAmountFromGain converts an unrealized per-unit gain into the trailing
// distance that preserves the configured ratio: amount = gain * (1 - ratio).
func (p *TrailingOrderPlacer) TrailAmountFromGain(gain decimal.Decimal) decimal.Decimal {
	return gain.Mul(decimal.NewFromInt(1).Sub(p.trailRatio))
}

// PlaceTrailingExit computes the trail distance from the position's current
// gain and submits the exit order. Returns ErrNoGain without touching the
// broker when the position has no unrealized gain. The returned intent is in
// state Submitted with the accepted broker order id.
func (p *TrailingOrderPlacer) PlaceTrailingExit(ctx context.Context, pos *models.Position, current decimal.Decimal) (*models.OrderIntent, error) {
	gain := current.Sub(pos.EntryPrice)
	if !pos.IsLong() {
		gain = pos.EntryPrice.Sub(current)
	}
	if gain.Sign() <= 0 {
		return nil, ErrNoGain
	}
	return p.placeWithTrail(ctx, pos, current, p.TrailAmountFromGain(gain))
}

// PlaceTrailingExitWithAmount submits a trailing exit with an explicitly
// chosen trail distance, bypassing the gain computation. Used for the
// fixed-percentage runner when no gain baseline exists.
func (p *TrailingOrderPlacer) PlaceTrailingExitWithAmount(ctx context.Context, pos *models.Position, current, trailAmount decimal.Decimal) (*models.OrderIntent, error) {
	if trailAmount.Sign() <= 0 {
		return nil, ErrNoGain
	}
	return p.placeWithTrail(ctx, pos, current, trailAmount)
}

func (p *TrailingOrderPlacer) placeWithTrail(ctx context.Context, pos *models.Position, current, trailAmount decimal.Decimal) (*models.OrderIntent, error) {
	sell := pos.IsLong()
	qty := pos.Quantity.Abs()

	spec := broker.OrderSpec{
		Conid:       pos.BrokerPositionID,
		LocalID:     uuid.NewString(),
		Quantity:    qty,
		Sell:        sell,
		TrailAmount: trailAmount,
		TIF:         "GTC",
	}

	if p.limitOffset.Sign() > 0 {
		spec.Type = models.OrderTrailLimit
		spec.LimitOffset = p.limitOffset
		spec.OutsideRTH = true
		// Initial limit anchor; the broker re-derives it as the trail moves.
		if sell {
			spec.LimitPrice = current.Sub(trailAmount)
		} else {
			spec.LimitPrice = current.Add(trailAmount)
		}
	} else {
		spec.Type = models.OrderTrail
		spec.OutsideRTH = false
	}

	log.Printf("[trailing] placing %s exit for %s: qty=%s trail=%s (last=%s)",
		spec.Type, pos.TrackingKey, qty, trailAmount, current)

	brokerID, err := p.negotiator.Negotiate(ctx, spec)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	intent := &models.OrderIntent{
		LocalID:       spec.LocalID,
		BrokerOrderID: brokerID,
		TrackingKey:   pos.TrackingKey,
		Conid:         pos.BrokerPositionID,
		Type:          spec.Type,
		State:         models.IntentSubmitted,
		CreatedAt:     now,
		UpdatedAt:     now,
		Params: models.OrderParams{
			Quantity:    qty,
			Sell:        sell,
			TrailAmount: trailAmount,
			LimitPrice:  spec.LimitPrice,
			LimitOffset: spec.LimitOffset,
			OutsideRTH:  spec.OutsideRTH,
		},
	}
	return intent, nil
}
