package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderType mirrors the broker-visible order types the engine places.
type OrderType string

const (
	OrderTrail      OrderType = "TRAIL"
	OrderTrailLimit OrderType = "TRAILLMT"
	OrderStop       OrderType = "STP"
	OrderStopLimit  OrderType = "STP_LMT"
	OrderLimit      OrderType = "LMT"
)

// OrderIntentState is the lifecycle of a locally-created order.
//
//	NEW -> SUBMITTED -> FILLED
//	               \-> CANCELLED | REJECTED
//
// Only the reconciler may move an intent to FILLED.
type OrderIntentState string

const (
	IntentNew       OrderIntentState = "NEW"
	IntentSubmitted OrderIntentState = "SUBMITTED"
	IntentFilled    OrderIntentState = "FILLED"
	IntentCancelled OrderIntentState = "CANCELLED"
	IntentRejected  OrderIntentState = "REJECTED"
)

// Terminal reports whether the state can no longer change.
func (s OrderIntentState) Terminal() bool {
	return s == IntentFilled || s == IntentCancelled || s == IntentRejected
}

// OrderParams are the price parameters sent to the broker with an intent.
type OrderParams struct {
	Quantity    decimal.Decimal `json:"quantity"`
	Sell        bool            `json:"sell"` // closing side: sell for longs, buy for shorts
	TrailAmount decimal.Decimal `json:"trail_amount,omitempty"`
	StopPrice   decimal.Decimal `json:"stop_price,omitempty"`
	LimitPrice  decimal.Decimal `json:"limit_price,omitempty"`
	LimitOffset decimal.Decimal `json:"limit_offset,omitempty"`
	OutsideRTH  bool            `json:"outside_rth"`
}

// OrderIntent tracks one order from local creation through broker
// acknowledgement. LocalID is generated before any broker call so a retried
// submission stays idempotent from the caller's perspective even when the
// broker id is not yet known.
type OrderIntent struct {
	LocalID       string           `json:"local_id"`
	BrokerOrderID string           `json:"broker_order_id,omitempty"`
	TrackingKey   string           `json:"tracking_key"`
	Conid         string           `json:"conid"`
	Type          OrderType        `json:"type"`
	Params        OrderParams      `json:"params"`
	State         OrderIntentState `json:"state"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// AtBreakeven reports whether the intent is a plain stop pinned to the given
// entry price, i.e. the position is already protected at breakeven.
func (o *OrderIntent) AtBreakeven(entry decimal.Decimal) bool {
	if o == nil {
		return false
	}
	if o.Type != OrderStop && o.Type != OrderStopLimit {
		return false
	}
	return o.Params.StopPrice.Equal(entry)
}

// Order statuses as normalized from broker updates.
const (
	StatusFilled          = "FILLED"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusSubmitted       = "SUBMITTED"
	StatusCancelled       = "CANCELLED"
	StatusRejected        = "REJECTED"
	StatusInactive        = "INACTIVE"
)

// OrderUpdateEvent is one observation from the broker order stream or the
// poll fallback. Events may arrive duplicated, out of order, or for orders
// this engine never placed.
type OrderUpdateEvent struct {
	BrokerOrderID string          `json:"broker_order_id"`
	Conid         string          `json:"conid,omitempty"`
	Symbol        string          `json:"symbol,omitempty"`
	Strike        decimal.Decimal `json:"strike,omitempty"`
	Side          Side            `json:"side,omitempty"`
	SellSide      bool            `json:"sell_side"`
	Status        string          `json:"status"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	RemainingQty  decimal.Decimal `json:"remaining_qty"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
	ObservedAt    time.Time       `json:"observed_at"`
}

// IsFill reports whether the event represents an actual execution: a filled or
// partially-filled status with a positive filled quantity.
func (e *OrderUpdateEvent) IsFill() bool {
	if e.Status != StatusFilled && e.Status != StatusPartiallyFilled {
		return false
	}
	return e.FilledQty.IsPositive()
}
