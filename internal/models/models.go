package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side identifies the instrument kind behind an alert.
type Side string

const (
	SideCall  Side = "CALL"
	SidePut   Side = "PUT"
	SideStock Side = "STOCK"
)

// TargetAction is the risk action bound to a price target.
type TargetAction string

const (
	ActionMoveStopToBreakeven    TargetAction = "MOVE_STOP_TO_BREAKEVEN"
	ActionActivateTrailingRunner TargetAction = "ACTIVATE_TRAILING_RUNNER"
)

// PriceTarget is one rung of a target ladder. Fired flips false->true exactly
// once over the life of the position, even if price retraces below the target
// afterwards.
type PriceTarget struct {
	Price  decimal.Decimal `json:"price"`
	Action TargetAction    `json:"action"`
	Fired  bool            `json:"fired"`
}

// AlertDetails carries the instrument description extracted upstream from the
// alert text. The engine never parses alert text itself; it receives these
// already validated.
type AlertDetails struct {
	Symbol string          `json:"symbol"`
	Strike decimal.Decimal `json:"strike,omitempty"`
	Side   Side            `json:"side"`
	Expiry string          `json:"expiry,omitempty"`
}

// Position is the broker-confirmed holding behind an alert record.
// Quantity is signed: positive = long, negative = short.
type Position struct {
	TrackingKey      string          `json:"tracking_key"`
	Symbol           string          `json:"symbol"`
	Strike           decimal.Decimal `json:"strike,omitempty"`
	Side             Side            `json:"side"`
	Quantity         decimal.Decimal `json:"quantity"`
	OriginalQuantity decimal.Decimal `json:"original_quantity"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	BrokerPositionID string          `json:"broker_position_id"` // contract id at the broker
}

// IsLong reports the direction of the position. A zero quantity is treated as
// long so direction math stays defined while a position is being opened.
func (p *Position) IsLong() bool {
	return !p.Quantity.IsNegative()
}

// Direction returns +1 for long, -1 for short.
func (p *Position) Direction() decimal.Decimal {
	if p.IsLong() {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(-1)
}

// OrderUpdateRef is the last order event observed for a record. It is
// overwritten on every observation, duplicates included, purely for
// observability.
type OrderUpdateRef struct {
	BrokerOrderID string          `json:"broker_order_id"`
	Status        string          `json:"status"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// AlertRecord is the persisted unit the notification layer reads. One record
// per tracking key; the embedded Position appears on the first confirmed fill.
type AlertRecord struct {
	TrackingKey     string          `json:"tracking_key"`
	Open            bool            `json:"open"`
	CreatedAt       time.Time       `json:"created_at"`
	OptionConid     string          `json:"option_conid"`
	Details         AlertDetails    `json:"alert_details"`
	Targets         []PriceTarget   `json:"targets,omitempty"`
	FreeRunner      bool            `json:"free_runner_enabled"`
	TrailRatio      decimal.Decimal `json:"trail_ratio,omitempty"`
	Position        *Position       `json:"position,omitempty"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	LastOrderUpdate *OrderUpdateRef `json:"last_order_update,omitempty"`
}

// LadderExhausted reports whether every target has fired.
func (r *AlertRecord) LadderExhausted() bool {
	for _, t := range r.Targets {
		if !t.Fired {
			return false
		}
	}
	return true
}

// AlertIntent is the normalized registration payload handed to the engine by
// the alert intake layer. Schema validation happens upstream.
type AlertIntent struct {
	TrackingKey string
	Symbol      string
	Strike      decimal.Decimal
	Side        Side
	Conid       string
	EntryPrice  decimal.Decimal
	Quantity    decimal.Decimal // signed; zero when the opening fill is still pending
	Targets     []PriceTarget
	FreeRunner  bool
	TrailRatio  decimal.Decimal // zero means use the configured default
}

// Validate rejects intents the engine cannot track.
func (a *AlertIntent) Validate() error {
	if a.TrackingKey == "" {
		return fmt.Errorf("alert intent: missing tracking key")
	}
	if a.Symbol == "" {
		return fmt.Errorf("alert intent %s: missing symbol", a.TrackingKey)
	}
	if a.Conid == "" {
		return fmt.Errorf("alert intent %s: missing conid", a.TrackingKey)
	}
	return nil
}

// PositionEventKind classifies engine notifications.
type PositionEventKind string

const (
	EventOpened           PositionEventKind = "OPENED"
	EventPartialClose     PositionEventKind = "PARTIAL_CLOSE"
	EventClosed           PositionEventKind = "CLOSED"
	EventTargetHit        PositionEventKind = "TARGET_HIT"
	EventStopAdjusted     PositionEventKind = "STOP_ADJUSTED"
	EventProtectionFailed PositionEventKind = "PROTECTION_FAILED"
)

// PositionEvent is emitted on every record mutation for the notification
// layer. Delivery failures never roll back or block engine state.
type PositionEvent struct {
	TrackingKey string
	Kind        PositionEventKind
	Note        string
	Snapshot    AlertRecord
	At          time.Time
}
