// Package broker defines the abstract brokerage gateway the engine talks to.
// Interfaces here are brokerage-agnostic; the IBKR Client Portal
// implementation lives in the ibkr subpackage, and tests swap in mocks.
package broker

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/kevinfb92/ibkr-strategy-builder-backend/internal/models"
)

// ConfirmationOutcome classifies one broker response during order submission.
type ConfirmationOutcome int

const (
	// OutcomeAccepted means the order is live and SubmitResult carries the
	// broker order id.
	OutcomeAccepted ConfirmationOutcome = iota
	// OutcomeRejected is an explicit terminal rejection.
	OutcomeRejected
	// OutcomeMorePrompts means the broker wants another confirmation round;
	// SubmitResult carries the prompt id and text.
	OutcomeMorePrompts
)

// SubmitResult is the broker's answer to PlaceOrder or ConfirmOrder.
type SubmitResult struct {
	Outcome       ConfirmationOutcome
	BrokerOrderID string
	PromptID      string
	PromptText    string
	Reason        string // populated on rejection
}

// OrderSpec is everything the broker needs to create an order.
type OrderSpec struct {
	Conid       string
	LocalID     string // client order id, generated before the first call
	Type        models.OrderType
	Sell        bool
	Quantity    decimal.Decimal
	TrailAmount decimal.Decimal
	StopPrice   decimal.Decimal
	LimitPrice  decimal.Decimal
	LimitOffset decimal.Decimal
	OutsideRTH  bool
	TIF         string // defaults to GTC
}

// OrderStatus is a point-in-time order snapshot from the status endpoint.
type OrderStatus struct {
	BrokerOrderID string
	Status        string // normalized, see models order statuses
	FilledQty     decimal.Decimal
	RemainingQty  decimal.Decimal
	AvgFillPrice  decimal.Decimal
}

// Position is a holding as reported by the broker.
type Position struct {
	Conid        string
	Symbol       string
	Quantity     decimal.Decimal
	AvgPrice     decimal.Decimal
	CurrentPrice decimal.Decimal
}

// Gateway is the full brokerage surface the engine consumes. Every call is a
// network round trip and must respect the context deadline; implementations
// never retry internally, retry policy belongs to the caller.
type Gateway interface {
	// PlaceOrder submits a new order. The result is either an acceptance, a
	// rejection, or the first confirmation prompt of a multi-round dialog.
	PlaceOrder(ctx context.Context, spec OrderSpec) (*SubmitResult, error)

	// ConfirmOrder answers one confirmation prompt.
	ConfirmOrder(ctx context.Context, promptID string, affirm bool) (*SubmitResult, error)

	// CancelOrder cancels a live order by broker id.
	CancelOrder(ctx context.Context, brokerOrderID string) error

	// GetOrderStatus fetches the current state of one order.
	GetOrderStatus(ctx context.Context, brokerOrderID string) (*OrderStatus, error)

	// GetLastPrice returns the last trade price for an instrument.
	GetLastPrice(ctx context.Context, conid string) (decimal.Decimal, error)

	// GetPositions returns the full position snapshot for the account.
	GetPositions(ctx context.Context) ([]Position, error)

	// StreamOrderUpdates opens the push stream of order events. The returned
	// channel stays open until ctx is cancelled; the implementation reconnects
	// internally with backoff and the consumer never sees the gaps (missed
	// events are the poll fallback's job).
	StreamOrderUpdates(ctx context.Context) (<-chan models.OrderUpdateEvent, error)
}
