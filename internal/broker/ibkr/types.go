package ibkr

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kevinfb92/ibkr-strategy-builder-backend/internal/broker"
	"github.com/kevinfb92/ibkr-strategy-builder-backend/internal/models"
)

// submitEntry is one element of the Client Portal order-submission response.
// The portal answers either with an acknowledged order ({order_id,
// order_status}) or with a confirmation prompt ({id, message[]}); rejected
// orders surface as an error field.
type submitEntry struct {
	OrderID     string   `json:"order_id"`
	OrderStatus string   `json:"order_status"`
	ID          string   `json:"id"`
	Messages    []string `json:"message"`
	Error       string   `json:"error"`
}

// toSubmitResult classifies one submission response body. The portal wraps
// responses in a single-element array for orders and a bare object for reply
// confirmations, so both shapes are accepted.
func toSubmitResult(raw json.RawMessage) (*broker.SubmitResult, error) {
	var entries []submitEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		var single submitEntry
		if err2 := json.Unmarshal(raw, &single); err2 != nil {
			return nil, err
		}
		entries = []submitEntry{single}
	}
	if len(entries) == 0 {
		return &broker.SubmitResult{Outcome: broker.OutcomeRejected, Reason: "empty broker response"}, nil
	}

	e := entries[0]
	switch {
	case e.Error != "":
		return &broker.SubmitResult{Outcome: broker.OutcomeRejected, Reason: e.Error}, nil
	case e.ID != "" && len(e.Messages) > 0:
		return &broker.SubmitResult{
			Outcome:    broker.OutcomeMorePrompts,
			PromptID:   e.ID,
			PromptText: strings.Join(e.Messages, " "),
		}, nil
	case e.OrderID != "":
		return &broker.SubmitResult{Outcome: broker.OutcomeAccepted, BrokerOrderID: e.OrderID}, nil
	case e.ID != "":
		// An id without prompt text is the acknowledgement shape some portal
		// versions use.
		return &broker.SubmitResult{Outcome: broker.OutcomeAccepted, BrokerOrderID: e.ID}, nil
	}
	return &broker.SubmitResult{Outcome: broker.OutcomeRejected, Reason: "unrecognized broker response"}, nil
}

// orderStatusResponse is the /iserver/account/order/status payload subset the
// engine reads.
type orderStatusResponse struct {
	OrderID      json.Number `json:"order_id"`
	OrderStatus  string      `json:"order_status"`
	CumFill      json.Number `json:"cum_fill"`
	Remaining    json.Number `json:"remaining_quantity"`
	AveragePrice json.Number `json:"average_price"`
}

// positionEntry is one element of /portfolio/{acct}/positions.
type positionEntry struct {
	Conid        json.Number `json:"conid"`
	ContractDesc string      `json:"contractDesc"`
	Position     json.Number `json:"position"`
	AvgPrice     json.Number `json:"avgPrice"`
	MktPrice     json.Number `json:"mktPrice"`
}

// sorMessage is one websocket frame on the live-orders topic.
type sorMessage struct {
	Topic string     `json:"topic"`
	Args  []sorOrder `json:"args"`
}

type sorOrder struct {
	OrderID      json.Number `json:"orderId"`
	Conid        json.Number `json:"conid"`
	Ticker       string      `json:"ticker"`
	Status       string      `json:"status"`
	Side         string      `json:"side"`
	FilledQty    json.Number `json:"filledQuantity"`
	RemainingQty json.Number `json:"remainingQuantity"`
	AvgPrice     json.Number `json:"avgPrice"`
	Strike       json.Number `json:"strike"`
	Right        string      `json:"right"` // C, P or empty for stock
}

// normalizeStatus maps the portal's mixed-case statuses onto the engine's
// canonical set.
func normalizeStatus(s string) string {
	switch strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", "_")) {
	case "FILLED":
		return models.StatusFilled
	case "PARTIALLY_FILLED", "PARTIALLYFILLED":
		return models.StatusPartiallyFilled
	case "SUBMITTED", "PRESUBMITTED", "PRE-SUBMITTED", "PENDINGSUBMIT", "PENDING_SUBMIT":
		return models.StatusSubmitted
	case "CANCELLED", "CANCELED", "PENDINGCANCEL", "PENDING_CANCEL":
		return models.StatusCancelled
	case "REJECTED":
		return models.StatusRejected
	case "INACTIVE":
		return models.StatusInactive
	default:
		return strings.ToUpper(strings.TrimSpace(s))
	}
}

func sideFromRight(right string) models.Side {
	switch strings.ToUpper(strings.TrimSpace(right)) {
	case "C", "CALL":
		return models.SideCall
	case "P", "PUT":
		return models.SidePut
	default:
		return models.SideStock
	}
}

func numToDecimal(n json.Number) decimal.Decimal {
	if n == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Zero
	}
	return d
}

// toOrderUpdate converts one streamed order frame to the engine event model.
// Returns false for frames missing an order id; those are unusable.
func (o *sorOrder) toOrderUpdate(now time.Time) (models.OrderUpdateEvent, bool) {
	if o.OrderID.String() == "" {
		return models.OrderUpdateEvent{}, false
	}
	return models.OrderUpdateEvent{
		BrokerOrderID: o.OrderID.String(),
		Conid:         o.Conid.String(),
		Symbol:        strings.ToUpper(strings.TrimSpace(o.Ticker)),
		Strike:        numToDecimal(o.Strike),
		Side:          sideFromRight(o.Right),
		SellSide:      strings.EqualFold(o.Side, "SELL"),
		Status:        normalizeStatus(o.Status),
		FilledQty:     numToDecimal(o.FilledQty),
		RemainingQty:  numToDecimal(o.RemainingQty),
		AvgFillPrice:  numToDecimal(o.AvgPrice),
		ObservedAt:    now,
	}, true
}
