package ibkr

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kevinfb92/ibkr-strategy-builder-backend/internal/broker"
	"github.com/kevinfb92/ibkr-strategy-builder-backend/internal/models"
)

func TestToSubmitResultAccepted(t *testing.T) {
	raw := json.RawMessage(`[{"order_id": "987654321", "order_status": "Submitted"}]`)
	res, err := toSubmitResult(raw)
	require.NoError(t, err)
	assert.Equal(t, broker.OutcomeAccepted, res.Outcome)
	assert.Equal(t, "987654321", res.BrokerOrderID)
}

func TestToSubmitResultPrompt(t *testing.T) {
	raw := json.RawMessage(`[{"id": "reply-abc", "message": ["You are about to submit a stop order.", "Please be aware of the risks."]}]`)
	res, err := toSubmitResult(raw)
	require.NoError(t, err)
	assert.Equal(t, broker.OutcomeMorePrompts, res.Outcome)
	assert.Equal(t, "reply-abc", res.PromptID)
	assert.Contains(t, res.PromptText, "stop order")
	assert.Contains(t, res.PromptText, "risks")
}

func TestToSubmitResultRejection(t *testing.T) {
	raw := json.RawMessage(`[{"error": "order value exceeds validation limits"}]`)
	res, err := toSubmitResult(raw)
	require.NoError(t, err)
	assert.Equal(t, broker.OutcomeRejected, res.Outcome)
	assert.Equal(t, "order value exceeds validation limits", res.Reason)
}

func TestToSubmitResultBareObjectShape(t *testing.T) {
	// Reply confirmations come back unwrapped.
	raw := json.RawMessage(`{"order_id": "111", "order_status": "PreSubmitted"}`)
	res, err := toSubmitResult(raw)
	require.NoError(t, err)
	assert.Equal(t, broker.OutcomeAccepted, res.Outcome)
	assert.Equal(t, "111", res.BrokerOrderID)
}

func TestToSubmitResultIdOnlyAck(t *testing.T) {
	raw := json.RawMessage(`[{"id": "222"}]`)
	res, err := toSubmitResult(raw)
	require.NoError(t, err)
	assert.Equal(t, broker.OutcomeAccepted, res.Outcome)
	assert.Equal(t, "222", res.BrokerOrderID)
}

func TestToSubmitResultGarbage(t *testing.T) {
	res, err := toSubmitResult(json.RawMessage(`[]`))
	require.NoError(t, err)
	assert.Equal(t, broker.OutcomeRejected, res.Outcome)

	_, err = toSubmitResult(json.RawMessage(`not json`))
	assert.Error(t, err)
}

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]string{
		"Filled":           models.StatusFilled,
		"filled":           models.StatusFilled,
		"PartiallyFilled":  models.StatusPartiallyFilled,
		"Partially Filled": models.StatusPartiallyFilled,
		"Submitted":        models.StatusSubmitted,
		"PreSubmitted":     models.StatusSubmitted,
		"PendingSubmit":    models.StatusSubmitted,
		"Cancelled":        models.StatusCancelled,
		"Canceled":         models.StatusCancelled,
		"PendingCancel":    models.StatusCancelled,
		"Rejected":         models.StatusRejected,
		"Inactive":         models.StatusInactive,
		"SomethingNew":     "SOMETHINGNEW",
	}
	for in, want := range cases {
		if got := normalizeStatus(in); got != want {
			t.Errorf("normalizeStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSorOrderToUpdate(t *testing.T) {
	frame := []byte(`{
		"topic": "sor",
		"args": [{
			"orderId": 123456,
			"conid": 416904,
			"ticker": "spx",
			"status": "Filled",
			"side": "SELL",
			"filledQuantity": 2,
			"remainingQuantity": 0,
			"avgPrice": 11.25,
			"strike": 6000,
			"right": "C"
		}]
	}`)

	var msg sorMessage
	require.NoError(t, json.Unmarshal(frame, &msg))
	require.Len(t, msg.Args, 1)

	now := time.Now()
	ev, ok := msg.Args[0].toOrderUpdate(now)
	require.True(t, ok)

	assert.Equal(t, "123456", ev.BrokerOrderID)
	assert.Equal(t, "416904", ev.Conid)
	assert.Equal(t, "SPX", ev.Symbol)
	assert.Equal(t, models.SideCall, ev.Side)
	assert.True(t, ev.SellSide)
	assert.Equal(t, models.StatusFilled, ev.Status)
	assert.True(t, ev.FilledQty.Equal(decimal.NewFromInt(2)))
	assert.True(t, ev.AvgFillPrice.Equal(decimal.NewFromFloat(11.25)))
	assert.True(t, ev.Strike.Equal(decimal.NewFromInt(6000)))
	assert.True(t, ev.IsFill())
}

func TestSorOrderWithoutIDDropped(t *testing.T) {
	var o sorOrder
	_, ok := o.toOrderUpdate(time.Now())
	assert.False(t, ok)
}

func TestSideFromRight(t *testing.T) {
	assert.Equal(t, models.SideCall, sideFromRight("C"))
	assert.Equal(t, models.SidePut, sideFromRight("put"))
	assert.Equal(t, models.SideStock, sideFromRight(""))
}
