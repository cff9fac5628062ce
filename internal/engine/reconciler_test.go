package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kevinfb92/ibkr-strategy-builder-backend/internal/broker"
	"github.com/kevinfb92/ibkr-strategy-builder-backend/internal/models"
	"github.com/kevinfb92/ibkr-strategy-builder-backend/internal/storage"
)

func newTestReconciler(t *testing.T, gw *MockGateway) (*OrderReconciler, *storage.Store, *exitManager) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	placer := newTestPlacer(gw, 0.01)
	exits := newExitManager(gw, placer, decimal.NewFromFloat(0.01), time.Second)
	rec := newOrderReconciler(gw, store, exits, newKeyedMutex(), nil, time.Minute)
	return rec, store, exits
}

func trackedRecord(key string) models.AlertRecord {
	// Open starts false: the record is awaiting its opening fill, the same
	// shape Register produces.
	return models.AlertRecord{
		TrackingKey: key,
		Open:        false,
		CreatedAt:   time.Now(),
		OptionConid: "416904",
		Details: models.AlertDetails{
			Symbol: "SPX",
			Strike: decimal.NewFromInt(6000),
			Side:   models.SideCall,
		},
	}
}

func fillEvent(orderID string, qty, price float64) models.OrderUpdateEvent {
	return models.OrderUpdateEvent{
		BrokerOrderID: orderID,
		Symbol:        "SPX",
		Strike:        decimal.NewFromInt(6000),
		Side:          models.SideCall,
		Status:        models.StatusFilled,
		FilledQty:     decimal.NewFromFloat(qty),
		AvgFillPrice:  decimal.NewFromFloat(price),
		ObservedAt:    time.Now(),
	}
}

func TestOpeningFillCreatesPosition(t *testing.T) {
	gw := newMockGateway()
	rec, store, _ := newTestReconciler(t, gw)
	store.Put(trackedRecord("spx-c-6000"))

	rec.HandleEvent(context.Background(), fillEvent("ord-1", 2, 10.0))

	got, ok := store.Get("spx-c-6000")
	require.True(t, ok)
	require.NotNil(t, got.Position)
	assert.True(t, got.Open)
	assert.True(t, got.Position.Quantity.Equal(decimal.NewFromInt(2)))
	assert.True(t, got.Position.OriginalQuantity.Equal(decimal.NewFromInt(2)))
	assert.True(t, got.Position.EntryPrice.Equal(decimal.NewFromFloat(10.0)))
	assert.Equal(t, "416904", got.Position.BrokerPositionID)
}

func TestDuplicateFillAppliesOnce(t *testing.T) {
	gw := newMockGateway()
	rec, store, _ := newTestReconciler(t, gw)
	store.Put(trackedRecord("spx-c-6000"))

	ev := fillEvent("ord-1", 2, 10.0)
	rec.HandleEvent(context.Background(), ev)

	// The same fill replayed by the stream after a reconnect.
	later := ev
	later.ObservedAt = ev.ObservedAt.Add(time.Second)
	rec.HandleEvent(context.Background(), later)

	got, _ := store.Get("spx-c-6000")
	assert.True(t, got.Position.Quantity.Equal(decimal.NewFromInt(2)), "quantity unchanged by the replay")

	// The observability marker still tracks the latest observation.
	require.NotNil(t, got.LastOrderUpdate)
	assert.Equal(t, later.ObservedAt.Unix(), got.LastOrderUpdate.UpdatedAt.Unix())
}

func TestClosingFillRealizesPnL(t *testing.T) {
	gw := newMockGateway()
	rec, store, exits := newTestReconciler(t, gw)
	store.Put(trackedRecord("spx-c-6000"))

	rec.HandleEvent(context.Background(), fillEvent("ord-open", 2, 10.0))

	// A tracked exit order fills one contract at 11.
	exits.Restore(&models.OrderIntent{
		BrokerOrderID: "ord-close",
		TrackingKey:   "spx-c-6000",
		State:         models.IntentSubmitted,
		Params:        models.OrderParams{Sell: true},
	})
	closeEv := fillEvent("ord-close", 1, 11.0)
	closeEv.SellSide = true
	closeEv.Status = models.StatusPartiallyFilled
	rec.HandleEvent(context.Background(), closeEv)

	got, _ := store.Get("spx-c-6000")
	assert.True(t, got.Open, "one contract still held")
	assert.True(t, got.Position.Quantity.Equal(decimal.NewFromInt(1)))
	assert.True(t, got.RealizedPnL.Equal(decimal.NewFromInt(1)), "got pnl %s", got.RealizedPnL)
}

func TestPartialExitFillKeepsIntentLive(t *testing.T) {
	gw := newMockGateway()
	rec, store, exits := newTestReconciler(t, gw)
	store.Put(trackedRecord("spx-c-6000"))

	rec.HandleEvent(context.Background(), fillEvent("ord-open", 2, 10.0))

	exits.Restore(&models.OrderIntent{
		BrokerOrderID: "ord-close",
		TrackingKey:   "spx-c-6000",
		State:         models.IntentSubmitted,
		Params:        models.OrderParams{Sell: true, Quantity: decimal.NewFromInt(2)},
	})

	// One of two contracts fills; the broker still works the remainder.
	partial := fillEvent("ord-close", 1, 11.0)
	partial.SellSide = true
	partial.Status = models.StatusPartiallyFilled
	rec.HandleEvent(context.Background(), partial)

	got, _ := store.Get("spx-c-6000")
	assert.True(t, got.Open)
	assert.True(t, got.Position.Quantity.Equal(decimal.NewFromInt(1)))

	live := exits.Get("spx-c-6000")
	require.NotNil(t, live, "a partially-filled exit must stay in the live set")
	assert.Equal(t, models.IntentSubmitted, live.State)
	assert.True(t, live.Params.Quantity.Equal(decimal.NewFromInt(1)), "working quantity shrinks to the remainder")

	// The completing fill reports the cumulative quantity; only the
	// unapplied contract transitions state.
	final := fillEvent("ord-close", 2, 11.0)
	final.SellSide = true
	rec.HandleEvent(context.Background(), final)

	got, _ = store.Get("spx-c-6000")
	assert.False(t, got.Open)
	assert.True(t, got.Position.Quantity.IsZero())
	assert.True(t, got.RealizedPnL.Equal(decimal.NewFromInt(2)), "got pnl %s", got.RealizedPnL)
	assert.Nil(t, exits.Get("spx-c-6000"))
}

func TestReplayedPartialFillAppliesOnce(t *testing.T) {
	gw := newMockGateway()
	rec, store, exits := newTestReconciler(t, gw)
	store.Put(trackedRecord("spx-c-6000"))

	rec.HandleEvent(context.Background(), fillEvent("ord-open", 2, 10.0))
	exits.Restore(&models.OrderIntent{
		BrokerOrderID: "ord-close",
		TrackingKey:   "spx-c-6000",
		State:         models.IntentSubmitted,
		Params:        models.OrderParams{Sell: true, Quantity: decimal.NewFromInt(2)},
	})

	partial := fillEvent("ord-close", 1, 11.0)
	partial.SellSide = true
	partial.Status = models.StatusPartiallyFilled
	rec.HandleEvent(context.Background(), partial)
	rec.HandleEvent(context.Background(), partial) // stream replay, same cumulative qty

	got, _ := store.Get("spx-c-6000")
	assert.True(t, got.Position.Quantity.Equal(decimal.NewFromInt(1)), "replay must not close a second contract")
	assert.True(t, got.RealizedPnL.Equal(decimal.NewFromInt(1)), "got pnl %s", got.RealizedPnL)
}

func TestFullCloseMarksRecordClosed(t *testing.T) {
	gw := newMockGateway()
	rec, store, exits := newTestReconciler(t, gw)
	store.Put(trackedRecord("spx-c-6000"))

	rec.HandleEvent(context.Background(), fillEvent("ord-open", 2, 10.0))

	exits.Restore(&models.OrderIntent{
		BrokerOrderID: "ord-close",
		TrackingKey:   "spx-c-6000",
		State:         models.IntentSubmitted,
		Params:        models.OrderParams{Sell: true},
	})
	closeEv := fillEvent("ord-close", 2, 12.5)
	closeEv.SellSide = true
	rec.HandleEvent(context.Background(), closeEv)

	got, _ := store.Get("spx-c-6000")
	assert.False(t, got.Open)
	assert.True(t, got.Position.Quantity.IsZero())
	assert.True(t, got.RealizedPnL.Equal(decimal.NewFromInt(5)), "got pnl %s", got.RealizedPnL)
	assert.Nil(t, exits.Get("spx-c-6000"))
}

func TestShortCloseRealizesPnL(t *testing.T) {
	gw := newMockGateway()
	rec, store, exits := newTestReconciler(t, gw)

	short := trackedRecord("spx-p-5900")
	short.Details.Side = models.SidePut
	short.Details.Strike = decimal.NewFromInt(5900)
	store.Put(short)

	// Sell to open two contracts at 50.
	openEv := fillEvent("ord-open", 2, 50.0)
	openEv.Side = models.SidePut
	openEv.Strike = decimal.NewFromInt(5900)
	openEv.SellSide = true
	rec.HandleEvent(context.Background(), openEv)

	got, _ := store.Get("spx-p-5900")
	require.NotNil(t, got.Position)
	assert.True(t, got.Position.Quantity.Equal(decimal.NewFromInt(-2)), "sell-to-open goes short")

	// Buy back both at 47: profit (50-47)*2 = 6.
	exits.Restore(&models.OrderIntent{
		BrokerOrderID: "ord-close",
		TrackingKey:   "spx-p-5900",
		State:         models.IntentSubmitted,
	})
	closeEv := fillEvent("ord-close", 2, 47.0)
	closeEv.Side = models.SidePut
	closeEv.Strike = decimal.NewFromInt(5900)
	rec.HandleEvent(context.Background(), closeEv)

	got, _ = store.Get("spx-p-5900")
	assert.False(t, got.Open)
	assert.True(t, got.RealizedPnL.Equal(decimal.NewFromInt(6)), "got pnl %s", got.RealizedPnL)
}

func TestMalformedAndUnmatchedEventsDropped(t *testing.T) {
	gw := newMockGateway()
	rec, store, _ := newTestReconciler(t, gw)
	store.Put(trackedRecord("spx-c-6000"))

	// No order id.
	rec.HandleEvent(context.Background(), models.OrderUpdateEvent{Status: models.StatusFilled})

	// Wrong symbol: some other account activity.
	other := fillEvent("ord-x", 1, 5.0)
	other.Symbol = "NDX"
	rec.HandleEvent(context.Background(), other)

	got, _ := store.Get("spx-c-6000")
	assert.Nil(t, got.Position, "no event may touch the record")
	assert.Nil(t, got.LastOrderUpdate)
}

func TestNonFillStatusNeverTransitions(t *testing.T) {
	gw := newMockGateway()
	rec, store, _ := newTestReconciler(t, gw)
	store.Put(trackedRecord("spx-c-6000"))

	ev := fillEvent("ord-1", 0, 0)
	ev.Status = models.StatusSubmitted
	ev.FilledQty = decimal.Zero
	rec.HandleEvent(context.Background(), ev)

	got, _ := store.Get("spx-c-6000")
	assert.Nil(t, got.Position)
	require.NotNil(t, got.LastOrderUpdate, "marker still refreshed")
	assert.Equal(t, models.StatusSubmitted, got.LastOrderUpdate.Status)
}

func TestRejectedExitEmitsProtectionFailure(t *testing.T) {
	gw := newMockGateway()
	events := make(chan models.PositionEvent, 4)
	store, err := storage.Open(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	placer := newTestPlacer(gw, 0.01)
	exits := newExitManager(gw, placer, decimal.NewFromFloat(0.01), time.Second)
	rec := newOrderReconciler(gw, store, exits, newKeyedMutex(), events, time.Minute)

	store.Put(trackedRecord("spx-c-6000"))
	exits.Restore(&models.OrderIntent{
		BrokerOrderID: "ord-1",
		TrackingKey:   "spx-c-6000",
		State:         models.IntentSubmitted,
	})

	ev := fillEvent("ord-1", 0, 0)
	ev.Status = models.StatusRejected
	ev.FilledQty = decimal.Zero
	rec.HandleEvent(context.Background(), ev)

	assert.Nil(t, exits.Get("spx-c-6000"))
	select {
	case got := <-events:
		assert.Equal(t, models.EventProtectionFailed, got.Kind)
	default:
		t.Fatal("expected a protection failure event")
	}
}

func TestPollSweepClosesExternallyClosedPositions(t *testing.T) {
	gw := newMockGateway()
	rec, store, _ := newTestReconciler(t, gw)
	store.Put(trackedRecord("spx-c-6000"))
	rec.HandleEvent(context.Background(), fillEvent("ord-open", 1, 10.0))

	// Broker reports no position for the conid and a last price of 12.
	gw.positions = []broker.Position{}
	gw.prices["416904"] = decimal.NewFromFloat(12.0)

	rec.Poll(context.Background())

	got, _ := store.Get("spx-c-6000")
	assert.False(t, got.Open)
	assert.True(t, got.RealizedPnL.Equal(decimal.NewFromInt(2)), "got pnl %s", got.RealizedPnL)
}

func TestPollSweepKeepsHeldPositions(t *testing.T) {
	gw := newMockGateway()
	rec, store, _ := newTestReconciler(t, gw)
	store.Put(trackedRecord("spx-c-6000"))
	rec.HandleEvent(context.Background(), fillEvent("ord-open", 1, 10.0))

	gw.positions = []broker.Position{{Conid: "416904", Quantity: decimal.NewFromInt(1)}}

	rec.Poll(context.Background())

	got, _ := store.Get("spx-c-6000")
	assert.True(t, got.Open)
}

func TestPollAppliesMissedFill(t *testing.T) {
	gw := newMockGateway()
	rec, store, exits := newTestReconciler(t, gw)
	store.Put(trackedRecord("spx-c-6000"))
	rec.HandleEvent(context.Background(), fillEvent("ord-open", 1, 10.0))

	exits.Restore(&models.OrderIntent{
		BrokerOrderID: "ord-close",
		TrackingKey:   "spx-c-6000",
		State:         models.IntentSubmitted,
		Params:        models.OrderParams{Sell: true},
	})
	// The stream missed the fill; the status endpoint has it.
	gw.statuses["ord-close"] = &broker.OrderStatus{
		BrokerOrderID: "ord-close",
		Status:        models.StatusFilled,
		FilledQty:     decimal.NewFromInt(1),
		AvgFillPrice:  decimal.NewFromFloat(11.5),
	}
	gw.positions = []broker.Position{{Conid: "416904", Quantity: decimal.NewFromInt(1)}}

	rec.Poll(context.Background())

	got, _ := store.Get("spx-c-6000")
	assert.False(t, got.Open)
	assert.True(t, got.RealizedPnL.Equal(decimal.NewFromFloat(1.5)), "got pnl %s", got.RealizedPnL)
}
