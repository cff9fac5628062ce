package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdjuster(gw *MockGateway, thresholdPct float64) (*StopLossAdjuster, *exitManager) {
	placer := newTestPlacer(gw, 0.01)
	exits := newExitManager(gw, placer, decimal.NewFromFloat(0.01), time.Second)
	return newStopLossAdjuster(exits, decimal.NewFromFloat(thresholdPct), nil), exits
}

func TestPnlPercent(t *testing.T) {
	long := longPosition("k", 10.0, 1)
	if got := pnlPercent(long, decimal.NewFromFloat(10.50)); !got.Equal(decimal.NewFromInt(5)) {
		t.Errorf("long pnl = %s, want 5", got)
	}

	short := shortPosition("k", 50.0, 1)
	if got := pnlPercent(short, decimal.NewFromFloat(48.0)); !got.Equal(decimal.NewFromInt(4)) {
		t.Errorf("short pnl = %s, want 4", got)
	}
	if got := pnlPercent(short, decimal.NewFromFloat(52.0)); !got.Equal(decimal.NewFromInt(-4)) {
		t.Errorf("losing short pnl = %s, want -4", got)
	}
}

func TestAdjusterBelowThresholdDoesNothing(t *testing.T) {
	gw := newMockGateway()
	adjuster, _ := newTestAdjuster(gw, 5.0)

	// Short from 50, price 48: +4%, below the 5% threshold.
	rec := ladderRecord(shortPosition("spx-p-5900", 50.0, 1))
	require.NoError(t, adjuster.CheckAndAdjust(context.Background(), rec, decimal.NewFromFloat(48.0)))
	assert.Empty(t, gw.callLog())
}

func TestAdjusterMovesStopAtThreshold(t *testing.T) {
	gw := newMockGateway()
	gw.scriptAccept("be-1")
	adjuster, exits := newTestAdjuster(gw, 5.0)

	// Price 47: +6% for the short, so the stop moves to breakeven at 50.
	rec := ladderRecord(shortPosition("spx-p-5900", 50.0, 1))
	require.NoError(t, adjuster.CheckAndAdjust(context.Background(), rec, decimal.NewFromFloat(47.0)))

	intent := exits.Get("spx-p-5900")
	require.NotNil(t, intent)
	assert.True(t, intent.Params.StopPrice.Equal(decimal.NewFromFloat(50.0)))
	assert.True(t, intent.Params.LimitPrice.Equal(decimal.NewFromFloat(50.01)))
}

func TestAdjusterIdempotentOnceAtBreakeven(t *testing.T) {
	gw := newMockGateway()
	gw.scriptAccept("be-1")
	adjuster, _ := newTestAdjuster(gw, 5.0)

	rec := ladderRecord(longPosition("spx-c-6000", 10.0, 1))
	require.NoError(t, adjuster.CheckAndAdjust(context.Background(), rec, decimal.NewFromFloat(10.60)))
	calls := len(gw.callLog())

	// Still above threshold on the next tick: nothing new happens.
	require.NoError(t, adjuster.CheckAndAdjust(context.Background(), rec, decimal.NewFromFloat(10.80)))
	assert.Len(t, gw.callLog(), calls)
}

func TestAdjusterIgnoresClosedRecords(t *testing.T) {
	gw := newMockGateway()
	adjuster, _ := newTestAdjuster(gw, 5.0)

	rec := ladderRecord(longPosition("spx-c-6000", 10.0, 1))
	rec.Open = false
	require.NoError(t, adjuster.CheckAndAdjust(context.Background(), rec, decimal.NewFromFloat(20.0)))
	assert.Empty(t, gw.callLog())
}
