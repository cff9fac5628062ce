package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/kevinfb92/ibkr-strategy-builder-backend/internal/broker"
	"github.com/kevinfb92/ibkr-strategy-builder-backend/internal/models"
)

// MockGateway implements broker.Gateway for testing. Submission outcomes are
// scripted per call; every gateway call is appended to the call log.
type MockGateway struct {
	mu sync.Mutex

	// scripted PlaceOrder/ConfirmOrder results, consumed in order
	submitResults []*broker.SubmitResult
	submitErrs    []error

	prices    map[string]decimal.Decimal
	positions []broker.Position
	statuses  map[string]*broker.OrderStatus
	cancelErr error
	onConfirm func() // runs at the start of every ConfirmOrder call

	calls      []string
	placed     []broker.OrderSpec
	confirmed  []string
	cancelled  []string
	nextSubmit int
}

func newMockGateway() *MockGateway {
	return &MockGateway{
		prices:   make(map[string]decimal.Decimal),
		statuses: make(map[string]*broker.OrderStatus),
	}
}

// script queues a submit result for the next PlaceOrder or ConfirmOrder call.
func (m *MockGateway) script(res *broker.SubmitResult, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitResults = append(m.submitResults, res)
	m.submitErrs = append(m.submitErrs, err)
}

func (m *MockGateway) scriptAccept(orderID string) {
	m.script(&broker.SubmitResult{Outcome: broker.OutcomeAccepted, BrokerOrderID: orderID}, nil)
}

func (m *MockGateway) scriptPrompt(promptID, text string) {
	m.script(&broker.SubmitResult{Outcome: broker.OutcomeMorePrompts, PromptID: promptID, PromptText: text}, nil)
}

func (m *MockGateway) nextResult() (*broker.SubmitResult, error) {
	if m.nextSubmit >= len(m.submitResults) {
		return nil, fmt.Errorf("mock: no scripted result for call %d", m.nextSubmit)
	}
	res, err := m.submitResults[m.nextSubmit], m.submitErrs[m.nextSubmit]
	m.nextSubmit++
	return res, err
}

func (m *MockGateway) callLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *MockGateway) PlaceOrder(ctx context.Context, spec broker.OrderSpec) (*broker.SubmitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "PlaceOrder")
	m.placed = append(m.placed, spec)
	return m.nextResult()
}

func (m *MockGateway) ConfirmOrder(ctx context.Context, promptID string, affirm bool) (*broker.SubmitResult, error) {
	if m.onConfirm != nil {
		m.onConfirm()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "ConfirmOrder")
	m.confirmed = append(m.confirmed, promptID)
	return m.nextResult()
}

func (m *MockGateway) CancelOrder(ctx context.Context, brokerOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "CancelOrder")
	m.cancelled = append(m.cancelled, brokerOrderID)
	return m.cancelErr
}

func (m *MockGateway) GetOrderStatus(ctx context.Context, brokerOrderID string) (*broker.OrderStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "GetOrderStatus")
	if st, ok := m.statuses[brokerOrderID]; ok {
		return st, nil
	}
	return nil, broker.ErrOrderNotFound
}

func (m *MockGateway) GetLastPrice(ctx context.Context, conid string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "GetLastPrice")
	if p, ok := m.prices[conid]; ok {
		return p, nil
	}
	return decimal.Zero, fmt.Errorf("mock: no price for conid %s", conid)
}

func (m *MockGateway) GetPositions(ctx context.Context) ([]broker.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "GetPositions")
	return m.positions, nil
}

func (m *MockGateway) StreamOrderUpdates(ctx context.Context) (<-chan models.OrderUpdateEvent, error) {
	ch := make(chan models.OrderUpdateEvent)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func longPosition(key string, entry float64, qty int64) *models.Position {
	return &models.Position{
		TrackingKey:      key,
		Symbol:           "SPX",
		Side:             models.SideCall,
		Quantity:         decimal.NewFromInt(qty),
		OriginalQuantity: decimal.NewFromInt(qty),
		EntryPrice:       decimal.NewFromFloat(entry),
		BrokerPositionID: "416904",
	}
}

func shortPosition(key string, entry float64, qty int64) *models.Position {
	return &models.Position{
		TrackingKey:      key,
		Symbol:           "SPX",
		Side:             models.SidePut,
		Quantity:         decimal.NewFromInt(-qty),
		OriginalQuantity: decimal.NewFromInt(-qty),
		EntryPrice:       decimal.NewFromFloat(entry),
		BrokerPositionID: "416904",
	}
}
