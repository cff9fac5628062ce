package ibkr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/kevinfb92/ibkr-strategy-builder-backend/internal/broker"
	"github.com/kevinfb92/ibkr-strategy-builder-backend/internal/models"
)

// buildOrderPayload maps an OrderSpec onto the Client Portal order body.
// TRAILLMT needs both the initial limit price and the limit offset in
// auxPrice; TRAIL carries only the trailing amount.
func buildOrderPayload(spec broker.OrderSpec) (map[string]any, error) {
	side := "BUY"
	if spec.Sell {
		side = "SELL"
	}
	tif := spec.TIF
	if tif == "" {
		tif = "GTC"
	}

	p := map[string]any{
		"conid":      spec.Conid,
		"cOID":       spec.LocalID,
		"orderType":  string(spec.Type),
		"side":       side,
		"quantity":   spec.Quantity.Abs().InexactFloat64(),
		"tif":        tif,
		"outsideRTH": spec.OutsideRTH,
	}

	switch spec.Type {
	case models.OrderTrail:
		p["trailingAmt"] = spec.TrailAmount.InexactFloat64()
		p["trailingType"] = "amt"
	case models.OrderTrailLimit:
		p["trailingAmt"] = spec.TrailAmount.InexactFloat64()
		p["trailingType"] = "amt"
		p["price"] = spec.LimitPrice.InexactFloat64()
		p["auxPrice"] = spec.LimitOffset.InexactFloat64()
	case models.OrderStop:
		p["auxPrice"] = spec.StopPrice.InexactFloat64()
	case models.OrderStopLimit:
		p["auxPrice"] = spec.StopPrice.InexactFloat64()
		p["price"] = spec.LimitPrice.InexactFloat64()
	case models.OrderLimit:
		p["price"] = spec.LimitPrice.InexactFloat64()
	default:
		return nil, fmt.Errorf("ibkr: unsupported order type %q", spec.Type)
	}
	return p, nil
}

// PlaceOrder submits one order for the configured account.
func (c *Client) PlaceOrder(ctx context.Context, spec broker.OrderSpec) (*broker.SubmitResult, error) {
	payload, err := buildOrderPayload(spec)
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage
	path := fmt.Sprintf("/iserver/account/%s/orders", c.accountID)
	if err := c.doJSON(ctx, "POST", path, map[string]any{"orders": []map[string]any{payload}}, &raw); err != nil {
		return nil, err
	}
	return toSubmitResult(raw)
}

// ConfirmOrder answers one confirmation prompt by reply id.
func (c *Client) ConfirmOrder(ctx context.Context, promptID string, affirm bool) (*broker.SubmitResult, error) {
	var raw json.RawMessage
	path := "/iserver/reply/" + url.PathEscape(promptID)
	if err := c.doJSON(ctx, "POST", path, map[string]any{"confirmed": affirm}, &raw); err != nil {
		return nil, err
	}
	return toSubmitResult(raw)
}

// CancelOrder cancels a live order.
func (c *Client) CancelOrder(ctx context.Context, brokerOrderID string) error {
	path := fmt.Sprintf("/iserver/account/%s/order/%s", c.accountID, url.PathEscape(brokerOrderID))
	return c.doJSON(ctx, "DELETE", path, nil, nil)
}

// GetOrderStatus fetches the current snapshot of one order.
func (c *Client) GetOrderStatus(ctx context.Context, brokerOrderID string) (*broker.OrderStatus, error) {
	var resp orderStatusResponse
	path := "/iserver/account/order/status/" + url.PathEscape(brokerOrderID)
	if err := c.doJSON(ctx, "GET", path, nil, &resp); err != nil {
		return nil, err
	}
	return &broker.OrderStatus{
		BrokerOrderID: brokerOrderID,
		Status:        normalizeStatus(resp.OrderStatus),
		FilledQty:     numToDecimal(resp.CumFill),
		RemainingQty:  numToDecimal(resp.Remaining),
		AvgFillPrice:  numToDecimal(resp.AveragePrice),
	}, nil
}

// GetLastPrice asks the market-data snapshot endpoint for the last trade
// price (field 31). The portal occasionally prefixes the value with a close
// marker ("C" for prior close), which is stripped.
func (c *Client) GetLastPrice(ctx context.Context, conid string) (decimal.Decimal, error) {
	var entries []map[string]json.RawMessage
	path := "/iserver/marketdata/snapshot?conids=" + url.QueryEscape(conid) + "&fields=31"
	if err := c.doJSON(ctx, "GET", path, nil, &entries); err != nil {
		return decimal.Zero, err
	}
	if len(entries) == 0 {
		return decimal.Zero, fmt.Errorf("ibkr: no snapshot for conid %s", conid)
	}

	raw, ok := entries[0]["31"]
	if !ok {
		return decimal.Zero, fmt.Errorf("ibkr: snapshot for conid %s has no last price", conid)
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var f float64
		if err2 := json.Unmarshal(raw, &f); err2 != nil {
			return decimal.Zero, fmt.Errorf("ibkr: unreadable last price for conid %s: %s", conid, raw)
		}
		return decimal.NewFromFloat(f), nil
	}
	s = strings.TrimLeft(strings.TrimSpace(s), "CHch")
	price, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ibkr: unreadable last price %q for conid %s", s, conid)
	}
	return price, nil
}

// GetPositions returns the account position snapshot, zero-quantity rows
// excluded.
func (c *Client) GetPositions(ctx context.Context) ([]broker.Position, error) {
	var entries []positionEntry
	path := fmt.Sprintf("/portfolio/%s/positions/0", c.accountID)
	if err := c.doJSON(ctx, "GET", path, nil, &entries); err != nil {
		return nil, err
	}

	positions := make([]broker.Position, 0, len(entries))
	for _, e := range entries {
		qty := numToDecimal(e.Position)
		if qty.IsZero() {
			continue
		}
		positions = append(positions, broker.Position{
			Conid:        e.Conid.String(),
			Symbol:       strings.ToUpper(strings.TrimSpace(e.ContractDesc)),
			Quantity:     qty,
			AvgPrice:     numToDecimal(e.AvgPrice),
			CurrentPrice: numToDecimal(e.MktPrice),
		})
	}
	return positions, nil
}
