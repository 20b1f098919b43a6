package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"
)

// AlpacaBroker implements Broker against the Alpaca trading API. Idempotency
// keys travel as Alpaca client order ids, so a resubmitted key is rejected
// by the broker itself even if our cache was lost.
type AlpacaBroker struct {
	client *alpaca.Client
}

// NewAlpacaBroker builds a client. Empty baseURL uses the SDK default; point
// it at the paper endpoint for paper trading.
func NewAlpacaBroker(apiKey, apiSecret, baseURL string) *AlpacaBroker {
	return &AlpacaBroker{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
	}
}

func (b *AlpacaBroker) PlaceOrder(_ context.Context, o Order) (Order, error) {
	qty := decimal.NewFromInt(int64(o.Qty))
	req := alpaca.PlaceOrderRequest{
		Symbol:        o.Instrument,
		Qty:           &qty,
		Side:          alpaca.Side(o.Side),
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: o.IdempotencyKey,
	}
	if o.Side == "buy" && (o.Stop > 0 || o.Target > 0) {
		req.OrderClass = alpaca.Bracket
		if o.Target > 0 {
			tp := decimal.NewFromFloat(o.Target)
			req.TakeProfit = &alpaca.TakeProfit{LimitPrice: &tp}
		}
		if o.Stop > 0 {
			sl := decimal.NewFromFloat(o.Stop)
			req.StopLoss = &alpaca.StopLoss{StopPrice: &sl}
		}
	}

	placed, err := b.client.PlaceOrder(req)
	if err != nil {
		return o, classify(err)
	}
	return mapOrder(placed), nil
}

func (b *AlpacaBroker) GetOrder(_ context.Context, brokerID string) (Order, error) {
	o, err := b.client.GetOrder(brokerID)
	if err != nil {
		return Order{}, classify(err)
	}
	return mapOrder(o), nil
}

func (b *AlpacaBroker) CancelOrder(_ context.Context, brokerID string) error {
	if err := b.client.CancelOrder(brokerID); err != nil {
		return classify(err)
	}
	return nil
}

func (b *AlpacaBroker) Account(_ context.Context) (Account, error) {
	acct, err := b.client.GetAccount()
	if err != nil {
		return Account{}, classify(err)
	}
	return Account{
		EquityUSD:      acct.Equity.InexactFloat64(),
		CashUSD:        acct.Cash.InexactFloat64(),
		BuyingPowerUSD: acct.BuyingPower.InexactFloat64(),
	}, nil
}

func (b *AlpacaBroker) Clock(_ context.Context) (Clock, error) {
	c, err := b.client.GetClock()
	if err != nil {
		return Clock{}, classify(err)
	}
	return Clock{
		IsOpen:    c.IsOpen,
		Now:       c.Timestamp,
		NextOpen:  c.NextOpen,
		NextClose: c.NextClose,
	}, nil
}

// classify maps Alpaca API errors onto the gateway's retry sentinels.
// Rate limiting and server-side failures are worth retrying; auth and
// validation failures are not.
func classify(err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429 || apiErr.StatusCode >= 500:
			return MarkTransient(err)
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return MarkPersistent(fmt.Errorf("auth: %w", err))
		default:
			return MarkPersistent(err)
		}
	}
	// network-level failures (no HTTP response) are transient
	return MarkTransient(err)
}

func mapOrder(o *alpaca.Order) Order {
	if o == nil {
		return Order{}
	}
	out := Order{
		BrokerID:       o.ID,
		IdempotencyKey: o.ClientOrderID,
		Instrument:     o.Symbol,
		Side:           string(o.Side),
		Type:           string(o.Type),
		Status:         mapStatus(o.Status),
		FilledQty:      int(o.FilledQty.IntPart()),
	}
	if o.Qty != nil {
		out.Qty = int(o.Qty.IntPart())
	}
	if o.FilledAvgPrice != nil {
		out.FilledAvgPrice = o.FilledAvgPrice.InexactFloat64()
	}
	return out
}

func mapStatus(s string) Status {
	switch s {
	case "filled":
		return StatusFilled
	case "partially_filled":
		return StatusPartiallyFilled
	case "canceled", "expired":
		return StatusCanceled
	case "rejected":
		return StatusRejected
	default:
		return StatusPending
	}
}
