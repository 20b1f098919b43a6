package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeBroker is a deterministic in-memory broker for tests and dry runs.
// FailFirst makes the next N PlaceOrder calls fail transiently; PartialFill
// makes fills report half quantity until a reconcile completes them.
type FakeBroker struct {
	mu sync.Mutex

	FailFirst   int   // transient failures before accepting
	FailAlways  error // when set, every PlaceOrder returns this error
	PartialFill bool  // first report is a half fill, completed on GetOrder
	FillPrice   float64
	AccountInfo Account
	MarketOpen  bool

	placeCalls int
	orders     map[string]Order
	seq        int
}

func NewFakeBroker(fillPrice float64) *FakeBroker {
	return &FakeBroker{
		FillPrice:   fillPrice,
		AccountInfo: Account{EquityUSD: 100000, CashUSD: 100000, BuyingPowerUSD: 100000},
		MarketOpen:  true,
		orders:      map[string]Order{},
	}
}

// PlaceCalls reports how many PlaceOrder attempts reached the broker.
func (b *FakeBroker) PlaceCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.placeCalls
}

func (b *FakeBroker) PlaceOrder(_ context.Context, o Order) (Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.placeCalls++
	if b.FailAlways != nil {
		return o, b.FailAlways
	}
	if b.FailFirst > 0 {
		b.FailFirst--
		return o, MarkTransient(fmt.Errorf("simulated outage"))
	}

	b.seq++
	o.BrokerID = fmt.Sprintf("fake-%d", b.seq)
	o.FilledAvgPrice = b.FillPrice
	if b.PartialFill {
		o.Status = StatusPartiallyFilled
		o.FilledQty = o.Qty / 2
	} else {
		o.Status = StatusFilled
		o.FilledQty = o.Qty
	}
	b.orders[o.BrokerID] = o
	return o, nil
}

func (b *FakeBroker) GetOrder(_ context.Context, brokerID string) (Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[brokerID]
	if !ok {
		return Order{}, MarkPersistent(fmt.Errorf("unknown order %s", brokerID))
	}
	if o.Status == StatusPartiallyFilled {
		o.Status = StatusFilled
		o.FilledQty = o.Qty
		b.orders[brokerID] = o
	}
	return o, nil
}

func (b *FakeBroker) CancelOrder(_ context.Context, brokerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[brokerID]
	if !ok {
		return MarkPersistent(fmt.Errorf("unknown order %s", brokerID))
	}
	if !o.Done() {
		o.Status = StatusCanceled
		b.orders[brokerID] = o
	}
	return nil
}

func (b *FakeBroker) Account(_ context.Context) (Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.AccountInfo, nil
}

func (b *FakeBroker) Clock(_ context.Context) (Clock, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now().UTC()
	return Clock{IsOpen: b.MarketOpen, Now: now, NextOpen: now, NextClose: now.Add(6 * time.Hour)}, nil
}
