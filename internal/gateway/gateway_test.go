package gateway

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func fastGateway(b Broker) *Gateway {
	g := New(b, Config{
		RateLimitPerMinute: 6000,
		MaxRetries:         3,
		BackoffBase:        time.Millisecond,
		BackoffMax:         5 * time.Millisecond,
	})
	g.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return g
}

func TestSubmitAssignsIdempotencyKey(t *testing.T) {
	g := fastGateway(NewFakeBroker(100))
	o, err := g.Submit(context.Background(), Order{Instrument: "AAPL", Side: "buy", Qty: 10})
	if err != nil {
		t.Fatal(err)
	}
	if o.IdempotencyKey == "" {
		t.Error("expected assigned idempotency key")
	}
	if o.Status != StatusFilled || o.FilledQty != 10 {
		t.Errorf("got %+v, want filled 10", o)
	}
}

func TestSubmitDedupesByKey(t *testing.T) {
	broker := NewFakeBroker(100)
	g := fastGateway(broker)
	order := Order{IdempotencyKey: "k1", Instrument: "AAPL", Side: "buy", Qty: 10}

	first, err := g.Submit(context.Background(), order)
	if err != nil {
		t.Fatal(err)
	}
	second, err := g.Submit(context.Background(), order)
	if err != nil {
		t.Fatal(err)
	}
	if broker.PlaceCalls() != 1 {
		t.Errorf("broker calls = %d, want 1 (dedupe)", broker.PlaceCalls())
	}
	if second.BrokerID != first.BrokerID {
		t.Errorf("dedupe returned different order: %s vs %s", second.BrokerID, first.BrokerID)
	}
}

func TestSubmitRetriesTransientThenSucceeds(t *testing.T) {
	broker := NewFakeBroker(100)
	broker.FailFirst = 2
	g := fastGateway(broker)

	o, err := g.Submit(context.Background(), Order{Instrument: "AAPL", Side: "buy", Qty: 5})
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != StatusFilled {
		t.Errorf("status = %s, want filled", o.Status)
	}
	if broker.PlaceCalls() != 3 {
		t.Errorf("broker calls = %d, want 3", broker.PlaceCalls())
	}
}

func TestSubmitExhaustsRetryBudget(t *testing.T) {
	broker := NewFakeBroker(100)
	broker.FailAlways = MarkTransient(fmt.Errorf("down"))
	g := fastGateway(broker)

	_, err := g.Submit(context.Background(), Order{Instrument: "AAPL", Side: "buy", Qty: 5})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
	if broker.PlaceCalls() != 4 { // initial + 3 retries
		t.Errorf("broker calls = %d, want 4", broker.PlaceCalls())
	}
}

func TestSubmitPersistentErrorFailsFast(t *testing.T) {
	broker := NewFakeBroker(100)
	broker.FailAlways = MarkPersistent(fmt.Errorf("bad credentials"))
	g := fastGateway(broker)

	_, err := g.Submit(context.Background(), Order{Instrument: "AAPL", Side: "buy", Qty: 5})
	if !errors.Is(err, ErrPersistent) {
		t.Fatalf("err = %v, want ErrPersistent", err)
	}
	if broker.PlaceCalls() != 1 {
		t.Errorf("broker calls = %d, want 1 (no retries)", broker.PlaceCalls())
	}
}

func TestPartialFillStaysPendingUntilReconciled(t *testing.T) {
	broker := NewFakeBroker(100)
	broker.PartialFill = true
	g := fastGateway(broker)

	o, err := g.Submit(context.Background(), Order{IdempotencyKey: "k1", Instrument: "AAPL", Side: "buy", Qty: 10})
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != StatusPartiallyFilled || o.FilledQty != 5 {
		t.Fatalf("got %+v, want partial fill of 5", o)
	}
	pending := g.Pending()
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}

	reconciled, err := g.Reconcile(context.Background(), "k1")
	if err != nil {
		t.Fatal(err)
	}
	if reconciled.Status != StatusFilled || reconciled.FilledQty != 10 {
		t.Errorf("got %+v, want completed fill", reconciled)
	}
	if len(g.Pending()) != 0 {
		t.Error("reconciled order still pending")
	}
}

func TestReconcileUnknownKey(t *testing.T) {
	g := fastGateway(NewFakeBroker(100))
	if _, err := g.Reconcile(context.Background(), "nope"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestSubmitHonorsContextCancellation(t *testing.T) {
	broker := NewFakeBroker(100)
	broker.FailAlways = MarkTransient(fmt.Errorf("down"))
	g := New(broker, Config{
		RateLimitPerMinute: 6000,
		MaxRetries:         5,
		BackoffBase:        time.Hour, // would hang without cancellation
		BackoffMax:         time.Hour,
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Submit(ctx, Order{Instrument: "AAPL", Side: "buy", Qty: 1})
	if err == nil {
		t.Fatal("expected context error")
	}
}
