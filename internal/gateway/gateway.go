// Package gateway is the only path to the broker. It assigns idempotency
// keys, dedupes resubmissions, retries transient failures with exponential
// backoff, and reconciles fills back to the caller. Orders are placed
// without holding any ledger lock.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/asengupta/trading-engine/internal/observ"
)

// Status of an order at the broker.
type Status string

const (
	StatusPending         Status = "pending"
	StatusFilled          Status = "filled"
	StatusPartiallyFilled Status = "partially_filled"
	StatusCanceled        Status = "canceled"
	StatusRejected        Status = "rejected"
)

// Order is one execution instruction and its last known broker state.
type Order struct {
	IdempotencyKey string    `json:"idempotency_key"`
	BrokerID       string    `json:"broker_id,omitempty"`
	Instrument     string    `json:"instrument"`
	Side           string    `json:"side"` // buy | sell
	Qty            int       `json:"qty"`
	Type           string    `json:"type"` // market
	Stop           float64   `json:"stop,omitempty"`   // bracket stop-loss
	Target         float64   `json:"target,omitempty"` // bracket take-profit
	Status         Status    `json:"status"`
	FilledQty      int       `json:"filled_qty"`
	FilledAvgPrice float64   `json:"filled_avg_price"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

// Done reports whether the order needs no further reconciliation.
func (o Order) Done() bool {
	switch o.Status {
	case StatusFilled, StatusCanceled, StatusRejected:
		return true
	}
	return false
}

// Account is the broker's view of the funding account.
type Account struct {
	EquityUSD      float64
	CashUSD        float64
	BuyingPowerUSD float64
}

// Clock is the broker's market calendar view.
type Clock struct {
	IsOpen    bool
	Now       time.Time
	NextOpen  time.Time
	NextClose time.Time
}

// Broker places and tracks orders. Implementations classify their failures
// with MarkTransient / MarkPersistent so the gateway knows what to retry.
type Broker interface {
	PlaceOrder(ctx context.Context, o Order) (Order, error)
	GetOrder(ctx context.Context, brokerID string) (Order, error)
	CancelOrder(ctx context.Context, brokerID string) error
	Account(ctx context.Context) (Account, error)
	Clock(ctx context.Context) (Clock, error)
}

// Error classification sentinels.
var (
	// ErrTransient marks failures worth retrying (timeouts, 5xx, 429).
	ErrTransient = errors.New("transient broker error")
	// ErrPersistent marks failures retries cannot fix (auth, permissions).
	// A persistent error fails the whole cycle.
	ErrPersistent = errors.New("persistent broker error")
	// ErrExhausted wraps the last transient error once the retry budget is
	// spent. Fatal for the affected order only.
	ErrExhausted = errors.New("retry budget exhausted")
)

func MarkTransient(err error) error {
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

func MarkPersistent(err error) error {
	return fmt.Errorf("%w: %w", ErrPersistent, err)
}

// Config for retry and rate limit behavior.
type Config struct {
	RateLimitPerMinute int
	MaxRetries         int
	BackoffBase        time.Duration
	BackoffMax         time.Duration
}

// Gateway wraps a Broker with idempotent submission.
type Gateway struct {
	broker  Broker
	limiter *rate.Limiter
	cfg     Config

	mu    sync.Mutex
	cache map[string]Order // idempotency key -> last known state

	sleep func(context.Context, time.Duration) error
}

func New(broker Broker, cfg Config) *Gateway {
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 180
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 250 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Second
	}
	return &Gateway{
		broker:  broker,
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMinute)/60.0), cfg.RateLimitPerMinute/6+1),
		cfg:     cfg,
		cache:   map[string]Order{},
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NewIdempotencyKey returns a fresh client order id.
func NewIdempotencyKey() string { return uuid.NewString() }

// Submit places an order. A missing idempotency key gets one assigned.
// Resubmitting a key whose order already reached the broker returns the
// cached last-known state instead of placing a duplicate. Transient broker
// errors are retried with exponential backoff and jitter; exhaustion wraps
// ErrExhausted, persistent errors wrap ErrPersistent.
func (g *Gateway) Submit(ctx context.Context, o Order) (Order, error) {
	if o.IdempotencyKey == "" {
		o.IdempotencyKey = NewIdempotencyKey()
	}
	if o.Type == "" {
		o.Type = "market"
	}

	g.mu.Lock()
	if cached, ok := g.cache[o.IdempotencyKey]; ok {
		g.mu.Unlock()
		observ.IncCounter("gateway_dedup_hits_total", nil)
		observ.Log("order_dedup", map[string]any{
			"idempotency_key": o.IdempotencyKey, "status": string(cached.Status),
		})
		return cached, nil
	}
	g.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := g.sleep(ctx, g.backoff(attempt)); err != nil {
				return o, err
			}
			observ.IncCounter("gateway_retries_total", nil)
		}
		if err := g.limiter.Wait(ctx); err != nil {
			return o, err
		}

		placed, err := g.broker.PlaceOrder(ctx, o)
		if err == nil {
			placed.IdempotencyKey = o.IdempotencyKey
			placed.SubmittedAt = time.Now().UTC()
			g.remember(placed)
			observ.IncCounter("gateway_orders_total", map[string]string{
				"side": placed.Side, "status": string(placed.Status),
			})
			return placed, nil
		}
		if errors.Is(err, ErrPersistent) {
			observ.IncCounter("gateway_errors_total", map[string]string{"kind": "persistent"})
			return o, fmt.Errorf("place %s %s: %w", o.Side, o.Instrument, err)
		}
		lastErr = err
		observ.Log("order_submit_retry", map[string]any{
			"instrument": o.Instrument, "attempt": attempt + 1, "error": err.Error(),
		})
	}
	observ.IncCounter("gateway_errors_total", map[string]string{"kind": "exhausted"})
	return o, fmt.Errorf("place %s %s: %w: %w", o.Side, o.Instrument, ErrExhausted, lastErr)
}

func (g *Gateway) backoff(attempt int) time.Duration {
	d := g.cfg.BackoffBase << (attempt - 1)
	if d > g.cfg.BackoffMax {
		d = g.cfg.BackoffMax
	}
	// full jitter
	return time.Duration(rand.Int63n(int64(d)) + int64(d)/2)
}

func (g *Gateway) remember(o Order) {
	g.mu.Lock()
	g.cache[o.IdempotencyKey] = o
	g.mu.Unlock()
}

// Reconcile refreshes an order's state from the broker. Partial fills stay
// pending in the cache so a later pass picks them up again.
func (g *Gateway) Reconcile(ctx context.Context, idempotencyKey string) (Order, error) {
	g.mu.Lock()
	cached, ok := g.cache[idempotencyKey]
	g.mu.Unlock()
	if !ok {
		return Order{}, fmt.Errorf("reconcile: unknown idempotency key %s", idempotencyKey)
	}
	if cached.Done() {
		return cached, nil
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return cached, err
	}
	fresh, err := g.broker.GetOrder(ctx, cached.BrokerID)
	if err != nil {
		return cached, fmt.Errorf("reconcile %s: %w", idempotencyKey, err)
	}
	fresh.IdempotencyKey = cached.IdempotencyKey
	fresh.SubmittedAt = cached.SubmittedAt
	g.remember(fresh)
	return fresh, nil
}

// Pending lists cached orders that still need reconciliation.
func (g *Gateway) Pending() []Order {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Order
	for _, o := range g.cache {
		if !o.Done() {
			out = append(out, o)
		}
	}
	return out
}

// Account proxies the broker account fetch through the rate limiter.
func (g *Gateway) Account(ctx context.Context) (Account, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return Account{}, err
	}
	return g.broker.Account(ctx)
}

// Clock proxies the broker clock fetch through the rate limiter.
func (g *Gateway) Clock(ctx context.Context) (Clock, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return Clock{}, err
	}
	return g.broker.Clock(ctx)
}
