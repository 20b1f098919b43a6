// Package engine orchestrates trading cycles. A cycle is externally
// triggered (cron, operator command): it drains the alert feed, loads the
// regime and weight table, snapshots the book, evaluates the universe in
// parallel, and pushes approved proposals through judgment, risk, and the
// execution gateway. Aggregate risk checks read the cycle-start snapshot;
// fills commit to the ledger as they confirm.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/asengupta/trading-engine/internal/abtest"
	"github.com/asengupta/trading-engine/internal/alerts"
	"github.com/asengupta/trading-engine/internal/config"
	"github.com/asengupta/trading-engine/internal/gateway"
	"github.com/asengupta/trading-engine/internal/judgment"
	"github.com/asengupta/trading-engine/internal/ledger"
	"github.com/asengupta/trading-engine/internal/lifecycle"
	"github.com/asengupta/trading-engine/internal/observ"
	"github.com/asengupta/trading-engine/internal/risk"
	"github.com/asengupta/trading-engine/internal/signal"
)

// Alerter receives operational alerts and force-close escalations.
type Alerter interface {
	Notify(a alerts.Alert)
	EscalateUnclosed(date string, instruments []string, lastErr error)
}

// Deps wires the engine. Tracker may be nil when A/B tracking is disabled;
// Timing may be nil when only swing cycles run.
type Deps struct {
	Config    config.Root
	Weights   *config.WeightProvider
	Gateway   *gateway.Gateway
	Swing     *ledger.Ledger
	Intraday  *ledger.Ledger
	Risk      *risk.Manager
	Guard     *judgment.Guard
	Lifecycle *lifecycle.Controller
	Tracker   *abtest.Tracker
	Alerter   Alerter
	Feed      *signal.Buffer

	Signals signal.Source
	Regimes signal.RegimeSource
	Timing  signal.TimingSource
	Quotes  signal.QuoteSource
}

type Engine struct {
	cfg     config.Root
	weights *config.WeightProvider
	gw      *gateway.Gateway
	swing   *ledger.Ledger
	intra   *ledger.Ledger
	rm      *risk.Manager
	guard   *judgment.Guard
	lc      *lifecycle.Controller
	tracker *abtest.Tracker
	alerter Alerter
	feed    *signal.Buffer

	signals signal.Source
	regimes signal.RegimeSource
	timing  signal.TimingSource
	quotes  signal.QuoteSource

	now func() time.Time

	mu       sync.Mutex
	inflight map[string]*sync.Mutex
	applied  map[string]int // idempotency key -> filled qty already booked
}

func New(d Deps) *Engine {
	return &Engine{
		cfg:      d.Config,
		weights:  d.Weights,
		gw:       d.Gateway,
		swing:    d.Swing,
		intra:    d.Intraday,
		rm:       d.Risk,
		guard:    d.Guard,
		lc:       d.Lifecycle,
		tracker:  d.Tracker,
		alerter:  d.Alerter,
		feed:     d.Feed,
		signals:  d.Signals,
		regimes:  d.Regimes,
		timing:   d.Timing,
		quotes:   d.Quotes,
		now:      time.Now,
		inflight: map[string]*sync.Mutex{},
		applied:  map[string]int{},
	}
}

// lockInstrument serializes order flow per instrument so two concurrent
// evaluations cannot double-submit. Returns the unlock.
func (e *Engine) lockInstrument(instrument string) func() {
	e.mu.Lock()
	l, ok := e.inflight[instrument]
	if !ok {
		l = &sync.Mutex{}
		e.inflight[instrument] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// regime asks the classifier, falling back to sideways when it fails. A
// missing regime must not kill the cycle; sideways weights are the neutral
// table.
func (e *Engine) regime(ctx context.Context) string {
	r, err := e.regimes.Regime(ctx)
	if err != nil || r == "" {
		observ.Log("regime_fallback", map[string]any{"error": fmt.Sprint(err)})
		return "sideways"
	}
	return r
}

// applyFill books the unbooked portion of an order's fill into the ledger
// and feeds realized P&L to the risk manager. Partial fills are applied
// incrementally: only the delta since the last application is booked.
func (e *Engine) applyFill(led *ledger.Ledger, o gateway.Order, stop, target float64) error {
	e.mu.Lock()
	delta := o.FilledQty - e.applied[o.IdempotencyKey]
	if delta > 0 {
		e.applied[o.IdempotencyKey] = o.FilledQty
	}
	e.mu.Unlock()
	if delta <= 0 {
		return nil
	}

	at := e.now()
	var realized float64
	var err error
	if o.Side == "buy" {
		err = led.ApplyBuyFill(o.Instrument, delta, o.FilledAvgPrice, stop, target, at)
	} else {
		realized, err = led.Reduce(o.Instrument, delta, o.FilledAvgPrice, at)
	}
	if err != nil {
		return fmt.Errorf("book fill %s %s: %w", o.Side, o.Instrument, err)
	}

	halt, err := e.rm.RecordFill(realized, e.portfolioEquity())
	if err != nil {
		return err
	}
	if halt != risk.HaltNone && e.alerter != nil {
		e.alerter.Notify(alerts.Alert{
			Severity: alerts.SeverityCritical,
			Title:    "trading halted",
			Detail:   fmt.Sprintf("halt=%s after fill on %s", halt, o.Instrument),
		})
	}
	observ.IncCounter("fills_booked_total", map[string]string{"side": o.Side})
	return nil
}

// portfolioEquity values both books together at their last marks. The risk
// high-water mark tracks total capital: feeding it one book's equity would
// read the other book's balance as a drawdown.
func (e *Engine) portfolioEquity() float64 {
	return e.swing.Snapshot().Equity(nil) + e.intra.Snapshot().Equity(nil)
}

// submitAndBook pushes one order through the gateway and books whatever
// filled. Partial fills get one immediate reconcile pass; anything still
// open stays pending for ReconcilePending.
func (e *Engine) submitAndBook(ctx context.Context, led *ledger.Ledger, o gateway.Order, stop, target float64) (gateway.Order, error) {
	placed, err := e.gw.Submit(ctx, o)
	if err != nil {
		return placed, err
	}
	if err := e.applyFill(led, placed, stop, target); err != nil {
		return placed, err
	}
	if !placed.Done() {
		fresh, rerr := e.gw.Reconcile(ctx, placed.IdempotencyKey)
		if rerr == nil {
			placed = fresh
			if err := e.applyFill(led, placed, stop, target); err != nil {
				return placed, err
			}
		}
	}
	return placed, nil
}

// ReconcilePending refreshes every order the gateway still tracks as open
// and books fill deltas into the given ledger.
func (e *Engine) ReconcilePending(ctx context.Context, led *ledger.Ledger) error {
	for _, o := range e.gw.Pending() {
		fresh, err := e.gw.Reconcile(ctx, o.IdempotencyKey)
		if err != nil {
			observ.Log("reconcile_error", map[string]any{
				"idempotency_key": o.IdempotencyKey, "error": err.Error(),
			})
			continue
		}
		if err := e.applyFill(led, fresh, 0, 0); err != nil {
			return err
		}
	}
	return nil
}

// Resume clears a drawdown halt.
func (e *Engine) Resume(operator string) error {
	if err := e.rm.Resume(operator); err != nil {
		return err
	}
	if e.alerter != nil {
		e.alerter.Notify(alerts.Alert{
			Severity: alerts.SeverityWarning,
			Title:    "drawdown halt cleared",
			Detail:   "manual resume by " + operator,
		})
	}
	return nil
}

// markBook refreshes each position's last mark and high-water from the
// cycle's quotes.
func markBook(led *ledger.Ledger, quotes map[string]float64) {
	for instr, px := range quotes {
		led.Mark(instr, px)
	}
}

// headlinesByInstrument folds the drained alert feed into judgment context.
func headlinesByInstrument(feed []signal.Alert) map[string][]string {
	if len(feed) == 0 {
		return nil
	}
	out := map[string][]string{}
	for _, a := range feed {
		if a.Headline == "" {
			continue
		}
		out[a.Instrument] = append(out[a.Instrument], a.Headline)
	}
	return out
}
