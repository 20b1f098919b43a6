package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/asengupta/trading-engine/internal/abtest"
	"github.com/asengupta/trading-engine/internal/conviction"
	"github.com/asengupta/trading-engine/internal/gateway"
	"github.com/asengupta/trading-engine/internal/judgment"
	"github.com/asengupta/trading-engine/internal/ledger"
	"github.com/asengupta/trading-engine/internal/observ"
	"github.com/asengupta/trading-engine/internal/risk"
	"github.com/asengupta/trading-engine/internal/signal"
)

// evalParallelism bounds concurrent per-instrument evaluations. Judgment
// reviews dominate cycle latency, so a few in flight is plenty.
const evalParallelism = 4

// InstrumentResult is one instrument's outcome within a cycle.
type InstrumentResult struct {
	Instrument string       `json:"instrument"`
	Conviction float64      `json:"conviction"`
	Adjusted   float64      `json:"adjusted_conviction,omitempty"`
	Verdict    string       `json:"verdict,omitempty"`
	Side       string       `json:"side,omitempty"`
	Outcome    risk.Outcome `json:"outcome,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	Detail     string       `json:"detail,omitempty"`
	OrderKey   string       `json:"order_key,omitempty"`
	Status     string       `json:"status,omitempty"`
	FilledQty  int          `json:"filled_qty,omitempty"`
	Skipped    string       `json:"skipped,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// CycleReport summarizes one cycle for the operator.
type CycleReport struct {
	Mode      string             `json:"mode"`
	Phase     string             `json:"phase,omitempty"`
	Regime    string             `json:"regime"`
	At        time.Time          `json:"at"`
	Halted    risk.HaltState     `json:"halted"`
	Evaluated int                `json:"evaluated"`
	Submitted int                `json:"submitted"`
	Filled    int                `json:"filled"`
	Results   []InstrumentResult `json:"results"`
}

// RunSwingCycle evaluates the configured universe against the swing book.
// One persistent broker error fails the whole cycle; per-instrument
// failures (retry exhaustion, missing signals) are reported in the result
// and the cycle continues.
func (e *Engine) RunSwingCycle(ctx context.Context) (CycleReport, error) {
	start := e.now()
	feed := e.feed.Drain()
	headlines := headlinesByInstrument(feed)
	regime := e.regime(ctx)

	matrix, err := e.signals.Signals(ctx, e.cfg.Universe)
	if err != nil {
		return CycleReport{}, fmt.Errorf("fetch signals: %w", err)
	}
	quotes, err := e.quotes.Quotes(ctx, e.cfg.Universe)
	if err != nil {
		return CycleReport{}, fmt.Errorf("fetch quotes: %w", err)
	}

	markBook(e.swing, quotes)

	stopped, err := e.checkSwingStops(ctx, quotes)
	if err != nil {
		return CycleReport{}, err
	}
	exited := make(map[string]bool, len(stopped))
	for _, r := range stopped {
		exited[r.Instrument] = true
	}

	book := e.swing.Snapshot()
	equity := book.Equity(quotes)
	if acct, err := e.gw.Account(ctx); err == nil && acct.EquityUSD > 0 {
		equity = acct.EquityUSD
	}

	synth := conviction.New(e.weights.Table())

	var mu sync.Mutex
	results := stopped
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(evalParallelism)
	for _, instr := range e.cfg.Universe {
		if exited[instr] {
			continue
		}
		instr := instr
		g.Go(func() error {
			res, err := e.evaluateSwing(gctx, instr, regime, synth, matrix, quotes, headlines, book, equity)
			if err != nil {
				return err
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return CycleReport{}, err
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Instrument < results[j].Instrument })

	report := CycleReport{
		Mode:    string(ledger.ModeSwing),
		Regime:  regime,
		At:      start.UTC(),
		Halted:  e.rm.Halted(),
		Results: results,
	}
	for _, r := range results {
		if r.Skipped == "" {
			report.Evaluated++
		}
		if r.OrderKey != "" {
			report.Submitted++
		}
		if r.FilledQty > 0 {
			report.Filled++
		}
	}
	observ.Log("cycle_complete", map[string]any{
		"mode": report.Mode, "regime": regime,
		"evaluated": report.Evaluated, "submitted": report.Submitted, "filled": report.Filled,
	})
	observ.IncCounter("cycles_total", map[string]string{"mode": report.Mode})
	return report, nil
}

// checkSwingStops exits any swing position whose price has fallen to its
// trailing stop. The stop trails the high-water mark by StopLossPct. These
// are protective sells and do not pass through the risk gate.
func (e *Engine) checkSwingStops(ctx context.Context, quotes map[string]float64) ([]InstrumentResult, error) {
	pct := e.cfg.Risk.StopLossPct
	if pct <= 0 {
		return nil, nil
	}
	book := e.swing.Snapshot()
	var results []InstrumentResult
	for instr, pos := range book.Positions {
		px, ok := quotes[instr]
		if !ok || px <= 0 {
			continue
		}
		stop, ok := e.swing.TrailingStop(instr, pct)
		if !ok || px > stop {
			continue
		}
		observ.Log("trailing_stop_triggered", map[string]any{
			"instrument": instr, "price": px, "stop": stop, "high_water": pos.HighWater,
		})
		observ.IncCounter("trailing_stops_total", nil)

		unlock := e.lockInstrument(instr)
		e.baselineExit(instr, px)
		res := InstrumentResult{Instrument: instr, Side: "sell", Reason: "trailing_stop"}
		placed, err := e.submitAndBook(ctx, e.swing, gateway.Order{
			Instrument: instr, Side: "sell", Qty: pos.Qty,
		}, 0, 0)
		unlock()
		res, err = finishOrder(res, placed, err)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (e *Engine) evaluateSwing(
	ctx context.Context,
	instrument, regime string,
	synth *conviction.Synthesizer,
	matrix *signal.Matrix,
	quotes map[string]float64,
	headlines map[string][]string,
	book ledger.Snapshot,
	equity float64,
) (InstrumentResult, error) {
	res := InstrumentResult{Instrument: instrument}

	sigs := matrix.For(instrument)
	if len(sigs) == 0 {
		res.Skipped = "no signals"
		observ.IncCounter("instruments_skipped_total", map[string]string{"reason": "no_signals"})
		return res, nil
	}
	px, ok := quotes[instrument]
	if !ok || px <= 0 {
		res.Skipped = "no quote"
		observ.IncCounter("instruments_skipped_total", map[string]string{"reason": "no_quote"})
		return res, nil
	}

	score := synth.Swing(regime, sigs)
	res.Conviction = score.Value
	pos, held := book.Positions[instrument]

	switch {
	case score.Value >= e.cfg.Conviction.MinConviction:
		return e.swingBuy(ctx, res, score, px, headlines[instrument], book, equity)
	case score.Value <= -e.cfg.Conviction.MinConviction && held:
		return e.swingExit(ctx, res, pos.Qty, px, book, equity, "conviction reversal")
	case score.Value <= -e.cfg.Conviction.MinConviction:
		res.Skipped = "bearish, no position to exit"
		return res, nil
	default:
		res.Skipped = "below conviction floor"
		return res, nil
	}
}

// swingBuy runs the full buy path: judgment, the A/B baseline, the risk
// gate, then submission. Baseline execution always uses the pre-judgment
// quantity so the virtual book reflects the quant-only strategy.
func (e *Engine) swingBuy(
	ctx context.Context,
	res InstrumentResult,
	score conviction.Score,
	px float64,
	heads []string,
	book ledger.Snapshot,
	equity float64,
) (InstrumentResult, error) {
	res.Side = "buy"
	baseQty := int(equity * e.cfg.Risk.MaxPositionPct / 100 / px)
	if baseQty <= 0 {
		res.Skipped = "price above position budget"
		return res, nil
	}

	verdict := e.guard.Review(ctx, judgment.Request{
		Instrument: res.Instrument,
		Side:       "buy",
		Conviction: score.Value,
		Regime:     score.Regime,
		Context:    judgment.Context{Headlines: heads, CurrentPrice: px},
	})
	res.Verdict = string(verdict.Action)
	res.Adjusted = verdict.Adjusted

	e.compareAndRunBaseline(ctx, res.Instrument, "buy", baseQty, px, score.Value, verdict)

	if verdict.Action == judgment.ActionVeto {
		res.Skipped = "vetoed: " + verdict.Rationale
		observ.IncCounter("proposals_vetoed_total", nil)
		return res, nil
	}

	qty := baseQty
	switch verdict.Action {
	case judgment.ActionBoost:
		qty = int(float64(qty) * e.cfg.Judgment.BoostFactor)
	case judgment.ActionReduce:
		qty = int(float64(qty) * e.cfg.Judgment.ReduceFactor)
	}
	if qty <= 0 {
		res.Skipped = "reduced to zero"
		return res, nil
	}

	unlock := e.lockInstrument(res.Instrument)
	defer unlock()

	d := e.rm.Evaluate(risk.Proposal{
		Instrument: res.Instrument, Side: "buy", Mode: string(ledger.ModeSwing), Qty: qty, Price: px,
	}, book, equity)
	res.Outcome = d.Outcome
	res.Reason = d.Reason
	res.Detail = d.Detail
	if d.Outcome == risk.OutcomeRejected {
		return res, nil
	}

	placed, err := e.submitAndBook(ctx, e.swing, gateway.Order{
		Instrument: res.Instrument, Side: "buy", Qty: d.Qty,
	}, 0, 0)
	return finishOrder(res, placed, err)
}

// swingExit sells the whole position through the risk gate. Sells pass
// every gate except a drawdown halt.
func (e *Engine) swingExit(ctx context.Context, res InstrumentResult, qty int, px float64, book ledger.Snapshot, equity float64, why string) (InstrumentResult, error) {
	unlock := e.lockInstrument(res.Instrument)
	defer unlock()

	res.Side = "sell"
	e.baselineExit(res.Instrument, px)
	d := e.rm.Evaluate(risk.Proposal{
		Instrument: res.Instrument, Side: "sell", Mode: string(ledger.ModeSwing), Qty: qty, Price: 0,
	}, book, equity)
	res.Outcome = d.Outcome
	res.Reason = d.Reason
	res.Detail = d.Detail
	if d.Outcome == risk.OutcomeRejected {
		return res, nil
	}

	placed, err := e.submitAndBook(ctx, e.swing, gateway.Order{
		Instrument: res.Instrument, Side: "sell", Qty: qty,
	}, 0, 0)
	res2, err := finishOrder(res, placed, err)
	if err == nil && res2.Error == "" {
		observ.Log("swing_exit", map[string]any{"instrument": res.Instrument, "qty": qty, "why": why})
	}
	return res2, err
}

// finishOrder folds gateway outcomes into the result. Persistent broker
// errors abort the cycle; exhausted retries fail only this instrument.
func finishOrder(res InstrumentResult, placed gateway.Order, err error) (InstrumentResult, error) {
	if res.Side == "" {
		res.Side = placed.Side
	}
	if err != nil {
		if errors.Is(err, gateway.ErrPersistent) {
			return res, err
		}
		res.Error = err.Error()
		return res, nil
	}
	res.OrderKey = placed.IdempotencyKey
	res.Status = string(placed.Status)
	res.FilledQty = placed.FilledQty
	return res, nil
}

// compareAndRunBaseline feeds the A/B tracker: journal the divergence (if
// any) and run the quant-only proposal against the virtual book.
func (e *Engine) compareAndRunBaseline(ctx context.Context, instrument, side string, qty int, px, baseline float64, verdict judgment.Verdict) {
	if e.tracker == nil {
		return
	}
	if err := e.tracker.Compare(ctx, abtest.Comparison{
		Instrument:         instrument,
		BaselineConviction: baseline,
		JudgmentConviction: verdict.Adjusted,
		Vetoed:             verdict.Action == judgment.ActionVeto,
		Reason:             verdict.Rationale,
	}); err != nil {
		observ.Log("ab_compare_error", map[string]any{"instrument": instrument, "error": err.Error()})
	}
	if _, err := e.tracker.ExecuteBaseline(instrument, side, qty, px); err != nil {
		observ.Log("ab_baseline_error", map[string]any{"instrument": instrument, "error": err.Error()})
	}
}

// baselineExit mirrors an exit onto the virtual quant-only book. The live
// and virtual positions can differ in size, so the virtual book closes its
// own holding rather than the live quantity.
func (e *Engine) baselineExit(instrument string, px float64) {
	if e.tracker == nil {
		return
	}
	if err := e.tracker.ExitBaseline(instrument, px); err != nil {
		observ.Log("ab_baseline_error", map[string]any{"instrument": instrument, "error": err.Error()})
	}
}

// SwingAdd opens or adds to a swing position manually, still through the
// risk gate and the gateway.
func (e *Engine) SwingAdd(ctx context.Context, instrument string, qty int) (InstrumentResult, error) {
	quotes, err := e.quotes.Quotes(ctx, []string{instrument})
	if err != nil {
		return InstrumentResult{}, fmt.Errorf("fetch quote: %w", err)
	}
	px, ok := quotes[instrument]
	if !ok || px <= 0 {
		return InstrumentResult{}, fmt.Errorf("no quote for %s", instrument)
	}

	unlock := e.lockInstrument(instrument)
	defer unlock()

	book := e.swing.Snapshot()
	res := InstrumentResult{Instrument: instrument, Side: "buy"}
	d := e.rm.Evaluate(risk.Proposal{
		Instrument: instrument, Side: "buy", Mode: string(ledger.ModeSwing), Qty: qty, Price: px,
	}, book, book.Equity(quotes))
	res.Outcome = d.Outcome
	res.Reason = d.Reason
	res.Detail = d.Detail
	if d.Outcome == risk.OutcomeRejected {
		return res, nil
	}
	placed, err := e.submitAndBook(ctx, e.swing, gateway.Order{
		Instrument: instrument, Side: "buy", Qty: d.Qty,
	}, 0, 0)
	return finishOrder(res, placed, err)
}

// SwingRemove closes a swing position manually.
func (e *Engine) SwingRemove(ctx context.Context, instrument string) (InstrumentResult, error) {
	unlock := e.lockInstrument(instrument)
	defer unlock()

	book := e.swing.Snapshot()
	pos, held := book.Positions[instrument]
	if !held {
		return InstrumentResult{}, fmt.Errorf("no open swing position for %s", instrument)
	}
	res := InstrumentResult{Instrument: instrument, Side: "sell"}
	d := e.rm.Evaluate(risk.Proposal{
		Instrument: instrument, Side: "sell", Mode: string(ledger.ModeSwing), Qty: pos.Qty, Price: 0,
	}, book, book.Equity(nil))
	res.Outcome = d.Outcome
	res.Reason = d.Reason
	res.Detail = d.Detail
	if d.Outcome == risk.OutcomeRejected {
		return res, nil
	}
	placed, err := e.submitAndBook(ctx, e.swing, gateway.Order{
		Instrument: instrument, Side: "sell", Qty: pos.Qty,
	}, 0, 0)
	return finishOrder(res, placed, err)
}
