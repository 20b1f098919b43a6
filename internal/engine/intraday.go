package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/asengupta/trading-engine/internal/conviction"
	"github.com/asengupta/trading-engine/internal/gateway"
	"github.com/asengupta/trading-engine/internal/judgment"
	"github.com/asengupta/trading-engine/internal/ledger"
	"github.com/asengupta/trading-engine/internal/lifecycle"
	"github.com/asengupta/trading-engine/internal/observ"
	"github.com/asengupta/trading-engine/internal/risk"
	"github.com/asengupta/trading-engine/internal/signal"
)

// RunIntradayCycle runs one intraday pass. The lifecycle phase gates what
// the cycle may do: entries only during ACTIVE, stop/target monitoring
// during ACTIVE and HALTED, forced liquidation at HARD_CLOSE. PREMARKET,
// SCANNING, and SETTLED cycles observe and report but never trade.
func (e *Engine) RunIntradayCycle(ctx context.Context) (CycleReport, error) {
	start := e.now()
	feed := e.feed.Drain()
	headlines := headlinesByInstrument(feed)
	phase := e.lc.Phase(start, e.rm.Halted() != risk.HaltNone)
	regime := e.regime(ctx)

	report := CycleReport{
		Mode:   string(ledger.ModeIntraday),
		Phase:  string(phase),
		Regime: regime,
		At:     start.UTC(),
		Halted: e.rm.Halted(),
	}

	switch phase {
	case lifecycle.PhasePremarket, lifecycle.PhaseScanning, lifecycle.PhaseSettled:
		return report, nil
	case lifecycle.PhaseHardClose:
		unclosed, err := e.ForceClose(ctx)
		if err != nil {
			return report, err
		}
		for _, instr := range unclosed {
			report.Results = append(report.Results, InstrumentResult{
				Instrument: instr, Error: "unclosed at hard close",
			})
		}
		return report, nil
	}

	quotes, err := e.quotes.Quotes(ctx, e.cfg.Universe)
	if err != nil {
		return report, fmt.Errorf("fetch quotes: %w", err)
	}
	markBook(e.intra, quotes)
	book := e.intra.Snapshot()
	equity := book.Equity(quotes)
	if acct, err := e.gw.Account(ctx); err == nil && acct.EquityUSD > 0 {
		equity = acct.EquityUSD
	}

	// Protective exits come first and run even while halted.
	triggers := risk.CheckStopsAndTargets(book, quotes)
	for _, tr := range triggers {
		res, err := e.exitIntraday(ctx, tr.Instrument, book.Positions[tr.Instrument].Qty, tr.Price, tr.Reason)
		if err != nil {
			return report, err
		}
		report.Results = append(report.Results, res)
	}
	if phase == lifecycle.PhaseHalted {
		report.Halted = e.rm.Halted()
		return report, nil
	}

	matrix, err := e.signals.Signals(ctx, e.cfg.Universe)
	if err != nil {
		return report, fmt.Errorf("fetch signals: %w", err)
	}
	book = e.intra.Snapshot() // stop exits above may have moved the book
	synth := conviction.New(e.weights.Table())
	exited := map[string]bool{}
	for _, tr := range triggers {
		exited[tr.Instrument] = true
	}

	var mu sync.Mutex
	var results []InstrumentResult
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(evalParallelism)
	for _, instr := range e.cfg.Universe {
		if exited[instr] {
			continue
		}
		instr := instr
		g.Go(func() error {
			res, err := e.evaluateIntraday(gctx, instr, regime, synth, matrix, quotes, headlines, book, equity)
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
		return report, err
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Instrument < results[j].Instrument })
	report.Results = append(report.Results, results...)

	for _, r := range report.Results {
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
	report.Halted = e.rm.Halted()
	observ.IncCounter("cycles_total", map[string]string{"mode": report.Mode})
	observ.Log("cycle_complete", map[string]any{
		"mode": report.Mode, "phase": string(phase), "regime": regime,
		"evaluated": report.Evaluated, "submitted": report.Submitted, "filled": report.Filled,
	})
	return report, nil
}

func (e *Engine) evaluateIntraday(
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

	daily := synth.Swing(regime, sigs)
	timingScore := 0.0
	if e.timing != nil {
		ts, err := e.timing.TimingScore(ctx, instrument)
		if err != nil {
			res.Skipped = "no timing score"
			return res, nil
		}
		timingScore = ts
	}
	blended := synth.Intraday(regime, instrument, daily.Value, timingScore)
	res.Conviction = blended.Value

	pos, held := book.Positions[instrument]
	switch {
	case blended.Action == conviction.TimingExitNow && held:
		return e.exitIntraday(ctx, instrument, pos.Qty, px, "exit_now")
	case held:
		res.Skipped = "position already open"
		return res, nil
	case blended.Action != conviction.TimingEnterNow:
		res.Skipped = "timing: " + string(blended.Action)
		return res, nil
	case blended.Value < e.cfg.Conviction.MinConviction:
		res.Skipped = "below conviction floor"
		return res, nil
	}

	return e.enterIntraday(ctx, res, blended, px, headlines[instrument], book, equity)
}

// enterIntraday sizes the entry against the remaining daily loss budget and
// submits a bracket order carrying the stop and target.
func (e *Engine) enterIntraday(
	ctx context.Context,
	res InstrumentResult,
	blended conviction.IntradayScore,
	px float64,
	heads []string,
	book ledger.Snapshot,
	equity float64,
) (InstrumentResult, error) {
	res.Side = "buy"
	qty, stop, target := e.rm.SizeIntraday(px, equity)
	if qty <= 0 {
		res.Skipped = "loss budget spent"
		return res, nil
	}

	verdict := e.guard.Review(ctx, judgment.Request{
		Instrument: res.Instrument,
		Side:       "buy",
		Conviction: blended.Value,
		Regime:     blended.Regime,
		Context:    judgment.Context{Headlines: heads, CurrentPrice: px},
	})
	res.Verdict = string(verdict.Action)
	res.Adjusted = verdict.Adjusted

	e.compareAndRunBaseline(ctx, res.Instrument, "buy", qty, px, blended.Value, verdict)

	if verdict.Action == judgment.ActionVeto {
		res.Skipped = "vetoed: " + verdict.Rationale
		observ.IncCounter("proposals_vetoed_total", nil)
		return res, nil
	}
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
		Instrument: res.Instrument, Side: "buy", Mode: string(ledger.ModeIntraday), Qty: qty, Price: px,
	}, book, equity)
	res.Outcome = d.Outcome
	res.Reason = d.Reason
	res.Detail = d.Detail
	if d.Outcome == risk.OutcomeRejected {
		return res, nil
	}

	placed, err := e.submitAndBook(ctx, e.intra, gateway.Order{
		Instrument: res.Instrument, Side: "buy", Qty: d.Qty, Stop: stop, Target: target,
	}, stop, target)
	return finishOrder(res, placed, err)
}

// exitIntraday closes a position without a risk gate. Stop-outs, targets,
// and exit_now signals reduce risk; they are never blocked.
func (e *Engine) exitIntraday(ctx context.Context, instrument string, qty int, px float64, why string) (InstrumentResult, error) {
	unlock := e.lockInstrument(instrument)
	defer unlock()

	e.baselineExit(instrument, px)
	res := InstrumentResult{Instrument: instrument, Side: "sell", Reason: why}
	placed, err := e.submitAndBook(ctx, e.intra, gateway.Order{
		Instrument: instrument, Side: "sell", Qty: qty,
	}, 0, 0)
	out, err := finishOrder(res, placed, err)
	if err == nil && out.Error == "" {
		observ.IncCounter("intraday_exits_total", map[string]string{"why": why})
		observ.Log("intraday_exit", map[string]any{"instrument": instrument, "qty": qty, "why": why})
	}
	return out, err
}

// ForceClose drains the intraday book unconditionally, archives the day,
// and settles the lifecycle. Unclosed instruments are escalated by the
// closer and returned. Settlement happens either way; an unsettled book
// would re-trigger the hard close forever.
func (e *Engine) ForceClose(ctx context.Context) ([]string, error) {
	book := e.intra.Snapshot()
	fc := lifecycle.NewForceCloser(
		e.cfg.Lifecycle.ForceCloseMaxAttempts,
		time.Duration(e.cfg.Lifecycle.ForceCloseBackoffMs)*time.Millisecond,
		e.closeOne,
		e.alerter,
	)
	unclosed := fc.Run(ctx, book)

	if path, err := e.intra.Archive(e.cfg.Lifecycle.HistoryDir); err != nil {
		observ.Log("archive_error", map[string]any{"error": err.Error()})
	} else {
		observ.Log("intraday_archived", map[string]any{"path": path})
	}
	summary := e.intra.DailySummary()
	observ.Log("daily_summary", map[string]any{
		"date": summary.Date, "trades": summary.Trades, "win_rate": summary.WinRate,
		"realized_pnl": summary.RealizedPL,
	})
	e.lc.Settle(e.now())
	return unclosed, nil
}

// closeOne is the force closer's close function: straight to the gateway,
// no conviction or risk gate, confirmed fill required.
func (e *Engine) closeOne(ctx context.Context, instrument string, qty int) error {
	unlock := e.lockInstrument(instrument)
	defer unlock()

	placed, err := e.submitAndBook(ctx, e.intra, gateway.Order{
		Instrument: instrument, Side: "sell", Qty: qty,
	}, 0, 0)
	if err != nil {
		return err
	}
	if placed.Status != gateway.StatusFilled {
		return fmt.Errorf("close %s: order %s not filled (status=%s)", instrument, placed.IdempotencyKey, placed.Status)
	}
	return nil
}
