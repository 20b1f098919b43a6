// Package abtest runs the quant-only strategy against a virtual ledger in
// parallel with live trading, and journals every cycle where the
// judgment-adjusted decision diverged from the quant-only one. The virtual
// book runs under its own risk manager with the same limits as the live
// book, so divergences measure judgment, not looser risk.
package abtest

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/asengupta/trading-engine/internal/config"
	"github.com/asengupta/trading-engine/internal/ledger"
	"github.com/asengupta/trading-engine/internal/observ"
	"github.com/asengupta/trading-engine/internal/risk"
)

// Comparison is one instrument's cycle outcome on both paths.
type Comparison struct {
	Instrument         string
	BaselineConviction float64
	JudgmentConviction float64
	Vetoed             bool // judgment killed the trade entirely
	Reason             string
}

// Tracker owns the virtual quant-only book and the divergence journal.
type Tracker struct {
	cfg     config.ABTest
	led     *ledger.Ledger
	rm      *risk.Manager
	journal *Journal

	mu           sync.Mutex
	vetoedCount  int64
	boostedCount int64
}

// NewTracker builds the virtual book. The virtual risk manager persists its
// own state next to the ledger snapshot so halts survive restarts on this
// path too.
func NewTracker(cfg config.ABTest, riskCfg config.Risk, startingCashUSD float64) (*Tracker, error) {
	led := ledger.New(ledger.ModeSwing, cfg.StatePath, startingCashUSD)
	if quarantined, err := led.Load(); err != nil {
		return nil, err
	} else if quarantined != "" {
		observ.Log("ab_state_quarantined", map[string]any{"path": quarantined})
	}

	riskCfg.StateFilePath = cfg.StatePath + ".risk.json"
	riskCfg.EventLogPath = ""
	rm, err := risk.NewManager(riskCfg)
	if err != nil {
		return nil, err
	}

	journal, err := NewJournal(cfg.JournalPath)
	if err != nil {
		return nil, err
	}
	return &Tracker{cfg: cfg, led: led, rm: rm, journal: journal}, nil
}

func (t *Tracker) Close() error { return t.journal.Close() }

// Compare journals a divergence iff the two paths actually differ: a veto,
// or a conviction delta beyond the configured threshold. A judgment timeout
// produces identical convictions and therefore no record.
func (t *Tracker) Compare(ctx context.Context, c Comparison) error {
	delta := c.JudgmentConviction - c.BaselineConviction

	var divType string
	switch {
	case c.Vetoed:
		divType = "vetoed_by_judgment"
		t.mu.Lock()
		t.vetoedCount++
		t.mu.Unlock()
	case delta > t.cfg.DivergenceDelta:
		divType = "boosted"
		t.mu.Lock()
		t.boostedCount++
		t.mu.Unlock()
	case delta < -t.cfg.DivergenceDelta:
		divType = "reduced"
	default:
		return nil
	}

	rec := DivergenceRecord{
		Timestamp:          time.Now().UTC().Unix(),
		Instrument:         c.Instrument,
		Type:               divType,
		BaselineConviction: c.BaselineConviction,
		JudgmentConviction: c.JudgmentConviction,
		Delta:              math.Round(delta*1000) / 1000,
		Reason:             c.Reason,
	}
	if c.Vetoed {
		rec.JudgmentConviction = 0
	}
	observ.IncCounter("ab_divergences_total", map[string]string{"type": divType})
	return t.journal.Append(ctx, rec)
}

// ExecuteBaseline runs a quant-only proposal through the virtual risk
// manager and ledger. The same invariants apply as on the live path;
// rejected proposals leave no trace in the virtual book.
func (t *Tracker) ExecuteBaseline(instrument, side string, qty int, price float64) (risk.Decision, error) {
	book := t.led.Snapshot()
	equity := book.Equity(map[string]float64{instrument: price})

	d := t.rm.Evaluate(risk.Proposal{
		Instrument: instrument,
		Side:       side,
		Mode:       string(ledger.ModeSwing),
		Qty:        qty,
		Price:      price,
	}, book, equity)
	if d.Outcome == risk.OutcomeRejected {
		return d, nil
	}

	now := time.Now().UTC()
	if side == "buy" {
		if err := t.led.Open(instrument, d.Qty, price, 0, 0, now); err != nil {
			return d, err
		}
	} else {
		realized, err := t.led.Reduce(instrument, d.Qty, price, now)
		if err != nil {
			return d, err
		}
		book = t.led.Snapshot()
		if _, err := t.rm.RecordFill(realized, book.Equity(nil)); err != nil {
			return d, err
		}
	}
	return d, nil
}

// ExitBaseline closes the virtual position, if any, at price. Exits are not
// judged, so the quant-only path sells whenever the live path does; without
// this the virtual book would only ever accumulate.
func (t *Tracker) ExitBaseline(instrument string, price float64) error {
	book := t.led.Snapshot()
	pos, held := book.Positions[instrument]
	if !held {
		return nil
	}
	realized, err := t.led.Reduce(instrument, pos.Qty, price, time.Now().UTC())
	if err != nil {
		return err
	}
	_, err = t.rm.RecordFill(realized, t.led.Snapshot().Equity(nil))
	return err
}

// Summary compares both paths for reporting.
type Summary struct {
	VirtualCashUSD  float64            `json:"virtual_cash_usd"`
	VirtualEquity   float64            `json:"virtual_equity_usd"`
	RealizedPnL     float64            `json:"virtual_realized_pnl"`
	OpenPositions   int                `json:"virtual_open_positions"`
	VetoedCount     int64              `json:"vetoed_count"`
	BoostedCount    int64              `json:"boosted_count"`
	DivergenceTotal int64              `json:"divergence_total"`
	Recent          []DivergenceRecord `json:"recent_divergences,omitempty"`
}

func (t *Tracker) Summary(ctx context.Context, marks map[string]float64) (Summary, error) {
	book := t.led.Snapshot()
	total, err := t.journal.Count(ctx)
	if err != nil {
		return Summary{}, err
	}
	recent, err := t.journal.Recent(ctx, 10)
	if err != nil {
		return Summary{}, err
	}
	t.mu.Lock()
	vetoed, boosted := t.vetoedCount, t.boostedCount
	t.mu.Unlock()
	return Summary{
		VirtualCashUSD:  book.CashUSD,
		VirtualEquity:   book.Equity(marks),
		RealizedPnL:     book.RealizedPnL,
		OpenPositions:   book.OpenCount(),
		VetoedCount:     vetoed,
		BoostedCount:    boosted,
		DivergenceTotal: total,
		Recent:          recent,
	}, nil
}
