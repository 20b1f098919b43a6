package engine

import (
	"context"
	"time"

	"github.com/asengupta/trading-engine/internal/abtest"
	"github.com/asengupta/trading-engine/internal/gateway"
	"github.com/asengupta/trading-engine/internal/ledger"
	"github.com/asengupta/trading-engine/internal/risk"
)

// BookStatus is one mode's book for the status report.
type BookStatus struct {
	Mode          string              `json:"mode"`
	CashUSD       float64             `json:"cash_usd"`
	EquityUSD     float64             `json:"equity_usd"`
	RealizedPnL   float64             `json:"realized_pnl"`
	RealizedToday float64             `json:"realized_today"`
	OpenPositions int                 `json:"open_positions"`
	Positions     []ledger.Position   `json:"positions,omitempty"`
	Summary       ledger.DailySummary `json:"daily_summary"`
}

// StatusReport is the full operator view.
type StatusReport struct {
	At          time.Time       `json:"at"`
	TradingMode string          `json:"trading_mode"`
	Risk        risk.State      `json:"risk"`
	Swing       BookStatus      `json:"swing"`
	Intraday    BookStatus      `json:"intraday"`
	Pending     []gateway.Order `json:"pending_orders,omitempty"`
	ABTest      *abtest.Summary `json:"abtest,omitempty"`
}

func bookStatus(led *ledger.Ledger, marks map[string]float64) BookStatus {
	s := led.Snapshot()
	out := BookStatus{
		Mode:          string(s.Mode),
		CashUSD:       s.CashUSD,
		EquityUSD:     s.Equity(marks),
		RealizedPnL:   s.RealizedPnL,
		RealizedToday: s.RealizedToday,
		OpenPositions: s.OpenCount(),
		Summary:       led.DailySummary(),
	}
	for _, p := range s.Positions {
		out.Positions = append(out.Positions, p)
	}
	return out
}

// Status assembles the operator report. Quote failures degrade to last
// marks rather than failing the report.
func (e *Engine) Status(ctx context.Context) (StatusReport, error) {
	marks, err := e.quotes.Quotes(ctx, e.cfg.Universe)
	if err != nil {
		marks = nil
	}

	report := StatusReport{
		At:          e.now().UTC(),
		TradingMode: e.cfg.TradingMode,
		Risk:        e.rm.Snapshot(),
		Swing:       bookStatus(e.swing, marks),
		Intraday:    bookStatus(e.intra, marks),
		Pending:     e.gw.Pending(),
	}
	if e.tracker != nil {
		if sum, err := e.tracker.Summary(ctx, marks); err == nil {
			report.ABTest = &sum
		}
	}
	return report, nil
}
