package abtest

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/asengupta/trading-engine/internal/config"
	"github.com/asengupta/trading-engine/internal/risk"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	dir := t.TempDir()
	cfg := config.ABTest{
		Enabled:         true,
		JournalPath:     filepath.Join(dir, "ab.db"),
		StatePath:       filepath.Join(dir, "ab_state.json"),
		DivergenceDelta: 0.03,
	}
	riskCfg := config.Risk{
		MaxPositionPct:  10,
		MaxOpenSwing:    15,
		MaxOpenIntraday: 5,
		MinCashPct:      20,
		MaxDailyLossPct: 1,
		MaxDrawdownPct:  10,
		StopLossPct:     2,
		TakeProfitPct:   4,
	}
	tr, err := NewTracker(cfg, riskCfg, 100000)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestCompareNoDivergenceNoRecord(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	// identical decisions (e.g. judgment timeout) leave no row
	require.NoError(t, tr.Compare(ctx, Comparison{
		Instrument:         "AAPL",
		BaselineConviction: 0.5,
		JudgmentConviction: 0.5,
	}))
	// small delta under the threshold also leaves no row
	require.NoError(t, tr.Compare(ctx, Comparison{
		Instrument:         "MSFT",
		BaselineConviction: 0.5,
		JudgmentConviction: 0.52,
	}))

	n, err := tr.journal.Count(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}

func TestCompareRecordsDivergenceTypes(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Compare(ctx, Comparison{
		Instrument: "AAPL", BaselineConviction: 0.5, JudgmentConviction: 0, Vetoed: true, Reason: "macro risk",
	}))
	require.NoError(t, tr.Compare(ctx, Comparison{
		Instrument: "MSFT", BaselineConviction: 0.4, JudgmentConviction: 0.55,
	}))
	require.NoError(t, tr.Compare(ctx, Comparison{
		Instrument: "NVDA", BaselineConviction: 0.6, JudgmentConviction: 0.45,
	}))

	recent, err := tr.journal.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 3)

	types := map[string]string{}
	for _, r := range recent {
		types[r.Instrument] = r.Type
	}
	require.Equal(t, "vetoed_by_judgment", types["AAPL"])
	require.Equal(t, "boosted", types["MSFT"])
	require.Equal(t, "reduced", types["NVDA"])

	sum, err := tr.Summary(ctx, nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, sum.VetoedCount)
	require.EqualValues(t, 1, sum.BoostedCount)
	require.EqualValues(t, 3, sum.DivergenceTotal)
}

func TestExecuteBaselineAppliesRiskLimits(t *testing.T) {
	tr := newTestTracker(t)

	// 10% cap on 100k equity = 10k, request 20k worth
	d, err := tr.ExecuteBaseline("AAPL", "buy", 200, 100)
	require.NoError(t, err)
	require.Equal(t, risk.OutcomeResized, d.Outcome)
	require.Equal(t, 100, d.Qty)

	book := tr.led.Snapshot()
	require.Equal(t, 100, book.Positions["AAPL"].Qty)
	require.InDelta(t, 90000, book.CashUSD, 1e-9)
}

func TestExecuteBaselineSellRealizes(t *testing.T) {
	tr := newTestTracker(t)

	_, err := tr.ExecuteBaseline("AAPL", "buy", 50, 100)
	require.NoError(t, err)
	d, err := tr.ExecuteBaseline("AAPL", "sell", 50, 110)
	require.NoError(t, err)
	require.Equal(t, risk.OutcomeApproved, d.Outcome)

	book := tr.led.Snapshot()
	require.Zero(t, book.OpenCount())
	require.InDelta(t, 500, book.RealizedPnL, 1e-9)
}

func TestCompareConcurrentCallersCountAll(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tr.Compare(ctx, Comparison{
				Instrument: "AAPL", BaselineConviction: 0.5, JudgmentConviction: 0, Vetoed: true,
			})
			_ = tr.Compare(ctx, Comparison{
				Instrument: "MSFT", BaselineConviction: 0.4, JudgmentConviction: 0.55,
			})
		}()
	}
	wg.Wait()

	sum, err := tr.Summary(ctx, nil)
	require.NoError(t, err)
	require.EqualValues(t, 8, sum.VetoedCount)
	require.EqualValues(t, 8, sum.BoostedCount)
}

func TestExitBaselineClosesWholePosition(t *testing.T) {
	tr := newTestTracker(t)

	_, err := tr.ExecuteBaseline("AAPL", "buy", 50, 100)
	require.NoError(t, err)
	require.NoError(t, tr.ExitBaseline("AAPL", 110))

	book := tr.led.Snapshot()
	require.Zero(t, book.OpenCount())
	require.InDelta(t, 500, book.RealizedPnL, 1e-9)

	// exiting an instrument the virtual book never held is a no-op
	require.NoError(t, tr.ExitBaseline("MSFT", 100))
}

func TestJournalPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ab.db")
	ctx := context.Background()

	j, err := NewJournal(path)
	require.NoError(t, err)
	require.NoError(t, j.Append(ctx, DivergenceRecord{
		Instrument: "AAPL", Type: "boosted", BaselineConviction: 0.4, JudgmentConviction: 0.5, Delta: 0.1,
	}))
	require.NoError(t, j.Close())

	j2, err := NewJournal(path)
	require.NoError(t, err)
	defer j2.Close()
	n, err := j2.Count(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}
