package ledger

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestLedger(t *testing.T, mode Mode) *Ledger {
	t.Helper()
	l := New(mode, filepath.Join(t.TempDir(), "state.json"), 100000)
	if _, err := l.Load(); err != nil {
		t.Fatal(err)
	}
	return l
}

func TestIntradayOnePositionPerInstrument(t *testing.T) {
	l := newTestLedger(t, ModeIntraday)
	now := time.Now()
	if err := l.Open("AAPL", 10, 200, 196, 208, now); err != nil {
		t.Fatal(err)
	}
	if err := l.Open("AAPL", 5, 201, 0, 0, now); err == nil {
		t.Fatal("second intraday open for same instrument must fail")
	}
	snap := l.Snapshot()
	if snap.OpenCount() != 1 {
		t.Errorf("open count = %d, want 1", snap.OpenCount())
	}
	if snap.CashUSD != 100000-10*200 {
		t.Errorf("cash = %v, want %v", snap.CashUSD, 100000-10*200.0)
	}
}

func TestSwingAccumulatesAveragedEntry(t *testing.T) {
	l := newTestLedger(t, ModeSwing)
	now := time.Now()
	if err := l.Open("MSFT", 10, 100, 0, 0, now); err != nil {
		t.Fatal(err)
	}
	if err := l.Open("MSFT", 10, 120, 0, 0, now); err != nil {
		t.Fatal(err)
	}
	snap := l.Snapshot()
	pos := snap.Positions["MSFT"]
	if pos.Qty != 20 {
		t.Errorf("qty = %d, want 20", pos.Qty)
	}
	if math.Abs(pos.AvgEntry-110) > 1e-9 {
		t.Errorf("avg entry = %v, want 110", pos.AvgEntry)
	}
}

func TestApplyBuyFillAccumulatesIntraday(t *testing.T) {
	l := newTestLedger(t, ModeIntraday)
	now := time.Now()
	// two increments of one partially filled order
	if err := l.ApplyBuyFill("AAPL", 50, 100, 98, 104, now); err != nil {
		t.Fatal(err)
	}
	if err := l.ApplyBuyFill("AAPL", 50, 102, 0, 0, now); err != nil {
		t.Fatal(err)
	}
	pos := l.Snapshot().Positions["AAPL"]
	if pos.Qty != 100 {
		t.Errorf("qty = %d, want 100", pos.Qty)
	}
	if math.Abs(pos.AvgEntry-101) > 1e-9 {
		t.Errorf("avg entry = %v, want 101", pos.AvgEntry)
	}
	if pos.Stop != 98 || pos.Target != 104 {
		t.Errorf("stop/target = %v/%v, want carried from first fill", pos.Stop, pos.Target)
	}
}

func TestReduceRealizesPnL(t *testing.T) {
	l := newTestLedger(t, ModeIntraday)
	now := time.Now()
	if err := l.Open("NVDA", 10, 100, 0, 0, now); err != nil {
		t.Fatal(err)
	}
	realized, err := l.Reduce("NVDA", 10, 110, now)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(realized-100) > 1e-9 {
		t.Errorf("realized = %v, want 100", realized)
	}
	snap := l.Snapshot()
	if snap.OpenCount() != 0 {
		t.Errorf("open count = %d, want 0 after full close", snap.OpenCount())
	}
	if math.Abs(snap.CashUSD-100100) > 1e-9 {
		t.Errorf("cash = %v, want 100100", snap.CashUSD)
	}
	if len(snap.ClosedToday) != 1 || snap.ClosedToday[0].PnL != 100 {
		t.Errorf("closed today = %+v, want one trade with pnl 100", snap.ClosedToday)
	}
}

func TestPartialReduceKeepsPosition(t *testing.T) {
	l := newTestLedger(t, ModeSwing)
	now := time.Now()
	if err := l.Open("AAPL", 20, 50, 0, 0, now); err != nil {
		t.Fatal(err)
	}
	realized, err := l.Reduce("AAPL", 5, 60, now)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(realized-50) > 1e-9 {
		t.Errorf("realized = %v, want 50", realized)
	}
	pos := l.Snapshot().Positions["AAPL"]
	if pos.Qty != 15 {
		t.Errorf("qty = %d, want 15", pos.Qty)
	}
	if pos.AvgEntry != 50 {
		t.Errorf("avg entry = %v, want unchanged 50", pos.AvgEntry)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	now := time.Now()

	l := New(ModeSwing, path, 50000)
	if _, err := l.Load(); err != nil {
		t.Fatal(err)
	}
	if err := l.Open("AAPL", 10, 150, 0, 0, now); err != nil {
		t.Fatal(err)
	}
	v1 := l.Snapshot().Version

	l2 := New(ModeSwing, path, 50000)
	if _, err := l2.Load(); err != nil {
		t.Fatal(err)
	}
	snap := l2.Snapshot()
	if snap.Positions["AAPL"].Qty != 10 {
		t.Errorf("reloaded qty = %d, want 10", snap.Positions["AAPL"].Qty)
	}
	if snap.Version < v1 {
		t.Errorf("version went backwards: %d < %d", snap.Version, v1)
	}
}

func TestCorruptStateQuarantined(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	corrupt := []byte("{not valid json")
	if err := os.WriteFile(path, corrupt, 0o644); err != nil {
		t.Fatal(err)
	}

	l := New(ModeIntraday, path, 100000)
	quarantined, err := l.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if quarantined == "" {
		t.Fatal("expected quarantine path")
	}
	if !strings.Contains(quarantined, ".corrupt-") {
		t.Errorf("quarantine path = %q, want .corrupt- suffix", quarantined)
	}
	// corrupt bytes preserved
	got, err := os.ReadFile(quarantined)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(corrupt) {
		t.Error("quarantined file does not preserve original bytes")
	}
	// fresh defaults persisted
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var st map[string]any
	if err := json.Unmarshal(b, &st); err != nil {
		t.Fatalf("fresh state not valid json: %v", err)
	}
	if l.Snapshot().CashUSD != 100000 {
		t.Errorf("cash = %v, want default 100000", l.Snapshot().CashUSD)
	}
}

func TestTrailingStopTracksHighWater(t *testing.T) {
	l := newTestLedger(t, ModeSwing)
	if err := l.Open("AAPL", 10, 100, 0, 0, time.Now()); err != nil {
		t.Fatal(err)
	}
	l.Mark("AAPL", 120)
	l.Mark("AAPL", 110) // pullback must not lower the high water mark

	stop, ok := l.TrailingStop("AAPL", 8)
	if !ok {
		t.Fatal("expected trailing stop")
	}
	if math.Abs(stop-120*0.92) > 1e-9 {
		t.Errorf("trailing stop = %v, want %v", stop, 120*0.92)
	}
	if _, ok := l.TrailingStop("MSFT", 8); ok {
		t.Error("no position should mean no trailing stop")
	}
}

func TestEquityValuesMarks(t *testing.T) {
	l := newTestLedger(t, ModeIntraday)
	if err := l.Open("AAPL", 10, 100, 0, 0, time.Now()); err != nil {
		t.Fatal(err)
	}
	snap := l.Snapshot()
	eq := snap.Equity(map[string]float64{"AAPL": 105})
	want := (100000 - 1000) + 10*105.0
	if math.Abs(eq-want) > 1e-9 {
		t.Errorf("equity = %v, want %v", eq, want)
	}
}

func TestDailySummary(t *testing.T) {
	l := newTestLedger(t, ModeIntraday)
	now := time.Now()
	mustOpen := func(sym string, qty int, px float64) {
		t.Helper()
		if err := l.Open(sym, qty, px, 0, 0, now); err != nil {
			t.Fatal(err)
		}
	}
	mustOpen("A", 10, 100)
	mustOpen("B", 10, 100)
	mustOpen("C", 10, 100)
	if _, err := l.Close("A", 110, now); err != nil { // +100
		t.Fatal(err)
	}
	if _, err := l.Close("B", 95, now); err != nil { // -50
		t.Fatal(err)
	}
	if _, err := l.Close("C", 103, now); err != nil { // +30
		t.Fatal(err)
	}
	s := l.DailySummary()
	if s.Trades != 3 || s.Wins != 2 {
		t.Errorf("trades/wins = %d/%d, want 3/2", s.Trades, s.Wins)
	}
	if math.Abs(s.WinRate-2.0/3.0) > 1e-9 {
		t.Errorf("win rate = %v", s.WinRate)
	}
	if s.Best != 100 || s.Worst != -50 {
		t.Errorf("best/worst = %v/%v, want 100/-50", s.Best, s.Worst)
	}
}

func TestArchiveWritesDatedFile(t *testing.T) {
	l := newTestLedger(t, ModeIntraday)
	if err := l.Open("AAPL", 5, 100, 0, 0, time.Now()); err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	path, err := l.Archive(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(filepath.Base(path), "intraday_") {
		t.Errorf("archive name = %s, want intraday_<date>.json", filepath.Base(path))
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal(err)
	}
}
