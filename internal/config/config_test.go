package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlDoc := `
trading_mode: paper
base_usd: 50000
risk:
  max_daily_loss_pct: 2.0
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.BaseUSD != 50000 {
		t.Errorf("base_usd = %v, want 50000", c.BaseUSD)
	}
	if c.Risk.MaxDailyLossPct != 2.0 {
		t.Errorf("max_daily_loss_pct = %v, want 2.0 (explicit)", c.Risk.MaxDailyLossPct)
	}
	if c.Risk.MaxOpenIntraday != 5 {
		t.Errorf("max_open_intraday = %d, want default 5", c.Risk.MaxOpenIntraday)
	}
	if c.Risk.MinCashPct != 20.0 {
		t.Errorf("min_cash_pct = %v, want default 20", c.Risk.MinCashPct)
	}
	if c.Conviction.DailyWeight != 0.6 || c.Conviction.TimingWeight != 0.4 {
		t.Errorf("conviction split = %v/%v, want 0.6/0.4",
			c.Conviction.DailyWeight, c.Conviction.TimingWeight)
	}
	if c.ABTest.DivergenceDelta != 0.03 {
		t.Errorf("divergence_delta = %v, want 0.03", c.ABTest.DivergenceDelta)
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("risk: [not a map"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestWeightTableForRegime(t *testing.T) {
	tbl := DefaultWeightTable()
	cases := []struct {
		regime string
		signal string
		want   float64
	}{
		{"bull", "momentum_12_1", 0.30},
		{"bull", "mean_reversion_bb_rsi", 0.05},
		{"bear", "mean_reversion_bb_rsi", 0.30},
		{"bear", "momentum_12_1", 0.05},
		{"sideways", "RSI_14", 0.20},
		{"volatile", "SMA_50_200", 0.05},
		{"unknown-regime", "RSI_14", 0.20}, // falls back to sideways
	}
	for _, tc := range cases {
		t.Run(tc.regime+"/"+tc.signal, func(t *testing.T) {
			w := tbl.ForRegime(tc.regime)
			if got := w[tc.signal]; got != tc.want {
				t.Errorf("%s[%s] = %v, want %v", tc.regime, tc.signal, got, tc.want)
			}
		})
	}
}

func TestWeightProviderMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	p, err := NewWeightProvider(filepath.Join(dir, "weights.yaml"))
	if err != nil {
		t.Fatalf("NewWeightProvider: %v", err)
	}
	defer p.Close()
	got := p.Table()
	if got.DailyWeight != 0.6 {
		t.Errorf("daily_weight = %v, want 0.6", got.DailyWeight)
	}
	if len(got.Regimes) != 4 {
		t.Errorf("regimes = %d, want 4", len(got.Regimes))
	}
}

func TestWeightProviderReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weights.yaml")
	doc := `
daily_weight: 0.7
timing_weight: 0.3
regimes:
  bull:
    technical: 0.5
    momentum: 0.5
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := NewWeightProvider(path)
	if err != nil {
		t.Fatalf("NewWeightProvider: %v", err)
	}
	defer p.Close()
	tbl := p.Table()
	if tbl.DailyWeight != 0.7 {
		t.Errorf("daily_weight = %v, want 0.7", tbl.DailyWeight)
	}
	if tbl.Regimes["bull"]["technical"] != 0.5 {
		t.Errorf("bull/technical = %v, want 0.5", tbl.Regimes["bull"]["technical"])
	}
	// omitted regimes backfill from defaults
	if _, ok := tbl.Regimes["bear"]; !ok {
		t.Error("bear regime missing, want default backfill")
	}
}
