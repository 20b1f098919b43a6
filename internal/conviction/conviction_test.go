package conviction

import (
	"math"
	"testing"

	"github.com/asengupta/trading-engine/internal/config"
	"github.com/asengupta/trading-engine/internal/signal"
)

func sig(name string, score float64) signal.Signal {
	return signal.Signal{Instrument: "AAPL", Name: name, Score: score}
}

func TestSwingWeightedSynthesis(t *testing.T) {
	syn := New(config.WeightTable{
		Regimes: map[string]config.RegimeWeights{
			"bull": {"RSI_14": 0.2, "MACD_12_26_9": 0.3, "SMA_50_200": 0.5},
		},
	})

	tests := []struct {
		name string
		sigs []signal.Signal
		want float64
	}{
		{
			name: "all signals present",
			sigs: []signal.Signal{sig("RSI_14", 1.0), sig("MACD_12_26_9", 0.5), sig("SMA_50_200", -0.2)},
			// (1*0.2 + 0.5*0.3 + -0.2*0.5) / 1.0
			want: 0.25,
		},
		{
			name: "missing signal renormalizes, never deflates",
			sigs: []signal.Signal{sig("RSI_14", 0.8), sig("MACD_12_26_9", 0.8)},
			// (0.8*0.2 + 0.8*0.3) / 0.5 = 0.8, not 0.4
			want: 0.8,
		},
		{
			name: "lone signal scores its raw value",
			sigs: []signal.Signal{sig("SMA_50_200", -0.6)},
			want: -0.6,
		},
		{
			name: "unknown signal gets default weight",
			sigs: []signal.Signal{sig("CUSTOM_FACTOR", 1.0)},
			want: 1.0, // 1.0*0.1 / 0.1
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := syn.Swing("bull", tc.sigs)
			if math.Abs(got.Value-tc.want) > 1e-9 {
				t.Errorf("value = %v, want %v", got.Value, tc.want)
			}
			if len(got.Components) != len(tc.sigs) {
				t.Errorf("components = %d, want %d", len(got.Components), len(tc.sigs))
			}
		})
	}
}

func TestSwingEmptySignals(t *testing.T) {
	syn := New(config.DefaultWeightTable())
	got := syn.Swing("bear", nil)
	if got.Value != 0 {
		t.Errorf("value = %v, want 0", got.Value)
	}
}

func TestSwingClampsToUnitInterval(t *testing.T) {
	syn := New(config.WeightTable{
		Regimes: map[string]config.RegimeWeights{"bull": {"A": 1.0}},
	})
	got := syn.Swing("bull", []signal.Signal{sig("A", 3.5)})
	if got.Value != 1.0 {
		t.Errorf("value = %v, want clamp at 1.0", got.Value)
	}
	got = syn.Swing("bull", []signal.Signal{sig("A", -3.5)})
	if got.Value != -1.0 {
		t.Errorf("value = %v, want clamp at -1.0", got.Value)
	}
}

func TestIntradayBlend(t *testing.T) {
	syn := New(config.WeightTable{DailyWeight: 0.6, TimingWeight: 0.4})

	got := syn.Intraday("sideways", "NVDA", 0.5, 0.25)
	want := 0.5*0.6 + 0.25*0.4
	if math.Abs(got.Value-want) > 1e-9 {
		t.Errorf("combined = %v, want %v", got.Value, want)
	}
	if got.Action != TimingEnterNow {
		t.Errorf("action = %s, want enter_now", got.Action)
	}
}

func TestIntradayBlendPerRegime(t *testing.T) {
	syn := New(config.WeightTable{
		DailyWeight:  0.6,
		TimingWeight: 0.4,
		Blends: map[string]config.Blend{
			"volatile": {Daily: 0.5, Timing: 0.5},
		},
	})

	// volatile uses its own split
	got := syn.Intraday("volatile", "AAPL", 0.8, 0.2)
	if want := 0.8*0.5 + 0.2*0.5; math.Abs(got.Value-want) > 1e-9 {
		t.Errorf("volatile combined = %v, want %v", got.Value, want)
	}
	// regimes without a blend entry fall back to the global pair
	got = syn.Intraday("bull", "AAPL", 0.8, 0.2)
	if want := 0.8*0.6 + 0.2*0.4; math.Abs(got.Value-want) > 1e-9 {
		t.Errorf("bull combined = %v, want %v", got.Value, want)
	}
}

func TestIntradayBlendNormalizesSplit(t *testing.T) {
	// 1.2/0.8 should behave as 0.6/0.4
	syn := New(config.WeightTable{DailyWeight: 1.2, TimingWeight: 0.8})
	got := syn.Intraday("bull", "AAPL", 1.0, 0.0)
	if math.Abs(got.Value-0.6) > 1e-9 {
		t.Errorf("combined = %v, want 0.6", got.Value)
	}
}

func TestTimingClassification(t *testing.T) {
	tests := []struct {
		daily, timing float64
		want          TimingAction
	}{
		{0.5, 0.3, TimingEnterNow},
		{0.5, -0.3, TimingWait},
		{-0.2, -0.4, TimingExitNow},
		{0.1, 0.1, TimingHold},
		{-0.05, 0.0, TimingHold},
	}
	syn := New(config.WeightTable{DailyWeight: 0.6, TimingWeight: 0.4})
	for _, tc := range tests {
		got := syn.Intraday("bull", "X", tc.daily, tc.timing)
		if got.Action != tc.want {
			t.Errorf("daily=%v timing=%v: action = %s, want %s", tc.daily, tc.timing, got.Action, tc.want)
		}
	}
}
