// Package conviction synthesizes per-instrument conviction scores from a
// signal matrix using regime-adapted weights. Pure computation, no I/O.
package conviction

import (
	"math"
	"sort"

	"github.com/asengupta/trading-engine/internal/config"
	"github.com/asengupta/trading-engine/internal/signal"
)

// Weight applied to signal names absent from the regime table.
const defaultSignalWeight = 0.1

// Component is one signal's contribution to a score.
type Component struct {
	Name   string  `json:"name"`
	Score  float64 `json:"score"`
	Weight float64 `json:"weight"`
}

// Score is a synthesized conviction in [-1, 1] with its breakdown.
type Score struct {
	Instrument string      `json:"instrument"`
	Value      float64     `json:"value"`
	Regime     string      `json:"regime"`
	Components []Component `json:"components"`
}

// TimingAction classifies the intraday entry/exit stance.
type TimingAction string

const (
	TimingEnterNow TimingAction = "enter_now"
	TimingWait     TimingAction = "wait"
	TimingExitNow  TimingAction = "exit_now"
	TimingHold     TimingAction = "hold"
)

// IntradayScore pairs the blended score with its timing classification.
type IntradayScore struct {
	Score
	Daily  float64      `json:"daily"`
	Timing float64      `json:"timing"`
	Action TimingAction `json:"action"`
}

// Synthesizer computes conviction from signals and a weight table.
type Synthesizer struct {
	weights config.WeightTable
}

func New(weights config.WeightTable) *Synthesizer {
	return &Synthesizer{weights: weights}
}

// Swing computes the daily conviction for one instrument. Weights come from
// the regime table; signals the table does not name get the default weight.
// Missing signals never deflate the score: the weighted sum divides by the
// total weight of signals actually present.
func (s *Synthesizer) Swing(regime string, sigs []signal.Signal) Score {
	w := s.weights.ForRegime(regime)
	return synthesize(regime, sigs, w)
}

// Intraday blends the daily conviction with an intraday timing score:
// W_d*daily + W_t*timing, W_d+W_t normalized to 1. The split comes from the
// regime's blend entry when the table has one.
func (s *Synthesizer) Intraday(regime string, instrument string, daily float64, timingScore float64) IntradayScore {
	wd, wt := s.weights.BlendForRegime(regime)
	if sum := wd + wt; sum > 0 && math.Abs(sum-1) > 1e-9 {
		wd, wt = wd/sum, wt/sum
	}
	combined := clamp(daily*wd + timingScore*wt)
	out := IntradayScore{
		Score: Score{
			Instrument: instrument,
			Value:      combined,
			Regime:     regime,
			Components: []Component{
				{Name: "daily", Score: daily, Weight: wd},
				{Name: "timing", Score: timingScore, Weight: wt},
			},
		},
		Daily:  daily,
		Timing: timingScore,
	}
	out.Action = classifyTiming(daily, timingScore)
	return out
}

func classifyTiming(daily, timing float64) TimingAction {
	switch {
	case daily > 0.25 && timing > 0.2:
		return TimingEnterNow
	case daily > 0.25 && timing < -0.2:
		return TimingWait
	case daily < -0.1 && timing < -0.3:
		return TimingExitNow
	default:
		return TimingHold
	}
}

func synthesize(regime string, sigs []signal.Signal, weights config.RegimeWeights) Score {
	out := Score{Regime: regime}
	if len(sigs) == 0 {
		return out
	}
	out.Instrument = sigs[0].Instrument

	var weighted, total float64
	for _, sg := range sigs {
		w, ok := weights[sg.Name]
		if !ok {
			w = defaultSignalWeight
		}
		weighted += sg.Score * w
		total += w
		out.Components = append(out.Components, Component{Name: sg.Name, Score: sg.Score, Weight: w})
	}
	if total > 0 {
		out.Value = clamp(weighted / total)
	}
	sort.Slice(out.Components, func(i, j int) bool {
		return out.Components[i].Name < out.Components[j].Name
	})
	return out
}

func clamp(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
