// Package signal defines the signal matrix fed into conviction synthesis and
// the bounded alert buffer that decouples alert producers from trading cycles.
package signal

import (
	"context"
	"sort"
	"time"
)

// Signal is one scored observation for one instrument. Score is in [-1, 1]
// where +1 is maximally bullish. Value carries the raw indicator reading for
// the breakdown trail.
type Signal struct {
	Instrument string    `json:"instrument"`
	Name       string    `json:"name"`
	Value      float64   `json:"value"`
	Score      float64   `json:"score"`
	AsOf       time.Time `json:"as_of"`
}

// Matrix groups signals by instrument for one evaluation pass.
type Matrix struct {
	Regime  string
	AsOf    time.Time
	byInstr map[string][]Signal
}

func NewMatrix(regime string, asOf time.Time) *Matrix {
	return &Matrix{Regime: regime, AsOf: asOf, byInstr: map[string][]Signal{}}
}

func (m *Matrix) Add(s Signal) {
	m.byInstr[s.Instrument] = append(m.byInstr[s.Instrument], s)
}

// For returns the signals for one instrument, nil when none arrived.
func (m *Matrix) For(instrument string) []Signal {
	return m.byInstr[instrument]
}

// Instruments returns the instruments present in the matrix, sorted for
// deterministic iteration.
func (m *Matrix) Instruments() []string {
	out := make([]string, 0, len(m.byInstr))
	for k := range m.byInstr {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Source supplies the signal matrix for a universe. Implementations wrap
// whatever upstream computes indicators; tests use fixtures.
type Source interface {
	Signals(ctx context.Context, universe []string) (*Matrix, error)
}

// RegimeSource classifies the current market regime
// (bull, bear, sideways, volatile).
type RegimeSource interface {
	Regime(ctx context.Context) (string, error)
}

// TimingSource supplies the intraday timing score in [-1, 1] for one
// instrument, blended with the daily score in intraday mode.
type TimingSource interface {
	TimingScore(ctx context.Context, instrument string) (float64, error)
}

// QuoteSource supplies last trade prices. Instruments without a quote are
// absent from the map, not zero.
type QuoteSource interface {
	Quotes(ctx context.Context, instruments []string) (map[string]float64, error)
}
