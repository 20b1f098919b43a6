package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/asengupta/trading-engine/internal/signal"
)

// feedFile is the fixture/feed format consumed by the CLI. A scheduled
// upstream job (indicator pipeline, scanner) rewrites this file before each
// cycle; tests and dry runs check in static copies.
type feedFile struct {
	Regime  string             `json:"regime"`
	AsOfUTC string             `json:"as_of_utc"`
	Signals []struct {
		Instrument string  `json:"instrument"`
		Name       string  `json:"name"`
		Value      float64 `json:"value"`
		Score      float64 `json:"score"`
	} `json:"signals"`
	Timing map[string]float64 `json:"timing"`
	Quotes map[string]float64 `json:"quotes"`
	Alerts []struct {
		Instrument string  `json:"instrument"`
		Direction  string  `json:"direction"`
		Confidence float64 `json:"confidence"`
		Headline   string  `json:"headline"`
	} `json:"alerts"`
}

// fileFeed serves signals, regime, timing, and quotes from one JSON file.
// It re-reads the file on every call so a cycle always sees the latest
// upstream write.
type fileFeed struct {
	path string
}

func newFileFeed(path string) *fileFeed { return &fileFeed{path: path} }

func (f *fileFeed) read() (feedFile, error) {
	var ff feedFile
	b, err := os.ReadFile(f.path)
	if err != nil {
		return ff, fmt.Errorf("read feed %s: %w", f.path, err)
	}
	if err := json.Unmarshal(b, &ff); err != nil {
		return ff, fmt.Errorf("parse feed %s: %w", f.path, err)
	}
	return ff, nil
}

func (f *fileFeed) Signals(_ context.Context, universe []string) (*signal.Matrix, error) {
	ff, err := f.read()
	if err != nil {
		return nil, err
	}
	asOf := time.Now().UTC()
	if t, err := time.Parse(time.RFC3339, ff.AsOfUTC); err == nil {
		asOf = t
	}
	wanted := map[string]bool{}
	for _, u := range universe {
		wanted[u] = true
	}
	m := signal.NewMatrix(ff.Regime, asOf)
	for _, s := range ff.Signals {
		if !wanted[s.Instrument] {
			continue
		}
		m.Add(signal.Signal{
			Instrument: s.Instrument,
			Name:       s.Name,
			Value:      s.Value,
			Score:      s.Score,
			AsOf:       asOf,
		})
	}
	return m, nil
}

func (f *fileFeed) Regime(context.Context) (string, error) {
	ff, err := f.read()
	if err != nil {
		return "", err
	}
	return ff.Regime, nil
}

func (f *fileFeed) TimingScore(_ context.Context, instrument string) (float64, error) {
	ff, err := f.read()
	if err != nil {
		return 0, err
	}
	return ff.Timing[instrument], nil
}

func (f *fileFeed) Quotes(_ context.Context, instruments []string) (map[string]float64, error) {
	ff, err := f.read()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(instruments))
	for _, instr := range instruments {
		if px, ok := ff.Quotes[instr]; ok {
			out[instr] = px
		}
	}
	return out, nil
}

// publishAlerts pushes the feed file's classified alerts into the bounded
// buffer so the next cycle drains them.
func (f *fileFeed) publishAlerts(buf *signal.Buffer) {
	ff, err := f.read()
	if err != nil {
		return
	}
	for _, a := range ff.Alerts {
		buf.Publish(signal.Alert{
			Instrument: a.Instrument,
			Direction:  signal.Direction(a.Direction),
			Confidence: a.Confidence,
			Headline:   a.Headline,
			At:         time.Now().UTC(),
		})
	}
}
