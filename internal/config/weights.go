package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// RegimeWeights maps signal type -> blend weight for one market regime.
type RegimeWeights map[string]float64

// Blend is the daily/timing split used when combining a daily score with an
// intraday timing score.
type Blend struct {
	Daily  float64 `yaml:"daily"`
	Timing float64 `yaml:"timing"`
}

// WeightTable holds per-regime signal weights plus the daily/timing split.
// The split is tunable per regime; DailyWeight/TimingWeight are the global
// pair for regimes without an entry in Blends.
type WeightTable struct {
	Regimes      map[string]RegimeWeights `yaml:"regimes"`
	Blends       map[string]Blend         `yaml:"blends"`
	DailyWeight  float64                  `yaml:"daily_weight"`
	TimingWeight float64                  `yaml:"timing_weight"`
}

// DefaultWeightTable returns the built-in regime weight tables. Used when no
// weights file exists and as the fallback for regimes the file omits.
func DefaultWeightTable() WeightTable {
	return WeightTable{
		DailyWeight:  0.6,
		TimingWeight: 0.4,
		Regimes: map[string]RegimeWeights{
			"bull": {
				"RSI_14":               0.15,
				"MACD_12_26_9":         0.30,
				"BBANDS_20_2":          0.10,
				"SMA_50_200":           0.30,
				"VOLUME_ANOMALY":       0.15,
				"momentum_12_1":        0.30,
				"mean_reversion_bb_rsi": 0.05,
				"news_sentiment":       0.10,
			},
			"bear": {
				"RSI_14":               0.25,
				"MACD_12_26_9":         0.15,
				"BBANDS_20_2":          0.25,
				"SMA_50_200":           0.10,
				"VOLUME_ANOMALY":       0.10,
				"momentum_12_1":        0.05,
				"mean_reversion_bb_rsi": 0.30,
				"news_sentiment":       0.15,
			},
			"sideways": {
				"RSI_14":               0.20,
				"MACD_12_26_9":         0.20,
				"BBANDS_20_2":          0.20,
				"SMA_50_200":           0.20,
				"VOLUME_ANOMALY":       0.15,
				"momentum_12_1":        0.15,
				"mean_reversion_bb_rsi": 0.15,
				"news_sentiment":       0.10,
			},
			// Volatile leans on mean reversion and volume, discounts trend.
			"volatile": {
				"RSI_14":               0.25,
				"MACD_12_26_9":         0.10,
				"BBANDS_20_2":          0.25,
				"SMA_50_200":           0.05,
				"VOLUME_ANOMALY":       0.20,
				"momentum_12_1":        0.05,
				"mean_reversion_bb_rsi": 0.30,
				"news_sentiment":       0.10,
			},
		},
	}
}

// BlendForRegime returns the daily/timing split for a regime, falling back
// to the global pair for regimes without their own.
func (t WeightTable) BlendForRegime(regime string) (daily, timing float64) {
	if b, ok := t.Blends[regime]; ok && b.Daily > 0 && b.Timing > 0 {
		return b.Daily, b.Timing
	}
	return t.DailyWeight, t.TimingWeight
}

// ForRegime returns the weight map for a regime, falling back to "sideways"
// and then to the built-in defaults for unknown regimes.
func (t WeightTable) ForRegime(regime string) RegimeWeights {
	if w, ok := t.Regimes[regime]; ok && len(w) > 0 {
		return w
	}
	if w, ok := t.Regimes["sideways"]; ok && len(w) > 0 {
		return w
	}
	return DefaultWeightTable().Regimes["sideways"]
}

// WeightProvider serves the current weight table and hot-reloads it when the
// backing file changes. Safe for concurrent readers.
type WeightProvider struct {
	path string

	mu      sync.RWMutex
	table   WeightTable
	loaded  time.Time
	watcher *fsnotify.Watcher
	onSwap  func(WeightTable)
}

// NewWeightProvider loads the table from path (defaults when the file is
// missing) and starts watching the containing directory for rewrites.
// Editors and atomic writers replace the file rather than write in place, so
// the watch is on the directory, not the file.
func NewWeightProvider(path string) (*WeightProvider, error) {
	p := &WeightProvider{path: path, table: DefaultWeightTable()}
	if err := p.reload(); err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("weights watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	p.watcher = w
	go p.watch()
	return p, nil
}

// OnSwap registers a callback invoked after each successful reload.
func (p *WeightProvider) OnSwap(fn func(WeightTable)) {
	p.mu.Lock()
	p.onSwap = fn
	p.mu.Unlock()
}

// Table returns the current weight table.
func (p *WeightProvider) Table() WeightTable {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.table
}

// Close stops the background watcher.
func (p *WeightProvider) Close() error {
	if p.watcher != nil {
		return p.watcher.Close()
	}
	return nil
}

func (p *WeightProvider) watch() {
	for {
		select {
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != filepath.Base(p.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := p.reload(); err != nil {
				// Keep serving the last good table on a bad rewrite.
				continue
			}
			p.mu.RLock()
			fn, tbl := p.onSwap, p.table
			p.mu.RUnlock()
			if fn != nil {
				fn(tbl)
			}
		case _, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (p *WeightProvider) reload() error {
	b, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // defaults stand
		}
		return err
	}
	var t WeightTable
	if err := yaml.Unmarshal(b, &t); err != nil {
		return fmt.Errorf("parse %s: %w", p.path, err)
	}
	def := DefaultWeightTable()
	if t.DailyWeight <= 0 || t.TimingWeight <= 0 {
		t.DailyWeight, t.TimingWeight = def.DailyWeight, def.TimingWeight
	}
	if len(t.Regimes) == 0 {
		t.Regimes = def.Regimes
	} else {
		for name, w := range def.Regimes {
			if _, ok := t.Regimes[name]; !ok {
				t.Regimes[name] = w
			}
		}
	}
	p.mu.Lock()
	p.table = t
	p.loaded = time.Now()
	p.mu.Unlock()
	return nil
}
