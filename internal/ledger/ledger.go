// Package ledger is the single writer for position books. Each trading mode
// (swing, intraday) gets its own Ledger backed by an atomically persisted
// JSON file. Risk checks read a consistent Snapshot taken at cycle start;
// mutations happen one at a time under the ledger lock.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type Mode string

const (
	ModeSwing    Mode = "swing"
	ModeIntraday Mode = "intraday"
)

// Position is one open holding. Qty is signed: negative means short.
type Position struct {
	Instrument string    `json:"instrument"`
	Mode       Mode      `json:"mode"`
	Qty        int       `json:"qty"`
	AvgEntry   float64   `json:"avg_entry"`
	Stop       float64   `json:"stop,omitempty"`
	Target     float64   `json:"target,omitempty"`
	HighWater  float64   `json:"high_water"` // highest mark since entry
	LastMark   float64   `json:"last_mark"`
	OpenedAt   time.Time `json:"opened_at"`
}

// TradeResult records a realized round trip for daily summaries.
type TradeResult struct {
	Instrument string    `json:"instrument"`
	Qty        int       `json:"qty"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	PnL        float64   `json:"pnl"`
	ClosedAt   time.Time `json:"closed_at"`
}

type state struct {
	Version       int64               `json:"version"` // monotonic, bumped on every save
	UpdatedAt     string              `json:"updated_at"`
	Mode          Mode                `json:"mode"`
	Date          string              `json:"date"` // YYYY-MM-DD of the daily counters
	CashUSD       float64             `json:"cash_usd"`
	RealizedPnL   float64             `json:"realized_pnl"`
	RealizedToday float64             `json:"realized_today"`
	Positions     map[string]Position `json:"positions"`
	ClosedToday   []TradeResult       `json:"closed_today"`
}

// Ledger owns one mode's book. All exported methods are safe for concurrent
// use; writes persist before returning.
type Ledger struct {
	mu       sync.RWMutex
	filePath string
	st       state
}

func New(mode Mode, filePath string, startingCashUSD float64) *Ledger {
	return &Ledger{
		filePath: filePath,
		st: state{
			Mode:      mode,
			Date:      time.Now().UTC().Format("2006-01-02"),
			CashUSD:   startingCashUSD,
			Positions: map[string]Position{},
		},
	}
}

// Load reads persisted state. A missing file persists the defaults. A file
// that fails to parse is quarantined: renamed aside with a timestamp so the
// bytes survive for inspection, and the ledger restarts from defaults. The
// returned path is non-empty iff a quarantine happened; the caller must
// raise an operational alert for it.
func (l *Ledger) Load() (quarantined string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", l.saveUnsafe()
		}
		return "", fmt.Errorf("read ledger state: %w", err)
	}

	var loaded state
	if err := json.Unmarshal(data, &loaded); err != nil {
		q := fmt.Sprintf("%s.corrupt-%s", l.filePath, time.Now().UTC().Format("20060102T150405Z"))
		if renameErr := os.Rename(l.filePath, q); renameErr != nil {
			return "", fmt.Errorf("quarantine corrupt ledger state: %w", renameErr)
		}
		if saveErr := l.saveUnsafe(); saveErr != nil {
			return q, saveErr
		}
		return q, nil
	}
	if loaded.Positions == nil {
		loaded.Positions = map[string]Position{}
	}
	l.st = loaded
	l.rolloverUnsafe(time.Now().UTC())
	return "", nil
}

func (l *Ledger) saveUnsafe() error {
	l.st.Version++
	l.st.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

	data, err := json.MarshalIndent(l.st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger state: %w", err)
	}
	if dir := filepath.Dir(l.filePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create ledger dir: %w", err)
		}
	}
	tempPath := l.filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp ledger state: %w", err)
	}
	if err := os.Rename(tempPath, l.filePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename ledger state: %w", err)
	}
	return nil
}

func (l *Ledger) rolloverUnsafe(now time.Time) {
	today := now.Format("2006-01-02")
	if l.st.Date == today {
		return
	}
	l.st.Date = today
	l.st.RealizedToday = 0
	l.st.ClosedToday = nil
}

// Open creates a new position. In intraday mode at most one open position
// per instrument is allowed; adding to an existing instrument is an error.
// In swing mode Open on an existing instrument accumulates with an averaged
// entry price. Buys consume cash at qty*price.
func (l *Ledger) Open(instrument string, qty int, price float64, stop, target float64, at time.Time) error {
	if qty == 0 {
		return fmt.Errorf("open %s: zero quantity", instrument)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverUnsafe(at.UTC())

	pos, exists := l.st.Positions[instrument]
	if exists {
		if l.st.Mode == ModeIntraday {
			return fmt.Errorf("open %s: intraday position already open", instrument)
		}
		if (pos.Qty > 0) != (qty > 0) {
			return fmt.Errorf("open %s: direction conflicts with existing position, use Reduce", instrument)
		}
		totalCost := pos.AvgEntry*float64(pos.Qty) + price*float64(qty)
		pos.Qty += qty
		pos.AvgEntry = totalCost / float64(pos.Qty)
	} else {
		pos = Position{
			Instrument: instrument,
			Mode:       l.st.Mode,
			Qty:        qty,
			AvgEntry:   price,
			Stop:       stop,
			Target:     target,
			HighWater:  price,
			LastMark:   price,
			OpenedAt:   at.UTC(),
		}
	}
	l.st.CashUSD -= float64(qty) * price
	l.st.Positions[instrument] = pos
	return l.saveUnsafe()
}

// ApplyBuyFill books a buy fill, possibly one increment of a partially
// filled order. Unlike Open it never rejects an existing intraday position:
// pieces of the same order accumulate with an averaged entry. The
// one-position-per-instrument rule for intraday is enforced where orders
// originate, not here.
func (l *Ledger) ApplyBuyFill(instrument string, qty int, price, stop, target float64, at time.Time) error {
	if qty <= 0 {
		return fmt.Errorf("fill %s: quantity must be positive", instrument)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverUnsafe(at.UTC())

	pos, exists := l.st.Positions[instrument]
	if exists {
		if pos.Qty < 0 {
			return fmt.Errorf("fill %s: direction conflicts with existing short", instrument)
		}
		totalCost := pos.AvgEntry*float64(pos.Qty) + price*float64(qty)
		pos.Qty += qty
		pos.AvgEntry = totalCost / float64(pos.Qty)
	} else {
		pos = Position{
			Instrument: instrument,
			Mode:       l.st.Mode,
			Qty:        qty,
			AvgEntry:   price,
			Stop:       stop,
			Target:     target,
			HighWater:  price,
			LastMark:   price,
			OpenedAt:   at.UTC(),
		}
	}
	l.st.CashUSD -= float64(qty) * price
	l.st.Positions[instrument] = pos
	return l.saveUnsafe()
}

// Reduce sells qty (positive) out of a long position, realizing P&L. A qty
// at or above the position size closes it. Returns the realized P&L.
func (l *Ledger) Reduce(instrument string, qty int, price float64, at time.Time) (float64, error) {
	if qty <= 0 {
		return 0, fmt.Errorf("reduce %s: quantity must be positive", instrument)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverUnsafe(at.UTC())

	pos, exists := l.st.Positions[instrument]
	if !exists {
		return 0, fmt.Errorf("reduce %s: no open position", instrument)
	}
	if qty > pos.Qty {
		qty = pos.Qty
	}

	realized := float64(qty) * (price - pos.AvgEntry)
	l.st.CashUSD += float64(qty) * price
	l.st.RealizedPnL += realized
	l.st.RealizedToday += realized

	pos.Qty -= qty
	if pos.Qty == 0 {
		l.st.ClosedToday = append(l.st.ClosedToday, TradeResult{
			Instrument: instrument,
			Qty:        qty,
			EntryPrice: pos.AvgEntry,
			ExitPrice:  price,
			PnL:        realized,
			ClosedAt:   at.UTC(),
		})
		delete(l.st.Positions, instrument)
	} else {
		l.st.Positions[instrument] = pos
	}
	if err := l.saveUnsafe(); err != nil {
		return realized, err
	}
	return realized, nil
}

// Close fully closes a position at price.
func (l *Ledger) Close(instrument string, price float64, at time.Time) (float64, error) {
	l.mu.RLock()
	pos, exists := l.st.Positions[instrument]
	l.mu.RUnlock()
	if !exists {
		return 0, fmt.Errorf("close %s: no open position", instrument)
	}
	return l.Reduce(instrument, pos.Qty, price, at)
}

// Mark records the latest price for a position, maintaining the high-water
// mark used for trailing stops.
func (l *Ledger) Mark(instrument string, price float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, exists := l.st.Positions[instrument]
	if !exists {
		return
	}
	pos.LastMark = price
	if price > pos.HighWater {
		pos.HighWater = price
	}
	l.st.Positions[instrument] = pos
}

// TrailingStop returns the trailing stop price for a position: the high
// water mark discounted by pct percent. ok is false when no position exists.
func (l *Ledger) TrailingStop(instrument string, pct float64) (stop float64, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, exists := l.st.Positions[instrument]
	if !exists {
		return 0, false
	}
	return pos.HighWater * (1 - pct/100), true
}

// Snapshot is an immutable view of the book for one cycle.
type Snapshot struct {
	Mode          Mode
	Date          string
	Version       int64
	CashUSD       float64
	RealizedPnL   float64
	RealizedToday float64
	Positions     map[string]Position
	ClosedToday   []TradeResult
}

// Snapshot returns a deep copy; safe to read while the ledger keeps moving.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	positions := make(map[string]Position, len(l.st.Positions))
	for k, v := range l.st.Positions {
		positions[k] = v
	}
	closed := make([]TradeResult, len(l.st.ClosedToday))
	copy(closed, l.st.ClosedToday)
	return Snapshot{
		Mode:          l.st.Mode,
		Date:          l.st.Date,
		Version:       l.st.Version,
		CashUSD:       l.st.CashUSD,
		RealizedPnL:   l.st.RealizedPnL,
		RealizedToday: l.st.RealizedToday,
		Positions:     positions,
		ClosedToday:   closed,
	}
}

// OpenCount reports how many positions are open.
func (s Snapshot) OpenCount() int { return len(s.Positions) }

// Equity values the book at the given marks, falling back to each
// position's last mark for instruments without a quote.
func (s Snapshot) Equity(marks map[string]float64) float64 {
	total := s.CashUSD
	for instr, pos := range s.Positions {
		px, ok := marks[instr]
		if !ok {
			px = pos.LastMark
		}
		total += float64(pos.Qty) * px
	}
	return total
}

// Archive writes the current state to dir/<mode>_<date>.json. Called when a
// trading day settles so history survives the next day's rollover.
func (l *Ledger) Archive(dir string) (string, error) {
	l.mu.RLock()
	data, err := json.MarshalIndent(l.st, "", "  ")
	date := l.st.Date
	mode := l.st.Mode
	l.mu.RUnlock()
	if err != nil {
		return "", fmt.Errorf("marshal archive: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create history dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.json", mode, date))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write archive: %w", err)
	}
	return path, nil
}

// DailySummary aggregates today's closed trades.
type DailySummary struct {
	Date       string  `json:"date"`
	Trades     int     `json:"trades"`
	Wins       int     `json:"wins"`
	WinRate    float64 `json:"win_rate"`
	RealizedPL float64 `json:"realized_pnl"`
	Best       float64 `json:"best_trade"`
	Worst      float64 `json:"worst_trade"`
}

func (l *Ledger) DailySummary() DailySummary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := DailySummary{Date: l.st.Date, RealizedPL: l.st.RealizedToday}
	for i, tr := range l.st.ClosedToday {
		out.Trades++
		if tr.PnL > 0 {
			out.Wins++
		}
		if i == 0 || tr.PnL > out.Best {
			out.Best = tr.PnL
		}
		if i == 0 || tr.PnL < out.Worst {
			out.Worst = tr.PnL
		}
	}
	if out.Trades > 0 {
		out.WinRate = float64(out.Wins) / float64(out.Trades)
	}
	return out
}
