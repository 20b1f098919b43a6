package risk

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// State is the persisted risk ledger: daily P&L, the running equity
// high-water mark, and the halt flag.
type State struct {
	Version       int64     `json:"version"`
	UpdatedAt     string    `json:"updated_at"`
	Date          string    `json:"date"` // YYYY-MM-DD for daily counters
	RealizedToday float64   `json:"realized_today"`
	EquityHWM     float64   `json:"equity_hwm"`
	DrawdownPct   float64   `json:"drawdown_pct"` // current drawdown from HWM, percent
	Halted        HaltState `json:"halted"`
	HaltReason    string    `json:"halt_reason,omitempty"`
	HaltedAt      string    `json:"halted_at,omitempty"`
}

// HaltEvent is one line in the append-only halt event log.
type HaltEvent struct {
	Timestamp string    `json:"timestamp"`
	From      HaltState `json:"from"`
	To        HaltState `json:"to"`
	Reason    string    `json:"reason"`
	Equity    float64   `json:"equity,omitempty"`
	Drawdown  float64   `json:"drawdown_pct,omitempty"`
}

func defaultState(now time.Time) State {
	return State{
		Date:   now.UTC().Format("2006-01-02"),
		Halted: HaltNone,
	}
}

// loadState reads persisted risk state. A file that fails to parse is
// quarantined the same way a corrupt ledger is: renamed aside with a
// timestamp so the bytes survive for inspection, and the state restarts
// from defaults. The returned path is non-empty iff a quarantine happened.
func loadState(path string, now time.Time) (st State, quarantined string, err error) {
	st = defaultState(now)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return st, "", nil
		}
		return st, "", fmt.Errorf("read risk state: %w", err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		q := fmt.Sprintf("%s.corrupt-%s", path, now.UTC().Format("20060102T150405Z"))
		if renameErr := os.Rename(path, q); renameErr != nil {
			return st, "", fmt.Errorf("quarantine corrupt risk state: %w", renameErr)
		}
		return defaultState(now), q, nil
	}
	return st, "", nil
}

func saveState(path string, st *State) error {
	st.Version++
	st.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	if path == "" {
		return nil // in-memory only (virtual books)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal risk state: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create risk state dir: %w", err)
		}
	}
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp risk state: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename risk state: %w", err)
	}
	return nil
}

func appendEvent(path string, ev HaltEvent) error {
	if path == "" {
		return nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open halt event log: %w", err)
	}
	defer f.Close()
	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append halt event: %w", err)
	}
	return nil
}
