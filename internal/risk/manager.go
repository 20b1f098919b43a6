package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/asengupta/trading-engine/internal/config"
	"github.com/asengupta/trading-engine/internal/ledger"
	"github.com/asengupta/trading-engine/internal/observ"
)

// Manager owns the halt state machine and evaluates proposals. Evaluate
// never mutates state; only RecordFill, Resume, and date rollover do.
type Manager struct {
	mu          sync.Mutex
	cfg         config.Risk
	st          State
	now         func() time.Time
	quarantined string
}

func NewManager(cfg config.Risk) (*Manager, error) {
	m := &Manager{cfg: cfg, now: time.Now}
	st, quarantined, err := loadState(cfg.StateFilePath, m.now())
	if err != nil {
		return nil, err
	}
	m.st = st
	m.quarantined = quarantined
	if quarantined != "" {
		if err := saveState(cfg.StateFilePath, &m.st); err != nil {
			return nil, err
		}
		observ.Log("risk_state_quarantined", map[string]any{"path": quarantined})
	}
	m.rolloverUnsafe()
	return m, nil
}

// Quarantined returns the path corrupt state was moved aside to at startup,
// or "" when the load was clean. The caller must raise an operational alert
// for a non-empty path.
func (m *Manager) Quarantined() string { return m.quarantined }

// Evaluate runs the ordered risk checks against a point-in-time book
// snapshot and the cycle's equity figure. First failed check decides the
// reason code. Resizes cascade: a position-cap resize still has to clear
// the cash floor. Rejection has no side effects.
func (m *Manager) Evaluate(p Proposal, book ledger.Snapshot, equity float64) Decision {
	m.mu.Lock()
	m.rolloverUnsafe()
	halted := m.st.Halted
	haltReason := m.st.HaltReason
	m.mu.Unlock()

	d := m.evaluate(p, book, equity, halted, haltReason)
	observ.IncCounter("risk_decisions_total", map[string]string{
		"outcome": string(d.Outcome), "reason": d.Reason,
	})
	return d
}

func (m *Manager) evaluate(p Proposal, book ledger.Snapshot, equity float64, halted HaltState, haltReason string) Decision {
	// 1. Halt gate. Drawdown halt blocks everything; daily halt blocks
	// new exposure but lets closes through.
	if halted == HaltDrawdown {
		return rejected(ReasonHalted, "drawdown halt active: "+haltReason)
	}
	if p.Side != "buy" {
		return approved(p.Qty)
	}
	if halted == HaltDaily {
		return rejected(ReasonHalted, "daily halt active: "+haltReason)
	}
	if p.Qty <= 0 || p.Price <= 0 {
		return rejected(ReasonPositionCap, "non-positive quantity or price")
	}

	qty := p.Qty
	resizedBy := ""

	// 2. Per-position notional cap. Existing exposure counts; buys over
	// the cap are sized down, and a size-down to zero rejects.
	maxValue := equity * m.cfg.MaxPositionPct / 100
	var existing float64
	if pos, ok := book.Positions[p.Instrument]; ok {
		px := pos.LastMark
		if px == 0 {
			px = pos.AvgEntry
		}
		existing = float64(pos.Qty) * px
	}
	if existing+float64(qty)*p.Price > maxValue {
		allowed := maxValue - existing
		if allowed <= 0 {
			return rejected(ReasonPositionCap, fmt.Sprintf("%s already at max position size (%.1f%%)", p.Instrument, m.cfg.MaxPositionPct))
		}
		sized := int(allowed / p.Price)
		if sized <= 0 {
			return rejected(ReasonPositionCap, "position size too small after cap")
		}
		qty = sized
		resizedBy = ReasonPositionCap
	}

	// 3. Open-position count cap, per mode. Adding to an existing swing
	// position does not consume a slot.
	maxOpen := m.cfg.MaxOpenSwing
	if p.Mode == string(ledger.ModeIntraday) {
		maxOpen = m.cfg.MaxOpenIntraday
	}
	if _, held := book.Positions[p.Instrument]; !held && book.OpenCount() >= maxOpen {
		return rejected(ReasonCountCap, fmt.Sprintf("max open positions reached (%d/%d)", book.OpenCount(), maxOpen))
	}

	// 4. Cash reserve floor, re-checked on every buy.
	minCash := equity * m.cfg.MinCashPct / 100
	cashAfter := book.CashUSD - float64(qty)*p.Price
	if cashAfter < minCash {
		allowed := book.CashUSD - minCash
		if allowed <= 0 {
			return rejected(ReasonCashFloor, fmt.Sprintf("insufficient cash, %.0f%% reserve required", m.cfg.MinCashPct))
		}
		sized := int(allowed / p.Price)
		if sized <= 0 {
			return rejected(ReasonCashFloor, "insufficient cash after reserve")
		}
		qty = sized
		resizedBy = ReasonCashFloor
	}

	// 5. Sector exposure cap, when a sector map is configured.
	if m.cfg.MaxSectorExposurePct > 0 && len(m.cfg.SectorMap) > 0 {
		if sector, ok := m.cfg.SectorMap[p.Instrument]; ok {
			var sectorExposure float64
			for instr, pos := range book.Positions {
				if m.cfg.SectorMap[instr] == sector {
					px := pos.LastMark
					if px == 0 {
						px = pos.AvgEntry
					}
					sectorExposure += float64(pos.Qty) * px
				}
			}
			if sectorExposure+float64(qty)*p.Price > equity*m.cfg.MaxSectorExposurePct/100 {
				return rejected(ReasonSectorCap, fmt.Sprintf("sector %s over %.0f%% cap", sector, m.cfg.MaxSectorExposurePct))
			}
		}
	}

	// The reason names the last check that shrank the quantity; a cap
	// resize that then clears the floor untouched stays position_cap.
	if qty != p.Qty {
		return resized(qty, resizedBy, fmt.Sprintf("sized down from %d to %d", p.Qty, qty))
	}
	return approved(qty)
}

// RecordFill feeds a realized P&L delta and the post-fill equity back into
// the risk state. This is where halts trigger: a daily loss at or past the
// cap raises daily-halt, a drawdown from the equity high-water mark at or
// past its cap raises drawdown-halt. Returns the halt state after the fill.
func (m *Manager) RecordFill(realizedDelta float64, equity float64) (HaltState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverUnsafe()

	m.st.RealizedToday += realizedDelta
	if equity > m.st.EquityHWM {
		m.st.EquityHWM = equity
	}
	if m.st.EquityHWM > 0 {
		m.st.DrawdownPct = (m.st.EquityHWM - equity) / m.st.EquityHWM * 100
	}

	switch {
	case m.st.Halted == HaltNone && m.st.DrawdownPct >= m.cfg.MaxDrawdownPct:
		m.transitionUnsafe(HaltDrawdown, fmt.Sprintf("drawdown %.2f%% >= %.2f%% cap", m.st.DrawdownPct, m.cfg.MaxDrawdownPct), equity)
	case m.st.Halted == HaltNone && equity > 0 && m.st.RealizedToday <= -equity*m.cfg.MaxDailyLossPct/100:
		m.transitionUnsafe(HaltDaily, fmt.Sprintf("daily loss %.2f hit %.2f%% cap", m.st.RealizedToday, m.cfg.MaxDailyLossPct), equity)
	case m.st.Halted == HaltDaily && m.st.DrawdownPct >= m.cfg.MaxDrawdownPct:
		// Drawdown halt outranks an active daily halt.
		m.transitionUnsafe(HaltDrawdown, fmt.Sprintf("drawdown %.2f%% >= %.2f%% cap", m.st.DrawdownPct, m.cfg.MaxDrawdownPct), equity)
	}

	if err := saveState(m.cfg.StateFilePath, &m.st); err != nil {
		return m.st.Halted, err
	}
	return m.st.Halted, nil
}

// Resume clears a drawdown halt. It is the only way out of one; daily
// halts clear themselves at rollover and cannot be resumed manually.
func (m *Manager) Resume(operator string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st.Halted != HaltDrawdown {
		return fmt.Errorf("resume: not in drawdown halt (state=%s)", m.st.Halted)
	}
	m.transitionUnsafe(HaltNone, "manual resume by "+operator, 0)
	return saveState(m.cfg.StateFilePath, &m.st)
}

// Halted returns the current halt state after applying any pending
// date rollover.
func (m *Manager) Halted() HaltState {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverUnsafe()
	return m.st.Halted
}

// Snapshot returns a copy of the risk state.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverUnsafe()
	return m.st
}

func (m *Manager) rolloverUnsafe() {
	today := m.now().UTC().Format("2006-01-02")
	if m.st.Date == today {
		return
	}
	m.st.Date = today
	m.st.RealizedToday = 0
	if m.st.Halted == HaltDaily {
		m.transitionUnsafe(HaltNone, "date rollover", 0)
	}
	_ = saveState(m.cfg.StateFilePath, &m.st)
}

func (m *Manager) transitionUnsafe(to HaltState, reason string, equity float64) {
	from := m.st.Halted
	m.st.Halted = to
	m.st.HaltReason = ""
	m.st.HaltedAt = ""
	if to != HaltNone {
		m.st.HaltReason = reason
		m.st.HaltedAt = m.now().UTC().Format(time.RFC3339)
	}
	ev := HaltEvent{
		Timestamp: m.now().UTC().Format(time.RFC3339),
		From:      from,
		To:        to,
		Reason:    reason,
		Equity:    equity,
		Drawdown:  m.st.DrawdownPct,
	}
	if err := appendEvent(m.cfg.EventLogPath, ev); err != nil {
		observ.Log("halt_event_log_error", map[string]any{"error": err.Error()})
	}
	observ.IncCounter("risk_halt_transitions_total", map[string]string{
		"from": string(from), "to": string(to),
	})
	observ.Log("risk_halt_transition", map[string]any{
		"from": string(from), "to": string(to), "reason": reason,
	})
}

// SizeIntraday sizes an intraday entry: notional capped per position, then
// shrunk so a stop-out cannot exceed the remaining daily loss budget.
// Returns the quantity with its stop and target prices.
func (m *Manager) SizeIntraday(price float64, equity float64) (qty int, stop, target float64) {
	if price <= 0 {
		return 0, 0, 0
	}
	m.mu.Lock()
	realizedToday := m.st.RealizedToday
	m.mu.Unlock()

	maxValue := equity * m.cfg.MaxPositionPct / 100
	qty = int(maxValue / price)

	maxLoss := equity * m.cfg.MaxDailyLossPct / 100
	remaining := maxLoss + realizedToday // realized is negative when losing
	riskPerTrade := price * float64(qty) * m.cfg.StopLossPct / 100
	if riskPerTrade > remaining && remaining > 0 {
		qty = int(remaining / (price * m.cfg.StopLossPct / 100))
	}
	if qty < 0 {
		qty = 0
	}
	stop = price * (1 - m.cfg.StopLossPct/100)
	target = price * (1 + m.cfg.TakeProfitPct/100)
	return qty, stop, target
}

// Trigger is a position whose mark crossed its stop or target.
type Trigger struct {
	Instrument string  `json:"instrument"`
	Price      float64 `json:"price"`
	Reason     string  `json:"reason"` // stop_loss | take_profit
	PnLPct     float64 `json:"pnl_pct"`
}

// CheckStopsAndTargets scans open positions against current marks. Runs
// during both active and halted phases; exits are always allowed.
func CheckStopsAndTargets(book ledger.Snapshot, marks map[string]float64) []Trigger {
	var out []Trigger
	for instr, pos := range book.Positions {
		px, ok := marks[instr]
		if !ok {
			continue
		}
		pnlPct := (px - pos.AvgEntry) / pos.AvgEntry * 100
		switch {
		case pos.Stop > 0 && px <= pos.Stop:
			out = append(out, Trigger{Instrument: instr, Price: px, Reason: "stop_loss", PnLPct: pnlPct})
		case pos.Target > 0 && px >= pos.Target:
			out = append(out, Trigger{Instrument: instr, Price: px, Reason: "take_profit", PnLPct: pnlPct})
		}
	}
	return out
}
