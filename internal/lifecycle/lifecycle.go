// Package lifecycle drives the intraday trading day through its phases:
//
//	PREMARKET -> SCANNING -> ACTIVE -> (HALTED) -> HARD_CLOSE -> SETTLED
//
// Phases re-initialize at date rollover. The hard close is unconditional:
// when the deadline passes, every open intraday position is force-closed
// regardless of conviction, risk state, or halts. Swing books are exempt.
package lifecycle

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/asengupta/trading-engine/internal/config"
	"github.com/asengupta/trading-engine/internal/observ"
)

type Phase string

const (
	PhasePremarket Phase = "PREMARKET"
	PhaseScanning  Phase = "SCANNING"
	PhaseActive    Phase = "ACTIVE"
	PhaseHalted    Phase = "HALTED"
	PhaseHardClose Phase = "HARD_CLOSE"
	PhaseSettled   Phase = "SETTLED"
)

// Controller computes the current phase from the clock and the halt flag.
type Controller struct {
	mu  sync.Mutex
	cfg config.Lifecycle
	loc *time.Location

	date    string
	settled bool
	last    Phase
}

func NewController(cfg config.Lifecycle) (*Controller, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %s: %w", cfg.Timezone, err)
	}
	if _, _, err := parseClock(cfg.MarketOpen); err != nil {
		return nil, fmt.Errorf("market_open: %w", err)
	}
	if _, _, err := parseClock(cfg.HardClose); err != nil {
		return nil, fmt.Errorf("hard_close: %w", err)
	}
	return &Controller{cfg: cfg, loc: loc}, nil
}

func parseClock(s string) (h, m int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("bad clock %q, want HH:MM", s)
	}
	h, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, err
	}
	m, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return h, m, nil
}

func (c *Controller) at(now time.Time, clock string) time.Time {
	h, m, _ := parseClock(clock)
	local := now.In(c.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), h, m, 0, 0, c.loc)
}

// Phase returns the phase for the given instant. A new trading date resets
// any prior settlement. Halted overlays ACTIVE only: monitoring continues
// but no phase regression happens once the hard close has passed.
func (c *Controller) Phase(now time.Time, halted bool) Phase {
	c.mu.Lock()
	defer c.mu.Unlock()

	date := now.In(c.loc).Format("2006-01-02")
	if c.date != date {
		c.date = date
		c.settled = false
	}

	open := c.at(now, c.cfg.MarketOpen)
	active := open.Add(time.Duration(c.cfg.OpenOffsetMinutes) * time.Minute)
	hardClose := c.at(now, c.cfg.HardClose)

	var p Phase
	switch {
	case c.settled:
		p = PhaseSettled
	case !now.Before(hardClose):
		p = PhaseHardClose
	case now.Before(open):
		p = PhasePremarket
	case now.Before(active):
		p = PhaseScanning
	case halted:
		p = PhaseHalted
	default:
		p = PhaseActive
	}

	if p != c.last {
		observ.Log("lifecycle_phase", map[string]any{"from": string(c.last), "to": string(p), "date": date})
		observ.IncCounter("lifecycle_transitions_total", map[string]string{"to": string(p)})
		c.last = p
	}
	return p
}

// Settle marks the current date settled. Called once all forced closes
// confirmed or escalated.
func (c *Controller) Settle(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.date = now.In(c.loc).Format("2006-01-02")
	c.settled = true
}

// HardCloseAt returns today's hard-close deadline for the given instant.
func (c *Controller) HardCloseAt(now time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at(now, c.cfg.HardClose)
}
