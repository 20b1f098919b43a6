package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/asengupta/trading-engine/internal/ledger"
	"github.com/asengupta/trading-engine/internal/observ"
)

// CloseFunc submits a market close for one position and confirms the fill.
// It must bypass conviction and risk gates: closing is always allowed.
type CloseFunc func(ctx context.Context, instrument string, qty int) error

// Escalator receives positions that could not be closed within the retry
// budget. They are never dropped silently.
type Escalator interface {
	EscalateUnclosed(date string, instruments []string, lastErr error)
}

// ForceCloser drains the intraday book at hard close.
type ForceCloser struct {
	maxAttempts int
	backoff     time.Duration
	closeFn     CloseFunc
	escalator   Escalator

	sleep func(context.Context, time.Duration) error
}

func NewForceCloser(maxAttempts int, backoff time.Duration, closeFn CloseFunc, esc Escalator) *ForceCloser {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	return &ForceCloser{
		maxAttempts: maxAttempts,
		backoff:     backoff,
		closeFn:     closeFn,
		escalator:   esc,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

// Run force-closes every open position in the snapshot. Each instrument
// gets the full retry budget with linear backoff between attempts. Failures
// past the budget are escalated, never abandoned. Returns the instruments
// left unclosed.
func (f *ForceCloser) Run(ctx context.Context, book ledger.Snapshot) []string {
	instruments := make([]string, 0, len(book.Positions))
	for instr := range book.Positions {
		instruments = append(instruments, instr)
	}
	sort.Strings(instruments)

	var unclosed []string
	var lastErr error
	for _, instr := range instruments {
		pos := book.Positions[instr]
		if err := f.closeWithRetry(ctx, instr, pos.Qty); err != nil {
			lastErr = err
			unclosed = append(unclosed, instr)
			observ.IncCounter("force_close_failures_total", nil)
			observ.Log("force_close_failed", map[string]any{
				"instrument": instr, "qty": pos.Qty, "error": err.Error(),
			})
			continue
		}
		observ.IncCounter("force_close_total", nil)
		observ.Log("force_close", map[string]any{"instrument": instr, "qty": pos.Qty})
	}

	if len(unclosed) > 0 && f.escalator != nil {
		f.escalator.EscalateUnclosed(book.Date, unclosed, lastErr)
	}
	return unclosed
}

func (f *ForceCloser) closeWithRetry(ctx context.Context, instrument string, qty int) error {
	var lastErr error
	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := f.sleep(ctx, f.backoff); err != nil {
				return err
			}
		}
		if err := f.closeFn(ctx, instrument, qty); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("close %s after %d attempts: %w", instrument, f.maxAttempts, lastErr)
}
