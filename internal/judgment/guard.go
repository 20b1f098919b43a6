package judgment

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/asengupta/trading-engine/internal/observ"
)

// Guard wraps a Port with a hard timeout and degrades every failure mode to
// PROCEED with zero adjustment. It also journals each verdict to disk.
type Guard struct {
	port    Port
	timeout time.Duration
	logDir  string
}

func NewGuard(port Port, timeout time.Duration, logDir string) *Guard {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Guard{port: port, timeout: timeout, logDir: logDir}
}

// Review never returns an error. Timeout, panic-free port errors, and nil
// ports all collapse to a PROCEED verdict; the degradation is logged and
// counted but the cycle continues.
func (g *Guard) Review(ctx context.Context, req Request) Verdict {
	if g.port == nil {
		return Proceed(req, "judgment disabled")
	}

	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type result struct {
		v   Verdict
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := g.port.Review(cctx, req)
		ch <- result{v, err}
	}()

	var verdict Verdict
	select {
	case r := <-ch:
		if r.err != nil {
			observ.IncCounter("judgment_degraded_total", map[string]string{"cause": "error"})
			observ.Log("judgment_degraded", map[string]any{
				"instrument": req.Instrument, "cause": "error", "error": r.err.Error(),
			})
			verdict = Proceed(req, fmt.Sprintf("review failed: %v", r.err))
		} else {
			verdict = r.v
		}
	case <-cctx.Done():
		observ.IncCounter("judgment_degraded_total", map[string]string{"cause": "timeout"})
		observ.Log("judgment_degraded", map[string]any{
			"instrument": req.Instrument, "cause": "timeout", "timeout_ms": g.timeout.Milliseconds(),
		})
		verdict = Proceed(req, "review timed out")
	}

	observ.IncCounter("judgment_verdicts_total", map[string]string{"action": string(verdict.Action)})
	g.journal(verdict)
	return verdict
}

func (g *Guard) journal(v Verdict) {
	if g.logDir == "" {
		return
	}
	if err := os.MkdirAll(g.logDir, 0o755); err != nil {
		return
	}
	name := fmt.Sprintf("judgment_%s_%s.json", v.Instrument, v.At.Format("20060102_150405"))
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(g.logDir, name), b, 0o644)
}
