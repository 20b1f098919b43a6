// Package judgment layers a subjective review over quantitative trade
// proposals. A Port implementation can veto, boost, or reduce a proposal;
// failures and timeouts always degrade to PROCEED so judgment can never
// take the engine down.
package judgment

import (
	"context"
	"time"
)

// Action is the verdict on a trade proposal.
type Action string

const (
	ActionProceed Action = "proceed"
	ActionBoost   Action = "boost"
	ActionReduce  Action = "reduce"
	ActionVeto    Action = "veto"
)

// Context carries the raw material a reviewer reads: headlines, price
// action, volume. Fields the caller cannot fill stay zero.
type Context struct {
	Headlines    []string `json:"headlines,omitempty"`
	CurrentPrice float64  `json:"current_price,omitempty"`
	Change5dPct  float64  `json:"change_5d_pct,omitempty"`
	Change1moPct float64  `json:"change_1mo_pct,omitempty"`
	VolumeRatio  float64  `json:"volume_ratio,omitempty"`
}

// Request is one proposal under review.
type Request struct {
	Instrument string  `json:"instrument"`
	Side       string  `json:"side"` // buy | sell
	Conviction float64 `json:"conviction"`
	Regime     string  `json:"regime"`
	Reason     string  `json:"reason,omitempty"`
	Context    Context `json:"context"`
}

// Verdict is the reviewer's output. Adjustment = Adjusted - Original.
type Verdict struct {
	Instrument string    `json:"instrument"`
	Action     Action    `json:"action"`
	Original   float64   `json:"original_conviction"`
	Adjusted   float64   `json:"adjusted_conviction"`
	Adjustment float64   `json:"adjustment"`
	Rationale  string    `json:"rationale"`
	Digest     []string  `json:"news_digest,omitempty"`
	At         time.Time `json:"at"`
}

// Port reviews one proposal. Implementations may call out of process; the
// engine always wraps a Port in a Guard so slowness or errors cannot block
// or fail a cycle.
type Port interface {
	Review(ctx context.Context, req Request) (Verdict, error)
}

// Proceed builds the neutral verdict for a request, used when judgment is
// disabled or degraded.
func Proceed(req Request, rationale string) Verdict {
	return Verdict{
		Instrument: req.Instrument,
		Action:     ActionProceed,
		Original:   req.Conviction,
		Adjusted:   req.Conviction,
		Rationale:  rationale,
		At:         time.Now().UTC(),
	}
}
