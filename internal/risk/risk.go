// Package risk gates trade proposals against position, cash, and loss
// limits, and owns the halt state machine. Evaluation is a pure function of
// the proposal and a point-in-time view of the book; fills feed back through
// RecordFill, which is the only place halts are triggered.
package risk

// HaltState describes whether new trading is blocked.
type HaltState string

const (
	HaltNone     HaltState = "none"
	HaltDaily    HaltState = "daily-halt"    // clears automatically at date rollover
	HaltDrawdown HaltState = "drawdown-halt" // clears only via explicit Resume
)

// Outcome of a risk evaluation.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeResized  Outcome = "resized"
	OutcomeRejected Outcome = "rejected"
)

// Reason codes, stable identifiers for the first failed check.
const (
	ReasonHalted      = "halted"
	ReasonPositionCap = "position_cap"
	ReasonCountCap    = "count_cap"
	ReasonCashFloor   = "cash_floor"
	ReasonSectorCap   = "sector_cap"
)

// Proposal is a trade the engine wants to place.
type Proposal struct {
	Instrument string  `json:"instrument"`
	Side       string  `json:"side"` // buy | sell
	Mode       string  `json:"mode"` // swing | intraday
	Qty        int     `json:"qty"`
	Price      float64 `json:"price"`
}

// Decision is the verdict on a proposal. Qty carries the approved size,
// which equals the proposed size unless the outcome is resized. Rejections
// have no side effects; the caller may not retry with a smaller size, the
// resize already happened here if one was possible.
type Decision struct {
	Outcome Outcome `json:"outcome"`
	Qty     int     `json:"qty"`
	Reason  string  `json:"reason,omitempty"`
	Detail  string  `json:"detail,omitempty"`
}

func approved(qty int) Decision {
	return Decision{Outcome: OutcomeApproved, Qty: qty}
}

func resized(qty int, reason, detail string) Decision {
	return Decision{Outcome: OutcomeResized, Qty: qty, Reason: reason, Detail: detail}
}

func rejected(reason, detail string) Decision {
	return Decision{Outcome: OutcomeRejected, Reason: reason, Detail: detail}
}
