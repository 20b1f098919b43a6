package judgment

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Keyword catalogs for the rule-based reviewer. Matched as substrings over
// the lowercased joined headlines.
var (
	criticalKeywords = []string{
		"fed", "rate", "tariff", "war", "sanction", "bankrupt", "fraud",
		"sec investigation", "default", "recession", "shutdown",
		"impeach", "emergency", "crash",
	}
	positiveCatalysts = []string{
		"beat", "upgrade", "record revenue", "fda approv", "contract win",
		"dividend hike", "buyback", "acquisition", "partnership",
	}
	negativeCatalysts = []string{
		"miss", "downgrade", "guidance cut", "recall", "lawsuit",
		"layoff", "restructur", "debt", "dilut",
	}
)

func regimeScale(regime string) float64 {
	switch strings.ToLower(regime) {
	case "bull":
		return 0.5
	case "bear":
		return 1.3
	case "volatile":
		return 1.2
	default:
		return 1.0
	}
}

// Advisor is the in-process rule-based Port: keyword catalysts over
// headlines, volume confirmation, recent price action, and regime-scaled
// penalties. It stands in when no external reviewer is wired up.
type Advisor struct{}

func NewAdvisor() *Advisor { return &Advisor{} }

func (a *Advisor) Review(_ context.Context, req Request) (Verdict, error) {
	var adjustment float64
	var reasons []string
	regime := strings.ToLower(req.Regime)
	scale := regimeScale(regime)
	text := strings.ToLower(strings.Join(req.Context.Headlines, " "))
	buying := req.Side == "buy"

	macroHits := hits(text, criticalKeywords)
	if len(macroHits) > 0 {
		if buying {
			adjustment -= 0.12 * scale
			reasons = append(reasons, "macro risk: "+strings.Join(first(macroHits, 3), ", "))
		} else {
			adjustment += 0.10
			reasons = append(reasons, "macro catalyst supports sell: "+strings.Join(first(macroHits, 3), ", "))
		}
	}

	posHits := hits(text, positiveCatalysts)
	if len(posHits) > 0 && buying {
		boost := 0.05
		if regime == "bull" || regime == "sideways" {
			boost = 0.10
		}
		if len(posHits) >= 2 {
			boost += 0.05
		}
		adjustment += boost
		reasons = append(reasons, "positive catalyst: "+strings.Join(first(posHits, 3), ", "))
	}

	negHits := hits(text, negativeCatalysts)
	if len(negHits) > 0 && buying {
		adjustment -= 0.08 * scale
		reasons = append(reasons, "negative catalyst: "+strings.Join(first(negHits, 2), ", "))
	}

	volRatio := req.Context.VolumeRatio
	change5d := req.Context.Change5dPct
	if volRatio > 2.0 {
		switch {
		case req.Conviction > 0.35 && change5d > 0:
			adjustment += 0.06
			reasons = append(reasons, fmt.Sprintf("volume confirms momentum: %.1fx vol, %+.1f%% 5d", volRatio, change5d))
		case req.Conviction <= 0.35 && volRatio > 3.0:
			adjustment -= 0.05
			reasons = append(reasons, fmt.Sprintf("high volume but weak conviction: %.1fx vol", volRatio))
		}
	}

	change1mo := req.Context.Change1moPct
	if buying {
		switch {
		case change5d > 2 && change5d < 8 && change1mo > 0:
			adjustment += 0.04
			reasons = append(reasons, fmt.Sprintf("healthy trend: %+.1f%% 5d, %+.1f%% 1mo", change5d, change1mo))
		case change5d < -8:
			adjustment -= 0.08
			reasons = append(reasons, fmt.Sprintf("falling knife: %.1f%% in 5 days", change5d))
		case change5d > 12:
			adjustment -= 0.04
			reasons = append(reasons, fmt.Sprintf("extended runup: %+.1f%% in 5 days", change5d))
		}
	}

	switch {
	case regime == "volatile" && buying:
		adjustment -= 0.04
		reasons = append(reasons, "volatile regime, slight caution")
	case regime == "bear" && buying:
		adjustment -= 0.06
		reasons = append(reasons, "bear regime, caution on longs")
	case regime == "bull" && buying && len(macroHits) == 0 && len(negHits) == 0:
		adjustment += 0.03
		reasons = append(reasons, "bull regime tailwind")
	}

	adjusted := req.Conviction + adjustment
	if adjusted < 0 {
		adjusted = 0
	}
	if adjusted > 1 {
		adjusted = 1
	}
	delta := adjusted - req.Conviction

	var action Action
	switch {
	case adjusted <= 0.05:
		action = ActionVeto
	case delta > 0.03:
		action = ActionBoost
	case delta < -0.03:
		action = ActionReduce
	default:
		action = ActionProceed
	}

	rationale := "no significant factors, signal looks clean"
	if len(reasons) > 0 {
		rationale = strings.Join(reasons, "; ")
	}

	return Verdict{
		Instrument: req.Instrument,
		Action:     action,
		Original:   req.Conviction,
		Adjusted:   adjusted,
		Adjustment: delta,
		Rationale:  rationale,
		Digest:     first(req.Context.Headlines, 5),
		At:         time.Now().UTC(),
	}, nil
}

func hits(text string, keywords []string) []string {
	var out []string
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			out = append(out, kw)
		}
	}
	return out
}

func first(xs []string, n int) []string {
	if len(xs) <= n {
		return xs
	}
	return xs[:n]
}
