// Package planner is the model gateway: it builds prompts from market and
// portfolio state, calls the language model, and parses its structured
// output into trade decisions. It never returns an error to callers; every
// failure degrades to a HOLD decision.
package planner

// Actions
const (
	ActionBuy  = "BUY"
	ActionSell = "SELL"
	ActionHold = "HOLD"
)

// ModelErrorReason marks decisions synthesized after a model failure.
const ModelErrorReason = "model_error"

// Decision is the model's (or guardrails') verdict for one arena.
type Decision struct {
	Action     string  `json:"action"`
	SizePct    float64 `json:"sizePct"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Hold builds a HOLD decision with a reason.
func Hold(reason string) Decision {
	return Decision{Action: ActionHold, Reason: reason}
}

// Fallback is the canonical model-failure decision.
func Fallback() Decision {
	return Decision{Action: ActionHold, SizePct: 0, Confidence: 0, Reason: ModelErrorReason}
}

// Valid reports whether the decision satisfies the output contract.
func (d Decision) Valid() bool {
	switch d.Action {
	case ActionBuy, ActionSell, ActionHold:
	default:
		return false
	}
	if d.SizePct < 0 || d.SizePct > 1 {
		return false
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return false
	}
	return true
}
