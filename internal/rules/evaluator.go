// Package rules implements the pure rule evaluator.
//
// Evaluate is deterministic and side-effect free: given a rule and the latest
// price it returns a decision. Persisting trailing updates and dispatching
// executions are the worker's responsibility.
//
// Trailing behaviour is sell-exit only: the high-water mark follows the
// price upward and the trigger trails it at a fixed percent distance. The
// inverted (short/buy-side) variant is intentionally not implemented.
package rules

import (
	"github.com/shopspring/decimal"

	"polymarket-trade-manager/pkg/types"
)

// DecisionKind enumerates the possible evaluation outcomes.
type DecisionKind int

const (
	// NoAction: the price does not affect the rule.
	NoAction DecisionKind = iota
	// UpdateTrailing: a trailing stop's high-water mark rose; the caller
	// should persist NewTrigger and NewHighWater.
	UpdateTrailing
	// Trigger: the rule's condition is satisfied; the caller should execute.
	Trigger
)

// Decision is the outcome of evaluating one rule against one price.
type Decision struct {
	Kind         DecisionKind
	NewTrigger   decimal.Decimal // set when Kind == UpdateTrailing
	NewHighWater decimal.Decimal // set when Kind == UpdateTrailing
}

var hundred = decimal.NewFromInt(100)

// Evaluate decides what a price update means for a rule. Only ACTIVE rules
// are meaningful inputs; anything else yields NoAction.
//
// Equality satisfies the trigger comparisons: a stop-loss fires at
// price ≤ trigger, a take-profit at price ≥ trigger. The trigger check runs
// before any trailing update, so a price that both crosses the trigger and
// exceeds the high-water mark fires rather than ratchets.
func Evaluate(r types.Rule, price decimal.Decimal) Decision {
	if r.Status != types.RuleActive {
		return Decision{Kind: NoAction}
	}

	switch r.RuleType {
	case types.StopLoss:
		if price.LessThanOrEqual(r.TriggerPrice) {
			return Decision{Kind: Trigger}
		}

	case types.TakeProfit:
		if price.GreaterThanOrEqual(r.TriggerPrice) {
			return Decision{Kind: Trigger}
		}

	case types.TrailingStop:
		if price.LessThanOrEqual(r.TriggerPrice) {
			return Decision{Kind: Trigger}
		}
		if price.GreaterThan(r.HighWaterPrice) {
			newTrigger := trailingTrigger(price, r.TrailingPercent)
			// The trigger only ratchets up, never loosens.
			if newTrigger.LessThan(r.TriggerPrice) {
				newTrigger = r.TriggerPrice
			}
			return Decision{
				Kind:         UpdateTrailing,
				NewTrigger:   newTrigger,
				NewHighWater: price,
			}
		}
	}

	return Decision{Kind: NoAction}
}

// trailingTrigger computes highWater × (1 − trailingPercent/100) in the wire
// decimal precision, clamped to the venue's orderable range.
func trailingTrigger(highWater, trailingPercent decimal.Decimal) decimal.Decimal {
	distance := one.Sub(trailingPercent.Div(hundred))
	return types.ClampOrderPrice(highWater.Mul(distance))
}

var one = decimal.NewFromInt(1)
