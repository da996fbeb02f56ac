// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the trade manager — rules, trades,
// events, positions, and WebSocket wire payloads. It has no dependencies on
// internal packages, so it can be imported by any layer.
package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of a position or order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// RuleType enumerates the supported automation rules.
type RuleType string

const (
	StopLoss     RuleType = "STOP_LOSS"     // sell when price falls to the trigger
	TakeProfit   RuleType = "TAKE_PROFIT"   // sell when price rises to the trigger
	TrailingStop RuleType = "TRAILING_STOP" // stop-loss whose trigger trails the high-water mark
)

// RuleStatus is the lifecycle state of a rule. Transitions are linear:
// ACTIVE → (TRIGGERED | FAILED | CANCELED). Terminal states never transition.
type RuleStatus string

const (
	RuleActive    RuleStatus = "ACTIVE"
	RuleTriggered RuleStatus = "TRIGGERED"
	RuleFailed    RuleStatus = "FAILED"
	RuleCanceled  RuleStatus = "CANCELED"
)

// Terminal reports whether the status is a terminal state.
func (s RuleStatus) Terminal() bool {
	return s == RuleTriggered || s == RuleFailed || s == RuleCanceled
}

// EventType classifies entries in the per-rule diagnostic event log.
type EventType string

const (
	EventRuleEvaluated       EventType = "RULE_EVALUATED"
	EventRuleTrailingUpdated EventType = "RULE_TRAILING_UPDATED"
	EventActionAttempt       EventType = "ACTION_ATTEMPT"
	EventActionExecuted      EventType = "ACTION_EXECUTED"
	EventActionFailed        EventType = "ACTION_FAILED"
	EventRuleFailed          EventType = "RULE_FAILED"
)

// ————————————————————————————————————————————————————————————————————————
// Price range
// ————————————————————————————————————————————————————————————————————————

// Polymarket prices live in (0, 1); the venue accepts orders in [0.01, 0.99].
var (
	MinOrderPrice = decimal.NewFromFloat(0.01)
	MaxOrderPrice = decimal.NewFromFloat(0.99)
)

// ClampOrderPrice clamps a price to the venue's orderable range [0.01, 0.99].
func ClampOrderPrice(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(MinOrderPrice) {
		return MinOrderPrice
	}
	if p.GreaterThan(MaxOrderPrice) {
		return MaxOrderPrice
	}
	return p
}

// ————————————————————————————————————————————————————————————————————————
// Actions
// ————————————————————————————————————————————————————————————————————————

// ActionType discriminates what a triggered rule does with the position.
type ActionType string

const (
	SellAll     ActionType = "SELL_ALL"     // liquidate the full holding
	SellPartial ActionType = "SELL_PARTIAL" // sell a fixed share amount
)

// Action is the structured descriptor of what to do when a rule fires.
// Stored as JSON; unrecognized variants are rejected at load time.
type Action struct {
	Type   ActionType      `json:"type"`
	Amount decimal.Decimal `json:"amount,omitempty"` // shares, SELL_PARTIAL only
}

// UnmarshalJSON parses an action and rejects unknown variants.
func (a *Action) UnmarshalJSON(data []byte) error {
	type raw Action
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	switch r.Type {
	case SellAll:
	case SellPartial:
		if r.Amount.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("action %s requires a positive amount", r.Type)
		}
	default:
		return fmt.Errorf("unknown action type %q", r.Type)
	}
	*a = Action(r)
	return nil
}

// ParseAction decodes the stored JSON form of an action.
func ParseAction(data string) (Action, error) {
	var a Action
	if err := json.Unmarshal([]byte(data), &a); err != nil {
		return Action{}, fmt.Errorf("parse action: %w", err)
	}
	return a, nil
}

// ————————————————————————————————————————————————————————————————————————
// Rules
// ————————————————————————————————————————————————————————————————————————

// Rule is the unit of automation: a price condition on one token plus the
// action to take when it fires.
type Rule struct {
	ID       string   `json:"id"`
	RuleType RuleType `json:"ruleType"`
	MarketID string   `json:"marketId"`
	TokenID  string   `json:"tokenId"`
	Side     Side     `json:"side"` // the position's side

	TriggerPrice decimal.Decimal `json:"triggerPrice"` // in [0.01, 0.99]

	// Trailing-stop state. TrailingPercent is in (0, 100]; HighWaterPrice is
	// non-decreasing while the rule is active.
	TrailingPercent decimal.Decimal `json:"trailingPercent,omitempty"`
	HighWaterPrice  decimal.Decimal `json:"highWaterPrice,omitempty"`

	Action Action     `json:"action"`
	Status RuleStatus `json:"status"`

	// Terminal-state metadata.
	TriggeredAt     *time.Time `json:"triggeredAt,omitempty"`
	TriggeredByTxID string     `json:"triggeredByTxId,omitempty"`
	ErrorMessage    string     `json:"errorMessage,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate checks the rule's fields against the venue's constraints.
func (r Rule) Validate() error {
	switch r.RuleType {
	case StopLoss, TakeProfit, TrailingStop:
	default:
		return fmt.Errorf("unknown rule type %q", r.RuleType)
	}
	if r.TokenID == "" {
		return fmt.Errorf("tokenId is required")
	}
	if r.MarketID == "" {
		return fmt.Errorf("marketId is required")
	}
	if r.Side != BUY && r.Side != SELL {
		return fmt.Errorf("side must be BUY or SELL")
	}
	if r.TriggerPrice.LessThan(MinOrderPrice) || r.TriggerPrice.GreaterThan(MaxOrderPrice) {
		return fmt.Errorf("triggerPrice %s outside [0.01, 0.99]", r.TriggerPrice)
	}
	if r.RuleType == TrailingStop {
		if r.TrailingPercent.LessThanOrEqual(decimal.Zero) || r.TrailingPercent.GreaterThan(decimal.NewFromInt(100)) {
			return fmt.Errorf("trailingPercent %s outside (0, 100]", r.TrailingPercent)
		}
	} else if !r.TrailingPercent.IsZero() {
		return fmt.Errorf("trailingPercent is only valid for TRAILING_STOP")
	}
	switch r.Action.Type {
	case SellAll:
	case SellPartial:
		if r.Action.Amount.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("SELL_PARTIAL amount must be positive")
		}
	default:
		return fmt.Errorf("unknown action type %q", r.Action.Type)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Trades and events
// ————————————————————————————————————————————————————————————————————————

// Trade is the append-only record of an execution attempt that resulted in
// an order acknowledgement from the broker.
type Trade struct {
	ID           string          `json:"id"`
	RuleID       string          `json:"ruleId"`
	RuleType     RuleType        `json:"ruleType"`
	MarketID     string          `json:"marketId"`
	TokenID      string          `json:"tokenId"`
	TradeSide    Side            `json:"tradeSide"`
	TriggerPrice decimal.Decimal `json:"triggerPrice"`
	Price        decimal.Decimal `json:"price"`  // executed price
	Amount       decimal.Decimal `json:"amount"` // shares
	OrderID      string          `json:"orderId"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Event is a structured diagnostic record keyed by rule. Data is free-form;
// the dashboard renders a few known shapes and ignores the rest.
type Event struct {
	ID        string         `json:"id"`
	RuleID    string         `json:"ruleId"`
	EventType EventType      `json:"eventType"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// ————————————————————————————————————————————————————————————————————————
// Positions and holdings
// ————————————————————————————————————————————————————————————————————————

// Position is a cached projection of one holding, sourced from the Broker.
// Used for dashboard display and for venue-closed detection before executing.
type Position struct {
	MarketID      string          `json:"marketId"`
	TokenID       string          `json:"tokenId"`
	Side          Side            `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgEntryPrice decimal.Decimal `json:"avgEntryPrice,omitempty"`
	CurrentPrice  decimal.Decimal `json:"currentPrice"`
	EndDate       *time.Time      `json:"endDate,omitempty"`
	Redeemable    bool            `json:"redeemable"` // market resolved, no longer tradeable
	LastUpdatedAt time.Time       `json:"lastUpdatedAt"`
}

// Holding is a single token balance as reported by the Broker.
type Holding struct {
	TokenID     string          `json:"tokenId"`
	Shares      decimal.Decimal `json:"shares"`
	Outcome     string          `json:"outcome"`
	MarketTitle string          `json:"marketTitle"`
	Redeemable  bool            `json:"redeemable"`
}

// OrderAck is the broker's acknowledgement of a placed order.
type OrderAck struct {
	OrderID string `json:"orderId,omitempty"`
	TxID    string `json:"txId,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Worker status
// ————————————————————————————————————————————————————————————————————————

// WorkerStatus is the ephemeral, process-local health snapshot served by the
// dashboard. Re-derived on every read.
type WorkerStatus struct {
	Running          bool      `json:"running"`
	FeedConnected    bool      `json:"feedConnected"`
	ActiveRulesCount int       `json:"activeRulesCount"`
	Subscriptions    []string  `json:"subscriptions"`
	LastSyncTime     time.Time `json:"lastSyncTime"`
}

// ————————————————————————————————————————————————————————————————————————
// Market feed wire types
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON frames on the Polymarket market WebSocket.

// PriceUpdate is one observation on the feed's price stream.
type PriceUpdate struct {
	TokenID   string
	Price     decimal.Decimal // clamped to (0, 1]
	Timestamp time.Time
}

// PriceLevel is a single bid or ask level in a book frame. Price and Size are
// strings because the venue returns them as strings to preserve precision.
type PriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// WSBookEvent is a full order book snapshot for one token.
type WSBookEvent struct {
	EventType string       `json:"event_type"` // "book"
	AssetID   string       `json:"asset_id"`
	Market    string       `json:"market"`
	Timestamp string       `json:"timestamp"`
	Buys      []PriceLevel `json:"buys"`
	Sells     []PriceLevel `json:"sells"`
}

// WSLastTradePrice carries the most recent trade price for one token.
type WSLastTradePrice struct {
	EventType string `json:"event_type"` // "last_trade_price"
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Price     string `json:"price"`
	Timestamp string `json:"timestamp"`
}

// WSSubscription is the outbound subscribe/unsubscribe message. The market
// channel is public, so Auth is always the empty object.
type WSSubscription struct {
	Auth      struct{} `json:"auth"`
	Type      string   `json:"type"` // always "market"
	AssetIDs  []string `json:"assets_ids"`
	Operation string   `json:"operation"` // "subscribe" or "unsubscribe"
}
