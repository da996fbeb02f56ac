// Package executor turns a triggered rule into an order.
//
// Execution is tiered: a limit order with a slippage allowance first, then a
// marketable retry if the limit found no counterparty. Failures are
// classified permanent or transient; permanent failures move the rule to
// FAILED, transient ones leave it ACTIVE for the next price update.
//
// At most one execution runs per rule at a time. Price updates arriving
// while an execution is in flight are dropped for that rule.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-trade-manager/internal/broker"
	"polymarket-trade-manager/internal/config"
	"polymarket-trade-manager/internal/store"
	"polymarket-trade-manager/pkg/types"
)

// executeTimeout bounds one full execution cycle (gates + both attempts).
const executeTimeout = 60 * time.Second

// PositionSource provides the cached position for closed-market detection.
// A missing position is not a gate failure; the holdings check decides.
type PositionSource interface {
	Position(marketID, tokenID string) (types.Position, bool)
}

// Executor places orders for triggered rules.
type Executor struct {
	broker    broker.Broker
	store     *store.Store
	positions PositionSource
	cfg       config.ExecutorConfig
	logger    *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{} // rule IDs with a running execution
}

// New creates an Executor.
func New(b broker.Broker, st *store.Store, positions PositionSource, cfg config.ExecutorConfig, logger *slog.Logger) *Executor {
	return &Executor{
		broker:    b,
		store:     st,
		positions: positions,
		cfg:       cfg,
		logger:    logger.With("component", "executor"),
		inflight:  make(map[string]struct{}),
	}
}

// TryExecute starts an execution for the rule unless one is already running.
// Returns false when the rule is dropped because of an in-flight execution.
// The execution runs on its own goroutine with its own timeout; done (if
// non-nil) is closed when it finishes.
func (e *Executor) TryExecute(ctx context.Context, rule types.Rule, triggerObservedPrice decimal.Decimal, done chan<- struct{}) bool {
	e.mu.Lock()
	if _, busy := e.inflight[rule.ID]; busy {
		e.mu.Unlock()
		return false
	}
	e.inflight[rule.ID] = struct{}{}
	e.mu.Unlock()

	go func() {
		defer func() {
			e.mu.Lock()
			delete(e.inflight, rule.ID)
			e.mu.Unlock()
			if done != nil {
				close(done)
			}
		}()

		execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), executeTimeout)
		defer cancel()
		e.execute(execCtx, rule, triggerObservedPrice)
	}()
	return true
}

// execute runs the gates, the tiered order attempts, and the terminal-state
// commit for one triggered rule.
func (e *Executor) execute(ctx context.Context, rule types.Rule, observedPrice decimal.Decimal) {
	log := e.logger.With("rule", rule.ID, "token", rule.TokenID)
	log.Info("rule triggered",
		"type", rule.RuleType, "trigger", rule.TriggerPrice, "observed", observedPrice)

	// Gate 1: a resolved or expired market cannot be traded.
	if pos, ok := e.positions.Position(rule.MarketID, rule.TokenID); ok {
		if pos.Redeemable {
			e.failPermanent(ctx, rule, "market resolved")
			return
		}
		if pos.EndDate != nil && time.Now().After(*pos.EndDate) {
			e.failPermanent(ctx, rule, "market closed")
			return
		}
	}

	// Gate 2: the wallet must actually hold shares to sell.
	amount, err := e.sellableAmount(ctx, rule)
	if err != nil {
		e.fail(ctx, rule, err)
		return
	}

	// Gate 3: a fresh price from the broker, not the feed observation that
	// fired the trigger.
	current, err := e.broker.GetCurrentPrice(ctx, rule.MarketID, rule.TokenID)
	if err != nil {
		e.fail(ctx, rule, err)
		return
	}
	if current.IsZero() {
		e.failPermanent(ctx, rule, "no orderbook data")
		return
	}

	limitPrice := e.limitPrice(rule, current)

	// Attempt 1: limit order with the slippage allowance.
	e.appendEvent(ctx, rule.ID, types.EventActionAttempt, map[string]any{
		"type":   "limit_order",
		"price":  limitPrice.String(),
		"amount": amount.String(),
	})
	ack, err := e.broker.PlaceOrder(ctx, rule.TokenID, types.SELL, amount, &limitPrice)
	if err == nil {
		e.commit(ctx, rule, ack, limitPrice, amount)
		return
	}
	if !isNoMatch(err) {
		e.fail(ctx, rule, err)
		return
	}

	// Attempt 2: the limit found no counterparty; take whatever the book has.
	log.Warn("limit order unmatched, retrying as market order", "error", err)
	e.appendEvent(ctx, rule.ID, types.EventActionAttempt, map[string]any{
		"type":   "market_order",
		"amount": amount.String(),
	})
	ack, err = e.broker.PlaceOrder(ctx, rule.TokenID, types.SELL, amount, nil)
	if err == nil {
		e.commit(ctx, rule, ack, current, amount)
		return
	}
	if isNoMatch(err) {
		// Two liquidity misses in a row: the book is effectively empty.
		e.failPermanent(ctx, rule, "no liquidity for market order")
		return
	}
	e.fail(ctx, rule, err)
}

// sellableAmount resolves how many shares the action sells, bounded by the
// wallet's actual balance.
func (e *Executor) sellableAmount(ctx context.Context, rule types.Rule) (decimal.Decimal, error) {
	holdings, err := e.broker.GetHoldings(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get holdings: %w", err)
	}

	var held decimal.Decimal
	for _, h := range holdings {
		if h.TokenID == rule.TokenID {
			// The holding carries its own resolution flag; the position cache
			// may be up to a refresh interval behind.
			if h.Redeemable {
				return decimal.Zero, &broker.APIError{Message: "market resolved"}
			}
			held = h.Shares
			break
		}
	}
	if held.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, &broker.APIError{Message: "position not found: no shares held"}
	}

	if rule.Action.Type == types.SellPartial && rule.Action.Amount.LessThan(held) {
		return rule.Action.Amount, nil
	}
	return held, nil
}

// limitPrice computes the first attempt's limit from the broker's current
// price: a sell must tolerate some slippage downward to fill.
func (e *Executor) limitPrice(rule types.Rule, current decimal.Decimal) decimal.Decimal {
	slippage := e.cfg.SlippageStopLoss
	if rule.RuleType == types.TakeProfit {
		slippage = e.cfg.SlippageTakeProfit
	}
	factor := decimal.NewFromInt(1).Sub(decimal.NewFromFloat(slippage))
	return types.ClampOrderPrice(current.Mul(factor))
}

// commit records the fill: the rule moves to TRIGGERED and the trade is
// appended, atomically. A conflict means the rule left ACTIVE while the order
// was in flight; the terminal state wins and the fill is only logged.
func (e *Executor) commit(ctx context.Context, rule types.Rule, ack types.OrderAck, price, amount decimal.Decimal) {
	log := e.logger.With("rule", rule.ID, "order", ack.OrderID)

	e.appendEvent(ctx, rule.ID, types.EventActionExecuted, map[string]any{
		"orderId": ack.OrderID,
		"txId":    ack.TxID,
		"price":   price.String(),
		"amount":  amount.String(),
	})

	trade := types.Trade{
		RuleID:       rule.ID,
		RuleType:     rule.RuleType,
		MarketID:     rule.MarketID,
		TokenID:      rule.TokenID,
		TradeSide:    types.SELL,
		TriggerPrice: rule.TriggerPrice,
		Price:        price,
		Amount:       amount,
		OrderID:      ack.OrderID,
	}

	err := e.store.TransitionToTriggered(ctx, rule.ID, trade)
	if err == nil {
		log.Info("rule executed", "price", price, "amount", amount)
		return
	}
	if !errors.Is(err, store.ErrConflict) {
		log.Error("recording trade failed", "error", err)
		return
	}

	reason := "concurrent_modification"
	if cur, gerr := e.store.GetRule(ctx, rule.ID); gerr == nil && cur.Status == types.RuleCanceled {
		reason = "canceled_during_execution"
	}
	log.Warn("order filled but rule already terminal", "reason", reason)
	e.appendEvent(ctx, rule.ID, types.EventActionFailed, map[string]any{
		"reason":  reason,
		"orderId": ack.OrderID,
	})
}

// fail handles a broker error according to its classification.
func (e *Executor) fail(ctx context.Context, rule types.Rule, err error) {
	permanent := isPermanent(err)
	e.appendEvent(ctx, rule.ID, types.EventActionFailed, map[string]any{
		"isPermanent": permanent,
		"error":       err.Error(),
	})

	if !permanent {
		e.logger.Warn("execution failed, rule stays active",
			"rule", rule.ID, "error", err)
		return
	}
	e.markFailed(ctx, rule, brokerMessage(err))
}

// brokerMessage strips the transport wrapping from a broker error so the
// rule records the venue's own message ("invalid price"), not
// "broker: status 400: invalid price".
func brokerMessage(err error) string {
	var apiErr *broker.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return err.Error()
}

// failPermanent fails the rule for a reason known before or without a broker
// error.
func (e *Executor) failPermanent(ctx context.Context, rule types.Rule, reason string) {
	e.appendEvent(ctx, rule.ID, types.EventActionFailed, map[string]any{
		"isPermanent": true,
		"reason":      reason,
	})
	e.markFailed(ctx, rule, reason)
}

func (e *Executor) markFailed(ctx context.Context, rule types.Rule, message string) {
	e.logger.Error("execution failed permanently", "rule", rule.ID, "error", message)

	err := e.store.TransitionToFailed(ctx, rule.ID, message)
	if errors.Is(err, store.ErrConflict) {
		e.logger.Warn("rule already terminal, failure not recorded", "rule", rule.ID)
		return
	}
	if err != nil {
		e.logger.Error("marking rule failed", "rule", rule.ID, "error", err)
		return
	}
	e.appendEvent(ctx, rule.ID, types.EventRuleFailed, map[string]any{
		"error": message,
	})
}

func (e *Executor) appendEvent(ctx context.Context, ruleID string, et types.EventType, data map[string]any) {
	err := e.store.AppendEvent(ctx, types.Event{
		RuleID:    ruleID,
		EventType: et,
		Data:      data,
	})
	if err != nil {
		e.logger.Error("append event", "rule", ruleID, "type", et, "error", err)
	}
}
