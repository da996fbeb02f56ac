package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"polymarket-trade-manager/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), 5, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newStopLoss(token string) types.Rule {
	return types.Rule{
		RuleType:     types.StopLoss,
		MarketID:     "mkt1",
		TokenID:      token,
		Side:         types.BUY,
		TriggerPrice: decimal.RequireFromString("0.40"),
		Action:       types.Action{Type: types.SellAll},
	}
}

func TestCreateAndGetRule(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.CreateRule(ctx, newStopLoss("tok1"))
	if err != nil {
		t.Fatalf("CreateRule: %v", err)
	}
	if created.ID == "" {
		t.Fatal("CreateRule did not assign an ID")
	}
	if created.Status != types.RuleActive {
		t.Errorf("Status = %s, want ACTIVE", created.Status)
	}

	got, err := s.GetRule(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetRule: %v", err)
	}
	if !got.TriggerPrice.Equal(created.TriggerPrice) {
		t.Errorf("TriggerPrice = %s, want %s", got.TriggerPrice, created.TriggerPrice)
	}
	if got.Action.Type != types.SellAll {
		t.Errorf("Action = %+v, want SELL_ALL", got.Action)
	}
}

func TestGetRuleMissing(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	_, err := s.GetRule(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRule = %v, want ErrNotFound", err)
	}
}

func TestCreateRuleRejectsInvalid(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	bad := newStopLoss("tok1")
	bad.TriggerPrice = decimal.RequireFromString("1.5")
	if _, err := s.CreateRule(context.Background(), bad); err == nil {
		t.Error("CreateRule accepted an out-of-range trigger")
	}
}

func TestCreateTrailingDefaultsHighWater(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	r := newStopLoss("tok1")
	r.RuleType = types.TrailingStop
	r.TrailingPercent = decimal.NewFromInt(10)

	created, err := s.CreateRule(context.Background(), r)
	if err != nil {
		t.Fatalf("CreateRule: %v", err)
	}
	if !created.HighWaterPrice.Equal(r.TriggerPrice) {
		t.Errorf("HighWaterPrice = %s, want trigger %s", created.HighWaterPrice, r.TriggerPrice)
	}
}

func TestListActiveRules(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	a, _ := s.CreateRule(ctx, newStopLoss("tok1"))
	b, _ := s.CreateRule(ctx, newStopLoss("tok2"))

	if err := s.CancelRule(ctx, b.ID); err != nil {
		t.Fatalf("CancelRule: %v", err)
	}

	active, err := s.ListActiveRules(ctx)
	if err != nil {
		t.Fatalf("ListActiveRules: %v", err)
	}
	if len(active) != 1 || active[0].ID != a.ID {
		t.Errorf("active = %v, want only %s", active, a.ID)
	}
}

func TestTransitionToTriggered(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	r, _ := s.CreateRule(ctx, newStopLoss("tok1"))

	trade := types.Trade{
		RuleType:     r.RuleType,
		MarketID:     r.MarketID,
		TokenID:      r.TokenID,
		TradeSide:    types.SELL,
		TriggerPrice: r.TriggerPrice,
		Price:        decimal.RequireFromString("0.39"),
		Amount:       decimal.NewFromInt(100),
		OrderID:      "ord-1",
	}
	if err := s.TransitionToTriggered(ctx, r.ID, trade); err != nil {
		t.Fatalf("TransitionToTriggered: %v", err)
	}

	got, _ := s.GetRule(ctx, r.ID)
	if got.Status != types.RuleTriggered {
		t.Errorf("Status = %s, want TRIGGERED", got.Status)
	}
	if got.TriggeredAt == nil {
		t.Error("TriggeredAt not set")
	}
	if got.TriggeredByTxID != "ord-1" {
		t.Errorf("TriggeredByTxID = %q, want ord-1", got.TriggeredByTxID)
	}

	trades, err := s.TradesForRule(ctx, r.ID)
	if err != nil {
		t.Fatalf("TradesForRule: %v", err)
	}
	if len(trades) != 1 || trades[0].OrderID != "ord-1" {
		t.Errorf("trades = %v, want one trade for ord-1", trades)
	}

	// A second trigger must conflict and must not append another trade.
	err = s.TransitionToTriggered(ctx, r.ID, trade)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("second trigger = %v, want ErrConflict", err)
	}
	trades, _ = s.TradesForRule(ctx, r.ID)
	if len(trades) != 1 {
		t.Errorf("trade count after conflict = %d, want 1", len(trades))
	}
}

func TestCancelThenTriggerConflicts(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	r, _ := s.CreateRule(ctx, newStopLoss("tok1"))
	if err := s.CancelRule(ctx, r.ID); err != nil {
		t.Fatalf("CancelRule: %v", err)
	}

	err := s.TransitionToTriggered(ctx, r.ID, types.Trade{OrderID: "late"})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("trigger after cancel = %v, want ErrConflict", err)
	}

	got, _ := s.GetRule(ctx, r.ID)
	if got.Status != types.RuleCanceled {
		t.Errorf("Status = %s, want CANCELED to stick", got.Status)
	}
}

func TestTransitionToFailed(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	r, _ := s.CreateRule(ctx, newStopLoss("tok1"))
	if err := s.TransitionToFailed(ctx, r.ID, "market resolved"); err != nil {
		t.Fatalf("TransitionToFailed: %v", err)
	}

	got, _ := s.GetRule(ctx, r.ID)
	if got.Status != types.RuleFailed {
		t.Errorf("Status = %s, want FAILED", got.Status)
	}
	if got.ErrorMessage != "market resolved" {
		t.Errorf("ErrorMessage = %q", got.ErrorMessage)
	}

	if err := s.TransitionToFailed(ctx, r.ID, "again"); !errors.Is(err, ErrConflict) {
		t.Errorf("second fail = %v, want ErrConflict", err)
	}
}

func TestUpdateTrailing(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	r := newStopLoss("tok1")
	r.RuleType = types.TrailingStop
	r.TrailingPercent = decimal.NewFromInt(10)
	created, _ := s.CreateRule(ctx, r)

	newTrigger := decimal.RequireFromString("0.54")
	newHW := decimal.RequireFromString("0.60")
	if err := s.UpdateTrailing(ctx, created.ID, newTrigger, newHW); err != nil {
		t.Fatalf("UpdateTrailing: %v", err)
	}

	got, _ := s.GetRule(ctx, created.ID)
	if !got.TriggerPrice.Equal(newTrigger) || !got.HighWaterPrice.Equal(newHW) {
		t.Errorf("trailing = %s/%s, want %s/%s",
			got.TriggerPrice, got.HighWaterPrice, newTrigger, newHW)
	}

	// Terminal rule: the update is a silent no-op, not an error.
	if err := s.CancelRule(ctx, created.ID); err != nil {
		t.Fatalf("CancelRule: %v", err)
	}
	if err := s.UpdateTrailing(ctx, created.ID, decimal.NewFromInt(1), decimal.NewFromInt(1)); err != nil {
		t.Fatalf("UpdateTrailing on terminal rule: %v", err)
	}
	got, _ = s.GetRule(ctx, created.ID)
	if !got.TriggerPrice.Equal(newTrigger) {
		t.Errorf("terminal rule trailing changed to %s", got.TriggerPrice)
	}
}

func TestEventRetention(t *testing.T) {
	t.Parallel()
	s := openTestStore(t) // retention 5
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		ev := types.Event{
			RuleID:    "r1",
			EventType: types.EventRuleEvaluated,
			Data:      map[string]any{"seq": fmt.Sprintf("%d", i)},
		}
		if err := s.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("AppendEvent %d: %v", i, err)
		}
	}

	events, err := s.RecentEvents(ctx, 50)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("retained %d events, want 5", len(events))
	}
	// Newest first; the oldest retained is seq 3.
	if events[0].Data["seq"] != "7" {
		t.Errorf("newest = %v, want seq 7", events[0].Data)
	}
	if events[4].Data["seq"] != "3" {
		t.Errorf("oldest retained = %v, want seq 3", events[4].Data)
	}
}

func TestChangesNotification(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateRule(ctx, newStopLoss("tok1")); err != nil {
		t.Fatalf("CreateRule: %v", err)
	}

	select {
	case <-s.Changes():
	default:
		t.Error("CreateRule did not signal Changes()")
	}

	// Coalesced: many mutations, at most one pending signal.
	r2, _ := s.CreateRule(ctx, newStopLoss("tok2"))
	r3, _ := s.CreateRule(ctx, newStopLoss("tok3"))
	_ = s.CancelRule(ctx, r2.ID)
	_ = s.CancelRule(ctx, r3.ID)

	<-s.Changes()
	select {
	case <-s.Changes():
		t.Error("Changes() buffered more than one signal")
	default:
	}
}

func TestRecentRulesOrderAndCap(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	a, _ := s.CreateRule(ctx, newStopLoss("tok1"))
	_, _ = s.CreateRule(ctx, newStopLoss("tok2"))
	if err := s.CancelRule(ctx, a.ID); err != nil {
		t.Fatalf("CancelRule: %v", err)
	}

	rules, err := s.RecentRules(ctx, 0)
	if err != nil {
		t.Fatalf("RecentRules: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("got %d rules, want 2", len(rules))
	}
	// The cancellation touched a last, so it sorts first.
	if rules[0].ID != a.ID {
		t.Errorf("first = %s, want most recently updated %s", rules[0].ID, a.ID)
	}
}
