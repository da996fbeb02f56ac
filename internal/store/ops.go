// ops.go holds the typed store operations used by the worker, the executor,
// and the dashboard handlers.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"polymarket-trade-manager/pkg/types"
)

// maxRecent caps dashboard reads.
const maxRecent = 100

// CreateRule validates and persists a new rule in ACTIVE state.
func (s *Store) CreateRule(ctx context.Context, r types.Rule) (types.Rule, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = types.RuleActive
	}
	if r.Status != types.RuleActive {
		return types.Rule{}, fmt.Errorf("new rule must be ACTIVE, got %s", r.Status)
	}
	if r.RuleType == types.TrailingStop && r.HighWaterPrice.IsZero() {
		r.HighWaterPrice = r.TriggerPrice
	}
	if err := r.Validate(); err != nil {
		return types.Rule{}, fmt.Errorf("invalid rule: %w", err)
	}

	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	rec, err := toRuleRecord(r)
	if err != nil {
		return types.Rule{}, err
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return types.Rule{}, fmt.Errorf("create rule: %w", err)
	}

	s.notify()
	return r, nil
}

// GetRule fetches one rule by ID.
func (s *Store) GetRule(ctx context.Context, id string) (types.Rule, error) {
	var rec ruleRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Rule{}, ErrNotFound
	}
	if err != nil {
		return types.Rule{}, fmt.Errorf("get rule: %w", err)
	}
	return fromRuleRecord(rec)
}

// ListActiveRules returns every rule still participating in evaluation.
func (s *Store) ListActiveRules(ctx context.Context) ([]types.Rule, error) {
	var recs []ruleRecord
	err := s.db.WithContext(ctx).
		Where("status = ?", string(types.RuleActive)).
		Order("created_at asc").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}

	rules := make([]types.Rule, 0, len(recs))
	for _, rec := range recs {
		r, err := fromRuleRecord(rec)
		if err != nil {
			// A rule with a corrupt action must not silently vanish from the
			// active set and keep a stale subscription alive.
			s.logger.Error("skipping unreadable rule", "rule", rec.ID, "error", err)
			continue
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// TransitionToTriggered moves an ACTIVE rule to TRIGGERED and appends its
// Trade in one transaction. Returns ErrConflict if the rule has already left
// ACTIVE (canceled, failed, or triggered concurrently).
func (s *Store) TransitionToTriggered(ctx context.Context, ruleID string, trade types.Trade) error {
	if trade.ID == "" {
		trade.ID = uuid.NewString()
	}
	if trade.CreatedAt.IsZero() {
		trade.CreatedAt = time.Now().UTC()
	}
	trade.RuleID = ruleID

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		res := tx.Model(&ruleRecord{}).
			Where("id = ? AND status = ?", ruleID, string(types.RuleActive)).
			Updates(map[string]any{
				"status":             string(types.RuleTriggered),
				"triggered_at":       now,
				"triggered_by_tx_id": trade.OrderID,
				"updated_at":         now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}

		rec := toTradeRecord(trade)
		return tx.Create(&rec).Error
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return ErrConflict
		}
		return fmt.Errorf("transition to triggered: %w", err)
	}

	s.notify()
	return nil
}

// TransitionToFailed moves an ACTIVE rule to FAILED with the broker's
// message. Returns ErrConflict if the rule has already left ACTIVE.
func (s *Store) TransitionToFailed(ctx context.Context, ruleID, errorMessage string) error {
	res := s.db.WithContext(ctx).Model(&ruleRecord{}).
		Where("id = ? AND status = ?", ruleID, string(types.RuleActive)).
		Updates(map[string]any{
			"status":        string(types.RuleFailed),
			"error_message": errorMessage,
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("transition to failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}

	s.notify()
	return nil
}

// CancelRule moves an ACTIVE rule to CANCELED. Terminal rules cannot be
// canceled; attempting it returns ErrConflict.
func (s *Store) CancelRule(ctx context.Context, ruleID string) error {
	res := s.db.WithContext(ctx).Model(&ruleRecord{}).
		Where("id = ? AND status = ?", ruleID, string(types.RuleActive)).
		Updates(map[string]any{
			"status":     string(types.RuleCanceled),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("cancel rule: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}

	s.notify()
	return nil
}

// UpdateTrailing persists a trailing stop's ratcheted trigger and high-water
// mark. Only ACTIVE rules are touched; a rule that left ACTIVE since
// evaluation is silently skipped (the terminal state wins).
func (s *Store) UpdateTrailing(ctx context.Context, ruleID string, trigger, highWater decimal.Decimal) error {
	res := s.db.WithContext(ctx).Model(&ruleRecord{}).
		Where("id = ? AND status = ?", ruleID, string(types.RuleActive)).
		Updates(map[string]any{
			"trigger_price":    trigger.String(),
			"high_water_price": highWater.String(),
			"updated_at":       time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("update trailing: %w", res.Error)
	}
	return nil
}

// AppendEvent writes one diagnostic event and prunes the log down to the
// configured retention. Event writes sit outside rule transactions; losing
// one is acceptable, losing a rule transition is not.
func (s *Store) AppendEvent(ctx context.Context, ev types.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	dataJSON := ""
	if ev.Data != nil {
		b, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
		dataJSON = string(b)
	}

	rec := eventRecord{
		EventID:   ev.ID,
		RuleID:    ev.RuleID,
		EventType: string(ev.EventType),
		DataJSON:  dataJSON,
		CreatedAt: ev.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	// Bounded retention: drop everything older than the newest N rows.
	err := s.db.WithContext(ctx).Exec(
		`DELETE FROM events WHERE id NOT IN (SELECT id FROM events ORDER BY id DESC LIMIT ?)`,
		s.retention,
	).Error
	if err != nil {
		return fmt.Errorf("prune events: %w", err)
	}
	return nil
}

// RecentEvents returns the newest events, newest first, capped at 100.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]types.Event, error) {
	limit = capLimit(limit)
	var recs []eventRecord
	err := s.db.WithContext(ctx).Order("id desc").Limit(limit).Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	events := make([]types.Event, len(recs))
	for i, rec := range recs {
		events[i] = fromEventRecord(rec)
	}
	return events, nil
}

// RecentTrades returns the newest trades, newest first, capped at 100.
func (s *Store) RecentTrades(ctx context.Context, limit int) ([]types.Trade, error) {
	limit = capLimit(limit)
	var recs []tradeRecord
	err := s.db.WithContext(ctx).Order("created_at desc").Limit(limit).Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("recent trades: %w", err)
	}
	trades := make([]types.Trade, len(recs))
	for i, rec := range recs {
		trades[i] = fromTradeRecord(rec)
	}
	return trades, nil
}

// RecentRules returns active rules plus the most recently updated terminal
// ones, newest first, capped at 100.
func (s *Store) RecentRules(ctx context.Context, limit int) ([]types.Rule, error) {
	limit = capLimit(limit)
	var recs []ruleRecord
	err := s.db.WithContext(ctx).Order("updated_at desc").Limit(limit).Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("recent rules: %w", err)
	}
	rules := make([]types.Rule, 0, len(recs))
	for _, rec := range recs {
		r, err := fromRuleRecord(rec)
		if err != nil {
			s.logger.Error("skipping unreadable rule", "rule", rec.ID, "error", err)
			continue
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// TradesForRule returns all trades recorded for one rule.
func (s *Store) TradesForRule(ctx context.Context, ruleID string) ([]types.Trade, error) {
	var recs []tradeRecord
	err := s.db.WithContext(ctx).Where("rule_id = ?", ruleID).Order("created_at asc").Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("trades for rule: %w", err)
	}
	trades := make([]types.Trade, len(recs))
	for i, rec := range recs {
		trades[i] = fromTradeRecord(rec)
	}
	return trades, nil
}

func capLimit(limit int) int {
	if limit <= 0 || limit > maxRecent {
		return maxRecent
	}
	return limit
}
