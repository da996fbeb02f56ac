// Package store persists rules, trades, and events in a local SQLite
// database via GORM.
//
// The store is the single source of truth for rule state. Terminal
// transitions are conditional updates guarded by the current status, so the
// linear lifecycle (ACTIVE → TRIGGERED | FAILED | CANCELED) is enforced at
// the storage layer: a transition that loses the race returns ErrConflict.
// The TRIGGERED transition and its Trade record are committed in a single
// transaction.
//
// Rule mutations signal Changes(), a coalesced notification consumed by the
// worker to rebuild its token index and resync feed subscriptions.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"polymarket-trade-manager/pkg/types"
)

var (
	// ErrNotFound is returned when a rule does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a transition's status precondition fails,
	// i.e. the rule is no longer in the expected state.
	ErrConflict = errors.New("store: status conflict")
)

// Store wraps the SQLite database with typed operations.
type Store struct {
	db        *gorm.DB
	logger    *slog.Logger
	retention int           // max event rows kept
	changes   chan struct{} // coalesced rule-change notifications
}

// Open creates (or opens) the database at path and migrates the schema.
func Open(path string, retention int, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if err := db.AutoMigrate(&ruleRecord{}, &tradeRecord{}, &eventRecord{}); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	return &Store{
		db:        db,
		logger:    logger.With("component", "store"),
		retention: retention,
		changes:   make(chan struct{}, 1),
	}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Changes returns a coalesced notification channel signaled whenever a rule
// is created or changes state.
func (s *Store) Changes() <-chan struct{} { return s.changes }

func (s *Store) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// ————————————————————————————————————————————————————————————————————————
// Records
// ————————————————————————————————————————————————————————————————————————
// Decimal columns are stored as strings to preserve the wire precision.

type ruleRecord struct {
	ID              string `gorm:"primaryKey"`
	RuleType        string
	MarketID        string `gorm:"index"`
	TokenID         string `gorm:"index"`
	Side            string
	TriggerPrice    string
	TrailingPercent string
	HighWaterPrice  string
	ActionJSON      string
	Status          string `gorm:"index"`
	TriggeredAt     *time.Time
	TriggeredByTxID string
	ErrorMessage    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (ruleRecord) TableName() string { return "rules" }

type tradeRecord struct {
	ID           string `gorm:"primaryKey"`
	RuleID       string `gorm:"index"`
	RuleType     string
	MarketID     string
	TokenID      string
	TradeSide    string
	TriggerPrice string
	Price        string
	Amount       string
	OrderID      string
	CreatedAt    time.Time `gorm:"index"`
}

func (tradeRecord) TableName() string { return "trades" }

type eventRecord struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	EventID   string `gorm:"uniqueIndex"`
	RuleID    string `gorm:"index"`
	EventType string
	DataJSON  string
	CreatedAt time.Time `gorm:"index"`
}

func (eventRecord) TableName() string { return "events" }

// ————————————————————————————————————————————————————————————————————————
// Conversions
// ————————————————————————————————————————————————————————————————————————

func toRuleRecord(r types.Rule) (ruleRecord, error) {
	actionJSON, err := json.Marshal(r.Action)
	if err != nil {
		return ruleRecord{}, fmt.Errorf("marshal action: %w", err)
	}
	return ruleRecord{
		ID:              r.ID,
		RuleType:        string(r.RuleType),
		MarketID:        r.MarketID,
		TokenID:         r.TokenID,
		Side:            string(r.Side),
		TriggerPrice:    r.TriggerPrice.String(),
		TrailingPercent: r.TrailingPercent.String(),
		HighWaterPrice:  r.HighWaterPrice.String(),
		ActionJSON:      string(actionJSON),
		Status:          string(r.Status),
		TriggeredAt:     r.TriggeredAt,
		TriggeredByTxID: r.TriggeredByTxID,
		ErrorMessage:    r.ErrorMessage,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}, nil
}

// fromRuleRecord rebuilds the domain rule, parsing the stored action into
// its tagged union. Rules with unrecognized actions are rejected here rather
// than at execution time.
func fromRuleRecord(rec ruleRecord) (types.Rule, error) {
	action, err := types.ParseAction(rec.ActionJSON)
	if err != nil {
		return types.Rule{}, fmt.Errorf("rule %s: %w", rec.ID, err)
	}

	trigger, err := decimal.NewFromString(rec.TriggerPrice)
	if err != nil {
		return types.Rule{}, fmt.Errorf("rule %s: parse trigger price: %w", rec.ID, err)
	}
	trailing, err := decimal.NewFromString(rec.TrailingPercent)
	if err != nil {
		return types.Rule{}, fmt.Errorf("rule %s: parse trailing percent: %w", rec.ID, err)
	}
	highWater, err := decimal.NewFromString(rec.HighWaterPrice)
	if err != nil {
		return types.Rule{}, fmt.Errorf("rule %s: parse high water: %w", rec.ID, err)
	}

	return types.Rule{
		ID:              rec.ID,
		RuleType:        types.RuleType(rec.RuleType),
		MarketID:        rec.MarketID,
		TokenID:         rec.TokenID,
		Side:            types.Side(rec.Side),
		TriggerPrice:    trigger,
		TrailingPercent: trailing,
		HighWaterPrice:  highWater,
		Action:          action,
		Status:          types.RuleStatus(rec.Status),
		TriggeredAt:     rec.TriggeredAt,
		TriggeredByTxID: rec.TriggeredByTxID,
		ErrorMessage:    rec.ErrorMessage,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}, nil
}

func toTradeRecord(t types.Trade) tradeRecord {
	return tradeRecord{
		ID:           t.ID,
		RuleID:       t.RuleID,
		RuleType:     string(t.RuleType),
		MarketID:     t.MarketID,
		TokenID:      t.TokenID,
		TradeSide:    string(t.TradeSide),
		TriggerPrice: t.TriggerPrice.String(),
		Price:        t.Price.String(),
		Amount:       t.Amount.String(),
		OrderID:      t.OrderID,
		CreatedAt:    t.CreatedAt,
	}
}

func fromTradeRecord(rec tradeRecord) types.Trade {
	trigger, _ := decimal.NewFromString(rec.TriggerPrice)
	price, _ := decimal.NewFromString(rec.Price)
	amount, _ := decimal.NewFromString(rec.Amount)
	return types.Trade{
		ID:           rec.ID,
		RuleID:       rec.RuleID,
		RuleType:     types.RuleType(rec.RuleType),
		MarketID:     rec.MarketID,
		TokenID:      rec.TokenID,
		TradeSide:    types.Side(rec.TradeSide),
		TriggerPrice: trigger,
		Price:        price,
		Amount:       amount,
		OrderID:      rec.OrderID,
		CreatedAt:    rec.CreatedAt,
	}
}

func fromEventRecord(rec eventRecord) types.Event {
	var data map[string]any
	if rec.DataJSON != "" {
		_ = json.Unmarshal([]byte(rec.DataJSON), &data)
	}
	return types.Event{
		ID:        rec.EventID,
		RuleID:    rec.RuleID,
		EventType: types.EventType(rec.EventType),
		Data:      data,
		CreatedAt: rec.CreatedAt,
	}
}
