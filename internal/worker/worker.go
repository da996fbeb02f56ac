// Package worker is the coordination loop of the trade manager.
//
// One worker goroutine set consumes the feed's price stream, evaluates the
// in-memory rule index, persists trailing updates, and hands triggered rules
// to the executor. A second loop keeps the rule index and the feed's
// subscription set in sync with the store, and a third refreshes the position
// cache from the broker.
package worker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"polymarket-trade-manager/internal/broker"
	"polymarket-trade-manager/internal/config"
	"polymarket-trade-manager/internal/executor"
	"polymarket-trade-manager/internal/rules"
	"polymarket-trade-manager/internal/store"
	"polymarket-trade-manager/pkg/types"
)

// MarketFeed is the slice of the feed the worker depends on. Tests
// substitute a fake.
type MarketFeed interface {
	Prices() <-chan types.PriceUpdate
	IsConnected() bool
	SubscribedTokens() []string
	Subscribe(tokenIDs []string)
	Unsubscribe(tokenIDs []string)
}

// Worker coordinates the feed, the rule engine, the executor, and the store.
type Worker struct {
	feed   MarketFeed
	store  *store.Store
	broker broker.Broker
	exec   *executor.Executor
	cfg    config.WorkerConfig
	logger *slog.Logger

	rulesMu sync.RWMutex
	byToken map[string][]types.Rule // in-memory index of ACTIVE rules
	ruleIDs map[string]bool

	posMu     sync.RWMutex
	positions map[string]types.Position // keyed marketID|tokenID

	statusMu sync.RWMutex
	running  bool
	lastSync time.Time

	// lastEval coalesces RULE_EVALUATED events per rule.
	evalMu   sync.Mutex
	lastEval map[string]time.Time
}

// New creates a worker wired to its collaborators. The worker itself serves
// as the executor's position source.
func New(feed MarketFeed, st *store.Store, b broker.Broker, cfg config.WorkerConfig, execCfg config.ExecutorConfig, logger *slog.Logger) *Worker {
	w := &Worker{
		feed:      feed,
		store:     st,
		broker:    b,
		cfg:       cfg,
		logger:    logger.With("component", "worker"),
		byToken:   make(map[string][]types.Rule),
		ruleIDs:   make(map[string]bool),
		positions: make(map[string]types.Position),
		lastEval:  make(map[string]time.Time),
	}
	w.exec = executor.New(b, st, w, execCfg, logger)
	return w
}

// Run starts the coordination loops and blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.statusMu.Lock()
	w.running = true
	w.statusMu.Unlock()
	defer func() {
		w.statusMu.Lock()
		w.running = false
		w.statusMu.Unlock()
	}()

	// Initial sync before prices flow so the first updates find their rules.
	if err := w.syncRules(ctx); err != nil {
		w.logger.Error("initial rule sync failed", "error", err)
	}
	w.refreshPositions(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.priceLoop(ctx) })
	g.Go(func() error { return w.watchRules(ctx) })
	g.Go(func() error { return w.positionLoop(ctx) })
	return g.Wait()
}

// priceLoop consumes the feed's price stream.
func (w *Worker) priceLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case upd := <-w.feed.Prices():
			w.handlePrice(ctx, upd)
		}
	}
}

// handlePrice evaluates every active rule on the updated token.
func (w *Worker) handlePrice(ctx context.Context, upd types.PriceUpdate) {
	w.statusMu.Lock()
	w.lastSync = upd.Timestamp
	w.statusMu.Unlock()

	w.rulesMu.RLock()
	matched := make([]types.Rule, len(w.byToken[upd.TokenID]))
	copy(matched, w.byToken[upd.TokenID])
	w.rulesMu.RUnlock()

	for _, rule := range matched {
		d := rules.Evaluate(rule, upd.Price)
		w.recordEvaluation(ctx, rule, upd.Price, d.Kind == rules.Trigger)

		switch d.Kind {
		case rules.Trigger:
			if !w.exec.TryExecute(ctx, rule, upd.Price, nil) {
				w.logger.Debug("execution already in flight, dropping trigger",
					"rule", rule.ID, "price", upd.Price)
			}

		case rules.UpdateTrailing:
			w.applyTrailing(ctx, rule, d)
		}
	}
}

// applyTrailing persists a trailing ratchet and mirrors it into the index so
// the next price update sees the tightened trigger without a store round-trip.
func (w *Worker) applyTrailing(ctx context.Context, rule types.Rule, d rules.Decision) {
	if err := w.store.UpdateTrailing(ctx, rule.ID, d.NewTrigger, d.NewHighWater); err != nil {
		w.logger.Error("persisting trailing update", "rule", rule.ID, "error", err)
		return
	}

	w.rulesMu.Lock()
	for i, r := range w.byToken[rule.TokenID] {
		if r.ID == rule.ID {
			w.byToken[rule.TokenID][i].TriggerPrice = d.NewTrigger
			w.byToken[rule.TokenID][i].HighWaterPrice = d.NewHighWater
			break
		}
	}
	w.rulesMu.Unlock()

	w.appendEvent(ctx, rule.ID, types.EventRuleTrailingUpdated, map[string]any{
		"newTrigger":   d.NewTrigger.String(),
		"newHighWater": d.NewHighWater.String(),
	})
}

// recordEvaluation logs RULE_EVALUATED at most once per rule per interval.
func (w *Worker) recordEvaluation(ctx context.Context, rule types.Rule, price decimal.Decimal, triggered bool) {
	now := time.Now()
	w.evalMu.Lock()
	if last, ok := w.lastEval[rule.ID]; ok && now.Sub(last) < w.cfg.EvaluationEventInterval {
		w.evalMu.Unlock()
		return
	}
	w.lastEval[rule.ID] = now
	w.evalMu.Unlock()

	w.appendEvent(ctx, rule.ID, types.EventRuleEvaluated, map[string]any{
		"currentPrice": price.String(),
		"triggerPrice": rule.TriggerPrice.String(),
		"triggered":    triggered,
	})
}

// positionLoop refreshes the position cache from the broker.
func (w *Worker) positionLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PositionRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.refreshPositions(ctx)
		}
	}
}

func (w *Worker) refreshPositions(ctx context.Context) {
	positions, err := w.broker.GetPositions(ctx)
	if err != nil {
		// Keep serving the stale cache; the next tick retries.
		w.logger.Warn("position refresh failed", "error", err)
		return
	}

	fresh := make(map[string]types.Position, len(positions))
	for _, p := range positions {
		fresh[posKey(p.MarketID, p.TokenID)] = p
	}

	w.posMu.Lock()
	w.positions = fresh
	w.posMu.Unlock()
}

func posKey(marketID, tokenID string) string { return marketID + "|" + tokenID }

// Position returns the cached position for closed-market gating.
func (w *Worker) Position(marketID, tokenID string) (types.Position, bool) {
	w.posMu.RLock()
	defer w.posMu.RUnlock()
	p, ok := w.positions[posKey(marketID, tokenID)]
	return p, ok
}

// Positions returns the cached positions sorted by market then token.
func (w *Worker) Positions() []types.Position {
	w.posMu.RLock()
	out := make([]types.Position, 0, len(w.positions))
	for _, p := range w.positions {
		out = append(out, p)
	}
	w.posMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].MarketID != out[j].MarketID {
			return out[i].MarketID < out[j].MarketID
		}
		return out[i].TokenID < out[j].TokenID
	})
	return out
}

// Status is the process-local health snapshot, re-derived on every call.
func (w *Worker) Status() types.WorkerStatus {
	w.statusMu.RLock()
	running, lastSync := w.running, w.lastSync
	w.statusMu.RUnlock()

	w.rulesMu.RLock()
	count := len(w.ruleIDs)
	w.rulesMu.RUnlock()

	return types.WorkerStatus{
		Running:          running,
		FeedConnected:    w.feed.IsConnected(),
		ActiveRulesCount: count,
		Subscriptions:    w.feed.SubscribedTokens(),
		LastSyncTime:     lastSync,
	}
}

func (w *Worker) appendEvent(ctx context.Context, ruleID string, et types.EventType, data map[string]any) {
	err := w.store.AppendEvent(ctx, types.Event{
		RuleID:    ruleID,
		EventType: et,
		Data:      data,
	})
	if err != nil {
		w.logger.Error("append event", "rule", ruleID, "type", et, "error", err)
	}
}
