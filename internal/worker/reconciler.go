// reconciler.go keeps the rule index and the feed's subscription set in sync
// with the store. Rules can change underneath the worker (dashboard inserts,
// cancellations, executor transitions), so the index is rebuilt from the
// store rather than patched incrementally.
//
// The worker is the feed's only Subscribe/Unsubscribe caller, which keeps
// the reconciliation diff authoritative.
package worker

import (
	"context"
	"fmt"
	"time"

	"polymarket-trade-manager/pkg/types"
)

// watchRules rebuilds the index on a timer and whenever the store signals a
// change. The timer also cleans up after missed change notifications.
func (w *Worker) watchRules(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-w.store.Changes():
		}

		if err := w.syncRules(ctx); err != nil {
			w.logger.Error("rule sync failed", "error", err)
		}
	}
}

// syncRules loads the active set, swaps the in-memory index, and reconciles
// the feed's subscriptions against the tokens the rules need.
func (w *Worker) syncRules(ctx context.Context) error {
	active, err := w.store.ListActiveRules(ctx)
	if err != nil {
		return fmt.Errorf("list active rules: %w", err)
	}

	byToken := make(map[string][]types.Rule)
	ruleIDs := make(map[string]bool, len(active))
	for _, r := range active {
		byToken[r.TokenID] = append(byToken[r.TokenID], r)
		ruleIDs[r.ID] = true
	}

	w.rulesMu.Lock()
	w.byToken = byToken
	w.ruleIDs = ruleIDs
	w.rulesMu.Unlock()

	// Evaluation timestamps for rules that left the active set are garbage.
	w.evalMu.Lock()
	for id := range w.lastEval {
		if !ruleIDs[id] {
			delete(w.lastEval, id)
		}
	}
	w.evalMu.Unlock()

	w.reconcileSubscriptions(byToken)
	return nil
}

// reconcileSubscriptions diffs the tokens the active rules need against what
// the feed is subscribed to.
func (w *Worker) reconcileSubscriptions(byToken map[string][]types.Rule) {
	current := make(map[string]bool)
	for _, id := range w.feed.SubscribedTokens() {
		current[id] = true
	}

	var missing []string
	for token := range byToken {
		if !current[token] {
			missing = append(missing, token)
		}
	}

	var stale []string
	for token := range current {
		if _, needed := byToken[token]; !needed {
			stale = append(stale, token)
		}
	}

	if len(missing) > 0 {
		w.logger.Info("subscribing tokens", "count", len(missing))
		w.feed.Subscribe(missing)
	}
	if len(stale) > 0 {
		w.logger.Info("unsubscribing tokens", "count", len(stale))
		w.feed.Unsubscribe(stale)
	}
}
