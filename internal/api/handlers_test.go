package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-trade-manager/internal/config"
	"polymarket-trade-manager/internal/store"
	"polymarket-trade-manager/pkg/types"
)

type stubWorker struct {
	status    types.WorkerStatus
	positions []types.Position
}

func (s *stubWorker) Status() types.WorkerStatus  { return s.status }
func (s *stubWorker) Positions() []types.Position { return s.positions }

func testServer(t *testing.T, worker *stubWorker) (*Server, *store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), 100, logger)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if worker == nil {
		worker = &stubWorker{}
	}
	return New(config.DashboardConfig{Port: 0}, st, worker, logger), st
}

func doRequest(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)
	return rec
}

func TestWorkerHealth(t *testing.T) {
	t.Parallel()

	worker := &stubWorker{status: types.WorkerStatus{
		Running:          true,
		FeedConnected:    true,
		ActiveRulesCount: 3,
		Subscriptions:    []string{"tok1"},
		LastSyncTime:     time.Now(),
	}}
	s, _ := testServer(t, worker)

	rec := doRequest(t, s, http.MethodGet, "/health/worker")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var got types.WorkerStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !got.Running || got.ActiveRulesCount != 3 {
		t.Errorf("body = %+v", got)
	}
}

func TestWorkerHealthDegraded(t *testing.T) {
	t.Parallel()

	worker := &stubWorker{status: types.WorkerStatus{Running: true, FeedConnected: false}}
	s, _ := testServer(t, worker)

	rec := doRequest(t, s, http.MethodGet, "/health/worker")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 when the feed is down", rec.Code)
	}
}

func TestRulesEndpoint(t *testing.T) {
	t.Parallel()

	s, st := testServer(t, nil)
	_, err := st.CreateRule(context.Background(), types.Rule{
		RuleType:     types.StopLoss,
		MarketID:     "mkt1",
		TokenID:      "tok1",
		Side:         types.BUY,
		TriggerPrice: decimal.RequireFromString("0.40"),
		Action:       types.Action{Type: types.SellAll},
	})
	if err != nil {
		t.Fatalf("CreateRule: %v", err)
	}

	rec := doRequest(t, s, http.MethodGet, "/api/rules")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		Rules []types.Rule `json:"rules"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Rules) != 1 || body.Rules[0].TokenID != "tok1" {
		t.Errorf("rules = %+v", body.Rules)
	}
}

func TestPositionsEndpoint(t *testing.T) {
	t.Parallel()

	worker := &stubWorker{positions: []types.Position{
		{MarketID: "mkt1", TokenID: "tok1", Quantity: decimal.NewFromInt(10)},
	}}
	s, _ := testServer(t, worker)

	rec := doRequest(t, s, http.MethodGet, "/api/positions")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		Positions []types.Position `json:"positions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Positions) != 1 || body.Positions[0].TokenID != "tok1" {
		t.Errorf("positions = %+v", body.Positions)
	}
}

func TestEventsEndpointWithLimit(t *testing.T) {
	t.Parallel()

	s, st := testServer(t, nil)
	for i := 0; i < 5; i++ {
		err := st.AppendEvent(context.Background(), types.Event{
			RuleID:    "r1",
			EventType: types.EventRuleEvaluated,
		})
		if err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	rec := doRequest(t, s, http.MethodGet, "/api/events?limit=2")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		Events []types.Event `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Events) != 2 {
		t.Errorf("events = %d, want limit of 2", len(body.Events))
	}
}

func TestTradesEndpointEmpty(t *testing.T) {
	t.Parallel()

	s, _ := testServer(t, nil)
	rec := doRequest(t, s, http.MethodGet, "/api/trades")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", rec.Header().Get("Content-Type"))
	}
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()

	s, _ := testServer(t, nil)
	rec := doRequest(t, s, http.MethodPost, "/api/rules")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405 (the dashboard is read-only)", rec.Code)
	}
}
