package executor

import (
	"errors"
	"fmt"
	"testing"

	"polymarket-trade-manager/internal/broker"
)

func TestIsPermanent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"bad request", &broker.APIError{Status: 400, Message: "bad order"}, true},
		{"forbidden", &broker.APIError{Status: 403, Message: ""}, true},
		{"not found", &broker.APIError{Status: 404, Message: ""}, true},
		{"rate limited", &broker.APIError{Status: 429, Message: "slow down"}, false},
		{"plain 500", &broker.APIError{Status: 500, Message: "internal error"}, false},
		{"503", &broker.APIError{Status: 503, Message: "unavailable"}, false},
		{"500 with orderbook hint", &broker.APIError{Status: 500, Message: "no orderbook exists"}, true},
		{"500 with match hint", &broker.APIError{Status: 500, Message: "order could not be matched"}, true},
		{"insufficient funds", &broker.APIError{Status: 200, Message: "Insufficient Funds for order"}, true},
		{"invalid token", &broker.APIError{Status: 200, Message: "invalid token id"}, true},
		{"market closed", &broker.APIError{Status: 200, Message: "Market Closed"}, true},
		{"market resolved", &broker.APIError{Status: 200, Message: "market resolved"}, true},
		{"position not found", &broker.APIError{Status: 200, Message: "position not found"}, true},
		{"no orderbook data", &broker.APIError{Status: 200, Message: "no orderbook data"}, true},
		{"network error", fmt.Errorf("dial tcp: connection refused"), false},
		{"timeout", errors.New("context deadline exceeded"), false},
		{"wrapped api error", fmt.Errorf("post order: %w", &broker.APIError{Status: 400, Message: "x"}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := isPermanent(tt.err); got != tt.want {
				t.Errorf("isPermanent(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsNoMatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want bool
	}{
		{&broker.APIError{Status: 400, Message: "no match"}, true},
		{&broker.APIError{Status: 400, Message: "not enough liquidity: no liquidity"}, true},
		{&broker.APIError{Status: 500, Message: "order could not be matched"}, true},
		{&broker.APIError{Status: 400, Message: "invalid price"}, false},
		{errors.New("no match"), false}, // only venue rejections count
	}

	for _, tt := range tests {
		if got := isNoMatch(tt.err); got != tt.want {
			t.Errorf("isNoMatch(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
