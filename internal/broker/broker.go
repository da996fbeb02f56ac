// Package broker talks to the trading venue.
//
// Broker is the narrow interface the executor and worker depend on; CLOB is
// the production implementation against the Polymarket CLOB and data APIs.
// Tests substitute fakes.
package broker

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"polymarket-trade-manager/pkg/types"
)

// Broker exposes the four venue operations the trade manager needs. Every
// call honors its context; the production client applies a per-call timeout.
type Broker interface {
	// GetHoldings returns the wallet's current token balances.
	GetHoldings(ctx context.Context) ([]types.Holding, error)

	// GetPositions returns the wallet's open positions with venue metadata
	// (end date, redeemable flag) used for closed-market detection.
	GetPositions(ctx context.Context) ([]types.Position, error)

	// GetCurrentPrice returns the current mid-price for a token, or zero
	// when the venue has no order-book data.
	GetCurrentPrice(ctx context.Context, marketID, tokenID string) (decimal.Decimal, error)

	// PlaceOrder submits an order. A nil limitPrice places a marketable
	// (fill-or-kill) order. Venue rejections are returned as *APIError.
	PlaceOrder(ctx context.Context, tokenID string, side types.Side, amount decimal.Decimal, limitPrice *decimal.Decimal) (types.OrderAck, error)
}

// APIError is a venue rejection: an HTTP status plus the venue's message.
// The executor's failure classification keys off both fields.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("broker: status %d: %s", e.Status, e.Message)
	}
	return "broker: " + e.Message
}
