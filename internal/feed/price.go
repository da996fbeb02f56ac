// price.go reduces wire frames to PriceUpdate values.
//
// A "book" frame yields the mid of the best bid and best ask. When only one
// side has depth, that side is used directly (the venue's books are often
// one-sided near resolution); this fallback can be disabled via
// AllowOneSidedBook. A "last_trade_price" frame yields its price verbatim.
// Every surfaced price is clamped to (0, 1].
package feed

import (
	"github.com/shopspring/decimal"

	"polymarket-trade-manager/pkg/types"
)

var (
	one = decimal.NewFromInt(1)
	two = decimal.NewFromInt(2)
)

// priceFromBook derives a mid-price from a book snapshot. Returns false when
// the frame carries no usable price.
func priceFromBook(evt types.WSBookEvent, allowOneSided bool) (types.PriceUpdate, bool) {
	bid, hasBid := bestPrice(evt.Buys, true)
	ask, hasAsk := bestPrice(evt.Sells, false)

	var mid decimal.Decimal
	switch {
	case hasBid && hasAsk:
		mid = bid.Add(ask).Div(two)
	case hasBid && allowOneSided:
		mid = bid
	case hasAsk && allowOneSided:
		mid = ask
	default:
		return types.PriceUpdate{}, false
	}

	return clampFeedPrice(mid)
}

// priceFromLastTrade uses the traded price directly, discarding values
// outside (0, 1].
func priceFromLastTrade(evt types.WSLastTradePrice) (types.PriceUpdate, bool) {
	p, err := decimal.NewFromString(evt.Price)
	if err != nil {
		return types.PriceUpdate{}, false
	}
	if p.LessThanOrEqual(decimal.Zero) || p.GreaterThan(one) {
		return types.PriceUpdate{}, false
	}
	return types.PriceUpdate{Price: p}, true
}

// bestPrice scans a side for its best level: highest price among buys,
// lowest among sells. Levels that fail to parse are skipped.
func bestPrice(levels []types.PriceLevel, wantMax bool) (decimal.Decimal, bool) {
	var best decimal.Decimal
	found := false
	for _, lvl := range levels {
		p, err := decimal.NewFromString(lvl.Price)
		if err != nil {
			continue
		}
		if !found || (wantMax && p.GreaterThan(best)) || (!wantMax && p.LessThan(best)) {
			best = p
			found = true
		}
	}
	return best, found
}

// clampFeedPrice clamps to (0, 1]: values above 1 snap to 1, non-positive
// values are dropped (the interval is open at zero).
func clampFeedPrice(p decimal.Decimal) (types.PriceUpdate, bool) {
	if p.LessThanOrEqual(decimal.Zero) {
		return types.PriceUpdate{}, false
	}
	if p.GreaterThan(one) {
		p = one
	}
	return types.PriceUpdate{Price: p}, true
}
