package executor

import (
	"errors"
	"strings"

	"polymarket-trade-manager/internal/broker"
)

// permanentMessages are venue rejection substrings that no retry will fix.
// Matched case-insensitively against the broker's error message.
var permanentMessages = []string{
	"insufficient funds",
	"invalid token",
	"invalid price",
	"market closed",
	"market resolved",
	"position not found",
	"no orderbook data",
}

// noMatchMessages indicate the order reached the venue but found no
// counterparty. A limit attempt that hits one of these is retried as a
// market order before giving up.
var noMatchMessages = []string{
	"no match",
	"no liquidity",
	"could not be matched",
}

// isPermanent classifies a broker error. Permanent failures move the rule to
// FAILED; transient ones leave it ACTIVE for the next price update.
//
//   - 400/403/404 are venue rejections of the request itself.
//   - Known message substrings are permanent regardless of status.
//   - 5xx is normally transient, but a 5xx that mentions the order book or a
//     match failure means the venue understood and refused the order.
//   - Anything else (timeouts, connection resets, 429) is transient.
func isPermanent(err error) bool {
	var apiErr *broker.APIError
	if !errors.As(err, &apiErr) {
		return false
	}

	switch apiErr.Status {
	case 400, 403, 404:
		return true
	}

	msg := strings.ToLower(apiErr.Message)
	for _, s := range permanentMessages {
		if strings.Contains(msg, s) {
			return true
		}
	}

	if apiErr.Status >= 500 {
		if strings.Contains(msg, "orderbook") || isNoMatchMessage(msg) {
			return true
		}
	}
	return false
}

// isNoMatch reports whether the error is a liquidity miss that warrants a
// market-order retry.
func isNoMatch(err error) bool {
	var apiErr *broker.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return isNoMatchMessage(strings.ToLower(apiErr.Message))
}

func isNoMatchMessage(lowerMsg string) bool {
	for _, s := range noMatchMessages {
		if strings.Contains(lowerMsg, s) {
			return true
		}
	}
	return false
}
