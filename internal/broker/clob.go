// clob.go is the production Broker against the Polymarket CLOB and data APIs.
//
//   - GetCurrentPrice: GET  /book          — mid-price from the L2 book
//   - PlaceOrder:      POST /order          — one signed order (FAK or FOK)
//   - GetHoldings:     GET  data-api /positions — wallet balances
//   - GetPositions:    GET  data-api /positions — positions with metadata
//   - DeriveAPIKey:    GET  /auth/derive-api-key — bootstrap L2 creds
//
// Requests are rate-limited per endpoint category and carry L2 HMAC headers
// where the venue requires them. In dry-run mode only PlaceOrder is stubbed:
// the read-only endpoints stay live (keyed by the funder address, no signing
// needed) so the pre-trade gates still see real holdings.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"polymarket-trade-manager/internal/config"
	"polymarket-trade-manager/pkg/types"
)

// ctfExchange is the CTF exchange contract that verifies order signatures.
const ctfExchange = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"

// CLOB implements Broker against the live venue.
type CLOB struct {
	http   *resty.Client // CLOB API client
	data   *resty.Client // data API client (positions/holdings)
	auth   *Auth
	funder string // wallet queried on the data API
	rl     *RateLimiter
	dryRun bool
	logger *slog.Logger
}

var _ Broker = (*CLOB)(nil)

// NewCLOB creates a venue client. The per-call timeout from config applies
// to every request.
func NewCLOB(cfg config.BrokerConfig, dryRun bool, logger *slog.Logger) (*CLOB, error) {
	var auth *Auth
	funder := cfg.FunderAddress
	if !dryRun {
		a, err := NewAuth(cfg)
		if err != nil {
			return nil, err
		}
		auth = a
		funder = a.FunderAddress().Hex()
	}

	newClient := func(baseURL string) *resty.Client {
		return resty.New().
			SetBaseURL(baseURL).
			SetTimeout(cfg.Timeout).
			SetRetryCount(0). // retry policy belongs to the executor
			SetHeader("Content-Type", "application/json")
	}

	return &CLOB{
		http:   newClient(cfg.CLOBBaseURL),
		data:   newClient(cfg.DataBaseURL),
		auth:   auth,
		funder: funder,
		rl:     NewRateLimiter(),
		dryRun: dryRun,
		logger: logger.With("component", "broker"),
	}, nil
}

// Init derives L2 API credentials when none are configured. Dry-run clients
// skip the wire entirely.
func (c *CLOB) Init(ctx context.Context) error {
	if c.dryRun || c.auth.HasL2Credentials() {
		return nil
	}

	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return fmt.Errorf("l1 headers: %w", err)
	}

	var creds Credentials
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&creds).
		ForceContentType("application/json").
		Get("/auth/derive-api-key")
	if err != nil {
		return fmt.Errorf("derive api key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return &APIError{Status: resp.StatusCode(), Message: resp.String()}
	}

	c.auth.SetCredentials(creds)
	c.logger.Info("API key derived", "api_key", creds.ApiKey)
	return nil
}

// bookResponse is the REST shape of GET /book.
type bookResponse struct {
	AssetID string             `json:"asset_id"`
	Bids    []types.PriceLevel `json:"bids"`
	Asks    []types.PriceLevel `json:"asks"`
}

// GetCurrentPrice returns the mid of the best bid and ask, a single side
// when the book is one-sided, or zero when the book is empty.
func (c *CLOB) GetCurrentPrice(ctx context.Context, marketID, tokenID string) (decimal.Decimal, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return decimal.Zero, err
	}

	var book bookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&book).
		ForceContentType("application/json").
		Get("/book")
	if err != nil {
		return decimal.Zero, fmt.Errorf("get book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return decimal.Zero, &APIError{Status: resp.StatusCode(), Message: resp.String()}
	}

	bid, hasBid := bestLevel(book.Bids, true)
	ask, hasAsk := bestLevel(book.Asks, false)
	switch {
	case hasBid && hasAsk:
		return bid.Add(ask).Div(decimal.NewFromInt(2)), nil
	case hasBid:
		return bid, nil
	case hasAsk:
		return ask, nil
	default:
		return decimal.Zero, nil
	}
}

// dataPosition is the data-api /positions row.
type dataPosition struct {
	Asset       string  `json:"asset"` // token ID
	ConditionID string  `json:"conditionId"`
	Size        float64 `json:"size"`
	AvgPrice    float64 `json:"avgPrice"`
	CurPrice    float64 `json:"curPrice"`
	Title       string  `json:"title"`
	Outcome     string  `json:"outcome"`
	Redeemable  bool    `json:"redeemable"`
	EndDate     string  `json:"endDate"`
}

// GetHoldings returns the wallet's token balances.
func (c *CLOB) GetHoldings(ctx context.Context) ([]types.Holding, error) {
	rows, err := c.fetchPositions(ctx)
	if err != nil {
		return nil, err
	}

	holdings := make([]types.Holding, 0, len(rows))
	for _, row := range rows {
		holdings = append(holdings, types.Holding{
			TokenID:     row.Asset,
			Shares:      decimal.NewFromFloat(row.Size),
			Outcome:     row.Outcome,
			MarketTitle: row.Title,
			Redeemable:  row.Redeemable,
		})
	}
	return holdings, nil
}

// GetPositions returns the wallet's positions with venue metadata.
func (c *CLOB) GetPositions(ctx context.Context) ([]types.Position, error) {
	rows, err := c.fetchPositions(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	positions := make([]types.Position, 0, len(rows))
	for _, row := range rows {
		pos := types.Position{
			MarketID:      row.ConditionID,
			TokenID:       row.Asset,
			Side:          types.BUY, // data-api reports held (long) balances
			Quantity:      decimal.NewFromFloat(row.Size),
			AvgEntryPrice: decimal.NewFromFloat(row.AvgPrice),
			CurrentPrice:  decimal.NewFromFloat(row.CurPrice),
			Redeemable:    row.Redeemable,
			LastUpdatedAt: now,
		}
		if row.EndDate != "" {
			if end, err := time.Parse(time.RFC3339, row.EndDate); err == nil {
				pos.EndDate = &end
			}
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

func (c *CLOB) fetchPositions(ctx context.Context) ([]dataPosition, error) {
	// A dry-run without a funder address has no wallet to look at.
	if c.funder == "" {
		return nil, nil
	}
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	var rows []dataPosition
	resp, err := c.data.R().
		SetContext(ctx).
		SetQueryParam("user", c.funder).
		SetResult(&rows).
		ForceContentType("application/json").
		Get("/positions")
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode(), Message: resp.String()}
	}
	return rows, nil
}

// signedOrder is the on-chain order format the CLOB API expects.
// Amounts are in 6-decimal USDC units (1e6 = $1).
type signedOrder struct {
	Salt          string `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Side          string `json:"side"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

type orderPayload struct {
	Order     signedOrder `json:"order"`
	Owner     string      `json:"owner"`
	OrderType string      `json:"orderType"` // FAK (limit) or FOK (market)
}

type orderResponse struct {
	Success         bool     `json:"success"`
	ErrorMsg        string   `json:"errorMsg"`
	OrderID         string   `json:"orderID"`
	Status          string   `json:"status"`
	TransactionHash []string `json:"transactionsHashes"`
}

// PlaceOrder submits one order. A limit price yields a fill-and-kill order
// at that price; nil places a fill-or-kill marketable order. Venue
// rejections (including HTTP 200 bodies with success=false) come back as
// *APIError so the executor can classify them.
func (c *CLOB) PlaceOrder(ctx context.Context, tokenID string, side types.Side, amount decimal.Decimal, limitPrice *decimal.Decimal) (types.OrderAck, error) {
	price := types.MinOrderPrice // marketable floor for a FOK sell
	orderType := "FOK"
	if limitPrice != nil {
		price = *limitPrice
		orderType = "FAK"
	}
	if side == types.BUY && limitPrice == nil {
		price = types.MaxOrderPrice
	}

	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order",
			"token", tokenID, "side", side, "amount", amount, "price", price, "type", orderType)
		return types.OrderAck{OrderID: "dry-run"}, nil
	}

	if err := c.rl.Order.Wait(ctx); err != nil {
		return types.OrderAck{}, err
	}

	payload, err := c.buildOrderPayload(tokenID, side, amount, price, orderType)
	if err != nil {
		return types.OrderAck{}, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return types.OrderAck{}, fmt.Errorf("marshal order: %w", err)
	}
	headers, err := c.auth.L2Headers("POST", "/order", string(body))
	if err != nil {
		return types.OrderAck{}, fmt.Errorf("l2 headers: %w", err)
	}

	var result orderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		ForceContentType("application/json").
		Post("/order")
	if err != nil {
		return types.OrderAck{}, fmt.Errorf("post order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		msg := result.ErrorMsg
		if msg == "" {
			msg = resp.String()
		}
		return types.OrderAck{}, &APIError{Status: resp.StatusCode(), Message: msg}
	}
	if !result.Success {
		return types.OrderAck{}, &APIError{Status: resp.StatusCode(), Message: result.ErrorMsg}
	}

	ack := types.OrderAck{OrderID: result.OrderID}
	if len(result.TransactionHash) > 0 {
		ack.TxID = result.TransactionHash[0]
	}
	return ack, nil
}

// buildOrderPayload converts price/amount to 6-decimal maker/taker amounts,
// signs the order for the CTF exchange, and wraps it for POST /order.
func (c *CLOB) buildOrderPayload(tokenID string, side types.Side, amount, price decimal.Decimal, orderType string) (orderPayload, error) {
	makerAmt, takerAmt := orderAmounts(side, amount, price)

	salt, err := newSalt()
	if err != nil {
		return orderPayload{}, err
	}

	sideCode := "0"
	if side == types.SELL {
		sideCode = "1"
	}

	msg := apitypes.TypedDataMessage{
		"salt":          salt.String(),
		"maker":         c.auth.FunderAddress().Hex(),
		"signer":        c.auth.Address().Hex(),
		"taker":         "0x0000000000000000000000000000000000000000",
		"tokenId":       tokenID,
		"makerAmount":   makerAmt.String(),
		"takerAmount":   takerAmt.String(),
		"expiration":    "0",
		"nonce":         "0",
		"feeRateBps":    "0",
		"side":          sideCode,
		"signatureType": "0",
	}

	sig, err := c.auth.signTypedData(
		apitypes.TypedDataDomain{
			Name:              "Polymarket CTF Exchange",
			Version:           "1",
			ChainId:           (*ethmath.HexOrDecimal256)(new(big.Int).Set(c.auth.chainID)),
			VerifyingContract: ctfExchange,
		},
		apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": {
				{Name: "salt", Type: "uint256"},
				{Name: "maker", Type: "address"},
				{Name: "signer", Type: "address"},
				{Name: "taker", Type: "address"},
				{Name: "tokenId", Type: "uint256"},
				{Name: "makerAmount", Type: "uint256"},
				{Name: "takerAmount", Type: "uint256"},
				{Name: "expiration", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "feeRateBps", Type: "uint256"},
				{Name: "side", Type: "uint8"},
				{Name: "signatureType", Type: "uint8"},
			},
		},
		msg,
		"Order",
	)
	if err != nil {
		return orderPayload{}, fmt.Errorf("sign order: %w", err)
	}

	return orderPayload{
		Order: signedOrder{
			Salt:        salt.String(),
			Maker:       c.auth.FunderAddress().Hex(),
			Signer:      c.auth.Address().Hex(),
			Taker:       "0x0000000000000000000000000000000000000000",
			TokenID:     tokenID,
			MakerAmount: makerAmt.String(),
			TakerAmount: takerAmt.String(),
			Side:        string(side),
			Expiration:  "0",
			Nonce:       "0",
			FeeRateBps:  "0",
			Signature:   "0x" + fmt.Sprintf("%x", sig),
		},
		Owner:     c.auth.creds.ApiKey,
		OrderType: orderType,
	}, nil
}

// orderAmounts converts shares and price to 6-decimal integer amounts.
//
// For BUY:  maker gives USDC (shares × price), receives shares.
// For SELL: maker gives shares, receives USDC (shares × price).
// Shares are truncated at 2 decimals, USDC at 4, matching the venue's
// standard tick rounding.
func orderAmounts(side types.Side, shares, price decimal.Decimal) (makerAmt, takerAmt *big.Int) {
	scale := decimal.NewFromInt(1_000_000) // USDC 6 decimals

	sharesRounded := shares.Truncate(2)
	usdc := sharesRounded.Mul(price).Truncate(4)

	sharesInt := sharesRounded.Mul(scale).BigInt()
	usdcInt := usdc.Mul(scale).BigInt()

	if side == types.BUY {
		return usdcInt, sharesInt
	}
	return sharesInt, usdcInt
}

// bestLevel returns the best price on one side of a REST book: highest bid
// or lowest ask. Unparseable levels are skipped.
func bestLevel(levels []types.PriceLevel, wantMax bool) (decimal.Decimal, bool) {
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
