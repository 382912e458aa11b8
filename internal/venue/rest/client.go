package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"rwa-exposure-bundle/internal/venue"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	signer  *Signer
	log     *zap.Logger
}

func New(baseURL string, timeout time.Duration, ratePerSecond float64, burst int, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	limit := rate.Inf
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(limit, burst),
		log:     log,
	}
}

// SetSigner makes every request carry the signer's address, nonce and
// signature headers.
func (c *Client) SetSigner(s *Signer) {
	c.signer = s
}

var (
	_ venue.PriceOracle    = (*Client)(nil)
	_ venue.ExchangeRouter = (*Client)(nil)
	_ venue.TRSProvider    = (*Client)(nil)
	_ venue.PerpRouter     = (*Client)(nil)
	_ venue.YieldVault     = (*Vault)(nil)
)

type priceRequest struct {
	Asset string `json:"asset"`
}

type amountResponse struct {
	Amount decimal.Decimal `json:"amount"`
}

func (c *Client) Price(ctx context.Context, asset string) (decimal.Decimal, error) {
	var resp struct {
		Price decimal.Decimal `json:"price"`
	}
	if err := c.post(ctx, "/oracle/price", priceRequest{Asset: asset}, &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.Price, nil
}

type swapRequest struct {
	FromAsset string          `json:"from_asset"`
	ToAsset   string          `json:"to_asset"`
	Amount    decimal.Decimal `json:"amount"`
	MinReturn decimal.Decimal `json:"min_return,omitempty"`
}

func (c *Client) Swap(ctx context.Context, fromAsset, toAsset string, amount, minReturn decimal.Decimal) (decimal.Decimal, error) {
	var resp amountResponse
	req := swapRequest{FromAsset: fromAsset, ToAsset: toAsset, Amount: amount, MinReturn: minReturn}
	if err := c.post(ctx, "/exchange/swap", req, &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.Amount, nil
}

func (c *Client) AmountOut(ctx context.Context, fromAsset, toAsset string, amountIn decimal.Decimal) (decimal.Decimal, error) {
	var resp amountResponse
	req := swapRequest{FromAsset: fromAsset, ToAsset: toAsset, Amount: amountIn}
	if err := c.post(ctx, "/exchange/amount-out", req, &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.Amount, nil
}

type quoteRequest struct {
	Counterparty string          `json:"counterparty"`
	Notional     decimal.Decimal `json:"notional"`
	MaturitySec  int64           `json:"maturity_sec"`
}

func (c *Client) Quote(ctx context.Context, counterparty common.Address, notional decimal.Decimal, maturity time.Duration) (venue.Quote, error) {
	var resp struct {
		RateBps int64 `json:"rate_bps"`
	}
	req := quoteRequest{Counterparty: counterparty.Hex(), Notional: notional, MaturitySec: int64(maturity / time.Second)}
	if err := c.post(ctx, "/trs/quote", req, &resp); err != nil {
		return venue.Quote{}, fmt.Errorf("%w: %v", venue.ErrQuoteUnavailable, err)
	}
	return venue.Quote{Counterparty: counterparty, RateBps: resp.RateBps}, nil
}

type collateralRequest struct {
	Counterparty string          `json:"counterparty"`
	ContractID   string          `json:"contract_id"`
	Amount       decimal.Decimal `json:"amount"`
}

func (c *Client) PostCollateral(ctx context.Context, counterparty common.Address, contractID common.Hash, amount decimal.Decimal) error {
	req := collateralRequest{Counterparty: counterparty.Hex(), ContractID: contractID.Hex(), Amount: amount}
	return c.post(ctx, "/trs/collateral", req, nil)
}

type settleRequest struct {
	Counterparty string          `json:"counterparty"`
	ContractID   string          `json:"contract_id"`
	Notional     decimal.Decimal `json:"notional"`
	Collateral   decimal.Decimal `json:"collateral"`
}

func (c *Client) Settle(ctx context.Context, req venue.SettleRequest) (decimal.Decimal, error) {
	var resp amountResponse
	body := settleRequest{
		Counterparty: req.Counterparty.Hex(),
		ContractID:   req.ContractID.Hex(),
		Notional:     req.Notional,
		Collateral:   req.Collateral,
	}
	if err := c.post(ctx, "/trs/settle", body, &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.Amount, nil
}

type openPositionRequest struct {
	MarketID   string          `json:"market_id"`
	Size       decimal.Decimal `json:"size"`
	Leverage   decimal.Decimal `json:"leverage"`
	Collateral decimal.Decimal `json:"collateral"`
}

func (c *Client) OpenPosition(ctx context.Context, marketID string, size, leverage, collateral decimal.Decimal) (string, error) {
	var resp struct {
		PositionID string `json:"position_id"`
	}
	req := openPositionRequest{MarketID: marketID, Size: size, Leverage: leverage, Collateral: collateral}
	if err := c.post(ctx, "/perp/open", req, &resp); err != nil {
		return "", err
	}
	if resp.PositionID == "" {
		return "", fmt.Errorf("perp open %s: empty position id", marketID)
	}
	return resp.PositionID, nil
}

type positionRequest struct {
	PositionID string           `json:"position_id"`
	Fraction   *decimal.Decimal `json:"fraction,omitempty"`
}

func (c *Client) ReducePosition(ctx context.Context, positionID string, fraction decimal.Decimal) (decimal.Decimal, error) {
	var resp amountResponse
	if err := c.post(ctx, "/perp/reduce", positionRequest{PositionID: positionID, Fraction: &fraction}, &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.Amount, nil
}

func (c *Client) ClosePosition(ctx context.Context, positionID string) (decimal.Decimal, error) {
	var resp amountResponse
	if err := c.post(ctx, "/perp/close", positionRequest{PositionID: positionID}, &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.Amount, nil
}

func (c *Client) FundingRate(ctx context.Context, marketID string) (int64, error) {
	var resp struct {
		RateBps int64 `json:"rate_bps"`
	}
	if err := c.post(ctx, "/perp/funding", map[string]string{"market_id": marketID}, &resp); err != nil {
		return 0, err
	}
	return resp.RateBps, nil
}

// Vault returns a yield vault client addressed by name.
func (c *Client) Vault(name string) *Vault {
	return &Vault{client: c, name: name}
}

type Vault struct {
	client *Client
	name   string
}

func (v *Vault) Name() string {
	return v.name
}

func (v *Vault) path(action string) string {
	return "/vaults/" + url.PathEscape(v.name) + "/" + action
}

func (v *Vault) Deposit(ctx context.Context, amount decimal.Decimal) error {
	return v.client.post(ctx, v.path("deposit"), amountResponse{Amount: amount}, nil)
}

func (v *Vault) Withdraw(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
	var resp amountResponse
	if err := v.client.post(ctx, v.path("withdraw"), amountResponse{Amount: amount}, &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.Amount, nil
}

func (v *Vault) HarvestYield(ctx context.Context) (decimal.Decimal, error) {
	var resp amountResponse
	if err := v.client.post(ctx, v.path("harvest"), struct{}{}, &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.Amount, nil
}

func (v *Vault) ValueInBaseAsset(ctx context.Context) (decimal.Decimal, error) {
	var resp amountResponse
	if err := v.client.post(ctx, v.path("value"), struct{}{}, &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.Amount, nil
}

func (c *Client) post(ctx context.Context, path string, req, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.signer != nil {
		nonce := c.signer.nextNonce()
		sig, err := c.signer.Sign(path, payload, nonce)
		if err != nil {
			return fmt.Errorf("sign %s: %w", path, err)
		}
		httpReq.Header.Set(headerAddress, c.signer.Address().Hex())
		httpReq.Header.Set(headerNonce, strconv.FormatUint(nonce, 10))
		httpReq.Header.Set(headerSignature, sig)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		c.log.Debug("venue request failed", zap.String("path", path), zap.Int("status", resp.StatusCode))
		return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
