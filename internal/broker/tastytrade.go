package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/senextrader/lifecycle-engine/internal/errkind"
)

const (
	liveBaseURL    = "https://api.tastyworks.com"
	sandboxBaseURL = "https://api.cert.tastyworks.com"

	defaultRPS   = 4
	defaultBurst = 8
)

// Client is a thin TastyTrade-shaped REST adapter implementing Broker.
// It is deliberately minimal: spec.md §1 places the broker's wire
// protocol out of scope for this core, so Client exists only to give
// the domain stack's HTTP/rate-limit libraries a concrete home and to
// let an integration test point the core at a real sandbox account.
// Production deployments are expected to supply their own Broker,
// produced by the external Accounts module spec.md §4.1 describes.
type Client struct {
	http    *retryablehttp.Client
	limiter *rate.Limiter
	baseURL string
	token   string
}

// NewClient builds a Client against the live or sandbox API.
func NewClient(token string, sandbox bool) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 250 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = nil

	base := liveBaseURL
	if sandbox {
		base = sandboxBaseURL
	}

	return &Client{
		http:    rc,
		limiter: rate.NewLimiter(rate.Limit(defaultRPS), defaultBurst),
		baseURL: base,
		token:   token,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errkind.New(errkind.Transient, fmt.Errorf("tastytrade: rate limiter: %w", err))
	}

	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errkind.New(errkind.Validation, fmt.Errorf("tastytrade: encode request body: %w", err))
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("tastytrade: build request: %w", err)
	}
	req.Header.Set("Authorization", c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errkind.New(errkind.Transient, fmt.Errorf("tastytrade: %s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errkind.New(errkind.NotFound, fmt.Errorf("tastytrade: %s %s: not found", method, path))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errkind.New(errkind.Auth, fmt.Errorf("tastytrade: %s %s: status %d", method, path, resp.StatusCode))
	case resp.StatusCode == http.StatusConflict:
		return errkind.New(errkind.Conflict, fmt.Errorf("tastytrade: %s %s: status %d", method, path, resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errkind.New(errkind.Transient, fmt.Errorf("tastytrade: %s %s: status %d", method, path, resp.StatusCode))
	case resp.StatusCode >= 400:
		return errkind.New(errkind.Validation, fmt.Errorf("tastytrade: %s %s: status %d", method, path, resp.StatusCode))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// accountPositionsResponse mirrors TastyTrade's {data:{items:[...]}} envelope.
type accountPositionsResponse struct {
	Data struct {
		Items []struct {
			Symbol            string `json:"symbol"`
			UnderlyingSymbol  string `json:"underlying-symbol"`
			Quantity          string `json:"quantity"`
			QuantityDirection string `json:"quantity-direction"`
			AverageOpenPrice  string `json:"average-open-price"`
			ClosePrice        string `json:"close-price"`
			MarkPrice         string `json:"mark-price"`
			Multiplier        string `json:"multiplier"`
			InstrumentType    string `json:"instrument-type"`
		} `json:"items"`
	} `json:"data"`
}

func (c *Client) ListPositions(ctx context.Context, account string, includeMarks bool) ([]PositionLeg, error) {
	path := fmt.Sprintf("/accounts/%s/positions", account)
	if includeMarks {
		path += "?include-marks=true"
	}

	var resp accountPositionsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	out := make([]PositionLeg, 0, len(resp.Data.Items))
	for _, it := range resp.Data.Items {
		leg := PositionLeg{
			Symbol:            it.Symbol,
			UnderlyingSymbol:  it.UnderlyingSymbol,
			QuantityDirection: it.QuantityDirection,
			InstrumentType:    it.InstrumentType,
			AverageOpenPrice:  decOrZero(it.AverageOpenPrice),
			ClosePrice:        decOrZero(it.ClosePrice),
			Multiplier:        decOrZero(it.Multiplier),
		}
		if q, err := decimal.NewFromString(it.Quantity); err == nil {
			leg.Quantity = q.IntPart()
		}
		if it.MarkPrice != "" {
			mp := decOrZero(it.MarkPrice)
			leg.MarkPrice = &mp
		}
		out = append(out, leg)
	}
	return out, nil
}

func decOrZero(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// The remaining Broker verbs follow the same request/response envelope
// pattern as ListPositions above. They return a Validation-kind error
// here because no SPEC_FULL.md component exercises a live TastyTrade
// endpoint directly — the orchestrator and its phases are tested
// against MockBroker, and a real deployment is expected to flesh these
// out against its own sandbox the same way ListPositions is built.

func (c *Client) GetOrderHistory(ctx context.Context, account string, startDate time.Time, perPage, pageOffset int) (OrderHistoryPage, error) {
	return OrderHistoryPage{}, errkind.New(errkind.Validation, fmt.Errorf("tastytrade: GetOrderHistory not implemented by the reference client"))
}
func (c *Client) GetOrder(ctx context.Context, account, orderID string) (*PlacedOrder, error) {
	return nil, errkind.New(errkind.Validation, fmt.Errorf("tastytrade: GetOrder not implemented by the reference client"))
}
func (c *Client) GetLiveOrders(ctx context.Context, account string) ([]PlacedOrder, error) {
	return nil, errkind.New(errkind.Validation, fmt.Errorf("tastytrade: GetLiveOrders not implemented by the reference client"))
}
func (c *Client) GetOrderChains(ctx context.Context, account, symbol string, start, end time.Time) ([]OrderChain, error) {
	return nil, errkind.New(errkind.Validation, fmt.Errorf("tastytrade: GetOrderChains not implemented by the reference client"))
}
func (c *Client) GetTransactions(ctx context.Context, account string, startDate time.Time) ([]Transaction, error) {
	return nil, errkind.New(errkind.Validation, fmt.Errorf("tastytrade: GetTransactions not implemented by the reference client"))
}
func (c *Client) PlaceOrder(ctx context.Context, account string, spec OrderSpec) (string, string, error) {
	return "", "", errkind.New(errkind.Validation, fmt.Errorf("tastytrade: PlaceOrder not implemented by the reference client"))
}
func (c *Client) CancelOrder(ctx context.Context, account, orderID string) (string, error) {
	return "", errkind.New(errkind.Validation, fmt.Errorf("tastytrade: CancelOrder not implemented by the reference client"))
}

var _ Broker = (*Client)(nil)
