// Package tradingapi is the REST client for the routing and order intake
// services: quotes, delegated order submission and order status.
package tradingapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/swapdesk/internal/domain"
	"github.com/alanyoungcy/swapdesk/internal/quote"
)

// Client talks to the quoting and order services.
type Client struct {
	quoteURL   string
	ordersURL  string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a trading API client. quoteURL is the quoting root,
// e.g. "https://trade-api.gateway.uniswap.org/v1"; ordersURL is the order
// service root.
func NewClient(quoteURL, ordersURL, apiKey string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		quoteURL:  strings.TrimRight(quoteURL, "/"),
		ordersURL: strings.TrimRight(ordersURL, "/"),
		apiKey:    apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With(slog.String("component", "tradingapi")),
	}
}

// Quote requests a priced trade. A missing route is reported as
// domain.ErrNoRoute.
func (c *Client) Quote(ctx context.Context, req quote.Request) (domain.Trade, error) {
	body := QuoteRequestBody{
		TokenIn:         req.Input.TokenAddress(),
		TokenOut:        req.Output.TokenAddress(),
		TokenInChainID:  req.Input.ChainID,
		TokenOutChainID: req.Output.ChainID,
		Amount:          req.Amount.String(),
		Type:            string(req.TradeType),
		Intent:          string(req.Intent),
		Swapper:         req.Swapper,
	}
	if req.SlippageBps > 0 {
		s := fmt.Sprintf("%d.%02d", req.SlippageBps/100, req.SlippageBps%100)
		body.SlippageTolerance = &s
	}

	respBody, err := c.doRequest(ctx, http.MethodPost, c.quoteURL+"/quote", body)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("tradingapi: quote: %w", domain.ErrNoRoute)
		}
		return nil, fmt.Errorf("tradingapi: quote: %w", err)
	}

	var env QuoteResponse
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, fmt.Errorf("tradingapi: decode quote: %w", err)
	}

	routing := domain.Routing(env.Routing)
	switch {
	case routing == domain.RoutingClassic:
		var q APIClassicQuote
		if err := json.Unmarshal(env.Quote, &q); err != nil {
			return nil, fmt.Errorf("tradingapi: decode classic quote: %w", err)
		}
		t, err := q.ToDomainTrade(req.TradeType, *req.Input, *req.Output)
		if err != nil {
			return nil, fmt.Errorf("tradingapi: classic quote: %w", err)
		}
		return t, nil
	case routing.Delegated():
		var q APIDelegatedQuote
		if err := json.Unmarshal(env.Quote, &q); err != nil {
			return nil, fmt.Errorf("tradingapi: decode %s quote: %w", routing, err)
		}
		t, err := q.ToDomainTrade(routing, req.TradeType, *req.Input, *req.Output)
		if err != nil {
			return nil, fmt.Errorf("tradingapi: %s quote: %w", routing, err)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("tradingapi: routing %q: %w", env.Routing, domain.ErrUnsupportedTrade)
	}
}

// orderPath returns the intake path for an order protocol version.
func orderPath(protocol domain.Routing) (string, error) {
	switch protocol {
	case domain.RoutingDutchV2:
		return "/v2/order", nil
	case domain.RoutingDutchV3:
		return "/v3/order", nil
	case domain.RoutingPriority:
		return "/priority/order", nil
	default:
		return "", fmt.Errorf("tradingapi: order protocol %q: %w", protocol, domain.ErrUnsupportedTrade)
	}
}

// SubmitOrder posts a signed delegated order to the intake endpoint of its
// protocol version and returns the order hash.
func (c *Client) SubmitOrder(ctx context.Context, trade domain.DelegatedTrade, signature string) (string, error) {
	path, err := orderPath(trade.Protocol)
	if err != nil {
		return "", err
	}
	body := OrderRequestBody{
		Signature:    signature,
		EncodedOrder: trade.EncodedOrder,
		ChainID:      trade.Input.ChainID,
		QuoteID:      trade.QuoteID,
	}
	respBody, err := c.doRequest(ctx, http.MethodPost, c.ordersURL+path, body)
	if err != nil {
		return "", fmt.Errorf("tradingapi: submit order: %w", err)
	}

	var res OrderResponse
	if err := json.Unmarshal(respBody, &res); err != nil {
		return "", fmt.Errorf("tradingapi: decode order response: %w", err)
	}
	if res.Hash == "" {
		res.Hash = trade.OrderHash
	}
	c.logger.InfoContext(ctx, "order submitted",
		slog.String("hash", res.Hash),
		slog.String("protocol", string(trade.Protocol)),
	)
	return res.Hash, nil
}

// GetOrders returns the status of the swapper's orders by hash. Rows with
// an unknown status are skipped.
func (c *Client) GetOrders(ctx context.Context, swapper string, hashes []string) ([]domain.OrderUpdate, error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	q := url.Values{}
	q.Set("swapper", swapper)
	q.Set("orderHashes", strings.Join(hashes, ","))

	respBody, err := c.doRequest(ctx, http.MethodGet, c.ordersURL+"/v2/orders?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("tradingapi: get orders: %w", err)
	}

	var res OrdersResponse
	if err := json.Unmarshal(respBody, &res); err != nil {
		return nil, fmt.Errorf("tradingapi: decode orders: %w", err)
	}
	out := make([]domain.OrderUpdate, 0, len(res.Orders))
	for _, o := range res.Orders {
		u, ok := o.ToDomainOrderUpdate()
		if !ok {
			c.logger.WarnContext(ctx, "unknown order status", slog.String("hash", o.OrderHash), slog.String("status", o.OrderStatus))
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doRequest builds, sends, and reads an HTTP request. It returns the raw
// response body.
func (c *Client) doRequest(ctx context.Context, method, target string, body any) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-Id", uuid.NewString())
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}

var _ quote.Backend = (*Client)(nil)
