package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	bybit_api "github.com/bybit-exchange/bybit.go.api"

	"github.com/deep-research/execution-engine/internal/exchange"
	"github.com/deep-research/execution-engine/pkg/types"
)

// Config holds the configuration for the Bybit connector.
type Config struct {
	APIKey    string
	APISecret string
	Testnet   bool
	Demo      bool   // demo trading environment (paper trading)
	Category  string // "spot", "linear", "inverse"
}

// Connector implements the exchange connector contract against Bybit's v5
// unified trading API. It also provides the optional AccountReader and
// KeyValidator capabilities.
type Connector struct {
	httpClient *bybit_api.Client
	category   string
	demo       bool
	testnet    bool
}

var (
	_ exchange.Connector     = (*Connector)(nil)
	_ exchange.AccountReader = (*Connector)(nil)
	_ exchange.KeyValidator  = (*Connector)(nil)
)

// New creates a Bybit connector.
func New(cfg Config) *Connector {
	var baseURL string
	if cfg.Demo {
		baseURL = "https://api-demo.bybit.com"
	} else if cfg.Testnet {
		baseURL = bybit_api.TESTNET
	} else {
		baseURL = bybit_api.MAINNET
	}

	httpClient := bybit_api.NewBybitHttpClient(
		cfg.APIKey,
		cfg.APISecret,
		bybit_api.WithBaseURL(baseURL),
	)

	category := cfg.Category
	if category == "" {
		category = "linear"
	}

	return &Connector{
		httpClient: httpClient,
		category:   category,
		demo:       cfg.Demo,
		testnet:    cfg.Testnet,
	}
}

// Environment returns a string describing the current environment.
func (c *Connector) Environment() string {
	switch {
	case c.demo:
		return "demo"
	case c.testnet:
		return "testnet"
	default:
		return "mainnet"
	}
}

// PlaceOrder places an order and returns the venue's view of it.
func (c *Connector) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	if req.Symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("quantity must be positive")
	}
	if req.Type == exchange.OrderTypeLimit && req.Price <= 0 {
		return nil, fmt.Errorf("price is required for limit orders")
	}

	params := map[string]interface{}{
		"category":  c.category,
		"symbol":    req.Symbol,
		"side":      string(req.Side),
		"orderType": string(req.Type),
		"qty":       strconv.FormatFloat(req.Quantity, 'f', -1, 64),
	}
	if req.Type == exchange.OrderTypeLimit {
		params["price"] = strconv.FormatFloat(req.Price, 'f', -1, 64)
		if req.PostOnly {
			params["timeInForce"] = "PostOnly"
		} else {
			params["timeInForce"] = "GTC"
		}
	}
	if req.ClientOrderID != "" {
		params["orderLinkId"] = req.ClientOrderID
	}

	result, err := c.httpClient.NewUtaBybitServiceWithParams(params).PlaceOrder(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to place order: %w", err)
	}

	return c.parseOrderResponse(result)
}

// CancelOrder cancels an existing order.
func (c *Connector) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := map[string]interface{}{
		"category": c.category,
		"symbol":   symbol,
		"orderId":  orderID,
	}

	if _, err := c.httpClient.NewUtaBybitServiceWithParams(params).CancelOrder(ctx); err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}
	return nil
}

// GetOrderbook returns an orderbook snapshot for the symbol.
func (c *Connector) GetOrderbook(ctx context.Context, symbol string, depth int) (*types.Orderbook, error) {
	if depth <= 0 {
		depth = 25
	}

	params := map[string]interface{}{
		"category": c.category,
		"symbol":   symbol,
		"limit":    depth,
	}

	result, err := c.httpClient.NewUtaBybitServiceWithParams(params).GetOrderBookInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get order book: %w", err)
	}

	return c.parseOrderbookResponse(result, symbol)
}

// GetAccount returns the account's total equity and per-coin balances.
func (c *Connector) GetAccount(ctx context.Context) (*exchange.AccountBalances, error) {
	params := map[string]interface{}{
		"accountType": "UNIFIED",
	}

	result, err := c.httpClient.NewUtaBybitServiceWithParams(params).GetAccountWallet(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get account balance: %w", err)
	}

	return c.parseAccountResponse(result)
}

// ValidateAPIKey verifies that the configured credentials are usable.
func (c *Connector) ValidateAPIKey(ctx context.Context) error {
	result, err := c.httpClient.NewUtaBybitServiceWithParams(map[string]interface{}{}).GetAccountInfo(ctx)
	if err != nil {
		return fmt.Errorf("api key validation failed: %w", err)
	}

	serverResp := result
	if serverResp == nil {
		return fmt.Errorf("invalid response type")
	}
	if serverResp.RetCode != 0 {
		return fmt.Errorf("api key rejected: %s (code: %d)", serverResp.RetMsg, serverResp.RetCode)
	}
	return nil
}

// parseOrderResponse parses the order placement API response.
func (c *Connector) parseOrderResponse(response interface{}) (*exchange.OrderResult, error) {
	serverResp, ok := response.(*bybit_api.ServerResponse)
	if !ok {
		return nil, fmt.Errorf("invalid response type")
	}
	if serverResp.RetCode != 0 {
		return nil, fmt.Errorf("API error: %s (code: %d)", serverResp.RetMsg, serverResp.RetCode)
	}

	resultBytes, err := json.Marshal(serverResp.Result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	var orderResult struct {
		OrderID     string `json:"orderId"`
		OrderStatus string `json:"orderStatus"`
		AvgPrice    string `json:"avgPrice"`
	}
	if err := json.Unmarshal(resultBytes, &orderResult); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order result: %w", err)
	}

	status := exchange.OrderStatus(orderResult.OrderStatus)
	if status == "" {
		// Order-create responses omit the status; market orders on the
		// unified API are accepted-or-rejected atomically.
		status = exchange.OrderStatusFilled
	}

	return &exchange.OrderResult{
		OrderID:  orderResult.OrderID,
		Status:   status,
		AvgPrice: parseFloat(orderResult.AvgPrice),
	}, nil
}

// parseOrderbookResponse parses the orderbook API response.
func (c *Connector) parseOrderbookResponse(response interface{}, symbol string) (*types.Orderbook, error) {
	serverResp, ok := response.(*bybit_api.ServerResponse)
	if !ok {
		return nil, fmt.Errorf("invalid response type")
	}
	if serverResp.RetCode != 0 {
		return nil, fmt.Errorf("API error: %s (code: %d)", serverResp.RetMsg, serverResp.RetCode)
	}

	resultBytes, err := json.Marshal(serverResp.Result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	var bookResult struct {
		Symbol string     `json:"s"`
		Bids   [][]string `json:"b"`
		Asks   [][]string `json:"a"`
		Ts     int64      `json:"ts"`
	}
	if err := json.Unmarshal(resultBytes, &bookResult); err != nil {
		return nil, fmt.Errorf("failed to unmarshal orderbook result: %w", err)
	}

	book := &types.Orderbook{
		Symbol:    symbol,
		Bids:      make([]types.PriceLevel, 0, len(bookResult.Bids)),
		Asks:      make([]types.PriceLevel, 0, len(bookResult.Asks)),
		Timestamp: time.UnixMilli(bookResult.Ts),
	}
	for _, lvl := range bookResult.Bids {
		if len(lvl) < 2 {
			continue
		}
		book.Bids = append(book.Bids, types.PriceLevel{Price: parseFloat(lvl[0]), Quantity: parseFloat(lvl[1])})
	}
	for _, lvl := range bookResult.Asks {
		if len(lvl) < 2 {
			continue
		}
		book.Asks = append(book.Asks, types.PriceLevel{Price: parseFloat(lvl[0]), Quantity: parseFloat(lvl[1])})
	}

	return book, nil
}

// parseAccountResponse parses the wallet balance API response.
func (c *Connector) parseAccountResponse(response interface{}) (*exchange.AccountBalances, error) {
	serverResp, ok := response.(*bybit_api.ServerResponse)
	if !ok {
		return nil, fmt.Errorf("invalid response type")
	}
	if serverResp.RetCode != 0 {
		return nil, fmt.Errorf("API error: %s (code: %d)", serverResp.RetMsg, serverResp.RetCode)
	}

	resultBytes, err := json.Marshal(serverResp.Result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	var walletResult struct {
		List []struct {
			TotalEquity string `json:"totalEquity"`
			Coin        []struct {
				Coin          string `json:"coin"`
				WalletBalance string `json:"walletBalance"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := json.Unmarshal(resultBytes, &walletResult); err != nil {
		return nil, fmt.Errorf("failed to unmarshal wallet result: %w", err)
	}
	if len(walletResult.List) == 0 {
		return nil, fmt.Errorf("no wallet data found")
	}

	account := &exchange.AccountBalances{
		Equity:   parseFloat(walletResult.List[0].TotalEquity),
		Balances: make(map[string]float64),
	}
	for _, coin := range walletResult.List[0].Coin {
		account.Balances[coin.Coin] = parseFloat(coin.WalletBalance)
	}
	return account, nil
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
