package exchange

import (
	"context"

	"github.com/deep-research/execution-engine/pkg/types"
)

// OrderSide is the exchange-facing side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "Buy"
	OrderSideSell OrderSide = "Sell"
)

// SideForDirection maps a signal direction to an order side.
func SideForDirection(d types.SignalDirection) OrderSide {
	if d == types.DirectionSell {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Opposite returns the other side. Used when closing a position.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// SignedQuantity returns qty for buys and -qty for sells.
func (s OrderSide) SignedQuantity(qty float64) float64 {
	if s == OrderSideSell {
		return -qty
	}
	return qty
}

// OrderType is the exchange order type.
type OrderType string

const (
	OrderTypeMarket OrderType = "Market"
	OrderTypeLimit  OrderType = "Limit"
)

// OrderStatus is the venue-reported status of an order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "New"
	OrderStatusPartiallyFilled OrderStatus = "PartiallyFilled"
	OrderStatusFilled          OrderStatus = "Filled"
	OrderStatusCancelled       OrderStatus = "Cancelled"
	OrderStatusRejected        OrderStatus = "Rejected"
)

// OrderRequest describes an order to be placed via a connector.
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Quantity      float64
	Price         float64 // required for limit orders
	PostOnly      bool
	ClientOrderID string
}

// OrderResult is the connector's view of a placed order.
type OrderResult struct {
	OrderID  string
	Status   OrderStatus
	AvgPrice float64
}

// FillEvent is an execution notification from the venue's order stream.
type FillEvent struct {
	OrderID  string
	Symbol   string
	Side     OrderSide
	Quantity float64
	Price    float64
	Filled   bool // order fully filled, no remaining quantity
}

// AccountBalances is the venue-reported account state. Equity is the total
// account value used as the sizing equity snapshot.
type AccountBalances struct {
	Equity   float64
	Balances map[string]float64
}

// Connector is the mandatory trading-venue contract. Every implementation
// must support order placement, cancellation and orderbook snapshots.
type Connector interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrderbook(ctx context.Context, symbol string, depth int) (*types.Orderbook, error)
}

// AccountReader is an optional connector capability for venues that expose
// account balances. Callers query for it with a type assertion.
type AccountReader interface {
	GetAccount(ctx context.Context) (*AccountBalances, error)
}

// KeyValidator is an optional connector capability for venues that support
// credential validation ahead of trading.
type KeyValidator interface {
	ValidateAPIKey(ctx context.Context) error
}
