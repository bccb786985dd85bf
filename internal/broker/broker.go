// Package broker provides the real-account gateway: quotes, market orders
// and the deposit lookup, with a Kite Connect implementation, a paper
// implementation for dry runs and a guarded wrapper.
package broker

import (
	"context"
	"fmt"
	"strings"

	apperrors "split-trader/internal/errors"
	"split-trader/internal/models"
)

// Broker defines the operations the trader needs from the real account.
type Broker interface {
	// GetQuote returns the latest quote for an instrument key ("NSE:INFY"
	// or a bare code).
	GetQuote(ctx context.Context, symbol string) (*models.Quote, error)

	// PlaceOrder sends an order for the real account.
	PlaceOrder(ctx context.Context, order *models.Order) (*OrderResult, error)

	// GetAvailableDeposit returns the cash available to trade on accountID.
	GetAvailableDeposit(ctx context.Context, accountID string) (float64, error)
}

// Authenticator is implemented by brokers that need an interactive login.
type Authenticator interface {
	GetLoginURL() string
	CompleteLogin(ctx context.Context, requestToken string) error
	Logout(ctx context.Context) error
	IsAuthenticated() bool
}

// OrderResult represents the result of an order placement.
type OrderResult struct {
	OrderID string
	Status  string
	Message string
}

// InstrumentKey builds the quote key for an instrument. Codes that already
// carry an exchange prefix are returned unchanged.
func InstrumentKey(exchange models.Exchange, code string) string {
	if exchange == "" || strings.Contains(code, ":") {
		return code
	}
	return fmt.Sprintf("%s:%s", exchange, code)
}

// FetchPrice returns the last traded price of an instrument. A failed
// lookup or a non-positive price is reported as ErrPriceUnavailable.
func FetchPrice(ctx context.Context, b Broker, exchange models.Exchange, code string) (float64, error) {
	key := InstrumentKey(exchange, code)
	quote, err := b.GetQuote(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", apperrors.ErrPriceUnavailable, key, err)
	}
	if quote == nil || quote.LTP <= 0 {
		return 0, apperrors.Wrapf(apperrors.ErrPriceUnavailable, "%s: no positive last price", key)
	}
	return quote.LTP, nil
}

// NewMarketOrder builds a market delivery order for the real account.
func NewMarketOrder(accountID string, exchange models.Exchange, code string, side models.Side, qty int, tag string) *models.Order {
	return &models.Order{
		AccountID: accountID,
		Symbol:    code,
		Exchange:  exchange,
		Side:      side,
		Type:      models.OrderTypeMarket,
		Product:   models.ProductCNC,
		Quantity:  qty,
		Validity:  "DAY",
		Tag:       tag,
	}
}

// ValidateOrder checks an order before it reaches a broker.
func ValidateOrder(order *models.Order) error {
	if order == nil {
		return apperrors.NewValidationError("order", nil, "order is required")
	}
	if strings.TrimSpace(order.Symbol) == "" {
		return apperrors.NewValidationError("symbol", order.Symbol, "symbol is required")
	}
	if !order.Side.Valid() {
		return apperrors.NewValidationError("side", order.Side, "side must be BUY or SELL")
	}
	if order.Quantity <= 0 {
		return apperrors.NewValidationError("quantity", order.Quantity, "quantity must be positive")
	}
	switch order.Type {
	case models.OrderTypeMarket:
		if order.Price != 0 {
			return apperrors.NewValidationError("price", order.Price, "market orders carry no price")
		}
	case models.OrderTypeLimit:
		if order.Price <= 0 {
			return apperrors.NewValidationError("price", order.Price, "limit orders need a positive price")
		}
	default:
		return apperrors.NewValidationError("type", order.Type, "unsupported order type")
	}
	if order.Validity != "" && order.Validity != "DAY" && order.Validity != "IOC" {
		return apperrors.NewValidationError("validity", order.Validity, "validity must be DAY or IOC")
	}
	return nil
}
