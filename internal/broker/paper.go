package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "split-trader/internal/errors"
	"split-trader/internal/models"
)

// PaperBroker simulates the real account for dry runs. Quotes come from a
// data broker when one is configured, otherwise from prices set with
// SetPrice. Market orders fill immediately at the last known price.
type PaperBroker struct {
	// Real broker for market data
	dataBroker Broker

	orders       []models.Order
	orderCounter int
	cash         float64
	priceCache   map[string]float64
	now          func() time.Time

	mu sync.RWMutex
}

// PaperBrokerConfig holds configuration for paper broker.
type PaperBrokerConfig struct {
	DataBroker     Broker
	InitialBalance float64
}

// NewPaperBroker creates a new paper trading broker.
func NewPaperBroker(cfg PaperBrokerConfig) *PaperBroker {
	return &PaperBroker{
		dataBroker: cfg.DataBroker,
		cash:       cfg.InitialBalance,
		priceCache: make(map[string]float64),
		now:        time.Now,
	}
}

// SetPrice sets the simulated last price of an instrument key.
func (p *PaperBroker) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.priceCache[symbol] = price
}

// GetQuote fetches the quote from the data broker, falling back to the
// simulated price.
func (p *PaperBroker) GetQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	if p.dataBroker != nil {
		quote, err := p.dataBroker.GetQuote(ctx, symbol)
		if err == nil {
			p.SetPrice(symbol, quote.LTP)
			return quote, nil
		}
		if _, ok := p.cachedPrice(symbol); !ok {
			return nil, err
		}
	}

	price, ok := p.cachedPrice(symbol)
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrPriceUnavailable, "no paper price for %s", symbol)
	}
	return &models.Quote{Symbol: symbol, LTP: price, Timestamp: p.now()}, nil
}

// PlaceOrder fills market orders at the last known price.
func (p *PaperBroker) PlaceOrder(ctx context.Context, order *models.Order) (*OrderResult, error) {
	if err := ValidateOrder(order); err != nil {
		return nil, err
	}

	key := InstrumentKey(order.Exchange, order.Symbol)
	price, ok := p.cachedPrice(key)
	if !ok {
		quote, err := p.GetQuote(ctx, key)
		if err != nil {
			return nil, apperrors.NewBrokerError("NO_PRICE", "cannot fill paper order", err)
		}
		price = quote.LTP
	}
	if order.Type == models.OrderTypeLimit {
		price = order.Price
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	value := price * float64(order.Quantity)
	if order.Side == models.SideBuy && p.cash < value {
		return nil, apperrors.NewBrokerError("INSUFFICIENT_FUNDS",
			fmt.Sprintf("need %.2f, have %.2f", value, p.cash), nil)
	}

	p.orderCounter++
	filled := *order
	filled.ID = fmt.Sprintf("PAPER_%d_%d", p.now().Unix(), p.orderCounter)
	filled.Status = "COMPLETE"
	filled.FilledQty = order.Quantity
	filled.AveragePrice = price
	filled.PlacedAt = p.now()

	if order.Side == models.SideBuy {
		p.cash -= value
	} else {
		p.cash += value
	}
	p.orders = append(p.orders, filled)

	return &OrderResult{
		OrderID: filled.ID,
		Status:  filled.Status,
		Message: "Paper order filled",
	}, nil
}

// GetAvailableDeposit returns the simulated cash.
func (p *PaperBroker) GetAvailableDeposit(ctx context.Context, accountID string) (float64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cash, nil
}

// Orders returns the filled paper orders.
func (p *PaperBroker) Orders() []models.Order {
	p.mu.RLock()
	defer p.mu.RUnlock()
	orders := make([]models.Order, len(p.orders))
	copy(orders, p.orders)
	return orders
}

// Reset clears orders and sets the simulated cash.
func (p *PaperBroker) Reset(initialBalance float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.orders = nil
	p.orderCounter = 0
	p.cash = initialBalance
}

func (p *PaperBroker) cachedPrice(symbol string) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	price, ok := p.priceCache[symbol]
	return price, ok
}

var _ Broker = (*PaperBroker)(nil)
