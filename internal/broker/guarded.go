package broker

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	apperrors "split-trader/internal/errors"
	"split-trader/internal/models"
	"split-trader/internal/resilience"
	"split-trader/pkg/utils"
)

// GuardedBroker wraps a Broker with a circuit breaker. Reads are retried
// with backoff; orders are never retried because a timed-out order may
// still have reached the exchange.
type GuardedBroker struct {
	inner   Broker
	breaker *resilience.CircuitBreaker
	retry   utils.RetryConfig
	logger  zerolog.Logger
}

// NewGuardedBroker wraps inner.
func NewGuardedBroker(inner Broker, cbConfig resilience.CircuitBreakerConfig, retry utils.RetryConfig, logger zerolog.Logger) *GuardedBroker {
	if cbConfig.IsFailure == nil {
		cbConfig.IsFailure = isOutage
	}
	if retry.Retryable == nil {
		retry.Retryable = isOutage
	}
	return &GuardedBroker{
		inner:   inner,
		breaker: resilience.NewCircuitBreaker("broker", cbConfig),
		retry:   retry,
		logger:  logger,
	}
}

// isOutage separates broker failures from caller mistakes. Validation
// errors, missing logins and unknown instruments will not heal on retry
// and say nothing about the broker's health.
func isOutage(err error) bool {
	switch {
	case errors.Is(err, apperrors.ErrInputValidation),
		errors.Is(err, apperrors.ErrNotAuthenticated),
		errors.Is(err, apperrors.ErrPriceUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, resilience.ErrCircuitOpen):
		return false
	}
	return true
}

// GetQuote fetches a quote with retry.
func (g *GuardedBroker) GetQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	return utils.RetryWithResult(ctx, g.retry, func() (*models.Quote, error) {
		return resilience.ExecuteWithResult(g.breaker, ctx, func(ctx context.Context) (*models.Quote, error) {
			return g.inner.GetQuote(ctx, symbol)
		})
	})
}

// PlaceOrder places an order once.
func (g *GuardedBroker) PlaceOrder(ctx context.Context, order *models.Order) (*OrderResult, error) {
	result, err := resilience.ExecuteWithResult(g.breaker, ctx, func(ctx context.Context) (*OrderResult, error) {
		return g.inner.PlaceOrder(ctx, order)
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		g.logger.Warn().
			Str("symbol", order.Symbol).
			Float64("failure_rate", g.breaker.Stats().FailureRate()).
			Msg("Order blocked, broker circuit open")
		return nil, apperrors.Wrap(apperrors.ErrBrokerUnavailable, err.Error())
	}
	return result, err
}

// GetAvailableDeposit fetches the deposit with retry.
func (g *GuardedBroker) GetAvailableDeposit(ctx context.Context, accountID string) (float64, error) {
	return utils.RetryWithResult(ctx, g.retry, func() (float64, error) {
		return resilience.ExecuteWithResult(g.breaker, ctx, func(ctx context.Context) (float64, error) {
			return g.inner.GetAvailableDeposit(ctx, accountID)
		})
	})
}

// Stats returns the circuit breaker statistics.
func (g *GuardedBroker) Stats() resilience.CircuitBreakerStats {
	return g.breaker.Stats()
}

var _ Broker = (*GuardedBroker)(nil)
