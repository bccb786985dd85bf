package strategy

import (
	"context"
	"fmt"

	"split-trader/internal/broker"
	apperrors "split-trader/internal/errors"
	"split-trader/internal/ledger"
	"split-trader/internal/logging"
	"split-trader/internal/models"
	"split-trader/internal/notify"
)

// maxOrderTag is the longest tag Kite accepts on an order.
const maxOrderTag = 20

type tradeRequest struct {
	strategy    models.Strategy
	account     *ledger.Account
	side        models.Side
	price       float64
	qty         int
	batchRef    *int
	targetPrice float64 // follower BUY only
	closeLot    string  // follower SELL only
	forfeit     bool    // leader SELL only
	reason      string
}

// executeTrade applies one trade. In dry-run mode only the ledger changes;
// in live mode the real order is placed first and the ledger is touched only
// once the broker accepted it.
func (e *Executor) executeTrade(ctx context.Context, book models.StrategyBook, req tradeRequest) Decision {
	acc := req.account
	code := req.strategy.InstrumentCode
	logger := logging.WithAccount(logging.WithStrategy(e.logger, req.strategy.ID), acc.ID)

	d := Decision{
		StrategyID: req.strategy.ID,
		AccountID:  acc.ID,
		Role:       acc.Role(),
		Price:      req.price,
		Quantity:   req.qty,
		BatchRef:   req.batchRef,
		Reason:     req.reason,
	}
	fail := func(kind DecisionKind, reason string, err error) Decision {
		d.Kind = kind
		d.Reason = reason
		d.Err = err
		return e.report(d)
	}

	cost := req.price * float64(req.qty)

	// Virtual pre-check so a live order is never sent for a trade the
	// ledger would refuse.
	switch req.side {
	case models.SideBuy:
		if acc.Balance < cost {
			return fail(DecisionSkipBudget, "insufficient budget", apperrors.NewLedgerError(acc.ID, "buy", code, apperrors.ErrInsufficientBalance))
		}
	case models.SideSell:
		if h, ok := acc.Holding(code); !ok || h.Quantity < req.qty {
			return fail(DecisionFailed, "insufficient holdings", apperrors.NewLedgerError(acc.ID, "sell", code, apperrors.ErrInsufficientHoldings))
		}
	}

	if !book.DryRun {
		orderID, err := e.placeLiveOrder(ctx, book, req, cost)
		if err != nil {
			reason := "order rejected"
			if apperrors.Is(err, apperrors.ErrInsufficientRealFunds) {
				reason = "insufficient real funds"
			}
			logger.Error().Err(err).Str("side", string(req.side)).Int("quantity", req.qty).Msg("Live order not placed")
			if nerr := e.notifier.SendError(ctx, err, fmt.Sprintf("%s %s %s", acc.ID, req.side, code)); nerr != nil {
				logger.Warn().Err(nerr).Msg("Failed to send error notification")
			}
			return fail(DecisionFailed, reason, err)
		}
		d.OrderID = orderID
	}

	preSell := acc.Balance
	opts := []ledger.TradeOption{ledger.WithTimestamp(e.now())}
	if req.side == models.SideBuy && req.batchRef != nil {
		opts = append(opts, ledger.WithLot(*req.batchRef, req.targetPrice))
	}

	var trade models.Trade
	var err error
	if req.side == models.SideBuy {
		trade, err = acc.Buy(code, req.price, req.qty, opts...)
	} else {
		trade, err = acc.Sell(code, req.price, req.qty, opts...)
	}
	if err != nil {
		if !book.DryRun {
			orderLogger := logging.WithOrderID(logger, d.OrderID)
			orderLogger.Error().Err(err).Msg("Order placed but ledger rejected the trade")
		}
		kind := DecisionFailed
		if apperrors.Is(err, apperrors.ErrInsufficientBalance) {
			kind = DecisionSkipBudget
		}
		return fail(kind, "ledger rejected trade", err)
	}

	if req.forfeit {
		acc.ForfeitProceeds(preSell)
		trade.BalanceAfter = preSell
	}
	if req.closeLot != "" {
		if err := acc.CloseLot(req.closeLot); err != nil {
			logger.Error().Err(err).Str("lot", req.closeLot).Msg("Failed to close lot")
		}
	}

	d.Kind = DecisionBuy
	if req.side == models.SideSell {
		d.Kind = DecisionSell
	}
	d.Trade = &trade

	logging.LogTrade(logger, acc.ID, string(req.side), code, req.qty, req.price)

	event := notify.TradeEvent{
		AccountID:  acc.ID,
		StrategyID: req.strategy.ID,
		Trade:      trade,
		DryRun:     book.DryRun,
		OrderID:    d.OrderID,
	}
	if err := e.notifier.SendTrade(ctx, event); err != nil {
		logger.Warn().Err(err).Msg("Failed to send trade notification")
	}
	if e.onTrade != nil {
		e.onTrade(event)
	}
	return d
}

// placeLiveOrder checks the real deposit for buys and sends a market order.
func (e *Executor) placeLiveOrder(ctx context.Context, book models.StrategyBook, req tradeRequest, cost float64) (string, error) {
	acc := req.account
	code := req.strategy.InstrumentCode

	if book.RealAccountID == "" {
		return "", apperrors.Wrap(apperrors.ErrConfigInvalid, "real_account_id is required for live trading")
	}

	if req.side == models.SideBuy {
		deposit, err := e.broker.GetAvailableDeposit(ctx, book.RealAccountID)
		switch {
		case err != nil:
			// the virtual balance already covers the order
			e.logger.Warn().Err(err).Str("account", acc.ID).Msg("Deposit check failed, proceeding on virtual balance")
		case deposit < cost:
			return "", apperrors.NewOrderError(acc.ID, code, string(req.side),
				fmt.Sprintf("deposit %.2f below order cost %.2f", deposit, cost), apperrors.ErrInsufficientRealFunds)
		}
	}

	order := broker.NewMarketOrder(book.RealAccountID, e.exchangeFor(req.strategy), code, req.side, req.qty, orderTag(acc.ID))
	res, err := e.broker.PlaceOrder(ctx, order)

	orderID, status := "", ""
	if res != nil {
		orderID, status = res.OrderID, res.Status
	}
	if e.auditor != nil {
		if aerr := e.auditor.LogOrder(ctx, acc.ID, orderID, code, string(req.side), req.qty, req.price, err); aerr != nil {
			e.logger.Warn().Err(aerr).Msg("Failed to write audit event")
		}
	}

	if err != nil {
		return "", apperrors.NewOrderError(acc.ID, code, string(req.side), "order rejected",
			fmt.Errorf("%w: %w", apperrors.ErrOrderRejected, err))
	}
	logging.LogOrder(e.logger, orderID, code, string(req.side), status)
	return orderID, nil
}

func orderTag(accountID string) string {
	if len(accountID) > maxOrderTag {
		return accountID[:maxOrderTag]
	}
	return accountID
}
