package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"split-trader/internal/broker"
	apperrors "split-trader/internal/errors"
	"split-trader/internal/ledger"
	"split-trader/internal/models"
	"split-trader/pkg/utils"
)

// backuper is implemented by stores that can copy their state aside.
type backuper interface {
	Backup() (string, error)
}

const manualTradeNote = "manual trade"

func newTradeCmd(app *App) *cobra.Command {
	var (
		code   string
		price  float64
		qty    int
		market bool
		yes    bool
	)

	cmd := &cobra.Command{
		Use:   "trade <account-id> <BUY|SELL>",
		Short: "Record a trade placed by hand in the broker's app",
		Long: `Record a trade you placed manually (HTS/MTS) in a virtual account.

The saved state is backed up first. A SELL on a leader account keeps the
leader's balance unchanged, exactly as the strategy engine does.`,
		Example: `  split-trader trade Samsung_1 SELL --qty 3 --price 55000
  split-trader trade Samsung_2 BUY --qty 10 --market`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := commandContext(cmd)

			side := models.Side(strings.ToUpper(args[1]))
			if !side.Valid() {
				return apperrors.NewValidationError("action", args[1], "action must be BUY or SELL")
			}
			if qty <= 0 {
				return apperrors.NewValidationError("qty", qty, "quantity must be positive")
			}

			reg, err := app.loadRegistry(cmd)
			if err != nil {
				output.Error("%v", err)
				return err
			}
			acc, err := reg.Lookup(args[0])
			if err != nil {
				output.Error("Account %s not found. Available: %s", args[0], strings.Join(reg.IDs(), ", "))
				return err
			}

			if code == "" {
				code = acc.InstrumentCode
			}
			if code == "" {
				return apperrors.NewValidationError("code", code, "account has no instrument, pass --code")
			}

			if price <= 0 {
				if !market {
					return apperrors.NewValidationError("price", price, "pass --price or --market")
				}
				price, err = broker.FetchPrice(ctx, app.Broker, app.exchangeFor(acc), code)
				if err != nil {
					output.Error("Failed to fetch market price: %v", err)
					return err
				}
				if !output.IsJSON() {
					output.Info("Market price %s = %s", code, utils.FormatPrice(price))
				}
			}

			isLeader := acc.Role() == models.RoleLeader
			if !output.IsJSON() {
				output.Bold("Before")
				printAccountSummary(output, acc)
				output.Println()
				output.Bold("Trade: %s %d × %s @ %s = %s", side, qty, code,
					utils.FormatPrice(price), utils.FormatAmount(price*float64(qty)))
				if isLeader && side == models.SideSell {
					output.Warning("Leader account: the sale proceeds do not return to its balance")
				}
			}

			if !yes && !app.confirm(output, "Proceed?") {
				output.Info("Aborted")
				return nil
			}

			if b, ok := app.Store.(backuper); ok {
				path, err := b.Backup()
				if err != nil {
					output.Error("Backup failed: %v", err)
					return err
				}
				if !output.IsJSON() {
					output.Dim("Backup saved to %s", path)
				}
			}

			opts := []ledger.TradeOption{
				ledger.WithTimestamp(app.Now()),
				ledger.WithNote(manualTradeNote),
			}
			var (
				trade    models.Trade
				released []string
			)
			switch side {
			case models.SideBuy:
				trade, err = acc.Buy(code, price, qty, opts...)
			case models.SideSell:
				preSell := acc.Balance
				trade, err = acc.Sell(code, price, qty, opts...)
				if err == nil && isLeader {
					acc.ForfeitProceeds(preSell)
				}
				if err == nil {
					released = acc.ReleaseLots(code)
				}
			}
			if err != nil {
				output.Error("Trade rejected: %v", err)
				return err
			}

			if err := ledger.Persist(ctx, app.Store, reg); err != nil {
				output.Error("Failed to save state: %v", err)
				return err
			}
			app.Logger.Info().
				Str("account", acc.ID).
				Str("side", string(side)).
				Str("code", code).
				Int("qty", qty).
				Float64("price", price).
				Strs("closed_lots", released).
				Msg("Manual trade recorded")
			if app.Audit != nil {
				if err := app.Audit.LogManualTrade(ctx, acc.ID, code, string(side), qty, price, acc.Balance); err != nil {
					app.Logger.Warn().Err(err).Msg("Failed to write audit event")
				}
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"trade":       trade,
					"account":     newAccountView(acc),
					"closed_lots": released,
				})
			}
			output.Println()
			output.Bold("After")
			printAccountSummary(output, acc)
			if len(released) > 0 {
				output.Info("Closed %d follower lot(s) no longer covered by the holding", len(released))
			}
			output.Success("✓ %s recorded", trade.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&code, "code", "", "instrument code (default: the account's instrument)")
	cmd.Flags().Float64Var(&price, "price", 0, "execution price")
	cmd.Flags().IntVar(&qty, "qty", 0, "quantity")
	cmd.Flags().BoolVar(&market, "market", false, "use the current market price")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	cmd.MarkFlagRequired("qty")
	return cmd
}

// exchangeFor returns the exchange of the account's strategy, falling back
// to the configured default.
func (a *App) exchangeFor(acc *ledger.Account) models.Exchange {
	exchange := models.Exchange(a.Config.Trading.Exchange)
	book, err := a.LoadBook()
	if err != nil {
		return exchange
	}
	for _, s := range book.Strategies {
		if s.ID == acc.StrategyConfig.StrategyID && s.Exchange != "" {
			return s.Exchange
		}
	}
	return exchange
}
