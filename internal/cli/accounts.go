package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	apperrors "split-trader/internal/errors"
	"split-trader/internal/ledger"
	"split-trader/internal/models"
	"split-trader/pkg/utils"
)

// addAccountCommands adds the virtual account commands.
func addAccountCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:     "accounts",
		Aliases: []string{"acc"},
		Short:   "Inspect the virtual accounts",
	}
	cmd.AddCommand(newAccountsListCmd(app))
	cmd.AddCommand(newAccountsShowCmd(app))
	rootCmd.AddCommand(cmd)
}

// accountView is the JSON shape of one account.
type accountView struct {
	ID          string                    `json:"id"`
	Strategy    string                    `json:"strategy,omitempty"`
	Role        models.Role               `json:"role,omitempty"`
	Principal   float64                   `json:"principal"`
	Balance     float64                   `json:"balance"`
	RealizedPnL float64                   `json:"realized_pnl"`
	Holdings    map[string]models.Holding `json:"holdings"`
	OpenLots    int                       `json:"open_lots"`
	Trades      int                       `json:"trades"`
	Last        *models.Snapshot          `json:"last_snapshot,omitempty"`
}

func newAccountView(acc *ledger.Account) accountView {
	view := accountView{
		ID:          acc.ID,
		Strategy:    acc.StrategyConfig.StrategyID,
		Role:        acc.Role(),
		Principal:   acc.Principal,
		Balance:     acc.Balance,
		RealizedPnL: acc.RealizedPnL(),
		Holdings:    make(map[string]models.Holding, len(acc.Holdings)),
		Trades:      len(acc.History),
	}
	for code, h := range acc.Holdings {
		view.Holdings[code] = *h
	}
	for _, t := range acc.History {
		if t.IsOpenLot() {
			view.OpenLots++
		}
	}
	if n := len(acc.PerformanceLog); n > 0 {
		last := acc.PerformanceLog[n-1]
		view.Last = &last
	}
	return view
}

// loadRegistry restores the saved registry; a missing state is reported
// with a hint to run init.
func (a *App) loadRegistry(cmd *cobra.Command) (*ledger.Registry, error) {
	reg, ok, err := ledger.Restore(commandContext(cmd), a.Store)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}
	if !ok {
		return nil, apperrors.Wrap(apperrors.ErrStateNotFound, "no saved accounts, run 'split-trader init' first")
	}
	return reg, nil
}

func newAccountsListCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			reg, err := app.loadRegistry(cmd)
			if err != nil {
				output.Error("%v", err)
				return err
			}

			if output.IsJSON() {
				views := make([]accountView, 0, reg.Len())
				for _, acc := range reg.All() {
					views = append(views, newAccountView(acc))
				}
				return output.JSON(views)
			}

			table := NewTable(output, "Account", "Role", "Principal", "Balance", "Holdings", "Realized", "Value", "P&L %")
			var principal, balance float64
			for _, acc := range reg.All() {
				view := newAccountView(acc)
				principal += acc.Principal
				balance += acc.Balance

				value, rate := "-", "-"
				if view.Last != nil {
					value = utils.FormatAmount(view.Last.TotalValue)
					rate = output.FormatPercent(view.Last.PnLRate)
				}
				table.AddRow(
					acc.ID,
					string(acc.Role()),
					utils.FormatAmount(acc.Principal),
					utils.FormatAmount(acc.Balance),
					formatHoldings(acc),
					output.FormatPnL(view.RealizedPnL),
					value,
					rate,
				)
			}
			table.Render()
			output.Println()
			output.Dim("%d accounts, principal %s, cash %s", reg.Len(), utils.FormatAmount(principal), utils.FormatAmount(balance))
			return nil
		},
	}
}

func newAccountsShowCmd(app *App) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "show <account-id>",
		Short: "Show one account with its holdings, open lots and recent trades",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
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

			if output.IsJSON() {
				return output.JSON(struct {
					accountView
					History []models.Trade `json:"history"`
				}{newAccountView(acc), recentTrades(acc.History, limit)})
			}

			printAccountSummary(output, acc)

			lots := openLots(acc)
			if len(lots) > 0 {
				output.Println()
				output.Bold("Open lots")
				table := NewTable(output, "Batch", "Qty", "Price", "Target", "Bought")
				for _, lot := range lots {
					table.AddRow(
						fmt.Sprintf("%d", *lot.BatchRef),
						utils.FormatQuantity(lot.Quantity),
						utils.FormatPrice(lot.Price),
						utils.FormatPrice(*lot.TargetSellPrice),
						FormatDateTime(lot.Timestamp, app.Session.Location()),
					)
				}
				table.Render()
			}

			trades := recentTrades(acc.History, limit)
			if len(trades) > 0 {
				output.Println()
				output.Bold("Recent trades")
				table := NewTable(output, "Time", "Action", "Code", "Qty", "Price", "P&L", "Balance", "Note")
				for _, t := range trades {
					pnl := ""
					if t.PnL != nil {
						pnl = output.FormatPnL(*t.PnL)
					}
					action := string(t.Action)
					if t.IsLot() {
						action += fmt.Sprintf(" #%d %s", *t.BatchRef, t.Status)
					}
					table.AddRow(
						FormatDateTime(t.Timestamp, app.Session.Location()),
						action,
						t.Code,
						utils.FormatQuantity(t.Quantity),
						utils.FormatPrice(t.Price),
						pnl,
						utils.FormatAmount(t.BalanceAfter),
						TruncateString(t.Note, 24),
					)
				}
				table.Render()
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "trades", 10, "number of recent trades to show (0 for all)")
	return cmd
}

func printAccountSummary(output *Output, acc *ledger.Account) {
	output.Bold("%s", acc.ID)
	output.Printf("  Role:       %s\n", acc.Role())
	output.Printf("  Principal:  %s\n", utils.FormatAmount(acc.Principal))
	output.Printf("  Balance:    %s\n", utils.FormatAmount(acc.Balance))
	output.Printf("  Realized:   %s\n", output.FormatPnL(acc.RealizedPnL()))
	if p := acc.StrategyConfig.Params; p.Dip > 0 || p.TargetProfit > 0 {
		output.Printf("  Rules:      dip %s, target %s\n", FormatRatio(p.Dip), FormatRatio(p.TargetProfit))
	}
	if len(acc.Holdings) == 0 {
		output.Printf("  Holdings:   (none)\n")
	}
	for _, code := range sortedCodes(acc) {
		h := acc.Holdings[code]
		output.Printf("  Holding:    %s qty=%s avg=%s cost=%s\n",
			code, utils.FormatQuantity(h.Quantity), utils.FormatPrice(h.AveragePrice), utils.FormatAmount(h.TotalCost))
	}
	if n := len(acc.PerformanceLog); n > 0 {
		last := acc.PerformanceLog[n-1]
		output.Printf("  Value:      %s (%s)\n", utils.FormatAmount(last.TotalValue), output.FormatPercent(last.PnLRate))
	}
}

func formatHoldings(acc *ledger.Account) string {
	if len(acc.Holdings) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(acc.Holdings))
	for _, code := range sortedCodes(acc) {
		parts = append(parts, fmt.Sprintf("%s×%d", code, acc.Holdings[code].Quantity))
	}
	return strings.Join(parts, " ")
}

func sortedCodes(acc *ledger.Account) []string {
	codes := make([]string, 0, len(acc.Holdings))
	for code := range acc.Holdings {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

func openLots(acc *ledger.Account) []models.Trade {
	var lots []models.Trade
	for _, t := range acc.History {
		if t.IsOpenLot() {
			lots = append(lots, t)
		}
	}
	return lots
}

// recentTrades returns the last n trades, newest last. n <= 0 returns all.
func recentTrades(history []models.Trade, n int) []models.Trade {
	if n <= 0 || len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}
