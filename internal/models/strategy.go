package models

import "fmt"

// StrategyBook is the full strategy configuration tree: one capital figure
// distributed across strategies and their virtual accounts.
type StrategyBook struct {
	TotalCapital  float64    `mapstructure:"total_capital" json:"total_capital"`
	RealAccountID string     `mapstructure:"real_account_id" json:"real_account_id"`
	DryRun        bool       `mapstructure:"dry_run" json:"dry_run"`
	Strategies    []Strategy `mapstructure:"strategies" json:"strategies"`
}

// Strategy groups one leader and its followers on a single instrument.
type Strategy struct {
	ID                     string        `mapstructure:"id" json:"id"`
	InstrumentCode         string        `mapstructure:"instrument_code" json:"instrument_code"`
	InstrumentName         string        `mapstructure:"instrument_name" json:"instrument_name"`
	Exchange               Exchange      `mapstructure:"exchange" json:"exchange,omitempty"`
	TotalAllocationPercent float64       `mapstructure:"total_allocation_percent" json:"total_allocation_percent"`
	Accounts               []AccountSpec `mapstructure:"accounts" json:"accounts"`
}

// Capital returns the share of totalCapital allocated to the strategy.
func (s Strategy) Capital(totalCapital float64) float64 {
	return totalCapital * s.TotalAllocationPercent
}

// AccountID returns the virtual account id for a suffix.
func (s Strategy) AccountID(suffix string) string {
	return AccountID(s.ID, suffix)
}

// AccountID builds "<strategy>_<suffix>".
func AccountID(strategyID, suffix string) string {
	return fmt.Sprintf("%s_%s", strategyID, suffix)
}

// AccountSpec configures one virtual account of a strategy.
type AccountSpec struct {
	StrategyID string  `mapstructure:"-" json:"strategy_id,omitempty"`
	Suffix     string  `mapstructure:"suffix" json:"suffix"`
	Ratio      float64 `mapstructure:"ratio" json:"ratio"`
	Role       Role    `mapstructure:"role" json:"role"`
	Params     Params  `mapstructure:"params" json:"params"`
}

// Params are the role-specific parameters. Zero means "not configured".
type Params struct {
	Dip             float64 `mapstructure:"dip" json:"dip,omitempty"`
	TargetProfit    float64 `mapstructure:"target_profit" json:"target_profit,omitempty"`
	BuyAmount       float64 `mapstructure:"buy_amount" json:"buy_amount,omitempty"`
	BuyQuantity     int     `mapstructure:"buy_quantity" json:"buy_quantity,omitempty"`
	PriceLowerLimit float64 `mapstructure:"price_lower_limit" json:"price_lower_limit,omitempty"`
	PriceUpperLimit float64 `mapstructure:"price_upper_limit" json:"price_upper_limit,omitempty"`
}
