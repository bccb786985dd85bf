// Package utils provides shared utility functions.
package utils

import (
	"fmt"
	"math"
	"strings"
)

// FormatAmount formats a money amount with thousands separators and no
// fractional part, e.g. 1234567.8 -> "1,234,568".
func FormatAmount(amount float64) string {
	negative := amount < 0
	if negative {
		amount = -amount
	}

	result := groupThousands(fmt.Sprintf("%.0f", math.Round(amount)))
	if negative && result != "0" {
		result = "-" + result
	}
	return result
}

// FormatPrice formats a price, keeping two decimals only when it has a
// fractional part.
func FormatPrice(price float64) string {
	if price == math.Trunc(price) {
		return FormatAmount(price)
	}
	negative := price < 0
	if negative {
		price = -price
	}
	str := fmt.Sprintf("%.2f", price)
	parts := strings.SplitN(str, ".", 2)
	result := groupThousands(parts[0]) + "." + parts[1]
	if negative {
		result = "-" + result
	}
	return result
}

func groupThousands(s string) string {
	n := len(s)
	if n <= 3 {
		return s
	}

	var b strings.Builder
	head := n % 3
	if head > 0 {
		b.WriteString(s[:head])
	}
	for i := head; i < n; i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// FormatPercent formats a percentage with sign.
func FormatPercent(value float64) string {
	sign := ""
	if value > 0 {
		sign = "+"
	}
	return fmt.Sprintf("%s%.2f%%", sign, value)
}

// FormatPnL formats P&L with an explicit sign.
func FormatPnL(pnl float64) string {
	formatted := FormatAmount(pnl)
	if pnl >= 0.5 {
		return "+" + formatted
	}
	return formatted
}

// FormatQuantity formats a quantity with commas.
func FormatQuantity(qty int) string {
	if qty < 0 {
		return "-" + groupThousands(fmt.Sprintf("%d", -qty))
	}
	return groupThousands(fmt.Sprintf("%d", qty))
}
