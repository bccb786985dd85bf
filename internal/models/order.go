package models

import "time"

// Order represents an order sent to the real brokerage account.
type Order struct {
	ID           string
	AccountID    string // real brokerage account
	Symbol       string
	Exchange     Exchange
	Side         Side
	Type         OrderType
	Product      ProductType
	Quantity     int
	Price        float64 // 0 for market orders
	Validity     string  // DAY, IOC
	Tag          string
	Status       string
	FilledQty    int
	AveragePrice float64
	PlacedAt     time.Time
}
