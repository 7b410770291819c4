package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusAccepted  OrderStatus = "accepted"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Order is one entry of the order history the accounting engine receives.
// Orders are authoritative input: the engine never mutates them, and position
// state is recomputed from the full list on every update.
type Order struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Exchange  string          `json:"exchange"`
	Side      OrderSide       `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Status    OrderStatus     `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
}
