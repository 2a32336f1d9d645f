package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderMetadata is the normalized slice of a storefront order that the design
// job and thread naming need. Board fields are parsed out of the product
// title at ingress.
type OrderMetadata struct {
	CustomerName string          `json:"customer_name"`
	ProductName  string          `json:"product_name"`
	BoardName    string          `json:"board_name"`
	BoardNumber  string          `json:"board_number"`
	BoardSize    string          `json:"board_size"`
	Total        decimal.Decimal `json:"total"`
	PlacedAt     time.Time       `json:"placed_at"`
}
