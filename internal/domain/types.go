package domain

import (
	"strings"
	"time"
)

// OrderStatus enumerates lifecycle states recorded in the ledger.
type OrderStatus string

const (
	// OrderStatusPaid indicates payment completed and the order is awaiting handling.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusProcessing indicates the order is being prepared.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped indicates the order has been handed to the carrier.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the order reached the customer.
	OrderStatusDelivered OrderStatus = "delivered"
)

// Order is the canonical ledger record for a completed purchase.
//
// OrderID is the payment processor's stable payment reference (pi_...).
// Orders written before reconciliation may still carry the checkout
// session reference instead; LegacySessionID preserves that reference so
// the reconciler can migrate the record without losing its history.
type Order struct {
	OrderID         string
	UserID          string
	Items           []OrderItem
	Subtotal        float64
	ShippingCost    float64
	ShippingAddress *ShippingAddress
	PaymentMethod   string
	Status          OrderStatus
	CreatedAt       time.Time
	LegacySessionID string
}

// Total returns the amount the customer was charged.
func (o Order) Total() float64 {
	return o.Subtotal + o.ShippingCost
}

// OrderItem is a purchased line enriched with catalog data where available.
type OrderItem struct {
	ProductID string
	Name      string
	NameEl    string
	Size      string
	Color     string
	Quantity  int
	UnitPrice float64
	ImageURL  string
}

// ShippingAddress is the destination snapshot captured at checkout.
type ShippingAddress struct {
	Name       string
	Email      string
	Address    string
	City       string
	PostalCode string
	Country    string
}

// Product is a catalog entry used to enrich order lines. Catalog writes are
// owned by the storefront CMS; this service only reads.
type Product struct {
	ID            string
	Name          string
	NameEl        string
	Price         float64
	ImageURL      string
	Colors        []string
	ImageVariants map[string]string
}

// ImageForColor returns the color variant image when one exists, falling
// back to the product's default image.
func (p Product) ImageForColor(color string) string {
	if color != "" {
		if img, ok := p.ImageVariants[color]; ok && strings.TrimSpace(img) != "" {
			return img
		}
	}
	return p.ImageURL
}

// IsCanonicalOrderID reports whether the identifier is a payment processor
// payment reference rather than a checkout session reference.
func IsCanonicalOrderID(id string) bool {
	return strings.HasPrefix(id, "pi_")
}
