package payments

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Provider abstracts the payment processor's checkout session surface. The
// order services depend on this interface rather than the Stripe SDK so tests
// can substitute canned sessions.
type Provider interface {
	// ListCompletedSessions drains every page of completed checkout sessions
	// matching the filter.
	ListCompletedSessions(ctx context.Context, filter ListFilter) ([]SessionSummary, error)
	// RetrieveSession loads a single checkout session with its line items and
	// payment record expanded.
	RetrieveSession(ctx context.Context, sessionRef string) (SessionDetail, error)
}

// ListFilter narrows session listing. A zero CreatedAfter leaves the range unbounded.
type ListFilter struct {
	CustomerEmail string
	CreatedAfter  time.Time
}

// SessionSummary is the listing projection of a completed checkout session.
type SessionSummary struct {
	ID              string
	PaymentIntentID string
	AmountTotal     int64
	Currency        string
	CustomerEmail   string
	CompletedAt     time.Time
}

// SessionDetail carries everything the order builder needs from one session.
// Monetary amounts are in the currency's minor unit as reported upstream.
type SessionDetail struct {
	ID              string
	PaymentIntentID string
	Status          string
	PaymentStatus   string
	AmountSubtotal  int64
	AmountTotal     int64
	ShippingAmount  int64
	Currency        string
	CustomerName    string
	CustomerEmail   string
	ShippingAddress *SessionShippingAddress
	// PaymentMethod is a safe descriptor such as "Card (****4242)"; raw
	// instrument data never leaves the provider.
	PaymentMethod string
	CompletedAt   time.Time
	LineItems     []SessionLineItem
}

// SessionShippingAddress is the shipping destination captured at checkout.
type SessionShippingAddress struct {
	Name       string
	Line1      string
	Line2      string
	City       string
	PostalCode string
	Country    string
}

// SessionLineItem is a purchased line from the session. ProductID, Size and
// Color are populated from structured product metadata when the checkout
// recorded it; otherwise only Description is available and callers fall back
// to parsing it.
type SessionLineItem struct {
	Description string
	Quantity    int64
	AmountTotal int64
	Currency    string
	ProductID   string
	Size        string
	Color       string
}

// Complete reports whether the session finished checkout with a settled payment.
func (d SessionDetail) Complete() bool {
	return strings.EqualFold(d.Status, "complete") && strings.EqualFold(d.PaymentStatus, "paid")
}

// ErrSessionNotFound indicates the processor has no session under the given reference.
var ErrSessionNotFound = errors.New("payments: session not found")
