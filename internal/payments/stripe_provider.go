package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/checkout/session"
	"github.com/stripe/stripe-go/v78/client"

	"github.com/gorgonstone/api/internal/platform/textutil"
)

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeSessionAPI interface {
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	ListAll(params *stripe.CheckoutSessionListParams) ([]*stripe.CheckoutSession, error)
}

type stripeClients struct {
	sessions stripeSessionAPI
}

// sessionClientAdapter adapts the SDK's session client, draining the listing
// iterator so callers always observe the full result set.
type sessionClientAdapter struct {
	client *session.Client
}

func (a sessionClientAdapter) Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return a.client.Get(id, params)
}

func (a sessionClientAdapter) ListAll(params *stripe.CheckoutSessionListParams) ([]*stripe.CheckoutSession, error) {
	iter := a.client.List(params)
	var sessions []*stripe.CheckoutSession
	for iter.Next() {
		sessions = append(sessions, iter.CheckoutSession())
	}
	return sessions, iter.Err()
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey    string
	AccountID string
	// PageLimit bounds the page size requested from the listing API; the
	// provider still walks every page.
	PageLimit int64
	Backends  *stripe.Backends
	Logger    StripeLogger
	Clock     func() time.Time
	Clients   *stripeClients
}

// StripeProvider implements the Provider interface using Stripe Checkout APIs.
type StripeProvider struct {
	api       stripeClients
	account   string
	pageLimit int64
	clock     func() time.Time
	logger    StripeLogger
}

const defaultListPageLimit = 100

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			sessions: sessionClientAdapter{client: sc.CheckoutSessions},
		}
	}
	if clients.sessions == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	pageLimit := cfg.PageLimit
	if pageLimit <= 0 {
		pageLimit = defaultListPageLimit
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		api:       clients,
		account:   strings.TrimSpace(cfg.AccountID),
		pageLimit: pageLimit,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// ListCompletedSessions lists every completed checkout session for the filter,
// walking all pages of the listing API.
func (p *StripeProvider) ListCompletedSessions(ctx context.Context, filter ListFilter) ([]SessionSummary, error) {
	if p == nil {
		return nil, errors.New("stripe: provider is nil")
	}

	params := &stripe.CheckoutSessionListParams{
		Status: stripe.String(string(stripe.CheckoutSessionStatusComplete)),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(p.pageLimit)
	if p.account != "" {
		params.StripeAccount = stripe.String(p.account)
	}
	if email := strings.TrimSpace(filter.CustomerEmail); email != "" {
		params.CustomerDetails = &stripe.CheckoutSessionListCustomerDetailsParams{
			Email: stripe.String(email),
		}
	}
	if !filter.CreatedAfter.IsZero() {
		params.CreatedRange = &stripe.RangeQueryParams{
			GreaterThanOrEqual: filter.CreatedAfter.Unix(),
		}
	}

	sessions, err := p.api.sessions.ListAll(params)
	if err != nil {
		return nil, fmt.Errorf("stripe: list checkout sessions: %w", err)
	}

	summaries := make([]SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		if sess == nil {
			continue
		}
		summaries = append(summaries, SessionSummary{
			ID:              sess.ID,
			PaymentIntentID: paymentIntentID(sess),
			AmountTotal:     sess.AmountTotal,
			Currency:        strings.ToLower(string(sess.Currency)),
			CustomerEmail:   customerEmail(sess),
			CompletedAt:     sessionCompletedAt(sess),
		})
	}

	p.logger(ctx, "payments.stripe.sessions.listed", map[string]any{
		"count": len(summaries),
	})
	return summaries, nil
}

// RetrieveSession loads a checkout session with line items and the payment
// record expanded.
func (p *StripeProvider) RetrieveSession(ctx context.Context, sessionRef string) (SessionDetail, error) {
	if p == nil {
		return SessionDetail{}, errors.New("stripe: provider is nil")
	}
	sessionRef = strings.TrimSpace(sessionRef)
	if sessionRef == "" {
		return SessionDetail{}, errors.New("stripe: session reference is required")
	}

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	params.AddExpand("line_items")
	params.AddExpand("line_items.data.price.product")
	params.AddExpand("payment_intent")
	params.AddExpand("payment_intent.latest_charge")

	sess, err := p.api.sessions.Get(sessionRef, params)
	if err != nil {
		if isStripeNotFound(err) {
			return SessionDetail{}, fmt.Errorf("stripe: retrieve checkout session %s: %w", sessionRef, ErrSessionNotFound)
		}
		return SessionDetail{}, fmt.Errorf("stripe: retrieve checkout session: %w", err)
	}

	detail := stripeSessionDetail(sess)
	p.logger(ctx, "payments.stripe.session.retrieved", map[string]any{
		"sessionId":     detail.ID,
		"paymentIntent": detail.PaymentIntentID,
		"lineItems":     len(detail.LineItems),
	})
	return detail, nil
}

func stripeSessionDetail(sess *stripe.CheckoutSession) SessionDetail {
	if sess == nil {
		return SessionDetail{}
	}

	detail := SessionDetail{
		ID:              sess.ID,
		PaymentIntentID: paymentIntentID(sess),
		Status:          string(sess.Status),
		PaymentStatus:   string(sess.PaymentStatus),
		AmountSubtotal:  sess.AmountSubtotal,
		AmountTotal:     sess.AmountTotal,
		Currency:        strings.ToLower(string(sess.Currency)),
		CustomerEmail:   customerEmail(sess),
		PaymentMethod:   paymentMethodDescriptor(sess.PaymentIntent),
		CompletedAt:     sessionCompletedAt(sess),
	}
	if sess.CustomerDetails != nil {
		detail.CustomerName = sess.CustomerDetails.Name
	}
	if sess.ShippingCost != nil {
		detail.ShippingAmount = sess.ShippingCost.AmountTotal
	}
	if shipping := sess.ShippingDetails; shipping != nil && shipping.Address != nil {
		detail.ShippingAddress = &SessionShippingAddress{
			Name:       shipping.Name,
			Line1:      shipping.Address.Line1,
			Line2:      shipping.Address.Line2,
			City:       shipping.Address.City,
			PostalCode: shipping.Address.PostalCode,
			Country:    shipping.Address.Country,
		}
	}
	if sess.LineItems != nil {
		detail.LineItems = make([]SessionLineItem, 0, len(sess.LineItems.Data))
		for _, item := range sess.LineItems.Data {
			if item == nil {
				continue
			}
			line := SessionLineItem{
				Description: item.Description,
				Quantity:    item.Quantity,
				AmountTotal: item.AmountTotal,
				Currency:    strings.ToLower(string(item.Currency)),
			}
			if item.Price != nil && item.Price.Product != nil {
				// Merchant-entered metadata arrives with stray whitespace.
				meta := textutil.NormalizeStringMap(item.Price.Product.Metadata)
				line.ProductID = meta["productId"]
				line.Size = meta["size"]
				line.Color = meta["color"]
			}
			detail.LineItems = append(detail.LineItems, line)
		}
	}
	return detail
}

// paymentMethodDescriptor derives a display string from the settled charge.
// Card numbers never appear beyond the last four digits.
func paymentMethodDescriptor(intent *stripe.PaymentIntent) string {
	if intent == nil || intent.LatestCharge == nil {
		return "Card (****)"
	}
	details := intent.LatestCharge.PaymentMethodDetails
	if details == nil || details.Card == nil || details.Card.Last4 == "" {
		return "Card (****)"
	}
	return fmt.Sprintf("Card (****%s)", details.Card.Last4)
}

func paymentIntentID(sess *stripe.CheckoutSession) string {
	if sess == nil || sess.PaymentIntent == nil {
		return ""
	}
	return sess.PaymentIntent.ID
}

func customerEmail(sess *stripe.CheckoutSession) string {
	if sess == nil {
		return ""
	}
	if sess.CustomerDetails != nil && sess.CustomerDetails.Email != "" {
		return sess.CustomerDetails.Email
	}
	return sess.CustomerEmail
}

// sessionCompletedAt prefers the settled charge's timestamp, falling back to
// the payment intent and finally session creation.
func sessionCompletedAt(sess *stripe.CheckoutSession) time.Time {
	if sess == nil {
		return time.Time{}
	}
	if intent := sess.PaymentIntent; intent != nil {
		if charge := intent.LatestCharge; charge != nil && charge.Created > 0 {
			return time.Unix(charge.Created, 0).UTC()
		}
		if intent.Created > 0 {
			return time.Unix(intent.Created, 0).UTC()
		}
	}
	if sess.Created > 0 {
		return time.Unix(sess.Created, 0).UTC()
	}
	return time.Time{}
}

func isStripeNotFound(err error) bool {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.HTTPStatusCode == http.StatusNotFound || stripeErr.Code == stripe.ErrorCodeResourceMissing
	}
	return false
}

var _ Provider = (*StripeProvider)(nil)
