package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	domain "github.com/gorgonstone/api/internal/domain"
	"github.com/gorgonstone/api/internal/payments"
	"github.com/gorgonstone/api/internal/repositories"
)

const (
	orderEventRecorded = "order.recorded"

	eventSourceRetrieve = "retrieve"
	eventSourceSave     = "save"
	eventSourceSync     = "sync"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrSessionInvalid indicates the session is not a completed payment.
	ErrSessionInvalid = errors.New("order: session is not a completed payment")
	// ErrSessionEmpty indicates the session carries no line items.
	ErrSessionEmpty = errors.New("order: session has no line items")
	// ErrUpstream indicates the payment provider call failed.
	ErrUpstream = errors.New("order: payment provider request failed")
	// ErrLedgerUnavailable indicates the order ledger could not be reached.
	ErrLedgerUnavailable = errors.New("order: ledger unavailable")
)

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Ledger   repositories.OrderLedger
	Payments payments.Provider
	Catalog  CatalogService
	Events   OrderEventPublisher
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	ledger   repositories.OrderLedger
	payments payments.Provider
	catalog  CatalogService
	events   OrderEventPublisher
	clock    func() time.Time
	logger   func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Ledger == nil {
		return nil, errors.New("order service: order ledger is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("order service: payment provider is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("order service: catalog service is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		ledger:   deps.Ledger,
		payments: deps.Payments,
		catalog:  deps.Catalog,
		events:   deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *orderService) RetrieveAndSave(ctx context.Context, cmd RetrieveAndSaveCommand) (RetrieveAndSaveResult, error) {
	sessionRef := strings.TrimSpace(cmd.SessionRef)
	ownerID := strings.TrimSpace(cmd.OwnerID)
	if sessionRef == "" {
		return RetrieveAndSaveResult{}, fmt.Errorf("%w: session reference is required", ErrOrderInvalidInput)
	}
	if ownerID == "" {
		return RetrieveAndSaveResult{}, fmt.Errorf("%w: owner id is required", ErrOrderInvalidInput)
	}

	detail, err := s.payments.RetrieveSession(ctx, sessionRef)
	if err != nil {
		if errors.Is(err, payments.ErrSessionNotFound) {
			return RetrieveAndSaveResult{}, fmt.Errorf("%w: %v", ErrSessionInvalid, err)
		}
		return RetrieveAndSaveResult{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	if err := validateSessionDetail(detail); err != nil {
		return RetrieveAndSaveResult{}, err
	}

	key := repositories.LedgerKey(ownerID, detail.PaymentIntentID)
	existing, found, err := lookupLedger(ctx, s.ledger, key)
	if err != nil {
		return RetrieveAndSaveResult{}, err
	}
	if found {
		return RetrieveAndSaveResult{Order: existing, AlreadyExists: true}, nil
	}

	// A Success-page save may already hold this purchase under the session
	// reference. Re-key it instead of writing a second record.
	legacyKey := repositories.LedgerKey(ownerID, detail.ID)
	if detail.ID != "" && legacyKey != key {
		legacy, legacyFound, err := lookupLedger(ctx, s.ledger, legacyKey)
		if err != nil {
			return RetrieveAndSaveResult{}, err
		}
		if legacyFound {
			migrated := legacy
			migrated.OrderID = detail.PaymentIntentID
			migrated.LegacySessionID = detail.ID
			if err := s.ledger.Migrate(ctx, legacyKey, key, migrated); err != nil {
				return RetrieveAndSaveResult{}, mapLedgerError(err)
			}
			return RetrieveAndSaveResult{Order: migrated, AlreadyExists: true}, nil
		}
	}

	snapshot := s.loadSnapshot(ctx)
	order := buildOrder(detail, ownerID, cmd.OwnerEmail, snapshot)

	if err := s.ledger.Set(ctx, key, order); err != nil {
		return RetrieveAndSaveResult{}, mapLedgerError(err)
	}

	s.publishRecorded(ctx, order, detail.Currency, eventSourceRetrieve)
	return RetrieveAndSaveResult{Order: order}, nil
}

func (s *orderService) SaveDirect(ctx context.Context, cmd SaveOrderCommand) (Order, error) {
	ownerID := strings.TrimSpace(cmd.OwnerID)
	if ownerID == "" {
		return Order{}, fmt.Errorf("%w: owner id is required", ErrOrderInvalidInput)
	}

	order := cmd.Order
	order.OrderID = strings.TrimSpace(order.OrderID)
	if order.OrderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if len(order.Items) == 0 {
		return Order{}, fmt.Errorf("%w: at least one item is required", ErrOrderInvalidInput)
	}

	order.UserID = ownerID
	if order.Status == "" {
		order.Status = domain.OrderStatusPaid
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = s.clock()
	}
	// Success-page saves arrive keyed by the checkout session reference;
	// keep that reference so the reconciler can migrate the record later.
	if order.LegacySessionID == "" && !domain.IsCanonicalOrderID(order.OrderID) {
		order.LegacySessionID = order.OrderID
	}
	for i := range order.Items {
		if order.Items[i].Quantity < 1 {
			order.Items[i].Quantity = 1
		}
		if strings.TrimSpace(order.Items[i].Size) == "" {
			order.Items[i].Size = UnspecifiedSize
		}
	}

	key := repositories.LedgerKey(ownerID, order.OrderID)
	if err := s.ledger.Set(ctx, key, order); err != nil {
		return Order{}, mapLedgerError(err)
	}

	s.publishRecorded(ctx, order, "", eventSourceSave)
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, ownerID string) ([]Order, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner id is required", ErrOrderInvalidInput)
	}

	entries, err := s.ledger.ScanOwner(ctx, ownerID)
	if err != nil {
		return nil, mapLedgerError(err)
	}

	orders := make([]Order, 0, len(entries))
	for _, entry := range entries {
		orders = append(orders, entry.Order)
	}
	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return orders, nil
}

// lookupLedger reads a ledger key, treating an absent key as a normal outcome.
func lookupLedger(ctx context.Context, ledger repositories.OrderLedger, key string) (Order, bool, error) {
	order, err := ledger.Get(ctx, key)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return Order{}, false, nil
		}
		return Order{}, false, mapLedgerError(err)
	}
	return order, true, nil
}

// loadSnapshot returns the current catalog view, degrading to an empty
// snapshot when the catalog cannot be read. Enrichment is best-effort and
// must not block persisting a paid order.
func (s *orderService) loadSnapshot(ctx context.Context) CatalogSnapshot {
	snapshot, err := s.catalog.Snapshot(ctx)
	if err != nil {
		s.logger(ctx, "orders.catalog.snapshot.failed", map[string]any{
			"error": err.Error(),
		})
		return CatalogSnapshot{}
	}
	return snapshot
}

func (s *orderService) publishRecorded(ctx context.Context, order Order, currency, source string) {
	if s.events == nil {
		return
	}
	message := OrderEventMessage{
		EventType:       orderEventRecorded,
		OrderID:         order.OrderID,
		UserID:          order.UserID,
		LegacySessionID: order.LegacySessionID,
		Total:           order.Total(),
		Currency:        currency,
		Source:          source,
		OccurredAt:      s.clock(),
	}
	if _, err := s.events.PublishOrderEvent(ctx, message); err != nil {
		s.logger(ctx, "orders.event.publish.failed", map[string]any{
			"order":  order.OrderID,
			"source": source,
			"error":  err.Error(),
		})
	}
}

// validateSessionDetail rejects sessions that cannot back a ledger record.
func validateSessionDetail(detail payments.SessionDetail) error {
	if strings.TrimSpace(detail.PaymentIntentID) == "" || !detail.Complete() {
		return fmt.Errorf("%w: session %s", ErrSessionInvalid, detail.ID)
	}
	if len(detail.LineItems) == 0 {
		return fmt.Errorf("%w: session %s", ErrSessionEmpty, detail.ID)
	}
	return nil
}

// buildOrder assembles the canonical ledger record from a completed session.
// Totals come straight from the payment record: shipping defaults to zero
// when the session reports no shipping line, and the stored subtotal is the
// reported total minus shipping.
func buildOrder(detail payments.SessionDetail, ownerID, ownerEmail string, snapshot CatalogSnapshot) Order {
	total := minorToUnits(detail.AmountTotal)
	shipping := minorToUnits(detail.ShippingAmount)

	items := snapshot.EnrichAll(normalizeLineItems(detail.LineItems))

	return Order{
		OrderID:         detail.PaymentIntentID,
		UserID:          ownerID,
		Items:           items,
		Subtotal:        roundCents(total - shipping),
		ShippingCost:    roundCents(shipping),
		ShippingAddress: buildShippingAddress(detail, ownerEmail),
		PaymentMethod:   detail.PaymentMethod,
		Status:          domain.OrderStatusPaid,
		CreatedAt:       detail.CompletedAt,
		LegacySessionID: detail.ID,
	}
}

// buildShippingAddress maps the session's shipping details, falling back to
// the customer's billing identity for name and email. Missing fields stay
// blank; address gaps never fail an order.
func buildShippingAddress(detail payments.SessionDetail, ownerEmail string) *domain.ShippingAddress {
	addr := domain.ShippingAddress{
		Name:  detail.CustomerName,
		Email: detail.CustomerEmail,
	}
	if addr.Email == "" {
		addr.Email = ownerEmail
	}

	if shipping := detail.ShippingAddress; shipping != nil {
		if shipping.Name != "" {
			addr.Name = shipping.Name
		}
		addr.Address = strings.TrimSpace(strings.Join(nonEmpty(shipping.Line1, shipping.Line2), ", "))
		addr.City = shipping.City
		addr.PostalCode = shipping.PostalCode
		addr.Country = shipping.Country
	}
	return &addr
}

func nonEmpty(values ...string) []string {
	kept := make([]string, 0, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			kept = append(kept, strings.TrimSpace(v))
		}
	}
	return kept
}

func mapLedgerError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
}
