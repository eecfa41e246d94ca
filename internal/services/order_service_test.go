package services

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	domain "github.com/gorgonstone/api/internal/domain"
	"github.com/gorgonstone/api/internal/payments"
	"github.com/gorgonstone/api/internal/repositories"
)

type ledgerStubErr struct {
	notFound    bool
	unavailable bool
}

func (e ledgerStubErr) Error() string       { return "ledger stub error" }
func (e ledgerStubErr) IsNotFound() bool    { return e.notFound }
func (e ledgerStubErr) IsConflict() bool    { return false }
func (e ledgerStubErr) IsUnavailable() bool { return e.unavailable }

type fakeLedger struct {
	records map[string]domain.Order
	deleted []string
	setErr  error
	getErr  error
	scanErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{records: map[string]domain.Order{}}
}

func (f *fakeLedger) Get(_ context.Context, key string) (domain.Order, error) {
	if f.getErr != nil {
		return domain.Order{}, f.getErr
	}
	order, ok := f.records[key]
	if !ok {
		return domain.Order{}, ledgerStubErr{notFound: true}
	}
	return order, nil
}

func (f *fakeLedger) Set(_ context.Context, key string, order domain.Order) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.records[key] = order
	return nil
}

func (f *fakeLedger) Delete(_ context.Context, key string) error {
	delete(f.records, key)
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeLedger) Migrate(_ context.Context, fromKey, toKey string, order domain.Order) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.records[toKey] = order
	delete(f.records, fromKey)
	f.deleted = append(f.deleted, fromKey)
	return nil
}

func (f *fakeLedger) ScanOwner(_ context.Context, ownerID string) ([]repositories.LedgerEntry, error) {
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	prefix := repositories.OwnerPrefix(ownerID)
	keys := make([]string, 0, len(f.records))
	for key := range f.records {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	entries := make([]repositories.LedgerEntry, 0, len(keys))
	for _, key := range keys {
		entries = append(entries, repositories.LedgerEntry{Key: key, Order: f.records[key]})
	}
	return entries, nil
}

type stubPaymentsProvider struct {
	listFn     func(context.Context, payments.ListFilter) ([]payments.SessionSummary, error)
	retrieveFn func(context.Context, string) (payments.SessionDetail, error)
}

func (s *stubPaymentsProvider) ListCompletedSessions(ctx context.Context, filter payments.ListFilter) ([]payments.SessionSummary, error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return nil, nil
}

func (s *stubPaymentsProvider) RetrieveSession(ctx context.Context, ref string) (payments.SessionDetail, error) {
	if s.retrieveFn != nil {
		return s.retrieveFn(ctx, ref)
	}
	return payments.SessionDetail{}, errors.New("not implemented")
}

type stubCatalogService struct {
	snapshotFn func(context.Context) (CatalogSnapshot, error)
}

func (s *stubCatalogService) Snapshot(ctx context.Context) (CatalogSnapshot, error) {
	if s.snapshotFn != nil {
		return s.snapshotFn(ctx)
	}
	return CatalogSnapshot{}, nil
}

type captureEvents struct {
	messages []OrderEventMessage
	err      error
}

func (c *captureEvents) PublishOrderEvent(_ context.Context, message OrderEventMessage) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	c.messages = append(c.messages, message)
	return "msg-1", nil
}

var testClock = func() time.Time {
	return time.Date(2025, 5, 6, 9, 0, 0, 0, time.UTC)
}

func newTestOrderService(t *testing.T, ledger repositories.OrderLedger, provider payments.Provider, events OrderEventPublisher) OrderService {
	t.Helper()
	svc, err := NewOrderService(OrderServiceDeps{
		Ledger:   ledger,
		Payments: provider,
		Catalog:  &stubCatalogService{},
		Events:   events,
		Clock:    testClock,
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	return svc
}

func completedDetail(sessionRef, intentID string) payments.SessionDetail {
	return payments.SessionDetail{
		ID:              sessionRef,
		PaymentIntentID: intentID,
		Status:          "complete",
		PaymentStatus:   "paid",
		AmountTotal:     6450,
		ShippingAmount:  450,
		Currency:        "eur",
		CustomerName:    "Nikos P.",
		CustomerEmail:   "nikos@example.com",
		ShippingAddress: &payments.SessionShippingAddress{
			Name:       "Nikos P.",
			Line1:      "Ermou 1",
			City:       "Athens",
			PostalCode: "10563",
			Country:    "GR",
		},
		PaymentMethod: "Card (****4242)",
		CompletedAt:   time.Date(2025, 4, 30, 18, 45, 0, 0, time.UTC),
		LineItems: []payments.SessionLineItem{
			{Description: "Ammon Horns Medusa Hoodie - Black - Size: Medium", Quantity: 2, AmountTotal: 6000},
		},
	}
}

func TestRetrieveAndSavePersistsOrder(t *testing.T) {
	ctx := context.Background()
	ledger := newFakeLedger()
	events := &captureEvents{}
	provider := &stubPaymentsProvider{
		retrieveFn: func(_ context.Context, ref string) (payments.SessionDetail, error) {
			if ref != "cs_test_1" {
				t.Fatalf("unexpected session ref %q", ref)
			}
			return completedDetail("cs_test_1", "pi_100"), nil
		},
	}

	svc := newTestOrderService(t, ledger, provider, events)

	result, err := svc.RetrieveAndSave(ctx, RetrieveAndSaveCommand{
		SessionRef: "cs_test_1",
		OwnerID:    "uid-1",
		OwnerEmail: "nikos@example.com",
	})
	if err != nil {
		t.Fatalf("RetrieveAndSave: %v", err)
	}
	if result.AlreadyExists {
		t.Fatal("expected a fresh save")
	}

	order := result.Order
	if order.OrderID != "pi_100" {
		t.Fatalf("unexpected order id %q", order.OrderID)
	}
	if order.LegacySessionID != "cs_test_1" {
		t.Fatalf("unexpected legacy session %q", order.LegacySessionID)
	}
	if order.Subtotal != 60.00 || order.ShippingCost != 4.50 {
		t.Fatalf("unexpected totals %v + %v", order.Subtotal, order.ShippingCost)
	}
	if order.Status != domain.OrderStatusPaid {
		t.Fatalf("unexpected status %q", order.Status)
	}
	if !order.CreatedAt.Equal(time.Date(2025, 4, 30, 18, 45, 0, 0, time.UTC)) {
		t.Fatalf("expected completion time, got %v", order.CreatedAt)
	}
	if order.ShippingAddress == nil || order.ShippingAddress.City != "Athens" {
		t.Fatalf("unexpected address %#v", order.ShippingAddress)
	}
	if len(order.Items) != 1 || order.Items[0].Name != "Ammon Horns Medusa Hoodie" {
		t.Fatalf("unexpected items %#v", order.Items)
	}

	key := repositories.LedgerKey("uid-1", "pi_100")
	if _, ok := ledger.records[key]; !ok {
		t.Fatalf("expected record under %s", key)
	}

	if len(events.messages) != 1 {
		t.Fatalf("expected one event, got %d", len(events.messages))
	}
	event := events.messages[0]
	if event.EventType != "order.recorded" || event.Source != "retrieve" {
		t.Fatalf("unexpected event %#v", event)
	}
	if event.Total != 64.50 {
		t.Fatalf("unexpected event total %v", event.Total)
	}
}

func TestRetrieveAndSaveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	ledger := newFakeLedger()
	events := &captureEvents{}
	provider := &stubPaymentsProvider{
		retrieveFn: func(_ context.Context, ref string) (payments.SessionDetail, error) {
			return completedDetail(ref, "pi_100"), nil
		},
	}

	svc := newTestOrderService(t, ledger, provider, events)

	first, err := svc.RetrieveAndSave(ctx, RetrieveAndSaveCommand{SessionRef: "cs_test_1", OwnerID: "uid-1"})
	if err != nil {
		t.Fatalf("first RetrieveAndSave: %v", err)
	}
	second, err := svc.RetrieveAndSave(ctx, RetrieveAndSaveCommand{SessionRef: "cs_test_1", OwnerID: "uid-1"})
	if err != nil {
		t.Fatalf("second RetrieveAndSave: %v", err)
	}

	if first.AlreadyExists {
		t.Fatal("first call must report a fresh save")
	}
	if !second.AlreadyExists {
		t.Fatal("second call must report alreadyExists")
	}
	if first.Order.OrderID != second.Order.OrderID || first.Order.Subtotal != second.Order.Subtotal {
		t.Fatalf("replay returned a different order: %#v vs %#v", first.Order, second.Order)
	}
	if len(events.messages) != 1 {
		t.Fatalf("replay must not publish again, got %d events", len(events.messages))
	}
}

func TestRetrieveAndSaveMigratesDirectSavedRecord(t *testing.T) {
	ctx := context.Background()
	ledger := newFakeLedger()
	events := &captureEvents{}

	// A Success-page save left the purchase keyed by the session reference.
	direct := Order{
		OrderID:         "cs_test_9",
		UserID:          "uid-1",
		Items:           []OrderItem{{Name: "Serpent Mug", Quantity: 1, UnitPrice: 15.50}},
		Subtotal:        15.50,
		LegacySessionID: "cs_test_9",
		Status:          domain.OrderStatusPaid,
	}
	ledger.records[repositories.LedgerKey("uid-1", "cs_test_9")] = direct

	provider := &stubPaymentsProvider{
		retrieveFn: func(_ context.Context, ref string) (payments.SessionDetail, error) {
			return completedDetail(ref, "pi_900"), nil
		},
	}
	svc := newTestOrderService(t, ledger, provider, events)

	result, err := svc.RetrieveAndSave(ctx, RetrieveAndSaveCommand{SessionRef: "cs_test_9", OwnerID: "uid-1"})
	if err != nil {
		t.Fatalf("RetrieveAndSave: %v", err)
	}
	if !result.AlreadyExists {
		t.Fatal("a direct-saved purchase must report alreadyExists")
	}
	if result.Order.OrderID != "pi_900" || result.Order.LegacySessionID != "cs_test_9" {
		t.Fatalf("unexpected migrated identifiers %#v", result.Order)
	}
	if result.Order.Subtotal != 15.50 {
		t.Fatalf("migration must preserve the saved record, got subtotal %v", result.Order.Subtotal)
	}

	if _, ok := ledger.records[repositories.LedgerKey("uid-1", "pi_900")]; !ok {
		t.Fatal("expected the record under its canonical key")
	}
	if _, ok := ledger.records[repositories.LedgerKey("uid-1", "cs_test_9")]; ok {
		t.Fatal("expected the session-keyed record removed")
	}

	orders, err := svc.ListOrders(ctx, "uid-1")
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("expected one record for the purchase, got %d", len(orders))
	}
	if len(events.messages) != 0 {
		t.Fatalf("re-keying an existing purchase must not publish, got %d events", len(events.messages))
	}
}

func TestRetrieveAndSaveRejectsIncompleteSession(t *testing.T) {
	provider := &stubPaymentsProvider{
		retrieveFn: func(_ context.Context, ref string) (payments.SessionDetail, error) {
			detail := completedDetail(ref, "pi_100")
			detail.PaymentStatus = "unpaid"
			return detail, nil
		},
	}
	svc := newTestOrderService(t, newFakeLedger(), provider, nil)

	_, err := svc.RetrieveAndSave(context.Background(), RetrieveAndSaveCommand{SessionRef: "cs_test_1", OwnerID: "uid-1"})
	if !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("expected ErrSessionInvalid, got %v", err)
	}
}

func TestRetrieveAndSaveRejectsEmptySession(t *testing.T) {
	provider := &stubPaymentsProvider{
		retrieveFn: func(_ context.Context, ref string) (payments.SessionDetail, error) {
			detail := completedDetail(ref, "pi_100")
			detail.LineItems = nil
			return detail, nil
		},
	}
	svc := newTestOrderService(t, newFakeLedger(), provider, nil)

	_, err := svc.RetrieveAndSave(context.Background(), RetrieveAndSaveCommand{SessionRef: "cs_test_1", OwnerID: "uid-1"})
	if !errors.Is(err, ErrSessionEmpty) {
		t.Fatalf("expected ErrSessionEmpty, got %v", err)
	}
}

func TestRetrieveAndSaveMapsUpstreamFailure(t *testing.T) {
	provider := &stubPaymentsProvider{
		retrieveFn: func(context.Context, string) (payments.SessionDetail, error) {
			return payments.SessionDetail{}, errors.New("stripe: get session: boom")
		},
	}
	svc := newTestOrderService(t, newFakeLedger(), provider, nil)

	_, err := svc.RetrieveAndSave(context.Background(), RetrieveAndSaveCommand{SessionRef: "cs_test_1", OwnerID: "uid-1"})
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
}

func TestSaveDirectValidatesInput(t *testing.T) {
	svc := newTestOrderService(t, newFakeLedger(), &stubPaymentsProvider{}, nil)
	ctx := context.Background()

	if _, err := svc.SaveDirect(ctx, SaveOrderCommand{OwnerID: "uid-1"}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input for missing order id, got %v", err)
	}

	cmd := SaveOrderCommand{OwnerID: "uid-1", Order: Order{OrderID: "cs_test_9"}}
	if _, err := svc.SaveDirect(ctx, cmd); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input for missing items, got %v", err)
	}
}

func TestSaveDirectKeepsLegacyReference(t *testing.T) {
	ledger := newFakeLedger()
	events := &captureEvents{}
	svc := newTestOrderService(t, ledger, &stubPaymentsProvider{}, events)

	order, err := svc.SaveDirect(context.Background(), SaveOrderCommand{
		OwnerID: "uid-1",
		Order: Order{
			OrderID: "cs_test_9",
			Items:   []OrderItem{{Name: "Serpent Mug", Quantity: 1, UnitPrice: 15.50}},
		},
	})
	if err != nil {
		t.Fatalf("SaveDirect: %v", err)
	}

	if order.LegacySessionID != "cs_test_9" {
		t.Fatalf("expected session reference retained, got %q", order.LegacySessionID)
	}
	if order.Status != domain.OrderStatusPaid {
		t.Fatalf("expected default paid status, got %q", order.Status)
	}
	if !order.CreatedAt.Equal(testClock()) {
		t.Fatalf("expected clock-derived createdAt, got %v", order.CreatedAt)
	}
	if _, ok := ledger.records[repositories.LedgerKey("uid-1", "cs_test_9")]; !ok {
		t.Fatal("expected record under the session-derived key")
	}
	if len(events.messages) != 1 || events.messages[0].Source != "save" {
		t.Fatalf("unexpected events %#v", events.messages)
	}
}

func TestListOrdersSortsNewestFirst(t *testing.T) {
	ledger := newFakeLedger()
	older := Order{OrderID: "pi_1", UserID: "uid-1", CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	newer := Order{OrderID: "pi_2", UserID: "uid-1", CreatedAt: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)}
	ledger.records[repositories.LedgerKey("uid-1", "pi_1")] = older
	ledger.records[repositories.LedgerKey("uid-1", "pi_2")] = newer
	ledger.records[repositories.LedgerKey("uid-2", "pi_3")] = Order{OrderID: "pi_3", UserID: "uid-2"}

	svc := newTestOrderService(t, ledger, &stubPaymentsProvider{}, nil)

	orders, err := svc.ListOrders(context.Background(), "uid-1")
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(orders))
	}
	if orders[0].OrderID != "pi_2" || orders[1].OrderID != "pi_1" {
		t.Fatalf("expected newest first, got %q then %q", orders[0].OrderID, orders[1].OrderID)
	}
}

func TestListOrdersMapsPersistenceFailure(t *testing.T) {
	ledger := newFakeLedger()
	ledger.scanErr = ledgerStubErr{unavailable: true}
	svc := newTestOrderService(t, ledger, &stubPaymentsProvider{}, nil)

	if _, err := svc.ListOrders(context.Background(), "uid-1"); !errors.Is(err, ErrLedgerUnavailable) {
		t.Fatalf("expected ErrLedgerUnavailable, got %v", err)
	}
}

func TestSubtotalShippingInvariant(t *testing.T) {
	provider := &stubPaymentsProvider{
		retrieveFn: func(_ context.Context, ref string) (payments.SessionDetail, error) {
			detail := completedDetail(ref, "pi_100")
			detail.AmountTotal = 12345
			detail.ShippingAmount = 599
			return detail, nil
		},
	}
	svc := newTestOrderService(t, newFakeLedger(), provider, nil)

	result, err := svc.RetrieveAndSave(context.Background(), RetrieveAndSaveCommand{SessionRef: "cs_test_1", OwnerID: "uid-1"})
	if err != nil {
		t.Fatalf("RetrieveAndSave: %v", err)
	}

	diff := result.Order.Subtotal + result.Order.ShippingCost - 123.45
	if diff > 0.01 || diff < -0.01 {
		t.Fatalf("totals out of tolerance: %v + %v vs 123.45", result.Order.Subtotal, result.Order.ShippingCost)
	}
}
