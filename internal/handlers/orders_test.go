package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/gorgonstone/api/internal/domain"
	"github.com/gorgonstone/api/internal/platform/auth"
	"github.com/gorgonstone/api/internal/platform/pagination"
	"github.com/gorgonstone/api/internal/services"
)

type stubOrderService struct {
	retrieveFn func(ctx context.Context, cmd services.RetrieveAndSaveCommand) (services.RetrieveAndSaveResult, error)
	saveFn     func(ctx context.Context, cmd services.SaveOrderCommand) (services.Order, error)
	listFn     func(ctx context.Context, ownerID string) ([]services.Order, error)
}

func (s *stubOrderService) RetrieveAndSave(ctx context.Context, cmd services.RetrieveAndSaveCommand) (services.RetrieveAndSaveResult, error) {
	if s.retrieveFn == nil {
		return services.RetrieveAndSaveResult{}, nil
	}
	return s.retrieveFn(ctx, cmd)
}

func (s *stubOrderService) SaveDirect(ctx context.Context, cmd services.SaveOrderCommand) (services.Order, error) {
	if s.saveFn == nil {
		return services.Order{}, nil
	}
	return s.saveFn(ctx, cmd)
}

func (s *stubOrderService) ListOrders(ctx context.Context, ownerID string) ([]services.Order, error) {
	if s.listFn == nil {
		return nil, nil
	}
	return s.listFn(ctx, ownerID)
}

type stubSyncService struct {
	syncFn    func(ctx context.Context, cmd services.SyncOrdersCommand) (services.SyncReport, error)
	cleanupFn func(ctx context.Context, cmd services.CleanupDuplicatesCommand) (services.CleanupReport, error)
}

func (s *stubSyncService) SyncOrders(ctx context.Context, cmd services.SyncOrdersCommand) (services.SyncReport, error) {
	if s.syncFn == nil {
		return services.SyncReport{}, nil
	}
	return s.syncFn(ctx, cmd)
}

func (s *stubSyncService) CleanupDuplicates(ctx context.Context, cmd services.CleanupDuplicatesCommand) (services.CleanupReport, error) {
	if s.cleanupFn == nil {
		return services.CleanupReport{}, nil
	}
	return s.cleanupFn(ctx, cmd)
}

func newOrderTestRouter(t *testing.T, orders services.OrderService, sync services.OrderSyncService, identity *auth.Identity) http.Handler {
	t.Helper()
	h := NewOrderHandlers(nil, orders, sync)
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if identity != nil {
				req = req.WithContext(auth.WithIdentity(req.Context(), identity))
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Group(h.Routes)
	return r
}

func testIdentity() *auth.Identity {
	return &auth.Identity{UID: "user_1", Email: "ophelia@example.com"}
}

func sampleOrder() services.Order {
	return services.Order{
		OrderID: "pi_123",
		UserID:  "user_1",
		Items: []services.OrderItem{{
			ProductID: "prod_hoodie",
			Name:      "Ammon Horns Medusa Hoodie",
			Size:      "Medium",
			Color:     "Black",
			Quantity:  2,
			UnitPrice: 30.00,
			ImageURL:  "https://cdn.example.com/hoodie-black.png",
		}},
		Subtotal:     60.00,
		ShippingCost: 4.50,
		ShippingAddress: &domain.ShippingAddress{
			Name:       "Ophelia Vane",
			Email:      "ophelia@example.com",
			City:       "Athens",
			PostalCode: "105 58",
			Country:    "GR",
		},
		PaymentMethod:   "Card (****4242)",
		Status:          domain.OrderStatusPaid,
		CreatedAt:       time.Date(2025, 4, 30, 18, 45, 0, 0, time.UTC),
		LegacySessionID: "cs_test_123",
	}
}

func TestRetrieveAndSaveOrderReturnsOrder(t *testing.T) {
	var gotCmd services.RetrieveAndSaveCommand
	orders := &stubOrderService{
		retrieveFn: func(_ context.Context, cmd services.RetrieveAndSaveCommand) (services.RetrieveAndSaveResult, error) {
			gotCmd = cmd
			return services.RetrieveAndSaveResult{Order: sampleOrder()}, nil
		},
	}
	router := newOrderTestRouter(t, orders, &stubSyncService{}, testIdentity())

	req := httptest.NewRequest(http.MethodPost, "/retrieve-and-save-order", strings.NewReader(`{"sessionRef":"cs_test_123"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if gotCmd.SessionRef != "cs_test_123" {
		t.Fatalf("expected session ref to reach service, got %q", gotCmd.SessionRef)
	}
	if gotCmd.OwnerID != "user_1" || gotCmd.OwnerEmail != "ophelia@example.com" {
		t.Fatalf("expected identity to reach service, got %+v", gotCmd)
	}

	var body struct {
		Success       bool `json:"success"`
		AlreadyExists bool `json:"alreadyExists"`
		Order         struct {
			OrderID      string  `json:"orderId"`
			Total        float64 `json:"total"`
			ShippingCost float64 `json:"shippingCost"`
			CreatedAt    string  `json:"createdAt"`
			Items        []struct {
				Name  string  `json:"name"`
				Price float64 `json:"price"`
			} `json:"items"`
		} `json:"order"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !body.Success {
		t.Fatalf("expected success true")
	}
	if body.AlreadyExists {
		t.Fatalf("expected alreadyExists to be omitted for a fresh order")
	}
	if body.Order.OrderID != "pi_123" {
		t.Fatalf("unexpected order id %q", body.Order.OrderID)
	}
	if body.Order.Total != 60.00 || body.Order.ShippingCost != 4.50 {
		t.Fatalf("unexpected amounts: total=%v shipping=%v", body.Order.Total, body.Order.ShippingCost)
	}
	if body.Order.CreatedAt == "" {
		t.Fatalf("expected createdAt to be set")
	}
	if len(body.Order.Items) != 1 || body.Order.Items[0].Price != 30.00 {
		t.Fatalf("unexpected items: %+v", body.Order.Items)
	}
}

func TestRetrieveAndSaveOrderAcceptsLegacyFieldName(t *testing.T) {
	var gotRef string
	orders := &stubOrderService{
		retrieveFn: func(_ context.Context, cmd services.RetrieveAndSaveCommand) (services.RetrieveAndSaveResult, error) {
			gotRef = cmd.SessionRef
			return services.RetrieveAndSaveResult{Order: sampleOrder(), AlreadyExists: true}, nil
		},
	}
	router := newOrderTestRouter(t, orders, &stubSyncService{}, testIdentity())

	req := httptest.NewRequest(http.MethodPost, "/retrieve-and-save-order", strings.NewReader(`{"sessionId":"cs_old_456"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if gotRef != "cs_old_456" {
		t.Fatalf("expected legacy sessionId field to be honored, got %q", gotRef)
	}
	if !strings.Contains(rec.Body.String(), `"alreadyExists":true`) {
		t.Fatalf("expected alreadyExists in response: %s", rec.Body.String())
	}
}

func TestRetrieveAndSaveOrderRejectsMissingSessionRef(t *testing.T) {
	router := newOrderTestRouter(t, &stubOrderService{}, &stubSyncService{}, testIdentity())

	req := httptest.NewRequest(http.MethodPost, "/retrieve-and-save-order", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "invalid_request") {
		t.Fatalf("expected invalid_request error code: %s", rec.Body.String())
	}
}

func TestRetrieveAndSaveOrderRejectsEmptyBody(t *testing.T) {
	router := newOrderTestRouter(t, &stubOrderService{}, &stubSyncService{}, testIdentity())

	req := httptest.NewRequest(http.MethodPost, "/retrieve-and-save-order", strings.NewReader(""))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRetrieveAndSaveOrderRequiresIdentity(t *testing.T) {
	router := newOrderTestRouter(t, &stubOrderService{}, &stubSyncService{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/retrieve-and-save-order", strings.NewReader(`{"sessionRef":"cs_test_123"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRetrieveAndSaveOrderMapsServiceErrors(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"invalid session", services.ErrSessionInvalid, http.StatusUnprocessableEntity, "invalid_session"},
		{"empty session", services.ErrSessionEmpty, http.StatusUnprocessableEntity, "empty_session"},
		{"upstream failure", services.ErrUpstream, http.StatusBadGateway, "upstream_error"},
		{"ledger down", services.ErrLedgerUnavailable, http.StatusInternalServerError, "persistence_error"},
		{"invalid input", services.ErrOrderInvalidInput, http.StatusBadRequest, "invalid_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			orders := &stubOrderService{
				retrieveFn: func(context.Context, services.RetrieveAndSaveCommand) (services.RetrieveAndSaveResult, error) {
					return services.RetrieveAndSaveResult{}, tc.err
				},
			}
			router := newOrderTestRouter(t, orders, &stubSyncService{}, testIdentity())

			req := httptest.NewRequest(http.MethodPost, "/retrieve-and-save-order", strings.NewReader(`{"sessionRef":"cs_test_123"}`))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d", tc.wantStatus, rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tc.wantCode) {
				t.Fatalf("expected error code %q in body: %s", tc.wantCode, rec.Body.String())
			}
		})
	}
}

func TestSaveOrderPassesPayloadToService(t *testing.T) {
	var gotCmd services.SaveOrderCommand
	orders := &stubOrderService{
		saveFn: func(_ context.Context, cmd services.SaveOrderCommand) (services.Order, error) {
			gotCmd = cmd
			saved := cmd.Order
			saved.UserID = cmd.OwnerID
			saved.Status = domain.OrderStatusPaid
			return saved, nil
		},
	}
	router := newOrderTestRouter(t, orders, &stubSyncService{}, testIdentity())

	payload := `{
		"orderId": "cs_manual_1",
		"total": 15.50,
		"shippingCost": 3.50,
		"paymentMethod": "Card",
		"items": [{"name": "Serpent Mug", "quantity": 1, "price": 15.50}],
		"shippingAddress": {"name": "Ophelia Vane", "city": "Athens", "country": "GR"}
	}`
	req := httptest.NewRequest(http.MethodPost, "/save-order", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if gotCmd.OwnerID != "user_1" {
		t.Fatalf("expected owner id, got %q", gotCmd.OwnerID)
	}
	if gotCmd.Order.OrderID != "cs_manual_1" || gotCmd.Order.Subtotal != 15.50 {
		t.Fatalf("unexpected order passed to service: %+v", gotCmd.Order)
	}
	if gotCmd.Order.ShippingAddress == nil || gotCmd.Order.ShippingAddress.City != "Athens" {
		t.Fatalf("expected shipping address to reach service: %+v", gotCmd.Order.ShippingAddress)
	}
	if len(gotCmd.Order.Items) != 1 || gotCmd.Order.Items[0].UnitPrice != 15.50 {
		t.Fatalf("unexpected items passed to service: %+v", gotCmd.Order.Items)
	}
	if !strings.Contains(rec.Body.String(), `"userId":"user_1"`) {
		t.Fatalf("expected saved order in response: %s", rec.Body.String())
	}
}

func TestMyOrdersReturnsOrders(t *testing.T) {
	orders := &stubOrderService{
		listFn: func(_ context.Context, ownerID string) ([]services.Order, error) {
			if ownerID != "user_1" {
				t.Fatalf("unexpected owner id %q", ownerID)
			}
			return []services.Order{sampleOrder()}, nil
		},
	}
	router := newOrderTestRouter(t, orders, &stubSyncService{}, testIdentity())

	req := httptest.NewRequest(http.MethodGet, "/my-orders", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Orders []struct {
			OrderID string `json:"orderId"`
		} `json:"orders"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(body.Orders) != 1 || body.Orders[0].OrderID != "pi_123" {
		t.Fatalf("unexpected orders: %+v", body.Orders)
	}
}

func TestMyOrdersReturnsEmptyArray(t *testing.T) {
	router := newOrderTestRouter(t, &stubOrderService{}, &stubSyncService{}, testIdentity())

	req := httptest.NewRequest(http.MethodGet, "/my-orders", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"orders":[]`) {
		t.Fatalf("expected empty orders array, got %s", rec.Body.String())
	}
}

func TestSyncOrdersReturnsReport(t *testing.T) {
	sync := &stubSyncService{
		syncFn: func(_ context.Context, cmd services.SyncOrdersCommand) (services.SyncReport, error) {
			if cmd.OwnerID != "user_1" || cmd.OwnerEmail != "ophelia@example.com" {
				t.Fatalf("unexpected command %+v", cmd)
			}
			return services.SyncReport{
				RunID:              "sync_01TESTULID",
				TotalFound:         3,
				SyncedCount:        1,
				AlreadyExistsCount: 1,
				SyncedOrders:       []services.Order{sampleOrder()},
				Failures: []services.SyncFailure{{
					SessionRef: "cs_broken",
					Reason:     "session is not a completed payment",
				}},
			}, nil
		},
	}
	router := newOrderTestRouter(t, &stubOrderService{}, sync, testIdentity())

	req := httptest.NewRequest(http.MethodPost, "/sync-orders", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Success            bool `json:"success"`
		SyncedCount        int  `json:"syncedCount"`
		AlreadyExistsCount int  `json:"alreadyExistsCount"`
		TotalFound         int  `json:"totalFound"`
		SyncedOrders       []struct {
			OrderID string `json:"orderId"`
		} `json:"syncedOrders"`
		Failures []struct {
			SessionRef string `json:"sessionRef"`
			Reason     string `json:"reason"`
		} `json:"failures"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !body.Success || body.SyncedCount != 1 || body.AlreadyExistsCount != 1 || body.TotalFound != 3 {
		t.Fatalf("unexpected report: %+v", body)
	}
	if len(body.SyncedOrders) != 1 || body.SyncedOrders[0].OrderID != "pi_123" {
		t.Fatalf("unexpected synced orders: %+v", body.SyncedOrders)
	}
	if len(body.Failures) != 1 || body.Failures[0].SessionRef != "cs_broken" {
		t.Fatalf("unexpected failures: %+v", body.Failures)
	}
}

func TestSyncOrdersMapsUpstreamError(t *testing.T) {
	sync := &stubSyncService{
		syncFn: func(context.Context, services.SyncOrdersCommand) (services.SyncReport, error) {
			return services.SyncReport{}, services.ErrUpstream
		},
	}
	router := newOrderTestRouter(t, &stubOrderService{}, sync, testIdentity())

	req := httptest.NewRequest(http.MethodPost, "/sync-orders", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestCleanupDuplicateOrdersReturnsReport(t *testing.T) {
	sync := &stubSyncService{
		cleanupFn: func(_ context.Context, cmd services.CleanupDuplicatesCommand) (services.CleanupReport, error) {
			if cmd.OwnerID != "user_1" {
				t.Fatalf("unexpected owner id %q", cmd.OwnerID)
			}
			return services.CleanupReport{
				DuplicatesFound: 1,
				DeletedCount:    1,
				Duplicates: []services.DuplicateGroup{{
					SessionRef:  "cs_test_123",
					KeptOrderID: "pi_123",
					DeletedKeys: []string{"order:user_1:cs_test_123"},
				}},
			}, nil
		},
	}
	router := newOrderTestRouter(t, &stubOrderService{}, sync, testIdentity())

	req := httptest.NewRequest(http.MethodPost, "/cleanup-duplicate-orders", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Success         bool `json:"success"`
		DeletedCount    int  `json:"deletedCount"`
		DuplicatesFound int  `json:"duplicatesFound"`
		Duplicates      []struct {
			KeptOrderID string   `json:"keptOrderId"`
			DeletedKeys []string `json:"deletedKeys"`
		} `json:"duplicates"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !body.Success || body.DeletedCount != 1 || body.DuplicatesFound != 1 {
		t.Fatalf("unexpected report: %+v", body)
	}
	if len(body.Duplicates) != 1 || body.Duplicates[0].KeptOrderID != "pi_123" {
		t.Fatalf("unexpected duplicates: %+v", body.Duplicates)
	}
}

func TestSaveOrderRejectsOversizedBody(t *testing.T) {
	router := newOrderTestRouter(t, &stubOrderService{}, &stubSyncService{}, testIdentity())

	big := strings.Repeat("a", maxSaveOrderBodySize+1)
	req := httptest.NewRequest(http.MethodPost, "/save-order", strings.NewReader(`{"orderId":"`+big+`"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestMyOrdersPaginatesWithCursor(t *testing.T) {
	all := make([]services.Order, 0, 3)
	for _, id := range []string{"pi_3", "pi_2", "pi_1"} {
		order := sampleOrder()
		order.OrderID = id
		all = append(all, order)
	}
	orders := &stubOrderService{
		listFn: func(context.Context, string) ([]services.Order, error) {
			return all, nil
		},
	}
	router := newOrderTestRouter(t, orders, &stubSyncService{}, testIdentity())

	req := httptest.NewRequest(http.MethodGet, "/my-orders?pageSize=2", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var first struct {
		Orders []struct {
			OrderID string `json:"orderId"`
		} `json:"orders"`
		NextPageToken string `json:"nextPageToken"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &first); err != nil {
		t.Fatalf("failed to decode first page: %v", err)
	}
	if len(first.Orders) != 2 || first.Orders[1].OrderID != "pi_2" {
		t.Fatalf("unexpected first page: %+v", first.Orders)
	}
	if first.NextPageToken == "" {
		t.Fatal("expected next page token")
	}

	req = httptest.NewRequest(http.MethodGet, "/my-orders?pageSize=2&pageToken="+first.NextPageToken, nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var second struct {
		Orders []struct {
			OrderID string `json:"orderId"`
		} `json:"orders"`
		NextPageToken string `json:"nextPageToken"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &second); err != nil {
		t.Fatalf("failed to decode second page: %v", err)
	}
	if len(second.Orders) != 1 || second.Orders[0].OrderID != "pi_1" {
		t.Fatalf("unexpected second page: %+v", second.Orders)
	}
	if second.NextPageToken != "" {
		t.Fatalf("expected no further pages, got token %q", second.NextPageToken)
	}
}

func TestMyOrdersRejectsCursorForVanishedOrder(t *testing.T) {
	remaining := sampleOrder()
	remaining.OrderID = "pi_2"
	orders := &stubOrderService{
		listFn: func(context.Context, string) ([]services.Order, error) {
			return []services.Order{remaining}, nil
		},
	}
	router := newOrderTestRouter(t, orders, &stubSyncService{}, testIdentity())

	// The anchoring order was removed between pages, say by a cleanup pass.
	token, err := pagination.EncodeToken(pagination.Cursor{StartAfter: []any{"pi_gone"}})
	if err != nil {
		t.Fatalf("EncodeToken: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/my-orders?pageToken="+token, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a stale cursor, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "invalid_request") {
		t.Fatalf("unexpected error body %s", rec.Body.String())
	}
}

func TestMyOrdersRejectsInvalidPageSize(t *testing.T) {
	router := newOrderTestRouter(t, &stubOrderService{}, &stubSyncService{}, testIdentity())

	req := httptest.NewRequest(http.MethodGet, "/my-orders?pageSize=-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
