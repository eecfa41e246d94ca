package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/gorgonstone/api/internal/domain"
	"github.com/gorgonstone/api/internal/platform/auth"
	"github.com/gorgonstone/api/internal/platform/httpx"
	"github.com/gorgonstone/api/internal/platform/pagination"
	"github.com/gorgonstone/api/internal/services"
)

const (
	maxRetrieveBodySize  = 4 * 1024
	maxSaveOrderBodySize = 256 * 1024
)

// OrderHandlers exposes the order ledger endpoints for authenticated customers.
type OrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
	sync   services.OrderSyncService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, sync services.OrderSyncService) *OrderHandlers {
	return &OrderHandlers{
		authn:  authn,
		orders: orders,
		sync:   sync,
	}
}

// Routes registers the order endpoints behind authentication.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/retrieve-and-save-order", h.retrieveAndSaveOrder)
	r.Post("/save-order", h.saveOrder)
	r.Get("/my-orders", h.myOrders)
	r.Post("/sync-orders", h.syncOrders)
	r.Post("/cleanup-duplicate-orders", h.cleanupDuplicateOrders)
}

type retrieveAndSaveRequest struct {
	SessionRef string `json:"sessionRef"`
	// SessionID is the historical field name still sent by older clients.
	SessionID string `json:"sessionId"`
}

func (r retrieveAndSaveRequest) ref() string {
	if ref := strings.TrimSpace(r.SessionRef); ref != "" {
		return ref
	}
	return strings.TrimSpace(r.SessionID)
}

type retrieveAndSaveResponse struct {
	Success       bool         `json:"success"`
	Order         orderPayload `json:"order"`
	AlreadyExists bool         `json:"alreadyExists,omitempty"`
}

func (h *OrderHandlers) retrieveAndSaveOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w, h.orders != nil)
	if !ok {
		return
	}

	var req retrieveAndSaveRequest
	if !decodeOrderBody(ctx, w, r, maxRetrieveBodySize, &req) {
		return
	}
	if req.ref() == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "sessionRef is required", http.StatusBadRequest))
		return
	}

	result, err := h.orders.RetrieveAndSave(ctx, services.RetrieveAndSaveCommand{
		SessionRef: req.ref(),
		OwnerID:    identity.UID,
		OwnerEmail: identity.Email,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, retrieveAndSaveResponse{
		Success:       true,
		Order:         buildOrderPayload(result.Order),
		AlreadyExists: result.AlreadyExists,
	})
}

type saveOrderRequest struct {
	OrderID         string                  `json:"orderId"`
	Items           []orderItemPayload      `json:"items"`
	Total           float64                 `json:"total"`
	ShippingCost    float64                 `json:"shippingCost"`
	ShippingAddress *shippingAddressPayload `json:"shippingAddress"`
	PaymentMethod   string                  `json:"paymentMethod"`
}

type saveOrderResponse struct {
	Success bool         `json:"success"`
	Order   orderPayload `json:"order"`
}

func (h *OrderHandlers) saveOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w, h.orders != nil)
	if !ok {
		return
	}

	var req saveOrderRequest
	if !decodeOrderBody(ctx, w, r, maxSaveOrderBodySize, &req) {
		return
	}

	order, err := h.orders.SaveDirect(ctx, services.SaveOrderCommand{
		OwnerID:    identity.UID,
		OwnerEmail: identity.Email,
		Order:      orderFromSaveRequest(req),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, saveOrderResponse{
		Success: true,
		Order:   buildOrderPayload(order),
	})
}

type myOrdersResponse struct {
	Orders        []orderPayload `json:"orders"`
	NextPageToken string         `json:"nextPageToken,omitempty"`
}

func (h *OrderHandlers) myOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w, h.orders != nil)
	if !ok {
		return
	}

	params, err := pagination.FromRequest(r, pagination.Options{})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	orders, err := h.orders.ListOrders(ctx, identity.UID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	page, nextToken, err := paginateOrders(orders, params)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	payload := myOrdersResponse{
		Orders:        make([]orderPayload, 0, len(page)),
		NextPageToken: nextToken,
	}
	for _, order := range page {
		payload.Orders = append(payload.Orders, buildOrderPayload(order))
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

// paginateOrders applies the cursor to the newest-first order list. The cursor
// carries the last order id of the previous page.
func paginateOrders(orders []services.Order, params pagination.Params) ([]services.Order, string, error) {
	start := 0
	if len(params.Cursor.StartAfter) > 0 {
		lastID, ok := params.Cursor.StartAfter[0].(string)
		if !ok {
			return nil, "", pagination.ErrInvalidPageToken
		}
		// The anchoring order can vanish between requests, for example when
		// the deduplicator removed it. Replaying page one would be worse.
		matched := false
		for i, order := range orders {
			if order.OrderID == lastID {
				start = i + 1
				matched = true
				break
			}
		}
		if !matched {
			return nil, "", pagination.ErrInvalidPageToken
		}
	}

	end := start + params.PageSize
	if params.PageSize <= 0 || end > len(orders) {
		end = len(orders)
	}
	page := orders[start:end]

	if end >= len(orders) || len(page) == 0 {
		return page, "", nil
	}
	token, err := pagination.EncodeToken(pagination.Cursor{
		StartAfter: []any{page[len(page)-1].OrderID},
	})
	if err != nil {
		return nil, "", err
	}
	return page, token, nil
}

type syncOrdersResponse struct {
	Success            bool                 `json:"success"`
	SyncedCount        int                  `json:"syncedCount"`
	AlreadyExistsCount int                  `json:"alreadyExistsCount"`
	TotalFound         int                  `json:"totalFound"`
	SyncedOrders       []orderPayload       `json:"syncedOrders"`
	Failures           []syncFailurePayload `json:"failures,omitempty"`
}

type syncFailurePayload struct {
	SessionRef string `json:"sessionRef"`
	Reason     string `json:"reason"`
}

func (h *OrderHandlers) syncOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w, h.sync != nil)
	if !ok {
		return
	}

	report, err := h.sync.SyncOrders(ctx, services.SyncOrdersCommand{
		OwnerID:    identity.UID,
		OwnerEmail: identity.Email,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	response := syncOrdersResponse{
		Success:            true,
		SyncedCount:        report.SyncedCount,
		AlreadyExistsCount: report.AlreadyExistsCount,
		TotalFound:         report.TotalFound,
		SyncedOrders:       make([]orderPayload, 0, len(report.SyncedOrders)),
	}
	for _, order := range report.SyncedOrders {
		response.SyncedOrders = append(response.SyncedOrders, buildOrderPayload(order))
	}
	for _, failure := range report.Failures {
		response.Failures = append(response.Failures, syncFailurePayload{
			SessionRef: failure.SessionRef,
			Reason:     failure.Reason,
		})
	}
	writeJSONResponse(w, http.StatusOK, response)
}

type cleanupDuplicatesResponse struct {
	Success         bool                    `json:"success"`
	DeletedCount    int                     `json:"deletedCount"`
	DuplicatesFound int                     `json:"duplicatesFound"`
	Duplicates      []duplicateGroupPayload `json:"duplicates"`
}

type duplicateGroupPayload struct {
	SessionRef  string   `json:"sessionRef"`
	KeptOrderID string   `json:"keptOrderId"`
	DeletedKeys []string `json:"deletedKeys"`
}

func (h *OrderHandlers) cleanupDuplicateOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w, h.sync != nil)
	if !ok {
		return
	}

	report, err := h.sync.CleanupDuplicates(ctx, services.CleanupDuplicatesCommand{OwnerID: identity.UID})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	response := cleanupDuplicatesResponse{
		Success:         true,
		DeletedCount:    report.DeletedCount,
		DuplicatesFound: report.DuplicatesFound,
		Duplicates:      make([]duplicateGroupPayload, 0, len(report.Duplicates)),
	}
	for _, group := range report.Duplicates {
		response.Duplicates = append(response.Duplicates, duplicateGroupPayload{
			SessionRef:  group.SessionRef,
			KeptOrderID: group.KeptOrderID,
			DeletedKeys: group.DeletedKeys,
		})
	}
	writeJSONResponse(w, http.StatusOK, response)
}

// orderPayload mirrors the ledger document shape the storefront already
// consumes. Total carries the pre-shipping amount; clients render the grand
// total as total + shippingCost.
type orderPayload struct {
	OrderID         string                  `json:"orderId"`
	UserID          string                  `json:"userId"`
	Items           []orderItemPayload      `json:"items"`
	Subtotal        float64                 `json:"subtotal"`
	Total           float64                 `json:"total"`
	ShippingCost    float64                 `json:"shippingCost"`
	ShippingAddress *shippingAddressPayload `json:"shippingAddress,omitempty"`
	PaymentMethod   string                  `json:"paymentMethod,omitempty"`
	Status          string                  `json:"status"`
	CreatedAt       string                  `json:"createdAt"`
	LegacySessionID string                  `json:"legacySessionId,omitempty"`
}

type orderItemPayload struct {
	ProductID string  `json:"productId,omitempty"`
	Name      string  `json:"name"`
	NameEl    string  `json:"nameEl,omitempty"`
	Size      string  `json:"size,omitempty"`
	Color     string  `json:"color,omitempty"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price"`
	Image     string  `json:"image,omitempty"`
}

type shippingAddressPayload struct {
	Name       string `json:"name,omitempty"`
	Email      string `json:"email,omitempty"`
	Address    string `json:"address,omitempty"`
	City       string `json:"city,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	Country    string `json:"country,omitempty"`
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		OrderID:         order.OrderID,
		UserID:          order.UserID,
		Items:           make([]orderItemPayload, 0, len(order.Items)),
		Subtotal:        order.Subtotal,
		Total:           order.Subtotal,
		ShippingCost:    order.ShippingCost,
		PaymentMethod:   order.PaymentMethod,
		Status:          string(order.Status),
		CreatedAt:       formatTime(order.CreatedAt),
		LegacySessionID: order.LegacySessionID,
	}
	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ProductID: item.ProductID,
			Name:      item.Name,
			NameEl:    item.NameEl,
			Size:      item.Size,
			Color:     item.Color,
			Quantity:  item.Quantity,
			Price:     item.UnitPrice,
			Image:     item.ImageURL,
		})
	}
	if order.ShippingAddress != nil {
		payload.ShippingAddress = &shippingAddressPayload{
			Name:       order.ShippingAddress.Name,
			Email:      order.ShippingAddress.Email,
			Address:    order.ShippingAddress.Address,
			City:       order.ShippingAddress.City,
			PostalCode: order.ShippingAddress.PostalCode,
			Country:    order.ShippingAddress.Country,
		}
	}
	return payload
}

func orderFromSaveRequest(req saveOrderRequest) services.Order {
	order := services.Order{
		OrderID:       strings.TrimSpace(req.OrderID),
		Subtotal:      req.Total,
		ShippingCost:  req.ShippingCost,
		PaymentMethod: strings.TrimSpace(req.PaymentMethod),
		Items:         make([]services.OrderItem, 0, len(req.Items)),
	}
	for _, item := range req.Items {
		order.Items = append(order.Items, services.OrderItem{
			ProductID: strings.TrimSpace(item.ProductID),
			Name:      strings.TrimSpace(item.Name),
			NameEl:    strings.TrimSpace(item.NameEl),
			Size:      strings.TrimSpace(item.Size),
			Color:     strings.TrimSpace(item.Color),
			Quantity:  item.Quantity,
			UnitPrice: item.Price,
			ImageURL:  strings.TrimSpace(item.Image),
		})
	}
	if req.ShippingAddress != nil {
		order.ShippingAddress = &domain.ShippingAddress{
			Name:       strings.TrimSpace(req.ShippingAddress.Name),
			Email:      strings.TrimSpace(req.ShippingAddress.Email),
			Address:    strings.TrimSpace(req.ShippingAddress.Address),
			City:       strings.TrimSpace(req.ShippingAddress.City),
			PostalCode: strings.TrimSpace(req.ShippingAddress.PostalCode),
			Country:    strings.TrimSpace(req.ShippingAddress.Country),
		}
	}
	return order
}

func requireIdentity(ctx context.Context, w http.ResponseWriter, serviceReady bool) (*auth.Identity, bool) {
	if !serviceReady {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func decodeOrderBody(ctx context.Context, w http.ResponseWriter, r *http.Request, limit int64, dst any) bool {
	body, err := readLimitedBody(r, limit)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		case errors.Is(err, errEmptyBody):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrSessionInvalid):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_session", "session is not a completed payment", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrSessionEmpty):
		httpx.WriteError(ctx, w, httpx.NewError("empty_session", "session has no line items", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrUpstream):
		httpx.WriteError(ctx, w, httpx.NewError("upstream_error", "payment provider request failed", http.StatusBadGateway))
	case errors.Is(err, services.ErrLedgerUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("persistence_error", "order ledger unavailable", http.StatusInternalServerError))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}
