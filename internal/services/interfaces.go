package services

import (
	"context"
	"time"

	domain "github.com/gorgonstone/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Order           = domain.Order
	OrderItem       = domain.OrderItem
	OrderStatus     = domain.OrderStatus
	ShippingAddress = domain.ShippingAddress
	Product         = domain.Product
)

// OrderService covers the single-order flows: fetching a completed payment
// session and persisting it, accepting a client-supplied record, and listing
// an owner's ledger.
type OrderService interface {
	RetrieveAndSave(ctx context.Context, cmd RetrieveAndSaveCommand) (RetrieveAndSaveResult, error)
	SaveDirect(ctx context.Context, cmd SaveOrderCommand) (Order, error)
	ListOrders(ctx context.Context, ownerID string) ([]Order, error)
}

// RetrieveAndSaveCommand identifies the checkout session to persist for an owner.
type RetrieveAndSaveCommand struct {
	SessionRef string
	OwnerID    string
	OwnerEmail string
}

// RetrieveAndSaveResult reports the persisted order and whether it was already
// present under its canonical key.
type RetrieveAndSaveResult struct {
	Order         Order
	AlreadyExists bool
}

// SaveOrderCommand carries a client-supplied order for direct persistence.
type SaveOrderCommand struct {
	OwnerID    string
	OwnerEmail string
	Order      Order
}

// OrderSyncService covers the bulk maintenance flows over an owner's ledger.
type OrderSyncService interface {
	SyncOrders(ctx context.Context, cmd SyncOrdersCommand) (SyncReport, error)
	CleanupDuplicates(ctx context.Context, cmd CleanupDuplicatesCommand) (CleanupReport, error)
}

// SyncOrdersCommand scopes a reconciliation run to one owner identity.
type SyncOrdersCommand struct {
	OwnerID    string
	OwnerEmail string
}

// SyncReport summarises one reconciliation run.
type SyncReport struct {
	RunID              string
	TotalFound         int
	SyncedCount        int
	AlreadyExistsCount int
	SyncedOrders       []Order
	Failures           []SyncFailure
}

// SyncFailure records a session the reconciler skipped after a processing error.
type SyncFailure struct {
	SessionRef string
	Reason     string
}

// CleanupDuplicatesCommand scopes a deduplication pass to one owner.
type CleanupDuplicatesCommand struct {
	OwnerID string
}

// CleanupReport summarises one deduplication pass.
type CleanupReport struct {
	DuplicatesFound int
	DeletedCount    int
	Duplicates      []DuplicateGroup
}

// DuplicateGroup describes one set of records that shared an originating session.
type DuplicateGroup struct {
	SessionRef  string
	KeptOrderID string
	DeletedKeys []string
}

// OrderEventPublisher publishes order ledger events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, message OrderEventMessage) (string, error)
}

// OrderEventMessage is the payload emitted when a record lands in the ledger.
type OrderEventMessage struct {
	EventType       string    `json:"eventType"`
	OrderID         string    `json:"orderId"`
	UserID          string    `json:"userId"`
	LegacySessionID string    `json:"legacySessionId,omitempty"`
	Total           float64   `json:"total"`
	Currency        string    `json:"currency"`
	Source          string    `json:"source"`
	OccurredAt      time.Time `json:"occurredAt"`
}
