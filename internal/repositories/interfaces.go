package repositories

import (
	"context"
	"fmt"
	"strings"

	domain "github.com/gorgonstone/api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// LedgerEntry pairs a stored order with the key it lives under.
type LedgerEntry struct {
	Key   string
	Order domain.Order
}

// OrderLedger persists order records under opaque string keys of the form
// order:{ownerId}:{orderId}. Implementations surface failures as RepositoryError;
// callers decide whether a missing key is an error.
type OrderLedger interface {
	Get(ctx context.Context, key string) (domain.Order, error)
	Set(ctx context.Context, key string, order domain.Order) error
	Delete(ctx context.Context, key string) error
	// Migrate writes the order under toKey and removes fromKey as one atomic
	// operation, so a re-keyed record never exists under both keys.
	Migrate(ctx context.Context, fromKey, toKey string, order domain.Order) error
	ScanOwner(ctx context.Context, ownerID string) ([]LedgerEntry, error)
}

// ProductCatalog reads the storefront catalog used to enrich order lines.
// Catalog writes are owned by the CMS; this service never mutates it.
type ProductCatalog interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
}

const ledgerKeyPrefix = "order"

// LedgerKey builds the ledger key for an owner's order.
func LedgerKey(ownerID, orderID string) string {
	return fmt.Sprintf("%s:%s:%s", ledgerKeyPrefix, ownerID, orderID)
}

// OwnerPrefix builds the scan prefix covering every order key for the owner.
func OwnerPrefix(ownerID string) string {
	return fmt.Sprintf("%s:%s:", ledgerKeyPrefix, ownerID)
}

// OrderIDFromKey extracts the trailing order identifier from a ledger key.
// The owner segment is a Firebase UID and never contains colons, so everything
// past the second separator belongs to the order identifier.
func OrderIDFromKey(key string) string {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 {
		return ""
	}
	return parts[2]
}
