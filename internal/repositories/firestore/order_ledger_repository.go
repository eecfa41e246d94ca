package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/gorgonstone/api/internal/domain"
	pfirestore "github.com/gorgonstone/api/internal/platform/firestore"
	"github.com/gorgonstone/api/internal/repositories"
)

const ordersCollection = "orders"

// prefixSentinel is the highest code point Firestore orders after any key
// sharing the prefix, closing the document-ID range scan.
const prefixSentinel = ""

// OrderLedgerRepository persists order records in Firestore, one document per
// ledger key.
type OrderLedgerRepository struct {
	base     *pfirestore.BaseRepository[orderDocument]
	provider *pfirestore.Provider
}

// NewOrderLedgerRepository constructs a Firestore-backed order ledger.
func NewOrderLedgerRepository(provider *pfirestore.Provider) (*OrderLedgerRepository, error) {
	if provider == nil {
		return nil, errors.New("order ledger requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil)
	return &OrderLedgerRepository{
		base:     base,
		provider: provider,
	}, nil
}

// Get loads the order stored under the given ledger key.
func (r *OrderLedgerRepository) Get(ctx context.Context, key string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order ledger not initialised")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.Order{}, errors.New("order ledger: key is required")
	}

	doc, err := r.base.Get(ctx, key)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(), nil
}

// Set writes the order under the given ledger key, replacing any previous record.
func (r *OrderLedgerRepository) Set(ctx context.Context, key string, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order ledger not initialised")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("order ledger: key is required")
	}

	_, err := r.base.Set(ctx, key, newOrderDocument(order))
	return err
}

// Delete removes the record stored under the given ledger key.
func (r *OrderLedgerRepository) Delete(ctx context.Context, key string) error {
	if r == nil || r.base == nil {
		return errors.New("order ledger not initialised")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("order ledger: key is required")
	}

	_, err := r.base.Delete(ctx, key)
	return err
}

// Migrate re-keys a record inside a transaction: the order lands under toKey
// and fromKey disappears in the same commit.
func (r *OrderLedgerRepository) Migrate(ctx context.Context, fromKey, toKey string, order domain.Order) error {
	if r == nil || r.base == nil || r.provider == nil {
		return errors.New("order ledger not initialised")
	}
	fromKey = strings.TrimSpace(fromKey)
	toKey = strings.TrimSpace(toKey)
	if fromKey == "" || toKey == "" {
		return errors.New("order ledger: both keys are required")
	}
	if fromKey == toKey {
		return r.Set(ctx, toKey, order)
	}

	fromRef, err := r.base.DocumentRef(ctx, fromKey)
	if err != nil {
		return err
	}
	toRef, err := r.base.DocumentRef(ctx, toKey)
	if err != nil {
		return err
	}

	doc := newOrderDocument(order)
	return r.provider.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		if err := tx.Set(toRef, doc); err != nil {
			return err
		}
		return tx.Delete(fromRef)
	})
}

// ScanOwner returns every ledger entry whose key carries the owner's prefix.
func (r *OrderLedgerRepository) ScanOwner(ctx context.Context, ownerID string) ([]repositories.LedgerEntry, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("order ledger not initialised")
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, errors.New("order ledger: owner id is required")
	}

	prefix := repositories.OwnerPrefix(ownerID)
	docs, err := r.base.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.
			OrderBy(firestore.DocumentID, firestore.Asc).
			StartAt(prefix).
			EndAt(prefix + prefixSentinel)
	})
	if err != nil {
		return nil, err
	}

	entries := make([]repositories.LedgerEntry, 0, len(docs))
	for _, doc := range docs {
		entries = append(entries, repositories.LedgerEntry{
			Key:   doc.ID,
			Order: doc.Data.toDomain(),
		})
	}
	return entries, nil
}

func newOrderDocument(order domain.Order) orderDocument {
	doc := orderDocument{
		OrderID:         strings.TrimSpace(order.OrderID),
		UserID:          strings.TrimSpace(order.UserID),
		Items:           make([]orderItemDocument, 0, len(order.Items)),
		Total:           order.Subtotal,
		ShippingCost:    order.ShippingCost,
		PaymentMethod:   strings.TrimSpace(order.PaymentMethod),
		Status:          string(order.Status),
		CreatedAt:       order.CreatedAt.UTC(),
		LegacySessionID: strings.TrimSpace(order.LegacySessionID),
	}
	for _, item := range order.Items {
		doc.Items = append(doc.Items, orderItemDocument{
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
		doc.ShippingAddress = &shippingAddressDocument{
			Name:       order.ShippingAddress.Name,
			Email:      order.ShippingAddress.Email,
			Address:    order.ShippingAddress.Address,
			City:       order.ShippingAddress.City,
			PostalCode: order.ShippingAddress.PostalCode,
			Country:    order.ShippingAddress.Country,
		}
	}
	return doc
}

func (d orderDocument) toDomain() domain.Order {
	order := domain.Order{
		OrderID:         d.OrderID,
		UserID:          d.UserID,
		Items:           make([]domain.OrderItem, 0, len(d.Items)),
		Subtotal:        d.Total,
		ShippingCost:    d.ShippingCost,
		PaymentMethod:   d.PaymentMethod,
		Status:          domain.OrderStatus(d.Status),
		CreatedAt:       d.CreatedAt,
		LegacySessionID: d.LegacySessionID,
	}
	for _, item := range d.Items {
		order.Items = append(order.Items, domain.OrderItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			NameEl:    item.NameEl,
			Size:      item.Size,
			Color:     item.Color,
			Quantity:  item.Quantity,
			UnitPrice: item.Price,
			ImageURL:  item.Image,
		})
	}
	if d.ShippingAddress != nil {
		order.ShippingAddress = &domain.ShippingAddress{
			Name:       d.ShippingAddress.Name,
			Email:      d.ShippingAddress.Email,
			Address:    d.ShippingAddress.Address,
			City:       d.ShippingAddress.City,
			PostalCode: d.ShippingAddress.PostalCode,
			Country:    d.ShippingAddress.Country,
		}
	}
	return order
}

// Field names mirror the storefront's historical JSON records so documents
// written by the previous implementation decode unchanged. The reported
// total excludes shipping.
type orderDocument struct {
	OrderID         string                   `firestore:"orderId"`
	UserID          string                   `firestore:"userId"`
	Items           []orderItemDocument      `firestore:"items"`
	Total           float64                  `firestore:"total"`
	ShippingCost    float64                  `firestore:"shippingCost"`
	ShippingAddress *shippingAddressDocument `firestore:"shippingAddress,omitempty"`
	PaymentMethod   string                   `firestore:"paymentMethod,omitempty"`
	Status          string                   `firestore:"status"`
	CreatedAt       time.Time                `firestore:"createdAt"`
	LegacySessionID string                   `firestore:"legacySessionId,omitempty"`
}

type orderItemDocument struct {
	ProductID string  `firestore:"productId,omitempty"`
	Name      string  `firestore:"name"`
	NameEl    string  `firestore:"nameEl,omitempty"`
	Size      string  `firestore:"size"`
	Color     string  `firestore:"color,omitempty"`
	Quantity  int     `firestore:"quantity"`
	Price     float64 `firestore:"price"`
	Image     string  `firestore:"image,omitempty"`
}

type shippingAddressDocument struct {
	Name       string `firestore:"name,omitempty"`
	Email      string `firestore:"email,omitempty"`
	Address    string `firestore:"address,omitempty"`
	City       string `firestore:"city,omitempty"`
	PostalCode string `firestore:"postalCode,omitempty"`
	Country    string `firestore:"country,omitempty"`
}

var _ repositories.OrderLedger = (*OrderLedgerRepository)(nil)
