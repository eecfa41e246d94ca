package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gorgonstone/api/internal/repositories"
)

// ErrCatalogUnavailable indicates the product catalog could not be read.
var ErrCatalogUnavailable = errors.New("catalog: unavailable")

// CatalogService loads point-in-time catalog snapshots used to enrich order lines.
type CatalogService interface {
	Snapshot(ctx context.Context) (CatalogSnapshot, error)
}

// CatalogSnapshot is an immutable view of the catalog indexed for enrichment
// lookups. The zero value is usable and matches nothing.
type CatalogSnapshot struct {
	byID   map[string]Product
	byName map[string]Product
}

// CatalogServiceDeps bundles collaborators for the catalog service.
type CatalogServiceDeps struct {
	Catalog repositories.ProductCatalog
	Logger  func(ctx context.Context, event string, fields map[string]any)
}

type catalogService struct {
	catalog repositories.ProductCatalog
	logger  func(context.Context, string, map[string]any)
}

// NewCatalogService wires dependencies into a concrete CatalogService.
func NewCatalogService(deps CatalogServiceDeps) (CatalogService, error) {
	if deps.Catalog == nil {
		return nil, errors.New("catalog service: product catalog is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &catalogService{catalog: deps.Catalog, logger: logger}, nil
}

func (s *catalogService) Snapshot(ctx context.Context) (CatalogSnapshot, error) {
	products, err := s.catalog.ListProducts(ctx)
	if err != nil {
		return CatalogSnapshot{}, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}

	snapshot := CatalogSnapshot{
		byID:   make(map[string]Product, len(products)),
		byName: make(map[string]Product, len(products)),
	}

	for _, product := range products {
		if id := strings.TrimSpace(product.ID); id != "" {
			if _, exists := snapshot.byID[id]; !exists {
				snapshot.byID[id] = product
			}
		}
		for _, name := range []string{product.Name, product.NameEl} {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if existing, exists := snapshot.byName[name]; exists {
				if existing.ID != product.ID {
					s.logger(ctx, "catalog.snapshot.duplicate_name", map[string]any{
						"name":       name,
						"keptId":     existing.ID,
						"shadowedId": product.ID,
					})
				}
				continue
			}
			snapshot.byName[name] = product
		}
	}

	return snapshot, nil
}

// Lookup returns the first catalog product whose display or localized name
// equals the given name.
func (s CatalogSnapshot) Lookup(name string) (Product, bool) {
	product, ok := s.byName[strings.TrimSpace(name)]
	return product, ok
}

// LookupID returns the catalog product with the given identifier.
func (s CatalogSnapshot) LookupID(id string) (Product, bool) {
	product, ok := s.byID[strings.TrimSpace(id)]
	return product, ok
}

// Enrich resolves the item's catalog reference and image. A structured
// product id from the payment record wins over name matching. No catalog
// match leaves the item untouched; degraded enrichment is not an error.
func (s CatalogSnapshot) Enrich(item OrderItem) OrderItem {
	var (
		product Product
		ok      bool
	)
	if item.ProductID != "" {
		product, ok = s.LookupID(item.ProductID)
	}
	if !ok {
		product, ok = s.Lookup(item.Name)
	}
	if !ok {
		return item
	}

	if item.ProductID == "" {
		item.ProductID = product.ID
	}
	if item.NameEl == "" {
		item.NameEl = product.NameEl
	}
	item.ImageURL = product.ImageForColor(item.Color)
	return item
}

// EnrichAll applies Enrich to each item, preserving order.
func (s CatalogSnapshot) EnrichAll(items []OrderItem) []OrderItem {
	enriched := make([]OrderItem, len(items))
	for i, item := range items {
		enriched[i] = s.Enrich(item)
	}
	return enriched
}
