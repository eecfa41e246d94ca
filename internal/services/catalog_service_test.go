package services

import (
	"context"
	"errors"
	"testing"

	domain "github.com/gorgonstone/api/internal/domain"
)

type stubProductCatalog struct {
	listFn func(context.Context) ([]domain.Product, error)
}

func (s *stubProductCatalog) ListProducts(ctx context.Context) ([]domain.Product, error) {
	if s.listFn != nil {
		return s.listFn(ctx)
	}
	return nil, nil
}

func mustSnapshot(t *testing.T, products []domain.Product, logger func(context.Context, string, map[string]any)) CatalogSnapshot {
	t.Helper()
	svc, err := NewCatalogService(CatalogServiceDeps{
		Catalog: &stubProductCatalog{listFn: func(context.Context) ([]domain.Product, error) {
			return products, nil
		}},
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("NewCatalogService: %v", err)
	}
	snapshot, err := svc.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	return snapshot
}

func TestSnapshotFailsWhenCatalogUnavailable(t *testing.T) {
	svc, err := NewCatalogService(CatalogServiceDeps{
		Catalog: &stubProductCatalog{listFn: func(context.Context) ([]domain.Product, error) {
			return nil, errors.New("firestore down")
		}},
	})
	if err != nil {
		t.Fatalf("NewCatalogService: %v", err)
	}

	if _, err := svc.Snapshot(context.Background()); !errors.Is(err, ErrCatalogUnavailable) {
		t.Fatalf("expected ErrCatalogUnavailable, got %v", err)
	}
}

func TestSnapshotWarnsOnDuplicateNames(t *testing.T) {
	var warned []string
	logger := func(_ context.Context, event string, fields map[string]any) {
		if event == "catalog.snapshot.duplicate_name" {
			warned = append(warned, fields["name"].(string))
		}
	}

	snapshot := mustSnapshot(t, []domain.Product{
		{ID: "prod_1", Name: "Medusa Hoodie", ImageURL: "first.png"},
		{ID: "prod_2", Name: "Medusa Hoodie", ImageURL: "second.png"},
	}, logger)

	if len(warned) != 1 || warned[0] != "Medusa Hoodie" {
		t.Fatalf("expected one duplicate warning for Medusa Hoodie, got %v", warned)
	}

	// First entry wins.
	product, ok := snapshot.Lookup("Medusa Hoodie")
	if !ok || product.ID != "prod_1" {
		t.Fatalf("expected first product to win, got %#v ok=%v", product, ok)
	}
}

func TestEnrichResolvesColorVariantImage(t *testing.T) {
	snapshot := mustSnapshot(t, []domain.Product{
		{
			ID:       "prod_9",
			Name:     "Ammon Horns Medusa Hoodie",
			NameEl:   "Φούτερ Μέδουσα",
			ImageURL: "default.png",
			ImageVariants: map[string]string{
				"Black": "img-black.png",
				"White": "img-white.png",
			},
		},
	}, nil)

	item := snapshot.Enrich(OrderItem{Name: "Ammon Horns Medusa Hoodie", Color: "Black"})
	if item.ProductID != "prod_9" {
		t.Fatalf("unexpected product id %q", item.ProductID)
	}
	if item.ImageURL != "img-black.png" {
		t.Fatalf("expected color variant image, got %q", item.ImageURL)
	}
	if item.NameEl != "Φούτερ Μέδουσα" {
		t.Fatalf("expected localized name carried over, got %q", item.NameEl)
	}
}

func TestEnrichFallsBackToDefaultImage(t *testing.T) {
	snapshot := mustSnapshot(t, []domain.Product{
		{ID: "prod_9", Name: "Serpent Mug", ImageURL: "default.png"},
	}, nil)

	item := snapshot.Enrich(OrderItem{Name: "Serpent Mug", Color: "Teal"})
	if item.ImageURL != "default.png" {
		t.Fatalf("expected default image, got %q", item.ImageURL)
	}
}

func TestEnrichMatchesLocalizedName(t *testing.T) {
	snapshot := mustSnapshot(t, []domain.Product{
		{ID: "prod_3", Name: "Serpent Mug", NameEl: "Κούπα Φίδι", ImageURL: "mug.png"},
	}, nil)

	item := snapshot.Enrich(OrderItem{Name: "Κούπα Φίδι"})
	if item.ProductID != "prod_3" {
		t.Fatalf("expected localized match, got %#v", item)
	}
}

func TestEnrichPrefersStructuredProductID(t *testing.T) {
	snapshot := mustSnapshot(t, []domain.Product{
		{ID: "prod_1", Name: "Shared Name", ImageURL: "one.png"},
		{ID: "prod_2", Name: "Another Name", ImageURL: "two.png"},
	}, func(context.Context, string, map[string]any) {})

	item := snapshot.Enrich(OrderItem{ProductID: "prod_2", Name: "Shared Name"})
	if item.ProductID != "prod_2" || item.ImageURL != "two.png" {
		t.Fatalf("expected id lookup to win, got %#v", item)
	}
}

func TestEnrichLeavesUnmatchedItemAlone(t *testing.T) {
	snapshot := mustSnapshot(t, nil, nil)

	item := snapshot.Enrich(OrderItem{Name: "Discontinued Tee"})
	if item.ProductID != "" || item.ImageURL != "" {
		t.Fatalf("expected untouched item, got %#v", item)
	}
}
