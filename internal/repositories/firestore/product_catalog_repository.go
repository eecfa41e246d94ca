package firestore

import (
	"context"
	"errors"
	"strings"

	domain "github.com/gorgonstone/api/internal/domain"
	pfirestore "github.com/gorgonstone/api/internal/platform/firestore"
	"github.com/gorgonstone/api/internal/repositories"
)

const productsCollection = "products"

// ProductCatalogRepository reads catalog entries maintained by the storefront CMS.
type ProductCatalogRepository struct {
	base *pfirestore.BaseRepository[productDocument]
}

// NewProductCatalogRepository constructs a Firestore-backed product catalog reader.
func NewProductCatalogRepository(provider *pfirestore.Provider) (*ProductCatalogRepository, error) {
	if provider == nil {
		return nil, errors.New("product catalog requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[productDocument](provider, productsCollection, nil, nil)
	return &ProductCatalogRepository{base: base}, nil
}

// ListProducts returns the full catalog.
func (r *ProductCatalogRepository) ListProducts(ctx context.Context) ([]domain.Product, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("product catalog not initialised")
	}

	docs, err := r.base.Query(ctx, nil)
	if err != nil {
		return nil, err
	}

	products := make([]domain.Product, 0, len(docs))
	for _, doc := range docs {
		product := doc.Data.toDomain()
		if product.ID == "" {
			product.ID = doc.ID
		}
		products = append(products, product)
	}
	return products, nil
}

func (d productDocument) toDomain() domain.Product {
	product := domain.Product{
		ID:       strings.TrimSpace(d.ID),
		Name:     strings.TrimSpace(d.Name),
		NameEl:   strings.TrimSpace(d.NameEl),
		Price:    d.Price,
		ImageURL: strings.TrimSpace(d.Image),
	}
	if len(d.Colors) > 0 {
		product.Colors = append([]string(nil), d.Colors...)
	}
	if len(d.ImageVariants) > 0 {
		product.ImageVariants = make(map[string]string, len(d.ImageVariants))
		for color, image := range d.ImageVariants {
			product.ImageVariants[color] = image
		}
	}
	return product
}

type productDocument struct {
	ID            string            `firestore:"id,omitempty"`
	Name          string            `firestore:"name"`
	NameEl        string            `firestore:"nameEl,omitempty"`
	Price         float64           `firestore:"price"`
	Image         string            `firestore:"image,omitempty"`
	Colors        []string          `firestore:"colors,omitempty"`
	ImageVariants map[string]string `firestore:"imageVariants,omitempty"`
}

var _ repositories.ProductCatalog = (*ProductCatalogRepository)(nil)
