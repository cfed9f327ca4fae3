package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bookstore/services/commerce/internal/apperr"
	"github.com/bookstore/services/commerce/internal/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrProductAlreadyExists is returned when trying to create a product that already exists
var ErrProductAlreadyExists = errors.New("product already exists")

// CatalogRepository serves the product read model consumed by pricing and
// variant resolution.
type CatalogRepository struct {
	db  *db.DB
	log *zap.Logger
}

// NewCatalogRepository creates a new catalog repository
func NewCatalogRepository(database *db.DB, logger *zap.Logger) *CatalogRepository {
	return &CatalogRepository{
		db:  database,
		log: logger,
	}
}

// GetProduct retrieves a product by id. Deleted products are reported as
// not found so they can never be priced or sold.
func (r *CatalogRepository) GetProduct(ctx context.Context, id string) (*db.Product, error) {
	var product db.Product
	err := r.db.WithContext(ctx).Where("id = ? AND is_deleted = ?", id, false).First(&product).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("product", id)
		}
		r.log.Error("Failed to get product", zap.String("product_id", id), zap.Error(err))
		return nil, apperr.Persistence("get product", err)
	}

	return &product, nil
}

// CreateProduct inserts a product into the read model
func (r *CatalogRepository) CreateProduct(ctx context.Context, product *db.Product) error {
	if product.ID == "" {
		return apperr.Invalid("id", "product id is required")
	}

	var existing db.Product
	err := r.db.WithContext(ctx).Where("id = ?", product.ID).First(&existing).Error
	if err == nil {
		return ErrProductAlreadyExists
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		r.log.Error("Failed to check product existence", zap.String("product_id", product.ID), zap.Error(err))
		return apperr.Persistence("create product", err)
	}

	if err := r.db.WithContext(ctx).Create(product).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrProductAlreadyExists
		}
		r.log.Error("Failed to create product", zap.String("product_id", product.ID), zap.Error(err))
		return apperr.Persistence("create product", err)
	}

	r.log.Info("Product created", zap.String("product_id", product.ID), zap.String("name", product.Name))
	return nil
}

// UpdatePrices replaces the price fields of a product
func (r *CatalogRepository) UpdatePrices(ctx context.Context, id string, basePrice, legacyPrice, legacySizePrice *float64) error {
	result := r.db.WithContext(ctx).Model(&db.Product{}).Where("id = ?", id).Updates(map[string]interface{}{
		"base_price":        basePrice,
		"legacy_price":      legacyPrice,
		"legacy_size_price": legacySizePrice,
		"updated_at":        time.Now().UTC(),
	})
	if result.Error != nil {
		r.log.Error("Failed to update product prices", zap.String("product_id", id), zap.Error(result.Error))
		return apperr.Persistence("update product prices", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.NotFound("product", id)
	}

	r.log.Info("Product prices updated", zap.String("product_id", id))
	return nil
}

// DeleteProduct soft deletes a product by setting is_deleted
func (r *CatalogRepository) DeleteProduct(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Model(&db.Product{}).Where("id = ?", id).Updates(map[string]interface{}{
		"is_deleted": true,
		"updated_at": time.Now().UTC(),
	})
	if result.Error != nil {
		r.log.Error("Failed to delete product", zap.String("product_id", id), zap.Error(result.Error))
		return apperr.Persistence("delete product", result.Error)
	}

	if result.RowsAffected == 0 {
		return apperr.NotFound("product", id)
	}

	r.log.Info("Product deleted", zap.String("product_id", id))
	return nil
}

// GetStats returns catalog statistics for metrics
func (r *CatalogRepository) GetStats(ctx context.Context) (products, activeVariants int64, err error) {
	if err := r.db.WithContext(ctx).Model(&db.Product{}).Where("is_deleted = ?", false).Count(&products).Error; err != nil {
		return 0, 0, fmt.Errorf("failed to count products: %w", err)
	}

	if err := r.db.WithContext(ctx).Model(&db.Variant{}).Where("is_active = ?", true).Count(&activeVariants).Error; err != nil {
		return 0, 0, fmt.Errorf("failed to count active variants: %w", err)
	}

	return products, activeVariants, nil
}
