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

// errVersionConflict signals a lost compare-and-swap race; the caller retries.
var errVersionConflict = errors.New("variant version changed concurrently")

// DefaultCASRetries bounds the compare-and-swap loop of SetStock and the
// floored Release path.
const DefaultCASRetries = 5

type counters struct {
	Stock    int
	Reserved int
}

// StockChange is the outcome of one successful counter mutation
type StockChange struct {
	PreviousStock    int
	PreviousReserved int
	Variant          *db.Variant
	Movement         *db.InventoryMovement
}

// VariantRepository owns the per-variant stock/reserved counters. Every
// mutation is a single conditional UPDATE (or a version compare-and-swap)
// followed by its ledger entry in the same transaction.
type VariantRepository struct {
	db         *db.DB
	log        *zap.Logger
	casRetries int
}

// NewVariantRepository creates a new variant repository
func NewVariantRepository(database *db.DB, logger *zap.Logger) *VariantRepository {
	return &VariantRepository{
		db:         database,
		log:        logger,
		casRetries: DefaultCASRetries,
	}
}

// WithCASRetries overrides the compare-and-swap retry bound
func (r *VariantRepository) WithCASRetries(n int) *VariantRepository {
	if n > 0 {
		r.casRetries = n
	}
	return r
}

// Create inserts a variant together with its INITIAL_STOCK ledger entry
func (r *VariantRepository) Create(ctx context.Context, variant *db.Variant, meta MovementMeta) (*StockChange, error) {
	var change *StockChange
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&db.Variant{}).Where("sku = ?", variant.SKU).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return apperr.Invalid("sku", fmt.Sprintf("variant with sku %s already exists", variant.SKU))
		}

		if err := tx.Create(variant).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return apperr.Invalid("sku", fmt.Sprintf("variant with sku %s already exists", variant.SKU))
			}
			return err
		}

		movement, err := appendMovement(tx, variant.ID, db.MovementInitialStock, variant.Stock, counters{}, variant, meta)
		if err != nil {
			return err
		}
		change = &StockChange{Variant: variant, Movement: movement}
		return nil
	})
	if err != nil {
		if !apperr.IsValidation(err) {
			r.log.Error("Failed to create variant", zap.String("sku", variant.SKU), zap.Error(err))
		}
		return nil, apperr.Persistence("create variant", err)
	}

	r.log.Info("Variant created", zap.String("variant_id", variant.ID), zap.String("sku", variant.SKU), zap.Int("stock", variant.Stock))
	return change, nil
}

// Get retrieves a variant by id
func (r *VariantRepository) Get(ctx context.Context, id string) (*db.Variant, error) {
	var variant db.Variant
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&variant).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("variant", id)
		}
		r.log.Error("Failed to get variant", zap.String("variant_id", id), zap.Error(err))
		return nil, apperr.Persistence("get variant", err)
	}

	return &variant, nil
}

// FindByAttributes returns the active variant of a product whose canonical
// attribute set equals attrs, or nil when none matches.
func (r *VariantRepository) FindByAttributes(ctx context.Context, productID string, attrs db.Attributes) (*db.Variant, error) {
	var variant db.Variant
	err := r.db.WithContext(ctx).
		Where("product_id = ? AND attribute_key = ? AND is_active = ?", productID, attrs.Key(), true).
		First(&variant).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		r.log.Error("Failed to find variant by attributes", zap.String("product_id", productID), zap.Error(err))
		return nil, apperr.Persistence("find variant", err)
	}

	return &variant, nil
}

// CountByProduct counts the variants of a product, active or not
func (r *VariantRepository) CountByProduct(ctx context.Context, productID string) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&db.Variant{}).Where("product_id = ?", productID).Count(&count).Error; err != nil {
		return 0, apperr.Persistence("count variants", err)
	}
	return count, nil
}

// Deactivate soft deletes a variant; it stays referenced by past orders
func (r *VariantRepository) Deactivate(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Model(&db.Variant{}).Where("id = ?", id).UpdateColumns(map[string]interface{}{
		"is_active":  false,
		"version":    gorm.Expr("version + 1"),
		"updated_at": time.Now().UTC(),
	})
	if result.Error != nil {
		r.log.Error("Failed to deactivate variant", zap.String("variant_id", id), zap.Error(result.Error))
		return apperr.Persistence("deactivate variant", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.NotFound("variant", id)
	}

	r.log.Info("Variant deactivated", zap.String("variant_id", id))
	return nil
}

// Reserve holds quantity units if, at the moment of the write, the variant
// is active and stock - reserved >= quantity.
func (r *VariantRepository) Reserve(ctx context.Context, id string, quantity int, meta MovementMeta) (*StockChange, error) {
	return r.guarded(ctx, "reserve", id, guard{
		typ:      db.MovementReservation,
		ledger:   -quantity,
		where:    "is_active = ? AND stock - reserved >= ?",
		args:     []interface{}{true, quantity},
		active:   true,
		set:      map[string]interface{}{"reserved": gorm.Expr("reserved + ?", quantity)},
		previous: func(v *db.Variant) counters { return counters{v.Stock, v.Reserved - quantity} },
		quantity: quantity,
	}, meta)
}

// Release drops quantity units of a hold, flooring reserved at zero.
// A floored release records the units actually released in the ledger.
func (r *VariantRepository) Release(ctx context.Context, id string, quantity int, meta MovementMeta) (*StockChange, error) {
	change, err := r.guarded(ctx, "release", id, guard{
		typ:      db.MovementRelease,
		ledger:   quantity,
		where:    "reserved >= ?",
		args:     []interface{}{quantity},
		set:      map[string]interface{}{"reserved": gorm.Expr("reserved - ?", quantity)},
		previous: func(v *db.Variant) counters { return counters{v.Stock, v.Reserved + quantity} },
		quantity: quantity,
	}, meta)
	if err == nil || !apperr.IsInsufficientStock(err) {
		return change, err
	}

	// Fewer units are held than requested: clear the hold by version CAS.
	// The ledger records what was actually released.
	return r.compareAndSwap(ctx, "release", id, db.MovementRelease, meta, func(v *db.Variant) (map[string]interface{}, int, error) {
		if v.Reserved >= quantity {
			return map[string]interface{}{"reserved": v.Reserved - quantity}, quantity, nil
		}
		return map[string]interface{}{"reserved": 0}, v.Reserved, nil
	})
}

// Deduct commits a sale: stock and reserved both drop by quantity, only if
// both counters cover it.
func (r *VariantRepository) Deduct(ctx context.Context, id string, quantity int, meta MovementMeta) (*StockChange, error) {
	return r.guarded(ctx, "deduct", id, guard{
		typ:    db.MovementSale,
		ledger: -quantity,
		where:  "stock >= ? AND reserved >= ?",
		args:   []interface{}{quantity, quantity},
		set: map[string]interface{}{
			"stock":    gorm.Expr("stock - ?", quantity),
			"reserved": gorm.Expr("reserved - ?", quantity),
		},
		previous: func(v *db.Variant) counters { return counters{v.Stock + quantity, v.Reserved + quantity} },
		quantity: quantity,
	}, meta)
}

// Restore adds quantity units back to stock (cancellation or return of a
// deducted order). typ is RETURN or ADJUSTMENT.
func (r *VariantRepository) Restore(ctx context.Context, id string, quantity int, typ db.MovementType, meta MovementMeta) (*StockChange, error) {
	return r.guarded(ctx, "restore", id, guard{
		typ:      typ,
		ledger:   quantity,
		set:      map[string]interface{}{"stock": gorm.Expr("stock + ?", quantity)},
		previous: func(v *db.Variant) counters { return counters{v.Stock - quantity, v.Reserved} },
		quantity: quantity,
	}, meta)
}

// SetStock sets an absolute stock value by compare-and-swap on version,
// refusing values below the current reservation.
func (r *VariantRepository) SetStock(ctx context.Context, id string, newStock int, meta MovementMeta) (*StockChange, error) {
	return r.compareAndSwap(ctx, "set stock", id, db.MovementAdjustment, meta, func(v *db.Variant) (map[string]interface{}, int, error) {
		if newStock < v.Reserved {
			return nil, 0, apperr.Invalid("new_stock", fmt.Sprintf("%d is below the %d units currently reserved", newStock, v.Reserved))
		}
		return map[string]interface{}{"stock": newStock}, newStock - v.Stock, nil
	})
}

type guard struct {
	typ      db.MovementType
	ledger   int
	where    string
	args     []interface{}
	set      map[string]interface{}
	previous func(after *db.Variant) counters
	quantity int
	active   bool
}

// guarded runs one conditional UPDATE. The row lock taken by the UPDATE is
// held until commit, so the state read afterwards is exactly what this
// write produced.
func (r *VariantRepository) guarded(ctx context.Context, op, id string, g guard, meta MovementMeta) (*StockChange, error) {
	var change *StockChange
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		set := make(map[string]interface{}, len(g.set)+2)
		for k, v := range g.set {
			set[k] = v
		}
		set["version"] = gorm.Expr("version + 1")
		set["updated_at"] = time.Now().UTC()

		query := tx.Model(&db.Variant{}).Where("id = ?", id)
		if g.where != "" {
			query = query.Where(g.where, g.args...)
		}
		result := query.UpdateColumns(set)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return explainMiss(tx, id, g.quantity, g.active)
		}

		var after db.Variant
		if err := tx.Where("id = ?", id).First(&after).Error; err != nil {
			return err
		}

		before := g.previous(&after)
		movement, err := appendMovement(tx, id, g.typ, g.ledger, before, &after, meta)
		if err != nil {
			return err
		}

		change = &StockChange{
			PreviousStock:    before.Stock,
			PreviousReserved: before.Reserved,
			Variant:          &after,
			Movement:         movement,
		}
		return nil
	})
	if err != nil {
		return nil, r.fail(op, id, err)
	}

	return change, nil
}

// compareAndSwap reads the variant, computes new column values and writes
// them only if version is unchanged, retrying on a lost race.
func (r *VariantRepository) compareAndSwap(ctx context.Context, op, id string, typ db.MovementType, meta MovementMeta, mutate func(v *db.Variant) (map[string]interface{}, int, error)) (*StockChange, error) {
	for attempt := 0; attempt < r.casRetries; attempt++ {
		var change *StockChange
		err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var current db.Variant
			if err := tx.Where("id = ?", id).First(&current).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return apperr.NotFound("variant", id)
				}
				return err
			}

			set, quantity, err := mutate(&current)
			if err != nil {
				return err
			}
			set["version"] = current.Version + 1
			set["updated_at"] = time.Now().UTC()

			result := tx.Model(&db.Variant{}).
				Where("id = ? AND version = ?", id, current.Version).
				UpdateColumns(set)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return errVersionConflict
			}

			var after db.Variant
			if err := tx.Where("id = ?", id).First(&after).Error; err != nil {
				return err
			}

			before := counters{current.Stock, current.Reserved}
			movement, err := appendMovement(tx, id, typ, quantity, before, &after, meta)
			if err != nil {
				return err
			}

			change = &StockChange{
				PreviousStock:    before.Stock,
				PreviousReserved: before.Reserved,
				Variant:          &after,
				Movement:         movement,
			}
			return nil
		})
		if errors.Is(err, errVersionConflict) {
			r.log.Debug("Variant write conflict, retrying", zap.String("op", op), zap.String("variant_id", id), zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return nil, r.fail(op, id, err)
		}
		return change, nil
	}

	r.log.Warn("Variant write conflict retries exhausted", zap.String("op", op), zap.String("variant_id", id), zap.Int("attempts", r.casRetries))
	return nil, apperr.Persistence(op, fmt.Errorf("%w after %d attempts", errVersionConflict, r.casRetries))
}

// explainMiss classifies an UPDATE that matched no row. The read happens
// after the write was refused and only shapes the error.
func explainMiss(tx *gorm.DB, id string, quantity int, requireActive bool) error {
	var current db.Variant
	if err := tx.Where("id = ?", id).First(&current).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound("variant", id)
		}
		return err
	}
	if requireActive && !current.IsActive {
		return apperr.Invalid("variant", fmt.Sprintf("variant %s is inactive", id))
	}
	return &apperr.InsufficientStockError{
		VariantID: id,
		Requested: quantity,
		Available: current.AvailableStock(),
	}
}

func (r *VariantRepository) fail(op, id string, err error) error {
	if apperr.IsInsufficientStock(err) || apperr.IsNotFound(err) || apperr.IsValidation(err) {
		return err
	}
	r.log.Error("Variant mutation failed", zap.String("op", op), zap.String("variant_id", id), zap.Error(err))
	return apperr.Persistence(op, err)
}
