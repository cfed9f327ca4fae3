package repo

import (
	"context"
	"time"

	"github.com/bookstore/services/commerce/internal/apperr"
	"github.com/bookstore/services/commerce/internal/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// MovementMeta carries the audit fields of a ledger entry
type MovementMeta struct {
	Reference   string
	Reason      string
	PerformedBy string
}

// LedgerRepository reads the append-only inventory movement ledger.
// Entries are written by VariantRepository inside the same transaction as
// the counter change they describe.
type LedgerRepository struct {
	db  *db.DB
	log *zap.Logger
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(database *db.DB, logger *zap.Logger) *LedgerRepository {
	return &LedgerRepository{
		db:  database,
		log: logger,
	}
}

// History returns the newest movements of a variant first. A non-positive
// limit falls back to the default; limits above the cap are clamped.
func (r *LedgerRepository) History(ctx context.Context, variantID string, limit int) ([]db.InventoryMovement, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	var movements []db.InventoryMovement
	err := r.db.WithContext(ctx).
		Where("variant_id = ?", variantID).
		Order("id DESC").
		Limit(limit).
		Find(&movements).Error
	if err != nil {
		r.log.Error("Failed to load stock history", zap.String("variant_id", variantID), zap.Error(err))
		return nil, apperr.Persistence("stock history", err)
	}

	return movements, nil
}

// ByReference returns every movement recorded against a reference (usually
// an order id), oldest first.
func (r *LedgerRepository) ByReference(ctx context.Context, reference string) ([]db.InventoryMovement, error) {
	var movements []db.InventoryMovement
	err := r.db.WithContext(ctx).
		Where("reference = ?", reference).
		Order("id ASC").
		Find(&movements).Error
	if err != nil {
		r.log.Error("Failed to load movements by reference", zap.String("reference", reference), zap.Error(err))
		return nil, apperr.Persistence("movements by reference", err)
	}

	return movements, nil
}

// appendMovement writes one ledger entry on the caller's transaction
func appendMovement(tx *gorm.DB, variantID string, typ db.MovementType, quantity int, before counters, after *db.Variant, meta MovementMeta) (*db.InventoryMovement, error) {
	movement := &db.InventoryMovement{
		VariantID:        variantID,
		Type:             typ,
		Quantity:         quantity,
		PreviousStock:    before.Stock,
		NewStock:         after.Stock,
		PreviousReserved: before.Reserved,
		NewReserved:      after.Reserved,
		Reference:        meta.Reference,
		Reason:           meta.Reason,
		PerformedBy:      meta.PerformedBy,
		CreatedAt:        time.Now().UTC(),
	}
	if err := tx.Create(movement).Error; err != nil {
		return nil, err
	}
	return movement, nil
}
