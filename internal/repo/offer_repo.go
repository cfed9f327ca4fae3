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

// OfferRepository handles promotional offers
type OfferRepository struct {
	db  *db.DB
	log *zap.Logger
}

// NewOfferRepository creates a new offer repository
func NewOfferRepository(database *db.DB, logger *zap.Logger) *OfferRepository {
	return &OfferRepository{
		db:  database,
		log: logger,
	}
}

// Create inserts an offer
func (r *OfferRepository) Create(ctx context.Context, offer *db.Offer) error {
	if err := validateWindow(offer.StartDate, offer.EndDate); err != nil {
		return err
	}
	if offer.Priority < 0 || offer.Priority > db.MaxOfferPriority {
		return apperr.Invalid("priority", fmt.Sprintf("must be between 0 and %d, got %d", db.MaxOfferPriority, offer.Priority))
	}
	if err := r.db.WithContext(ctx).Create(offer).Error; err != nil {
		r.log.Error("Failed to create offer", zap.String("name", offer.Name), zap.Error(err))
		return apperr.Persistence("create offer", err)
	}

	r.log.Info("Offer created", zap.String("offer_id", offer.ID), zap.String("scope", string(offer.Scope)))
	return nil
}

// Get retrieves an offer by id
func (r *OfferRepository) Get(ctx context.Context, id string) (*db.Offer, error) {
	var offer db.Offer
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&offer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("offer", id)
		}
		r.log.Error("Failed to get offer", zap.String("offer_id", id), zap.Error(err))
		return nil, apperr.Persistence("get offer", err)
	}

	return &offer, nil
}

// ListLive returns offers that are active, inside their validity window at
// now and not usage-exhausted. A nil scope returns every scope.
func (r *OfferRepository) ListLive(ctx context.Context, now time.Time, scope *db.OfferScope) ([]db.Offer, error) {
	now = now.UTC()
	query := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Where("start_date <= ? AND end_date >= ?", now, now).
		Where("usage_limit IS NULL OR used_count < usage_limit")
	if scope != nil {
		query = query.Where("scope = ?", *scope)
	}

	var offers []db.Offer
	if err := query.Order("priority DESC, id ASC").Find(&offers).Error; err != nil {
		r.log.Error("Failed to list live offers", zap.Error(err))
		return nil, apperr.Persistence("list offers", err)
	}

	return offers, nil
}

// IncrementUsage counts one use of an offer, refusing to pass its usage
// limit. It reports whether the counter moved.
func (r *OfferRepository) IncrementUsage(ctx context.Context, id string) (bool, error) {
	result := r.db.WithContext(ctx).Model(&db.Offer{}).
		Where("id = ?", id).
		Where("usage_limit IS NULL OR used_count < usage_limit").
		UpdateColumns(map[string]interface{}{
			"used_count": gorm.Expr("used_count + 1"),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		r.log.Error("Failed to record offer usage", zap.String("offer_id", id), zap.Error(result.Error))
		return false, apperr.Persistence("record offer usage", result.Error)
	}
	if result.RowsAffected == 1 {
		return true, nil
	}

	if _, err := r.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// Deactivate switches an offer off
func (r *OfferRepository) Deactivate(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Model(&db.Offer{}).Where("id = ?", id).UpdateColumns(map[string]interface{}{
		"is_active":  false,
		"updated_at": time.Now().UTC(),
	})
	if result.Error != nil {
		return apperr.Persistence("deactivate offer", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.NotFound("offer", id)
	}
	return nil
}

func validateWindow(start, end time.Time) error {
	if start.IsZero() || end.IsZero() {
		return apperr.Invalid("validity", "start and end dates are required")
	}
	if end.Before(start) {
		return apperr.Invalid("validity", "end date is before start date")
	}
	return nil
}
