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
	"gorm.io/gorm/clause"
)

// ErrCouponUsageExhausted is returned when a new redemption would pass the
// coupon's global usage limit.
var ErrCouponUsageExhausted = errors.New("coupon usage limit reached")

// CouponRepository handles coupons and their redemptions
type CouponRepository struct {
	db  *db.DB
	log *zap.Logger
}

// NewCouponRepository creates a new coupon repository
func NewCouponRepository(database *db.DB, logger *zap.Logger) *CouponRepository {
	return &CouponRepository{
		db:  database,
		log: logger,
	}
}

// Create inserts a coupon; the code is stored normalized
func (r *CouponRepository) Create(ctx context.Context, coupon *db.Coupon) error {
	if db.NormalizeCode(coupon.Code) == "" {
		return apperr.Invalid("code", "coupon code is required")
	}
	if err := validateWindow(coupon.StartDate, coupon.EndDate); err != nil {
		return err
	}

	if _, err := r.GetByCode(ctx, coupon.Code); err == nil {
		return apperr.Invalid("code", fmt.Sprintf("coupon %s already exists", db.NormalizeCode(coupon.Code)))
	} else if !apperr.IsNotFound(err) {
		return err
	}

	if err := r.db.WithContext(ctx).Create(coupon).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return apperr.Invalid("code", fmt.Sprintf("coupon %s already exists", coupon.Code))
		}
		r.log.Error("Failed to create coupon", zap.String("code", coupon.Code), zap.Error(err))
		return apperr.Persistence("create coupon", err)
	}

	r.log.Info("Coupon created", zap.String("coupon_id", coupon.ID), zap.String("code", coupon.Code))
	return nil
}

// GetByCode looks a coupon up by its normalized code
func (r *CouponRepository) GetByCode(ctx context.Context, code string) (*db.Coupon, error) {
	normalized := db.NormalizeCode(code)
	var coupon db.Coupon
	err := r.db.WithContext(ctx).Where("code = ?", normalized).First(&coupon).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("coupon", normalized)
		}
		r.log.Error("Failed to get coupon", zap.String("code", normalized), zap.Error(err))
		return nil, apperr.Persistence("get coupon", err)
	}

	return &coupon, nil
}

// ListLive returns active coupons inside their window with usage left
func (r *CouponRepository) ListLive(ctx context.Context, now time.Time) ([]db.Coupon, error) {
	now = now.UTC()
	var coupons []db.Coupon
	err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Where("start_date <= ? AND end_date >= ?", now, now).
		Where("usage_limit IS NULL OR used_count < usage_limit").
		Order("code ASC").
		Find(&coupons).Error
	if err != nil {
		r.log.Error("Failed to list live coupons", zap.Error(err))
		return nil, apperr.Persistence("list coupons", err)
	}

	return coupons, nil
}

// CountUserUsages counts the redemptions of a coupon by one user
func (r *CouponRepository) CountUserUsages(ctx context.Context, couponID, userID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&db.CouponUsage{}).
		Where("coupon_id = ? AND user_id = ?", couponID, userID).
		Count(&count).Error
	if err != nil {
		return 0, apperr.Persistence("count coupon usages", err)
	}
	return count, nil
}

// CountUsagesByUser counts redemptions per coupon for one user
func (r *CouponRepository) CountUsagesByUser(ctx context.Context, userID string) (map[string]int64, error) {
	var rows []struct {
		CouponID string
		Count    int64
	}
	err := r.db.WithContext(ctx).Model(&db.CouponUsage{}).
		Select("coupon_id, COUNT(*) AS count").
		Where("user_id = ?", userID).
		Group("coupon_id").
		Scan(&rows).Error
	if err != nil {
		return nil, apperr.Persistence("count coupon usages", err)
	}

	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.CouponID] = row.Count
	}
	return out, nil
}

// RecordUsage stores one redemption and bumps used_count in the same
// transaction. A repeated (coupon, user, order) triple inserts nothing and
// leaves the counter alone; the returned bool reports whether this call
// recorded a new redemption.
func (r *CouponRepository) RecordUsage(ctx context.Context, usage *db.CouponUsage) (bool, error) {
	recorded := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if usage.CreatedAt.IsZero() {
			usage.CreatedAt = time.Now().UTC()
		}
		insert := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "coupon_id"}, {Name: "user_id"}, {Name: "order_id"}},
			DoNothing: true,
		}).Create(usage)
		if insert.Error != nil {
			return insert.Error
		}
		if insert.RowsAffected == 0 {
			return nil
		}

		bump := tx.Model(&db.Coupon{}).
			Where("id = ?", usage.CouponID).
			Where("usage_limit IS NULL OR used_count < usage_limit").
			UpdateColumns(map[string]interface{}{
				"used_count": gorm.Expr("used_count + 1"),
				"updated_at": time.Now().UTC(),
			})
		if bump.Error != nil {
			return bump.Error
		}
		if bump.RowsAffected == 0 {
			var exists int64
			if err := tx.Model(&db.Coupon{}).Where("id = ?", usage.CouponID).Count(&exists).Error; err != nil {
				return err
			}
			if exists == 0 {
				return apperr.NotFound("coupon", usage.CouponID)
			}
			return ErrCouponUsageExhausted
		}

		recorded = true
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrCouponUsageExhausted) || apperr.IsNotFound(err) {
			return false, err
		}
		r.log.Error("Failed to record coupon usage",
			zap.String("coupon_id", usage.CouponID),
			zap.String("order_id", usage.OrderID),
			zap.Error(err))
		return false, apperr.Persistence("record coupon usage", err)
	}

	return recorded, nil
}
