package pricing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bookstore/services/commerce/internal/apperr"
	"github.com/bookstore/services/commerce/internal/db"
	"github.com/bookstore/services/commerce/internal/metrics"
	"github.com/bookstore/services/commerce/internal/repo"
	"github.com/bookstore/services/commerce/pkg/money"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// CouponStore is the coupon persistence the applier needs
type CouponStore interface {
	GetByCode(ctx context.Context, code string) (*db.Coupon, error)
	ListLive(ctx context.Context, now time.Time) ([]db.Coupon, error)
	CountUserUsages(ctx context.Context, couponID, userID string) (int64, error)
	CountUsagesByUser(ctx context.Context, userID string) (map[string]int64, error)
	RecordUsage(ctx context.Context, usage *db.CouponUsage) (bool, error)
}

// CouponLine is what a coupon's product/category restriction is tested against
type CouponLine struct {
	ProductID  string
	CategoryID string
}

// CouponResult is a validated coupon and the discount it grants
type CouponResult struct {
	Coupon             *db.Coupon
	Code               string
	OrderValue         float64
	Discount           float64
	FinalAmount        float64
	DiscountPercentage int
}

// AvailableCoupon is a coupon a user could apply now, with its discount
type AvailableCoupon struct {
	Coupon   db.Coupon
	Discount float64
}

// CouponApplier validates coupon codes and records redemptions
type CouponApplier struct {
	coupons CouponStore
	metrics *metrics.Metrics
	log     *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewCouponApplier creates a coupon applier. m may be nil.
func NewCouponApplier(coupons CouponStore, m *metrics.Metrics, log *zap.Logger) *CouponApplier {
	return &CouponApplier{
		coupons: coupons,
		metrics: m,
		log:     log,
		tracer:  otel.Tracer(tracerName),
		now:     time.Now,
	}
}

// WithClock replaces the applier's time source
func (a *CouponApplier) WithClock(now func() time.Time) *CouponApplier {
	a.now = now
	return a
}

// ApplyCoupon validates code for an order and computes its discount. Every
// ineligibility is a *apperr.CouponIneligibleError carrying the reason.
func (a *CouponApplier) ApplyCoupon(ctx context.Context, code string, orderValue float64, userID string, lines []CouponLine) (*CouponResult, error) {
	ctx, span := a.tracer.Start(ctx, "pricing.ApplyCoupon")
	defer span.End()

	normalized := db.NormalizeCode(code)
	span.SetAttributes(attribute.String("coupon_code", normalized), attribute.Float64("order_value", orderValue))
	if normalized == "" {
		return nil, apperr.Invalid("code", "coupon code is required")
	}
	if orderValue < 0 {
		return nil, apperr.Invalid("order_value", "must not be negative")
	}

	result, err := a.apply(ctx, normalized, orderValue, userID, lines)
	if err != nil {
		if reason := apperr.CouponReasonOf(err); reason != "" {
			a.metrics.CouponApplied(string(reason))
			a.log.Info("Coupon rejected",
				zap.String("code", normalized),
				zap.String("user_id", userID),
				zap.String("reason", string(reason)))
		}
		return nil, err
	}

	a.metrics.CouponApplied("applied")
	return result, nil
}

func (a *CouponApplier) apply(ctx context.Context, code string, orderValue float64, userID string, lines []CouponLine) (*CouponResult, error) {
	coupon, err := a.coupons.GetByCode(ctx, code)
	if err != nil {
		if apperr.IsNotFound(err) {
			return nil, ineligible(code, apperr.ReasonInvalid, "unknown code")
		}
		return nil, err
	}
	if !coupon.IsActive {
		return nil, ineligible(code, apperr.ReasonInvalid, "coupon is inactive")
	}

	now := a.now().UTC()
	if now.Before(coupon.StartDate) || now.After(coupon.EndDate) {
		return nil, ineligible(code, apperr.ReasonExpired, "outside validity window")
	}

	if coupon.UsageLimit != nil && coupon.UsedCount >= *coupon.UsageLimit {
		return nil, ineligible(code, apperr.ReasonUsageExhausted, "")
	}

	if coupon.UsagePerUser != nil && userID != "" {
		used, err := a.coupons.CountUserUsages(ctx, coupon.ID, userID)
		if err != nil {
			return nil, err
		}
		if used >= int64(*coupon.UsagePerUser) {
			return nil, ineligible(code, apperr.ReasonUserLimitReached, fmt.Sprintf("used %d of %d", used, *coupon.UsagePerUser))
		}
	}

	if orderValue < coupon.MinOrderValue {
		return nil, ineligible(code, apperr.ReasonBelowMinimum, fmt.Sprintf("minimum order value is %.2f", coupon.MinOrderValue))
	}

	if !coversCart(coupon, lines) {
		return nil, ineligible(code, apperr.ReasonNotApplicable, "no eligible item in cart")
	}

	if len(coupon.ApplicableUsers) > 0 && !coupon.ApplicableUsers.Contains(userID) {
		return nil, ineligible(code, apperr.ReasonUserRestricted, "")
	}

	discount := computeDiscount(coupon.DiscountType, coupon.DiscountValue, coupon.MaxDiscountAmount, coupon.MinOrderValue, orderValue)
	final := money.Sub(orderValue, discount)
	if final < 0 {
		final = 0
	}

	return &CouponResult{
		Coupon:             coupon,
		Code:               coupon.Code,
		OrderValue:         money.Round2(orderValue),
		Discount:           discount,
		FinalAmount:        final,
		DiscountPercentage: money.Percent(discount, orderValue),
	}, nil
}

// RecordCouponUsage stores a redemption once per (coupon, user, order). A
// retried call reports false and changes nothing.
func (a *CouponApplier) RecordCouponUsage(ctx context.Context, couponID, userID, orderID string, discount, orderValue float64) (bool, error) {
	switch {
	case couponID == "":
		return false, apperr.Invalid("coupon_id", "is required")
	case userID == "":
		return false, apperr.Invalid("user_id", "is required")
	case orderID == "":
		return false, apperr.Invalid("order_id", "is required")
	case discount < 0:
		return false, apperr.Invalid("discount", "must not be negative")
	}

	recorded, err := a.coupons.RecordUsage(ctx, &db.CouponUsage{
		CouponID:       couponID,
		UserID:         userID,
		OrderID:        orderID,
		DiscountAmount: money.Round2(discount),
		OrderValue:     money.Round2(orderValue),
	})
	if err != nil {
		if errors.Is(err, repo.ErrCouponUsageExhausted) {
			return false, ineligible(couponID, apperr.ReasonUsageExhausted, "")
		}
		return false, err
	}

	if recorded {
		a.metrics.CouponRedeemed()
		a.log.Info("Coupon redeemed", zap.String("coupon_id", couponID), zap.String("order_id", orderID))
	} else {
		a.log.Debug("Coupon redemption already recorded", zap.String("coupon_id", couponID), zap.String("order_id", orderID))
	}
	return recorded, nil
}

// GetAvailableCoupons lists the coupons userID could apply to an order of
// orderValue, best discount first. Product and category restrictions are
// not checked since no cart is given. It returns an empty list when the
// store fails.
func (a *CouponApplier) GetAvailableCoupons(ctx context.Context, userID string, orderValue float64) []AvailableCoupon {
	now := a.now().UTC()
	coupons, err := a.coupons.ListLive(ctx, now)
	if err != nil {
		a.log.Warn("Available coupons unavailable", zap.Error(err))
		return []AvailableCoupon{}
	}

	usages := map[string]int64{}
	if userID != "" {
		if usages, err = a.coupons.CountUsagesByUser(ctx, userID); err != nil {
			a.log.Warn("Coupon usages unavailable", zap.String("user_id", userID), zap.Error(err))
			return []AvailableCoupon{}
		}
	}

	available := make([]AvailableCoupon, 0, len(coupons))
	for _, c := range coupons {
		if now.Before(c.StartDate) || now.After(c.EndDate) {
			continue
		}
		if len(c.ApplicableUsers) > 0 && !c.ApplicableUsers.Contains(userID) {
			continue
		}
		if c.UsagePerUser != nil && usages[c.ID] >= int64(*c.UsagePerUser) {
			continue
		}
		if orderValue < c.MinOrderValue {
			continue
		}
		discount := computeDiscount(c.DiscountType, c.DiscountValue, c.MaxDiscountAmount, c.MinOrderValue, orderValue)
		available = append(available, AvailableCoupon{Coupon: c, Discount: discount})
	}

	sort.SliceStable(available, func(i, j int) bool {
		return available[i].Discount > available[j].Discount
	})
	return available
}

// coversCart reports whether a coupon with product or category restrictions
// matches at least one line.
func coversCart(coupon *db.Coupon, lines []CouponLine) bool {
	if len(coupon.ApplicableProducts) == 0 && len(coupon.ApplicableCategories) == 0 {
		return true
	}
	for _, line := range lines {
		if coupon.ApplicableProducts.Contains(line.ProductID) || coupon.ApplicableCategories.Contains(line.CategoryID) {
			return true
		}
	}
	return false
}

func ineligible(code string, reason apperr.CouponReason, detail string) error {
	return &apperr.CouponIneligibleError{Code: code, Reason: reason, Detail: detail}
}
