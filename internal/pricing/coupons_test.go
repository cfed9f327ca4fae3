package pricing

import (
	"context"
	"testing"
	"time"

	"github.com/bookstore/services/commerce/internal/apperr"
	"github.com/bookstore/services/commerce/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func count(n int) *int { return &n }

func (f *fixture) coupon(t *testing.T, c db.Coupon) *db.Coupon {
	t.Helper()
	if c.StartDate.IsZero() {
		c.StartDate = testNow.Add(-24 * time.Hour)
	}
	if c.EndDate.IsZero() {
		c.EndDate = testNow.Add(24 * time.Hour)
	}
	if c.DiscountType == "" {
		c.DiscountType = db.DiscountFixedAmount
	}
	c.IsActive = true
	require.NoError(t, f.coupons.Create(context.Background(), &c))
	return &c
}

func TestCouponBelowMinimum(t *testing.T) {
	f := setupFixture(t)
	f.coupon(t, db.Coupon{Code: "SAVE50", DiscountValue: 50, MinOrderValue: 500})

	_, err := f.applier.ApplyCoupon(context.Background(), "SAVE50", 400, "u1", nil)
	require.Error(t, err)
	assert.True(t, apperr.IsCouponIneligible(err))
	assert.Equal(t, apperr.ReasonBelowMinimum, apperr.CouponReasonOf(err))
}

func TestApplyCoupon(t *testing.T) {
	f := setupFixture(t)
	f.coupon(t, db.Coupon{Code: "SAVE50", DiscountValue: 50, MinOrderValue: 500})

	result, err := f.applier.ApplyCoupon(context.Background(), " save50 ", 600, "u1", nil)
	require.NoError(t, err)
	assert.Equal(t, "SAVE50", result.Code)
	assert.Equal(t, 50.0, result.Discount)
	assert.Equal(t, 550.0, result.FinalAmount)
	assert.Equal(t, 8, result.DiscountPercentage)
}

func TestPercentageCouponCap(t *testing.T) {
	f := setupFixture(t)
	f.coupon(t, db.Coupon{Code: "HALF", DiscountType: db.DiscountPercentage, DiscountValue: 50, MaxDiscountAmount: amount(120)})

	result, err := f.applier.ApplyCoupon(context.Background(), "HALF", 1000, "u1", nil)
	require.NoError(t, err)
	assert.Equal(t, 120.0, result.Discount)
	assert.Equal(t, 880.0, result.FinalAmount)

	result, err = f.applier.ApplyCoupon(context.Background(), "HALF", 99.98, "u1", nil)
	require.NoError(t, err)
	assert.Equal(t, 49.99, result.Discount)
	assert.Equal(t, 49.99, result.FinalAmount)
}

func TestCouponIneligibilityReasons(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	inactive := f.coupon(t, db.Coupon{Code: "OFF", DiscountValue: 10})
	require.NoError(t, f.database.Model(&db.Coupon{}).Where("id = ?", inactive.ID).Update("is_active", false).Error)

	f.coupon(t, db.Coupon{Code: "OLD", DiscountValue: 10,
		StartDate: testNow.Add(-48 * time.Hour), EndDate: testNow.Add(-24 * time.Hour)})
	f.coupon(t, db.Coupon{Code: "GONE", DiscountValue: 10, UsageLimit: count(1), UsedCount: 1})
	f.coupon(t, db.Coupon{Code: "ONEEACH", DiscountValue: 10, UsagePerUser: count(1)})
	f.coupon(t, db.Coupon{Code: "SHOES", DiscountValue: 10, ApplicableCategories: db.StringSet{"shoes"}})
	f.coupon(t, db.Coupon{Code: "VIP", DiscountValue: 10, ApplicableUsers: db.StringSet{"vip-1"}})

	once, err := f.coupons.GetByCode(ctx, "ONEEACH")
	require.NoError(t, err)
	_, err = f.applier.RecordCouponUsage(ctx, once.ID, "u1", "order-1", 10, 100)
	require.NoError(t, err)

	lines := []CouponLine{{ProductID: "BOOK-1", CategoryID: "fiction"}}
	cases := []struct {
		code   string
		user   string
		reason apperr.CouponReason
	}{
		{"NOPE", "u1", apperr.ReasonInvalid},
		{"OFF", "u1", apperr.ReasonInvalid},
		{"OLD", "u1", apperr.ReasonExpired},
		{"GONE", "u1", apperr.ReasonUsageExhausted},
		{"ONEEACH", "u1", apperr.ReasonUserLimitReached},
		{"SHOES", "u1", apperr.ReasonNotApplicable},
		{"VIP", "u1", apperr.ReasonUserRestricted},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			_, err := f.applier.ApplyCoupon(ctx, tc.code, 100, tc.user, lines)
			assert.Equal(t, tc.reason, apperr.CouponReasonOf(err))
		})
	}

	// Another user still has their use of ONEEACH, and vip-1 may use VIP
	_, err = f.applier.ApplyCoupon(ctx, "ONEEACH", 100, "u2", lines)
	assert.NoError(t, err)
	_, err = f.applier.ApplyCoupon(ctx, "VIP", 100, "vip-1", lines)
	assert.NoError(t, err)

	_, err = f.applier.ApplyCoupon(ctx, "  ", 100, "u1", lines)
	assert.True(t, apperr.IsValidation(err))
}

func TestRecordCouponUsageRetryIsNoop(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	c := f.coupon(t, db.Coupon{Code: "TWICE", DiscountValue: 10, UsageLimit: count(2)})

	recorded, err := f.applier.RecordCouponUsage(ctx, c.ID, "u1", "order-1", 10, 200)
	require.NoError(t, err)
	assert.True(t, recorded)

	recorded, err = f.applier.RecordCouponUsage(ctx, c.ID, "u1", "order-1", 10, 200)
	require.NoError(t, err)
	assert.False(t, recorded)

	stored, err := f.coupons.GetByCode(ctx, "TWICE")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.UsedCount)

	_, err = f.applier.RecordCouponUsage(ctx, c.ID, "u2", "order-2", 10, 200)
	require.NoError(t, err)

	_, err = f.applier.RecordCouponUsage(ctx, c.ID, "u3", "order-3", 10, 200)
	assert.Equal(t, apperr.ReasonUsageExhausted, apperr.CouponReasonOf(err))

	_, err = f.applier.RecordCouponUsage(ctx, "", "u1", "order-1", 10, 200)
	assert.True(t, apperr.IsValidation(err))
}

func TestGetAvailableCoupons(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	f.coupon(t, db.Coupon{Code: "TEN", DiscountValue: 10})
	f.coupon(t, db.Coupon{Code: "PCT", DiscountType: db.DiscountPercentage, DiscountValue: 20})
	f.coupon(t, db.Coupon{Code: "BIG", DiscountValue: 500, MinOrderValue: 1000})
	f.coupon(t, db.Coupon{Code: "VIP", DiscountValue: 300, ApplicableUsers: db.StringSet{"vip-1"}})
	once := f.coupon(t, db.Coupon{Code: "ONCE", DiscountValue: 90, UsagePerUser: count(1)})

	_, err := f.applier.RecordCouponUsage(ctx, once.ID, "u1", "order-1", 90, 400)
	require.NoError(t, err)

	available := f.applier.GetAvailableCoupons(ctx, "u1", 400)
	require.Len(t, available, 2)
	assert.Equal(t, "PCT", available[0].Coupon.Code)
	assert.Equal(t, 80.0, available[0].Discount)
	assert.Equal(t, "TEN", available[1].Coupon.Code)

	available = f.applier.GetAvailableCoupons(ctx, "vip-1", 400)
	require.Len(t, available, 4)
	assert.Equal(t, "VIP", available[0].Coupon.Code)
}
