package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	stock := &InsufficientStockError{VariantID: "v1", Requested: 2, Available: 1}
	wrapped := fmt.Errorf("reserve line 1: %w", stock)

	assert.True(t, IsInsufficientStock(wrapped))
	assert.False(t, IsNotFound(wrapped))
	assert.Contains(t, stock.Error(), "available=1")

	assert.True(t, IsNotFound(NotFound("variant", "v9")))
	assert.True(t, IsValidation(Invalid("quantity", "must be positive")))

	coupon := &CouponIneligibleError{Code: "SAVE50", Reason: ReasonBelowMinimum}
	assert.True(t, IsCouponIneligible(coupon))
	assert.Equal(t, ReasonBelowMinimum, CouponReasonOf(fmt.Errorf("apply: %w", coupon)))
	assert.Equal(t, CouponReason(""), CouponReasonOf(errors.New("boom")))
}

func TestPersistence(t *testing.T) {
	assert.Nil(t, Persistence("reserve", nil))

	cause := errors.New("connection reset")
	err := Persistence("reserve", cause)
	assert.True(t, IsPersistence(err))
	assert.ErrorIs(t, err, cause)

	// taxonomy errors pass through untouched
	nf := NotFound("variant", "v1")
	assert.Same(t, nf, Persistence("reserve", nf))

	// no double wrapping
	assert.Same(t, err, Persistence("release", err))
}
