// Package apperr defines the error taxonomy shared by the inventory and
// pricing services.
package apperr

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed input rejected before touching storage.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Invalid is shorthand for a ValidationError.
func Invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// NotFoundError reports an unknown variant, coupon, offer or product id.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// NotFound is shorthand for a NotFoundError.
func NotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// InsufficientStockError is the expected outcome of a reservation or
// deduction that the current counters cannot satisfy. Available is what the
// caller can show the shopper.
type InsufficientStockError struct {
	VariantID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for variant %s: requested=%d, available=%d", e.VariantID, e.Requested, e.Available)
}

// CouponReason enumerates why a coupon cannot be applied.
type CouponReason string

const (
	ReasonInvalid          CouponReason = "invalid"
	ReasonExpired          CouponReason = "expired"
	ReasonUsageExhausted   CouponReason = "usage_exhausted"
	ReasonUserLimitReached CouponReason = "user_limit_reached"
	ReasonBelowMinimum     CouponReason = "below_minimum"
	ReasonNotApplicable    CouponReason = "not_applicable"
	ReasonUserRestricted   CouponReason = "user_restricted"
)

// CouponIneligibleError reports a coupon that failed validation.
type CouponIneligibleError struct {
	Code   string
	Reason CouponReason
	Detail string
}

func (e *CouponIneligibleError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("coupon %s not applicable (%s): %s", e.Code, e.Reason, e.Detail)
	}
	return fmt.Sprintf("coupon %s not applicable (%s)", e.Code, e.Reason)
}

// PersistenceError wraps a store failure. Mutating calls always surface it.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Persistence wraps err unless it is nil or already part of the taxonomy.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsNotFound(err) || IsInsufficientStock(err) || IsCouponIneligible(err) || IsValidation(err) {
		return err
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsInsufficientStock(err error) bool {
	var target *InsufficientStockError
	return errors.As(err, &target)
}

func IsCouponIneligible(err error) bool {
	var target *CouponIneligibleError
	return errors.As(err, &target)
}

func IsPersistence(err error) bool {
	var target *PersistenceError
	return errors.As(err, &target)
}

// CouponReasonOf returns the reason carried by a CouponIneligibleError, or ""
// for any other error.
func CouponReasonOf(err error) CouponReason {
	var target *CouponIneligibleError
	if errors.As(err, &target) {
		return target.Reason
	}
	return ""
}
