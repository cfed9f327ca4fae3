// Package inventory is the stock reservation service: race-free
// stock/reserved accounting over the variant store, with every change
// recorded in the inventory ledger.
package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/bookstore/services/commerce/internal/apperr"
	"github.com/bookstore/services/commerce/internal/db"
	"github.com/bookstore/services/commerce/internal/metrics"
	"github.com/bookstore/services/commerce/internal/repo"
	"github.com/bookstore/services/commerce/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/bookstore/services/commerce/internal/inventory"

// Reasons reported by CheckStock when a request cannot be served
const (
	ReasonVariantRequired   = "variant selection required"
	ReasonVariantInactive   = "variant inactive"
	ReasonInsufficientStock = "insufficient stock"
)

// StockLevel classifies a variant's available stock
type StockLevel string

const (
	InStock    StockLevel = "IN_STOCK"
	LowStock   StockLevel = "LOW_STOCK"
	OutOfStock StockLevel = "OUT_OF_STOCK"
)

// LowStockAlert is emitted when availability drops to the threshold
type LowStockAlert struct {
	VariantID      string
	ProductID      string
	SKU            string
	AvailableStock int
	Threshold      int
	Reference      string
}

// ReservationFailure is emitted when a reservation is refused for stock
type ReservationFailure struct {
	VariantID      string
	Requested      int
	AvailableStock int
	Reference      string
}

// Notifier receives fire-and-forget stock events. Implementations must not
// block the caller.
type Notifier interface {
	LowStock(ctx context.Context, alert LowStockAlert)
	ReservationFailed(ctx context.Context, failure ReservationFailure)
}

type nopNotifier struct{}

func (nopNotifier) LowStock(context.Context, LowStockAlert)                {}
func (nopNotifier) ReservationFailed(context.Context, ReservationFailure) {}

// Mutation is the input of Reserve, Release, Deduct and Restore.
// Reason and Type are only read by Restore; Type defaults to RETURN.
type Mutation struct {
	VariantID string
	Quantity  int
	Reference string
	Actor     string
	Reason    string
	Type      db.MovementType
}

// Adjustment sets a variant's stock to an absolute value
type Adjustment struct {
	VariantID string
	NewStock  int
	Reason    string
	Actor     string
}

// AdjustmentResult is the per-item outcome of BulkAdjust
type AdjustmentResult struct {
	VariantID     string
	Success       bool
	PreviousStock int
	NewStock      int
	Err           error
}

// StockQuery asks whether quantity units of a product can be sold. Without a
// VariantID the variant is resolved from Attributes.
type StockQuery struct {
	ProductID  string
	VariantID  string
	Quantity   int
	Attributes map[string]string
}

// StockCheck answers a StockQuery. Tracked is false for products without
// variants, whose availability is not constrained here.
type StockCheck struct {
	Available      bool
	Reason         string
	AvailableStock int
	Tracked        bool
	Variant        *db.Variant
}

// StockStatus is a point-in-time view of one variant's counters
type StockStatus struct {
	VariantID         string
	ProductID         string
	SKU               string
	Attributes        map[string]string
	Stock             int
	Reserved          int
	AvailableStock    int
	LowStockThreshold int
	Status            StockLevel
}

// NewVariant is the input of CreateVariant. A nil LowStockThreshold takes
// the service default.
type NewVariant struct {
	ProductID         string
	SKU               string
	Attributes        map[string]string
	InitialStock      int
	PriceAdjustment   float64
	SpecialPrice      *float64
	LowStockThreshold *int
	Actor             string
}

// Options tunes the service
type Options struct {
	DefaultLowStockThreshold int
	HistoryLimit             int
}

// Service is the stock reservation service
type Service struct {
	variants *repo.VariantRepository
	ledger   *repo.LedgerRepository
	notifier Notifier
	metrics  *metrics.Metrics
	log      *zap.Logger
	tracer   trace.Tracer
	opts     Options
}

// NewService creates the stock reservation service. notifier and m may be nil.
func NewService(variants *repo.VariantRepository, ledger *repo.LedgerRepository, notifier Notifier, m *metrics.Metrics, log *zap.Logger, opts Options) *Service {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if opts.DefaultLowStockThreshold <= 0 {
		opts.DefaultLowStockThreshold = 5
	}
	return &Service{
		variants: variants,
		ledger:   ledger,
		notifier: notifier,
		metrics:  m,
		log:      log,
		tracer:   otel.Tracer(tracerName),
		opts:     opts,
	}
}

// CheckStock reports whether a product (optionally a specific variant) can
// supply quantity units right now. It never mutates.
func (s *Service) CheckStock(ctx context.Context, q StockQuery) (*StockCheck, error) {
	ctx, span := s.tracer.Start(ctx, "inventory.CheckStock")
	defer span.End()
	span.SetAttributes(attribute.String("product_id", q.ProductID), attribute.Int("quantity", q.Quantity))

	if q.Quantity <= 0 {
		return nil, apperr.Invalid("quantity", "must be positive")
	}

	var variant *db.Variant
	if q.VariantID != "" {
		v, err := s.variants.Get(ctx, q.VariantID)
		if err != nil {
			return nil, err
		}
		if q.ProductID != "" && v.ProductID != q.ProductID {
			return nil, apperr.NotFound("variant", q.VariantID)
		}
		variant = v
	} else {
		count, err := s.variants.CountByProduct(ctx, q.ProductID)
		if err != nil {
			return nil, err
		}
		if count == 0 {
			return &StockCheck{Available: true, Tracked: false}, nil
		}

		attrs := db.CanonicalAttributes(q.Attributes)
		if len(attrs) == 0 {
			return &StockCheck{Available: false, Reason: ReasonVariantRequired, Tracked: true}, nil
		}
		v, err := s.variants.FindByAttributes(ctx, q.ProductID, attrs)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return &StockCheck{Available: false, Reason: ReasonVariantRequired, Tracked: true}, nil
		}
		variant = v
	}

	check := &StockCheck{
		Tracked:        true,
		Variant:        variant,
		AvailableStock: variant.AvailableStock(),
	}
	switch {
	case !variant.IsActive:
		check.Reason = ReasonVariantInactive
	case variant.AvailableStock() < q.Quantity:
		check.Reason = ReasonInsufficientStock
	default:
		check.Available = true
	}
	return check, nil
}

// Reserve holds stock for an in-progress order
func (s *Service) Reserve(ctx context.Context, m Mutation) (*repo.StockChange, error) {
	return s.mutate(ctx, "reserve", m, func(ctx context.Context) (*repo.StockChange, error) {
		return s.variants.Reserve(ctx, m.VariantID, m.Quantity, meta(m))
	})
}

// Release gives back a hold that will not be sold
func (s *Service) Release(ctx context.Context, m Mutation) (*repo.StockChange, error) {
	return s.mutate(ctx, "release", m, func(ctx context.Context) (*repo.StockChange, error) {
		return s.variants.Release(ctx, m.VariantID, m.Quantity, meta(m))
	})
}

// Deduct turns a hold into a sale once payment is confirmed
func (s *Service) Deduct(ctx context.Context, m Mutation) (*repo.StockChange, error) {
	return s.mutate(ctx, "deduct", m, func(ctx context.Context) (*repo.StockChange, error) {
		return s.variants.Deduct(ctx, m.VariantID, m.Quantity, meta(m))
	})
}

// Restore puts sold units back on the shelf after a cancellation or return
func (s *Service) Restore(ctx context.Context, m Mutation) (*repo.StockChange, error) {
	typ := m.Type
	if typ == "" {
		typ = db.MovementReturn
	}
	if typ != db.MovementReturn && typ != db.MovementAdjustment {
		return nil, apperr.Invalid("type", "restore records RETURN or ADJUSTMENT")
	}
	return s.mutate(ctx, "restore", m, func(ctx context.Context) (*repo.StockChange, error) {
		return s.variants.Restore(ctx, m.VariantID, m.Quantity, typ, meta(m))
	})
}

// BulkAdjust applies absolute stock corrections. Items are independent: a
// failing item is reported in its result and never rolls back the others.
func (s *Service) BulkAdjust(ctx context.Context, items []Adjustment) []AdjustmentResult {
	ctx, span := s.tracer.Start(ctx, "inventory.BulkAdjust")
	defer span.End()
	span.SetAttributes(attribute.Int("items", len(items)))

	results := make([]AdjustmentResult, 0, len(items))
	for _, item := range items {
		result := AdjustmentResult{VariantID: item.VariantID}
		started := time.Now()

		if item.VariantID == "" {
			result.Err = apperr.Invalid("variant_id", "is required")
		} else if item.NewStock < 0 {
			result.Err = apperr.Invalid("new_stock", "must not be negative")
		} else {
			change, err := s.variants.SetStock(ctx, item.VariantID, item.NewStock, repo.MovementMeta{
				Reason:      item.Reason,
				PerformedBy: item.Actor,
			})
			if err != nil {
				result.Err = err
			} else {
				result.Success = true
				result.PreviousStock = change.PreviousStock
				result.NewStock = change.Variant.Stock
				s.checkLowStock(ctx, change.Variant, "")
			}
		}

		s.metrics.ObserveStockMutation("adjust", outcome(result.Err), started)
		if result.Err != nil {
			s.log.Warn("Stock adjustment failed", zap.String("variant_id", item.VariantID), zap.Error(result.Err))
		}
		results = append(results, result)
	}

	return results
}

// GetStockStatus returns the counters of a variant and their classification
func (s *Service) GetStockStatus(ctx context.Context, variantID string) (*StockStatus, error) {
	v, err := s.variants.Get(ctx, variantID)
	if err != nil {
		return nil, err
	}

	status := &StockStatus{
		VariantID:         v.ID,
		ProductID:         v.ProductID,
		SKU:               v.SKU,
		Attributes:        v.Attributes.Map(),
		Stock:             v.Stock,
		Reserved:          v.Reserved,
		AvailableStock:    v.AvailableStock(),
		LowStockThreshold: v.LowStockThreshold,
	}
	switch {
	case status.AvailableStock <= 0:
		status.Status = OutOfStock
	case status.AvailableStock <= v.LowStockThreshold:
		status.Status = LowStock
	default:
		status.Status = InStock
	}
	return status, nil
}

// GetStockHistory returns the newest ledger entries of a variant first. A
// non-positive limit uses the configured default.
func (s *Service) GetStockHistory(ctx context.Context, variantID string, limit int) ([]db.InventoryMovement, error) {
	if limit <= 0 {
		limit = s.opts.HistoryLimit
	}
	if _, err := s.variants.Get(ctx, variantID); err != nil {
		return nil, err
	}
	return s.ledger.History(ctx, variantID, limit)
}

// CreateVariant registers a new variant with its opening stock
func (s *Service) CreateVariant(ctx context.Context, nv NewVariant) (*db.Variant, error) {
	switch {
	case nv.ProductID == "":
		return nil, apperr.Invalid("product_id", "is required")
	case nv.SKU == "":
		return nil, apperr.Invalid("sku", "is required")
	case nv.InitialStock < 0:
		return nil, apperr.Invalid("initial_stock", "must not be negative")
	case nv.SpecialPrice != nil && *nv.SpecialPrice < 0:
		return nil, apperr.Invalid("special_price", "must not be negative")
	}

	threshold := s.opts.DefaultLowStockThreshold
	if nv.LowStockThreshold != nil {
		if *nv.LowStockThreshold < 0 {
			return nil, apperr.Invalid("low_stock_threshold", "must not be negative")
		}
		threshold = *nv.LowStockThreshold
	}

	variant := &db.Variant{
		ProductID:         nv.ProductID,
		SKU:               nv.SKU,
		Attributes:        db.CanonicalAttributes(nv.Attributes),
		Stock:             nv.InitialStock,
		PriceAdjustment:   nv.PriceAdjustment,
		SpecialPrice:      nv.SpecialPrice,
		LowStockThreshold: threshold,
		IsActive:          true,
	}

	if existing, err := s.variants.FindByAttributes(ctx, nv.ProductID, variant.Attributes); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, apperr.Invalid("attributes", "an active variant with these attributes already exists")
	}

	change, err := s.variants.Create(ctx, variant, repo.MovementMeta{
		Reason:      "initial stock",
		PerformedBy: nv.Actor,
	})
	if err != nil {
		return nil, err
	}
	return change.Variant, nil
}

// DeactivateVariant hides a variant from selection and new reservations
func (s *Service) DeactivateVariant(ctx context.Context, variantID string) error {
	return s.variants.Deactivate(ctx, variantID)
}

func (s *Service) mutate(ctx context.Context, op string, m Mutation, apply func(context.Context) (*repo.StockChange, error)) (*repo.StockChange, error) {
	ctx, span := s.tracer.Start(ctx, "inventory."+op)
	defer span.End()
	span.SetAttributes(
		attribute.String("variant_id", m.VariantID),
		attribute.Int("quantity", m.Quantity),
		attribute.String("reference", m.Reference),
	)
	log := logger.WithTrace(ctx, s.log)

	started := time.Now()
	if err := validateMutation(m); err != nil {
		s.metrics.ObserveStockMutation(op, outcome(err), started)
		return nil, err
	}

	change, err := apply(ctx)
	s.metrics.ObserveStockMutation(op, outcome(err), started)
	if err != nil {
		var insufficient *apperr.InsufficientStockError
		if errors.As(err, &insufficient) {
			log.Info("Insufficient stock",
				zap.String("op", op),
				zap.String("variant_id", m.VariantID),
				zap.Int("requested", m.Quantity),
				zap.Int("available", insufficient.Available))
			if op == "reserve" {
				s.notifier.ReservationFailed(ctx, ReservationFailure{
					VariantID:      m.VariantID,
					Requested:      m.Quantity,
					AvailableStock: insufficient.Available,
					Reference:      m.Reference,
				})
			}
		} else {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, err
	}

	log.Info("Stock mutated",
		zap.String("op", op),
		zap.String("variant_id", m.VariantID),
		zap.Int("quantity", m.Quantity),
		zap.String("reference", m.Reference),
		zap.Int("stock", change.Variant.Stock),
		zap.Int("reserved", change.Variant.Reserved))

	s.checkLowStock(ctx, change.Variant, m.Reference)
	return change, nil
}

func (s *Service) checkLowStock(ctx context.Context, v *db.Variant, reference string) {
	available := v.AvailableStock()
	if available <= 0 || available > v.LowStockThreshold {
		return
	}
	s.metrics.LowStockAlert()
	s.notifier.LowStock(ctx, LowStockAlert{
		VariantID:      v.ID,
		ProductID:      v.ProductID,
		SKU:            v.SKU,
		AvailableStock: available,
		Threshold:      v.LowStockThreshold,
		Reference:      reference,
	})
}

func validateMutation(m Mutation) error {
	if m.VariantID == "" {
		return apperr.Invalid("variant_id", "is required")
	}
	if m.Quantity <= 0 {
		return apperr.Invalid("quantity", "must be positive")
	}
	return nil
}

func meta(m Mutation) repo.MovementMeta {
	return repo.MovementMeta{
		Reference:   m.Reference,
		Reason:      m.Reason,
		PerformedBy: m.Actor,
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case apperr.IsInsufficientStock(err):
		return "insufficient"
	case apperr.IsNotFound(err):
		return "not_found"
	case apperr.IsValidation(err):
		return "invalid"
	default:
		return "error"
	}
}
