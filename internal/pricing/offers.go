// Package pricing resolves promotional prices: the best catalog offer per
// line, cart-level coupons, and the cart total that composes them.
package pricing

import (
	"context"
	"sort"
	"time"

	"github.com/bookstore/services/commerce/internal/apperr"
	"github.com/bookstore/services/commerce/internal/db"
	"github.com/bookstore/services/commerce/internal/metrics"
	"github.com/bookstore/services/commerce/pkg/money"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	tracerName = "github.com/bookstore/services/commerce/internal/pricing"

	// festivalPriorityBoost makes a festival offer win every tie on discount
	festivalPriorityBoost = db.MaxOfferPriority + 1

	offerLoadTimeout = 5 * time.Second
)

// OfferStore is the offer persistence the resolver needs
type OfferStore interface {
	ListLive(ctx context.Context, now time.Time, scope *db.OfferScope) ([]db.Offer, error)
	IncrementUsage(ctx context.Context, id string) (bool, error)
	Deactivate(ctx context.Context, id string) error
}

// OfferResult is the best promotional price of one product line
type OfferResult struct {
	UnitPrice          float64
	OriginalPrice      float64
	FinalPrice         float64
	Discount           float64
	DiscountPercentage int
	HasOffer           bool
	Offer              *db.Offer
	IsPercentageOffer  bool
	IsFestivalOffer    bool
	FestivalName       string
}

// OfferResolver picks the single best live offer for a product line
type OfferResolver struct {
	offers  OfferStore
	metrics *metrics.Metrics
	log     *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
	group   singleflight.Group
}

// NewOfferResolver creates an offer resolver. m may be nil.
func NewOfferResolver(offers OfferStore, m *metrics.Metrics, log *zap.Logger) *OfferResolver {
	return &OfferResolver{
		offers:  offers,
		metrics: m,
		log:     log,
		tracer:  otel.Tracer(tracerName),
		now:     time.Now,
	}
}

// WithClock replaces the resolver's time source
func (r *OfferResolver) WithClock(now func() time.Time) *OfferResolver {
	r.now = now
	return r
}

// UnitPrice is the price of one unit: a positive special price on the
// variant wins outright; otherwise the first positive of base, legacy and
// legacy size price, plus the variant's adjustment.
func UnitPrice(product *db.Product, variant *db.Variant) float64 {
	if variant != nil && variant.SpecialPrice != nil && *variant.SpecialPrice > 0 {
		return money.Round2(*variant.SpecialPrice)
	}

	base := 0.0
	for _, p := range []*float64{product.BasePrice, product.LegacyPrice, product.LegacySizePrice} {
		if p != nil && *p > 0 {
			base = *p
			break
		}
	}
	if variant != nil {
		base += variant.PriceAdjustment
	}
	return money.Round2(base)
}

// CalculateBestOffer returns the price of quantity units of product (or of
// variant when given) after the best applicable offer.
func (r *OfferResolver) CalculateBestOffer(ctx context.Context, product *db.Product, quantity int, userID string, variant *db.Variant) (*OfferResult, error) {
	ctx, span := r.tracer.Start(ctx, "pricing.CalculateBestOffer")
	defer span.End()

	if product == nil {
		return nil, apperr.Invalid("product", "is required")
	}
	if quantity <= 0 {
		return nil, apperr.Invalid("quantity", "must be positive")
	}
	span.SetAttributes(attribute.String("product_id", product.ID), attribute.Int("quantity", quantity))

	unit := UnitPrice(product, variant)
	totalBase := money.Mul(unit, quantity)
	if totalBase <= 0 {
		r.metrics.OfferResolved("none")
		return &OfferResult{UnitPrice: unit}, nil
	}

	now := r.now().UTC()
	live, err := r.liveOffers(ctx, now)
	if err != nil {
		return nil, err
	}

	type candidate struct {
		offer    *db.Offer
		discount float64
		priority int
	}
	var candidates []candidate
	for i := range live {
		offer := &live[i]
		if !offer.IsLiveAt(now) || !appliesTo(offer, product) {
			continue
		}
		discount := computeDiscount(offer.DiscountType, offer.DiscountValue, offer.MaxDiscountAmount, offer.MinOrderValue, totalBase)
		if discount <= 0 {
			continue
		}
		priority := offer.Priority
		if offer.Scope == db.ScopeFestival {
			priority += festivalPriorityBoost
		}
		candidates = append(candidates, candidate{offer: offer, discount: discount, priority: priority})
	}

	if len(candidates) == 0 {
		r.metrics.OfferResolved("none")
		return &OfferResult{
			UnitPrice:     unit,
			OriginalPrice: totalBase,
			FinalPrice:    totalBase,
		}, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.discount != b.discount {
			return a.discount > b.discount
		}
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		return a.offer.ID < b.offer.ID
	})
	best := candidates[0]

	result := &OfferResult{
		UnitPrice:          unit,
		OriginalPrice:      totalBase,
		FinalPrice:         money.Sub(totalBase, best.discount),
		Discount:           best.discount,
		DiscountPercentage: money.Percent(best.discount, totalBase),
		HasOffer:           true,
		Offer:              best.offer,
		IsPercentageOffer:  best.offer.DiscountType == db.DiscountPercentage,
		IsFestivalOffer:    best.offer.Scope == db.ScopeFestival,
	}
	if best.offer.FestivalName != nil {
		result.FestivalName = *best.offer.FestivalName
	}

	r.metrics.OfferResolved("applied")
	span.SetAttributes(attribute.String("offer_id", best.offer.ID), attribute.Float64("discount", best.discount))
	r.log.Debug("Best offer resolved",
		zap.String("product_id", product.ID),
		zap.String("user_id", userID),
		zap.String("offer_id", best.offer.ID),
		zap.Float64("discount", best.discount),
		zap.Int("candidates", len(candidates)))
	return result, nil
}

// GetActiveOffers lists live offers, optionally of one scope. It backs
// optional UI and returns an empty list when the store fails.
func (r *OfferResolver) GetActiveOffers(ctx context.Context, scope *db.OfferScope) []db.Offer {
	now := r.now().UTC()
	offers, err := r.offers.ListLive(ctx, now, scope)
	if err != nil {
		r.log.Warn("Active offers unavailable", zap.Error(err))
		return []db.Offer{}
	}

	live := make([]db.Offer, 0, len(offers))
	for _, o := range offers {
		if o.IsLiveAt(now) {
			live = append(live, o)
		}
	}
	return live
}

// RecordOfferUsage counts one use of an offer. It reports false when the
// offer's usage limit is already reached.
func (r *OfferResolver) RecordOfferUsage(ctx context.Context, offerID string) (bool, error) {
	if offerID == "" {
		return false, apperr.Invalid("offer_id", "is required")
	}
	counted, err := r.offers.IncrementUsage(ctx, offerID)
	if err != nil {
		return false, err
	}
	if !counted {
		r.log.Info("Offer usage limit reached", zap.String("offer_id", offerID))
	}
	return counted, nil
}

// DeactivateOffer switches an offer off; it stops competing from the next
// load of live offers.
func (r *OfferResolver) DeactivateOffer(ctx context.Context, offerID string) error {
	if offerID == "" {
		return apperr.Invalid("offer_id", "is required")
	}
	if err := r.offers.Deactivate(ctx, offerID); err != nil {
		return err
	}
	r.log.Info("Offer deactivated", zap.String("offer_id", offerID))
	return nil
}

// liveOffers coalesces concurrent loads, which happen once per line when a
// cart is priced. The shared load runs detached from any single caller so one
// cancelled request cannot fail the others waiting on it; each caller still
// stops waiting when its own ctx ends.
func (r *OfferResolver) liveOffers(ctx context.Context, now time.Time) ([]db.Offer, error) {
	ch := r.group.DoChan("live-offers", func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), offerLoadTimeout)
		defer cancel()
		return r.offers.ListLive(loadCtx, now, nil)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]db.Offer), nil
	}
}

// appliesTo reports whether an offer covers a product. Festival offers and
// offers without any restriction are store-wide.
func appliesTo(offer *db.Offer, product *db.Product) bool {
	if offer.Scope == db.ScopeFestival || offer.IsStoreWide() {
		return true
	}
	switch offer.Scope {
	case db.ScopeProduct:
		return offer.ProductIDs.Contains(product.ID)
	case db.ScopeCategory:
		return offer.CategoryIDs.Contains(product.CategoryID)
	case db.ScopeBrand:
		return offer.BrandIDs.Contains(product.BrandID)
	}
	return false
}

// computeDiscount applies the shared discount rule: a percentage of base
// capped by maxDiscount, or a flat amount; nothing below the minimum order
// value; never more than base.
func computeDiscount(typ db.DiscountType, value float64, maxDiscount *float64, minOrderValue, base float64) float64 {
	if base <= 0 || value <= 0 || base < minOrderValue {
		return 0
	}

	var discount float64
	switch typ {
	case db.DiscountPercentage:
		discount = base * value / 100
		if maxDiscount != nil && *maxDiscount > 0 && discount > *maxDiscount {
			discount = *maxDiscount
		}
	case db.DiscountFixedAmount:
		discount = value
	default:
		return 0
	}

	if discount > base {
		discount = base
	}
	return money.Round2(discount)
}
