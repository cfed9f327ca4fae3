package pricing

import (
	"context"
	"fmt"

	"github.com/bookstore/services/commerce/internal/apperr"
	"github.com/bookstore/services/commerce/internal/db"
	"github.com/bookstore/services/commerce/pkg/logger"
	"github.com/bookstore/services/commerce/pkg/money"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 8

// ProductCatalog supplies product prices, category, brand and deletion state
type ProductCatalog interface {
	GetProduct(ctx context.Context, id string) (*db.Product, error)
}

// VariantLookup supplies the variant of a cart line
type VariantLookup interface {
	Get(ctx context.Context, id string) (*db.Variant, error)
}

// CartItem is one line of a cart as the caller sends it
type CartItem struct {
	ProductID string
	VariantID string
	Quantity  int
}

// CartLine is a priced cart item
type CartLine struct {
	Item    CartItem
	Product *db.Product
	Variant *db.Variant
	Price   *OfferResult
}

// CartTotal is the full price breakdown of a cart. CouponError is set when
// a coupon was given but could not be applied; the total is still valid.
type CartTotal struct {
	Lines          []CartLine
	Subtotal       float64
	OfferDiscount  float64
	AfterOffers    float64
	Coupon         *CouponResult
	CouponDiscount float64
	CouponError    error
	FinalTotal     float64
}

// CartPricer composes per-line offers and one coupon into a cart total
type CartPricer struct {
	catalog     ProductCatalog
	variants    VariantLookup
	offers      *OfferResolver
	coupons     *CouponApplier
	log         *zap.Logger
	concurrency int
}

// NewCartPricer creates a cart pricer. Lines are priced with at most
// concurrency lookups in flight.
func NewCartPricer(catalog ProductCatalog, variants VariantLookup, offers *OfferResolver, coupons *CouponApplier, log *zap.Logger, concurrency int) *CartPricer {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &CartPricer{
		catalog:     catalog,
		variants:    variants,
		offers:      offers,
		coupons:     coupons,
		log:         log,
		concurrency: concurrency,
	}
}

// CalculateCartTotal prices every item, then applies couponCode (if any) to
// the total after offers.
func (p *CartPricer) CalculateCartTotal(ctx context.Context, items []CartItem, couponCode, userID string) (*CartTotal, error) {
	ctx, span := p.offers.tracer.Start(ctx, "pricing.CalculateCartTotal")
	defer span.End()
	span.SetAttributes(attribute.Int("items", len(items)))

	for i, item := range items {
		if item.ProductID == "" {
			return nil, apperr.Invalid(fmt.Sprintf("items[%d].product_id", i), "is required")
		}
		if item.Quantity <= 0 {
			return nil, apperr.Invalid(fmt.Sprintf("items[%d].quantity", i), "must be positive")
		}
	}

	lines := make([]CartLine, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			line, err := p.priceLine(gctx, item, userID)
			if err != nil {
				return err
			}
			lines[i] = *line
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := &CartTotal{Lines: lines}
	for _, line := range lines {
		total.Subtotal = money.Add(total.Subtotal, line.Price.OriginalPrice)
		total.OfferDiscount = money.Add(total.OfferDiscount, line.Price.Discount)
	}
	total.AfterOffers = money.Sub(total.Subtotal, total.OfferDiscount)
	total.FinalTotal = total.AfterOffers

	if db.NormalizeCode(couponCode) != "" {
		couponLines := make([]CouponLine, len(lines))
		for i, line := range lines {
			couponLines[i] = CouponLine{ProductID: line.Product.ID, CategoryID: line.Product.CategoryID}
		}

		applied, err := p.coupons.ApplyCoupon(ctx, couponCode, total.AfterOffers, userID, couponLines)
		if err != nil {
			logger.WithTrace(ctx, p.log).Info("Coupon not applied to cart",
				zap.String("code", db.NormalizeCode(couponCode)),
				zap.String("user_id", userID),
				zap.Error(err))
			total.CouponError = err
		} else {
			total.Coupon = applied
			total.CouponDiscount = applied.Discount
		}
	}

	total.FinalTotal = money.Sub(total.AfterOffers, total.CouponDiscount)
	if total.FinalTotal < 0 {
		total.FinalTotal = 0
	}
	return total, nil
}

func (p *CartPricer) priceLine(ctx context.Context, item CartItem, userID string) (*CartLine, error) {
	product, err := p.catalog.GetProduct(ctx, item.ProductID)
	if err != nil {
		return nil, err
	}

	var variant *db.Variant
	if item.VariantID != "" {
		variant, err = p.variants.Get(ctx, item.VariantID)
		if err != nil {
			return nil, err
		}
		if variant.ProductID != product.ID {
			return nil, apperr.Invalid("variant_id", fmt.Sprintf("variant %s does not belong to product %s", variant.ID, product.ID))
		}
		if !variant.IsActive {
			return nil, apperr.Invalid("variant_id", fmt.Sprintf("variant %s is inactive", variant.ID))
		}
	}

	price, err := p.offers.CalculateBestOffer(ctx, product, item.Quantity, userID, variant)
	if err != nil {
		return nil, err
	}

	return &CartLine{Item: item, Product: product, Variant: variant, Price: price}, nil
}
