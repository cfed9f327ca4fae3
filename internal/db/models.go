package db

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrLedgerImmutable is returned by any attempt to rewrite stock history.
var ErrLedgerImmutable = errors.New("inventory movements are append-only")

// Attribute is one canonical key/value pair of a variant, e.g. SIZE=M.
type Attribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Attributes is a canonical set: keys and values uppercased and trimmed,
// sorted by key, one entry per key.
type Attributes []Attribute

// CanonicalAttributes builds the canonical form of a free-form attribute bag.
// Empty keys are dropped. When two raw keys collapse onto the same canonical
// key the lexicographically smaller value wins, so the result never depends
// on map iteration order.
func CanonicalAttributes(raw map[string]string) Attributes {
	attrs := make(Attributes, 0, len(raw))
	for k, v := range raw {
		key := strings.ToUpper(strings.TrimSpace(k))
		if key == "" {
			continue
		}
		attrs = append(attrs, Attribute{Key: key, Value: strings.ToUpper(strings.TrimSpace(v))})
	}
	sort.Slice(attrs, func(i, j int) bool {
		if attrs[i].Key != attrs[j].Key {
			return attrs[i].Key < attrs[j].Key
		}
		return attrs[i].Value < attrs[j].Value
	})

	out := attrs[:0]
	for i, a := range attrs {
		if i > 0 && a.Key == attrs[i-1].Key {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Key renders the set as "K1=V1;K2=V2", the exact-match lookup key.
func (a Attributes) Key() string {
	parts := make([]string, len(a))
	for i, attr := range a {
		parts[i] = attr.Key + "=" + attr.Value
	}
	return strings.Join(parts, ";")
}

// Map returns the set as a plain map.
func (a Attributes) Map() map[string]string {
	m := make(map[string]string, len(a))
	for _, attr := range a {
		m[attr.Key] = attr.Value
	}
	return m
}

// StringSet is a JSON-persisted list of ids. Empty means unrestricted.
type StringSet []string

// Contains reports whether id is a member.
func (s StringSet) Contains(id string) bool {
	if id == "" {
		return false
	}
	for _, v := range s {
		if v == id {
			return true
		}
	}
	return false
}

// Product is the read model of the external product catalog
type Product struct {
	ID              string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Name            string    `gorm:"type:varchar(255);not null" json:"name"`
	BasePrice       *float64  `json:"base_price,omitempty"`
	LegacyPrice     *float64  `json:"legacy_price,omitempty"`      // Pre-migration flat price
	LegacySizePrice *float64  `json:"legacy_size_price,omitempty"` // Pre-migration embedded size price
	CategoryID      string    `gorm:"type:varchar(64);index:idx_products_category" json:"category_id,omitempty"`
	BrandID         string    `gorm:"type:varchar(64);index:idx_products_brand" json:"brand_id,omitempty"`
	IsDeleted       bool      `gorm:"not null;index:idx_products_deleted" json:"is_deleted"`
	CreatedAt       time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time `gorm:"not null" json:"updated_at"`
}

// TableName specifies the table name for Product model
func (Product) TableName() string {
	return "products"
}

// Variant is one purchasable attribute combination with its own stock pool.
// Stock and Reserved are only ever changed by guarded updates in the
// variant repository.
type Variant struct {
	ID                string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	ProductID         string     `gorm:"type:varchar(64);not null;index:idx_variants_product" json:"product_id"`
	SKU               string     `gorm:"column:sku;type:varchar(64);not null;uniqueIndex:idx_variants_sku" json:"sku"`
	Attributes        Attributes `gorm:"serializer:json;type:text" json:"attributes"`
	AttributeKey      string     `gorm:"type:varchar(512);not null" json:"-"`
	Stock             int        `gorm:"not null;check:chk_variants_stock,stock >= 0" json:"stock"`
	Reserved          int        `gorm:"not null;check:chk_variants_reserved,reserved >= 0 AND reserved <= stock" json:"reserved"`
	PriceAdjustment   float64    `gorm:"not null" json:"price_adjustment"`
	SpecialPrice      *float64   `json:"special_price,omitempty"`
	LowStockThreshold int        `gorm:"not null" json:"low_stock_threshold"`
	IsActive          bool       `gorm:"not null" json:"is_active"`
	Version           int64      `gorm:"not null" json:"version"`
	CreatedAt         time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"not null" json:"updated_at"`
}

// TableName specifies the table name for Variant model
func (Variant) TableName() string {
	return "variants"
}

// AvailableStock is what can be reserved right now.
func (v *Variant) AvailableStock() int {
	return v.Stock - v.Reserved
}

// BeforeCreate assigns an id and canonicalizes the attribute key
func (v *Variant) BeforeCreate(tx *gorm.DB) error {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	v.AttributeKey = v.Attributes.Key()
	if v.Version == 0 {
		v.Version = 1
	}
	return nil
}

// MovementType classifies a ledger entry.
type MovementType string

const (
	MovementInitialStock MovementType = "INITIAL_STOCK"
	MovementPurchase     MovementType = "PURCHASE"
	MovementSale         MovementType = "SALE"
	MovementReturn       MovementType = "RETURN"
	MovementAdjustment   MovementType = "ADJUSTMENT"
	MovementDamage       MovementType = "DAMAGE"
	MovementTransfer     MovementType = "TRANSFER"
	MovementReservation  MovementType = "RESERVATION"
	MovementRelease      MovementType = "RELEASE"
)

// InventoryMovement is one immutable ledger entry. Quantity is signed:
// negative for stock leaving availability (RESERVATION, SALE), positive for
// stock coming back. Both counters are recorded before and after.
type InventoryMovement struct {
	ID               uint64       `gorm:"primaryKey;autoIncrement" json:"id"`
	VariantID        string       `gorm:"type:varchar(36);not null;index:idx_movements_variant" json:"variant_id"`
	Type             MovementType `gorm:"type:varchar(20);not null;index:idx_movements_type" json:"type"`
	Quantity         int          `gorm:"not null" json:"quantity"`
	PreviousStock    int          `gorm:"not null" json:"previous_stock"`
	NewStock         int          `gorm:"not null" json:"new_stock"`
	PreviousReserved int          `gorm:"not null" json:"previous_reserved"`
	NewReserved      int          `gorm:"not null" json:"new_reserved"`
	Reference        string       `gorm:"type:varchar(128);index:idx_movements_reference" json:"reference,omitempty"`
	Reason           string       `gorm:"type:text" json:"reason,omitempty"`
	PerformedBy      string       `gorm:"type:varchar(64)" json:"performed_by,omitempty"`
	CreatedAt        time.Time    `gorm:"not null" json:"created_at"`
}

// TableName specifies the table name for InventoryMovement model
func (InventoryMovement) TableName() string {
	return "inventory_movements"
}

func (m *InventoryMovement) BeforeUpdate(tx *gorm.DB) error {
	return ErrLedgerImmutable
}

func (m *InventoryMovement) BeforeDelete(tx *gorm.DB) error {
	return ErrLedgerImmutable
}

// OfferScope says which catalog dimension an offer targets.
type OfferScope string

const (
	ScopeProduct  OfferScope = "PRODUCT"
	ScopeCategory OfferScope = "CATEGORY"
	ScopeBrand    OfferScope = "BRAND"
	ScopeFestival OfferScope = "FESTIVAL"
)

// DiscountType is shared by offers and coupons.
type DiscountType string

const (
	DiscountPercentage  DiscountType = "PERCENTAGE"
	DiscountFixedAmount DiscountType = "FIXED_AMOUNT"
)

// MaxOfferPriority bounds Offer.Priority. Festival offers rank above every
// plain offer, so plain priorities stay in [0, MaxOfferPriority].
const MaxOfferPriority = 999

// Offer is a catalog-scoped promotional discount rule
type Offer struct {
	ID                string       `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Name              string       `gorm:"type:varchar(255);not null" json:"name"`
	FestivalName      *string      `gorm:"type:varchar(255)" json:"festival_name,omitempty"`
	Scope             OfferScope   `gorm:"type:varchar(16);not null;index:idx_offers_scope" json:"scope"`
	DiscountType      DiscountType `gorm:"type:varchar(16);not null" json:"discount_type"`
	DiscountValue     float64      `gorm:"not null" json:"discount_value"`
	MaxDiscountAmount *float64     `json:"max_discount_amount,omitempty"`
	MinOrderValue     float64      `gorm:"not null" json:"min_order_value"`
	ProductIDs        StringSet    `gorm:"serializer:json;type:text" json:"product_ids"`
	CategoryIDs       StringSet    `gorm:"serializer:json;type:text" json:"category_ids"`
	BrandIDs          StringSet    `gorm:"serializer:json;type:text" json:"brand_ids"`
	StartDate         time.Time    `gorm:"not null" json:"start_date"`
	EndDate           time.Time    `gorm:"not null" json:"end_date"`
	UsageLimit        *int         `json:"usage_limit,omitempty"`
	UsedCount         int          `gorm:"not null" json:"used_count"`
	Priority          int          `gorm:"not null" json:"priority"`
	IsActive          bool         `gorm:"not null;index:idx_offers_active" json:"is_active"`
	CreatedAt         time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time    `gorm:"not null" json:"updated_at"`
}

// TableName specifies the table name for Offer model
func (Offer) TableName() string {
	return "offers"
}

// BeforeCreate assigns an id and stores the window in UTC
func (o *Offer) BeforeCreate(tx *gorm.DB) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	o.StartDate = o.StartDate.UTC()
	o.EndDate = o.EndDate.UTC()
	return nil
}

// IsStoreWide reports whether the offer declares no restriction at all.
func (o *Offer) IsStoreWide() bool {
	return len(o.ProductIDs) == 0 && len(o.CategoryIDs) == 0 && len(o.BrandIDs) == 0
}

// IsLiveAt reports activity, validity window and remaining usage at t.
func (o *Offer) IsLiveAt(t time.Time) bool {
	if !o.IsActive || t.Before(o.StartDate) || t.After(o.EndDate) {
		return false
	}
	return o.UsageLimit == nil || o.UsedCount < *o.UsageLimit
}

// Coupon is a user-entered code granting a cart-level discount
type Coupon struct {
	ID                   string       `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Code                 string       `gorm:"type:varchar(64);not null;uniqueIndex:idx_coupons_code" json:"code"`
	DiscountType         DiscountType `gorm:"type:varchar(16);not null" json:"discount_type"`
	DiscountValue        float64      `gorm:"not null" json:"discount_value"`
	MaxDiscountAmount    *float64     `json:"max_discount_amount,omitempty"`
	MinOrderValue        float64      `gorm:"not null" json:"min_order_value"`
	StartDate            time.Time    `gorm:"not null" json:"start_date"`
	EndDate              time.Time    `gorm:"not null" json:"end_date"`
	UsageLimit           *int         `json:"usage_limit,omitempty"`
	UsagePerUser         *int         `json:"usage_per_user,omitempty"`
	UsedCount            int          `gorm:"not null" json:"used_count"`
	ApplicableUsers      StringSet    `gorm:"serializer:json;type:text" json:"applicable_users"`
	ApplicableProducts   StringSet    `gorm:"serializer:json;type:text" json:"applicable_products"`
	ApplicableCategories StringSet    `gorm:"serializer:json;type:text" json:"applicable_categories"`
	IsActive             bool         `gorm:"not null;index:idx_coupons_active" json:"is_active"`
	CreatedAt            time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt            time.Time    `gorm:"not null" json:"updated_at"`
}

// TableName specifies the table name for Coupon model
func (Coupon) TableName() string {
	return "coupons"
}

// BeforeCreate assigns an id, uppercases the code and stores the window in UTC
func (c *Coupon) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.Code = NormalizeCode(c.Code)
	c.StartDate = c.StartDate.UTC()
	c.EndDate = c.EndDate.UTC()
	return nil
}

// NormalizeCode is the canonical form coupon codes are stored and looked up in.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// CouponUsage records one redemption. The (coupon, user, order) triple is
// unique so a retried redemption cannot be counted twice.
type CouponUsage struct {
	ID             string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	CouponID       string    `gorm:"type:varchar(36);not null;uniqueIndex:idx_coupon_usages_redemption,priority:1" json:"coupon_id"`
	UserID         string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_coupon_usages_redemption,priority:2" json:"user_id"`
	OrderID        string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_coupon_usages_redemption,priority:3" json:"order_id"`
	DiscountAmount float64   `gorm:"not null" json:"discount_amount"`
	OrderValue     float64   `gorm:"not null" json:"order_value"`
	CreatedAt      time.Time `gorm:"not null" json:"created_at"`
}

// TableName specifies the table name for CouponUsage model
func (CouponUsage) TableName() string {
	return "coupon_usages"
}

// BeforeCreate assigns an id
func (u *CouponUsage) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return nil
}
