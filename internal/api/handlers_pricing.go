package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/bookstore/services/commerce/internal/db"
	"github.com/bookstore/services/commerce/internal/pricing"
	"github.com/go-chi/chi/v5"
)

type priceCartRequest struct {
	UserID     string `json:"user_id"`
	CouponCode string `json:"coupon_code,omitempty"`
	Items      []struct {
		ProductID string `json:"product_id"`
		VariantID string `json:"variant_id,omitempty"`
		Quantity  int    `json:"quantity"`
	} `json:"items"`
}

type priceLine struct {
	ProductID          string  `json:"product_id"`
	VariantID          string  `json:"variant_id,omitempty"`
	Quantity           int     `json:"quantity"`
	UnitPrice          float64 `json:"unit_price"`
	OriginalPrice      float64 `json:"original_price"`
	FinalPrice         float64 `json:"final_price"`
	Discount           float64 `json:"discount"`
	DiscountPercentage int     `json:"discount_percentage"`
	OfferID            string  `json:"offer_id,omitempty"`
	FestivalName       string  `json:"festival_name,omitempty"`
}

type priceCartResponse struct {
	Lines          []priceLine `json:"lines"`
	Subtotal       float64     `json:"subtotal"`
	OfferDiscount  float64     `json:"offer_discount"`
	AfterOffers    float64     `json:"after_offers"`
	CouponCode     string      `json:"coupon_code,omitempty"`
	CouponDiscount float64     `json:"coupon_discount"`
	CouponError    string      `json:"coupon_error,omitempty"`
	FinalTotal     float64     `json:"final_total"`
}

type validateCouponRequest struct {
	Code       string  `json:"code"`
	UserID     string  `json:"user_id"`
	OrderValue float64 `json:"order_value"`
	Lines      []struct {
		ProductID  string `json:"product_id"`
		CategoryID string `json:"category_id"`
	} `json:"lines"`
}

type redeemCouponRequest struct {
	CouponID   string  `json:"coupon_id"`
	UserID     string  `json:"user_id"`
	OrderID    string  `json:"order_id"`
	Discount   float64 `json:"discount"`
	OrderValue float64 `json:"order_value"`
}

// PriceCart handles POST /v1/cart/price.
func (h *Handler) PriceCart(w http.ResponseWriter, r *http.Request) {
	var req priceCartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	items := make([]pricing.CartItem, len(req.Items))
	for i, it := range req.Items {
		items[i] = pricing.CartItem{ProductID: it.ProductID, VariantID: it.VariantID, Quantity: it.Quantity}
	}

	total, err := h.cart.CalculateCartTotal(r.Context(), items, req.CouponCode, req.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := priceCartResponse{
		Lines:          make([]priceLine, len(total.Lines)),
		Subtotal:       total.Subtotal,
		OfferDiscount:  total.OfferDiscount,
		AfterOffers:    total.AfterOffers,
		CouponDiscount: total.CouponDiscount,
		FinalTotal:     total.FinalTotal,
	}
	for i, line := range total.Lines {
		pl := priceLine{
			ProductID:          line.Item.ProductID,
			VariantID:          line.Item.VariantID,
			Quantity:           line.Item.Quantity,
			UnitPrice:          line.Price.UnitPrice,
			OriginalPrice:      line.Price.OriginalPrice,
			FinalPrice:         line.Price.FinalPrice,
			Discount:           line.Price.Discount,
			DiscountPercentage: line.Price.DiscountPercentage,
			FestivalName:       line.Price.FestivalName,
		}
		if line.Price.Offer != nil {
			pl.OfferID = line.Price.Offer.ID
		}
		resp.Lines[i] = pl
	}
	if total.Coupon != nil {
		resp.CouponCode = total.Coupon.Code
	}
	if total.CouponError != nil {
		resp.CouponError = total.CouponError.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ActiveOffers handles GET /v1/offers/active?scope=FESTIVAL.
func (h *Handler) ActiveOffers(w http.ResponseWriter, r *http.Request) {
	var scope *db.OfferScope
	if raw := r.URL.Query().Get("scope"); raw != "" {
		s := db.OfferScope(raw)
		scope = &s
	}
	writeJSON(w, http.StatusOK, map[string]any{"offers": h.offers.GetActiveOffers(r.Context(), scope)})
}

// ValidateCoupon handles POST /v1/coupons/validate. Nothing is redeemed.
func (h *Handler) ValidateCoupon(w http.ResponseWriter, r *http.Request) {
	var req validateCouponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	lines := make([]pricing.CouponLine, len(req.Lines))
	for i, l := range req.Lines {
		lines[i] = pricing.CouponLine{ProductID: l.ProductID, CategoryID: l.CategoryID}
	}

	result, err := h.coupons.ApplyCoupon(r.Context(), req.Code, req.OrderValue, req.UserID, lines)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"code":                result.Code,
		"order_value":         result.OrderValue,
		"discount":            result.Discount,
		"final_amount":        result.FinalAmount,
		"discount_percentage": result.DiscountPercentage,
	})
}

// RedeemCoupon handles POST /v1/coupons/redeem. Repeating a redemption for
// the same order reports recorded=false.
func (h *Handler) RedeemCoupon(w http.ResponseWriter, r *http.Request) {
	var req redeemCouponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	recorded, err := h.coupons.RecordCouponUsage(r.Context(), req.CouponID, req.UserID, req.OrderID, req.Discount, req.OrderValue)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recorded": recorded})
}

// RedeemOffer handles POST /v1/offers/{id}/redeem.
func (h *Handler) RedeemOffer(w http.ResponseWriter, r *http.Request) {
	counted, err := h.offers.RecordOfferUsage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counted": counted})
}

// DeactivateOffer handles DELETE /v1/offers/{id}.
func (h *Handler) DeactivateOffer(w http.ResponseWriter, r *http.Request) {
	if err := h.offers.DeactivateOffer(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AvailableCoupons handles GET /v1/coupons/available?user_id=U&order_value=V.
func (h *Handler) AvailableCoupons(w http.ResponseWriter, r *http.Request) {
	orderValue, err := strconv.ParseFloat(r.URL.Query().Get("order_value"), 64)
	if err != nil {
		badRequest(w, "order_value must be a number")
		return
	}

	available := h.coupons.GetAvailableCoupons(r.Context(), r.URL.Query().Get("user_id"), orderValue)
	out := make([]map[string]any, len(available))
	for i, a := range available {
		out[i] = map[string]any{"coupon": a.Coupon, "discount": a.Discount}
	}
	writeJSON(w, http.StatusOK, map[string]any{"coupons": out})
}
