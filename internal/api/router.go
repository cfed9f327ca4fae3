// Package api is the JSON surface checkout collaborators use to price carts
// and hold stock.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bookstore/services/commerce/internal/apperr"
	"github.com/bookstore/services/commerce/internal/inventory"
	"github.com/bookstore/services/commerce/internal/pricing"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Handler holds all API handler state.
type Handler struct {
	stock   *inventory.Service
	cart    *pricing.CartPricer
	offers  *pricing.OfferResolver
	coupons *pricing.CouponApplier
	log     *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(stock *inventory.Service, cart *pricing.CartPricer, offers *pricing.OfferResolver, coupons *pricing.CouponApplier, log *zap.Logger) *Handler {
	return &Handler{stock: stock, cart: cart, offers: offers, coupons: coupons, log: log}
}

// Routes mounts the v1 routes.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Post("/stock/check", h.CheckStock)
		r.Post("/stock/adjustments", h.BulkAdjust)
		r.Post("/variants", h.CreateVariant)
		r.Delete("/variants/{id}", h.DeactivateVariant)
		r.Get("/variants/{id}/stock", h.GetStockStatus)
		r.Get("/variants/{id}/history", h.GetStockHistory)

		r.Post("/orders/{id}/reserve", h.ReserveOrder)
		r.Post("/orders/{id}/cancel", h.CancelOrder)

		r.Post("/cart/price", h.PriceCart)
		r.Get("/offers/active", h.ActiveOffers)
		r.Post("/offers/{id}/redeem", h.RedeemOffer)
		r.Delete("/offers/{id}", h.DeactivateOffer)
		r.Post("/coupons/validate", h.ValidateCoupon)
		r.Post("/coupons/redeem", h.RedeemCoupon)
		r.Get("/coupons/available", h.AvailableCoupons)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type           string `json:"type"`
	Message        string `json:"message"`
	Field          string `json:"field,omitempty"`
	Reason         string `json:"reason,omitempty"`
	AvailableStock *int   `json:"available_stock,omitempty"`
}

func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{Type: "validation", Message: message}})
}

// writeError maps the error taxonomy onto HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var (
		validation   *apperr.ValidationError
		notFound     *apperr.NotFoundError
		insufficient *apperr.InsufficientStockError
		ineligible   *apperr.CouponIneligibleError
	)

	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{
			Type: "validation", Message: validation.Error(), Field: validation.Field,
		}})
	case errors.As(err, &notFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: errorDetail{Type: "not_found", Message: notFound.Error()}})
	case errors.As(err, &insufficient):
		available := insufficient.Available
		writeJSON(w, http.StatusConflict, errorBody{Error: errorDetail{
			Type: "insufficient_stock", Message: insufficient.Error(), AvailableStock: &available,
		}})
	case errors.As(err, &ineligible):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: errorDetail{
			Type: "coupon_ineligible", Message: ineligible.Error(), Reason: string(ineligible.Reason),
		}})
	default:
		h.log.Error("Request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: errorDetail{Type: "internal", Message: "internal error"}})
	}
}
