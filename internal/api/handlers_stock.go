package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/bookstore/services/commerce/internal/inventory"
	"github.com/go-chi/chi/v5"
)

type checkStockRequest struct {
	ProductID  string            `json:"product_id"`
	VariantID  string            `json:"variant_id,omitempty"`
	Quantity   int               `json:"quantity"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type checkStockResponse struct {
	Available      bool   `json:"available"`
	Reason         string `json:"reason,omitempty"`
	AvailableStock int    `json:"available_stock"`
	Tracked        bool   `json:"tracked"`
	VariantID      string `json:"variant_id,omitempty"`
}

type adjustmentRequest struct {
	Actor string `json:"actor"`
	Items []struct {
		VariantID string `json:"variant_id"`
		NewStock  int    `json:"new_stock"`
		Reason    string `json:"reason"`
	} `json:"items"`
}

type adjustmentResult struct {
	VariantID     string `json:"variant_id"`
	Success       bool   `json:"success"`
	PreviousStock int    `json:"previous_stock"`
	NewStock      int    `json:"new_stock"`
	Error         string `json:"error,omitempty"`
}

type stockStatusResponse struct {
	VariantID         string            `json:"variant_id"`
	ProductID         string            `json:"product_id"`
	SKU               string            `json:"sku"`
	Attributes        map[string]string `json:"attributes"`
	Stock             int               `json:"stock"`
	Reserved          int               `json:"reserved"`
	AvailableStock    int               `json:"available_stock"`
	LowStockThreshold int               `json:"low_stock_threshold"`
	Status            string            `json:"status"`
}

type createVariantRequest struct {
	ProductID         string            `json:"product_id"`
	SKU               string            `json:"sku"`
	Attributes        map[string]string `json:"attributes"`
	InitialStock      int               `json:"initial_stock"`
	PriceAdjustment   float64           `json:"price_adjustment"`
	SpecialPrice      *float64          `json:"special_price,omitempty"`
	LowStockThreshold *int              `json:"low_stock_threshold,omitempty"`
	Actor             string            `json:"actor"`
}

type orderRequest struct {
	Items []inventory.OrderLine `json:"items"`
	Paid  bool                  `json:"paid"`
	Actor string                `json:"actor"`
}

// CheckStock handles POST /v1/stock/check.
func (h *Handler) CheckStock(w http.ResponseWriter, r *http.Request) {
	var req checkStockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	check, err := h.stock.CheckStock(r.Context(), inventory.StockQuery{
		ProductID:  req.ProductID,
		VariantID:  req.VariantID,
		Quantity:   req.Quantity,
		Attributes: req.Attributes,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := checkStockResponse{
		Available:      check.Available,
		Reason:         check.Reason,
		AvailableStock: check.AvailableStock,
		Tracked:        check.Tracked,
	}
	if check.Variant != nil {
		resp.VariantID = check.Variant.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

// BulkAdjust handles POST /v1/stock/adjustments. Items succeed or fail
// independently, so the response is always 200 with per-item results.
func (h *Handler) BulkAdjust(w http.ResponseWriter, r *http.Request) {
	var req adjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	items := make([]inventory.Adjustment, len(req.Items))
	for i, it := range req.Items {
		items[i] = inventory.Adjustment{VariantID: it.VariantID, NewStock: it.NewStock, Reason: it.Reason, Actor: req.Actor}
	}

	results := h.stock.BulkAdjust(r.Context(), items)
	out := make([]adjustmentResult, len(results))
	for i, res := range results {
		out[i] = adjustmentResult{
			VariantID:     res.VariantID,
			Success:       res.Success,
			PreviousStock: res.PreviousStock,
			NewStock:      res.NewStock,
		}
		if res.Err != nil {
			out[i].Error = res.Err.Error()
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

// CreateVariant handles POST /v1/variants.
func (h *Handler) CreateVariant(w http.ResponseWriter, r *http.Request) {
	var req createVariantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	variant, err := h.stock.CreateVariant(r.Context(), inventory.NewVariant{
		ProductID:         req.ProductID,
		SKU:               req.SKU,
		Attributes:        req.Attributes,
		InitialStock:      req.InitialStock,
		PriceAdjustment:   req.PriceAdjustment,
		SpecialPrice:      req.SpecialPrice,
		LowStockThreshold: req.LowStockThreshold,
		Actor:             req.Actor,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, variant)
}

// DeactivateVariant handles DELETE /v1/variants/{id}.
func (h *Handler) DeactivateVariant(w http.ResponseWriter, r *http.Request) {
	if err := h.stock.DeactivateVariant(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetStockStatus handles GET /v1/variants/{id}/stock.
func (h *Handler) GetStockStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.stock.GetStockStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stockStatusResponse{
		VariantID:         status.VariantID,
		ProductID:         status.ProductID,
		SKU:               status.SKU,
		Attributes:        status.Attributes,
		Stock:             status.Stock,
		Reserved:          status.Reserved,
		AvailableStock:    status.AvailableStock,
		LowStockThreshold: status.LowStockThreshold,
		Status:            string(status.Status),
	})
}

// GetStockHistory handles GET /v1/variants/{id}/history?limit=N.
func (h *Handler) GetStockHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(w, "limit must be an integer")
			return
		}
		limit = n
	}

	movements, err := h.stock.GetStockHistory(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"movements": movements})
}

// ReserveOrder handles POST /v1/orders/{id}/reserve.
func (h *Handler) ReserveOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	if err := h.stock.ReserveOrder(r.Context(), chi.URLParam(r, "id"), req.Items, req.Actor); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": chi.URLParam(r, "id"), "reserved": true})
}

// CancelOrder handles POST /v1/orders/{id}/cancel.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	if err := h.stock.CancelOrder(r.Context(), chi.URLParam(r, "id"), req.Items, req.Paid, req.Actor); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": chi.URLParam(r, "id"), "cancelled": true})
}
