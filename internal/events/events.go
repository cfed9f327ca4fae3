package events

import (
	"context"
	"time"

	"github.com/bookstore/services/commerce/internal/inventory"
	"github.com/google/uuid"
)

const (
	ExchangeName = "bookstore.events"
	ExchangeType = "topic"

	// Published
	EventTypeLowStock          = "inventory.low_stock"
	EventTypeReservationFailed = "inventory.reservation_failed"

	// Consumed
	EventTypeOrderCancelled  = "order.cancelled"
	EventTypeOrderAbandoned  = "order.abandoned"
	EventTypePaymentCaptured = "payment.captured"
	EventTypeCatalogCreated  = "catalog.created"
	EventTypeCatalogUpdated  = "catalog.updated"
	EventTypeCatalogDeleted  = "catalog.deleted"

	eventVersion = "1.0.0"
)

type ctxKey string

const correlationIDKey ctxKey = "correlation_id"

// WithCorrelationID attaches a correlation id that published events carry
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationID returns the correlation id carried by ctx, if any
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// Event represents a domain event
type Event struct {
	EventID       string                 `json:"event_id"`
	EventType     string                 `json:"event_type"`
	EventVersion  string                 `json:"event_version"`
	Timestamp     string                 `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Payload       map[string]interface{} `json:"payload"`
}

func newEvent(ctx context.Context, eventType string, payload map[string]interface{}) Event {
	return Event{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		EventVersion:  eventVersion,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		CorrelationID: CorrelationID(ctx),
		Payload:       payload,
	}
}

func lowStockEvent(ctx context.Context, alert inventory.LowStockAlert) Event {
	return newEvent(ctx, EventTypeLowStock, map[string]interface{}{
		"variant_id":      alert.VariantID,
		"product_id":      alert.ProductID,
		"sku":             alert.SKU,
		"available_stock": alert.AvailableStock,
		"threshold":       alert.Threshold,
		"reference":       alert.Reference,
	})
}

func reservationFailedEvent(ctx context.Context, failure inventory.ReservationFailure) Event {
	return newEvent(ctx, EventTypeReservationFailed, map[string]interface{}{
		"variant_id":      failure.VariantID,
		"requested":       failure.Requested,
		"available_stock": failure.AvailableStock,
		"reference":       failure.Reference,
	})
}

// OrderEvent is the envelope of every consumed order/payment event
type OrderEvent struct {
	EventID       string       `json:"event_id"`
	EventType     string       `json:"event_type"`
	EventVersion  string       `json:"event_version"`
	Timestamp     string       `json:"timestamp"`
	CorrelationID string       `json:"correlation_id,omitempty"`
	Payload       OrderPayload `json:"payload"`
}

// OrderPayload carries the order lines to act on. Paid is only meaningful
// on order.cancelled.
type OrderPayload struct {
	OrderID string                `json:"order_id"`
	UserID  string                `json:"user_id,omitempty"`
	Paid    bool                  `json:"paid"`
	Reason  string                `json:"reason,omitempty"`
	Items   []inventory.OrderLine `json:"items"`
}

// CatalogEvent is published by the catalog service when a product changes.
// Price is in cents.
type CatalogEvent struct {
	EventID       string         `json:"event_id"`
	EventType     string         `json:"event_type"`
	EventVersion  string         `json:"event_version"`
	Timestamp     string         `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Payload       CatalogPayload `json:"payload"`
}

// CatalogPayload identifies the product by its SKU
type CatalogPayload struct {
	SKU      string `json:"sku"`
	Title    string `json:"title"`
	Price    int64  `json:"price"`
	Currency string `json:"currency"`
	Category string `json:"category"`
	Brand    string `json:"brand,omitempty"`
	Active   bool   `json:"active"`
}
