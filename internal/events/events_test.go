package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/bookstore/services/commerce/internal/inventory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLowStockEvent(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "corr-42")
	event := lowStockEvent(ctx, inventory.LowStockAlert{
		VariantID:      "v1",
		ProductID:      "p1",
		SKU:            "TEE-M",
		AvailableStock: 2,
		Threshold:      5,
		Reference:      "order-7",
	})

	assert.NotEmpty(t, event.EventID)
	assert.Equal(t, EventTypeLowStock, event.EventType)
	assert.Equal(t, "1.0.0", event.EventVersion)
	assert.Equal(t, "corr-42", event.CorrelationID)
	_, err := time.Parse(time.RFC3339, event.Timestamp)
	assert.NoError(t, err)

	body, err := json.Marshal(event)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &decoded))
	payload := decoded["payload"].(map[string]interface{})
	assert.Equal(t, "TEE-M", payload["sku"])
	assert.Equal(t, float64(2), payload["available_stock"])
	assert.Equal(t, float64(5), payload["threshold"])
}

func TestReservationFailedEvent(t *testing.T) {
	event := reservationFailedEvent(context.Background(), inventory.ReservationFailure{
		VariantID:      "v1",
		Requested:      3,
		AvailableStock: 1,
		Reference:      "cart-9",
	})

	assert.Equal(t, EventTypeReservationFailed, event.EventType)
	assert.Empty(t, event.CorrelationID)
	assert.Equal(t, 3, event.Payload["requested"])
	assert.Equal(t, "cart-9", event.Payload["reference"])
}

func TestOrderEventDecoding(t *testing.T) {
	body := []byte(`{
		"event_id": "e1",
		"event_type": "order.cancelled",
		"event_version": "1.0.0",
		"timestamp": "2026-01-02T03:04:05Z",
		"payload": {
			"order_id": "o1",
			"paid": true,
			"reason": "customer request",
			"items": [{"variant_id": "v1", "quantity": 2}, {"variant_id": "v2", "quantity": 1}]
		}
	}`)

	var event OrderEvent
	require.NoError(t, json.Unmarshal(body, &event))
	assert.Equal(t, "o1", event.Payload.OrderID)
	assert.True(t, event.Payload.Paid)
	assert.Equal(t, []inventory.OrderLine{{VariantID: "v1", Quantity: 2}, {VariantID: "v2", Quantity: 1}}, event.Payload.Items)
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, backoff(1))
	assert.Equal(t, 200*time.Millisecond, backoff(2))
	assert.Equal(t, 400*time.Millisecond, backoff(3))
	assert.Equal(t, maxBackoff, backoff(10))
	assert.Equal(t, maxBackoff, backoff(80))
}
