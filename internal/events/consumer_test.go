package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/bookstore/services/commerce/internal/apperr"
	"github.com/bookstore/services/commerce/internal/db"
	"github.com/bookstore/services/commerce/internal/inventory"
	"github.com/bookstore/services/commerce/internal/repo"
	"github.com/bookstore/services/commerce/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	op      string
	orderID string
	lines   []inventory.OrderLine
	paid    bool
	actor   string
}

type fakeLifecycle struct {
	calls []call
	err   error
}

func (f *fakeLifecycle) CommitOrder(_ context.Context, orderID string, lines []inventory.OrderLine, actor string) error {
	f.calls = append(f.calls, call{op: "commit", orderID: orderID, lines: lines, actor: actor})
	return f.err
}

func (f *fakeLifecycle) CancelOrder(_ context.Context, orderID string, lines []inventory.OrderLine, paid bool, actor string) error {
	f.calls = append(f.calls, call{op: "cancel", orderID: orderID, lines: lines, paid: paid, actor: actor})
	return f.err
}

func (f *fakeLifecycle) ExpireOrder(_ context.Context, orderID string, lines []inventory.OrderLine, actor string) error {
	f.calls = append(f.calls, call{op: "expire", orderID: orderID, lines: lines, actor: actor})
	return f.err
}

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.ConnectSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations(database))
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func orderEvent(t *testing.T, eventType string, payload OrderPayload) []byte {
	t.Helper()
	body, err := json.Marshal(OrderEvent{EventID: "evt-1", EventType: eventType, EventVersion: "1.0.0", Payload: payload})
	require.NoError(t, err)
	return body
}

func TestHandleRoutesEvents(t *testing.T) {
	lifecycle := &fakeLifecycle{}
	c := NewHandler(lifecycle, nil, logger.NewLogger("test", "info"))
	ctx := context.Background()
	lines := []inventory.OrderLine{{VariantID: "v1", Quantity: 2}}

	require.NoError(t, c.Handle(ctx, EventTypePaymentCaptured, orderEvent(t, EventTypePaymentCaptured, OrderPayload{OrderID: "o1", Items: lines})))
	require.NoError(t, c.Handle(ctx, EventTypeOrderCancelled, orderEvent(t, EventTypeOrderCancelled, OrderPayload{OrderID: "o2", Paid: true, Items: lines})))
	require.NoError(t, c.Handle(ctx, EventTypeOrderAbandoned, orderEvent(t, EventTypeOrderAbandoned, OrderPayload{OrderID: "o3", Paid: true, Items: lines})))

	require.Len(t, lifecycle.calls, 3)
	assert.Equal(t, "commit", lifecycle.calls[0].op)
	assert.Equal(t, "o1", lifecycle.calls[0].orderID)
	assert.Equal(t, lines, lifecycle.calls[0].lines)

	assert.Equal(t, "cancel", lifecycle.calls[1].op)
	assert.True(t, lifecycle.calls[1].paid)

	// Abandoned orders only give back their holds
	assert.Equal(t, "expire", lifecycle.calls[2].op)
	assert.Equal(t, "o3", lifecycle.calls[2].orderID)
	assert.Equal(t, "reservation-expiry", lifecycle.calls[2].actor)
}

func TestHandleRejectsMalformedAndUnknown(t *testing.T) {
	lifecycle := &fakeLifecycle{}
	c := NewHandler(lifecycle, nil, logger.NewLogger("test", "info"))

	err := c.Handle(context.Background(), EventTypeOrderCancelled, []byte("{not json"))
	assert.ErrorIs(t, err, errMalformed)

	err = c.Handle(context.Background(), "order.created", orderEvent(t, "order.created", OrderPayload{OrderID: "o1"}))
	assert.ErrorIs(t, err, errMalformed)
	assert.Empty(t, lifecycle.calls)
}

func TestDisposition(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		ack     bool
		requeue bool
	}{
		{"ok", nil, true, false},
		{"malformed", errMalformed, false, false},
		{"invalid", apperr.Invalid("order_id", "is required"), false, false},
		{"unknown variant", apperr.NotFound("variant", "v9"), false, false},
		{"insufficient", &apperr.InsufficientStockError{VariantID: "v1", Requested: 1}, false, false},
		{"store down", apperr.Persistence("deduct", errors.New("connection reset")), false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ack, requeue := disposition(tc.err)
			assert.Equal(t, tc.ack, ack)
			assert.Equal(t, tc.requeue, requeue)
		})
	}
}

func TestHandleDrivesInventory(t *testing.T) {
	database := setupTestDB(t)
	log := logger.NewLogger("test", "info")
	svc := inventory.NewService(repo.NewVariantRepository(database, log), repo.NewLedgerRepository(database, log), nil, nil, log, inventory.Options{})
	c := NewHandler(svc, repo.NewCatalogRepository(database, log), log)
	ctx := context.Background()

	v, err := svc.CreateVariant(ctx, inventory.NewVariant{ProductID: "P-1", SKU: "SKU-1", InitialStock: 10})
	require.NoError(t, err)

	lines := []inventory.OrderLine{{VariantID: v.ID, Quantity: 3}}
	require.NoError(t, svc.ReserveOrder(ctx, "order-1", lines, "checkout"))

	body := orderEvent(t, EventTypeOrderAbandoned, OrderPayload{OrderID: "order-1", Items: lines})
	require.NoError(t, c.Handle(ctx, EventTypeOrderAbandoned, body))
	// Redelivery is harmless
	require.NoError(t, c.Handle(ctx, EventTypeOrderAbandoned, body))

	status, err := svc.GetStockStatus(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, status.Reserved)
	assert.Equal(t, 10, status.AvailableStock)
}

func catalogEvent(t *testing.T, eventType string, payload CatalogPayload) []byte {
	t.Helper()
	body, err := json.Marshal(CatalogEvent{EventID: "evt-2", EventType: eventType, EventVersion: "1.0.0", Payload: payload})
	require.NoError(t, err)
	return body
}

func TestHandleSyncsCatalog(t *testing.T) {
	database := setupTestDB(t)
	log := logger.NewLogger("test", "info")
	catalog := repo.NewCatalogRepository(database, log)
	c := NewHandler(&fakeLifecycle{}, catalog, log)
	ctx := context.Background()

	created := catalogEvent(t, EventTypeCatalogCreated, CatalogPayload{SKU: "BOOK-1", Title: "Dune", Price: 199900, Category: "scifi"})
	require.NoError(t, c.Handle(ctx, EventTypeCatalogCreated, created))

	p, err := catalog.GetProduct(ctx, "BOOK-1")
	require.NoError(t, err)
	assert.Equal(t, "Dune", p.Name)
	assert.Equal(t, "scifi", p.CategoryID)
	require.NotNil(t, p.BasePrice)
	assert.Equal(t, 1999.0, *p.BasePrice)

	// A redelivered create is not an error
	require.NoError(t, c.Handle(ctx, EventTypeCatalogCreated, created))

	updated := catalogEvent(t, EventTypeCatalogUpdated, CatalogPayload{SKU: "BOOK-1", Price: 150000})
	require.NoError(t, c.Handle(ctx, EventTypeCatalogUpdated, updated))
	p, err = catalog.GetProduct(ctx, "BOOK-1")
	require.NoError(t, err)
	assert.Equal(t, 1500.0, *p.BasePrice)

	deleted := catalogEvent(t, EventTypeCatalogDeleted, CatalogPayload{SKU: "BOOK-1"})
	require.NoError(t, c.Handle(ctx, EventTypeCatalogDeleted, deleted))
	_, err = catalog.GetProduct(ctx, "BOOK-1")
	assert.True(t, apperr.IsNotFound(err))

	unknown := catalogEvent(t, EventTypeCatalogDeleted, CatalogPayload{SKU: "BOOK-404"})
	assert.NoError(t, c.Handle(ctx, EventTypeCatalogDeleted, unknown))

	// Updating a product that was never synced is dropped, not retried
	err = c.Handle(ctx, EventTypeCatalogUpdated, catalogEvent(t, EventTypeCatalogUpdated, CatalogPayload{SKU: "BOOK-404", Price: 100}))
	ack, requeue := disposition(err)
	assert.False(t, ack)
	assert.False(t, requeue)

	err = c.Handle(ctx, EventTypeCatalogCreated, catalogEvent(t, EventTypeCatalogCreated, CatalogPayload{Title: "no sku"}))
	assert.ErrorIs(t, err, errMalformed)
}
