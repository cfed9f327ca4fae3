package inventory

import (
	"context"
	"sync"
	"testing"

	"github.com/bookstore/services/commerce/internal/apperr"
	"github.com/bookstore/services/commerce/internal/db"
	"github.com/bookstore/services/commerce/internal/metrics"
	"github.com/bookstore/services/commerce/internal/repo"
	"github.com/bookstore/services/commerce/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu       sync.Mutex
	lowStock []LowStockAlert
	failures []ReservationFailure
}

func (n *recordingNotifier) LowStock(_ context.Context, alert LowStockAlert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lowStock = append(n.lowStock, alert)
}

func (n *recordingNotifier) ReservationFailed(_ context.Context, failure ReservationFailure) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, failure)
}

func setupService(t *testing.T) (*Service, *recordingNotifier) {
	database, err := db.ConnectSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations(database))
	t.Cleanup(func() { _ = database.Close() })

	log := logger.NewLogger("test", "info")
	notifier := &recordingNotifier{}
	svc := NewService(
		repo.NewVariantRepository(database, log),
		repo.NewLedgerRepository(database, log),
		notifier,
		metrics.New(prometheus.NewRegistry()),
		log,
		Options{DefaultLowStockThreshold: 3, HistoryLimit: 50},
	)
	return svc, notifier
}

func createVariant(t *testing.T, svc *Service, product, sku string, stock int, attrs map[string]string) *db.Variant {
	t.Helper()
	v, err := svc.CreateVariant(context.Background(), NewVariant{
		ProductID:    product,
		SKU:          sku,
		Attributes:   attrs,
		InitialStock: stock,
		Actor:        "admin",
	})
	require.NoError(t, err)
	return v
}

func assertInvariant(t *testing.T, svc *Service, variantID string) {
	t.Helper()
	status, err := svc.GetStockStatus(context.Background(), variantID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, status.Reserved, 0)
	assert.LessOrEqual(t, status.Reserved, status.Stock)
}

func TestReserveReleaseRoundTrip(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	v := createVariant(t, svc, "P-1", "TEE-M", 20, map[string]string{"size": "m"})

	before, err := svc.GetStockStatus(ctx, v.ID)
	require.NoError(t, err)

	_, err = svc.Reserve(ctx, Mutation{VariantID: v.ID, Quantity: 5, Reference: "cart-1"})
	require.NoError(t, err)
	_, err = svc.Release(ctx, Mutation{VariantID: v.ID, Quantity: 5, Reference: "cart-1"})
	require.NoError(t, err)

	after, err := svc.GetStockStatus(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Reserved, after.Reserved)
	assert.Equal(t, before.AvailableStock, after.AvailableStock)
	assertInvariant(t, svc, v.ID)
}

func TestDeductAfterReserveCountsOnce(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	v := createVariant(t, svc, "P-1", "TEE-L", 20, map[string]string{"size": "l"})

	_, err := svc.Reserve(ctx, Mutation{VariantID: v.ID, Quantity: 5})
	require.NoError(t, err)
	change, err := svc.Deduct(ctx, Mutation{VariantID: v.ID, Quantity: 5})
	require.NoError(t, err)

	assert.Equal(t, 15, change.Variant.Stock)
	assert.Equal(t, 0, change.Variant.Reserved)
	assertInvariant(t, svc, v.ID)
}

func TestReserveExhaustsStock(t *testing.T) {
	svc, notifier := setupService(t)
	ctx := context.Background()
	v := createVariant(t, svc, "P-1", "TEE-S", 10, map[string]string{"size": "s"})

	change, err := svc.Reserve(ctx, Mutation{VariantID: v.ID, Quantity: 10, Reference: "order-1"})
	require.NoError(t, err)
	assert.Equal(t, 0, change.Variant.AvailableStock())

	_, err = svc.Reserve(ctx, Mutation{VariantID: v.ID, Quantity: 1, Reference: "order-2"})
	var insufficient *apperr.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 0, insufficient.Available)

	status, err := svc.GetStockStatus(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, status.AvailableStock)
	assert.Equal(t, OutOfStock, status.Status)

	require.Len(t, notifier.failures, 1)
	assert.Equal(t, "order-2", notifier.failures[0].Reference)
}

func TestConcurrentReserveOfLastUnit(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	v := createVariant(t, svc, "P-1", "LAST-ONE", 1, nil)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Reserve(ctx, Mutation{VariantID: v.ID, Quantity: 1})
		}(i)
	}
	wg.Wait()

	succeeded, insufficient := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case apperr.IsInsufficientStock(err):
			insufficient++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, insufficient)
	assertInvariant(t, svc, v.ID)
}

func TestInvariantHoldsAcrossMixedSequence(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	v := createVariant(t, svc, "P-1", "MIX", 8, nil)

	steps := []struct {
		op  func(context.Context, Mutation) (*repo.StockChange, error)
		qty int
	}{
		{svc.Reserve, 3},
		{svc.Reserve, 6},  // refused
		{svc.Deduct, 2},
		{svc.Release, 4},  // floors at zero
		{svc.Deduct, 1},   // refused, nothing held
		{svc.Restore, 2},
		{svc.Reserve, 10}, // refused
		{svc.Reserve, 8},
	}
	for _, step := range steps {
		_, _ = step.op(ctx, Mutation{VariantID: v.ID, Quantity: step.qty})
		assertInvariant(t, svc, v.ID)
	}

	status, err := svc.GetStockStatus(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, 8, status.Stock)
	assert.Equal(t, 8, status.Reserved)
}

func TestMutationValidation(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, Mutation{VariantID: "x", Quantity: 0})
	assert.True(t, apperr.IsValidation(err))

	_, err = svc.Deduct(ctx, Mutation{Quantity: 1})
	assert.True(t, apperr.IsValidation(err))

	_, err = svc.Reserve(ctx, Mutation{VariantID: "unknown", Quantity: 1})
	assert.True(t, apperr.IsNotFound(err))

	_, err = svc.Restore(ctx, Mutation{VariantID: "unknown", Quantity: 1, Type: db.MovementDamage})
	assert.True(t, apperr.IsValidation(err))
}

func TestLowStockNotification(t *testing.T) {
	svc, notifier := setupService(t)
	ctx := context.Background()
	v := createVariant(t, svc, "P-1", "LOW", 6, nil)

	_, err := svc.Reserve(ctx, Mutation{VariantID: v.ID, Quantity: 2})
	require.NoError(t, err)
	assert.Empty(t, notifier.lowStock)

	_, err = svc.Reserve(ctx, Mutation{VariantID: v.ID, Quantity: 2})
	require.NoError(t, err)
	require.Len(t, notifier.lowStock, 1)
	assert.Equal(t, 2, notifier.lowStock[0].AvailableStock)
	assert.Equal(t, 3, notifier.lowStock[0].Threshold)

	status, err := svc.GetStockStatus(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, LowStock, status.Status)

	// Reaching zero is out of stock, not low stock
	_, err = svc.Reserve(ctx, Mutation{VariantID: v.ID, Quantity: 2})
	require.NoError(t, err)
	assert.Len(t, notifier.lowStock, 1)
}

func TestRestoreAsAdjustment(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	v := createVariant(t, svc, "P-1", "ADJ", 1, nil)

	change, err := svc.Restore(ctx, Mutation{VariantID: v.ID, Quantity: 4, Type: db.MovementAdjustment, Reason: "found in back room"})
	require.NoError(t, err)
	assert.Equal(t, 5, change.Variant.Stock)
	assert.Equal(t, db.MovementAdjustment, change.Movement.Type)
	assert.Equal(t, 4, change.Movement.Quantity)
}

func TestBulkAdjustIsolatesFailures(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	a := createVariant(t, svc, "P-1", "A", 10, map[string]string{"size": "a"})
	b := createVariant(t, svc, "P-1", "B", 10, map[string]string{"size": "b"})

	_, err := svc.Reserve(ctx, Mutation{VariantID: b.ID, Quantity: 6})
	require.NoError(t, err)

	results := svc.BulkAdjust(ctx, []Adjustment{
		{VariantID: a.ID, NewStock: 25, Reason: "delivery", Actor: "admin"},
		{VariantID: b.ID, NewStock: 4, Reason: "recount", Actor: "admin"},
		{VariantID: "missing", NewStock: 1},
		{VariantID: a.ID, NewStock: -1},
	})
	require.Len(t, results, 4)

	assert.True(t, results[0].Success)
	assert.Equal(t, 10, results[0].PreviousStock)
	assert.Equal(t, 25, results[0].NewStock)

	assert.False(t, results[1].Success)
	assert.True(t, apperr.IsValidation(results[1].Err))

	assert.True(t, apperr.IsNotFound(results[2].Err))
	assert.True(t, apperr.IsValidation(results[3].Err))

	history, err := svc.GetStockHistory(ctx, a.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, db.MovementAdjustment, history[0].Type)
	assert.Equal(t, 15, history[0].Quantity)
	assert.Equal(t, 10, history[0].PreviousStock)
	assert.Equal(t, 25, history[0].NewStock)
	assert.Equal(t, "delivery", history[0].Reason)
	assert.Equal(t, db.MovementInitialStock, history[1].Type)

	status, err := svc.GetStockStatus(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, status.Stock)
}

func TestStockHistoryNewestFirstWithLimit(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	v := createVariant(t, svc, "P-1", "HIST", 50, nil)

	for i := 0; i < 5; i++ {
		_, err := svc.Reserve(ctx, Mutation{VariantID: v.ID, Quantity: 1})
		require.NoError(t, err)
	}

	history, err := svc.GetStockHistory(ctx, v.ID, 3)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Greater(t, history[0].ID, history[1].ID)
	assert.Equal(t, db.MovementReservation, history[0].Type)
	assert.Equal(t, 4, history[0].PreviousReserved)
	assert.Equal(t, 5, history[0].NewReserved)

	_, err = svc.GetStockHistory(ctx, "missing", 10)
	assert.True(t, apperr.IsNotFound(err))
}

func TestCheckStock(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	red := createVariant(t, svc, "SHIRT", "SHIRT-RED-M", 4, map[string]string{"Color": "red", "Size": "m"})
	createVariant(t, svc, "SHIRT", "SHIRT-BLUE-M", 0, map[string]string{"color": "blue", "size": "m"})

	// Attribute order and case do not matter
	check, err := svc.CheckStock(ctx, StockQuery{ProductID: "SHIRT", Quantity: 2, Attributes: map[string]string{"SIZE": " M ", "color": "Red"}})
	require.NoError(t, err)
	assert.True(t, check.Available)
	assert.True(t, check.Tracked)
	assert.Equal(t, red.ID, check.Variant.ID)
	assert.Equal(t, 4, check.AvailableStock)

	check, err = svc.CheckStock(ctx, StockQuery{ProductID: "SHIRT", Quantity: 1, Attributes: map[string]string{"color": "blue", "size": "m"}})
	require.NoError(t, err)
	assert.False(t, check.Available)
	assert.Equal(t, ReasonInsufficientStock, check.Reason)

	check, err = svc.CheckStock(ctx, StockQuery{ProductID: "SHIRT", Quantity: 1})
	require.NoError(t, err)
	assert.False(t, check.Available)
	assert.Equal(t, ReasonVariantRequired, check.Reason)

	check, err = svc.CheckStock(ctx, StockQuery{ProductID: "SHIRT", Quantity: 1, Attributes: map[string]string{"color": "green"}})
	require.NoError(t, err)
	assert.False(t, check.Available)
	assert.Equal(t, ReasonVariantRequired, check.Reason)

	// Products without variants are not constrained
	check, err = svc.CheckStock(ctx, StockQuery{ProductID: "EBOOK", Quantity: 100})
	require.NoError(t, err)
	assert.True(t, check.Available)
	assert.False(t, check.Tracked)

	check, err = svc.CheckStock(ctx, StockQuery{ProductID: "SHIRT", VariantID: red.ID, Quantity: 5})
	require.NoError(t, err)
	assert.False(t, check.Available)

	require.NoError(t, svc.DeactivateVariant(ctx, red.ID))
	check, err = svc.CheckStock(ctx, StockQuery{VariantID: red.ID, Quantity: 1})
	require.NoError(t, err)
	assert.False(t, check.Available)
	assert.Equal(t, ReasonVariantInactive, check.Reason)

	_, err = svc.CheckStock(ctx, StockQuery{ProductID: "SHIRT", Quantity: 0})
	assert.True(t, apperr.IsValidation(err))
}

func TestCreateVariantRejectsDuplicateAttributes(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	createVariant(t, svc, "P-9", "DUP-1", 1, map[string]string{"size": "m"})

	_, err := svc.CreateVariant(ctx, NewVariant{ProductID: "P-9", SKU: "DUP-2", Attributes: map[string]string{"SIZE": "M"}})
	assert.True(t, apperr.IsValidation(err))

	_, err = svc.CreateVariant(ctx, NewVariant{ProductID: "P-9", SKU: "NEG", InitialStock: -1})
	assert.True(t, apperr.IsValidation(err))

	zero := 0
	v, err := svc.CreateVariant(ctx, NewVariant{ProductID: "P-9", SKU: "NOALERT", LowStockThreshold: &zero, Attributes: map[string]string{"size": "s"}})
	require.NoError(t, err)
	assert.Equal(t, 0, v.LowStockThreshold)
}
