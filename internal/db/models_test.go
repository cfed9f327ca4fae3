package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	database, err := ConnectSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, RunMigrations(database))
	t.Cleanup(func() { database.Close() })
	return database
}

func TestCanonicalAttributes(t *testing.T) {
	a := CanonicalAttributes(map[string]string{" size ": "m", "Color": "Red"})
	b := CanonicalAttributes(map[string]string{"COLOR": "RED", "SIZE": "M"})

	assert.Equal(t, b, a)
	assert.Equal(t, "COLOR=RED;SIZE=M", a.Key())
	assert.Equal(t, map[string]string{"COLOR": "RED", "SIZE": "M"}, a.Map())

	// colliding keys resolve deterministically
	c := CanonicalAttributes(map[string]string{"size": "xl", "SIZE": "l", "": "ignored"})
	assert.Equal(t, "SIZE=L", c.Key())

	assert.Equal(t, "", CanonicalAttributes(nil).Key())
}

func TestStringSetContains(t *testing.T) {
	s := StringSet{"p1", "p2"}
	assert.True(t, s.Contains("p2"))
	assert.False(t, s.Contains("p3"))
	assert.False(t, s.Contains(""))
}

func TestOfferIsLiveAt(t *testing.T) {
	now := time.Now().UTC()
	limit := 2
	offer := &Offer{
		IsActive:   true,
		StartDate:  now.Add(-time.Hour),
		EndDate:    now.Add(time.Hour),
		UsageLimit: &limit,
		UsedCount:  1,
	}
	assert.True(t, offer.IsLiveAt(now))
	assert.False(t, offer.IsLiveAt(now.Add(2*time.Hour)))

	offer.UsedCount = 2
	assert.False(t, offer.IsLiveAt(now))

	offer.UsageLimit = nil
	assert.True(t, offer.IsLiveAt(now))

	offer.IsActive = false
	assert.False(t, offer.IsLiveAt(now))
}

func TestVariantCreateCanonicalizes(t *testing.T) {
	database := setupTestDB(t)

	v := &Variant{
		ProductID:  "prod-1",
		SKU:        "TSHIRT-M-RED",
		Attributes: CanonicalAttributes(map[string]string{"size": "m", "color": "red"}),
		Stock:      10,
		IsActive:   true,
	}
	require.NoError(t, database.Create(v).Error)
	assert.NotEmpty(t, v.ID)
	assert.Equal(t, int64(1), v.Version)

	var loaded Variant
	require.NoError(t, database.First(&loaded, "id = ?", v.ID).Error)
	assert.Equal(t, "COLOR=RED;SIZE=M", loaded.AttributeKey)
	assert.Equal(t, v.Attributes, loaded.Attributes)
	assert.Equal(t, 10, loaded.AvailableStock())
}

func TestVariantReservedCannotExceedStock(t *testing.T) {
	database := setupTestDB(t)

	v := &Variant{ProductID: "prod-1", SKU: "SKU-1", Stock: 1, IsActive: true}
	require.NoError(t, database.Create(v).Error)

	err := database.Model(&Variant{}).Where("id = ?", v.ID).UpdateColumn("reserved", 2).Error
	assert.Error(t, err)
}

func TestLedgerIsAppendOnly(t *testing.T) {
	database := setupTestDB(t)

	m := &InventoryMovement{VariantID: "v1", Type: MovementReservation, Quantity: -1, PreviousStock: 5, NewStock: 5, NewReserved: 1}
	require.NoError(t, database.Create(m).Error)

	m.Quantity = -5
	assert.ErrorIs(t, database.Save(m).Error, ErrLedgerImmutable)
	assert.ErrorIs(t, database.Delete(m).Error, ErrLedgerImmutable)

	var count int64
	require.NoError(t, database.Model(&InventoryMovement{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestPingAndClose(t *testing.T) {
	database, err := ConnectSQLite(":memory:")
	require.NoError(t, err)

	assert.NoError(t, database.Ping())
	require.NoError(t, database.Close())
	assert.Error(t, database.Ping())
}
