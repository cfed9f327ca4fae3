package db

import (
	"gorm.io/gorm"
)

// RunMigrations runs all database migrations
func RunMigrations(db *DB) error {
	if err := db.AutoMigrate(
		&Product{},
		&Variant{},
		&InventoryMovement{},
		&Offer{},
		&Coupon{},
		&CouponUsage{},
	); err != nil {
		return err
	}

	// Create additional indexes if not exists
	if err := createIndexes(db.DB); err != nil {
		return err
	}

	return nil
}

func createIndexes(db *gorm.DB) error {
	// Plain SQL understood by both PostgreSQL and SQLite
	indexes := []string{
		// Variant lookup by canonical attributes
		`CREATE INDEX IF NOT EXISTS idx_variants_active_lookup ON variants(product_id, attribute_key) WHERE is_active = true`,

		// Candidate offers are always filtered on activity and window
		`CREATE INDEX IF NOT EXISTS idx_offers_active_window ON offers(start_date, end_date) WHERE is_active = true`,

		// Stock history reads newest first per variant
		`CREATE INDEX IF NOT EXISTS idx_movements_variant_created ON inventory_movements(variant_id, created_at DESC)`,
	}

	for _, indexSQL := range indexes {
		if err := db.Exec(indexSQL).Error; err != nil {
			return err
		}
	}

	return nil
}
