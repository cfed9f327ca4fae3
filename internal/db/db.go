package db

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const pingTimeout = 2 * time.Second

// DB wraps the GORM database connection
type DB struct {
	*gorm.DB
}

// Pool bounds the underlying database/sql pool
type Pool struct {
	MaxIdle     int
	MaxOpen     int
	MaxLifetime time.Duration
}

// DefaultPool suits one service instance against PostgreSQL
var DefaultPool = Pool{MaxIdle: 10, MaxOpen: 100, MaxLifetime: time.Hour}

// Connect opens PostgreSQL with the default pool
func Connect(dsn string) (*DB, error) {
	return open(postgres.Open(dsn), logger.Warn, true, DefaultPool)
}

// ConnectSQLite opens a SQLite database for local runs and tests. SQLite
// serializes writers, so the pool is pinned to one connection; this also
// keeps a ":memory:" database shared by every caller.
func ConnectSQLite(path string) (*DB, error) {
	return open(sqlite.Open(path), logger.Silent, false, Pool{MaxOpen: 1})
}

// Unique violations surface as gorm.ErrDuplicatedKey (TranslateError).
func open(dialector gorm.Dialector, level logger.LogLevel, prepare bool, pool Pool) (*DB, error) {
	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 logger.Default.LogMode(level),
		SkipDefaultTransaction: true,
		PrepareStmt:            prepare,
		TranslateError:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialector.Name(), err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	if pool.MaxIdle > 0 {
		sqlDB.SetMaxIdleConns(pool.MaxIdle)
	}
	if pool.MaxOpen > 0 {
		sqlDB.SetMaxOpenConns(pool.MaxOpen)
	}
	if pool.MaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(pool.MaxLifetime)
	}

	return &DB{DB: gdb}, nil
}

// Ping checks the connection with a short timeout
func (db *DB) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	return db.PingContext(ctx)
}

// PingContext checks the connection within ctx
func (db *DB) PingContext(ctx context.Context) error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
