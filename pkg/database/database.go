package database

import (
	"context"
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/theblitlabs/taskfleet/internal/core/models"
)

// Dialector picks the gorm dialect for driver. Empty means postgres.
func Dialector(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case "", "postgres":
		return postgres.Open(dsn), nil
	case "mysql":
		return mysql.Open(dsn), nil
	case "sqlite":
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Open connects without migrating.
func Open(driver, dsn string, cfg *gorm.Config) (*gorm.DB, error) {
	dialector, err := Dialector(driver, dsn)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &gorm.Config{}
	}
	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	if driver == "sqlite" {
		// sqlite has a single writer.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("error getting SQL DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

func Migrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("error migrating database: %w", err)
	}
	return nil
}

// Connect opens the database and migrates every table.
func Connect(ctx context.Context, driver, dsn string) (*gorm.DB, error) {
	db, err := Open(driver, dsn, nil)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		return nil, err
	}
	return db, nil
}
