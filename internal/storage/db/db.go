package db

import (
	"context"
	"fmt"
	"sync"

	"gorm.io/gorm"

	"github.com/theblitlabs/taskfleet/internal/core/models"
	"github.com/theblitlabs/taskfleet/pkg/database"
)

// DBManager provides centralized database connection management
type DBManager struct {
	db   *gorm.DB
	lock sync.RWMutex
}

func NewDBManager() *DBManager {
	return &DBManager{}
}

// Connect opens the configured dialect, migrates the schema and repairs rows
// written before the status column existed.
func (m *DBManager) Connect(ctx context.Context, driver, dsn string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	db, err := database.Connect(ctx, driver, dsn)
	if err != nil {
		return err
	}

	if err := db.WithContext(ctx).Model(&models.Device{}).
		Where("status IS NULL OR status = ''").
		Update("status", models.DeviceStatusNormal).Error; err != nil {
		return fmt.Errorf("error backfilling device status: %w", err)
	}

	if err := db.WithContext(ctx).Model(&models.Task{}).
		Where("lifecycle IS NULL OR lifecycle = ''").
		Update("lifecycle", models.LifecycleActive).Error; err != nil {
		return fmt.Errorf("error backfilling task lifecycle: %w", err)
	}

	m.db = db
	return nil
}

func (m *DBManager) GetDB() *gorm.DB {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.db
}

func (m *DBManager) Close() error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.db == nil {
		return nil
	}

	sqlDB, err := m.db.DB()
	if err != nil {
		return fmt.Errorf("error getting SQL DB: %w", err)
	}

	m.db = nil
	return sqlDB.Close()
}

var (
	instance *DBManager
	once     sync.Once
)

// GetDBManager returns the singleton database manager instance
func GetDBManager() *DBManager {
	once.Do(func() {
		instance = NewDBManager()
	})
	return instance
}
