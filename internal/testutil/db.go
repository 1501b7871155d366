// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/theblitlabs/taskfleet/internal/core/models"
	"github.com/theblitlabs/taskfleet/pkg/database"
)

var dbSeq atomic.Int64

// NewDB opens a private in-memory sqlite database with every table migrated.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:taskfleet_test_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := database.Open("sqlite", dsn, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(context.Background(), db))

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// SeedDevice stores an online, enabled device that last checked in at seen.
func SeedDevice(t testing.TB, db *gorm.DB, number string, seen time.Time) *models.Device {
	t.Helper()
	device := &models.Device{
		Number:     number,
		Name:       "device " + number,
		IP:         "10.0.0.1",
		Status:     models.DeviceStatusNormal,
		IsOnline:   true,
		ActiveTime: seen,
	}
	require.NoError(t, db.Create(device).Error)
	return device
}

func SeedProduct(t testing.TB, db *gorm.DB, name string, stock int64) *models.Product {
	t.Helper()
	product := &models.Product{Name: name, Stock: stock}
	require.NoError(t, db.Create(product).Error)
	return product
}

func SeedTask(t testing.TB, db *gorm.DB, task *models.Task) *models.Task {
	t.Helper()
	if task.Platform == "" {
		task.Platform = "wechat"
	}
	if task.Type == "" {
		task.Type = models.TaskTypeMessageReplyClose
	}
	if task.RunType == "" {
		task.RunType = models.RunTypeOnce
	}
	if task.Status == "" {
		task.Status = models.TaskStatusAwait
	}
	if task.Lifecycle == "" {
		task.Lifecycle = models.LifecycleActive
	}
	if len(task.Params) == 0 {
		task.Params = models.RawParams("{}")
	}
	require.NoError(t, db.Create(task).Error)
	return task
}
