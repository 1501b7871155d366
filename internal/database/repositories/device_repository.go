package repositories

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/theblitlabs/taskfleet/internal/core/models"
)

var ErrDeviceNotFound = errors.New("device not found")

type DeviceRepository struct {
	db *gorm.DB
}

func NewDeviceRepository(db *gorm.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

// Upsert registers a device by number, refreshing its identity fields if it
// already exists. Administrative status is left alone.
func (r *DeviceRepository) Upsert(ctx context.Context, device *models.Device) (*models.Device, error) {
	var existing models.Device
	result := r.db.WithContext(ctx).First(&existing, "number = ?", device.Number)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		if device.Status == "" {
			device.Status = models.DeviceStatusNormal
		}
		if err := r.db.WithContext(ctx).Create(device).Error; err != nil {
			return nil, err
		}
		return device, nil
	} else if result.Error != nil {
		return nil, result.Error
	}

	updates := map[string]interface{}{}
	if device.Name != "" {
		updates["name"] = device.Name
	}
	if device.IP != "" {
		updates["ip"] = device.IP
	}
	if device.Webhook != "" {
		updates["webhook"] = device.Webhook
	}
	if len(updates) > 0 {
		if err := r.db.WithContext(ctx).Model(&existing).Updates(updates).Error; err != nil {
			return nil, err
		}
	}
	return r.Get(ctx, existing.ID)
}

func (r *DeviceRepository) Get(ctx context.Context, id uint) (*models.Device, error) {
	var device models.Device
	result := r.db.WithContext(ctx).First(&device, id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrDeviceNotFound
	}
	if result.Error != nil {
		return nil, result.Error
	}
	return &device, nil
}

// GetMany returns the devices found among ids, in id order.
func (r *DeviceRepository) GetMany(ctx context.Context, ids []uint) ([]*models.Device, error) {
	var devices []*models.Device
	if len(ids) == 0 {
		return devices, nil
	}
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Order("id ASC").Find(&devices).Error
	return devices, err
}

// Touch records a heartbeat. Repeating it with the same values is harmless.
func (r *DeviceRepository) Touch(ctx context.Context, id uint, ip string, at time.Time) error {
	updates := map[string]interface{}{
		"is_online":   true,
		"active_time": at,
	}
	if ip != "" {
		updates["ip"] = ip
	}
	return r.update(ctx, id, updates)
}

func (r *DeviceRepository) SetOnline(ctx context.Context, id uint, online bool) error {
	return r.update(ctx, id, map[string]interface{}{"is_online": online})
}

func (r *DeviceRepository) SetStatus(ctx context.Context, id uint, status models.DeviceStatus) error {
	return r.update(ctx, id, map[string]interface{}{"status": status})
}

func (r *DeviceRepository) update(ctx context.Context, id uint, updates map[string]interface{}) error {
	result := r.db.WithContext(ctx).Model(&models.Device{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// mysql reports zero rows when nothing changed
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// List pages through devices. The online filter applies the same predicate as
// Device.Online, evaluated against now.
func (r *DeviceRepository) List(ctx context.Context, filter models.DeviceFilter, page models.Page, now time.Time, window time.Duration) (*models.PageResult[models.Device], error) {
	page = page.Normalize()

	filtered := func(db *gorm.DB) *gorm.DB {
		if filter.OnlineOnly {
			db = db.Where("is_online = ? AND active_time >= ?", true, now.Add(-window))
		}
		if filter.Status != "" {
			db = db.Where("status = ?", filter.Status)
		}
		if kw := strings.TrimSpace(filter.Keyword); kw != "" {
			like := "%" + kw + "%"
			db = db.Where("number LIKE ? OR ip LIKE ?", like, like)
		}
		return db
	}

	var total int64
	if err := r.db.WithContext(ctx).Model(&models.Device{}).Scopes(filtered).Count(&total).Error; err != nil {
		return nil, err
	}

	devices := []models.Device{}
	if err := r.db.WithContext(ctx).Scopes(filtered).
		Order("id ASC").
		Limit(page.Size).
		Offset(page.Offset()).
		Find(&devices).Error; err != nil {
		return nil, err
	}

	return &models.PageResult[models.Device]{
		Items: devices,
		Total: total,
		Page:  page.Number,
		Size:  page.Size,
	}, nil
}
