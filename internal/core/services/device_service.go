package services

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/theblitlabs/taskfleet/internal/core/models"
	"github.com/theblitlabs/taskfleet/internal/core/ports"
	"github.com/theblitlabs/taskfleet/pkg/logger"
)

type DeviceRepository interface {
	Upsert(ctx context.Context, device *models.Device) (*models.Device, error)
	Get(ctx context.Context, id uint) (*models.Device, error)
	GetMany(ctx context.Context, ids []uint) ([]*models.Device, error)
	Touch(ctx context.Context, id uint, ip string, at time.Time) error
	SetOnline(ctx context.Context, id uint, online bool) error
	SetStatus(ctx context.Context, id uint, status models.DeviceStatus) error
	List(ctx context.Context, filter models.DeviceFilter, page models.Page, now time.Time, window time.Duration) (*models.PageResult[models.Device], error)
}

type RegisterDeviceInput struct {
	Number  string
	Name    string
	IP      string
	Webhook string
}

type DeviceService struct {
	repo         DeviceRepository
	activeWindow time.Duration
	trigger      ports.DeviceTrigger
	now          func() time.Time
}

func NewDeviceService(repo DeviceRepository, activeWindow time.Duration) *DeviceService {
	if activeWindow <= 0 {
		activeWindow = models.DefaultActiveWindow
	}
	return &DeviceService{
		repo:         repo,
		activeWindow: activeWindow,
		now:          time.Now,
	}
}

// SetTrigger wires the scheduler that reacts to heartbeats.
func (s *DeviceService) SetTrigger(trigger ports.DeviceTrigger) {
	s.trigger = trigger
}

func (s *DeviceService) SetClock(now func() time.Time) {
	s.now = now
}

func (s *DeviceService) ActiveWindow() time.Duration {
	return s.activeWindow
}

func (s *DeviceService) Register(ctx context.Context, in RegisterDeviceInput) (*models.Device, error) {
	log := logger.WithComponent("device_service")

	number := strings.TrimSpace(in.Number)
	if number == "" {
		return nil, fmt.Errorf("%w: number is required", ErrInvalidDevice)
	}
	webhook := strings.TrimSpace(in.Webhook)
	if webhook != "" {
		u, err := url.Parse(webhook)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("%w: webhook must be an http(s) URL", ErrInvalidDevice)
		}
	}

	device, err := s.repo.Upsert(ctx, &models.Device{
		Number:  number,
		Name:    strings.TrimSpace(in.Name),
		IP:      strings.TrimSpace(in.IP),
		Webhook: webhook,
	})
	if err != nil {
		log.Error().Err(err).Str("number", number).Msg("Failed to register device")
		return nil, err
	}

	log.Info().
		Uint("device_id", device.ID).
		Str("number", device.Number).
		Msg("Device registered")
	return device, nil
}

// Heartbeat marks the device alive as of now. Repeating it changes nothing
// but the timestamp.
func (s *DeviceService) Heartbeat(ctx context.Context, deviceID uint, ip string) error {
	if err := s.repo.Touch(ctx, deviceID, strings.TrimSpace(ip), s.now().UTC()); err != nil {
		return err
	}

	log := logger.WithComponent("device_service")

	log.Debug().
		Uint("device_id", deviceID).
		Str("ip", ip).
		Msg("Heartbeat received")

	s.triggerDevice(deviceID)
	return nil
}

func (s *DeviceService) GoOffline(ctx context.Context, deviceID uint) error {
	if err := s.repo.SetOnline(ctx, deviceID, false); err != nil {
		return err
	}
	log := logger.WithComponent("device_service")
	log.Info().
		Uint("device_id", deviceID).
		Msg("Device went offline")
	return nil
}

func (s *DeviceService) SetStatus(ctx context.Context, deviceID uint, status models.DeviceStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidDevice, status)
	}
	if err := s.repo.SetStatus(ctx, deviceID, status); err != nil {
		return err
	}

	log := logger.WithComponent("device_service")

	log.Info().
		Uint("device_id", deviceID).
		Str("status", string(status)).
		Msg("Device status changed")

	if status == models.DeviceStatusNormal {
		s.triggerDevice(deviceID)
	}
	return nil
}

func (s *DeviceService) Get(ctx context.Context, deviceID uint) (*models.Device, error) {
	return s.repo.Get(ctx, deviceID)
}

// IsOnline is evaluated against the clock on every call and never cached.
func (s *DeviceService) IsOnline(device *models.Device) bool {
	return device.Online(s.now(), s.activeWindow)
}

func (s *DeviceService) List(ctx context.Context, filter models.DeviceFilter, page models.Page) (*models.PageResult[models.Device], error) {
	return s.repo.List(ctx, filter, page, s.now().UTC(), s.activeWindow)
}

func (s *DeviceService) triggerDevice(deviceID uint) {
	if s.trigger != nil {
		s.trigger.TriggerDevice(deviceID)
	}
}
