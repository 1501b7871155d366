package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/theblitlabs/taskfleet/internal/api/models"
	coremodels "github.com/theblitlabs/taskfleet/internal/core/models"
	"github.com/theblitlabs/taskfleet/internal/core/services"
)

type DeviceService interface {
	Register(ctx context.Context, in services.RegisterDeviceInput) (*coremodels.Device, error)
	Heartbeat(ctx context.Context, deviceID uint, ip string) error
	GoOffline(ctx context.Context, deviceID uint) error
	SetStatus(ctx context.Context, deviceID uint, status coremodels.DeviceStatus) error
	IsOnline(device *coremodels.Device) bool
	List(ctx context.Context, filter coremodels.DeviceFilter, page coremodels.Page) (*coremodels.PageResult[coremodels.Device], error)
}

type DeviceHandler struct {
	service DeviceService
}

func NewDeviceHandler(service DeviceService) *DeviceHandler {
	return &DeviceHandler{service: service}
}

func (h *DeviceHandler) Register(c *gin.Context) {
	var req models.RegisterDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body: "+err.Error())
		return
	}

	ip := req.IP
	if ip == "" {
		ip = c.ClientIP()
	}

	device, err := h.service.Register(c.Request.Context(), services.RegisterDeviceInput{
		Number:  req.Number,
		Name:    req.Name,
		IP:      ip,
		Webhook: req.Webhook,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.DeviceView{Device: *device, Online: h.service.IsOnline(device)})
}

func (h *DeviceHandler) Heartbeat(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req models.HeartbeatRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body: "+err.Error())
			return
		}
	}
	if req.IP == "" {
		req.IP = c.ClientIP()
	}

	if err := h.service.Heartbeat(c.Request.Context(), id, req.IP); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *DeviceHandler) Offline(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.service.GoOffline(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *DeviceHandler) SetStatus(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req models.SetDeviceStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body: "+err.Error())
		return
	}

	if err := h.service.SetStatus(c.Request.Context(), id, req.Status); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *DeviceHandler) List(c *gin.Context) {
	var query models.DeviceListQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		badRequest(c, "Invalid query: "+err.Error())
		return
	}

	result, err := h.service.List(c.Request.Context(),
		coremodels.DeviceFilter{OnlineOnly: query.OnlineOnly, Status: query.Status, Keyword: query.Keyword},
		coremodels.Page{Number: query.Page, Size: query.Size},
	)
	if err != nil {
		writeError(c, err)
		return
	}

	views := make([]models.DeviceView, len(result.Items))
	for i := range result.Items {
		views[i] = models.DeviceView{Device: result.Items[i], Online: h.service.IsOnline(&result.Items[i])}
	}
	c.JSON(http.StatusOK, coremodels.PageResult[models.DeviceView]{
		Items: views,
		Total: result.Total,
		Page:  result.Page,
		Size:  result.Size,
	})
}
