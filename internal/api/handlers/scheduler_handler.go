package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/theblitlabs/taskfleet/internal/core/services"
)

type Ticker interface {
	Tick(ctx context.Context, now time.Time) (*services.TickReport, error)
	TickDevice(ctx context.Context, deviceID uint, now time.Time) (*services.TickReport, error)
}

type SchedulerHandler struct {
	ticker Ticker
	now    func() time.Time
}

func NewSchedulerHandler(ticker Ticker) *SchedulerHandler {
	return &SchedulerHandler{ticker: ticker, now: time.Now}
}

// Tick runs one pass right away, for every device or for ?device_id= only.
func (h *SchedulerHandler) Tick(c *gin.Context) {
	var deviceID uint
	if raw := c.Query("device_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || id == 0 {
			badRequest(c, "invalid device_id")
			return
		}
		deviceID = uint(id)
	}

	var (
		report *services.TickReport
		err    error
	)
	now := h.now()
	if deviceID != 0 {
		report, err = h.ticker.TickDevice(c.Request.Context(), deviceID, now)
	} else {
		report, err = h.ticker.Tick(c.Request.Context(), now)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
