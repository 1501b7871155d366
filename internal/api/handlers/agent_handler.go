package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/theblitlabs/taskfleet/internal/api/models"
	coremodels "github.com/theblitlabs/taskfleet/internal/core/models"
	"github.com/theblitlabs/taskfleet/internal/core/ports"
	"github.com/theblitlabs/taskfleet/internal/core/services"
	"github.com/theblitlabs/taskfleet/pkg/logger"
)

const defaultPollWait = 30 * time.Second

type Poller interface {
	Poll(ctx context.Context, deviceID uint, wait time.Duration) (ports.DispatchPayload, bool, error)
}

type Reporter interface {
	Report(ctx context.Context, in services.ReportInput) error
}

type LogAppender interface {
	AppendLog(ctx context.Context, detailID uint, logType coremodels.LogType, message string) error
}

type Heartbeater interface {
	Heartbeat(ctx context.Context, deviceID uint, ip string) error
}

// AgentHandler serves the device-side calls that carry work: polling for
// payloads and reporting their outcome.
type AgentHandler struct {
	devices  Heartbeater
	poller   Poller
	reporter Reporter
	logs     LogAppender
	maxWait  time.Duration
}

// NewAgentHandler builds the handler; poller is nil when payloads are pushed
// rather than polled.
func NewAgentHandler(devices Heartbeater, poller Poller, reporter Reporter, logs LogAppender, maxWait time.Duration) *AgentHandler {
	if maxWait <= 0 {
		maxWait = defaultPollWait
	}
	return &AgentHandler{
		devices:  devices,
		poller:   poller,
		reporter: reporter,
		logs:     logs,
		maxWait:  maxWait,
	}
}

// Poll counts as a heartbeat, then parks until a payload arrives or wait elapses.
func (h *AgentHandler) Poll(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if h.poller == nil {
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "polling is not enabled for this server"})
		return
	}

	wait := h.maxWait
	if raw := c.Query("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			badRequest(c, "invalid wait duration")
			return
		}
		if d < wait {
			wait = d
		}
	}

	ctx := c.Request.Context()
	if err := h.devices.Heartbeat(ctx, id, c.ClientIP()); err != nil {
		writeError(c, err)
		return
	}

	payload, ok, err := h.poller.Poll(ctx, id, wait)
	if err != nil {
		if ctx.Err() != nil {
			log := logger.WithComponent("api")
			log.Debug().Uint("device_id", id).Msg("Poller went away")
			return
		}
		writeError(c, err)
		return
	}
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, payload)
}

func (h *AgentHandler) Report(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req models.ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body: "+err.Error())
		return
	}

	if err := h.reporter.Report(c.Request.Context(), services.ReportInput{
		DetailID: id,
		Outcome:  req.Outcome,
		Logs:     req.Logs,
	}); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *AgentHandler) AppendLog(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req models.AppendLogRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body: "+err.Error())
		return
	}

	if err := h.logs.AppendLog(c.Request.Context(), id, req.Type, req.Message); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
