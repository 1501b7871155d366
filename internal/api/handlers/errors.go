package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/theblitlabs/taskfleet/internal/api/models"
	"github.com/theblitlabs/taskfleet/internal/core/params"
	"github.com/theblitlabs/taskfleet/internal/core/services"
	"github.com/theblitlabs/taskfleet/pkg/logger"
)

// statusFor maps a service error onto the HTTP status the caller should see.
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrInvalidParams),
		errors.Is(err, services.ErrInvalidDevice),
		errors.Is(err, services.ErrInvalidOutcome):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrDeviceNotFound),
		errors.Is(err, services.ErrTaskNotFound),
		errors.Is(err, services.ErrDetailNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrTaskCancelled),
		errors.Is(err, services.ErrDetailFinalized):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	resp := models.ErrorResponse{Error: err.Error()}

	var fieldErr *params.FieldError
	if errors.As(err, &fieldErr) {
		resp.Field = fieldErr.Field
	}

	if status >= http.StatusInternalServerError {
		log := logger.WithComponent("api")
		log.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
		resp.Error = "internal error"
	}
	c.JSON(status, resp)
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: msg})
}

func pathID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return uint(id), true
}
