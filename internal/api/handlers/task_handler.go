package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/theblitlabs/taskfleet/internal/api/models"
	coremodels "github.com/theblitlabs/taskfleet/internal/core/models"
	"github.com/theblitlabs/taskfleet/internal/core/services"
)

type TaskService interface {
	Create(ctx context.Context, in services.CreateTaskInput) ([]*coremodels.Task, error)
	Get(ctx context.Context, taskID uint) (*coremodels.Task, error)
	List(ctx context.Context, filter coremodels.TaskFilter, page coremodels.Page) (*coremodels.PageResult[coremodels.Task], error)
	Cancel(ctx context.Context, taskID uint) error
	CancelBatch(ctx context.Context, taskIDs []uint) (int64, error)
	Logs(ctx context.Context, taskID uint) ([]coremodels.DetailWithLogs, error)
}

// SlotCloser cancels the pending work of devices on one platform.
type SlotCloser interface {
	Close(ctx context.Context, deviceIDs []uint, platform string) (int64, error)
}

type TaskHandler struct {
	service TaskService
	closer  SlotCloser
}

func NewTaskHandler(service TaskService, closer SlotCloser) *TaskHandler {
	return &TaskHandler{service: service, closer: closer}
}

func (h *TaskHandler) CreateTask(c *gin.Context) {
	var req models.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body: "+err.Error())
		return
	}

	tasks, err := h.service.Create(c.Request.Context(), services.CreateTaskInput{
		DeviceIDs: req.DeviceIDs,
		Platform:  req.Platform,
		Type:      req.Type,
		RunType:   req.RunType,
		RunTime:   req.RunTime,
		Params:    req.Params,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, tasks)
}

func (h *TaskHandler) ListTasks(c *gin.Context) {
	var query models.TaskListQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		badRequest(c, "Invalid query: "+err.Error())
		return
	}

	result, err := h.service.List(c.Request.Context(),
		coremodels.TaskFilter{
			DeviceID:         query.DeviceID,
			Type:             query.Type,
			RunType:          query.RunType,
			Status:           query.Status,
			Keyword:          query.Keyword,
			IncludeCancelled: query.IncludeCancelled,
		},
		coremodels.Page{Number: query.Page, Size: query.Size},
	)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *TaskHandler) GetTask(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	task, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *TaskHandler) GetTaskLogs(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	logs, err := h.service.Logs(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

func (h *TaskHandler) CancelTask(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	if err := h.service.Cancel(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *TaskHandler) CancelTasks(c *gin.Context) {
	var req models.CancelTasksRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body: "+err.Error())
		return
	}

	n, err := h.service.CancelBatch(c.Request.Context(), req.IDs)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.CountResponse{Count: n})
}

func (h *TaskHandler) CloseTasks(c *gin.Context) {
	var req models.CloseTasksRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body: "+err.Error())
		return
	}

	n, err := h.closer.Close(c.Request.Context(), req.DeviceIDs, req.Platform)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.CountResponse{Count: n})
}
