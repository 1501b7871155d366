package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/theblitlabs/taskfleet/internal/api/handlers"
)

// Handlers groups everything the v1 surface serves.
type Handlers struct {
	Devices   *handlers.DeviceHandler
	Tasks     *handlers.TaskHandler
	Agent     *handlers.AgentHandler
	Scheduler *handlers.SchedulerHandler
}

func registerAgentRoutes(router *gin.RouterGroup, h Handlers) {
	agent := router.Group("/agent")
	{
		devices := agent.Group("/devices")
		{
			devices.POST("", h.Devices.Register)
			devices.POST("/:id/heartbeat", h.Devices.Heartbeat)
			devices.POST("/:id/offline", h.Devices.Offline)
			devices.GET("/:id/poll", h.Agent.Poll)
		}

		details := agent.Group("/details")
		{
			details.POST("/:id/report", h.Agent.Report)
			details.POST("/:id/logs", h.Agent.AppendLog)
		}
	}
}

func registerDeviceRoutes(router *gin.RouterGroup, h Handlers) {
	devices := router.Group("/devices")
	{
		devices.GET("", h.Devices.List)
		devices.PUT("/:id/status", h.Devices.SetStatus)
	}
}

func registerTaskRoutes(router *gin.RouterGroup, h Handlers) {
	tasks := router.Group("/tasks")
	{
		tasks.POST("", h.Tasks.CreateTask)
		tasks.GET("", h.Tasks.ListTasks)
		tasks.POST("/cancel", h.Tasks.CancelTasks)
		tasks.POST("/close", h.Tasks.CloseTasks)
		tasks.GET("/:id", h.Tasks.GetTask)
		tasks.GET("/:id/logs", h.Tasks.GetTaskLogs)
		tasks.POST("/:id/cancel", h.Tasks.CancelTask)
	}
}

func RegisterRoutes(api *gin.RouterGroup, h Handlers) {
	api.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})

	registerAgentRoutes(api, h)
	registerDeviceRoutes(api, h)
	registerTaskRoutes(api, h)

	api.POST("/scheduler/tick", h.Scheduler.Tick)
}
