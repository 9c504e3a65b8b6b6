package api

import (
	"github.com/gin-gonic/gin"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/execution/container"
	"github.com/kandev/kandev/internal/execution/store"
)

// SetupRoutes registers the execution API routes under router.
func SetupRoutes(router *gin.RouterGroup, svc *container.Service, st store.Store, tasks container.TaskStatusUpdater, log *logger.Logger) {
	handler := NewHandler(svc, st, tasks, log)

	attempts := router.Group("/attempts/:attemptId")
	{
		attempts.POST("/container", handler.CreateContainer)
		attempts.POST("/container/ensure", handler.EnsureContainer)
		attempts.GET("/container/clean", handler.IsContainerClean)
		attempts.DELETE("/container", handler.DeleteContainer)

		attempts.POST("/executions", handler.StartExecution)
		attempts.POST("/executions/:executionId/stop", handler.StopExecution)

		attempts.GET("/diff", handler.GetDiff)
	}
}
