package api

import (
	"github.com/gin-gonic/gin"

	"github.com/kanflow/fleet/internal/coordinator"
)

// SetupRoutes configures the lifecycle API routes against the Coordinator,
// matching the teacher's SetupRoutes(router, service, log) convention.
func SetupRoutes(router *gin.RouterGroup, co *coordinator.Coordinator, authFn AuthFunc) {
	handler := NewHandler(co, co.Log)

	router.Use(Auth(authFn))

	runs := router.Group("/runs")
	{
		runs.POST("", handler.CreateRun)
		runs.GET("/:id", handler.GetRun)
		runs.POST("/:id/stop", handler.StopRun)
	}

	sessions := router.Group("/sessions")
	{
		sessions.GET("", handler.ListSessions)
		sessions.GET("/:id", handler.GetSession)
		sessions.GET("/:id/status", handler.GetSessionStatus)
		sessions.GET("/:id/result", handler.GetSessionResult)
		sessions.GET("/:id/affinity", handler.GetSessionAffinity)
		sessions.POST("/:id/bind", handler.BindSession)
		sessions.POST("/:id/events", handler.AppendSessionEvent)
		sessions.DELETE("/:id", handler.DeleteSession)
	}

	runnerGroup := router.Group("/runner")
	{
		runnerGroup.POST("/register", handler.RegisterRunner)
		runnerGroup.POST("/heartbeat", handler.Heartbeat)
		runnerGroup.GET("/runs", handler.PollRuns)
		runnerGroup.POST("/runs/:id/started", handler.ReportStarted)
		runnerGroup.POST("/runs/:id/completed", handler.ReportCompleted)
		runnerGroup.POST("/runs/:id/failed", handler.ReportFailed)
		runnerGroup.POST("/runs/:id/stopped", handler.ReportStopped)
	}

	router.GET("/events", handler.StreamEvents)
}
