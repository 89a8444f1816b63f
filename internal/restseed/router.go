// Package restseed wires the REST surface named in spec.md §6 onto the
// Session Service, workspace store, checkpoint service, and autopilot
// loop. It is a seed: handlers are thin translations from HTTP to the
// core services, with no business logic of their own.
package restseed

import (
	"github.com/gin-gonic/gin"

	"github.com/haivemind/core/internal/autopilot"
	"github.com/haivemind/core/internal/checkpoint"
	"github.com/haivemind/core/internal/common/logger"
	"github.com/haivemind/core/internal/eventbus/wsfanout"
	"github.com/haivemind/core/internal/session"
	"github.com/haivemind/core/internal/workspacestore"
)

// SetupRoutes registers every spec.md §6 REST path on router.
func SetupRoutes(router *gin.RouterGroup, store *workspacestore.Store, sessions *session.Service, checkpoints *checkpoint.Service, pilot *autopilot.Loop, hub *wsfanout.Hub, log *logger.Logger) {
	handler := NewHandler(store, sessions, checkpoints, pilot, hub, log)

	projects := router.Group("/projects")
	{
		projects.GET("", handler.ListProjects)
		projects.POST("", handler.CreateProject)
		projects.GET("/:slug", handler.GetProject)
		projects.DELETE("/:slug", handler.DeleteProject)
		projects.GET("/:slug/settings", handler.GetSettings)
		projects.PUT("/:slug/settings", handler.PutSettings)

		projects.GET("/:slug/sessions", handler.ListSessions)
		projects.GET("/:slug/sessions/:id", handler.GetSession)
		projects.POST("/:slug/sessions", handler.StartSession)
		projects.GET("/:slug/sessions/:id/diff", handler.GetDiff)
		projects.POST("/:slug/sessions/:id/rollback", handler.Rollback)

		projects.GET("/:slug/autopilot", handler.AutopilotStatus)
		projects.POST("/:slug/autopilot", handler.AutopilotStart)
		projects.POST("/:slug/autopilot/stop", handler.AutopilotStop)
	}

	router.GET("/checkpoints", handler.ListCheckpoints)
	router.GET("/interrupted-sessions", handler.ListInterrupted)
	router.POST("/interrupted-sessions/:id/discard", handler.DiscardInterrupted)
	router.POST("/interrupted-sessions/:id/resume", handler.ResumeInterrupted)

	router.GET("/health", handler.Health)

	if hub != nil {
		router.GET("/ws", handler.ServeWS)
	}
}
