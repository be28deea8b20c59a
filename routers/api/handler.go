package api

import (
	"github.com/gin-gonic/gin"

	"PrismVideo-server/logger"
	"PrismVideo-server/service"
	"PrismVideo-server/workflow"
)

// Handler carries the dependencies of every endpoint.
type Handler struct {
	Jobs     *service.JobManager
	Sessions *workflow.Registry
	Sync     *service.Syncer
	log      *logger.Logger
}

func NewHandler(jobs *service.JobManager, sessions *workflow.Registry, sync *service.Syncer, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{Jobs: jobs, Sessions: sessions, Sync: sync, log: log.With("component", "api")}
}

// Health: GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok", "mock_mode": h.Jobs.MockMode(), "sessions": h.Sessions.Len()})
}
