package routers

import (
	"PrismVideo-server/routers/api"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func InitRouter(h *api.Handler, staticDir string) *gin.Engine {
	r := gin.Default()
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"*"},
	}))
	if staticDir != "" {
		r.Static("/static", staticDir)
	}
	r.GET("/health", h.Health)

	t2v := r.Group("/v1/t2v")
	{
		t2v.POST("/generate", h.Generate)
		t2v.GET("/jobs/:job_id", h.GetJob)
		t2v.POST("/jobs/:job_id/revise", h.ReviseJob)
		t2v.POST("/jobs/:job_id/finalize", h.FinalizeJob)
		t2v.DELETE("/jobs/:job_id", h.CancelJob)
	}

	sessions := r.Group("/v1/sessions")
	{
		sessions.POST("", h.CreateSession)
		sessions.GET("", h.ListSessions)
		sessions.GET("/:id", h.GetSession)
		sessions.DELETE("/:id", h.DeleteSession)
		sessions.PUT("/:id/phase", h.SetPhase)
		sessions.POST("/:id/messages", h.AddMessage)
		sessions.PUT("/:id/job", h.SetJob)
		sessions.PUT("/:id/script", h.SetScript)
		sessions.POST("/:id/script/append", h.AppendScript)
		sessions.PUT("/:id/shot-plan", h.SetShotPlan)
		sessions.PUT("/:id/shot-assets", h.SetShotAssets)
		sessions.POST("/:id/generate", h.SessionGenerate)
		sessions.POST("/:id/revise", h.SessionRevise)
		sessions.POST("/:id/finalize", h.SessionFinalize)
		sessions.GET("/:id/view", h.GetView)
		sessions.POST("/:id/player", h.PlayerAction)
		sessions.GET("/:id/ws", h.StreamSession)
	}
	return r
}
