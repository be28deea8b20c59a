package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"PrismVideo-server/models"
	"PrismVideo-server/service"
	"PrismVideo-server/timeline"
	"PrismVideo-server/workflow"
)

func (h *Handler) session(c *gin.Context) (*workflow.Session, bool) {
	sess, err := h.Sessions.Get(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return nil, false
	}
	return sess, true
}

// mutate runs fn against the session and answers with the committed snapshot.
func (h *Handler) mutate(c *gin.Context, fn func(*workflow.Session) error) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	if err := fn(sess); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess.Snapshot())
}

// POST /v1/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	sess := h.Sessions.Create()
	c.JSON(http.StatusCreated, sess.Snapshot())
}

// GET /v1/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.Sessions.List()})
}

// GET /v1/sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	if sess, ok := h.session(c); ok {
		c.JSON(http.StatusOK, sess.Snapshot())
	}
}

// DELETE /v1/sessions/:id
func (h *Handler) DeleteSession(c *gin.Context) {
	if err := h.Sessions.Delete(c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// PUT /v1/sessions/:id/phase
func (h *Handler) SetPhase(c *gin.Context) {
	var req struct {
		Phase string `json:"phase" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, badRequest(err))
		return
	}
	h.mutate(c, func(s *workflow.Session) error {
		p, err := workflow.ParsePhase(req.Phase)
		if err != nil {
			return err
		}
		return s.SetAppState(p)
	})
}

// POST /v1/sessions/:id/messages
func (h *Handler) AddMessage(c *gin.Context) {
	var req struct {
		Role    string `json:"role" binding:"required"`
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, badRequest(err))
		return
	}
	h.mutate(c, func(s *workflow.Session) error {
		return s.AddMessage(workflow.Role(req.Role), req.Content)
	})
}

// PUT /v1/sessions/:id/job; a null job_id clears it.
func (h *Handler) SetJob(c *gin.Context) {
	var req struct {
		JobID *string `json:"job_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, badRequest(err))
		return
	}
	h.mutate(c, func(s *workflow.Session) error {
		return s.SetCurrentJobID(req.JobID)
	})
}

// PUT /v1/sessions/:id/script
func (h *Handler) SetScript(c *gin.Context) {
	var req struct {
		Script string `json:"script"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, badRequest(err))
		return
	}
	h.mutate(c, func(s *workflow.Session) error {
		return s.SetScript(req.Script)
	})
}

// POST /v1/sessions/:id/script/append
func (h *Handler) AppendScript(c *gin.Context) {
	var req struct {
		Chunk string `json:"chunk"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, badRequest(err))
		return
	}
	h.mutate(c, func(s *workflow.Session) error {
		return s.AppendScript(req.Chunk)
	})
}

// PUT /v1/sessions/:id/shot-plan
func (h *Handler) SetShotPlan(c *gin.Context) {
	var req struct {
		ShotPlan models.ShotPlan `json:"shot_plan"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, badRequest(err))
		return
	}
	h.mutate(c, func(s *workflow.Session) error {
		return s.SetShotPlan(req.ShotPlan)
	})
}

// PUT /v1/sessions/:id/shot-assets
func (h *Handler) SetShotAssets(c *gin.Context) {
	var req struct {
		ShotAssets models.ShotAssets `json:"shot_assets"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, badRequest(err))
		return
	}
	h.mutate(c, func(s *workflow.Session) error {
		return s.SetShotAssets(req.ShotAssets)
	})
}

// POST /v1/sessions/:id/generate
func (h *Handler) SessionGenerate(c *gin.Context) {
	var req service.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, badRequest(err))
		return
	}
	req.ClientIP = c.ClientIP()
	sess, ok := h.session(c)
	if !ok {
		return
	}
	job, err := h.Sync.StartGeneration(c.Request.Context(), sess, req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID, "session": sess.Snapshot()})
}

// POST /v1/sessions/:id/revise
func (h *Handler) SessionRevise(c *gin.Context) {
	var req service.ReviseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, badRequest(err))
		return
	}
	req.ClientIP = c.ClientIP()
	sess, ok := h.session(c)
	if !ok {
		return
	}
	job, err := h.Sync.StartRevision(c.Request.Context(), sess, req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID, "session": sess.Snapshot()})
}

// POST /v1/sessions/:id/finalize
func (h *Handler) SessionFinalize(c *gin.Context) {
	var req service.FinalizeRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		h.respondError(c, badRequest(err))
		return
	}
	sess, ok := h.session(c)
	if !ok {
		return
	}
	job, err := h.Sync.StartFinalize(c.Request.Context(), sess, req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID, "session": sess.Snapshot()})
}

// GET /v1/sessions/:id/view
func (h *Handler) GetView(c *gin.Context) {
	if sess, ok := h.session(c); ok {
		c.JSON(http.StatusOK, sess.View())
	}
}

// POST /v1/sessions/:id/player
func (h *Handler) PlayerAction(c *gin.Context) {
	var req struct {
		Action timeline.Action `json:"action" binding:"required"`
		Index  int             `json:"index"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, badRequest(err))
		return
	}
	sess, ok := h.session(c)
	if !ok {
		return
	}
	if _, err := sess.ApplyPlayer(req.Action, req.Index); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess.View())
}
