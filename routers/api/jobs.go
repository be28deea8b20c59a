package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"PrismVideo-server/service"
)

// Submit a generation job: POST /v1/t2v/generate
func (h *Handler) Generate(c *gin.Context) {
	var req service.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, badRequest(err))
		return
	}
	req.ClientIP = c.ClientIP()
	job, err := h.Jobs.Generate(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"job_id":  job.ID,
		"status":  job.State,
		"message": "Job submitted successfully",
	})
}

// GET /v1/t2v/jobs/:job_id
func (h *Handler) GetJob(c *gin.Context) {
	st, err := h.Jobs.Status(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// POST /v1/t2v/jobs/:job_id/revise
func (h *Handler) ReviseJob(c *gin.Context) {
	var req service.ReviseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, badRequest(err))
		return
	}
	req.ClientIP = c.ClientIP()
	job, err := h.Jobs.Revise(c.Request.Context(), c.Param("job_id"), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"job_id":      job.ID,
		"status":      job.State,
		"revision_of": job.RevisionOf,
		"message":     "Revision submitted successfully",
	})
}

// POST /v1/t2v/jobs/:job_id/finalize
func (h *Handler) FinalizeJob(c *gin.Context) {
	var req service.FinalizeRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		h.respondError(c, badRequest(err))
		return
	}
	job, err := h.Jobs.Finalize(c.Request.Context(), c.Param("job_id"), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"job_id":  job.ID,
		"status":  job.State,
		"message": "Finalization started. Use GET /v1/t2v/jobs/{job_id} to track progress.",
	})
}

// DELETE /v1/t2v/jobs/:job_id
func (h *Handler) CancelJob(c *gin.Context) {
	job, err := h.Jobs.Cancel(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": job.ID, "status": job.State})
}

// bindOptionalJSON binds the body when there is one; an empty body keeps defaults.
func bindOptionalJSON(c *gin.Context, obj any) error {
	if err := c.ShouldBindJSON(obj); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
