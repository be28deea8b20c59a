package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"PrismVideo-server/service"
	"PrismVideo-server/timeline"
	"PrismVideo-server/workflow"
)

// apiError pairs an error with the status and stable code sent to clients.
type apiError struct {
	Status int
	Code   string
	Err    error
}

func (e *apiError) Error() string { return e.Err.Error() }
func (e *apiError) Unwrap() error { return e.Err }

func badRequest(err error) *apiError {
	return &apiError{Status: http.StatusBadRequest, Code: "INVALID_REQUEST", Err: err}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// classify maps domain errors onto HTTP responses.
func classify(err error) *apiError {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae
	}
	switch {
	case errors.Is(err, service.ErrValidation):
		return &apiError{http.StatusBadRequest, "VALIDATION_ERROR", err}
	case errors.Is(err, workflow.ErrUnknownPhase):
		return &apiError{http.StatusBadRequest, "UNKNOWN_PHASE", err}
	case errors.Is(err, workflow.ErrUnknownRole):
		return &apiError{http.StatusBadRequest, "UNKNOWN_ROLE", err}
	case errors.Is(err, timeline.ErrShotOutOfRange):
		return &apiError{http.StatusBadRequest, "SHOT_OUT_OF_RANGE", err}
	case errors.Is(err, timeline.ErrUnknownAction):
		return &apiError{http.StatusBadRequest, "UNKNOWN_ACTION", err}
	case errors.Is(err, service.ErrJobNotFound):
		return &apiError{http.StatusNotFound, "JOB_NOT_FOUND", err}
	case errors.Is(err, workflow.ErrSessionNotFound):
		return &apiError{http.StatusNotFound, "SESSION_NOT_FOUND", err}
	case errors.Is(err, service.ErrInvalidJobState):
		return &apiError{http.StatusConflict, "INVALID_JOB_STATE", err}
	case errors.Is(err, workflow.ErrInvalidTransition):
		return &apiError{http.StatusConflict, "INVALID_TRANSITION", err}
	case errors.Is(err, service.ErrRateLimited):
		return &apiError{http.StatusTooManyRequests, "RATE_LIMITED", err}
	}
	return &apiError{http.StatusInternalServerError, "INTERNAL_ERROR", err}
}

func (h *Handler) respondError(c *gin.Context, err error) {
	ae := classify(err)
	if ae.Status >= http.StatusInternalServerError {
		h.log.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(ae.Status, gin.H{"error": errorBody{Code: ae.Code, Message: ae.Err.Error()}})
}
