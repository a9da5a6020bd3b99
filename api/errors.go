package api

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"filevora/models"

	"github.com/gin-gonic/gin"
)

type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	JobID     string `json:"job_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func statusFor(kind models.Kind) int {
	switch kind {
	case models.KindValidation, models.KindUnsafeURL:
		return http.StatusBadRequest
	case models.KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case models.KindAdmissionDenied:
		return http.StatusTooManyRequests
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case models.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError is the only place a failure becomes an HTTP response.
func (s *Server) writeError(c *gin.Context, err error) {
	var appErr *models.Error
	if !errors.As(err, &appErr) || appErr.Kind == models.KindInternal {
		s.logger.Error("Unexpected error", "error", err, "path", c.Request.URL.Path, "request_id", c.GetString(requestIDKey))
		writeInternal(c)
		return
	}

	status := statusFor(appErr.Kind)
	fields := []interface{}{"kind", appErr.Kind, "error", err, "request_id", c.GetString(requestIDKey)}
	if appErr.JobID != "" {
		fields = append(fields, "job_id", appErr.JobID)
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", fields...)
	} else {
		s.logger.Debug("Request rejected", fields...)
	}

	if appErr.Kind == models.KindAdmissionDenied {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(appErr.RetryAfter.Seconds()))))
	}
	c.AbortWithStatusJSON(status, errorResponse{
		Error:     appErr.Kind.String(),
		Message:   appErr.Message,
		JobID:     appErr.JobID,
		RequestID: c.GetString(requestIDKey),
	})
}

func writeInternal(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{
		Error:     models.KindInternal.String(),
		Message:   "An unexpected error occurred",
		RequestID: c.GetString(requestIDKey),
	})
}
