package api

import (
	"net/http"

	"github.com/containerd/errdefs"
	"github.com/gin-gonic/gin"

	"github.com/efortin/vllm-fleet/pkg/fleeterr"
)

// statusFor maps an error category to an HTTP status and error type.
func statusFor(err error) (int, string) {
	switch {
	case errdefs.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errdefs.IsPermissionDenied(err):
		return http.StatusForbidden, "forbidden"
	case errdefs.IsInvalidArgument(err):
		return http.StatusBadRequest, "invalid_request"
	case errdefs.IsConflict(err):
		return http.StatusConflict, "conflict"
	case fleeterr.IsRenderError(err):
		return http.StatusUnprocessableEntity, "render_failed"
	case fleeterr.IsClusterOperation(err):
		return http.StatusBadGateway, "cluster_operation_failed"
	}
	return http.StatusInternalServerError, "internal_error"
}

func abort(c *gin.Context, status int, kind, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error": gin.H{
			"message": message,
			"type":    kind,
		},
	})
}

func (h *Handler) fail(c *gin.Context, err error) {
	status, kind := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.WithField("path", c.FullPath()).WithError(err).Warn("Request failed")
	}
	abort(c, status, kind, err.Error())
}

func (h *Handler) badRequest(c *gin.Context, err error) {
	abort(c, http.StatusBadRequest, "invalid_request", err.Error())
}
