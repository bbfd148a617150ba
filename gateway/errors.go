package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/example/tableside/pkg/apperrors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// errorResponse is the body of every failed request. Error is safe to show
// to the user as is.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

const retryAfterSeconds = "1"

func httpStatus(err error) int {
	switch {
	case apperrors.IsValidation(err):
		return http.StatusBadRequest
	case apperrors.IsInvalidTransition(err):
		return http.StatusUnprocessableEntity
	case apperrors.IsConflict(err):
		return http.StatusConflict
	case apperrors.IsConcurrency(err):
		return http.StatusServiceUnavailable
	case apperrors.IsStoreTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case apperrors.IsNotFound(err):
		return http.StatusNotFound
	}
	// Transport failures reaching a remote order service.
	switch status.Code(err) {
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (g *Gateway) writeError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	body := errorResponse{Error: "internal error", Code: "internal"}

	var oe *apperrors.OrderError
	if errors.As(err, &oe) {
		code = httpStatus(err)
		body = errorResponse{Error: oe.Error(), Code: oe.Code}
	} else if code = httpStatus(err); code != http.StatusInternalServerError {
		body = errorResponse{Error: http.StatusText(code), Code: "unavailable"}
	}

	if code >= http.StatusInternalServerError {
		g.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Int("status", code), zap.Error(err))
	}
	if apperrors.IsRetryable(err) || code == http.StatusServiceUnavailable {
		c.Header("Retry-After", retryAfterSeconds)
	}
	c.AbortWithStatusJSON(code, body)
}

// badRequest reports a malformed request that never reached the service.
func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: msg, Code: apperrors.CodeInvalidRequest})
}
