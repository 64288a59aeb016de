package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/orrn/labelspool/internal/batch"
	"github.com/orrn/labelspool/internal/bridge"
	"github.com/orrn/labelspool/internal/db"
	"github.com/orrn/labelspool/internal/label"
	"github.com/orrn/labelspool/internal/printing"
	"github.com/orrn/labelspool/internal/queue"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var validationErrors = []error{
	queue.ErrValidation,
	errNoBody,
	label.ErrEmptyTemplate,
	label.ErrMissingField,
	label.ErrEmptyProduct,
	label.ErrEmptyProgram,
	label.ErrTruncatedProgram,
	label.ErrUnbalancedProgram,
	label.ErrUnsupportedElement,
}

// statusFor classifies err into an HTTP status and a stable error code.
func statusFor(err error) (int, string) {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return http.StatusBadRequest, "validation_error"
		}
	}

	switch {
	case errors.Is(err, db.ErrNotFound),
		errors.Is(err, printing.ErrTemplateNotFound),
		errors.Is(err, queue.ErrDeadLetterNotFound),
		errors.Is(err, bridge.ErrPrinterNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, queue.ErrBridgeUnreachable),
		errors.Is(err, bridge.ErrNotConnected),
		errors.Is(err, bridge.ErrConnectionFailed):
		return http.StatusServiceUnavailable, "bridge_unreachable"
	case errors.Is(err, batch.ErrAlreadyRunning),
		errors.Is(err, batch.ErrNotRunning),
		errors.Is(err, db.ErrDuplicate):
		return http.StatusConflict, "conflict"
	case errors.Is(err, bridge.ErrInvalidStatus):
		return http.StatusBadGateway, "bad_gateway"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func respondError(c *gin.Context, err error) {
	status, code := statusFor(err)
	_ = c.Error(err)
	c.JSON(status, ErrorResponse{Error: code, Message: err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: err.Error()})
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: "invalid id"})
		return 0, false
	}
	return id, true
}
