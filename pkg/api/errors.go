package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tempoworks/tempo/pkg/dispatch"
	"github.com/tempoworks/tempo/pkg/fsm"
	"github.com/tempoworks/tempo/pkg/models"
	"github.com/tempoworks/tempo/pkg/storage"
)

// mapServiceError translates service-layer failures into an HTTP status and
// the shared error body. Unknown errors become INTERNAL_ERROR.
func mapServiceError(err error, traceID string) (int, models.ErrorResponse) {
	var verr *storage.ValidationError
	var invalid *fsm.InvalidTransitionError
	var conflict *fsm.ConflictError

	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, models.ErrorResponse{
			Code:    models.CodeBadRequest,
			Message: verr.Error(),
			TraceID: traceID,
		}
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, models.ErrorResponse{
			Code:    models.CodeSessionNotFound,
			Message: err.Error(),
			TraceID: traceID,
		}
	case errors.As(err, &invalid):
		return http.StatusConflict, models.ErrorResponse{
			Code:    models.CodeInvalidTransition,
			Message: invalid.Error(),
			TraceID: traceID,
		}
	case errors.As(err, &conflict):
		// A CAS loss means a concurrent advance won; the client may retry.
		return http.StatusConflict, models.ErrorResponse{
			Code:      models.CodeConflict,
			Message:   conflict.Error(),
			TraceID:   traceID,
			Retryable: true,
		}
	case errors.Is(err, dispatch.ErrAborted):
		return http.StatusConflict, models.ErrorResponse{
			Code:    models.CodeConflict,
			Message: "session is aborted",
			TraceID: traceID,
		}
	default:
		return http.StatusInternalServerError, models.ErrorResponse{
			Code:    models.CodeInternalError,
			Message: err.Error(),
			TraceID: traceID,
		}
	}
}

func writeError(c *gin.Context, err error) {
	status, body := mapServiceError(err, traceFrom(c))
	c.AbortWithStatusJSON(status, body)
}
