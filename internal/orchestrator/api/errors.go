package api

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hivecore/hivecore/internal/comms"
	"github.com/hivecore/hivecore/internal/common/errors"
	"github.com/hivecore/hivecore/internal/common/logger"
	"github.com/hivecore/hivecore/internal/delegation"
	"github.com/hivecore/hivecore/internal/delegation/repository"
	"github.com/hivecore/hivecore/internal/feedback"
	"github.com/hivecore/hivecore/internal/registry"
)

// respondServiceError converts a service error into an API response. Domain
// sentinels carry their own descriptive text, so the response message is the
// error itself; anything unrecognized becomes a 500 with fallback as the
// public message.
func respondServiceError(c *gin.Context, log *logger.Logger, err error, fallback string) {
	var appErr *errors.AppError
	switch {
	case stderrors.Is(err, repository.ErrTaskNotFound),
		stderrors.Is(err, registry.ErrAgentNotFound),
		stderrors.Is(err, comms.ErrSessionNotFound):
		appErr = &errors.AppError{
			Code:       errors.ErrCodeNotFound,
			Message:    err.Error(),
			HTTPStatus: http.StatusNotFound,
		}
	case stderrors.Is(err, delegation.ErrBadTransition),
		stderrors.Is(err, comms.ErrUnknownAgent),
		stderrors.Is(err, comms.ErrInvalidMessage),
		stderrors.Is(err, feedback.ErrInvalidRating),
		stderrors.Is(err, feedback.ErrTaskNotCompleted):
		appErr = errors.BadRequest(err.Error())
	default:
		log.Error(fallback, zap.Error(err))
		appErr = errors.Wrap(err, fallback)
	}
	c.JSON(appErr.HTTPStatus, appErr)
}
