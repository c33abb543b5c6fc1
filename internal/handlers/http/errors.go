package http

import (
	stderrors "errors"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/services"
	"rillcast/pkg/circuitbreaker"
	"rillcast/pkg/errors"
)

// toAppError maps domain failures onto API errors. Unknown errors become 500s
// with the cause kept for logging.
func toAppError(err error) *errors.AppError {
	if appErr := errors.GetAppError(err); appErr != nil {
		return appErr
	}

	var appErr *errors.AppError
	switch {
	case stderrors.Is(err, domain.ErrStreamNotFound):
		appErr = errors.NewNotFoundError("stream")
	case stderrors.Is(err, domain.ErrSessionNotFound):
		appErr = errors.NewNotFoundError("session")
	case stderrors.Is(err, domain.ErrChunkNotFound):
		appErr = errors.NewNotFoundError("chunk")
	case stderrors.Is(err, domain.ErrStreamEnded), stderrors.Is(err, domain.ErrSessionClosed):
		appErr = errors.NewGoneError(err.Error())
	case stderrors.Is(err, domain.ErrAlreadyBroadcasting):
		appErr = errors.NewConflictError(err.Error())
	case stderrors.Is(err, domain.ErrNotBroadcaster), stderrors.Is(err, domain.ErrNotViewer),
		stderrors.Is(err, services.ErrUnauthorized):
		appErr = errors.NewForbiddenError(err.Error())
	case stderrors.Is(err, domain.ErrNotConnected):
		appErr = errors.NewConflictError(err.Error())
	case stderrors.Is(err, domain.ErrInvalidEvent):
		appErr = errors.NewInvalidInputError(err.Error())
	case stderrors.Is(err, circuitbreaker.ErrOpen):
		appErr = errors.NewServiceUnavailableError("store unavailable")
	default:
		appErr = errors.NewInternalError("internal error")
	}
	appErr.Cause = err
	return appErr
}
