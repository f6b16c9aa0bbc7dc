package middleware

import (
	stderrors "errors"
	"net/http"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/services"
	"chatcall/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AppErrorFrom maps call errors onto their API representation.
func AppErrorFrom(err error) *errors.AppError {
	if appErr := errors.GetAppError(err); appErr != nil {
		return appErr
	}

	switch {
	case stderrors.Is(err, domain.ErrMediaAccess):
		return errors.NewMediaAccessError(err)
	case stderrors.Is(err, domain.ErrCallNotFound), stderrors.Is(err, domain.ErrRecordNotFound):
		return errors.NewCallNotFoundError(err)
	case stderrors.Is(err, domain.ErrCallAlreadyInProgress):
		return errors.NewCallInProgressError()
	case stderrors.Is(err, domain.ErrCallAlreadyAnswered):
		return errors.WrapError(err, errors.ErrCodeConflict, "call was already answered", http.StatusConflict)
	case stderrors.Is(err, domain.ErrRecordWrite):
		return errors.NewRecordWriteError(err)
	case stderrors.Is(err, domain.ErrProtocolViolation):
		return errors.WrapError(err, errors.ErrCodeProtocol, "remote peer broke the signaling protocol", http.StatusBadGateway)
	case stderrors.Is(err, domain.ErrConnectionFailed):
		return errors.WrapError(err, errors.ErrCodeConnectionFailed, "connection to the remote peer failed", http.StatusBadGateway)
	case stderrors.Is(err, domain.ErrNoActiveCall):
		return errors.WrapError(err, errors.ErrCodeNotFound, "no active call", http.StatusNotFound)
	case stderrors.Is(err, domain.ErrNoIncomingCall):
		return errors.WrapError(err, errors.ErrCodeNotFound, "no incoming call", http.StatusNotFound)
	case stderrors.Is(err, domain.ErrSessionClosed):
		return errors.WrapError(err, errors.ErrCodeConflict, "call ended during setup", http.StatusConflict)
	case stderrors.Is(err, services.ErrUnauthorized),
		stderrors.Is(err, services.ErrInvalidToken),
		stderrors.Is(err, services.ErrExpiredToken):
		return errors.WrapError(err, errors.ErrCodeUnauthorized, err.Error(), http.StatusUnauthorized)
	}
	return nil
}

// ErrorHandlerMiddleware renders the last error attached to the context.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		if appErr := AppErrorFrom(err); appErr != nil {
			log := logger.Warnw
			if appErr.HTTPStatus >= http.StatusInternalServerError {
				log = logger.Errorw
			}
			log("request failed",
				"code", appErr.Code,
				"message", appErr.Message,
				"status", appErr.HTTPStatus,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"error", err,
			)

			c.JSON(appErr.HTTPStatus, gin.H{
				"error":   string(appErr.Code),
				"message": appErr.Message,
				"details": appErr.Context,
			})
			return
		}

		logger.Errorw("unhandled error",
			"error", err.Error(),
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)

		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   string(errors.ErrCodeInternal),
			"message": "Internal server error",
		})
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(errors.ErrCodeInternal),
					"message": "Internal server error",
				})
			}
		}()

		c.Next()
	}
}
