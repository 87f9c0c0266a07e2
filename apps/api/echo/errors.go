package echoapi

import (
	"net/http"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/ccscampus/campus/core"
	"github.com/ccscampus/campus/core/attendance"
	"github.com/ccscampus/campus/core/fee"
	"github.com/ccscampus/campus/core/student"
	"github.com/ccscampus/campus/core/user"
)

var (
	errUnauthorized         = echo.NewHTTPError(http.StatusUnauthorized, "user not authenticated")
	errAuthenticationFailed = echo.NewHTTPError(http.StatusBadRequest, "authentication failed")
	errAccountDeactivated   = echo.NewHTTPError(http.StatusForbidden, "account deactivated")
	errRefreshExpired       = echo.NewHTTPError(http.StatusForbidden, "refresh has expired")
	errHttpForbidden        = echo.NewHTTPError(http.StatusForbidden, "permission denied")
	errHttpNotFound         = echo.NewHTTPError(http.StatusNotFound, "not found")
)

// classify maps the domain errors to an HTTP status. ok is false for server errors.
func classify(err error) (code int, message interface{}, ok bool) {
	var vErr *core.ValidationError
	switch {
	case errors.As(err, &vErr):
		if len(vErr.Fields) > 0 {
			return http.StatusBadRequest, vErr.FieldMap(), true
		}
		return http.StatusBadRequest, vErr.Error(), true
	case errors.Is(err, user.ErrNotFound),
		errors.Is(err, student.ErrNotFound),
		errors.Is(err, fee.ErrNotFound):
		return http.StatusNotFound, errors.Cause(err).Error(), true
	case errors.Is(err, attendance.ErrForbidden):
		return http.StatusForbidden, attendance.ErrForbidden.Error(), true
	case errors.Is(err, attendance.ErrSaveInProgress),
		errors.Is(err, attendance.ErrLoadInProgress),
		errors.Is(err, attendance.ErrNotReady),
		errors.Is(err, attendance.ErrSessionClosed):
		return http.StatusConflict, errors.Cause(err).Error(), true
	}
	return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError), false
}

// newAppHTTPErrorHandler returns a custom echo.HTTPErrorHandler that knows how to handle our errors.
// signalShutdown is called in order to gracefully shutdown the Server whenever a core.shutdown error is caught.
func newAppHTTPErrorHandler(logger core.Logger, translator ut.Translator, signalShutdown func()) echo.HTTPErrorHandler {
	return func(err error, ctx echo.Context) {
		var code int
		var message interface{}

		switch origErr := errors.Cause(err).(type) {
		case *echo.HTTPError:
			if origErr == middleware.ErrJWTMissing {
				code = http.StatusUnauthorized
				message = origErr.Message
				break
			}
			if origErr.Internal != nil {
				if herr, ok := origErr.Internal.(*echo.HTTPError); ok {
					origErr = herr
				}
			}
			code = origErr.Code
			message = origErr.Message
		case validator.ValidationErrors:
			fldErrs := make(map[string]string, len(origErr))
			for _, vErr := range origErr {
				fldErrs[vErr.Field()] = vErr.Translate(translator)
			}
			code = http.StatusBadRequest
			message = fldErrs
		default:
			var ok bool
			if code, message, ok = classify(err); ok {
				break
			}

			// any other error is a server error
			var usr user.User
			if claims, cErr := getContextClaims(ctx); cErr == nil {
				usr.ID = claims.Subject
				usr.Name = claims.Name
				usr.Email = claims.Email
			}
			msg := http.StatusText(http.StatusInternalServerError)
			logger.Error(msg, errors.Wrap(err, msg), usr)

			// shutting down...
			if core.IsShutdown(err) {
				signalShutdown()
			}
		}

		if ctx.Echo().Debug && code >= http.StatusInternalServerError {
			message = err.Error()
		}
		if m, ok := message.(string); ok {
			message = echo.Map{"error": m}
		}

		// Send response
		if !ctx.Response().Committed {
			if ctx.Request().Method == http.MethodHead { // Issue #608
				err = ctx.NoContent(code)
			} else {
				err = ctx.JSON(code, message)
			}
			if err != nil {
				ctx.Echo().Logger.Error(err)
			}
		}
	}
}
