package apierr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/hbomb79/Harmony/pkg/logger"
	"github.com/labstack/echo/v4"
)

type APIError struct {
	// Human readable error display message
	Message string `json:"message"`

	// A machine readable and stable identifier for the error case being represented
	Code string `json:"code"`

	// Used to alter the HTTP response status in accordance with the error
	Status int `json:"-"`

	// Additional message for internal logging only. Will not be included in the message
	// sent to the user.
	InternalMessage string `json:"-"`
}

// Error satisifies the Go error interface and simply exposes the
// message contained by this APIError.
func (err APIError) Error() string {
	return fmt.Sprintf("api error: %s", err.Message)
}

var (
	ErrAPIUnauthorized APIError = APIError{Status: http.StatusUnauthorized, Code: "UNAUTHORIZED"}
	ErrAPIForbidden    APIError = APIError{Status: http.StatusForbidden, Code: "FORBIDDEN"}
	ErrAPINotFound     APIError = APIError{Status: http.StatusNotFound, Code: "NOT_FOUND"}

	ErrAPINotWhitelisted APIError = APIError{Status: http.StatusForbidden, Code: "NOT_WHITELISTED", Message: "You are not on the allow-list"}
)

// New constructs an APIError with the status, code and message provided
func New(status int, code string, message string) APIError {
	return APIError{Status: status, Code: code, Message: message}
}

// Internal constructs a 500 APIError which hides the cause from the
// client but ensures it is logged.
func Internal(cause error) APIError {
	return APIError{Status: http.StatusInternalServerError, Code: "INTERNAL", InternalMessage: cause.Error()}
}

// GetHTTPErrorHandler returns an echo HTTP error handler
// which understands how to interpret APIError. If an error is
// provided which is not recognized, it will be passed off to the
// fallback HTTP handler provided.
func GetHTTPErrorHandler(fallbackHandler echo.HTTPErrorHandler) echo.HTTPErrorHandler {
	logger := logger.Get("API")
	return func(err error, ctx echo.Context) {
		var apiErr APIError
		if ok := errors.As(err, &apiErr); ok {
			if apiErr.Status == 0 {
				apiErr.Status = http.StatusInternalServerError
			}
			if len(apiErr.Message) == 0 {
				apiErr.Message = http.StatusText(apiErr.Status)
			}
			if len(apiErr.Code) == 0 {
				apiErr.Code = http.StatusText(apiErr.Status)
			}
			if len(apiErr.InternalMessage) > 0 {
				logger.Errorf("Request failure, internal error: %s\n", apiErr.InternalMessage)
			}

			if ctx.Response().Committed {
				return
			}
			if err := ctx.JSON(apiErr.Status, apiErr); err == nil {
				return
			}
		}

		logger.Verbosef(
			"%s request to %s caused a non-API error response, falling back to default HTTP error handling\n",
			ctx.Request().Method, ctx.Request().RequestURI,
		)
		fallbackHandler(err, ctx)
	}
}
