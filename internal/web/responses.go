package web

import (
	"net/http"

	"github.com/getsentry/sentry-go"
	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/labstack/echo/v4"
)

type ErrorResponse struct {
	Error          bool   `json:"error"`
	Code           int    `json:"code"`
	Message        string `json:"message"`
	HttpStatusCode int    `json:"-"`
}

var GeneralServerError = ErrorResponse{
	Error:          true,
	Code:           6,
	Message:        "Something went wrong. Please try again later",
	HttpStatusCode: 500,
}

var BadArgumentsError = ErrorResponse{
	Error:          true,
	Code:           8,
	Message:        "Bad arguments",
	HttpStatusCode: 400,
}

var SessionNotFoundError = ErrorResponse{
	Error:          true,
	Code:           2,
	Message:        "session not found",
	HttpStatusCode: 404,
}

var UnsupportedNetworkError = ErrorResponse{
	Error:          true,
	Code:           3,
	Message:        "unsupported network",
	HttpStatusCode: 400,
}

var SolanaUnavailableError = ErrorResponse{
	Error:          true,
	Code:           4,
	Message:        "no solana endpoint configured",
	HttpStatusCode: 503,
}

func badArguments(detail string) ErrorResponse {
	resp := BadArgumentsError
	if detail != "" {
		resp.Message = detail
	}
	return resp
}

func HTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	c.Logger().Error(err)
	if hub := sentryecho.GetHubFromContext(c); hub != nil {
		hub.WithScope(func(scope *sentry.Scope) {
			scope.SetExtra("RequestID", c.Response().Header().Get(echo.HeaderXRequestID))
			hub.CaptureException(err)
		})
	}
	if he, ok := err.(*echo.HTTPError); ok {
		c.JSON(he.Code, he.Message)
	} else {
		c.JSON(http.StatusInternalServerError, GeneralServerError)
	}
}
