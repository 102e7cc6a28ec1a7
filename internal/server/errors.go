package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// JSONErrorHandler keeps every error response, including echo's own
// 404s and panics, in the shared ErrorResponse shape.
func JSONErrorHandler() echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		if he, ok := err.(*echo.HTTPError); ok {
			msg := http.StatusText(he.Code)
			if s, ok := he.Message.(string); ok && s != "" {
				msg = s
			}
			_ = c.JSON(he.Code, ErrorResponse{Error: msg, Code: he.Code})
			return
		}
		_ = c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "internal server error",
			Code:  http.StatusInternalServerError,
		})
	}
}
