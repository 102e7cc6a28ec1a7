package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes wires all endpoints and the shared error handler.
func RegisterRoutes(e *echo.Echo, h *Handlers) {
	e.HTTPErrorHandler = JSONErrorHandler()

	e.GET("/health", h.Health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := e.Group("/v1")
	v1.GET("/scan/:wallet", h.ScanWallet)
	v1.POST("/quote", h.Quote)

	sweeps := v1.Group("/sweeps")
	sweeps.POST("", h.CreateSweep)
	sweeps.GET("", h.ListSweeps)
	sweeps.GET("/:id", h.GetSweep)
	sweeps.POST("/:id/sign", h.SignSweep)
	sweeps.POST("/:id/cancel", h.CancelSweep)

	e.RouteNotFound("/*", func(c echo.Context) error {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "not found", Code: http.StatusNotFound})
	})
}
