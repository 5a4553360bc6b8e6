// Package http provides the HTTP server for the orchestrator.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/delegatehq/orchestrator/internal/service"
	v1 "github.com/delegatehq/orchestrator/internal/transport/http/v1"
)

// NewServer creates and configures the caller-facing HTTP server.
func NewServer(svc *service.Service, log *zap.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	handler := v1.NewHandler(svc, log)
	handler.RegisterRoutes(e)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return e
}
