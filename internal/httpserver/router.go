package httpserver

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// NewRouter creates a configured Echo server instance. CORS is wide open
// because the browser client is served from a separate origin and carries no
// cookies; authorization rides inside the session channel.
func NewRouter() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	return e
}
