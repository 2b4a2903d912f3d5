// Package http registers the public HTTP surface: health, the GitHub OAuth
// flow and the websocket session channel.
package http

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/AirOxygenC/DriveCode/internal/auth"
	"github.com/AirOxygenC/DriveCode/internal/ws"
)

type Handlers struct {
	OAuth *auth.GitHubOAuth
	WS    *ws.Handler
}

func NewHandlers(oauth *auth.GitHubOAuth, wsHandler *ws.Handler) Handlers {
	return Handlers{OAuth: oauth, WS: wsHandler}
}

func (h Handlers) Register(e *echo.Echo) {
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/auth/github/login", h.OAuth.Login)
	e.GET("/auth/github/callback", h.OAuth.Callback)
	e.GET("/ws", h.sessionChannel)
}

// sessionChannel hands the request to the websocket upgrader. Everything
// after the upgrade lives outside echo.
func (h Handlers) sessionChannel(c echo.Context) error {
	h.WS.ServeHTTP(c.Response(), c.Request())
	return nil
}
