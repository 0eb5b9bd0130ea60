package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// EchoHandler mounts the router under its base path in an echo server, for
// deployments that already front their services with echo.
func (r *Router) EchoHandler() http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	h := echo.WrapHandler(r.Handler())
	base := r.basePath
	if base == "" {
		e.Any("/*", h)
		return e
	}
	e.Any(base, h)
	e.Any(base+"/*", h)
	return e
}
