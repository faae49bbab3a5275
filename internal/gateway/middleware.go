package gateway

import (
	"net/http"

	"github.com/labstack/echo/v5"
)

// labSessionHeader carries the opaque lab session id every route (other
// than /health) is scoped to.
const labSessionHeader = "X-Lab-Session-Id"

func securityHeaders(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		c.Response().Header().Set("X-Content-Type-Options", "nosniff")
		c.Response().Header().Set("X-Frame-Options", "DENY")
		c.Response().Header().Set("Referrer-Policy", "no-referrer")
		return next(c)
	}
}

// requireLabSessionHeader rejects any request (other than /health and CORS
// preflight) missing the lab session header, since every route below is
// scoped to one session.
func requireLabSessionHeader(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		if c.Request().URL.Path == "/health" || c.Request().Method == http.MethodOptions {
			return next(c)
		}
		if c.Request().Header.Get(labSessionHeader) == "" {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "missing " + labSessionHeader + " header"})
		}
		return next(c)
	}
}

func labSessionID(c *echo.Context) string {
	return c.Request().Header.Get(labSessionHeader)
}
