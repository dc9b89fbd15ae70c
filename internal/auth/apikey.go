package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Request headers carrying caller credentials. Both are stripped before
// anything is forwarded upstream.
const (
	AdminKeyHeader = "x-serverbox-admin-key"
	ProxyKeyHeader = "x-serverbox-proxy-key"
)

// AdminKeyMiddleware validates the admin key header on every admin route.
func AdminKeyMiddleware(adminKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			provided := c.Request().Header.Get(AdminKeyHeader)
			if subtle.ConstantTimeCompare([]byte(provided), []byte(adminKey)) != 1 {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "Unauthorized admin request.",
				})
			}
			return next(c)
		}
	}
}

// ProxyKeyMiddleware validates the proxy key header on instance routes.
// An empty configured key disables the check.
func ProxyKeyMiddleware(proxyKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if proxyKey == "" {
				return next(c)
			}
			provided := c.Request().Header.Get(ProxyKeyHeader)
			if subtle.ConstantTimeCompare([]byte(provided), []byte(proxyKey)) != 1 {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "Unauthorized proxy request.",
				})
			}
			return next(c)
		}
	}
}
