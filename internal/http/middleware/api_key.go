package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v4"
)

const HeaderAPIKey = "X-API-Key"

// AdminKeyMiddleware authenticates operator requests using the X-API-Key
// header against a single static key. An empty key disables the check, for
// local runs only.
func AdminKeyMiddleware(adminKey string) echo.MiddlewareFunc {
	want := []byte(adminKey)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if len(want) == 0 {
				return next(c)
			}
			key := strings.TrimSpace(c.Request().Header.Get(HeaderAPIKey))
			if key == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing api key"})
			}
			if subtle.ConstantTimeCompare([]byte(key), want) != 1 {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
			}
			return next(c)
		}
	}
}
