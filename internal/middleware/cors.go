package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// CORS answers browser preflights for the relay and marks responses as
// readable from any origin. Range headers are exposed so players can seek.
func CORS() echo.MiddlewareFunc {
	return echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{echo.HeaderAuthorization, echo.HeaderContentType, "Range"},
		ExposeHeaders: []string{echo.HeaderContentLength, "Content-Range", "Accept-Ranges"},
		MaxAge:        86400,
	})
}
