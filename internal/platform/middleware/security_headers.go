package middleware

import (
	"github.com/labstack/echo/v4"
)

// ChartCSP is the policy used by the trend chart endpoint, which serves an
// HTML page that loads echarts from its CDN.
const ChartCSP = "default-src 'none'; script-src 'unsafe-inline' https://go-echarts.github.io; style-src 'unsafe-inline'; frame-ancestors 'none'"

// SecurityHeaders sets response headers suited to a JSON API that returns
// patient health data.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()

			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-XSS-Protection", "0")
			// Handlers serving HTML replace this.
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			h.Set("Cache-Control", "no-store")

			return next(c)
		}
	}
}
