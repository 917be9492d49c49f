package metrics

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Middleware collects HTTP request metrics. Websocket upgrades are skipped;
// their lifetime is the connection, not a request.
func Middleware(c *fiber.Ctx) error {
	if c.Path() == "/ws" {
		return c.Next()
	}
	start := time.Now()

	err := c.Next()

	status := c.Response().StatusCode()
	if e, ok := err.(*fiber.Error); ok {
		status = e.Code
	}
	path := c.Path()
	if route := c.Route(); route != nil && route.Path != "" {
		path = route.Path
	}

	HTTPRequestsTotal.WithLabelValues(c.Method(), path, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(c.Method(), path).Observe(time.Since(start).Seconds())
	return err
}
