package http

import (
	"context"
	"errors"
	"time"

	libCommons "github.com/LerianStudio/workflow-relay/relay"
	libLog "github.com/LerianStudio/workflow-relay/relay/log"
	libOpentelemetry "github.com/LerianStudio/workflow-relay/relay/opentelemetry"
	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel/trace"
)

// Ping returns HTTP Status 200 with response "pong".
func Ping(c *fiber.Ctx) error {
	return c.SendString("pong")
}

// Version returns a handler reporting version and the request time.
func Version(version string) fiber.Handler {
	if version == "" {
		version = "0.0.0"
	}

	return func(c *fiber.Ctx) error {
		return Respond(c, fiber.StatusOK, fiber.Map{
			"version":     version,
			"requestDate": time.Now().UTC(),
		})
	}
}

// FiberErrorHandler renders handler errors through RenderError and logs the
// ones that are not already client errors.
func FiberErrorHandler(c *fiber.Ctx, err error) error {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}

	libOpentelemetry.HandleSpanError(trace.SpanFromContext(ctx), "handler error", err)

	var fe *fiber.Error
	if errors.As(err, &fe) {
		return RenderError(c, fe)
	}

	libCommons.NewLoggerFromContext(ctx).Log(ctx, libLog.LevelError, "handler error",
		libLog.String("method", c.Method()),
		libLog.String("path", c.Path()),
		libLog.Err(err),
	)

	return RenderError(c, err)
}
