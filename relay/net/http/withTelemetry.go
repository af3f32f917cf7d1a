package http

import (
	"errors"
	"strconv"

	libCommons "github.com/LerianStudio/workflow-relay/relay"
	"github.com/LerianStudio/workflow-relay/relay/internal/nilcheck"
	libOpentelemetry "github.com/LerianStudio/workflow-relay/relay/opentelemetry"
	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// WithTelemetry opens a server span per request, continuing any incoming W3C
// trace context, and stores tracer in the user context for handlers.
// A nil tracer disables the middleware.
func WithTelemetry(tracer trace.Tracer) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if nilcheck.Interface(tracer) {
			return c.Next()
		}

		ctx := libOpentelemetry.ExtractHTTPContext(c)

		ctx, span := tracer.Start(ctx, c.Method()+" "+c.Path(), trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		c.SetUserContext(libCommons.ContextWithTracer(ctx, tracer))

		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			var fiberErr *fiber.Error
			if errors.As(err, &fiberErr) {
				status = fiberErr.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}

		span.SetAttributes(
			attribute.String("http.request.method", c.Method()),
			attribute.String("url.path", c.Path()),
			attribute.String("http.route", c.Route().Path),
			attribute.Int("http.response.status_code", status),
		)

		if err != nil {
			libOpentelemetry.HandleSpanError(span, "request failed", err)
		} else if status >= fiber.StatusInternalServerError {
			span.SetStatus(codes.Error, strconv.Itoa(status))
		}

		return err
	}
}
