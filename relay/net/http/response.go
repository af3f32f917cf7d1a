package http

import (
	"errors"
	"net/http"

	cn "github.com/LerianStudio/workflow-relay/relay/constants"
	"github.com/gofiber/fiber/v2"
)

// ErrorResponse is the body of every error the admin API returns.
type ErrorResponse struct {
	Code    int    `json:"code"    example:"400"`
	Title   string `json:"title"   example:"invalid_query"`
	Message string `json:"message" example:"pageSize must be at most 500"`
}

// Error allows ErrorResponse to be returned from handlers.
func (e ErrorResponse) Error() string {
	return e.Message
}

// Respond writes body as JSON with status.
func Respond(c *fiber.Ctx, status int, body any) error {
	return c.Status(status).JSON(body)
}

// RespondError writes an ErrorResponse with status.
func RespondError(c *fiber.Ctx, status int, title, message string) error {
	return Respond(c, status, ErrorResponse{Code: status, Title: title, Message: message})
}

// BadRequestError writes a 400 response.
func BadRequestError(c *fiber.Ctx, title, message string) error {
	return RespondError(c, fiber.StatusBadRequest, title, message)
}

// NotFoundError writes a 404 response.
func NotFoundError(c *fiber.Ctx, title, message string) error {
	return RespondError(c, fiber.StatusNotFound, title, message)
}

// InternalServerErrorWithTitle writes a 500 response. The message is always
// generic so internal details never leak.
func InternalServerErrorWithTitle(c *fiber.Ctx, title string) error {
	return RespondError(c, fiber.StatusInternalServerError, title, "internal server error")
}

// ServiceUnavailableErrorWithTitle writes a 503 response with a generic message.
func ServiceUnavailableErrorWithTitle(c *fiber.Ctx, title string) error {
	return RespondError(c, fiber.StatusServiceUnavailable, title, "service unavailable")
}

// RenderError writes err through the ErrorResponse contract. Errors that are
// neither an ErrorResponse nor a *fiber.Error become a generic 500.
func RenderError(c *fiber.Ctx, err error) error {
	if err == nil {
		return nil
	}

	var pointerResp *ErrorResponse
	if errors.As(err, &pointerResp) && pointerResp != nil {
		return renderErrorResponse(c, *pointerResp)
	}

	var valueResp ErrorResponse
	if errors.As(err, &valueResp) {
		return renderErrorResponse(c, valueResp)
	}

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return RespondError(c, fiberErr.Code, cn.DefaultErrorTitle, fiberErr.Message)
	}

	return RespondError(c, fiber.StatusInternalServerError, cn.DefaultErrorTitle, "An internal error occurred")
}

func renderErrorResponse(c *fiber.Ctx, resp ErrorResponse) error {
	status := fiber.StatusInternalServerError
	if resp.Code >= http.StatusContinue && resp.Code <= 599 {
		status = resp.Code
	}

	title := resp.Title
	if title == "" {
		title = cn.DefaultErrorTitle
	}

	message := resp.Message
	if message == "" {
		message = http.StatusText(status)
	}

	return RespondError(c, status, title, message)
}
