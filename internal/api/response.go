package api

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/Checker-Finance/sugar-adapter/internal/sugar"
)

// ErrorResponse mirrors the CRM error envelope so callers see one error shape.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"error_message"`
}

// LogRequest is the body of POST /api/v1/log.
type LogRequest struct {
	Message string `json:"message"`
	Level   string `json:"level"`
}

// Validate checks required fields; the level itself is checked by the client.
func (r *LogRequest) Validate() error {
	if strings.TrimSpace(r.Message) == "" {
		return errors.New("message is required")
	}
	if r.Level == "" {
		r.Level = "info"
	}
	return nil
}

// errorResponse maps a service error onto an HTTP status and body.
func errorResponse(err error) (int, ErrorResponse) {
	var (
		apiErr     *sugar.APIError
		expiredErr *sugar.SessionExpiredError
		transport  *sugar.TransportError
	)

	switch {
	case errors.Is(err, sugar.ErrMissingModule),
		errors.Is(err, sugar.ErrMissingID),
		errors.Is(err, sugar.ErrInvalidLogLevel),
		errors.Is(err, sugar.ErrUnsupportedMethod):
		return fiber.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: err.Error()}

	case errors.As(err, &expiredErr), errors.Is(err, sugar.ErrAuthenticationRequired):
		return fiber.StatusUnauthorized, ErrorResponse{Error: "session_expired", Message: err.Error()}

	case errors.As(err, &apiErr):
		status := fiber.StatusBadGateway
		// a CRM-side 401 is the adapter's own login problem, not the caller's
		if apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != fiber.StatusUnauthorized {
			status = apiErr.Status
		}
		code := apiErr.Code
		if code == "" {
			code = "crm_error"
		}
		return status, ErrorResponse{Error: code, Message: apiErr.Message}

	case errors.As(err, &transport):
		if isTimeout(err) {
			return fiber.StatusGatewayTimeout, ErrorResponse{Error: "crm_timeout", Message: err.Error()}
		}
		return fiber.StatusBadGateway, ErrorResponse{Error: "crm_unavailable", Message: err.Error()}

	case errors.Is(err, context.Canceled):
		// client went away; status is only logged
		return 499, ErrorResponse{Error: "cancelled", Message: err.Error()}
	}

	return fiber.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: err.Error()}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
