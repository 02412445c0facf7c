package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/Checker-Finance/sugar-adapter/internal/records"
)

const (
	// HeaderRequestID carries the correlation id in and out.
	HeaderRequestID = "X-Request-ID"

	localRequestID = "request_id"
)

// RequestID accepts a caller's UUID request id or assigns one, echoes it in
// the response, and attaches it to the request context so published events
// carry it as their correlation id.
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := uuid.Parse(c.Get(HeaderRequestID))
		if err != nil {
			id = uuid.New()
		}
		c.Locals(localRequestID, id.String())
		c.Set(HeaderRequestID, id.String())
		c.SetUserContext(records.WithCorrelationID(c.UserContext(), id))
		return c.Next()
	}
}
