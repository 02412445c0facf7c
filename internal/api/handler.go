package api

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/Checker-Finance/sugar-adapter/internal/sugar"
)

// RecordService defines the CRM operations used by the handler.
type RecordService interface {
	Me(ctx context.Context) (sugar.Value, error)
	Search(ctx context.Context, query string, opts sugar.SearchOptions) (sugar.Value, error)
	SearchUsers(ctx context.Context, query string, opts sugar.SearchOptions) (sugar.Value, error)
	SearchModule(ctx context.Context, module, query string, opts sugar.ModuleSearchOptions) (sugar.Value, error)
	Get(ctx context.Context, module, id string) (sugar.Value, error)
	Create(ctx context.Context, module string, record any) (sugar.Value, error)
	Update(ctx context.Context, module, id string, data any) (sugar.Value, error)
	Delete(ctx context.Context, module, id string) (sugar.Value, error)
	Favorite(ctx context.Context, module, id string) (sugar.Value, error)
	Unfavorite(ctx context.Context, module, id string) (sugar.Value, error)
	Log(ctx context.Context, message, level string) error
}

// SugarHandler handles HTTP API requests for CRM operations.
type SugarHandler struct {
	logger  *zap.Logger
	service RecordService
}

// NewSugarHandler creates a new SugarHandler.
func NewSugarHandler(logger *zap.Logger, service RecordService) *SugarHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SugarHandler{logger: logger, service: service}
}

// Me returns the CRM user the adapter is logged in as.
func (h *SugarHandler) Me(c *fiber.Ctx) error {
	v, err := h.service.Me(c.UserContext())
	if err != nil {
		return h.fail(c, "me", err)
	}
	return sendValue(c, fiber.StatusOK, v)
}

// Search handles GET /api/v1/search.
func (h *SugarHandler) Search(c *fiber.Ctx) error {
	opts, err := searchOptions(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	v, err := h.service.Search(c.UserContext(), c.Query("q"), opts)
	if err != nil {
		return h.fail(c, "search", err)
	}
	return sendValue(c, fiber.StatusOK, v)
}

// SearchUsers handles GET /api/v1/users.
func (h *SugarHandler) SearchUsers(c *fiber.Ctx) error {
	opts, err := searchOptions(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	v, err := h.service.SearchUsers(c.UserContext(), c.Query("q"), opts)
	if err != nil {
		return h.fail(c, "search_users", err)
	}
	return sendValue(c, fiber.StatusOK, v)
}

// SearchModule handles GET /api/v1/records/:module.
func (h *SugarHandler) SearchModule(c *fiber.Ctx) error {
	module, _, err := recordParams(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	maxNum, offset, err := paging(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	opts := sugar.ModuleSearchOptions{
		MaxNum:  maxNum,
		Offset:  offset,
		Fields:  splitList(c.Query("fields")),
		View:    c.Query("view"),
		OrderBy: c.Query("order_by"),
		Deleted: c.QueryBool("deleted", false),
	}
	v, err := h.service.SearchModule(c.UserContext(), module, c.Query("q"), opts)
	if err != nil {
		return h.fail(c, "search_module", err)
	}
	return sendValue(c, fiber.StatusOK, v)
}

// GetRecord handles GET /api/v1/records/:module/:id.
func (h *SugarHandler) GetRecord(c *fiber.Ctx) error {
	module, id, err := recordParams(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	v, err := h.service.Get(c.UserContext(), module, id)
	if err != nil {
		return h.fail(c, "get_record", err)
	}
	return sendValue(c, fiber.StatusOK, v)
}

// CreateRecord handles POST /api/v1/records/:module.
func (h *SugarHandler) CreateRecord(c *fiber.Ctx) error {
	module, _, err := recordParams(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	body, err := objectBody(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	v, err := h.service.Create(c.UserContext(), module, body)
	if err != nil {
		return h.fail(c, "create_record", err)
	}
	return sendValue(c, fiber.StatusCreated, v)
}

// UpdateRecord handles PUT /api/v1/records/:module/:id.
func (h *SugarHandler) UpdateRecord(c *fiber.Ctx) error {
	module, id, err := recordParams(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	body, err := objectBody(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	v, err := h.service.Update(c.UserContext(), module, id, body)
	if err != nil {
		return h.fail(c, "update_record", err)
	}
	return sendValue(c, fiber.StatusOK, v)
}

// DeleteRecord handles DELETE /api/v1/records/:module/:id.
func (h *SugarHandler) DeleteRecord(c *fiber.Ctx) error {
	module, id, err := recordParams(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	v, err := h.service.Delete(c.UserContext(), module, id)
	if err != nil {
		return h.fail(c, "delete_record", err)
	}
	return sendValue(c, fiber.StatusOK, v)
}

// Favorite handles PUT /api/v1/records/:module/:id/favorite.
func (h *SugarHandler) Favorite(c *fiber.Ctx) error {
	module, id, err := recordParams(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	v, err := h.service.Favorite(c.UserContext(), module, id)
	if err != nil {
		return h.fail(c, "favorite", err)
	}
	return sendValue(c, fiber.StatusOK, v)
}

// Unfavorite handles DELETE /api/v1/records/:module/:id/favorite.
func (h *SugarHandler) Unfavorite(c *fiber.Ctx) error {
	module, id, err := recordParams(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	v, err := h.service.Unfavorite(c.UserContext(), module, id)
	if err != nil {
		return h.fail(c, "unfavorite", err)
	}
	return sendValue(c, fiber.StatusOK, v)
}

// Log handles POST /api/v1/log.
func (h *SugarHandler) Log(c *fiber.Ctx) error {
	var req LogRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err.Error())
	}
	if err := req.Validate(); err != nil {
		return badRequest(c, err.Error())
	}
	if err := h.service.Log(c.UserContext(), req.Message, req.Level); err != nil {
		return h.fail(c, "log", err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *SugarHandler) fail(c *fiber.Ctx, op string, err error) error {
	status, body := errorResponse(err)
	fields := []zap.Field{
		zap.String("op", op),
		zap.Int("status", status),
		zap.Error(err),
	}
	if id, ok := c.Locals(localRequestID).(string); ok {
		fields = append(fields, zap.String("request_id", id))
	}
	if status >= fiber.StatusInternalServerError {
		h.logger.Error("api.request_failed", fields...)
	} else {
		h.logger.Info("api.request_rejected", fields...)
	}
	return c.Status(status).JSON(body)
}

// recordParams returns the decoded :module and :id route parameters. Fiber
// leaves them escaped; the client escapes them again when building the CRM path.
func recordParams(c *fiber.Ctx) (module, id string, err error) {
	if module, err = url.PathUnescape(c.Params("module")); err != nil {
		return "", "", fiber.NewError(fiber.StatusBadRequest, "invalid module in path")
	}
	if id, err = url.PathUnescape(c.Params("id")); err != nil {
		return "", "", fiber.NewError(fiber.StatusBadRequest, "invalid id in path")
	}
	return module, id, nil
}

func searchOptions(c *fiber.Ctx) (sugar.SearchOptions, error) {
	maxNum, offset, err := paging(c)
	if err != nil {
		return sugar.SearchOptions{}, err
	}
	return sugar.SearchOptions{
		MaxNum:    maxNum,
		Offset:    offset,
		Fields:    splitList(c.Query("fields")),
		OrderBy:   c.Query("order_by"),
		Favorites: c.QueryBool("favorites", false),
		MyItems:   c.QueryBool("my_items", false),
	}, nil
}

func paging(c *fiber.Ctx) (maxNum, offset int, err error) {
	if maxNum, err = nonNegative(c.Query("max_num"), "max_num"); err != nil {
		return 0, 0, err
	}
	if offset, err = nonNegative(c.Query("offset"), "offset"); err != nil {
		return 0, 0, err
	}
	return maxNum, offset, nil
}

func nonNegative(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, name+" must be a non-negative integer")
	}
	return n, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, f := range strings.Split(raw, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// objectBody parses the request body as a JSON object, keeping field order.
func objectBody(c *fiber.Ctx) (sugar.Value, error) {
	v, err := sugar.ParseValue(c.Body())
	if err != nil {
		return sugar.Value{}, fiber.NewError(fiber.StatusBadRequest, "invalid JSON body")
	}
	if v.Kind() != sugar.KindObject {
		return sugar.Value{}, fiber.NewError(fiber.StatusBadRequest, "body must be a JSON object")
	}
	return v, nil
}

func sendValue(c *fiber.Ctx, status int, v sugar.Value) error {
	raw, err := v.MarshalJSON()
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Status(status).Send(raw)
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "bad_request", Message: msg})
}
