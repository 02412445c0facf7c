package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/sugar-adapter/internal/sugar"
)

// ─── Mock service ─────────────────────────────────────────────────────────────

type mockRecordService struct {
	meFn           func(ctx context.Context) (sugar.Value, error)
	searchFn       func(ctx context.Context, q string, opts sugar.SearchOptions) (sugar.Value, error)
	searchModuleFn func(ctx context.Context, module, q string, opts sugar.ModuleSearchOptions) (sugar.Value, error)
	getFn          func(ctx context.Context, module, id string) (sugar.Value, error)
	createFn       func(ctx context.Context, module string, record any) (sugar.Value, error)
	updateFn       func(ctx context.Context, module, id string, data any) (sugar.Value, error)
	logFn          func(ctx context.Context, message, level string) error
	lastOp         string
}

var errNotImplemented = fmt.Errorf("not implemented")

func (m *mockRecordService) Me(ctx context.Context) (sugar.Value, error) {
	if m.meFn != nil {
		return m.meFn(ctx)
	}
	return sugar.Value{}, errNotImplemented
}

func (m *mockRecordService) Search(ctx context.Context, q string, opts sugar.SearchOptions) (sugar.Value, error) {
	m.lastOp = "search"
	if m.searchFn != nil {
		return m.searchFn(ctx, q, opts)
	}
	return sugar.Value{}, errNotImplemented
}

func (m *mockRecordService) SearchUsers(ctx context.Context, q string, opts sugar.SearchOptions) (sugar.Value, error) {
	m.lastOp = "users"
	if m.searchFn != nil {
		return m.searchFn(ctx, q, opts)
	}
	return sugar.Value{}, errNotImplemented
}

func (m *mockRecordService) SearchModule(ctx context.Context, module, q string, opts sugar.ModuleSearchOptions) (sugar.Value, error) {
	if m.searchModuleFn != nil {
		return m.searchModuleFn(ctx, module, q, opts)
	}
	return sugar.Value{}, errNotImplemented
}

func (m *mockRecordService) Get(ctx context.Context, module, id string) (sugar.Value, error) {
	if m.getFn != nil {
		return m.getFn(ctx, module, id)
	}
	return sugar.Value{}, errNotImplemented
}

func (m *mockRecordService) Create(ctx context.Context, module string, record any) (sugar.Value, error) {
	if m.createFn != nil {
		return m.createFn(ctx, module, record)
	}
	return sugar.Value{}, errNotImplemented
}

func (m *mockRecordService) Update(ctx context.Context, module, id string, data any) (sugar.Value, error) {
	if m.updateFn != nil {
		return m.updateFn(ctx, module, id, data)
	}
	return sugar.Value{}, errNotImplemented
}

func (m *mockRecordService) Delete(_ context.Context, _, id string) (sugar.Value, error) {
	m.lastOp = "delete:" + id
	return sugar.ObjectValue(sugar.Member{Key: "id", Value: sugar.StringValue(id)}), nil
}

func (m *mockRecordService) Favorite(_ context.Context, module, id string) (sugar.Value, error) {
	m.lastOp = "favorite:" + module + "/" + id
	return sugar.ObjectValue(sugar.Member{Key: "my_favorite", Value: sugar.BoolValue(true)}), nil
}

func (m *mockRecordService) Unfavorite(_ context.Context, module, id string) (sugar.Value, error) {
	m.lastOp = "unfavorite:" + module + "/" + id
	return sugar.ObjectValue(sugar.Member{Key: "my_favorite", Value: sugar.BoolValue(false)}), nil
}

func (m *mockRecordService) Log(ctx context.Context, message, level string) error {
	if m.logFn != nil {
		return m.logFn(ctx, message, level)
	}
	return errNotImplemented
}

// ─── Test app helpers ─────────────────────────────────────────────────────────

func newTestApp(svc RecordService) *fiber.App {
	app := fiber.New()
	RegisterRoutes(app, Dependencies{}, NewSugarHandler(zap.NewNop(), svc))
	return app
}

func doRequest(t *testing.T, app *fiber.App, method, target, body string) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, target, r)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	return resp, raw
}

func value(t *testing.T, doc string) sugar.Value {
	t.Helper()
	v, err := sugar.ParseValue([]byte(doc))
	require.NoError(t, err)
	return v
}

// ─── Read endpoints ──────────────────────────────────────────────────────────

func TestMe_Success(t *testing.T) {
	app := newTestApp(&mockRecordService{
		meFn: func(context.Context) (sugar.Value, error) {
			return value(t, `{"current_user":{"user_name":"admin","id":"1"}}`), nil
		},
	})

	resp, raw := doRequest(t, app, http.MethodGet, "/api/v1/me", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"current_user":{"user_name":"admin","id":"1"}}`, string(raw), "member order preserved")
	assert.Equal(t, fiber.MIMEApplicationJSON, resp.Header.Get("Content-Type"))
	_, err := uuid.Parse(resp.Header.Get(HeaderRequestID))
	assert.NoError(t, err)
}

func TestRequestID_PropagatedAndEchoed(t *testing.T) {
	want := uuid.New()
	app := newTestApp(&mockRecordService{
		meFn: func(ctx context.Context) (sugar.Value, error) {
			return sugar.Null(), nil
		},
	})

	req, _ := http.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req.Header.Set(HeaderRequestID, want.String())
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, want.String(), resp.Header.Get(HeaderRequestID))

	req, _ = http.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req.Header.Set(HeaderRequestID, "not-a-uuid")
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	assert.NotEqual(t, "not-a-uuid", resp.Header.Get(HeaderRequestID))
}

func TestSearch_ParsesQuery(t *testing.T) {
	var gotQ string
	var gotOpts sugar.SearchOptions
	svc := &mockRecordService{
		searchFn: func(_ context.Context, q string, opts sugar.SearchOptions) (sugar.Value, error) {
			gotQ, gotOpts = q, opts
			return value(t, `{"records":[]}`), nil
		},
	}
	app := newTestApp(svc)

	resp, _ := doRequest(t, app, http.MethodGet,
		"/api/v1/search?q=acme%20co&max_num=5&offset=10&fields=name,%20email&order_by=name:DESC&favorites=true&my_items=1", "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "search", svc.lastOp)
	assert.Equal(t, "acme co", gotQ)
	assert.Equal(t, sugar.SearchOptions{
		MaxNum:    5,
		Offset:    10,
		Fields:    []string{"name", "email"},
		OrderBy:   "name:DESC",
		Favorites: true,
		MyItems:   true,
	}, gotOpts)

	resp, _ = doRequest(t, app, http.MethodGet, "/api/v1/users?q=sally", "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "users", svc.lastOp)
}

func TestSearch_RejectsBadPaging(t *testing.T) {
	app := newTestApp(&mockRecordService{})

	for _, target := range []string{"/api/v1/search?max_num=ten", "/api/v1/search?offset=-1", "/api/v1/records/Accounts?max_num=-3"} {
		resp, _ := doRequest(t, app, http.MethodGet, target, "")
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode, target)
	}
}

func TestSearchModule(t *testing.T) {
	var gotModule string
	var gotOpts sugar.ModuleSearchOptions
	app := newTestApp(&mockRecordService{
		searchModuleFn: func(_ context.Context, module, _ string, opts sugar.ModuleSearchOptions) (sugar.Value, error) {
			gotModule, gotOpts = module, opts
			return value(t, `{"records":[]}`), nil
		},
	})

	resp, _ := doRequest(t, app, http.MethodGet, "/api/v1/records/Contacts?view=list&deleted=true", "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "Contacts", gotModule)
	assert.Equal(t, "list", gotOpts.View)
	assert.True(t, gotOpts.Deleted)
	assert.Nil(t, gotOpts.Fields)
}

func TestGetRecord(t *testing.T) {
	app := newTestApp(&mockRecordService{
		getFn: func(_ context.Context, module, id string) (sugar.Value, error) {
			return value(t, fmt.Sprintf(`{"_module":%q,"id":%q}`, module, id)), nil
		},
	})

	resp, raw := doRequest(t, app, http.MethodGet, "/api/v1/records/Accounts/a-1", "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"_module":"Accounts","id":"a-1"}`, string(raw))
}

func TestRecordRoutes_DecodePathParams(t *testing.T) {
	var gotModule, gotID string
	svc := &mockRecordService{
		getFn: func(_ context.Context, module, id string) (sugar.Value, error) {
			gotModule, gotID = module, id
			return sugar.Null(), nil
		},
	}
	app := newTestApp(svc)

	resp, _ := doRequest(t, app, http.MethodGet, "/api/v1/records/Custom%20Module/a%20b", "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "Custom Module", gotModule)
	assert.Equal(t, "a b", gotID, "escaped once by the client, not twice")

	resp, _ = doRequest(t, app, http.MethodGet, "/api/v1/records/Accounts/a%2Fb", "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "a/b", gotID)

	resp, _ = doRequest(t, app, http.MethodPut, "/api/v1/records/Leads/l%2B1/favorite", "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "favorite:Leads/l+1", svc.lastOp)
}

// ─── Mutations ───────────────────────────────────────────────────────────────

func TestCreateRecord(t *testing.T) {
	var got any
	app := newTestApp(&mockRecordService{
		createFn: func(_ context.Context, module string, record any) (sugar.Value, error) {
			got = record
			return value(t, `{"id":"new-1"}`), nil
		},
	})

	resp, raw := doRequest(t, app, http.MethodPost, "/api/v1/records/Accounts", `{"name":"Acme","industry":"Retail"}`)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	assert.JSONEq(t, `{"id":"new-1"}`, string(raw))

	v, ok := got.(sugar.Value)
	require.True(t, ok)
	assert.Equal(t, `{"name":"Acme","industry":"Retail"}`, v.String())
}

func TestCreateRecord_RejectsNonObjectBody(t *testing.T) {
	app := newTestApp(&mockRecordService{})

	for _, body := range []string{`{invalid`, `[1,2]`, `"text"`} {
		resp, raw := doRequest(t, app, http.MethodPost, "/api/v1/records/Accounts", body)
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode, body)

		var er ErrorResponse
		require.NoError(t, json.Unmarshal(raw, &er))
		assert.Equal(t, "bad_request", er.Error)
	}
}

func TestUpdateRecord(t *testing.T) {
	var gotID string
	app := newTestApp(&mockRecordService{
		updateFn: func(_ context.Context, _, id string, _ any) (sugar.Value, error) {
			gotID = id
			return value(t, `{"id":"a-1","name":"New"}`), nil
		},
	})

	resp, _ := doRequest(t, app, http.MethodPut, "/api/v1/records/Accounts/a-1", `{"name":"New"}`)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "a-1", gotID)
}

func TestDeleteAndFavorites(t *testing.T) {
	svc := &mockRecordService{}
	app := newTestApp(svc)

	resp, _ := doRequest(t, app, http.MethodDelete, "/api/v1/records/Accounts/a-1", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "delete:a-1", svc.lastOp)

	resp, raw := doRequest(t, app, http.MethodPut, "/api/v1/records/Leads/l-1/favorite", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "favorite:Leads/l-1", svc.lastOp)
	assert.JSONEq(t, `{"my_favorite":true}`, string(raw))

	resp, _ = doRequest(t, app, http.MethodDelete, "/api/v1/records/Leads/l-1/favorite", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "unfavorite:Leads/l-1", svc.lastOp)
}

func TestLog(t *testing.T) {
	var gotLevel string
	app := newTestApp(&mockRecordService{
		logFn: func(_ context.Context, _, level string) error {
			gotLevel = level
			return nil
		},
	})

	resp, _ := doRequest(t, app, http.MethodPost, "/api/v1/log", `{"message":"sync done"}`)
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "info", gotLevel)

	resp, _ = doRequest(t, app, http.MethodPost, "/api/v1/log", `{"message":"  "}`)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

// ─── Error mapping ───────────────────────────────────────────────────────────

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"missing id", sugar.ErrMissingID, fiber.StatusBadRequest, "bad_request"},
		{"bad log level", fmt.Errorf("%w: %q", sugar.ErrInvalidLogLevel, "loud"), fiber.StatusBadRequest, "bad_request"},
		{"session expired", fmt.Errorf("re-login: %w", &sugar.SessionExpiredError{Message: "Invalid refresh token"}), fiber.StatusUnauthorized, "session_expired"},
		{"not authenticated", sugar.ErrAuthenticationRequired, fiber.StatusUnauthorized, "session_expired"},
		{"crm not found", &sugar.APIError{Status: 404, Code: "not_found", Message: "Could not find record"}, fiber.StatusNotFound, "not_found"},
		{"crm validation", &sugar.APIError{Status: 422, Code: "validation_error", Message: "name required"}, 422, "validation_error"},
		{"crm unauthorized", &sugar.APIError{Status: 401, Code: "need_login", Message: "bad password"}, fiber.StatusBadGateway, "need_login"},
		{"crm server error", &sugar.APIError{Status: 500, Message: "Internal Server Error: boom"}, fiber.StatusBadGateway, "crm_error"},
		{"transport", &sugar.TransportError{Err: errors.New("connection refused")}, fiber.StatusBadGateway, "crm_unavailable"},
		{"timeout", &sugar.TransportError{Err: context.DeadlineExceeded}, fiber.StatusGatewayTimeout, "crm_timeout"},
		{"unknown", errors.New("boom"), fiber.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestApp(&mockRecordService{
				getFn: func(context.Context, string, string) (sugar.Value, error) { return sugar.Value{}, tt.err },
			})

			resp, raw := doRequest(t, app, http.MethodGet, "/api/v1/records/Accounts/a-1", "")
			assert.Equal(t, tt.status, resp.StatusCode)

			var er ErrorResponse
			require.NoError(t, json.Unmarshal(raw, &er))
			assert.Equal(t, tt.code, er.Error)
			assert.NotEmpty(t, er.Message)
		})
	}
}

// ─── Health ──────────────────────────────────────────────────────────────────

func TestHealth_AllDisabled(t *testing.T) {
	app := newTestApp(&mockRecordService{})

	resp, raw := doRequest(t, app, http.MethodGet, "/health", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","checks":{"nats":"disabled","store":"disabled","sugar":"disabled"}}`, string(raw))
}

type redisHealth struct{ rdb *redis.Client }

func (r redisHealth) HealthCheck(ctx context.Context) error { return r.rdb.Ping(ctx).Err() }

func TestHealth_StoreDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	app := fiber.New()
	RegisterRoutes(app, Dependencies{Store: redisHealth{rdb}}, NewSugarHandler(nil, &mockRecordService{}))

	resp, _ := doRequest(t, app, http.MethodGet, "/health", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	mr.Close()
	resp, raw := doRequest(t, app, http.MethodGet, "/health", "")
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(raw), `"status":"degraded"`)
}

func TestMetricsRoute(t *testing.T) {
	app := newTestApp(&mockRecordService{})

	resp, raw := doRequest(t, app, http.MethodGet, "/metrics", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "go_goroutines")
}
