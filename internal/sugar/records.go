package sugar

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// DefaultMaxNum is the page size used when a search does not set one.
const DefaultMaxNum = 20

// logLevels are the levels accepted by the CRM logger endpoint.
var logLevels = map[string]bool{
	"debug":      true,
	"info":       true,
	"warn":       true,
	"deprecated": true,
	"error":      true,
	"fatal":      true,
	"security":   true,
}

// SearchOptions narrow a global or Users search.
type SearchOptions struct {
	MaxNum    int
	Offset    int
	Fields    []string
	OrderBy   string // e.g. "name:DESC,date_modified:ASC"
	Favorites bool
	MyItems   bool
}

func (o SearchOptions) values(query string) url.Values {
	v := url.Values{}
	v.Set("q", query)
	v.Set("max_num", strconv.Itoa(maxNum(o.MaxNum)))
	v.Set("offset", strconv.Itoa(o.Offset))
	v.Set("favorites", boolFlag(o.Favorites))
	v.Set("my_items", boolFlag(o.MyItems))
	if len(o.Fields) > 0 {
		v.Set("fields", strings.Join(o.Fields, ","))
	}
	if o.OrderBy != "" {
		v.Set("orderBy", o.OrderBy)
	}
	return v
}

// ModuleSearchOptions narrow a search within one module.
// View, when set, lets the server pick the field list ("record", "list").
type ModuleSearchOptions struct {
	MaxNum  int
	Offset  int
	Fields  []string
	View    string
	OrderBy string
	Deleted bool
}

func (o ModuleSearchOptions) values(query string) url.Values {
	v := url.Values{}
	v.Set("q", query)
	v.Set("max_num", strconv.Itoa(maxNum(o.MaxNum)))
	v.Set("offset", strconv.Itoa(o.Offset))
	v.Set("deleted", boolFlag(o.Deleted))
	if len(o.Fields) > 0 {
		v.Set("fields", strings.Join(o.Fields, ","))
	}
	if o.View != "" {
		v.Set("view", o.View)
	}
	if o.OrderBy != "" {
		v.Set("orderBy", o.OrderBy)
	}
	return v
}

func maxNum(n int) int {
	if n <= 0 {
		return DefaultMaxNum
	}
	return n
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// modulePath builds /rest/v10/{module}[/{id}][/{suffix...}] with escaped segments.
func modulePath(module string, segments ...string) string {
	var b strings.Builder
	b.WriteString(APIPrefix)
	b.WriteByte('/')
	b.WriteString(url.PathEscape(module))
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

func checkRecord(module, id string) error {
	if module == "" {
		return ErrMissingModule
	}
	if id == "" {
		return ErrMissingID
	}
	return nil
}

// Me returns the current user and their preferences.
// GET /rest/v10/me
func (c *Client) Me(ctx context.Context) (Value, error) {
	return c.Call(ctx, APIPrefix+"/me", http.MethodGet, nil)
}

// Search performs a global search.
// GET /rest/v10/search
func (c *Client) Search(ctx context.Context, query string, opts SearchOptions) (Value, error) {
	return c.Call(ctx, APIPrefix+"/search?"+opts.values(query).Encode(), http.MethodGet, nil)
}

// SearchUsers searches the Users module.
// GET /rest/v10/Users
func (c *Client) SearchUsers(ctx context.Context, query string, opts SearchOptions) (Value, error) {
	return c.Call(ctx, APIPrefix+"/Users?"+opts.values(query).Encode(), http.MethodGet, nil)
}

// SearchModule searches records of one module.
// GET /rest/v10/{module}
func (c *Client) SearchModule(ctx context.Context, module, query string, opts ModuleSearchOptions) (Value, error) {
	if module == "" {
		return Value{}, ErrMissingModule
	}
	return c.Call(ctx, modulePath(module)+"?"+opts.values(query).Encode(), http.MethodGet, nil)
}

// LogMessage writes message to the CRM log at level.
// POST /rest/v10/logger
func (c *Client) LogMessage(ctx context.Context, message, level string) error {
	level = strings.ToLower(level)
	if !logLevels[level] {
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, level)
	}
	_, err := c.Call(ctx, APIPrefix+"/logger", http.MethodPost, map[string]string{
		"level":   level,
		"message": message,
	})
	return err
}

// CreateRecord creates a record; record may carry link operations
// such as {"contacts": {"add": [...]}}.
// POST /rest/v10/{module}
func (c *Client) CreateRecord(ctx context.Context, module string, record any) (Value, error) {
	if module == "" {
		return Value{}, ErrMissingModule
	}
	return c.Call(ctx, modulePath(module), http.MethodPost, record)
}

// RetrieveRecord fetches one record.
// GET /rest/v10/{module}/{id}
func (c *Client) RetrieveRecord(ctx context.Context, module, id string) (Value, error) {
	if err := checkRecord(module, id); err != nil {
		return Value{}, err
	}
	return c.Call(ctx, modulePath(module, id), http.MethodGet, nil)
}

// UpdateRecord updates fields of one record.
// PUT /rest/v10/{module}/{id}
func (c *Client) UpdateRecord(ctx context.Context, module, id string, data any) (Value, error) {
	if err := checkRecord(module, id); err != nil {
		return Value{}, err
	}
	return c.Call(ctx, modulePath(module, id), http.MethodPut, data)
}

// DeleteRecord deletes one record.
// DELETE /rest/v10/{module}/{id}
func (c *Client) DeleteRecord(ctx context.Context, module, id string) (Value, error) {
	if err := checkRecord(module, id); err != nil {
		return Value{}, err
	}
	return c.Call(ctx, modulePath(module, id), http.MethodDelete, nil)
}

// SetFavorite marks a record as favorite for the current user.
// PUT /rest/v10/{module}/{id}/favorite
func (c *Client) SetFavorite(ctx context.Context, module, id string) (Value, error) {
	if err := checkRecord(module, id); err != nil {
		return Value{}, err
	}
	return c.Call(ctx, modulePath(module, id, "favorite"), http.MethodPut, nil)
}

// UnsetFavorite removes the favorite mark.
// DELETE /rest/v10/{module}/{id}/favorite
func (c *Client) UnsetFavorite(ctx context.Context, module, id string) (Value, error) {
	if err := checkRecord(module, id); err != nil {
		return Value{}, err
	}
	return c.Call(ctx, modulePath(module, id, "favorite"), http.MethodDelete, nil)
}

// DownloadFile copies the contents of a file field into w and returns the byte count.
// GET /rest/v10/{module}/{id}/file/{field}
func (c *Client) DownloadFile(ctx context.Context, module, id, field string, w io.Writer) (int64, error) {
	if err := checkRecord(module, id); err != nil {
		return 0, err
	}
	if field == "" {
		return 0, fmt.Errorf("sugar: file field is required")
	}
	raw, err := c.do(ctx, callEnvelope{path: modulePath(module, id, "file", field), method: http.MethodGet})
	if err != nil {
		return 0, err
	}
	return io.Copy(w, bytes.NewReader(raw))
}
