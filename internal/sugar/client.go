package sugar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/singleflight"

	"github.com/Checker-Finance/sugar-adapter/internal/httpclient"
	"github.com/Checker-Finance/sugar-adapter/internal/metrics"
	"github.com/Checker-Finance/sugar-adapter/internal/rate"
)

const (
	// APIPrefix is the root of the versioned REST API.
	APIPrefix = "/rest/v10"
	// TokenPath is the OAuth2 token endpoint; it is the only path callable without a token.
	TokenPath = APIPrefix + "/oauth2/token/"

	// HeaderOAuthToken carries the access token on every authenticated call.
	HeaderOAuthToken = "oauth-token"

	contentTypeJSON = "application/json;charset=utf-8"

	// DefaultTimeout bounds a single HTTP exchange.
	DefaultTimeout = 30 * time.Second
)

// Config configures a Client.
type Config struct {
	// BaseURL identifies the CRM instance, e.g. https://acme.sugarondemand.com.
	BaseURL string
	// Timeout bounds each HTTP exchange. Zero means DefaultTimeout.
	Timeout time.Duration
	// RetryMax is how many times network failures and 5xx responses are retried.
	RetryMax int
	// HTTPClient overrides the transport. A cookie jar is added when it has none.
	HTTPClient *http.Client
}

// Client is an authenticated access layer to one CRM instance.
// It is safe for concurrent use.
type Client struct {
	logger   *zap.Logger
	endpoint string
	rateKey  string
	exec     *httpclient.Executor
	session  *Session
	refresh  singleflight.Group
	timeout  time.Duration
	now      func() time.Time
}

// callEnvelope is the unit of work passed to the dispatcher.
type callEnvelope struct {
	path   string
	method string
	body   any
}

// NewClient constructs a Client for cfg.BaseURL. rateMgr may be nil.
func NewClient(logger *zap.Logger, cfg Config, rateMgr *rate.Manager) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	u, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("sugar: invalid base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("sugar: invalid base url %q: scheme and host are required", cfg.BaseURL)
	}

	httpClient, err := newHTTPClient(cfg)
	if err != nil {
		return nil, err
	}

	exec := httpclient.New(logger, rateMgr, httpClient, cfg.RetryMax, "sugar", func(status int, body []byte) error {
		logger.Debug("sugar.non_2xx",
			zap.Int("status", status),
			zap.Int("body_bytes", len(body)))
		return &httpclient.StatusError{Status: status, Body: body, Tag: "sugar"}
	})

	return &Client{
		logger:   logger,
		endpoint: strings.TrimRight(u.String(), "/"),
		rateKey:  u.Host,
		exec:     exec,
		session:  newSession(),
		timeout:  httpClient.Timeout,
		now:      time.Now,
	}, nil
}

// newHTTPClient returns a client with a cookie jar so that every call of one
// session is routed to the same backend node.
func newHTTPClient(cfg Config) (*http.Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("sugar: cookie jar: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	if cfg.HTTPClient == nil {
		return &http.Client{Timeout: timeout, Jar: jar}, nil
	}
	hc := *cfg.HTTPClient
	if hc.Jar == nil {
		hc.Jar = jar
	}
	if hc.Timeout == 0 {
		hc.Timeout = timeout
	}
	return &hc, nil
}

// Endpoint returns the CRM base URL.
func (c *Client) Endpoint() string { return c.endpoint }

// Session exposes read access to the credential store.
func (c *Client) Session() *Session { return c.session }

// Call issues method on path (relative to the endpoint, already escaped) and
// returns the decoded JSON result. An expired access token is refreshed and
// the call replayed once; every other failure is returned as a typed error.
func (c *Client) Call(ctx context.Context, path, method string, body any) (Value, error) {
	raw, err := c.do(ctx, callEnvelope{path: path, method: method, body: body})
	if err != nil {
		return Value{}, err
	}
	v, err := ParseValue(raw)
	if err != nil {
		return Value{}, fmt.Errorf("sugar: decode %s %s: %w", method, path, err)
	}
	return v, nil
}

// do runs the envelope through the dispatcher, classifier and single retry.
func (c *Client) do(ctx context.Context, env callEnvelope) ([]byte, error) {
	raw, usedToken, err := c.dispatch(ctx, env)
	if err == nil {
		return raw, nil
	}
	if isLocal(err) {
		return nil, err
	}

	classified := classify(err)
	if env.path == TokenPath || !accessTokenExpired(classified) {
		return nil, classified
	}

	if c.session.State() == StateExpired {
		return nil, &SessionExpiredError{Message: msgAccessTokenInvalid}
	}

	c.logger.Info("sugar.access_token_expired",
		zap.String("method", env.method),
		zap.String("path", env.path))

	if err := c.refreshAfter(ctx, usedToken); err != nil {
		metrics.IncAuthRetry("refresh_failed")
		return nil, err
	}

	raw, _, err = c.dispatch(ctx, env)
	if err != nil {
		metrics.IncAuthRetry("failed")
		if isLocal(err) {
			return nil, err
		}
		return nil, classify(err)
	}
	metrics.IncAuthRetry("ok")
	return raw, nil
}

// dispatch performs exactly one HTTP exchange (plus transport-level retries)
// and reports which access token it sent.
func (c *Client) dispatch(ctx context.Context, env callEnvelope) ([]byte, string, error) {
	if !validMethod(env.method) {
		return nil, "", fmt.Errorf("%w: %q", ErrUnsupportedMethod, env.method)
	}

	token := c.session.AccessToken()
	if env.path != TokenPath && token == "" {
		return nil, "", ErrAuthenticationRequired
	}

	var payload io.Reader
	if (env.method == http.MethodPost || env.method == http.MethodPut) && !isNil(env.body) {
		data, err := json.Marshal(env.body)
		if err != nil {
			return nil, token, &localError{fmt.Errorf("sugar: encode body: %w", err)}
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, env.method, c.endpoint+env.path, payload)
	if err != nil {
		return nil, token, &localError{fmt.Errorf("sugar: build request: %w", err)}
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set(HeaderOAuthToken, token)
	}

	start := time.Now()
	raw, err := c.exec.Do(ctx, req, c.rateKey)
	label := endpointLabel(env.path)
	metrics.ObserveDuration(metrics.SugarRequestDuration, start, label, env.method)
	metrics.IncSugarRequest(label, env.method, statusLabel(err))

	return raw, token, err
}

// localError marks failures that happened before any request left the process.
type localError struct{ err error }

func (e *localError) Error() string { return e.err.Error() }
func (e *localError) Unwrap() error { return e.err }

func isLocal(err error) bool {
	var le *localError
	return errors.Is(err, ErrAuthenticationRequired) ||
		errors.Is(err, ErrUnsupportedMethod) ||
		errors.As(err, &le)
}

func validMethod(m string) bool {
	switch m {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

func isNil(body any) bool {
	if body == nil {
		return true
	}
	if v, ok := body.(Value); ok {
		return v.IsNull()
	}
	return false
}

// endpointLabel keeps metric cardinality low: the first segment after the API prefix.
func endpointLabel(path string) string {
	p := strings.TrimPrefix(path, APIPrefix)
	p = strings.TrimPrefix(p, "/")
	if i := strings.IndexAny(p, "/?"); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "root"
	}
	return p
}

func statusLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var statusErr *httpclient.StatusError
	if errors.As(err, &statusErr) {
		return strconv.Itoa(statusErr.Status)
	}
	return "transport_error"
}
