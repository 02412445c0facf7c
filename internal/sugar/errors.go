package sugar

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Checker-Finance/sugar-adapter/internal/httpclient"
)

const (
	// codeInvalidGrant is the OAuth2 error code the CRM uses for every token problem.
	codeInvalidGrant = "invalid_grant"

	// msgAccessTokenInvalid is returned when the access token has expired or was revoked.
	msgAccessTokenInvalid = "The access token provided is invalid."
	// msgRefreshTokenInvalid is returned when the refresh token can no longer be exchanged.
	msgRefreshTokenInvalid = "Invalid refresh token"
)

var (
	// ErrAuthenticationRequired is returned when a call needs an access token and none is held.
	ErrAuthenticationRequired = errors.New("sugar: you must authenticate first")
	// ErrNoRefreshToken is returned by Refresh before any successful login.
	ErrNoRefreshToken = errors.New("sugar: no refresh token found, unable to perform a refresh")
	// ErrIncompleteTokenPair is returned when the token endpoint omits one of the two tokens.
	ErrIncompleteTokenPair = errors.New("sugar: token response must carry both access_token and refresh_token")
	// ErrUnsupportedMethod is returned for verbs other than GET, POST, PUT and DELETE.
	ErrUnsupportedMethod = errors.New("sugar: unsupported http method")
	// ErrMissingUsername is returned by Login when no username is given.
	ErrMissingUsername = errors.New("sugar: username is required")
	// ErrMissingModule is returned by record operations called without a module name.
	ErrMissingModule = errors.New("sugar: module is required")
	// ErrMissingID is returned by record operations called without a record id.
	ErrMissingID = errors.New("sugar: record id is required")
	// ErrInvalidLogLevel is returned by LogMessage for levels the CRM logger does not know.
	ErrInvalidLogLevel = errors.New("sugar: invalid log level")
)

// ErrorEnvelope is the body shape of a CRM failure response.
type ErrorEnvelope struct {
	Code    string `json:"error"`
	Message string `json:"error_message"`
}

// TransportError is a failure with no classifiable response body:
// DNS, connection, timeout, or a non-2xx response with an empty body.
type TransportError struct {
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("sugar: transport error (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("sugar: transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SessionExpiredError means the refresh token itself was rejected.
// The session cannot recover without a new Login.
type SessionExpiredError struct {
	Message string
}

func (e *SessionExpiredError) Error() string {
	return "sugar: session expired: " + e.Message
}

// APIError is any other error reported by the CRM.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("sugar: api error (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("sugar: api error %s (status %d): %s", e.Code, e.Status, e.Message)
}

// AccessTokenExpired reports whether the CRM rejected the access token,
// which is the one failure a refresh can recover from.
func (e *APIError) AccessTokenExpired() bool {
	return e.Code == codeInvalidGrant && e.Message == msgAccessTokenInvalid
}

// IsSessionExpired reports whether err means the caller must log in again.
func IsSessionExpired(err error) bool {
	var se *SessionExpiredError
	return errors.As(err, &se)
}

// classify turns a failed dispatch into one of the typed errors above.
// Only the response body drives the decision.
func classify(err error) error {
	var statusErr *httpclient.StatusError
	if !errors.As(err, &statusErr) {
		return &TransportError{Err: err}
	}

	body := strings.TrimSpace(string(statusErr.Body))
	if body == "" {
		return &TransportError{Status: statusErr.Status, Err: err}
	}

	var env ErrorEnvelope
	if jsonErr := json.Unmarshal(statusErr.Body, &env); jsonErr != nil || (env.Code == "" && env.Message == "") {
		return &APIError{Status: statusErr.Status, Message: fallbackMessage(statusErr.Status, body)}
	}

	if env.Code == codeInvalidGrant && env.Message == msgRefreshTokenInvalid {
		return &SessionExpiredError{Message: env.Message}
	}
	return &APIError{Status: statusErr.Status, Code: env.Code, Message: env.Message}
}

func fallbackMessage(status int, body string) string {
	const limit = 512
	if len(body) > limit {
		body = body[:limit]
	}
	if text := http.StatusText(status); text != "" {
		return text + ": " + body
	}
	return body
}

// accessTokenExpired reports whether a classified error is recoverable by refresh.
func accessTokenExpired(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.AccessTokenExpired()
}
