package sugar

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/Checker-Finance/sugar-adapter/internal/metrics"
)

const (
	// DefaultClientID is the OAuth client the CRM ships with.
	DefaultClientID = "sugar"
	// DefaultPlatform is the platform name used when none is given.
	DefaultPlatform = "base"
)

// Credentials are the inputs of a password-grant login.
// Username and Password are used for the login call only.
type Credentials struct {
	Username     string `json:"username"`
	Password     string `json:"password"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Platform     string `json:"platform"`
}

func (c Credentials) withDefaults() Credentials {
	if c.ClientID == "" {
		c.ClientID = DefaultClientID
	}
	if c.Platform == "" {
		c.Platform = DefaultPlatform
	}
	return c
}

// passwordGrant is the token endpoint body for a login.
type passwordGrant struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	Platform     string `json:"platform"`
}

// refreshGrant is the token endpoint body for a refresh.
type refreshGrant struct {
	GrantType    string `json:"grant_type"`
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// Login exchanges username and password for a token pair.
// On failure the session keeps whatever state it had before.
func (c *Client) Login(ctx context.Context, creds Credentials) error {
	if creds.Username == "" {
		return ErrMissingUsername
	}
	creds = creds.withDefaults()

	resp, err := c.Call(ctx, TokenPath, http.MethodPost, passwordGrant{
		GrantType:    "password",
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Username:     creds.Username,
		Password:     creds.Password,
		Platform:     creds.Platform,
	})
	var pair *oauth2.Token
	if err == nil {
		pair, err = newTokenPair(resp, c.now())
	}
	if err == nil {
		c.session.login(creds.ClientID, creds.ClientSecret, pair)
		metrics.IncLogin("ok")
		c.logger.Info("sugar.login_success",
			zap.String("user", creds.Username),
			zap.String("client_id", creds.ClientID),
			zap.String("platform", creds.Platform))
		return nil
	}

	metrics.IncLogin("failed")
	c.logger.Error("sugar.login_failed",
		zap.String("user", creds.Username),
		zap.Error(err))
	return fmt.Errorf("sugar: login: %w", err)
}

// Refresh exchanges the stored refresh token for a new pair.
//
// Concurrent refreshes of the same refresh token share one exchange, and a
// token already rotated by another goroutine is never sent again: the CRM
// invalidates a refresh token as soon as it is used. The shared exchange is
// detached from the caller that started it and bounded by the client
// timeout; a caller whose ctx ends first returns early with a TransportError
// while the exchange completes for the others.
func (c *Client) Refresh(ctx context.Context) error {
	rt := c.session.refreshToken()
	if rt == "" {
		return ErrNoRefreshToken
	}

	ch := c.refresh.DoChan(rt, func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return nil, c.exchangeRefreshToken(flightCtx, rt)
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.logger.Debug("sugar.refresh_shared")
		}
		return res.Err
	case <-ctx.Done():
		return &TransportError{Err: ctx.Err()}
	}
}

// refreshAfter refreshes unless the access token that failed has already been
// replaced by a concurrent refresh.
func (c *Client) refreshAfter(ctx context.Context, failedToken string) error {
	if current := c.session.AccessToken(); current != "" && current != failedToken {
		c.logger.Debug("sugar.refresh_skipped_already_rotated")
		return nil
	}
	return c.Refresh(ctx)
}

func (c *Client) exchangeRefreshToken(ctx context.Context, rt string) error {
	current, clientID, clientSecret := c.session.refreshGrant()
	if current != rt {
		// rotated by a flight that finished before this one started
		return nil
	}

	c.session.setState(StateRefreshing)
	resp, err := c.Call(ctx, TokenPath, http.MethodPost, refreshGrant{
		GrantType:    "refresh_token",
		RefreshToken: rt,
		ClientID:     clientID,
		ClientSecret: clientSecret,
	})

	var pair *oauth2.Token
	if err == nil {
		pair, err = newTokenPair(resp, c.now())
	}
	if err == nil {
		c.session.rotate(pair)
		metrics.IncTokenRefresh("ok")
		c.logger.Info("sugar.refresh_success", zap.String("client_id", clientID))
		return nil
	}

	if recoverableRefreshFailure(ctx, err) {
		c.session.setState(StateAuthenticated)
	} else {
		c.session.setState(StateExpired)
	}
	metrics.IncTokenRefresh("failed")
	c.logger.Error("sugar.refresh_failed",
		zap.String("client_id", clientID),
		zap.String("state", c.session.State().String()),
		zap.Error(err))

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == codeInvalidGrant {
		return &SessionExpiredError{Message: apiErr.Message}
	}
	return err
}

// recoverableRefreshFailure reports whether the CRM never judged the grant,
// so the stored pair may still be valid.
func recoverableRefreshFailure(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	var te *TransportError
	return errors.As(err, &te)
}
