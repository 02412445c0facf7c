package secrets

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Checker-Finance/sugar-adapter/internal/metrics"
	"github.com/Checker-Finance/sugar-adapter/internal/sugar"
	pkgsecrets "github.com/Checker-Finance/sugar-adapter/pkg/secrets"
)

// ErrIncompleteSecret is returned when a secret lacks the username or password.
var ErrIncompleteSecret = errors.New("secret must contain username and password")

// CredentialResolver resolves the CRM login from a secrets provider,
// caching it locally to reduce provider calls.
//
// The secret is a flat JSON object with username and password and,
// optionally, client_id, client_secret and platform.
type CredentialResolver struct {
	logger     *zap.Logger
	provider   pkgsecrets.Provider
	cache      *pkgsecrets.Cache[sugar.Credentials]
	secretName string
	defaults   sugar.Credentials
}

// NewCredentialResolver constructs a resolver for secretName. Fields absent
// from the secret are taken from defaults.
func NewCredentialResolver(
	logger *zap.Logger,
	provider pkgsecrets.Provider,
	cache *pkgsecrets.Cache[sugar.Credentials],
	secretName string,
	defaults sugar.Credentials,
) *CredentialResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CredentialResolver{
		logger:     logger,
		provider:   provider,
		cache:      cache,
		secretName: secretName,
		defaults:   defaults,
	}
}

// Credentials returns the cached login or fetches it from the provider.
func (r *CredentialResolver) Credentials(ctx context.Context) (sugar.Credentials, error) {
	if creds, ok := r.cache.Get(r.secretName); ok {
		metrics.IncCacheHit("hit")
		return creds, nil
	}
	metrics.IncCacheHit("miss")

	secretMap, err := r.provider.GetSecret(ctx, r.secretName)
	if err != nil {
		r.logger.Warn("secrets.fetch_failed",
			zap.String("key", r.secretName),
			zap.Error(err))
		return sugar.Credentials{}, fmt.Errorf("resolve sugar credentials: %w", err)
	}

	creds, err := ParseCredentials(secretMap, r.defaults)
	if err != nil {
		return sugar.Credentials{}, fmt.Errorf("parse secret %q: %w", r.secretName, err)
	}

	r.cache.Put(r.secretName, creds)
	r.logger.Info("secrets.credentials_resolved",
		zap.String("key", r.secretName),
		zap.String("user", creds.Username))
	return creds, nil
}

// Invalidate drops the cached login so the next call re-reads the secret,
// e.g. after the password was rotated.
func (r *CredentialResolver) Invalidate() {
	r.cache.Bust(r.secretName)
}

// ParseCredentials maps a secret onto sugar.Credentials.
func ParseCredentials(m map[string]string, defaults sugar.Credentials) (sugar.Credentials, error) {
	creds := defaults
	if v := m["username"]; v != "" {
		creds.Username = v
	}
	if v := m["password"]; v != "" {
		creds.Password = v
	}
	if v := m["client_id"]; v != "" {
		creds.ClientID = v
	}
	if v, ok := m["client_secret"]; ok {
		creds.ClientSecret = v
	}
	if v := m["platform"]; v != "" {
		creds.Platform = v
	}
	if creds.Username == "" || creds.Password == "" {
		return sugar.Credentials{}, ErrIncompleteSecret
	}
	return creds, nil
}
