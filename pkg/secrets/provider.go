package secrets

import (
	"context"
	"fmt"
)

// Provider fetches a secret stored as a flat JSON object.
type Provider interface {
	GetSecret(ctx context.Context, key string) (map[string]string, error)
}

// StaticProvider serves secrets from memory. It backs local runs where the
// CRM login comes from the environment instead of a secrets manager.
type StaticProvider map[string]map[string]string

// GetSecret returns a copy of the secret stored under key.
func (p StaticProvider) GetSecret(_ context.Context, key string) (map[string]string, error) {
	secret, ok := p[key]
	if !ok {
		return nil, fmt.Errorf("secret [%s] not found", key)
	}
	out := make(map[string]string, len(secret))
	for k, v := range secret {
		out[k] = v
	}
	return out, nil
}
