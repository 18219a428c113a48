// Package auth produces provider credentials for outgoing requests.
//
// Two strategies exist: StaticKeySigner sends a long-lived API key, and
// JWTSigner mints short-lived HS256 tokens from an access/secret key pair.
// Both read their secrets through a CredentialCache, which is constructed
// once at startup and shared by every signer.
package auth

import (
	"context"
	"errors"
	"fmt"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/maauso/clipchain-api/internal/generr"
	"github.com/maauso/clipchain-api/internal/keystore"
)

// CredentialCache fetches secrets from a key store once and keeps them in
// memory for the life of the process. Secrets are never written to disk.
type CredentialCache struct {
	store keystore.Store
	items *gocache.Cache
	group singleflight.Group
}

// NewCredentialCache creates a cache in front of store.
func NewCredentialCache(store keystore.Store) *CredentialCache {
	return &CredentialCache{
		store: store,
		items: gocache.New(gocache.NoExpiration, 0),
	}
}

// Get returns the named secret, fetching it on first use. Concurrent first
// fetches of the same name share one store call.
func (c *CredentialCache) Get(ctx context.Context, name string) (string, error) {
	if v, ok := c.items.Get(name); ok {
		return v.(string), nil
	}

	v, err, _ := c.group.Do(name, func() (any, error) {
		if v, ok := c.items.Get(name); ok {
			return v, nil
		}
		secret, err := c.store.GetCredential(ctx, name)
		if err != nil {
			if errors.Is(err, keystore.ErrNotFound) {
				return nil, &generr.Error{
					Kind:    generr.KindAuth,
					Message: fmt.Sprintf("credential %q is not configured", name),
					Err:     err,
				}
			}
			return nil, generr.Wrap(generr.KindTransient, "", fmt.Errorf("fetch credential %q: %w", name, err))
		}
		c.items.Set(name, secret, gocache.NoExpiration)
		return secret, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Forget drops a cached secret so the next Get refetches it.
func (c *CredentialCache) Forget(name string) {
	c.items.Delete(name)
}
