// Package auth answers the two authorization questions the gateway asks:
// which repositories can this API key see, and may it read this one. Keys
// are looked up by SHA-256 digest only; raw keys are never compared.
package auth

import (
	"context"

	"github.com/alecthomas/errors"

	"github.com/docgate/docgate/internal/logging"
	"github.com/docgate/docgate/internal/store"
)

// ErrInvalidKey is returned when an API key is unknown to the store.
var ErrInvalidKey = errors.New("invalid or unknown API key")

// Binding is a stateless view over the store's key→repository binding sets.
// The store is consulted on every query, so admin mutations take effect
// immediately.
type Binding struct {
	store *store.Store
}

func NewBinding(s *store.Store) *Binding {
	return &Binding{store: s}
}

// AccessibleRepositories returns every repository in the key's binding set,
// or ErrInvalidKey when the key is unknown.
func (b *Binding) AccessibleRepositories(ctx context.Context, apiKey string) ([]store.Repository, error) {
	repos, err := b.store.AccessibleRepositories(store.Digest(apiKey))
	if errors.Is(err, store.ErrUnknownKey) {
		return nil, errors.WithStack(ErrInvalidKey)
	}
	return repos, errors.WithStack(err)
}

// CanAccess reports whether the key may read the repository. It returns
// false for any reason: unknown key, no binding, or no such repository.
func (b *Binding) CanAccess(ctx context.Context, apiKey, owner, repo, branch string) bool {
	allowed, err := b.store.CanAccess(store.Digest(apiKey), owner, repo, branch)
	if err != nil {
		logging.FromContext(ctx).ErrorContext(ctx, "Access check failed",
			"repo", owner+"/"+repo+"/"+branch,
			"error", err)
		return false
	}
	return allowed
}

// KnownKey reports whether the key digest is recorded at all, for the 403 on
// unknown bearers before any tool runs.
func (b *Binding) KnownKey(ctx context.Context, apiKey string) bool {
	ok, err := b.store.HasKey(store.Digest(apiKey))
	if err != nil {
		logging.FromContext(ctx).ErrorContext(ctx, "Key lookup failed", "error", err)
		return false
	}
	return ok
}
