package store

import (
	"context"

	"github.com/alecthomas/errors"
)

// RepositoryMutator is the engine-side callback surface invoked by admin
// mutations so in-memory state stays coherent with the store. Mutations sync
// the repository before anything is persisted.
type RepositoryMutator interface {
	AddRepository(ctx context.Context, repo Repository) error
	UpdateRepository(ctx context.Context, owner, repo, branch string, updated Repository) error
	RemoveRepository(ctx context.Context, owner, repo, branch string) error
}

// Admin is the mutation surface the admin CRUD collaborator drives. Every
// repository mutation goes through the engine first and is persisted only on
// success, so a failing sync propagates as the admin operation's error and
// the store never records a repository the engine could not serve.
type Admin struct {
	store  *Store
	engine RepositoryMutator
}

func NewAdmin(store *Store, engine RepositoryMutator) *Admin {
	return &Admin{store: store, engine: engine}
}

// CreateRepository syncs a new repository and records it.
func (a *Admin) CreateRepository(ctx context.Context, repo Repository) error {
	if repo.RootSpecPath == "" {
		repo.RootSpecPath = "spec.md"
	}
	if err := a.engine.AddRepository(ctx, repo); err != nil {
		return errors.Wrapf(err, "add repository %s", repo.Key())
	}
	return a.store.PutRepository(repo)
}

// UpdateRepository applies field changes to an existing repository,
// re-syncing before the record is replaced. Changing the identity triple
// moves the record.
func (a *Admin) UpdateRepository(ctx context.Context, owner, repo, branch string, updated Repository) error {
	if updated.RootSpecPath == "" {
		updated.RootSpecPath = "spec.md"
	}
	if err := a.engine.UpdateRepository(ctx, owner, repo, branch, updated); err != nil {
		return errors.Wrapf(err, "update repository %s/%s/%s", owner, repo, branch)
	}
	oldKey := owner + "/" + repo + "/" + branch
	if oldKey != updated.Key() {
		if err := a.store.DeleteRepository(owner, repo, branch); err != nil {
			return err
		}
	}
	return a.store.PutRepository(updated)
}

// DeleteRepository removes a repository from the engine and the store.
func (a *Admin) DeleteRepository(ctx context.Context, owner, repo, branch string) error {
	if err := a.engine.RemoveRepository(ctx, owner, repo, branch); err != nil {
		return errors.Wrapf(err, "remove repository %s/%s/%s", owner, repo, branch)
	}
	return a.store.DeleteRepository(owner, repo, branch)
}

// CreateKey records an API key. Only the digest of rawKey is stored.
func (a *Admin) CreateKey(name, rawKey string) (string, error) {
	digest := Digest(rawKey)
	return digest, a.store.PutKey(digest, name)
}

// RevokeKey deletes a key and its binding set.
func (a *Admin) RevokeKey(digest string) error {
	return a.store.DeleteKey(digest)
}

// BindKey grants a key access to a repository.
func (a *Admin) BindKey(digest, owner, repo, branch string) error {
	if _, found, err := a.store.GetRepository(owner, repo, branch); err != nil {
		return err
	} else if !found {
		return errors.Errorf("repository %s/%s/%s is not tracked", owner, repo, branch)
	}
	return a.store.Bind(digest, owner, repo, branch)
}

// UnbindKey revokes a key's access to a repository.
func (a *Admin) UnbindKey(digest, owner, repo, branch string) error {
	return a.store.Unbind(digest, owner, repo, branch)
}
