package engine

import (
	"context"

	"github.com/docgate/docgate/internal/gitsync"
	"github.com/docgate/docgate/internal/store"
)

// The engine is the store's mutation callback surface: admin CRUD operations
// go through these so the in-memory repository set stays coherent with the
// system of record.

func (e *Engine) AddRepository(ctx context.Context, repo store.Repository) error {
	return e.Add(ctx, repo)
}

func (e *Engine) UpdateRepository(ctx context.Context, owner, repo, branch string, updated store.Repository) error {
	return e.Update(ctx, gitsync.Identity{Owner: owner, Repo: repo, Branch: branch}, Mutation{
		Owner:        &updated.Owner,
		Repo:         &updated.Repo,
		Branch:       &updated.Branch,
		RootSpecPath: &updated.RootSpecPath,
		Credential:   &updated.Credential,
	})
}

func (e *Engine) RemoveRepository(ctx context.Context, owner, repo, branch string) error {
	return e.Remove(ctx, gitsync.Identity{Owner: owner, Repo: repo, Branch: branch})
}

var _ store.RepositoryMutator = (*Engine)(nil)
