// Package engine owns the set of tracked repositories: their on-disk working
// copies, per-repository reader/writer locks, jittered sync timers, and the
// read path that serves rewritten Markdown out of the cache.
package engine

import (
	"context"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/alecthomas/errors"
	"golang.org/x/sync/errgroup"

	"github.com/docgate/docgate/internal/docurl"
	"github.com/docgate/docgate/internal/gitsync"
	"github.com/docgate/docgate/internal/logging"
	"github.com/docgate/docgate/internal/markdown"
	"github.com/docgate/docgate/internal/metrics"
	"github.com/docgate/docgate/internal/rwlock"
	"github.com/docgate/docgate/internal/store"
)

var (
	// ErrNotFound is returned when a requested document does not exist in
	// the repository's working copy.
	ErrNotFound = errors.New("document not found")

	// ErrUnauthorized is returned when the API key may not read the
	// requested repository.
	ErrUnauthorized = errors.New("not authorized")

	// ErrCacheUnavailable is returned when the working copy cannot serve a
	// read for any other reason: untracked repository, failed on-demand
	// sync, unreadable file.
	ErrCacheUnavailable = errors.New("cache unavailable")
)

// Syncer brings a working copy up to date. *gitsync.Syncer is the production
// implementation.
type Syncer interface {
	Sync(ctx context.Context, id gitsync.Identity, dir, credential string) error
	FetchDescription(ctx context.Context, id gitsync.Identity, credential string) string
}

// Authorizer answers access questions for API keys. *auth.Binding is the
// production implementation.
type Authorizer interface {
	CanAccess(ctx context.Context, apiKey, owner, repo, branch string) bool
	AccessibleRepositories(ctx context.Context, apiKey string) ([]store.Repository, error)
}

type Config struct {
	// CacheRoot is the directory holding working copies, laid out as
	// <cache-root>/<owner>/<repo>/<branch>.
	CacheRoot string

	// SyncInterval enables periodic refresh when non-zero. Each repository's
	// next fire time is jittered by ±30% independently so the fleet does not
	// phase-lock against upstream rate limits.
	SyncInterval time.Duration

	// MaxWorkers bounds the initial parallel sync.
	MaxWorkers int
}

// Repository is one tracked repository's runtime state. Identity and
// configuration fields are guarded by the engine mutex; the working copy is
// guarded by lock.
type Repository struct {
	id           gitsync.Identity
	rootSpecPath string
	credential   string
	description  string
	lock         *rwlock.RWLock
	timer        *time.Timer
}

type Engine struct {
	config      Config
	syncer      Syncer
	auth        Authorizer
	instruments *metrics.EngineInstruments

	// ctx carries the process logger into timer-driven syncs.
	ctx context.Context

	mu     sync.RWMutex
	repos  []*Repository
	closed bool
}

func New(ctx context.Context, config Config, syncer Syncer, auth Authorizer, instruments *metrics.EngineInstruments) (*Engine, error) {
	if config.CacheRoot == "" {
		return nil, errors.New("cache root is required")
	}
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = 5
	}
	if err := os.MkdirAll(config.CacheRoot, 0o750); err != nil {
		return nil, errors.Wrap(err, "create cache root")
	}

	logging.FromContext(ctx).InfoContext(ctx, "Cache engine initialised",
		"cache_root", config.CacheRoot,
		"sync_interval", config.SyncInterval,
		"max_workers", config.MaxWorkers)

	return &Engine{
		config: config,
		syncer: syncer,
		auth:   auth,

		instruments: instruments,
		ctx:         ctx,
	}, nil
}

// Track registers a repository without syncing it. Used at startup before
// SyncAll; Add is the synchronous path for new repositories.
func (e *Engine) Track(repo store.Repository) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := gitsync.Identity{Owner: repo.Owner, Repo: repo.Repo, Branch: repo.Branch}
	if e.lookupLocked(id) != nil {
		return
	}
	e.repos = append(e.repos, newEntry(repo))
}

func newEntry(repo store.Repository) *Repository {
	rootSpecPath := repo.RootSpecPath
	if rootSpecPath == "" {
		rootSpecPath = "spec.md"
	}
	return &Repository{
		id:           gitsync.Identity{Owner: repo.Owner, Repo: repo.Repo, Branch: repo.Branch},
		rootSpecPath: rootSpecPath,
		credential:   repo.Credential,
		lock:         rwlock.New(),
	}
}

// SyncAll syncs every tracked repository through a bounded worker pool.
// Failures are logged and do not abort the other repositories. Periodic
// timers are scheduled afterwards.
func (e *Engine) SyncAll(ctx context.Context) {
	logger := logging.FromContext(ctx)

	e.mu.RLock()
	repos := append([]*Repository{}, e.repos...)
	e.mu.RUnlock()

	start := time.Now()
	logger.InfoContext(ctx, "Starting initial sync",
		"repositories", len(repos),
		"max_workers", e.config.MaxWorkers)

	var group errgroup.Group
	group.SetLimit(e.config.MaxWorkers)
	for _, r := range repos {
		group.Go(func() error {
			if err := e.syncRepository(ctx, r, "startup"); err != nil {
				logger.ErrorContext(ctx, "Initial sync failed", "repo", e.identityOf(r).String(), "error", err)
			}
			return nil
		})
	}
	_ = group.Wait() //nolint:errcheck

	for _, r := range repos {
		e.schedule(r)
	}

	logger.InfoContext(ctx, "Initial sync complete",
		"repositories", len(repos),
		"elapsed", time.Since(start))
}

// Add registers a new repository and syncs it synchronously. An existing
// identity degenerates to Update. A sync failure is returned to the caller;
// the entry remains tracked and scheduled so a later refresh can recover it.
func (e *Engine) Add(ctx context.Context, repo store.Repository) error {
	id := gitsync.Identity{Owner: repo.Owner, Repo: repo.Repo, Branch: repo.Branch}

	e.mu.Lock()
	if e.lookupLocked(id) != nil {
		e.mu.Unlock()
		logging.FromContext(ctx).WarnContext(ctx, "Repository already tracked, updating instead", "repo", id.String())
		return e.Update(ctx, id, Mutation{
			RootSpecPath: &repo.RootSpecPath,
			Credential:   &repo.Credential,
		})
	}
	r := newEntry(repo)
	e.repos = append(e.repos, r)
	e.mu.Unlock()

	err := e.syncRepository(ctx, r, "add")
	e.schedule(r)
	if err != nil {
		return errors.Wrapf(err, "add %s", id)
	}
	return nil
}

// Mutation is the set of field changes applied by Update. Nil fields are
// left unchanged.
type Mutation struct {
	Owner        *string
	Repo         *string
	Branch       *string
	RootSpecPath *string
	Credential   *string
}

// Update locates a repository by its current identity, applies the field
// changes, re-syncs and reschedules. An unknown identity falls through to
// Add with the resolved values.
func (e *Engine) Update(ctx context.Context, id gitsync.Identity, mut Mutation) error {
	e.mu.Lock()
	r := e.lookupLocked(id)
	if r == nil {
		e.mu.Unlock()
		logging.FromContext(ctx).WarnContext(ctx, "Repository not tracked, adding instead", "repo", id.String())
		return e.Add(ctx, store.Repository{
			Owner:        valueOr(mut.Owner, id.Owner),
			Repo:         valueOr(mut.Repo, id.Repo),
			Branch:       valueOr(mut.Branch, id.Branch),
			RootSpecPath: valueOr(mut.RootSpecPath, "spec.md"),
			Credential:   valueOr(mut.Credential, ""),
		})
	}

	e.cancelTimerLocked(r)
	if mut.Owner != nil {
		r.id.Owner = *mut.Owner
	}
	if mut.Repo != nil {
		r.id.Repo = *mut.Repo
	}
	if mut.Branch != nil {
		r.id.Branch = *mut.Branch
	}
	if mut.RootSpecPath != nil && *mut.RootSpecPath != "" {
		r.rootSpecPath = *mut.RootSpecPath
	}
	if mut.Credential != nil {
		r.credential = *mut.Credential
	}
	newID := r.id
	e.mu.Unlock()

	err := e.syncRepository(ctx, r, "update")
	e.schedule(r)
	if err != nil {
		return errors.Wrapf(err, "update %s", newID)
	}
	return nil
}

// Remove cancels the repository's timer, takes its write lock, drops it from
// the tracked set and deletes the working copy. Empty repo and owner parent
// directories are pruned best-effort; failures mean other branches are still
// present.
func (e *Engine) Remove(ctx context.Context, id gitsync.Identity) error {
	logger := logging.FromContext(ctx)

	e.mu.Lock()
	r := e.lookupLocked(id)
	if r == nil {
		e.mu.Unlock()
		return errors.Wrapf(ErrNotFound, "repository %s is not tracked", id)
	}
	e.cancelTimerLocked(r)
	e.mu.Unlock()

	r.lock.Lock()
	defer r.lock.Unlock()

	e.mu.Lock()
	for i, cand := range e.repos {
		if cand == r {
			e.repos = append(e.repos[:i], e.repos[i+1:]...)
			break
		}
	}
	e.mu.Unlock()

	dir := e.workingDir(id)
	if err := os.RemoveAll(dir); err != nil {
		logger.WarnContext(ctx, "Failed to remove working copy", "dir", dir, "error", err)
	}
	for _, parent := range []string{filepath.Dir(dir), filepath.Dir(filepath.Dir(dir))} {
		if parent == e.config.CacheRoot {
			break
		}
		if err := os.Remove(parent); err != nil {
			break
		}
	}

	logger.InfoContext(ctx, "Removed repository", "repo", id.String())
	return nil
}

// Read serves one document. docPath is "<owner>/<repo>/<branch>/<rest>" as
// produced by docurl.Parse. The repository is resolved by its repo name
// alone, ignoring the owner segment; a URL branch that differs from the
// cached branch is logged and the cached branch is served. Matching the full
// triple would be a behavior change and is deliberately not done here.
func (e *Engine) Read(ctx context.Context, docPath, apiKey string) (string, error) {
	logger := logging.FromContext(ctx)

	segments := strings.SplitN(docPath, "/", 4)
	if len(segments) < 4 {
		return "", errors.Wrapf(ErrNotFound, "document path %q is incomplete", docPath)
	}
	repoName, urlBranch, rest := segments[1], segments[2], segments[3]

	e.mu.RLock()
	var r *Repository
	for _, cand := range e.repos {
		if cand.id.Repo == repoName {
			r = cand
			break
		}
	}
	if r == nil {
		e.mu.RUnlock()
		return "", errors.Wrapf(ErrCacheUnavailable, "no repository tracked for path %q", docPath)
	}
	id := r.id
	e.mu.RUnlock()

	if urlBranch != id.Branch {
		logger.WarnContext(ctx, "Requested branch differs from cached branch, serving cached branch",
			"requested", urlBranch,
			"cached", id.Branch)
	}

	if !e.auth.CanAccess(ctx, apiKey, id.Owner, id.Repo, urlBranch) {
		e.instruments.RecordRead(ctx, id.String(), "unauthorized")
		return "", errors.Wrapf(ErrUnauthorized, "API key has no access to repository %s/%s/%s", id.Owner, id.Repo, urlBranch)
	}

	// Sync on demand, outside the read lock to avoid deadlocking against the
	// write side.
	if _, err := os.Stat(e.workingDir(id)); err != nil {
		logger.WarnContext(ctx, "Working copy absent, syncing before read", "repo", id.String())
		if err := e.syncRepository(ctx, r, "read"); err != nil {
			e.instruments.RecordRead(ctx, id.String(), "error")
			return "", errors.Wrapf(ErrCacheUnavailable, "repository cache not available and sync failed: %s", err)
		}
	}

	r.lock.RLock()
	defer r.lock.RUnlock()

	filePath := filepath.Join(e.config.CacheRoot, filepath.FromSlash(docPath))
	info, err := os.Stat(filePath)
	if err != nil || info.IsDir() {
		e.instruments.RecordRead(ctx, id.String(), "not_found")
		return "", errors.Wrapf(ErrNotFound, "file %q in %s", rest, id)
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		e.instruments.RecordRead(ctx, id.String(), "error")
		return "", errors.Wrapf(ErrCacheUnavailable, "read %q: %s", docPath, err)
	}

	content := string(data)
	if !utf8.ValidString(content) {
		logger.WarnContext(ctx, "File is not valid UTF-8, replacing invalid bytes", "path", docPath)
		content = string([]rune(content))
	}

	content = markdown.Rewrite(content, id.Owner, id.Repo, id.Branch, rest)
	e.instruments.RecordRead(ctx, id.String(), "success")
	return content, nil
}

// Doc is one entry of the visible-repository listing.
type Doc struct {
	RepoName    string `json:"repo_name"`
	Description string `json:"repo_description"`
	SpecURL     string `json:"repo_spec_path"`
}

// List returns a Doc for every repository visible to the API key.
func (e *Engine) List(ctx context.Context, apiKey string) ([]Doc, error) {
	repos, err := e.auth.AccessibleRepositories(ctx, apiKey)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	docs := make([]Doc, 0, len(repos))
	for _, repo := range repos {
		rootSpecPath := repo.RootSpecPath
		if rootSpecPath == "" {
			rootSpecPath = "spec.md"
		}
		docs = append(docs, Doc{
			RepoName:    repo.Repo,
			Description: e.descriptionFor(gitsync.Identity{Owner: repo.Owner, Repo: repo.Repo, Branch: repo.Branch}),
			SpecURL:     docurl.Scheme + repo.Owner + "/" + repo.Repo + "/" + repo.Branch + "/" + rootSpecPath,
		})
	}
	return docs, nil
}

// SyncNow triggers an out-of-band sync, skipping silently when a sync is
// already running. TryLock stands in for a separate "syncing" flag: the lock
// already encodes that invariant.
func (e *Engine) SyncNow(ctx context.Context, id gitsync.Identity) error {
	e.mu.RLock()
	r := e.lookupLocked(id)
	e.mu.RUnlock()
	if r == nil {
		return errors.Wrapf(ErrNotFound, "repository %s is not tracked", id)
	}

	if !r.lock.TryLock() {
		logging.FromContext(ctx).DebugContext(ctx, "Sync already in progress, skipping", "repo", id.String())
		return nil
	}
	defer r.lock.Unlock()
	return e.syncLocked(ctx, r, "webhook")
}

// SyncForPush resolves a push event's repository ("owner/repo") and branch
// to a tracked repository and syncs it. It reports whether a repository
// matched.
func (e *Engine) SyncForPush(ctx context.Context, fullName, branch string) (bool, error) {
	owner, repoName, ok := strings.Cut(fullName, "/")
	if !ok {
		return false, nil
	}
	id := gitsync.Identity{Owner: owner, Repo: repoName, Branch: branch}

	e.mu.RLock()
	r := e.lookupLocked(id)
	e.mu.RUnlock()
	if r == nil {
		return false, nil
	}
	return true, e.SyncNow(ctx, id)
}

// Close cancels every timer. In-flight syncs finish under their locks.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for _, r := range e.repos {
		e.cancelTimerLocked(r)
	}
}

// syncRepository runs one sync under the repository's write lock. Readers
// are blocked for the duration, so no read ever observes a half-reset tree.
func (e *Engine) syncRepository(ctx context.Context, r *Repository, trigger string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	return e.syncLocked(ctx, r, trigger)
}

func (e *Engine) syncLocked(ctx context.Context, r *Repository, trigger string) error {
	e.mu.RLock()
	id := r.id
	credential := r.credential
	e.mu.RUnlock()

	start := time.Now()
	if err := e.syncer.Sync(ctx, id, e.workingDir(id), credential); err != nil {
		e.instruments.RecordSync(ctx, id.String(), trigger, "failure", time.Since(start))
		return errors.WithStack(err)
	}

	description := e.syncer.FetchDescription(ctx, id, credential)
	e.mu.Lock()
	r.description = description
	e.mu.Unlock()

	e.instruments.RecordSync(ctx, id.String(), trigger, "success", time.Since(start))
	return nil
}

// schedule arms the repository's next periodic sync, replacing any existing
// timer.
func (e *Engine) schedule(r *Repository) {
	if e.config.SyncInterval <= 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.cancelTimerLocked(r)

	interval := e.jitteredInterval()
	r.timer = time.AfterFunc(interval, func() { e.timerSync(r) })

	logging.FromContext(e.ctx).DebugContext(e.ctx, "Scheduled periodic sync",
		"repo", r.id.String(),
		"interval", interval)
}

func (e *Engine) timerSync(r *Repository) {
	ctx := e.ctx

	e.mu.RLock()
	tracked := false
	for _, cand := range e.repos {
		if cand == r {
			tracked = true
			break
		}
	}
	e.mu.RUnlock()
	if !tracked {
		return
	}

	if err := e.syncRepository(ctx, r, "timer"); err != nil {
		logging.FromContext(ctx).ErrorContext(ctx, "Periodic sync failed",
			"repo", e.identityOf(r).String(),
			"error", err)
	}
	e.schedule(r)
}

// jitteredInterval perturbs the sync interval by a uniform ±30%, computed
// independently for every firing.
func (e *Engine) jitteredInterval() time.Duration {
	factor := 1 + (rand.Float64()*0.6 - 0.3)
	return time.Duration(float64(e.config.SyncInterval) * factor)
}

func (e *Engine) cancelTimerLocked(r *Repository) {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (e *Engine) lookupLocked(id gitsync.Identity) *Repository {
	for _, r := range e.repos {
		if r.id == id {
			return r
		}
	}
	return nil
}

func (e *Engine) identityOf(r *Repository) gitsync.Identity {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return r.id
}

func (e *Engine) descriptionFor(id gitsync.Identity) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if r := e.lookupLocked(id); r != nil {
		return r.description
	}
	return ""
}

func (e *Engine) workingDir(id gitsync.Identity) string {
	return filepath.Join(e.config.CacheRoot, id.Owner, id.Repo, filepath.FromSlash(id.Branch))
}

func valueOr(v *string, fallback string) string {
	if v != nil && *v != "" {
		return *v
	}
	return fallback
}
