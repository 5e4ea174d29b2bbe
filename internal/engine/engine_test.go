package engine //nolint:testpackage // white-box testing required for unexported state

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/alecthomas/errors"

	"github.com/docgate/docgate/internal/gitsync"
	"github.com/docgate/docgate/internal/logging"
	"github.com/docgate/docgate/internal/store"
)

// stubSyncer materialises a fake working copy on every sync.
type stubSyncer struct {
	mu          sync.Mutex
	files       map[string]string
	err         error
	description string
	syncs       int
	delay       time.Duration
	onSync      func()
}

func (s *stubSyncer) Sync(_ context.Context, id gitsync.Identity, dir, _ string) error {
	s.mu.Lock()
	files := s.files
	err := s.err
	delay := s.delay
	onSync := s.onSync
	s.syncs++
	s.mu.Unlock()

	if onSync != nil {
		onSync()
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return err
	}
	if mkdirErr := os.MkdirAll(filepath.Join(dir, ".git"), 0o755); mkdirErr != nil {
		return mkdirErr
	}
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if mkdirErr := os.MkdirAll(filepath.Dir(path), 0o755); mkdirErr != nil {
			return mkdirErr
		}
		if writeErr := os.WriteFile(path, []byte(content), 0o644); writeErr != nil {
			return writeErr
		}
	}
	return nil
}

func (s *stubSyncer) FetchDescription(_ context.Context, _ gitsync.Identity, _ string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.description
}

func (s *stubSyncer) syncCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncs
}

// stubAuth allows a fixed set of (key, owner/repo/branch) pairs.
type stubAuth struct {
	allowed map[string]bool
	repos   []store.Repository
}

func (a *stubAuth) CanAccess(_ context.Context, apiKey, owner, repo, branch string) bool {
	return a.allowed[apiKey+" "+owner+"/"+repo+"/"+branch]
}

func (a *stubAuth) AccessibleRepositories(_ context.Context, apiKey string) ([]store.Repository, error) {
	return a.repos, nil
}

func testEngine(t *testing.T, syncer Syncer, auth Authorizer, interval time.Duration) (*Engine, context.Context) {
	t.Helper()
	_, ctx := logging.Configure(context.Background(), logging.Config{})
	e, err := New(ctx, Config{
		CacheRoot:    t.TempDir(),
		SyncInterval: interval,
		MaxWorkers:   5,
	}, syncer, auth, nil)
	assert.NoError(t, err)
	t.Cleanup(e.Close)
	return e, ctx
}

var aliceDocs = store.Repository{Owner: "alice", Repo: "docs", Branch: "main", RootSpecPath: "spec.md"}

func allowKey(key string, repos ...store.Repository) *stubAuth {
	allowed := map[string]bool{}
	for _, r := range repos {
		allowed[key+" "+r.Owner+"/"+r.Repo+"/"+r.Branch] = true
	}
	return &stubAuth{allowed: allowed, repos: repos}
}

func TestAddThenRead(t *testing.T) {
	syncer := &stubSyncer{files: map[string]string{"spec.md": "# hi"}}
	e, ctx := testEngine(t, syncer, allowKey("K", aliceDocs), 0)

	assert.NoError(t, e.Add(ctx, aliceDocs))

	// The moment Add returns, a read must succeed: the initial sync
	// happens-before Add returning.
	content, err := e.Read(ctx, "alice/docs/main/spec.md", "K")
	assert.NoError(t, err)
	assert.Equal(t, "# hi", content)
}

func TestReadRewritesLinks(t *testing.T) {
	syncer := &stubSyncer{files: map[string]string{
		"README.md": "See [guide](./docs/g.md) and [x](http://y)",
	}}
	e, ctx := testEngine(t, syncer, allowKey("K", aliceDocs), 0)
	assert.NoError(t, e.Add(ctx, aliceDocs))

	content, err := e.Read(ctx, "alice/docs/main/README.md", "K")
	assert.NoError(t, err)
	assert.Equal(t, "See [guide](remotedoc://alice/docs/main/docs/g.md) and [x](http://y)", content)
}

func TestReadUnauthorized(t *testing.T) {
	syncer := &stubSyncer{files: map[string]string{"spec.md": "# hi"}}
	e, ctx := testEngine(t, syncer, allowKey("K", aliceDocs), 0)
	assert.NoError(t, e.Add(ctx, aliceDocs))

	_, err := e.Read(ctx, "alice/docs/main/spec.md", "K2")
	assert.IsError(t, err, ErrUnauthorized)
}

func TestReadNotFound(t *testing.T) {
	syncer := &stubSyncer{files: map[string]string{"spec.md": "# hi"}}
	e, ctx := testEngine(t, syncer, allowKey("K", aliceDocs), 0)
	assert.NoError(t, e.Add(ctx, aliceDocs))

	_, err := e.Read(ctx, "alice/docs/main/missing.md", "K")
	assert.IsError(t, err, ErrNotFound)
}

func TestReadUntrackedRepository(t *testing.T) {
	e, ctx := testEngine(t, &stubSyncer{}, allowKey("K"), 0)
	_, err := e.Read(ctx, "alice/docs/main/spec.md", "K")
	assert.IsError(t, err, ErrCacheUnavailable)
}

func TestReadSyncsOnDemand(t *testing.T) {
	syncer := &stubSyncer{files: map[string]string{"spec.md": "# hi"}}
	e, ctx := testEngine(t, syncer, allowKey("K", aliceDocs), 0)

	// Track without syncing: the working copy does not exist yet.
	e.Track(aliceDocs)
	assert.Equal(t, 0, syncer.syncCount())

	content, err := e.Read(ctx, "alice/docs/main/spec.md", "K")
	assert.NoError(t, err)
	assert.Equal(t, "# hi", content)
	assert.Equal(t, 1, syncer.syncCount())
}

func TestReadSurfacesSyncFailure(t *testing.T) {
	syncer := &stubSyncer{err: errors.New("clone failed")}
	e, ctx := testEngine(t, syncer, allowKey("K", aliceDocs), 0)
	e.Track(aliceDocs)

	_, err := e.Read(ctx, "alice/docs/main/spec.md", "K")
	assert.IsError(t, err, ErrCacheUnavailable)
}

// The read path resolves repositories by repo name alone and serves the
// cached branch even when the URL names another, provided the key may access
// the URL's branch.
func TestReadMatchesByRepoNameAlone(t *testing.T) {
	syncer := &stubSyncer{files: map[string]string{"spec.md": "cached"}}
	auth := &stubAuth{allowed: map[string]bool{"K alice/docs/dev": true}}
	e, ctx := testEngine(t, syncer, auth, 0)
	assert.NoError(t, e.Add(ctx, aliceDocs))

	_, err := e.Read(ctx, "someone/docs/dev/spec.md", "K")
	// The working copy for the cached branch exists, but the requested path
	// embeds the URL branch, which has no working copy.
	assert.Error(t, err)

	_, err = e.Read(ctx, "someone/docs/main/spec.md", "K")
	assert.IsError(t, err, ErrUnauthorized)
}

func TestAddExistingDegeneratesToUpdate(t *testing.T) {
	syncer := &stubSyncer{files: map[string]string{"spec.md": "# hi"}}
	e, ctx := testEngine(t, syncer, allowKey("K", aliceDocs), 0)

	assert.NoError(t, e.Add(ctx, aliceDocs))
	first := syncer.syncCount()

	updated := aliceDocs
	updated.RootSpecPath = "README.md"
	assert.NoError(t, e.Add(ctx, updated))
	assert.Equal(t, first+1, syncer.syncCount())

	e.mu.RLock()
	defer e.mu.RUnlock()
	assert.Equal(t, 1, len(e.repos))
	assert.Equal(t, "README.md", e.repos[0].rootSpecPath)
}

func TestUpdateUnknownFallsThroughToAdd(t *testing.T) {
	syncer := &stubSyncer{files: map[string]string{"spec.md": "# hi"}}
	e, ctx := testEngine(t, syncer, allowKey("K", aliceDocs), 0)

	branch := "main"
	err := e.Update(ctx, gitsync.Identity{Owner: "alice", Repo: "docs", Branch: "dev"}, Mutation{Branch: &branch})
	assert.NoError(t, err)

	content, err := e.Read(ctx, "alice/docs/main/spec.md", "K")
	assert.NoError(t, err)
	assert.Equal(t, "# hi", content)
}

func TestRemoveDeletesWorkingCopyAndPrunesParents(t *testing.T) {
	syncer := &stubSyncer{files: map[string]string{"spec.md": "# hi"}}
	e, ctx := testEngine(t, syncer, allowKey("K", aliceDocs), 0)
	assert.NoError(t, e.Add(ctx, aliceDocs))

	dir := e.workingDir(gitsync.Identity{Owner: "alice", Repo: "docs", Branch: "main"})
	_, err := os.Stat(dir)
	assert.NoError(t, err)

	assert.NoError(t, e.Remove(ctx, gitsync.Identity{Owner: "alice", Repo: "docs", Branch: "main"}))

	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(e.config.CacheRoot, "alice"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(e.config.CacheRoot)
	assert.NoError(t, err)

	assert.IsError(t, e.Remove(ctx, gitsync.Identity{Owner: "alice", Repo: "docs", Branch: "main"}), ErrNotFound)
}

func TestRemoveKeepsSiblingBranchParents(t *testing.T) {
	syncer := &stubSyncer{files: map[string]string{"spec.md": "# hi"}}
	dev := store.Repository{Owner: "alice", Repo: "docs", Branch: "dev"}
	e, ctx := testEngine(t, syncer, allowKey("K", aliceDocs, dev), 0)
	assert.NoError(t, e.Add(ctx, aliceDocs))
	assert.NoError(t, e.Add(ctx, dev))

	assert.NoError(t, e.Remove(ctx, gitsync.Identity{Owner: "alice", Repo: "docs", Branch: "dev"}))

	// The repo directory still holds the main branch.
	_, err := os.Stat(filepath.Join(e.config.CacheRoot, "alice", "docs", "main"))
	assert.NoError(t, err)
}

func TestSyncAll(t *testing.T) {
	syncer := &stubSyncer{files: map[string]string{"spec.md": "# hi"}, description: "Docs"}
	bob := store.Repository{Owner: "bob", Repo: "wiki", Branch: "main"}
	e, ctx := testEngine(t, syncer, allowKey("K", aliceDocs, bob), 0)

	e.Track(aliceDocs)
	e.Track(bob)
	e.SyncAll(ctx)

	assert.Equal(t, 2, syncer.syncCount())
	assert.Equal(t, "Docs", e.descriptionFor(gitsync.Identity{Owner: "alice", Repo: "docs", Branch: "main"}))
}

func TestSyncAllContinuesPastFailures(t *testing.T) {
	syncer := &stubSyncer{err: errors.New("boom")}
	bob := store.Repository{Owner: "bob", Repo: "wiki", Branch: "main"}
	e, ctx := testEngine(t, syncer, allowKey("K", aliceDocs, bob), 0)
	e.Track(aliceDocs)
	e.Track(bob)

	e.SyncAll(ctx)
	assert.Equal(t, 2, syncer.syncCount())
}

func TestList(t *testing.T) {
	syncer := &stubSyncer{files: map[string]string{"spec.md": "# hi"}, description: "Docs for alice"}
	auth := allowKey("K", aliceDocs)
	e, ctx := testEngine(t, syncer, auth, 0)
	assert.NoError(t, e.Add(ctx, aliceDocs))

	docs, err := e.List(ctx, "K")
	assert.NoError(t, err)
	assert.Equal(t, []Doc{{
		RepoName:    "docs",
		Description: "Docs for alice",
		SpecURL:     "remotedoc://alice/docs/main/spec.md",
	}}, docs)
}

func TestSyncForPush(t *testing.T) {
	syncer := &stubSyncer{files: map[string]string{"spec.md": "# hi"}}
	e, ctx := testEngine(t, syncer, allowKey("K", aliceDocs), 0)
	assert.NoError(t, e.Add(ctx, aliceDocs))
	before := syncer.syncCount()

	matched, err := e.SyncForPush(ctx, "alice/docs", "main")
	assert.NoError(t, err)
	assert.True(t, matched)
	assert.Equal(t, before+1, syncer.syncCount())

	matched, err = e.SyncForPush(ctx, "alice/docs", "dev")
	assert.NoError(t, err)
	assert.False(t, matched)

	matched, err = e.SyncForPush(ctx, "nonsense", "main")
	assert.NoError(t, err)
	assert.False(t, matched)
}

func TestSyncNowSkipsWhenAlreadySyncing(t *testing.T) {
	syncer := &stubSyncer{files: map[string]string{"spec.md": "# hi"}}
	e, ctx := testEngine(t, syncer, allowKey("K", aliceDocs), 0)
	e.Track(aliceDocs)

	id := gitsync.Identity{Owner: "alice", Repo: "docs", Branch: "main"}

	e.mu.RLock()
	r := e.repos[0]
	e.mu.RUnlock()

	// Simulate an in-flight sync by holding the write lock.
	r.lock.Lock()
	assert.NoError(t, e.SyncNow(ctx, id))
	assert.Equal(t, 0, syncer.syncCount())
	r.lock.Unlock()

	assert.NoError(t, e.SyncNow(ctx, id))
	assert.Equal(t, 1, syncer.syncCount())
}

// A reader blocked by an in-flight sync observes the post-sync tree.
func TestReadBlocksDuringSync(t *testing.T) {
	syncer := &stubSyncer{files: map[string]string{"spec.md": "v1"}}
	e, ctx := testEngine(t, syncer, allowKey("K", aliceDocs), 0)
	assert.NoError(t, e.Add(ctx, aliceDocs))

	inSync := make(chan struct{})
	syncer.mu.Lock()
	syncer.files = map[string]string{"spec.md": "v2"}
	syncer.delay = 30 * time.Millisecond
	syncer.onSync = func() { close(inSync) }
	syncer.mu.Unlock()

	e.mu.RLock()
	r := e.repos[0]
	e.mu.RUnlock()

	go func() { _ = e.syncRepository(ctx, r, "test") }()
	<-inSync

	content, err := e.Read(ctx, "alice/docs/main/spec.md", "K")
	assert.NoError(t, err)
	assert.Equal(t, "v2", content)
}

func TestJitteredInterval(t *testing.T) {
	e, _ := testEngine(t, &stubSyncer{}, allowKey("K"), 10*time.Minute)
	for range 100 {
		interval := e.jitteredInterval()
		assert.True(t, interval >= 7*time.Minute, "interval %s below -30%% bound", interval)
		assert.True(t, interval <= 13*time.Minute, "interval %s above +30%% bound", interval)
	}
}

func TestPeriodicSyncReschedules(t *testing.T) {
	syncer := &stubSyncer{files: map[string]string{"spec.md": "# hi"}}
	e, ctx := testEngine(t, syncer, allowKey("K", aliceDocs), 0)
	// Shrink the interval after construction so jitter stays in milliseconds.
	e.config.SyncInterval = 20 * time.Millisecond

	assert.NoError(t, e.Add(ctx, aliceDocs))
	first := syncer.syncCount()

	time.Sleep(120 * time.Millisecond)
	assert.True(t, syncer.syncCount() > first+1, "expected repeated periodic syncs, got %d", syncer.syncCount())

	e.Close()
	time.Sleep(50 * time.Millisecond)
	settled := syncer.syncCount()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, settled, syncer.syncCount())
}

func TestUTF8FallbackRead(t *testing.T) {
	syncer := &stubSyncer{files: map[string]string{"spec.md": "ok \xff\xfe end"}}
	e, ctx := testEngine(t, syncer, allowKey("K", aliceDocs), 0)
	assert.NoError(t, e.Add(ctx, aliceDocs))

	content, err := e.Read(ctx, "alice/docs/main/spec.md", "K")
	assert.NoError(t, err)
	assert.Equal(t, "ok �� end", content)
}
