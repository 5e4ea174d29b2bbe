// Package gitsync brings a repository's local working copy to the tip of its
// tracked branch: a shallow single-branch clone the first time, then
// fetch + checkout + reset --hard on every refresh. Callers are responsible
// for holding the repository's write lock; a failing sync leaves the
// previous checkout untouched.
package gitsync

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/errors"

	"github.com/docgate/docgate/internal/logging"
)

// Identity is the globally unique triple naming one tracked repository.
type Identity struct {
	Owner  string
	Repo   string
	Branch string
}

func (id Identity) String() string {
	return id.Owner + "/" + id.Repo + "/" + id.Branch
}

type Config struct {
	// Timeout is the base subprocess timeout. Network operations (clone,
	// fetch) are given twice this.
	Timeout time.Duration

	// APIBaseURL is the upstream REST endpoint for repository metadata.
	APIBaseURL string
}

type Syncer struct {
	config Config
	client httpDoer
}

func New(config Config) *Syncer {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.APIBaseURL == "" {
		config.APIBaseURL = "https://api.github.com"
	}
	return &Syncer{
		config: config,
		client: newHTTPClient(config.Timeout),
	}
}

// Sync clones or updates the working copy at dir. credential, when
// non-empty, is an upstream access token; a clone that fails with the
// authenticated URL is retried once with the public URL before the attempt
// is considered failed.
func (s *Syncer) Sync(ctx context.Context, id Identity, dir, credential string) error {
	if isCloned(dir) {
		return s.update(ctx, id, dir)
	}
	return s.clone(ctx, id, dir, credential)
}

// isCloned reports whether dir holds a git checkout. A directory without a
// .git subdirectory is treated as absent, so an interrupted clone is redone.
func isCloned(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil && info.IsDir()
}

func (s *Syncer) clone(ctx context.Context, id Identity, dir, credential string) error {
	logger := logging.FromContext(ctx)

	if err := os.MkdirAll(filepath.Dir(dir), 0o750); err != nil {
		return errors.Wrap(err, "create clone directory")
	}

	cloneArgs := func(url string) []string {
		return []string{"clone", "--branch", id.Branch, "--single-branch", "--depth", "1", url, dir}
	}

	url := publicURL(id)
	if credential != "" {
		url = authenticatedURL(id, credential)
	}

	err := s.runGit(ctx, 2*s.config.Timeout, "", credential, cloneArgs(url)...)
	if err == nil {
		logger.InfoContext(ctx, "Cloned repository", "repo", id.String(), "dir", dir)
		return nil
	}
	if credential == "" {
		return errors.Wrapf(err, "clone %s", id)
	}

	logger.WarnContext(ctx, "Clone with credential failed, retrying with public URL",
		"repo", id.String(),
		"error", err)
	if err := s.runGit(ctx, 2*s.config.Timeout, "", credential, cloneArgs(publicURL(id))...); err != nil {
		return errors.Wrapf(err, "clone %s", id)
	}
	logger.InfoContext(ctx, "Cloned repository without credential", "repo", id.String(), "dir", dir)
	return nil
}

func (s *Syncer) update(ctx context.Context, id Identity, dir string) error {
	logger := logging.FromContext(ctx)

	if err := s.runGit(ctx, 2*s.config.Timeout, dir, "", "fetch", "origin", id.Branch); err != nil {
		return errors.Wrapf(err, "fetch %s", id)
	}
	if err := s.runGit(ctx, s.config.Timeout, dir, "", "checkout", id.Branch); err != nil {
		return errors.Wrapf(err, "checkout %s", id)
	}
	if err := s.runGit(ctx, s.config.Timeout, dir, "", "reset", "--hard", "origin/"+id.Branch); err != nil {
		return errors.Wrapf(err, "reset %s", id)
	}

	logger.InfoContext(ctx, "Updated repository", "repo", id.String(), "dir", dir)
	return nil
}

// runGit runs one git subprocess with its own timeout. credential is only
// used to scrub command output before it reaches errors or logs.
func (s *Syncer) runGit(ctx context.Context, timeout time.Duration, dir, credential string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// #nosec G204 - args are built from tracked repository records
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Errorf("git %s timed out after %s", args[0], timeout)
	}
	if err != nil {
		return errors.Wrapf(err, "git %s: %s", args[0], redact(string(output), credential))
	}
	return nil
}

func publicURL(id Identity) string {
	return "https://github.com/" + id.Owner + "/" + id.Repo + ".git"
}

func authenticatedURL(id Identity, credential string) string {
	return "https://" + credential + "@github.com/" + id.Owner + "/" + id.Repo + ".git"
}

func redact(s, credential string) string {
	if credential == "" {
		return s
	}
	return strings.ReplaceAll(s, credential, "***")
}
