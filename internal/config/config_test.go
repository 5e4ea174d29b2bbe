package config //nolint:testpackage

import (
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
)

func TestLoad(t *testing.T) {
	input := `
bind = "0.0.0.0:9999"
cache-root = "/tmp/docgate-cache"
store-path = "/tmp/docgate.db"
sync-interval = "10m"

repository {
  owner = "alice"
  repo = "docs"
  branch = "main"
}

repository {
  owner = "bob"
  repo = "wiki"
  branch = "release/v2"
  root-spec-path = "README.md"
  credential = "${DOCS_TOKEN}"
}

api-key "ci" {
  key = "secret-key"
  repositories = ["alice/docs/main", "bob/wiki/release/v2"]
}
`
	config, err := Load(strings.NewReader(input), map[string]string{"DOCS_TOKEN": "tok123"})
	assert.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9999", config.Bind)
	assert.Equal(t, 10*time.Minute, config.SyncInterval)
	assert.Equal(t, 30*time.Second, config.Timeout)
	assert.Equal(t, 5, config.MaxWorkers)
	assert.Equal(t, 2, len(config.Repositories))
	assert.Equal(t, "spec.md", config.Repositories[0].RootSpecPath)
	assert.Equal(t, "README.md", config.Repositories[1].RootSpecPath)
	assert.Equal(t, "tok123", config.Repositories[1].Credential)
	assert.Equal(t, "ci", config.APIKeys[0].Name)
}

func TestLoadWebhookModeExcludesSyncInterval(t *testing.T) {
	input := `
enable-webhook = true
sync-interval = "10m"
`
	_, err := Load(strings.NewReader(input), nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestLoadInjectsEnvars(t *testing.T) {
	vars := map[string]string{
		"DOCGATE_SYNC_INTERVAL": "5m",
		"DOCGATE_METRICS_PORT":  "9200",
	}
	config, err := Load(strings.NewReader(``), vars)
	assert.NoError(t, err)
	assert.Equal(t, 5*time.Minute, config.SyncInterval)
	assert.Equal(t, 9200, config.Metrics.Port)
}

func TestLoadEnvarDoesNotOverrideFile(t *testing.T) {
	config, err := Load(strings.NewReader(`bind = "127.0.0.1:7000"`), map[string]string{"DOCGATE_BIND": "0.0.0.0:9"})
	assert.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", config.Bind)
}

func TestLoadAPIKeyValidation(t *testing.T) {
	_, err := Load(strings.NewReader(`
api-key "broken" {
  repositories = ["alice/docs/main"]
}
`), nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one of key or digest")

	_, err = Load(strings.NewReader(`
api-key "broken" {
  key = "k"
  repositories = ["not-a-binding"]
}
`), nil)
	assert.Error(t, err)
}

func TestParseBinding(t *testing.T) {
	owner, repo, branch, err := ParseBinding("alice/docs/main")
	assert.NoError(t, err)
	assert.Equal(t, "alice", owner)
	assert.Equal(t, "docs", repo)
	assert.Equal(t, "main", branch)

	_, _, branch, err = ParseBinding("bob/wiki/release/v2")
	assert.NoError(t, err)
	assert.Equal(t, "release/v2", branch)

	_, _, _, err = ParseBinding("alice/docs")
	assert.Error(t, err)
}
