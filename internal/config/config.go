// Package config loads the gateway's HCL configuration file, expanding
// ${VAR} references and injecting DOCGATE_* environment variables for
// attributes the file leaves unset.
package config

import (
	"io"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/errors"
	"github.com/alecthomas/hcl/v2"

	"github.com/docgate/docgate/internal/logging"
	"github.com/docgate/docgate/internal/metrics"
)

// EnvPrefix is the prefix for injected environment variables, e.g.
// DOCGATE_SYNC_INTERVAL or DOCGATE_LOG_LEVEL.
const EnvPrefix = "DOCGATE"

// Config is the full configuration file.
type Config struct {
	Bind          string         `hcl:"bind,optional" help:"Bind address for the gateway server." default:"127.0.0.1:8080"`
	CacheRoot     string         `hcl:"cache-root,optional" help:"Directory holding repository working copies. Defaults to <cwd>/.github_cache."`
	StorePath     string         `hcl:"store-path,optional" help:"Path to the system-of-record database. Defaults to <cwd>/docgate.db."`
	SyncInterval  time.Duration  `hcl:"sync-interval,optional" help:"How often to refresh each repository. Mutually exclusive with enable-webhook."`
	EnableWebhook bool           `hcl:"enable-webhook,optional" help:"Refresh repositories on webhook push events instead of a timer."`
	WebhookSecret string         `hcl:"webhook-secret,optional" help:"Shared secret for webhook signature verification. Unset disables verification."`
	Timeout       time.Duration  `hcl:"timeout,optional" help:"Base timeout for git subprocesses." default:"30s"`
	MaxWorkers    int            `hcl:"max-workers,optional" help:"Maximum repositories synced in parallel at startup." default:"5"`
	Logging       logging.Config `hcl:"log,block"`
	Metrics       metrics.Config `hcl:"metrics,block"`
	Repositories  []Repository   `hcl:"repository,block,optional"`
	APIKeys       []APIKey       `hcl:"api-key,block,optional"`
}

// Repository is a statically configured repository seeded into the system of
// record at startup.
type Repository struct {
	Owner        string `hcl:"owner" help:"Repository owner."`
	Repo         string `hcl:"repo" help:"Repository name."`
	Branch       string `hcl:"branch" help:"Tracked branch."`
	RootSpecPath string `hcl:"root-spec-path,optional" help:"Repository-relative path of the root document." default:"spec.md"`
	Credential   string `hcl:"credential,optional" help:"Upstream access token for private repositories."`
}

// APIKey is a statically configured API key with its repository binding set.
// Bindings use the form "owner/repo/branch"; the branch may itself contain
// slashes.
type APIKey struct {
	Name         string   `hcl:"name,label"`
	Key          string   `hcl:"key,optional" help:"Raw key value; only its SHA-256 digest is stored."`
	Digest       string   `hcl:"digest,optional" help:"Hex SHA-256 digest of the key, as an alternative to key."`
	Repositories []string `hcl:"repositories,optional" help:"Repository bindings as owner/repo/branch."`
}

// Load parses and validates configuration from r. vars is the process
// environment as a map.
func Load(r io.Reader, vars map[string]string) (*Config, error) {
	ast, err := hcl.Parse(r)
	if err != nil {
		return nil, errors.Wrap(err, "parse config")
	}

	schema, err := hcl.Schema(&Config{})
	if err != nil {
		return nil, errors.Wrap(err, "config schema")
	}
	InjectEnvars(schema, ast, EnvPrefix, vars)
	ExpandVars(ast, vars)

	config := &Config{}
	if err := hcl.UnmarshalAST(ast, config, hcl.HydratedImplicitBlocks(true)); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks cross-field constraints and fills derived defaults.
func (c *Config) Validate() error {
	if c.EnableWebhook && c.SyncInterval != 0 {
		return errors.New("enable-webhook and sync-interval are mutually exclusive")
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 5
	}
	if c.CacheRoot == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return errors.Wrap(err, "resolve working directory")
		}
		c.CacheRoot = filepath.Join(cwd, ".github_cache")
	}
	if c.StorePath == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return errors.Wrap(err, "resolve working directory")
		}
		c.StorePath = filepath.Join(cwd, "docgate.db")
	}
	for _, repo := range c.Repositories {
		if repo.Owner == "" || repo.Repo == "" || repo.Branch == "" {
			return errors.Errorf("repository block requires owner, repo and branch, got %q/%q/%q", repo.Owner, repo.Repo, repo.Branch)
		}
	}
	for _, key := range c.APIKeys {
		if (key.Key == "") == (key.Digest == "") {
			return errors.Errorf("api-key %q requires exactly one of key or digest", key.Name)
		}
		for _, binding := range key.Repositories {
			if _, _, _, err := ParseBinding(binding); err != nil {
				return errors.Wrapf(err, "api-key %q", key.Name)
			}
		}
	}
	return nil
}

// ParseBinding splits an "owner/repo/branch" binding. The branch component
// may contain further slashes.
func ParseBinding(s string) (owner, repo, branch string, err error) {
	parts := strings.SplitN(s, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", errors.Errorf("invalid repository binding %q, expected owner/repo/branch", s)
	}
	return parts[0], parts[1], parts[2], nil
}

// Schema returns the configuration file schema for --schema output.
func Schema() (*hcl.AST, error) {
	schema, err := hcl.Schema(&Config{})
	return schema, errors.Wrap(err, "config schema")
}

// ParseEnvars returns the process environment as a map.
func ParseEnvars() map[string]string {
	envars := make(map[string]string)
	for _, env := range os.Environ() {
		if key, value, ok := strings.Cut(env, "="); ok {
			envars[key] = value
		}
	}
	return envars
}

// ExpandVars expands ${VAR} references in HCL strings and heredocs, the way
// the original configuration layer resolves credential references.
func ExpandVars(ast *hcl.AST, vars map[string]string) {
	_ = hcl.Visit(ast, func(node hcl.Node, next func() error) error { //nolint:errcheck
		if attr, ok := node.(*hcl.Attribute); ok {
			switch value := attr.Value.(type) {
			case *hcl.String:
				value.Str = os.Expand(value.Str, func(s string) string { return vars[s] })
			case *hcl.Heredoc:
				value.Doc = os.Expand(value.Doc, func(s string) string { return vars[s] })
			}
		}
		return next()
	})
}

// InjectEnvars walks the schema and, for each attribute absent from the
// config, injects the value of its corresponding environment variable.
// Names are derived from the attribute path: prefix + block names + attr
// name, joined with "_", uppercased, hyphens replaced with "_", e.g.
// DOCGATE_METRICS_PORT.
func InjectEnvars(schema, config *hcl.AST, prefix string, vars map[string]string) {
	injectEntries(schema.Entries, astContainer{config}, []string{prefix}, vars)
	_ = hcl.AddParentRefs(config) //nolint:errcheck
}

// container abstracts the top-level AST and nested blocks for lookup and
// insertion.
type container interface {
	entries() hcl.Entries
	append(entry hcl.Entry)
}

type astContainer struct{ ast *hcl.AST }

func (c astContainer) entries() hcl.Entries   { return c.ast.Entries }
func (c astContainer) append(entry hcl.Entry) { c.ast.Entries = append(c.ast.Entries, entry) }

type blockContainer struct{ block *hcl.Block }

func (c blockContainer) entries() hcl.Entries   { return c.block.Body }
func (c blockContainer) append(entry hcl.Entry) { c.block.Body = append(c.block.Body, entry) }

func injectEntries(schemaEntries hcl.Entries, dest container, path []string, vars map[string]string) {
	for _, entry := range schemaEntries {
		switch entry := entry.(type) {
		case *hcl.Attribute:
			typ, ok := entry.Value.(*hcl.Type)
			if !ok {
				continue
			}
			value, ok := vars[envarName(append(append([]string{}, path...), entry.Key))]
			if !ok || hasAttr(dest.entries(), entry.Key) {
				continue
			}
			hclValue, err := parseValue(value, typ.Type)
			if err != nil {
				continue
			}
			dest.append(&hcl.Attribute{Key: entry.Key, Value: hclValue})

		case *hcl.Block:
			childPath := append(append([]string{}, path...), entry.Name)
			if child := findBlock(dest.entries(), entry.Name); child != nil {
				injectEntries(entry.Body, blockContainer{child}, childPath, vars)
				continue
			}
			// Only attach a new block if an envar actually populated it.
			tmp := &hcl.Block{Name: entry.Name}
			injectEntries(entry.Body, blockContainer{tmp}, childPath, vars)
			if len(tmp.Body) > 0 {
				dest.append(tmp)
			}
		}
	}
}

func findBlock(entries hcl.Entries, name string) *hcl.Block {
	for _, e := range entries {
		if block, ok := e.(*hcl.Block); ok && block.Name == name {
			return block
		}
	}
	return nil
}

func hasAttr(entries hcl.Entries, key string) bool {
	for _, e := range entries {
		if attr, ok := e.(*hcl.Attribute); ok && attr.Key == key {
			return true
		}
	}
	return false
}

func envarName(path []string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.Join(path, "_"), "-", "_"))
}

func parseValue(raw, typ string) (hcl.Value, error) {
	switch typ {
	case "string":
		return &hcl.String{Str: raw}, nil
	case "number":
		f, _, err := big.ParseFloat(raw, 10, 256, big.ToNearestEven)
		if err != nil {
			return nil, errors.Wrap(err, raw)
		}
		return &hcl.Number{Float: f}, nil
	case "boolean":
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, errors.Wrap(err, raw)
		}
		return &hcl.Bool{Bool: b}, nil
	default:
		return nil, errors.Errorf("unsupported type %q", typ)
	}
}
