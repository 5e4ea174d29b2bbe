package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/alecthomas/hcl/v2"
	"github.com/alecthomas/kong"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/docgate/docgate/internal/auth"
	"github.com/docgate/docgate/internal/config"
	"github.com/docgate/docgate/internal/engine"
	"github.com/docgate/docgate/internal/gitsync"
	"github.com/docgate/docgate/internal/logging"
	"github.com/docgate/docgate/internal/metrics"
	"github.com/docgate/docgate/internal/server"
	"github.com/docgate/docgate/internal/store"
	"github.com/docgate/docgate/internal/webhook"
)

const version = "0.1.0"

type CLI struct {
	Schema bool `help:"Print the configuration file schema." xor:"command"`

	ConfigFile    *os.File      `name:"config-file" help:"Configuration file path." default:"docgate.hcl"`
	Port          int           `help:"Override the configured bind port."`
	EnableWebhook bool          `help:"Refresh repositories on webhook push events." xor:"mode"`
	SyncInterval  time.Duration `help:"Refresh every repository on this interval." xor:"mode"`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli, kong.DefaultEnvars("DOCGATE"))

	if cli.Schema {
		printSchema(kctx)
		return
	}

	defer cli.ConfigFile.Close()
	cfg, err := config.Load(cli.ConfigFile, config.ParseEnvars())
	kctx.FatalIfErrorf(err)

	// CLI flags override the file. kong's xor already rejects passing both.
	if cli.EnableWebhook {
		cfg.EnableWebhook = true
		cfg.SyncInterval = 0
	}
	if cli.SyncInterval > 0 {
		cfg.SyncInterval = cli.SyncInterval
		cfg.EnableWebhook = false
	}
	if cli.Port > 0 {
		host, _, splitErr := net.SplitHostPort(cfg.Bind)
		kctx.FatalIfErrorf(splitErr, "invalid bind address %q", cfg.Bind)
		cfg.Bind = net.JoinHostPort(host, strconv.Itoa(cli.Port))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger, ctx := logging.Configure(ctx, cfg.Logging)

	st, err := store.Open(cfg.StorePath)
	kctx.FatalIfErrorf(err)
	defer func() {
		if err := st.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close store", "error", err)
		}
	}()
	kctx.FatalIfErrorf(seed(cfg, st))

	metricsClient, err := metrics.New(ctx, cfg.Metrics)
	kctx.FatalIfErrorf(err, "failed to create metrics client")
	defer func() {
		if err := metricsClient.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close metrics client", "error", err)
		}
	}()
	if err := metricsClient.ServeMetrics(ctx); err != nil {
		kctx.FatalIfErrorf(err, "failed to start metrics server")
	}

	instruments, err := metrics.NewEngineInstruments()
	kctx.FatalIfErrorf(err)

	binding := auth.NewBinding(st)
	syncer := gitsync.New(gitsync.Config{Timeout: cfg.Timeout})
	eng, err := engine.New(ctx, engine.Config{
		CacheRoot:    cfg.CacheRoot,
		SyncInterval: cfg.SyncInterval,
		MaxWorkers:   cfg.MaxWorkers,
	}, syncer, binding, instruments)
	kctx.FatalIfErrorf(err)
	defer eng.Close()

	repos, err := st.Repositories()
	kctx.FatalIfErrorf(err)
	for _, repo := range repos {
		eng.Track(repo)
	}
	eng.SyncAll(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /_liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK")) //nolint:errcheck
	})
	mux.HandleFunc("GET /_readiness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK")) //nolint:errcheck
	})
	if cfg.EnableWebhook {
		mux.Handle("POST /api/github", webhook.NewHandler(eng, cfg.WebhookSecret, instruments))
	}
	mux.Handle("/mcp", server.New(eng, binding, version).Handler())

	srv := newServer(ctx, mux, cfg.Bind, cfg.Metrics)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.ErrorContext(shutdownCtx, "Server shutdown error", "error", err)
		}
	}()

	logger.InfoContext(ctx, "Starting docgated",
		"bind", cfg.Bind,
		"webhook", cfg.EnableWebhook,
		"sync_interval", cfg.SyncInterval)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		kctx.FatalIfErrorf(err)
	}
	logger.InfoContext(ctx, "Shutdown complete")
}

// seed writes statically configured repositories and API keys into the
// system of record before the engine starts.
func seed(cfg *config.Config, st *store.Store) error {
	for _, repo := range cfg.Repositories {
		if err := st.PutRepository(store.Repository{
			Owner:        repo.Owner,
			Repo:         repo.Repo,
			Branch:       repo.Branch,
			RootSpecPath: repo.RootSpecPath,
			Credential:   repo.Credential,
		}); err != nil {
			return err
		}
	}
	for _, key := range cfg.APIKeys {
		digest := key.Digest
		if digest == "" {
			digest = store.Digest(key.Key)
		}
		if err := st.PutKey(digest, key.Name); err != nil {
			return err
		}
		for _, bindingSpec := range key.Repositories {
			owner, repo, branch, err := config.ParseBinding(bindingSpec)
			if err != nil {
				return err
			}
			if err := st.Bind(digest, owner, repo, branch); err != nil {
				return err
			}
		}
	}
	return nil
}

func printSchema(kctx *kong.Context) {
	schema, err := config.Schema()
	kctx.FatalIfErrorf(err)
	text, err := hcl.MarshalAST(schema)
	kctx.FatalIfErrorf(err)

	if fileInfo, err := os.Stdout.Stat(); err == nil && (fileInfo.Mode()&os.ModeCharDevice) != 0 {
		err = quick.Highlight(os.Stdout, string(text), "terraform", "terminal256", "solarized")
		kctx.FatalIfErrorf(err)
	} else {
		fmt.Printf("%s\n", text) //nolint:forbidigo
	}
}

func newServer(ctx context.Context, mux *http.ServeMux, bind string, metricsConfig metrics.Config) *http.Server {
	logger := logging.FromContext(ctx)

	var handler http.Handler = mux
	handler = otelhttp.NewMiddleware(metricsConfig.ServiceName)(handler)

	return &http.Server{
		Addr:              bind,
		Handler:           handler,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		ReadHeaderTimeout: 30 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			return logging.ContextWithLogger(ctx, logger.With("client", c.RemoteAddr().String()))
		},
	}
}
