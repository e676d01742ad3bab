// Command grimoire is the Grimoire meta-gateway: an MCP server on stdio that
// exposes resolve_intent and activate_spell, and behind them manages the
// spell tool servers declared in the spell directory.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/grimoire-sh/grimoire/internal/credstore"
	"github.com/grimoire-sh/grimoire/internal/embedding"
	"github.com/grimoire-sh/grimoire/internal/embedstore"
	"github.com/grimoire-sh/grimoire/internal/gateway"
	"github.com/grimoire-sh/grimoire/internal/health"
	"github.com/grimoire-sh/grimoire/internal/lifecycle"
	"github.com/grimoire-sh/grimoire/internal/observe"
	"github.com/grimoire-sh/grimoire/internal/resolver"
	"github.com/grimoire-sh/grimoire/internal/router"
	"github.com/grimoire-sh/grimoire/internal/spell"
	"github.com/grimoire-sh/grimoire/internal/watcher"
)

const version = "1.0.0"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	spellDir := flag.String("spells", "", "directory of *.spell.yaml files (default ~/.grimoire/spells)")
	storePath := flag.String("store", "", "embedding store file (default ~/.grimoire/embeddings.msgpack)")
	storeDSN := flag.String("store-dsn", "", "PostgreSQL DSN for the embedding store; overrides -store")
	embedderName := flag.String("embedder", "local", "embedding backend: local or openai")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	reapThreshold := flag.Uint64("reap-threshold", lifecycle.DefaultReapThreshold, "turns of inactivity before a spell server is reaped")
	reapInterval := flag.Duration("reap-interval", time.Minute, "how often the reaper runs; 0 disables it")
	metricsAddr := flag.String("metrics-addr", "", "listen address for the Prometheus /metrics endpoint; empty disables it")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	// stdout carries the MCP protocol, so logs go to stderr.
	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Metrics ───────────────────────────────────────────────────────────────
	if *metricsAddr != "" {
		shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
			ServiceName:    "grimoire",
			ServiceVersion: version,
		})
		if err != nil {
			slog.Error("failed to initialise metrics provider", "err", err)
			return 1
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				slog.Warn("metrics shutdown error", "err", err)
			}
		}()
	}
	metrics := observe.DefaultMetrics()

	// ── Embedding backend ─────────────────────────────────────────────────────
	embedder, err := buildEmbedder(*embedderName)
	if err != nil {
		slog.Error("failed to build embedder", "err", err)
		return 1
	}
	embedding.SetInstance(embedder)

	// ── Embedding store ───────────────────────────────────────────────────────
	store, closeStore, err := buildStore(ctx, *storeDSN, *storePath, embedder)
	if err != nil {
		slog.Error("failed to open embedding store", "err", err)
		return 1
	}
	defer closeStore()

	// ── Spell directory ───────────────────────────────────────────────────────
	dir := *spellDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			slog.Error("cannot resolve home directory; pass -spells", "err", err)
			return 1
		}
		dir = filepath.Join(home, ".grimoire", "spells")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("cannot create spell directory", "dir", dir, "err", err)
		return 1
	}

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, health.New(health.SpellDirChecker(dir)))
	}

	// ── Credential store ──────────────────────────────────────────────────────
	// ${VAR} placeholders missing from the environment fall back to the
	// per-user credential file.
	if credPath, err := credstore.DefaultPath(); err == nil {
		creds := credstore.New(credPath)
		spell.SetEnvFallback(func(name string) (string, bool) {
			value, ok, err := creds.Get(name)
			if err != nil {
				slog.Warn("credential store lookup failed", "key", name, "err", err)
				return "", false
			}
			return value, ok
		})
	}

	// ── Core wiring ───────────────────────────────────────────────────────────
	rt := router.New()
	res := resolver.New(store, embedder)

	// The kill hook reaches the gateway, which exists only after the manager;
	// the indirection breaks the construction cycle.
	var gw *gateway.Gateway
	mgr := lifecycle.New(store, rt,
		lifecycle.WithReapThreshold(*reapThreshold),
		lifecycle.WithMetrics(metrics),
		lifecycle.WithOnKilled(func(name string) {
			if gw != nil {
				gw.RetractSpellTools(name)
			}
		}),
	)
	gw = gateway.New(dir, res, mgr, rt, gateway.WithMetrics(metrics))

	// ── Recovery and initial index ────────────────────────────────────────────
	if err := mgr.LoadFromStorage(ctx); err != nil {
		slog.Error("failed to load persisted state", "err", err)
		return 1
	}
	if err := gw.LoadSpells(ctx); err != nil {
		slog.Error("failed to load spells", "err", err)
		return 1
	}

	// ── Watcher ───────────────────────────────────────────────────────────────
	w, err := watcher.New(dir, gw)
	if err != nil {
		slog.Error("failed to start spell watcher", "err", err)
		return 1
	}
	w.Start()

	// ── Reaper ────────────────────────────────────────────────────────────────
	if *reapInterval > 0 {
		go runReaper(ctx, mgr, *reapInterval)
	}

	slog.Info("grimoire ready",
		"version", version,
		"spell_dir", dir,
		"embedder", embedder.ModelID(),
		"reap_threshold", *reapThreshold,
	)

	// ── Serve ─────────────────────────────────────────────────────────────────
	if err := gw.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("serve error", "err", err)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutting down…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	w.Stop()
	mgr.Close(shutdownCtx)

	slog.Info("goodbye")
	return 0
}

// buildEmbedder selects the embedding backend by name.
func buildEmbedder(name string) (embedding.Provider, error) {
	switch strings.ToLower(name) {
	case "local":
		return embedding.NewLocal(), nil
	case "openai":
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, errors.New("openai embedder requires OPENAI_API_KEY")
		}
		return embedding.NewOpenAI(apiKey, string(embedding.DefaultOpenAIModel))
	}
	return nil, fmt.Errorf("unknown embedder %q (want local or openai)", name)
}

// buildStore opens the Postgres store when a DSN is given, the file store
// otherwise. The returned closer is a no-op for the file store.
func buildStore(ctx context.Context, dsn, path string, embedder embedding.Provider) (embedstore.Store, func(), error) {
	if dsn != "" {
		pg, err := embedstore.NewPGStore(ctx, dsn, embedder.ModelID(), embedder.Dimensions())
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	}

	if path == "" {
		var err error
		if path, err = embedstore.DefaultPath(); err != nil {
			return nil, nil, err
		}
	}
	return embedstore.NewFileStore(path, embedder.ModelID(), embedder.Dimensions()), func() {}, nil
}

// runReaper periodically kills spell servers that have sat unused past the
// reap threshold.
func runReaper(ctx context.Context, mgr *lifecycle.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if reaped := mgr.ReapInactive(ctx); len(reaped) > 0 {
				slog.Info("reaper: killed inactive spells", "spells", reaped)
			}
		}
	}
}

// serveMetrics exposes the Prometheus scrape endpoint and the health probes.
func serveMetrics(addr string, h *health.Handler) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	h.Register(mux)
	slog.Info("metrics endpoint listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server error", "err", err)
	}
}

// newLogger builds the stderr slog logger at the requested level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
