// Command hyperwhisperd is the HyperWhisper cloud gateway: it fronts the
// third-party transcription providers, meters usage against prepaid
// credits, and exposes the HTTP API consumed by the desktop client.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	goredis "github.com/redis/go-redis/v9"

	"github.com/theramjad/hyperwhisper-cloud/internal/abuse"
	"github.com/theramjad/hyperwhisper-cloud/internal/api"
	"github.com/theramjad/hyperwhisper-cloud/internal/auth"
	"github.com/theramjad/hyperwhisper-cloud/internal/billing"
	"github.com/theramjad/hyperwhisper-cloud/internal/config"
	"github.com/theramjad/hyperwhisper-cloud/internal/gate"
	"github.com/theramjad/hyperwhisper-cloud/internal/health"
	"github.com/theramjad/hyperwhisper-cloud/internal/observe"
	"github.com/theramjad/hyperwhisper-cloud/internal/orchestrator"
	"github.com/theramjad/hyperwhisper-cloud/internal/pricing"
	"github.com/theramjad/hyperwhisper-cloud/internal/router"
	"github.com/theramjad/hyperwhisper-cloud/internal/stage"
	"github.com/theramjad/hyperwhisper-cloud/pkg/provider/llm"
	"github.com/theramjad/hyperwhisper-cloud/pkg/provider/llm/anyllm"
	oaillm "github.com/theramjad/hyperwhisper-cloud/pkg/provider/llm/openai"
	"github.com/theramjad/hyperwhisper-cloud/pkg/provider/llm/openaicompat"
	"github.com/theramjad/hyperwhisper-cloud/pkg/provider/stt"
	"github.com/theramjad/hyperwhisper-cloud/pkg/provider/stt/deepgram"
	"github.com/theramjad/hyperwhisper-cloud/pkg/provider/stt/elevenlabs"
	oaistt "github.com/theramjad/hyperwhisper-cloud/pkg/provider/stt/openai"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "hyperwhisperd: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "hyperwhisperd: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel := new(slog.LevelVar)
	logger := newLogger(cfg.Server.LogLevel, logLevel)
	slog.SetDefault(logger)

	slog.Info("hyperwhisperd starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		// Not fatal: Redis may come up after us; /readyz reports the truth.
		slog.Warn("redis not reachable at startup", "addr", cfg.Redis.Addr, "err", err)
	}
	cancelPing()

	// ── Balance stores, abuse guard, credit gate ──────────────────────────────
	trial := billing.NewTrialStore(rdb,
		billing.WithTrialGrant(pricing.CreditsFromFloat(cfg.Billing.TrialGrantCredits)),
	)

	var licenses *billing.LicenseStore
	if cfg.Billing.BackendURL != "" {
		licenses, err = billing.NewLicenseStore(rdb, cfg.Billing.BackendURL,
			billing.WithLicenseTTLs(cfg.Billing.LicenseCacheTTL.Std(), cfg.Billing.InvalidCacheTTL.Std()),
		)
		if err != nil {
			slog.Error("failed to create license store", "err", err)
			return 1
		}
	}

	guard := abuse.New(rdb,
		abuse.WithDailyLimit(pricing.CreditsFromFloat(cfg.Abuse.DailyIPLimitCredits)),
	)
	resolver := auth.NewResolver(trial, licenses)
	credits := gate.New(trial, licenses, guard)

	// Readiness starts with Redis; staging adds the bucket check below.
	checkers := []health.Checker{{
		Name: "redis",
		Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		},
	}}

	// ── Audio staging (optional) ──────────────────────────────────────────────
	var routerOpts []router.Option
	if cfg.Storage.Bucket != "" {
		stager, err := stage.New(ctx, stage.Config{
			Bucket:          cfg.Storage.Bucket,
			Region:          cfg.Storage.Region,
			Endpoint:        cfg.Storage.Endpoint,
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
			PresignTTL:      cfg.Storage.PresignTTL.Std(),
		})
		if err != nil {
			slog.Error("failed to create audio stager", "err", err)
			return 1
		}
		routerOpts = append(routerOpts, router.WithStager(stager))
		checkers = append(checkers, health.Checker{Name: "object_storage", Check: stager.Check})
		slog.Info("audio staging enabled", "bucket", cfg.Storage.Bucket)
	}

	// ── Providers and router ──────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	rt := router.New(cfg.Providers.STT.Default, cfg.Providers.STT.Fallback, routerOpts...)
	streamer, err := buildProviders(cfg, reg, rt)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	orc := orchestrator.New(resolver, credits, guard, rt, trial)

	// ── Health checks ─────────────────────────────────────────────────────────
	h := health.New(checkers...)

	srv := api.New(api.Config{
		ListenAddr:   cfg.Server.ListenAddr,
		MaxBodyBytes: int64(cfg.Server.MaxBodyMB) << 20,
		CertFile:     tlsFile(cfg.Server.TLS, true),
		KeyFile:      tlsFile(cfg.Server.TLS, false),
	}, orc, streamer, h, observe.DefaultMetrics())

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyConfigChange(logLevel, old, new)
	})
	if err != nil {
		slog.Warn("config watcher unavailable, changes require restart", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)
	slog.Info("server ready — press Ctrl+C to shut down")

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithBaseURL(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("elevenlabs", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []oaistt.Option
		if entry.Model != "" {
			opts = append(opts, oaistt.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oaistt.WithBaseURL(entry.BaseURL))
		}
		return oaistt.New(entry.APIKey, opts...)
	})

	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.Model != "" {
			opts = append(opts, oaillm.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		return oaillm.New(entry.APIKey, opts...)
	})

	// openai-compatible covers self-hosted inference servers that speak the
	// OpenAI chat completions wire format.
	reg.RegisterLLM("openai-compatible", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openaicompat.Option
		if name := optString(entry.Options, "name"); name != "" {
			opts = append(opts, openaicompat.WithName(name))
		}
		return openaicompat.New(entry.BaseURL, entry.APIKey, entry.Model, opts...)
	})

	// anthropic, mistral, and groq go through any-llm; they share the
	// optional APIKey + optional BaseURL pattern.
	for _, providerName := range []string{"anthropic", "mistral", "groq"} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})
}

// buildProviders instantiates every provider named in cfg and registers it
// with the router. It returns the streaming provider for the duplex
// endpoint: the default STT provider if it streams, else the first
// configured provider that does, else nil.
func buildProviders(cfg *config.Config, reg *config.Registry, rt *router.Router) (stt.Streamer, error) {
	var streamer stt.Streamer

	for _, entry := range cfg.Providers.STT.Entries {
		p, err := reg.CreateSTT(entry)
		if err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", entry.Name, err)
		}
		rt.RegisterSTT(router.Entry{
			Provider:       p,
			MaxDirectBytes: int64(entry.MaxDirectMB) << 20,
		})
		slog.Info("provider created", "kind", "stt", "name", entry.Name, "model", entry.Model)

		if s, ok := p.(stt.Streamer); ok {
			if streamer == nil || entry.Name == cfg.Providers.STT.Default {
				streamer = s
			}
		}
	}

	for _, entry := range cfg.Providers.LLM.Entries {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", entry.Name, err)
		}
		rt.RegisterLLM(p)
		slog.Info("provider created", "kind", "llm", "name", entry.Name, "model", entry.Model)
	}
	rt.SetDefaultLLM(cfg.Providers.LLM.Default)

	if streamer == nil {
		slog.Warn("no configured STT provider supports streaming; /v1/stream will be unavailable")
	}
	return streamer, nil
}

// ── Config hot reload ─────────────────────────────────────────────────────────

// applyConfigChange applies what can be applied live (the log level) and
// reports everything that needs a restart.
func applyConfigChange(logLevel *slog.LevelVar, old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged {
		logLevel.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level updated", "level", d.NewLogLevel)
	}

	if d.TrialGrantChanged || d.AbuseLimitChanged || d.ProvidersChanged {
		slog.Warn("config changes require a restart to take effect",
			"trial_grant", d.TrialGrantChanged,
			"daily_ip_limit", d.AbuseLimitChanged,
			"providers", d.ProvidersChanged,
		)
		for _, pc := range d.ProviderChanges {
			slog.Warn("provider entry changed",
				"kind", pc.Kind,
				"name", pc.Name,
				"added", pc.Added,
				"removed", pc.Removed,
				"modified", pc.Modified,
			)
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      HyperWhisper — startup summary   ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	for _, entry := range cfg.Providers.STT.Entries {
		label := "STT"
		switch entry.Name {
		case cfg.Providers.STT.Default:
			label = "STT (default)"
		case cfg.Providers.STT.Fallback:
			label = "STT (fallback)"
		}
		printProvider(label, entry.Name, entry.Model)
	}
	for _, entry := range cfg.Providers.LLM.Entries {
		printProvider("LLM", entry.Name, entry.Model)
	}
	if cfg.Billing.BackendURL != "" {
		printRow("Billing", "connected")
	} else {
		printRow("Billing", "(trial only)")
	}
	if cfg.Storage.Bucket != "" {
		printRow("Staging", cfg.Storage.Bucket)
	} else {
		printRow("Staging", "(disabled)")
	}
	printRow("Redis", cfg.Redis.Addr)
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if model != "" {
		value = name + " / " + model
	}
	printRow(kind, value)
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-15s : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the process logger. The level is held in a [slog.LevelVar]
// so the config watcher can adjust it live, and the handler is wrapped in
// content redaction so transcripts never reach the log stream.
func newLogger(level config.LogLevel, lvl *slog.LevelVar) *slog.Logger {
	lvl.Set(slogLevel(level))
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(observe.NewRedactingHandler(inner))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// tlsFile pulls one field out of an optional TLS block.
func tlsFile(tls *config.TLSConfig, cert bool) string {
	if tls == nil {
		return ""
	}
	if cert {
		return tls.CertFile
	}
	return tls.KeyFile
}
