package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"deepgram", "elevenlabs", "openai"},
	"llm": {"openai", "openai-compatible", "anthropic", "mistral", "groq", "ollama"},
}

// Defaults applied by [LoadFromReader] when the corresponding field is unset.
const (
	DefaultListenAddr      = ":8080"
	DefaultMaxBodyMB       = 256
	DefaultTrialGrant      = 150.0
	DefaultDailyIPLimit    = 300.0
	DefaultLicenseCacheTTL = 5 * time.Minute
	DefaultInvalidCacheTTL = time.Hour
	DefaultPresignTTL      = 15 * time.Minute
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills unset fields with their documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.MaxBodyMB == 0 {
		cfg.Server.MaxBodyMB = DefaultMaxBodyMB
	}
	if cfg.Billing.TrialGrantCredits == 0 {
		cfg.Billing.TrialGrantCredits = DefaultTrialGrant
	}
	if cfg.Billing.LicenseCacheTTL == 0 {
		cfg.Billing.LicenseCacheTTL = Duration(DefaultLicenseCacheTTL)
	}
	if cfg.Billing.InvalidCacheTTL == 0 {
		cfg.Billing.InvalidCacheTTL = Duration(DefaultInvalidCacheTTL)
	}
	if cfg.Abuse.DailyIPLimitCredits == 0 {
		cfg.Abuse.DailyIPLimitCredits = DefaultDailyIPLimit
	}
	if cfg.Storage.PresignTTL == 0 {
		cfg.Storage.PresignTTL = Duration(DefaultPresignTTL)
	}
	if cfg.Providers.STT.Default == "" && len(cfg.Providers.STT.Entries) > 0 {
		cfg.Providers.STT.Default = cfg.Providers.STT.Entries[0].Name
	}
	if cfg.Providers.LLM.Default == "" && len(cfg.Providers.LLM.Entries) > 0 {
		cfg.Providers.LLM.Default = cfg.Providers.LLM.Entries[0].Name
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxBodyMB < 0 {
		errs = append(errs, fmt.Errorf("server.max_body_mb %d must not be negative", cfg.Server.MaxBodyMB))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Redis — everything stateful (trials, quotas, blocklist, license cache)
	// lives there, so a missing address is a hard error.
	if cfg.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}

	// Billing
	if cfg.Billing.BackendURL == "" {
		slog.Warn("billing.backend_url is empty; licensed accounts cannot be validated and only trial accounts will work")
	}
	if cfg.Billing.TrialGrantCredits < 0 {
		errs = append(errs, fmt.Errorf("billing.trial_grant_credits %.1f must not be negative", cfg.Billing.TrialGrantCredits))
	}

	// Abuse
	if cfg.Abuse.DailyIPLimitCredits < 0 {
		errs = append(errs, fmt.Errorf("abuse.daily_ip_limit_credits %.1f must not be negative", cfg.Abuse.DailyIPLimitCredits))
	}

	// Storage
	if cfg.Storage.Bucket == "" {
		slog.Warn("storage.bucket is empty; uploads above the direct-send threshold will be rejected")
	} else if cfg.Storage.Region == "" {
		errs = append(errs, errors.New("storage.region is required when storage.bucket is set"))
	}
	if (cfg.Storage.AccessKeyID == "") != (cfg.Storage.SecretAccessKey == "") {
		errs = append(errs, errors.New("storage.access_key_id and storage.secret_access_key must be set together"))
	}

	// STT providers
	sttNames := validateEntries(&errs, "stt", cfg.Providers.STT.Entries)
	if len(cfg.Providers.STT.Entries) == 0 {
		errs = append(errs, errors.New("providers.stt.entries must list at least one provider"))
	}
	if d := cfg.Providers.STT.Default; d != "" && !slices.Contains(sttNames, d) {
		errs = append(errs, fmt.Errorf("providers.stt.default %q is not among the configured entries", d))
	}
	if f := cfg.Providers.STT.Fallback; f != "" {
		if !slices.Contains(sttNames, f) {
			errs = append(errs, fmt.Errorf("providers.stt.fallback %q is not among the configured entries", f))
		} else if f == cfg.Providers.STT.Default {
			slog.Warn("providers.stt.fallback equals the default provider; fallback will never trigger",
				"provider", f,
			)
		}
	}

	// LLM providers — optional; without any, transcript cleanup is disabled.
	llmNames := validateEntries(&errs, "llm", cfg.Providers.LLM.Entries)
	if len(cfg.Providers.LLM.Entries) == 0 {
		slog.Warn("providers.llm.entries is empty; transcript post-processing will be unavailable")
	}
	if d := cfg.Providers.LLM.Default; d != "" && !slices.Contains(llmNames, d) {
		errs = append(errs, fmt.Errorf("providers.llm.default %q is not among the configured entries", d))
	}

	return errors.Join(errs...)
}

// validateEntries checks one provider entry list, appending hard errors to
// errs, and returns the entry names it saw.
func validateEntries(errs *[]error, kind string, entries []ProviderEntry) []string {
	names := make([]string, 0, len(entries))
	seen := make(map[string]int, len(entries))
	for i, e := range entries {
		prefix := fmt.Sprintf("providers.%s.entries[%d]", kind, i)
		if e.Name == "" {
			*errs = append(*errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[e.Name]; ok {
			*errs = append(*errs, fmt.Errorf("%s.name %q is a duplicate of entries[%d]", prefix, e.Name, prev))
		}
		seen[e.Name] = i
		names = append(names, e.Name)

		if e.APIKey == "" {
			*errs = append(*errs, fmt.Errorf("%s.api_key is required for %q", prefix, e.Name))
		}
		if e.MaxDirectMB < 0 {
			*errs = append(*errs, fmt.Errorf("%s.max_direct_mb %d must not be negative", prefix, e.MaxDirectMB))
		}
		validateProviderName(kind, e.Name)
	}
	return names
}

// validateProviderName logs a warning if name is not found in the
// [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
