// Package config provides the configuration schema, loader, and provider
// registry for the HyperWhisper cloud gateway.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the gateway.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Duration wraps [time.Duration] so YAML values can be written in the usual
// Go duration syntax ("5m", "1h30m").
type Duration time.Duration

// UnmarshalYAML implements [yaml.Unmarshaler].
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a [time.Duration].
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for the gateway.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Billing   BillingConfig   `yaml:"billing"`
	Abuse     AbuseConfig     `yaml:"abuse"`
	Storage   StorageConfig   `yaml:"storage"`
	Providers ProvidersConfig `yaml:"providers"`
}

// ServerConfig holds network and logging settings for the gateway.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// MaxBodyMB caps accepted upload bodies in mebibytes. Requests whose
	// declared Content-Length exceeds the cap are rejected up front.
	MaxBodyMB int `yaml:"max_body_mb"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP
	// (typically behind a TLS-terminating load balancer).
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// RedisConfig holds connection settings for the Redis instance backing trial
// grants, license caching, IP quotas, and the blocklist.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string `yaml:"addr"`

	// Password authenticates against Redis. Empty means no AUTH.
	Password string `yaml:"password"`

	// DB selects the Redis logical database.
	DB int `yaml:"db"`
}

// BillingConfig holds settings for the external billing backend and trial
// account behaviour.
type BillingConfig struct {
	// BackendURL is the base URL of the billing backend used to validate
	// license keys and settle licensed usage. When empty, licensed requests
	// are rejected and only trial accounts work.
	BackendURL string `yaml:"backend_url"`

	// TrialGrantCredits is the credit balance granted to a device ID on
	// first sight.
	TrialGrantCredits float64 `yaml:"trial_grant_credits"`

	// LicenseCacheTTL is how long a successful license validation is cached.
	LicenseCacheTTL Duration `yaml:"license_cache_ttl"`

	// InvalidCacheTTL is how long a failed license validation is cached.
	// Longer than LicenseCacheTTL so invalid keys cannot hammer the backend.
	InvalidCacheTTL Duration `yaml:"invalid_cache_ttl"`
}

// AbuseConfig holds rate-limiting settings applied per client IP.
type AbuseConfig struct {
	// DailyIPLimitCredits caps the credits any single IP may consume per UTC
	// day, across all accounts behind it.
	DailyIPLimitCredits float64 `yaml:"daily_ip_limit_credits"`
}

// StorageConfig holds S3-compatible object storage settings for staging large
// uploads that exceed a provider's direct-upload threshold.
type StorageConfig struct {
	// Bucket is the staging bucket name. When empty, staging is disabled and
	// uploads above the direct threshold are rejected.
	Bucket string `yaml:"bucket"`

	// Region is the bucket's region (e.g., "us-east-1", or "auto" for
	// R2-style endpoints).
	Region string `yaml:"region"`

	// Endpoint overrides the S3 endpoint for non-AWS providers.
	// Leave empty for AWS.
	Endpoint string `yaml:"endpoint"`

	// AccessKeyID and SecretAccessKey are static credentials. When both are
	// empty the ambient AWS credential chain is used.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`

	// PresignTTL is the lifetime of presigned GET URLs handed to providers.
	PresignTTL Duration `yaml:"presign_ttl"`
}

// ProvidersConfig declares the upstream speech-to-text and LLM providers the
// gateway may route to.
type ProvidersConfig struct {
	STT STTProvidersConfig `yaml:"stt"`
	LLM LLMProvidersConfig `yaml:"llm"`
}

// STTProvidersConfig selects the transcription providers.
type STTProvidersConfig struct {
	// Default is the provider used when a request names none.
	// When empty, the first entry is the default.
	Default string `yaml:"default"`

	// Fallback is the provider tried when the default's edge rejects a
	// request. Must name one of Entries. Empty disables fallback.
	Fallback string `yaml:"fallback"`

	// Entries lists the configured providers.
	Entries []ProviderEntry `yaml:"entries"`
}

// LLMProvidersConfig selects the transcript post-processing providers.
type LLMProvidersConfig struct {
	// Default is the provider used when a request names none.
	// When empty, the first entry is the default.
	Default string `yaml:"default"`

	// Entries lists the configured providers.
	Entries []ProviderEntry `yaml:"entries"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation
	// (e.g., "deepgram", "openai").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider
	// (e.g., "nova-2", "whisper-1", "gpt-4o-mini").
	Model string `yaml:"model"`

	// MaxDirectMB is the size threshold in mebibytes above which audio for
	// this provider is staged to object storage instead of sent directly.
	// Zero means the provider's built-in default. STT only.
	MaxDirectMB int `yaml:"max_direct_mb"`

	// Options holds provider-specific configuration values not covered by
	// the standard fields above.
	Options map[string]any `yaml:"options"`
}
