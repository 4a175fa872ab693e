package config_test

import (
	"testing"

	"github.com/theramjad/hyperwhisper-cloud/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Billing: config.BillingConfig{
			TrialGrantCredits: 150,
		},
		Abuse: config.AbuseConfig{DailyIPLimitCredits: 300},
		Providers: config.ProvidersConfig{
			STT: config.STTProvidersConfig{
				Default:  "deepgram",
				Fallback: "openai",
				Entries: []config.ProviderEntry{
					{Name: "deepgram", APIKey: "dg-test", Model: "nova-2"},
					{Name: "openai", APIKey: "sk-test", Model: "whisper-1"},
				},
			},
			LLM: config.LLMProvidersConfig{
				Default: "openai",
				Entries: []config.ProviderEntry{
					{Name: "openai", APIKey: "sk-test", Model: "gpt-4o-mini"},
				},
			},
		},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	d := config.Diff(cfg, cfg)
	if d.LogLevelChanged || d.TrialGrantChanged || d.AbuseLimitChanged || d.ProvidersChanged {
		t.Errorf("expected empty diff for identical configs, got %+v", d)
	}
	if len(d.ProviderChanges) != 0 {
		t.Errorf("expected 0 provider changes, got %d", len(d.ProviderChanges))
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Fatal("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel: got %q, want debug", d.NewLogLevel)
	}
	if d.ProvidersChanged {
		t.Error("providers should not be flagged for a log level change")
	}
}

func TestDiff_LimitsChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Billing.TrialGrantCredits = 200
	new.Abuse.DailyIPLimitCredits = 500

	d := config.Diff(old, new)
	if !d.TrialGrantChanged || d.NewTrialGrant != 200 {
		t.Errorf("trial grant diff: got changed=%v new=%v", d.TrialGrantChanged, d.NewTrialGrant)
	}
	if !d.AbuseLimitChanged || d.NewDailyIPLimit != 500 {
		t.Errorf("abuse limit diff: got changed=%v new=%v", d.AbuseLimitChanged, d.NewDailyIPLimit)
	}
}

func TestDiff_ProviderModified(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Providers.STT.Entries[0].Model = "nova-3"

	d := config.Diff(old, new)
	if !d.ProvidersChanged {
		t.Fatal("expected ProvidersChanged=true")
	}
	if len(d.ProviderChanges) != 1 {
		t.Fatalf("expected 1 provider change, got %d", len(d.ProviderChanges))
	}
	pc := d.ProviderChanges[0]
	if pc.Kind != "stt" || pc.Name != "deepgram" || !pc.Modified {
		t.Errorf("unexpected provider change: %+v", pc)
	}
}

func TestDiff_ProviderAddedAndRemoved(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Providers.STT.Entries = []config.ProviderEntry{
		{Name: "deepgram", APIKey: "dg-test", Model: "nova-2"},
		{Name: "elevenlabs", APIKey: "el-test"},
	}
	new.Providers.STT.Fallback = "elevenlabs"

	d := config.Diff(old, new)
	if !d.ProvidersChanged {
		t.Fatal("expected ProvidersChanged=true")
	}

	var added, removed bool
	for _, pc := range d.ProviderChanges {
		switch {
		case pc.Name == "elevenlabs" && pc.Added:
			added = true
		case pc.Name == "openai" && pc.Removed:
			removed = true
		}
	}
	if !added {
		t.Error("expected elevenlabs to be reported as added")
	}
	if !removed {
		t.Error("expected openai to be reported as removed")
	}
}

func TestDiff_DefaultSelectionChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Providers.STT.Default = "openai"

	d := config.Diff(old, new)
	if !d.ProvidersChanged {
		t.Fatal("expected ProvidersChanged=true when the default selection moves")
	}
	if len(d.ProviderChanges) != 0 {
		t.Errorf("no entry-level changes expected, got %d", len(d.ProviderChanges))
	}
}
