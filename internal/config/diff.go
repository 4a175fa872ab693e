package config

// ConfigDiff describes what changed between two configs.
//
// Log level changes can be applied to a running gateway; everything else is
// reported so the operator can be told a restart is required.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	TrialGrantChanged bool
	NewTrialGrant     float64

	AbuseLimitChanged bool
	NewDailyIPLimit   float64

	// ProvidersChanged is true if any provider entry, default, or fallback
	// selection differs. These take effect only after a restart.
	ProvidersChanged bool
	ProviderChanges  []ProviderDiff
}

// ProviderDiff describes what changed for a single provider entry.
type ProviderDiff struct {
	Kind     string // "stt" or "llm"
	Name     string
	Added    bool
	Removed  bool
	Modified bool // api_key, base_url, model, or threshold changed
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Billing.TrialGrantCredits != new.Billing.TrialGrantCredits {
		d.TrialGrantChanged = true
		d.NewTrialGrant = new.Billing.TrialGrantCredits
	}
	if old.Abuse.DailyIPLimitCredits != new.Abuse.DailyIPLimitCredits {
		d.AbuseLimitChanged = true
		d.NewDailyIPLimit = new.Abuse.DailyIPLimitCredits
	}

	d.ProviderChanges = append(d.ProviderChanges,
		diffEntries("stt", old.Providers.STT.Entries, new.Providers.STT.Entries)...)
	d.ProviderChanges = append(d.ProviderChanges,
		diffEntries("llm", old.Providers.LLM.Entries, new.Providers.LLM.Entries)...)

	if len(d.ProviderChanges) > 0 ||
		old.Providers.STT.Default != new.Providers.STT.Default ||
		old.Providers.STT.Fallback != new.Providers.STT.Fallback ||
		old.Providers.LLM.Default != new.Providers.LLM.Default {
		d.ProvidersChanged = true
	}

	return d
}

// diffEntries compares two provider entry lists keyed by name.
func diffEntries(kind string, old, new []ProviderEntry) []ProviderDiff {
	var out []ProviderDiff

	oldByName := make(map[string]*ProviderEntry, len(old))
	for i := range old {
		oldByName[old[i].Name] = &old[i]
	}
	newByName := make(map[string]*ProviderEntry, len(new))
	for i := range new {
		newByName[new[i].Name] = &new[i]
	}

	for name, oldEntry := range oldByName {
		newEntry, exists := newByName[name]
		if !exists {
			out = append(out, ProviderDiff{Kind: kind, Name: name, Removed: true})
			continue
		}
		if entryModified(oldEntry, newEntry) {
			out = append(out, ProviderDiff{Kind: kind, Name: name, Modified: true})
		}
	}
	for name := range newByName {
		if _, exists := oldByName[name]; !exists {
			out = append(out, ProviderDiff{Kind: kind, Name: name, Added: true})
		}
	}

	return out
}

// entryModified reports whether two entries with the same name differ in any
// field that affects a constructed provider.
func entryModified(old, new *ProviderEntry) bool {
	return old.APIKey != new.APIKey ||
		old.BaseURL != new.BaseURL ||
		old.Model != new.Model ||
		old.MaxDirectMB != new.MaxDirectMB
}
