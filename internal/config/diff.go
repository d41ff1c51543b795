package config

import "slices"

// ConfigDiff lists what changed between two configs. Only settings that can
// be applied to a running process are tracked individually; everything else
// sets RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AssistantChanged covers voice, instructions, greeting and tool
	// rounds. It takes effect on the next session or chat message.
	AssistantChanged bool

	// MarketChanged means the dataset source or inline records changed.
	MarketChanged bool

	// RestartRequired lists sections whose changes need a restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.AssistantChanged && !d.MarketChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.AssistantChanged = old.Assistant != new.Assistant
	d.MarketChanged = old.Market.File != new.Market.File || !slices.Equal(old.Market.Stats, new.Market.Stats)

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.TraceSampleRatio != new.Server.TraceSampleRatio {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !providersEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	return d
}

func providersEqual(a, b ProvidersConfig) bool {
	return entryEqual(a.Live, b.Live) && entryEqual(a.LLM, b.LLM) &&
		slices.EqualFunc(a.LLMFallbacks, b.LLMFallbacks, entryEqual)
}

// entryEqual ignores Options, which are compared by the provider itself.
func entryEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}
