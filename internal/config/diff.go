package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; provider and
// network changes require a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// HotwordsChanged is true when the hotword vocabulary changed. New STT
	// sessions pick up the new list; live sessions keep the old one.
	HotwordsChanged bool
	NewHotwords     []string

	// TriggerChanged is true when the trigger mode, wake words, or minimum
	// length changed.
	TriggerChanged bool
	NewTrigger     TriggerConfig

	// LLMDefaultsChanged is true when temperature, max tokens, or the system
	// prompt changed. Applies to turns started after the reload.
	LLMDefaultsChanged bool
	NewLLMDefaults     LLMDefaults
}

// Empty reports whether the diff carries no hot-reloadable change.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.HotwordsChanged && !d.TriggerChanged && !d.LLMDefaultsChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !slices.Equal(old.Hotwords, new.Hotwords) {
		d.HotwordsChanged = true
		d.NewHotwords = new.Hotwords
	}

	if old.Trigger.Mode != new.Trigger.Mode ||
		old.Trigger.MinLength != new.Trigger.MinLength ||
		!slices.Equal(old.Trigger.WakeWords, new.Trigger.WakeWords) {
		d.TriggerChanged = true
		d.NewTrigger = new.Trigger
	}

	if old.Defaults.LLM != new.Defaults.LLM {
		d.LLMDefaultsChanged = true
		d.NewLLMDefaults = new.Defaults.LLM
	}

	return d
}
