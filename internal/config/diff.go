package config

import "slices"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists top-level sections that changed but are only
	// read at startup.
	RestartRequired []string
}

// Empty reports whether the diff carries no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed. Only the log
// level is applied live; every other change is reported in RestartRequired.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Database != new.Database {
		d.RestartRequired = append(d.RestartRequired, "database")
	}
	if !transcriptionEqual(old.Transcription, new.Transcription) {
		d.RestartRequired = append(d.RestartRequired, "transcription")
	}
	if !annotationEqual(old.Annotation, new.Annotation) {
		d.RestartRequired = append(d.RestartRequired, "annotation")
	}
	if old.Sweep != new.Sweep {
		d.RestartRequired = append(d.RestartRequired, "sweep")
	}
	return d
}

func transcriptionEqual(a, b TranscriptionConfig) bool {
	if a.Streaming != b.Streaming || a.Decoder != b.Decoder || a.Breaker != b.Breaker || a.MaxAudioBytes != b.MaxAudioBytes {
		return false
	}
	x, y := a.Async, b.Async
	if x.APIKey != y.APIKey || x.BaseURL != y.BaseURL || x.Model != y.Model ||
		x.PollBase != y.PollBase || x.PollMax != y.PollMax || x.Timeout != y.Timeout {
		return false
	}
	return slices.Equal(x.LanguageHints, y.LanguageHints)
}

// annotationEqual ignores the provider-specific Options map.
func annotationEqual(a, b AnnotationConfig) bool {
	return a.LLM.Name == b.LLM.Name && a.LLM.APIKey == b.LLM.APIKey &&
		a.LLM.BaseURL == b.LLM.BaseURL && a.LLM.Model == b.LLM.Model &&
		a.Attempts == b.Attempts && a.Delay == b.Delay &&
		a.MaxReferenceTerms == b.MaxReferenceTerms && a.Temperature == b.Temperature
}
