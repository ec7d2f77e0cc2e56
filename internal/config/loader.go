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
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Database
	if cfg.Database.PostgresDSN == "" {
		errs = append(errs, errors.New("database.postgres_dsn is required"))
	}

	// Streaming backend
	st := cfg.Transcription.Streaming
	for _, f := range []struct{ name, value string }{
		{"app_id", st.AppID},
		{"api_key", st.APIKey},
		{"api_secret", st.APISecret},
	} {
		if f.value == "" {
			errs = append(errs, fmt.Errorf("transcription.streaming.%s is required", f.name))
		}
	}
	if st.FrameBytes < 0 {
		errs = append(errs, fmt.Errorf("transcription.streaming.frame_bytes %d must not be negative", st.FrameBytes))
	}
	errs = appendNegative(errs, "transcription.streaming.frame_interval", st.FrameInterval)
	errs = appendNegative(errs, "transcription.streaming.timeout", st.Timeout)

	// Async backend
	as := cfg.Transcription.Async
	errs = appendNegative(errs, "transcription.async.poll_base", as.PollBase)
	errs = appendNegative(errs, "transcription.async.poll_max", as.PollMax)
	errs = appendNegative(errs, "transcription.async.timeout", as.Timeout)
	if as.PollBase > 0 && as.PollMax > 0 && as.PollBase > as.PollMax {
		errs = append(errs, fmt.Errorf("transcription.async.poll_base %s exceeds poll_max %s", as.PollBase, as.PollMax))
	}
	if !as.Enabled() && (as.BaseURL != "" || as.Model != "") {
		slog.Warn("transcription.async is configured without api_key; the async backend is disabled")
	}

	if cfg.Transcription.MaxAudioBytes < 0 {
		errs = append(errs, fmt.Errorf("transcription.max_audio_bytes %d must not be negative", cfg.Transcription.MaxAudioBytes))
	}

	// Annotation
	an := cfg.Annotation
	if an.LLM.Name == "" {
		errs = append(errs, errors.New("annotation.llm.name is required"))
	} else {
		validateProviderName("llm", an.LLM.Name)
	}
	if an.Attempts < 0 {
		errs = append(errs, fmt.Errorf("annotation.attempts %d must not be negative", an.Attempts))
	}
	errs = appendNegative(errs, "annotation.delay", an.Delay)
	if an.MaxReferenceTerms < 0 {
		errs = append(errs, fmt.Errorf("annotation.max_reference_terms %d must not be negative", an.MaxReferenceTerms))
	}
	if an.Temperature < 0 || an.Temperature > 2 {
		errs = append(errs, fmt.Errorf("annotation.temperature %.2f is out of range [0, 2]", an.Temperature))
	}

	// Sweep
	sw := cfg.Sweep
	errs = appendNegative(errs, "sweep.interval", sw.Interval)
	errs = appendNegative(errs, "sweep.stale_after", sw.StaleAfter)
	if sw.Workers < 0 || sw.Batch < 0 || sw.MaxResumes < 0 || sw.MaxAttempts < 0 {
		errs = append(errs, errors.New("sweep.workers, sweep.batch, sweep.max_resumes and sweep.max_attempts must not be negative"))
	}
	if sw.Enabled && sw.StaleAfter >= 0 {
		staleAfter := orDefault(sw.StaleAfter, defaultStaleAfter)
		if budget := cfg.RunBudget(); staleAfter <= budget {
			slog.Warn("sweep.stale_after does not exceed the longest possible run; live runs may be marked interrupted",
				"stale_after", staleAfter,
				"run_budget", budget,
			)
		}
	}

	return errors.Join(errs...)
}

func appendNegative(errs []error, field string, d time.Duration) []error {
	if d < 0 {
		return append(errs, fmt.Errorf("%s %s must not be negative", field, d))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
