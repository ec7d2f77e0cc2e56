package config

import "time"

// Defaults the backends and the annotation stage apply when a field is zero.
const (
	defaultStreamingTimeout  = 3 * time.Minute
	defaultAsyncTimeout      = 10 * time.Minute
	defaultAnnotateAttempts  = 3
	defaultAnnotateDelay     = 2 * time.Second
	defaultStaleAfter        = 30 * time.Minute
	assumedAnnotationTimeout = time.Minute
)

// OptionDuration parses Options[key] as a duration. It returns zero when the
// key is missing or not a valid positive duration.
func (e ProviderEntry) OptionDuration(key string) time.Duration {
	s, _ := e.Options[key].(string)
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// RunBudget is the longest a single pipeline run can stay in processing
// under cfg: the async backend's deadline, then the streaming fallback's,
// then every annotation attempt with the pauses between them. An LLM entry
// without options.timeout is counted at one minute per call.
//
// Streaming sessions for clips longer than the streaming timeout run for
// the clip's length instead, so very long recordings can exceed the budget.
func (c *Config) RunBudget() time.Duration {
	tc := c.Transcription
	budget := orDefault(tc.Streaming.Timeout, defaultStreamingTimeout)
	if tc.Async.Enabled() {
		budget += orDefault(tc.Async.Timeout, defaultAsyncTimeout)
	}

	an := c.Annotation
	attempts := an.Attempts
	if attempts <= 0 {
		attempts = defaultAnnotateAttempts
	}
	call := an.LLM.OptionDuration("timeout")
	if call == 0 {
		call = assumedAnnotationTimeout
	}
	budget += time.Duration(attempts)*call + time.Duration(attempts-1)*orDefault(an.Delay, defaultAnnotateDelay)
	return budget
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
