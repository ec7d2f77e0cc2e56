// Package annotate turns a finished transcript into corrected text, a short
// summary, tags and a score by asking a language model.
//
// The [LLMAnnotator] sends the transcript together with the reference
// vocabulary and expects a JSON object back. When the reply cannot be used
// it returns a fallback annotation instead of an error: the transcript
// aligned to the vocabulary by the phonetic matcher, with no summary, tags or
// score. Transport failures and cancellation are returned as errors so the
// caller can retry.
package annotate

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/MrWong99/fieldscribe/internal/annotate/phonetic"
	"github.com/MrWong99/fieldscribe/internal/observe"
	"github.com/MrWong99/fieldscribe/internal/pipeline"
	"github.com/MrWong99/fieldscribe/pkg/provider/llm"
)

const (
	defaultTemperature = 0.1
	defaultMaxTokens   = 2048
)

const systemPromptTemplate = `You annotate speech transcripts. The transcript may be Chinese, English or a mix of both, and may contain speaker-labelled lines such as "说话人1: ...".

Tasks:
1. Correct obvious recognition errors. Prefer the canonical spelling of the reference terms below when a word sounds or looks like one of them. Do not rephrase, shorten or reorder the text, and keep speaker labels and line breaks.
2. Write a summary of at most three sentences in the language of the transcript.
3. Give up to eight short topic tags.
4. Give a score between 0 and 100 for how complete and coherent the transcript is.

Reference terms:
%s
Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{
  "corrected_text": "<full corrected transcript>",
  "summary": "<summary>",
  "tags": ["<tag>", "..."],
  "score": <number>
}`

// reply is the JSON object the model is asked for. Tags and score are kept
// raw because models are loose about their types.
type reply struct {
	CorrectedText string          `json:"corrected_text"`
	Summary       string          `json:"summary"`
	Tags          json.RawMessage `json:"tags"`
	Score         json.RawMessage `json:"score"`
}

// Option is a functional option for configuring an [LLMAnnotator].
type Option func(*LLMAnnotator)

// WithTemperature sets the sampling temperature. Default: 0.1.
func WithTemperature(temp float64) Option {
	return func(a *LLMAnnotator) { a.temperature = temp }
}

// WithMaxTokens caps the reply length. Default: 2048.
func WithMaxTokens(n int) Option {
	return func(a *LLMAnnotator) { a.maxTokens = n }
}

// WithMatcher replaces the phonetic matcher used for the fallback payload.
func WithMatcher(m *phonetic.Matcher) Option {
	return func(a *LLMAnnotator) { a.matcher = m }
}

// LLMAnnotator implements [pipeline.Annotator] on top of an [llm.Provider].
// It is safe for concurrent use.
type LLMAnnotator struct {
	llm         llm.Provider
	matcher     *phonetic.Matcher
	temperature float64
	maxTokens   int
}

var _ pipeline.Annotator = (*LLMAnnotator)(nil)

// New returns an [LLMAnnotator] backed by provider.
func New(provider llm.Provider, opts ...Option) (*LLMAnnotator, error) {
	if provider == nil {
		return nil, fmt.Errorf("annotate: provider must not be nil")
	}
	a := &LLMAnnotator{
		llm:         provider,
		matcher:     phonetic.New(),
		temperature: defaultTemperature,
		maxTokens:   defaultMaxTokens,
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// Annotate implements [pipeline.Annotator].
func (a *LLMAnnotator) Annotate(ctx context.Context, transcript string, terms []string) (*pipeline.Annotation, error) {
	resp, err := a.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: buildSystemPrompt(terms),
		Temperature:  a.temperature,
		MaxTokens:    a.maxTokens,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: transcript}},
		JSONObject:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("annotate: complete: %w", err)
	}
	if resp.Truncated() {
		observe.Logger(ctx).Warn("annotate: reply hit the token limit", "max_tokens", a.maxTokens)
	}

	ann, err := parseReply(resp.Content)
	if err != nil {
		observe.Logger(ctx).Warn("annotate: unusable model reply, using fallback", "err", err)
		return a.fallback(ctx, transcript, terms), nil
	}
	if ann.CorrectedText == "" {
		ann.CorrectedText, _ = a.matcher.Align(transcript, terms)
	}
	return ann, nil
}

// fallback is the documented degraded payload.
func (a *LLMAnnotator) fallback(ctx context.Context, transcript string, terms []string) *pipeline.Annotation {
	aligned, reps := a.matcher.Align(transcript, terms)
	if len(reps) > 0 {
		observe.Logger(ctx).Debug("annotate: fallback aligned terms", "replacements", len(reps))
	}
	return &pipeline.Annotation{CorrectedText: aligned, Fallback: true}
}

func buildSystemPrompt(terms []string) string {
	var sb strings.Builder
	if len(terms) == 0 {
		sb.WriteString("(none)\n")
	}
	for _, t := range terms {
		sb.WriteString("- ")
		sb.WriteString(t)
		sb.WriteByte('\n')
	}
	return fmt.Sprintf(systemPromptTemplate, sb.String())
}

func parseReply(content string) (*pipeline.Annotation, error) {
	cleaned := stripMarkdown(content)
	if cleaned == "" {
		return nil, fmt.Errorf("annotate: empty reply")
	}

	var r reply
	if err := json.Unmarshal([]byte(cleaned), &r); err != nil {
		return nil, fmt.Errorf("annotate: parse reply: %w", err)
	}
	if r.CorrectedText == "" && r.Summary == "" && len(r.Tags) == 0 && len(r.Score) == 0 {
		return nil, fmt.Errorf("annotate: reply has no known fields")
	}

	return &pipeline.Annotation{
		CorrectedText: strings.TrimSpace(r.CorrectedText),
		Summary:       strings.TrimSpace(r.Summary),
		Tags:          parseTags(r.Tags),
		Score:         parseScore(r.Score),
	}, nil
}

// parseTags accepts a JSON array of strings or a single comma-separated
// string. Blank and duplicate tags are dropped.
func parseTags(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
		list = strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '，' || r == '、' })
	}

	seen := make(map[string]struct{}, len(list))
	tags := make([]string, 0, len(list))
	for _, t := range list {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		tags = append(tags, t)
	}
	if len(tags) == 0 {
		return nil
	}
	return tags
}

// parseScore accepts a JSON number or a numeric string. Anything else
// yields nil.
func parseScore(raw json.RawMessage) *float64 {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return &f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil
	}
	return &f
}

// stripMarkdown removes optional markdown code fences (```json ... ```) that
// some models wrap around JSON output.
func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}
