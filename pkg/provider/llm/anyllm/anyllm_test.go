package anyllm

import (
	"slices"
	"strings"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/fieldscribe/pkg/provider/llm"
)

func TestParams(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		req        llm.CompletionRequest
		wantSystem string
		wantMsgs   int
		wantTemp   bool
		wantMax    bool
	}{
		{
			name: "full request",
			req: llm.CompletionRequest{
				SystemPrompt: "Correct the transcript.",
				Messages:     []llm.Message{{Role: llm.RoleUser, Content: "说话人1: 你好"}},
				Temperature:  0.1,
				MaxTokens:    800,
			},
			wantSystem: "Correct the transcript.",
			wantMsgs:   2, wantTemp: true, wantMax: true,
		},
		{
			name:     "defaults left unset",
			req:      llm.CompletionRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}},
			wantMsgs: 1,
		},
		{
			name: "json object appends instruction",
			req: llm.CompletionRequest{
				SystemPrompt: "Annotate.",
				Messages:     []llm.Message{{Role: llm.RoleUser, Content: "x"}},
				JSONObject:   true,
			},
			wantSystem: "Annotate.\n\n" + jsonInstruction,
			wantMsgs:   2,
		},
		{
			name: "json object without system prompt",
			req: llm.CompletionRequest{
				Messages:   []llm.Message{{Role: llm.RoleUser, Content: "x"}},
				JSONObject: true,
			},
			wantSystem: jsonInstruction,
			wantMsgs:   2,
		},
	}
	p := &Provider{model: "deepseek-chat"}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			params := p.params(tt.req)
			if params.Model != "deepseek-chat" {
				t.Errorf("Model = %q", params.Model)
			}
			if len(params.Messages) != tt.wantMsgs {
				t.Fatalf("len(Messages) = %d, want %d", len(params.Messages), tt.wantMsgs)
			}
			if tt.wantSystem != "" {
				first := params.Messages[0]
				if first.Role != anyllmlib.RoleSystem || first.Content != tt.wantSystem {
					t.Errorf("system message = %+v, want %q", first, tt.wantSystem)
				}
			}
			last := params.Messages[len(params.Messages)-1]
			if last.Role != llm.RoleUser {
				t.Errorf("last role = %q, want user", last.Role)
			}
			if (params.Temperature != nil) != tt.wantTemp {
				t.Errorf("Temperature = %v, want set=%v", params.Temperature, tt.wantTemp)
			}
			if (params.MaxTokens != nil) != tt.wantMax {
				t.Errorf("MaxTokens = %v, want set=%v", params.MaxTokens, tt.wantMax)
			}
		})
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		vendor  string
		model   string
		opts    []anyllmlib.Option
		wantErr string
	}{
		{vendor: "anthropic", model: "", wantErr: "model is required"},
		{vendor: "fakecloud", model: "m", opts: []anyllmlib.Option{anyllmlib.WithAPIKey("k")}, wantErr: "unsupported vendor"},
		{vendor: "openai", model: "gpt-4o-mini", opts: []anyllmlib.Option{anyllmlib.WithAPIKey("sk-test")}},
		{vendor: "anthropic", model: "claude-3-5-haiku-latest", opts: []anyllmlib.Option{anyllmlib.WithAPIKey("sk-ant-test")}},
		{vendor: "ollama", model: "qwen2.5"},
		{vendor: "DeepSeek", model: "deepseek-chat", opts: []anyllmlib.Option{anyllmlib.WithAPIKey("sk-test")}},
	}
	for _, tt := range tests {
		t.Run(tt.vendor+"/"+tt.model, func(t *testing.T) {
			p, err := New(tt.vendor, tt.model, tt.opts...)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if p.vendor != strings.ToLower(tt.vendor) || p.model != tt.model {
				t.Errorf("provider = %s/%s", p.vendor, p.model)
			}
		})
	}
}

func TestNew_OpenAIMissingKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := New("openai", "gpt-4o"); err == nil {
		t.Fatal("expected error for missing API key")
	}
}

func TestVendors(t *testing.T) {
	t.Parallel()
	got := Vendors()
	if !slices.IsSorted(got) {
		t.Errorf("Vendors() = %v, not sorted", got)
	}
	for _, want := range []string{"anthropic", "deepseek", "gemini", "groq", "llamacpp", "llamafile", "mistral", "ollama", "openai"} {
		if !slices.Contains(got, want) {
			t.Errorf("Vendors() missing %q", want)
		}
	}
}
