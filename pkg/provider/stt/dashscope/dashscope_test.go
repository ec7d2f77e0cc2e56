package dashscope

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/fieldscribe/internal/resilience"
	"github.com/MrWong99/fieldscribe/pkg/provider/stt"
)

// ─── test server ──────────────────────────────────────────────────────────────

// fakeAPI scripts the submit, task and result endpoints.
type fakeAPI struct {
	mu sync.Mutex

	submitStatus int
	submitBody   string
	submitted    submitRequest
	headers      http.Header

	// submitScript holds statuses served to the first submits in order;
	// dropConn closes the connection without a response.
	submitScript []int
	submits      int

	// polls are served in order; the last one repeats.
	polls     []pollReply
	pollCount int

	doc Document

	// baseURL is the test server URL, set before the first request.
	baseURL string
}

const dropConn = -1

type pollReply struct {
	code   int
	status string
	body   string
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /services/audio/asr/transcription", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.headers = r.Header.Clone()
		if err := json.NewDecoder(r.Body).Decode(&f.submitted); err != nil {
			t.Errorf("server: decode submit: %v", err)
		}
		f.submits++
		if len(f.submitScript) > 0 {
			code := f.submitScript[0]
			f.submitScript = f.submitScript[1:]
			if code == dropConn {
				conn, _, err := http.NewResponseController(w).Hijack()
				if err != nil {
					t.Errorf("server: hijack: %v", err)
					return
				}
				conn.Close()
				return
			}
			w.WriteHeader(code)
			return
		}
		if f.submitStatus != 0 {
			w.WriteHeader(f.submitStatus)
		}
		body := f.submitBody
		if body == "" {
			body = `{"request_id":"r1","output":{"task_id":"task-42","task_status":"PENDING"}}`
		}
		_, _ = w.Write([]byte(body))
	})

	mux.HandleFunc("GET /tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		i := min(f.pollCount, len(f.polls)-1)
		f.pollCount++
		reply := f.polls[i]
		f.mu.Unlock()

		if reply.code != 0 && reply.code != http.StatusOK {
			http.Error(w, reply.body, reply.code)
			return
		}
		if reply.body != "" {
			_, _ = w.Write([]byte(reply.body))
			return
		}
		out := map[string]any{"task_id": r.PathValue("id"), "task_status": reply.status}
		if reply.status == StatusSucceeded {
			out["results"] = []any{map[string]any{
				"file_url":          "https://media.example/a.mp3",
				"transcription_url": f.baseURL + "/results/task-42.json",
				"subtask_status":    StatusSucceeded,
			}}
		}
		if reply.status == StatusFailed {
			out["code"] = "SUCCESS_WITH_NO_VALID_FRAGMENT"
			out["message"] = "no valid speech"
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"request_id": "r2", "output": out})
	})

	mux.HandleFunc("GET /results/task-42.json", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(f.doc)
	})

	return mux
}

func (f *fakeAPI) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

func (f *fakeAPI) polled() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pollCount
}

func newTestProvider(t *testing.T, api *fakeAPI) *Provider {
	t.Helper()
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	api.baseURL = srv.URL

	httpc := resilience.NewHTTPClient("test", resilience.WithRetryPolicy(resilience.RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}))
	p, err := New("sk-test",
		WithBaseURL(srv.URL+"/"),
		WithPollInterval(time.Millisecond, 4*time.Millisecond),
		WithHTTPClient(httpc),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func intp(v int) *int { return &v }

func diarizedDoc() Document {
	return Document{Transcripts: []Transcript{{
		Sentences: []Sentence{
			{Text: "你好", SpeakerID: intp(0), BeginTime: 100},
			{Text: "，请坐", SpeakerID: intp(0), BeginTime: 900},
			{Text: "谢谢", SpeakerID: intp(1), BeginTime: 2100},
		},
	}}}
}

// ─── Reconstruct ──────────────────────────────────────────────────────────────

func TestReconstruct(t *testing.T) {
	tests := []struct {
		name string
		doc  *Document
		want string
	}{
		{
			name: "diarized sentences",
			doc:  func() *Document { d := diarizedDoc(); return &d }(),
			want: "说话人1: 你好，请坐\n说话人2: 谢谢",
		},
		{
			name: "speaker returns after change",
			doc: &Document{Transcripts: []Transcript{{Sentences: []Sentence{
				{Text: "一", SpeakerID: intp(1)},
				{Text: "二", SpeakerID: intp(0)},
				{Text: "三", SpeakerID: intp(1)},
			}}}},
			want: "说话人2: 一\n说话人1: 二\n说话人2: 三",
		},
		{
			name: "sentences without speakers concatenate",
			doc: &Document{Transcripts: []Transcript{{Sentences: []Sentence{
				{Text: "今天开会。"}, {Text: "议题有三个。"},
			}}}},
			want: "今天开会。议题有三个。",
		},
		{
			name: "words when no sentences",
			doc: &Document{Transcripts: []Transcript{{Words: []Word{
				{Text: "好的", Punctuation: "，", SpeakerID: intp(0)},
				{Text: "开始", Punctuation: "。", SpeakerID: intp(0)},
			}}}},
			want: "说话人1: 好的，开始。",
		},
		{
			name: "plain text last",
			doc:  &Document{Transcripts: []Transcript{{Text: "只有文本"}}},
			want: "只有文本",
		},
		{
			name: "sentences preferred over text",
			doc: &Document{Transcripts: []Transcript{{
				Text:      "整段",
				Sentences: []Sentence{{Text: "分句"}},
			}}},
			want: "分句",
		},
		{
			name: "empty",
			doc:  &Document{},
			want: "",
		},
		{
			name: "nil",
			doc:  nil,
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := Reconstruct(tt.doc)
			if got != tt.want {
				t.Errorf("Reconstruct() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReconstruct_Segments(t *testing.T) {
	doc := diarizedDoc()
	_, segs := Reconstruct(&doc)
	if len(segs) != 3 {
		t.Fatalf("len(segments) = %d, want 3", len(segs))
	}
	if segs[2].SpeakerID != 1 || segs[2].Text != "谢谢" || segs[2].Start != 2100*time.Millisecond {
		t.Errorf("segments[2] = %+v", segs[2])
	}
}

// ─── poll schedule ────────────────────────────────────────────────────────────

func TestPollPolicy_Schedule(t *testing.T) {
	p, err := New("sk-test")
	if err != nil {
		t.Fatal(err)
	}
	b := p.pollPolicy("task").BackOff()
	want := []time.Duration{1, 2, 4, 8, 10, 10, 10}
	for i, w := range want {
		if got := b.NextBackOff(); got != w*time.Second {
			t.Errorf("delay %d = %v, want %v", i, got, w*time.Second)
		}
	}
}

// ─── Transcribe ───────────────────────────────────────────────────────────────

func TestNew_MissingKey(t *testing.T) {
	if _, err := New(""); !errors.Is(err, stt.ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
}

func TestTranscribe_Success(t *testing.T) {
	api := &fakeAPI{
		polls: []pollReply{{status: StatusPending}, {status: StatusRunning}, {status: StatusSucceeded}},
		doc:   diarizedDoc(),
	}
	p := newTestProvider(t, api)

	res, err := p.Transcribe(context.Background(), stt.Request{
		SourceRef:        "https://media.example/a.mp3",
		ExpectedSpeakers: 2,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "说话人1: 你好，请坐\n说话人2: 谢谢" {
		t.Errorf("text = %q", res.Text)
	}
	if res.Backend != stt.BackendAsync || res.Partial {
		t.Errorf("result = %+v", res)
	}
	if api.polled() != 3 {
		t.Errorf("polls = %d, want 3", api.polled())
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if got := api.headers.Get("Authorization"); got != "Bearer sk-test" {
		t.Errorf("Authorization = %q", got)
	}
	if got := api.headers.Get("X-DashScope-Async"); got != "enable" {
		t.Errorf("X-DashScope-Async = %q", got)
	}
	sub := api.submitted
	if sub.Model != "paraformer-v2" || len(sub.Input.FileURLs) != 1 || sub.Input.FileURLs[0] != "https://media.example/a.mp3" {
		t.Errorf("submitted = %+v", sub)
	}
	if !sub.Parameters.DiarizationEnabled || sub.Parameters.SpeakerCount != 2 {
		t.Errorf("parameters = %+v", sub.Parameters)
	}
}

func TestTranscribe_JobFailed(t *testing.T) {
	api := &fakeAPI{polls: []pollReply{{status: StatusRunning}, {status: StatusFailed}}}
	p := newTestProvider(t, api)

	_, err := p.Transcribe(context.Background(), stt.Request{SourceRef: "https://media.example/a.mp3"})
	var je *stt.JobError
	if !errors.As(err, &je) {
		t.Fatalf("err = %v, want *stt.JobError", err)
	}
	if je.TaskID != "task-42" || je.Code != "SUCCESS_WITH_NO_VALID_FRAGMENT" {
		t.Errorf("job error = %+v", je)
	}
	if api.polled() != 2 {
		t.Errorf("polls = %d, want 2", api.polled())
	}
}

func TestTranscribe_TransientPollFailuresRetried(t *testing.T) {
	api := &fakeAPI{
		polls: []pollReply{
			{code: http.StatusServiceUnavailable, body: "busy"},
			{code: http.StatusTooManyRequests, body: "slow down"},
			{status: StatusSucceeded},
		},
		doc: Document{Transcripts: []Transcript{{Text: "好"}}},
	}
	p := newTestProvider(t, api)

	res, err := p.Transcribe(context.Background(), stt.Request{SourceRef: "https://media.example/a.mp3"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "好" {
		t.Errorf("text = %q", res.Text)
	}
	if api.polled() != 3 {
		t.Errorf("polls = %d, want 3", api.polled())
	}
}

func TestTranscribe_ClientErrorFailsImmediately(t *testing.T) {
	api := &fakeAPI{polls: []pollReply{{code: http.StatusNotFound, body: "no such task"}}}
	p := newTestProvider(t, api)

	_, err := p.Transcribe(context.Background(), stt.Request{SourceRef: "https://media.example/a.mp3"})
	var pe *stt.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *stt.ProtocolError", err)
	}
	if pe.Code != http.StatusNotFound {
		t.Errorf("code = %d, want 404", pe.Code)
	}
	if api.polled() != 1 {
		t.Errorf("polls = %d, want 1", api.polled())
	}
}

func TestTranscribe_Timeout(t *testing.T) {
	api := &fakeAPI{polls: []pollReply{{status: StatusRunning}}}
	p := newTestProvider(t, api)

	res, err := p.Transcribe(context.Background(), stt.Request{
		SourceRef: "https://media.example/a.mp3",
		Timeout:   60 * time.Millisecond,
	})
	if res != nil {
		t.Errorf("result = %+v, want nil", res)
	}
	var te *stt.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *stt.TimeoutError", err)
	}
	if te.LastStatus != StatusRunning || te.Backend != stt.BackendAsync {
		t.Errorf("timeout error = %+v", te)
	}
	if api.polled() < 2 {
		t.Errorf("polls = %d, want at least 2", api.polled())
	}
}

func TestTranscribe_Cancelled(t *testing.T) {
	api := &fakeAPI{polls: []pollReply{{status: StatusRunning}}}
	p := newTestProvider(t, api)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	_, err := p.Transcribe(ctx, stt.Request{SourceRef: "https://media.example/a.mp3"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestTranscribe_SubmitWithoutTaskID(t *testing.T) {
	api := &fakeAPI{
		submitBody: `{"request_id":"r1","code":"InvalidParameter","message":"file_urls is empty"}`,
		polls:      []pollReply{{status: StatusSucceeded}},
	}
	p := newTestProvider(t, api)

	_, err := p.Transcribe(context.Background(), stt.Request{SourceRef: ""})
	var se *stt.SubmitError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *stt.SubmitError", err)
	}
	if api.polled() != 0 {
		t.Errorf("polled %d times after failed submit", api.polled())
	}
}

func TestTranscribe_SubmitRejected(t *testing.T) {
	api := &fakeAPI{
		submitStatus: http.StatusUnauthorized,
		submitBody:   `{"code":"InvalidApiKey","message":"Invalid API-key provided."}`,
		polls:        []pollReply{{status: StatusSucceeded}},
	}
	p := newTestProvider(t, api)

	_, err := p.Transcribe(context.Background(), stt.Request{SourceRef: "https://media.example/a.mp3"})
	var se *stt.SubmitError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *stt.SubmitError", err)
	}
	if se.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", se.StatusCode)
	}
}

func TestTranscribe_SubmitRetriesOnlyRejections(t *testing.T) {
	tests := []struct {
		name        string
		script      []int
		wantSubmits int
		wantOK      bool
	}{
		{name: "rate limited then accepted", script: []int{http.StatusTooManyRequests}, wantSubmits: 2, wantOK: true},
		{name: "unavailable then accepted", script: []int{http.StatusServiceUnavailable}, wantSubmits: 2, wantOK: true},
		{name: "server error is not repeated", script: []int{http.StatusInternalServerError}, wantSubmits: 1},
		{name: "bad gateway is not repeated", script: []int{http.StatusBadGateway}, wantSubmits: 1},
		{name: "dropped connection is not repeated", script: []int{dropConn}, wantSubmits: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{
				submitScript: tt.script,
				polls:        []pollReply{{status: StatusSucceeded}},
				doc:          diarizedDoc(),
			}
			p := newTestProvider(t, api)

			_, err := p.Transcribe(context.Background(), stt.Request{SourceRef: "https://media.example/a.mp3"})
			if got := api.submitCount(); got != tt.wantSubmits {
				t.Errorf("submits = %d, want %d", got, tt.wantSubmits)
			}
			if tt.wantOK {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var se *stt.SubmitError
			if !errors.As(err, &se) {
				t.Fatalf("err = %v, want *stt.SubmitError", err)
			}
			if api.polled() != 0 {
				t.Errorf("polled %d times after failed submit", api.polled())
			}
		})
	}
}

func TestTranscribe_CallerDeadlineIsTimeout(t *testing.T) {
	api := &fakeAPI{polls: []pollReply{{status: StatusRunning}}}
	p := newTestProvider(t, api)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	_, err := p.Transcribe(ctx, stt.Request{SourceRef: "https://media.example/a.mp3", Timeout: time.Minute})
	var te *stt.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *stt.TimeoutError", err)
	}
	if te.LastStatus != StatusRunning {
		t.Errorf("last status = %q, want %s", te.LastStatus, StatusRunning)
	}
}
