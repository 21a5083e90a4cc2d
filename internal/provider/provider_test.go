package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/genai"

	"github.com/synochat-relay/server/internal/conversation"
	errx "github.com/synochat-relay/server/internal/core/error"
	"github.com/synochat-relay/server/internal/metrics"
	"github.com/synochat-relay/server/internal/model"
	"github.com/synochat-relay/server/internal/transport"
)

func testDeps(m *metrics.Metrics) Deps {
	return Deps{
		Transport: transport.New(transport.Config{
			Timeout:     2 * time.Second,
			MaxRetries:  2,
			BaseBackoff: time.Millisecond,
			MaxBackoff:  2 * time.Millisecond,
			Metrics:     m,
		}),
		Metrics: m,
	}
}

// recorder captures decoded JSON request bodies.
type recorder struct {
	mu     sync.Mutex
	bodies []map[string]any
	auth   []string
}

func (r *recorder) record(t *testing.T, req *http.Request) map[string]any {
	t.Helper()
	raw, err := io.ReadAll(req.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("decode body %q: %v", raw, err)
	}
	r.mu.Lock()
	r.bodies = append(r.bodies, body)
	r.auth = append(r.auth, req.Header.Get("Authorization"))
	r.mu.Unlock()
	return body
}

func (r *recorder) last() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bodies[len(r.bodies)-1]
}

func roles(t *testing.T, body map[string]any) []string {
	t.Helper()
	msgs, ok := body["messages"].([]any)
	if !ok {
		t.Fatalf("messages missing from %v", body)
	}
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		mm := m.(map[string]any)
		out = append(out, fmt.Sprintf("%s:%s", mm["role"], mm["content"]))
	}
	return out
}

func newOpenAI(t *testing.T, url, systemPrompt string, m *metrics.Metrics) *OpenAI {
	t.Helper()
	p, err := NewOpenAI(model.ChatAPIConfig{
		Type:         "openai",
		URL:          url,
		APIKey:       "sk-test",
		Model:        "gpt-4o-mini",
		Temperature:  0.7,
		MaxTokens:    256,
		SystemPrompt: systemPrompt,
	}, testDeps(m))
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	return p.(*OpenAI)
}

func TestOpenAI_SendsSystemPromptAndHistory(t *testing.T) {
	rec := &recorder{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(t, r)
		fmt.Fprint(w, `{"model":"gpt-4o-mini","choices":[{"message":{"role":"assistant","content":"fine, thanks"}}],"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`)
	}))
	defer server.Close()

	conv := conversation.New("42", 10, time.Minute, nil)
	conv.Append(schema.User, "hi")
	conv.Append(schema.Assistant, "hello")
	conv.Append(schema.User, "how are you")

	m := metrics.New()
	p := newOpenAI(t, server.URL, "be nice", m)
	reply, ok := p.SendMessage(context.Background(), "42", "how are you", conv)
	if !ok || reply != "fine, thanks" {
		t.Fatalf("expected reply, got %q ok=%v", reply, ok)
	}

	want := []string{"system:be nice", "user:hi", "assistant:hello", "user:how are you"}
	got := roles(t, rec.last())
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("messages = %v, want %v", got, want)
	}
	body := rec.last()
	if body["model"] != "gpt-4o-mini" || body["max_tokens"] != float64(256) {
		t.Errorf("unexpected request fields: %v", body)
	}
	if rec.auth[0] != "Bearer sk-test" {
		t.Errorf("Authorization = %q", rec.auth[0])
	}
	if got := testutil.ToFloat64(m.ProviderCalls.WithLabelValues(KindOpenAI, "ok")); got != 1 {
		t.Errorf("expected one ok call recorded, got %v", got)
	}
}

func TestOpenAI_NoSystemPromptSendsHistoryOnly(t *testing.T) {
	rec := &recorder{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(t, r)
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer server.Close()

	conv := conversation.New("42", 10, time.Minute, nil)
	conv.Append(schema.User, "ping")

	p := newOpenAI(t, server.URL, "", nil)
	if _, ok := p.SendMessage(context.Background(), "42", "ping", conv); !ok {
		t.Fatal("expected success")
	}
	if got := roles(t, rec.last()); len(got) != 1 || got[0] != "user:ping" {
		t.Errorf("messages = %v, want [user:ping]", got)
	}
}

func TestOpenAI_FailureKinds(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind errx.Kind
		wantHits int32
	}{
		{name: "client status not retried", status: http.StatusUnauthorized, body: `{"error":"bad key"}`, wantKind: errx.KindHTTPStatus, wantHits: 1},
		{name: "server status retried", status: http.StatusBadGateway, body: "gateway", wantKind: errx.KindHTTPStatus, wantHits: 3},
		{name: "no choices", status: http.StatusOK, body: `{"choices":[]}`, wantKind: errx.KindParse, wantHits: 1},
		{name: "not json", status: http.StatusOK, body: `<html>oops</html>`, wantKind: errx.KindParse, wantHits: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			p := newOpenAI(t, server.URL, "sys", nil)
			_, err := p.Complete(context.Background(), "1", "hi", nil)
			if got := errx.KindOf(err); got != tt.wantKind {
				t.Fatalf("kind = %q, want %q (err %v)", got, tt.wantKind, err)
			}
			if got := hits.Load(); got != tt.wantHits {
				t.Errorf("hits = %d, want %d", got, tt.wantHits)
			}

			hits.Store(0)
			reply, ok := p.SendMessage(context.Background(), "1", "hi", nil)
			if ok || reply != "" {
				t.Errorf("SendMessage = (%q, %v), want absent", reply, ok)
			}
		})
	}
}

func TestOpenAI_TruncatedBodyIsAbsent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"The answer is 12`)
	}))
	defer server.Close()

	p := newOpenAI(t, server.URL, "", nil)
	_, err := p.Complete(context.Background(), "1", "hi", nil)
	if got := errx.KindOf(err); got != errx.KindParse {
		t.Fatalf("kind = %q, want %q (err %v)", got, errx.KindParse, err)
	}
	if !errors.Is(err, errTruncatedBody) {
		t.Errorf("err = %v, want truncated body", err)
	}

	reply, ok := p.SendMessage(context.Background(), "1", "hi", nil)
	if ok || reply != "" {
		t.Errorf("SendMessage = (%q, %v), want absent", reply, ok)
	}
}

func TestOpenAI_RepairsMalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"hi there"},},],}`)
	}))
	defer server.Close()

	p := newOpenAI(t, server.URL, "", nil)
	reply, err := p.Complete(context.Background(), "1", "hi", nil)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if reply != "hi there" {
		t.Errorf("reply = %q", reply)
	}
}

func TestOpenAI_TestConnection(t *testing.T) {
	rec := &recorder{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(t, r)
		fmt.Fprint(w, `{"model":"gpt-4o-mini-2024","choices":[{"message":{"content":"API test successful"}}],"usage":{"prompt_tokens":20,"completion_tokens":4,"total_tokens":24}}`)
	}))
	defer server.Close()

	p := newOpenAI(t, server.URL, "configured prompt", nil)
	res := p.TestConnection(context.Background())
	if !res.Success {
		t.Fatalf("probe failed: %+v", res)
	}
	if res.Provider != KindOpenAI || res.Response != "API test successful" || res.Model != "gpt-4o-mini-2024" {
		t.Errorf("unexpected result %+v", res)
	}
	if res.Usage == nil || res.Usage.TotalTokens != 24 {
		t.Errorf("usage = %+v", res.Usage)
	}

	body := rec.last()
	want := []string{"system:" + TestSystemPrompt, "user:" + TestPrompt}
	if got := roles(t, body); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("probe messages = %v", got)
	}
	if body["temperature"] != 0.1 || body["max_tokens"] != float64(50) {
		t.Errorf("probe parameters = %v / %v", body["temperature"], body["max_tokens"])
	}
}

func TestOpenAI_TestConnectionSingleRoundTrip(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "down")
	}))
	defer server.Close()

	res := newOpenAI(t, server.URL, "", nil).TestConnection(context.Background())
	if res.Success {
		t.Fatal("expected probe failure")
	}
	if hits.Load() != 1 {
		t.Errorf("probe made %d requests, want 1", hits.Load())
	}
	if res.Kind != errx.KindHTTPStatus || res.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("unexpected result %+v", res)
	}
	if !strings.Contains(res.Error, "HTTP 503") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestOpenAI_TestConnectionConnectionFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	res := newOpenAI(t, url, "", nil).TestConnection(context.Background())
	if res.Success || res.Kind != errx.KindConnection || res.Error != "Connection failed" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestOpenAI_TestConnectionInvalidFormat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"object":"error","detail":"model overloaded"}`)
	}))
	defer server.Close()

	res := newOpenAI(t, server.URL, "", nil).TestConnection(context.Background())
	if res.Success || res.Kind != errx.KindParse || res.Error != "Invalid response format" {
		t.Fatalf("unexpected result %+v", res)
	}
	details, ok := res.Details.(map[string]any)
	if !ok || details["detail"] != "model overloaded" {
		t.Errorf("details = %#v", res.Details)
	}
}

func newDify(t *testing.T, url string) *Dify {
	t.Helper()
	p, err := NewDify(model.ChatAPIConfig{Type: "dify", URL: url, APIKey: "app-key"}, testDeps(nil))
	if err != nil {
		t.Fatalf("NewDify: %v", err)
	}
	return p.(*Dify)
}

func TestChatEndpoint(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"https://dify.example.com", "https://dify.example.com/v1/chat-messages"},
		{"https://dify.example.com/", "https://dify.example.com/v1/chat-messages"},
		{"https://dify.example.com/v1", "https://dify.example.com/v1/chat-messages"},
		{"https://dify.example.com/v1/", "https://dify.example.com/v1/chat-messages"},
		{"https://dify.example.com/v1/chat-messages", "https://dify.example.com/v1/chat-messages"},
		{"http://localhost:5001/api/chat-messages", "http://localhost:5001/api/chat-messages"},
	}
	for _, tt := range tests {
		if got := ChatEndpoint(tt.in); got != tt.want {
			t.Errorf("ChatEndpoint(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDify_SessionLifecycle(t *testing.T) {
	rec := &recorder{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat-messages" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		rec.record(t, r)
		fmt.Fprint(w, `{"answer":"sure","conversation_id":"abc","message_id":"m1"}`)
	}))
	defer server.Close()

	p := newDify(t, server.URL)
	ctx := context.Background()

	if reply, ok := p.SendMessage(ctx, "42", "first", nil); !ok || reply != "sure" {
		t.Fatalf("first exchange = (%q, %v)", reply, ok)
	}
	first := rec.last()
	if _, present := first["conversation_id"]; present {
		t.Errorf("first request carried a conversation_id: %v", first)
	}
	if first["query"] != "first" || first["user"] != "42" || first["response_mode"] != "blocking" {
		t.Errorf("unexpected first body %v", first)
	}
	if id, ok := p.SessionID("42"); !ok || id != "abc" {
		t.Fatalf("session id = %q, %v", id, ok)
	}

	p.SendMessage(ctx, "42", "second", nil)
	if got := rec.last()["conversation_id"]; got != "abc" {
		t.Errorf("second request conversation_id = %v, want abc", got)
	}

	if !p.ClearSession("42") {
		t.Error("ClearSession reported nothing cleared")
	}
	if p.ClearSession("42") {
		t.Error("second ClearSession reported a session")
	}

	p.SendMessage(ctx, "42", "third", nil)
	if _, present := rec.last()["conversation_id"]; present {
		t.Errorf("request after clear carried a conversation_id: %v", rec.last())
	}
	if rec.auth[0] != "Bearer app-key" {
		t.Errorf("Authorization = %q", rec.auth[0])
	}
}

func TestDify_SessionsArePerUser(t *testing.T) {
	var n atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"answer":"ok","conversation_id":"c%d"}`, n.Add(1))
	}))
	defer server.Close()

	p := newDify(t, server.URL+"/v1")
	p.SendMessage(context.Background(), "a", "x", nil)
	p.SendMessage(context.Background(), "b", "y", nil)

	a, _ := p.SessionID("a")
	b, _ := p.SessionID("b")
	if a == "" || b == "" || a == b {
		t.Errorf("expected distinct sessions, got a=%q b=%q", a, b)
	}
}

func TestDify_MissingAnswerIsParseFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"conversation_id":"abc"}`)
	}))
	defer server.Close()

	p := newDify(t, server.URL)
	_, err := p.Complete(context.Background(), "42", "hi", nil)
	if errx.KindOf(err) != errx.KindParse {
		t.Fatalf("kind = %q (err %v)", errx.KindOf(err), err)
	}
	if _, ok := p.SessionID("42"); ok {
		t.Error("failed exchange must not record a session")
	}
}

func TestDify_TestConnectionLeavesSessionsAlone(t *testing.T) {
	rec := &recorder{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(t, r)
		fmt.Fprint(w, `{"answer":"API test successful","conversation_id":"probe-conv","message_id":"probe-msg"}`)
	}))
	defer server.Close()

	p := newDify(t, server.URL)
	res := p.TestConnection(context.Background())
	if !res.Success || res.ConversationID != "probe-conv" || res.MessageID != "probe-msg" {
		t.Fatalf("unexpected result %+v", res)
	}
	body := rec.last()
	if body["user"] != TestUserID || body["query"] != TestPrompt {
		t.Errorf("unexpected probe body %v", body)
	}
	if _, present := body["conversation_id"]; present {
		t.Error("probe must not carry a session id")
	}
	if p.sessions.Len() != 0 {
		t.Errorf("probe recorded %d sessions", p.sessions.Len())
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if got := strings.Join(r.Kinds(), ","); got != "dify,openai" {
		t.Fatalf("Kinds() = %q", got)
	}

	deps := testDeps(nil)
	tests := []struct {
		typ  string
		want string
	}{
		{"", KindOpenAI},
		{"OpenAI", KindOpenAI},
		{" DIFY ", KindDify},
	}
	for _, tt := range tests {
		p, err := r.Create(model.ChatAPIConfig{Type: tt.typ, URL: "http://x", APIKey: "k", Model: "m"}, deps)
		if err != nil {
			t.Fatalf("Create(%q): %v", tt.typ, err)
		}
		if p.Name() != tt.want {
			t.Errorf("Create(%q).Name() = %q, want %q", tt.typ, p.Name(), tt.want)
		}
	}

	_, err := r.Create(model.ChatAPIConfig{Type: "claude"}, deps)
	if errx.KindOf(err) != errx.KindConfig {
		t.Fatalf("unknown kind: kind = %q (err %v)", errx.KindOf(err), err)
	}
	if !strings.Contains(err.Error(), "dify, openai") {
		t.Errorf("error should list supported kinds: %v", err)
	}
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("echo", nil); errx.KindOf(err) != errx.KindConfig {
		t.Errorf("nil constructor: %v", err)
	}
	if err := r.Register("  ", NewOpenAI); errx.KindOf(err) != errx.KindConfig {
		t.Errorf("empty kind: %v", err)
	}

	if err := r.Register("Echo", NewOpenAI); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got := strings.Join(r.Kinds(), ","); got != "dify,echo,openai" {
		t.Errorf("Kinds() = %q", got)
	}
	if _, err := r.Create(model.ChatAPIConfig{Type: "echo", URL: "http://x"}, testDeps(nil)); err != nil {
		t.Errorf("Create(echo): %v", err)
	}
}

func TestNewProviderRequiresTransport(t *testing.T) {
	if _, err := NewOpenAI(model.ChatAPIConfig{}, Deps{}); errx.KindOf(err) != errx.KindConfig {
		t.Errorf("expected config error, got %v", err)
	}
}

// fakeChat scripts Generate results in order.
type fakeChat struct {
	mu      sync.Mutex
	calls   int
	results []func() (*schema.Message, error)
	inputs  [][]*schema.Message
}

func (f *fakeChat) Generate(_ context.Context, in []*schema.Message, _ ...einomodel.Option) (*schema.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	i := f.calls
	f.calls++
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	return f.results[i]()
}

func (f *fakeChat) Stream(context.Context, []*schema.Message, ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("stream not supported")
}

func newTestGemini(t *testing.T, chat *fakeChat, m *metrics.Metrics) *Gemini {
	t.Helper()
	b, err := newBase(KindGemini, model.ChatAPIConfig{Type: KindGemini, Model: "gemini-2.5-flash", SystemPrompt: "sys"}, testDeps(m))
	if err != nil {
		t.Fatalf("newBase: %v", err)
	}
	return newGeminiWithModel(b, chat)
}

func reply(text string) func() (*schema.Message, error) {
	return func() (*schema.Message, error) { return schema.AssistantMessage(text, nil), nil }
}

func fail(err error) func() (*schema.Message, error) {
	return func() (*schema.Message, error) { return nil, err }
}

func TestGemini_RetriesTransientAPIError(t *testing.T) {
	chat := &fakeChat{results: []func() (*schema.Message, error){
		fail(genai.APIError{Code: http.StatusServiceUnavailable, Message: "overloaded"}),
		reply("hello from gemini"),
	}}
	m := metrics.New()
	p := newTestGemini(t, chat, m)

	conv := conversation.New("7", 10, time.Minute, nil)
	conv.Append(schema.User, "hi")

	got, ok := p.SendMessage(context.Background(), "7", "hi", conv)
	if !ok || got != "hello from gemini" {
		t.Fatalf("SendMessage = (%q, %v)", got, ok)
	}
	if chat.calls != 2 {
		t.Errorf("calls = %d, want 2", chat.calls)
	}
	in := chat.inputs[1]
	if len(in) != 2 || in[0].Role != schema.System || in[1].Content != "hi" {
		t.Errorf("unexpected model input %v", in)
	}
	if got := testutil.ToFloat64(m.TransportAttempts.WithLabelValues("retryable_status")); got != 1 {
		t.Errorf("retryable attempts = %v", got)
	}
}

func TestGemini_FailureKinds(t *testing.T) {
	tests := []struct {
		name      string
		result    func() (*schema.Message, error)
		wantKind  errx.Kind
		wantCalls int
	}{
		{"bad request", fail(genai.APIError{Code: http.StatusBadRequest, Message: "bad"}), errx.KindHTTPStatus, 1},
		{"exhausted", fail(genai.APIError{Code: http.StatusTooManyRequests, Message: "slow down"}), errx.KindHTTPStatus, 3},
		{"deadline", fail(context.DeadlineExceeded), errx.KindTimeout, 3},
		{"empty candidate", reply("  "), errx.KindParse, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chat := &fakeChat{results: []func() (*schema.Message, error){tt.result}}
			p := newTestGemini(t, chat, nil)
			_, err := p.Complete(context.Background(), "7", "hi", nil)
			if errx.KindOf(err) != tt.wantKind {
				t.Fatalf("kind = %q, want %q (err %v)", errx.KindOf(err), tt.wantKind, err)
			}
			if chat.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", chat.calls, tt.wantCalls)
			}
		})
	}
}

func TestGemini_TestConnection(t *testing.T) {
	chat := &fakeChat{results: []func() (*schema.Message, error){
		fail(genai.APIError{Code: http.StatusServiceUnavailable, Message: "overloaded"}),
	}}
	res := newTestGemini(t, chat, nil).TestConnection(context.Background())
	if res.Success || res.StatusCode != http.StatusServiceUnavailable || chat.calls != 1 {
		t.Errorf("unexpected probe %+v after %d calls", res, chat.calls)
	}

	ok := &fakeChat{results: []func() (*schema.Message, error){reply("API test successful")}}
	res = newTestGemini(t, ok, nil).TestConnection(context.Background())
	if !res.Success || res.Response != "API test successful" || res.Model != "gemini-2.5-flash" {
		t.Errorf("unexpected probe %+v", res)
	}
}
