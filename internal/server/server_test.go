package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/synochat-relay/server/internal/bot"
	"github.com/synochat-relay/server/internal/conversation"
	"github.com/synochat-relay/server/internal/metrics"
	"github.com/synochat-relay/server/internal/model"
	"github.com/synochat-relay/server/internal/provider"
)

type stubProvider struct {
	probe provider.TestResult
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) SendMessage(context.Context, string, string, provider.History) (string, bool) {
	return "pong", true
}

func (p *stubProvider) TestConnection(context.Context) provider.TestResult { return p.probe }

type recordingNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (n *recordingNotifier) Send(_ context.Context, userID, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, userID+":"+text)
	return nil
}

func newTestServer(t *testing.T) (*Server, *conversation.Store, *recordingNotifier) {
	t.Helper()
	store := conversation.NewStore(model.ConversationConfig{MaxHistory: 10, Timeout: 1800})
	notifier := &recordingNotifier{}
	m := metrics.New()
	p := &stubProvider{probe: provider.TestResult{Success: true, Provider: "stub", Response: "API test successful"}}
	manager := bot.NewChatManager(p, store, notifier, bot.Options{Token: "secret", Metrics: m})
	return New(manager, m, Info{Environment: "testing", Model: "gpt-4o-mini"}), store, notifier
}

func postForm(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWebhook_HandlesEvent(t *testing.T) {
	s, store, notifier := newTestServer(t)

	form := url.Values{"token": {"secret"}, "user_id": {"42"}, "username": {"alice"}, "text": {"ping"}}
	rec := postForm(t, s.Handler(), form.Encode())
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("response = %d %q", rec.Code, rec.Body.String())
	}
	if len(notifier.sent) != 1 || notifier.sent[0] != "42:pong" {
		t.Errorf("notifications = %v", notifier.sent)
	}
	if conv, ok := store.Get("42"); !ok || conv.Len() != 2 {
		t.Error("conversation not recorded")
	}
}

func TestWebhook_AlwaysOKForDroppedEvents(t *testing.T) {
	s, store, notifier := newTestServer(t)

	for _, body := range []string{
		url.Values{"token": {"wrong"}, "user_id": {"42"}, "text": {"ping"}}.Encode(),
		url.Values{"token": {"secret"}, "text": {"ping"}}.Encode(),
		url.Values{"token": {"secret"}, "user_id": {"42"}, "text": {"   "}}.Encode(),
		"",
	} {
		if rec := postForm(t, s.Handler(), body); rec.Code != http.StatusOK {
			t.Errorf("body %q: status %d", body, rec.Code)
		}
	}
	if len(notifier.sent) != 0 || store.Len() != 0 {
		t.Errorf("dropped events changed state: sent=%v conversations=%d", notifier.sent, store.Len())
	}
}

func TestWebhook_MalformedForm(t *testing.T) {
	s, _, _ := newTestServer(t)
	if rec := postForm(t, s.Handler(), "text=%zz"); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestWebhook_MethodNotAllowed(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d", rec.Code)
	}
}

func getJSON(t *testing.T, h http.Handler, target string) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("%s: decode %q: %v", target, rec.Body.String(), err)
	}
	return rec.Code, body
}

func TestHealthAndRoot(t *testing.T) {
	s, _, _ := newTestServer(t)

	code, body := getJSON(t, s.Handler(), "/health")
	if code != http.StatusOK || body["status"] != "healthy" || body["api_model"] != "gpt-4o-mini" || body["provider"] != "stub" {
		t.Errorf("/health = %d %v", code, body)
	}

	code, body = getJSON(t, s.Handler(), "/")
	if code != http.StatusOK || body["status"] != "ok" || body["environment"] != "testing" {
		t.Errorf("/ = %d %v", code, body)
	}
}

func TestAPITest(t *testing.T) {
	s, _, _ := newTestServer(t)
	code, body := getJSON(t, s.Handler(), "/api-test")
	if code != http.StatusOK || body["success"] != true || body["provider"] != "stub" || body["response"] != "API test successful" {
		t.Errorf("/api-test = %d %v", code, body)
	}
}

func TestResetSession(t *testing.T) {
	s, store, _ := newTestServer(t)
	postForm(t, s.Handler(), url.Values{"token": {"secret"}, "user_id": {"42"}, "text": {"ping"}}.Encode())

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/sessions/42?token=nope", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d", rec.Code)
	}
	if store.Len() != 1 {
		t.Fatal("unauthorised reset cleared state")
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/sessions/42?token=secret", nil))
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if rec.Code != http.StatusOK || body["cleared"] != true || body["user_id"] != "42" {
		t.Errorf("reset = %d %v", rec.Code, body)
	}
	if store.Len() != 0 {
		t.Error("conversation survived reset")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	postForm(t, s.Handler(), url.Values{"token": {"secret"}, "user_id": {"42"}, "text": {"ping"}}.Encode())

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `synochat_relay_events_total{outcome="delivered"} 1`) {
		t.Errorf("delivered counter missing from metrics output")
	}
}
