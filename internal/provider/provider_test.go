package provider

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"sendimg/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func completionHandler(t *testing.T, got *oaiRequest, reply string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing bearer token")
		}
		if got != nil {
			if err := json.NewDecoder(r.Body).Decode(got); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]string{"role": "assistant", "content": reply},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	}
}

func TestOpenAI_Chat(t *testing.T) {
	var got oaiRequest
	srv := httptest.NewServer(completionHandler(t, &got, "hello"))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{APIKey: "sk-test", APIBase: srv.URL, Model: "m1", Logger: testLogger()})
	resp, err := p.Chat(context.Background(), domain.ChatRequest{
		Messages:    []domain.Message{{Role: "user", Content: "hi"}},
		MaxTokens:   4096,
		Temperature: 0.6,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "hello" || resp.Usage.TotalTokens != 15 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if got.Model != "m1" || got.MaxTokens != 4096 || got.Temperature == nil || *got.Temperature != 0.6 {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestOpenAI_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ok := completionHandler(t, nil, "recovered")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		ok(w, r)
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{APIKey: "sk-test", APIBase: srv.URL, MaxRetries: 3, Logger: testLogger()})
	p.retry.unit = time.Millisecond
	resp, err := p.Chat(context.Background(), domain.ChatRequest{Messages: []domain.Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "recovered" || calls.Load() != 3 {
		t.Fatalf("expected success on third call, got %q after %d", resp.Content, calls.Load())
	}
}

func TestOpenAI_GivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "0")
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{APIKey: "sk-test", APIBase: srv.URL, MaxRetries: 1, Logger: testLogger()})
	p.retry.unit = time.Millisecond
	_, err := p.Chat(context.Background(), domain.ChatRequest{})
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusTooManyRequests || se.Body != "slow down" {
		t.Fatalf("expected 429 status error, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestOpenAI_HonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	ok := completionHandler(t, nil, "later")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "3600")
			http.Error(w, "busy", http.StatusTooManyRequests)
			return
		}
		ok(w, r)
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{APIKey: "sk-test", APIBase: srv.URL, MaxRetries: 2, Logger: testLogger()})
	p.retry.maxWait = 5 * time.Millisecond
	start := time.Now()
	resp, err := p.Chat(context.Background(), domain.ChatRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "later" {
		t.Fatalf("unexpected content %q", resp.Content)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("Retry-After should be capped by maxWait")
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"7", 7 * time.Second},
		{"-3", 0},
		{"soon", 0},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
	}
	for _, c := range cases {
		if got := parseRetryAfter(c.in, now); got != c.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestOpenAI_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad model", http.StatusBadRequest)
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{APIKey: "sk-test", APIBase: srv.URL, MaxRetries: 3, Logger: testLogger()})
	if _, err := p.Chat(context.Background(), domain.ChatRequest{}); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx should not be retried, got %d calls", calls.Load())
	}
}

func TestStripThinking(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"<thinking>1. price\n2. stock</thinking>\nBuy it.", "Buy it."},
		{"no tags here", "no tags here"},
		{"a</thinking>b</thinking>c", "b</thinking>c"},
		{"</thinking>", ""},
	}
	for _, tt := range tests {
		if got := StripThinking(tt.in); got != tt.want {
			t.Errorf("StripThinking(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

type fakeProvider struct {
	req   domain.ChatRequest
	reply string
	err   error
}

func (f *fakeProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	return &domain.ChatResponse{Content: f.reply, Usage: domain.Usage{TotalTokens: 42}}, nil
}
func (f *fakeProvider) Name() string                      { return "fake" }
func (f *fakeProvider) Healthy(ctx context.Context) error { return nil }

func setupRelay(t *testing.T, p domain.Provider) *Relay {
	t.Helper()
	prompts, knowledge := t.TempDir(), t.TempDir()
	files := map[string]string{
		filepath.Join(prompts, RolePresetFile):     `{"role": "system", "content": "You are a sales assistant."}`,
		filepath.Join(prompts, ThinkingPresetFile): `{"role": "system", "content": "1. who is asking"}`,
		filepath.Join(knowledge, "A100.json"):      `{"name": "A100", "price": 10}`,
	}
	for path, content := range files {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return NewRelay(RelayConfig{
		Provider:          p,
		PromptDir:         prompts,
		KnowledgeDir:      knowledge,
		Model:             "m1",
		Temperature:       0.6,
		MaxTokens:         4096,
		MinQuestionLength: 6,
		Logger:            testLogger(),
	})
}

func TestRelay_Ask(t *testing.T) {
	fp := &fakeProvider{reply: "<thinking>x</thinking> It is great."}
	r := setupRelay(t, fp)

	ex, err := r.Ask(context.Background(), "A100", "what makes it special?")
	if err != nil {
		t.Fatal(err)
	}
	if ex.Reply != "It is great." {
		t.Fatalf("unexpected reply %q", ex.Reply)
	}
	msgs := fp.req.Messages
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "You are a sales assistant." {
		t.Errorf("role preset not first: %q", msgs[0].Content)
	}
	if !strings.HasPrefix(msgs[1].Content, "<product_intro>") || !strings.Contains(msgs[1].Content, `"price": 10`) {
		t.Errorf("product knowledge missing: %q", msgs[1].Content)
	}
	if !strings.Contains(msgs[2].Content, "1. who is asking") {
		t.Errorf("thinking preset missing: %q", msgs[2].Content)
	}
	if msgs[3].Role != "user" || msgs[3].Content != "what makes it special?" {
		t.Errorf("unexpected user message %+v", msgs[3])
	}
	if fp.req.Temperature != 0.6 || fp.req.MaxTokens != 4096 {
		t.Errorf("unexpected sampling params %+v", fp.req)
	}
}

func TestRelay_ShortQuestionUsesDefault(t *testing.T) {
	fp := &fakeProvider{reply: "pitch"}
	r := setupRelay(t, fp)

	ex, err := r.Ask(context.Background(), "A100", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if ex.Question != defaultQuestion {
		t.Fatalf("expected default question, got %q", ex.Question)
	}
}

func TestRelay_UnknownProduct(t *testing.T) {
	r := setupRelay(t, &fakeProvider{})
	for _, code := range []string{"B200", "../A100", ""} {
		if _, err := r.Ask(context.Background(), code, "tell me more please"); !errors.Is(err, ErrUnknownProduct) {
			t.Errorf("code %q: expected ErrUnknownProduct, got %v", code, err)
		}
	}
}

func TestRelay_ProviderError(t *testing.T) {
	r := setupRelay(t, &fakeProvider{err: errors.New("boom")})
	if _, err := r.Ask(context.Background(), "A100", "tell me more please"); err == nil {
		t.Fatal("expected error")
	}
}
