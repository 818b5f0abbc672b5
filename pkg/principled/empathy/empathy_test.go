package empathy

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestBuffersSessionLifecycle(t *testing.T) {
	t.Parallel()
	b := NewBuffers()

	if b.Active(1) {
		t.Error("session should not be active before Start")
	}
	if ok := b.Append(1, Message{Sender: "A", Text: "hi"}); ok {
		t.Error("Append should fail without an open session")
	}

	b.Start(1)
	if !b.Active(1) {
		t.Error("session should be active after Start")
	}
	b.Append(1, Message{Sender: "A", Text: "hi"})
	b.Append(1, Message{Sender: "B", Text: "hey"})
	if got := b.Len(1); got != 2 {
		t.Errorf("Len = %d, want 2", got)
	}

	msgs, ok := b.Take(1)
	if !ok {
		t.Fatal("Take should succeed on an open session")
	}
	if len(msgs) != 2 || msgs[0].Sender != "A" || msgs[1].Text != "hey" {
		t.Errorf("unexpected messages: %+v", msgs)
	}
	if b.Active(1) {
		t.Error("session should be closed after Take")
	}
}

func TestBuffersStartClearsPrevious(t *testing.T) {
	t.Parallel()
	b := NewBuffers()
	b.Start(1)
	b.Append(1, Message{Sender: "A", Text: "old"})
	b.Start(1)
	if got := b.Len(1); got != 0 {
		t.Errorf("Len after restart = %d, want 0", got)
	}
}

func TestBuffersCancel(t *testing.T) {
	t.Parallel()
	b := NewBuffers()
	if b.Cancel(1) {
		t.Error("Cancel without a session should return false")
	}
	b.Start(1)
	if !b.Cancel(1) {
		t.Error("Cancel with a session should return true")
	}
	if b.Active(1) {
		t.Error("session should be gone after Cancel")
	}
}

func TestBuffersModelOverride(t *testing.T) {
	t.Parallel()
	b := NewBuffers()
	if got := b.Model(1, "default"); got != "default" {
		t.Errorf("Model = %q, want fallback", got)
	}
	b.SetModel(1, "gpt-4o")
	if got := b.Model(1, "default"); got != "gpt-4o" {
		t.Errorf("Model = %q, want override", got)
	}
	b.SetModel(1, "  ")
	if got := b.Model(1, "default"); got != "default" {
		t.Errorf("blank SetModel should clear the override, got %q", got)
	}
}

func TestFormatAnalysis(t *testing.T) {
	t.Parallel()
	result := &Analysis{
		Analysis: []SenderAnalysis{
			{
				Sender:             "Анна",
				FactualInformation: "факт",
				SelfRevelation:     "раскрытие",
				Relationship:       "отношения",
				Appeal:             "призыв",
				BidForConnection:   "заявка",
			},
		},
		Continuations: []Continuation{
			{Sender: "Анна", ExampleContinuations: []string{"первый", "второй"}},
		},
	}

	got := FormatAnalysis(result)

	for _, want := range []string{
		"**Отправитель: Анна**",
		"*Фактическая информация*: факт",
		"*Заявка на контакт*: заявка",
		"**Примеры продолжения диалога:**",
		"*Для Анна:*",
		"1. первый",
		"2. второй",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("formatted output missing %q:\n%s", want, got)
		}
	}
}

func TestProcessEmptyBuffer(t *testing.T) {
	t.Parallel()
	c := NewClient(ClientConfig{APIKey: "test"}, discardLogger())
	got, err := c.Process(context.Background(), nil, "")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got != "No messages to process." {
		t.Errorf("Process = %q", got)
	}
}

func TestAnalyzeStructuredResponse(t *testing.T) {
	t.Parallel()
	structured := Analysis{
		Analysis: []SenderAnalysis{{Sender: "A", FactualInformation: "f"}},
	}
	server := newChatServer(t, mustJSON(t, structured))
	defer server.Close()

	c := NewClient(ClientConfig{BaseURL: server.URL, APIKey: "test", Model: "test-model"}, discardLogger())
	result, raw, err := c.Analyze(context.Background(), "prompt", "")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if raw != "" {
		t.Errorf("raw = %q, want empty on structured result", raw)
	}
	if result == nil || len(result.Analysis) != 1 || result.Analysis[0].Sender != "A" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestAnalyzeRawFallback(t *testing.T) {
	t.Parallel()
	server := newChatServer(t, "plain prose, not JSON")
	defer server.Close()

	c := NewClient(ClientConfig{BaseURL: server.URL, APIKey: "test", Model: "test-model"}, discardLogger())
	result, raw, err := c.Analyze(context.Background(), "prompt", "")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if result != nil {
		t.Errorf("result = %+v, want nil on fallback", result)
	}
	if raw != "plain prose, not JSON" {
		t.Errorf("raw = %q", raw)
	}
}

func TestAnalyzeRequiresAPIKey(t *testing.T) {
	t.Parallel()
	c := NewClient(ClientConfig{}, discardLogger())
	if _, _, err := c.Analyze(context.Background(), "prompt", ""); err == nil {
		t.Error("expected error without an API key")
	}
}

func TestAnalyzeAPIError(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"message": "rate limited"}}`))
	}))
	defer server.Close()

	c := NewClient(ClientConfig{BaseURL: server.URL, APIKey: "test"}, discardLogger())
	if _, _, err := c.Analyze(context.Background(), "prompt", ""); err == nil {
		t.Error("expected error on non-200 status")
	}
}

// newChatServer serves a chat completions response whose assistant
// message content is the given string, and checks basic request shape.
func newChatServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test" {
			t.Errorf("Authorization = %q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
			t.Errorf("unexpected messages: %+v", req.Messages)
		}
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": content}, "finish_reason": "stop"},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(data)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
