package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/mrsingh-rishi/ziya-twin/model"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func newTestClient(t *testing.T, baseURL string) *OpenRouterClient {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	client, err := NewOpenRouterClient(Options{
		APIKey:  "or-key",
		BaseURL: baseURL,
		Model:   "qwen/qwen3-235b-a22b-2507",
		Referer: "https://ziya-dijital-ikiz.onrender.com",
		Title:   "Ziya-Dijital-Ikiz",
		Logger:  logger,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestReplySendsPersonaAndTranscript(t *testing.T) {
	type capture struct {
		body    chatRequest
		headers http.Header
	}
	captured := make(chan capture, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body chatRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		captured <- capture{body: body, headers: r.Header.Clone()}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Merhaba!"}}]}`))
	}))
	defer srv.Close()

	reply, err := newTestClient(t, srv.URL+"/api/v1").Reply(context.Background(), model.Transcript("hello"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply != "Merhaba!" {
		t.Fatalf("expected reply Merhaba!, got %q", reply)
	}
	c := <-captured
	got, headers := c.body, c.headers
	if got.Model != "qwen/qwen3-235b-a22b-2507" {
		t.Fatalf("unexpected model %q", got.Model)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got.Messages))
	}
	if got.Messages[0].Role != "system" || got.Messages[0].Content != PersonaPrompt {
		t.Fatalf("unexpected system message %+v", got.Messages[0])
	}
	if got.Messages[1].Role != "user" || got.Messages[1].Content != "hello" {
		t.Fatalf("unexpected user message %+v", got.Messages[1])
	}
	if headers.Get("Authorization") != "Bearer or-key" {
		t.Fatalf("unexpected authorization header %q", headers.Get("Authorization"))
	}
	if headers.Get("HTTP-Referer") != "https://ziya-dijital-ikiz.onrender.com" {
		t.Fatalf("unexpected referer header %q", headers.Get("HTTP-Referer"))
	}
	if headers.Get("X-Title") != "Ziya-Dijital-Ikiz" {
		t.Fatalf("unexpected title header %q", headers.Get("X-Title"))
	}
}

func TestReplyNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Reply(context.Background(), model.Transcript("hello"))
	if !errors.Is(err, ErrNoChoices) {
		t.Fatalf("expected ErrNoChoices, got %v", err)
	}
}

func TestReplyAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":{"message":"insufficient credits","code":402}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Reply(context.Background(), model.Transcript("hello"))
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) || apiErr.HTTPStatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected the provider API error in the chain, got %v", err)
	}
}

func TestExchange(t *testing.T) {
	ex := Exchange("selam")
	if ex.System != PersonaPrompt || ex.User != "selam" {
		t.Fatalf("unexpected exchange %+v", ex)
	}
}

func TestNewOpenRouterClientRequiresKey(t *testing.T) {
	if _, err := NewOpenRouterClient(Options{Model: "m"}); err == nil {
		t.Fatal("expected error without api key")
	}
}

func TestReplyKeepsContextCause(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected with a cancelled context")
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestClient(t, srv.URL).Reply(ctx, model.Transcript("hello"))
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled in the chain, got %v", err)
	}
}
