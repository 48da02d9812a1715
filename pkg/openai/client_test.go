package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sells-group/geoinsight/internal/resilience"
)

func TestChatCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var req ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "gpt-4o-mini" {
			t.Errorf("unexpected model: %s", req.Model)
		}

		json.NewEncoder(w).Encode(ChatCompletionResponse{
			ID: "chatcmpl-1",
			Choices: []Choice{
				{Index: 0, Message: Message{Role: "assistant", Content: "answer"}, FinishReason: "stop"},
			},
			Usage: Usage{PromptTokens: 12, CompletionTokens: 34},
		})
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL), WithModel("gpt-4o-mini"))
	resp, err := c.ChatCompletion(context.Background(), ChatCompletionRequest{
		Messages: []Message{{Role: "user", Content: "question"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Choices[0].Message.Content != "answer" {
		t.Errorf("unexpected content: %q", resp.Choices[0].Message.Content)
	}
}

func TestChatCompletion_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL))
	_, err := c.ChatCompletion(context.Background(), ChatCompletionRequest{
		Messages: []Message{{Role: "user", Content: "q"}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !resilience.IsTransient(err) {
		t.Error("429 should classify transient")
	}
}
