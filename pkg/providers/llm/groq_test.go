package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lokutor-ai/lokutor-telephony-agent/pkg/orchestrator"
)

func TestGroqLLMStreamComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hello \"},\"finish_reason\":null}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"from groq\"},\"finish_reason\":null}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	l := NewGroqLLM("test-key", "llama3-70b")
	l.url = server.URL

	if l.Name() != "groq-llm" {
		t.Errorf("expected groq-llm, got %s", l.Name())
	}

	ctx := context.Background()
	convID, err := l.CreateConversation(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	events, err := l.StreamComplete(ctx, []orchestrator.InputItem{{Role: "user", Content: "hi"}}, convID, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var text string
	done := false
	for ev := range events {
		if ev.Err != nil {
			t.Fatalf("unexpected stream error: %v", ev.Err)
		}
		text += ev.Delta
		if ev.Done {
			done = true
		}
	}

	if text != "hello from groq" {
		t.Errorf("expected 'hello from groq', got %q", text)
	}
	if !done {
		t.Error("expected a Done event before the channel closed")
	}
}
