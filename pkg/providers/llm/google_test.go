package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lokutor-ai/lokutor-telephony-agent/pkg/orchestrator"
)

func TestGoogleLLMStreamComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.RawQuery, "key=test-key") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"text\":\"hello \"}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"text\":\"from google\"}]},\"finishReason\":\"STOP\"}]}\n\n")
	}))
	defer server.Close()

	l := NewGoogleLLM("test-key", "gemini")
	l.url = server.URL

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

	if text != "hello from google" {
		t.Errorf("expected 'hello from google', got %q", text)
	}
	if !done {
		t.Error("expected a Done event before the channel closed")
	}
}

func TestGoogleLLMFunctionCall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"functionCall\":{\"name\":\"check_ticket_status\",\"args\":{\"ticket_id\":\"LOTUS-0042\"}}}]},\"finishReason\":\"STOP\"}]}\n\n")
	}))
	defer server.Close()

	l := NewGoogleLLM("test-key", "gemini")
	l.url = server.URL

	events, err := l.StreamComplete(context.Background(), []orchestrator.InputItem{{Role: "user", Content: "check my ticket"}}, "conv_1", []orchestrator.ToolDefinition{
		{Name: "check_ticket_status", Description: "check status", Parameters: []byte(`{"type":"object"}`)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var call *orchestrator.ToolCall
	for ev := range events {
		if ev.ToolCall != nil {
			call = ev.ToolCall
		}
	}

	if call == nil {
		t.Fatal("expected a tool call event")
	}
	if call.Name != "check_ticket_status" {
		t.Errorf("unexpected tool call: %+v", call)
	}
	if string(call.Arguments) != `{"ticket_id":"LOTUS-0042"}` {
		t.Errorf("unexpected arguments: %s", call.Arguments)
	}
}
