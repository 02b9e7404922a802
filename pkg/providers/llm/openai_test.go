package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lokutor-ai/lokutor-telephony-agent/pkg/orchestrator"
)

func TestOpenAILLMStreamComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/conversations":
			fmt.Fprint(w, `{"id":"conv_abc123"}`)
		case "/responses":
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "data: {\"type\":\"response.output_text.delta\",\"delta\":\"hello \"}\n\n")
			fmt.Fprint(w, "data: {\"type\":\"response.output_text.delta\",\"delta\":\"from openai\"}\n\n")
			fmt.Fprint(w, "data: {\"type\":\"response.completed\"}\n\n")
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	l := NewOpenAILLM("test-key", "gpt-4o")
	l.baseURL = server.URL

	if l.Name() != "openai-llm" {
		t.Errorf("expected openai-llm, got %s", l.Name())
	}

	ctx := context.Background()
	convID, err := l.CreateConversation(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if convID != "conv_abc123" {
		t.Errorf("expected conv_abc123, got %s", convID)
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

	if text != "hello from openai" {
		t.Errorf("expected 'hello from openai', got %q", text)
	}
	if !done {
		t.Error("expected a Done event before the channel closed")
	}
}

func TestOpenAILLMToolCall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"response.output_item.added\",\"item\":{\"type\":\"function_call\",\"id\":\"item_1\",\"call_id\":\"call_1\",\"name\":\"check_ticket_status\"}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"response.function_call_arguments.delta\",\"item_id\":\"item_1\",\"delta\":\"{\\\"ticket_id\\\":\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"response.function_call_arguments.delta\",\"item_id\":\"item_1\",\"delta\":\"\\\"LOTUS-0042\\\"}\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"response.output_item.done\",\"item\":{\"type\":\"function_call\",\"id\":\"item_1\",\"call_id\":\"call_1\",\"name\":\"check_ticket_status\"}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"response.completed\"}\n\n")
	}))
	defer server.Close()

	l := NewOpenAILLM("test-key", "gpt-4o")
	l.baseURL = server.URL

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
	if call.Name != "check_ticket_status" || call.CallID != "call_1" {
		t.Errorf("unexpected tool call: %+v", call)
	}
	if string(call.Arguments) != `{"ticket_id":"LOTUS-0042"}` {
		t.Errorf("unexpected arguments: %s", call.Arguments)
	}
}
