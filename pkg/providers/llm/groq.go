package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/lokutor-ai/lokutor-telephony-agent/pkg/orchestrator"
)

// GroqLLM talks to Groq's OpenAI-compatible streaming chat completions
// endpoint. Like Anthropic/Google, Groq has no server-side conversation
// resource, so history is emulated locally keyed by a conversation id this
// client mints itself.
type GroqLLM struct {
	apiKey string
	url    string
	model  string

	mu      sync.Mutex
	history map[string][]groqMessage
}

type groqMessage struct {
	Role       string          `json:"role"`
	Content    string          `json:"content,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolCalls  []groqToolCall  `json:"tool_calls,omitempty"`
}

type groqToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

func NewGroqLLM(apiKey string, model string) *GroqLLM {
	if model == "" {
		model = "llama3-70b-8192"
	}
	return &GroqLLM{
		apiKey:  apiKey,
		url:     "https://api.groq.com/openai/v1/chat/completions",
		model:   model,
		history: make(map[string][]groqMessage),
	}
}

func (l *GroqLLM) Name() string {
	return "groq-llm"
}

// CreateConversation mints a local conversation id.
func (l *GroqLLM) CreateConversation(ctx context.Context) (string, error) {
	id := uuid.NewString()
	l.mu.Lock()
	l.history[id] = nil
	l.mu.Unlock()
	return id, nil
}

type groqTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

func (l *GroqLLM) StreamComplete(ctx context.Context, input []orchestrator.InputItem, conversationID string, tools []orchestrator.ToolDefinition) (<-chan orchestrator.LLMEvent, error) {
	l.mu.Lock()
	for _, item := range input {
		switch item.Type {
		case "", "message":
			l.history[conversationID] = append(l.history[conversationID], groqMessage{Role: item.Role, Content: item.Content})
		case "function_call":
			l.history[conversationID] = append(l.history[conversationID], groqMessage{
				Role: "assistant",
				ToolCalls: []groqToolCall{{
					ID:   item.CallID,
					Type: "function",
					Function: struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					}{Name: item.Name, Arguments: string(item.Arguments)},
				}},
			})
		case "function_call_output":
			l.history[conversationID] = append(l.history[conversationID], groqMessage{
				Role:       "tool",
				ToolCallID: item.CallID,
				Content:    string(item.Output),
			})
		}
	}
	messages := append([]groqMessage(nil), l.history[conversationID]...)
	l.mu.Unlock()

	payload := map[string]interface{}{
		"model":    l.model,
		"messages": messages,
		"stream":   true,
	}
	if len(tools) > 0 {
		gts := make([]groqTool, 0, len(tools))
		for _, t := range tools {
			gt := groqTool{Type: "function"}
			gt.Function.Name = t.Name
			gt.Function.Description = t.Description
			gt.Function.Parameters = t.Parameters
			gts = append(gts, gt)
		}
		payload["tools"] = gts
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", l.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+l.apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return nil, fmt.Errorf("groq llm error (status %d): %v", resp.StatusCode, errResp)
	}

	events := make(chan orchestrator.LLMEvent, 16)
	go l.pumpSSE(resp.Body, conversationID, events)
	return events, nil
}

type groqSSEChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content,omitempty"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id,omitempty"`
				Function struct {
					Name      string `json:"name,omitempty"`
					Arguments string `json:"arguments,omitempty"`
				} `json:"function"`
			} `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

func (l *GroqLLM) pumpSSE(body interface {
	Read([]byte) (int, error)
	Close() error
}, conversationID string, out chan<- orchestrator.LLMEvent) {
	defer close(out)
	defer body.Close()

	type openCall struct {
		id, name string
		args     strings.Builder
	}
	calls := make(map[int]*openCall)
	var assembledText strings.Builder

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			l.finalizeAssistantTurn(conversationID, assembledText.String())
			out <- orchestrator.LLMEvent{Done: true}
			return
		}

		var chunk groqSSEChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				assembledText.WriteString(choice.Delta.Content)
				out <- orchestrator.LLMEvent{Delta: choice.Delta.Content}
			}
			for _, tc := range choice.Delta.ToolCalls {
				c, ok := calls[tc.Index]
				if !ok {
					c = &openCall{}
					calls[tc.Index] = c
				}
				if tc.ID != "" {
					c.id = tc.ID
				}
				if tc.Function.Name != "" {
					c.name = tc.Function.Name
				}
				c.args.WriteString(tc.Function.Arguments)
			}
			if choice.FinishReason != nil {
				for _, c := range calls {
					out <- orchestrator.LLMEvent{ToolCall: &orchestrator.ToolCall{
						CallID:    c.id,
						Name:      c.name,
						Arguments: json.RawMessage(c.args.String()),
					}}
				}
				l.finalizeAssistantTurn(conversationID, assembledText.String())
				out <- orchestrator.LLMEvent{Done: true}
				return
			}
		}
	}
	if err := scanner.Err(); err != nil {
		out <- orchestrator.LLMEvent{Err: err}
	}
}

func (l *GroqLLM) finalizeAssistantTurn(conversationID, text string) {
	if text == "" {
		return
	}
	l.mu.Lock()
	l.history[conversationID] = append(l.history[conversationID], groqMessage{Role: "assistant", Content: text})
	l.mu.Unlock()
}
