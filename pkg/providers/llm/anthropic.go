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

// AnthropicLLM talks to the Messages API. Anthropic has no server-side
// conversation resource, so conversation state (including any system
// prompt supplied on the first turn, and the running tool_use/tool_result
// history) is emulated locally, keyed by the conversation id this client
// itself mints.
type AnthropicLLM struct {
	apiKey string
	url    string
	model  string

	mu      sync.Mutex
	history map[string][]anthropicMessage
	system  map[string]string
}

type anthropicMessage struct {
	Role    string            `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

func NewAnthropicLLM(apiKey string, model string) *AnthropicLLM {
	if model == "" {
		model = "claude-3-5-sonnet-20240620"
	}
	return &AnthropicLLM{
		apiKey:  apiKey,
		url:     "https://api.anthropic.com/v1/messages",
		model:   model,
		history: make(map[string][]anthropicMessage),
		system:  make(map[string]string),
	}
}

func (l *AnthropicLLM) Name() string {
	return "anthropic-llm"
}

// CreateConversation mints a local conversation id; no network call is
// needed since Anthropic has no server-side conversation resource.
func (l *AnthropicLLM) CreateConversation(ctx context.Context) (string, error) {
	id := uuid.NewString()
	l.mu.Lock()
	l.history[id] = nil
	l.mu.Unlock()
	return id, nil
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// StreamComplete appends input to the conversation's locally-held history,
// streams the model's reply, and folds any tool_use/tool_result items back
// into history so the next call sees the full transcript.
func (l *AnthropicLLM) StreamComplete(ctx context.Context, input []orchestrator.InputItem, conversationID string, tools []orchestrator.ToolDefinition) (<-chan orchestrator.LLMEvent, error) {
	l.mu.Lock()
	for _, item := range input {
		switch item.Type {
		case "", "message":
			if item.Role == "system" {
				l.system[conversationID] = item.Content
				continue
			}
			l.history[conversationID] = append(l.history[conversationID], anthropicMessage{
				Role:    item.Role,
				Content: []anthropicContent{{Type: "text", Text: item.Content}},
			})
		case "function_call":
			l.history[conversationID] = append(l.history[conversationID], anthropicMessage{
				Role: "assistant",
				Content: []anthropicContent{{
					Type:  "tool_use",
					ID:    item.CallID,
					Name:  item.Name,
					Input: item.Arguments,
				}},
			})
		case "function_call_output":
			l.history[conversationID] = append(l.history[conversationID], anthropicMessage{
				Role: "user",
				Content: []anthropicContent{{
					Type:      "tool_result",
					ToolUseID: item.CallID,
					Content:   string(item.Output),
				}},
			})
		}
	}
	messages := append([]anthropicMessage(nil), l.history[conversationID]...)
	system := l.system[conversationID]
	l.mu.Unlock()

	payload := map[string]interface{}{
		"model":      l.model,
		"messages":   messages,
		"max_tokens": 1024,
		"stream":     true,
	}
	if system != "" {
		payload["system"] = system
	}
	if len(tools) > 0 {
		ts := make([]anthropicTool, 0, len(tools))
		for _, t := range tools {
			ts = append(ts, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
		}
		payload["tools"] = ts
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
	req.Header.Set("x-api-key", l.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return nil, fmt.Errorf("anthropic llm error (status %d): %v", resp.StatusCode, errResp)
	}

	events := make(chan orchestrator.LLMEvent, 16)
	go l.pumpSSE(resp.Body, conversationID, events)
	return events, nil
}

type anthropicSSEEvent struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block,omitempty"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
	} `json:"delta,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (l *AnthropicLLM) pumpSSE(body interface {
	Read([]byte) (int, error)
	Close() error
}, conversationID string, out chan<- orchestrator.LLMEvent) {
	defer close(out)
	defer body.Close()

	type openToolUse struct {
		id, name string
		args     strings.Builder
	}
	toolUses := make(map[int]*openToolUse)
	var assembledText strings.Builder

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev anthropicSSEEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "content_block_start":
			if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
				toolUses[ev.Index] = &openToolUse{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
			}

		case "content_block_delta":
			if ev.Delta == nil {
				continue
			}
			if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
				assembledText.WriteString(ev.Delta.Text)
				out <- orchestrator.LLMEvent{Delta: ev.Delta.Text}
			}
			if ev.Delta.Type == "input_json_delta" {
				if tu, ok := toolUses[ev.Index]; ok {
					tu.args.WriteString(ev.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if tu, ok := toolUses[ev.Index]; ok {
				out <- orchestrator.LLMEvent{ToolCall: &orchestrator.ToolCall{
					CallID:    tu.id,
					Name:      tu.name,
					Arguments: json.RawMessage(tu.args.String()),
				}}
				delete(toolUses, ev.Index)
			}

		case "message_stop":
			if assembledText.Len() > 0 {
				l.mu.Lock()
				l.history[conversationID] = append(l.history[conversationID], anthropicMessage{
					Role:    "assistant",
					Content: []anthropicContent{{Type: "text", Text: assembledText.String()}},
				})
				l.mu.Unlock()
			}
			out <- orchestrator.LLMEvent{Done: true}
			return

		case "error":
			msg := "anthropic stream error"
			if ev.Error != nil {
				msg = ev.Error.Message
			}
			out <- orchestrator.LLMEvent{Err: fmt.Errorf("anthropic: %s", msg)}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		out <- orchestrator.LLMEvent{Err: err}
	}
}
