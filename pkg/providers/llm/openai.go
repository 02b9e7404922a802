package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/lokutor-ai/lokutor-telephony-agent/pkg/orchestrator"
)

// OpenAILLM talks to the OpenAI Responses API in streaming mode, with
// persistent server-side conversation state via CreateConversation and
// function-call continuation via the input list's function_call /
// function_call_output items.
type OpenAILLM struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	httpClient  *http.Client
}

// NewOpenAILLM builds a client for model (defaults to "gpt-5-nano", matching
// the reference reservation agent's default).
func NewOpenAILLM(apiKey string, model string) *OpenAILLM {
	if model == "" {
		model = "gpt-5-nano"
	}
	return &OpenAILLM{
		apiKey:      apiKey,
		baseURL:     "https://api.openai.com/v1",
		model:       model,
		temperature: 1.0,
		httpClient:  http.DefaultClient,
	}
}

func (l *OpenAILLM) Name() string {
	return "openai-llm"
}

// CreateConversation opens a persistent server-side conversation.
func (l *OpenAILLM) CreateConversation(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", l.baseURL+"/conversations", bytes.NewReader([]byte("{}")))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.apiKey)

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return "", fmt.Errorf("openai create conversation error (status %d): %v", resp.StatusCode, errResp)
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.ID, nil
}

type responsesFunction struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// sseEvent covers the subset of Responses API streaming events this client
// acts on: text deltas and the function-call lifecycle
// (output_item.added -> function_call_arguments.delta* -> output_item.done).
type sseEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta,omitempty"`
	Item  *struct {
		Type      string `json:"type"`
		ID        string `json:"id"`
		CallID    string `json:"call_id"`
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"item,omitempty"`
	ItemID string `json:"item_id,omitempty"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// StreamComplete submits input (and, on the first turn of a fresh
// conversation, a system prompt folded in as an input item by the caller)
// and streams back text deltas and tool calls as the model emits them.
func (l *OpenAILLM) StreamComplete(ctx context.Context, input []orchestrator.InputItem, conversationID string, tools []orchestrator.ToolDefinition) (<-chan orchestrator.LLMEvent, error) {
	payload := map[string]interface{}{
		"model":       l.model,
		"temperature": l.temperature,
		"input":       input,
		"stream":      true,
	}
	if conversationID != "" {
		payload["conversation"] = conversationID
	}
	if len(tools) > 0 {
		fns := make([]responsesFunction, 0, len(tools))
		for _, t := range tools {
			fns = append(fns, responsesFunction{Type: "function", Name: t.Name, Description: t.Description, Parameters: t.Parameters})
		}
		payload["tools"] = fns
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", l.baseURL+"/responses", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+l.apiKey)

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return nil, fmt.Errorf("openai responses error (status %d): %v", resp.StatusCode, errResp)
	}

	events := make(chan orchestrator.LLMEvent, 16)
	go l.pumpSSE(resp.Body, events)
	return events, nil
}

func (l *OpenAILLM) pumpSSE(body io.ReadCloser, out chan<- orchestrator.LLMEvent) {
	defer close(out)
	defer body.Close()

	pendingArgs := make(map[string]*strings.Builder)
	pendingCalls := make(map[string]*orchestrator.ToolCall)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			out <- orchestrator.LLMEvent{Done: true}
			return
		}

		var ev sseEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "response.output_text.delta":
			if ev.Delta != "" {
				out <- orchestrator.LLMEvent{Delta: ev.Delta}
			}

		case "response.output_item.added":
			if ev.Item != nil && ev.Item.Type == "function_call" {
				pendingCalls[ev.Item.ID] = &orchestrator.ToolCall{CallID: ev.Item.CallID, Name: ev.Item.Name}
				pendingArgs[ev.Item.ID] = &strings.Builder{}
			}

		case "response.function_call_arguments.delta":
			if b, ok := pendingArgs[ev.ItemID]; ok {
				b.WriteString(ev.Delta)
			}

		case "response.output_item.done":
			if ev.Item != nil && ev.Item.Type == "function_call" {
				tc := pendingCalls[ev.Item.ID]
				if tc == nil {
					tc = &orchestrator.ToolCall{CallID: ev.Item.CallID, Name: ev.Item.Name}
				}
				args := ev.Item.Arguments
				if b, ok := pendingArgs[ev.Item.ID]; ok && b.Len() > 0 {
					args = b.String()
				}
				tc.Arguments = json.RawMessage(args)
				out <- orchestrator.LLMEvent{ToolCall: tc}
				delete(pendingCalls, ev.Item.ID)
				delete(pendingArgs, ev.Item.ID)
			}

		case "response.completed":
			out <- orchestrator.LLMEvent{Done: true}
			return

		case "response.error":
			msg := "response error"
			if ev.Error != nil {
				msg = ev.Error.Message
			}
			out <- orchestrator.LLMEvent{Err: fmt.Errorf("openai: %s", msg)}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		out <- orchestrator.LLMEvent{Err: err}
	}
}
