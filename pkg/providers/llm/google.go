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

// GoogleLLM talks to the Gemini streamGenerateContent SSE endpoint.
// Gemini, like Anthropic, has no server-side conversation resource, so
// history (including any system instruction) is emulated locally, keyed by
// a conversation id this client mints itself.
type GoogleLLM struct {
	apiKey string
	url    string
	model  string

	mu        sync.Mutex
	history   map[string][]googleContent
	system    map[string]string
	callNames map[string]string // call_id -> function name, for matching function_call_output back to its call
}

type googleContent struct {
	Role  string      `json:"role"`
	Parts []googlePart `json:"parts"`
}

type googlePart struct {
	Text             string                 `json:"text,omitempty"`
	FunctionCall     *googleFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *googleFunctionResponse `json:"functionResponse,omitempty"`
}

type googleFunctionCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

type googleFunctionResponse struct {
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response"`
}

func NewGoogleLLM(apiKey string, model string) *GoogleLLM {
	if model == "" {
		model = "gemini-1.5-flash"
	}
	return &GoogleLLM{
		apiKey:  apiKey,
		url:     "https://generativelanguage.googleapis.com/v1beta/models/" + model + ":streamGenerateContent",
		model:   model,
		history:   make(map[string][]googleContent),
		system:    make(map[string]string),
		callNames: make(map[string]string),
	}
}

func (l *GoogleLLM) Name() string {
	return "google-llm"
}

// CreateConversation mints a local conversation id.
func (l *GoogleLLM) CreateConversation(ctx context.Context) (string, error) {
	id := uuid.NewString()
	l.mu.Lock()
	l.history[id] = nil
	l.mu.Unlock()
	return id, nil
}

type googleFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Gemini's tool calls carry arguments as a parsed JSON object (not a raw
// string like OpenAI/Anthropic); callID is synthesized locally since Gemini
// has no call-id concept of its own.
func (l *GoogleLLM) StreamComplete(ctx context.Context, input []orchestrator.InputItem, conversationID string, tools []orchestrator.ToolDefinition) (<-chan orchestrator.LLMEvent, error) {
	l.mu.Lock()
	for _, item := range input {
		switch item.Type {
		case "", "message":
			if item.Role == "system" {
				l.system[conversationID] = item.Content
				continue
			}
			role := item.Role
			if role == "assistant" {
				role = "model"
			}
			l.history[conversationID] = append(l.history[conversationID], googleContent{
				Role:  role,
				Parts: []googlePart{{Text: item.Content}},
			})
		case "function_call":
			var args map[string]interface{}
			json.Unmarshal(item.Arguments, &args)
			l.callNames[item.CallID] = item.Name
			l.history[conversationID] = append(l.history[conversationID], googleContent{
				Role:  "model",
				Parts: []googlePart{{FunctionCall: &googleFunctionCall{Name: item.Name, Args: args}}},
			})
		case "function_call_output":
			var resp map[string]interface{}
			json.Unmarshal(item.Output, &resp)
			l.history[conversationID] = append(l.history[conversationID], googleContent{
				Role:  "user",
				Parts: []googlePart{{FunctionResponse: &googleFunctionResponse{Name: l.callNames[item.CallID], Response: resp}}},
			})
		}
	}
	contents := append([]googleContent(nil), l.history[conversationID]...)
	system := l.system[conversationID]
	l.mu.Unlock()

	payload := map[string]interface{}{
		"contents": contents,
	}
	if system != "" {
		payload["systemInstruction"] = googleContent{Parts: []googlePart{{Text: system}}}
	}
	if len(tools) > 0 {
		decls := make([]googleFunctionDecl, 0, len(tools))
		for _, t := range tools {
			decls = append(decls, googleFunctionDecl{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
		}
		payload["tools"] = []map[string]interface{}{{"functionDeclarations": decls}}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", l.url+"?alt=sse&key="+l.apiKey, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return nil, fmt.Errorf("google llm error (status %d): %v", resp.StatusCode, errResp)
	}

	events := make(chan orchestrator.LLMEvent, 16)
	go l.pumpSSE(resp.Body, conversationID, events)
	return events, nil
}

type googleSSEChunk struct {
	Candidates []struct {
		Content      googleContent `json:"content"`
		FinishReason string        `json:"finishReason,omitempty"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (l *GoogleLLM) pumpSSE(body interface {
	Read([]byte) (int, error)
	Close() error
}, conversationID string, out chan<- orchestrator.LLMEvent) {
	defer close(out)
	defer body.Close()

	var assembledText strings.Builder
	callCounter := 0

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var chunk googleSSEChunk
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
			continue
		}

		if chunk.Error != nil {
			out <- orchestrator.LLMEvent{Err: fmt.Errorf("google: %s", chunk.Error.Message)}
			return
		}

		for _, cand := range chunk.Candidates {
			for _, part := range cand.Content.Parts {
				if part.Text != "" {
					assembledText.WriteString(part.Text)
					out <- orchestrator.LLMEvent{Delta: part.Text}
				}
				if part.FunctionCall != nil {
					callCounter++
					args, _ := json.Marshal(part.FunctionCall.Args)
					out <- orchestrator.LLMEvent{ToolCall: &orchestrator.ToolCall{
						CallID:    fmt.Sprintf("%s-call-%d", conversationID, callCounter),
						Name:      part.FunctionCall.Name,
						Arguments: args,
					}}
				}
			}
			if cand.FinishReason != "" {
				if assembledText.Len() > 0 {
					l.mu.Lock()
					l.history[conversationID] = append(l.history[conversationID], googleContent{
						Role:  "model",
						Parts: []googlePart{{Text: assembledText.String()}},
					})
					l.mu.Unlock()
				}
				out <- orchestrator.LLMEvent{Done: true}
				return
			}
		}
	}
	if err := scanner.Err(); err != nil {
		out <- orchestrator.LLMEvent{Err: err}
	}
}
