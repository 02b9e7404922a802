package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Conversation is a non-telephony convenience harness: it drives the same
// LLMProvider/TTSProvider interfaces a VoiceSession uses, but without STT,
// a bridge or a barge-in state machine, for text-chat debugging and
// integration tests against real providers.
type Conversation struct {
	id  string
	llm LLMProvider
	tts TTSProvider

	mu             sync.RWMutex
	conversationID string
	voice          Voice
	language       Language
	lastUser       string
	lastAssistant  string
	logger         Logger
}

// NewConversation builds a harness around llm/tts with default voice/language.
func NewConversation(llm LLMProvider, tts TTSProvider) *Conversation {
	return &Conversation{
		id:       "conv_" + fmt.Sprintf("%d", time.Now().UnixNano()),
		llm:      llm,
		tts:      tts,
		voice:    VoiceF1,
		language: LanguageEn,
		logger:   &NoOpLogger{},
	}
}

// SetLogger installs a structured logger.
func (c *Conversation) SetLogger(logger Logger) {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger = logger
}

// SetVoice changes the TTS voice used by subsequent Chat calls.
func (c *Conversation) SetVoice(voice Voice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.voice = voice
}

// SetLanguage changes the TTS language used by subsequent Chat calls.
func (c *Conversation) SetLanguage(language Language) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.language = language
}

// TextOnly sends text through the LLM and returns the assembled reply
// without touching TTS.
func (c *Conversation) TextOnly(ctx context.Context, text string) (string, error) {
	c.mu.Lock()
	convID := c.conversationID
	c.mu.Unlock()

	if convID == "" {
		id, err := c.llm.CreateConversation(ctx)
		if err != nil {
			return "", fmt.Errorf("create conversation: %w", err)
		}
		c.mu.Lock()
		c.conversationID = id
		convID = id
		c.mu.Unlock()
	}

	events, err := c.llm.StreamComplete(ctx, []InputItem{{Role: "user", Content: text}}, convID, nil)
	if err != nil {
		return "", fmt.Errorf("stream_complete: %w", err)
	}

	var reply strings.Builder
	for ev := range events {
		if ev.Err != nil {
			return "", ev.Err
		}
		reply.WriteString(ev.Delta)
		if ev.Done {
			break
		}
	}

	c.mu.Lock()
	c.lastUser = text
	c.lastAssistant = reply.String()
	c.mu.Unlock()

	return reply.String(), nil
}

// Chat sends text through the LLM, then synthesizes the full reply through
// TTS, invoking onAudioChunk for every decoded PCM frame as it arrives.
func (c *Conversation) Chat(ctx context.Context, text string, onAudioChunk func([]byte) error) (string, error) {
	reply, err := c.TextOnly(ctx, text)
	if err != nil {
		return "", err
	}

	c.mu.RLock()
	voice, lang := c.voice, c.language
	c.mu.RUnlock()

	stream, err := c.tts.Open(ctx, voice, lang)
	if err != nil {
		return "", fmt.Errorf("tts open: %w", err)
	}
	if err := stream.SendText(reply); err != nil {
		return "", fmt.Errorf("tts send_text: %w", err)
	}
	if err := stream.Flush(); err != nil {
		return "", fmt.Errorf("tts flush: %w", err)
	}
	if err := stream.Close(); err != nil {
		return "", fmt.Errorf("tts close: %w", err)
	}

	for ev := range stream.Audio() {
		if ev.Err != nil {
			return reply, ev.Err
		}
		if ev.Done {
			break
		}
		if err := onAudioChunk(ev.PCM); err != nil {
			return reply, err
		}
	}

	return reply, nil
}

// GetLastUserMessage returns the most recent user turn.
func (c *Conversation) GetLastUserMessage() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUser
}

// GetLastAssistantMessage returns the most recent assistant reply.
func (c *Conversation) GetLastAssistantMessage() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastAssistant
}

// GetSessionID returns the harness's local id (not the provider conversation id).
func (c *Conversation) GetSessionID() string {
	return c.id
}

// ConversationID returns the provider-side conversation id, empty until the
// first message has been sent.
func (c *Conversation) ConversationID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conversationID
}
