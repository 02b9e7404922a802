package orchestrator

import (
	"context"
	"testing"
)

func TestConversationTextOnly(t *testing.T) {
	llm := &fakeLLM{streamFunc: textReplyLLM("Good afternoon.")}
	conv := NewConversation(llm, &fakeTTS{})

	reply, err := conv.TextOnly(context.Background(), "hello")
	if err != nil {
		t.Fatalf("TextOnly failed: %v", err)
	}
	if reply != "Good afternoon." {
		t.Errorf("expected the scripted reply, got %q", reply)
	}
	if conv.GetLastUserMessage() != "hello" {
		t.Errorf("expected last user message to be recorded, got %q", conv.GetLastUserMessage())
	}
	if conv.GetLastAssistantMessage() != reply {
		t.Errorf("expected last assistant message to match reply, got %q", conv.GetLastAssistantMessage())
	}
	if conv.ConversationID() != "conv_fake" {
		t.Errorf("expected conv_fake, got %q", conv.ConversationID())
	}
}

func TestConversationTextOnlyReusesConversationID(t *testing.T) {
	llm := &fakeLLM{streamFunc: textReplyLLM("sure.")}
	conv := NewConversation(llm, &fakeTTS{})

	if _, err := conv.TextOnly(context.Background(), "one"); err != nil {
		t.Fatalf("first TextOnly failed: %v", err)
	}
	if _, err := conv.TextOnly(context.Background(), "two"); err != nil {
		t.Fatalf("second TextOnly failed: %v", err)
	}

	llm.mu.Lock()
	createCalls := llm.createCalls
	llm.mu.Unlock()
	if createCalls != 1 {
		t.Errorf("expected CreateConversation called once across two turns, got %d", createCalls)
	}
}

func TestConversationChatStreamsAudio(t *testing.T) {
	llm := &fakeLLM{streamFunc: textReplyLLM("hi there")}
	tts := &fakeTTS{}
	conv := NewConversation(llm, tts)

	var chunks [][]byte
	reply, err := conv.Chat(context.Background(), "hello", func(pcm []byte) error {
		chunks = append(chunks, pcm)
		return nil
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if reply != "hi there" {
		t.Errorf("expected reply %q, got %q", "hi there", reply)
	}
	if len(chunks) == 0 {
		t.Fatal("expected at least one audio chunk")
	}
	if string(chunks[0]) != "hi there" {
		t.Errorf("expected the fake TTS stream to echo the reply text as PCM, got %q", chunks[0])
	}
}

func TestConversationSetVoiceAndLanguage(t *testing.T) {
	llm := &fakeLLM{streamFunc: textReplyLLM("ok.")}
	conv := NewConversation(llm, &fakeTTS{})

	conv.SetVoice(VoiceM2)
	conv.SetLanguage(LanguageEs)

	if conv.voice != VoiceM2 {
		t.Errorf("expected voice to be updated, got %s", conv.voice)
	}
	if conv.language != LanguageEs {
		t.Errorf("expected language to be updated, got %s", conv.language)
	}
}
