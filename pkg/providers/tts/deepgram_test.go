package tts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coder/websocket"

	"github.com/lokutor-ai/lokutor-telephony-agent/pkg/orchestrator"
)

func TestDeepgramTTSStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "closing")

		_, payload, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		var msg map[string]string
		json.Unmarshal(payload, &msg)
		if msg["type"] != "Text" {
			t.Errorf("expected Text message first, got %v", msg)
		}

		_, _, _ = conn.Read(r.Context()) // Flush

		conn.Write(r.Context(), websocket.MessageBinary, []byte{9, 8, 7})
		closeMsg, _ := json.Marshal(map[string]string{"type": "Close"})
		conn.Write(r.Context(), websocket.MessageText, closeMsg)
	}))
	defer server.Close()

	tts := &DeepgramTTS{
		apiKey:     "test-key",
		scheme:     "ws",
		host:       strings.TrimPrefix(server.URL, "http://"),
		model:      "aura-2-thalia-en",
		sampleRate: 16000,
	}

	if tts.Name() != "deepgram-tts" {
		t.Errorf("expected deepgram-tts, got %s", tts.Name())
	}

	stream, err := tts.Open(context.Background(), orchestrator.VoiceF1, orchestrator.LanguageEn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := stream.SendText("hello there"); err != nil {
		t.Fatalf("send_text failed: %v", err)
	}
	if err := stream.Flush(); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	var audio []byte
	for ev := range stream.Audio() {
		if ev.Err != nil {
			t.Fatalf("unexpected stream error: %v", ev.Err)
		}
		if ev.Done {
			break
		}
		audio = append(audio, ev.PCM...)
	}

	if len(audio) != 3 {
		t.Errorf("expected 3 bytes, got %d", len(audio))
	}
}
