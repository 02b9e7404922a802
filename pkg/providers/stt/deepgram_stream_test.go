package stt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/lokutor-ai/lokutor-telephony-agent/pkg/orchestrator"
)

func TestDeepgramStreamingSTT(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if !strings.Contains(r.URL.RawQuery, "model=flux-general-en") {
			t.Errorf("expected flux-general-en model in query, got %s", r.URL.RawQuery)
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "closing")

		send := func(v interface{}) {
			payload, _ := json.Marshal(v)
			conn.Write(r.Context(), websocket.MessageText, payload)
		}

		send(map[string]string{"type": "Connected"})
		send(map[string]string{"type": "TurnInfo", "event": "StartOfTurn"})

		_, _, err = conn.Read(r.Context()) // first audio frame
		if err != nil {
			return
		}

		send(map[string]string{"type": "TurnInfo", "event": "Update", "transcript": "hel"})
		send(map[string]string{"type": "TurnInfo", "event": "EndOfTurn", "transcript": "hello there"})

		_, _, _ = conn.Read(r.Context()) // CloseStream
	}))
	defer server.Close()

	stt := &DeepgramStreamingSTT{
		apiKey:       "test-key",
		scheme:       "ws",
		host:         strings.TrimPrefix(server.URL, "http://"),
		model:        "flux-general-en",
		eotThreshold: 0.6,
		eotTimeoutMS: 3000,
	}

	if stt.Name() != "deepgram-flux" {
		t.Errorf("expected deepgram-flux, got %s", stt.Name())
	}

	events, err := stt.Open(context.Background(), orchestrator.LanguageEn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := stt.SendMedia([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("send media failed: %v", err)
	}

	var gotStart, gotUpdate, gotEnd bool
	var endTranscript string

	timeout := time.After(2 * time.Second)
	for !gotEnd {
		select {
		case ev := <-events:
			switch ev.Type {
			case orchestrator.STTStartOfTurn:
				gotStart = true
			case orchestrator.STTUpdate:
				gotUpdate = true
			case orchestrator.STTEndOfTurn:
				gotEnd = true
				endTranscript = ev.Text
			case orchestrator.STTError:
				t.Fatalf("unexpected error event: %v", ev.Err)
			}
		case <-timeout:
			t.Fatal("timed out waiting for end of turn")
		}
	}

	if !gotStart {
		t.Error("expected a start_of_turn event")
	}
	if !gotUpdate {
		t.Error("expected an update event")
	}
	if endTranscript != "hello there" {
		t.Errorf("expected 'hello there', got %q", endTranscript)
	}

	if err := stt.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}
