package tts

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lokutor-ai/lokutor-telephony-agent/pkg/orchestrator"
)

// LokutorTTS opens one streaming-synthesis websocket per reply.
type LokutorTTS struct {
	apiKey string
	host   string
	scheme string // "wss" in production; tests override to "ws" against an httptest server
}

func NewLokutorTTS(apiKey string) *LokutorTTS {
	return &LokutorTTS{apiKey: apiKey, host: "api.lokutor.com", scheme: "wss"}
}

func (t *LokutorTTS) Name() string {
	return "lokutor"
}

func (t *LokutorTTS) Open(ctx context.Context, voice orchestrator.Voice, lang orchestrator.Language) (orchestrator.TTSStream, error) {
	scheme := t.scheme
	if scheme == "" {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: t.host, Path: "/ws", RawQuery: "api_key=" + t.apiKey}
	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to lokutor: %w", err)
	}

	stream := &lokutorStream{
		conn:   conn,
		voice:  voice,
		lang:   lang,
		audio:  make(chan orchestrator.TTSAudioEvent, 32),
		closed: make(chan struct{}),
	}
	go stream.readLoop(ctx)
	return stream, nil
}

type lokutorStream struct {
	conn  *websocket.Conn
	voice orchestrator.Voice
	lang  orchestrator.Language

	audio     chan orchestrator.TTSAudioEvent
	mu        sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *lokutorStream) Audio() <-chan orchestrator.TTSAudioEvent {
	return s.audio
}

func (s *lokutorStream) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req := map[string]interface{}{
		"op":      "send_text",
		"text":    text,
		"voice":   string(s.voice),
		"lang":    string(s.lang),
		"speed":   1.05,
		"steps":   5,
		"version": "versa-1.0",
	}
	return wsjson.Write(context.Background(), s.conn, req)
}

func (s *lokutorStream) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return wsjson.Write(context.Background(), s.conn, map[string]string{"op": "send_flush"})
}

func (s *lokutorStream) Close() error {
	s.mu.Lock()
	err := wsjson.Write(context.Background(), s.conn, map[string]string{"op": "send_close"})
	s.mu.Unlock()
	return err
}

// Abort tears the connection down immediately without waiting for a Close
// handshake, used on barge-in where any remaining audio would be stale.
func (s *lokutorStream) Abort() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return s.conn.Close(websocket.StatusNormalClosure, "aborted")
}

func (s *lokutorStream) readLoop(ctx context.Context) {
	defer close(s.audio)
	for {
		messageType, payload, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			s.audio <- orchestrator.TTSAudioEvent{Err: fmt.Errorf("lokutor read failed: %w", err)}
			return
		}

		switch messageType {
		case websocket.MessageBinary:
			s.audio <- orchestrator.TTSAudioEvent{PCM: payload}
		case websocket.MessageText:
			msg := string(payload)
			if msg == "EOS" {
				s.audio <- orchestrator.TTSAudioEvent{Done: true}
				s.conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if len(msg) >= 4 && msg[:4] == "ERR:" {
				s.audio <- orchestrator.TTSAudioEvent{Err: fmt.Errorf("lokutor error: %s", msg)}
			}
		}
	}
}
