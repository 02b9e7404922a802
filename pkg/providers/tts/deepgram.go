package tts

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/coder/websocket"

	"github.com/lokutor-ai/lokutor-telephony-agent/pkg/orchestrator"
)

// DeepgramTTS streams synthesis through Deepgram's Aura websocket endpoint,
// one connection per reply: SendText/Flush/Close map onto the SDK's
// SpeakV1Text/SpeakV1Flush/SpeakV1Close messages.
type DeepgramTTS struct {
	apiKey     string
	scheme     string // "wss" in production; tests override to "ws"
	host       string
	model      string
	sampleRate int
}

// NewDeepgramTTS builds a client using the aura-2-thalia-en voice at 16kHz
// linear16, matching the reference synthesize_stream defaults.
func NewDeepgramTTS(apiKey string) *DeepgramTTS {
	return &DeepgramTTS{
		apiKey:     apiKey,
		scheme:     "wss",
		host:       "api.deepgram.com",
		model:      "aura-2-thalia-en",
		sampleRate: 16000,
	}
}

func (t *DeepgramTTS) Name() string {
	return "deepgram-tts"
}

func (t *DeepgramTTS) Open(ctx context.Context, voice orchestrator.Voice, lang orchestrator.Language) (orchestrator.TTSStream, error) {
	u := url.URL{
		Scheme:   t.scheme,
		Host:     t.host,
		Path:     "/v1/speak",
		RawQuery: fmt.Sprintf("model=%s&encoding=linear16&sample_rate=%d", t.model, t.sampleRate),
	}

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: map[string][]string{"Authorization": {"Token " + t.apiKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to deepgram speak: %w", err)
	}

	stream := &deepgramTTSStream{
		conn:   conn,
		audio:  make(chan orchestrator.TTSAudioEvent, 32),
		closed: make(chan struct{}),
	}
	go stream.readLoop(ctx)
	return stream, nil
}

type deepgramTTSStream struct {
	conn *websocket.Conn

	mu        sync.Mutex
	audio     chan orchestrator.TTSAudioEvent
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *deepgramTTSStream) Audio() <-chan orchestrator.TTSAudioEvent {
	return s.audio
}

func (s *deepgramTTSStream) writeJSON(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(context.Background(), websocket.MessageText, payload)
}

func (s *deepgramTTSStream) SendText(text string) error {
	return s.writeJSON(map[string]string{"type": "Text", "text": text})
}

func (s *deepgramTTSStream) Flush() error {
	return s.writeJSON(map[string]string{"type": "Flush"})
}

func (s *deepgramTTSStream) Close() error {
	return s.writeJSON(map[string]string{"type": "Close"})
}

// Abort tears the connection down immediately, used on barge-in.
func (s *deepgramTTSStream) Abort() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return s.conn.Close(websocket.StatusNormalClosure, "aborted")
}

type deepgramTTSEvent struct {
	Type string `json:"type"`
}

func (s *deepgramTTSStream) readLoop(ctx context.Context) {
	defer close(s.audio)
	for {
		messageType, payload, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			s.audio <- orchestrator.TTSAudioEvent{Err: fmt.Errorf("deepgram speak read failed: %w", err)}
			return
		}

		switch messageType {
		case websocket.MessageBinary:
			s.audio <- orchestrator.TTSAudioEvent{PCM: payload}
		case websocket.MessageText:
			var ev deepgramTTSEvent
			if err := json.Unmarshal(payload, &ev); err != nil {
				continue
			}
			switch ev.Type {
			case "Close":
				s.audio <- orchestrator.TTSAudioEvent{Done: true}
				s.conn.Close(websocket.StatusNormalClosure, "")
				return
			case "Warning":
				s.audio <- orchestrator.TTSAudioEvent{Err: fmt.Errorf("deepgram speak warning: %s", payload)}
			}
		}
	}
}
