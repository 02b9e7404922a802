package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/coder/websocket"

	"github.com/lokutor-ai/lokutor-telephony-agent/pkg/orchestrator"
)

// DeepgramStreamingSTT keeps one Flux (flux-general-en) websocket connection
// open for the life of a call, translating TurnInfo events
// (StartOfTurn/Update/EndOfTurn) into the orchestrator's STTEvent taxonomy.
type DeepgramStreamingSTT struct {
	apiKey        string
	scheme        string // "wss" in production; tests override to "ws"
	host          string
	model        string
	eotThreshold float64
	eotTimeoutMS int

	mu   sync.Mutex
	conn *websocket.Conn

	closed    chan struct{}
	closeOnce sync.Once
}

// NewDeepgramStreamingSTT builds a client targeting the Flux turn-detection
// model, matching the reference connect() defaults.
func NewDeepgramStreamingSTT(apiKey string) *DeepgramStreamingSTT {
	return &DeepgramStreamingSTT{
		apiKey:       apiKey,
		scheme:       "wss",
		host:         "api.deepgram.com",
		model:        "flux-general-en",
		eotThreshold: 0.6,
		eotTimeoutMS: 3000,
	}
}

func (d *DeepgramStreamingSTT) Name() string {
	return "deepgram-flux"
}

func (d *DeepgramStreamingSTT) Open(ctx context.Context, lang orchestrator.Language) (<-chan orchestrator.STTEvent, error) {
	scheme := d.scheme
	if scheme == "" {
		scheme = "wss"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   d.host,
		Path:   "/v2/listen",
		RawQuery: fmt.Sprintf(
			"model=%s&encoding=linear16&sample_rate=16000&eot_threshold=%.2f&eot_timeout_ms=%d",
			d.model, d.eotThreshold, d.eotTimeoutMS,
		),
	}

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: map[string][]string{"Authorization": {"Token " + d.apiKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to deepgram flux: %w", err)
	}

	d.mu.Lock()
	d.conn = conn
	d.closed = make(chan struct{})
	d.mu.Unlock()

	events := make(chan orchestrator.STTEvent, 32)
	go d.readLoop(ctx, conn, events)
	return events, nil
}

// SendMedia pushes a raw PCM frame onto the open connection. Intentionally
// unlogged: it is called 50+ times a second while a call is live.
func (d *DeepgramStreamingSTT) SendMedia(pcm []byte) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("deepgram flux: connection not open")
	}
	return conn.Write(context.Background(), websocket.MessageBinary, pcm)
}

func (d *DeepgramStreamingSTT) Close() error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return nil
	}

	d.closeOnce.Do(func() {
		payload, _ := json.Marshal(map[string]string{"type": "CloseStream"})
		_ = conn.Write(context.Background(), websocket.MessageText, payload)
		close(d.closed)
	})
	return conn.Close(websocket.StatusNormalClosure, "closing")
}

type fluxMessage struct {
	Type       string `json:"type"`
	Event      string `json:"event"`
	Transcript string `json:"transcript"`
}

func (d *DeepgramStreamingSTT) readLoop(ctx context.Context, conn *websocket.Conn, events chan<- orchestrator.STTEvent) {
	defer close(events)
	for {
		messageType, payload, err := conn.Read(ctx)
		if err != nil {
			select {
			case <-d.closed:
				events <- orchestrator.STTEvent{Type: orchestrator.STTClosed}
			default:
				events <- orchestrator.STTEvent{Type: orchestrator.STTError, Err: fmt.Errorf("deepgram flux read failed: %w", err)}
			}
			return
		}
		if messageType != websocket.MessageText {
			continue
		}

		var msg fluxMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "Connected":
			events <- orchestrator.STTEvent{Type: orchestrator.STTConnected}
		case "TurnInfo":
			switch msg.Event {
			case "StartOfTurn":
				events <- orchestrator.STTEvent{Type: orchestrator.STTStartOfTurn}
			case "Update":
				if msg.Transcript != "" {
					events <- orchestrator.STTEvent{Type: orchestrator.STTUpdate, Text: msg.Transcript}
				}
			case "EndOfTurn":
				if msg.Transcript != "" {
					events <- orchestrator.STTEvent{Type: orchestrator.STTEndOfTurn, Text: msg.Transcript}
				}
			}
		}
	}
}
