// Package telephony terminates a Twilio Media Streams WebSocket and bridges
// it to a voice session: inbound audio is decoded μ-law→PCM16 and fed to
// STT, outbound TTS audio is encoded PCM16→μ-law and framed back as Twilio
// media events.
package telephony

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/coder/websocket"

	"github.com/lokutor-ai/lokutor-telephony-agent/pkg/audio"
	"github.com/lokutor-ai/lokutor-telephony-agent/pkg/orchestrator"
)

// twilioMessage is the envelope Twilio sends/receives on a Media Streams
// connection. One struct covers every event type; only the fields for the
// current Event are populated.
type twilioMessage struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid,omitempty"`
	Media     *twilioMedia `json:"media,omitempty"`
	Start     *twilioStart `json:"start,omitempty"`
}

type twilioMedia struct {
	Payload string `json:"payload"` // base64-encoded μ-law 8kHz
}

type twilioStart struct {
	StreamSid string   `json:"streamSid"`
	CallSid   string   `json:"callSid"`
	Tracks    []string `json:"tracks"`
}

// TwiMLHandler returns the HTTP handler for Twilio's incoming-call webhook.
// The Stream URL points at wsPath on the request's Host; it uses wss when
// the request arrived over TLS or with X-Forwarded-Proto "https", else ws.
func TwiMLHandler(wsPath string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scheme := "ws"
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			scheme = "wss"
		}
		twiml := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
    <Connect>
        <Stream url="%s://%s%s" />
    </Connect>
</Response>`, scheme, r.Host, wsPath)

		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(twiml))
	}
}

// SessionFactory builds a VoiceSession for one inbound call, given its
// Twilio call SID and the bridge that will carry its audio.
type SessionFactory func(ctx context.Context, callSID string, bridge orchestrator.Bridge) *orchestrator.VoiceSession

// MediaStreamHandler returns the HTTP handler that accepts the Twilio media
// WebSocket, decodes/encodes audio at the wire boundary, and drives one
// VoiceSession for the life of the call.
func MediaStreamHandler(newSession SessionFactory, logger orchestrator.Logger) http.HandlerFunc {
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			logger.Error("twilio websocket accept failed", "error", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "closing")

		ctx := r.Context()
		bridge := &TwilioBridge{conn: conn}

		var session *orchestrator.VoiceSession
		defer func() {
			if session != nil {
				_ = session.Close()
			}
		}()

		for {
			_, payload, err := conn.Read(ctx)
			if err != nil {
				logger.Debug("twilio websocket closed", "error", err)
				return
			}

			var msg twilioMessage
			if err := sonic.Unmarshal(payload, &msg); err != nil {
				logger.Warn("twilio message decode failed", "error", err)
				continue
			}

			switch msg.Event {
			case "start":
				if msg.Start == nil {
					logger.Error("fatal init failure: start envelope missing start field")
					return
				}
				bridge.setStreamSID(msg.Start.StreamSid)
				logger.Info("twilio stream started", "callSid", msg.Start.CallSid, "streamSid", msg.Start.StreamSid)

				session = newSession(ctx, msg.Start.CallSid, bridge)
				if err := session.Start(); err != nil {
					logger.Error("fatal init failure: starting voice session", "error", err)
					return
				}

			case "media":
				if session == nil || msg.Media == nil {
					continue
				}
				mulaw, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
				if err != nil {
					continue // malformed frame, drop silently — happens 50+/sec
				}
				pcm16 := audio.DecodeMulawToPCM16(mulaw, 8000)
				if err := session.HandleInboundAudio(audio.PCM16ToBytes(pcm16)); err != nil {
					logger.Warn("send media to stt failed", "error", err)
				}

			case "stop":
				logger.Info("twilio stream stopped")
				return
			}
		}
	}
}

// TwilioBridge implements orchestrator.Bridge over one Twilio Media Streams
// WebSocket connection: outbound PCM is resampled and μ-law encoded before
// being wrapped in a media envelope, and a barge-in clears the provider's
// playback buffer via Twilio's own "clear" event.
type TwilioBridge struct {
	conn *websocket.Conn

	mu        sync.Mutex
	streamSID string
}

func (b *TwilioBridge) setStreamSID(sid string) {
	b.mu.Lock()
	b.streamSID = sid
	b.mu.Unlock()
}

func (b *TwilioBridge) SendAudio(pcm []byte) error {
	b.mu.Lock()
	sid := b.streamSID
	b.mu.Unlock()

	mulaw := audio.EncodePCM16ToMulaw(audio.BytesToPCM16(pcm), 8000)
	msg := twilioMessage{
		Event:     "media",
		StreamSid: sid,
		Media:     &twilioMedia{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	}
	payload, err := sonic.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode twilio media frame: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.conn.Write(ctx, websocket.MessageText, payload)
}

func (b *TwilioBridge) SendClear() error {
	b.mu.Lock()
	sid := b.streamSID
	b.mu.Unlock()

	payload, err := sonic.Marshal(map[string]string{"event": "clear", "streamSid": sid})
	if err != nil {
		return fmt.Errorf("encode twilio clear frame: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.conn.Write(ctx, websocket.MessageText, payload)
}
