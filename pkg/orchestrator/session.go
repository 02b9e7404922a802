package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// SessionState is one of the four states in the lifecycle table.
type SessionState string

const (
	StateIdle       SessionState = "idle"
	StateListening  SessionState = "listening"
	StateProcessing SessionState = "processing"
	StateSpeaking   SessionState = "speaking"
	StateTerminal   SessionState = "terminal"
)

// Bridge is the narrow outbound surface a VoiceSession needs from its
// telephony transport: forward synthesized audio, and tell the provider to
// discard its jitter buffer on interrupt.
type Bridge interface {
	SendAudio(pcm []byte) error
	SendClear() error
}

var sentenceBoundary = regexp.MustCompile(`[.!?]\s+|\n\n+`)
var markdownBold = regexp.MustCompile(`\*\*(.+?)\*\*`)
var markdownItalic = regexp.MustCompile(`\*(.+?)\*`)

func stripMarkdown(s string) string {
	s = markdownBold.ReplaceAllString(s, "$1")
	s = markdownItalic.ReplaceAllString(s, "$1")
	return s
}

// VoiceSession owns one call's full lifecycle: STT/LLM/TTS orchestration,
// turn scheduling, and barge-in. The run() goroutine handles STT events; each
// turn runs in its own goroutine, with a child goroutine forwarding its TTS
// audio. Those goroutines share the session's fields under mu, and
// speakEpoch is atomic.
type VoiceSession struct {
	id     string
	config Config
	logger Logger
	metrics Metrics

	stt   StreamingSTTProvider
	llm   LLMProvider
	tts   TTSProvider
	tools *ToolRegistry
	bridge Bridge

	ctx    context.Context
	cancel context.CancelFunc

	events chan SessionEvent

	mu             sync.Mutex
	state          SessionState
	conversationID string
	speakEpoch     atomic.Uint64

	turnCancel context.CancelFunc
	turnDone   chan struct{}

	interruptLatched bool
	lastInterruptAt  time.Time

	sttStartTime, sttEndTime                   time.Time
	llmStartTime, llmEndTime                   time.Time
	ttsStartTime, ttsFirstChunkTime, ttsEndTime time.Time

	closeOnce sync.Once
}

// NewVoiceSession constructs a session bound to one call. Start must be
// called once the telephony bridge has received its "start" envelope.
func NewVoiceSession(ctx context.Context, id string, cfg Config, stt StreamingSTTProvider, llm LLMProvider, tts TTSProvider, tools *ToolRegistry, bridge Bridge, logger Logger, metrics Metrics) *VoiceSession {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = NoOpMetrics{}
	}
	sessCtx, cancel := context.WithCancel(ctx)
	return &VoiceSession{
		id:      id,
		config:  cfg,
		logger:  logger,
		metrics: metrics,
		stt:     stt,
		llm:     llm,
		tts:     tts,
		tools:   tools,
		bridge:  bridge,
		ctx:     sessCtx,
		cancel:  cancel,
		events:  make(chan SessionEvent, 256),
		state:   StateIdle,
	}
}

// Events returns the session's observer event stream (logging/metrics/tests).
func (s *VoiceSession) Events() <-chan SessionEvent {
	return s.events
}

// State reports the current lifecycle state.
func (s *VoiceSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConversationID reports the conversation identifier, once assigned (empty
// until the first turn runs).
func (s *VoiceSession) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// SpeakEpoch reports the current speak-epoch.
func (s *VoiceSession) SpeakEpoch() uint64 {
	return s.speakEpoch.Load()
}

// Start opens the persistent STT stream and begins the session's event
// dispatch loop. Per spec §4.7.1 step 2, TTS is not opened here.
func (s *VoiceSession) Start() error {
	sttEvents, err := s.stt.Open(s.ctx, s.config.Language)
	if err != nil {
		return fmt.Errorf("fatal init failure: opening STT stream: %w", err)
	}

	s.mu.Lock()
	s.state = StateListening
	s.mu.Unlock()
	s.emit(SessionListening, nil)

	go s.run(sttEvents)
	return nil
}

// HandleInboundAudio forwards one decoded PCM frame to the STT stream.
func (s *VoiceSession) HandleInboundAudio(pcm []byte) error {
	return s.stt.SendMedia(pcm)
}

// run is the session's STT dispatch loop: it is the sole reader of STT
// events and applies the state changes they trigger (interrupts, turn
// scheduling); runTurn applies the rest under mu.
func (s *VoiceSession) run(sttEvents <-chan STTEvent) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-sttEvents:
			if !ok {
				s.handleSTTEvent(STTEvent{Type: STTClosed})
				return
			}
			s.handleSTTEvent(ev)
		}
	}
}

func (s *VoiceSession) handleSTTEvent(ev STTEvent) {
	switch ev.Type {
	case STTConnected:
		s.logger.Debug("stt connected", "sessionID", s.id)

	case STTStartOfTurn:
		s.mu.Lock()
		speaking := s.state == StateSpeaking
		s.mu.Unlock()
		if speaking {
			s.maybeInterrupt()
		}

	case STTUpdate:
		s.mu.Lock()
		speaking := s.state == StateSpeaking
		s.mu.Unlock()
		if speaking && len(strings.TrimSpace(ev.Text)) >= s.config.BargeInMinChars {
			s.maybeInterrupt()
		}

	case STTEndOfTurn:
		s.onEndOfTurn(ev.Text)

	case STTError:
		s.logger.Warn("stt error", "sessionID", s.id, "error", ev.Err)
		s.emit(SessionError, ev.Err)

	case STTClosed:
		s.logger.Error("stt stream closed, tearing down session", "sessionID", s.id)
		s.emit(SessionError, "stt stream closed")
		go s.Close()
	}
}

// onEndOfTurn implements spec §4.7.2's EndOfTurn handling: clear the
// barge-in latch, cancel any in-flight turn and await it, then schedule a
// fresh turn.
func (s *VoiceSession) onEndOfTurn(transcript string) {
	if strings.TrimSpace(transcript) == "" {
		return
	}

	s.mu.Lock()
	s.interruptLatched = false
	prevCancel := s.turnCancel
	prevDone := s.turnDone
	s.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
		if prevDone != nil {
			<-prevDone
		}
	}

	turnCtx, turnCancel := context.WithCancel(s.ctx)
	done := make(chan struct{})

	s.mu.Lock()
	s.turnCancel = turnCancel
	s.turnDone = done
	s.mu.Unlock()

	go s.runTurn(turnCtx, done, transcript)
}

// maybeInterrupt applies the debounce + latch gating of spec §4.7.4 before
// running the four interrupt actions.
func (s *VoiceSession) maybeInterrupt() {
	s.mu.Lock()
	if s.state != StateSpeaking {
		s.mu.Unlock()
		return
	}
	if s.interruptLatched {
		s.mu.Unlock()
		return
	}
	if time.Since(s.lastInterruptAt) < s.config.BargeInDebounce {
		s.mu.Unlock()
		return
	}
	s.interruptLatched = true
	s.lastInterruptAt = time.Now()
	turnCancel := s.turnCancel
	s.mu.Unlock()

	s.metrics.IncCounter("barge_in")

	// 1. Invalidate all in-flight audio immediately.
	s.speakEpoch.Add(1)

	// 2. Discard the provider's jitter buffer before anything else.
	if err := s.bridge.SendClear(); err != nil {
		s.logger.Warn("send clear failed", "sessionID", s.id, "error", err)
	}

	// 3. Cancel the TTS/turn task; runTurn's own cleanup awaits its reader
	// goroutine before returning, so there is nothing further to await here.
	if turnCancel != nil {
		turnCancel()
	}

	// 4. Listening resumes; the next EndOfTurn schedules a fresh turn.
	s.mu.Lock()
	s.state = StateListening
	s.mu.Unlock()
	s.emit(SessionInterrupt, nil)
}

// runTurn executes the eight-step sequence of spec §4.7.3.
func (s *VoiceSession) runTurn(ctx context.Context, done chan struct{}, transcript string) {
	defer close(done)
	defer func() {
		s.mu.Lock()
		if s.state != StateListening {
			s.state = StateListening
		}
		s.turnCancel = nil
		s.mu.Unlock()
		s.emit(SessionListening, nil)
	}()

	// Step 1: mint the conversation id on first use.
	s.mu.Lock()
	needsConversation := s.conversationID == ""
	s.mu.Unlock()
	if needsConversation {
		convID, err := s.llm.CreateConversation(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error("create conversation failed", "sessionID", s.id, "error", err)
				s.emit(SessionError, err)
			}
			return
		}
		s.mu.Lock()
		s.conversationID = convID
		s.mu.Unlock()
	}

	// Step 2.
	s.mu.Lock()
	s.state = StateProcessing
	s.sttEndTime = time.Now()
	s.mu.Unlock()
	s.emit(SessionProcessing, nil)

	// Step 3.
	myEpoch := s.speakEpoch.Add(1)
	s.mu.Lock()
	s.interruptLatched = false
	s.state = StateSpeaking
	s.llmStartTime = time.Now()
	s.mu.Unlock()
	s.emit(SessionSpeaking, nil)

	input := []InputItem{{Role: "user", Content: transcript}}
	if s.config.SystemPrompt != "" && needsConversation {
		input = append([]InputItem{{Role: "system", Content: s.config.SystemPrompt}}, input...)
	}

	s.driveLLMAndTTS(ctx, myEpoch, input)
}

// driveLLMAndTTS implements steps 4-7: open TTS, stream the LLM reply
// sentence-by-sentence into it (handling tool-call continuations), then
// drain and close.
func (s *VoiceSession) driveLLMAndTTS(ctx context.Context, myEpoch uint64, input []InputItem) {
	ttsStream, err := s.tts.Open(ctx, s.config.VoiceStyle, s.config.Language)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("tts open failed", "sessionID", s.id, "error", err)
			s.emit(SessionError, err)
		}
		return
	}

	s.mu.Lock()
	s.ttsStartTime = time.Now()
	s.mu.Unlock()

	audioDone := make(chan struct{})
	go s.forwardTTSAudio(ttsStream, myEpoch, audioDone)

	var sentenceBuf strings.Builder
	flush := func() {
		text := sentenceBuf.String()
		sentenceBuf.Reset()
		if strings.TrimSpace(text) == "" {
			return
		}
		if err := ttsStream.SendText(stripMarkdown(text)); err != nil {
			s.logger.Warn("tts send_text failed", "sessionID", s.id, "error", err)
			return
		}
		if err := ttsStream.Flush(); err != nil {
			s.logger.Warn("tts flush failed", "sessionID", s.id, "error", err)
		}
	}

	conversationID := s.ConversationID()
	toolDefs := s.tools.Definitions()

	for {
		events, err := s.llm.StreamComplete(ctx, input, conversationID, toolDefs)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error("llm stream_complete failed", "sessionID", s.id, "error", err)
				s.emit(SessionError, err)
			}
			_ = ttsStream.Abort()
			<-audioDone
			return
		}

		var toolCalls []*ToolCall
		streamErr := false

	drain:
		for {
			select {
			case <-ctx.Done():
				_ = ttsStream.Abort()
				<-audioDone
				return
			case ev, ok := <-events:
				if !ok {
					break drain
				}
				if ev.Err != nil {
					s.logger.Warn("llm stream error", "sessionID", s.id, "error", ev.Err)
					streamErr = true
					break drain
				}
				if ev.ToolCall != nil {
					toolCalls = append(toolCalls, ev.ToolCall)
					continue
				}
				if ev.Delta != "" {
					sentenceBuf.WriteString(ev.Delta)
					if sentenceBoundary.MatchString(sentenceBuf.String()) {
						flush()
					}
				}
				if ev.Done {
					break drain
				}
			}
		}

		if streamErr {
			break
		}

		if len(toolCalls) == 0 {
			break
		}

		// Execute every tool call the model requested and continue the
		// stream with function_call_output items, per spec §4.7.3.
		continuation := make([]InputItem, 0, len(toolCalls)*2)
		for _, tc := range toolCalls {
			continuation = append(continuation, InputItem{
				Type:      "function_call",
				CallID:    tc.CallID,
				Name:      tc.Name,
				Arguments: tc.Arguments,
			})
		}
		for _, tc := range toolCalls {
			s.emit(SessionToolCall, tc.Name)
			s.metrics.IncCounter("tool_call")
			output, err := s.tools.Call(ctx, tc.Name, tc.Arguments)
			if err != nil {
				s.logger.Warn("tool call rejected", "sessionID", s.id, "tool", tc.Name, "error", err)
				output = []byte(`{"error":"tool not available"}`)
			}
			continuation = append(continuation, InputItem{
				Type:   "function_call_output",
				CallID: tc.CallID,
				Output: output,
			})
		}
		input = continuation
	}

	s.mu.Lock()
	s.llmEndTime = time.Now()
	s.mu.Unlock()

	// Step 6: flush whatever remains in the sentence buffer.
	flush()

	// Step 7: close and await drain.
	if err := ttsStream.Close(); err != nil {
		s.logger.Warn("tts close failed", "sessionID", s.id, "error", err)
	}
	<-audioDone

	s.mu.Lock()
	s.ttsEndTime = time.Now()
	s.mu.Unlock()
}

// forwardTTSAudio is the per-reply "TTS reader loop" child task: it drains
// ttsStream's audio channel and forwards every frame whose epoch still
// matches the session's current speak-epoch to the bridge. Frames tagged
// with a stale epoch are dropped unconditionally — this is the mechanism
// that guarantees no audio from a cancelled reply is ever played.
func (s *VoiceSession) forwardTTSAudio(stream TTSStream, myEpoch uint64, done chan struct{}) {
	defer close(done)
	first := true
	for ev := range stream.Audio() {
		if ev.Err != nil {
			s.logger.Warn("tts stream error", "sessionID", s.id, "error", ev.Err)
			continue
		}
		if ev.Done {
			return
		}
		if s.speakEpoch.Load() != myEpoch {
			continue
		}
		if first {
			s.mu.Lock()
			s.ttsFirstChunkTime = time.Now()
			s.mu.Unlock()
			first = false
		}
		if err := s.bridge.SendAudio(ev.PCM); err != nil {
			s.logger.Warn("bridge send audio failed", "sessionID", s.id, "error", err)
			return
		}
	}
}

func (s *VoiceSession) emit(eventType EventType, data interface{}) {
	select {
	case <-s.ctx.Done():
		return
	default:
	}
	select {
	case s.events <- SessionEvent{Type: eventType, SessionID: s.id, Data: data}:
	default:
	}
}

// LatencyBreakdown reports per-stage timings (all in milliseconds) for the
// most recently completed turn.
type LatencyBreakdown struct {
	STT int64
	LLM int64
	TTSFirstByte int64
	TTSTotal     int64
}

// GetLatencyBreakdown returns measured timings for the last turn's LLM/TTS
// stages, grounded on the teacher's ManagedStream.GetLatencyBreakdown. STT
// is always 0: the session records no STT start time.
func (s *VoiceSession) GetLatencyBreakdown() LatencyBreakdown {
	s.mu.Lock()
	defer s.mu.Unlock()

	var bd LatencyBreakdown
	if !s.sttStartTime.IsZero() && !s.sttEndTime.IsZero() {
		bd.STT = s.sttEndTime.Sub(s.sttStartTime).Milliseconds()
	}
	if !s.llmStartTime.IsZero() && !s.llmEndTime.IsZero() {
		bd.LLM = s.llmEndTime.Sub(s.llmStartTime).Milliseconds()
	}
	if !s.ttsStartTime.IsZero() && !s.ttsFirstChunkTime.IsZero() {
		bd.TTSFirstByte = s.ttsFirstChunkTime.Sub(s.ttsStartTime).Milliseconds()
	}
	if !s.ttsStartTime.IsZero() && !s.ttsEndTime.IsZero() {
		bd.TTSTotal = s.ttsEndTime.Sub(s.ttsStartTime).Milliseconds()
	}
	return bd
}

// Close tears the session down: cancels any in-flight turn, closes the STT
// stream, and releases all handles. Idempotent.
func (s *VoiceSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		turnCancel := s.turnCancel
		turnDone := s.turnDone
		s.state = StateTerminal
		s.mu.Unlock()

		if turnCancel != nil {
			turnCancel()
			if turnDone != nil {
				<-turnDone
			}
		}

		err = s.stt.Close()
		select {
		case s.events <- SessionEvent{Type: SessionClosed, SessionID: s.id}:
		default:
		}
		s.cancel()
		close(s.events)
	})
	return err
}
