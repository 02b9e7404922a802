package orchestrator

import (
	"context"
	"sync"
)

// Orchestrator is the process-wide factory that binds one set of
// STT/LLM/TTS providers and a tool registry to a shared config, and mints a
// VoiceSession per inbound call. It holds no per-call state itself.
type Orchestrator struct {
	stt     StreamingSTTProvider
	llm     LLMProvider
	tts     TTSProvider
	tools   *ToolRegistry
	logger  Logger
	metrics Metrics

	mu     sync.RWMutex
	config Config
}

// New builds an Orchestrator from a fully-specified provider set. Pass nil
// for logger/metrics to use the no-op defaults.
func New(stt StreamingSTTProvider, llm LLMProvider, tts TTSProvider, tools *ToolRegistry, config Config, logger Logger, metrics Metrics) *Orchestrator {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = NoOpMetrics{}
	}
	if tools == nil {
		tools = NewToolRegistry()
	}
	return &Orchestrator{
		stt:     stt,
		llm:     llm,
		tts:     tts,
		tools:   tools,
		logger:  logger,
		metrics: metrics,
		config:  config,
	}
}

// UpdateConfig replaces the config used for sessions created from this
// point forward. Sessions already running keep the config copy they were
// created with.
func (o *Orchestrator) UpdateConfig(cfg Config) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.config = cfg
}

// GetConfig returns the orchestrator's current config.
func (o *Orchestrator) GetConfig() Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.config
}

// GetProviders reports the active provider names, for health/diagnostics
// endpoints.
func (o *Orchestrator) GetProviders() map[string]string {
	return map[string]string{
		"stt": o.stt.Name(),
		"llm": o.llm.Name(),
		"tts": o.tts.Name(),
	}
}

// NewSession mints a VoiceSession for one inbound call, bound to bridge.
// Call Start on the returned session once the telephony bridge has
// received its "start" envelope.
func (o *Orchestrator) NewSession(ctx context.Context, callID string, bridge Bridge) *VoiceSession {
	return NewVoiceSession(ctx, callID, o.GetConfig(), o.stt, o.llm, o.tts, o.tools, bridge, o.logger, o.metrics)
}
