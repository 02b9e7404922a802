package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/lokutor-ai/lokutor-telephony-agent/pkg/orchestrator"
	llmProvider "github.com/lokutor-ai/lokutor-telephony-agent/pkg/providers/llm"
	sttProvider "github.com/lokutor-ai/lokutor-telephony-agent/pkg/providers/stt"
	ttsProvider "github.com/lokutor-ai/lokutor-telephony-agent/pkg/providers/tts"
	"github.com/lokutor-ai/lokutor-telephony-agent/pkg/telephony"
)

const serviceName = "lokutor-telephony-agent"

func main() {
	if err := godotenv.Load(); err != nil {
		zerolog.New(os.Stdout).With().Timestamp().Logger().
			Info().Msg("no .env file found, using system environment variables")
	}

	zl := zerolog.New(os.Stdout).With().Timestamp().Str("service", serviceName).Logger()
	if os.Getenv("LOG_LEVEL") == "debug" {
		zl = zl.Level(zerolog.DebugLevel)
	}
	logger := &zerologAdapter{zl: zl}

	registry, provFetchErr := prometheus.New()
	if provFetchErr != nil {
		zl.Fatal().Err(provFetchErr).Msg("failed to build prometheus exporter")
	}
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(registry))
	metrics, err := orchestrator.NewOtelMetrics(meterProvider)
	if err != nil {
		zl.Fatal().Err(err).Msg("failed to build metrics instruments")
	}

	stt, llm, tts, providerNames := buildProviders(&zl)

	tools := orchestrator.NewToolRegistry()
	orchestrator.RegisterReservationTools(tools)

	config := orchestrator.DefaultConfig()
	if prompt := os.Getenv("SYSTEM_PROMPT"); prompt != "" {
		config.SystemPrompt = prompt
	} else {
		config.SystemPrompt = "You are a helpful and concise hotel reservations voice assistant. " +
			"Use short sentences suitable for speech."
	}
	if lang := os.Getenv("AGENT_LANGUAGE"); lang != "" {
		config.Language = orchestrator.Language(lang)
	}

	orch := orchestrator.New(stt, llm, tts, tools, config, logger, metrics)

	mux := http.NewServeMux()
	mux.HandleFunc(config.WebhookPath, telephony.TwiMLHandler(config.WebSocketPath))
	mux.HandleFunc(config.WebSocketPath, telephony.MediaStreamHandler(
		func(ctx context.Context, callID string, bridge orchestrator.Bridge) *orchestrator.VoiceSession {
			return orch.NewSession(ctx, callID, bridge)
		},
		logger,
	))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"service":"` + serviceName + `","stt":"` + providerNames["stt"] +
			`","llm":"` + providerNames["llm"] + `","tts":"` + providerNames["tts"] + `"}`))
	})

	addr := ":" + envOrDefault("PORT", "8080")
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zl.Info().Str("addr", addr).
			Str("stt", providerNames["stt"]).Str("llm", providerNames["llm"]).Str("tts", providerNames["tts"]).
			Msg("telephony agent listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zl.Fatal().Err(err).Msg("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	zl.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		zl.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// buildProviders selects STT/LLM/TTS implementations from STT_PROVIDER/
// LLM_PROVIDER/TTS_PROVIDER.
func buildProviders(zl *zerolog.Logger) (orchestrator.StreamingSTTProvider, orchestrator.LLMProvider, orchestrator.TTSProvider, map[string]string) {
	groqKey := os.Getenv("GROQ_API_KEY")
	openaiKey := os.Getenv("OPENAI_API_KEY")
	anthropicKey := os.Getenv("ANTHROPIC_API_KEY")
	googleKey := os.Getenv("GOOGLE_API_KEY")
	deepgramKey := os.Getenv("DEEPGRAM_API_KEY")
	lokutorKey := os.Getenv("LOKUTOR_API_KEY")

	sttName := envOrDefault("STT_PROVIDER", "deepgram")
	llmName := envOrDefault("LLM_PROVIDER", "groq")
	ttsName := envOrDefault("TTS_PROVIDER", "lokutor")

	var stt orchestrator.StreamingSTTProvider
	switch sttName {
	case "deepgram":
		if deepgramKey == "" {
			zl.Fatal().Msg("DEEPGRAM_API_KEY must be set for deepgram STT")
		}
		stt = sttProvider.NewDeepgramStreamingSTT(deepgramKey)
	default:
		zl.Fatal().Str("provider", sttName).Msg("unknown STT_PROVIDER for the streaming telephony path")
	}

	var llm orchestrator.LLMProvider
	switch llmName {
	case "openai":
		if openaiKey == "" {
			zl.Fatal().Msg("OPENAI_API_KEY must be set for openai LLM")
		}
		llm = llmProvider.NewOpenAILLM(openaiKey, envOrDefault("OPENAI_MODEL", "gpt-5-nano"))
	case "anthropic":
		if anthropicKey == "" {
			zl.Fatal().Msg("ANTHROPIC_API_KEY must be set for anthropic LLM")
		}
		llm = llmProvider.NewAnthropicLLM(anthropicKey, envOrDefault("ANTHROPIC_MODEL", "claude-3-5-sonnet-20241022"))
	case "google":
		if googleKey == "" {
			zl.Fatal().Msg("GOOGLE_API_KEY must be set for google LLM")
		}
		llm = llmProvider.NewGoogleLLM(googleKey, envOrDefault("GOOGLE_MODEL", "gemini-1.5-flash"))
	case "groq":
		fallthrough
	default:
		if groqKey == "" {
			zl.Fatal().Msg("GROQ_API_KEY must be set for groq LLM")
		}
		llm = llmProvider.NewGroqLLM(groqKey, envOrDefault("GROQ_MODEL", "llama3-70b-8192"))
	}

	var tts orchestrator.TTSProvider
	switch ttsName {
	case "deepgram":
		if deepgramKey == "" {
			zl.Fatal().Msg("DEEPGRAM_API_KEY must be set for deepgram TTS")
		}
		tts = ttsProvider.NewDeepgramTTS(deepgramKey)
	case "lokutor":
		fallthrough
	default:
		if lokutorKey == "" {
			zl.Fatal().Msg("LOKUTOR_API_KEY must be set for lokutor TTS")
		}
		tts = ttsProvider.NewLokutorTTS(lokutorKey)
	}

	return stt, llm, tts, map[string]string{"stt": stt.Name(), "llm": llm.Name(), "tts": tts.Name()}
}
