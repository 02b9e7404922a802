package orchestrator

import "errors"

var (
	// ErrEmptyTranscription is returned when STT produces no usable text.
	ErrEmptyTranscription = errors.New("transcription returned empty text")

	// ErrNilProvider is returned when a required provider was not configured.
	ErrNilProvider = errors.New("required provider is nil")

	// ErrContextCancelled marks cooperative cancellation — never logged as
	// a failure, per the error taxonomy's cancellation category.
	ErrContextCancelled = errors.New("operation cancelled by context")

	// ErrSessionClosed is returned by session methods called after teardown.
	ErrSessionClosed = errors.New("voice session is closed")

	// ErrToolNotRegistered is returned when the LLM requests a tool name
	// absent from the registry.
	ErrToolNotRegistered = errors.New("tool not registered")

	// ErrUnexpectedFirstMessage describes a telephony stream whose first
	// inbound message is not a "start" envelope. telephony.MediaStreamHandler
	// does not return it: envelopes that arrive before "start" are skipped.
	ErrUnexpectedFirstMessage = errors.New("expected start envelope as first message")
)
