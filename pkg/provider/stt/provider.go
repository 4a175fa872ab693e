// Package stt defines the provider abstraction for Speech-to-Text backends.
//
// An STT provider wraps a third-party transcription service (e.g., Deepgram,
// ElevenLabs, or OpenAI Whisper) and exposes a uniform interface. Two call
// shapes exist:
//
//   - batch: [Provider.Transcribe] sends one finite audio payload and
//     returns a single [Result]. Providers that can fetch audio from a URL
//     additionally implement [URLTranscriber], which the router uses for
//     large payloads staged through object storage.
//   - streaming: providers that support live transcription implement
//     [Streamer]; a [SessionHandle] accepts raw audio frames and emits
//     partial and final [Transcript] values.
//
// Implementations must be safe for concurrent use and must report failures
// as [*Error] so callers can distinguish retryable, edge-blocked, and fatal
// conditions.
package stt

import (
	"context"
	"io"
	"time"
)

// Request describes one batch transcription call.
type Request struct {
	// Audio is the payload stream. Providers whose protocol requires the
	// whole payload in memory (multipart upload) may buffer it; providers
	// that accept a raw body must pipe it through without buffering.
	Audio io.Reader

	// ContentType is the MIME type of the payload (audio/*).
	ContentType string

	// ContentLength is the payload size in bytes, as declared by the client.
	ContentLength int64

	// Language is an optional ISO 639-1 recognition hint (e.g., "en", "de").
	// Providers translate it into their native code set as needed.
	Language string

	// Keywords is an optional list of vocabulary hints. Hint encodings are
	// not interchangeable across providers; each adapter translates them.
	Keywords []string

	// Prompt is an optional initial prompt for providers that accept one
	// (Whisper-style biasing text). Providers without an equivalent ignore it.
	Prompt string
}

// Result is a normalized transcription outcome shared by all adapters.
// Cost and fallback attribution (CostUSD, FallbackFrom) are filled in by
// the router, not by the provider adapters.
type Result struct {
	// Text is the transcript. Empty text is normalized by the router into a
	// "no speech detected" result, never treated as an error.
	Text string

	// Language is the detected or confirmed language code, when reported.
	Language string

	// DurationSeconds is the billable audio duration measured by the
	// provider. Zero for no-speech results.
	DurationSeconds float64

	// Provider names the adapter that produced this result.
	Provider string

	// FallbackFrom records the provider that originally attempted the work
	// when this result was produced by a fallback hop. Empty otherwise.
	FallbackFrom string

	// NoSpeech marks a syntactically valid provider response whose
	// transcript was empty. Billed as exactly zero.
	NoSpeech bool

	// CostUSD is the measured cost of the call at the provider's rate.
	CostUSD float64
}

// Provider is the abstraction over any batch STT backend.
type Provider interface {
	// Name returns the stable provider name used in configuration, response
	// metadata, and the pricing tables.
	Name() string

	// Transcribe sends the audio payload to the provider and blocks until a
	// result or error is available. Failures are reported as [*Error].
	Transcribe(ctx context.Context, req Request) (Result, error)
}

// URLTranscriber is implemented by providers whose API can fetch the audio
// from a caller-supplied URL instead of receiving the bytes directly. The
// router stages large payloads through object storage and hands such
// providers a short-lived presigned URL.
type URLTranscriber interface {
	// TranscribeURL behaves like [Provider.Transcribe] but passes audioURL
	// to the provider instead of streaming req.Audio. req.Audio is ignored.
	TranscribeURL(ctx context.Context, audioURL string, req Request) (Result, error)
}

// StreamConfig describes the audio format and recognition hints for a live
// transcription session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz (e.g., 16000).
	SampleRate int

	// Channels is the number of audio channels; 1 = mono.
	Channels int

	// Language is an optional ISO 639-1 recognition hint.
	Language string

	// Keywords is an optional list of vocabulary hints.
	Keywords []string
}

// Transcript is one streaming recognition event.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates an authoritative (vs interim) result.
	IsFinal bool

	// SpeechFinal indicates the provider detected the end of an utterance.
	SpeechFinal bool

	// Confidence is the provider's confidence score (0.0–1.0), when reported.
	Confidence float64

	// Duration is the length of the recognized utterance.
	Duration time.Duration
}

// SessionHandle represents an open streaming transcription session.
//
// Callers must call Close when the session is no longer needed; failing to
// do so may leak goroutines and network connections inside the provider
// implementation. All methods are safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw audio bytes to the provider.
	// Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Transcripts returns a read-only channel emitting recognition events,
	// both interim and final. The channel is closed when the session ends.
	Transcripts() <-chan Transcript

	// Close terminates the session, flushes pending audio, and releases all
	// resources. Calling Close more than once is safe and returns nil.
	Close() error
}

// Streamer is implemented by providers that support live duplex sessions.
type Streamer interface {
	// StartStream opens a streaming transcription session. The caller owns
	// the returned handle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
