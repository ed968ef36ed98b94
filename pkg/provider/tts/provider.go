// Package tts defines the Synthesizer interface for Text-to-Speech backends.
//
// A synthesizer wraps an OpenAI-compatible speech endpoint (the hosted OpenAI
// API, a local Kokoro server, or anything else speaking the same shape) and
// presents a uniform streaming interface. Synthesize returns compressed audio
// chunks as they arrive from the endpoint, so playback can begin before the
// full response body is downloaded.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Request describes one synthesis call.
type Request struct {
	// Text is the message to speak, after pronunciation rules have been
	// applied.
	Text string

	// Voice is the provider voice name (e.g. "nova", "af_sky").
	Voice string

	// Model is the provider model name (e.g. "tts-1").
	Model string

	// Format is the wire audio format to request: "opus", "mp3" or "wav".
	Format string
}

// Stream is a live synthesis response. The caller must drain Chunks and then
// check Err; an early close with a non-nil Err means the stream failed
// mid-flight.
type Stream interface {
	// Chunks emits compressed audio in the requested Format as it arrives.
	// The channel is closed when the response body is exhausted, the stream
	// fails, or the context passed to Synthesize is cancelled.
	Chunks() <-chan []byte

	// Err reports why the stream ended. Valid only after Chunks is closed;
	// nil means the full response was delivered.
	Err() error

	// Close abandons the stream and releases the underlying connection.
	// Safe to call more than once.
	Close() error
}

// Synthesizer is the abstraction over any TTS backend.
type Synthesizer interface {
	// Synthesize issues a speech request. A non-nil error means the request
	// could not be started (connect error, non-2xx status, cancelled ctx);
	// errors after the first byte surface through Stream.Err.
	Synthesize(ctx context.Context, req Request) (Stream, error)

	// Probe issues the cheapest request that proves the endpoint is alive,
	// discarding any audio produced. Used by registry health refreshes.
	Probe(ctx context.Context) error
}
