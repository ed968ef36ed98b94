// Package stt defines the Transcriber interface for Speech-to-Text backends.
//
// A transcriber wraps an OpenAI-compatible transcription endpoint (the hosted
// OpenAI API or a local Whisper server) behind a single batch call: captured
// audio goes in as a compressed file, a transcript comes back. The engine
// records a complete utterance before transcribing, so no streaming session
// abstraction is needed here.
//
// Implementations must be safe for concurrent use.
package stt

import "context"

// Request describes one transcription call.
type Request struct {
	// Audio is the complete captured recording, compressed in Format.
	Audio []byte

	// Format is the wire format of Audio: "opus", "mp3" or "wav".
	Format string

	// Model is the provider model name (e.g. "whisper-1").
	Model string

	// Language is an optional ISO 639-1 hint; empty lets the provider
	// auto-detect.
	Language string
}

// Segment is one time-aligned span of the transcript, when the provider
// returns verbose output.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Result is a completed transcription.
type Result struct {
	// Text is the full transcript, before post-STT pronunciation rules.
	Text string

	// Segments is populated only when the provider returned them.
	Segments []Segment
}

// Transcriber is the abstraction over any STT backend.
type Transcriber interface {
	// Transcribe submits the recording and blocks until the transcript is
	// ready or ctx is cancelled.
	Transcribe(ctx context.Context, req Request) (Result, error)

	// Probe issues the cheapest request that proves the endpoint is alive.
	// A well-formed API rejection (e.g. of empty audio) counts as alive;
	// only transport-level failures count against the endpoint.
	Probe(ctx context.Context) error
}
