// Package transport defines the audio transport capability consumed by the
// conversation engine.
//
// A transport is the concrete medium that carries audio to and from the
// human: local devices (microphone and speaker) or a WebRTC room. The engine
// depends only on this interface; the implementations live in
// pkg/audio/local and pkg/audio/room.
package transport

import (
	"context"

	"github.com/x85446/voicemode/pkg/audio"
)

// Kind names a transport selection in a converse request.
type Kind string

const (
	KindLocal Kind = "local"
	KindRoom  Kind = "room"
	KindAuto  Kind = "auto"
)

// IsValid reports whether k is a recognised transport selection.
func (k Kind) IsValid() bool {
	switch k {
	case KindLocal, KindRoom, KindAuto:
		return true
	}
	return false
}

// Capture is an open recording stream.
type Capture interface {
	// Frames emits PCM frames until Stop is called, the stream's context is
	// cancelled, or the device fails. The channel is then closed.
	Frames() <-chan audio.Frame

	// Stop ends the capture. Idempotent. After Stop returns, Frames will be
	// closed once buffered frames drain.
	Stop()

	// Err reports why the stream ended early. Valid after Frames is closed;
	// nil means a clean Stop.
	Err() error
}

// Transport carries audio between the engine and the human.
type Transport interface {
	// Name returns the transport kind, "local" or "room".
	Name() Kind

	// Play renders the frame stream and blocks until the final frame has
	// been heard or ctx is cancelled. The caller closes frames to signal the
	// end of the stream.
	Play(ctx context.Context, frames <-chan audio.Frame) error

	// Record opens a capture stream. The engine owns the returned Capture
	// and must call Stop.
	Record(ctx context.Context) (Capture, error)

	// Live reports whether the transport currently has an active session
	// (a joined room, or usable local devices). Used by the "auto"
	// selection policy.
	Live() bool

	// Close releases the transport's resources.
	Close() error
}
