// Package mock provides a test double for the transport.Transport interface.
//
// Use Transport to script the audio a "user" speaks back and to inspect what
// the engine played.
package mock

import (
	"context"
	"sync"

	"github.com/x85446/voicemode/pkg/audio"
	"github.com/x85446/voicemode/pkg/transport"
)

// Transport is a mock implementation of transport.Transport.
type Transport struct {
	mu sync.Mutex

	// Kind is returned by Name. Defaults to "local" when empty.
	Kind transport.Kind

	// LiveResult is returned by Live.
	LiveResult bool

	// PlayErr, if non-nil, is returned by Play after draining the stream.
	PlayErr error

	// RecordErr, if non-nil, is returned by Record instead of a capture.
	RecordErr error

	// RecordFrames is the scripted sequence of frames each capture emits
	// before waiting for Stop.
	RecordFrames []audio.Frame

	// CaptureErr, if non-nil, is reported by the capture's Err method after
	// RecordFrames have been delivered.
	CaptureErr error

	// PadSilence, when true, makes captures emit canonical silent frames
	// after the scripted ones instead of idling, the way a real microphone
	// keeps delivering room noise. Frames are emitted without wall-clock
	// pacing; consumers that measure frame time rather than real time see
	// the same behaviour either way.
	PadSilence bool

	// Played collects every frame passed to Play, in order.
	Played []audio.Frame

	// PlayCalls counts calls to Play.
	PlayCalls int

	// RecordCalls counts calls to Record.
	RecordCalls int
}

func (t *Transport) Name() transport.Kind {
	if t.Kind == "" {
		return transport.KindLocal
	}
	return t.Kind
}

// Play drains the stream into Played, honouring ctx.
func (t *Transport) Play(ctx context.Context, frames <-chan audio.Frame) error {
	t.mu.Lock()
	t.PlayCalls++
	t.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				t.mu.Lock()
				err := t.PlayErr
				t.mu.Unlock()
				return err
			}
			t.mu.Lock()
			t.Played = append(t.Played, f)
			t.mu.Unlock()
		}
	}
}

// Record returns a capture that emits RecordFrames then idles until Stop.
func (t *Transport) Record(ctx context.Context) (transport.Capture, error) {
	t.mu.Lock()
	t.RecordCalls++
	if t.RecordErr != nil {
		err := t.RecordErr
		t.mu.Unlock()
		return nil, err
	}
	scripted := make([]audio.Frame, len(t.RecordFrames))
	copy(scripted, t.RecordFrames)
	capErr := t.CaptureErr
	pad := t.PadSilence
	t.mu.Unlock()

	c := &capture{
		frames: make(chan audio.Frame),
		stop:   make(chan struct{}),
		err:    capErr,
	}
	go func() {
		defer close(c.frames)
		for _, f := range scripted {
			select {
			case <-ctx.Done():
				c.setErr(ctx.Err())
				return
			case <-c.stop:
				return
			case c.frames <- f:
			}
		}
		if pad {
			silent := audio.Frame{
				Data:     make([]byte, audio.FrameBytes(audio.FrameMs, audio.CanonicalRate, audio.CanonicalChannels)),
				Rate:     audio.CanonicalRate,
				Channels: audio.CanonicalChannels,
			}
			for {
				select {
				case <-ctx.Done():
					c.setErr(ctx.Err())
					return
				case <-c.stop:
					return
				case c.frames <- silent:
				}
			}
		}
		// Scripted audio exhausted; wait for the engine to stop us.
		select {
		case <-ctx.Done():
			c.setErr(ctx.Err())
		case <-c.stop:
		}
	}()
	return c, nil
}

func (t *Transport) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.LiveResult
}

func (t *Transport) Close() error { return nil }

// PlayedDuration sums the duration of all played frames.
func (t *Transport) PlayedDuration() (d int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, f := range t.Played {
		d += int64(f.Duration())
	}
	return d
}

type capture struct {
	frames   chan audio.Frame
	stop     chan struct{}
	stopOnce sync.Once

	mu  sync.Mutex
	err error
}

func (c *capture) Frames() <-chan audio.Frame { return c.frames }

func (c *capture) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *capture) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *capture) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// Ensure the mocks implement the interfaces at compile time.
var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Capture   = (*capture)(nil)
)
