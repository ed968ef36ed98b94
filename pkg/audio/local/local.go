// Package local implements the transport.Transport interface over the host's
// default microphone and speaker.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/x85446/voicemode/pkg/audio"
	"github.com/x85446/voicemode/pkg/audio/device"
	"github.com/x85446/voicemode/pkg/transport"
)

// Transport plays through the default output device and records from the
// default input device, both at the canonical pipeline format.
type Transport struct {
	devices *device.Manager
	logger  *slog.Logger
}

// New creates a local transport on top of an initialized device manager.
func New(devices *device.Manager, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{devices: devices, logger: logger}
}

func (t *Transport) Name() transport.Kind { return transport.KindLocal }

// Play opens the speaker, renders every frame, and blocks until the device
// has drained. Cancelling ctx abandons playback immediately.
func (t *Transport) Play(ctx context.Context, frames <-chan audio.Frame) error {
	pb, err := t.devices.OpenPlayback(audio.CanonicalRate, audio.CanonicalChannels)
	if err != nil {
		return fmt.Errorf("local: open playback: %w", err)
	}
	defer pb.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				if err := pb.Drain(); err != nil {
					return fmt.Errorf("local: drain: %w", err)
				}
				return nil
			}
			if err := pb.WriteFrame(f); err != nil {
				return fmt.Errorf("local: play frame: %w", err)
			}
		}
	}
}

// Record opens the microphone and streams frames until Stop or ctx
// cancellation.
func (t *Transport) Record(ctx context.Context) (transport.Capture, error) {
	mic, err := t.devices.OpenCapture(audio.CanonicalRate, audio.CanonicalChannels)
	if err != nil {
		return nil, fmt.Errorf("local: open capture: %w", err)
	}

	c := &capture{
		frames: make(chan audio.Frame, 8),
		stop:   make(chan struct{}),
	}
	go func() {
		defer close(c.frames)
		defer func() {
			if err := mic.Close(); err != nil {
				t.logger.Warn("local: closing microphone", "err", err)
			}
		}()
		for {
			select {
			case <-ctx.Done():
				c.setErr(ctx.Err())
				return
			case <-c.stop:
				return
			default:
			}
			f, err := mic.ReadFrame()
			if err != nil {
				c.setErr(err)
				return
			}
			select {
			case c.frames <- f:
			case <-ctx.Done():
				c.setErr(ctx.Err())
				return
			case <-c.stop:
				return
			}
		}
	}()
	return c, nil
}

// Live reports whether both a usable input and output device exist.
func (t *Transport) Live() bool {
	devs, err := t.devices.Devices()
	if err != nil {
		return false
	}
	var in, out bool
	for _, d := range devs {
		in = in || d.MaxInputChannels > 0
		out = out || d.MaxOutputChannels > 0
	}
	return in && out
}

// Close releases nothing; the device manager is owned by the caller.
func (t *Transport) Close() error { return nil }

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

var _ transport.Transport = (*Transport)(nil)
