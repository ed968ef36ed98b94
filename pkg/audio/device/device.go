// Package device wraps PortAudio behind a Manager that owns library
// lifetime, device enumeration, and stream acquisition.
//
// At most one capture and one playback stream may be open at a time;
// overlapping acquisition is a protocol error surfaced as [ErrStreamBusy].
// Device topology is fingerprinted so callers can detect hot-plug changes
// between conversations.
package device

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/x85446/voicemode/pkg/audio"
)

var (
	// ErrDeviceChanged indicates the audio device disappeared or failed
	// mid-operation.
	ErrDeviceChanged = errors.New("device: audio device changed")

	// ErrStreamBusy indicates a capture or playback stream is already open.
	ErrStreamBusy = errors.New("device: stream already open")

	// ErrNoDevice indicates no usable input or output device exists.
	ErrNoDevice = errors.New("device: no usable device")
)

// Info describes one audio device.
type Info struct {
	ID                int
	Name              string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
	DefaultInput      bool
	DefaultOutput     bool
}

// Manager owns the PortAudio library instance. Create one per process with
// [NewManager] and Close it on shutdown.
type Manager struct {
	mu           sync.Mutex
	closed       bool
	captureOpen  bool
	playbackOpen bool
	fingerprint  string
}

// NewManager initializes PortAudio and snapshots the device topology.
func NewManager() (*Manager, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("device: initialize portaudio: %w", err)
	}
	m := &Manager{}
	fp, err := fingerprint()
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}
	m.fingerprint = fp
	return m, nil
}

// Close terminates PortAudio. Open streams must be closed first.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("device: terminate portaudio: %w", err)
	}
	return nil
}

// Devices returns a snapshot of the current device list.
func (m *Manager) Devices() ([]Info, error) {
	devs, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("device: enumerate: %w", err)
	}
	defIn, _ := portaudio.DefaultInputDevice()
	defOut, _ := portaudio.DefaultOutputDevice()

	infos := make([]Info, 0, len(devs))
	for i, d := range devs {
		infos = append(infos, Info{
			ID:                i,
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			MaxOutputChannels: d.MaxOutputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
			DefaultInput:      defIn != nil && d == defIn,
			DefaultOutput:     defOut != nil && d == defOut,
		})
	}
	return infos, nil
}

// Refresh re-scans the device topology and reports whether it changed since
// the last snapshot. PortAudio only picks up hot-plugged devices across a
// terminate/initialize cycle, so Refresh fails with [ErrStreamBusy] while any
// stream is open.
func (m *Manager) Refresh() (changed bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.captureOpen || m.playbackOpen {
		return false, ErrStreamBusy
	}
	if err := portaudio.Terminate(); err != nil {
		return false, fmt.Errorf("device: terminate for refresh: %w", err)
	}
	if err := portaudio.Initialize(); err != nil {
		return false, fmt.Errorf("device: reinitialize: %w", err)
	}
	fp, err := fingerprint()
	if err != nil {
		return false, err
	}
	changed = fp != m.fingerprint
	m.fingerprint = fp
	return changed, nil
}

// fingerprint joins device names and channel counts into a comparable string.
func fingerprint() (string, error) {
	devs, err := portaudio.Devices()
	if err != nil {
		return "", fmt.Errorf("device: enumerate: %w", err)
	}
	var sb strings.Builder
	for _, d := range devs {
		fmt.Fprintf(&sb, "%s/%d/%d;", d.Name, d.MaxInputChannels, d.MaxOutputChannels)
	}
	return sb.String(), nil
}

// OpenCapture opens the default input device at the given format. The
// returned Capture delivers frames of [audio.FrameMs] milliseconds.
func (m *Manager) OpenCapture(rate, channels int) (*Capture, error) {
	m.mu.Lock()
	if m.captureOpen {
		m.mu.Unlock()
		return nil, ErrStreamBusy
	}
	m.captureOpen = true
	m.mu.Unlock()

	frameSamples := rate * audio.FrameMs / 1000 * channels
	buf := make([]int16, frameSamples)
	stream, err := portaudio.OpenDefaultStream(channels, 0, float64(rate), frameSamples/channels, buf)
	if err != nil {
		m.release(&m.captureOpen)
		return nil, fmt.Errorf("device: open capture stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		m.release(&m.captureOpen)
		return nil, fmt.Errorf("device: start capture stream: %w", err)
	}
	return &Capture{m: m, stream: stream, buf: buf, rate: rate, channels: channels}, nil
}

// OpenPlayback opens the default output device at the given format.
func (m *Manager) OpenPlayback(rate, channels int) (*Playback, error) {
	m.mu.Lock()
	if m.playbackOpen {
		m.mu.Unlock()
		return nil, ErrStreamBusy
	}
	m.playbackOpen = true
	m.mu.Unlock()

	frameSamples := rate * audio.FrameMs / 1000 * channels
	buf := make([]int16, frameSamples)
	stream, err := portaudio.OpenDefaultStream(0, channels, float64(rate), frameSamples/channels, buf)
	if err != nil {
		m.release(&m.playbackOpen)
		return nil, fmt.Errorf("device: open playback stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		m.release(&m.playbackOpen)
		return nil, fmt.Errorf("device: start playback stream: %w", err)
	}
	return &Playback{
		m:      m,
		stream: stream,
		buf:    buf,
		conv:   &audio.Converter{Rate: rate, Channels: channels},
	}, nil
}

func (m *Manager) release(flag *bool) {
	m.mu.Lock()
	*flag = false
	m.mu.Unlock()
}

// Capture is an open microphone stream.
type Capture struct {
	m        *Manager
	stream   *portaudio.Stream
	buf      []int16
	rate     int
	channels int
	elapsed  time.Duration
	closed   bool
}

// ReadFrame blocks until the next frame of microphone audio is available.
// Stream failures are reported as [ErrDeviceChanged].
func (c *Capture) ReadFrame() (audio.Frame, error) {
	if err := c.stream.Read(); err != nil {
		return audio.Frame{}, fmt.Errorf("%w: read: %v", ErrDeviceChanged, err)
	}
	f := audio.Frame{
		Data:      audio.Int16sToBytes(c.buf),
		Rate:      c.rate,
		Channels:  c.channels,
		Timestamp: c.elapsed,
	}
	c.elapsed += f.Duration()
	return f, nil
}

// Close stops the stream and releases the manager's capture slot.
func (c *Capture) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	defer c.m.release(&c.m.captureOpen)
	if err := c.stream.Stop(); err != nil {
		c.stream.Close()
		return fmt.Errorf("device: stop capture stream: %w", err)
	}
	if err := c.stream.Close(); err != nil {
		return fmt.Errorf("device: close capture stream: %w", err)
	}
	return nil
}

// Playback is an open speaker stream. Frames in any format are converted to
// the stream's format before being written.
type Playback struct {
	m       *Manager
	stream  *portaudio.Stream
	buf     []int16
	conv    *audio.Converter
	pending []int16
	closed  bool
}

// WriteFrame queues a frame for playback, blocking while the device buffer
// is full. Stream failures are reported as [ErrDeviceChanged].
func (p *Playback) WriteFrame(f audio.Frame) error {
	f = p.conv.Convert(f)
	p.pending = append(p.pending, audio.BytesToInt16s(f.Data)...)
	for len(p.pending) >= len(p.buf) {
		copy(p.buf, p.pending[:len(p.buf)])
		p.pending = p.pending[len(p.buf):]
		if err := p.stream.Write(); err != nil {
			return fmt.Errorf("%w: write: %v", ErrDeviceChanged, err)
		}
	}
	return nil
}

// Drain flushes buffered samples, padding the final device buffer with
// silence, and blocks until the device has rendered everything.
func (p *Playback) Drain() error {
	if len(p.pending) > 0 {
		n := copy(p.buf, p.pending)
		for i := n; i < len(p.buf); i++ {
			p.buf[i] = 0
		}
		p.pending = p.pending[:0]
		if err := p.stream.Write(); err != nil {
			return fmt.Errorf("%w: flush: %v", ErrDeviceChanged, err)
		}
	}
	// Stop blocks until pending device buffers have played out.
	if err := p.stream.Stop(); err != nil {
		return fmt.Errorf("device: drain playback stream: %w", err)
	}
	if err := p.stream.Start(); err != nil {
		return fmt.Errorf("device: restart playback stream: %w", err)
	}
	return nil
}

// Close stops the stream and releases the manager's playback slot.
func (p *Playback) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	defer p.m.release(&p.m.playbackOpen)
	if err := p.stream.Stop(); err != nil {
		p.stream.Close()
		return fmt.Errorf("device: stop playback stream: %w", err)
	}
	if err := p.stream.Close(); err != nil {
		return fmt.Errorf("device: close playback stream: %w", err)
	}
	return nil
}
