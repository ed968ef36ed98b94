// Package audio defines the PCM types and conversions shared by the
// voicemode pipeline.
//
// All audio inside the server is little-endian int16 PCM. The canonical
// internal form is 16 kHz mono; provider-returned audio is converted to it
// before playback and captured audio is converted to it before encoding for
// transcription. Conversion helpers live in this package; compressed codecs
// (opus, mp3, wav) live in the codec subpackage.
package audio

import "time"

// Canonical internal audio format: 16 kHz mono int16 PCM.
const (
	CanonicalRate     = 16000
	CanonicalChannels = 1

	// FrameMs is the frame granularity used by capture and the VAD.
	FrameMs = 20

	// BytesPerSample is fixed: all PCM in the pipeline is 16-bit.
	BytesPerSample = 2
)

// Frame is a single chunk of PCM audio flowing through the pipeline.
// Frames are the atomic unit of transport: captured from input streams,
// inspected by the VAD, and played through output streams.
type Frame struct {
	// Data is little-endian int16 PCM.
	Data []byte

	// Rate is the sample rate in Hz (e.g. 16000, 24000, 48000).
	Rate int

	// Channels is 1 for mono or 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the play time of the frame's PCM data.
func (f Frame) Duration() time.Duration {
	if f.Rate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / BytesPerSample / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.Rate)
}

// Buffer is a complete in-memory PCM recording. A converse session owns its
// in-flight buffers exclusively; nothing else mutates them.
type Buffer struct {
	// Data is little-endian int16 PCM.
	Data []byte

	// Rate is the sample rate in Hz.
	Rate int

	// Channels is 1 or 2.
	Channels int
}

// Duration returns the play time of the buffer.
func (b Buffer) Duration() time.Duration {
	return Frame{Data: b.Data, Rate: b.Rate, Channels: b.Channels}.Duration()
}

// Canonical reports whether the buffer is already in the canonical
// 16 kHz mono form.
func (b Buffer) Canonical() bool {
	return b.Rate == CanonicalRate && b.Channels == CanonicalChannels
}

// Append adds a frame's PCM data to the buffer. The first frame fixes the
// buffer's format; later frames are converted if they disagree.
func (b *Buffer) Append(f Frame) {
	if b.Rate == 0 {
		b.Rate = f.Rate
		b.Channels = f.Channels
	}
	data := f.Data
	if f.Channels != b.Channels {
		if f.Channels == 2 && b.Channels == 1 {
			data = DownmixStereo(data)
		} else if f.Channels == 1 && b.Channels == 2 {
			data = UpmixMono(data)
		}
	}
	if f.Rate != b.Rate {
		data = Resample(data, f.Rate, b.Rate, b.Channels)
	}
	b.Data = append(b.Data, data...)
}

// FrameBytes returns the byte length of ms milliseconds of PCM at the given
// rate and channel count.
func FrameBytes(ms, rate, channels int) int {
	return rate * ms / 1000 * channels * BytesPerSample
}
