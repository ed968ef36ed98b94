package audio

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// Converter normalises frames to a target format. It logs a warning on the
// first format mismatch and drops frames with misaligned PCM data.
// Create one per stream; not designed for shared use across goroutines.
type Converter struct {
	Rate     int
	Channels int

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert converts a frame to the target format. If the source already
// matches, the frame is returned unchanged (zero allocation).
// Order: downmix/upmix first, then resample.
func (c *Converter) Convert(frame Frame) Frame {
	if len(frame.Data)%BytesPerSample != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio converter: odd byte count in PCM data, dropping frame",
				"bytes", len(frame.Data),
				"rate", frame.Rate,
				"channels", frame.Channels,
			)
		})
		return Frame{Rate: c.Rate, Channels: c.Channels, Timestamp: frame.Timestamp}
	}

	if frame.Rate == c.Rate && frame.Channels == c.Channels {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(frame.Rate, frame.Channels),
			"to", formatString(c.Rate, c.Channels),
		)
	})

	pcm := frame.Data
	channels := frame.Channels

	if channels != c.Channels {
		if channels == 2 && c.Channels == 1 {
			pcm = DownmixStereo(pcm)
		} else if channels == 1 && c.Channels == 2 {
			pcm = UpmixMono(pcm)
		}
		channels = c.Channels
	}
	if frame.Rate != c.Rate {
		pcm = Resample(pcm, frame.Rate, c.Rate, channels)
	}

	return Frame{Data: pcm, Rate: c.Rate, Channels: channels, Timestamp: frame.Timestamp}
}

// ToCanonical converts a buffer to the canonical 16 kHz mono form.
// The input buffer is not modified.
func ToCanonical(b Buffer) Buffer {
	if b.Canonical() {
		return b
	}
	pcm := b.Data
	if b.Channels == 2 {
		pcm = DownmixStereo(pcm)
	}
	if b.Rate != CanonicalRate {
		pcm = Resample(pcm, b.Rate, CanonicalRate, CanonicalChannels)
	}
	return Buffer{Data: pcm, Rate: CanonicalRate, Channels: CanonicalChannels}
}

// UpmixMono duplicates each int16 mono sample into a stereo L+R pair.
func UpmixMono(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		lo, hi := pcm[i], pcm[i+1]
		j := i * 2
		out[j] = lo
		out[j+1] = hi
		out[j+2] = lo
		out[j+3] = hi
	}
	return out
}

// DownmixStereo averages L+R per stereo frame (4 bytes) to produce mono.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func DownmixStereo(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (l + r) / 2
		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// Resample converts int16 PCM from srcRate to dstRate using linear
// interpolation. channels must be 1 or 2 (samples are interleaved for
// stereo). If srcRate == dstRate the input is returned unchanged.
func Resample(pcm []byte, srcRate, dstRate, channels int) []byte {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 {
		return pcm
	}
	stride := channels * BytesPerSample
	if srcRate == dstRate || len(pcm) < stride {
		return pcm
	}
	srcFrames := len(pcm) / stride
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*stride)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		for ch := range channels {
			off := srcIdx*stride + ch*BytesPerSample
			s0 := int16(pcm[off]) | int16(pcm[off+1])<<8
			s1 := s0
			if srcIdx+1 < srcFrames {
				off1 := (srcIdx+1)*stride + ch*BytesPerSample
				s1 = int16(pcm[off1]) | int16(pcm[off1+1])<<8
			}
			v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
			dst := i*stride + ch*BytesPerSample
			out[dst] = byte(v)
			out[dst+1] = byte(v >> 8)
		}
	}
	return out
}

// RMS returns the root-mean-square energy of an int16 PCM buffer, expressed
// in PCM sample units (0–32767). Returns 0 for buffers shorter than one
// sample.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// Int16sToBytes converts int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to int16 PCM samples.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// formatString returns a human-readable format label, e.g. "16000Hz mono".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
