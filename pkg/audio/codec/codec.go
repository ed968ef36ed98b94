// Package codec converts between compressed wire audio (opus, mp3, wav) and
// the pipeline's int16 PCM form.
//
// Two entry points exist per format: whole-buffer Encode/Decode for captured
// recordings, and NewDecoder for incremental decoding of a streaming provider
// response so playback can begin before synthesis finishes.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/x85446/voicemode/pkg/audio"
)

// Format identifies a wire audio format.
type Format string

const (
	FormatOpus Format = "opus"
	FormatMP3  Format = "mp3"
	FormatWAV  Format = "wav"
)

// IsValid reports whether f is a recognised wire format.
func (f Format) IsValid() bool {
	switch f {
	case FormatOpus, FormatMP3, FormatWAV:
		return true
	}
	return false
}

// ErrUnknownFormat is returned when a format string is not recognised.
var ErrUnknownFormat = errors.New("codec: unknown format")

// Decoder yields PCM frames incrementally from a compressed stream.
// Next returns io.EOF when the stream is exhausted.
type Decoder interface {
	Next() (audio.Frame, error)
}

// NewDecoder returns a streaming Decoder for format f reading from r.
func NewDecoder(f Format, r io.Reader) (Decoder, error) {
	switch f {
	case FormatWAV:
		return newWAVDecoder(r)
	case FormatOpus:
		return newOpusDecoder(r)
	case FormatMP3:
		return newMP3Decoder(r)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, f)
	}
}

// Encode compresses a PCM buffer into format f.
func Encode(f Format, b audio.Buffer) ([]byte, error) {
	switch f {
	case FormatWAV:
		return encodeWAV(b), nil
	case FormatOpus:
		return encodeOpus(b)
	case FormatMP3:
		return encodeMP3(b)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, f)
	}
}

// Decode decompresses a complete byte slice in format f into a PCM buffer.
func Decode(f Format, data []byte) (audio.Buffer, error) {
	dec, err := NewDecoder(f, bytes.NewReader(data))
	if err != nil {
		return audio.Buffer{}, err
	}
	var buf audio.Buffer
	for {
		frame, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return buf, nil
		}
		if err != nil {
			return audio.Buffer{}, err
		}
		buf.Append(frame)
	}
}
