package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/x85446/voicemode/pkg/audio"
)

// wavChunkBytes is the PCM payload size each Next call yields (about 100 ms
// at 16 kHz mono); small enough to start playback early, large enough to
// keep per-frame overhead negligible.
const wavChunkBytes = 3200

// encodeWAV wraps int16 PCM in a standard RIFF/WAV container.
func encodeWAV(b audio.Buffer) []byte {
	const bitsPerSample = 16
	byteRate := b.Rate * b.Channels * bitsPerSample / 8
	blockAlign := b.Channels * bitsPerSample / 8
	dataSize := len(b.Data)

	out := make([]byte, 44+dataSize)

	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+dataSize))
	copy(out[8:12], "WAVE")

	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16) // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(out[20:22], 1)  // audio format: PCM
	binary.LittleEndian.PutUint16(out[22:24], uint16(b.Channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(b.Rate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:36], bitsPerSample)

	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(dataSize))
	copy(out[44:], b.Data)

	return out
}

// wavDecoder incrementally decodes a RIFF/WAV stream containing 16-bit PCM.
type wavDecoder struct {
	r         io.Reader
	rate      int
	channels  int
	remaining int // bytes left in the data chunk; -1 means unbounded
}

// newWAVDecoder reads the RIFF header and chunk list up to the data chunk.
func newWAVDecoder(r io.Reader) (*wavDecoder, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, fmt.Errorf("codec: read RIFF header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, errors.New("codec: not a RIFF/WAVE stream")
	}

	d := &wavDecoder{r: r}

	// Walk chunks until the data chunk starts.
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, fmt.Errorf("codec: read wav chunk header: %w", err)
		}
		id := string(hdr[0:4])
		size := int(binary.LittleEndian.Uint32(hdr[4:8]))

		switch id {
		case "fmt ":
			fmtChunk := make([]byte, size)
			if _, err := io.ReadFull(r, fmtChunk); err != nil {
				return nil, fmt.Errorf("codec: read wav fmt chunk: %w", err)
			}
			if len(fmtChunk) < 16 {
				return nil, errors.New("codec: wav fmt chunk too short")
			}
			if format := binary.LittleEndian.Uint16(fmtChunk[0:2]); format != 1 {
				return nil, fmt.Errorf("codec: unsupported wav audio format %d (want PCM)", format)
			}
			if bits := binary.LittleEndian.Uint16(fmtChunk[14:16]); bits != 16 {
				return nil, fmt.Errorf("codec: unsupported wav bit depth %d (want 16)", bits)
			}
			d.channels = int(binary.LittleEndian.Uint16(fmtChunk[2:4]))
			d.rate = int(binary.LittleEndian.Uint32(fmtChunk[4:8]))

		case "data":
			if d.rate == 0 {
				return nil, errors.New("codec: wav data chunk before fmt chunk")
			}
			d.remaining = size
			// Some streaming writers declare a zero or bogus size; treat
			// zero as read-until-EOF.
			if size == 0 {
				d.remaining = -1
			}
			return d, nil

		default:
			if _, err := io.CopyN(io.Discard, r, int64(size)); err != nil {
				return nil, fmt.Errorf("codec: skip wav chunk %q: %w", id, err)
			}
		}
	}
}

// Next returns the next PCM chunk. Returns io.EOF when the data chunk ends.
func (d *wavDecoder) Next() (audio.Frame, error) {
	if d.remaining == 0 {
		return audio.Frame{}, io.EOF
	}
	want := wavChunkBytes
	if d.remaining > 0 && d.remaining < want {
		want = d.remaining
	}
	buf := make([]byte, want)
	n, err := io.ReadFull(d.r, buf)
	if n == 0 {
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return audio.Frame{}, err
	}
	if d.remaining > 0 {
		d.remaining -= n
	}
	// Truncate a trailing odd byte rather than emitting misaligned PCM.
	n -= n % 2
	return audio.Frame{Data: buf[:n], Rate: d.rate, Channels: d.channels}, nil
}
