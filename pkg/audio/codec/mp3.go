package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"

	mp3 "github.com/hajimehoshi/go-mp3"

	"github.com/x85446/voicemode/pkg/audio"
)

// ErrNoMP3Encoder is returned by Encode when no ffmpeg binary is on PATH.
// Decoding is always available.
var ErrNoMP3Encoder = errors.New("codec: mp3 encoding requires ffmpeg on PATH")

// mp3ChunkBytes is the PCM payload size each Next call yields, sized for
// roughly 50 ms of the decoder's native 44.1 kHz stereo output.
const mp3ChunkBytes = 8192

// mp3Decoder adapts the go-mp3 decoder to the streaming Decoder interface.
// go-mp3 always emits 16-bit stereo at the file's sample rate.
type mp3Decoder struct {
	d   *mp3.Decoder
	buf []byte
}

func newMP3Decoder(r io.Reader) (*mp3Decoder, error) {
	d, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("codec: open mp3 stream: %w", err)
	}
	return &mp3Decoder{d: d, buf: make([]byte, mp3ChunkBytes)}, nil
}

func (d *mp3Decoder) Next() (audio.Frame, error) {
	n, err := io.ReadFull(d.d, d.buf)
	if n == 0 {
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return audio.Frame{}, err
	}
	n -= n % 4 // keep whole stereo sample pairs
	out := make([]byte, n)
	copy(out, d.buf[:n])
	return audio.Frame{Data: out, Rate: d.d.SampleRate(), Channels: 2}, nil
}

// encodeMP3 shells out to ffmpeg, feeding raw PCM on stdin and reading the
// encoded stream from stdout. There is no usable pure-Go mp3 encoder.
func encodeMP3(b audio.Buffer) ([]byte, error) {
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, ErrNoMP3Encoder
	}

	cmd := exec.Command(path,
		"-hide_banner", "-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(b.Rate),
		"-ac", strconv.Itoa(b.Channels),
		"-i", "pipe:0",
		"-f", "mp3",
		"-b:a", "64k",
		"pipe:1",
	)
	cmd.Stdin = bytes.NewReader(b.Data)

	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("codec: ffmpeg mp3 encode: %w: %s", err, stderr.String())
	}
	return out.Bytes(), nil
}
