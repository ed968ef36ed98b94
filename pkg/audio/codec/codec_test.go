package codec

import (
	"bytes"
	"errors"
	"io"
	"math"
	"os/exec"
	"testing"
	"time"

	"github.com/x85446/voicemode/pkg/audio"
)

// testTone returns dur of a 440 Hz sine at the canonical 16 kHz mono format.
func testTone(t *testing.T, dur time.Duration) audio.Buffer {
	t.Helper()
	n := int(dur.Seconds() * audio.CanonicalRate)
	pcm := make([]int16, n)
	for i := range pcm {
		pcm[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/audio.CanonicalRate))
	}
	return audio.Buffer{
		Data:     audio.Int16sToBytes(pcm),
		Rate:     audio.CanonicalRate,
		Channels: audio.CanonicalChannels,
	}
}

// checkRoundTrip verifies duration within ±10 ms and RMS within ±3 dB of the
// original, after normalising the decoded audio to canonical form.
func checkRoundTrip(t *testing.T, in, out audio.Buffer) {
	t.Helper()
	out = audio.ToCanonical(out)

	inDur, outDur := in.Duration(), out.Duration()
	if diff := (outDur - inDur).Abs(); diff > 10*time.Millisecond {
		t.Errorf("duration drifted %v (in %v, out %v)", diff, inDur, outDur)
	}

	inRMS, outRMS := audio.RMS(in.Data), audio.RMS(out.Data)
	if inRMS == 0 || outRMS == 0 {
		t.Fatalf("unexpected silent audio (in RMS %f, out RMS %f)", inRMS, outRMS)
	}
	dB := 20 * math.Log10(outRMS/inRMS)
	if math.Abs(dB) > 3.0 {
		t.Errorf("RMS drifted %.2f dB (in %f, out %f)", dB, inRMS, outRMS)
	}
}

func TestWAVRoundTrip(t *testing.T) {
	in := testTone(t, 500*time.Millisecond)
	data, err := Encode(FormatWAV, in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Decode(FormatWAV, data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.Rate != in.Rate || out.Channels != in.Channels {
		t.Fatalf("decoded format %dHz/%dch, want %dHz/%dch", out.Rate, out.Channels, in.Rate, in.Channels)
	}
	if !bytes.Equal(out.Data, in.Data) {
		t.Error("wav round trip altered PCM data")
	}
}

func TestWAVRoundTrip_Stereo(t *testing.T) {
	mono := testTone(t, 200*time.Millisecond)
	in := audio.Buffer{Data: audio.UpmixMono(mono.Data), Rate: 16000, Channels: 2}
	data, err := Encode(FormatWAV, in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Decode(FormatWAV, data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.Channels != 2 {
		t.Fatalf("channels = %d, want 2", out.Channels)
	}
	checkRoundTrip(t, mono, out)
}

func TestWAVDecoder_SkipsUnknownChunks(t *testing.T) {
	in := testTone(t, 100*time.Millisecond)
	data := encodeWAV(in)

	// Splice a LIST chunk between fmt and data.
	extra := []byte("LIST\x04\x00\x00\x00INFO")
	spliced := append(append(append([]byte{}, data[:36]...), extra...), data[36:]...)
	riffSize := uint32(len(spliced) - 8)
	spliced[4] = byte(riffSize)
	spliced[5] = byte(riffSize >> 8)
	spliced[6] = byte(riffSize >> 16)
	spliced[7] = byte(riffSize >> 24)

	out, err := Decode(FormatWAV, spliced)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(out.Data, in.Data) {
		t.Error("PCM data altered by chunk skipping")
	}
}

func TestWAVDecoder_RejectsGarbage(t *testing.T) {
	if _, err := Decode(FormatWAV, []byte("definitely not a wav file")); err == nil {
		t.Error("expected error for non-wav input")
	}
}

func TestOpusRoundTrip(t *testing.T) {
	in := testTone(t, 500*time.Millisecond)
	data, err := Encode(FormatOpus, in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Decode(FormatOpus, data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	checkRoundTrip(t, in, out)
}

func TestOpusRoundTrip_PartialFinalFrame(t *testing.T) {
	// 510 ms does not divide into 20 ms packets; the padding added to the
	// final packet must not survive decoding.
	in := testTone(t, 510*time.Millisecond)
	data, err := Encode(FormatOpus, in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Decode(FormatOpus, data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got, want := out.Duration(), in.Duration(); got != want {
		t.Errorf("duration = %v, want exactly %v", got, want)
	}
}

func TestOpusEncode_IsOggEncapsulated(t *testing.T) {
	data, err := Encode(FormatOpus, testTone(t, 100*time.Millisecond))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("OggS")) {
		t.Fatalf("stream does not start with an ogg capture pattern: % x", data[:8])
	}
	if data[5]&0x02 == 0 {
		t.Error("first page is not flagged beginning-of-stream")
	}
	if !bytes.Contains(data, []byte("OpusHead")) {
		t.Error("stream has no OpusHead identification packet")
	}
	if !bytes.Contains(data, []byte("OpusTags")) {
		t.Error("stream has no OpusTags comment packet")
	}
}

func TestOpusDecoder_AcceptsForeignPagination(t *testing.T) {
	// Streams from real providers page packets differently than the encoder
	// does. Repaginate an encoded stream one packet per page and make sure
	// the decoder still reads it.
	in := testTone(t, 200*time.Millisecond)
	data, err := Encode(FormatOpus, in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	src := &opusDecoder{r: bytes.NewReader(data), limit: -1}
	var packets [][]byte
	for {
		pkt, err := src.nextPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("nextPacket: %v", err)
		}
		packets = append(packets, pkt.data)
	}
	if len(packets) < 4 { // head, tags, and several audio packets
		t.Fatalf("parsed %d packets, want several", len(packets))
	}

	granulePerPacket := uint64(opusGranuleRate * audio.FrameMs / 1000)
	out := appendOggPage(nil, oggFlagBOS, 0, 0, packets[:1])
	out = appendOggPage(out, 0, 0, 1, packets[1:2])
	var granule uint64
	for i, pkt := range packets[2:] {
		granule += granulePerPacket
		var flags byte
		if i == len(packets[2:])-1 {
			flags = oggFlagEOS
		}
		out = appendOggPage(out, flags, granule, uint32(2+i), [][]byte{pkt})
	}

	decoded, err := Decode(FormatOpus, out)
	if err != nil {
		t.Fatalf("Decode repaginated stream: %v", err)
	}
	checkRoundTrip(t, in, decoded)
}

func TestOpusDecoder_RejectsGarbage(t *testing.T) {
	if _, err := Decode(FormatOpus, []byte("not an opus stream at all")); err == nil {
		t.Error("expected error for non-opus input")
	}
}

func TestMP3RoundTrip(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	in := testTone(t, 500*time.Millisecond)
	data, err := Encode(FormatMP3, in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Decode(FormatMP3, data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	// MP3 pads with encoder delay, so allow a wider duration window than the
	// lossless formats get.
	out = audio.ToCanonical(out)
	if diff := (out.Duration() - in.Duration()).Abs(); diff > 100*time.Millisecond {
		t.Errorf("duration drifted %v", diff)
	}
}

func TestMP3Encode_NoFFmpeg(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err == nil {
		t.Skip("ffmpeg is installed")
	}
	_, err := Encode(FormatMP3, testTone(t, 100*time.Millisecond))
	if !errors.Is(err, ErrNoMP3Encoder) {
		t.Errorf("err = %v, want ErrNoMP3Encoder", err)
	}
}

func TestStreamingDecoder_WAV(t *testing.T) {
	in := testTone(t, 500*time.Millisecond)
	data, err := Encode(FormatWAV, in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	dec, err := NewDecoder(FormatWAV, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	var frames int
	var total audio.Buffer
	for {
		f, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		frames++
		total.Append(f)
	}
	if frames < 2 {
		t.Errorf("streaming decoder yielded %d frames, want several", frames)
	}
	if !bytes.Equal(total.Data, in.Data) {
		t.Error("streamed frames do not reassemble the original PCM")
	}
}

func TestFormatIsValid(t *testing.T) {
	for _, f := range []Format{FormatOpus, FormatMP3, FormatWAV} {
		if !f.IsValid() {
			t.Errorf("%q should be valid", f)
		}
	}
	if Format("flac").IsValid() {
		t.Error("flac should not be valid")
	}
}

func TestUnknownFormat(t *testing.T) {
	if _, err := Encode(Format("flac"), audio.Buffer{}); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("Encode err = %v, want ErrUnknownFormat", err)
	}
	if _, err := Decode(Format("flac"), nil); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("Decode err = %v, want ErrUnknownFormat", err)
	}
}
