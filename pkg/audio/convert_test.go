package audio

import (
	"math"
	"testing"
	"time"
)

// sine returns n samples of a sine wave at freq Hz sampled at rate Hz,
// scaled to amp (0–32767), as little-endian PCM bytes.
func sine(n int, freq, rate float64, amp float64) []byte {
	pcm := make([]int16, n)
	for i := range pcm {
		pcm[i] = int16(amp * math.Sin(2*math.Pi*freq*float64(i)/rate))
	}
	return Int16sToBytes(pcm)
}

func TestFrameDuration(t *testing.T) {
	tests := []struct {
		name     string
		frame    Frame
		want     time.Duration
	}{
		{"20ms mono 16k", Frame{Data: make([]byte, 640), Rate: 16000, Channels: 1}, 20 * time.Millisecond},
		{"20ms stereo 48k", Frame{Data: make([]byte, 3840), Rate: 48000, Channels: 2}, 20 * time.Millisecond},
		{"zero rate", Frame{Data: make([]byte, 640)}, 0},
	}
	for _, tt := range tests {
		if got := tt.frame.Duration(); got != tt.want {
			t.Errorf("%s: Duration() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestResample_PreservesDuration(t *testing.T) {
	// 1 s of 440 Hz at 48 kHz mono → 16 kHz should yield 16000 samples.
	in := sine(48000, 440, 48000, 8000)
	out := Resample(in, 48000, 16000, 1)
	if got, want := len(out)/2, 16000; got != want {
		t.Fatalf("resampled sample count = %d, want %d", got, want)
	}
}

func TestResample_SameRateIsNoop(t *testing.T) {
	in := sine(1600, 440, 16000, 8000)
	out := Resample(in, 16000, 16000, 1)
	if &in[0] != &out[0] {
		t.Error("same-rate resample should return the input unchanged")
	}
}

func TestResample_RMSWithinTolerance(t *testing.T) {
	in := sine(48000, 440, 48000, 8000)
	out := Resample(in, 48000, 16000, 1)

	inRMS := RMS(in)
	outRMS := RMS(out)
	ratio := outRMS / inRMS
	dB := 20 * math.Log10(ratio)
	if math.Abs(dB) > 1.0 {
		t.Errorf("resample changed RMS by %.2f dB, want within ±1 dB", dB)
	}
}

func TestDownmixUpmixRoundTrip(t *testing.T) {
	mono := sine(1600, 440, 16000, 8000)
	stereo := UpmixMono(mono)
	if len(stereo) != len(mono)*2 {
		t.Fatalf("stereo length = %d, want %d", len(stereo), len(mono)*2)
	}
	back := DownmixStereo(stereo)
	if len(back) != len(mono) {
		t.Fatalf("downmixed length = %d, want %d", len(back), len(mono))
	}
	for i := range back {
		if back[i] != mono[i] {
			t.Fatalf("sample byte %d differs after up/downmix round trip", i)
		}
	}
}

func TestConverter_FastPath(t *testing.T) {
	c := &Converter{Rate: 16000, Channels: 1}
	in := Frame{Data: sine(320, 440, 16000, 8000), Rate: 16000, Channels: 1}
	out := c.Convert(in)
	if &in.Data[0] != &out.Data[0] {
		t.Error("matching format should pass through unchanged")
	}
}

func TestConverter_DropsMisalignedPCM(t *testing.T) {
	c := &Converter{Rate: 16000, Channels: 1}
	out := c.Convert(Frame{Data: []byte{1, 2, 3}, Rate: 16000, Channels: 1})
	if len(out.Data) != 0 {
		t.Errorf("misaligned frame should be dropped, got %d bytes", len(out.Data))
	}
}

func TestToCanonical(t *testing.T) {
	b := Buffer{Data: sine(96000, 440, 48000, 8000), Rate: 48000, Channels: 2}
	got := ToCanonical(b)
	if !got.Canonical() {
		t.Fatalf("ToCanonical returned %dHz/%dch", got.Rate, got.Channels)
	}
	// 1 s of stereo 48 kHz → 1 s of mono 16 kHz.
	wantDur := time.Second
	if d := got.Duration(); d < wantDur-10*time.Millisecond || d > wantDur+10*time.Millisecond {
		t.Errorf("canonical duration = %v, want %v ±10ms", d, wantDur)
	}
}

func TestBufferAppend_ConvertsLaterFrames(t *testing.T) {
	var b Buffer
	b.Append(Frame{Data: sine(320, 440, 16000, 8000), Rate: 16000, Channels: 1})
	b.Append(Frame{Data: sine(960, 440, 48000, 8000), Rate: 48000, Channels: 1})
	if b.Rate != 16000 || b.Channels != 1 {
		t.Fatalf("buffer format = %dHz/%dch, want 16000/1", b.Rate, b.Channels)
	}
	// 20 ms + 20 ms of audio.
	if got, want := b.Duration(), 40*time.Millisecond; got != want {
		t.Errorf("duration = %v, want %v", got, want)
	}
}

func TestRMS_Silence(t *testing.T) {
	if got := RMS(make([]byte, 640)); got != 0 {
		t.Errorf("RMS of silence = %f, want 0", got)
	}
}
