package converse

import (
	"math"
	"testing"
	"time"

	"github.com/x85446/voicemode/internal/config"
	"github.com/x85446/voicemode/pkg/audio"
)

func testVADConfig() config.VADConfig {
	return config.VADConfig{
		SilenceTailMs: 800,
		MinSpeechMs:   300,
		MaxListenS:    60,
		InitialGraceS: 3,
		RMSThreshold:  300,
	}
}

// speechFrame is 20 ms of a 440 Hz tone at amplitude 8000, well above the
// energy threshold even after high-pass filtering.
func speechFrame() audio.Frame {
	n := audio.CanonicalRate * audio.FrameMs / 1000
	s := make([]int16, n)
	for i := range s {
		s[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/audio.CanonicalRate))
	}
	return audio.Frame{Data: audio.Int16sToBytes(s), Rate: audio.CanonicalRate, Channels: audio.CanonicalChannels}
}

func silentFrame() audio.Frame {
	return audio.Frame{
		Data:     make([]byte, audio.FrameBytes(audio.FrameMs, audio.CanonicalRate, audio.CanonicalChannels)),
		Rate:     audio.CanonicalRate,
		Channels: audio.CanonicalChannels,
	}
}

// feed pushes frames until the detector stops, returning the elapsed frame
// time and the reason. Fails the test if the detector never stops.
func feed(t *testing.T, v *vad, frames func(i int) audio.Frame) (time.Duration, endReason) {
	t.Helper()
	for i := 0; i < 10000; i++ {
		if stop, reason := v.observe(frames(i)); stop {
			return v.elapsed, reason
		}
	}
	t.Fatal("detector never stopped")
	return 0, ""
}

func TestVAD_SilenceTailAfterSpeech(t *testing.T) {
	v := newVAD(testVADConfig(), 60*time.Second)
	speech := speechFrame()
	silence := silentFrame()

	elapsed, reason := feed(t, v, func(i int) audio.Frame {
		if i < 25 { // 500 ms of speech
			return speech
		}
		return silence
	})

	if reason != endSilence {
		t.Errorf("reason = %s, want %s", reason, endSilence)
	}
	// 500 ms speech + 800 ms silence tail.
	if want := 1300 * time.Millisecond; elapsed != want {
		t.Errorf("elapsed = %v, want %v", elapsed, want)
	}
	if !v.sawSpeech() {
		t.Error("sawSpeech = false after 500ms of speech")
	}
}

func TestVAD_NoSpeechStopsAtGrace(t *testing.T) {
	v := newVAD(testVADConfig(), 60*time.Second)
	silence := silentFrame()

	elapsed, reason := feed(t, v, func(int) audio.Frame { return silence })

	if reason != endNoSpeech {
		t.Errorf("reason = %s, want %s", reason, endNoSpeech)
	}
	if want := 3 * time.Second; elapsed != want {
		t.Errorf("elapsed = %v, want %v", elapsed, want)
	}
	if v.sawSpeech() {
		t.Error("sawSpeech = true on pure silence")
	}
}

func TestVAD_WindowCapsContinuousSpeech(t *testing.T) {
	v := newVAD(testVADConfig(), 2*time.Second)
	speech := speechFrame()

	elapsed, reason := feed(t, v, func(int) audio.Frame { return speech })

	if reason != endDuration {
		t.Errorf("reason = %s, want %s", reason, endDuration)
	}
	if want := 2 * time.Second; elapsed != want {
		t.Errorf("elapsed = %v, want %v", elapsed, want)
	}
}

func TestVAD_ShortBlipIsNotSpeech(t *testing.T) {
	v := newVAD(testVADConfig(), 60*time.Second)
	speech := speechFrame()
	silence := silentFrame()

	// 100 ms blip, below the 300 ms minimum. The silence tail never arms
	// and the detector gives up at the grace deadline.
	_, reason := feed(t, v, func(i int) audio.Frame {
		if i < 5 {
			return speech
		}
		return silence
	})

	if reason != endNoSpeech {
		t.Errorf("reason = %s, want %s", reason, endNoSpeech)
	}
	if v.sawSpeech() {
		t.Error("sawSpeech = true for a 100ms blip")
	}
}

func TestVAD_DCOffsetIsNotSpeech(t *testing.T) {
	// A constant offset carries no voice energy; the high-pass filter must
	// reject it apart from the initial step transient.
	v := newVAD(testVADConfig(), 60*time.Second)
	n := audio.CanonicalRate * audio.FrameMs / 1000
	s := make([]int16, n)
	for i := range s {
		s[i] = 5000
	}
	dc := audio.Frame{Data: audio.Int16sToBytes(s), Rate: audio.CanonicalRate, Channels: audio.CanonicalChannels}

	_, reason := feed(t, v, func(int) audio.Frame { return dc })

	if reason != endNoSpeech {
		t.Errorf("reason = %s, want %s", reason, endNoSpeech)
	}
	if v.sawSpeech() {
		t.Error("sawSpeech = true on a DC offset")
	}
}
