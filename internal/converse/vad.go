package converse

import (
	"math"
	"time"

	"github.com/x85446/voicemode/internal/config"
	"github.com/x85446/voicemode/pkg/audio"
)

// endReason says why a recording stopped.
type endReason string

const (
	endSilence  endReason = "silence"   // silence tail after speech
	endDuration endReason = "duration"  // requested listen window elapsed
	endNoSpeech endReason = "no_speech" // grace elapsed without speech
)

// highpassCutoff removes rumble and DC offset before the energy measurement.
// 80 Hz sits below the fundamental of even very deep voices.
const highpassCutoff = 80.0

// vad decides when a recording ends. It is driven purely by frame durations,
// never wall-clock time, so the decision is deterministic for a given audio
// sequence.
type vad struct {
	threshold   float64
	minSpeech   time.Duration
	silenceTail time.Duration
	grace       time.Duration
	listen      time.Duration

	filter highpass

	elapsed time.Duration
	speech  time.Duration
	silence time.Duration
}

// newVAD builds a detector for one recording. listen is the effective listen
// window, already clamped to the configured maximum.
func newVAD(cfg config.VADConfig, listen time.Duration) *vad {
	return &vad{
		threshold:   cfg.RMSThreshold,
		minSpeech:   time.Duration(cfg.MinSpeechMs) * time.Millisecond,
		silenceTail: time.Duration(cfg.SilenceTailMs) * time.Millisecond,
		grace:       time.Duration(cfg.InitialGraceS * float64(time.Second)),
		listen:      listen,
		filter:      highpass{cutoff: highpassCutoff},
	}
}

// observe feeds one frame and reports whether the recording should stop.
// Frames must be canonical 16 kHz mono.
func (v *vad) observe(f audio.Frame) (stop bool, reason endReason) {
	d := f.Duration()
	v.elapsed += d

	if v.filter.rms(f) >= v.threshold {
		v.speech += d
		v.silence = 0
	} else if v.speech >= v.minSpeech {
		v.silence += d
	}

	switch {
	case v.speech >= v.minSpeech && v.silence >= v.silenceTail:
		return true, endSilence
	case v.elapsed >= v.listen:
		if v.speech < v.minSpeech {
			return true, endNoSpeech
		}
		return true, endDuration
	case v.speech < v.minSpeech && v.elapsed >= v.grace:
		return true, endNoSpeech
	}
	return false, ""
}

// sawSpeech reports whether enough speech accumulated to transcribe.
func (v *vad) sawSpeech() bool { return v.speech >= v.minSpeech }

// highpass is a first-order IIR high-pass filter with state carried across
// frames, so frame boundaries do not produce energy spikes.
type highpass struct {
	cutoff  float64
	rate    int
	alpha   float64
	prevIn  float64
	prevOut float64
}

// rms returns the energy of the frame after filtering, in int16 sample
// units.
func (h *highpass) rms(f audio.Frame) float64 {
	samples := audio.BytesToInt16s(f.Data)
	if len(samples) == 0 {
		return 0
	}
	if h.rate != f.Rate {
		h.rate = f.Rate
		rc := 1.0 / (2 * math.Pi * h.cutoff)
		dt := 1.0 / float64(f.Rate)
		h.alpha = rc / (rc + dt)
	}

	var sum float64
	for _, s := range samples {
		in := float64(s)
		out := h.alpha * (h.prevOut + in - h.prevIn)
		h.prevIn = in
		h.prevOut = out
		sum += out * out
	}
	return math.Sqrt(sum / float64(len(samples)))
}
