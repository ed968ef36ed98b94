package converse

import (
	"context"
	"errors"

	"github.com/x85446/voicemode/pkg/audio/device"
)

// Sentinel errors for every way a converse request can fail. The request
// surface maps them to stable error kinds via [Kind]; callers branch with
// [errors.Is].
var (
	// ErrInvalidRequest marks a request that fails validation.
	ErrInvalidRequest = errors.New("converse: invalid request")

	// ErrBusy is returned when the concurrent session limit is reached.
	ErrBusy = errors.New("converse: session limit reached")

	// ErrNoMatchingProvider means the registry has no endpoint compatible
	// with the requested voice, model, format, or provider.
	ErrNoMatchingProvider = errors.New("converse: no matching provider")

	// ErrProviderExhausted means every candidate endpoint was tried and
	// failed.
	ErrProviderExhausted = errors.New("converse: all providers failed")

	// ErrNoSpeechDetected means the recording ended without enough speech to
	// transcribe.
	ErrNoSpeechDetected = errors.New("converse: no speech detected")

	// ErrDeadlineExceeded means the overall request deadline elapsed.
	ErrDeadlineExceeded = errors.New("converse: deadline exceeded")

	// ErrCancelled means the session was cancelled by an explicit request.
	ErrCancelled = errors.New("converse: cancelled")

	// ErrServiceUnavailable means no usable transport (or other required
	// subsystem) is available.
	ErrServiceUnavailable = errors.New("converse: service unavailable")
)

// Kind maps an error to its stable wire-level kind string. Unrecognised
// errors map to "internal"; nil maps to "".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrNoMatchingProvider):
		return "no_matching_provider"
	case errors.Is(err, ErrProviderExhausted):
		return "provider_exhausted"
	case errors.Is(err, ErrNoSpeechDetected):
		return "no_speech_detected"
	case errors.Is(err, device.ErrDeviceChanged):
		return "device_changed"
	case errors.Is(err, ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, ErrServiceUnavailable):
		return "service_unavailable"
	default:
		return "internal"
	}
}
