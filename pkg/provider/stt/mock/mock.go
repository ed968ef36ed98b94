// Package mock provides a test double for the stt.Transcriber interface.
package mock

import (
	"context"
	"sync"

	"github.com/x85446/voicemode/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// Req is the request passed to Transcribe. Audio is not copied; tests
	// must not mutate it after the call.
	Req stt.Request
}

// Transcriber is a mock implementation of stt.Transcriber.
type Transcriber struct {
	mu sync.Mutex

	// Result is returned by Transcribe when TranscribeErr is nil.
	Result stt.Result

	// TranscribeErr, if non-nil, is returned from Transcribe.
	TranscribeErr error

	// ProbeErr is returned by Probe.
	ProbeErr error

	// TranscribeCalls records every call to Transcribe in order.
	TranscribeCalls []TranscribeCall

	// ProbeCalls counts calls to Probe.
	ProbeCalls int
}

// Transcribe records the call and returns Result, TranscribeErr.
func (t *Transcriber) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.TranscribeCalls = append(t.TranscribeCalls, TranscribeCall{Ctx: ctx, Req: req})
	return t.Result, t.TranscribeErr
}

// Probe records the call and returns ProbeErr.
func (t *Transcriber) Probe(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ProbeCalls++
	return t.ProbeErr
}

// Reset clears all recorded calls. Thread-safe.
func (t *Transcriber) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.TranscribeCalls = nil
	t.ProbeCalls = 0
}

// Ensure Transcriber implements stt.Transcriber at compile time.
var _ stt.Transcriber = (*Transcriber)(nil)
