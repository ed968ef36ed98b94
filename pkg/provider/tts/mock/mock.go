// Package mock provides a test double for the tts.Synthesizer interface.
//
// Use Synthesizer to feed controlled audio chunks to consumers and to verify
// the text, voice, and format passed to the backend.
package mock

import (
	"context"
	"sync"

	"github.com/x85446/voicemode/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Req is the request passed to Synthesize.
	Req tts.Request
}

// Synthesizer is a mock implementation of tts.Synthesizer.
type Synthesizer struct {
	mu sync.Mutex

	// Chunks is the sequence of audio byte slices emitted by the stream
	// returned from Synthesize.
	Chunks [][]byte

	// SynthesizeErr, if non-nil, is returned from Synthesize instead of
	// starting a stream.
	SynthesizeErr error

	// StreamErr, if non-nil, is reported by the stream's Err method after
	// Chunks have been delivered (a mid-flight failure).
	StreamErr error

	// ChunkDelay, if set, is slept before each chunk is emitted. Lets tests
	// exercise cancellation mid-stream.
	ChunkDelay func()

	// ProbeErr is returned by Probe.
	ProbeErr error

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall

	// ProbeCalls counts calls to Probe.
	ProbeCalls int
}

// Synthesize records the call and, if SynthesizeErr is nil, returns a stream
// emitting Chunks then closing with StreamErr.
func (s *Synthesizer) Synthesize(ctx context.Context, req tts.Request) (tts.Stream, error) {
	s.mu.Lock()
	s.SynthesizeCalls = append(s.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Req: req})
	if s.SynthesizeErr != nil {
		err := s.SynthesizeErr
		s.mu.Unlock()
		return nil, err
	}
	chunks := make([][]byte, len(s.Chunks))
	copy(chunks, s.Chunks)
	streamErr := s.StreamErr
	delay := s.ChunkDelay
	s.mu.Unlock()

	st := &stream{
		chunks: make(chan []byte, len(chunks)),
		err:    streamErr,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(st.chunks)
		for _, c := range chunks {
			if delay != nil {
				delay()
			}
			select {
			case <-ctx.Done():
				st.err = ctx.Err()
				return
			case <-st.done:
				return
			case st.chunks <- c:
			}
		}
	}()
	return st, nil
}

// Probe records the call and returns ProbeErr.
func (s *Synthesizer) Probe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ProbeCalls++
	return s.ProbeErr
}

// Reset clears all recorded calls. Thread-safe.
func (s *Synthesizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SynthesizeCalls = nil
	s.ProbeCalls = 0
}

type stream struct {
	chunks    chan []byte
	err       error
	done      chan struct{}
	closeOnce sync.Once
}

func (st *stream) Chunks() <-chan []byte { return st.chunks }

func (st *stream) Err() error { return st.err }

func (st *stream) Close() error {
	st.closeOnce.Do(func() { close(st.done) })
	return nil
}

// Ensure Synthesizer implements tts.Synthesizer at compile time.
var _ tts.Synthesizer = (*Synthesizer)(nil)
