// Package converse implements the voice conversation engine: synthesize and
// play the assistant's message, record the user's reply, and transcribe it.
//
// A session moves through speak, listen, and transcribe phases. Provider
// endpoints come from the registry in effective priority order and the
// engine fails over between them, reporting every outcome back so health
// tracking stays current. All phase boundaries emit events to the JSONL log.
package converse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/x85446/voicemode/internal/config"
	"github.com/x85446/voicemode/internal/eventlog"
	"github.com/x85446/voicemode/internal/observe"
	"github.com/x85446/voicemode/internal/pronounce"
	"github.com/x85446/voicemode/internal/registry"
	"github.com/x85446/voicemode/internal/session"
	"github.com/x85446/voicemode/pkg/audio"
	"github.com/x85446/voicemode/pkg/audio/codec"
	"github.com/x85446/voicemode/pkg/audio/device"
	"github.com/x85446/voicemode/pkg/provider/stt"
	"github.com/x85446/voicemode/pkg/provider/tts"
	"github.com/x85446/voicemode/pkg/transport"
)

// TTSFactory returns a synthesizer client for an endpoint. Implementations
// should cache clients; the engine calls this on every attempt.
type TTSFactory func(ep registry.Endpoint) tts.Synthesizer

// STTFactory returns a transcriber client for an endpoint.
type STTFactory func(ep registry.Endpoint) stt.Transcriber

// Request is one converse invocation.
type Request struct {
	// Message is the text to speak. Empty means listen-only.
	Message string

	// WaitForResponse records and transcribes the user's reply after
	// playback. False means speak-only.
	WaitForResponse bool

	// ListenDurationS overrides the listen window in seconds. Zero means the
	// configured maximum; values above the maximum are clamped.
	ListenDurationS float64

	// Transport selects the audio path. Empty means auto.
	Transport transport.Kind

	// Voice, Model, and TTSProvider narrow TTS endpoint selection.
	Voice       string
	Model       string
	TTSProvider string

	// STTProvider and Language narrow STT endpoint selection.
	STTProvider string
	Language    string
}

func (r Request) validate() error {
	var errs []error
	if r.Transport != "" && !r.Transport.IsValid() {
		errs = append(errs, fmt.Errorf("transport %q is invalid; valid values: auto, local, room", r.Transport))
	}
	if r.ListenDurationS < 0 {
		errs = append(errs, fmt.Errorf("listen duration %.1fs is negative", r.ListenDurationS))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, errors.Join(errs...))
	}
	return nil
}

// Timing holds the per-phase latencies of one session. Zero values mean the
// phase did not run (or did not complete).
type Timing struct {
	// TTFA is synthesis start to first audio byte.
	TTFA time.Duration `json:"ttfa"`

	// TTSGen is synthesis start to the last decoded frame.
	TTSGen time.Duration `json:"tts_gen"`

	// TTSPlay is playback start to playback end.
	TTSPlay time.Duration `json:"tts_play"`

	// Recording is the captured audio duration.
	Recording time.Duration `json:"record"`

	// STT is the transcription round trip.
	STT time.Duration `json:"stt"`

	// Total is the whole request.
	Total time.Duration `json:"total"`
}

// Providers names the endpoints that served the session.
type Providers struct {
	TTS string `json:"tts,omitempty"`
	STT string `json:"stt,omitempty"`
}

// Response is the outcome of a converse request. On failure it still carries
// the session ID and whatever timing was measured before the error.
type Response struct {
	SessionID  string    `json:"session_id"`
	Transcript string    `json:"transcript,omitempty"`
	Timing     Timing    `json:"timing"`
	Providers  Providers `json:"providers"`
}

// State is the coarse phase of a live session, for status reporting.
type State string

const (
	StatePreparing    State = "preparing"
	StateSpeaking     State = "speaking"
	StateListening    State = "listening"
	StateTranscribing State = "transcribing"
)

// SessionInfo describes one live session.
type SessionInfo struct {
	ID    string `json:"id"`
	State State  `json:"state"`
}

// Settings is the engine's static tuning, normally derived from
// [config.Config].
type Settings struct {
	Format      codec.Format
	VAD         config.VADConfig
	Timeouts    config.TimeoutConfig
	Playback    config.PlaybackConfig
	MaxSessions int
	SaveAudio   bool
	AudioDir    string
}

// SettingsFrom extracts engine settings from the root configuration.
func SettingsFrom(cfg *config.Config) Settings {
	return Settings{
		Format:      codec.Format(cfg.AudioFormat),
		VAD:         cfg.VAD,
		Timeouts:    cfg.Timeouts,
		Playback:    cfg.Playback,
		MaxSessions: cfg.MaxSessions,
		SaveAudio:   cfg.SaveAudio,
		AudioDir:    cfg.AudioDir(),
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLocalTransport sets the device-backed transport.
func WithLocalTransport(t transport.Transport) Option {
	return func(e *Engine) { e.local = t }
}

// WithRoomTransport sets the room relay transport.
func WithRoomTransport(t transport.Transport) Option {
	return func(e *Engine) { e.room = t }
}

// WithPronunciation enables text substitution around the providers.
func WithPronunciation(p *pronounce.Engine) Option {
	return func(e *Engine) { e.pron = p }
}

// WithEvents sets the JSONL event writer.
func WithEvents(w *eventlog.Writer) Option {
	return func(e *Engine) { e.events = w }
}

// WithClock overrides the time source, for tests.
func WithClock(c session.Clock) Option {
	return func(e *Engine) {
		e.clock = c
		e.minter = session.NewMinter(c)
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics enables metric recording.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine runs converse sessions. Safe for concurrent use.
type Engine struct {
	reg    *registry.Registry
	ttsFor TTSFactory
	sttFor STTFactory
	set    Settings

	local, room transport.Transport
	pron        *pronounce.Engine
	events      *eventlog.Writer
	clock       session.Clock
	minter      *session.Minter
	logger      *slog.Logger
	metrics     *observe.Metrics

	mu     sync.Mutex
	active map[string]*liveSession
}

type liveSession struct {
	cancel context.CancelCauseFunc
	state  State
}

// New creates an engine. The factories must be non-nil; everything else is
// optional.
func New(reg *registry.Registry, ttsFor TTSFactory, sttFor STTFactory, set Settings, opts ...Option) *Engine {
	e := &Engine{
		reg:    reg,
		ttsFor: ttsFor,
		sttFor: sttFor,
		set:    set,
		clock:  session.SystemClock{},
		logger: slog.Default(),
		active: make(map[string]*liveSession),
	}
	e.minter = session.NewMinter(e.clock)
	for _, o := range opts {
		o(e)
	}
	if e.set.MaxSessions < 1 {
		e.set.MaxSessions = 1
	}
	return e
}

// Sessions returns the live sessions, ordered by ID.
func (e *Engine) Sessions() []SessionInfo {
	e.mu.Lock()
	out := make([]SessionInfo, 0, len(e.active))
	for id, ls := range e.active {
		out = append(out, SessionInfo{ID: id, State: ls.state})
	}
	e.mu.Unlock()
	slices.SortFunc(out, func(a, b SessionInfo) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Cancel aborts a live session. Returns false when the ID is not live.
func (e *Engine) Cancel(sessionID string) bool {
	e.mu.Lock()
	ls, ok := e.active[sessionID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	ls.cancel(ErrCancelled)
	return true
}

// CancelAll aborts every live session, for shutdown.
func (e *Engine) CancelAll() {
	e.mu.Lock()
	sessions := make([]*liveSession, 0, len(e.active))
	for _, ls := range e.active {
		sessions = append(sessions, ls)
	}
	e.mu.Unlock()
	for _, ls := range sessions {
		ls.cancel(ErrCancelled)
	}
}

// Converse runs one session. The returned Response is never nil: on failure
// it carries the session ID and partial timing alongside the error.
func (e *Engine) Converse(ctx context.Context, req Request) (*Response, error) {
	if err := req.validate(); err != nil {
		return &Response{}, err
	}

	e.mu.Lock()
	if len(e.active) >= e.set.MaxSessions {
		n := len(e.active)
		e.mu.Unlock()
		return &Response{}, fmt.Errorf("%w: %d active", ErrBusy, n)
	}
	id := e.minter.Next()
	cctx, cancel := context.WithCancelCause(ctx)
	ls := &liveSession{cancel: cancel, state: StatePreparing}
	e.active[id] = ls
	e.mu.Unlock()

	defer func() {
		cancel(nil)
		e.mu.Lock()
		delete(e.active, id)
		e.mu.Unlock()
	}()

	if e.metrics != nil {
		e.metrics.ActiveSessions.Add(ctx, 1)
		defer e.metrics.ActiveSessions.Add(ctx, -1)
	}

	resp := &Response{SessionID: id}
	start := e.clock.Now()
	e.emit(id, eventlog.TypeToolRequestStart, map[string]any{
		"message_chars":     len(req.Message),
		"wait_for_response": req.WaitForResponse,
		"transport":         string(req.Transport),
	})

	err := e.run(cctx, id, ls, req, resp)
	resp.Timing.Total = e.clock.Now().Sub(start)

	if err != nil {
		if errors.Is(err, ErrCancelled) {
			e.emit(id, eventlog.TypeCancel, nil)
		}
		e.emit(id, eventlog.TypeError, map[string]any{"kind": Kind(err), "detail": err.Error()})
		e.logger.Warn("converse: session failed", "session", id, "kind", Kind(err), "err", err)
	}
	e.emit(id, eventlog.TypeToolRequestEnd, map[string]any{
		"success":    err == nil,
		"error_kind": Kind(err),
		"total_ms":   resp.Timing.Total.Milliseconds(),
	})
	if e.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = Kind(err)
		}
		e.metrics.RecordConverse(ctx, outcome)
	}
	return resp, err
}

func (e *Engine) run(ctx context.Context, id string, ls *liveSession, req Request, resp *Response) error {
	// Nothing to say and nothing to hear: the session completes immediately
	// with only the request bracket events.
	if req.Message == "" && !req.WaitForResponse {
		return nil
	}

	tr, err := e.pickTransport(req.Transport)
	if err != nil {
		return err
	}

	window := e.listenWindow(req)
	// Overall deadline: the listen window plus the first-audio budget plus a
	// fixed grace for playback, transcription, and teardown.
	budget := window + e.seconds(e.set.Timeouts.TTSFirstByteS) + 10*time.Second
	rctx, cancel := context.WithTimeoutCause(ctx, budget, ErrDeadlineExceeded)
	defer cancel()

	if req.Message != "" {
		e.setState(ls, StateSpeaking)
		if err := e.speak(rctx, id, tr, req, resp); err != nil {
			return err
		}
	}

	if !req.WaitForResponse {
		return nil
	}

	e.setState(ls, StateListening)
	buf, err := e.listen(rctx, id, tr, window)
	resp.Timing.Recording = buf.Duration()
	if err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.RecordingDuration.Record(ctx, buf.Duration().Seconds())
	}

	e.setState(ls, StateTranscribing)
	return e.transcribe(rctx, id, buf, req, resp)
}

// ─── Speak phase ───

type speakOutcome struct {
	ttfa, gen, play time.Duration
	played          time.Duration
	firstAudio      bool
}

func (e *Engine) speak(ctx context.Context, id string, tr transport.Transport, req Request, resp *Response) error {
	text := req.Message
	if e.pron != nil {
		text = e.pron.ProcessTTS(text)
	}

	cands := e.reg.Pick(registry.KindTTS, registry.Filter{
		Voice:    req.Voice,
		Model:    req.Model,
		Format:   string(e.set.Format),
		Provider: req.TTSProvider,
	})
	if len(cands) == 0 {
		return fmt.Errorf("%w: tts voice=%q model=%q format=%q provider=%q",
			ErrNoMatchingProvider, req.Voice, req.Model, e.set.Format, req.TTSProvider)
	}

	e.emit(id, eventlog.TypeTTSStart, map[string]any{
		"voice":      req.Voice,
		"format":     string(e.set.Format),
		"candidates": len(cands),
	})

	var lastErr error
	for _, cand := range cands {
		out, err := e.speakVia(ctx, id, tr, cand, text, req)
		if err == nil {
			e.reg.ReportSuccess(cand.ID, out.ttfa)
			e.recordProvider(ctx, cand.ID, "tts", "ok")
			resp.Providers.TTS = cand.ID
			resp.Timing.TTFA = out.ttfa
			resp.Timing.TTSGen = out.gen
			resp.Timing.TTSPlay = out.play
			if e.metrics != nil {
				e.metrics.TTFA.Record(ctx, out.ttfa.Seconds())
				e.metrics.TTSDuration.Record(ctx, out.gen.Seconds())
			}
			return nil
		}
		if ctx.Err() != nil {
			return causeOf(ctx, err)
		}
		e.reg.ReportFailure(cand.ID, Kind(err))
		e.recordProvider(ctx, cand.ID, "tts", "error")
		if errors.Is(err, device.ErrDeviceChanged) || out.firstAudio {
			// Audio already reached the user, or the failure is on our side.
			// Retrying with another provider would double-speak.
			return err
		}
		e.logger.Warn("converse: tts attempt failed, trying next endpoint",
			"session", id, "endpoint", cand.ID, "err", err)
		lastErr = err
	}
	return fmt.Errorf("%w: tts: %v", ErrProviderExhausted, lastErr)
}

func (e *Engine) speakVia(ctx context.Context, id string, tr transport.Transport, cand registry.Snapshot, text string, req Request) (speakOutcome, error) {
	var out speakOutcome
	synth := e.ttsFor(cand.Endpoint)
	if synth == nil {
		return out, fmt.Errorf("converse: no tts client for endpoint %q", cand.ID)
	}

	start := e.clock.Now()
	stream, err := synth.Synthesize(ctx, tts.Request{
		Text:   text,
		Voice:  req.Voice,
		Model:  req.Model,
		Format: string(e.set.Format),
	})
	if err != nil {
		return out, fmt.Errorf("converse: synthesize via %s: %w", cand.ID, err)
	}
	defer stream.Close()

	// The first byte gets its own deadline: a provider that accepts the
	// request but never streams should fail over quickly.
	firstTimer := time.NewTimer(e.seconds(e.set.Timeouts.TTSFirstByteS))
	defer firstTimer.Stop()
	var first []byte
	select {
	case <-ctx.Done():
		return out, causeOf(ctx, ctx.Err())
	case <-firstTimer.C:
		return out, fmt.Errorf("converse: no audio from %s within %.0fs", cand.ID, e.set.Timeouts.TTSFirstByteS)
	case b, ok := <-stream.Chunks():
		if !ok {
			if serr := stream.Err(); serr != nil {
				return out, fmt.Errorf("converse: stream from %s: %w", cand.ID, serr)
			}
			return out, fmt.Errorf("converse: empty stream from %s", cand.ID)
		}
		first = b
	}
	out.firstAudio = true
	out.ttfa = e.clock.Now().Sub(start)
	e.emit(id, eventlog.TypeTTSFirstAudio, map[string]any{"provider": cand.ID})

	pr, pw := io.Pipe()
	frames := make(chan audio.Frame, e.bufferFrames())
	var save bytes.Buffer

	g, gctx := errgroup.WithContext(ctx)

	// Pump compressed bytes from the provider into the decoder. A pipe
	// write error means the decoder side failed; its error wins.
	g.Go(func() error {
		defer pw.Close()
		// The whole stream must land within the per-attempt window; a
		// provider trickling audio after the first byte fails the attempt
		// instead of holding the session to the overall deadline.
		var attemptC <-chan time.Time
		if e.set.Timeouts.PerAttemptS > 0 {
			tm := time.NewTimer(e.seconds(e.set.Timeouts.PerAttemptS))
			defer tm.Stop()
			attemptC = tm.C
		}
		write := func(b []byte) bool {
			if e.set.SaveAudio {
				save.Write(b)
			}
			_, werr := pw.Write(b)
			return werr == nil
		}
		if !write(first) {
			return nil
		}
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-attemptC:
				err := fmt.Errorf("converse: %s did not finish streaming within %.0fs", cand.ID, e.set.Timeouts.PerAttemptS)
				pw.CloseWithError(err)
				return err
			case b, ok := <-stream.Chunks():
				if !ok {
					if serr := stream.Err(); serr != nil {
						pw.CloseWithError(serr)
						return fmt.Errorf("converse: stream from %s: %w", cand.ID, serr)
					}
					return nil
				}
				if !write(b) {
					return nil
				}
			}
		}
	})

	// Decode the compressed stream into PCM frames.
	g.Go(func() error {
		defer close(frames)
		dec, derr := codec.NewDecoder(e.set.Format, pr)
		if derr != nil {
			pr.CloseWithError(derr)
			return fmt.Errorf("converse: decode %s audio from %s: %w", e.set.Format, cand.ID, derr)
		}
		for {
			f, derr := dec.Next()
			if errors.Is(derr, io.EOF) {
				out.gen = e.clock.Now().Sub(start)
				return nil
			}
			if derr != nil {
				pr.CloseWithError(derr)
				return fmt.Errorf("converse: decode %s audio from %s: %w", e.set.Format, cand.ID, derr)
			}
			select {
			case frames <- f:
			case <-gctx.Done():
				pr.CloseWithError(gctx.Err())
				return gctx.Err()
			}
		}
	})

	// Prebuffer, then play. Playback starts once enough audio is decoded to
	// ride out provider jitter, or immediately when the stream is shorter
	// than the prebuffer.
	g.Go(func() error {
		outCh := make(chan audio.Frame, e.bufferFrames())
		var playDone chan error
		var playStart time.Time
		startPlay := func() {
			e.emit(id, eventlog.TypeTTSPlaybackStart, map[string]any{"provider": cand.ID})
			playStart = e.clock.Now()
			playDone = make(chan error, 1)
			go func() { playDone <- tr.Play(gctx, outCh) }()
		}
		prebuffer := time.Duration(e.set.Playback.MinPrebufferMs) * time.Millisecond

		var pre time.Duration
		for f := range frames {
			out.played += f.Duration()
			select {
			case outCh <- f:
			case <-gctx.Done():
				return gctx.Err()
			}
			if playDone == nil {
				pre += f.Duration()
				if pre >= prebuffer {
					startPlay()
				}
			}
		}
		if playDone == nil {
			startPlay()
		}
		close(outCh)
		perr := <-playDone
		out.play = e.clock.Now().Sub(playStart)
		e.emit(id, eventlog.TypeTTSPlaybackEnd, map[string]any{"duration_ms": out.played.Milliseconds()})
		if perr != nil {
			return fmt.Errorf("converse: playback: %w", perr)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return out, causeOf(ctx, err)
	}
	if e.set.SaveAudio {
		e.saveAudio(id, "tts", save.Bytes())
	}
	return out, nil
}

// ─── Listen phase ───

func (e *Engine) listen(ctx context.Context, id string, tr transport.Transport, window time.Duration) (audio.Buffer, error) {
	capt, err := tr.Record(ctx)
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("converse: record: %w", causeOf(ctx, err))
	}
	e.emit(id, eventlog.TypeRecordingStart, map[string]any{"window_ms": window.Milliseconds()})

	v := newVAD(e.set.VAD, window)
	conv := &audio.Converter{Rate: audio.CanonicalRate, Channels: audio.CanonicalChannels}
	var buf audio.Buffer
	var reason endReason

loop:
	for {
		select {
		case <-ctx.Done():
			capt.Stop()
			drain(capt)
			e.emit(id, eventlog.TypeRecordingEnd, map[string]any{
				"duration_ms": buf.Duration().Milliseconds(),
				"reason":      "aborted",
			})
			return buf, causeOf(ctx, ctx.Err())
		case f, ok := <-capt.Frames():
			if !ok {
				break loop
			}
			cf := conv.Convert(f)
			buf.Append(cf)
			var stop bool
			if stop, reason = v.observe(cf); stop {
				break loop
			}
		}
	}
	capt.Stop()
	drain(capt)

	if cerr := capt.Err(); cerr != nil {
		e.emit(id, eventlog.TypeRecordingEnd, map[string]any{
			"duration_ms": buf.Duration().Milliseconds(),
			"reason":      "error",
		})
		return buf, fmt.Errorf("converse: capture: %w", causeOf(ctx, cerr))
	}

	// The capture draining on its own (device stream ended) counts as the
	// window closing.
	if reason == "" {
		if v.sawSpeech() {
			reason = endDuration
		} else {
			reason = endNoSpeech
		}
	}
	e.emit(id, eventlog.TypeRecordingEnd, map[string]any{
		"duration_ms": buf.Duration().Milliseconds(),
		"reason":      string(reason),
	})

	if !v.sawSpeech() {
		return buf, ErrNoSpeechDetected
	}
	return buf, nil
}

func drain(c transport.Capture) {
	for range c.Frames() {
	}
}

// ─── Transcribe phase ───

func (e *Engine) transcribe(ctx context.Context, id string, buf audio.Buffer, req Request, resp *Response) error {
	data, err := codec.Encode(e.set.Format, buf)
	if err != nil {
		return fmt.Errorf("converse: encode recording: %w", err)
	}
	if e.set.SaveAudio {
		e.saveAudio(id, "stt", data)
	}

	cands := e.reg.Pick(registry.KindSTT, registry.Filter{
		Format:   string(e.set.Format),
		Provider: req.STTProvider,
	})
	if len(cands) == 0 {
		return fmt.Errorf("%w: stt format=%q provider=%q", ErrNoMatchingProvider, e.set.Format, req.STTProvider)
	}

	e.emit(id, eventlog.TypeSTTStart, map[string]any{"bytes": len(data)})
	start := e.clock.Now()

	// The total budget spans every failover attempt; each candidate gets at
	// most the per-attempt window of it.
	sctx := ctx
	if e.set.Timeouts.STTTotalS > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeoutCause(ctx, e.seconds(e.set.Timeouts.STTTotalS), ErrDeadlineExceeded)
		defer cancel()
	}

	var lastErr error
	for _, cand := range cands {
		scriber := e.sttFor(cand.Endpoint)
		if scriber == nil {
			lastErr = fmt.Errorf("converse: no stt client for endpoint %q", cand.ID)
			continue
		}
		tctx, cancel := sctx, context.CancelFunc(func() {})
		if e.set.Timeouts.PerAttemptS > 0 {
			tctx, cancel = context.WithTimeout(sctx, e.seconds(e.set.Timeouts.PerAttemptS))
		}
		res, terr := scriber.Transcribe(tctx, stt.Request{
			Audio:    data,
			Format:   string(e.set.Format),
			Language: req.Language,
		})
		cancel()
		if terr == nil {
			d := e.clock.Now().Sub(start)
			e.reg.ReportSuccess(cand.ID, d)
			e.recordProvider(ctx, cand.ID, "stt", "ok")
			e.emit(id, eventlog.TypeSTTComplete, map[string]any{
				"provider": cand.ID,
				"chars":    len(res.Text),
			})
			if e.metrics != nil {
				e.metrics.STTDuration.Record(ctx, d.Seconds())
			}
			text := res.Text
			if e.pron != nil {
				text = e.pron.ProcessSTT(text)
			}
			resp.Transcript = text
			resp.Providers.STT = cand.ID
			resp.Timing.STT = d
			return nil
		}
		if sctx.Err() != nil {
			return causeOf(sctx, terr)
		}
		e.reg.ReportFailure(cand.ID, Kind(terr))
		e.recordProvider(ctx, cand.ID, "stt", "error")
		e.logger.Warn("converse: stt attempt failed, trying next endpoint",
			"session", id, "endpoint", cand.ID, "err", terr)
		lastErr = terr
	}
	return fmt.Errorf("%w: stt: %v", ErrProviderExhausted, lastErr)
}

// ─── Helpers ───

func (e *Engine) pickTransport(kind transport.Kind) (transport.Transport, error) {
	switch kind {
	case transport.KindLocal:
		if e.local == nil {
			return nil, fmt.Errorf("%w: local transport not configured", ErrServiceUnavailable)
		}
		return e.local, nil
	case transport.KindRoom:
		if e.room == nil {
			return nil, fmt.Errorf("%w: room transport not configured", ErrServiceUnavailable)
		}
		if !e.room.Live() {
			return nil, fmt.Errorf("%w: room not joined", ErrServiceUnavailable)
		}
		return e.room, nil
	default: // auto
		if e.room != nil && e.room.Live() {
			return e.room, nil
		}
		if e.local != nil {
			return e.local, nil
		}
		return nil, fmt.Errorf("%w: no transport available", ErrServiceUnavailable)
	}
}

func (e *Engine) listenWindow(req Request) time.Duration {
	limit := e.seconds(e.set.VAD.MaxListenS)
	if req.ListenDurationS <= 0 {
		return limit
	}
	w := e.seconds(req.ListenDurationS)
	if w > limit {
		return limit
	}
	return w
}

func (e *Engine) setState(ls *liveSession, s State) {
	e.mu.Lock()
	ls.state = s
	e.mu.Unlock()
}

func (e *Engine) emit(id string, typ eventlog.Type, data map[string]any) {
	if e.events != nil {
		e.events.Emit(id, typ, data)
	}
}

func (e *Engine) recordProvider(ctx context.Context, provider, kind, status string) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordProviderRequest(ctx, provider, kind, status)
	if status != "ok" {
		e.metrics.RecordProviderError(ctx, provider, kind)
	}
}

func (e *Engine) bufferFrames() int {
	n := e.set.Playback.BufferMs / audio.FrameMs
	if n < 4 {
		n = 4
	}
	return n
}

func (e *Engine) seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func (e *Engine) saveAudio(id, phase string, data []byte) {
	if e.set.AudioDir == "" || len(data) == 0 {
		return
	}
	name := fmt.Sprintf("%s-%s.%s", id, phase, e.set.Format)
	path := filepath.Join(e.set.AudioDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		e.logger.Warn("converse: save audio", "path", path, "err", err)
	}
}

// causeOf substitutes the context's cancellation cause for a bare context
// error, so explicit cancels surface as [ErrCancelled] and the overall
// deadline as [ErrDeadlineExceeded].
func causeOf(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	if c := context.Cause(ctx); c != nil && !errors.Is(c, ctx.Err()) {
		return c
	}
	return err
}
