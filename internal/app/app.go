// Package app is the composition root: it builds the event log, registry,
// pronunciation engine, supervisor, transports, conversation engine and the
// request surface from one [config.Config], and owns the shutdown order.
//
// Components receive narrow interfaces, never the App itself; nothing here
// reads globals beyond the OTel meter provider that observe installs.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/x85446/voicemode/internal/config"
	"github.com/x85446/voicemode/internal/converse"
	"github.com/x85446/voicemode/internal/eventlog"
	"github.com/x85446/voicemode/internal/health"
	"github.com/x85446/voicemode/internal/observe"
	"github.com/x85446/voicemode/internal/pronounce"
	"github.com/x85446/voicemode/internal/registry"
	"github.com/x85446/voicemode/internal/rpc"
	"github.com/x85446/voicemode/internal/session"
	"github.com/x85446/voicemode/internal/supervisor"
	"github.com/x85446/voicemode/pkg/audio/device"
	"github.com/x85446/voicemode/pkg/audio/local"
	"github.com/x85446/voicemode/pkg/audio/room"
	"github.com/x85446/voicemode/pkg/provider/stt"
	"github.com/x85446/voicemode/pkg/provider/stt/openaitranscribe"
	"github.com/x85446/voicemode/pkg/provider/tts"
	"github.com/x85446/voicemode/pkg/provider/tts/openaispeech"
)

// defaultRoom is the LiveKit room joined when the room transport is
// configured.
const defaultRoom = "voicemode"

// App holds the assembled components.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	events  *eventlog.Writer
	reg     *registry.Registry
	pron    *pronounce.Engine
	sup     *supervisor.Supervisor
	devices *device.Manager
	roomTr  *room.Transport
	engine  *converse.Engine
	surface *rpc.Server
	checks  *health.Handler

	metricsShutdown func(context.Context) error
}

// New assembles the application. Fatal wiring problems are returned; absent
// optional hardware (no audio devices) degrades to the transports that
// remain available.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, version string) (*App, error) {
	if err := cfg.EnsureLayout(); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, logger: logger}
	clock := session.SystemClock{}

	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}
	a.metricsShutdown = shutdown
	metrics := observe.DefaultMetrics()

	a.events, err = eventlog.NewWriter(cfg.LogsDir(), clock, logger)
	if err != nil {
		return nil, err
	}

	a.reg = registry.New(clock, seconds(cfg.Timeouts.CooldownS), logger)
	if err := a.registerEndpoints(); err != nil {
		return nil, err
	}

	// The surface always gets an engine so pronounce.list/test work; the
	// converse pipeline only applies rules when the feature is enabled.
	var enginePron *pronounce.Engine
	if cfg.Pronunciation.Enabled {
		paths := append([]string{cfg.PronunciationFile()}, cfg.Pronunciation.Paths...)
		a.pron, err = pronounce.LoadLayers(paths,
			pronounce.WithLogger(logger),
			pronounce.WithSubstitutionLogging(cfg.Pronunciation.LogSubstitutions))
		if err != nil {
			return nil, err
		}
		enginePron = a.pron
	} else {
		a.pron = pronounce.NewEngine(nil, nil, nil, pronounce.WithLogger(logger))
	}

	a.sup = supervisor.New(filepath.Join(cfg.Home, "services"),
		supervisor.WithLogger(logger),
		supervisor.WithStopGrace(seconds(cfg.Timeouts.StopGraceS)),
		supervisor.WithHealthInterval(seconds(cfg.Timeouts.HealthIntervalS)))

	opts := []converse.Option{
		converse.WithPronunciation(enginePron),
		converse.WithEvents(a.events),
		converse.WithLogger(logger),
		converse.WithMetrics(metrics),
	}

	a.devices, err = device.NewManager()
	if err != nil {
		// No audio hardware: the room transport can still serve.
		logger.Warn("app: audio devices unavailable, local transport disabled", "err", err)
	} else {
		opts = append(opts, converse.WithLocalTransport(local.New(a.devices, logger)))
	}

	if cfg.LiveKit.Enabled() {
		a.roomTr, err = room.New(room.Config{
			URL:       cfg.LiveKit.URL,
			APIKey:    cfg.LiveKit.APIKey,
			APISecret: cfg.LiveKit.APISecret,
			Room:      defaultRoom,
		}, logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, converse.WithRoomTransport(a.roomTr))
	}

	a.engine = converse.New(a.reg, a.ttsFactory(), a.sttFactory(), converse.SettingsFrom(cfg), opts...)

	a.surface = rpc.New(rpc.Config{
		Converser: a.engine,
		Services:  a.sup,
		Registry:  a.reg,
		Pronounce: a.pron,
		ProberFor: a.proberFor,
		LogsDir:   cfg.LogsDir(),
		Tools:     cfg.Tools,
		Clock:     clock,
		Logger:    logger,
		Version:   version,
	})

	a.checks = health.New(
		health.Checker{Name: "providers", Check: a.checkProviders},
		health.Checker{Name: "eventlog", Check: func(context.Context) error { return nil }},
	)
	return a, nil
}

// registerEndpoints loads the declared provider endpoints, falling back to
// the built-in local-first defaults when no endpoints file exists.
func (a *App) registerEndpoints() error {
	eps, err := registry.LoadFile(a.cfg.EndpointsFile())
	if err != nil {
		return err
	}
	if len(eps) == 0 {
		eps = a.defaultEndpoints()
	}
	for _, ep := range eps {
		if err := a.reg.Register(ep, a.proberFor(ep)); err != nil {
			return err
		}
	}
	return nil
}

// defaultEndpoints prefers the local Kokoro and Whisper servers and keeps
// OpenAI as the fallback when credentials exist.
func (a *App) defaultEndpoints() []registry.Endpoint {
	eps := []registry.Endpoint{
		{ID: "kokoro", Kind: registry.KindTTS, BaseURL: "http://127.0.0.1:8880/v1", Priority: 0},
		{ID: "whisper", Kind: registry.KindSTT, BaseURL: "http://127.0.0.1:2022/v1", Priority: 0},
	}
	if a.cfg.OpenAI.APIKey != "" {
		eps = append(eps,
			registry.Endpoint{ID: "openai-tts", Kind: registry.KindTTS, BaseURL: a.cfg.OpenAI.BaseURL, APIKey: a.cfg.OpenAI.APIKey, Priority: 10},
			registry.Endpoint{ID: "openai-stt", Kind: registry.KindSTT, BaseURL: a.cfg.OpenAI.BaseURL, APIKey: a.cfg.OpenAI.APIKey, Priority: 10},
		)
	}
	return eps
}

func (a *App) apiKeyFor(ep registry.Endpoint) string {
	if ep.APIKey != "" {
		return ep.APIKey
	}
	return a.cfg.OpenAI.APIKey
}

func (a *App) ttsFactory() converse.TTSFactory {
	return func(ep registry.Endpoint) tts.Synthesizer {
		s, err := openaispeech.New(ep.BaseURL, a.apiKeyFor(ep))
		if err != nil {
			a.logger.Warn("app: tts client build failed", "endpoint", ep.ID, "err", err)
			return nil
		}
		return s
	}
}

func (a *App) sttFactory() converse.STTFactory {
	return func(ep registry.Endpoint) stt.Transcriber {
		t, err := openaitranscribe.New(ep.BaseURL, a.apiKeyFor(ep))
		if err != nil {
			a.logger.Warn("app: stt client build failed", "endpoint", ep.ID, "err", err)
			return nil
		}
		return t
	}
}

// proberFor builds a liveness prober matching the endpoint's kind.
func (a *App) proberFor(ep registry.Endpoint) registry.Prober {
	switch ep.Kind {
	case registry.KindTTS:
		if s, err := openaispeech.New(ep.BaseURL, a.apiKeyFor(ep)); err == nil {
			return s
		}
	case registry.KindSTT:
		if t, err := openaitranscribe.New(ep.BaseURL, a.apiKeyFor(ep)); err == nil {
			return t
		}
	}
	return nil
}

func (a *App) checkProviders(context.Context) error {
	total := len(a.reg.List(registry.KindTTS)) + len(a.reg.List(registry.KindSTT))
	if total == 0 {
		return errors.New("no provider endpoints configured")
	}
	return nil
}

// Run serves the request surface until ctx is cancelled or the client
// disconnects. The supervisor poll loop, the room join loop, and the
// optional diagnostics listener run alongside it.
func (a *App) Run(ctx context.Context) error {
	go a.sup.Run(ctx)
	if a.cfg.AutoStartKokoro {
		a.sup.StartKokoro(ctx)
	}
	if a.roomTr != nil {
		go a.joinRoom(ctx)
	}
	if a.cfg.MetricsAddr != "" {
		go func() {
			if err := a.checks.Serve(ctx, a.cfg.MetricsAddr); err != nil {
				a.logger.Error("app: diagnostics listener failed", "addr", a.cfg.MetricsAddr, "err", err)
			}
		}()
	}
	return a.surface.Run(ctx)
}

// roomJoinRetry paces reconnection attempts against the relay.
const roomJoinRetry = 15 * time.Second

// joinRoom keeps dialing the relay until the room is joined. The frontend
// service providing the relay may come up after we do, so failures retry
// instead of disabling the transport.
func (a *App) joinRoom(ctx context.Context) {
	for {
		jctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := a.roomTr.Join(jctx)
		cancel()
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		a.logger.Warn("app: room join failed, retrying", "err", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(roomJoinRetry):
		}
	}
}

// Close tears the application down: live sessions first, then the sinks
// they write to.
func (a *App) Close(ctx context.Context) error {
	var errs []error

	if a.engine != nil {
		a.engine.CancelAll()
	}
	if a.roomTr != nil {
		if err := a.roomTr.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.devices != nil {
		if err := a.devices.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.events != nil {
		if err := a.events.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.metricsShutdown != nil {
		if err := a.metricsShutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
