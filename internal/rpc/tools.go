package rpc

import (
	"context"
	"fmt"
	"time"

	"github.com/x85446/voicemode/internal/converse"
	"github.com/x85446/voicemode/internal/eventlog"
	"github.com/x85446/voicemode/internal/pronounce"
	"github.com/x85446/voicemode/internal/registry"
	"github.com/x85446/voicemode/internal/supervisor"
	"github.com/x85446/voicemode/pkg/transport"
)

// register wires the full method table, minus whatever the allow/deny lists
// exclude. Tool names are the canonical JSON-RPC method names.
func (s *Server) register(allowed func(string) bool) {
	addTool(s, allowed, "converse",
		"Speak a message and optionally record and transcribe the reply.",
		s.handleConverse)
	addTool(s, allowed, "cancel",
		"Cancel a running converse session.",
		s.handleCancel)

	addTool(s, allowed, "service.status",
		"Report the status of one managed service, or all of them.",
		s.handleServiceStatus)
	addTool(s, allowed, "service.start",
		"Start a managed service. Idempotent.",
		s.handleServiceStart)
	addTool(s, allowed, "service.stop",
		"Stop a managed service.",
		s.handleServiceStop)
	addTool(s, allowed, "service.restart",
		"Restart a managed service.",
		s.handleServiceRestart)
	addTool(s, allowed, "service.enable",
		"Install the service's autostart entry.",
		s.handleServiceEnable)
	addTool(s, allowed, "service.disable",
		"Remove the service's autostart entry.",
		s.handleServiceDisable)
	addTool(s, allowed, "service.logs",
		"Return the tail of a service's log file.",
		s.handleServiceLogs)

	addTool(s, allowed, "registry.list",
		"List provider endpoints with their live health.",
		s.handleRegistryList)
	addTool(s, allowed, "registry.refresh",
		"Probe provider endpoints and update their health.",
		s.handleRegistryRefresh)
	addTool(s, allowed, "registry.register",
		"Register a provider endpoint at runtime.",
		s.handleRegistryRegister)
	addTool(s, allowed, "registry.unregister",
		"Remove a provider endpoint.",
		s.handleRegistryUnregister)

	addTool(s, allowed, "statistics.summary",
		"Summarise one day of conversation events.",
		s.handleStatisticsSummary)

	addTool(s, allowed, "pronounce.list",
		"List the active pronunciation rules.",
		s.handlePronounceList)
	addTool(s, allowed, "pronounce.test",
		"Apply the pronunciation rules to a sample text without speaking.",
		s.handlePronounceTest)

	addTool(s, allowed, "whisper.model.list",
		"List the Whisper model catalog with installed and active flags.",
		s.handleModelList)
	addTool(s, allowed, "whisper.model.active",
		"Get or atomically change the active Whisper model.",
		s.handleModelActive)
	addTool(s, allowed, "whisper.model.install",
		"Download and verify a Whisper model.",
		s.handleModelInstall)
}

// ─── converse / cancel ───

type converseArgs struct {
	Message         string  `json:"message,omitempty"`
	WaitForResponse *bool   `json:"wait_for_response,omitempty"`
	ListenDurationS float64 `json:"listen_duration_s,omitempty"`
	Transport       string  `json:"transport,omitempty"`
	Voice           string  `json:"voice,omitempty"`
	Model           string  `json:"model,omitempty"`
	TTSProvider     string  `json:"tts_provider,omitempty"`
	STTProvider     string  `json:"stt_provider,omitempty"`
	Language        string  `json:"language,omitempty"`
}

type timingMS struct {
	TTFAMs    int64 `json:"ttfa_ms,omitempty"`
	TTSGenMs  int64 `json:"tts_gen_ms,omitempty"`
	TTSPlayMs int64 `json:"tts_play_ms,omitempty"`
	RecordMs  int64 `json:"record_ms,omitempty"`
	STTMs     int64 `json:"stt_ms,omitempty"`
	TotalMs   int64 `json:"total_ms"`
}

func toTimingMS(t converse.Timing) timingMS {
	return timingMS{
		TTFAMs:    t.TTFA.Milliseconds(),
		TTSGenMs:  t.TTSGen.Milliseconds(),
		TTSPlayMs: t.TTSPlay.Milliseconds(),
		RecordMs:  t.Recording.Milliseconds(),
		STTMs:     t.STT.Milliseconds(),
		TotalMs:   t.Total.Milliseconds(),
	}
}

type converseResult struct {
	SessionID  string             `json:"session_id,omitempty"`
	Success    bool               `json:"success"`
	Transcript string             `json:"transcript,omitempty"`
	Timing     timingMS           `json:"timing"`
	Providers  converse.Providers `json:"providers"`
	Error      *errObject         `json:"error,omitempty"`
}

// handleConverse never maps failures to a tool error: the contract is a
// success flag with partial timing preserved, so a session whose TTS played
// but whose STT failed still reports what it measured.
func (s *Server) handleConverse(ctx context.Context, in converseArgs) (converseResult, error) {
	req := converse.Request{
		Message:         in.Message,
		WaitForResponse: true,
		ListenDurationS: in.ListenDurationS,
		Transport:       transport.Kind(in.Transport),
		Voice:           in.Voice,
		Model:           in.Model,
		TTSProvider:     in.TTSProvider,
		STTProvider:     in.STTProvider,
		Language:        in.Language,
	}
	if in.WaitForResponse != nil {
		req.WaitForResponse = *in.WaitForResponse
	}

	resp, err := s.conv.Converse(ctx, req)
	out := converseResult{
		SessionID:  resp.SessionID,
		Success:    err == nil,
		Transcript: resp.Transcript,
		Timing:     toTimingMS(resp.Timing),
		Providers:  resp.Providers,
	}
	if err != nil {
		out.Error = newErrObject(err)
	}
	return out, nil
}

type cancelArgs struct {
	SessionID string `json:"session_id"`
}

type cancelResult struct {
	Cancelled bool `json:"cancelled"`
}

func (s *Server) handleCancel(_ context.Context, in cancelArgs) (cancelResult, error) {
	if in.SessionID == "" {
		return cancelResult{}, fmt.Errorf("%w: session_id is required", converse.ErrInvalidRequest)
	}
	return cancelResult{Cancelled: s.conv.Cancel(in.SessionID)}, nil
}

// ─── service.* ───

type serviceArgs struct {
	Service string `json:"service"`
}

func (s *Server) serviceName(in serviceArgs) (supervisor.Name, error) {
	name := supervisor.Name(in.Service)
	if !name.IsValid() {
		return "", fmt.Errorf("%w: %q", supervisor.ErrUnknownService, in.Service)
	}
	return name, nil
}

type serviceStatusResult struct {
	Services []supervisor.Status `json:"services"`
}

func (s *Server) handleServiceStatus(_ context.Context, in serviceArgs) (serviceStatusResult, error) {
	if in.Service == "" {
		return serviceStatusResult{Services: s.services.StatusAll()}, nil
	}
	name, err := s.serviceName(in)
	if err != nil {
		return serviceStatusResult{}, err
	}
	st, err := s.services.Status(name)
	if err != nil {
		return serviceStatusResult{}, err
	}
	return serviceStatusResult{Services: []supervisor.Status{st}}, nil
}

type serviceResult struct {
	Service supervisor.Status `json:"service"`
}

func (s *Server) handleServiceStart(ctx context.Context, in serviceArgs) (serviceResult, error) {
	name, err := s.serviceName(in)
	if err != nil {
		return serviceResult{}, err
	}
	st, err := s.services.Start(ctx, name)
	if err != nil {
		return serviceResult{}, err
	}
	return serviceResult{Service: st}, nil
}

func (s *Server) handleServiceStop(ctx context.Context, in serviceArgs) (serviceResult, error) {
	name, err := s.serviceName(in)
	if err != nil {
		return serviceResult{}, err
	}
	if err := s.services.Stop(ctx, name); err != nil {
		return serviceResult{}, err
	}
	st, err := s.services.Status(name)
	if err != nil {
		return serviceResult{}, err
	}
	return serviceResult{Service: st}, nil
}

func (s *Server) handleServiceRestart(ctx context.Context, in serviceArgs) (serviceResult, error) {
	name, err := s.serviceName(in)
	if err != nil {
		return serviceResult{}, err
	}
	st, err := s.services.Restart(ctx, name)
	if err != nil {
		return serviceResult{}, err
	}
	return serviceResult{Service: st}, nil
}

func (s *Server) handleServiceEnable(_ context.Context, in serviceArgs) (serviceResult, error) {
	name, err := s.serviceName(in)
	if err != nil {
		return serviceResult{}, err
	}
	if err := s.services.Enable(name); err != nil {
		return serviceResult{}, err
	}
	st, err := s.services.Status(name)
	if err != nil {
		return serviceResult{}, err
	}
	return serviceResult{Service: st}, nil
}

func (s *Server) handleServiceDisable(_ context.Context, in serviceArgs) (serviceResult, error) {
	name, err := s.serviceName(in)
	if err != nil {
		return serviceResult{}, err
	}
	if err := s.services.Disable(name); err != nil {
		return serviceResult{}, err
	}
	st, err := s.services.Status(name)
	if err != nil {
		return serviceResult{}, err
	}
	return serviceResult{Service: st}, nil
}

type serviceLogsArgs struct {
	Service string `json:"service"`
	Lines   int    `json:"lines,omitempty"`
}

type serviceLogsResult struct {
	Lines []string `json:"lines"`
}

func (s *Server) handleServiceLogs(_ context.Context, in serviceLogsArgs) (serviceLogsResult, error) {
	name, err := s.serviceName(serviceArgs{Service: in.Service})
	if err != nil {
		return serviceLogsResult{}, err
	}
	lines, err := s.services.Logs(name, in.Lines)
	if err != nil {
		return serviceLogsResult{}, err
	}
	return serviceLogsResult{Lines: lines}, nil
}

// ─── registry.* ───

// endpointView is the wire shape of a registered endpoint. Credentials are
// never echoed back.
type endpointView struct {
	ID                  string `json:"id"`
	Kind                string `json:"kind"`
	BaseURL             string `json:"base_url"`
	Priority            int    `json:"priority"`
	Health              string `json:"health"`
	ConsecutiveFailures int    `json:"consecutive_failures,omitempty"`
	LastLatencyMs       int64  `json:"last_latency_ms,omitempty"`
	LastChecked         string `json:"last_checked,omitempty"`
}

func toEndpointView(sn registry.Snapshot) endpointView {
	v := endpointView{
		ID:                  sn.ID,
		Kind:                string(sn.Endpoint.Kind),
		BaseURL:             sn.BaseURL,
		Priority:            sn.Priority,
		Health:              string(sn.State),
		ConsecutiveFailures: sn.ConsecutiveFailures,
		LastLatencyMs:       sn.LastLatency.Milliseconds(),
	}
	if !sn.LastChecked.IsZero() {
		v.LastChecked = sn.LastChecked.Format(time.RFC3339)
	}
	return v
}

type registryListArgs struct {
	// Kind narrows the listing to "tts" or "stt". Empty lists both.
	Kind string `json:"kind,omitempty"`
}

type registryListResult struct {
	Endpoints []endpointView `json:"endpoints"`
}

func (s *Server) handleRegistryList(_ context.Context, in registryListArgs) (registryListResult, error) {
	kinds := []registry.Kind{registry.KindTTS, registry.KindSTT}
	if in.Kind != "" {
		k := registry.Kind(in.Kind)
		if !k.IsValid() {
			return registryListResult{}, fmt.Errorf("%w: kind %q is invalid; valid values: tts, stt", converse.ErrInvalidRequest, in.Kind)
		}
		kinds = []registry.Kind{k}
	}
	out := registryListResult{Endpoints: []endpointView{}}
	for _, k := range kinds {
		for _, sn := range s.reg.List(k) {
			out.Endpoints = append(out.Endpoints, toEndpointView(sn))
		}
	}
	return out, nil
}

type registryRefreshArgs struct {
	// ID probes a single endpoint. Empty probes every registered endpoint.
	ID string `json:"id,omitempty"`
}

type registryRefreshResult struct {
	Refreshed int            `json:"refreshed"`
	Endpoints []endpointView `json:"endpoints"`
}

func (s *Server) handleRegistryRefresh(ctx context.Context, in registryRefreshArgs) (registryRefreshResult, error) {
	var ids []string
	if in.ID != "" {
		ids = []string{in.ID}
	} else {
		for _, k := range []registry.Kind{registry.KindTTS, registry.KindSTT} {
			for _, sn := range s.reg.List(k) {
				ids = append(ids, sn.ID)
			}
		}
	}

	out := registryRefreshResult{}
	for _, id := range ids {
		if err := s.reg.Refresh(ctx, id); err != nil {
			if in.ID != "" {
				return registryRefreshResult{}, err
			}
			// Bulk refresh: a failed probe is a health observation, not a
			// request failure.
			s.logger.Debug("rpc: refresh probe failed", "endpoint", id, "err", err)
		}
		out.Refreshed++
	}
	list, err := s.handleRegistryList(ctx, registryListArgs{})
	if err != nil {
		return registryRefreshResult{}, err
	}
	out.Endpoints = list.Endpoints
	return out, nil
}

type registryRegisterArgs struct {
	ID       string   `json:"id"`
	Kind     string   `json:"kind"`
	BaseURL  string   `json:"base_url"`
	APIKey   string   `json:"api_key,omitempty"`
	Priority int      `json:"priority,omitempty"`
	Voices   []string `json:"voices,omitempty"`
	Models   []string `json:"models,omitempty"`
	Formats  []string `json:"formats,omitempty"`
}

type registryRegisterResult struct {
	Endpoint endpointView `json:"endpoint"`
}

func (s *Server) handleRegistryRegister(_ context.Context, in registryRegisterArgs) (registryRegisterResult, error) {
	ep := registry.Endpoint{
		ID:       in.ID,
		Kind:     registry.Kind(in.Kind),
		BaseURL:  in.BaseURL,
		APIKey:   in.APIKey,
		Priority: in.Priority,
		Capabilities: registry.Capabilities{
			Voices:  in.Voices,
			Models:  in.Models,
			Formats: in.Formats,
		},
	}
	if err := ep.Validate(); err != nil {
		return registryRegisterResult{}, fmt.Errorf("%w: %w", converse.ErrInvalidRequest, err)
	}
	var prober registry.Prober
	if s.proberFor != nil {
		prober = s.proberFor(ep)
	}
	if err := s.reg.Register(ep, prober); err != nil {
		return registryRegisterResult{}, err
	}
	for _, sn := range s.reg.List(ep.Kind) {
		if sn.ID == ep.ID {
			return registryRegisterResult{Endpoint: toEndpointView(sn)}, nil
		}
	}
	return registryRegisterResult{}, fmt.Errorf("rpc: endpoint %q vanished after register", ep.ID)
}

type registryUnregisterArgs struct {
	ID string `json:"id"`
}

type registryUnregisterResult struct {
	Removed bool `json:"removed"`
}

func (s *Server) handleRegistryUnregister(_ context.Context, in registryUnregisterArgs) (registryUnregisterResult, error) {
	if err := s.reg.Unregister(in.ID); err != nil {
		return registryUnregisterResult{}, err
	}
	return registryUnregisterResult{Removed: true}, nil
}

// ─── statistics / pronounce / models ───

type statisticsArgs struct {
	// Date selects the day as YYYYMMDD. Empty means today.
	Date string `json:"date,omitempty"`
}

func (s *Server) handleStatisticsSummary(_ context.Context, in statisticsArgs) (eventlog.Summary, error) {
	day, err := s.statsDay(in.Date)
	if err != nil {
		return eventlog.Summary{}, err
	}
	events, err := eventlog.ReadDay(s.logsDir, day, s.logger)
	if err != nil {
		return eventlog.Summary{}, err
	}
	return eventlog.Summarize(events), nil
}

type pronounceListArgs struct {
	// Direction narrows to "tts" or "stt". Empty lists both.
	Direction      string `json:"direction,omitempty"`
	IncludePrivate bool   `json:"include_private,omitempty"`
}

type pronounceListResult struct {
	TTSRules []pronounce.Rule `json:"tts_rules,omitempty"`
	STTRules []pronounce.Rule `json:"stt_rules,omitempty"`
}

func (s *Server) handlePronounceList(_ context.Context, in pronounceListArgs) (pronounceListResult, error) {
	var out pronounceListResult
	switch pronounce.Direction(in.Direction) {
	case pronounce.DirectionTTS:
		out.TTSRules = s.pron.Rules(pronounce.DirectionTTS, in.IncludePrivate)
	case pronounce.DirectionSTT:
		out.STTRules = s.pron.Rules(pronounce.DirectionSTT, in.IncludePrivate)
	case "":
		out.TTSRules = s.pron.Rules(pronounce.DirectionTTS, in.IncludePrivate)
		out.STTRules = s.pron.Rules(pronounce.DirectionSTT, in.IncludePrivate)
	default:
		return out, fmt.Errorf("%w: direction %q is invalid; valid values: tts, stt", converse.ErrInvalidRequest, in.Direction)
	}
	return out, nil
}

type pronounceTestArgs struct {
	Text      string `json:"text"`
	Direction string `json:"direction"`
}

type pronounceTestResult struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

func (s *Server) handlePronounceTest(_ context.Context, in pronounceTestArgs) (pronounceTestResult, error) {
	if in.Text == "" {
		return pronounceTestResult{}, fmt.Errorf("%w: text is required", converse.ErrInvalidRequest)
	}
	out := pronounceTestResult{Input: in.Text}
	switch pronounce.Direction(in.Direction) {
	case pronounce.DirectionTTS:
		out.Output = s.pron.ProcessTTS(in.Text)
	case pronounce.DirectionSTT:
		out.Output = s.pron.ProcessSTT(in.Text)
	default:
		return pronounceTestResult{}, fmt.Errorf("%w: direction %q is invalid; valid values: tts, stt", converse.ErrInvalidRequest, in.Direction)
	}
	return out, nil
}

type modelListResult struct {
	Models []supervisor.Model `json:"models"`
}

func (s *Server) handleModelList(_ context.Context, _ struct{}) (modelListResult, error) {
	models, err := s.services.Models()
	if err != nil {
		return modelListResult{}, err
	}
	return modelListResult{Models: models}, nil
}

type modelActiveArgs struct {
	// Name, when set, switches the active model before reporting it.
	Name string `json:"name,omitempty"`
}

type modelActiveResult struct {
	Active string `json:"active"`
}

func (s *Server) handleModelActive(_ context.Context, in modelActiveArgs) (modelActiveResult, error) {
	if in.Name != "" {
		if err := s.services.SetActiveModel(in.Name); err != nil {
			return modelActiveResult{}, err
		}
	}
	active, err := s.services.ActiveModel()
	if err != nil {
		return modelActiveResult{}, err
	}
	return modelActiveResult{Active: active}, nil
}

type modelInstallArgs struct {
	Name string `json:"name"`
}

type modelInstallResult struct {
	Installed string `json:"installed"`
	Active    string `json:"active"`
}

func (s *Server) handleModelInstall(ctx context.Context, in modelInstallArgs) (modelInstallResult, error) {
	if in.Name == "" {
		return modelInstallResult{}, fmt.Errorf("%w: name is required", converse.ErrInvalidRequest)
	}
	if err := s.services.InstallModel(ctx, in.Name); err != nil {
		return modelInstallResult{}, err
	}
	active, err := s.services.ActiveModel()
	if err != nil {
		return modelInstallResult{}, err
	}
	return modelInstallResult{Installed: in.Name, Active: active}, nil
}
