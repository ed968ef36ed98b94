// Package config provides the configuration schema for the voicemode server
// and the ~/.voicemode filesystem layout.
//
// Configuration is environment-first: every knob has a default, and the
// VOICEMODE_*, OPENAI_* and LIVEKIT_* variables recognised by [FromEnv]
// override it. YAML is used only for pronunciation rules and provider
// endpoint declarations, which live in their owning packages.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// LogLevel controls log verbosity for the voicemode server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration for the voicemode server.
type Config struct {
	// Home is the state root, default ~/.voicemode.
	Home string

	LogLevel  LogLevel
	Debug     bool
	SaveAudio bool

	// AudioFormat is the default wire format for provider audio: "opus",
	// "mp3" or "wav".
	AudioFormat string

	AutoStartKokoro bool

	// MetricsAddr, when non-empty, enables the Prometheus /metrics listener
	// on that address.
	MetricsAddr string

	OpenAI        OpenAIConfig
	LiveKit       LiveKitConfig
	Pronunciation PronunciationConfig
	Tools         ToolsConfig
	VAD           VADConfig
	Timeouts      TimeoutConfig
	Playback      PlaybackConfig

	// MaxSessions caps concurrent converse sessions.
	MaxSessions int
}

// OpenAIConfig holds the default provider credentials.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
}

// LiveKitConfig configures the room transport.
type LiveKitConfig struct {
	URL       string
	APIKey    string
	APISecret string
}

// Enabled reports whether all room transport credentials are present.
func (c LiveKitConfig) Enabled() bool {
	return c.URL != "" && c.APIKey != "" && c.APISecret != ""
}

// PronunciationConfig controls the rule engine.
type PronunciationConfig struct {
	Enabled          bool
	LogSubstitutions bool

	// Paths is the ordered list of extra rule files layered over the system
	// defaults and the user file, from VOICEMODE_PRONUNCIATION_CONFIG.
	Paths []string
}

// ToolsConfig is the request-surface allow/deny list.
type ToolsConfig struct {
	Enabled  []string
	Disabled []string
}

// VADConfig tunes the recording-end policy. The defaults are provisional
// values; deployments tune them per microphone.
type VADConfig struct {
	// SilenceTailMs is the continuous sub-threshold span that ends a
	// recording once speech has been heard.
	SilenceTailMs int

	// MinSpeechMs is the above-threshold span required before the silence
	// tail can trigger.
	MinSpeechMs int

	// MaxListenS is the hard recording cap.
	MaxListenS float64

	// InitialGraceS extends listening when no speech has been detected yet.
	InitialGraceS float64

	// RMSThreshold is the frame energy (int16 sample units) separating
	// speech from silence.
	RMSThreshold float64
}

// TimeoutConfig holds the external-call deadlines, in seconds.
type TimeoutConfig struct {
	PerAttemptS     float64
	TTSFirstByteS   float64
	STTTotalS       float64
	StopGraceS      float64
	HealthIntervalS float64
	CooldownS       float64
}

// PlaybackConfig tunes the playback path.
type PlaybackConfig struct {
	// MinPrebufferMs is how much decoded audio must exist before playback
	// starts.
	MinPrebufferMs int

	// BufferMs bounds the playback buffer between decoder and device.
	BufferMs int
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Home:        filepath.Join(home, ".voicemode"),
		LogLevel:    LogInfo,
		AudioFormat: "opus",
		OpenAI: OpenAIConfig{
			BaseURL: "https://api.openai.com/v1",
		},
		Pronunciation: PronunciationConfig{Enabled: true},
		VAD: VADConfig{
			SilenceTailMs: 800,
			MinSpeechMs:   300,
			MaxListenS:    60,
			InitialGraceS: 3,
			RMSThreshold:  300,
		},
		Timeouts: TimeoutConfig{
			PerAttemptS:     15,
			TTSFirstByteS:   8,
			STTTotalS:       30,
			StopGraceS:      10,
			HealthIntervalS: 5,
			CooldownS:       60,
		},
		Playback: PlaybackConfig{
			MinPrebufferMs: 150,
			BufferMs:       1500,
		},
		MaxSessions: 4,
	}
}

// FromEnv returns Default overridden by the recognised environment
// variables, validated.
func FromEnv() (*Config, error) {
	cfg := Default()

	if v := os.Getenv("VOICEMODE_HOME"); v != "" {
		cfg.Home = v
	}
	if v := os.Getenv("VOICEMODE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = LogLevel(strings.ToLower(v))
	}
	cfg.Debug = envBool("VOICEMODE_DEBUG", cfg.Debug)
	if cfg.Debug {
		cfg.LogLevel = LogDebug
	}
	cfg.SaveAudio = envBool("VOICEMODE_SAVE_AUDIO", cfg.SaveAudio)
	if v := os.Getenv("VOICEMODE_AUDIO_FORMAT"); v != "" {
		cfg.AudioFormat = strings.ToLower(v)
	}
	cfg.AutoStartKokoro = envBool("VOICEMODE_AUTO_START_KOKORO", cfg.AutoStartKokoro)
	if v := os.Getenv("VOICEMODE_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}

	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAI.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.OpenAI.BaseURL = v
	}

	if v := os.Getenv("LIVEKIT_URL"); v != "" {
		cfg.LiveKit.URL = v
	}
	if v := os.Getenv("LIVEKIT_API_KEY"); v != "" {
		cfg.LiveKit.APIKey = v
	}
	if v := os.Getenv("LIVEKIT_API_SECRET"); v != "" {
		cfg.LiveKit.APISecret = v
	}

	cfg.Pronunciation.Enabled = envBool("VOICEMODE_PRONUNCIATION_ENABLED", cfg.Pronunciation.Enabled)
	cfg.Pronunciation.LogSubstitutions = envBool("VOICEMODE_PRONUNCIATION_LOG_SUBSTITUTIONS", cfg.Pronunciation.LogSubstitutions)
	if v := os.Getenv("VOICEMODE_PRONUNCIATION_CONFIG"); v != "" {
		cfg.Pronunciation.Paths = splitList(v, ":")
	}

	if v := os.Getenv("VOICEMODE_TOOLS_ENABLED"); v != "" {
		cfg.Tools.Enabled = splitList(v, ",")
	}
	if v := os.Getenv("VOICEMODE_TOOLS_DISABLED"); v != "" {
		cfg.Tools.Disabled = splitList(v, ",")
	}

	if v := os.Getenv("VOICEMODE_MAX_SESSIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: VOICEMODE_MAX_SESSIONS %q is not an integer", v)
		}
		cfg.MaxSessions = n
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is coherent. It returns a joined
// error listing all failures found.
func (c *Config) Validate() error {
	var errs []error

	if c.Home == "" {
		errs = append(errs, errors.New("home directory is empty and $HOME could not be resolved"))
	}
	if !c.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log level %q is invalid; valid values: debug, info, warn, error", c.LogLevel))
	}
	switch c.AudioFormat {
	case "opus", "mp3", "wav":
	default:
		errs = append(errs, fmt.Errorf("audio format %q is invalid; valid values: opus, mp3, wav", c.AudioFormat))
	}
	if c.MaxSessions < 1 {
		errs = append(errs, fmt.Errorf("max sessions %d must be at least 1", c.MaxSessions))
	}
	if c.VAD.SilenceTailMs <= 0 {
		errs = append(errs, fmt.Errorf("vad silence tail %dms must be positive", c.VAD.SilenceTailMs))
	}
	if c.VAD.MaxListenS <= 0 {
		errs = append(errs, fmt.Errorf("vad max listen %.1fs must be positive", c.VAD.MaxListenS))
	}
	if len(c.Tools.Enabled) > 0 && len(c.Tools.Disabled) > 0 {
		errs = append(errs, errors.New("tools enabled and disabled lists are mutually exclusive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// ─── Filesystem layout ───

// LogsDir is where the event JSONL files live.
func (c *Config) LogsDir() string { return filepath.Join(c.Home, "logs") }

// AudioDir is where debug audio recordings are saved.
func (c *Config) AudioDir() string { return filepath.Join(c.Home, "audio") }

// ConfigDir holds user-editable YAML (pronunciation, endpoints).
func (c *Config) ConfigDir() string { return filepath.Join(c.Home, "config") }

// PronunciationFile is the user pronunciation rule file.
func (c *Config) PronunciationFile() string {
	return filepath.Join(c.ConfigDir(), "pronunciation.yaml")
}

// EndpointsFile is the provider endpoint declaration file.
func (c *Config) EndpointsFile() string {
	return filepath.Join(c.ConfigDir(), "endpoints.yaml")
}

// ServiceDir is the layout root for one managed service.
func (c *Config) ServiceDir(name string) string {
	return filepath.Join(c.Home, "services", name)
}

// WhisperModelsDir holds downloaded Whisper model files and the active
// sentinel.
func (c *Config) WhisperModelsDir() string {
	return filepath.Join(c.ServiceDir("whisper"), "models")
}

// EnsureLayout creates the state directories that must exist at boot.
func (c *Config) EnsureLayout() error {
	dirs := []string{
		c.Home,
		c.LogsDir(),
		c.ConfigDir(),
		filepath.Join(c.Home, "services"),
	}
	if c.SaveAudio {
		dirs = append(dirs, c.AudioDir())
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("config: create %s: %w", d, err)
		}
	}
	return nil
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

func splitList(v, sep string) []string {
	parts := strings.Split(v, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
