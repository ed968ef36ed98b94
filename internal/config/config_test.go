package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("VOICEMODE_HOME", "/tmp/vm-test")
	t.Setenv("VOICEMODE_DEBUG", "true")
	t.Setenv("VOICEMODE_AUDIO_FORMAT", "WAV")
	t.Setenv("VOICEMODE_AUTO_START_KOKORO", "1")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OPENAI_BASE_URL", "http://localhost:8880/v1")
	t.Setenv("LIVEKIT_URL", "ws://localhost:7880")
	t.Setenv("LIVEKIT_API_KEY", "devkey")
	t.Setenv("LIVEKIT_API_SECRET", "secret")
	t.Setenv("VOICEMODE_PRONUNCIATION_CONFIG", "/a/one.yaml:/b/two.yaml")
	t.Setenv("VOICEMODE_TOOLS_DISABLED", "service.stop, registry.unregister")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Home != "/tmp/vm-test" {
		t.Errorf("Home = %q", cfg.Home)
	}
	if cfg.LogLevel != LogDebug {
		t.Errorf("LogLevel = %q, want debug when VOICEMODE_DEBUG is set", cfg.LogLevel)
	}
	if cfg.AudioFormat != "wav" {
		t.Errorf("AudioFormat = %q", cfg.AudioFormat)
	}
	if !cfg.AutoStartKokoro {
		t.Error("AutoStartKokoro not set")
	}
	if cfg.OpenAI.APIKey != "sk-test" || cfg.OpenAI.BaseURL != "http://localhost:8880/v1" {
		t.Errorf("OpenAI = %+v", cfg.OpenAI)
	}
	if !cfg.LiveKit.Enabled() {
		t.Error("LiveKit should be enabled with all three vars set")
	}
	if len(cfg.Pronunciation.Paths) != 2 || cfg.Pronunciation.Paths[1] != "/b/two.yaml" {
		t.Errorf("Pronunciation.Paths = %v", cfg.Pronunciation.Paths)
	}
	if len(cfg.Tools.Disabled) != 2 || cfg.Tools.Disabled[0] != "service.stop" {
		t.Errorf("Tools.Disabled = %v", cfg.Tools.Disabled)
	}
}

func TestValidate_CollectsAllFailures(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"
	cfg.AudioFormat = "flac"
	cfg.MaxSessions = 0
	cfg.Tools.Enabled = []string{"converse"}
	cfg.Tools.Disabled = []string{"cancel"}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation failure")
	}
	for _, want := range []string{"log level", "audio format", "max sessions", "mutually exclusive"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q: %v", want, err)
		}
	}
}

func TestLayoutPaths(t *testing.T) {
	cfg := Default()
	cfg.Home = "/home/u/.voicemode"

	tests := []struct {
		got, want string
	}{
		{cfg.LogsDir(), "/home/u/.voicemode/logs"},
		{cfg.AudioDir(), "/home/u/.voicemode/audio"},
		{cfg.PronunciationFile(), "/home/u/.voicemode/config/pronunciation.yaml"},
		{cfg.ServiceDir("kokoro"), "/home/u/.voicemode/services/kokoro"},
		{cfg.WhisperModelsDir(), "/home/u/.voicemode/services/whisper/models"},
	}
	for _, tt := range tests {
		if filepath.ToSlash(tt.got) != tt.want {
			t.Errorf("path = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestEnsureLayout(t *testing.T) {
	cfg := Default()
	cfg.Home = filepath.Join(t.TempDir(), "vm")
	cfg.SaveAudio = true

	if err := cfg.EnsureLayout(); err != nil {
		t.Fatalf("EnsureLayout: %v", err)
	}
	for _, d := range []string{cfg.LogsDir(), cfg.ConfigDir(), cfg.AudioDir()} {
		if !dirExists(t, d) {
			t.Errorf("missing directory %s", d)
		}
	}
}

func dirExists(t *testing.T, path string) bool {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}
