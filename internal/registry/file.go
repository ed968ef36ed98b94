package registry

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// endpointsFile is the on-disk shape of ~/.voicemode/config/endpoints.yaml.
//
//	version: 1
//	tts:
//	  - id: kokoro
//	    base_url: http://127.0.0.1:8880/v1
//	    priority: 10
//	    capabilities:
//	      voices: [af_sky, af_nova]
//	stt:
//	  - id: whisper-local
//	    base_url: http://127.0.0.1:2022/v1
//	    priority: 10
//
// api_key_env names an environment variable holding the bearer token, so
// secrets stay out of the file.
type endpointsFile struct {
	Version int            `yaml:"version"`
	TTS     []endpointDecl `yaml:"tts"`
	STT     []endpointDecl `yaml:"stt"`
}

type endpointDecl struct {
	ID           string       `yaml:"id"`
	BaseURL      string       `yaml:"base_url"`
	APIKey       string       `yaml:"api_key"`
	APIKeyEnv    string       `yaml:"api_key_env"`
	Priority     int          `yaml:"priority"`
	Capabilities Capabilities `yaml:"capabilities"`
}

// LoadFile reads endpoint declarations from path. A missing file is not an
// error; it yields an empty list so the built-in defaults apply alone.
func LoadFile(path string) ([]Endpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("registry: open %q: %w", path, err)
	}
	defer f.Close()

	eps, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("registry: parse %q: %w", path, err)
	}
	return eps, nil
}

// LoadFromReader decodes and validates an endpoints file.
func LoadFromReader(r io.Reader) ([]Endpoint, error) {
	var file endpointsFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if file.Version != 1 {
		return nil, fmt.Errorf("unsupported version %d", file.Version)
	}

	var errs []error
	var out []Endpoint
	seen := make(map[string]bool)
	add := func(kind Kind, decls []endpointDecl) {
		for i, d := range decls {
			ep := Endpoint{
				ID:           d.ID,
				Kind:         kind,
				BaseURL:      d.BaseURL,
				APIKey:       d.APIKey,
				Priority:     d.Priority,
				Capabilities: d.Capabilities,
			}
			if d.APIKeyEnv != "" {
				ep.APIKey = os.Getenv(d.APIKeyEnv)
			}
			if err := ep.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("%s[%d]: %w", kind, i, err))
				continue
			}
			if seen[ep.ID] {
				errs = append(errs, fmt.Errorf("%s[%d]: id %q is a duplicate", kind, i, ep.ID))
				continue
			}
			seen[ep.ID] = true
			out = append(out, ep)
		}
	}
	add(KindTTS, file.TTS)
	add(KindSTT, file.STT)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}
