package supervisor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Model describes one entry of the Whisper model catalog.
type Model struct {
	Name      string   `json:"name" yaml:"name"`
	SizeMB    int      `json:"size_mb" yaml:"size_mb"`
	Languages []string `json:"languages" yaml:"languages"`
	URL       string   `json:"url,omitempty" yaml:"url,omitempty"`
	SHA256    string   `json:"sha256,omitempty" yaml:"sha256,omitempty"`

	Installed bool `json:"installed" yaml:"-"`
	Active    bool `json:"active" yaml:"-"`
}

// ErrUnknownModel is returned for model names outside the catalog.
var ErrUnknownModel = errors.New("supervisor: unknown model")

const modelBaseURL = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/"

// DefaultCatalog returns the built-in Whisper model catalog.
func DefaultCatalog() []Model {
	multi := []string{"multilingual"}
	en := []string{"en"}
	return []Model{
		{Name: "tiny", SizeMB: 75, Languages: multi, URL: modelBaseURL + "ggml-tiny.bin"},
		{Name: "tiny.en", SizeMB: 75, Languages: en, URL: modelBaseURL + "ggml-tiny.en.bin"},
		{Name: "base", SizeMB: 142, Languages: multi, URL: modelBaseURL + "ggml-base.bin"},
		{Name: "base.en", SizeMB: 142, Languages: en, URL: modelBaseURL + "ggml-base.en.bin"},
		{Name: "small", SizeMB: 466, Languages: multi, URL: modelBaseURL + "ggml-small.bin"},
		{Name: "small.en", SizeMB: 466, Languages: en, URL: modelBaseURL + "ggml-small.en.bin"},
		{Name: "medium", SizeMB: 1500, Languages: multi, URL: modelBaseURL + "ggml-medium.bin"},
		{Name: "large-v2", SizeMB: 2900, Languages: multi, URL: modelBaseURL + "ggml-large-v2.bin"},
		{Name: "large-v3", SizeMB: 2900, Languages: multi, URL: modelBaseURL + "ggml-large-v3.bin"},
		{Name: "large-v3-turbo", SizeMB: 1500, Languages: multi, URL: modelBaseURL + "ggml-large-v3-turbo.bin"},
	}
}

func (s *Supervisor) modelsDir() string {
	return filepath.Join(s.Dir(Whisper), "models")
}

func (s *Supervisor) activeFile() string {
	return filepath.Join(s.modelsDir(), "active")
}

func (s *Supervisor) modelFile(name string) string {
	return filepath.Join(s.modelsDir(), "ggml-"+name+".bin")
}

func (s *Supervisor) catalogModels() []Model {
	if len(s.catalog) > 0 {
		return s.catalog
	}
	return DefaultCatalog()
}

func (s *Supervisor) catalogEntry(name string) (Model, error) {
	for _, m := range s.catalogModels() {
		if m.Name == name {
			return m, nil
		}
	}
	return Model{}, fmt.Errorf("%w: %q", ErrUnknownModel, name)
}

// Models returns the catalog annotated with installed and active flags,
// sorted by name.
func (s *Supervisor) Models() ([]Model, error) {
	active, err := s.ActiveModel()
	if err != nil {
		return nil, err
	}
	out := make([]Model, 0, len(s.catalogModels()))
	for _, m := range s.catalogModels() {
		if _, err := os.Stat(s.modelFile(m.Name)); err == nil {
			m.Installed = true
		}
		m.Active = m.Name == active
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ActiveModel returns the name recorded in the active sentinel, or the
// empty string when none is set.
func (s *Supervisor) ActiveModel() (string, error) {
	b, err := os.ReadFile(s.activeFile())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("supervisor: read active model: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// SetActiveModel points the active sentinel at an installed model. The
// switch is atomic: readers see either the old name or the new one.
func (s *Supervisor) SetActiveModel(name string) error {
	if _, err := s.catalogEntry(name); err != nil {
		return err
	}
	if _, err := os.Stat(s.modelFile(name)); err != nil {
		return fmt.Errorf("supervisor: model %q not installed: %w", name, err)
	}

	tmp := s.activeFile() + ".tmp"
	if err := os.WriteFile(tmp, []byte(name+"\n"), 0o644); err != nil {
		return fmt.Errorf("supervisor: write active model: %w", err)
	}
	if err := os.Rename(tmp, s.activeFile()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("supervisor: activate model %q: %w", name, err)
	}
	s.logger.Info("supervisor: active model changed", "model", name)
	return nil
}

// InstallModel downloads a catalog model into the models directory. The
// download lands in a .partial file and is renamed into place only after
// the checksum (when the catalog carries one) verifies. The first installed
// model becomes active.
func (s *Supervisor) InstallModel(ctx context.Context, name string) error {
	m, err := s.catalogEntry(name)
	if err != nil {
		return err
	}
	if m.URL == "" {
		return fmt.Errorf("supervisor: model %q has no download URL", name)
	}
	dest := s.modelFile(name)
	if _, err := os.Stat(dest); err == nil {
		s.logger.Info("supervisor: model already installed", "model", name)
		return nil
	}
	if err := os.MkdirAll(s.modelsDir(), 0o755); err != nil {
		return fmt.Errorf("supervisor: create models dir: %w", err)
	}

	partial := dest + ".partial"
	if err := s.download(ctx, m, partial); err != nil {
		os.Remove(partial)
		return err
	}
	if err := os.Rename(partial, dest); err != nil {
		os.Remove(partial)
		return fmt.Errorf("supervisor: finalize model %q: %w", name, err)
	}
	s.logger.Info("supervisor: model installed", "model", name, "size_mb", m.SizeMB)

	active, err := s.ActiveModel()
	if err != nil {
		return err
	}
	if active == "" {
		return s.SetActiveModel(name)
	}
	return nil
}

func (s *Supervisor) download(ctx context.Context, m Model, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.URL, nil)
	if err != nil {
		return fmt.Errorf("supervisor: build model request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("supervisor: download model %q: %w", m.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("supervisor: download model %q: status %d", m.Name, resp.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("supervisor: create model file: %w", err)
	}
	sum := sha256.New()
	_, err = io.Copy(io.MultiWriter(f, sum), resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("supervisor: download model %q: %w", m.Name, err)
	}

	if m.SHA256 != "" {
		got := hex.EncodeToString(sum.Sum(nil))
		if !strings.EqualFold(got, m.SHA256) {
			return fmt.Errorf("supervisor: model %q checksum mismatch: got %s want %s", m.Name, got, m.SHA256)
		}
	}
	return nil
}
