package supervisor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
)

func installFakeModel(t *testing.T, s *Supervisor, name string) {
	t.Helper()
	if err := os.MkdirAll(s.modelsDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.modelFile(name), []byte("weights"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestActiveModel_NoneSet(t *testing.T) {
	s := testSupervisor(t)
	active, err := s.ActiveModel()
	if err != nil {
		t.Fatalf("ActiveModel: %v", err)
	}
	if active != "" {
		t.Errorf("active = %q, want empty", active)
	}
}

func TestSetActiveModel(t *testing.T) {
	s := testSupervisor(t)
	installFakeModel(t, s, "tiny")
	installFakeModel(t, s, "base")

	if err := s.SetActiveModel("tiny"); err != nil {
		t.Fatalf("SetActiveModel: %v", err)
	}
	if active, _ := s.ActiveModel(); active != "tiny" {
		t.Errorf("active = %q, want tiny", active)
	}

	// Switch; readers see exactly one name at any point.
	if err := s.SetActiveModel("base"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if active, _ := s.ActiveModel(); active != "base" {
		t.Errorf("active = %q, want base", active)
	}

	if err := s.SetActiveModel("medium"); err == nil {
		t.Error("activating an uninstalled model should fail")
	}
	if err := s.SetActiveModel("nonsense"); !errors.Is(err, ErrUnknownModel) {
		t.Errorf("err = %v, want ErrUnknownModel", err)
	}
	// Failed activations must not move the sentinel.
	if active, _ := s.ActiveModel(); active != "base" {
		t.Errorf("active = %q after failed switches, want base", active)
	}
}

func TestModels_FlagsInstalledAndActive(t *testing.T) {
	s := testSupervisor(t)
	installFakeModel(t, s, "tiny")
	if err := s.SetActiveModel("tiny"); err != nil {
		t.Fatal(err)
	}

	models, err := s.Models()
	if err != nil {
		t.Fatalf("Models: %v", err)
	}
	byName := map[string]Model{}
	for _, m := range models {
		byName[m.Name] = m
	}
	if m := byName["tiny"]; !m.Installed || !m.Active {
		t.Errorf("tiny = %+v, want installed and active", m)
	}
	if m := byName["base"]; m.Installed || m.Active {
		t.Errorf("base = %+v, want neither installed nor active", m)
	}
	active := 0
	for _, m := range models {
		if m.Active {
			active++
		}
	}
	if active != 1 {
		t.Errorf("%d active models, want exactly 1", active)
	}
}

func TestInstallModel_DownloadAndActivate(t *testing.T) {
	payload := []byte("fake ggml weights")
	sum := sha256.Sum256(payload)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	catalog := []Model{{
		Name:   "tiny",
		SizeMB: 75,
		URL:    srv.URL + "/ggml-tiny.bin",
		SHA256: hex.EncodeToString(sum[:]),
	}}
	s := testSupervisor(t, WithCatalog(catalog))

	if err := s.InstallModel(context.Background(), "tiny"); err != nil {
		t.Fatalf("InstallModel: %v", err)
	}
	got, err := os.ReadFile(s.modelFile("tiny"))
	if err != nil {
		t.Fatalf("model file: %v", err)
	}
	if string(got) != string(payload) {
		t.Error("downloaded content differs")
	}
	// First install becomes active.
	if active, _ := s.ActiveModel(); active != "tiny" {
		t.Errorf("active = %q, want tiny", active)
	}

	// Installing again is a no-op.
	if err := s.InstallModel(context.Background(), "tiny"); err != nil {
		t.Fatalf("second InstallModel: %v", err)
	}
}

func TestInstallModel_ChecksumMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("corrupted"))
	}))
	defer srv.Close()

	catalog := []Model{{
		Name:   "tiny",
		URL:    srv.URL + "/ggml-tiny.bin",
		SHA256: "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
	}}
	s := testSupervisor(t, WithCatalog(catalog))

	err := s.InstallModel(context.Background(), "tiny")
	if err == nil {
		t.Fatal("expected checksum error")
	}
	if _, serr := os.Stat(s.modelFile("tiny")); !os.IsNotExist(serr) {
		t.Error("corrupt model left in place")
	}
	if _, serr := os.Stat(s.modelFile("tiny") + ".partial"); !os.IsNotExist(serr) {
		t.Error("partial file not cleaned up")
	}
}
