package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// PackageManager fetches service binaries. The supervisor makes no
// assumptions about what stands behind it (brew, apt, a download script).
type PackageManager interface {
	// Check reports whether a package is already present.
	Check(ctx context.Context, pkg string) (bool, error)

	// Install fetches the given packages.
	Install(ctx context.Context, pkgs []string) error
}

// meta is the per-service record persisted as meta.yaml under the service
// directory.
type meta struct {
	InstalledVersion   string `yaml:"installed_version,omitempty"`
	ServiceFileVersion int    `yaml:"service_file_version,omitempty"`
	Enabled            bool   `yaml:"enabled"`
}

func (s *Supervisor) metaPath(name Name) string {
	return filepath.Join(s.Dir(name), "meta.yaml")
}

// readMeta loads the persisted record. A missing file yields a zero meta.
func (s *Supervisor) readMeta(name Name) (meta, error) {
	f, err := os.Open(s.metaPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return meta{}, nil
		}
		return meta{}, fmt.Errorf("supervisor: open meta for %s: %w", name, err)
	}
	defer f.Close()

	var m meta
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return meta{}, nil
		}
		return meta{}, fmt.Errorf("supervisor: parse meta for %s: %w", name, err)
	}
	return m, nil
}

func (s *Supervisor) writeMeta(name Name, m meta) error {
	if err := os.MkdirAll(s.Dir(name), 0o755); err != nil {
		return fmt.Errorf("supervisor: create %s dir: %w", name, err)
	}
	b, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("supervisor: marshal meta for %s: %w", name, err)
	}
	if err := os.WriteFile(s.metaPath(name), b, 0o644); err != nil {
		return fmt.Errorf("supervisor: write meta for %s: %w", name, err)
	}
	return nil
}

// Install creates the service layout and fetches its packages through the
// configured PackageManager. version is recorded for later reconciliation;
// empty means unknown.
func (s *Supervisor) Install(ctx context.Context, name Name, version string) (Status, error) {
	d, err := s.def(name)
	if err != nil {
		return Status{}, err
	}

	dirs := []string{
		filepath.Join(s.Dir(name), "bin"),
		filepath.Join(s.Dir(name), "config"),
		filepath.Join(s.Dir(name), "logs"),
	}
	if name == Whisper {
		dirs = append(dirs, s.modelsDir())
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Status{}, fmt.Errorf("supervisor: create %s layout: %w", name, err)
		}
	}

	if s.pm != nil {
		var missing []string
		for _, pkg := range d.Packages {
			have, err := s.pm.Check(ctx, pkg)
			if err != nil {
				return Status{}, fmt.Errorf("supervisor: check package %q: %w", pkg, err)
			}
			if !have {
				missing = append(missing, pkg)
			}
		}
		if len(missing) > 0 {
			if err := s.pm.Install(ctx, missing); err != nil {
				return Status{}, fmt.Errorf("supervisor: install %s packages: %w", name, err)
			}
		}
	}

	m, err := s.readMeta(name)
	if err != nil {
		return Status{}, err
	}
	m.InstalledVersion = version
	if err := s.writeMeta(name, m); err != nil {
		return Status{}, err
	}
	s.logger.Info("supervisor: service installed", "service", name, "version", version)
	return s.Status(name)
}

// Uninstall stops the service and removes its binaries. Configuration and
// models survive unless purge is set.
func (s *Supervisor) Uninstall(ctx context.Context, name Name, purge bool) error {
	if _, err := s.def(name); err != nil {
		return err
	}
	if err := s.Stop(ctx, name); err != nil {
		return err
	}
	if err := s.Disable(name); err != nil {
		return err
	}

	if purge {
		if err := os.RemoveAll(s.Dir(name)); err != nil {
			return fmt.Errorf("supervisor: purge %s: %w", name, err)
		}
		s.logger.Info("supervisor: service purged", "service", name)
		return nil
	}

	for _, sub := range []string{"bin", "logs"} {
		if err := os.RemoveAll(filepath.Join(s.Dir(name), sub)); err != nil {
			return fmt.Errorf("supervisor: uninstall %s: %w", name, err)
		}
	}
	m, err := s.readMeta(name)
	if err != nil {
		return err
	}
	m.InstalledVersion = ""
	if err := s.writeMeta(name, m); err != nil {
		return err
	}
	s.logger.Info("supervisor: service uninstalled", "service", name, "purge", purge)
	return nil
}
