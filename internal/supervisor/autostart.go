package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// serviceFileVersion is the current autostart template version. Bump it
// when the rendered unit changes; Enable upgrades installed entries while
// preserving user edits.
const serviceFileVersion = 3

func (s *Supervisor) autostartPath(name Name) string {
	return filepath.Join(s.autostartDir, "voicemode-"+string(name)+".service")
}

// renderTemplate produces the autostart entry for one service.
func (s *Supervisor) renderTemplate(d Definition) string {
	argv := make([]string, len(d.Command))
	copy(argv, d.Command)
	if len(argv) > 0 && !filepath.IsAbs(argv[0]) {
		argv[0] = filepath.Join(s.Dir(d.Name), argv[0])
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# voicemode service: %s\n", d.Name)
	fmt.Fprintf(&b, "# template-version: %d\n", serviceFileVersion)
	b.WriteString("\n[Unit]\n")
	fmt.Fprintf(&b, "Description=voicemode %s service\n", d.Name)
	b.WriteString("After=network.target\n")
	b.WriteString("\n[Service]\n")
	fmt.Fprintf(&b, "ExecStart=%s\n", strings.Join(argv, " "))
	fmt.Fprintf(&b, "WorkingDirectory=%s\n", s.Dir(d.Name))
	b.WriteString("Restart=on-failure\n")
	b.WriteString("\n[Install]\n")
	b.WriteString("WantedBy=default.target\n")
	return b.String()
}

// templateVersionOf extracts the version marker from an installed entry.
// Zero means no marker (a pre-versioning file).
func templateVersionOf(content string) int {
	for _, line := range strings.Split(content, "\n") {
		if v, ok := strings.CutPrefix(line, "# template-version: "); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err == nil {
				return n
			}
		}
	}
	return 0
}

// userLines returns the lines a user marked as theirs. These survive
// template upgrades verbatim.
func userLines(content string) []string {
	var out []string
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "# USER:") {
			out = append(out, line)
		}
	}
	return out
}

// Enable installs (or upgrades) the service's autostart entry and marks it
// enabled. An entry already at the current template version is left
// untouched.
func (s *Supervisor) Enable(name Name) error {
	d, err := s.def(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.autostartDir, 0o755); err != nil {
		return fmt.Errorf("supervisor: create autostart dir: %w", err)
	}

	path := s.autostartPath(name)
	rendered := s.renderTemplate(d)

	existing, readErr := os.ReadFile(path)
	switch {
	case readErr == nil:
		installed := templateVersionOf(string(existing))
		if installed == serviceFileVersion {
			break // current; keep user's file as-is
		}
		merged := rendered
		if preserved := userLines(string(existing)); len(preserved) > 0 {
			merged += "\n" + strings.Join(preserved, "\n") + "\n"
		}
		if err := os.WriteFile(path, []byte(merged), 0o644); err != nil {
			return fmt.Errorf("supervisor: upgrade autostart for %s: %w", name, err)
		}
		s.logger.Info("supervisor: autostart template upgraded",
			"service", name, "from", installed, "to", serviceFileVersion)
	case os.IsNotExist(readErr):
		if err := os.WriteFile(path, []byte(rendered), 0o644); err != nil {
			return fmt.Errorf("supervisor: install autostart for %s: %w", name, err)
		}
		s.logger.Info("supervisor: autostart installed", "service", name)
	default:
		return fmt.Errorf("supervisor: read autostart for %s: %w", name, readErr)
	}

	m, err := s.readMeta(name)
	if err != nil {
		return err
	}
	m.Enabled = true
	m.ServiceFileVersion = serviceFileVersion
	return s.writeMeta(name, m)
}

// Disable removes the autostart entry and marks the service disabled.
func (s *Supervisor) Disable(name Name) error {
	if _, err := s.def(name); err != nil {
		return err
	}
	if err := os.Remove(s.autostartPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("supervisor: remove autostart for %s: %w", name, err)
	}
	m, err := s.readMeta(name)
	if err != nil {
		return err
	}
	m.Enabled = false
	return s.writeMeta(name, m)
}
