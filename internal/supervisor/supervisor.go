// Package supervisor manages the lifecycle of the four local services the
// voice pipeline depends on: whisper, kokoro, livekit, and frontend.
//
// Each service lives under ~/.voicemode/services/<name>/ with its binary,
// config, logs, and pid file. The supervisor owns the process handles and
// the in-memory service records; other components read status snapshots.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/x85446/voicemode/internal/session"
)

// Name identifies a managed service.
type Name string

const (
	Whisper  Name = "whisper"
	Kokoro   Name = "kokoro"
	LiveKit  Name = "livekit"
	Frontend Name = "frontend"
)

// Names lists every managed service in a stable order.
var Names = []Name{Whisper, Kokoro, LiveKit, Frontend}

// IsValid reports whether n names a managed service.
func (n Name) IsValid() bool {
	switch n {
	case Whisper, Kokoro, LiveKit, Frontend:
		return true
	}
	return false
}

// Health is a service's probed health state.
type Health string

const (
	HealthUnknown   Health = "unknown"
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
)

// unhealthyThreshold is the consecutive probe failure count that marks a
// service unhealthy.
const unhealthyThreshold = 3

// Definition is the static description of one service.
type Definition struct {
	Name Name

	// Port the service listens on.
	Port int

	// Command is the argv used to launch the service. Relative paths are
	// resolved against the service directory.
	Command []string

	// HealthURL is probed by the health poller and by idempotent Start.
	HealthURL string

	// AutoRestart makes the poller restart the service when it turns
	// unhealthy.
	AutoRestart bool

	// Packages are handed to the PackageManager on install.
	Packages []string
}

// DefaultDefinitions returns the built-in service set.
func DefaultDefinitions() map[Name]Definition {
	return map[Name]Definition{
		Whisper: {
			Name:      Whisper,
			Port:      2022,
			Command:   []string{"bin/whisper-server", "--host", "127.0.0.1", "--port", "2022", "--inference-path", "/v1/audio/transcriptions"},
			HealthURL: "http://127.0.0.1:2022/health",
			Packages:  []string{"whisper-server"},
		},
		Kokoro: {
			Name:      Kokoro,
			Port:      8880,
			Command:   []string{"bin/kokoro-serve", "--host", "127.0.0.1", "--port", "8880"},
			HealthURL: "http://127.0.0.1:8880/health",
			Packages:  []string{"kokoro-fastapi"},
		},
		LiveKit: {
			Name:      LiveKit,
			Port:      7880,
			Command:   []string{"bin/livekit-server", "--dev", "--bind", "127.0.0.1"},
			HealthURL: "http://127.0.0.1:7880/",
			Packages:  []string{"livekit-server"},
		},
		Frontend: {
			Name:      Frontend,
			Port:      3000,
			Command:   []string{"bin/frontend-serve", "--port", "3000"},
			HealthURL: "http://127.0.0.1:3000/api/health",
			Packages:  []string{"voicemode-frontend"},
		},
	}
}

// Status is a point-in-time snapshot of one service record.
type Status struct {
	Name    Name          `json:"name"`
	Running bool          `json:"running"`
	PID     int           `json:"pid,omitempty"`
	Port    int           `json:"port"`
	Uptime  time.Duration `json:"uptime,omitempty"`
	MemRSS  int64         `json:"mem_rss_bytes,omitempty"`
	Health  Health        `json:"health"`

	Enabled            bool   `json:"enabled"`
	InstalledVersion   string `json:"installed_version,omitempty"`
	ServiceFileVersion int    `json:"service_file_version,omitempty"`
}

// ErrUnknownService is returned for names outside the managed set.
var ErrUnknownService = errors.New("supervisor: unknown service")

// restartPause separates stop from start during a restart.
const restartPause = 500 * time.Millisecond

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithClock overrides the time source, for tests.
func WithClock(c session.Clock) Option {
	return func(s *Supervisor) { s.clock = c }
}

// WithHTTPClient overrides the probe client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Supervisor) { s.client = c }
}

// WithDefinitions replaces the built-in service set.
func WithDefinitions(defs map[Name]Definition) Option {
	return func(s *Supervisor) { s.defs = defs }
}

// WithPackageManager sets the installer backend.
func WithPackageManager(pm PackageManager) Option {
	return func(s *Supervisor) { s.pm = pm }
}

// WithCatalog replaces the built-in Whisper model catalog.
func WithCatalog(models []Model) Option {
	return func(s *Supervisor) { s.catalog = models }
}

// WithAutostartDir overrides where autostart entries are written.
func WithAutostartDir(dir string) Option {
	return func(s *Supervisor) { s.autostartDir = dir }
}

// WithStopGrace overrides the graceful stop window.
func WithStopGrace(d time.Duration) Option {
	return func(s *Supervisor) { s.stopGrace = d }
}

// WithHealthInterval overrides the poll interval.
func WithHealthInterval(d time.Duration) Option {
	return func(s *Supervisor) { s.interval = d }
}

// Supervisor owns the service records. Safe for concurrent use.
type Supervisor struct {
	root         string // <home>/services
	autostartDir string
	clock        session.Clock
	logger       *slog.Logger
	client       *http.Client
	defs         map[Name]Definition
	pm           PackageManager
	catalog      []Model
	stopGrace    time.Duration
	interval     time.Duration

	mu     sync.Mutex
	procs  map[Name]*process
	health map[Name]*healthState
}

type process struct {
	cmd     *exec.Cmd
	pid     int
	started time.Time
	done    chan struct{}
}

func (p *process) alive() bool {
	if p == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

type healthState struct {
	state    Health
	failures int
}

// New creates a supervisor rooted at servicesRoot (normally
// ~/.voicemode/services).
func New(servicesRoot string, opts ...Option) *Supervisor {
	s := &Supervisor{
		root:      servicesRoot,
		clock:     session.SystemClock{},
		logger:    slog.Default(),
		client:    &http.Client{Timeout: 2 * time.Second},
		defs:      DefaultDefinitions(),
		stopGrace: 10 * time.Second,
		interval:  5 * time.Second,
		procs:     make(map[Name]*process),
		health:    make(map[Name]*healthState),
	}
	for _, o := range opts {
		o(s)
	}
	if s.autostartDir == "" {
		s.autostartDir = filepath.Join(servicesRoot, "autostart")
	}
	return s
}

func (s *Supervisor) def(name Name) (Definition, error) {
	d, ok := s.defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownService, name)
	}
	return d, nil
}

// Dir returns the layout root for one service.
func (s *Supervisor) Dir(name Name) string {
	return filepath.Join(s.root, string(name))
}

func (s *Supervisor) logFile(name Name) string {
	return filepath.Join(s.Dir(name), "logs", string(name)+".log")
}

func (s *Supervisor) pidFile(name Name) string {
	return filepath.Join(s.Dir(name), string(name)+".pid")
}

// Status returns a snapshot of one service record.
func (s *Supervisor) Status(name Name) (Status, error) {
	d, err := s.def(name)
	if err != nil {
		return Status{}, err
	}

	st := Status{Name: name, Port: d.Port, Health: HealthUnknown}

	s.mu.Lock()
	if p := s.procs[name]; p.alive() {
		st.Running = true
		st.PID = p.pid
		st.Uptime = s.clock.Now().Sub(p.started)
	}
	if h, ok := s.health[name]; ok {
		st.Health = h.state
	}
	s.mu.Unlock()

	if st.PID != 0 {
		st.MemRSS = memRSS(st.PID)
	}

	m, err := s.readMeta(name)
	if err != nil {
		s.logger.Warn("supervisor: read meta", "service", name, "err", err)
	} else {
		st.Enabled = m.Enabled
		st.InstalledVersion = m.InstalledVersion
		st.ServiceFileVersion = m.ServiceFileVersion
	}
	return st, nil
}

// StatusAll returns snapshots for every managed service in [Names] order.
func (s *Supervisor) StatusAll() []Status {
	out := make([]Status, 0, len(Names))
	for _, n := range Names {
		if _, ok := s.defs[n]; !ok {
			continue
		}
		st, err := s.Status(n)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	return out
}

// Start launches the service. Idempotent: a process the supervisor already
// owns, or a healthy port held by someone else, counts as started.
func (s *Supervisor) Start(ctx context.Context, name Name) (Status, error) {
	d, err := s.def(name)
	if err != nil {
		return Status{}, err
	}

	s.mu.Lock()
	if s.procs[name].alive() {
		s.mu.Unlock()
		return s.Status(name)
	}
	s.mu.Unlock()

	// Someone else may already be serving the port.
	if d.HealthURL != "" && s.probe(ctx, d.HealthURL) == nil {
		s.logger.Info("supervisor: service already healthy, not starting", "service", name)
		s.setHealth(name, true)
		return s.Status(name)
	}

	dir := s.Dir(name)
	if err := os.MkdirAll(filepath.Join(dir, "logs"), 0o755); err != nil {
		return Status{}, fmt.Errorf("supervisor: create %s layout: %w", name, err)
	}
	logf, err := os.OpenFile(s.logFile(name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return Status{}, fmt.Errorf("supervisor: open %s log: %w", name, err)
	}

	argv := make([]string, len(d.Command))
	copy(argv, d.Command)
	if len(argv) == 0 {
		logf.Close()
		return Status{}, fmt.Errorf("supervisor: service %s has no command", name)
	}
	if !filepath.IsAbs(argv[0]) {
		argv[0] = filepath.Join(dir, argv[0])
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stdout = logf
	cmd.Stderr = logf
	if err := cmd.Start(); err != nil {
		logf.Close()
		return Status{}, fmt.Errorf("supervisor: start %s: %w", name, err)
	}

	p := &process{
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		started: s.clock.Now(),
		done:    make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		logf.Close()
		close(p.done)
		if err != nil {
			s.logger.Warn("supervisor: service exited", "service", name, "err", err)
		} else {
			s.logger.Info("supervisor: service exited", "service", name)
		}
		os.Remove(s.pidFile(name))
	}()

	s.mu.Lock()
	s.procs[name] = p
	s.mu.Unlock()

	if err := os.WriteFile(s.pidFile(name), []byte(strconv.Itoa(p.pid)+"\n"), 0o644); err != nil {
		s.logger.Warn("supervisor: write pid file", "service", name, "err", err)
	}
	s.logger.Info("supervisor: service started", "service", name, "pid", p.pid)
	return s.Status(name)
}

// Stop terminates the service: SIGTERM, then SIGKILL after the grace
// window. Stopping a stopped service is a no-op.
func (s *Supervisor) Stop(ctx context.Context, name Name) error {
	if _, err := s.def(name); err != nil {
		return err
	}

	s.mu.Lock()
	p := s.procs[name]
	delete(s.procs, name)
	s.mu.Unlock()

	if !p.alive() {
		// Maybe a process from a previous run left a pid file behind.
		if pid, ok := s.readPidFile(name); ok {
			s.signalForeign(name, pid)
		}
		return nil
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		s.logger.Warn("supervisor: signal", "service", name, "err", err)
	}
	select {
	case <-p.done:
	case <-time.After(s.stopGrace):
		s.logger.Warn("supervisor: grace elapsed, killing", "service", name, "pid", p.pid)
		p.cmd.Process.Kill()
		<-p.done
	case <-ctx.Done():
		p.cmd.Process.Kill()
		<-p.done
		return ctx.Err()
	}
	s.resetHealth(name)
	s.logger.Info("supervisor: service stopped", "service", name)
	return nil
}

// Restart stops the service, pauses briefly, and starts it again.
func (s *Supervisor) Restart(ctx context.Context, name Name) (Status, error) {
	if err := s.Stop(ctx, name); err != nil {
		return Status{}, err
	}
	select {
	case <-time.After(restartPause):
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
	return s.Start(ctx, name)
}

// Logs returns the last lines of the service's log file. A missing file
// yields an empty slice.
func (s *Supervisor) Logs(name Name, lines int) ([]string, error) {
	if _, err := s.def(name); err != nil {
		return nil, err
	}
	if lines <= 0 {
		lines = 50
	}
	f, err := os.Open(s.logFile(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("supervisor: open %s log: %w", name, err)
	}
	defer f.Close()

	var tail []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		tail = append(tail, sc.Text())
		if len(tail) > lines {
			tail = tail[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return tail, fmt.Errorf("supervisor: read %s log: %w", name, err)
	}
	return tail, nil
}

func (s *Supervisor) readPidFile(name Name) (int, bool) {
	b, err := os.ReadFile(s.pidFile(name))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// signalForeign terminates a process the supervisor does not own, found via
// a stale pid file.
func (s *Supervisor) signalForeign(name Name, pid int) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	if err := proc.Signal(syscall.SIGTERM); err == nil {
		s.logger.Info("supervisor: signalled foreign process", "service", name, "pid", pid)
	}
	os.Remove(s.pidFile(name))
}

// resetHealth clears a service's probe record after a deliberate stop, so
// the stop itself does not count toward the unhealthy threshold.
func (s *Supervisor) resetHealth(name Name) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health[name] = &healthState{state: HealthUnknown}
}

func (s *Supervisor) setHealth(name Name, healthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.health[name]
	if !ok {
		h = &healthState{state: HealthUnknown}
		s.health[name] = h
	}
	if healthy {
		h.state = HealthHealthy
		h.failures = 0
		return
	}
	h.failures++
	if h.failures >= unhealthyThreshold {
		h.state = HealthUnhealthy
	}
}

// memRSS reads a process's resident set size from /proc. Best effort; zero
// on platforms without procfs.
func memRSS(pid int) int64 {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/statm", pid))
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(b))
	if len(fields) < 2 {
		return 0
	}
	pages, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return pages * int64(os.Getpagesize())
}
