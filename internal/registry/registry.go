// Package registry owns the ordered, health-tracked catalog of TTS and STT
// provider endpoints.
//
// Endpoints are tried in effective priority order: configured priority
// first, then live health (healthy before unknown before degraded before
// down), then ID as a stable lexicographic tiebreak. Health follows a small
// state machine fed by ReportSuccess/ReportFailure from the conversation
// engine and by Refresh probes.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/x85446/voicemode/internal/session"
)

// Kind separates the two provider catalogs.
type Kind string

const (
	KindTTS Kind = "tts"
	KindSTT Kind = "stt"
)

// IsValid reports whether k is a recognised provider kind.
func (k Kind) IsValid() bool { return k == KindTTS || k == KindSTT }

// Health is an endpoint's live health state.
type Health string

const (
	HealthUnknown  Health = "unknown"
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthDown     Health = "down"
)

// rank orders health states for effective priority. Unknown endpoints sort
// between healthy and degraded: never tried beats known-flaky.
func (h Health) rank() int {
	switch h {
	case HealthHealthy:
		return 0
	case HealthUnknown:
		return 1
	case HealthDegraded:
		return 2
	default:
		return 3
	}
}

// downThreshold is the consecutive failure count that marks an endpoint
// down; the first failure already marks it degraded.
const downThreshold = 3

// Capabilities describes what an endpoint can serve. Empty sets mean
// "anything": most local servers do not enumerate voices.
type Capabilities struct {
	Voices  []string `yaml:"voices"`
	Models  []string `yaml:"models"`
	Formats []string `yaml:"formats"`
}

// Endpoint is the static declaration of one provider endpoint.
type Endpoint struct {
	ID           string       `yaml:"id"`
	Kind         Kind         `yaml:"kind"`
	BaseURL      string       `yaml:"base_url"`
	APIKey       string       `yaml:"api_key"`
	Priority     int          `yaml:"priority"`
	Capabilities Capabilities `yaml:"capabilities"`
}

// Validate reports all problems with the declaration at once.
func (e Endpoint) Validate() error {
	var errs []error
	if e.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if !e.Kind.IsValid() {
		errs = append(errs, fmt.Errorf("kind %q is invalid; valid values: tts, stt", e.Kind))
	}
	if e.BaseURL == "" {
		errs = append(errs, errors.New("base_url is required"))
	}
	return errors.Join(errs...)
}

// Status is an endpoint's live health record.
type Status struct {
	State               Health
	LastChecked         time.Time
	ConsecutiveFailures int
	LastLatency         time.Duration
}

// Snapshot pairs an endpoint with a copy of its status.
type Snapshot struct {
	Endpoint
	Status
}

// Prober issues a cheap liveness request against one endpoint. The provider
// clients implement it.
type Prober interface {
	Probe(ctx context.Context) error
}

// Filter narrows Pick candidates to capability-compatible endpoints.
type Filter struct {
	Voice  string
	Model  string
	Format string

	// Provider, when set, restricts to that endpoint ID exactly.
	Provider string
}

var (
	// ErrDuplicateID is returned by Register for an already-known ID.
	ErrDuplicateID = errors.New("registry: duplicate endpoint id")

	// ErrUnknownEndpoint is returned for operations on absent IDs.
	ErrUnknownEndpoint = errors.New("registry: unknown endpoint")
)

type entry struct {
	ep     Endpoint
	status Status
	prober Prober
}

// Registry is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	clock    session.Clock
	cooldown time.Duration
	logger   *slog.Logger
	entries  map[string]*entry
}

// New creates an empty registry. cooldown bounds how often a down endpoint
// is probed; zero means the 60 s default.
func New(clock session.Clock, cooldown time.Duration, logger *slog.Logger) *Registry {
	if clock == nil {
		clock = session.SystemClock{}
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		clock:    clock,
		cooldown: cooldown,
		logger:   logger,
		entries:  make(map[string]*entry),
	}
}

// Register adds an endpoint in the unknown health state. prober may be nil,
// in which case Refresh skips the endpoint.
func (r *Registry) Register(ep Endpoint, prober Prober) error {
	if err := ep.Validate(); err != nil {
		return fmt.Errorf("registry: endpoint %q: %w", ep.ID, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[ep.ID]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateID, ep.ID)
	}
	r.entries[ep.ID] = &entry{
		ep:     ep,
		status: Status{State: HealthUnknown},
		prober: prober,
	}
	r.logger.Info("registry: endpoint registered", "id", ep.ID, "kind", ep.Kind, "priority", ep.Priority)
	return nil
}

// Unregister removes an endpoint.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEndpoint, id)
	}
	delete(r.entries, id)
	r.logger.Info("registry: endpoint unregistered", "id", id)
	return nil
}

// List returns an ordered snapshot of one kind's endpoints.
func (r *Registry) List(kind Kind) []Snapshot {
	return r.Pick(kind, Filter{})
}

// Pick returns capability-compatible candidates in effective priority
// order. An empty result means no endpoint matched the filter.
func (r *Registry) Pick(kind Kind, f Filter) []Snapshot {
	r.mu.RLock()
	var out []Snapshot
	for _, en := range r.entries {
		if en.ep.Kind != kind {
			continue
		}
		if !matches(en.ep, f) {
			continue
		}
		out = append(out, Snapshot{Endpoint: en.ep, Status: en.status})
	}
	r.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b Snapshot) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}
		if ra, rb := a.State.rank(), b.State.rank(); ra != rb {
			return ra - rb
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

func matches(ep Endpoint, f Filter) bool {
	if f.Provider != "" && ep.ID != f.Provider {
		return false
	}
	if f.Voice != "" && !capHas(ep.Capabilities.Voices, f.Voice) {
		return false
	}
	if f.Model != "" && !capHas(ep.Capabilities.Models, f.Model) {
		return false
	}
	if f.Format != "" && !capHas(ep.Capabilities.Formats, f.Format) {
		return false
	}
	return true
}

// capHas treats an empty capability set as unconstrained.
func capHas(set []string, want string) bool {
	if len(set) == 0 {
		return true
	}
	return slices.Contains(set, want)
}

// ReportSuccess marks the endpoint healthy and resets its failure count.
func (r *Registry) ReportSuccess(id string, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	en, ok := r.entries[id]
	if !ok {
		return
	}
	prev := en.status.State
	en.status = Status{
		State:       HealthHealthy,
		LastChecked: r.clock.Now(),
		LastLatency: latency,
	}
	if prev != HealthHealthy {
		r.logger.Info("registry: endpoint recovered", "id", id, "from", prev)
	}
}

// ReportFailure increments the failure count: one failure degrades, three
// mark the endpoint down.
func (r *Registry) ReportFailure(id string, errKind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	en, ok := r.entries[id]
	if !ok {
		return
	}
	en.status.ConsecutiveFailures++
	en.status.LastChecked = r.clock.Now()
	state := HealthDegraded
	if en.status.ConsecutiveFailures >= downThreshold {
		state = HealthDown
	}
	if state != en.status.State {
		r.logger.Warn("registry: endpoint health changed",
			"id", id,
			"state", state,
			"failures", en.status.ConsecutiveFailures,
			"err_kind", errKind,
		)
	}
	en.status.State = state
}

// Refresh probes one endpoint, or every endpoint when id is empty. Down
// endpoints are skipped while inside the cooldown window. Probe outcomes
// feed the same health transitions as live traffic.
func (r *Registry) Refresh(ctx context.Context, id string) error {
	var targets []string
	r.mu.RLock()
	if id != "" {
		if _, ok := r.entries[id]; !ok {
			r.mu.RUnlock()
			return fmt.Errorf("%w: %q", ErrUnknownEndpoint, id)
		}
		targets = []string{id}
	} else {
		for eid := range r.entries {
			targets = append(targets, eid)
		}
	}
	r.mu.RUnlock()
	slices.Sort(targets)

	var errs []error
	for _, eid := range targets {
		if err := r.probeOne(ctx, eid); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", eid, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) probeOne(ctx context.Context, id string) error {
	r.mu.RLock()
	en, ok := r.entries[id]
	if !ok {
		r.mu.RUnlock()
		return nil // unregistered mid-refresh
	}
	prober := en.prober
	st := en.status
	r.mu.RUnlock()

	if prober == nil {
		return nil
	}
	if st.State == HealthDown && r.clock.Now().Sub(st.LastChecked) < r.cooldown {
		return nil
	}

	start := r.clock.Now()
	if err := prober.Probe(ctx); err != nil {
		r.ReportFailure(id, "probe")
		return err
	}
	r.ReportSuccess(id, r.clock.Now().Sub(start))
	return nil
}
