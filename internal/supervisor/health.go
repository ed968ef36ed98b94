package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Run polls service health every interval until ctx is cancelled. Three
// consecutive probe failures mark a service unhealthy; services configured
// with AutoRestart are restarted once they turn unhealthy.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollAll(ctx)
		}
	}
}

func (s *Supervisor) pollAll(ctx context.Context) {
	for _, name := range Names {
		d, ok := s.defs[name]
		if !ok || d.HealthURL == "" {
			continue
		}

		// Only probe services we believe should be up: an owned process or
		// a previously healthy port.
		s.mu.Lock()
		owned := s.procs[name].alive()
		h := s.health[name]
		known := h != nil && h.state != HealthUnknown
		s.mu.Unlock()
		if !owned && !known {
			continue
		}

		err := s.probe(ctx, d.HealthURL)
		s.setHealth(name, err == nil)

		s.mu.Lock()
		unhealthy := s.health[name].state == HealthUnhealthy
		s.mu.Unlock()

		if unhealthy && d.AutoRestart && owned {
			s.logger.Warn("supervisor: service unhealthy, restarting", "service", name)
			if _, rerr := s.Restart(ctx, name); rerr != nil {
				s.logger.Error("supervisor: auto-restart failed", "service", name, "err", rerr)
			}
		}
	}
}

// probe issues one GET against a health URL. Any 2xx response is healthy.
func (s *Supervisor) probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("supervisor: build probe: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("supervisor: probe %s: %w", url, err)
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("supervisor: probe %s: status %d", url, resp.StatusCode)
	}
	return nil
}

// StartKokoro starts Kokoro for engine boot. Failure is logged, never
// fatal.
func (s *Supervisor) StartKokoro(ctx context.Context) {
	if _, err := s.Start(ctx, Kokoro); err != nil {
		s.logger.Warn("supervisor: kokoro autostart failed", "err", err)
		return
	}
	s.logger.Info("supervisor: kokoro autostart requested")
}
