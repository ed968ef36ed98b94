// Package session mints conversation session identifiers.
//
// An ID combines the wall clock with a process-lifetime counter, e.g.
// "20240115_100000_1". The counter keeps IDs unique when several sessions
// start within the same second; the timestamp keeps them greppable next to
// the event log's day files.
package session

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Clock abstracts time.Now for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the real wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

var _ Clock = SystemClock{}

// Minter issues session IDs. Safe for concurrent use.
type Minter struct {
	clock   Clock
	counter atomic.Uint64
}

// NewMinter creates a Minter. A nil clock means the system clock.
func NewMinter(clock Clock) *Minter {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Minter{clock: clock}
}

// Next mints a fresh session ID.
func (m *Minter) Next() string {
	n := m.counter.Add(1)
	return fmt.Sprintf("%s_%d", m.clock.Now().Format("20060102_150405"), n)
}

// Now exposes the minter's clock so callers timestamp events consistently.
func (m *Minter) Now() time.Time { return m.clock.Now() }
