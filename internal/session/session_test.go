package session

import (
	"strings"
	"sync"
	"testing"
	"time"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func TestNext_Format(t *testing.T) {
	clock := fixedClock{t: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)}
	m := NewMinter(clock)

	if got, want := m.Next(), "20240115_100000_1"; got != want {
		t.Errorf("first ID = %q, want %q", got, want)
	}
	if got, want := m.Next(), "20240115_100000_2"; got != want {
		t.Errorf("second ID = %q, want %q", got, want)
	}
}

func TestNext_UniqueUnderConcurrency(t *testing.T) {
	m := NewMinter(nil)
	const n = 200

	var mu sync.Mutex
	seen := make(map[string]bool, n)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := m.Next()
			mu.Lock()
			defer mu.Unlock()
			if seen[id] {
				t.Errorf("duplicate ID %q", id)
			}
			seen[id] = true
		}()
	}
	wg.Wait()
	if len(seen) != n {
		t.Errorf("minted %d unique IDs, want %d", len(seen), n)
	}
}

func TestNext_SortsWithDayFiles(t *testing.T) {
	clock := fixedClock{t: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)}
	m := NewMinter(clock)
	if id := m.Next(); !strings.HasPrefix(id, "20240115_") {
		t.Errorf("ID %q does not start with the day stamp", id)
	}
}
