package eventlog

import (
	"testing"
	"time"
)

func sessionEvents(id string, start time.Time, offsets map[Type]time.Duration) []Event {
	var evs []Event
	for typ, off := range offsets {
		evs = append(evs, Event{Timestamp: start.Add(off), SessionID: id, Type: typ})
	}
	return evs
}

func TestSummarize_SessionTimings(t *testing.T) {
	base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	events := sessionEvents("s1", base, map[Type]time.Duration{
		TypeToolRequestStart: 0,
		TypeTTSStart:         100 * time.Millisecond,
		TypeTTSFirstAudio:    450 * time.Millisecond,
		TypeTTSPlaybackStart: 500 * time.Millisecond,
		TypeTTSPlaybackEnd:   2500 * time.Millisecond,
		TypeRecordingStart:   2600 * time.Millisecond,
		TypeRecordingEnd:     5600 * time.Millisecond,
		TypeSTTStart:         5700 * time.Millisecond,
		TypeSTTComplete:      6700 * time.Millisecond,
		TypeToolRequestEnd:   6800 * time.Millisecond,
	})

	sum := Summarize(events)
	if len(sum.Sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sum.Sessions))
	}
	s := sum.Sessions[0]
	if s.TTFA != 350*time.Millisecond {
		t.Errorf("TTFA = %v", s.TTFA)
	}
	if s.TTSGen != 2400*time.Millisecond {
		t.Errorf("TTSGen = %v", s.TTSGen)
	}
	if s.TTSPlay != 2*time.Second {
		t.Errorf("TTSPlay = %v", s.TTSPlay)
	}
	if s.Recording != 3*time.Second {
		t.Errorf("Recording = %v", s.Recording)
	}
	if s.STT != time.Second {
		t.Errorf("STT = %v", s.STT)
	}
}

func TestSummarize_ResponseTimeAcrossSessions(t *testing.T) {
	base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	var events []Event
	events = append(events, sessionEvents("s1", base, map[Type]time.Duration{
		TypeRecordingStart: 0,
		TypeRecordingEnd:   3 * time.Second,
	})...)
	// The next session starts speaking 2 s after s1's recording ended.
	events = append(events, sessionEvents("s2", base.Add(4*time.Second), map[Type]time.Duration{
		TypeTTSStart:         0,
		TypeTTSPlaybackStart: time.Second,
	})...)

	sum := Summarize(events)
	if len(sum.Sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sum.Sessions))
	}
	if got := sum.Sessions[0].ResponseTime; got != 2*time.Second {
		t.Errorf("s1 response time = %v, want 2s", got)
	}
	if got := sum.Sessions[1].ResponseTime; got != 0 {
		t.Errorf("s2 response time = %v, want 0 (no recording)", got)
	}
}

func TestSummarize_ThinkingGaps(t *testing.T) {
	base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	events := []Event{
		{Timestamp: base, SessionID: "s1", Type: TypeToolRequestStart},
		{Timestamp: base.Add(5 * time.Second), SessionID: "s1", Type: TypeToolRequestEnd},
		{Timestamp: base.Add(7 * time.Second), SessionID: "s2", Type: TypeToolRequestStart},
		{Timestamp: base.Add(12 * time.Second), SessionID: "s2", Type: TypeToolRequestEnd},
		{Timestamp: base.Add(16 * time.Second), SessionID: "s3", Type: TypeToolRequestStart},
	}

	sum := Summarize(events)
	th := sum.Thinking
	if th.Count != 2 {
		t.Fatalf("thinking count = %d, want 2", th.Count)
	}
	if th.Min != 2*time.Second || th.Max != 4*time.Second {
		t.Errorf("min/max = %v/%v", th.Min, th.Max)
	}
	if th.Mean != 3*time.Second {
		t.Errorf("mean = %v", th.Mean)
	}
	if th.Median != 3*time.Second {
		t.Errorf("median = %v (even count averages the middle pair)", th.Median)
	}
}

func TestSummarize_MissingEventsYieldZero(t *testing.T) {
	base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	events := sessionEvents("s1", base, map[Type]time.Duration{
		TypeToolRequestStart: 0,
		TypeTTSStart:         100 * time.Millisecond,
		// No further events: the session failed mid-synthesis.
	})
	sum := Summarize(events)
	s := sum.Sessions[0]
	if s.TTFA != 0 || s.TTSGen != 0 || s.Recording != 0 || s.STT != 0 {
		t.Errorf("incomplete session should report zero timings: %+v", s)
	}
}

func TestSummarize_Empty(t *testing.T) {
	sum := Summarize(nil)
	if len(sum.Sessions) != 0 || sum.Thinking.Count != 0 {
		t.Errorf("empty log should summarise to nothing: %+v", sum)
	}
}
