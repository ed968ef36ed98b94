package eventlog

import (
	"slices"
	"sort"
	"time"
)

// SessionStats holds the timings derivable from one session's events. A zero
// duration means the phase did not occur or its events are missing.
type SessionStats struct {
	SessionID string `json:"session_id"`

	// TTFA is TTS_FIRST_AUDIO - TTS_START.
	TTFA time.Duration `json:"ttfa"`

	// TTSGen is TTS_PLAYBACK_END - TTS_START.
	TTSGen time.Duration `json:"tts_gen"`

	// TTSPlay is TTS_PLAYBACK_END - TTS_PLAYBACK_START.
	TTSPlay time.Duration `json:"tts_play"`

	// Recording is RECORDING_END - RECORDING_START.
	Recording time.Duration `json:"record"`

	// STT is STT_COMPLETE - STT_START.
	STT time.Duration `json:"stt"`

	// ResponseTime is the gap from this session's RECORDING_END to the next
	// TTS_PLAYBACK_START anywhere in the log. Only meaningful across
	// successive sessions.
	ResponseTime time.Duration `json:"response_time"`
}

// DurationStats summarises a set of gaps.
type DurationStats struct {
	Count  int           `json:"count"`
	Mean   time.Duration `json:"mean"`
	Min    time.Duration `json:"min"`
	Max    time.Duration `json:"max"`
	Median time.Duration `json:"median"`
}

// Summary is the derived view of one day's event log.
type Summary struct {
	Sessions []SessionStats `json:"sessions"`

	// Thinking summarises the gaps between each TOOL_REQUEST_END and the
	// following TOOL_REQUEST_START, i.e. the time the assistant spent
	// deciding what to say next.
	Thinking DurationStats `json:"thinking"`
}

// Summarize derives statistics from a day's events. Events may arrive in any
// order; they are sorted by timestamp first.
func Summarize(events []Event) Summary {
	sorted := make([]Event, len(events))
	copy(sorted, events)
	slices.SortStableFunc(sorted, func(a, b Event) int {
		return a.Timestamp.Compare(b.Timestamp)
	})

	type marks map[Type]time.Time
	perSession := make(map[string]marks)
	var order []string
	for _, ev := range sorted {
		m, ok := perSession[ev.SessionID]
		if !ok {
			m = make(marks)
			perSession[ev.SessionID] = m
			order = append(order, ev.SessionID)
		}
		// First occurrence wins; repeated events (retries) keep the
		// original phase boundary.
		if _, seen := m[ev.Type]; !seen {
			m[ev.Type] = ev.Timestamp
		}
	}

	var sum Summary
	for _, id := range order {
		m := perSession[id]
		s := SessionStats{SessionID: id}
		s.TTFA = gap(m, TypeTTSStart, TypeTTSFirstAudio)
		s.TTSGen = gap(m, TypeTTSStart, TypeTTSPlaybackEnd)
		s.TTSPlay = gap(m, TypeTTSPlaybackStart, TypeTTSPlaybackEnd)
		s.Recording = gap(m, TypeRecordingStart, TypeRecordingEnd)
		s.STT = gap(m, TypeSTTStart, TypeSTTComplete)

		if end, ok := m[TypeRecordingEnd]; ok {
			for _, ev := range sorted {
				if ev.Type == TypeTTSPlaybackStart && ev.Timestamp.After(end) {
					s.ResponseTime = ev.Timestamp.Sub(end)
					break
				}
			}
		}
		sum.Sessions = append(sum.Sessions, s)
	}

	sum.Thinking = thinkingGaps(sorted)
	return sum
}

func gap(m map[Type]time.Time, from, to Type) time.Duration {
	a, okA := m[from]
	b, okB := m[to]
	if !okA || !okB || b.Before(a) {
		return 0
	}
	return b.Sub(a)
}

// thinkingGaps pairs each TOOL_REQUEST_END with the next TOOL_REQUEST_START.
func thinkingGaps(sorted []Event) DurationStats {
	var gaps []time.Duration
	var lastEnd *time.Time
	for _, ev := range sorted {
		switch ev.Type {
		case TypeToolRequestEnd:
			t := ev.Timestamp
			lastEnd = &t
		case TypeToolRequestStart:
			if lastEnd != nil {
				gaps = append(gaps, ev.Timestamp.Sub(*lastEnd))
				lastEnd = nil
			}
		}
	}
	return summarizeDurations(gaps)
}

func summarizeDurations(ds []time.Duration) DurationStats {
	if len(ds) == 0 {
		return DurationStats{}
	}
	sorted := make([]time.Duration, len(ds))
	copy(sorted, ds)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	median := sorted[len(sorted)/2]
	if len(sorted)%2 == 0 {
		median = (sorted[len(sorted)/2-1] + sorted[len(sorted)/2]) / 2
	}
	return DurationStats{
		Count:  len(sorted),
		Mean:   total / time.Duration(len(sorted)),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Median: median,
	}
}
