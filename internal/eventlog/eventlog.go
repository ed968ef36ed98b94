// Package eventlog records conversation events as append-only JSONL and
// derives per-session statistics from them.
//
// One file per day under the logs directory, events-YYYYMMDD.jsonl. A single
// writer goroutine owns the file handles; every other component enqueues
// through Emit and never touches the files. Each record is written and
// flushed individually so a crash loses at most the event in flight.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/x85446/voicemode/internal/session"
)

// Type enumerates the event kinds a session can emit.
type Type string

const (
	TypeToolRequestStart Type = "TOOL_REQUEST_START"
	TypeToolRequestEnd   Type = "TOOL_REQUEST_END"
	TypeTTSStart         Type = "TTS_START"
	TypeTTSFirstAudio    Type = "TTS_FIRST_AUDIO"
	TypeTTSPlaybackStart Type = "TTS_PLAYBACK_START"
	TypeTTSPlaybackEnd   Type = "TTS_PLAYBACK_END"
	TypeRecordingStart   Type = "RECORDING_START"
	TypeRecordingEnd     Type = "RECORDING_END"
	TypeSTTStart         Type = "STT_START"
	TypeSTTComplete      Type = "STT_COMPLETE"
	TypeError            Type = "ERROR"
	TypeCancel           Type = "CANCEL"
)

// Event is one JSONL record.
type Event struct {
	Timestamp time.Time      `json:"-"`
	SessionID string         `json:"session_id"`
	Type      Type           `json:"event_type"`
	Data      map[string]any `json:"data"`
}

// timestampLayout is RFC 3339 with millisecond precision and a numeric zone,
// matching the on-disk format consumers already parse.
const timestampLayout = "2006-01-02T15:04:05.000-07:00"

type wireEvent struct {
	Timestamp string         `json:"timestamp"`
	SessionID string         `json:"session_id"`
	Type      Type           `json:"event_type"`
	Data      map[string]any `json:"data"`
}

// MarshalJSON writes the timestamp in the fixed fractional-seconds layout.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{
		Timestamp: e.Timestamp.Format(timestampLayout),
		SessionID: e.SessionID,
		Type:      e.Type,
		Data:      e.Data,
	})
}

// UnmarshalJSON accepts any RFC 3339 timestamp.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339, w.Timestamp)
	if err != nil {
		return fmt.Errorf("eventlog: parse timestamp %q: %w", w.Timestamp, err)
	}
	e.Timestamp = ts
	e.SessionID = w.SessionID
	e.Type = w.Type
	e.Data = w.Data
	return nil
}

// DayFile returns the file name for a day, e.g. "events-20240115.jsonl".
func DayFile(day time.Time) string {
	return "events-" + day.Format("20060102") + ".jsonl"
}

// Writer is the single writer to the JSONL files.
type Writer struct {
	dir    string
	clock  session.Clock
	logger *slog.Logger

	queue chan Event
	done  chan struct{}

	// owned by the run goroutine
	file    *os.File
	fileDay string
}

// queueDepth bounds Emit backpressure. Events are tiny; a deep queue keeps
// the audio path from ever blocking on disk.
const queueDepth = 256

// NewWriter opens a writer rooted at dir, creating it if needed.
func NewWriter(dir string, clock session.Clock, logger *slog.Logger) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: create %s: %w", dir, err)
	}
	if clock == nil {
		clock = session.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{
		dir:    dir,
		clock:  clock,
		logger: logger,
		queue:  make(chan Event, queueDepth),
		done:   make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Emit enqueues an event stamped with the current time. It blocks only when
// the queue is full (the disk is severely behind).
func (w *Writer) Emit(sessionID string, typ Type, data map[string]any) {
	select {
	case <-w.done:
		w.logger.Warn("eventlog: emit after close", "event_type", typ)
	case w.queue <- Event{Timestamp: w.clock.Now(), SessionID: sessionID, Type: typ, Data: data}:
	}
}

// Close drains the queue and closes the current file. Emit calls racing
// Close may be dropped with a warning.
func (w *Writer) Close() error {
	close(w.queue)
	<-w.done
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}

func (w *Writer) run() {
	defer close(w.done)
	for ev := range w.queue {
		if err := w.write(ev); err != nil {
			w.logger.Error("eventlog: write", "err", err, "event_type", ev.Type)
		}
	}
}

// write appends one record to the day file the event's timestamp selects,
// rotating the handle across midnight.
func (w *Writer) write(ev Event) error {
	day := ev.Timestamp.Format("20060102")
	if w.file == nil || day != w.fileDay {
		if w.file != nil {
			w.file.Close()
		}
		path := filepath.Join(w.dir, DayFile(ev.Timestamp))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		w.file = f
		w.fileDay = day
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	line = append(line, '\n')
	if _, err := w.file.Write(line); err != nil {
		return fmt.Errorf("append: %w", err)
	}
	return nil
}

// ReadDay loads every parseable event from a day's file, in file order.
// Malformed lines are skipped with a warning; a missing file yields an empty
// slice.
func ReadDay(dir string, day time.Time, logger *slog.Logger) ([]Event, error) {
	if logger == nil {
		logger = slog.Default()
	}
	path := filepath.Join(dir, DayFile(day))
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			logger.Warn("eventlog: skipping malformed line", "file", path, "line", lineNo, "err", err)
			continue
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return events, fmt.Errorf("eventlog: read %s: %w", path, err)
	}
	return events, nil
}
