package room

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/x85446/voicemode/pkg/audio"
)

func testConfig(url string) Config {
	return Config{
		URL:       url,
		APIKey:    "devkey",
		APISecret: "devsecret-devsecret-devsecret-00",
		Room:      "voicemode",
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func canonicalFrame() audio.Frame {
	return audio.Frame{
		Data:     make([]byte, audio.FrameBytes(audio.FrameMs, audio.CanonicalRate, audio.CanonicalChannels)),
		Rate:     audio.CanonicalRate,
		Channels: audio.CanonicalChannels,
	}
}

func TestConfigValidate(t *testing.T) {
	if err := testConfig("ws://x").Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
	err := Config{}.Validate()
	if err == nil {
		t.Fatal("empty config accepted")
	}
	// All four problems should be reported at once.
	for _, want := range []string{"URL", "APIKey", "APISecret", "Room"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("validation error missing %s: %v", want, err)
		}
	}
}

func TestAccessToken(t *testing.T) {
	token, err := testConfig("ws://x").AccessToken()
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if parts := strings.Split(token, "."); len(parts) != 3 {
		t.Errorf("token is not a JWT: %q", token)
	}
}

func TestJoinAndPlay(t *testing.T) {
	received := make(chan []byte, 64)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()

		var join controlMessage
		if err := wsjson.Read(ctx, conn, &join); err != nil {
			t.Errorf("read join: %v", err)
			return
		}
		if join.Type != "join" || join.Token == "" || join.Room != "voicemode" {
			t.Errorf("bad join message: %+v", join)
		}
		wsjson.Write(ctx, conn, controlMessage{Type: "joined"})

		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				received <- data
				continue
			}
			var msg controlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Errorf("bad control message: %v", err)
				continue
			}
			if msg.Type == "play_end" {
				wsjson.Write(ctx, conn, controlMessage{Type: "played"})
			}
		}
	}))
	defer srv.Close()

	tr, err := New(testConfig(wsURL(srv)), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if tr.Live() {
		t.Error("Live before Join")
	}
	if err := tr.Join(ctx); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if !tr.Live() {
		t.Error("not Live after Join")
	}
	// Join is idempotent.
	if err := tr.Join(ctx); err != nil {
		t.Fatalf("second Join: %v", err)
	}

	frames := make(chan audio.Frame, 3)
	for range 3 {
		frames <- canonicalFrame()
	}
	close(frames)

	if err := tr.Play(ctx, frames); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if got := len(received); got != 3 {
		t.Errorf("relay received %d frames, want 3", got)
	}
}

func TestJoinRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		var join controlMessage
		wsjson.Read(ctx, conn, &join)
		wsjson.Write(ctx, conn, controlMessage{Type: "error", Detail: "room full"})
	}))
	defer srv.Close()

	tr, err := New(testConfig(wsURL(srv)), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.Join(ctx); err == nil || !strings.Contains(err.Error(), "room full") {
		t.Errorf("Join err = %v, want rejection with detail", err)
	}
	if tr.Live() {
		t.Error("Live after rejected join")
	}
}

func TestRecord(t *testing.T) {
	frame := make([]byte, audio.FrameBytes(audio.FrameMs, audio.CanonicalRate, audio.CanonicalChannels))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()

		var join controlMessage
		wsjson.Read(ctx, conn, &join)
		wsjson.Write(ctx, conn, controlMessage{Type: "joined"})

		var start controlMessage
		if err := wsjson.Read(ctx, conn, &start); err != nil {
			return
		}
		if start.Type != "record_start" {
			t.Errorf("expected record_start, got %+v", start)
			return
		}
		for range 5 {
			if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
				return
			}
		}
		// Hold the connection open until the client stops.
		conn.Read(ctx)
	}))
	defer srv.Close()

	tr, err := New(testConfig(wsURL(srv)), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.Join(ctx); err != nil {
		t.Fatalf("Join: %v", err)
	}

	rec, err := tr.Record(ctx)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	var got int
	var lastTS time.Duration = -1
	for f := range rec.Frames() {
		if f.Rate != audio.CanonicalRate || f.Channels != audio.CanonicalChannels {
			t.Errorf("frame format %dHz/%dch", f.Rate, f.Channels)
		}
		if f.Timestamp <= lastTS {
			t.Errorf("timestamps not increasing: %v after %v", f.Timestamp, lastTS)
		}
		lastTS = f.Timestamp
		got++
		if got == 5 {
			rec.Stop()
		}
	}
	if got < 5 {
		t.Errorf("received %d frames, want 5", got)
	}
	if err := rec.Err(); err != nil {
		t.Errorf("capture err after clean stop: %v", err)
	}
}

func TestPlayBeforeJoin(t *testing.T) {
	tr, err := New(testConfig("ws://127.0.0.1:1"), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	frames := make(chan audio.Frame)
	close(frames)
	if err := tr.Play(context.Background(), frames); !errors.Is(err, ErrNotJoined) {
		t.Errorf("Play err = %v, want ErrNotJoined", err)
	}
	if _, err := tr.Record(context.Background()); !errors.Is(err, ErrNotJoined) {
		t.Errorf("Record err = %v, want ErrNotJoined", err)
	}
}
