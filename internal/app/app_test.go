package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/x85446/voicemode/internal/config"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// relayServer accepts one websocket join handshake and reports it on the
// returned channel.
func relayServer(t *testing.T) (*httptest.Server, <-chan struct{}) {
	t.Helper()
	joined := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()

		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var join struct {
			Type  string `json:"type"`
			Room  string `json:"room"`
			Token string `json:"token"`
		}
		if err := json.Unmarshal(data, &join); err != nil || join.Type != "join" {
			t.Errorf("bad join message: %s", data)
			return
		}
		if join.Token == "" || join.Room == "" {
			t.Errorf("join missing token or room: %+v", join)
		}
		if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"joined"}`)); err != nil {
			return
		}
		joined <- struct{}{}
		conn.Read(ctx) // hold the connection until the client leaves
	}))
	return srv, joined
}

func TestApp_JoinsConfiguredRoom(t *testing.T) {
	srv, joined := relayServer(t)
	defer srv.Close()

	cfg := config.Default()
	cfg.Home = t.TempDir()
	cfg.LiveKit = config.LiveKitConfig{
		URL:       "ws" + strings.TrimPrefix(srv.URL, "http"),
		APIKey:    "devkey",
		APISecret: "devsecret-devsecret-devsecret-00",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, err := New(ctx, cfg, quietLogger(), "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close(context.Background())

	if a.roomTr == nil {
		t.Fatal("room transport not constructed despite full LiveKit config")
	}
	if a.roomTr.Live() {
		t.Error("Live before the join loop ran")
	}

	a.joinRoom(ctx)

	select {
	case <-joined:
	case <-time.After(5 * time.Second):
		t.Fatal("relay never acknowledged a join")
	}
	if !a.roomTr.Live() {
		t.Error("room transport not live after the join loop")
	}
}
