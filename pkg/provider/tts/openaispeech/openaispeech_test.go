package openaispeech

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/x85446/voicemode/pkg/provider/tts"
)

type speechBody struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format"`
}

func TestSynthesize_StreamsResponseBody(t *testing.T) {
	var got speechBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		w.Header().Set("Content-Type", "audio/ogg")
		w.Write(bytes.Repeat([]byte("audio"), 2000))
	}))
	defer srv.Close()

	s, err := New(srv.URL, "test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	st, err := s.Synthesize(context.Background(), tts.Request{
		Text:   "Hello, world.",
		Voice:  "nova",
		Model:  "tts-1",
		Format: "opus",
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	var total int
	var chunks int
	for c := range st.Chunks() {
		total += len(c)
		chunks++
	}
	if err := st.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if total != 10000 {
		t.Errorf("received %d bytes, want 10000", total)
	}
	if chunks < 2 {
		t.Errorf("received %d chunks, want streaming delivery", chunks)
	}

	if got.Input != "Hello, world." {
		t.Errorf("input = %q", got.Input)
	}
	if got.Voice != "nova" || got.Model != "tts-1" || got.ResponseFormat != "opus" {
		t.Errorf("request body = %+v", got)
	}
}

func TestSynthesize_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"boom"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s, err := New(srv.URL, "test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.Synthesize(context.Background(), tts.Request{Text: "hi"}); err == nil {
		t.Error("expected error for 503 response")
	}
}

func TestSynthesize_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("audio"))
	}))
	defer srv.Close()

	s, err := New(srv.URL, "test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Synthesize(ctx, tts.Request{Text: "hi"}); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestProbe_APIErrorCountsAsAlive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"input too short","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	s, err := New(srv.URL, "test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Probe(context.Background()); err != nil {
		t.Errorf("Probe = %v, want nil for a well-formed API error", err)
	}
}

func TestProbe_ConnectErrorFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening anymore

	s, err := New(srv.URL, "test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Probe(context.Background()); err == nil {
		t.Error("Probe should fail when the endpoint is unreachable")
	}
}
