package openaitranscribe

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/x85446/voicemode/pkg/provider/stt"
)

func TestTranscribe_MultipartUpload(t *testing.T) {
	var gotModel, gotLanguage, gotFilename string
	var gotFile []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		gotModel = r.FormValue("model")
		gotLanguage = r.FormValue("language")
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			http.Error(w, "no file", http.StatusBadRequest)
			return
		}
		defer f.Close()
		gotFilename = hdr.Filename
		gotFile, _ = io.ReadAll(f)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text":"Goodbye."}`))
	}))
	defer srv.Close()

	tr, err := New(srv.URL, "test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := tr.Transcribe(context.Background(), stt.Request{
		Audio:    []byte("fake-opus-bytes"),
		Format:   "opus",
		Model:    "whisper-1",
		Language: "en",
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "Goodbye." {
		t.Errorf("text = %q, want %q", res.Text, "Goodbye.")
	}
	if gotModel != "whisper-1" {
		t.Errorf("model = %q", gotModel)
	}
	if gotLanguage != "en" {
		t.Errorf("language = %q", gotLanguage)
	}
	if gotFilename != "audio.opus" {
		t.Errorf("filename = %q", gotFilename)
	}
	if string(gotFile) != "fake-opus-bytes" {
		t.Errorf("file payload = %q", gotFile)
	}
}

func TestTranscribe_EmptyAudio(t *testing.T) {
	tr, err := New("http://localhost:1", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := tr.Transcribe(context.Background(), stt.Request{}); err == nil {
		t.Error("expected error for empty audio")
	}
}

func TestProbe_APIErrorCountsAsAlive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"audio too short","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	tr, err := New(srv.URL, "test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := tr.Probe(context.Background()); err != nil {
		t.Errorf("Probe = %v, want nil for a well-formed API error", err)
	}
}

func TestFileMeta(t *testing.T) {
	tests := []struct {
		format   string
		filename string
	}{
		{"opus", "audio.opus"},
		{"mp3", "audio.mp3"},
		{"wav", "audio.wav"},
		{"", "audio.opus"},
	}
	for _, tt := range tests {
		if name, _ := fileMeta(tt.format); name != tt.filename {
			t.Errorf("fileMeta(%q) filename = %q, want %q", tt.format, name, tt.filename)
		}
	}
}
