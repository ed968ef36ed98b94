// Package openaitranscribe implements stt.Transcriber against any endpoint
// speaking the OpenAI /audio/transcriptions shape: the hosted OpenAI API or a
// local Whisper server.
package openaitranscribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/x85446/voicemode/pkg/provider/stt"
)

const defaultModel = "whisper-1"

// Option configures a Transcriber.
type Option func(*Transcriber)

// WithModel sets the model used when a request does not name one.
func WithModel(model string) Option {
	return func(t *Transcriber) { t.model = model }
}

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transcriber) { t.httpClient = c }
}

// Transcriber implements stt.Transcriber backed by an OpenAI-compatible
// transcription endpoint.
type Transcriber struct {
	client     openai.Client
	model      string
	httpClient *http.Client
}

// New creates a Transcriber for the endpoint at baseURL. apiKey may be empty
// for local servers that do not authenticate.
func New(baseURL, apiKey string, opts ...Option) (*Transcriber, error) {
	if baseURL == "" {
		return nil, errors.New("openaitranscribe: baseURL must not be empty")
	}
	t := &Transcriber{model: defaultModel}
	for _, o := range opts {
		o(t)
	}
	// Retrying is the registry's job; failing fast here keeps failover
	// latency bounded by a single attempt.
	reqOpts := []option.RequestOption{
		option.WithBaseURL(baseURL),
		option.WithMaxRetries(0),
	}
	if apiKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(apiKey))
	}
	if t.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(t.httpClient))
	}
	t.client = openai.NewClient(reqOpts...)
	return t, nil
}

// Transcribe uploads the recording as a multipart file and returns the text.
func (t *Transcriber) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	if len(req.Audio) == 0 {
		return stt.Result{}, errors.New("openaitranscribe: empty audio")
	}

	filename, contentType := fileMeta(req.Format)
	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(req.Audio), filename, contentType),
		Model: openai.AudioModel(orDefault(req.Model, t.model)),
	}
	if req.Language != "" {
		params.Language = openai.String(req.Language)
	}

	tr, err := t.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return stt.Result{}, fmt.Errorf("openaitranscribe: transcription request: %w", err)
	}
	return stt.Result{Text: tr.Text}, nil
}

// Probe submits a minimal silent WAV. The endpoint answering at all, even
// with an API error, proves it is alive.
func (t *Transcriber) Probe(ctx context.Context) error {
	_, err := t.Transcribe(ctx, stt.Request{Audio: silentWAV(), Format: "wav"})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil
		}
		return err
	}
	return nil
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func fileMeta(format string) (filename, contentType string) {
	switch format {
	case "mp3":
		return "audio.mp3", "audio/mpeg"
	case "wav":
		return "audio.wav", "audio/wav"
	default:
		return "audio.opus", "audio/ogg"
	}
}

// silentWAV returns 100 ms of 16 kHz mono silence in a RIFF container, the
// smallest upload most Whisper servers accept without complaint.
func silentWAV() []byte {
	const samples = 1600
	data := make([]byte, 44+samples*2)
	copy(data[0:4], "RIFF")
	putU32 := func(off int, v uint32) {
		data[off] = byte(v)
		data[off+1] = byte(v >> 8)
		data[off+2] = byte(v >> 16)
		data[off+3] = byte(v >> 24)
	}
	putU32(4, uint32(36+samples*2))
	copy(data[8:12], "WAVE")
	copy(data[12:16], "fmt ")
	putU32(16, 16)
	data[20] = 1 // PCM
	data[22] = 1 // mono
	putU32(24, 16000)
	putU32(28, 32000)
	data[32] = 2  // block align
	data[34] = 16 // bits per sample
	copy(data[36:40], "data")
	putU32(40, uint32(samples*2))
	return data
}

var _ stt.Transcriber = (*Transcriber)(nil)
