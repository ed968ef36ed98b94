// Package openaispeech implements tts.Synthesizer against any endpoint
// speaking the OpenAI /audio/speech shape: the hosted OpenAI API, a local
// Kokoro server, or compatible third parties.
package openaispeech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/x85446/voicemode/pkg/provider/tts"
)

const (
	defaultModel = "tts-1"
	defaultVoice = "alloy"

	// chunkSize is the read granularity on the streaming response body.
	// 4 KiB keeps time-to-first-audio low without per-read overhead.
	chunkSize = 4096
)

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithModel sets the model used when a request does not name one.
func WithModel(model string) Option {
	return func(s *Synthesizer) { s.model = model }
}

// WithVoice sets the voice used when a request does not name one.
func WithVoice(voice string) Option {
	return func(s *Synthesizer) { s.voice = voice }
}

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Synthesizer) { s.httpClient = c }
}

// Synthesizer implements tts.Synthesizer backed by an OpenAI-compatible
// speech endpoint.
type Synthesizer struct {
	client     openai.Client
	model      string
	voice      string
	httpClient *http.Client
}

// New creates a Synthesizer for the endpoint at baseURL. apiKey may be empty
// for local servers that do not authenticate.
func New(baseURL, apiKey string, opts ...Option) (*Synthesizer, error) {
	if baseURL == "" {
		return nil, errors.New("openaispeech: baseURL must not be empty")
	}
	s := &Synthesizer{
		model: defaultModel,
		voice: defaultVoice,
	}
	for _, o := range opts {
		o(s)
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
	if s.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(s.httpClient))
	}
	s.client = openai.NewClient(reqOpts...)
	return s, nil
}

// Synthesize issues the speech request and streams the response body.
func (s *Synthesizer) Synthesize(ctx context.Context, req tts.Request) (tts.Stream, error) {
	params := openai.AudioSpeechNewParams{
		Model: openai.SpeechModel(orDefault(req.Model, s.model)),
		Input: req.Text,
		Voice: openai.AudioSpeechNewParamsVoice(orDefault(req.Voice, s.voice)),
	}
	if req.Format != "" {
		params.ResponseFormat = openai.AudioSpeechNewParamsResponseFormat(req.Format)
	}

	resp, err := s.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openaispeech: speech request: %w", err)
	}

	st := &stream{
		body:   resp.Body,
		chunks: make(chan []byte, 8),
	}
	go st.pump(ctx)
	return st, nil
}

// Probe synthesizes a single character and discards the result. Any
// well-formed API response, success or error, proves the endpoint is alive.
func (s *Synthesizer) Probe(ctx context.Context) error {
	st, err := s.Synthesize(ctx, tts.Request{Text: "a"})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil
		}
		return err
	}
	defer st.Close()
	for range st.Chunks() {
	}
	return st.Err()
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

// stream delivers the response body as chunks on a channel.
type stream struct {
	body   io.ReadCloser
	chunks chan []byte
	err    error
}

func (st *stream) pump(ctx context.Context) {
	defer close(st.chunks)
	defer st.body.Close()
	for {
		buf := make([]byte, chunkSize)
		n, err := st.body.Read(buf)
		if n > 0 {
			select {
			case st.chunks <- buf[:n]:
			case <-ctx.Done():
				st.err = ctx.Err()
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				st.err = fmt.Errorf("openaispeech: read response: %w", err)
			}
			return
		}
	}
}

func (st *stream) Chunks() <-chan []byte { return st.chunks }

func (st *stream) Err() error { return st.err }

func (st *stream) Close() error {
	return st.body.Close()
}

var _ tts.Synthesizer = (*Synthesizer)(nil)
