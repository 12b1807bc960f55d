// Package voice defines the speech interfaces of the orchestrator and HTTP
// clients for external STT and TTS services.
//
// Speech processing itself is out of process: transcription and synthesis run
// behind plain HTTP endpoints. This package only carries audio bytes across
// and exposes the two capabilities as narrow interfaces the orchestrator can
// mock.
package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Transcript is the result of a speech-to-text call.
type Transcript struct {
	// Text is the recognised utterance.
	Text string `json:"text"`

	// Confidence is the recogniser's confidence in [0.0, 1.0]. Zero when the
	// service does not report one.
	Confidence float64 `json:"confidence"`

	// DurationMs is the length of the transcribed audio.
	DurationMs int `json:"duration_ms"`
}

// Audio is the result of a text-to-speech call.
type Audio struct {
	// Data is the encoded audio payload.
	Data []byte

	// Format is the MIME type of Data, e.g. "audio/ogg".
	Format string
}

// Transcriber converts an audio frame into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, format string) (*Transcript, error)
}

// Synthesizer converts assistant text into audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voiceName string) (*Audio, error)
}

const defaultTimeout = 30 * time.Second

type clientConfig struct {
	httpClient *http.Client
	timeout    time.Duration
}

// Option configures the HTTP speech clients.
type Option func(*clientConfig)

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *clientConfig) { c.httpClient = client }
}

// WithTimeout sets the per-call timeout. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(c *clientConfig) { c.timeout = d }
}

func buildClient(opts []Option) *http.Client {
	cfg := clientConfig{timeout: defaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.httpClient != nil {
		return cfg.httpClient
	}
	return &http.Client{Timeout: cfg.timeout}
}

// STTClient talks to an external speech-to-text service. Audio is POSTed raw
// to the service's /transcribe route; the response is a JSON [Transcript].
type STTClient struct {
	endpoint string
	client   *http.Client
}

// NewSTT builds a client for the given service base URL.
func NewSTT(endpoint string, opts ...Option) (*STTClient, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("voice: stt endpoint must not be empty")
	}
	return &STTClient{endpoint: endpoint, client: buildClient(opts)}, nil
}

// Transcribe implements [Transcriber].
func (s *STTClient) Transcribe(ctx context.Context, audio []byte, format string) (*Transcript, error) {
	if len(audio) == 0 {
		return nil, fmt.Errorf("voice: empty audio frame")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/transcribe", bytes.NewReader(audio))
	if err != nil {
		return nil, fmt.Errorf("voice: build stt request: %w", err)
	}
	if format == "" {
		format = "application/octet-stream"
	}
	req.Header.Set("Content-Type", format)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("voice: stt call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("voice: stt returned %s: %s", resp.Status, readSnippet(resp.Body))
	}

	var t Transcript
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		return nil, fmt.Errorf("voice: decode stt response: %w", err)
	}
	return &t, nil
}

// TTSClient talks to an external text-to-speech service. The request is JSON
// {"text": ..., "voice": ...} POSTed to /synthesize; the response body is the
// encoded audio with its format in the Content-Type header.
type TTSClient struct {
	endpoint string
	client   *http.Client
}

// NewTTS builds a client for the given service base URL.
func NewTTS(endpoint string, opts ...Option) (*TTSClient, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("voice: tts endpoint must not be empty")
	}
	return &TTSClient{endpoint: endpoint, client: buildClient(opts)}, nil
}

// Synthesize implements [Synthesizer].
func (s *TTSClient) Synthesize(ctx context.Context, text, voiceName string) (*Audio, error) {
	if text == "" {
		return nil, fmt.Errorf("voice: empty synthesis text")
	}
	body, err := json.Marshal(map[string]string{"text": text, "voice": voiceName})
	if err != nil {
		return nil, fmt.Errorf("voice: encode tts request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/synthesize", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("voice: build tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("voice: tts call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("voice: tts returned %s: %s", resp.Status, readSnippet(resp.Body))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("voice: read tts response: %w", err)
	}
	format := resp.Header.Get("Content-Type")
	if format == "" {
		format = "application/octet-stream"
	}
	return &Audio{Data: data, Format: format}, nil
}

func readSnippet(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 256))
	return string(data)
}

var (
	_ Transcriber = (*STTClient)(nil)
	_ Synthesizer = (*TTSClient)(nil)
)
