// Package mock provides test doubles for the voice.Transcriber and
// voice.Synthesizer interfaces.
package mock

import (
	"context"
	"sync"

	"github.com/emberworks/hearth/pkg/voice"
)

// TranscribeCall records a single Transcribe invocation.
type TranscribeCall struct {
	Audio  []byte
	Format string
}

// Transcriber is a mock voice.Transcriber.
type Transcriber struct {
	mu sync.Mutex

	// Result is returned from Transcribe when Err is nil.
	Result *voice.Transcript

	// Err, if non-nil, is returned from Transcribe.
	Err error

	// Calls records every invocation in order.
	Calls []TranscribeCall
}

func (t *Transcriber) Transcribe(ctx context.Context, audio []byte, format string) (*voice.Transcript, error) {
	t.mu.Lock()
	t.Calls = append(t.Calls, TranscribeCall{Audio: audio, Format: format})
	result, err := t.Result, t.Err
	t.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if result == nil {
		return &voice.Transcript{}, nil
	}
	return result, nil
}

// SynthesizeCall records a single Synthesize invocation.
type SynthesizeCall struct {
	Text  string
	Voice string
}

// Synthesizer is a mock voice.Synthesizer.
type Synthesizer struct {
	mu sync.Mutex

	// Result is returned from Synthesize when Err is nil.
	Result *voice.Audio

	// Err, if non-nil, is returned from Synthesize.
	Err error

	// Calls records every invocation in order.
	Calls []SynthesizeCall
}

func (s *Synthesizer) Synthesize(ctx context.Context, text, voiceName string) (*voice.Audio, error) {
	s.mu.Lock()
	s.Calls = append(s.Calls, SynthesizeCall{Text: text, Voice: voiceName})
	result, err := s.Result, s.Err
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if result == nil {
		return &voice.Audio{Format: "audio/ogg"}, nil
	}
	return result, nil
}

var (
	_ voice.Transcriber = (*Transcriber)(nil)
	_ voice.Synthesizer = (*Synthesizer)(nil)
)
