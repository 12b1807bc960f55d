package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSTTClient_Transcribe(t *testing.T) {
	var gotBody []byte
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transcribe" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotBody, _ = io.ReadAll(r.Body)
		gotContentType = r.Header.Get("Content-Type")
		_ = json.NewEncoder(w).Encode(Transcript{Text: "turn on the lights", Confidence: 0.94, DurationMs: 1200})
	}))
	defer srv.Close()

	stt, err := NewSTT(srv.URL)
	if err != nil {
		t.Fatalf("NewSTT: %v", err)
	}
	tr, err := stt.Transcribe(context.Background(), []byte{0x4f, 0x67}, "audio/ogg")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "turn on the lights" || tr.Confidence != 0.94 {
		t.Fatalf("transcript = %+v", tr)
	}
	if !bytes.Equal(gotBody, []byte{0x4f, 0x67}) || gotContentType != "audio/ogg" {
		t.Fatalf("body=%x content-type=%q", gotBody, gotContentType)
	}
}

func TestSTTClient_RejectsEmptyAudio(t *testing.T) {
	stt, err := NewSTT("http://localhost:1")
	if err != nil {
		t.Fatalf("NewSTT: %v", err)
	}
	if _, err := stt.Transcribe(context.Background(), nil, "audio/ogg"); err == nil {
		t.Fatal("empty frame should fail before any network call")
	}
}

func TestSTTClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	stt, _ := NewSTT(srv.URL)
	if _, err := stt.Transcribe(context.Background(), []byte{1}, ""); err == nil {
		t.Fatal("expected an error on 503")
	}
}

func TestTTSClient_Synthesize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/synthesize" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["text"] != "hello there" || req["voice"] != "warm" {
			t.Errorf("request = %v", req)
		}
		w.Header().Set("Content-Type", "audio/ogg")
		_, _ = w.Write([]byte{0xde, 0xad})
	}))
	defer srv.Close()

	tts, err := NewTTS(srv.URL)
	if err != nil {
		t.Fatalf("NewTTS: %v", err)
	}
	audio, err := tts.Synthesize(context.Background(), "hello there", "warm")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if audio.Format != "audio/ogg" || !bytes.Equal(audio.Data, []byte{0xde, 0xad}) {
		t.Fatalf("audio = %+v", audio)
	}
}

func TestNewClients_RequireEndpoint(t *testing.T) {
	if _, err := NewSTT(""); err == nil {
		t.Fatal("NewSTT should reject an empty endpoint")
	}
	if _, err := NewTTS(""); err == nil {
		t.Fatal("NewTTS should reject an empty endpoint")
	}
}
