package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gradilabs/gradi-desk/internal/config"
)

func collect(t *testing.T, chunks <-chan SynthChunk, errs <-chan error) ([]SynthChunk, error) {
	t.Helper()
	var got []SynthChunk
	for chunks != nil || errs != nil {
		select {
		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			got = append(got, c)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return got, err
			}
		case <-time.After(5 * time.Second):
			t.Fatal("synthesizer stream stalled")
		}
	}
	return got, nil
}

func TestHTTPSynthStreams(t *testing.T) {
	pcm := bytes.Repeat([]byte{0x11, 0x22}, 40000) // 80 KB: three chunks
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/speech" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var req speechRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.ResponseFormat != "pcm" {
			t.Errorf("expected pcm response format, got %q", req.ResponseFormat)
		}
		if req.Input != "say this" {
			t.Errorf("unexpected input %q", req.Input)
		}
		w.Write(pcm)
	}))
	defer srv.Close()

	s := NewHTTPSynth(config.TTSConfig{Endpoint: srv.URL, Model: "kokoro", SampleRate: 24000})
	chunks, errs := s.Synthesize(context.Background(), SynthRequest{Text: "say this"})

	got, err := collect(t, chunks, errs)
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if len(got) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(got))
	}

	var total []byte
	for i, c := range got {
		if c.Sequence != i {
			t.Errorf("chunk %d has sequence %d", i, c.Sequence)
		}
		if c.SampleRate != 24000 || c.Bits != 16 || c.Channels != 1 {
			t.Errorf("chunk %d format mismatch: %+v", i, c)
		}
		total = append(total, c.PCM...)
	}
	if !bytes.Equal(total, pcm) {
		t.Errorf("reassembled payload mismatch: %d vs %d bytes", len(total), len(pcm))
	}
	if !got[len(got)-1].Final {
		t.Error("last chunk not marked final")
	}
}

func TestHTTPSynthErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "voice not found", http.StatusBadRequest)
	}))
	defer srv.Close()

	s := NewHTTPSynth(config.TTSConfig{Endpoint: srv.URL, Model: "kokoro", SampleRate: 24000})
	chunks, errs := s.Synthesize(context.Background(), SynthRequest{Text: "x"})

	if _, err := collect(t, chunks, errs); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}

func TestMockSynthEmitsTone(t *testing.T) {
	s := NewMockSynth(16000, 1)
	chunks, errs := s.Synthesize(context.Background(), SynthRequest{Text: "tone"})

	got, err := collect(t, chunks, errs)
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one chunk, got %d", len(got))
	}
	if !got[0].Final || len(got[0].PCM) != 16000 {
		t.Errorf("unexpected mock chunk: final=%v bytes=%d", got[0].Final, len(got[0].PCM))
	}
}

func TestNewSelectsBackend(t *testing.T) {
	if _, err := New(config.TTSConfig{Mode: "mock", SampleRate: 24000}); err != nil {
		t.Errorf("mock mode: %v", err)
	}
	if _, err := New(config.TTSConfig{Mode: "http", Endpoint: "http://127.0.0.1:8880/v1", SampleRate: 24000}); err != nil {
		t.Errorf("http mode: %v", err)
	}
	if _, err := New(config.TTSConfig{Mode: "exec", Command: "speak", SampleRate: 24000}); err != nil {
		t.Errorf("exec mode: %v", err)
	}
	if _, err := New(config.TTSConfig{Mode: "grpc"}); err == nil {
		t.Error("expected error for unknown mode")
	}
}
