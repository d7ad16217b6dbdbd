package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gradilabs/gradi-desk/internal/config"
)

const streamChunkBytes = 32 * 1024

// httpSynth streams raw PCM from an OpenAI-compatible speech endpoint
// (Kokoro-FastAPI style). The response carries no header, so the sample
// rate comes from configuration.
type httpSynth struct {
	endpoint   string
	model      string
	voice      string
	sampleRate int
	client     *http.Client
}

func NewHTTPSynth(cfg config.TTSConfig) Synthesizer {
	return &httpSynth{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		model:      cfg.Model,
		voice:      cfg.Voice,
		sampleRate: cfg.SampleRate,
		client:     &http.Client{},
	}
}

type speechRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice,omitempty"`
	ResponseFormat string `json:"response_format"`
}

func (s *httpSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		voice := req.Voice
		if voice == "" {
			voice = s.voice
		}
		payload := speechRequest{
			Model:          s.model,
			Input:          req.Text,
			Voice:          voice,
			ResponseFormat: "pcm",
		}
		body, err := json.Marshal(payload)
		if err != nil {
			errs <- err
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			s.endpoint+"/audio/speech", bytes.NewReader(body))
		if err != nil {
			errs <- err
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "application/octet-stream")

		resp, err := s.client.Do(httpReq)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			errs <- fmt.Errorf("synthesis endpoint returned %s: %s",
				resp.Status, strings.TrimSpace(string(msg)))
			return
		}

		sequence := 0
		buf := make([]byte, streamChunkBytes)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				pcm := make([]byte, n)
				copy(pcm, buf[:n])
				select {
				case chunks <- SynthChunk{
					Sequence:   sequence,
					SampleRate: s.sampleRate,
					Bits:       16,
					Channels:   1,
					PCM:        pcm,
				}:
					sequence++
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
			if err == io.EOF {
				select {
				case chunks <- SynthChunk{
					Sequence:   sequence,
					SampleRate: s.sampleRate,
					Bits:       16,
					Channels:   1,
					Final:      true,
				}:
				case <-ctx.Done():
				}
				return
			}
			if err != nil {
				errs <- fmt.Errorf("read synthesis stream: %w", err)
				return
			}
		}
	}()

	return chunks, errs
}
