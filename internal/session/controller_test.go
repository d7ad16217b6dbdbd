package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gradilabs/gradi-desk/internal/bridge"
	"github.com/gradilabs/gradi-desk/internal/config"
	"github.com/gradilabs/gradi-desk/internal/llm"
	"github.com/gradilabs/gradi-desk/internal/stt"
	"github.com/gradilabs/gradi-desk/internal/tts"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordSink struct {
	recs chan TransitionRecord
}

func (s *recordSink) RecordTransition(rec TransitionRecord) {
	select {
	case s.recs <- rec:
	default:
	}
}

type stubRecognizer struct {
	fn func(ctx context.Context, pcm []byte) (stt.Result, error)
}

func (s *stubRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (stt.Result, error) {
	return s.fn(ctx, pcm)
}

type stubRewriter struct {
	calls atomic.Int32
	fn    func(transcript string) (llm.Result, error)
}

func (s *stubRewriter) Rewrite(ctx context.Context, transcript string) (llm.Result, error) {
	s.calls.Add(1)
	return s.fn(transcript)
}

type stubSynth struct {
	pcm   []byte
	rate  int
	texts chan string
}

func (s *stubSynth) Synthesize(ctx context.Context, req tts.SynthRequest) (<-chan tts.SynthChunk, <-chan error) {
	if s.texts != nil {
		select {
		case s.texts <- req.Text:
		default:
		}
	}
	chunks := make(chan tts.SynthChunk, 1)
	errs := make(chan error)
	chunks <- tts.SynthChunk{SampleRate: s.rate, Bits: 16, Channels: 1, PCM: s.pcm, Final: true}
	close(chunks)
	close(errs)
	return chunks, errs
}

type harness struct {
	t    *testing.T
	c    *Controller
	out  *syncBuffer
	recs chan TransitionRecord
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Session.LogPath = ""
	cfg.Session.GuardDelayMS = 10
	cfg.Playback.HighpassHz = 0
	return cfg
}

func newHarness(t *testing.T, cfg config.Config, rec stt.Recognizer, rew llm.Rewriter, synth tts.Synthesizer) *harness {
	t.Helper()
	out := &syncBuffer{}
	writer := bridge.NewWriter(out, discardLogger())
	journal := NewJournalWriter(io.Discard, discardLogger())
	sink := &recordSink{recs: make(chan TransitionRecord, 256)}
	journal.Attach(sink)

	c := NewController(cfg, writer, rec, rew, synth, journal, discardLogger())
	c.SetFailHook(func(cause string) {
		t.Errorf("resource invariant violated: %s", cause)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	h := &harness{t: t, c: c, out: out, recs: sink.recs}
	c.PostLine(bridge.LineReady)
	h.waitFor("device_ready")
	return h
}

func (h *harness) waitFor(event string) TransitionRecord {
	h.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case rec := <-h.recs:
			if rec.Event == event {
				return rec
			}
		case <-deadline:
			h.t.Fatalf("timed out waiting for %q transition", event)
		}
	}
}

func (h *harness) waitOutput(substr string) {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if bytes.Contains(h.out.Bytes(), []byte(substr)) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("device output never contained %q", substr)
}

func sinePCM(samples int, amp float64, rate int) []byte {
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		s := int16(amp * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return pcm
}

// feed posts the payload as 1024-sample mic frames.
func (h *harness) feed(pcm []byte) {
	const frameBytes = 2048
	for off := 0; off < len(pcm); off += frameBytes {
		end := off + frameBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		h.c.PostFrame(pcm[off:end])
	}
}

func (h *harness) speakThenSilence(voicedSec, silentSec float64) {
	rate := 16000
	h.feed(sinePCM(int(voicedSec*float64(rate)), 8000, rate))
	h.feed(make([]byte, int(silentSec*float64(rate))*2))
}

func okRecognizer(text string) *stubRecognizer {
	return &stubRecognizer{fn: func(ctx context.Context, pcm []byte) (stt.Result, error) {
		return stt.Result{Text: text, Confidence: 0.9}, nil
	}}
}

func okRewriter(text string) *stubRewriter {
	return &stubRewriter{fn: func(string) (llm.Result, error) {
		return llm.Result{Text: text}, nil
	}}
}

func TestHandshakeIssuesPauseAndResume(t *testing.T) {
	h := newHarness(t, testConfig(), okRecognizer("x"), okRewriter("x"), &stubSynth{rate: 16000})
	if got := string(h.out.Bytes()); got != "PAUSE\nRESUME\n" {
		t.Errorf("unexpected handshake output %q", got)
	}
	state, res := h.c.Snapshot()
	if state != StateIdle || res.Mic != "available" || res.Spk != "available" {
		t.Errorf("unexpected post-handshake snapshot: %v %+v", state, res)
	}
}

func TestHappyPathCycle(t *testing.T) {
	cfg := testConfig()
	cfg.Playback.SampleRate = 22050

	speech := sinePCM(33075, 6000, 22050) // 1.5 s synthesis output
	synth := &stubSynth{pcm: speech, rate: 22050}
	h := newHarness(t, cfg, okRecognizer("hello"), okRewriter("Hello."), synth)

	h.speakThenSilence(2.0, 1.3)
	h.waitFor("segment_start")
	end := h.waitFor("segment_end")
	if end.Size < 2*16000*2 {
		t.Errorf("frozen segment unexpectedly small: %d bytes", end.Size)
	}
	if rec := h.waitFor("transcript_ready"); rec.Size != len("hello") {
		t.Errorf("transcript size %d", rec.Size)
	}
	if rec := h.waitFor("rewrite_ready"); rec.Size != len("Hello.") {
		t.Errorf("rewrite size %d", rec.Size)
	}
	h.waitFor("first_chunk")
	h.waitOutput("END\n")
	h.c.PostLine(bridge.LinePlaybackDone)

	if rec := h.waitFor("playback_ack"); rec.Size != len(speech) {
		t.Errorf("playback size %d, want %d", rec.Size, len(speech))
	}
	h.waitFor("cycle_completed")

	got := h.out.Bytes()
	job := []byte("PAUSE\nSTART 22050 1 16 33075\n")
	idx := bytes.Index(got, job)
	if idx < 0 {
		t.Fatalf("playback job header missing from output")
	}
	payload := got[idx+len(job):]
	if !bytes.HasPrefix(payload, speech) {
		t.Error("playback payload altered")
	}
	rest := payload[len(speech):]
	if !bytes.HasPrefix(rest, []byte("END\n")) {
		t.Errorf("payload not terminated: %q", rest[:min(len(rest), 16)])
	}
	if !bytes.Contains(rest, []byte("RESUME\n")) {
		t.Error("capture never resumed after playback")
	}

	state, res := h.c.Snapshot()
	if state != StateIdle || res.Mic != "available" || res.Spk != "available" {
		t.Errorf("cycle did not return to idle: %v %+v", state, res)
	}
}

func TestQuietSegmentRejected(t *testing.T) {
	cfg := testConfig()
	cfg.VAD.MinMeanAbs = 3000

	rew := okRewriter("x")
	h := newHarness(t, cfg, okRecognizer("x"), rew, &stubSynth{rate: 16000})

	// A short blip: loud enough to trip the detector, but the frozen
	// slice is mostly roll and fails the amplitude guard.
	h.speakThenSilence(0.15, 1.0)
	h.waitFor("segment_start")
	h.waitFor("segment_rejected")

	if rew.calls.Load() != 0 {
		t.Error("rejected segment reached the pipeline")
	}
	if bytes.Contains(h.out.Bytes(), []byte("START ")) {
		t.Error("rejected segment produced playback output")
	}
	state, res := h.c.Snapshot()
	if state != StateIdle || res.Mic != "available" {
		t.Errorf("rejection did not return to idle: %v %+v", state, res)
	}
}

func TestEmptyTranscriptShortCircuits(t *testing.T) {
	rew := okRewriter("x")
	h := newHarness(t, testConfig(), okRecognizer("[BLANK_AUDIO]"), rew, &stubSynth{rate: 16000})

	h.speakThenSilence(1.0, 1.0)
	h.waitFor("transcript_empty")
	h.waitFor("cycle_completed")

	if rew.calls.Load() != 0 {
		t.Error("rewriter invoked for empty transcript")
	}
	if bytes.Contains(h.out.Bytes(), []byte("START ")) {
		t.Error("empty transcript produced playback output")
	}
}

func TestRecognizerTimeoutRecovers(t *testing.T) {
	cfg := testConfig()
	cfg.Stages.RecognizeTimeoutMS = 80

	rec := &stubRecognizer{fn: func(ctx context.Context, pcm []byte) (stt.Result, error) {
		<-ctx.Done()
		return stt.Result{}, ctx.Err()
	}}
	h := newHarness(t, cfg, rec, okRewriter("x"), &stubSynth{rate: 16000})

	h.speakThenSilence(1.0, 1.0)
	failure := h.waitFor("error_timeout")
	if failure.Error != "recognizer_timed_out" {
		t.Errorf("unexpected cause %q", failure.Error)
	}
	h.waitFor("recovered")

	out := string(h.out.Bytes())
	recovery := strings.TrimPrefix(out, "PAUSE\nRESUME\n")
	if !strings.Contains(recovery, "PAUSE\nEND\nRESUME\n") {
		t.Errorf("error recovery command sequence missing: %q", recovery)
	}
	state, res := h.c.Snapshot()
	if state != StateIdle || res.Mic != "available" || res.Spk != "available" {
		t.Errorf("resources leaked after timeout: %v %+v", state, res)
	}
}

func TestEmptyRewriteRetriesThenFallsBack(t *testing.T) {
	rew := &stubRewriter{fn: func(string) (llm.Result, error) {
		return llm.Result{Text: ""}, nil
	}}
	synth := &stubSynth{pcm: sinePCM(8000, 6000, 16000), rate: 16000, texts: make(chan string, 1)}
	h := newHarness(t, testConfig(), okRecognizer("quiet words"), rew, synth)

	h.speakThenSilence(1.0, 1.0)
	if rec := h.waitFor("rewrite_ready"); rec.Size != len("quiet words") {
		t.Errorf("fallback size %d", rec.Size)
	}
	if got := rew.calls.Load(); got != 2 {
		t.Errorf("expected exactly one retry, got %d calls", got)
	}
	select {
	case text := <-synth.texts:
		if text != "quiet words" {
			t.Errorf("synthesis input %q, want original transcript", text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("synthesizer never invoked")
	}
}

func TestMissingPlaybackAckTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.Stages.PlaybackTimeoutMS = 400

	synth := &stubSynth{pcm: sinePCM(800, 6000, 16000), rate: 16000}
	h := newHarness(t, cfg, okRecognizer("hello"), okRewriter("Hello."), synth)

	h.speakThenSilence(1.0, 1.0)
	h.waitFor("first_chunk")
	failure := h.waitFor("error_timeout")
	if failure.Error != "device_ack_missing" {
		t.Errorf("unexpected cause %q", failure.Error)
	}
	h.waitFor("recovered")

	if n := bytes.Count(h.out.Bytes(), []byte("END\n")); n < 2 {
		t.Errorf("expected job END plus recovery END, saw %d", n)
	}
	if !bytes.HasSuffix(h.out.Bytes(), []byte("RESUME\n")) {
		t.Error("capture never resumed after missing acknowledgement")
	}
	state, res := h.c.Snapshot()
	if state != StateIdle || res.Mic != "available" || res.Spk != "available" {
		t.Errorf("resources leaked: %v %+v", state, res)
	}
}

func TestMaxCyclesEndsSession(t *testing.T) {
	cfg := testConfig()
	cfg.Session.MaxCycles = 1

	synth := &stubSynth{pcm: sinePCM(1600, 6000, 16000), rate: 16000}
	h := newHarness(t, cfg, okRecognizer("hello"), okRewriter("Hello."), synth)

	h.speakThenSilence(1.0, 1.0)
	h.waitFor("first_chunk")
	h.waitOutput("END\n")
	h.c.PostLine(bridge.LinePlaybackDone)
	h.waitFor("cycle_completed")
	h.waitFor("session_ended")
}

func TestPresenceGateSuppressesSegments(t *testing.T) {
	cfg := testConfig()
	cfg.Session.GateOnPresence = true

	rew := okRewriter("x")
	h := newHarness(t, cfg, okRecognizer("x"), rew, &stubSynth{rate: 16000})
	h.c.PostLine(bridge.LinePresenceOff)

	h.speakThenSilence(1.0, 1.0)
	h.c.PostLine(bridge.LinePresenceOn)
	h.speakThenSilence(1.0, 1.0)
	h.waitFor("segment_start")
	h.waitFor("segment_end")
}

func TestCaptureWatchdogForcesSegmentClose(t *testing.T) {
	cfg := testConfig()
	cfg.Stages.CaptureTimeoutMS = 150

	synth := &stubSynth{pcm: sinePCM(800, 6000, 16000), rate: 16000}
	h := newHarness(t, cfg, okRecognizer("hello"), okRewriter("Hello."), synth)

	// Half a second of speech and then nothing: the segment never ends
	// on its own, the watchdog must close it.
	h.feed(sinePCM(8000, 8000, 16000))
	h.waitFor("segment_start")
	end := h.waitFor("segment_end")
	if end.Size == 0 {
		t.Fatal("forced segment carried no audio")
	}
	h.waitOutput("END\n")
	h.c.PostLine(bridge.LinePlaybackDone)
	h.waitFor("cycle_completed")

	if state, res := h.c.Snapshot(); state != StateIdle || res.Mic != "available" {
		t.Errorf("loop did not settle after forced close: %v %+v", state, res)
	}
}

func TestSegmentStartIgnoredWhileCycleActive(t *testing.T) {
	release := make(chan struct{})
	rec := &stubRecognizer{fn: func(ctx context.Context, pcm []byte) (stt.Result, error) {
		<-release
		return stt.Result{Text: "hello", Confidence: 0.9}, nil
	}}
	synth := &stubSynth{pcm: sinePCM(800, 4000, 16000), rate: 16000}
	h := newHarness(t, testConfig(), rec, okRewriter("Hello."), synth)

	h.speakThenSilence(1.0, 0.8)
	h.waitFor("segment_start")
	h.waitFor("segment_end")

	// More speech arrives while recognition is still in flight. It must
	// not open a second cycle.
	h.speakThenSilence(1.0, 0.8)
	close(release)

	h.waitOutput("END")
	h.c.PostLine(bridge.LinePlaybackDone)
	h.waitFor("cycle_completed")

	for {
		select {
		case rec := <-h.recs:
			if rec.Event == "segment_start" {
				t.Fatalf("second segment accepted mid-cycle: %+v", rec)
			}
		default:
			state, res := h.c.Snapshot()
			if state != StateIdle || res.Mic != "available" {
				t.Errorf("unexpected final snapshot: %v %+v", state, res)
			}
			return
		}
	}
}
