// Package session drives the half-duplex speech mediation loop: it
// owns the resource ledger, the single-consumer event queue, and the
// per-transition journal. All state changes happen on the event loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gradilabs/gradi-desk/internal/bridge"
	"github.com/gradilabs/gradi-desk/internal/capture"
	"github.com/gradilabs/gradi-desk/internal/config"
	"github.com/gradilabs/gradi-desk/internal/llm"
	"github.com/gradilabs/gradi-desk/internal/playback"
	"github.com/gradilabs/gradi-desk/internal/stt"
	"github.com/gradilabs/gradi-desk/internal/tts"
	"github.com/gradilabs/gradi-desk/internal/vad"
)

// State is the controller's position in the cycle.
type State string

const (
	StateIdle         State = "idle"
	StateCapturing    State = "capturing"
	StateRecognizing  State = "recognizing"
	StateRewriting    State = "rewriting"
	StateSynthesizing State = "synthesizing"
	StatePlayingBack  State = "playing_back"
	StateCleanup      State = "cleanup"
	StateErrorTimeout State = "error_timeout"
)

const (
	handshakeTimeout = 10 * time.Second
	eventQueueDepth  = 512
)

// Controller is the session's serialization point. Producers (the
// serial reader, stage workers, watchdog timers) enqueue events;
// the loop consumes them strictly in order.
type Controller struct {
	cfg     config.Config
	writer  *bridge.Writer
	buffer  *capture.RollingBuffer
	seg     *vad.Segmenter
	rec     stt.Recognizer
	rew     llm.Rewriter
	synth   tts.Synthesizer
	pump    *playback.Pump
	ledger  *Ledger
	journal *Journal
	retain  *Retainer
	log     *slog.Logger

	events chan Event

	id       string
	state    State
	ready    bool
	presence bool
	epoch    uint64

	cycleIndex int
	completed  int
	cycleID    string
	cycleStart time.Time
	stageStart time.Time

	stateMu        sync.Mutex
	segment        Segment
	segmentPCM     []byte
	transcript     string
	rewritten      string
	rewriteRetried bool
	played         *playback.Result

	stageCancel context.CancelFunc
	watchdog    *time.Timer
	handshake   *time.Timer

	failFast func(cause string)
}

// NewController assembles the full loop from its collaborators. The
// rolling buffer, segmenter, and pump are owned by the controller;
// recognizer, rewriter, and synthesizer are injected so tests can
// substitute stubs.
func NewController(cfg config.Config, writer *bridge.Writer, rec stt.Recognizer, rew llm.Rewriter, synth tts.Synthesizer, journal *Journal, log *slog.Logger) *Controller {
	logger := log.With(slog.String("component", "session"))
	c := &Controller{
		cfg:      cfg,
		writer:   writer,
		rec:      rec,
		rew:      rew,
		synth:    synth,
		journal:  journal,
		retain:   NewRetainer(cfg.Session.RetainDir, log),
		log:      logger,
		events:   make(chan Event, eventQueueDepth),
		id:       uuid.NewString(),
		state:    StateIdle,
		presence: true,
	}
	c.ledger = NewLedger(c.invariantViolated)
	c.buffer = capture.NewRollingBuffer(cfg.Capture.SampleRate*cfg.Capture.BufferSeconds, logger)
	c.seg = vad.NewSegmenter(cfg.VAD, cfg.Capture, vad.NewEnergyDetector(cfg.VAD.Aggressiveness), logger)
	c.pump = playback.New(writer, cfg.Playback, log)
	return c
}

// SetFailHook replaces the process-abort reaction to a resource
// invariant violation.
func (c *Controller) SetFailHook(hook func(cause string)) {
	c.failFast = hook
}

// ID returns the session identifier.
func (c *Controller) ID() string { return c.id }

// Snapshot returns the current state and ledger for observers.
func (c *Controller) Snapshot() (State, ResourceSnapshot) {
	c.stateMu.Lock()
	state := c.state
	c.stateMu.Unlock()
	return state, c.ledger.Snapshot()
}

// setState is the only state mutation point; the lock exists for
// concurrent observers, not for the loop itself.
func (c *Controller) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// Post enqueues an event. Frame events are dropped when the queue is
// saturated so the serial reader is never blocked by stage work; all
// other events block until accepted.
func (c *Controller) Post(ev Event) {
	if ev.Kind == EventFrameArrived {
		select {
		case c.events <- ev:
		default:
			c.log.Warn("event queue saturated, dropping mic frame")
		}
		return
	}
	c.events <- ev
}

// PostFrame enqueues one inbound PCM payload.
func (c *Controller) PostFrame(pcm []byte) {
	c.Post(Event{Kind: EventFrameArrived, PCM: pcm})
}

// PostLine enqueues one inbound device line, converting the playback
// acknowledgement into its own event kind.
func (c *Controller) PostLine(line string) {
	if line == bridge.LinePlaybackDone {
		c.Post(Event{Kind: EventPlaybackAck})
		return
	}
	c.Post(Event{Kind: EventDeviceLine, Line: line})
}

// Shutdown asks the loop to finish after the current event.
func (c *Controller) Shutdown() {
	c.Post(Event{Kind: EventShutdown})
}

// Run executes the event loop until shutdown or context cancellation.
// The device handshake (await READY, then PAUSE, optional presence
// query, RESUME) happens first; if the device never announces itself
// the controller proceeds after a bounded wait.
func (c *Controller) Run(ctx context.Context) error {
	c.log.Info("session started", slog.String("session", c.id))
	c.journal.Record(c.record("session_started", nil))
	c.handshake = time.AfterFunc(handshakeTimeout, func() {
		c.Post(Event{Kind: EventTimeout, Stage: stageHandshake})
	})
	defer c.stopStage()
	for {
		select {
		case <-ctx.Done():
			c.finishSession("context cancelled")
			return ctx.Err()
		case ev := <-c.events:
			if done := c.handle(ev); done {
				return nil
			}
		}
	}
}

func (c *Controller) handle(ev Event) bool {
	switch ev.Kind {
	case EventFrameArrived:
		c.onFrame(ev.PCM)
		return false
	case EventDeviceLine:
		c.onLine(ev.Line)
		return false
	case EventShutdown:
		c.finishSession("shutdown requested")
		return true
	case EventOperatorReset:
		if c.state != StateIdle {
			c.fail("operator_reset", nil)
		}
		return false
	}

	if ev.Epoch != 0 && ev.Epoch != c.epoch {
		c.log.Debug("dropping stale event",
			slog.String("kind", string(ev.Kind)),
			slog.Uint64("epoch", ev.Epoch))
		return false
	}

	if !c.ready {
		if ev.Kind == EventTimeout && ev.Stage == stageHandshake {
			c.log.Warn("device never announced READY, resuming anyway")
			c.completeHandshake()
		}
		return false
	}

	switch ev.Kind {
	case EventSegmentStart:
		c.onSegmentStart(ev.Segment.Start)
	case EventSegmentEnd:
		c.onSegmentEnd(ev.Segment.End)
	case EventStageCompleted:
		c.onStageCompleted(ev)
	case EventStageFailed:
		c.stopStage()
		c.fail(ev.FailKind, ev.Err)
	case EventTimeout:
		c.onTimeout(ev.Stage)
	case EventPlaybackAck:
		c.onPlaybackAck()
	case EventGuardElapsed:
		return c.onGuardElapsed()
	}
	return false
}

// onFrame runs mic ingest and segmentation on the loop so buffer and
// segmenter stay single-writer.
func (c *Controller) onFrame(pcm []byte) {
	if !c.ready {
		return
	}
	if _, err := c.buffer.Append(pcm); err != nil {
		c.log.Warn("mic frame rejected", slog.String("error", err.Error()))
		return
	}
	samples := capture.DecodeSamples(pcm)
	if (c.cfg.Session.GateOnPresence && !c.presence) || c.ledger.Mic() == OwnPaused {
		// Gated or paused frames are buffered but not segmented; the
		// segmenter clock still advances so indices stay aligned.
		c.seg.Skip(samples)
		return
	}
	for _, b := range c.seg.Push(samples) {
		switch b.Kind {
		case vad.BoundaryStart:
			c.onSegmentStart(b.Index)
		case vad.BoundaryEnd:
			c.onSegmentEnd(b.Index)
		}
	}
	if c.buffer.Pressure() && c.state == StateCapturing {
		c.stopStage()
		c.fail("buffer_pressure", nil)
	}
}

func (c *Controller) onLine(line string) {
	switch {
	case line == bridge.LineReady:
		if c.ready {
			c.log.Debug("device announced READY mid-session")
			return
		}
		c.completeHandshake()
	case line == bridge.LinePresenceOn:
		c.presence = true
	case line == bridge.LinePresenceOff:
		c.presence = false
		c.seg.Reset()
	case line == bridge.LineStateStreaming:
		c.log.Debug("device state streaming")
	case strings.HasPrefix(line, "LOG "):
		c.log.Info("device log", slog.String("line", strings.TrimPrefix(line, "LOG ")))
	default:
		c.log.Debug("device line", slog.String("line", line))
	}
}

func (c *Controller) completeHandshake() {
	if c.handshake != nil {
		c.handshake.Stop()
		c.handshake = nil
	}
	if err := c.writer.Command(bridge.CmdPause); err != nil {
		c.log.Warn("handshake pause failed", slog.String("error", err.Error()))
	}
	if c.cfg.Session.GateOnPresence {
		if err := c.writer.Command(bridge.CmdPresenceQuery); err != nil {
			c.log.Warn("presence query failed", slog.String("error", err.Error()))
		}
	}
	if err := c.writer.Command(bridge.CmdResume); err != nil {
		c.log.Warn("handshake resume failed", slog.String("error", err.Error()))
	}
	c.ready = true
	c.setState(StateIdle)
	c.journal.Record(c.record("device_ready", nil))
}

func (c *Controller) onSegmentStart(start int64) {
	if c.state != StateIdle {
		c.log.Debug("segment start ignored outside idle", slog.String("state", string(c.state)))
		return
	}
	if c.ledger.Mic() != OwnAvailable || c.ledger.Spk() == OwnDevice {
		c.log.Debug("segment start ignored, resources busy")
		return
	}
	c.ledger.SetMic(OwnController)
	c.buffer.Pin(start)
	c.segment = Segment{Start: start}
	c.cycleIndex++
	c.cycleID = uuid.NewString()
	c.cycleStart = time.Now()
	c.setState(StateCapturing)
	c.startWatchdog(StageCapture, c.cfg.Stages.CaptureTimeoutMS)
	c.journal.Record(c.record("segment_start", nil))
}

func (c *Controller) onSegmentEnd(end int64) {
	if c.state != StateCapturing {
		return
	}
	c.stopStage()
	c.segment.End = end

	minSamples := int64(c.cfg.Capture.SampleRate) * int64(c.cfg.VAD.MinSegmentMS) / 1000
	samples, err := c.buffer.Slice(c.segment.Start, c.segment.End)
	if err != nil {
		c.fail("buffer_pressure", err)
		return
	}
	if c.segment.Samples() < minSamples || vad.MeanAbs(samples) < c.cfg.VAD.MinMeanAbs {
		c.log.Info("segment rejected",
			slog.Int64("samples", c.segment.Samples()),
			slog.Float64("mean_abs", vad.MeanAbs(samples)))
		c.abandonCycle()
		return
	}

	c.segmentPCM = capture.PCMBytes(samples)
	c.buffer.Unpin()
	c.retain.SaveSegment(c.id, c.cycleIndex, c.segmentPCM, c.cfg.Capture.SampleRate)
	c.setState(StateRecognizing)
	c.journal.Record(c.record("segment_end", func(r *TransitionRecord) {
		r.Size = len(c.segmentPCM)
	}))
	c.startRecognize()
}

// abandonCycle unwinds a cycle that never produced work: the segment
// failed its duration or amplitude guard.
func (c *Controller) abandonCycle() {
	c.buffer.Unpin()
	c.ledger.SetMic(OwnAvailable)
	c.setState(StateIdle)
	c.journal.Record(c.record("segment_rejected", nil))
	c.resetCycle()
	c.ledger.RequireIdle()
}

func (c *Controller) startRecognize() {
	pcm := c.segmentPCM
	rate := c.cfg.Capture.SampleRate
	epoch := c.epoch
	ctx := c.startStage(StageRecognize, c.cfg.Stages.RecognizeTimeoutMS)
	go func() {
		res, err := c.rec.Transcribe(ctx, pcm, rate)
		if err != nil {
			c.Post(Event{Kind: EventStageFailed, Epoch: epoch, Stage: StageRecognize,
				FailKind: "recognizer_failed", Err: err})
			return
		}
		c.Post(Event{Kind: EventStageCompleted, Epoch: epoch, Stage: StageRecognize, Text: res.Text})
	}()
}

func (c *Controller) startRewrite() {
	transcript := c.transcript
	epoch := c.epoch
	ctx := c.startStage(StageRewrite, c.cfg.Stages.RewriteTimeoutMS)
	go func() {
		res, err := c.rew.Rewrite(ctx, transcript)
		if err != nil {
			c.Post(Event{Kind: EventStageFailed, Epoch: epoch, Stage: StageRewrite,
				FailKind: "rewriter_failed", Err: err})
			return
		}
		c.Post(Event{Kind: EventStageCompleted, Epoch: epoch, Stage: StageRewrite, Text: res.Text})
	}()
}

func (c *Controller) startSynthesize() {
	text := c.rewritten
	voice := c.cfg.TTS.Voice
	epoch := c.epoch
	ctx := c.startStage(StageSynthesize, c.cfg.Stages.FirstChunkTimeoutMS)
	go func() {
		chunks, errs := c.synth.Synthesize(ctx, tts.SynthRequest{Text: text, Voice: voice})
		for {
			select {
			case first, ok := <-chunks:
				if !ok {
					c.Post(Event{Kind: EventStageFailed, Epoch: epoch, Stage: StageSynthesize,
						FailKind: "synthesis_interrupted", Err: errors.New("synthesis stream closed before first chunk")})
					return
				}
				c.Post(Event{Kind: EventStageCompleted, Epoch: epoch, Stage: StageSynthesize,
					Stream: &playback.Stream{First: first, Chunks: chunks, Errs: errs}})
				return
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				if err != nil {
					c.Post(Event{Kind: EventStageFailed, Epoch: epoch, Stage: StageSynthesize,
						FailKind: "synthesizer_failed", Err: err})
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (c *Controller) startPlayback(stream *playback.Stream) {
	epoch := c.epoch
	ctx := c.startStage(StagePlayback, c.cfg.Stages.PlaybackTimeoutMS)
	go func() {
		res, err := c.pump.Run(ctx, *stream)
		if err != nil {
			kind := "playback_failed"
			if errors.Is(err, playback.ErrSynthesisInterrupted) {
				kind = "synthesis_interrupted"
			}
			c.Post(Event{Kind: EventStageFailed, Epoch: epoch, Stage: StagePlayback,
				FailKind: kind, Err: err})
			return
		}
		c.Post(Event{Kind: EventStageCompleted, Epoch: epoch, Stage: StagePlayback, Played: res})
	}()
}

func (c *Controller) onStageCompleted(ev Event) {
	switch {
	case c.state == StateRecognizing && ev.Stage == StageRecognize:
		c.stopStage()
		latency := c.stageLatency()
		if BlankTranscript(ev.Text) {
			c.ledger.SetMic(OwnAvailable)
			c.setState(StateCleanup)
			c.journal.Record(c.record("transcript_empty", func(r *TransitionRecord) {
				r.LatencyMS = latency
			}))
			c.startGuard()
			return
		}
		c.transcript = strings.TrimSpace(ev.Text)
		c.retain.SaveText(c.id, c.cycleIndex, "transcript.txt", c.transcript)
		c.setState(StateRewriting)
		c.journal.Record(c.record("transcript_ready", func(r *TransitionRecord) {
			r.LatencyMS = latency
			r.Size = len(c.transcript)
		}))
		c.startRewrite()

	case c.state == StateRewriting && ev.Stage == StageRewrite:
		c.stopStage()
		latency := c.stageLatency()
		if InvalidRewrite(ev.Text) {
			if !c.rewriteRetried {
				c.rewriteRetried = true
				c.log.Info("empty rewrite, retrying once")
				c.startRewrite()
				return
			}
			c.rewritten = c.transcript
			c.log.Info("rewrite fell back to transcript")
		} else {
			c.rewritten = strings.TrimSpace(ev.Text)
		}
		c.retain.SaveText(c.id, c.cycleIndex, "rewrite.txt", c.rewritten)
		c.setState(StateSynthesizing)
		c.journal.Record(c.record("rewrite_ready", func(r *TransitionRecord) {
			r.LatencyMS = latency
			r.Size = len(c.rewritten)
		}))
		c.startSynthesize()

	case c.state == StateSynthesizing && ev.Stage == StageSynthesize:
		c.stopStage()
		latency := c.stageLatency()
		c.ledger.SetMic(OwnPaused)
		c.ledger.SetSpk(OwnDevice)
		c.setState(StatePlayingBack)
		c.journal.Record(c.record("first_chunk", func(r *TransitionRecord) {
			r.LatencyMS = latency
		}))
		c.startPlayback(ev.Stream)

	case c.state == StatePlayingBack && ev.Stage == StagePlayback:
		// Payload fully written; the watchdog keeps running until the
		// device acknowledges.
		res := ev.Played
		c.played = &res

	default:
		c.log.Debug("stage completion ignored",
			slog.String("stage", string(ev.Stage)),
			slog.String("state", string(c.state)))
	}
}

func (c *Controller) onTimeout(stage Stage) {
	switch {
	case c.state == StateCapturing && stage == StageCapture:
		// A segment that never ends is force-closed at the current
		// write position and goes through the normal filters.
		c.stopStage()
		c.log.Warn("capture watchdog closed an unbounded segment",
			slog.String("cycle", c.cycleID))
		c.seg.Reset()
		c.onSegmentEnd(c.buffer.High())
	case c.state == StateRecognizing && stage == StageRecognize:
		c.stopStage()
		c.fail("recognizer_timed_out", nil)
	case c.state == StateRewriting && stage == StageRewrite:
		c.stopStage()
		c.fail("rewriter_timed_out", nil)
	case c.state == StateSynthesizing && stage == StageSynthesize:
		c.stopStage()
		c.fail("synthesis_first_chunk_timed_out", nil)
	case c.state == StatePlayingBack && stage == StagePlayback:
		c.stopStage()
		if err := c.writer.Command(bridge.CmdEnd); err != nil {
			c.log.Warn("failed to terminate stalled playback", slog.String("error", err.Error()))
		}
		c.ledger.SetSpk(OwnAvailable)
		if c.played != nil {
			c.fail("device_ack_missing", nil)
		} else {
			c.fail("playback_timed_out", nil)
		}
	}
}

func (c *Controller) onPlaybackAck() {
	if c.state != StatePlayingBack {
		c.log.Debug("playback acknowledgement outside playback")
		return
	}
	c.stopStage()
	latency := c.stageLatency()
	c.ledger.SetSpk(OwnAvailable)
	c.setState(StateCleanup)
	c.journal.Record(c.record("playback_ack", func(r *TransitionRecord) {
		r.LatencyMS = latency
		if c.played != nil {
			r.Size = c.played.Bytes
		}
	}))
	c.startGuard()
}

func (c *Controller) onGuardElapsed() bool {
	switch c.state {
	case StateCleanup:
		if err := c.writer.Command(bridge.CmdResume); err != nil {
			c.log.Warn("failed to resume capture", slog.String("error", err.Error()))
		}
		c.ledger.SetMic(OwnAvailable)
		c.completed++
		c.setState(StateIdle)
		c.journal.Record(c.record("cycle_completed", func(r *TransitionRecord) {
			r.LatencyMS = time.Since(c.cycleStart).Milliseconds()
		}))
		c.resetCycle()
		c.ledger.RequireIdle()
		if c.cfg.Session.MaxCycles > 0 && c.completed >= c.cfg.Session.MaxCycles {
			c.finishSession("max cycle count reached")
			return true
		}
	case StateErrorTimeout:
		c.resetCycle()
		c.setState(StateIdle)
		c.ledger.RequireIdle()
		c.journal.Record(c.record("recovered", nil))
	}
	return false
}

// fail enters ErrorTimeout: outstanding stage work is cancelled, the
// device state machine is released, both resources return to the
// pool, and the loop idles again after the guard delay.
func (c *Controller) fail(cause string, err error) {
	c.stopStage()
	c.epoch++
	for _, cmd := range []string{bridge.CmdPause, bridge.CmdEnd, bridge.CmdResume} {
		if werr := c.writer.Command(cmd); werr != nil {
			c.log.Warn("error recovery command failed",
				slog.String("command", cmd),
				slog.String("error", werr.Error()))
		}
	}
	c.buffer.Unpin()
	c.seg.Reset()
	c.ledger.ReleaseAll()
	c.setState(StateErrorTimeout)
	c.journal.Record(c.record("error_timeout", func(r *TransitionRecord) {
		r.Error = cause
		if err != nil {
			r.Error = fmt.Sprintf("%s: %v", cause, err)
		}
	}))
	c.log.Warn("cycle aborted", slog.String("cause", cause))
	c.startGuard()
}

func (c *Controller) finishSession(reason string) {
	c.stopStage()
	c.epoch++
	if c.state != StateIdle {
		for _, cmd := range []string{bridge.CmdEnd, bridge.CmdResume} {
			if err := c.writer.Command(cmd); err != nil {
				c.log.Warn("shutdown release command failed", slog.String("error", err.Error()))
			}
		}
		c.buffer.Unpin()
		c.ledger.ReleaseAll()
	}
	c.journal.Record(c.record("session_ended", nil))
	c.log.Info("session ended",
		slog.String("reason", reason),
		slog.Int("cycles", c.completed))
}

// startStage arms the watchdog and hands back the cancellation scope
// for the stage worker. A non-positive timeout disables the watchdog.
func (c *Controller) startStage(stage Stage, timeoutMS int) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	c.stageCancel = cancel
	c.stageStart = time.Now()
	if timeoutMS > 0 {
		epoch := c.epoch
		c.watchdog = time.AfterFunc(time.Duration(timeoutMS)*time.Millisecond, func() {
			c.Post(Event{Kind: EventTimeout, Epoch: epoch, Stage: stage})
		})
	}
	return ctx
}

// startWatchdog arms a deadline with no worker attached (capture).
func (c *Controller) startWatchdog(stage Stage, timeoutMS int) {
	if timeoutMS <= 0 {
		return
	}
	epoch := c.epoch
	c.watchdog = time.AfterFunc(time.Duration(timeoutMS)*time.Millisecond, func() {
		c.Post(Event{Kind: EventTimeout, Epoch: epoch, Stage: stage})
	})
}

func (c *Controller) stopStage() {
	if c.stageCancel != nil {
		c.stageCancel()
		c.stageCancel = nil
	}
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
	if c.handshake != nil {
		c.handshake.Stop()
		c.handshake = nil
	}
}

func (c *Controller) startGuard() {
	delay := time.Duration(c.cfg.Session.GuardDelayMS) * time.Millisecond
	epoch := c.epoch
	time.AfterFunc(delay, func() {
		c.Post(Event{Kind: EventGuardElapsed, Epoch: epoch})
	})
}

func (c *Controller) resetCycle() {
	c.epoch++
	c.cycleID = ""
	c.segment = Segment{}
	c.segmentPCM = nil
	c.transcript = ""
	c.rewritten = ""
	c.rewriteRetried = false
	c.played = nil
}

func (c *Controller) stageLatency() int64 {
	return time.Since(c.stageStart).Milliseconds()
}

func (c *Controller) record(event string, mut func(*TransitionRecord)) TransitionRecord {
	rec := TransitionRecord{
		TS:        time.Now().UTC().Format(time.RFC3339Nano),
		Session:   c.id,
		Cycle:     c.cycleID,
		State:     string(c.state),
		Event:     event,
		Resources: c.ledger.Snapshot(),
	}
	if mut != nil {
		mut(&rec)
	}
	return rec
}

// invariantViolated is the terminal reaction to a ledger fault: write
// the evidence, flush, and abort. Tests install a hook instead.
func (c *Controller) invariantViolated(cause string) {
	c.journal.Record(TransitionRecord{
		TS:      time.Now().UTC().Format(time.RFC3339Nano),
		Session: c.id,
		Cycle:   c.cycleID,
		State:   string(c.state),
		Event:   "resource_invariant_violated",
		Error:   cause,
	})
	c.log.Error("resource invariant violated", slog.String("cause", cause))
	if c.failFast != nil {
		c.failFast(cause)
		return
	}
	_ = c.journal.Close()
	os.Exit(1)
}
