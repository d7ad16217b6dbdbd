package vad

import (
	"log/slog"

	"github.com/gradilabs/gradi-desk/internal/config"
)

type BoundaryKind int

const (
	BoundaryStart BoundaryKind = iota
	BoundaryEnd
)

// Boundary marks an utterance edge at an absolute sample index. Start
// indices include the pre-roll; end indices include the post-roll.
type Boundary struct {
	Kind  BoundaryKind
	Index int64
}

// Segmenter runs the detector over fixed sub-frames of the incoming
// sample stream and emits start/end boundaries with hangover. An end
// boundary is held back for the minimum-gap window so that speech
// resuming immediately after it merges into the same segment instead of
// opening a new one.
type Segmenter struct {
	det          Detector
	frameSamples int
	startTrigger int
	stopTrigger  int
	preroll      int64
	postroll     int64
	minGap       int64

	pending    []int16
	frameIndex int64

	speechRun  int
	silenceRun int
	active     bool
	startIndex int64
	pendingEnd int64
	flushFrame int64

	log *slog.Logger
}

func NewSegmenter(vcfg config.VADConfig, ccfg config.CaptureConfig, det Detector, log *slog.Logger) *Segmenter {
	rate := ccfg.SampleRate
	return &Segmenter{
		det:          det,
		frameSamples: rate * vcfg.FrameDurationMS / 1000,
		startTrigger: vcfg.StartTriggerFrames,
		stopTrigger:  vcfg.StopTriggerFrames,
		preroll:      int64(rate * ccfg.PrerollMS / 1000),
		postroll:     int64(rate * ccfg.PostrollMS / 1000),
		minGap:       int64(rate * vcfg.MinGapMS / 1000),
		pendingEnd:   -1,
		log:          log.With(slog.String("component", "vad")),
	}
}

// Push consumes consecutive samples from the ingest stream and returns
// any boundaries crossed. Samples are assumed contiguous with all
// previous pushes.
func (s *Segmenter) Push(samples []int16) []Boundary {
	s.pending = append(s.pending, samples...)

	var out []Boundary
	for len(s.pending) >= s.frameSamples {
		frame := s.pending[:s.frameSamples]
		out = s.step(frame, out)
		s.pending = s.pending[s.frameSamples:]
		s.frameIndex++
	}
	return out
}

func (s *Segmenter) step(frame []int16, out []Boundary) []Boundary {
	fs := int64(s.frameSamples)
	voiced := s.det.Voiced(frame)

	if voiced {
		s.speechRun++
		s.silenceRun = 0
	} else {
		s.speechRun = 0
		s.silenceRun++
	}

	if voiced && s.speechRun >= s.startTrigger && (!s.active || s.pendingEnd >= 0) {
		tentative := (s.frameIndex - int64(s.startTrigger) + 1) * fs
		start := tentative - s.preroll
		if start < 0 {
			start = 0
		}
		switch {
		case s.pendingEnd >= 0 && start-s.pendingEnd < s.minGap:
			// Gap too small: swallow the end/start pair and keep the
			// original segment open.
			s.pendingEnd = -1
		case s.pendingEnd >= 0:
			out = append(out, Boundary{Kind: BoundaryEnd, Index: s.pendingEnd})
			out = append(out, Boundary{Kind: BoundaryStart, Index: start})
			s.startIndex = start
			s.pendingEnd = -1
		default:
			s.active = true
			s.startIndex = start
			out = append(out, Boundary{Kind: BoundaryStart, Index: start})
		}
		s.speechRun = 0
		return out
	}

	if s.active && s.pendingEnd < 0 && !voiced && s.silenceRun >= s.stopTrigger {
		endFrame := s.frameIndex - int64(s.stopTrigger) + 1
		if endFrame*fs <= s.startIndex {
			endFrame = s.frameIndex
		}
		end := endFrame*fs + s.postroll
		if high := (s.frameIndex + 1) * fs; end > high {
			end = high
		}
		s.pendingEnd = end
		// Hold the boundary until no start within the minimum gap can
		// still appear.
		holdFrames := (s.minGap+s.preroll)/fs + int64(s.startTrigger) + 1
		s.flushFrame = s.frameIndex + holdFrames
	}

	if s.pendingEnd >= 0 && s.frameIndex >= s.flushFrame {
		out = append(out, Boundary{Kind: BoundaryEnd, Index: s.pendingEnd})
		s.active = false
		s.pendingEnd = -1
	}
	return out
}

// Skip advances the frame clock past samples that must not be
// classified (presence gated, or mic paused during playback). Keeping
// the clock moving keeps boundary indices aligned with the rolling
// buffer's absolute indices.
func (s *Segmenter) Skip(samples []int16) {
	s.pending = append(s.pending, samples...)
	for len(s.pending) >= s.frameSamples {
		s.pending = s.pending[s.frameSamples:]
		s.frameIndex++
	}
	s.Reset()
}

// Active reports whether a segment is currently open.
func (s *Segmenter) Active() bool {
	return s.active
}

// Reset abandons any open segment and clears detector state. Used after
// a forced segment close and when presence gating drops the mic.
func (s *Segmenter) Reset() {
	s.det.Reset()
	s.speechRun = 0
	s.silenceRun = 0
	s.active = false
	s.pendingEnd = -1
}
