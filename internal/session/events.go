package session

import "github.com/gradilabs/gradi-desk/internal/playback"

// Stage identifies a watchdogged unit of cycle work.
type Stage string

const (
	StageCapture    Stage = "capture"
	StageRecognize  Stage = "recognize"
	StageRewrite    Stage = "rewrite"
	StageSynthesize Stage = "synthesize"
	StagePlayback   Stage = "playback"
	stageHandshake  Stage = "handshake"
)

// EventKind tags a record on the controller's event queue.
type EventKind string

const (
	EventFrameArrived   EventKind = "frame_arrived"
	EventSegmentStart   EventKind = "segment_start"
	EventSegmentEnd     EventKind = "segment_end"
	EventStageCompleted EventKind = "stage_completed"
	EventStageFailed    EventKind = "stage_failed"
	EventPlaybackAck    EventKind = "playback_ack"
	EventDeviceLine     EventKind = "device_line"
	EventTimeout        EventKind = "timeout"
	EventGuardElapsed   EventKind = "guard_elapsed"
	EventOperatorReset  EventKind = "operator_reset"
	EventShutdown       EventKind = "shutdown"
)

// Segment is a half-open slice of the rolling buffer in absolute
// sample indices.
type Segment struct {
	Start int64
	End   int64
}

func (s Segment) Samples() int64 { return s.End - s.Start }

// Event is the single currency of the controller loop. Producers fill
// only the fields their kind carries. Epoch ties stage-scoped events
// to the cycle that spawned them so abandoned work cannot leak into a
// later cycle; zero means unscoped.
type Event struct {
	Kind  EventKind
	Epoch uint64

	PCM     []byte
	Segment Segment
	Line    string

	Stage    Stage
	Text     string
	Stream   *playback.Stream
	Played   playback.Result
	FailKind string
	Err      error
}
