package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"testing"

	"github.com/gradilabs/gradi-desk/internal/bridge"
	"github.com/gradilabs/gradi-desk/internal/stt"
)

// deviceConn simulates the microcontroller end of the serial link: the
// test writes framed audio and status lines into one pipe while the
// demux and a reader goroutine deliver them to the controller.
type deviceConn struct {
	t *testing.T
	w *io.PipeWriter
}

func newDeviceConn(t *testing.T, h *harness) *deviceConn {
	t.Helper()
	pr, pw := io.Pipe()
	dmx := bridge.NewDemux(pr, 64*1024, discardLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			msg, err := dmx.Next()
			if err != nil {
				return
			}
			switch msg.Kind {
			case bridge.KindFrame:
				h.c.PostFrame(msg.PCM)
			case bridge.KindLine:
				h.c.PostLine(msg.Line)
			}
		}
	}()
	t.Cleanup(func() {
		pw.Close()
		<-done
	})
	return &deviceConn{t: t, w: pw}
}

func (d *deviceConn) write(p []byte) {
	d.t.Helper()
	if _, err := d.w.Write(p); err != nil {
		d.t.Fatalf("device write: %v", err)
	}
}

func (d *deviceConn) writeLine(line string) {
	d.write([]byte(line + "\n"))
}

func encodeFrame(pcm []byte) []byte {
	buf := make([]byte, 12+len(pcm))
	copy(buf, "AUD0")
	buf[4] = bridge.FrameVersion
	buf[5] = bridge.FrameTypeAudio
	binary.LittleEndian.PutUint32(buf[8:], uint32(len(pcm)))
	copy(buf[12:], pcm)
	return buf
}

// writeAudio sends pcm as a sequence of 1024-sample device frames.
func (d *deviceConn) writeAudio(pcm []byte) {
	const frameBytes = 2048
	for off := 0; off < len(pcm); off += frameBytes {
		end := off + frameBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		d.write(encodeFrame(pcm[off:end]))
	}
}

// newSerialHarness builds a controller whose inbound side is the real
// demux fed through a pipe. The handshake runs over the wire.
func newSerialHarness(t *testing.T, rec stt.Recognizer) (*harness, *deviceConn) {
	t.Helper()
	cfg := testConfig()
	synth := &stubSynth{pcm: sinePCM(800, 6000, 16000), rate: 16000}

	out := &syncBuffer{}
	writer := bridge.NewWriter(out, discardLogger())
	journal := NewJournalWriter(io.Discard, discardLogger())
	sink := &recordSink{recs: make(chan TransitionRecord, 256)}
	journal.Attach(sink)

	c := NewController(cfg, writer, rec, okRewriter("Hello."), synth, journal, discardLogger())
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
	d := newDeviceConn(t, h)
	d.writeLine("READY")
	h.waitFor("device_ready")
	return h, d
}

func TestSerialLoopCompletesCycle(t *testing.T) {
	h, d := newSerialHarness(t, okRecognizer("hello there"))

	d.writeAudio(sinePCM(2*16000, 8000, 16000))
	d.writeAudio(make([]byte, 16000*2))

	h.waitFor("segment_start")
	h.waitFor("segment_end")
	h.waitFor("first_chunk")
	h.waitOutput("END\n")
	d.writeLine("PLAYBACK_DONE")
	h.waitFor("playback_ack")
	h.waitFor("cycle_completed")

	if state, res := h.c.Snapshot(); state != StateIdle || res.Mic != "available" || res.Spk != "available" {
		t.Errorf("loop did not return to idle: %v %+v", state, res)
	}
}

func TestSerialLoopSurvivesFramingGlitch(t *testing.T) {
	h, d := newSerialHarness(t, okRecognizer("still here"))

	voiced := sinePCM(16000, 8000, 16000)
	d.writeAudio(voiced)

	// Five stray bytes between frames: the demux must resync on the
	// next magic without tearing down the link.
	d.write([]byte{0x41, 0x00, 0xff, 0x13, 0x37})

	d.writeAudio(voiced)
	d.writeAudio(make([]byte, 16000*2))

	h.waitFor("segment_start")
	end := h.waitFor("segment_end")
	if end.Size == 0 {
		t.Fatal("segment lost after framing glitch")
	}
	h.waitOutput("END\n")
	d.writeLine("PLAYBACK_DONE")
	h.waitFor("cycle_completed")
}

func TestSerialLoopRoutesDeviceLog(t *testing.T) {
	h, d := newSerialHarness(t, okRecognizer("x"))

	d.writeLine("LOG boot complete")
	d.writeLine("STATE STREAMING")

	// Lines interleaved with audio must not disturb segmentation.
	d.writeAudio(sinePCM(2*16000, 8000, 16000))
	d.writeLine("LOG heartbeat")
	d.writeAudio(make([]byte, 16000*2))

	h.waitFor("segment_end")
	h.waitOutput("END\n")
	d.writeLine("PLAYBACK_DONE")
	rec := h.waitFor("cycle_completed")
	if rec.State != "idle" {
		t.Errorf("cycle_completed carried state %q", rec.State)
	}

	if bytes.Contains(h.out.Bytes(), []byte("LOG")) {
		t.Error("device log lines must never be echoed back to the device")
	}
}
