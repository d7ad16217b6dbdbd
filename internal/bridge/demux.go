// Package bridge implements the framed serial transport to the audio
// device: inbound demultiplexing of binary audio frames and ASCII lines,
// and the mutually excluded outbound command/playback writer.
package bridge

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
)

const (
	// FrameMagic is the little-endian value of the ASCII bytes "AUD0".
	FrameMagic = 0x30445541

	FrameVersion   = 1
	FrameTypeAudio = 1

	frameHeaderSize = 12
	maxLineBytes    = 4096
)

var frameMagicBytes = []byte{'A', 'U', 'D', '0'}

// ErrFramingDesync reports a header that aligned on the magic but failed
// validation. The demux recovers by rescanning from the next byte.
var ErrFramingDesync = errors.New("serial framing desync")

type MessageKind int

const (
	KindFrame MessageKind = iota
	KindLine
)

// Message is one demultiplexed unit from the device: either a binary
// audio frame payload or a newline-terminated ASCII line.
type Message struct {
	Kind MessageKind
	PCM  []byte
	Line string
}

// Demux scans the inbound serial byte stream and separates audio frames
// from ASCII lines. It tolerates arbitrary splitting across reads and
// resynchronizes byte-by-byte after a malformed header.
type Demux struct {
	r           *bufio.Reader
	maxPayload  int
	log         *slog.Logger
	line        []byte
	framingErrs atomic.Uint64
}

func NewDemux(r io.Reader, maxPayload int, log *slog.Logger) *Demux {
	if maxPayload <= 0 {
		maxPayload = 64 * 1024
	}
	return &Demux{
		r:          bufio.NewReaderSize(r, 8192),
		maxPayload: maxPayload,
		log:        log.With(slog.String("component", "bridge.demux")),
	}
}

// Next blocks until a complete frame or line is available. Framing errors
// are logged and counted, then scanning continues; only transport errors
// from the underlying reader are returned.
func (d *Demux) Next() (Message, error) {
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			return Message{}, err
		}

		if b == frameMagicBytes[0] {
			rest, perr := d.r.Peek(3)
			if perr != nil && !errors.Is(perr, io.EOF) {
				return Message{}, perr
			}
			if bytes.Equal(rest, frameMagicBytes[1:]) {
				if _, err := d.r.Discard(3); err != nil {
					return Message{}, err
				}
				msg, ferr := d.readFrame()
				if ferr != nil {
					if errors.Is(ferr, io.EOF) || errors.Is(ferr, io.ErrUnexpectedEOF) {
						return Message{}, ferr
					}
					d.framingErrs.Add(1)
					d.log.Warn("framing error, resynchronizing",
						slog.String("error", ferr.Error()))
					continue
				}
				// The device writes each line atomically, so bytes
				// pending before a valid frame are stray garbage.
				if len(d.line) > 0 {
					d.framingErrs.Add(1)
					d.log.Warn("discarding stray bytes preceding frame",
						slog.Int("bytes", len(d.line)))
					d.line = d.line[:0]
				}
				return msg, nil
			}
		}

		if b == '\n' {
			line := strings.TrimRight(string(d.line), "\r")
			d.line = d.line[:0]
			if line == "" {
				continue
			}
			return Message{Kind: KindLine, Line: line}, nil
		}

		d.line = append(d.line, b)
		if len(d.line) > maxLineBytes {
			d.framingErrs.Add(1)
			d.log.Warn("discarding overlong unterminated line",
				slog.Int("bytes", len(d.line)))
			d.line = d.line[:0]
		}
	}
}

// readFrame consumes the 8 header bytes after the magic and, if the
// header validates, the payload.
func (d *Demux) readFrame() (Message, error) {
	var header [frameHeaderSize - 4]byte
	if _, err := io.ReadFull(d.r, header[:]); err != nil {
		return Message{}, err
	}

	version := header[0]
	frameType := header[1]
	payloadLen := int(uint32(header[4]) | uint32(header[5])<<8 |
		uint32(header[6])<<16 | uint32(header[7])<<24)

	if version != FrameVersion {
		return Message{}, fmt.Errorf("%w: version %d", ErrFramingDesync, version)
	}
	if frameType != FrameTypeAudio {
		return Message{}, fmt.Errorf("%w: frame type %d", ErrFramingDesync, frameType)
	}
	if header[2] != 0 || header[3] != 0 {
		return Message{}, fmt.Errorf("%w: reserved bytes %#x %#x", ErrFramingDesync, header[2], header[3])
	}
	if payloadLen <= 0 || payloadLen > d.maxPayload {
		return Message{}, fmt.Errorf("%w: payload length %d", ErrFramingDesync, payloadLen)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return Message{}, err
	}
	return Message{Kind: KindFrame, PCM: payload}, nil
}

// FramingErrors reports the number of framing errors recovered so far.
func (d *Demux) FramingErrors() uint64 {
	return d.framingErrs.Load()
}
