package bus

import (
	"encoding/json"
	"log/slog"

	"github.com/gradilabs/gradi-desk/internal/protocol"
	"github.com/gradilabs/gradi-desk/internal/session"
)

// Mirror publishes transition records as JSON on
// gradi.session.<id>.transition. It implements session.Sink. Publishes
// are fire-and-forget: the JSONL journal and the event store hold the
// durable record, the bus only carries the live view.
type Mirror struct {
	client *Client
	log    *slog.Logger
}

func NewMirror(client *Client, log *slog.Logger) *Mirror {
	return &Mirror{
		client: client,
		log:    log.With(slog.String("component", "bus-mirror")),
	}
}

// RecordTransition implements session.Sink.
func (m *Mirror) RecordTransition(rec session.TransitionRecord) {
	if m.client == nil || m.client.conn == nil {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		m.log.Warn("failed to encode transition", slog.String("error", err.Error()))
		return
	}
	subject := protocol.SubjectSessionTransition(rec.Session)
	if err := m.client.conn.Publish(subject, data); err != nil {
		m.log.Warn("failed to publish transition",
			slog.String("subject", subject),
			slog.String("error", err.Error()))
	}
}
