package runtime

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gradilabs/gradi-desk/internal/session"
)

// CycleSummary is the HTTP-facing digest of one mediation cycle,
// folded from its transition records.
type CycleSummary struct {
	Session   string `json:"session"`
	Cycle     string `json:"cycle"`
	State     string `json:"state"`
	LastEvent string `json:"last_event"`
	StartedAt string `json:"started_at"`
	UpdatedAt string `json:"updated_at"`
	LatencyMS int64  `json:"latency_ms,omitempty"`
	Bytes     int    `json:"bytes,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Recent keeps summaries for the last N cycles. It implements
// session.Sink; older cycles fall off the LRU as new ones start.
type Recent struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *CycleSummary]
}

func NewRecent(capacity int) (*Recent, error) {
	if capacity <= 0 {
		capacity = 32
	}
	cache, err := lru.New[string, *CycleSummary](capacity)
	if err != nil {
		return nil, err
	}
	return &Recent{cache: cache}, nil
}

// RecordTransition implements session.Sink. Records without a cycle id
// (handshake, session lifecycle) are ignored.
func (r *Recent) RecordTransition(rec session.TransitionRecord) {
	if rec.Cycle == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	sum, ok := r.cache.Get(rec.Cycle)
	if !ok {
		sum = &CycleSummary{
			Session:   rec.Session,
			Cycle:     rec.Cycle,
			StartedAt: rec.TS,
		}
	}
	sum.State = rec.State
	sum.LastEvent = rec.Event
	sum.UpdatedAt = rec.TS
	if rec.LatencyMS > 0 {
		sum.LatencyMS = rec.LatencyMS
	}
	if rec.Size > 0 {
		sum.Bytes = rec.Size
	}
	if rec.Error != "" {
		sum.Error = rec.Error
	}
	r.cache.Add(rec.Cycle, sum)
}

// Summaries returns cycle digests newest first.
func (r *Recent) Summaries() []CycleSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := r.cache.Keys()
	out := make([]CycleSummary, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		if sum, ok := r.cache.Peek(keys[i]); ok {
			out = append(out, *sum)
		}
	}
	return out
}
