// internal/pipeline/status.go
package pipeline

import (
	"sort"
	"sync"
	"time"
)

// Stage of a request's state machine.
type Stage string

const (
	StageInit     Stage = "init"
	StageBackfill Stage = "backfill"
	StageLive     Stage = "live"
	StageDone     Stage = "done"
	StageFailed   Stage = "failed"
)

// StreamStatus is a point-in-time view of one running request.
type StreamStatus struct {
	ID          string    `json:"id"`
	Venue       string    `json:"venue"`
	Symbol      string    `json:"symbol"`
	Interval    string    `json:"interval,omitempty"`
	Kind        string    `json:"kind"`
	Destination string    `json:"destination"`
	Stage       Stage     `json:"stage"`
	Backfilled  int       `json:"backfilled"`
	LiveEvents  int64     `json:"live_events"`
	Watermark   int64     `json:"watermark,omitempty"`
	Error       string    `json:"error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// board keeps StreamStatus entries by request id.
type board struct {
	mu      sync.Mutex
	entries map[string]*StreamStatus
}

func newBoard() *board { return &board{entries: make(map[string]*StreamStatus)} }

func (b *board) put(s StreamStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s.UpdatedAt = time.Now().UTC()
	b.entries[s.ID] = &s
}

func (b *board) update(id string, fn func(*StreamStatus)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.entries[id]; ok {
		fn(s)
		s.UpdatedAt = time.Now().UTC()
	}
}

// snapshot returns copies ordered by destination.
func (b *board) snapshot() []StreamStatus {
	b.mu.Lock()
	out := make([]StreamStatus, 0, len(b.entries))
	for _, s := range b.entries {
		out = append(out, *s)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Destination != out[j].Destination {
			return out[i].Destination < out[j].Destination
		}
		return out[i].ID < out[j].ID
	})
	return out
}
