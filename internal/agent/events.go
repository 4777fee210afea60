package agent

import (
	"sync"
	"time"

	"github.com/miniclaw/miniclaw/internal/bus"
	"github.com/miniclaw/miniclaw/pkg/models"
)

const closedRunCapacity = 512

// Emitter stamps events with timestamps and per-run sequence numbers before
// publishing them. Once a run is closed, late events for it are dropped
// except the terminal lifecycle event itself.
type Emitter struct {
	msgBus *bus.MessageBus

	mu     sync.Mutex
	seq    map[string]uint64
	closed map[string]bool
	ring   []string
	next   int

	now func() time.Time
}

func NewEmitter(msgBus *bus.MessageBus) *Emitter {
	return &Emitter{
		msgBus: msgBus,
		seq:    map[string]uint64{},
		closed: map[string]bool{},
		ring:   make([]string, closedRunCapacity),
		now:    time.Now,
	}
}

// Emit publishes one event, filling TS and Sequence.
func (e *Emitter) Emit(ev models.Event) {
	e.mu.Lock()
	if ev.RunID != "" && e.closed[ev.RunID] && !ev.Terminal() {
		e.mu.Unlock()
		return
	}
	ev.TS = e.now().UTC()
	if ev.RunID != "" {
		e.seq[ev.RunID]++
		ev.Sequence = e.seq[ev.RunID]
	}
	e.mu.Unlock()

	if e.msgBus != nil {
		e.msgBus.PublishEvent(&ev)
	}
}

// ForRun returns an emit function bound to one run.
func (e *Emitter) ForRun(runID, sessionKey string) func(models.Event) {
	return func(ev models.Event) {
		ev.RunID = runID
		ev.SessionKey = sessionKey
		e.Emit(ev)
	}
}

// CloseRun marks a run id closed, evicting the oldest closed id when the
// set is full.
func (e *Emitter) CloseRun(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed[runID] {
		return
	}
	if old := e.ring[e.next]; old != "" {
		delete(e.closed, old)
		delete(e.seq, old)
	}
	e.ring[e.next] = runID
	e.next = (e.next + 1) % closedRunCapacity
	e.closed[runID] = true
}
