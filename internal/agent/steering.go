package agent

import (
	"fmt"
	"strings"
	"sync"
)

// SteerSource tags where a steering instruction came from.
type SteerSource string

const (
	SteerInbound SteerSource = "inbound"
	SteerAPI     SteerSource = "api"
)

type steerEntry struct {
	Text   string
	Source SteerSource
}

// SteerBuffers holds per-run FIFO buffers of mid-run instructions. The
// dialog loop drains a run's buffer before each provider call.
type SteerBuffers struct {
	mu  sync.Mutex
	buf map[string][]steerEntry
}

func NewSteerBuffers() *SteerBuffers {
	return &SteerBuffers{buf: map[string][]steerEntry{}}
}

// Append queues an instruction for a running run.
func (s *SteerBuffers) Append(runID, text string, source SteerSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf[runID] = append(s.buf[runID], steerEntry{Text: text, Source: source})
}

// Drain removes and returns all pending entries for the run.
func (s *SteerBuffers) Drain(runID string) []steerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.buf[runID]
	delete(s.buf, runID)
	return entries
}

// Forget discards any leftover buffer when a run terminates.
func (s *SteerBuffers) Forget(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buf, runID)
}

// steerInjection renders drained entries as the user message injected ahead
// of the next provider call.
func steerInjection(entries []steerEntry) string {
	var b strings.Builder
	b.WriteString("[system: steer update received during run. Incorporate the following before continuing.]")
	for i, e := range entries {
		fmt.Fprintf(&b, "\n%d. [%s] %s", i+1, e.Source, e.Text)
	}
	return b.String()
}
