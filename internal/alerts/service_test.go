package alerts

import (
	"testing"
	"time"

	"github.com/miniclaw/miniclaw/internal/config"
)

func newTestService(t *testing.T, sink *[]Alert) *Service {
	t.Helper()
	cfg := config.AlertsConfig{
		Enabled:                 true,
		DedupWindowSeconds:      300,
		ErrorBurstThreshold:     3,
		ErrorBurstWindowSeconds: 60,
	}
	return New(cfg, nil, func(a Alert) { *sink = append(*sink, a) }, nil)
}

func TestErrorBurstRaisesOnce(t *testing.T) {
	var sink []Alert
	s := newTestService(t, &sink)
	base := time.Now()
	s.now = func() time.Time { return base }

	for i := 0; i < 5; i++ {
		s.RecordError("cli:1")
	}
	if len(sink) != 1 {
		t.Fatalf("alerts = %d, want 1 (deduped)", len(sink))
	}
	if sink[0].Kind != "error_burst" {
		t.Errorf("kind = %q", sink[0].Kind)
	}
}

func TestErrorsOutsideWindowDoNotBurst(t *testing.T) {
	var sink []Alert
	s := newTestService(t, &sink)
	base := time.Now()
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * 90 * time.Second)
	}

	for i := 0; i < 5; i++ {
		s.RecordError("cli:1")
	}
	if len(sink) != 0 {
		t.Errorf("alerts = %d, want 0 (errors spread out)", len(sink))
	}
}

func TestDedupWindowExpires(t *testing.T) {
	var sink []Alert
	s := newTestService(t, &sink)
	base := time.Now()
	s.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		s.RecordError("cli:1")
	}
	s.now = func() time.Time { return base.Add(400 * time.Second) }
	for i := 0; i < 3; i++ {
		s.RecordError("cli:1")
	}
	if len(sink) != 2 {
		t.Errorf("alerts = %d, want 2 (dedup window passed)", len(sink))
	}
}

func TestHealthAlertsOnTransitionOnly(t *testing.T) {
	var sink []Alert
	s := newTestService(t, &sink)

	s.RecordHealth("provider", true, "")
	s.RecordHealth("provider", false, "timeout")
	s.RecordHealth("provider", false, "timeout")
	if len(sink) != 1 {
		t.Fatalf("alerts = %d, want 1", len(sink))
	}

	// recovery re-arms the latch; dedup window still applies
	s.now = func() time.Time { return time.Now().Add(400 * time.Second) }
	s.RecordHealth("provider", true, "")
	s.RecordHealth("provider", false, "down again")
	if len(sink) != 2 {
		t.Errorf("alerts = %d, want 2", len(sink))
	}
}

func TestDisabledServiceIsSilent(t *testing.T) {
	var sink []Alert
	s := New(config.AlertsConfig{}, nil, func(a Alert) { sink = append(sink, a) }, nil)
	for i := 0; i < 10; i++ {
		s.RecordError("cli:1")
	}
	s.RecordHealth("x", false, "broken")
	if len(sink) != 0 {
		t.Errorf("alerts = %d, want 0", len(sink))
	}
}
