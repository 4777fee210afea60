// Package alerts watches run lifecycle events and health probes and raises
// deduplicated alerts on error bursts and failed checks.
package alerts

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miniclaw/miniclaw/internal/bus"
	"github.com/miniclaw/miniclaw/internal/config"
	"github.com/miniclaw/miniclaw/pkg/models"
)

// Alert is one raised condition.
type Alert struct {
	ID      string
	Kind    string
	Subject string
	Message string
	TS      time.Time
}

// Notifier delivers a raised alert.
type Notifier func(Alert)

// Service tracks error frequency and health state. Alerts for the same
// (kind, subject) pair are suppressed inside the dedup window.
type Service struct {
	cfg    config.AlertsConfig
	msgBus *bus.MessageBus
	logger *slog.Logger
	notify Notifier

	mu        sync.Mutex
	lastSent  map[string]time.Time
	errorLog  []time.Time
	healthBad map[string]bool

	now func() time.Time
}

func New(cfg config.AlertsConfig, msgBus *bus.MessageBus, notify Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		cfg:       cfg,
		msgBus:    msgBus,
		logger:    logger,
		notify:    notify,
		lastSent:  map[string]time.Time{},
		healthBad: map[string]bool{},
		now:       time.Now,
	}
	if s.notify == nil {
		s.notify = func(a Alert) {
			logger.Warn("alert", "kind", a.Kind, "subject", a.Subject, "message", a.Message)
		}
	}
	return s
}

// Run consumes bus events until the context ends. Only run_error feeds the
// burst detector.
func (s *Service) Run(ctx context.Context) {
	if !s.cfg.Enabled || s.msgBus == nil {
		return
	}
	id := "alerts-" + uuid.NewString()[:8]
	events := s.msgBus.SubscribeEvents(id)
	defer s.msgBus.UnsubscribeEvents(id)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev != nil && ev.Type == models.EventRunError {
				s.RecordError(ev.SessionKey)
			}
		}
	}
}

// RecordError feeds the burst detector and raises an alert when the
// threshold is crossed inside the burst window.
func (s *Service) RecordError(sessionKey string) {
	if !s.cfg.Enabled {
		return
	}
	now := s.now()
	window := time.Duration(s.cfg.ErrorBurstWindowSeconds) * time.Second

	s.mu.Lock()
	s.errorLog = append(s.errorLog, now)
	cut := 0
	for cut < len(s.errorLog) && now.Sub(s.errorLog[cut]) > window {
		cut++
	}
	s.errorLog = s.errorLog[cut:]
	count := len(s.errorLog)
	s.mu.Unlock()

	if count >= s.cfg.ErrorBurstThreshold {
		s.raise("error_burst", "runs", "run errors are bursting", sessionKey)
	}
}

// RecordHealth records a probe result; a transition to failing raises an
// alert, recovery clears the latch so the next failure alerts again.
func (s *Service) RecordHealth(check string, ok bool, detail string) {
	if !s.cfg.Enabled {
		return
	}
	s.mu.Lock()
	wasBad := s.healthBad[check]
	s.healthBad[check] = !ok
	s.mu.Unlock()

	if !ok && !wasBad {
		s.raise("health", check, detail, "")
	}
}

func (s *Service) raise(kind, subject, message, detail string) {
	now := s.now()
	key := kind + "|" + subject
	dedup := time.Duration(s.cfg.DedupWindowSeconds) * time.Second

	s.mu.Lock()
	if last, ok := s.lastSent[key]; ok && now.Sub(last) < dedup {
		s.mu.Unlock()
		return
	}
	s.lastSent[key] = now
	s.mu.Unlock()

	if detail != "" {
		message += " (" + detail + ")"
	}
	s.notify(Alert{
		ID:      uuid.NewString(),
		Kind:    kind,
		Subject: subject,
		Message: message,
		TS:      now,
	})
}
