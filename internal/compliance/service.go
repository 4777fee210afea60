// Package compliance applies data-retention policy across the session,
// run-history, and usage stores, and supports per-user export and purge.
package compliance

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/miniclaw/miniclaw/internal/config"
	"github.com/miniclaw/miniclaw/internal/runhistory"
	"github.com/miniclaw/miniclaw/internal/sessions"
	"github.com/miniclaw/miniclaw/internal/usage"
	"github.com/miniclaw/miniclaw/pkg/models"
)

// Service coordinates retention, export, and purge across the stores.
type Service struct {
	cfg      config.ComplianceConfig
	sessions *sessions.Store
	runs     *runhistory.Store
	usage    *usage.Ledger
	logger   *slog.Logger

	now func() time.Time
}

func New(cfg config.ComplianceConfig, sess *sessions.Store, runs *runhistory.Store, ledger *usage.Ledger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:      cfg,
		sessions: sess,
		runs:     runs,
		usage:    ledger,
		logger:   logger,
		now:      time.Now,
	}
}

// SweepResult summarizes one retention pass.
type SweepResult struct {
	SessionsDeleted int
	RunsPurged      int
	UsagePurged     int
}

// RetentionSweep deletes sessions untouched for longer than the retention
// policy, along with their run history and usage records.
func (s *Service) RetentionSweep() (SweepResult, error) {
	var res SweepResult
	if s.cfg.RetentionDays <= 0 {
		return res, nil
	}
	cutoff := s.now().UTC().AddDate(0, 0, -s.cfg.RetentionDays)

	expired := map[string]bool{}
	for _, key := range s.sessions.List() {
		sess := s.sessions.Get(key)
		if !sess.UpdatedAt.IsZero() && sess.UpdatedAt.Before(cutoff) {
			expired[sess.SessionKey] = true
		}
	}
	if len(expired) == 0 {
		return res, nil
	}

	for key := range expired {
		if err := s.sessions.Delete(key); err != nil {
			return res, fmt.Errorf("compliance: delete session %s: %w", key, err)
		}
		res.SessionsDeleted++
	}
	n, err := s.runs.Purge(expired)
	if err != nil {
		return res, fmt.Errorf("compliance: purge runs: %w", err)
	}
	res.RunsPurged = n
	n, err = s.usage.Purge(expired)
	if err != nil {
		return res, fmt.Errorf("compliance: purge usage: %w", err)
	}
	res.UsagePurged = n

	s.logger.Info("retention sweep complete",
		"sessions", res.SessionsDeleted, "runs", res.RunsPurged, "usage", res.UsagePurged)
	return res, nil
}

// Bundle is one exported data set.
type Bundle struct {
	ExportedAt time.Time          `json:"exported_at"`
	Sessions   []exportedSession  `json:"sessions"`
	Runs       []*models.RunState `json:"runs"`
	Usage      []usage.Record     `json:"usage"`
}

type exportedSession struct {
	SessionKey string           `json:"session_key"`
	Summary    string           `json:"summary,omitempty"`
	Metadata   map[string]any   `json:"metadata,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
	Messages   []models.Message `json:"messages"`
}

// Export collects everything stored for the given session keys into one
// JSON document.
func (s *Service) Export(sessionKeys []string) ([]byte, error) {
	keySet := map[string]bool{}
	for _, k := range sessionKeys {
		keySet[k] = true
	}

	bundle := Bundle{ExportedAt: s.now().UTC()}
	for _, key := range sessionKeys {
		sess := s.sessions.Get(key)
		bundle.Sessions = append(bundle.Sessions, exportedSession{
			SessionKey: sess.SessionKey,
			Summary:    sess.Summary,
			Metadata:   sess.Metadata,
			CreatedAt:  sess.CreatedAt,
			UpdatedAt:  sess.UpdatedAt,
			Messages:   sess.Messages,
		})
	}

	runs, err := s.runs.Recent(0)
	if err != nil {
		return nil, fmt.Errorf("compliance: export runs: %w", err)
	}
	for _, r := range runs {
		if keySet[r.SessionKey] {
			bundle.Runs = append(bundle.Runs, r)
		}
	}

	records, err := s.usage.Export(keySet)
	if err != nil {
		return nil, fmt.Errorf("compliance: export usage: %w", err)
	}
	bundle.Usage = records

	return json.MarshalIndent(bundle, "", "  ")
}

// Purge erases the given sessions across every store.
func (s *Service) Purge(sessionKeys []string) (SweepResult, error) {
	var res SweepResult
	keySet := map[string]bool{}
	for _, k := range sessionKeys {
		keySet[k] = true
	}

	for _, key := range sessionKeys {
		if err := s.sessions.Delete(key); err != nil {
			return res, fmt.Errorf("compliance: delete session %s: %w", key, err)
		}
		res.SessionsDeleted++
	}
	n, err := s.runs.Purge(keySet)
	if err != nil {
		return res, fmt.Errorf("compliance: purge runs: %w", err)
	}
	res.RunsPurged = n
	n, err = s.usage.Purge(keySet)
	if err != nil {
		return res, fmt.Errorf("compliance: purge usage: %w", err)
	}
	res.UsagePurged = n
	return res, nil
}
