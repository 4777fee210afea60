package compliance

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/miniclaw/miniclaw/internal/config"
	"github.com/miniclaw/miniclaw/internal/runhistory"
	"github.com/miniclaw/miniclaw/internal/sessions"
	"github.com/miniclaw/miniclaw/internal/usage"
	"github.com/miniclaw/miniclaw/pkg/models"
)

type fixture struct {
	svc   *Service
	sess  *sessions.Store
	runs  *runhistory.Store
	usage *usage.Ledger
}

func newFixture(t *testing.T, retentionDays int) fixture {
	t.Helper()
	dir := t.TempDir()
	sess, err := sessions.NewStore(filepath.Join(dir, "sessions"), dir, nil)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	runs, err := runhistory.NewStore(filepath.Join(dir, "runs.jsonl"), 100)
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	ledger := usage.New(config.UsageConfig{Path: filepath.Join(dir, "usage.jsonl")}, nil)
	svc := New(config.ComplianceConfig{RetentionDays: retentionDays}, sess, runs, ledger, nil)
	return fixture{svc: svc, sess: sess, runs: runs, usage: ledger}
}

func seedSession(t *testing.T, fx fixture, key string, updatedAt time.Time) {
	t.Helper()
	s := fx.sess.Get(key)
	s.AddMessage(models.RoleUser, "hello")
	s.UpdatedAt = updatedAt
	if err := fx.sess.Save(s); err != nil {
		t.Fatalf("save session: %v", err)
	}
	if err := fx.runs.Append(&models.RunState{RunID: "run-" + key, SessionKey: key, Status: models.RunCompleted}); err != nil {
		t.Fatalf("append run: %v", err)
	}
	if err := fx.usage.Record(key, "run-"+key, "gpt-4o", models.Usage{TotalTokens: 10}); err != nil {
		t.Fatalf("record usage: %v", err)
	}
}

func TestRetentionSweepDeletesExpired(t *testing.T) {
	fx := newFixture(t, 30)
	now := time.Now().UTC()
	seedSession(t, fx, "cli:old", now.AddDate(0, 0, -45))
	seedSession(t, fx, "cli:fresh", now)

	res, err := fx.svc.RetentionSweep()
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.SessionsDeleted != 1 || res.RunsPurged != 1 || res.UsagePurged != 1 {
		t.Errorf("result = %+v", res)
	}

	if len(fx.sess.List()) != 1 {
		t.Errorf("sessions remaining = %v", fx.sess.List())
	}
	runs, err := fx.runs.Recent(0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(runs) != 1 || runs[0].SessionKey != "cli:fresh" {
		t.Errorf("runs = %+v", runs)
	}
}

func TestRetentionDisabledIsNoop(t *testing.T) {
	fx := newFixture(t, 0)
	seedSession(t, fx, "cli:old", time.Now().AddDate(-1, 0, 0))

	res, err := fx.svc.RetentionSweep()
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.SessionsDeleted != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestExportBundlesAllStores(t *testing.T) {
	fx := newFixture(t, 30)
	seedSession(t, fx, "cli:me", time.Now())
	seedSession(t, fx, "cli:other", time.Now())

	data, err := fx.svc.Export([]string{"cli:me"})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		t.Fatalf("parse bundle: %v", err)
	}
	if len(bundle.Sessions) != 1 || bundle.Sessions[0].SessionKey != "cli:me" {
		t.Errorf("sessions = %+v", bundle.Sessions)
	}
	if len(bundle.Runs) != 1 || bundle.Runs[0].SessionKey != "cli:me" {
		t.Errorf("runs = %+v", bundle.Runs)
	}
	if len(bundle.Usage) != 1 || bundle.Usage[0].SessionKey != "cli:me" {
		t.Errorf("usage = %+v", bundle.Usage)
	}
	if len(bundle.Sessions[0].Messages) != 1 {
		t.Errorf("messages = %+v", bundle.Sessions[0].Messages)
	}
}

func TestPurgeErasesAcrossStores(t *testing.T) {
	fx := newFixture(t, 30)
	seedSession(t, fx, "cli:gone", time.Now())
	seedSession(t, fx, "cli:stay", time.Now())

	res, err := fx.svc.Purge([]string{"cli:gone"})
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if res.SessionsDeleted != 1 || res.RunsPurged != 1 || res.UsagePurged != 1 {
		t.Errorf("result = %+v", res)
	}
	runs, err := fx.runs.Recent(0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	for _, r := range runs {
		if r.SessionKey == "cli:gone" {
			t.Error("purged run still present")
		}
	}
}
