package usage

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/miniclaw/miniclaw/internal/config"
	"github.com/miniclaw/miniclaw/pkg/models"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	cfg := config.UsageConfig{
		Path: filepath.Join(t.TempDir(), "usage.jsonl"),
		Costs: map[string]config.ModelCost{
			"claude-sonnet": {PromptUSD: 3, CompletionUSD: 15},
			"claude":        {PromptUSD: 1, CompletionUSD: 5},
			"gpt-4o":        {PromptUSD: 2.5, CompletionUSD: 10},
		},
	}
	return New(cfg, nil)
}

func TestRecordAndWindow(t *testing.T) {
	l := newTestLedger(t)
	base := time.Now()
	l.now = func() time.Time { return base }

	if err := l.Record("cli:1", "r1", "claude-sonnet-4-5", models.Usage{PromptTokens: 1000, CompletionTokens: 500, TotalTokens: 1500}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	l.now = func() time.Time { return base.Add(2 * time.Hour) }
	if err := l.Record("cli:1", "r2", "gpt-4o", models.Usage{PromptTokens: 200, CompletionTokens: 100, TotalTokens: 300}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	all, err := l.Window(0)
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if all.Records != 2 || all.Total != 1800 {
		t.Errorf("all = %+v", all)
	}

	recent, err := l.Window(time.Hour)
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if recent.Records != 1 || recent.Total != 300 {
		t.Errorf("recent = %+v", recent)
	}
	if recent.ByModel["gpt-4o"] != 300 {
		t.Errorf("by model = %v", recent.ByModel)
	}
}

func TestCostUsesLongestPrefix(t *testing.T) {
	l := newTestLedger(t)
	got := l.cost("claude-sonnet-4-5", models.Usage{PromptTokens: 1_000_000, CompletionTokens: 1_000_000})
	if math.Abs(got-18) > 1e-9 {
		t.Errorf("cost = %v, want 18 (sonnet rate, not generic claude)", got)
	}
	if l.cost("unknown-model", models.Usage{PromptTokens: 1000}) != 0 {
		t.Error("unknown model should cost 0")
	}
}

func TestExportAndPurgeBySession(t *testing.T) {
	l := newTestLedger(t)
	for _, key := range []string{"cli:keep", "cli:drop", "cli:keep"} {
		if err := l.Record(key, "", "gpt-4o", models.Usage{TotalTokens: 10}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	exported, err := l.Export(map[string]bool{"cli:drop": true})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(exported) != 1 || exported[0].SessionKey != "cli:drop" {
		t.Errorf("exported = %+v", exported)
	}

	removed, err := l.Purge(map[string]bool{"cli:drop": true})
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d", removed)
	}
	sum, err := l.Window(0)
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if sum.Records != 2 {
		t.Errorf("records after purge = %d", sum.Records)
	}
}
