package runhistory

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/miniclaw/miniclaw/pkg/models"
)

func testRun(i int) *models.RunState {
	return &models.RunState{
		RunID:      fmt.Sprintf("%012x", i),
		SessionKey: "cli:test",
		Status:     models.RunCompleted,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestAppendAndRecent(t *testing.T) {
	st, err := NewStore(filepath.Join(t.TempDir(), "runs.jsonl"), 100)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := st.Append(testRun(i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	runs, err := st.Recent(3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("len = %d, want 3", len(runs))
	}
	if runs[2].RunID != fmt.Sprintf("%012x", 4) {
		t.Errorf("newest run = %s", runs[2].RunID)
	}
}

func TestTrimKeepsNewest(t *testing.T) {
	st, err := NewStore(filepath.Join(t.TempDir(), "runs.jsonl"), 10)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	for i := 0; i < 25; i++ {
		if err := st.Append(testRun(i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := st.Trim(); err != nil {
		t.Fatalf("Trim: %v", err)
	}
	runs, err := st.Recent(0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(runs) != 10 {
		t.Fatalf("len = %d, want 10", len(runs))
	}
	if runs[0].RunID != fmt.Sprintf("%012x", 15) {
		t.Errorf("oldest kept = %s, want %s", runs[0].RunID, fmt.Sprintf("%012x", 15))
	}
}

func TestPurgeBySessionKey(t *testing.T) {
	st, err := NewStore(filepath.Join(t.TempDir(), "runs.jsonl"), 100)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	keep := testRun(1)
	keep.SessionKey = "other:1"
	if err := st.Append(testRun(0)); err != nil {
		t.Fatal(err)
	}
	if err := st.Append(keep); err != nil {
		t.Fatal(err)
	}

	removed, err := st.Purge(map[string]bool{"cli:test": true})
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	runs, _ := st.Recent(0)
	if len(runs) != 1 || runs[0].SessionKey != "other:1" {
		t.Errorf("survivors = %+v", runs)
	}
}
