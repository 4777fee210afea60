// Package usage keeps a JSONL ledger of per-run token consumption and the
// estimated cost, with windowed aggregation for /status and alerting.
package usage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/miniclaw/miniclaw/internal/config"
	"github.com/miniclaw/miniclaw/pkg/models"
)

// Record is one ledger line.
type Record struct {
	TS         time.Time `json:"ts"`
	SessionKey string    `json:"session_key"`
	RunID      string    `json:"run_id,omitempty"`
	Model      string    `json:"model"`
	Prompt     int       `json:"prompt"`
	Completion int       `json:"completion"`
	Total      int       `json:"total"`
	CostUSD    float64   `json:"cost_usd"`
}

// Summary aggregates records over a window.
type Summary struct {
	Records    int
	Prompt     int
	Completion int
	Total      int
	CostUSD    float64
	ByModel    map[string]int
}

// Ledger appends and aggregates usage records.
type Ledger struct {
	path   string
	costs  map[string]config.ModelCost
	logger *slog.Logger

	mu  sync.Mutex
	now func() time.Time
}

func New(cfg config.UsageConfig, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{path: cfg.Path, costs: cfg.Costs, logger: logger, now: time.Now}
}

// cost prices tokens with the longest matching model prefix, per million.
func (l *Ledger) cost(model string, u models.Usage) float64 {
	var best string
	var rate config.ModelCost
	for prefix, c := range l.costs {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best, rate = prefix, c
		}
	}
	if best == "" {
		return 0
	}
	return float64(u.PromptTokens)/1e6*rate.PromptUSD + float64(u.CompletionTokens)/1e6*rate.CompletionUSD
}

// Record appends one ledger line.
func (l *Ledger) Record(sessionKey, runID, model string, u models.Usage) error {
	rec := Record{
		TS:         l.now().UTC(),
		SessionKey: sessionKey,
		RunID:      runID,
		Model:      model,
		Prompt:     u.PromptTokens,
		Completion: u.CompletionTokens,
		Total:      u.TotalTokens,
		CostUSD:    l.cost(model, u),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("usage: marshal: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("usage: create dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("usage: open: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("usage: append: %w", err)
	}
	return nil
}

// Window aggregates records newer than now-d. d <= 0 covers everything.
func (l *Ledger) Window(d time.Duration) (Summary, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	records, err := l.readAll()
	if err != nil {
		return Summary{}, err
	}
	cutoff := time.Time{}
	if d > 0 {
		cutoff = l.now().Add(-d)
	}

	sum := Summary{ByModel: map[string]int{}}
	for _, r := range records {
		if !cutoff.IsZero() && r.TS.Before(cutoff) {
			continue
		}
		sum.Records++
		sum.Prompt += r.Prompt
		sum.Completion += r.Completion
		sum.Total += r.Total
		sum.CostUSD += r.CostUSD
		sum.ByModel[r.Model] += r.Total
	}
	return sum, nil
}

// Export returns all records belonging to the given session keys.
func (l *Ledger) Export(sessionKeys map[string]bool) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	records, err := l.readAll()
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, r := range records {
		if sessionKeys[r.SessionKey] {
			out = append(out, r)
		}
	}
	return out, nil
}

// Purge rewrites the ledger without records for the given session keys and
// returns how many were dropped.
func (l *Ledger) Purge(sessionKeys map[string]bool) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	records, err := l.readAll()
	if err != nil {
		return 0, err
	}
	kept := records[:0]
	removed := 0
	for _, r := range records {
		if sessionKeys[r.SessionKey] {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, l.rewrite(kept)
}

func (l *Ledger) readAll() ([]Record, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("usage: open: %w", err)
	}
	defer f.Close()

	var out []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var r Record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, scanner.Err()
}

func (l *Ledger) rewrite(records []Record) error {
	var b strings.Builder
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("usage: marshal: %w", err)
		}
		b.Write(data)
		b.WriteByte('\n')
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("usage: rewrite: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("usage: rewrite: %w", err)
	}
	return nil
}
