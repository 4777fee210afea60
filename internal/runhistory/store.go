// Package runhistory archives terminal run states as append-only JSONL with
// a bounded trim so the file cannot grow without limit.
package runhistory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/miniclaw/miniclaw/pkg/models"
)

// trimInterval is how many appends happen between trim passes.
const trimInterval = 100

// Store appends run records to a single JSONL file.
type Store struct {
	path       string
	maxRecords int

	mu      sync.Mutex
	appends int
}

// NewStore creates the parent directory if needed.
func NewStore(path string, maxRecords int) (*Store, error) {
	if maxRecords <= 0 {
		maxRecords = 500
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create run history dir: %w", err)
	}
	return &Store{path: path, maxRecords: maxRecords}, nil
}

// Append records one terminal run. Every trimInterval appends the file is
// trimmed to the newest maxRecords entries.
func (st *Store) Append(run *models.RunState) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	line, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", run.RunID, err)
	}

	f, err := os.OpenFile(st.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open run history: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("append run history: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("append run history: %w", err)
	}

	st.appends++
	if st.appends%trimInterval == 0 {
		return st.trimLocked()
	}
	return nil
}

// Recent returns up to n newest runs, newest last.
func (st *Store) Recent(n int) ([]*models.RunState, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	runs, err := st.readAll()
	if err != nil {
		return nil, err
	}
	if n > 0 && len(runs) > n {
		runs = runs[len(runs)-n:]
	}
	return runs, nil
}

// Trim rewrites the file keeping only the newest maxRecords entries.
func (st *Store) Trim() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.trimLocked()
}

func (st *Store) trimLocked() error {
	runs, err := st.readAll()
	if err != nil {
		return err
	}
	if len(runs) <= st.maxRecords {
		return nil
	}
	runs = runs[len(runs)-st.maxRecords:]

	tmp := st.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("trim run history: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, run := range runs {
		line, err := json.Marshal(run)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("trim run history: %w", err)
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("trim run history: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("trim run history: %w", err)
	}
	if err := os.Rename(tmp, st.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("trim run history: %w", err)
	}
	return nil
}

func (st *Store) readAll() ([]*models.RunState, error) {
	f, err := os.Open(st.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read run history: %w", err)
	}
	defer f.Close()

	var runs []*models.RunState
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var run models.RunState
		if err := json.Unmarshal(line, &run); err != nil {
			// Skip torn tail lines from a crashed append.
			continue
		}
		runs = append(runs, &run)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read run history: %w", err)
	}
	return runs, nil
}

// Purge removes all runs for the given session keys. Used by compliance.
func (st *Store) Purge(sessionKeys map[string]bool) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	runs, err := st.readAll()
	if err != nil {
		return 0, err
	}
	var kept []*models.RunState
	removed := 0
	for _, run := range runs {
		if sessionKeys[run.SessionKey] {
			removed++
			continue
		}
		kept = append(kept, run)
	}
	if removed == 0 {
		return 0, nil
	}

	tmp := st.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("purge run history: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, run := range kept {
		line, _ := json.Marshal(run)
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("purge run history: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("purge run history: %w", err)
	}
	if err := os.Rename(tmp, st.path); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("purge run history: %w", err)
	}
	return removed, nil
}
