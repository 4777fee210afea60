package sessions

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/miniclaw/miniclaw/pkg/models"
)

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// SafeSessionKey converts a session key into a filesystem-safe fragment.
func SafeSessionKey(key string) string {
	key = strings.ReplaceAll(key, ":", "_")
	return unsafeKeyChars.ReplaceAllString(key, "_")
}

// WorkspaceScope derives the short per-workspace file prefix from the
// absolute workspace path.
func WorkspaceScope(workspace string) string {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		abs = workspace
	}
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:4])
}

// metadataRecord is the first line of every session file.
type metadataRecord struct {
	Type       string         `json:"_type"`
	SessionKey string         `json:"session_key"`
	Summary    string         `json:"summary,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Store persists sessions as JSONL files.
type Store struct {
	dir   string
	scope string

	mu    sync.Mutex
	cache map[string]*Session
	locks map[string]*sync.Mutex

	logger *slog.Logger
}

// NewStore opens (creating if needed) the sessions directory for workspace.
func NewStore(dir, workspace string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &Store{
		dir:    dir,
		scope:  WorkspaceScope(workspace),
		cache:  map[string]*Session{},
		locks:  map[string]*sync.Mutex{},
		logger: logger,
	}, nil
}

func (st *Store) path(key string) string {
	return filepath.Join(st.dir, st.scope+"__"+SafeSessionKey(key)+".jsonl")
}

func (st *Store) lockFor(key string) *sync.Mutex {
	st.mu.Lock()
	defer st.mu.Unlock()
	l, ok := st.locks[key]
	if !ok {
		l = &sync.Mutex{}
		st.locks[key] = l
	}
	return l
}

// Get returns the session for key, loading from disk or creating an empty
// one. The returned pointer is shared; callers that mutate it must Save under
// the session's run serialization.
func (st *Store) Get(key string) *Session {
	st.mu.Lock()
	if s, ok := st.cache[key]; ok {
		st.mu.Unlock()
		return s
	}
	st.mu.Unlock()

	s, err := st.load(key)
	if err != nil {
		if !os.IsNotExist(err) {
			st.logger.Warn("session load failed, starting fresh", "session_key", key, "error", err)
		}
		s = NewSession(key)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if existing, ok := st.cache[key]; ok {
		return existing
	}
	st.cache[key] = s
	return s
}

// load reads the session file, falling back to the .bak on corruption. A
// successful backup read promotes the backup to primary.
func (st *Store) load(key string) (*Session, error) {
	path := st.path(key)
	s, err := readSessionFile(path, key)
	if err == nil {
		return s, nil
	}
	if os.IsNotExist(err) {
		return nil, err
	}

	bak := path + ".bak"
	s, bakErr := readSessionFile(bak, key)
	if bakErr != nil {
		return nil, err
	}
	st.logger.Warn("recovered session from backup", "session_key", key)
	if data, rerr := os.ReadFile(bak); rerr == nil {
		_ = os.WriteFile(path, data, 0o644)
	}
	return s, nil
}

func readSessionFile(path, key string) (*Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	if !scanner.Scan() {
		return nil, fmt.Errorf("session file %s: empty", path)
	}
	var meta metadataRecord
	if err := json.Unmarshal(scanner.Bytes(), &meta); err != nil {
		return nil, fmt.Errorf("session file %s: bad metadata: %w", path, err)
	}
	if meta.Type != "metadata" {
		return nil, fmt.Errorf("session file %s: first record is %q, not metadata", path, meta.Type)
	}

	s := &Session{
		SessionKey: meta.SessionKey,
		Summary:    meta.Summary,
		Metadata:   meta.Metadata,
		CreatedAt:  meta.CreatedAt,
		UpdatedAt:  meta.UpdatedAt,
	}
	if s.SessionKey == "" {
		s.SessionKey = key
	}
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg models.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("session file %s: bad message record: %w", path, err)
		}
		s.Messages = append(s.Messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("session file %s: %w", path, err)
	}
	return s, nil
}

// serialize renders the session to its JSONL representation.
func serialize(s *Session) ([]byte, error) {
	var b strings.Builder
	meta := metadataRecord{
		Type:       "metadata",
		SessionKey: s.SessionKey,
		Summary:    s.Summary,
		Metadata:   s.Metadata,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}
	line, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	b.Write(line)
	b.WriteByte('\n')
	for _, msg := range s.Messages {
		line, err := json.Marshal(msg)
		if err != nil {
			return nil, err
		}
		b.Write(line)
		b.WriteByte('\n')
	}
	return []byte(b.String()), nil
}

// Save writes the session atomically: temp file, fsync, previous generation
// renamed to .bak, temp renamed into place. A failed swap restores the .bak.
func (st *Store) Save(s *Session) error {
	lock := st.lockFor(s.SessionKey)
	lock.Lock()
	defer lock.Unlock()

	data, err := serialize(s)
	if err != nil {
		return fmt.Errorf("serialize session %s: %w", s.SessionKey, err)
	}

	path := st.path(s.SessionKey)
	tmp := path + ".tmp"
	bak := path + ".bak"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("save session %s: %w", s.SessionKey, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("save session %s: %w", s.SessionKey, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("save session %s: %w", s.SessionKey, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("save session %s: %w", s.SessionKey, err)
	}

	hadPrimary := false
	if _, err := os.Stat(path); err == nil {
		hadPrimary = true
		if err := os.Rename(path, bak); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("save session %s: backup: %w", s.SessionKey, err)
		}
	}
	if err := os.Rename(tmp, path); err != nil {
		if hadPrimary {
			_ = os.Rename(bak, path)
		}
		os.Remove(tmp)
		return fmt.Errorf("save session %s: swap: %w", s.SessionKey, err)
	}

	st.mu.Lock()
	st.cache[s.SessionKey] = s
	st.mu.Unlock()
	return nil
}

// ApplyIdleReset clears the session if it has been idle past the policy and
// stamps idle_reset_at. Returns true when a reset happened.
func (st *Store) ApplyIdleReset(s *Session, idleMinutes int) (bool, error) {
	if !s.IdleExpired(idleMinutes, time.Now().UTC()) {
		return false, nil
	}
	s.Clear(map[string]any{"idle_reset_at": time.Now().UTC().Format(time.RFC3339)})
	return true, st.Save(s)
}

// Reset clears one session and stamps the reset markers.
func (st *Store) Reset(key, reason, actor string) error {
	s := st.Get(key)
	markers := map[string]any{"reset_at": time.Now().UTC().Format(time.RFC3339)}
	if reason != "" {
		markers["reset_reason"] = reason
	}
	if actor != "" {
		markers["reset_actor"] = actor
	}
	s.Clear(markers)
	return st.Save(s)
}

// BulkReset clears every persisted and cached session for this workspace
// scope, stamping the reason and actor.
func (st *Store) BulkReset(reason, actor string) (int, error) {
	keys := map[string]bool{}
	for _, key := range st.List() {
		keys[key] = true
	}
	st.mu.Lock()
	for key := range st.cache {
		keys[key] = true
	}
	st.mu.Unlock()

	count := 0
	var firstErr error
	for key := range keys {
		s := st.Get(key)
		s.Clear(map[string]any{
			"bulk_reset_reason": reason,
			"bulk_reset_actor":  actor,
			"bulk_reset_at":     time.Now().UTC().Format(time.RFC3339),
		})
		if err := st.Save(s); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		count++
	}
	return count, firstErr
}

// List returns the session keys persisted for this workspace scope. Keys are
// reconstructed from file names, so characters replaced by sanitization stay
// replaced; callers should treat them as identifiers, not display text.
func (st *Store) List() []string {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return nil
	}
	prefix := st.scope + "__"
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".jsonl"))
	}
	return keys
}

// Delete removes a session's files and cache entry.
func (st *Store) Delete(key string) error {
	lock := st.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	path := st.path(key)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	_ = os.Remove(path + ".bak")

	st.mu.Lock()
	delete(st.cache, key)
	st.mu.Unlock()
	return nil
}

// Dir returns the sessions directory.
func (st *Store) Dir() string { return st.dir }

// Scope returns the workspace scope prefix.
func (st *Store) Scope() string { return st.scope }
