// Package ratelimit provides per-user token buckets for inbound messages and
// tool calls. Bucket state can be persisted to a JSON file guarded by an
// advisory file lock, making the limits hold across restarts and across
// processes sharing one state directory.
package ratelimit

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/miniclaw/miniclaw/internal/config"
)

// bucketState is the persisted form of one bucket.
type bucketState struct {
	Tokens     float64 `json:"tokens"`
	LastRefill int64   `json:"last_refill_ms"`
}

// Limiter implements token-bucket limiting for two call classes.
type Limiter struct {
	cfg config.RateLimitConfig

	mu      sync.Mutex
	buckets map[string]*bucketState

	flk    *flock.Flock
	logger *slog.Logger
	now    func() time.Time
}

// New builds a limiter from config. When PersistPath is set, every mutation
// is a read-modify-write of the state file under the file lock.
func New(cfg config.RateLimitConfig, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Limiter{
		cfg:     cfg,
		buckets: map[string]*bucketState{},
		logger:  logger,
		now:     time.Now,
	}
	if cfg.PersistPath != "" {
		_ = os.MkdirAll(filepath.Dir(cfg.PersistPath), 0o755)
		l.flk = flock.New(cfg.PersistPath + ".lock")
	}
	return l
}

// AllowMessage consumes one token from the user's message bucket.
func (l *Limiter) AllowMessage(userKey string) bool {
	if !l.cfg.Enabled {
		return true
	}
	return l.allow("msg:"+userKey, float64(l.cfg.MessageCapacity), l.cfg.MessageRefill)
}

// AllowTool consumes one token from the user's tool bucket.
func (l *Limiter) AllowTool(userKey string) bool {
	if !l.cfg.Enabled {
		return true
	}
	return l.allow("tool:"+userKey, float64(l.cfg.ToolCapacity), l.cfg.ToolRefill)
}

func (l *Limiter) allow(key string, capacity, refillPerSec float64) bool {
	if capacity <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.flk != nil {
		if err := l.flk.Lock(); err != nil {
			l.logger.Warn("rate limit file lock failed, using in-memory state", "error", err)
		} else {
			defer l.flk.Unlock()
			l.loadLocked()
		}
	}

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucketState{Tokens: capacity, LastRefill: now.UnixMilli()}
		l.buckets[key] = b
	}

	elapsed := float64(now.UnixMilli()-b.LastRefill) / 1000.0
	if elapsed > 0 {
		b.Tokens += elapsed * refillPerSec
		if b.Tokens > capacity {
			b.Tokens = capacity
		}
		b.LastRefill = now.UnixMilli()
	}

	allowed := b.Tokens >= 1
	if allowed {
		b.Tokens--
	}

	if l.flk != nil && l.flk.Locked() {
		l.saveLocked()
	}
	return allowed
}

// loadLocked refreshes the in-memory buckets from the persisted file. Callers
// hold both the mutex and the file lock.
func (l *Limiter) loadLocked() {
	data, err := os.ReadFile(l.cfg.PersistPath)
	if err != nil {
		return
	}
	var state map[string]*bucketState
	if err := json.Unmarshal(data, &state); err != nil {
		l.logger.Warn("rate limit state corrupt, resetting", "error", err)
		return
	}
	l.buckets = state
	if l.buckets == nil {
		l.buckets = map[string]*bucketState{}
	}
}

func (l *Limiter) saveLocked() {
	data, err := json.Marshal(l.buckets)
	if err != nil {
		return
	}
	tmp := l.cfg.PersistPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		l.logger.Warn("rate limit persist failed", "error", err)
		return
	}
	if err := os.Rename(tmp, l.cfg.PersistPath); err != nil {
		l.logger.Warn("rate limit persist failed", "error", err)
	}
}
