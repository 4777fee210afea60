package ratelimit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/miniclaw/miniclaw/internal/config"
)

func TestBurstOverCapacityDenied(t *testing.T) {
	l := New(config.RateLimitConfig{
		Enabled:         true,
		MessageCapacity: 5,
		MessageRefill:   0.1,
	}, nil)
	fixed := time.Now()
	l.now = func() time.Time { return fixed }

	for i := 0; i < 5; i++ {
		if !l.AllowMessage("u1") {
			t.Fatalf("call %d denied within capacity", i)
		}
	}
	if l.AllowMessage("u1") {
		t.Error("capacity+1 call allowed")
	}
}

func TestRefillRestoresTokens(t *testing.T) {
	l := New(config.RateLimitConfig{
		Enabled:         true,
		MessageCapacity: 2,
		MessageRefill:   1,
	}, nil)
	now := time.Now()
	l.now = func() time.Time { return now }

	l.AllowMessage("u1")
	l.AllowMessage("u1")
	if l.AllowMessage("u1") {
		t.Fatal("bucket not empty after capacity consumed")
	}

	now = now.Add(1500 * time.Millisecond)
	if !l.AllowMessage("u1") {
		t.Error("refill did not restore a token")
	}
}

func TestUsersAreIndependent(t *testing.T) {
	l := New(config.RateLimitConfig{
		Enabled:         true,
		MessageCapacity: 1,
		MessageRefill:   0,
	}, nil)
	fixed := time.Now()
	l.now = func() time.Time { return fixed }

	if !l.AllowMessage("u1") {
		t.Fatal("u1 first call denied")
	}
	if !l.AllowMessage("u2") {
		t.Error("u2 limited by u1's bucket")
	}
	if l.AllowMessage("u1") {
		t.Error("u1 second call allowed")
	}
}

func TestDisabledAlwaysAllows(t *testing.T) {
	l := New(config.RateLimitConfig{Enabled: false, MessageCapacity: 1}, nil)
	for i := 0; i < 10; i++ {
		if !l.AllowMessage("u1") {
			t.Fatal("disabled limiter denied a call")
		}
	}
}

func TestPersistenceSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ratelimit.json")
	cfg := config.RateLimitConfig{
		Enabled:         true,
		MessageCapacity: 2,
		MessageRefill:   0,
		PersistPath:     path,
	}
	fixed := time.Now()

	l1 := New(cfg, nil)
	l1.now = func() time.Time { return fixed }
	l1.AllowMessage("u1")
	l1.AllowMessage("u1")

	// new limiter over the same file sees the drained bucket
	l2 := New(cfg, nil)
	l2.now = func() time.Time { return fixed }
	if l2.AllowMessage("u1") {
		t.Error("drained bucket allowed after restart")
	}
}

func TestToolAndMessageBucketsSeparate(t *testing.T) {
	l := New(config.RateLimitConfig{
		Enabled:         true,
		MessageCapacity: 1,
		ToolCapacity:    1,
	}, nil)
	fixed := time.Now()
	l.now = func() time.Time { return fixed }

	if !l.AllowMessage("u1") || !l.AllowTool("u1") {
		t.Fatal("first calls denied")
	}
	if l.AllowMessage("u1") || l.AllowTool("u1") {
		t.Error("buckets not independent of each other")
	}
}
