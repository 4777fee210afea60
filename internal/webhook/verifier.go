// Package webhook authenticates inbound webhook deliveries: HMAC signature
// over a timestamped payload, a replay window, and a bounded dedup ring of
// recently seen event ids.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/miniclaw/miniclaw/internal/config"
)

const dedupCapacity = 5000

var (
	ErrNoSignature   = errors.New("webhook: no signature header")
	ErrBadSignature  = errors.New("webhook: signature mismatch")
	ErrStaleDelivery = errors.New("webhook: timestamp outside replay window")
	ErrDuplicate     = errors.New("webhook: duplicate event id")
)

// Verifier checks webhook deliveries.
type Verifier struct {
	secret  []byte
	headers []string
	window  time.Duration

	mu   sync.Mutex
	seen map[string]bool
	ring []string
	next int

	now func() time.Time
}

func New(cfg config.WebhookConfig) *Verifier {
	window := time.Duration(cfg.ReplayWindowSeconds) * time.Second
	if window <= 0 {
		window = 300 * time.Second
	}
	headers := cfg.Headers
	if len(headers) == 0 {
		headers = []string{"X-Miniclaw-Signature", "X-Hub-Signature-256"}
	}
	return &Verifier{
		secret:  []byte(cfg.Secret),
		headers: headers,
		window:  window,
		seen:    map[string]bool{},
		ring:    make([]string, dedupCapacity),
		now:     time.Now,
	}
}

// Sign computes the expected signature for a timestamped body. Exposed for
// senders and tests.
func Sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the delivery: any declared header may carry the signature
// (optionally prefixed "sha256="), the timestamp must be a unix-seconds
// value inside the replay window, and the event id must be unseen.
func (v *Verifier) Verify(hdr http.Header, body []byte, timestamp, eventID string) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("webhook: bad timestamp %q", timestamp)
	}
	age := v.now().Sub(time.Unix(ts, 0))
	if age < -v.window || age > v.window {
		return ErrStaleDelivery
	}

	var provided string
	for _, name := range v.headers {
		if got := hdr.Get(name); got != "" {
			provided = strings.TrimPrefix(got, "sha256=")
			break
		}
	}
	if provided == "" {
		return ErrNoSignature
	}

	expected := Sign(v.secret, timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(provided))) {
		return ErrBadSignature
	}

	if eventID != "" && !v.markSeen(eventID) {
		return ErrDuplicate
	}
	return nil
}

// markSeen records the event id, evicting the oldest entry when the ring is
// full. Returns false when the id was already present.
func (v *Verifier) markSeen(eventID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.seen[eventID] {
		return false
	}
	if old := v.ring[v.next]; old != "" {
		delete(v.seen, old)
	}
	v.ring[v.next] = eventID
	v.next = (v.next + 1) % dedupCapacity
	v.seen[eventID] = true
	return true
}
