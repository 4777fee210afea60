// Package bus provides the in-process pub/sub fabric connecting channel
// adapters, the agent scheduler, and event consumers such as dashboards.
//
// Three planes run through one bus: inbound messages (channel -> agent),
// outbound messages (agent -> channel), and structured events (lifecycle,
// tool, queue, ...). Publishes never block the caller: subscriber queues are
// bounded and overflow drops the oldest pending item.
package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/miniclaw/miniclaw/pkg/models"
)

const defaultQueueSize = 256

// MessageBus is the process-wide pub/sub hub.
type MessageBus struct {
	mu sync.Mutex

	inbound chan models.InboundMessage

	outboundSubs map[string]chan models.OutboundMessage
	eventSubs    map[string]chan *models.Event

	// approvals holds one pending approval waiter per session key.
	approvals map[string]chan string

	logger *slog.Logger
}

// New returns a bus with the default queue capacity.
func New(logger *slog.Logger) *MessageBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageBus{
		inbound:      make(chan models.InboundMessage, defaultQueueSize),
		outboundSubs: make(map[string]chan models.OutboundMessage),
		eventSubs:    make(map[string]chan *models.Event),
		approvals:    make(map[string]chan string),
		logger:       logger,
	}
}

// PublishInbound enqueues a message for the agent loop. If the inbound queue
// is full the message is dropped and logged; channels should treat that as
// backpressure, not an error.
func (b *MessageBus) PublishInbound(msg models.InboundMessage) {
	select {
	case b.inbound <- msg:
	default:
		b.logger.Warn("inbound queue full, dropping message",
			"channel", msg.Channel, "chat_id", msg.ChatID)
	}
}

// ConsumeInbound blocks until a message arrives or ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (models.InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return models.InboundMessage{}, false
	}
}

// SubscribeOutbound registers a channel adapter under id and returns its
// delivery queue. The returned channel is closed by UnsubscribeOutbound.
func (b *MessageBus) SubscribeOutbound(id string) <-chan models.OutboundMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.outboundSubs[id]; ok {
		close(old)
	}
	ch := make(chan models.OutboundMessage, defaultQueueSize)
	b.outboundSubs[id] = ch
	return ch
}

// UnsubscribeOutbound removes a channel adapter's queue.
func (b *MessageBus) UnsubscribeOutbound(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.outboundSubs[id]; ok {
		close(ch)
		delete(b.outboundSubs, id)
	}
}

// PublishOutbound fans a reply out to every registered adapter queue.
// Full queues drop their oldest item to make room so a stuck adapter cannot
// stall the agent loop.
func (b *MessageBus) PublishOutbound(msg models.OutboundMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.outboundSubs {
		select {
		case ch <- msg:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- msg:
			default:
				b.logger.Warn("outbound queue stuck, dropping message", "subscriber", id)
			}
		}
	}
}

// SubscribeEvents registers an event listener under id.
func (b *MessageBus) SubscribeEvents(id string) <-chan *models.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.eventSubs[id]; ok {
		close(old)
	}
	ch := make(chan *models.Event, defaultQueueSize)
	b.eventSubs[id] = ch
	return ch
}

// UnsubscribeEvents removes an event listener.
func (b *MessageBus) UnsubscribeEvents(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.eventSubs[id]; ok {
		close(ch)
		delete(b.eventSubs, id)
	}
}

// PublishEvent fans an event out to all listeners, fire-and-forget.
func (b *MessageBus) PublishEvent(ev *models.Event) {
	if ev == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.eventSubs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
				b.logger.Warn("event queue stuck, dropping event", "subscriber", id, "type", ev.Type)
			}
		}
	}
}

// AwaitApproval blocks until an approval response arrives for the session or
// ctx expires. Only one waiter per session is supported; a second waiter
// replaces the first (the replaced waiter observes a closed channel and
// treats it as denial).
func (b *MessageBus) AwaitApproval(ctx context.Context, sessionKey string) (string, bool) {
	b.mu.Lock()
	if old, ok := b.approvals[sessionKey]; ok {
		close(old)
	}
	ch := make(chan string, 1)
	b.approvals[sessionKey] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		if b.approvals[sessionKey] == ch {
			delete(b.approvals, sessionKey)
		}
		b.mu.Unlock()
	}()

	select {
	case resp, ok := <-ch:
		return resp, ok
	case <-ctx.Done():
		return "", false
	}
}

// ResolveApproval delivers a user response to a pending approval waiter.
// Returns false when no waiter is registered for the session.
func (b *MessageBus) ResolveApproval(sessionKey, response string) bool {
	b.mu.Lock()
	ch, ok := b.approvals[sessionKey]
	if ok {
		delete(b.approvals, sessionKey)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	ch <- response
	close(ch)
	return true
}

// HasApprovalWaiter reports whether a session has a pending approval prompt.
func (b *MessageBus) HasApprovalWaiter(sessionKey string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.approvals[sessionKey]
	return ok
}
