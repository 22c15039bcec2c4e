package notify

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"posgate/observability"
)

const historyLimit = 2048

// EventTypePaymentConfirmed announces a verified payment.
const EventTypePaymentConfirmed = "payment_confirmed"

// Event is a merchant-facing notification.
type Event struct {
	Sequence   uint64  `json:"sequence"`
	Cursor     string  `json:"cursor"`
	Type       string  `json:"type"`
	InvoiceID  string  `json:"invoice_id,omitempty"`
	MerchantID string  `json:"merchant_id,omitempty"`
	Status     string  `json:"status,omitempty"`
	Amount     float64 `json:"amount,omitempty"`
	TxHash     string  `json:"transaction_hash,omitempty"`
	Timestamp  string  `json:"timestamp"`
	Message    string  `json:"message,omitempty"`
}

// Sink receives merchant notifications. Implementations must not block the
// caller; delivery is best-effort by contract.
type Sink interface {
	Broadcast(merchantID string, event Event)
}

type subscriber struct {
	merchant string
	ch       chan Event
}

// Hub fans events out to subscribed merchants. Slow subscribers lose events
// rather than blocking the publisher; a bounded history allows reconnecting
// clients to replay from a cursor.
type Hub struct {
	mu      sync.Mutex
	seq     uint64
	nextID  uint64
	subs    map[uint64]subscriber
	history []Event

	metrics *observability.VerifierMetrics
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs:    make(map[uint64]subscriber),
		metrics: observability.Verifier(),
	}
}

// Broadcast publishes an event to every subscriber watching merchantID.
// Never blocks: full subscriber buffers drop the event.
func (h *Hub) Broadcast(merchantID string, event Event) {
	merchantID = strings.TrimSpace(merchantID)
	event.MerchantID = merchantID
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	h.mu.Lock()
	h.seq++
	event.Sequence = h.seq
	event.Cursor = strconv.FormatUint(h.seq, 10)
	h.history = append(h.history, event)
	if len(h.history) > historyLimit {
		excess := len(h.history) - historyLimit
		trimmed := make([]Event, historyLimit)
		copy(trimmed, h.history[excess:])
		h.history = trimmed
	}
	targets := make([]chan Event, 0, len(h.subs))
	for _, sub := range h.subs {
		if sub.merchant == "" || sub.merchant == merchantID {
			targets = append(targets, sub.ch)
		}
	}
	h.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- event:
		default:
			h.metrics.ObserveDroppedNotification()
		}
	}
}

// Subscribe registers a listener for merchantID (empty means all merchants)
// starting after the supplied cursor. The returned cancel releases the
// subscription; it also fires when ctx is done.
func (h *Hub) Subscribe(ctx context.Context, merchantID, cursor string) (<-chan Event, func(), []Event) {
	events := make(chan Event, 32)
	merchantID = strings.TrimSpace(merchantID)

	var since uint64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		if parsed, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
			since = parsed
		}
	}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = subscriber{merchant: merchantID, ch: events}
	history := make([]Event, len(h.history))
	copy(history, h.history)
	h.mu.Unlock()

	backlog := make([]Event, 0, len(history))
	for _, entry := range history {
		if entry.Sequence <= since {
			continue
		}
		if merchantID != "" && entry.MerchantID != merchantID {
			continue
		}
		backlog = append(backlog, entry)
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub.ch)
			}
			h.mu.Unlock()
		})
	}

	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}

	return events, cancel, backlog
}

// Len reports the number of live subscriptions. Primarily for testing.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
