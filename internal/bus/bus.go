package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"yesman/internal/logging"
)

type Kind string

const (
	KindControllerStateChanged Kind = "controller.state_changed"
	KindPromptDetected         Kind = "prompt.detected"
	KindPromptAbstained        Kind = "prompt.abstained"
	KindDecisionMade           Kind = "decision.made"
	KindResponseSent           Kind = "response.sent"
	KindInteractionRecorded    Kind = "interaction.recorded"
	KindCollectorDegraded      Kind = "collector.degraded"
	KindMailboxDegraded        Kind = "mailbox.degraded"
	KindSubscriberLagged       Kind = "subscriber.lagged"
)

type Event struct {
	Kind      Kind
	SessionID string
	Payload   any
	At        time.Time
}

// Filter limits what a subscriber receives. Empty slices match everything.
type Filter struct {
	Sessions []string
	Kinds    []Kind
}

func (f Filter) matches(e Event) bool {
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, e.Kind) {
		return false
	}
	// Terminal lag notices bypass the session filter; they are addressed to
	// the subscriber itself.
	if e.Kind == KindSubscriberLagged {
		return true
	}
	if len(f.Sessions) > 0 && !containsString(f.Sessions, e.SessionID) {
		return false
	}
	return true
}

type Subscriber struct {
	id     string
	ch     chan Event
	filter Filter
}

func (s *Subscriber) ID() string      { return s.id }
func (s *Subscriber) C() <-chan Event { return s.ch }
func (s *Subscriber) Filter() Filter  { return s.filter }

// Bus is the in-process publish/subscribe channel for supervisor events.
// Each subscriber owns a bounded queue; a subscriber that lags past the
// queue depth is dropped with a terminal lag notice. Publishers never
// block.
type Bus struct {
	mu         sync.RWMutex
	subs       map[string]*Subscriber
	queueDepth int
	logger     *slog.Logger
}

const DefaultQueueDepth = 256

func New(queueDepth int, logger *slog.Logger) *Bus {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Bus{
		subs:       map[string]*Subscriber{},
		queueDepth: queueDepth,
		logger:     logger,
	}
}

func (b *Bus) Subscribe(filter Filter) *Subscriber {
	// One extra slot beyond the advertised depth keeps room for the
	// terminal lag notice when a subscriber is dropped.
	sub := &Subscriber{
		id:     uuid.NewString(),
		ch:     make(chan Event, b.queueDepth+1),
		filter: filter,
	}
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub
}

func (b *Bus) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	b.drop(sub.id, false)
}

// Publish delivers the event to every matching subscriber. Delivery is
// best-effort: a full subscriber queue terminates that subscriber only.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	var lagged []string
	b.mu.RLock()
	for id, sub := range b.subs {
		if !sub.filter.matches(e) {
			continue
		}
		if len(sub.ch) >= b.queueDepth {
			lagged = append(lagged, id)
			continue
		}
		select {
		case sub.ch <- e:
		default:
			lagged = append(lagged, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range lagged {
		b.drop(id, true)
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// drop removes the subscriber and closes its channel. Sends happen only
// under the read lock, so holding the write lock here guarantees no send
// is in flight when the channel closes.
func (b *Bus) drop(id string, lagged bool) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.subs, id)
	if lagged {
		notice := Event{
			Kind: KindSubscriberLagged,
			At:   time.Now().UTC(),
			Payload: map[string]any{
				"subscriber_id": id,
				"queue_depth":   b.queueDepth,
			},
		}
		select {
		case sub.ch <- notice:
		default:
		}
	}
	close(sub.ch)
	b.mu.Unlock()
	if lagged {
		b.logger.Warn("subscriber dropped due to lag", "subscriber_id", id, "queue_depth", b.queueDepth)
	}
}

func containsKind(kinds []Kind, k Kind) bool {
	for _, kind := range kinds {
		if kind == k {
			return true
		}
	}
	return false
}

func containsString(values []string, v string) bool {
	for _, value := range values {
		if value == v {
			return true
		}
	}
	return false
}
