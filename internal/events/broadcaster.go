package events

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by Subscribe after the broadcaster has been closed.
var ErrClosed = errors.New("broadcaster closed")

// Message is a single status line published to stream subscribers.
type Message struct {
	// ID is a time-ordered identifier (UUIDv7) sent as the SSE id field.
	ID string

	// Text is the human-readable status line.
	Text string

	// At is when the message was published.
	At time.Time
}

// Broadcaster fans every published status message out to all currently
// registered subscribers. Each subscriber has its own buffered channel, so
// a slow browser never blocks the call handler or other subscribers: when a
// subscriber's buffer is full the message is dropped for that subscriber
// only and counted.
//
// The most recent messages are kept in a bounded backlog that is replayed
// to a subscriber when it registers, in publish order.
type Broadcaster struct {
	mu         sync.Mutex
	subs       map[*Subscription]struct{}
	backlog    []Message
	maxBacklog int
	bufSize    int
	closed     bool
	published  uint64
	dropped    uint64
	logger     *slog.Logger
}

// NewBroadcaster creates a broadcaster that replays up to backlog messages
// to new subscribers and buffers up to buffer undelivered messages per
// subscriber.
func NewBroadcaster(backlog, buffer int, logger *slog.Logger) *Broadcaster {
	if buffer < 1 {
		buffer = 1
	}
	if backlog < 0 {
		backlog = 0
	}
	return &Broadcaster{
		subs:       make(map[*Subscription]struct{}),
		backlog:    make([]Message, 0, backlog),
		maxBacklog: backlog,
		bufSize:    buffer,
		logger:     logger.With("subsystem", "event_stream"),
	}
}

// Subscription is one registered stream consumer. Messages arrive on the
// channel returned by Messages in publish order; the channel is closed when
// the subscription is closed or the broadcaster shuts down.
type Subscription struct {
	ch     chan Message
	b      *Broadcaster
	closed bool // guarded by b.mu
}

// Messages returns the receive side of the subscription.
func (s *Subscription) Messages() <-chan Message {
	return s.ch
}

// Close unregisters the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.removeLocked(s)
}

// Subscribe registers a new subscriber. The current backlog is queued on
// the subscription before any later message can be published.
func (b *Broadcaster) Subscribe() (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	sub := &Subscription{
		ch: make(chan Message, b.bufSize+len(b.backlog)),
		b:  b,
	}
	for _, msg := range b.backlog {
		sub.ch <- msg
	}
	b.subs[sub] = struct{}{}

	b.logger.Debug("stream subscriber added", "subscribers", len(b.subs), "replayed", len(b.backlog))
	return sub, nil
}

// Publish stamps text with an id and delivers it to every subscriber.
// Messages published after Close are discarded.
func (b *Broadcaster) Publish(text string) {
	msg := Message{ID: newMessageID(), Text: text, At: time.Now()}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.published++

	if b.maxBacklog > 0 {
		if len(b.backlog) == b.maxBacklog {
			copy(b.backlog, b.backlog[1:])
			b.backlog = b.backlog[:len(b.backlog)-1]
		}
		b.backlog = append(b.backlog, msg)
	}

	for sub := range b.subs {
		select {
		case sub.ch <- msg:
		default:
			b.dropped++
			b.logger.Warn("stream subscriber buffer full, dropping message",
				"message_id", msg.ID,
			)
		}
	}
}

// Close closes every subscription and rejects further subscribers.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		b.removeLocked(sub)
	}
	b.logger.Debug("event stream closed")
}

// SubscriberCount returns the number of registered subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Published returns the total number of messages published.
func (b *Broadcaster) Published() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published
}

// Dropped returns the number of per-subscriber deliveries skipped because
// a subscriber's buffer was full.
func (b *Broadcaster) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *Broadcaster) removeLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	delete(b.subs, sub)
	close(sub.ch)
}

// newMessageID returns a time-ordered UUIDv7, falling back to a random
// UUID if the clock sequence cannot be generated.
func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
