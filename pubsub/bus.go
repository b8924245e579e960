package pubsub

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// ChannelProgress is the process-wide progress topic.
const ChannelProgress = "progress_updates"

// tailSize bounds the in-memory buffer of recent events.
const tailSize = 100

// Progress statuses carried by Event.
const (
	StatusInserting  = "inserting"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

// Event is one progress update published to subscribers.
type Event struct {
	Type      string  `json:"type"`
	Status    string  `json:"status"`
	Progress  float64 `json:"progress"`
	Total     int64   `json:"total"`
	Processed int64   `json:"processed"`
	Message   string  `json:"message"`
}

// NewProgressEvent fills in the type tag and clamps progress to [0,1].
func NewProgressEvent(status string, total, processed int64, message string) Event {
	progress := 0.0
	if total > 0 {
		progress = float64(processed) / float64(total)
	}
	if status == StatusCompleted {
		progress = 1
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	return Event{
		Type:      "progress",
		Status:    status,
		Progress:  progress,
		Total:     total,
		Processed: processed,
		Message:   message,
	}
}

// Subscription is one live callback registration on a channel.
type Subscription struct {
	channel string
	ps      *redis.PubSub
	bus     *Bus
	once    sync.Once
}

// Close stops delivery to this subscription only.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		s.bus.drop(s)
		err = s.ps.Close()
	})
	return err
}

// Bus fans progress events out to subscribers over a Redis channel and keeps
// a bounded tail of recent events for polling consumers. It is safe for
// concurrent publishers; each subscription is drained by its own goroutine in
// arrival order.
type Bus struct {
	client redis.UniversalClient
	logger log.Logger

	mu   sync.Mutex
	subs map[*Subscription]struct{}
	tail []Event
	wg   sync.WaitGroup
}

// NewBus wraps the Redis client into a progress bus.
func NewBus(client redis.UniversalClient, logger log.Logger) *Bus {
	return &Bus{
		client: client,
		logger: log.With(logger, "component", "pubsub"),
		subs:   map[*Subscription]struct{}{},
	}
}

// Publish sends the event to every subscriber of the channel. Delivery is
// at-most-once within a process.
func (b *Bus) Publish(ctx context.Context, channel string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	return b.client.Publish(ctx, channel, payload).Err()
}

// Subscribe registers a callback invoked for each event on the channel, in
// arrival order. Multiple subscriptions may share a channel; each gets its
// own delivery goroutine.
func (b *Bus) Subscribe(ctx context.Context, channel string, fn func(Event)) (*Subscription, error) {
	ps := b.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errors.Wrapf(err, "subscribe %s", channel)
	}
	sub := &Subscription{channel: channel, ps: ps, bus: b}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range ps.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				level.Warn(b.logger).Log("msg", "dropping non-event payload", "channel", channel, "err", err)
				continue
			}
			fn(ev)
		}
	}()
	return sub, nil
}

// Unsubscribe closes every subscription on the channel.
func (b *Bus) Unsubscribe(channel string) error {
	b.mu.Lock()
	var doomed []*Subscription
	for sub := range b.subs {
		if sub.channel == channel {
			doomed = append(doomed, sub)
		}
	}
	b.mu.Unlock()
	var firstErr error
	for _, sub := range doomed {
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (b *Bus) drop(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// StartTail subscribes the bus itself to the progress channel, feeding the
// bounded in-memory buffer read by PullNext.
func (b *Bus) StartTail(ctx context.Context) error {
	_, err := b.Subscribe(ctx, ChannelProgress, func(ev Event) {
		b.mu.Lock()
		b.tail = append(b.tail, ev)
		if len(b.tail) > tailSize {
			b.tail = b.tail[len(b.tail)-tailSize:]
		}
		b.mu.Unlock()
	})
	return err
}

// PullNext pops the oldest buffered event, reporting false when the buffer
// is empty.
func (b *Bus) PullNext() (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.tail) == 0 {
		return Event{}, false
	}
	ev := b.tail[0]
	b.tail = b.tail[1:]
	return ev, true
}

// Close tears down every subscription and waits for their goroutines.
func (b *Bus) Close() error {
	b.mu.Lock()
	var doomed []*Subscription
	for sub := range b.subs {
		doomed = append(doomed, sub)
	}
	b.mu.Unlock()
	for _, sub := range doomed {
		_ = sub.Close()
	}
	b.wg.Wait()
	return nil
}
