// Package events fans out change notifications (toggle writes, recorded
// requests) to connected API clients, across replicas when Redis is set.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/briancaffey/nvidia-nim-kit/internal/logutil"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultChannel is the Redis pub/sub channel shared by all replicas.
const DefaultChannel = "nimkit:events"

const (
	TypeToggleChanged   = "nvidia.toggle.changed"
	TypeAPIKeyUpdated   = "nvidia.api_key.updated"
	TypeAPIKeyDeleted   = "nvidia.api_key.deleted"
	TypeRequestRecorded = "llm.request.recorded"
	TypeRequestUpdated  = "llm.request.updated"
	TypeRequestDeleted  = "llm.request.deleted"
)

// Event is a single notification.
type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// Bus delivers events to local subscribers. With a Redis client, events go
// through pub/sub so every replica sees them exactly once.
type Bus struct {
	client redis.UniversalClient
	logger *logrus.Entry
	ch     string

	mu          sync.RWMutex
	subscribers map[chan Event]struct{}

	stop context.CancelFunc
	done chan struct{}
}

// Options configure the bus.
type Options struct {
	Client  redis.UniversalClient
	Logger  *logrus.Entry
	Channel string
}

// NewBus creates a bus. Call Close to stop the Redis subscriber.
func NewBus(opts Options) *Bus {
	channel := opts.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	logger := opts.Logger
	if logger == nil {
		logger = logutil.New("events")
	}
	bus := &Bus{
		client:      opts.Client,
		logger:      logger,
		ch:          channel,
		subscribers: make(map[chan Event]struct{}),
		done:        make(chan struct{}),
	}
	if bus.client == nil {
		close(bus.done)
		return bus
	}

	ctx, cancel := context.WithCancel(context.Background())
	bus.stop = cancel
	pubsub := bus.client.Subscribe(ctx, bus.ch)
	// wait for the subscription so events published right after NewBus are seen
	if _, err := pubsub.Receive(ctx); err != nil {
		bus.logger.WithError(err).Warn("Redis subscription not confirmed")
	}
	go bus.observeRedis(ctx, pubsub)
	return bus
}

// Publish stamps and delivers an event.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	if b.client == nil {
		b.broadcast(evt)
		return nil
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.ch, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe registers a subscriber until ctx ends or cancel is called.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, func()) {
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, ch)
			close(ch)
			b.mu.Unlock()
		})
	}

	go func() {
		<-ctx.Done()
		cancel()
	}()

	return ch, cancel
}

// Subscribers returns the number of local subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close stops the Redis subscriber and waits for it to exit.
func (b *Bus) Close() {
	if b.stop != nil {
		b.stop()
	}
	<-b.done
}

func (b *Bus) broadcast(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.logger.WithField("event_id", evt.ID).Warn("Dropping event for slow subscriber")
		}
	}
}

func (b *Bus) observeRedis(ctx context.Context, pubsub *redis.PubSub) {
	defer close(b.done)
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			b.logger.WithError(err).Warn("Redis subscriber error")
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}

		var evt Event
		if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
			b.logger.WithError(err).Warn("Invalid event payload")
			continue
		}
		b.broadcast(evt)
	}
}
