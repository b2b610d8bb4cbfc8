package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/danmuck/hubctl/internal/observability"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventSessionStarted   EventType = "session_started"
	EventSessionEnded     EventType = "session_ended"
	EventSessionLost      EventType = "session_lost"
	EventComponentCreated EventType = "component_created"
	EventComponentUpdated EventType = "component_updated"
	EventComponentRemoved EventType = "component_removed"
	EventMessageReceived  EventType = "message_received"
)

// Event is one entry of the renderer feed.
type Event struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	SessionID   string    `json:"session_id"`
	ComponentID string    `json:"component_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Data        any       `json:"data,omitempty"`
}

const (
	defaultSubscriberBuffer = 64
	defaultMirrorBuffer     = 256
	DefaultRedisChannel     = "hub.events"
)

// BusOptions configures a Bus. A nil Client disables the Redis mirror.
type BusOptions struct {
	Client           redis.UniversalClient
	Channel          string
	SubscriberBuffer int
	MirrorBuffer     int
}

// Bus fans events out to in-process subscribers and, optionally, mirrors
// them to a Redis channel for out-of-process renderers. Slow subscribers
// drop events instead of blocking publishers.
type Bus struct {
	client  redis.UniversalClient
	channel string
	bufSize int

	mu          sync.RWMutex
	subscribers map[chan Event]struct{}

	mirror    chan []byte
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func NewBus(opts BusOptions) *Bus {
	if opts.Channel == "" {
		opts.Channel = DefaultRedisChannel
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = defaultSubscriberBuffer
	}
	if opts.MirrorBuffer <= 0 {
		opts.MirrorBuffer = defaultMirrorBuffer
	}
	b := &Bus{
		client:      opts.Client,
		channel:     opts.Channel,
		bufSize:     opts.SubscriberBuffer,
		subscribers: make(map[chan Event]struct{}),
		done:        make(chan struct{}),
	}
	if b.client != nil {
		b.mirror = make(chan []byte, opts.MirrorBuffer)
		b.wg.Add(1)
		go b.runMirror()
	}
	return b
}

// Publish stamps and broadcasts evt. It never blocks on subscribers or Redis.
func (b *Bus) Publish(evt Event) Event {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	b.broadcast(evt)
	if b.mirror != nil {
		b.enqueueMirror(evt)
	}
	return evt
}

// Subscribe registers a subscriber until ctx ends or cancel is called. The
// returned channel is closed on cancel.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, func()) {
	ch := make(chan Event, b.bufSize)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subscribers[ch]; ok {
				delete(b.subscribers, ch)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
		}
		cancel()
	}()
	return ch, cancel
}

// Subscribers returns the number of live subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close stops the mirror and closes every subscriber channel.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		b.mu.Lock()
		for ch := range b.subscribers {
			delete(b.subscribers, ch)
			close(ch)
		}
		b.mu.Unlock()
	})
	b.wg.Wait()
	return nil
}

func (b *Bus) broadcast(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			observability.RecordEventDropped()
			log.Warn().Str("event_id", evt.ID).Str("type", string(evt.Type)).Msg("registry.Bus dropping event (subscriber backlog)")
		}
	}
}

func (b *Bus) enqueueMirror(evt Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		log.Warn().Err(err).Str("event_id", evt.ID).Msg("registry.Bus marshal event")
		return
	}
	select {
	case <-b.done:
	case b.mirror <- payload:
	default:
		observability.RecordEventDropped()
		log.Warn().Str("event_id", evt.ID).Msg("registry.Bus dropping mirrored event (redis backlog)")
	}
}

func (b *Bus) runMirror() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case payload := <-b.mirror:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err := b.client.Publish(ctx, b.channel, payload).Err()
			cancel()
			if err != nil {
				log.Warn().Err(err).Str("channel", b.channel).Msg("registry.Bus redis publish")
			}
		}
	}
}
