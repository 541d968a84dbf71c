// Package autostart turns "entity submitted" events into workflow starts.
// Producers publish a SubmissionEvent; a Consumer reads them from a Source
// and calls the engine.
package autostart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/pmisflow/internal/observability"
	"github.com/pitabwire/pmisflow/model"
)

// SubmissionEvent announces that an entity was submitted for approval.
type SubmissionEvent struct {
	EventID     string         `json:"event_id"`
	EntityType  string         `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	Entity      map[string]any `json:"entity,omitempty"`
	Module      *model.Module  `json:"module,omitempty"`
	SubmittedBy string         `json:"submitted_by"`
	// Trace carries the publisher's trace context.
	Trace map[string]string `json:"trace,omitempty"`
}

// Publisher accepts submission events.
type Publisher interface {
	Publish(ctx context.Context, ev SubmissionEvent) error
}

// Source delivers submission events to a single consumer. The returned
// channel is closed when ctx is cancelled.
type Source interface {
	Subscribe(ctx context.Context) (<-chan SubmissionEvent, error)
}

// ErrClosed is returned by Publish after the source has been closed.
var ErrClosed = errors.New("autostart: source closed")

// stamp fills the event ID and trace context before publishing.
func stamp(ctx context.Context, ev SubmissionEvent) SubmissionEvent {
	if ev.EventID == "" {
		ev.EventID = uuid.New().String()
	}
	if ev.Trace == nil {
		ev.Trace = map[string]string{}
		observability.InjectTraceContext(ctx, ev.Trace)
	}
	return ev
}

// --- ChannelSource ---

// ChannelSource is an in-process Source backed by a buffered channel.
type ChannelSource struct {
	mu     sync.RWMutex
	ch     chan SubmissionEvent
	closed bool
}

// NewChannelSource creates a ChannelSource with the given buffer size.
func NewChannelSource(buffer int) *ChannelSource {
	if buffer < 0 {
		buffer = 0
	}
	return &ChannelSource{ch: make(chan SubmissionEvent, buffer)}
}

// Publish enqueues ev, blocking while the buffer is full.
func (s *ChannelSource) Publish(ctx context.Context, ev SubmissionEvent) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.ch <- stamp(ctx, ev):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe returns the event channel. Events published before the consumer
// subscribed are delivered from the buffer.
func (s *ChannelSource) Subscribe(ctx context.Context) (<-chan SubmissionEvent, error) {
	out := make(chan SubmissionEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-s.ch:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close stops accepting events. Buffered events are still delivered.
func (s *ChannelSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// --- RedisSource ---

// RedisSource publishes and receives events as JSON over Redis pub/sub.
type RedisSource struct {
	client  redis.UniversalClient
	channel string
	logger  *zap.Logger
}

// NewRedisSource creates a RedisSource on the given channel.
func NewRedisSource(client redis.UniversalClient, channel string, logger *zap.Logger) *RedisSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisSource{client: client, channel: channel, logger: logger}
}

// Publish sends ev on the channel.
func (s *RedisSource) Publish(ctx context.Context, ev SubmissionEvent) error {
	data, err := json.Marshal(stamp(ctx, ev))
	if err != nil {
		return fmt.Errorf("autostart: marshal event: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, data).Err(); err != nil {
		return fmt.Errorf("autostart: redis publish %q: %w", s.channel, err)
	}
	return nil
}

// Subscribe subscribes to the channel and waits for the subscription to be
// confirmed. Payloads that do not decode are logged and dropped.
func (s *RedisSource) Subscribe(ctx context.Context) (<-chan SubmissionEvent, error) {
	sub := s.client.Subscribe(ctx, s.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("autostart: redis subscribe %q: %w", s.channel, err)
	}

	out := make(chan SubmissionEvent)
	msgs := sub.Channel()
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev SubmissionEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					s.logger.Warn("dropping malformed submission event",
						zap.String("channel", msg.Channel),
						zap.Error(err),
					)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// HealthCheck pings the Redis server backing the channel.
func (s *RedisSource) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
