package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Bus carries broadcast frames between pods. A single-pod deployment runs
// without one.
type Bus interface {
	// Publish sends a frame to every other pod.
	Publish(ctx context.Context, msg Message) error

	// SetHandler registers the callback invoked for frames published by
	// other pods. Frames published by this pod are never echoed back.
	SetHandler(fn func(Message))

	Close() error
}

// PubSubClient is the minimal Redis Pub/Sub surface the bus needs. Kept as
// an interface so tests can run against an in-memory fake.
type PubSubClient interface {
	// Publish sends a message to a Redis channel.
	Publish(ctx context.Context, channel string, message []byte) error

	// Subscribe registers a callback for messages on a channel.
	// Returns an unsubscribe function.
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (unsubscribe func(), err error)
}

// busFrame is the wire form of a cross-pod frame. Origin lets each pod skip
// its own publications, since Redis delivers to every subscriber including
// the publisher.
type busFrame struct {
	Origin  string  `json:"origin"`
	Message Message `json:"message"`
}

// RedisBus distributes frames across pods using Redis Pub/Sub on a single
// shared channel.
type RedisBus struct {
	mu      sync.RWMutex
	pubsub  PubSubClient
	channel string
	origin  string
	handler func(Message)
	unsub   func()
	closed  bool
}

// NewRedisBus creates the bus and subscribes to the shared channel.
func NewRedisBus(client PubSubClient, channel string) (*RedisBus, error) {
	if channel == "" {
		channel = "we:broadcast"
	}
	b := &RedisBus{
		pubsub:  client,
		channel: channel,
		origin:  uuid.New().String(),
	}

	unsub, err := client.Subscribe(context.Background(), channel, b.receive)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	b.unsub = unsub

	return b, nil
}

func (b *RedisBus) SetHandler(fn func(Message)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = fn
}

func (b *RedisBus) Publish(ctx context.Context, msg Message) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("bus is closed")
	}
	b.mu.RUnlock()

	data, err := json.Marshal(busFrame{Origin: b.origin, Message: msg})
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return b.pubsub.Publish(ctx, b.channel, data)
}

func (b *RedisBus) receive(data []byte) {
	var frame busFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		slog.Warn("[RedisBus] Failed to unmarshal frame", "error", err)
		return
	}
	if frame.Origin == b.origin {
		return
	}

	b.mu.RLock()
	handler := b.handler
	b.mu.RUnlock()
	if handler != nil {
		handler(frame.Message)
	}
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.unsub != nil {
		b.unsub()
	}
	slog.Info("[RedisBus] Closed")
	return nil
}
