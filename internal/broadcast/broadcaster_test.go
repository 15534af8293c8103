package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	id       string
	capacity int

	mu       sync.Mutex
	received []Message
	dropped  bool
}

func newFakeSink(id string, capacity int) *fakeSink {
	return &fakeSink{id: id, capacity: capacity}
}

func (s *fakeSink) SessionID() string { return s.id }

func (s *fakeSink) Deliver(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.received) >= s.capacity {
		return false
	}
	s.received = append(s.received, msg)
	return true
}

func (s *fakeSink) DropSlow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped = true
}

func (s *fakeSink) messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.received...)
}

func snapshot(partyID string, version int64) Message {
	return Message{
		Event:        "game_state_update",
		PartyID:      partyID,
		StateVersion: version,
		Data:         json.RawMessage(`{}`),
	}
}

func TestPublishFansOutToPartySubscribers(t *testing.T) {
	b := New(nil)
	a := newFakeSink("a", 16)
	c := newFakeSink("c", 16)
	other := newFakeSink("other", 16)
	b.Subscribe("party-1", a)
	b.Subscribe("party-1", c)
	b.Subscribe("party-2", other)

	b.Publish(context.Background(), snapshot("party-1", 1))

	assert.Len(t, a.messages(), 1)
	assert.Len(t, c.messages(), 1)
	assert.Empty(t, other.messages(), "subscribers of other parties must not receive the frame")
	assert.Equal(t, 2, b.SubscriberCount("party-1"))
}

func TestStaleVersionsAreSuperseded(t *testing.T) {
	b := New(nil)
	s := newFakeSink("s", 16)
	b.Subscribe("party-1", s)

	b.Publish(context.Background(), snapshot("party-1", 3))
	b.Publish(context.Background(), snapshot("party-1", 3)) // duplicate
	b.Publish(context.Background(), snapshot("party-1", 2)) // stale
	b.Publish(context.Background(), snapshot("party-1", 5))

	msgs := s.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(3), msgs[0].StateVersion)
	assert.Equal(t, int64(5), msgs[1].StateVersion)
}

func TestUnversionedFramesAlwaysDeliver(t *testing.T) {
	b := New(nil)
	s := newFakeSink("s", 16)
	b.Subscribe("party-1", s)

	b.Publish(context.Background(), snapshot("party-1", 7))
	reaction := Message{Event: "reaction_received", PartyID: "party-1", Data: json.RawMessage(`{"emoji":"🎁"}`)}
	b.Publish(context.Background(), reaction)
	b.Publish(context.Background(), reaction)

	assert.Len(t, s.messages(), 3)
}

func TestSlowConsumerIsDropped(t *testing.T) {
	b := New(nil)
	slow := newFakeSink("slow", 1)
	fast := newFakeSink("fast", 16)
	b.Subscribe("party-1", slow)
	b.Subscribe("party-1", fast)

	b.Publish(context.Background(), snapshot("party-1", 1))
	b.Publish(context.Background(), snapshot("party-1", 2))

	assert.True(t, slow.dropped)
	assert.Equal(t, 1, b.SubscriberCount("party-1"))
	assert.Len(t, fast.messages(), 2, "remaining subscribers keep receiving")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(nil)
	s := newFakeSink("s", 16)
	b.Subscribe("party-1", s)
	b.Unsubscribe("party-1", "s")

	b.Publish(context.Background(), snapshot("party-1", 1))

	assert.Empty(t, s.messages())
	assert.Zero(t, b.SubscriberCount("party-1"))
}

// fakePubSub delivers published payloads synchronously to every subscriber,
// the publisher included, matching Redis Pub/Sub semantics.
type fakePubSub struct {
	mu       sync.Mutex
	handlers map[string][]func([]byte)
}

func newFakePubSub() *fakePubSub {
	return &fakePubSub{handlers: make(map[string][]func([]byte))}
}

func (f *fakePubSub) Publish(_ context.Context, channel string, message []byte) error {
	f.mu.Lock()
	handlers := append(([]func([]byte))(nil), f.handlers[channel]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(message)
	}
	return nil
}

func (f *fakePubSub) Subscribe(_ context.Context, channel string, handler func([]byte)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[channel] = append(f.handlers[channel], handler)
	return func() {}, nil
}

func TestRedisBusBridgesPods(t *testing.T) {
	pubsub := newFakePubSub()

	busA, err := NewRedisBus(pubsub, "")
	require.NoError(t, err)
	busB, err := NewRedisBus(pubsub, "")
	require.NoError(t, err)

	podA := New(busA)
	podB := New(busB)

	local := newFakeSink("local", 16)
	remote := newFakeSink("remote", 16)
	podA.Subscribe("party-1", local)
	podB.Subscribe("party-1", remote)

	podA.Publish(context.Background(), snapshot("party-1", 1))

	require.Len(t, local.messages(), 1, "publishing pod delivers locally exactly once")
	require.Len(t, remote.messages(), 1, "remote pod receives via the bus")
	assert.Equal(t, int64(1), remote.messages()[0].StateVersion)
}
