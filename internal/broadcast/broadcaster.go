// Package broadcast fans authoritative party updates out to subscribed
// sessions. Delivery per sink is at-most-once per state version and strictly
// version-ordered; slow consumers are dropped rather than allowed to stall
// the publisher.
package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// Message is one outbound frame. StateVersion is zero for non-snapshot
// notifications (reactions, admin feedback), which are never superseded.
type Message struct {
	Event        string          `json:"event"`
	PartyID      string          `json:"partyId"`
	StateVersion int64           `json:"stateVersion,omitempty"`
	Data         json.RawMessage `json:"data"`
}

// Sink receives broadcast frames. Deliver must not block; it returns false
// when the sink's outbound queue is full, which drops the sink.
type Sink interface {
	SessionID() string
	Deliver(msg Message) bool
	DropSlow()
}

type subscription struct {
	sink        Sink
	lastVersion int64
}

// Broadcaster is the per-process fan-out registry. When a Bus is attached,
// published frames also travel to other pods and frames received from the
// bus are fanned out locally.
type Broadcaster struct {
	mu      sync.RWMutex
	parties map[string]map[string]*subscription

	bus Bus
}

// New creates a Broadcaster. bus may be nil for single-pod deployments.
func New(bus Bus) *Broadcaster {
	b := &Broadcaster{
		parties: make(map[string]map[string]*subscription),
		bus:     bus,
	}
	if bus != nil {
		bus.SetHandler(b.deliverLocal)
	}
	return b
}

// Subscribe registers a sink for a party's updates.
func (b *Broadcaster) Subscribe(partyID string, sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.parties[partyID] == nil {
		b.parties[partyID] = make(map[string]*subscription)
	}
	b.parties[partyID][sink.SessionID()] = &subscription{sink: sink}
}

// Unsubscribe removes one sink from one party.
func (b *Broadcaster) Unsubscribe(partyID, sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(partyID, sessionID)
}

func (b *Broadcaster) removeLocked(partyID, sessionID string) {
	if subs := b.parties[partyID]; subs != nil {
		delete(subs, sessionID)
		if len(subs) == 0 {
			delete(b.parties, partyID)
		}
	}
}

// SubscriberCount reports how many sinks follow a party; the registry uses
// it for idle reaping.
func (b *Broadcaster) SubscriberCount(partyID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.parties[partyID])
}

// Publish fans a frame out to local subscribers and, when a bus is
// attached, to every other pod.
func (b *Broadcaster) Publish(ctx context.Context, msg Message) {
	b.deliverLocal(msg)

	if b.bus != nil {
		if err := b.bus.Publish(ctx, msg); err != nil {
			slog.Warn("[Broadcaster] Bus publish failed, local-only delivery", "party_id", msg.PartyID, "error", err)
		}
	}
}

func (b *Broadcaster) deliverLocal(msg Message) {
	b.mu.Lock()
	subs := b.parties[msg.PartyID]
	targets := make([]*subscription, 0, len(subs))
	for _, sub := range subs {
		// Versioned frames are monotone per sink: a stale or duplicate
		// snapshot is superseded and never delivered.
		if msg.StateVersion != 0 {
			if msg.StateVersion <= sub.lastVersion {
				continue
			}
			sub.lastVersion = msg.StateVersion
		}
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	var dropped []Sink
	for _, sub := range targets {
		if !sub.sink.Deliver(msg) {
			dropped = append(dropped, sub.sink)
		}
	}

	if len(dropped) == 0 {
		return
	}
	b.mu.Lock()
	for _, sink := range dropped {
		b.removeLocked(msg.PartyID, sink.SessionID())
	}
	b.mu.Unlock()
	for _, sink := range dropped {
		slog.Warn("[Broadcaster] Dropping slow consumer", "party_id", msg.PartyID, "session_id", sink.SessionID())
		sink.DropSlow()
	}
}
