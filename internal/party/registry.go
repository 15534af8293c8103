package party

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Leftyshields/better-white-elephant-sub001/internal/broadcast"
	"github.com/Leftyshields/better-white-elephant-sub001/internal/game"
	"github.com/Leftyshields/better-white-elephant-sub001/internal/metrics"
	"github.com/Leftyshields/better-white-elephant-sub001/internal/store"
)

// Registry maps party ids to live actors. Actors are spawned lazily on
// first use and reaped after a quiescence window with no subscribers.
type Registry struct {
	mu     sync.Mutex
	actors map[string]*Actor

	store   store.Store
	bcast   *broadcast.Broadcaster
	metrics *metrics.Metrics

	mailboxCap int
	idleTTL    time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
}

// RegistryOption tunes a Registry.
type RegistryOption func(*Registry)

// WithMailboxCap sets the per-actor mailbox capacity.
func WithMailboxCap(n int) RegistryOption {
	return func(r *Registry) { r.mailboxCap = n }
}

// WithIdleTTL sets how long an actor with no subscribers and no commands
// stays resident.
func WithIdleTTL(d time.Duration) RegistryOption {
	return func(r *Registry) { r.idleTTL = d }
}

// NewRegistry creates the registry and starts the idle reaper.
func NewRegistry(st store.Store, bcast *broadcast.Broadcaster, m *metrics.Metrics, opts ...RegistryOption) *Registry {
	r := &Registry{
		actors:     make(map[string]*Actor),
		store:      st,
		bcast:      bcast,
		metrics:    m,
		mailboxCap: 64,
		idleTTL:    10 * time.Minute,
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.wg.Add(1)
	go r.reaper()
	return r
}

// Resolve returns the live actor for a party, spawning one if needed.
// At most one actor exists per id at any time.
func (r *Registry) Resolve(ctx context.Context, partyID string) (*Actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.actors[partyID]; ok {
		a.touch()
		return a, nil
	}

	a, err := newActor(ctx, partyID, r.store, r.bcast, r.metrics, r.mailboxCap)
	if err != nil {
		return nil, err
	}
	r.actors[partyID] = a
	slog.Info("[PartyRegistry] Actor spawned", "party_id", partyID)
	return a, nil
}

// Submit resolves the party's actor and runs one command through it.
func (r *Registry) Submit(ctx context.Context, partyID string, cmd game.Command) Result {
	a, err := r.Resolve(ctx, partyID)
	if err != nil {
		return Result{Err: err}
	}
	return a.Submit(ctx, cmd)
}

// Snapshot returns the actor's current party state.
func (r *Registry) Snapshot(ctx context.Context, partyID string) (*game.Party, error) {
	a, err := r.Resolve(ctx, partyID)
	if err != nil {
		return nil, err
	}
	return a.Snapshot(ctx)
}

// ActorCount reports the number of resident actors.
func (r *Registry) ActorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

// Stop shuts down the reaper and every resident actor.
func (r *Registry) Stop() {
	close(r.stop)
	r.wg.Wait()

	r.mu.Lock()
	actors := make([]*Actor, 0, len(r.actors))
	for _, a := range r.actors {
		actors = append(actors, a)
	}
	r.actors = make(map[string]*Actor)
	r.mu.Unlock()

	for _, a := range actors {
		a.shutdown()
	}
}

func (r *Registry) reaper() {
	defer r.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.evictIdle()
		}
	}
}

// evictIdle removes actors that have had no commands for the idle window and
// have no subscribed sessions. The actor's durable state is untouched; the
// next command respawns it from the store.
func (r *Registry) evictIdle() {
	now := time.Now()
	var victims []*Actor

	r.mu.Lock()
	for id, a := range r.actors {
		if now.Sub(a.idleSince()) < r.idleTTL {
			continue
		}
		if r.bcast.SubscriberCount(id) > 0 {
			continue
		}
		delete(r.actors, id)
		victims = append(victims, a)
	}
	r.mu.Unlock()

	for _, a := range victims {
		slog.Info("[PartyRegistry] Reaping idle actor", "party_id", a.partyID)
		a.shutdown()
	}
}
