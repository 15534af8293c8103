// Package party serializes all authoritative mutations for a party behind a
// single goroutine. One actor owns one party's in-memory state; every
// command, whatever its origin, goes through the actor's mailbox.
package party

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Leftyshields/better-white-elephant-sub001/internal/broadcast"
	"github.com/Leftyshields/better-white-elephant-sub001/internal/game"
	"github.com/Leftyshields/better-white-elephant-sub001/internal/metrics"
	"github.com/Leftyshields/better-white-elephant-sub001/internal/store"
)

var (
	// ErrBusy reports a full mailbox; the client may retry.
	ErrBusy = errors.New("party mailbox full")

	// ErrTimeout reports a command whose deadline passed before the actor
	// got to it.
	ErrTimeout = errors.New("command deadline exceeded")

	// ErrStopped reports a command submitted to an actor that has shut down.
	ErrStopped = errors.New("party actor stopped")
)

// Result is the actor's reply to one command.
type Result struct {
	Party  *game.Party
	Events []game.Event
	Err    error
}

type envelopeKind int

const (
	kindCommand envelopeKind = iota
	kindSnapshot
	kindRefresh
)

type envelope struct {
	kind     envelopeKind
	cmd      game.Command
	deadline time.Time
	reply    chan Result // nil for fire-and-forget
}

// Actor owns the authoritative state of one party. It is created by the
// Registry and runs until evicted or stopped.
type Actor struct {
	partyID string
	store   store.Store
	bcast   *broadcast.Broadcaster
	metrics *metrics.Metrics

	mailbox chan envelope
	stop    chan struct{}
	stopped chan struct{}
	unsub   func()

	mu       sync.Mutex
	lastSeen time.Time

	// Mutated only by the run goroutine.
	party  *game.Party
	roster game.Roster
}

// newActor loads the party's snapshot and roster and starts the run loop.
func newActor(ctx context.Context, partyID string, st store.Store, bcast *broadcast.Broadcaster, m *metrics.Metrics, mailboxCap int) (*Actor, error) {
	p, err := st.LoadParty(ctx, partyID)
	if err != nil {
		return nil, err
	}
	roster, err := st.LoadRoster(ctx, partyID)
	if err != nil {
		return nil, fmt.Errorf("load roster for %s: %w", partyID, err)
	}

	a := &Actor{
		partyID:  partyID,
		store:    st,
		bcast:    bcast,
		metrics:  m,
		mailbox:  make(chan envelope, mailboxCap),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
		lastSeen: time.Now(),
		party:    p,
		roster:   roster,
	}

	// External lobby flows (self-signup, gift submission) mutate the roster
	// behind the actor's back; changes arrive as synthetic refresh commands
	// through the same mailbox.
	a.unsub = st.SubscribeExternal(partyID, func(store.ExternalChange) {
		select {
		case a.mailbox <- envelope{kind: kindRefresh}:
		default:
			// A refresh is already queued or the mailbox is full; the next
			// one will catch up.
		}
	})

	a.metrics.ActorStarted()
	go a.run()
	return a, nil
}

// Submit enqueues a command and waits for the actor's reply. The command's
// deadline is taken from ctx; a full mailbox returns ErrBusy immediately.
func (a *Actor) Submit(ctx context.Context, cmd game.Command) Result {
	env := envelope{
		kind:  kindCommand,
		cmd:   cmd,
		reply: make(chan Result, 1),
	}
	if d, ok := ctx.Deadline(); ok {
		env.deadline = d
	}

	select {
	case a.mailbox <- env:
	case <-a.stopped:
		return Result{Err: ErrStopped}
	default:
		a.metrics.RecordMailboxReject()
		return Result{Err: ErrBusy}
	}

	select {
	case res := <-env.reply:
		return res
	case <-ctx.Done():
		// The actor still processes the command; the reply is discarded.
		return Result{Err: ctx.Err()}
	case <-a.stopped:
		return Result{Err: ErrStopped}
	}
}

// Snapshot returns the actor's current view of the party, serialized through
// the mailbox so it never races a mutation.
func (a *Actor) Snapshot(ctx context.Context) (*game.Party, error) {
	env := envelope{kind: kindSnapshot, reply: make(chan Result, 1)}

	select {
	case a.mailbox <- env:
	case <-a.stopped:
		return nil, ErrStopped
	default:
		return nil, ErrBusy
	}

	select {
	case res := <-env.reply:
		return res.Party, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.stopped:
		return nil, ErrStopped
	}
}

func (a *Actor) touch() {
	a.mu.Lock()
	a.lastSeen = time.Now()
	a.mu.Unlock()
}

func (a *Actor) idleSince() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastSeen
}

func (a *Actor) run() {
	defer close(a.stopped)
	defer a.metrics.ActorStopped()
	defer a.unsub()

	for {
		select {
		case <-a.stop:
			a.drain()
			return
		case env := <-a.mailbox:
			a.handle(env)
		}
	}
}

// drain answers queued senders so nobody blocks on a dead actor.
func (a *Actor) drain() {
	for {
		select {
		case env := <-a.mailbox:
			if env.reply != nil {
				env.reply <- Result{Err: ErrStopped}
			}
		default:
			return
		}
	}
}

func (a *Actor) handle(env envelope) {
	a.touch()

	switch env.kind {
	case kindRefresh:
		a.refreshRoster()
		return
	case kindSnapshot:
		env.reply <- Result{Party: a.party.Clone()}
		return
	}

	res := a.process(env)
	if env.reply != nil {
		env.reply <- res
	}
}

func (a *Actor) refreshRoster() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	roster, err := a.store.LoadRoster(ctx, a.partyID)
	if err != nil {
		slog.Warn("[PartyActor] Roster refresh failed", "party_id", a.partyID, "error", err)
		return
	}
	a.roster = roster
}

func (a *Actor) process(env envelope) Result {
	start := time.Now()
	cmdType := string(env.cmd.Type())

	if !env.deadline.IsZero() && start.After(env.deadline) {
		a.metrics.RecordCommand(cmdType, "error", time.Since(start).Seconds())
		return Result{Err: ErrTimeout}
	}

	res := a.apply(env.cmd, start.UTC())

	result := "ok"
	if res.Err != nil {
		var rule *game.RuleError
		if errors.As(res.Err, &rule) {
			result = "violation"
			a.metrics.RecordViolation(string(rule.Kind))
		} else {
			result = "error"
		}
	}
	a.metrics.RecordCommand(cmdType, result, time.Since(start).Seconds())
	return res
}

// apply runs the rule engine and persists the outcome via compare-and-set.
// A CAS conflict means something rewrote the snapshot underneath us (external
// reconfiguration); reload once and retry before giving up.
func (a *Actor) apply(cmd game.Command, now time.Time) Result {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for attempt := 0; ; attempt++ {
		next, events, err := game.Apply(a.party, a.roster, cmd, now)
		if err != nil {
			return Result{Err: err}
		}

		expected := a.party.StateVersion
		next.StateVersion = expected + 1
		next.UpdatedAt = now

		err = a.store.WriteParty(ctx, expected, next)
		if err == nil {
			a.commit(ctx, next, events, cmd)
			return Result{Party: next, Events: events}
		}
		if !errors.Is(err, store.ErrVersionConflict) || attempt >= 1 {
			return Result{Err: fmt.Errorf("persist party %s: %w", a.partyID, err)}
		}

		a.metrics.RecordWriteConflict()
		reloaded, loadErr := a.store.LoadParty(ctx, a.partyID)
		if loadErr != nil {
			return Result{Err: fmt.Errorf("reload party %s after conflict: %w", a.partyID, loadErr)}
		}
		a.party = reloaded
	}
}

// commit makes the written snapshot the actor's current state, performs the
// end-of-game and reset side effects, and broadcasts the update.
func (a *Actor) commit(ctx context.Context, next *game.Party, events []game.Event, cmd game.Command) {
	prev := a.party
	a.party = next

	if next.Status == game.StatusEnded && prev.Status != game.StatusEnded && next.GameState != nil {
		if err := a.store.FinalizeGiftWinners(ctx, a.partyID, next.GameState.Winners()); err != nil {
			slog.Error("[PartyActor] Failed to finalize winners", "party_id", a.partyID, "error", err)
		}
	}
	if cmd.Type() == game.CmdResetGame {
		if err := a.store.ClearGiftWinners(ctx, a.partyID); err != nil {
			slog.Error("[PartyActor] Failed to clear winners on reset", "party_id", a.partyID, "error", err)
		}
	}

	a.broadcastSnapshot(ctx, prev, next)
}

func (a *Actor) broadcastSnapshot(ctx context.Context, prev, next *game.Party) {
	event := "game-updated"
	switch {
	case next.Status == game.StatusActive && prev.Status == game.StatusLobby:
		event = "game-started"
	case next.Status == game.StatusEnded && prev.Status != game.StatusEnded:
		event = "game-ended"
	case next.Status == game.StatusLobby && prev.Status != game.StatusLobby:
		event = "game-reset"
	}

	data, err := json.Marshal(next)
	if err != nil {
		slog.Error("[PartyActor] Failed to marshal snapshot", "party_id", a.partyID, "error", err)
		return
	}
	a.bcast.Publish(ctx, broadcast.Message{
		Event:        event,
		PartyID:      a.partyID,
		StateVersion: next.StateVersion,
		Data:         data,
	})
}

// shutdown stops the run loop and waits for it to exit.
func (a *Actor) shutdown() {
	close(a.stop)
	<-a.stopped
}
