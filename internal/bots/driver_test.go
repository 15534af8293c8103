package bots

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Leftyshields/better-white-elephant-sub001/internal/broadcast"
	"github.com/Leftyshields/better-white-elephant-sub001/internal/game"
	"github.com/Leftyshields/better-white-elephant-sub001/internal/party"
	"github.com/Leftyshields/better-white-elephant-sub001/internal/store"
)

func newTestDriver(t *testing.T, delay time.Duration) (*Driver, *party.Registry, *store.MemoryStore) {
	t.Helper()

	st := store.NewMemoryStore()
	require.NoError(t, st.CreateParty(context.Background(), &game.Party{
		ID:      "p1",
		AdminID: "alice",
		Status:  game.StatusLobby,
		Config:  game.DefaultConfig(),
	}))

	bcast := broadcast.New(nil)
	registry := party.NewRegistry(st, bcast, nil, party.WithIdleTTL(time.Hour))
	t.Cleanup(registry.Stop)

	d := NewDriver(st, registry, bcast, delay)
	t.Cleanup(d.Stop)
	return d, registry, st
}

func TestIsBot(t *testing.T) {
	assert.True(t, IsBot("bot-1a2b3c4d"))
	assert.False(t, IsBot("alice"))
	assert.False(t, IsBot("robot-enthusiast"))
}

func TestAddBotsRequiresAdmin(t *testing.T) {
	d, _, _ := newTestDriver(t, time.Hour)

	_, err := d.AddBots(context.Background(), "p1", "mallory", 2)
	require.Error(t, err)
	assert.True(t, game.IsViolation(err, game.ViolationUnauthorized))
}

func TestAddBotsPopulatesRoster(t *testing.T) {
	d, _, st := newTestDriver(t, time.Hour)
	ctx := context.Background()

	botIDs, err := d.AddBots(ctx, "p1", "alice", 3)
	require.NoError(t, err)
	require.Len(t, botIDs, 3)
	for _, id := range botIDs {
		assert.True(t, IsBot(id))
	}

	roster, err := st.LoadRoster(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, roster.Participants, 3)
	require.Len(t, roster.Gifts, 3)
	for _, p := range roster.Participants {
		assert.Equal(t, game.ParticipantGoing, p.Status)
	}

	users, err := st.LookupUsers(ctx, botIDs)
	require.NoError(t, err)
	assert.Len(t, users, 3)

	_, err = d.AddBots(ctx, "p1", "alice", 0)
	assert.Error(t, err)
}

func TestForceBotMovePlaysGame(t *testing.T) {
	d, registry, _ := newTestDriver(t, time.Hour)
	ctx := context.Background()

	_, err := d.AddBots(ctx, "p1", "alice", 3)
	require.NoError(t, err)

	// The actor's roster cache refreshes asynchronously after AddBots.
	require.Eventually(t, func() bool {
		res := registry.Submit(ctx, "p1", game.StartGame{ActorID: "alice", Seed: 11, HasSeed: true})
		return res.Err == nil
	}, 5*time.Second, 20*time.Millisecond)

	for i := 0; i < 10; i++ {
		snapshot, err := registry.Snapshot(ctx, "p1")
		require.NoError(t, err)
		if snapshot.Status == game.StatusEnded {
			break
		}
		require.NoError(t, d.ForceBotMove(ctx, "p1", "alice", "move"))
	}

	final, err := registry.Snapshot(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, game.StatusEnded, final.Status)
}

func TestForceBotMoveValidation(t *testing.T) {
	d, _, _ := newTestDriver(t, time.Hour)
	ctx := context.Background()

	err := d.ForceBotMove(ctx, "p1", "mallory", "move")
	assert.True(t, game.IsViolation(err, game.ViolationUnauthorized))

	// Lobby: nobody is active, so no bot to force.
	err = d.ForceBotMove(ctx, "p1", "alice", "move")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a bot")
}

func TestAutoplayDrivesGameToEnd(t *testing.T) {
	d, registry, _ := newTestDriver(t, 10*time.Millisecond)
	ctx := context.Background()

	_, err := d.AddBots(ctx, "p1", "alice", 3)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		res := registry.Submit(ctx, "p1", game.StartGame{ActorID: "alice", Seed: 5, HasSeed: true})
		return res.Err == nil
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, d.ToggleAutoplay(ctx, "p1", "alice", true))

	require.Eventually(t, func() bool {
		snapshot, err := registry.Snapshot(ctx, "p1")
		return err == nil && snapshot.Status == game.StatusEnded
	}, 10*time.Second, 50*time.Millisecond)
}

func TestToggleAutoplayOffIsIdempotent(t *testing.T) {
	d, _, _ := newTestDriver(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, d.ToggleAutoplay(ctx, "p1", "alice", true))
	require.NoError(t, d.ToggleAutoplay(ctx, "p1", "alice", false))
	require.NoError(t, d.ToggleAutoplay(ctx, "p1", "alice", false))
	assert.True(t, game.IsViolation(d.ToggleAutoplay(ctx, "p1", "bob", true), game.ViolationUnauthorized))
}
